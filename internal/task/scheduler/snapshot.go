package scheduler

// Snapshot is a diagnostic view of the scheduler.
type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Started  bool      `json:"started"`
	Timezone string    `json:"timezone"`
	InFlight int       `json:"in_flight"`
	Jobs     []JobInfo `json:"jobs"`
}

func (s *Service) Snapshot() Snapshot {
	jobs := s.GetJobs()

	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Started:  s.c != nil,
		Timezone: s.cfg.Timezone,
	}
	if s.loc != nil && snap.Timezone == "" {
		snap.Timezone = s.loc.String()
	}
	s.mu.Unlock()

	for _, j := range jobs {
		if j.Running {
			snap.InFlight++
		}
	}
	snap.Jobs = jobs
	return snap
}
