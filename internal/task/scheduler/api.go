package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"stockhub/internal/task"
	logx "stockhub/pkg/logx"
)

// AddCronJob registers fn to run daily at hour:minute in the scheduler
// timezone, replacing any job with the same id.
func (s *Service) AddCronJob(jobID, name string, hour, minute int, fn task.Func) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("%w: %02d:%02d", ErrInvalidTrigger, hour, minute)
	}
	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	return s.register(&jobDef{id: jobID, name: name, kind: SpecCron, spec: spec, fn: fn})
}

// AddIntervalJob registers fn to run every intervalMinutes, replacing any
// job with the same id. The first run is one interval after Start.
func (s *Service) AddIntervalJob(jobID, name string, intervalMinutes int, fn task.Func) error {
	if intervalMinutes <= 0 {
		return fmt.Errorf("%w: interval %d minutes", ErrInvalidTrigger, intervalMinutes)
	}
	every := time.Duration(intervalMinutes) * time.Minute
	return s.register(&jobDef{id: jobID, name: name, kind: SpecInterval, every: every, fn: fn})
}

// AddScheduleJob registers fn with a free-form schedule accepted by
// ParseSchedule (cron expression, "55m", "02:30").
func (s *Service) AddScheduleJob(jobID, name, schedule string, fn task.Func) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	d := &jobDef{id: jobID, name: name, kind: ps.Kind, fn: fn}
	switch ps.Kind {
	case SpecCron:
		d.spec = ps.Cron
	case SpecInterval:
		if ps.Every < time.Second {
			return fmt.Errorf("%w: interval %s below 1s", ErrInvalidTrigger, ps.Every)
		}
		d.every = ps.Every
	}
	return s.register(d)
}

func (s *Service) register(d *jobDef) error {
	d.id = strings.TrimSpace(d.id)
	if d.id == "" {
		return ErrJobIDRequired
	}
	if d.fn == nil {
		return ErrNilFunc
	}
	if strings.TrimSpace(d.name) == "" {
		d.name = d.id
	}
	if d.kind == SpecCron {
		if _, err := s.parser.Parse(d.spec); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidTrigger, d.spec, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Replace: drop the previous trigger before arming the new one.
	if old, ok := s.defs[d.id]; ok && s.c != nil && old.entryID != 0 {
		s.c.Remove(old.entryID)
	}
	st, ok := s.states[d.id]
	if !ok {
		st = &runState{}
		s.states[d.id] = st
	}
	d.state = st
	s.defs[d.id] = d

	if s.c == nil {
		s.log.Debug("job registered", logx.String("job_id", d.id), logx.String("trigger", d.trigger()))
		return nil
	}
	if err := s.armLocked(d); err != nil {
		s.log.Error("job register failed", logx.String("job_id", d.id), logx.String("trigger", d.trigger()), logx.Err(err))
		return err
	}
	args := []logx.Field{logx.String("job_id", d.id), logx.String("trigger", d.trigger())}
	if next := s.previewNextRunsLocked(d, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("job registered", args...)
	return nil
}

func (s *Service) armLocked(d *jobDef) error {
	job := cron.FuncJob(func() { s.dispatch(d, "schedule") })
	sched, err := s.scheduleFor(d)
	if err != nil {
		return err
	}
	d.entryID = s.c.Schedule(sched, job)
	return nil
}

func (s *Service) scheduleFor(d *jobDef) (cron.Schedule, error) {
	if d.kind == SpecInterval {
		return cron.Every(d.every), nil
	}
	sched, err := s.parser.Parse(d.spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTrigger, d.spec, err)
	}
	return sched, nil
}

// RemoveJob unregisters jobID. An execution already in flight finishes.
func (s *Service) RemoveJob(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[jobID]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, jobID)
	s.log.Debug("job removed", logx.String("job_id", jobID))
	return true
}

// RunJobNow dispatches jobID outside its schedule. It returns false only for
// an unknown id; when a run is already in flight nothing new starts.
func (s *Service) RunJobNow(jobID string) bool {
	s.mu.Lock()
	d, ok := s.defs[jobID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.dispatch(d, "manual")
	return true
}

// IsRunning reports whether an execution of jobID is in flight.
func (s *Service) IsRunning(jobID string) bool {
	s.mu.Lock()
	st := s.states[jobID]
	s.mu.Unlock()
	return st != nil && st.running()
}

// GetJobs lists registered jobs ordered by id.
func (s *Service) GetJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := JobInfo{ID: d.id, Name: d.name, Trigger: d.trigger(), Running: d.state.running()}
		if s.c != nil && d.entryID != 0 {
			if next := s.c.Entry(d.entryID).Next; !next.IsZero() {
				info.NextRunTime = &next
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// previewNextRunsLocked returns upcoming run times for debug logs.
func (s *Service) previewNextRunsLocked(d *jobDef, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.scheduleFor(d)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// ParseClock parses "HH:MM" into hour and minute.
func ParseClock(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
