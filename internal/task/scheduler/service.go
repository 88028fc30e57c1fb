package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"stockhub/internal/eventbus"
	"stockhub/internal/storage"
	"stockhub/internal/task/joblog"
	logx "stockhub/pkg/logx"
)

type Option func(*Service)

// WithBus publishes job lifecycle events on b.
func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

// WithClock overrides time.Now for log timestamps and the zombie sweep.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRecorder shares a recorder with other components (the task manager).
func WithRecorder(rec *joblog.Recorder) Option { return func(s *Service) { s.rec = rec } }

// New builds a stopped scheduler. store may be nil, in which case jobs run
// without an audit trail and the log queries return storage.ErrDisabled.
func New(cfg Config, store storage.Store, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "scheduler")),
		store: store,
		now:   time.Now,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:       cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:         map[string]*jobDef{},
		states:       map[string]*runState{},
		runCtx:       ctx,
		runCancel:    cancel,
		lastSkipWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.rec == nil {
		s.rec = joblog.NewRecorder(store, log)
	}
	return s
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Recorder returns the job log recorder used for executions.
func (s *Service) Recorder() *joblog.Recorder { return s.rec }

// Apply updates the config. On a started scheduler toggling Enabled arms
// or disarms the triggers and a timezone change re-arms them. The zombie
// sweep does not run again.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if !s.open {
		return
	}
	switch {
	case cfg.Enabled && s.c == nil:
		if err := s.armAllLocked(); err != nil {
			s.log.Error("job arm failed", logx.Err(err))
		}
		s.log.Info("scheduler enabled", logx.Int("jobs", len(s.defs)))
	case !cfg.Enabled && s.c != nil:
		s.disarmLocked()
		s.log.Info("scheduler disabled; triggers disarmed", logx.Int("jobs", len(s.defs)))
	case s.c != nil && oldTZ != newTZ:
		s.restartLocked()
	}
}

// Start closes zombie job logs and then arms every registered trigger.
// A disabled scheduler still runs the sweep; RunJobNow keeps working.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return nil
	}
	enabled := s.cfg.Enabled
	s.mu.Unlock()

	s.recoverZombies(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}
	if s.runCtx.Err() != nil {
		s.runCtx, s.runCancel = context.WithCancel(context.Background())
	}
	s.stopping = false
	s.open = true
	if !enabled {
		s.log.Info("scheduler disabled; triggers not armed", logx.Int("jobs", len(s.defs)))
		return nil
	}

	err := s.armAllLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
	return err
}

// Shutdown stops the trigger clock. With wait it also blocks until in-flight
// executions finish; if ctx expires first their contexts are cancelled and
// ctx.Err() is returned. Without wait running bodies are left alone.
func (s *Service) Shutdown(ctx context.Context, wait bool) error {
	start := time.Now()
	s.log.Info("stop requested", logx.Bool("wait", wait))

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.stopping = true
	s.open = false
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if !wait {
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		cancel := s.runCancel
		s.mu.Unlock()
		cancel()
		s.log.Warn("stop timed out; cancelled in-flight jobs", logx.Duration("took", time.Since(start)))
		return ctx.Err()
	}
}

// Started reports whether triggers are armed.
func (s *Service) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// armAllLocked builds a fresh cron in the configured timezone and arms every
// registered job.
func (s *Service) armAllLocked() error {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	var errs []error
	for _, d := range s.defs {
		if err := s.armLocked(d); err != nil {
			errs = append(errs, err)
		}
	}
	s.c.Start()
	return errors.Join(errs...)
}

// disarmLocked stops the trigger clock without waiting: a fire already in
// dispatch needs s.mu, which the caller holds.
func (s *Service) disarmLocked() {
	if s.c == nil {
		return
	}
	s.c.Stop()
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
}

func (s *Service) restartLocked() {
	s.disarmLocked()
	if err := s.armAllLocked(); err != nil {
		s.log.Error("job re-arm failed", logx.Err(err))
	}
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
