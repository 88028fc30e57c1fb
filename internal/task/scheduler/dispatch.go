package scheduler

import (
	"context"
	"errors"
	"time"

	"stockhub/internal/eventbus"
	"stockhub/internal/task"
	logx "stockhub/pkg/logx"
)

const skipWarnThrottle = time.Minute

// dispatch starts one execution of d in its own goroutine unless one is
// already in flight. It reports whether a run was started.
func (s *Service) dispatch(d *jobDef, trigger string) bool {
	if !d.state.tryAcquire() {
		s.reportSkip(d, trigger)
		return false
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		d.state.release()
		s.log.Debug("job dispatch refused; scheduler stopping", logx.String("job_id", d.id))
		return false
	}
	ctx := s.runCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer d.state.release()
		s.execute(ctx, d, trigger)
	}()
	return true
}

func (s *Service) execute(ctx context.Context, d *jobDef, trigger string) {
	log := s.log.With(logx.String("job_id", d.id), logx.String("trigger", trigger))
	start := time.Now()

	run := s.rec.Begin(ctx, d.id, d.name, nil)
	log.Info("job.started", logx.Int64("log_id", run.ID))
	eventbus.Publish(s.bus, eventbus.JobStarted, eventbus.JobEvent{JobID: d.id, JobName: d.name, LogID: run.ID, Trigger: trigger, Started: start})

	jc := task.NewJobContext(ctx, nil)
	res, err := task.Call(d.fn, task.WithProgress(jc, run.ProgressHook(ctx)))
	var pe *task.PanicError
	if errors.As(err, &pe) {
		log.Error("job.panic", logx.Any("panic", pe.Value), logx.Stack(string(pe.Stack)))
	}
	err = run.Finish(ctx, jc, res, err)

	dur := time.Since(start)
	ev := eventbus.JobEvent{JobID: d.id, JobName: d.name, LogID: run.ID, Trigger: trigger, Started: start, Duration: dur}
	if err != nil {
		ev.Error = err.Error()
		log.Warn("job.failed", logx.Int64("log_id", run.ID), logx.Err(err), logx.Duration("dur", dur))
		eventbus.Publish(s.bus, eventbus.JobFailed, ev)
		return
	}
	ev.Message = task.Summary(res)
	log.Info("job.succeeded", logx.Int64("log_id", run.ID), logx.Duration("dur", dur))
	eventbus.Publish(s.bus, eventbus.JobSucceeded, ev)
}

// reportSkip logs overlap skips. Schedule-driven skips are throttled per job
// since a slow job on a short interval skips on every tick.
func (s *Service) reportSkip(d *jobDef, trigger string) {
	eventbus.Publish(s.bus, eventbus.JobSkipped, eventbus.JobEvent{JobID: d.id, JobName: d.name, Trigger: trigger, Started: time.Now()})
	if trigger == "manual" {
		s.log.Info("job already running; run-now ignored", logx.String("job_id", d.id))
		return
	}

	now := time.Now()
	s.skipMu.Lock()
	last := s.lastSkipWarn[d.id]
	if !last.IsZero() && now.Sub(last) < skipWarnThrottle {
		s.skipMu.Unlock()
		s.log.Debug("job trigger skipped", logx.String("job_id", d.id))
		return
	}
	s.lastSkipWarn[d.id] = now
	s.skipMu.Unlock()

	s.log.Warn("job still running; trigger skipped", logx.String("job_id", d.id))
}
