package jobs

import (
	"context"
	"fmt"
	"time"

	"stockhub/internal/config"
	"stockhub/internal/task"
	"stockhub/internal/task/scheduler"
	logx "stockhub/pkg/logx"
)

const (
	IDJobLogPrune = "job_log_prune"
	IDTaskCleanup = "task_cleanup"
	IDHealthCheck = "health_check"

	healthInterval = 30 // minutes
	pingTimeout    = 10 * time.Second
)

type LogPruner interface {
	ClearOldJobLogs(ctx context.Context, retentionDays int) (int64, error)
}

type TaskCleaner interface {
	CleanupCompletedTasks(keep time.Duration) int
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are what the built-in jobs act on. Config is read on every run so a
// reload changes retention without re-registering.
type Deps struct {
	Logs   LogPruner
	Tasks  TaskCleaner
	Store  Pinger // nil when job logs are disabled
	Config func() *config.Config
	Log    logx.Logger
}

func (d Deps) cfg() *config.Config {
	if d.Config == nil {
		return &config.Config{}
	}
	if c := d.Config(); c != nil {
		return c
	}
	return &config.Config{}
}

// Builtins returns the maintenance jobs. Default triggers come from the
// current config; prune and health check are omitted without a store.
func Builtins(d Deps) []Definition {
	cfg := d.cfg()
	var out []Definition

	if d.Store != nil && d.Logs != nil {
		h, m := 3, 0
		if ph, pm, err := scheduler.ParseClock(cfg.JobLogs.PruneAtOrDefault()); err == nil {
			h, m = ph, pm
		}
		out = append(out, Definition{
			ID:      IDJobLogPrune,
			Name:    "Job log prune",
			Default: Daily(h, m),
			Func:    d.prune,
		})
	}

	if d.Tasks != nil {
		every := int(cfg.Tasks.CleanupIntervalOrDefault() / time.Minute)
		if every < 1 {
			every = 1
		}
		out = append(out, Definition{
			ID:      IDTaskCleanup,
			Name:    "Finished task cleanup",
			Default: Every(every),
			Func:    d.cleanup,
		})
	}

	if d.Store != nil {
		out = append(out, Definition{
			ID:      IDHealthCheck,
			Name:    "Store health check",
			Default: Every(healthInterval),
			Func:    d.health,
		})
	}
	return out
}

func (d Deps) prune(jc task.JobContext, _ ...any) (any, error) {
	days := d.cfg().JobLogs.RetentionDaysOrDefault()
	n, err := d.Logs.ClearOldJobLogs(jc.Context(), days)
	if err != nil {
		return nil, fmt.Errorf("prune job logs: %w", err)
	}
	msg := fmt.Sprintf("deleted %d job logs older than %d days", n, days)
	jc.Progress(100, msg, nil)
	return msg, nil
}

func (d Deps) cleanup(jc task.JobContext, _ ...any) (any, error) {
	keep := d.cfg().Tasks.RetentionOrDefault()
	n := d.Tasks.CleanupCompletedTasks(keep)
	if n > 0 {
		d.Log.Debug("tasks.cleanup", logx.Int("removed", n), logx.Duration("keep", keep))
	}
	return fmt.Sprintf("removed %d finished tasks", n), nil
}

func (d Deps) health(jc task.JobContext, _ ...any) (any, error) {
	ctx, cancel := context.WithTimeout(jc.Context(), pingTimeout)
	defer cancel()
	start := time.Now()
	if err := d.Store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store ping: %w", err)
	}
	return fmt.Sprintf("store ok in %s", time.Since(start).Round(time.Millisecond)), nil
}
