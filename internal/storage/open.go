package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "stockhub/pkg/logx"
)

// Store is the job log persistence API used by the scheduler and the task
// manager's logging wrapper. Every terminal update is keyed by the id
// returned from InsertRunning.
type Store interface {
	InsertRunning(ctx context.Context, jobType, jobName string, userID *int64) (int64, error)
	MarkSuccess(ctx context.Context, id int64, duration float64, message string) error
	MarkError(ctx context.Context, id int64, duration float64, errMsg string) error
	// MarkAbandoned closes a row left running by a previous process.
	MarkAbandoned(ctx context.Context, id int64, completedAt time.Time, duration float64, errMsg string) error
	InsertDetail(ctx context.Context, rec DetailRecord) error

	Get(ctx context.Context, id int64) (JobLogEntry, bool, error)
	Query(ctx context.Context, f JobLogFilter) ([]JobLogEntry, error)
	Count(ctx context.Context, f JobLogFilter) (int64, error)
	QueryDetails(ctx context.Context, f DetailFilter) ([]TaskExecutionDetail, error)
	DetailSummary(ctx context.Context, jobLogID int64) (map[string]int64, error)
	// DeleteStartedBefore removes job logs started before cutoff together
	// with their details and returns the number of job logs removed.
	DeleteStartedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "memory":
		return NewMemory(cfg.Now), nil
	case "", "none":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
