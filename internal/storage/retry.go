package storage

import (
	"context"
	"errors"
	"time"

	logx "stockhub/pkg/logx"
)

// RetryConfig bounds the retries of terminal job log writes.
type RetryConfig struct {
	Attempts int           // total attempts, default 3
	Base     time.Duration // first delay, default 500ms
	Factor   float64       // backoff multiplier, default 2
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Base <= 0 {
		c.Base = 500 * time.Millisecond
	}
	if c.Factor < 1 {
		c.Factor = 2
	}
	return c
}

// WithRetry wraps st so MarkSuccess, MarkError and MarkAbandoned are retried
// with exponential backoff. ErrNotRunning is final and never retried.
func WithRetry(st Store, cfg RetryConfig, log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &retryStore{Store: st, cfg: cfg.withDefaults(), log: log}
}

type retryStore struct {
	Store
	cfg RetryConfig
	log logx.Logger
}

func (r *retryStore) MarkSuccess(ctx context.Context, id int64, duration float64, message string) error {
	return r.retry(ctx, "mark_success", id, func() error { return r.Store.MarkSuccess(ctx, id, duration, message) })
}

func (r *retryStore) MarkError(ctx context.Context, id int64, duration float64, errMsg string) error {
	return r.retry(ctx, "mark_error", id, func() error { return r.Store.MarkError(ctx, id, duration, errMsg) })
}

func (r *retryStore) MarkAbandoned(ctx context.Context, id int64, completedAt time.Time, duration float64, errMsg string) error {
	return r.retry(ctx, "mark_abandoned", id, func() error {
		return r.Store.MarkAbandoned(ctx, id, completedAt, duration, errMsg)
	})
}

func (r *retryStore) retry(ctx context.Context, op string, id int64, fn func() error) error {
	delay := r.cfg.Base
	var err error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, ErrNotRunning) {
			return err
		}
		if attempt == r.cfg.Attempts {
			break
		}
		r.log.Warn("job log write failed; retrying",
			logx.String("op", op), logx.Int64("log_id", id), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		delay = time.Duration(float64(delay) * r.cfg.Factor)
	}
	r.log.Error("job log write failed", logx.String("op", op), logx.Int64("log_id", id), logx.Int("attempts", r.cfg.Attempts), logx.Err(err))
	return err
}
