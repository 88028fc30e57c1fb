package scheduler

import (
	"context"
	"errors"

	"stockhub/internal/eventbus"
	"stockhub/internal/storage"
	logx "stockhub/pkg/logx"
)

// recoverZombies closes job logs left running by a previous process. Rows
// opened by this process through the recorder, scheduled or ad hoc, are
// skipped. Failures are logged; a row that could not be closed is retried
// on the next start.
func (s *Service) recoverZombies(ctx context.Context) int {
	if s.store == nil {
		return 0
	}
	var closed []int64
	s.rec.WithStartsPaused(func(isLive func(int64) bool) {
		closed = s.sweep(ctx, isLive)
	})

	if len(closed) > 0 {
		s.log.Info("zombie sweep done", logx.Int("closed", len(closed)))
		eventbus.Publish(s.bus, eventbus.JobRecovered, eventbus.RecoveryEvent{Closed: len(closed), LogIDs: closed})
	}
	return len(closed)
}

func (s *Service) sweep(ctx context.Context, isLive func(int64) bool) []int64 {
	rows, err := s.store.Query(ctx, storage.JobLogFilter{Status: storage.StatusRunning})
	if err != nil {
		s.log.Error("zombie sweep query failed", logx.Err(err))
		return nil
	}

	now := s.now()
	closed := make([]int64, 0, len(rows))
	for _, row := range rows {
		if isLive(row.ID) {
			continue
		}
		dur := now.Sub(row.StartedAt).Seconds()
		if dur < 0 {
			dur = 0
		}
		err := s.store.MarkAbandoned(ctx, row.ID, now, dur, ZombieError)
		switch {
		case err == nil:
			closed = append(closed, row.ID)
			s.log.Warn("zombie job log closed",
				logx.Int64("log_id", row.ID), logx.String("job_type", row.JobType), logx.Time("started_at", row.StartedAt), logx.Float64("duration", dur))
		case errors.Is(err, storage.ErrNotRunning):
			// Closed concurrently.
		default:
			s.log.Error("zombie job log close failed", logx.Int64("log_id", row.ID), logx.Err(err))
		}
	}
	return closed
}
