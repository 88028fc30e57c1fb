package scheduler

import (
	"context"
	"fmt"
	"time"

	"stockhub/internal/storage"
	logx "stockhub/pkg/logx"
)

// GetJobLogs returns job logs newest first. A non-nil userID restricts the
// result to that user's runs.
func (s *Service) GetJobLogs(ctx context.Context, limit, offset int, userID *int64) ([]storage.JobLogEntry, error) {
	if s.store == nil {
		return nil, storage.ErrDisabled
	}
	return s.store.Query(ctx, storage.JobLogFilter{Limit: limit, Offset: offset, UserID: userID})
}

func (s *Service) GetJobLogsCount(ctx context.Context, userID *int64) (int64, error) {
	if s.store == nil {
		return 0, storage.ErrDisabled
	}
	return s.store.Count(ctx, storage.JobLogFilter{UserID: userID})
}

func (s *Service) GetJobLog(ctx context.Context, id int64) (storage.JobLogEntry, bool, error) {
	if s.store == nil {
		return storage.JobLogEntry{}, false, storage.ErrDisabled
	}
	return s.store.Get(ctx, id)
}

// ClearOldJobLogs deletes job logs (and their details) started more than
// retentionDays ago.
func (s *Service) ClearOldJobLogs(ctx context.Context, retentionDays int) (int64, error) {
	if s.store == nil {
		return 0, storage.ErrDisabled
	}
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be > 0, got %d", retentionDays)
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	n, err := s.store.DeleteStartedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clear job logs: %w", err)
	}
	s.log.Info("old job logs cleared", logx.Int64("deleted", n), logx.Int("retention_days", retentionDays))
	return n, nil
}

// LogTaskDetail appends a detail row to jobLogID. Write failures are logged
// and swallowed.
func (s *Service) LogTaskDetail(ctx context.Context, jobLogID int64, taskType, detailType string, payload any, itemKey, itemLabel *string) {
	s.rec.LogDetail(ctx, jobLogID, taskType, detailType, payload, itemKey, itemLabel)
}

// GetTaskDetails pages through a job log's details in insertion order. An
// empty detailType returns every type.
func (s *Service) GetTaskDetails(ctx context.Context, jobLogID int64, limit, offset int, detailType string) ([]storage.TaskExecutionDetail, error) {
	if s.store == nil {
		return nil, storage.ErrDisabled
	}
	return s.store.QueryDetails(ctx, storage.DetailFilter{JobLogID: jobLogID, DetailType: detailType, Limit: limit, Offset: offset})
}

// GetTaskDetailSummary counts a job log's details per detail type.
func (s *Service) GetTaskDetailSummary(ctx context.Context, jobLogID int64) (map[string]int64, error) {
	if s.store == nil {
		return nil, storage.ErrDisabled
	}
	return s.store.DetailSummary(ctx, jobLogID)
}
