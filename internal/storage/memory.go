package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps job logs in process memory. It backs the "memory"
// driver and tests.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	nextID  int64
	nextDID int64
	logs    map[int64]*JobLogEntry
	details []TaskExecutionDetail
}

// NewMemory returns an empty store. A nil now uses time.Now.
func NewMemory(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, logs: map[int64]*JobLogEntry{}}
}

func (m *MemoryStore) Close() error               { return nil }
func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) InsertRunning(ctx context.Context, jobType, jobName string, userID *int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e := &JobLogEntry{
		ID:        m.nextID,
		UserID:    copyInt(userID),
		JobType:   jobType,
		JobName:   jobName,
		Status:    StatusRunning,
		StartedAt: m.now().UTC(),
	}
	m.logs[e.ID] = e
	return e.ID, nil
}

// Seed inserts a fully specified row, keeping its StartedAt. It returns the new id.
func (m *MemoryStore) Seed(e JobLogEntry) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.logs[e.ID] = &e
	return e.ID
}

func (m *MemoryStore) MarkSuccess(ctx context.Context, id int64, duration float64, message string) error {
	return m.close(id, StatusSuccess, m.now(), duration, message, "")
}

func (m *MemoryStore) MarkError(ctx context.Context, id int64, duration float64, errMsg string) error {
	return m.close(id, StatusError, m.now(), duration, MessageFailed, errMsg)
}

func (m *MemoryStore) MarkAbandoned(ctx context.Context, id int64, completedAt time.Time, duration float64, errMsg string) error {
	return m.close(id, StatusFailed, completedAt, duration, MessageTerminated, errMsg)
}

func (m *MemoryStore) close(id int64, status JobStatus, at time.Time, duration float64, message, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.logs[id]
	if !ok || e.Status != StatusRunning {
		return fmt.Errorf("%w: id=%d", ErrNotRunning, id)
	}
	at = at.UTC()
	e.Status = status
	e.CompletedAt = &at
	e.Duration = &duration
	e.Message = message
	e.Error = errMsg
	return nil
}

func (m *MemoryStore) InsertDetail(ctx context.Context, rec DetailRecord) error {
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode detail payload: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDID++
	d := TaskExecutionDetail{
		ID:         m.nextDID,
		JobLogID:   rec.JobLogID,
		TaskType:   rec.TaskType,
		ItemKey:    copyStr(rec.ItemKey),
		ItemLabel:  copyStr(rec.ItemLabel),
		DetailType: rec.DetailType,
		CreatedAt:  m.now().UTC(),
	}
	if payload != "" {
		d.Payload = []byte(payload)
	}
	m.details = append(m.details, d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (JobLogEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.logs[id]
	if !ok {
		return JobLogEntry{}, false, nil
	}
	return *e, true, nil
}

func (m *MemoryStore) matching(f JobLogFilter) []JobLogEntry {
	out := make([]JobLogEntry, 0, len(m.logs))
	for _, e := range m.logs {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.JobType != "" && e.JobType != f.JobType {
			continue
		}
		if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
			continue
		}
		out = append(out, *e)
	}
	return out
}

func (m *MemoryStore) Query(ctx context.Context, f JobLogFilter) ([]JobLogEntry, error) {
	m.mu.Lock()
	out := m.matching(f)
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, f.Limit, f.Offset), nil
}

func (m *MemoryStore) Count(ctx context.Context, f JobLogFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.matching(f))), nil
}

func (m *MemoryStore) QueryDetails(ctx context.Context, f DetailFilter) ([]TaskExecutionDetail, error) {
	m.mu.Lock()
	out := []TaskExecutionDetail{}
	for _, d := range m.details {
		if d.JobLogID != f.JobLogID {
			continue
		}
		if f.DetailType != "" && d.DetailType != f.DetailType {
			continue
		}
		out = append(out, d)
	}
	m.mu.Unlock()
	return page(out, f.Limit, f.Offset), nil
}

func (m *MemoryStore) DetailSummary(ctx context.Context, jobLogID int64) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int64{}
	for _, d := range m.details {
		if d.JobLogID == jobLogID {
			out[d.DetailType]++
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteStartedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := map[int64]bool{}
	for id, e := range m.logs {
		if e.StartedAt.Before(cutoff) {
			removed[id] = true
			delete(m.logs, id)
		}
	}
	if len(removed) > 0 {
		kept := m.details[:0]
		for _, d := range m.details {
			if !removed[d.JobLogID] {
				kept = append(kept, d)
			}
		}
		m.details = kept
	}
	return int64(len(removed)), nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(in) {
		return []T{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func copyInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyStr(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
