package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrUnknownDriver = errors.New("unknown storage driver")
	// ErrNotRunning is returned when a terminal update targets a row that is
	// missing or already closed. Terminal transitions happen once.
	ErrNotRunning = errors.New("job log not found or not running")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL via DSN
//   - "memory": process-local, lost on exit
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Now overrides the clock used for started_at/completed_at/created_at.
	Now func() time.Time
}

func (c Config) clock() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}

type JobStatus string

// Messages written with terminal transitions.
const (
	MessageFailed     = "task failed"
	MessageTerminated = "task terminated"
)

const (
	StatusRunning JobStatus = "running"
	StatusSuccess JobStatus = "success"
	StatusError   JobStatus = "error"
	// StatusFailed marks a row force-closed by crash recovery.
	StatusFailed JobStatus = "failed"
)

// JobLogEntry is the durable record of one job execution.
type JobLogEntry struct {
	ID          int64      `json:"id"`
	UserID      *int64     `json:"user_id,omitempty"`
	JobType     string     `json:"job_type"`
	JobName     string     `json:"job_name"`
	Status      JobStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    *float64   `json:"duration,omitempty"` // seconds
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// TaskExecutionDetail is one child row of a job log, e.g. the outcome for a
// single stock code during an import.
type TaskExecutionDetail struct {
	ID         int64           `json:"id"`
	JobLogID   int64           `json:"job_log_id"`
	TaskType   string          `json:"task_type"`
	ItemKey    *string         `json:"item_key,omitempty"`
	ItemLabel  *string         `json:"item_label,omitempty"`
	DetailType string          `json:"detail_type"`
	Payload    json.RawMessage `json:"detail_payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DecodePayload unmarshals the JSON payload into v.
func (d TaskExecutionDetail) DecodePayload(v any) error {
	if len(d.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(d.Payload, v)
}

// DetailRecord is the input of InsertDetail. Payload is JSON-encoded.
type DetailRecord struct {
	JobLogID   int64
	TaskType   string
	DetailType string
	ItemKey    *string
	ItemLabel  *string
	Payload    any
}

// JobLogFilter selects job logs. Zero fields match everything; Limit <= 0
// means no limit.
type JobLogFilter struct {
	Status  JobStatus
	JobType string
	UserID  *int64
	Limit   int
	Offset  int
}

// DetailFilter selects the details of one job log in insertion order.
type DetailFilter struct {
	JobLogID   int64
	DetailType string
	Limit      int
	Offset     int
}

func encodePayload(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return string(raw), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

