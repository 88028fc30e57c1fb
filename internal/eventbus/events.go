package eventbus

import "time"

// Event types published by the task manager and the scheduler.
const (
	JobStarted    = "job.started"
	JobSucceeded  = "job.succeeded"
	JobFailed     = "job.failed"
	JobSkipped    = "job.skipped"
	JobRecovered  = "job.recovered"
	TaskStarted   = "task.started"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
)

// JobEvent is the payload of job.* events.
type JobEvent struct {
	JobID    string        `json:"job_id"`
	JobName  string        `json:"job_name"`
	LogID    int64         `json:"log_id,omitempty"`
	Trigger  string        `json:"trigger,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// TaskEvent is the payload of task.* events.
type TaskEvent struct {
	TaskID   string        `json:"task_id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RecoveryEvent is published once per start when zombie job logs were closed.
type RecoveryEvent struct {
	Closed int     `json:"closed"`
	LogIDs []int64 `json:"log_ids"`
}
