package manager

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"stockhub/internal/task"
	"stockhub/internal/task/joblog"
)

var (
	ErrNilFunc = errors.New("task function is nil")
	// ErrTaskActive is returned by CreateTask with Unique while a task of
	// the same name is pending or running.
	ErrTaskActive = errors.New("task already running")
	// ErrCancelled is the failure recorded for a task stopped by CancelTask.
	ErrCancelled = task.ErrCancelled
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

const (
	defaultCompletedMessage = "task completed"
	cancelledMessage        = "task was cancelled"
	failedMessagePrefix     = "task failed: "
)

// TaskView is a point-in-time copy of a task. Zero times mean "not yet".
type TaskView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	Progress    float64    `json:"progress"`
	Message     string     `json:"message"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Cancelled   bool       `json:"cancelled"`
}

// Task is one ad-hoc unit of work owned by a Manager.
type Task struct {
	id        string
	name      string
	seq       uint64
	fn        task.Func
	args      []any
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	progress  atomic.Uint64 // float64 bits
	cancelled atomic.Bool
	finished  atomic.Bool // set by the terminal transition; drops late progress

	mu          sync.Mutex
	status      Status
	launched    bool
	message     string
	startedAt   time.Time
	completedAt time.Time
	result      any
	err         string
}

func (t *Task) loadProgress() float64 { return math.Float64frombits(t.progress.Load()) }

func (t *Task) storeProgress(pct float64) {
	t.progress.Store(math.Float64bits(task.ClampProgress(pct)))
}

func (t *Task) view() TaskView {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := TaskView{
		ID:        t.id,
		Name:      t.name,
		Status:    t.status,
		Progress:  t.loadProgress(),
		Message:   t.message,
		CreatedAt: t.createdAt,
		Result:    t.result,
		Error:     t.err,
		Cancelled: t.cancelled.Load(),
	}
	if !t.startedAt.IsZero() {
		ts := t.startedAt
		v.StartedAt = &ts
	}
	if !t.completedAt.IsZero() {
		ts := t.completedAt
		v.CompletedAt = &ts
	}
	return v
}

// Option configures CreateTask.
type Option func(*createOptions)

type createOptions struct {
	args     []any
	deferred bool
	unique   bool
	rec      *joblog.Recorder
	jobType  string
	userID   *int64
}

// WithArgs passes positional arguments to the body.
func WithArgs(args ...any) Option {
	return func(o *createOptions) { o.args = append(o.args, args...) }
}

// Deferred registers the task without starting it; StartTask launches it.
func Deferred() Option {
	return func(o *createOptions) { o.deferred = true }
}

// Unique refuses the task with ErrTaskActive while another task of the same
// name is pending or running. The check and the insert are atomic.
func Unique() Option {
	return func(o *createOptions) { o.unique = true }
}

// WithJobLog records the run as a job log of jobType through rec, the same
// way scheduled jobs are recorded.
func WithJobLog(rec *joblog.Recorder, jobType string, userID *int64) Option {
	return func(o *createOptions) {
		o.rec = rec
		o.jobType = jobType
		o.userID = userID
	}
}
