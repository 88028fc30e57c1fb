// Package manager runs ad-hoc background tasks (imports, backtests, manual
// job triggers) in their own goroutines and tracks them in memory.
//
// The registry does not survive a restart. Long-lived history belongs in the
// job log, which WithJobLog writes.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"stockhub/internal/eventbus"
	"stockhub/internal/task"
	logx "stockhub/pkg/logx"
)

type Manager struct {
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	mu    sync.RWMutex
	tasks map[string]*Task
	seq   uint64

	wg sync.WaitGroup
}

type ManagerOption func(*Manager)

// WithBus publishes task lifecycle events on b.
func WithBus(b eventbus.Bus) ManagerOption {
	return func(m *Manager) { m.bus = b }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func New(log logx.Logger, opts ...ManagerOption) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		log:   log.With(logx.String("comp", "tasks")),
		now:   time.Now,
		tasks: map[string]*Task{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CreateTask registers fn under a new id and, unless Deferred is given,
// starts its worker immediately.
func (m *Manager) CreateTask(name string, fn task.Func, opts ...Option) (string, error) {
	if fn == nil {
		return "", ErrNilFunc
	}
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.rec != nil {
		jobType := o.jobType
		if jobType == "" {
			jobType = name
		}
		fn = o.rec.Wrap(jobType, name, o.userID, fn)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		id:        uuid.NewString(),
		name:      name,
		fn:        fn,
		args:      o.args,
		createdAt: m.now(),
		ctx:       ctx,
		cancel:    cancel,
		status:    StatusPending,
	}

	m.mu.Lock()
	if o.unique && m.hasActiveLocked(name) {
		m.mu.Unlock()
		cancel()
		return "", fmt.Errorf("%w: %s", ErrTaskActive, name)
	}
	m.seq++
	t.seq = m.seq
	m.tasks[t.id] = t
	m.mu.Unlock()

	m.log.Debug("task.created", logx.String("task_id", t.id), logx.String("task", name), logx.Bool("deferred", o.deferred))
	if !o.deferred {
		m.launch(t)
	}
	return t.id, nil
}

// StartTask launches a deferred task. It returns false when the task is
// unknown, already launched, or no longer pending.
func (m *Manager) StartTask(id string) bool {
	t := m.get(id)
	if t == nil {
		return false
	}
	return m.launch(t)
}

func (m *Manager) launch(t *Task) bool {
	t.mu.Lock()
	if t.status != StatusPending || t.launched {
		t.mu.Unlock()
		return false
	}
	t.launched = true
	t.mu.Unlock()

	m.wg.Add(1)
	go m.run(t)
	return true
}

func (m *Manager) get(id string) *Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tasks[id]
}

func (m *Manager) GetTask(id string) (TaskView, bool) {
	t := m.get(id)
	if t == nil {
		return TaskView{}, false
	}
	return t.view(), true
}

// ListTasks returns tasks in creation order, optionally restricted to the
// given statuses.
func (m *Manager) ListTasks(filter ...Status) []TaskView {
	m.mu.RLock()
	all := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		all = append(all, t)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	out := make([]TaskView, 0, len(all))
	for _, t := range all {
		v := t.view()
		if len(filter) > 0 && !hasStatus(filter, v.Status) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func hasStatus(set []Status, s Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// CancelTask requests cooperative cancellation. Only pending and running
// tasks are affected. A task that was never launched fails immediately.
func (m *Manager) CancelTask(id string) bool {
	t := m.get(id)
	if t == nil {
		return false
	}

	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return false
	}
	first := t.cancelled.CompareAndSwap(false, true)
	t.cancel()
	var failedNow bool
	if t.status == StatusPending && !t.launched {
		now := m.now()
		t.status = StatusFailed
		t.err = ErrCancelled.Error()
		t.completedAt = now
		t.finished.Store(true)
		if t.message == "" {
			t.message = cancelledMessage
		}
		failedNow = true
	}
	t.mu.Unlock()

	if first {
		m.log.Info("task.cancel_requested", logx.String("task_id", id), logx.String("task", t.name))
	}
	if failedNow {
		eventbus.Publish(m.bus, eventbus.TaskFailed, eventbus.TaskEvent{TaskID: t.id, Name: t.name, Error: ErrCancelled.Error()})
	}
	return true
}

// CleanupCompletedTasks drops terminal tasks that finished more than keep
// ago and returns how many were removed.
func (m *Manager) CleanupCompletedTasks(keep time.Duration) int {
	cutoff := m.now().Add(-keep)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, t := range m.tasks {
		t.mu.Lock()
		drop := t.status.Terminal() && !t.completedAt.IsZero() && t.completedAt.Before(cutoff)
		t.mu.Unlock()
		if drop {
			delete(m.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		m.log.Debug("task.cleanup", logx.Int("removed", removed))
	}
	return removed
}

// HasActive reports whether a pending or running task named name exists.
func (m *Manager) HasActive(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasActiveLocked(name)
}

func (m *Manager) hasActiveLocked(name string) bool {
	for _, t := range m.tasks {
		if t.name != name {
			continue
		}
		t.mu.Lock()
		active := !t.status.Terminal()
		t.mu.Unlock()
		if active {
			return true
		}
	}
	return false
}

// Shutdown cancels every unfinished task and waits for workers to return or
// ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.CancelTask(id)
	}
	return m.Wait(ctx)
}

// Wait blocks until all launched workers have returned or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
