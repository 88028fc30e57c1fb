package manager

import (
	"errors"
	"time"

	"stockhub/internal/eventbus"
	"stockhub/internal/task"
	logx "stockhub/pkg/logx"
)

func (m *Manager) run(t *Task) {
	defer m.wg.Done()
	defer t.cancel()

	t.mu.Lock()
	if t.status != StatusPending {
		t.mu.Unlock()
		return
	}
	start := m.now()
	t.status = StatusRunning
	t.startedAt = start
	t.mu.Unlock()

	log := m.log.With(logx.String("task_id", t.id), logx.String("task", t.name))
	log.Debug("task.started")
	eventbus.Publish(m.bus, eventbus.TaskStarted, eventbus.TaskEvent{TaskID: t.id, Name: t.name, Started: start})

	var (
		res any
		err error
	)
	// Cancelled between launch and the first instruction: skip the body.
	if t.cancelled.Load() {
		err = ErrCancelled
	} else {
		jc := task.NewJobContext(t.ctx, t.updateProgress)
		res, err = task.Call(t.fn, jc, t.args...)
		var pe *task.PanicError
		if errors.As(err, &pe) {
			log.Error("task.panic", logx.Any("panic", pe.Value), logx.Stack(string(pe.Stack)))
		}
		if err == nil && t.cancelled.Load() {
			err = ErrCancelled
		}
	}

	m.finish(t, log, start, res, err)
}

func (m *Manager) finish(t *Task, log logx.Logger, start time.Time, res any, err error) {
	now := m.now()
	dur := now.Sub(start)

	t.mu.Lock()
	t.finished.Store(true)
	t.completedAt = now
	if err != nil {
		t.status = StatusFailed
		t.err = err.Error()
		if t.message == "" {
			if errors.Is(err, ErrCancelled) {
				t.message = cancelledMessage
			} else {
				t.message = failedMessagePrefix + err.Error()
			}
		}
	} else {
		t.status = StatusCompleted
		t.result = res
		t.storeProgress(100)
		if t.message == "" {
			t.message = defaultCompletedMessage
		}
	}
	t.mu.Unlock()

	ev := eventbus.TaskEvent{TaskID: t.id, Name: t.name, Started: start, Duration: dur}
	if err != nil {
		ev.Error = err.Error()
		log.Warn("task.failed", logx.Err(err), logx.Duration("dur", dur))
		eventbus.Publish(m.bus, eventbus.TaskFailed, ev)
		return
	}
	if dur >= 750*time.Millisecond {
		log.Info("task.completed", logx.Duration("dur", dur))
	} else {
		log.Debug("task.completed", logx.Duration("dur", dur))
	}
	eventbus.Publish(m.bus, eventbus.TaskCompleted, ev)
}

// updateProgress is the body's progress sink. Progress is lock-free; the
// mutex is taken only to change the message. Reports after a terminal
// transition are dropped.
func (t *Task) updateProgress(pct float64, msg string, _ map[string]any) {
	if t.finished.Load() {
		return
	}
	t.storeProgress(pct)
	if msg == "" {
		return
	}
	t.mu.Lock()
	if !t.status.Terminal() {
		t.message = msg
	}
	t.mu.Unlock()
}
