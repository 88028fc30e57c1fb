// Package task defines the contract between job bodies and the components
// that run them (the ad-hoc task manager and the cron scheduler).
package task

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
)

// ErrCancelled is recorded when a body stops because cancellation was
// requested. Its text carries the "cancelled:" marker.
var ErrCancelled = errors.New("cancelled: task cancelled by request")

// Func is a job body. It reports progress and polls cancellation through jc
// and returns an opaque result. A non-nil error marks the run failed.
type Func func(jc JobContext, args ...any) (any, error)

// JobContext is handed to every job body.
//
// Cancellation is cooperative: bodies are expected to check Cancelled (or
// select on Context().Done()) at item boundaries. Nothing is interrupted.
type JobContext interface {
	Context() context.Context
	Progress(pct float64, msg string, extra map[string]any)
	Cancelled() bool
}

// Progress extra keys understood by the job log recorder. Any other key is
// stored in the detail payload.
const (
	ExtraItemKey    = "item_key"
	ExtraItemLabel  = "item_label"
	ExtraDetailType = "detail_type"
	ExtraSuccess    = "success"
)

// ProgressFunc receives progress reports.
type ProgressFunc func(pct float64, msg string, extra map[string]any)

// NewJobContext builds a JobContext over ctx. Cancelled reports ctx.Err() != nil.
func NewJobContext(ctx context.Context, progress ProgressFunc) JobContext {
	return &jobContext{ctx: ctx, progress: progress}
}

type jobContext struct {
	ctx      context.Context
	progress ProgressFunc
}

func (j *jobContext) Context() context.Context { return j.ctx }
func (j *jobContext) Cancelled() bool          { return j.ctx.Err() != nil }

func (j *jobContext) Progress(pct float64, msg string, extra map[string]any) {
	if j.progress != nil {
		j.progress(pct, msg, extra)
	}
}

// WithProgress returns a JobContext that calls hook and then forwards to jc.
func WithProgress(jc JobContext, hook ProgressFunc) JobContext {
	if hook == nil {
		return jc
	}
	return &hookedContext{JobContext: jc, hook: hook}
}

type hookedContext struct {
	JobContext
	hook ProgressFunc
}

func (h *hookedContext) Progress(pct float64, msg string, extra map[string]any) {
	h.hook(pct, msg, extra)
	h.JobContext.Progress(pct, msg, extra)
}

// Summary renders a job result as the message stored on success.
func Summary(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

// ClampProgress bounds pct to [0,100].
func ClampProgress(pct float64) float64 {
	if math.IsNaN(pct) {
		return 0
	}
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// PanicError is returned by Call when the body panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Call runs fn and converts a panic into a *PanicError.
func Call(fn Func, jc JobContext, args ...any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(jc, args...)
}
