// Package joblog writes the durable audit trail of job executions.
//
// A Run captures the job log id returned by the initial insert and uses it
// for every later write of that execution. There is no lookup of "the latest
// running row", so concurrent runs of the same job type never touch each
// other's rows.
package joblog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stockhub/internal/storage"
	"stockhub/internal/task"
	logx "stockhub/pkg/logx"
)

// writeTimeout bounds a single audit write so a stuck store cannot hold a worker.
const writeTimeout = 30 * time.Second

type Recorder struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	// gate is read-held by Begin from insert to registration in live, so a
	// sweep under the write lock sees every running row of this process.
	gate   sync.RWMutex
	liveMu sync.Mutex
	live   map[int64]struct{}
}

func NewRecorder(store storage.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log, now: time.Now, live: map[int64]struct{}{}}
}

// Live reports how many rows opened by this recorder are still unclosed.
func (r *Recorder) Live() int {
	r.liveMu.Lock()
	defer r.liveMu.Unlock()
	return len(r.live)
}

// WithStartsPaused runs fn while no Begin can open a row. isLive reports
// whether a running row belongs to an execution of this process.
func (r *Recorder) WithStartsPaused(fn func(isLive func(id int64) bool)) {
	r.gate.Lock()
	defer r.gate.Unlock()
	fn(func(id int64) bool {
		r.liveMu.Lock()
		defer r.liveMu.Unlock()
		_, ok := r.live[id]
		return ok
	})
}

func (r *Recorder) release(id int64) {
	r.liveMu.Lock()
	delete(r.live, id)
	r.liveMu.Unlock()
}

// Store exposes the underlying store for read paths.
func (r *Recorder) Store() storage.Store { return r.store }

// Run is one logged execution.
type Run struct {
	rec     *Recorder
	ID      int64 // 0 when the start row could not be written
	JobType string
	JobName string
	Started time.Time
}

// Begin inserts the running row. An insert failure is logged and the
// returned Run is inert: the body still runs, only the audit trail is lost.
func (r *Recorder) Begin(ctx context.Context, jobType, jobName string, userID *int64) *Run {
	run := &Run{rec: r, JobType: jobType, JobName: jobName, Started: r.now()}
	if r.store == nil {
		return run
	}
	r.gate.RLock()
	defer r.gate.RUnlock()
	wctx, cancel := context.WithTimeout(detach(ctx), writeTimeout)
	defer cancel()
	id, err := r.store.InsertRunning(wctx, jobType, jobName, userID)
	if err != nil {
		r.log.Warn("job log start failed", logx.String("job_type", jobType), logx.Err(err))
		return run
	}
	run.ID = id
	r.liveMu.Lock()
	r.live[id] = struct{}{}
	r.liveMu.Unlock()
	return run
}

// Elapsed is the run duration in seconds so far.
func (run *Run) Elapsed() float64 {
	return run.rec.now().Sub(run.Started).Seconds()
}

// Succeed closes the row as success.
func (run *Run) Succeed(ctx context.Context, message string) error {
	if run.ID == 0 {
		return nil
	}
	defer run.rec.release(run.ID)
	wctx, cancel := context.WithTimeout(detach(ctx), writeTimeout)
	defer cancel()
	err := run.rec.store.MarkSuccess(wctx, run.ID, run.Elapsed(), message)
	if err != nil {
		run.rec.log.Error("job log success write failed", logx.Int64("log_id", run.ID), logx.String("job_type", run.JobType), logx.Err(err))
	}
	return err
}

// Fail closes the row as error with cause's text.
func (run *Run) Fail(ctx context.Context, cause error) error {
	if run.ID == 0 {
		return nil
	}
	defer run.rec.release(run.ID)
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	wctx, cancel := context.WithTimeout(detach(ctx), writeTimeout)
	defer cancel()
	err := run.rec.store.MarkError(wctx, run.ID, run.Elapsed(), msg)
	if err != nil {
		run.rec.log.Error("job log error write failed", logx.Int64("log_id", run.ID), logx.String("job_type", run.JobType), logx.Err(err))
	}
	return err
}

// Finish closes the row from a body's outcome and returns the effective
// error (ErrCancelled when the body returned nil after cancellation).
func (run *Run) Finish(ctx context.Context, jc task.JobContext, result any, err error) error {
	if err == nil && jc != nil && jc.Cancelled() {
		err = task.ErrCancelled
	}
	if err != nil {
		_ = run.Fail(ctx, err)
		return err
	}
	_ = run.Succeed(ctx, task.Summary(result))
	return nil
}

// Detail appends a detail row to this run. Failures are swallowed.
func (run *Run) Detail(ctx context.Context, detailType string, payload any, itemKey, itemLabel *string) {
	if run.ID == 0 {
		return
	}
	run.rec.LogDetail(ctx, run.ID, run.JobType, detailType, payload, itemKey, itemLabel)
}

// ProgressHook turns progress reports that name an item into detail rows.
//
// The detail type comes from extra["detail_type"], or is derived as
// "<job_type>_success"/"<job_type>_failed" from extra["success"] (default
// true). Keys other than the reserved ones form the payload.
func (run *Run) ProgressHook(ctx context.Context) task.ProgressFunc {
	return func(pct float64, msg string, extra map[string]any) {
		if run.ID == 0 || len(extra) == 0 {
			return
		}
		key, _ := extra[task.ExtraItemKey].(string)
		if key == "" {
			return
		}
		detailType, _ := extra[task.ExtraDetailType].(string)
		if detailType == "" {
			outcome := "success"
			if ok, isBool := extra[task.ExtraSuccess].(bool); isBool && !ok {
				outcome = "failed"
			}
			detailType = run.JobType + "_" + outcome
		}
		var label *string
		if l, _ := extra[task.ExtraItemLabel].(string); l != "" {
			label = &l
		}

		payload := make(map[string]any, len(extra))
		for k, v := range extra {
			switch k {
			case task.ExtraItemKey, task.ExtraItemLabel, task.ExtraDetailType, task.ExtraSuccess:
				continue
			}
			payload[k] = v
		}
		if msg != "" {
			payload["message"] = msg
		}
		run.Detail(ctx, detailType, payload, &key, label)
	}
}

// LogDetail appends one detail row. A write failure is logged and swallowed
// so an audit hiccup never aborts the parent job.
func (r *Recorder) LogDetail(ctx context.Context, jobLogID int64, taskType, detailType string, payload any, itemKey, itemLabel *string) {
	if r.store == nil || jobLogID == 0 {
		return
	}
	wctx, cancel := context.WithTimeout(detach(ctx), writeTimeout)
	defer cancel()
	err := r.store.InsertDetail(wctx, storage.DetailRecord{
		JobLogID:   jobLogID,
		TaskType:   taskType,
		DetailType: detailType,
		ItemKey:    itemKey,
		ItemLabel:  itemLabel,
		Payload:    payload,
	})
	if err != nil {
		r.log.Warn("task detail write failed",
			logx.Int64("log_id", jobLogID), logx.String("task_type", taskType), logx.String("detail_type", detailType), logx.Err(err))
	}
}

// Wrap returns fn instrumented with a job log row of jobType. Panics inside
// fn are converted to a *task.PanicError so the row is always closed; the
// caller logs it.
func (r *Recorder) Wrap(jobType, jobName string, userID *int64, fn task.Func) task.Func {
	return func(jc task.JobContext, args ...any) (any, error) {
		ctx := jc.Context()
		run := r.Begin(ctx, jobType, jobName, userID)
		res, err := task.Call(fn, task.WithProgress(jc, run.ProgressHook(ctx)), args...)
		if ferr := run.Finish(ctx, jc, res, err); ferr != nil {
			return res, ferr
		}
		return res, nil
	}
}

// detach keeps request values but drops cancellation: audit writes that
// close a cancelled run must still reach the store.
func detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}

// String renders a run for log lines.
func (run *Run) String() string {
	return fmt.Sprintf("%s#%d", run.JobType, run.ID)
}
