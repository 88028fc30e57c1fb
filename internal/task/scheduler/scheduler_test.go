package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockhub/internal/eventbus"
	"stockhub/internal/storage"
	"stockhub/internal/task"
	"stockhub/internal/task/joblog"
	"stockhub/internal/task/manager"
	logx "stockhub/pkg/logx"
)

func noop(jc task.JobContext, args ...any) (any, error) { return "ok", nil }

func newTestService(t *testing.T, st storage.Store, opts ...Option) *Service {
	t.Helper()
	s := New(Config{Enabled: true, Timezone: "UTC"}, st, logx.Nop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx, true)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func TestReplaceKeepsSingleEntry(t *testing.T) {
	s := newTestService(t, storage.NewMemory(nil))
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.AddCronJob("daily_stock_update", "Daily update", 18, 0, noop))
	require.NoError(t, s.AddCronJob("daily_stock_update", "Daily update (moved)", 19, 30, noop))

	jobs := s.GetJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "Daily update (moved)", jobs[0].Name)
	assert.Equal(t, "cron[30 19 * * *]", jobs[0].Trigger)
	require.NotNil(t, jobs[0].NextRunTime)
	assert.Equal(t, 19, jobs[0].NextRunTime.Hour())
	assert.Equal(t, 30, jobs[0].NextRunTime.Minute())
	assert.Len(t, s.c.Entries(), 1)
}

func TestRegistrationValidation(t *testing.T) {
	s := newTestService(t, nil)
	assert.ErrorIs(t, s.AddCronJob("x", "x", 24, 0, noop), ErrInvalidTrigger)
	assert.ErrorIs(t, s.AddCronJob("x", "x", 1, -1, noop), ErrInvalidTrigger)
	assert.ErrorIs(t, s.AddIntervalJob("x", "x", 0, noop), ErrInvalidTrigger)
	assert.ErrorIs(t, s.AddScheduleJob("x", "x", "61 * * * *", noop), ErrInvalidTrigger)
	assert.ErrorIs(t, s.AddCronJob(" ", "x", 1, 0, noop), ErrJobIDRequired)
	assert.ErrorIs(t, s.AddIntervalJob("x", "x", 5, nil), ErrNilFunc)
	assert.Empty(t, s.GetJobs())
}

func TestGetJobsBeforeStart(t *testing.T) {
	s := newTestService(t, nil)
	require.NoError(t, s.AddIntervalJob("health_check", "", 30, noop))
	require.NoError(t, s.AddScheduleJob("close_scan", "Close scan", "30 15 * * 1-5", noop))

	jobs := s.GetJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "close_scan", jobs[0].ID)
	assert.Equal(t, "health_check", jobs[1].ID)
	assert.Equal(t, "health_check", jobs[1].Name, "name defaults to id")
	assert.Equal(t, "interval[30m0s]", jobs[1].Trigger)
	assert.Nil(t, jobs[1].NextRunTime)

	require.NoError(t, s.Start(context.Background()))
	jobs = s.GetJobs()
	require.NotNil(t, jobs[1].NextRunTime)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), *jobs[1].NextRunTime, 5*time.Second)
}

func TestRunJobNowRecordsSuccessAndFailure(t *testing.T) {
	st := storage.NewMemory(nil)
	s := newTestService(t, st)
	ctx := context.Background()

	require.NoError(t, s.AddIntervalJob("market", "Market data", 60, func(jc task.JobContext, args ...any) (any, error) {
		jc.Progress(50, "fetched", map[string]any{task.ExtraItemKey: "600000", "bars": 240})
		return "fetched 1 symbol", nil
	}))
	require.NoError(t, s.AddIntervalJob("broken", "Broken", 60, func(jc task.JobContext, args ...any) (any, error) {
		return nil, errors.New("upstream 502")
	}))

	assert.False(t, s.RunJobNow("missing"))
	require.True(t, s.RunJobNow("market"))
	require.True(t, s.RunJobNow("broken"))
	waitFor(t, func() bool {
		n, _ := st.Count(ctx, storage.JobLogFilter{Status: storage.StatusRunning})
		total, _ := st.Count(ctx, storage.JobLogFilter{})
		return total == 2 && n == 0
	})

	logs, err := s.GetJobLogs(ctx, 10, 0, nil)
	require.NoError(t, err)
	byType := map[string]storage.JobLogEntry{}
	for _, e := range logs {
		byType[e.JobType] = e
	}
	assert.Equal(t, storage.StatusSuccess, byType["market"].Status)
	assert.Equal(t, "fetched 1 symbol", byType["market"].Message)
	assert.Equal(t, "Market data", byType["market"].JobName)
	assert.Equal(t, storage.StatusError, byType["broken"].Status)
	assert.Equal(t, "upstream 502", byType["broken"].Error)

	details, err := s.GetTaskDetails(ctx, byType["market"].ID, 10, 0, "")
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, "market_success", details[0].DetailType)

	sum, err := s.GetTaskDetailSummary(ctx, byType["market"].ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"market_success": 1}, sum)

	n, err := s.GetJobLogsCount(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

// Concurrent run-now calls against a slow job must never produce two
// running rows for the same job type.
func TestRunJobNowOverlapStress(t *testing.T) {
	st := storage.NewMemory(nil)
	s := newTestService(t, st)
	ctx := context.Background()

	var inBody, maxInBody atomic.Int32
	release := make(chan struct{})
	require.NoError(t, s.AddIntervalJob("stock_import", "Import", 60, func(jc task.JobContext, args ...any) (any, error) {
		n := inBody.Add(1)
		for {
			m := maxInBody.Load()
			if n <= m || maxInBody.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		inBody.Add(-1)
		return nil, nil
	}))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var maxRunning int64
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			n, _ := st.Count(ctx, storage.JobLogFilter{JobType: "stock_import", Status: storage.StatusRunning})
			if n > maxRunning {
				maxRunning = n
			}
		}
	}()

	var callers sync.WaitGroup
	for i := 0; i < 50; i++ {
		callers.Add(1)
		go func() {
			defer callers.Done()
			assert.True(t, s.RunJobNow("stock_import"))
		}()
	}
	callers.Wait()
	waitFor(t, func() bool { return s.IsRunning("stock_import") })
	close(release)
	waitFor(t, func() bool { return !s.IsRunning("stock_import") })
	close(stop)
	wg.Wait()

	assert.EqualValues(t, 1, maxInBody.Load())
	assert.LessOrEqual(t, maxRunning, int64(1))
	total, err := st.Count(ctx, storage.JobLogFilter{JobType: "stock_import"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, int64(1))
	assert.Less(t, total, int64(50))
}

func TestRunJobNowWhileRunningStartsNothing(t *testing.T) {
	st := storage.NewMemory(nil)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	s := newTestService(t, st, WithBus(bus))

	release := make(chan struct{})
	require.NoError(t, s.AddIntervalJob("scan", "Scan", 60, func(jc task.JobContext, args ...any) (any, error) {
		<-release
		return nil, nil
	}))
	require.True(t, s.RunJobNow("scan"))
	waitFor(t, func() bool { return s.IsRunning("scan") })
	require.True(t, s.RunJobNow("scan"))
	close(release)
	waitFor(t, func() bool { return !s.IsRunning("scan") })

	n, err := st.Count(context.Background(), storage.JobLogFilter{JobType: "scan"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	seen := map[string]int{}
	timeout := time.After(time.Second)
	for seen[eventbus.JobSucceeded] == 0 {
		select {
		case e := <-events:
			seen[e.Type]++
		case <-timeout:
			t.Fatalf("events = %v", seen)
		}
	}
	assert.Equal(t, 1, seen[eventbus.JobStarted])
	assert.Equal(t, 1, seen[eventbus.JobSkipped])
}

func TestZombieSweepOnStart(t *testing.T) {
	st := storage.NewMemory(nil)
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	started := now.Add(-2 * time.Hour)
	zombie := st.Seed(storage.JobLogEntry{JobType: "daily_stock_update", JobName: "Daily", Status: storage.StatusRunning, StartedAt: started})
	done := st.Seed(storage.JobLogEntry{JobType: "daily_stock_update", JobName: "Daily", Status: storage.StatusSuccess, StartedAt: started})

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	s := newTestService(t, st, WithBus(bus), WithClock(func() time.Time { return now }))
	require.NoError(t, s.Start(context.Background()))

	e, ok, err := s.GetJobLog(context.Background(), zombie)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.StatusFailed, e.Status)
	assert.Equal(t, ZombieError, e.Error)
	assert.Equal(t, storage.MessageTerminated, e.Message)
	require.NotNil(t, e.CompletedAt)
	assert.True(t, e.CompletedAt.Equal(now))
	require.NotNil(t, e.Duration)
	assert.InDelta(t, 7200, *e.Duration, 0.001)

	e, _, err = s.GetJobLog(context.Background(), done)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, e.Status)

	select {
	case ev := <-events:
		assert.Equal(t, eventbus.JobRecovered, ev.Type)
		assert.Equal(t, eventbus.RecoveryEvent{Closed: 1, LogIDs: []int64{zombie}}, ev.Data)
	case <-time.After(time.Second):
		t.Fatal("no recovery event")
	}
}

func TestZombieSweepSkipsOwnRuns(t *testing.T) {
	st := storage.NewMemory(nil)
	s := New(Config{Enabled: true}, st, logx.Nop())
	release := make(chan struct{})
	require.NoError(t, s.AddIntervalJob("early", "Early", 60, func(jc task.JobContext, args ...any) (any, error) {
		<-release
		return nil, nil
	}))
	require.True(t, s.RunJobNow("early"))
	waitFor(t, func() bool {
		n, _ := st.Count(context.Background(), storage.JobLogFilter{Status: storage.StatusRunning})
		return n == 1
	})
	waitFor(t, func() bool { return s.Recorder().Live() == 1 })

	require.NoError(t, s.Start(context.Background()))
	n, err := st.Count(context.Background(), storage.JobLogFilter{Status: storage.StatusFailed})
	require.NoError(t, err)
	assert.Zero(t, n)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx, true))
	n, err = st.Count(context.Background(), storage.JobLogFilter{Status: storage.StatusSuccess})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestZombieSweepSkipsLoggedTasks(t *testing.T) {
	st := storage.NewMemory(nil)
	rec := joblog.NewRecorder(st, logx.Nop())
	s := New(Config{Enabled: true}, st, logx.Nop(), WithRecorder(rec))
	m := manager.New(logx.Nop())

	release := make(chan struct{})
	id, err := m.CreateTask("stock_import", func(jc task.JobContext, args ...any) (any, error) {
		<-release
		return "imported 12 symbols", nil
	}, manager.WithJobLog(rec, "stock_import", nil))
	require.NoError(t, err)
	waitFor(t, func() bool { return rec.Live() == 1 })

	require.NoError(t, s.Start(context.Background()))
	n, err := st.Count(context.Background(), storage.JobLogFilter{Status: storage.StatusFailed})
	require.NoError(t, err)
	assert.Zero(t, n)

	close(release)
	waitFor(t, func() bool {
		v, ok := m.GetTask(id)
		return ok && v.Status == manager.StatusCompleted
	})
	rows, err := st.Query(context.Background(), storage.JobLogFilter{JobType: "stock_import"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, storage.StatusSuccess, rows[0].Status)
	assert.Zero(t, rec.Live())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx, true))
}

func TestScheduledTriggerFires(t *testing.T) {
	st := storage.NewMemory(nil)
	s := newTestService(t, st)
	var runs atomic.Int32
	require.NoError(t, s.AddScheduleJob("tick", "Tick", "@every 1s", func(jc task.JobContext, args ...any) (any, error) {
		runs.Add(1)
		return nil, nil
	}))
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 4*time.Second, 20*time.Millisecond)
}

func TestRemoveJob(t *testing.T) {
	s := newTestService(t, nil)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.AddIntervalJob("a", "A", 5, noop))
	assert.True(t, s.RemoveJob("a"))
	assert.False(t, s.RemoveJob("a"))
	assert.False(t, s.RunJobNow("a"))
	assert.Empty(t, s.GetJobs())
	assert.Empty(t, s.c.Entries())
}

func TestShutdownWaitBoundedByContext(t *testing.T) {
	s := New(Config{Enabled: true}, storage.NewMemory(nil), logx.Nop())
	require.NoError(t, s.AddIntervalJob("slow", "Slow", 60, func(jc task.JobContext, args ...any) (any, error) {
		<-jc.Context().Done()
		return nil, nil
	}))
	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.RunJobNow("slow"))
	waitFor(t, func() bool { return s.IsRunning("slow") })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The cancelled body returns; its row is closed as a cancellation.
	waitFor(t, func() bool { return !s.IsRunning("slow") })
	logs, err := s.GetJobLogs(context.Background(), 1, 0, nil)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, storage.StatusError, logs[0].Status)
	assert.Contains(t, logs[0].Error, "cancelled:")

	assert.False(t, s.RunJobNow("slow") && s.IsRunning("slow"), "no dispatch after shutdown")
}

func TestLogAPIWithoutStore(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()
	_, err := s.GetJobLogs(ctx, 10, 0, nil)
	assert.ErrorIs(t, err, storage.ErrDisabled)
	_, err = s.ClearOldJobLogs(ctx, 30)
	assert.ErrorIs(t, err, storage.ErrDisabled)
	s.LogTaskDetail(ctx, 1, "x", "x_success", nil, nil, nil)

	require.NoError(t, s.AddIntervalJob("bare", "Bare", 5, noop))
	require.True(t, s.RunJobNow("bare"))
	waitFor(t, func() bool { return !s.IsRunning("bare") })
}

func TestClearOldJobLogs(t *testing.T) {
	st := storage.NewMemory(nil)
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	s := newTestService(t, st, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	old := st.Seed(storage.JobLogEntry{JobType: "a", Status: storage.StatusSuccess, StartedAt: now.Add(-31 * 24 * time.Hour)})
	fresh := st.Seed(storage.JobLogEntry{JobType: "a", Status: storage.StatusSuccess, StartedAt: now.Add(-29 * 24 * time.Hour)})
	s.LogTaskDetail(ctx, old, "a", "a_success", map[string]any{"n": 1}, nil, nil)

	_, err := s.ClearOldJobLogs(ctx, 0)
	require.Error(t, err)

	n, err := s.ClearOldJobLogs(ctx, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, ok, _ := s.GetJobLog(ctx, old)
	assert.False(t, ok)
	_, ok, _ = s.GetJobLog(ctx, fresh)
	assert.True(t, ok)
	details, err := s.GetTaskDetails(ctx, old, 10, 0, "")
	require.NoError(t, err)
	assert.Empty(t, details)
}

func TestApplyTimezoneRearms(t *testing.T) {
	if _, err := time.LoadLocation("Asia/Shanghai"); err != nil {
		t.Skip("tzdata not available")
	}
	s := newTestService(t, nil)
	require.NoError(t, s.AddCronJob("close", "Close", 15, 0, noop))
	require.NoError(t, s.Start(context.Background()))

	s.Apply(Config{Enabled: true, Timezone: "Asia/Shanghai"})
	jobs := s.GetJobs()
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].NextRunTime)
	assert.Equal(t, "Asia/Shanghai", jobs[0].NextRunTime.Location().String())
	assert.Equal(t, 15, jobs[0].NextRunTime.Hour())
	assert.Equal(t, "Asia/Shanghai", s.Snapshot().Timezone)
}

func TestDisabledSchedulerStillRunsNow(t *testing.T) {
	st := storage.NewMemory(nil)
	s := New(Config{Enabled: false}, st, logx.Nop())
	require.NoError(t, s.AddIntervalJob("manual_only", "Manual", 5, noop))
	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.Started())
	require.True(t, s.RunJobNow("manual_only"))
	waitFor(t, func() bool {
		n, _ := st.Count(context.Background(), storage.JobLogFilter{Status: storage.StatusSuccess})
		return n == 1
	})
	require.NoError(t, s.Shutdown(context.Background(), true))
}

func TestApplyTogglesEnabledWithoutResweep(t *testing.T) {
	st := storage.NewMemory(nil)
	s := newTestService(t, st)
	require.NoError(t, s.AddCronJob("close", "Close", 15, 0, noop))
	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.Started())

	// A row opened by another component after Start must survive a reload.
	id, err := st.InsertRunning(context.Background(), "manual_import", "Manual import", nil)
	require.NoError(t, err)

	s.Apply(Config{Enabled: false, Timezone: "UTC"})
	assert.False(t, s.Started())
	jobs := s.GetJobs()
	require.Len(t, jobs, 1)
	assert.Nil(t, jobs[0].NextRunTime)
	assert.True(t, s.RunJobNow("close"))

	s.Apply(Config{Enabled: true, Timezone: "UTC"})
	assert.True(t, s.Started())
	require.NotNil(t, s.GetJobs()[0].NextRunTime)

	row, ok, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.StatusRunning, row.Status)
}
