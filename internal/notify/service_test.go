package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"stockhub/internal/eventbus"
	logx "stockhub/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fail  int
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("telegram: bad gateway")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startService(t *testing.T, cfg Config, sender Sender) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, sender, bus, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, bus
}

func TestFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   eventbus.Event
		want string
	}{
		{
			name: "job failed",
			ev: eventbus.Event{Type: eventbus.JobFailed, Data: eventbus.JobEvent{
				JobID: "daily_stock_sync", JobName: "Daily sync", LogID: 7, Trigger: "schedule",
				Duration: 1500 * time.Millisecond, Error: "tushare: rate limited",
			}},
			want: "❌ Job failed: Daily sync (daily_stock_sync)\ntrigger: schedule, took 1.5s, log #7\ntushare: rate limited",
		},
		{
			name: "job succeeded is silent",
			ev:   eventbus.Event{Type: eventbus.JobSucceeded, Data: eventbus.JobEvent{JobID: "x"}},
		},
		{
			name: "task cancelled is silent",
			ev:   eventbus.Event{Type: eventbus.TaskFailed, Data: eventbus.TaskEvent{Name: "import", Error: "cancelled: task cancelled by request"}},
		},
		{
			name: "task failed",
			ev:   eventbus.Event{Type: eventbus.TaskFailed, Data: eventbus.TaskEvent{TaskID: "abc", Name: "import", Duration: time.Second, Error: "boom"}},
			want: "❌ Task failed: import\nid: abc, took 1s\nboom",
		},
		{
			name: "recovery",
			ev:   eventbus.Event{Type: eventbus.JobRecovered, Data: eventbus.RecoveryEvent{Closed: 2, LogIDs: []int64{3, 9}}},
			want: "⚠️ Closed 2 job logs left running by a previous process: [3 9]",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Format(tt.ev); got != tt.want {
				t.Fatalf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAlertsDeliveredForSelectedKinds(t *testing.T) {
	fs := &fakeSender{}
	_, bus := startService(t, Config{Enabled: true, NotifyOn: []string{eventbus.JobFailed}}, fs)

	eventbus.Publish(bus, eventbus.TaskFailed, eventbus.TaskEvent{Name: "ignored", Error: "x"})
	eventbus.Publish(bus, eventbus.JobFailed, eventbus.JobEvent{JobID: "j", JobName: "j", Error: "boom"})

	waitUntil(t, func() bool { return len(fs.got()) == 1 })
	time.Sleep(50 * time.Millisecond)
	got := fs.got()
	if len(got) != 1 || !strings.Contains(got[0], "Job failed: j") {
		t.Fatalf("unexpected alerts: %q", got)
	}
}

func TestRateLimitDropsExcess(t *testing.T) {
	fs := &fakeSender{}
	s, bus := startService(t, Config{Enabled: true, RatePerMin: 2}, fs)

	for i := 0; i < 5; i++ {
		eventbus.Publish(bus, eventbus.JobFailed, eventbus.JobEvent{JobID: "j", JobName: "j", Error: "boom"})
	}
	waitUntil(t, func() bool { st := s.Stats(); return st.Sent+st.Dropped == 5 })
	st := s.Stats()
	if st.Sent != 2 || st.Dropped != 3 {
		t.Fatalf("stats = %+v, want 2 sent 3 dropped", st)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	fs := &fakeSender{fail: 1}
	s, bus := startService(t, Config{Enabled: true, RetryMax: 2, RetryBase: time.Millisecond}, fs)

	eventbus.Publish(bus, eventbus.JobRecovered, eventbus.RecoveryEvent{Closed: 1, LogIDs: []int64{4}})
	waitUntil(t, func() bool { return s.Stats().Sent == 1 })
	if s.Stats().Failed != 0 {
		t.Fatalf("failed = %d, want 0", s.Stats().Failed)
	}
}

func TestDisabledSendsNothing(t *testing.T) {
	fs := &fakeSender{}
	s, bus := startService(t, Config{Enabled: false}, fs)
	if s.Enabled() {
		t.Fatalf("Enabled() = true")
	}
	eventbus.Publish(bus, eventbus.JobFailed, eventbus.JobEvent{JobID: "j", Error: "boom"})
	time.Sleep(50 * time.Millisecond)
	if n := len(fs.got()); n != 0 {
		t.Fatalf("sent %d alerts while disabled", n)
	}
}

func TestNewTelegramRequiresTokenAndChat(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegram(TelegramConfig{ChatID: 1}); err == nil {
		t.Fatalf("expected error for empty token")
	}
	if _, err := NewTelegram(TelegramConfig{Token: "1:abc"}); err == nil {
		t.Fatalf("expected error for empty chat")
	}
	s, err := NewTelegram(TelegramConfig{Token: "1:abc", ChatID: -100, ThreadID: 3})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	if s.chat.ID != -100 || s.threadID != 3 {
		t.Fatalf("unexpected sender %+v", s)
	}
}
