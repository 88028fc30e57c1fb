// Package notify turns job and task failure events into operator alerts.
//
// The service subscribes to the event bus, formats the event kinds listed in
// NotifyOn and hands them to a Sender under a per-minute rate limit. Alerts
// over the limit are dropped and counted, never queued, so a failure storm
// cannot back up into the bus.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"stockhub/internal/eventbus"
	rtsup "stockhub/internal/runtime/supervisor"
	logx "stockhub/pkg/logx"
)

var DefaultNotifyOn = []string{eventbus.JobFailed, eventbus.TaskFailed, eventbus.JobRecovered}

type Config struct {
	Enabled    bool
	RatePerMin int
	NotifyOn   []string
	RetryMax   int
	RetryBase  time.Duration
}

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	bus     eventbus.Bus
	sender  Sender
	cfg     Config
	kinds   map[string]bool
	limiter *rate.Limiter

	sup   *rtsup.Supervisor
	unsub func()

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log.With(logx.String("comp", "alerts")), bus: bus}
	s.applyLocked(cfg, sender)
	return s
}

// Apply swaps config and sender. A running worker picks them up on the next
// event.
func (s *Service) Apply(cfg Config, sender Sender) {
	s.mu.Lock()
	s.applyLocked(cfg, sender)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config, sender Sender) {
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	kinds := cfg.NotifyOn
	if len(kinds) == 0 {
		kinds = DefaultNotifyOn
	}
	s.kinds = make(map[string]bool, len(kinds))
	for _, k := range kinds {
		s.kinds[strings.TrimSpace(k)] = true
	}
	s.cfg = cfg
	s.sender = sender
	s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), cfg.RatePerMin)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Start subscribes to the bus. Events published before Start are not seen,
// so start alerts before the scheduler runs its zombie sweep.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || s.bus == nil {
		s.mu.Unlock()
		return
	}
	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("alerts.worker", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return c.Err()
			case ev, ok := <-ch:
				if !ok {
					return nil
				}
				s.handle(c, ev)
			}
		}
	})
}

// Stop unsubscribes and waits for an in-flight send until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	unsub()
	err := sup.Wait(ctx)
	sup.Cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type Stats struct {
	Sent, Dropped, Failed int64
}

func (s *Service) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Dropped: s.dropped.Load(), Failed: s.failed.Load()}
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	s.mu.Lock()
	enabled := s.cfg.Enabled && s.sender != nil && s.kinds[ev.Type]
	sender, lim, cfg := s.sender, s.limiter, s.cfg
	s.mu.Unlock()
	if !enabled {
		return
	}

	text := Format(ev)
	if text == "" {
		return
	}
	if !lim.Allow() {
		n := s.dropped.Add(1)
		s.log.Warn("alert dropped (rate limit)", logx.String("event", ev.Type), logx.Int64("dropped_total", n))
		return
	}

	attempts := 1 + cfg.RetryMax
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = sender.Send(cctx, text)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.log.Debug("alert sent", logx.String("event", ev.Type))
			return
		}
		if attempt == attempts || !sleepCtx(ctx, retryDelay(cfg.RetryBase, attempt)) {
			break
		}
	}
	s.failed.Add(1)
	s.log.Warn("alert send failed", logx.String("event", ev.Type), logx.Err(err))
}

// Format renders ev as alert text, or "" when ev should not alert (such as
// a task cancelled on request).
func Format(ev eventbus.Event) string {
	switch d := ev.Data.(type) {
	case eventbus.JobEvent:
		if ev.Type != eventbus.JobFailed {
			return ""
		}
		var b strings.Builder
		fmt.Fprintf(&b, "❌ Job failed: %s", d.JobName)
		if d.JobName != d.JobID {
			fmt.Fprintf(&b, " (%s)", d.JobID)
		}
		fmt.Fprintf(&b, "\ntrigger: %s, took %s", d.Trigger, d.Duration.Round(time.Millisecond))
		if d.LogID > 0 {
			fmt.Fprintf(&b, ", log #%d", d.LogID)
		}
		if d.Error != "" {
			fmt.Fprintf(&b, "\n%s", truncate(d.Error, 500))
		}
		return b.String()
	case eventbus.TaskEvent:
		if ev.Type != eventbus.TaskFailed || strings.HasPrefix(d.Error, "cancelled:") {
			return ""
		}
		text := fmt.Sprintf("❌ Task failed: %s\nid: %s, took %s", d.Name, d.TaskID, d.Duration.Round(time.Millisecond))
		if d.Error != "" {
			text += "\n" + truncate(d.Error, 500)
		}
		return text
	case eventbus.RecoveryEvent:
		if d.Closed == 0 {
			return ""
		}
		return fmt.Sprintf("⚠️ Closed %d job logs left running by a previous process: %v", d.Closed, d.LogIDs)
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	j := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(d) * j)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
