package pprof

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	logx "stockhub/pkg/logx"
)

func get(t *testing.T, url, bearer string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func startService(t *testing.T, cfg Config, health HealthFunc) *Service {
	t.Helper()
	s := New(cfg, health, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestHealthzReportsDegraded(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	s := startService(t, Config{Enabled: true, Addr: "127.0.0.1:0"}, func(context.Context) (any, error) {
		if healthy.Load() {
			return map[string]int{"jobs": 3}, nil
		}
		return nil, errors.New("store ping: database is locked")
	})

	resp, body := get(t, "http://"+s.Addr()+"/healthz", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthy: code=%d body=%v", resp.StatusCode, body)
	}

	healthy.Store(false)
	resp, body = get(t, "http://"+s.Addr()+"/healthz", "")
	if resp.StatusCode != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("degraded: code=%d body=%v", resp.StatusCode, body)
	}
}

func TestTokenRequired(t *testing.T) {
	s := startService(t, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, nil)

	if resp, _ := get(t, "http://"+s.Addr()+"/healthz", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: code=%d", resp.StatusCode)
	}
	if resp, _ := get(t, "http://"+s.Addr()+"/healthz", "s3cret"); resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer: code=%d", resp.StatusCode)
	}
	if resp, _ := get(t, "http://"+s.Addr()+"/healthz?token=s3cret", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("query token: code=%d", resp.StatusCode)
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: ":0"}, nil, logx.Nop())
	if err := s.Start(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("err = %v, want ErrInsecureBind", err)
	}
	if s.Addr() != "" {
		t.Fatalf("addr = %q after refused start", s.Addr())
	}
}

func TestApplyDisableStops(t *testing.T) {
	s := startService(t, Config{Enabled: true, Addr: "127.0.0.1:0"}, nil)
	if s.Addr() == "" {
		t.Fatal("not serving after Start")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Apply(ctx, Config{Enabled: false}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if s.Addr() != "" || s.Enabled() {
		t.Fatalf("still serving at %q", s.Addr())
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := IsLoopbackAddr(addr); got != want {
			t.Errorf("IsLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
