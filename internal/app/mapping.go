package app

import (
	"fmt"
	"strings"
	"time"

	"stockhub/internal/config"
	"stockhub/internal/notify"
	"stockhub/internal/observability/pprof"
	"stockhub/internal/storage"
	"stockhub/internal/task/scheduler"
	logx "stockhub/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig reports false when job logs are disabled.
func mapStorageConfig(cfg *config.Config) (storage.Config, storage.RetryConfig, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, storage.RetryConfig{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, storage.RetryConfig{}, false, err
	}
	base, err := config.ParseDurationOrDefault("storage.retry_base", sc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return storage.Config{}, storage.RetryConfig{}, false, err
	}
	attempts := 3
	if sc.RetryMax > 0 {
		attempts = sc.RetryMax
	}
	return storage.Config{
			Driver:      driver,
			Path:        strings.TrimSpace(sc.Path),
			DSN:         strings.TrimSpace(sc.DSN),
			BusyTimeout: busy,
		},
		storage.RetryConfig{Attempts: attempts, Base: base},
		true, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

func mapDebugConfig(cfg *config.Config) pprof.Config {
	d := cfg.Debug
	if d == nil {
		return pprof.Config{}
	}
	return pprof.Config{Enabled: d.Enabled, Addr: strings.TrimSpace(d.Addr), Token: strings.TrimSpace(d.Token)}
}

// mapAlerts builds the alert config and, when enabled, its Telegram sender.
func mapAlerts(cfg *config.Config) (notify.Config, notify.Sender, error) {
	a := cfg.Alerts
	if a == nil || !a.Enabled {
		return notify.Config{}, nil, nil
	}
	sender, err := notify.NewTelegram(notify.TelegramConfig{Token: a.Token, ChatID: a.ChatID, ThreadID: a.ThreadID})
	if err != nil {
		return notify.Config{}, nil, fmt.Errorf("alerts: %w", err)
	}
	rate := a.RatePerMin
	if rate <= 0 {
		rate = config.DefaultAlertRatePerMin
	}
	return notify.Config{
		Enabled:    true,
		RatePerMin: rate,
		NotifyOn:   a.NotifyOn,
		RetryMax:   2,
	}, sender, nil
}

// OpenStore opens the configured job log store with retries, for offline
// tools that do not run the app. Disabled storage returns storage.ErrDisabled.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, rc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, storage.ErrDisabled
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	return storage.WithRetry(st, rc, log), nil
}
