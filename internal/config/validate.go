package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"
)

const (
	DefaultTaskRetention       = 24 * time.Hour
	DefaultTaskCleanupInterval = 60 * time.Minute
	DefaultJobLogRetentionDays = 30
	DefaultPruneAt             = "03:00"
	DefaultAlertRatePerMin     = 20
)

var knownDrivers = map[string]bool{"": true, "none": true, "memory": true, "sqlite": true, "sqlite3": true, "postgres": true, "postgresql": true}

// Validate checks cross-field rules the strict decoder cannot express.
// Every problem found is reported.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	drv := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if !knownDrivers[drv] {
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if (drv == "postgres" || drv == "postgresql") && strings.TrimSpace(cfg.Storage.DSN) == "" {
		errs = append(errs, errors.New("storage.dsn: required for postgres"))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("storage.retry_base", cfg.Storage.RetryBase); err != nil {
		errs = append(errs, err)
	}
	if cfg.Storage.RetryMax < 0 {
		errs = append(errs, errors.New("storage.retry_max: must be >= 0"))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if _, err := ParseDurationField("tasks.retention", cfg.Tasks.Retention); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("tasks.cleanup_interval", cfg.Tasks.CleanupInterval); err != nil {
		errs = append(errs, err)
	}

	if cfg.JobLogs.RetentionDays < 0 {
		errs = append(errs, errors.New("job_logs.retention_days: must be >= 0"))
	}
	if _, _, err := parseClock(cfg.JobLogs.PruneAtOrDefault()); err != nil {
		errs = append(errs, fmt.Errorf("job_logs.prune_at: %w", err))
	}

	ids := make([]string, 0, len(cfg.Jobs))
	for id := range cfg.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := validateJob(cfg.Jobs[id]); err != nil {
			errs = append(errs, fmt.Errorf("jobs.%s: %w", id, err))
		}
	}

	if a := cfg.Alerts; a != nil && a.Enabled {
		if strings.TrimSpace(a.Token) == "" {
			errs = append(errs, errors.New("alerts.token: required when alerts are enabled"))
		}
		if a.ChatID == 0 {
			errs = append(errs, errors.New("alerts.chat_id: required when alerts are enabled"))
		}
		if a.RatePerMin < 0 {
			errs = append(errs, errors.New("alerts.rate_per_min: must be >= 0"))
		}
	}
	if d := cfg.Debug; d != nil && d.Enabled {
		if err := validateDebugAddr(d.Addr, d.Token); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: %w", err))
		}
	}
	return errors.Join(errs...)
}

func validateDebugAddr(addr, token string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(token) != "" {
		return nil
	}
	if ip := net.ParseIP(host); strings.EqualFold(host, "localhost") || (ip != nil && ip.IsLoopback()) {
		return nil
	}
	return errors.New("a token is required outside loopback")
}

func validateJob(j JobConfig) error {
	if strings.TrimSpace(j.Schedule) != "" {
		return nil
	}
	if j.Hour != nil || j.Minute != nil {
		if j.Hour == nil || j.Minute == nil {
			return errors.New("hour and minute must be set together")
		}
		if *j.Hour < 0 || *j.Hour > 23 || *j.Minute < 0 || *j.Minute > 59 {
			return fmt.Errorf("invalid time %02d:%02d", *j.Hour, *j.Minute)
		}
		return nil
	}
	if j.IntervalMinutes < 0 {
		return errors.New("interval_minutes must be > 0")
	}
	return nil
}

// HasTrigger reports whether the job overrides its built-in trigger.
func (j JobConfig) HasTrigger() bool {
	return strings.TrimSpace(j.Schedule) != "" || (j.Hour != nil && j.Minute != nil) || j.IntervalMinutes > 0
}

func (c TasksConfig) RetentionOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("tasks.retention", c.Retention, DefaultTaskRetention)
	if err != nil {
		return DefaultTaskRetention
	}
	return d
}

func (c TasksConfig) CleanupIntervalOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("tasks.cleanup_interval", c.CleanupInterval, DefaultTaskCleanupInterval)
	if err != nil {
		return DefaultTaskCleanupInterval
	}
	return d
}

func (c JobLogsConfig) RetentionDaysOrDefault() int {
	if c.RetentionDays <= 0 {
		return DefaultJobLogRetentionDays
	}
	return c.RetentionDays
}

func (c JobLogsConfig) PruneAtOrDefault() string {
	if strings.TrimSpace(c.PruneAt) == "" {
		return DefaultPruneAt
	}
	return c.PruneAt
}

// parseClock parses "HH:MM" (24h).
func parseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}
