package config

// Config is the stockhub runtime configuration (JSON or YAML).
type Config struct {
	Logging   LoggingConfig        `json:"logging"`
	Storage   StorageConfig        `json:"storage"`
	Scheduler SchedulerConfig      `json:"scheduler"`
	Tasks     TasksConfig          `json:"tasks"`
	JobLogs   JobLogsConfig        `json:"job_logs"`
	Jobs      map[string]JobConfig `json:"jobs,omitempty"`
	Alerts    *AlertsConfig        `json:"alerts,omitempty"`
	Debug     *DebugConfig         `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job log store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/stockhub.db" }
//	"storage": { "driver": "postgres", "dsn": "host=db user=stock dbname=stock" }
type StorageConfig struct {
	Driver string `json:"driver"` // sqlite | postgres | memory | none
	Path   string `json:"path,omitempty"`
	DSN    string `json:"dsn,omitempty"` // postgres; never logged
	// BusyTimeout is a Go duration string (sqlite).
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// Terminal job log writes are retried RetryMax times with exponential
	// backoff starting at RetryBase. Defaults: 3, "500ms".
	RetryMax  int    `json:"retry_max,omitempty"`
	RetryBase string `json:"retry_base,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Trigger timezone (IANA), e.g. "Asia/Shanghai". Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// TasksConfig controls retention of finished ad-hoc tasks.
//
// Defaults: retention "24h", cleanup_interval "60m".
type TasksConfig struct {
	Retention       string `json:"retention,omitempty"`
	CleanupInterval string `json:"cleanup_interval,omitempty"`
}

// JobLogsConfig controls the daily job log prune.
//
// Defaults: retention_days 30, prune_at "03:00".
type JobLogsConfig struct {
	RetentionDays int    `json:"retention_days,omitempty"`
	PruneAt       string `json:"prune_at,omitempty"`
}

// JobConfig sets the trigger of one registered job. Exactly one of
// schedule, hour/minute or interval_minutes is used, in that order.
type JobConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	Name            string `json:"name,omitempty"`
	Hour            *int   `json:"hour,omitempty"`
	Minute          *int   `json:"minute,omitempty"`
	IntervalMinutes int    `json:"interval_minutes,omitempty"`
	Schedule        string `json:"schedule,omitempty"`
}

// IsEnabled treats an omitted flag as enabled.
func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

// AlertsConfig sends job failure alerts to a Telegram chat.
type AlertsConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"` // never logged
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// RatePerMin caps alerts per minute. Default 20.
	RatePerMin int `json:"rate_per_min,omitempty"`
	// NotifyOn lists event types; default job.failed, task.failed, job.recovered.
	NotifyOn []string `json:"notify_on,omitempty"`
}

// DebugConfig enables the /healthz and /debug/pprof/ endpoint. The default
// addr is 127.0.0.1:6060; any non-loopback addr requires a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"` // never logged
}
