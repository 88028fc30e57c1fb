package config

import (
	"reflect"
	"sort"
	"strings"

	logx "stockhub/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe attrs for logging
// (never secrets such as the alert token or postgres dsn), and the ids of
// jobs whose trigger config changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	os, ns := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(strings.TrimSpace(os.Driver), strings.TrimSpace(ns.Driver)) ||
		strings.TrimSpace(os.Path) != strings.TrimSpace(ns.Path) ||
		os.DSN != ns.DSN ||
		os.BusyTimeout != ns.BusyTimeout ||
		os.RetryMax != ns.RetryMax || os.RetryBase != ns.RetryBase {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
		)
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Tasks != newCfg.Tasks {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Duration("tasks.retention", newCfg.Tasks.RetentionOrDefault()),
			logx.Duration("tasks.cleanup_interval", newCfg.Tasks.CleanupIntervalOrDefault()),
		)
	}

	if oldCfg.JobLogs != newCfg.JobLogs {
		changed = append(changed, "job_logs")
		attrs = append(attrs,
			logx.Int("job_logs.retention_days", newCfg.JobLogs.RetentionDaysOrDefault()),
			logx.String("job_logs.prune_at", newCfg.JobLogs.PruneAtOrDefault()),
		)
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.changed_count", len(jobsChanged)))
	}

	oa, na := derefAlerts(oldCfg.Alerts), derefAlerts(newCfg.Alerts)
	if !reflect.DeepEqual(oa, na) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", na.Enabled),
			logx.Bool("alerts.token_set", strings.TrimSpace(na.Token) != ""),
			logx.Int("alerts.rate_per_min", na.RatePerMin),
		)
	}

	od, nd := derefDebug(oldCfg.Debug), derefDebug(newCfg.Debug)
	if od != nd {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(nd.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func derefAlerts(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	return *a
}

func derefDebug(d *DebugConfig) DebugConfig {
	if d == nil {
		return DebugConfig{}
	}
	return *d
}

func diffJobs(oldM, newM map[string]JobConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
