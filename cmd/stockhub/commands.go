package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"stockhub/internal/app"
	"stockhub/internal/config"
	"stockhub/internal/task/scheduler"
	logx "stockhub/pkg/logx"
)

// offline opens the job log store behind a stopped scheduler, which owns
// the query API.
func offline(cfgPath string) (*scheduler.Service, *config.Config, func(), error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, nil, nil, err
	}
	log := logx.NewConsole("warn")
	st, err := app.OpenStore(cfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, nil, nil, err
	}
	s := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, st, log)
	return s, cfg, func() { _ = st.Close() }, nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func cmdLogs(cfgPath string, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max rows")
	offset := fs.Int("offset", 0, "rows to skip")
	user := fs.Int64("user", 0, "filter by user id (0 = all)")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, _, closeFn, err := offline(cfgPath)
	if err != nil {
		return err
	}
	defer closeFn()

	var uid *int64
	if *user != 0 {
		uid = user
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rows, err := s.GetJobLogs(ctx, *limit, *offset, uid)
	if err != nil {
		return err
	}
	total, err := s.GetJobLogsCount(ctx, uid)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(map[string]any{"total": total, "logs": rows})
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tJOB\tSTATUS\tSTARTED\tDURATION\tMESSAGE")
	for _, r := range rows {
		dur := "-"
		if r.Duration != nil {
			dur = fmt.Sprintf("%.1fs", *r.Duration)
		}
		msg := r.Message
		if r.Error != "" {
			msg = r.Error
		}
		started := r.StartedAt
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.JobType, r.Status, fmtTime(&started), dur, msg)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d of %d\n", len(rows), total)
	return nil
}

func cmdDetails(cfgPath string, args []string) error {
	fs := flag.NewFlagSet("details", flag.ContinueOnError)
	id := fs.Int64("id", 0, "job log id")
	detailType := fs.String("type", "", "filter by detail type")
	limit := fs.Int("limit", 100, "max rows")
	offset := fs.Int("offset", 0, "rows to skip")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id <= 0 {
		return errors.New("details: -id is required")
	}

	s, _, closeFn, err := offline(cfgPath)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	entry, ok, err := s.GetJobLog(ctx, *id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job log %d not found", *id)
	}
	details, err := s.GetTaskDetails(ctx, *id, *limit, *offset, *detailType)
	if err != nil {
		return err
	}
	summary, err := s.GetTaskDetailSummary(ctx, *id)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(map[string]any{"job_log": entry, "summary": summary, "details": details})
	}

	fmt.Printf("#%d %s (%s) %s started %s completed %s\n", entry.ID, entry.JobName, entry.JobType, entry.Status, fmtTime(&entry.StartedAt), fmtTime(entry.CompletedAt))
	types := make([]string, 0, len(summary))
	for k := range summary {
		types = append(types, k)
	}
	sort.Strings(types)
	for _, k := range types {
		fmt.Printf("  %s: %d\n", k, summary[k])
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tKEY\tLABEL\tPAYLOAD")
	for _, d := range details {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.DetailType, deref(d.ItemKey), deref(d.ItemLabel), string(d.Payload))
	}
	return tw.Flush()
}

func cmdPrune(cfgPath string, args []string) error {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	days := fs.Int("days", 0, "retention in days (default job_logs.retention_days)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, cfg, closeFn, err := offline(cfgPath)
	if err != nil {
		return err
	}
	defer closeFn()

	if *days <= 0 {
		*days = cfg.JobLogs.RetentionDaysOrDefault()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	n, err := s.ClearOldJobLogs(ctx, *days)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d job logs older than %d days\n", n, *days)
	return nil
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
