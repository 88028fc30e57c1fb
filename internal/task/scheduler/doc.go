// Package scheduler runs named recurring jobs on cron or interval triggers.
//
// Each job id has at most one execution in flight. Every execution is
// recorded in the job log through a joblog.Recorder, and Start closes rows
// that a previous process left running before any trigger is armed.
package scheduler
