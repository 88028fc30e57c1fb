// Package storage persists the job execution audit trail.
//
// Two tables back it:
//   - job_logs: one row per job execution, created "running" and closed
//     exactly once by id (success, error, or failed when recovered after a
//     crash)
//   - task_execution_details: insertion-ordered child rows with a JSON payload
//
// Drivers: "sqlite" (modernc, default), "postgres" (gorm) and "memory".
package storage
