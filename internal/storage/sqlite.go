package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "stockhub/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// tsLayout is fixed-width UTC so TEXT comparison orders chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; concurrent jobs queue on the pool instead of SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: cfg.clock()}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

func (s *sqliteStore) InsertRunning(ctx context.Context, jobType, jobName string, userID *int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_logs(user_id, job_type, job_name, status, started_at) VALUES(?,?,?,?,?)`,
		nullInt(userID), jobType, jobName, string(StatusRunning), fmtTS(s.now()),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) MarkSuccess(ctx context.Context, id int64, duration float64, message string) error {
	return s.close(ctx, id, StatusSuccess, s.now(), duration, message, "")
}

func (s *sqliteStore) MarkError(ctx context.Context, id int64, duration float64, errMsg string) error {
	return s.close(ctx, id, StatusError, s.now(), duration, MessageFailed, errMsg)
}

func (s *sqliteStore) MarkAbandoned(ctx context.Context, id int64, completedAt time.Time, duration float64, errMsg string) error {
	return s.close(ctx, id, StatusFailed, completedAt, duration, MessageTerminated, errMsg)
}

func (s *sqliteStore) close(ctx context.Context, id int64, status JobStatus, at time.Time, duration float64, message, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_logs SET status = ?, completed_at = ?, duration = ?, message = ?, error = ?
		 WHERE id = ? AND status = ?`,
		string(status), fmtTS(at), duration, nullStr(message), nullStr(errMsg), id, string(StatusRunning),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%d", ErrNotRunning, id)
	}
	return nil
}

func (s *sqliteStore) InsertDetail(ctx context.Context, rec DetailRecord) error {
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode detail payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_execution_details(job_log_id, task_type, item_key, item_label, detail_type, detail_payload, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		rec.JobLogID, rec.TaskType, nullPtr(rec.ItemKey), nullPtr(rec.ItemLabel), rec.DetailType, nullStr(payload), fmtTS(s.now()),
	)
	return err
}

const jobLogColumns = `id, user_id, job_type, job_name, status, started_at, completed_at, duration, message, error`

func (s *sqliteStore) Get(ctx context.Context, id int64) (JobLogEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobLogColumns+` FROM job_logs WHERE id = ?`, id)
	e, err := scanJobLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobLogEntry{}, false, nil
	}
	if err != nil {
		return JobLogEntry{}, false, err
	}
	return e, true, nil
}

func (s *sqliteStore) Query(ctx context.Context, f JobLogFilter) ([]JobLogEntry, error) {
	where, args := jobLogWhere(f)
	q := `SELECT ` + jobLogColumns + ` FROM job_logs` + where + ` ORDER BY started_at DESC, id DESC`
	q, args = withPage(q, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []JobLogEntry{}
	for rows.Next() {
		e, err := scanJobLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Count(ctx context.Context, f JobLogFilter) (int64, error) {
	where, args := jobLogWhere(f)
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_logs`+where, args...).Scan(&n)
	return n, err
}

func (s *sqliteStore) QueryDetails(ctx context.Context, f DetailFilter) ([]TaskExecutionDetail, error) {
	q := `SELECT id, job_log_id, task_type, item_key, item_label, detail_type, detail_payload, created_at
	      FROM task_execution_details WHERE job_log_id = ?`
	args := []any{f.JobLogID}
	if f.DetailType != "" {
		q += ` AND detail_type = ?`
		args = append(args, f.DetailType)
	}
	q += ` ORDER BY id ASC`
	q, args = withPage(q, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []TaskExecutionDetail{}
	for rows.Next() {
		var (
			d                  TaskExecutionDetail
			itemKey, itemLabel sql.NullString
			payload            sql.NullString
			created            string
		)
		if err := rows.Scan(&d.ID, &d.JobLogID, &d.TaskType, &itemKey, &itemLabel, &d.DetailType, &payload, &created); err != nil {
			return nil, err
		}
		d.ItemKey = strPtr(itemKey)
		d.ItemLabel = strPtr(itemLabel)
		if payload.Valid && payload.String != "" {
			d.Payload = []byte(payload.String)
		}
		d.CreatedAt = parseTS(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DetailSummary(ctx context.Context, jobLogID int64) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT detail_type, COUNT(*) FROM task_execution_details WHERE job_log_id = ? GROUP BY detail_type`, jobLogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var (
			typ string
			n   int64
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteStartedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	ts := fmtTS(cutoff)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_execution_details WHERE job_log_id IN (SELECT id FROM job_logs WHERE started_at < ?)`, ts); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM job_logs WHERE started_at < ?`, ts)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobLog(r rowScanner) (JobLogEntry, error) {
	var (
		e         JobLogEntry
		userID    sql.NullInt64
		status    string
		started   string
		completed sql.NullString
		duration  sql.NullFloat64
		message   sql.NullString
		errStr    sql.NullString
	)
	if err := r.Scan(&e.ID, &userID, &e.JobType, &e.JobName, &status, &started, &completed, &duration, &message, &errStr); err != nil {
		return JobLogEntry{}, err
	}
	if userID.Valid {
		v := userID.Int64
		e.UserID = &v
	}
	e.Status = JobStatus(status)
	e.StartedAt = parseTS(started)
	if completed.Valid {
		t := parseTS(completed.String)
		e.CompletedAt = &t
	}
	if duration.Valid {
		d := duration.Float64
		e.Duration = &d
	}
	e.Message = message.String
	e.Error = errStr.String
	return e, nil
}

func jobLogWhere(f JobLogFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.JobType != "" {
		conds = append(conds, "job_type = ?")
		args = append(args, f.JobType)
	}
	if f.UserID != nil {
		conds = append(conds, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func withPage(q string, args []any, limit, offset int) (string, []any) {
	if limit <= 0 {
		if offset <= 0 {
			return q, args
		}
		limit = -1 // sqlite: no limit
	}
	if offset < 0 {
		offset = 0
	}
	return q + ` LIMIT ? OFFSET ?`, append(args, limit, offset)
}

func fmtTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
