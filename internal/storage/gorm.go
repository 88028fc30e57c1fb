package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	logx "stockhub/pkg/logx"
)

type jobLogRow struct {
	ID          int64      `gorm:"primaryKey;autoIncrement"`
	UserID      *int64     `gorm:"index"`
	JobType     string     `gorm:"size:50;not null;index"`
	JobName     string     `gorm:"size:100;not null"`
	Status      string     `gorm:"size:20;not null;index"`
	StartedAt   time.Time  `gorm:"not null;index"`
	CompletedAt *time.Time
	Duration    *float64
	Message     *string `gorm:"type:text"`
	Error       *string `gorm:"type:text"`
}

func (jobLogRow) TableName() string { return "job_logs" }

type detailRow struct {
	ID            int64   `gorm:"primaryKey;autoIncrement"`
	JobLogID      int64   `gorm:"not null;index"`
	TaskType      string  `gorm:"size:50;not null;index"`
	ItemKey       *string `gorm:"size:50;index"`
	ItemLabel     *string `gorm:"size:100"`
	DetailType    string  `gorm:"size:50;not null;index"`
	DetailPayload *string `gorm:"type:text"`
	CreatedAt     time.Time
}

func (detailRow) TableName() string { return "task_execution_details" }

// GormStore implements Store on gorm. Production uses the postgres
// dialector; any gorm dialector works.
type GormStore struct {
	db  *gorm.DB
	log logx.Logger
	now func() time.Time
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	level := logger.Warn
	if log.Enabled(logx.LevelDebug) {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return NewGorm(db, cfg.Now, log)
}

// NewGorm migrates the schema on db and returns a store over it.
func NewGorm(db *gorm.DB, now func() time.Time, log logx.Logger) (*GormStore, error) {
	if now == nil {
		now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := db.AutoMigrate(&jobLogRow{}, &detailRow{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}
	return &GormStore{db: db, log: log, now: now}, nil
}

func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (g *GormStore) InsertRunning(ctx context.Context, jobType, jobName string, userID *int64) (int64, error) {
	row := jobLogRow{
		UserID:    userID,
		JobType:   jobType,
		JobName:   jobName,
		Status:    string(StatusRunning),
		StartedAt: g.now().UTC(),
	}
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (g *GormStore) MarkSuccess(ctx context.Context, id int64, duration float64, message string) error {
	return g.close(ctx, id, StatusSuccess, g.now(), duration, message, "")
}

func (g *GormStore) MarkError(ctx context.Context, id int64, duration float64, errMsg string) error {
	return g.close(ctx, id, StatusError, g.now(), duration, MessageFailed, errMsg)
}

func (g *GormStore) MarkAbandoned(ctx context.Context, id int64, completedAt time.Time, duration float64, errMsg string) error {
	return g.close(ctx, id, StatusFailed, completedAt, duration, MessageTerminated, errMsg)
}

func (g *GormStore) close(ctx context.Context, id int64, status JobStatus, at time.Time, duration float64, message, errMsg string) error {
	res := g.db.WithContext(ctx).Model(&jobLogRow{}).
		Where("id = ? AND status = ?", id, string(StatusRunning)).
		Updates(map[string]any{
			"status":       string(status),
			"completed_at": at.UTC(),
			"duration":     duration,
			"message":      optStr(message),
			"error":        optStr(errMsg),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: id=%d", ErrNotRunning, id)
	}
	return nil
}

func (g *GormStore) InsertDetail(ctx context.Context, rec DetailRecord) error {
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode detail payload: %w", err)
	}
	row := detailRow{
		JobLogID:      rec.JobLogID,
		TaskType:      rec.TaskType,
		ItemKey:       rec.ItemKey,
		ItemLabel:     rec.ItemLabel,
		DetailType:    rec.DetailType,
		DetailPayload: optStr(payload),
		CreatedAt:     g.now().UTC(),
	}
	return g.db.WithContext(ctx).Create(&row).Error
}

func (g *GormStore) Get(ctx context.Context, id int64) (JobLogEntry, bool, error) {
	var row jobLogRow
	err := g.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return JobLogEntry{}, false, nil
	}
	if err != nil {
		return JobLogEntry{}, false, err
	}
	return row.entry(), true, nil
}

func (g *GormStore) filtered(ctx context.Context, f JobLogFilter) *gorm.DB {
	q := g.db.WithContext(ctx).Model(&jobLogRow{})
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.JobType != "" {
		q = q.Where("job_type = ?", f.JobType)
	}
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	return q
}

func (g *GormStore) Query(ctx context.Context, f JobLogFilter) ([]JobLogEntry, error) {
	q := g.filtered(ctx, f).Order("started_at DESC").Order("id DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []jobLogRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]JobLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

func (g *GormStore) Count(ctx context.Context, f JobLogFilter) (int64, error) {
	var n int64
	err := g.filtered(ctx, f).Count(&n).Error
	return n, err
}

func (g *GormStore) QueryDetails(ctx context.Context, f DetailFilter) ([]TaskExecutionDetail, error) {
	q := g.db.WithContext(ctx).Model(&detailRow{}).Where("job_log_id = ?", f.JobLogID)
	if f.DetailType != "" {
		q = q.Where("detail_type = ?", f.DetailType)
	}
	q = q.Order("id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []detailRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]TaskExecutionDetail, 0, len(rows))
	for _, r := range rows {
		d := TaskExecutionDetail{
			ID:         r.ID,
			JobLogID:   r.JobLogID,
			TaskType:   r.TaskType,
			ItemKey:    r.ItemKey,
			ItemLabel:  r.ItemLabel,
			DetailType: r.DetailType,
			CreatedAt:  r.CreatedAt,
		}
		if r.DetailPayload != nil {
			d.Payload = []byte(*r.DetailPayload)
		}
		out = append(out, d)
	}
	return out, nil
}

func (g *GormStore) DetailSummary(ctx context.Context, jobLogID int64) (map[string]int64, error) {
	var rows []struct {
		DetailType string
		N          int64
	}
	err := g.db.WithContext(ctx).Model(&detailRow{}).
		Select("detail_type, COUNT(*) AS n").
		Where("job_log_id = ?", jobLogID).
		Group("detail_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.DetailType] = r.N
	}
	return out, nil
}

func (g *GormStore) DeleteStartedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := tx.Model(&jobLogRow{}).Select("id").Where("started_at < ?", cutoff.UTC())
		if err := tx.Where("job_log_id IN (?)", old).Delete(&detailRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("started_at < ?", cutoff.UTC()).Delete(&jobLogRow{})
		if res.Error != nil {
			return res.Error
		}
		n = res.RowsAffected
		return nil
	})
	return n, err
}

func (r jobLogRow) entry() JobLogEntry {
	e := JobLogEntry{
		ID:          r.ID,
		UserID:      r.UserID,
		JobType:     r.JobType,
		JobName:     r.JobName,
		Status:      JobStatus(r.Status),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Duration:    r.Duration,
	}
	if r.Message != nil {
		e.Message = *r.Message
	}
	if r.Error != nil {
		e.Error = *r.Error
	}
	return e
}

func optStr(v string) *string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return &v
}
