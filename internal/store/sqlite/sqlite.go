// Package sqlite implements C1's Store capability against an embedded
// single-process SQLite database via GORM, per spec §9's requirement for a
// development-convenient embedded backend. SQLite has no equivalent of
// SELECT ... FOR UPDATE SKIP LOCKED, so ClaimNext is instead serialized by an
// in-process mutex; this makes the backend unsafe for multi-process
// deployment, which callers must not do (see spec §5, §9 Backend
// pluggability).
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	apperrors "github.com/target/asr-gateway/internal/errors"
	"github.com/target/asr-gateway/internal/domain/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// jobRow is the GORM-mapped row backing the jobs table. It mirrors
// model.Job but with the JSON columns kept as raw text for gorm's sqlite
// driver, which has no native jsonb type.
type jobRow struct {
	ID                        int64  `gorm:"primaryKey;autoIncrement"`
	Status                    string `gorm:"index"`
	Priority                  string `gorm:"index"`
	EngineName                string `gorm:"index"`
	TaskType                  string
	Source                    string
	FileURL                   string
	LocalPath                 string
	FileName                  string
	FileSizeBytes             int64
	FileDurationSeconds       float64
	Platform                  string
	Language                  string
	DecodeOptions             string
	Result                    string
	ErrorMessage              *string
	TaskProcessingTimeSeconds *float64
	CallbackURL               string
	CallbackStatusCode        *int
	CallbackMessage           *string
	CallbackTime              *time.Time
	LeaseExpiresAt            *time.Time `gorm:"index"`
	CreatedAt                 time.Time  `gorm:"index"`
	UpdatedAt                 time.Time
}

func (jobRow) TableName() string { return "jobs" }

// Store is the SQLite-backed implementation of store.Store.
type Store struct {
	db *gorm.DB
	// claimMu serializes ClaimNext since sqlite offers no row-level lock
	// primitive equivalent to FOR UPDATE SKIP LOCKED.
	claimMu sync.Mutex

	wakeMu sync.Mutex
	wake   map[string][]chan struct{}
}

// Open opens (creating if absent) the sqlite database at path and migrates
// the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("underlying sql.DB: %w", err)
	}
	if err := migrateSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("migrate jobs table: %w", err)
	}
	// A single connection avoids "database is locked" errors under gorm's
	// default pool, since sqlite serializes writers anyway.
	sqlDB.SetMaxOpenConns(1)

	return &Store{db: db, wake: make(map[string][]chan struct{})}, nil
}

// migrateSchema applies the embedded versioned migrations to sqlDB via
// golang-migrate, rather than gorm's own AutoMigrate, so the sqlite backend's
// schema history is tracked the same way a production database's would be.
func migrateSchema(sqlDB *sql.DB) error {
	driver, err := sqlite3.WithInstance(sqlDB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite3 migrate driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(job *model.Job) (*jobRow, error) {
	decodeOptions, err := json.Marshal(job.DecodeOptions)
	if err != nil {
		return nil, err
	}
	result := "null"
	if job.Result != nil {
		b, err := json.Marshal(job.Result)
		if err != nil {
			return nil, err
		}
		result = string(b)
	}
	return &jobRow{
		ID:                        job.ID,
		Status:                    string(job.Status),
		Priority:                  string(job.Priority),
		EngineName:                job.EngineName,
		TaskType:                  string(job.TaskType),
		Source:                    string(job.Source),
		FileURL:                   job.FileURL,
		LocalPath:                 job.LocalPath,
		FileName:                  job.FileName,
		FileSizeBytes:             job.FileSizeBytes,
		FileDurationSeconds:       job.FileDurationSeconds,
		Platform:                  job.Platform,
		Language:                  job.Language,
		DecodeOptions:             string(decodeOptions),
		Result:                    result,
		ErrorMessage:              job.ErrorMessage,
		TaskProcessingTimeSeconds: job.TaskProcessingTimeSeconds,
		CallbackURL:               job.CallbackURL,
		CallbackStatusCode:        job.CallbackStatusCode,
		CallbackMessage:           job.CallbackMessage,
		CallbackTime:              job.CallbackTime,
		LeaseExpiresAt:            job.LeaseExpiresAt,
		CreatedAt:                 job.CreatedAt,
		UpdatedAt:                 job.UpdatedAt,
	}, nil
}

func fromRow(row *jobRow) (*model.Job, error) {
	job := &model.Job{
		ID:                        row.ID,
		Status:                    model.Status(row.Status),
		Priority:                  model.Priority(row.Priority),
		EngineName:                row.EngineName,
		TaskType:                  model.TaskType(row.TaskType),
		Source:                    model.SourceKind(row.Source),
		FileURL:                   row.FileURL,
		LocalPath:                 row.LocalPath,
		FileName:                  row.FileName,
		FileSizeBytes:             row.FileSizeBytes,
		FileDurationSeconds:       row.FileDurationSeconds,
		Platform:                  row.Platform,
		Language:                  row.Language,
		ErrorMessage:              row.ErrorMessage,
		TaskProcessingTimeSeconds: row.TaskProcessingTimeSeconds,
		CallbackURL:               row.CallbackURL,
		CallbackStatusCode:        row.CallbackStatusCode,
		CallbackMessage:           row.CallbackMessage,
		CallbackTime:              row.CallbackTime,
		LeaseExpiresAt:            row.LeaseExpiresAt,
		CreatedAt:                 row.CreatedAt,
		UpdatedAt:                 row.UpdatedAt,
	}
	if row.DecodeOptions != "" {
		if err := json.Unmarshal([]byte(row.DecodeOptions), &job.DecodeOptions); err != nil {
			return nil, fmt.Errorf("unmarshal decode_options: %w", err)
		}
	}
	if row.Result != "" && row.Result != "null" {
		var r model.Result
		if err := json.Unmarshal([]byte(row.Result), &r); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &r
	}
	return job, nil
}

// Create inserts a new job in status queued and wakes any local waiters.
func (s *Store) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, fmt.Errorf("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, err.Error())
	}
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}

	now := time.Now().UTC()
	job := &model.Job{
		Status:        model.StatusQueued,
		Priority:      priority,
		EngineName:    req.EngineName,
		TaskType:      req.TaskType,
		Source:        req.Source,
		FileURL:       req.FileURL,
		LocalPath:     req.LocalPath,
		FileName:      req.FileName,
		FileSizeBytes: req.FileSizeBytes,
		Platform:      req.Platform,
		DecodeOptions: req.DecodeOptions,
		CallbackURL:   req.CallbackURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	row, err := toRow(job)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode job")
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "insert job")
	}
	job.ID = row.ID
	s.notify(job.EngineName)
	return job, nil
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id int64) (*model.Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, model.ErrNotFound
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "get job")
	}
	return fromRow(&row)
}

// Query lists jobs matching filter.
func (s *Store) Query(ctx context.Context, filter model.ListFilter) ([]*model.Job, error) {
	q := s.db.WithContext(ctx).Model(&jobRow{})
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Priority != "" {
		q = q.Where("priority = ?", string(filter.Priority))
	}
	if filter.EngineName != "" {
		q = q.Where("engine_name = ?", filter.EngineName)
	}
	if filter.Language != "" {
		q = q.Where("language = ?", filter.Language)
	}
	if filter.CreatedAfter != nil {
		q = q.Where("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		q = q.Where("created_at <= ?", *filter.CreatedBefore)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	q = q.Order("created_at DESC").Limit(limit).Offset(filter.Offset)

	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "query jobs")
	}
	jobs := make([]*model.Job, 0, len(rows))
	for i := range rows {
		j, err := fromRow(&rows[i])
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "decode job")
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Delete permanently removes a job.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&jobRow{}, id)
	if res.Error != nil {
		return apperrors.Wrap(res.Error, apperrors.ErrCodeInternal, "delete job")
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

var allowedTransitions = map[model.Status]map[model.Status]bool{
	model.StatusQueued:     {model.StatusProcessing: true, model.StatusFailed: true},
	model.StatusProcessing: {model.StatusCompleted: true, model.StatusFailed: true},
}

// Update applies a partial patch, rejecting illegal status transitions.
func (s *Store) Update(ctx context.Context, id int64, patch model.UpdatePatch) (*model.Job, error) {
	var job *model.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		if err := tx.First(&row, id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return model.ErrNotFound
			}
			return err
		}
		current, err := fromRow(&row)
		if err != nil {
			return err
		}
		if patch.Status != nil && *patch.Status != current.Status {
			if !allowedTransitions[current.Status][*patch.Status] {
				return model.ErrIllegalTransition
			}
			row.Status = string(*patch.Status)
		}
		if patch.Language != nil {
			row.Language = *patch.Language
		}
		if patch.Platform != nil {
			row.Platform = *patch.Platform
		}
		row.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		job, err = fromRow(&row)
		return err
	})
	if err != nil {
		if err == model.ErrNotFound || err == model.ErrIllegalTransition {
			return nil, err
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "update job")
	}
	return job, nil
}

// ClaimNext atomically claims the highest-priority, oldest queued job for
// engineName. Serialized by claimMu since sqlite lacks SKIP LOCKED.
func (s *Store) ClaimNext(ctx context.Context, engineName string, lease time.Duration) (*model.Job, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var job *model.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		err := tx.Where("engine_name = ? AND status = ?", engineName, string(model.StatusQueued)).
			Order(priorityRankExpr() + " DESC, created_at ASC, id ASC").
			Limit(1).
			Take(&row).Error
		if err == gorm.ErrRecordNotFound {
			return model.ErrNoJobsAvailable
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		row.Status = string(model.StatusProcessing)
		leaseExpires := now.Add(lease)
		row.LeaseExpiresAt = &leaseExpires
		row.UpdatedAt = now
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		job, err = fromRow(&row)
		return err
	})
	if err != nil {
		if err == model.ErrNoJobsAvailable {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "claim next job")
	}
	return job, nil
}

func priorityRankExpr() string {
	return "CASE priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 WHEN 'low' THEN 0 ELSE 1 END"
}

// Heartbeat extends the lease on a job this processor already owns.
func (s *Store) Heartbeat(ctx context.Context, id int64, lease time.Duration) (bool, error) {
	leaseExpires := time.Now().UTC().Add(lease)
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status = ?", id, string(model.StatusProcessing)).
		Updates(map[string]any{"lease_expires_at": leaseExpires, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, apperrors.Wrap(res.Error, apperrors.ErrCodeInternal, "heartbeat job")
	}
	return res.RowsAffected > 0, nil
}

// MarkCompleted stamps a terminal success outcome.
func (s *Store) MarkCompleted(ctx context.Context, id int64, result *model.Result, language string, duration time.Duration) error {
	payload := "null"
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "marshal result")
		}
		payload = string(b)
	}
	seconds := duration.Seconds()
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status = ?", id, string(model.StatusProcessing)).
		Updates(map[string]any{
			"status":                        string(model.StatusCompleted),
			"result":                        payload,
			"language":                      language,
			"task_processing_time_seconds": seconds,
			"lease_expires_at":              nil,
			"updated_at":                    time.Now().UTC(),
		})
	if res.Error != nil {
		return apperrors.Wrap(res.Error, apperrors.ErrCodeInternal, "mark completed")
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// MarkFailed stamps a terminal failure outcome.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMessage string, duration time.Duration) error {
	seconds := duration.Seconds()
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status IN ?", id, []string{string(model.StatusProcessing), string(model.StatusQueued)}).
		Updates(map[string]any{
			"status":                        string(model.StatusFailed),
			"error_message":                 errMessage,
			"task_processing_time_seconds": seconds,
			"lease_expires_at":              nil,
			"updated_at":                    time.Now().UTC(),
		})
	if res.Error != nil {
		return apperrors.Wrap(res.Error, apperrors.ErrCodeInternal, "mark failed")
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// RecordCallback writes a C5 delivery outcome, never overwriting a
// previously recorded terminal success (spec §3 invariant 6).
func (s *Store) RecordCallback(ctx context.Context, id int64, statusCode int, message string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND (callback_status_code IS NULL OR callback_status_code != 200)", id).
		Updates(map[string]any{
			"callback_status_code": statusCode,
			"callback_message":     message,
			"callback_time":        at.UTC(),
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return apperrors.Wrap(res.Error, apperrors.ErrCodeInternal, "record callback")
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// Stats summarizes job counts by status, optionally scoped to an engine.
func (s *Store) Stats(ctx context.Context, engineName string) (*model.JobStats, error) {
	base := s.db.WithContext(ctx).Model(&jobRow{})
	if engineName != "" {
		base = base.Where("engine_name = ?", engineName)
	}

	var stats model.JobStats
	statuses := map[model.Status]*int{
		model.StatusQueued:     &stats.Queued,
		model.StatusProcessing: &stats.Processing,
		model.StatusCompleted:  &stats.Completed,
		model.StatusFailed:     &stats.Failed,
	}
	for status, dest := range statuses {
		var count int64
		if err := base.Session(&gorm.Session{}).Where("status = ?", string(status)).Count(&count).Error; err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "count jobs")
		}
		*dest = int(count)
	}
	return &stats, nil
}

// RequeueOrphans transitions processing rows whose lease has expired back to
// queued.
func (s *Store) RequeueOrphans(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?", string(model.StatusProcessing), time.Now().UTC()).
		Updates(map[string]any{
			"status":           string(model.StatusQueued),
			"lease_expires_at": nil,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, apperrors.Wrap(res.Error, apperrors.ErrCodeInternal, "requeue orphans")
	}
	return res.RowsAffected, nil
}

// DeleteOlderThan removes up to limit rows in status older than olderThan.
func (s *Store) DeleteOlderThan(ctx context.Context, status model.Status, olderThan time.Time, limit int) (int64, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("status = ? AND updated_at < ?", string(status), olderThan.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "select rows to delete")
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Delete(&jobRow{}, ids)
	if res.Error != nil {
		return 0, apperrors.Wrap(res.Error, apperrors.ErrCodeInternal, "delete old rows")
	}
	return res.RowsAffected, nil
}

// WaitForNotification blocks until a job is created for engineName in this
// process, or ctx expires. Unlike the postgres backend this has no
// cross-process reach; it exists purely so C4's wake-on-arrival mechanism
// works uniformly across backends within a single embedded process.
func (s *Store) WaitForNotification(ctx context.Context, engineName string) error {
	ch := make(chan struct{}, 1)
	s.wakeMu.Lock()
	s.wake[engineName] = append(s.wake[engineName], ch)
	s.wakeMu.Unlock()

	defer func() {
		s.wakeMu.Lock()
		defer s.wakeMu.Unlock()
		subs := s.wake[engineName]
		for i, c := range subs {
			if c == ch {
				s.wake[engineName] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (s *Store) notify(engineName string) {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	for _, ch := range s.wake[engineName] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
