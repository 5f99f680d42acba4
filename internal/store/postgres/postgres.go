// Package postgres implements C1's Store capability against PostgreSQL,
// using SELECT ... FOR UPDATE SKIP LOCKED for claim_next and LISTEN/NOTIFY
// for the "new job arrived" wake signal, per spec §5's requirement that a
// shared transactional backend support row-level locking.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/target/asr-gateway/internal/data/database"
	"github.com/target/asr-gateway/internal/data/pgxutil"
	apperrors "github.com/target/asr-gateway/internal/errors"
	"github.com/target/asr-gateway/internal/domain/model"
)

// Store is the PostgreSQL-backed implementation of store.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New constructs a Store bound to an already-connected *sql.DB using the
// pgx stdlib driver.
func New(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const jobColumns = `
	id, status, priority, engine_name, task_type, source, file_url, local_path,
	file_name, file_size_bytes, file_duration_seconds, platform, language,
	decode_options, result, error_message, task_processing_time_seconds,
	callback_url, callback_status_code, callback_message, callback_time,
	lease_expires_at, created_at, updated_at`

func notifyChannel(engineName string) string {
	return "job_added_" + engineName
}

// Create inserts a new job in status queued within a single transaction and
// notifies any listeners on the engine's wake channel.
func (s *Store) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, err.Error())
	}

	decodeOptions, err := json.Marshal(req.DecodeOptions)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "marshal decode_options")
	}

	var job *model.Job
	txErr := pgxutil.WithPgxTx(ctx, s.db, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, `
				INSERT INTO jobs (status, priority, engine_name, task_type, source, file_url,
					local_path, file_name, file_size_bytes, platform, decode_options, callback_url)
				VALUES ('queued', $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				RETURNING `+jobColumns,
				nonEmptyOrDefault(string(req.Priority), string(model.PriorityNormal)),
				req.EngineName, req.TaskType, req.Source, req.FileURL,
				req.LocalPath, req.FileName, req.FileSizeBytes, req.Platform,
				decodeOptions, req.CallbackURL,
			)
			j, scanErr := scanJob(row)
			if scanErr != nil {
				return scanErr
			}

			if _, notifyErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`,
				notifyChannel(j.EngineName), fmt.Sprintf("%d", j.ID)); notifyErr != nil {
				return fmt.Errorf("notify: %w", notifyErr)
			}
			job = j
			return nil
		},
	})
	if txErr != nil {
		return nil, apperrors.MapDBError(txErr)
	}
	return job, nil
}

func nonEmptyOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id int64) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, s.db, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
		j, scanErr := scanJob(row)
		if scanErr != nil {
			return scanErr
		}
		job = j
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// Query lists jobs matching filter using the table-agnostic query builder.
func (s *Store) Query(ctx context.Context, filter model.ListFilter) ([]*model.Job, error) {
	opts := []database.ListQueryOption{
		database.WithOrderBy("created_at", "DESC"),
	}
	if filter.Status != "" {
		opts = append(opts, database.WithCondition(database.WhereCond("status", database.Equal, string(filter.Status))))
	}
	if filter.Priority != "" {
		opts = append(opts, database.WithCondition(database.WhereCond("priority", database.Equal, string(filter.Priority))))
	}
	if filter.EngineName != "" {
		opts = append(opts, database.WithCondition(database.WhereCond("engine_name", database.Equal, filter.EngineName)))
	}
	if filter.Language != "" {
		opts = append(opts, database.WithCondition(database.WhereCond("language", database.Equal, filter.Language)))
	}
	if filter.CreatedAfter != nil {
		opts = append(opts, database.WithCondition(database.WhereCond("created_at", database.GreaterThanOrEqual, *filter.CreatedAfter)))
	}
	if filter.CreatedBefore != nil {
		opts = append(opts, database.WithCondition(database.WhereCond("created_at", database.LessThanOrEqual, *filter.CreatedBefore)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	opts = append(opts, database.WithLimit(limit), database.WithOffset(filter.Offset), database.WithColumns(jobColumnList()...))

	listOpts := database.NewListQueryOptions("jobs", opts...)
	query, args := database.BuildListQuery(listOpts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, scanErr := scanJobFromSQLRows(rows)
		if scanErr != nil {
			return nil, apperrors.MapDBError(scanErr)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return jobs, nil
}

func jobColumnList() []string {
	return []string{
		"id", "status", "priority", "engine_name", "task_type", "source", "file_url", "local_path",
		"file_name", "file_size_bytes", "file_duration_seconds", "platform", "language",
		"decode_options", "result", "error_message", "task_processing_time_seconds",
		"callback_url", "callback_status_code", "callback_message", "callback_time",
		"lease_expires_at", "created_at", "updated_at",
	}
}

// Delete permanently removes a job.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return apperrors.MapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.MapDBError(err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// allowedTransitions enforces the state machine of spec §3 invariant 3.
var allowedTransitions = map[model.Status]map[model.Status]bool{
	model.StatusQueued:     {model.StatusProcessing: true, model.StatusFailed: true},
	model.StatusProcessing: {model.StatusCompleted: true, model.StatusFailed: true},
}

// Update applies a partial patch inside a transaction, rejecting illegal
// status transitions server-side.
func (s *Store) Update(ctx context.Context, id int64, patch model.UpdatePatch) (*model.Job, error) {
	var job *model.Job
	txErr := pgxutil.WithPgxTx(ctx, s.db, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
			current, err := scanJob(row)
			if err != nil {
				return err
			}

			if patch.Status != nil && *patch.Status != current.Status {
				if !allowedTransitions[current.Status][*patch.Status] {
					return model.ErrIllegalTransition
				}
			}

			newStatus := current.Status
			if patch.Status != nil {
				newStatus = *patch.Status
			}
			newLanguage := current.Language
			if patch.Language != nil {
				newLanguage = *patch.Language
			}
			newPlatform := current.Platform
			if patch.Platform != nil {
				newPlatform = *patch.Platform
			}

			updated := tx.QueryRow(ctx, `
				UPDATE jobs
				SET status = $2, language = $3, platform = $4, updated_at = now()
				WHERE id = $1
				RETURNING `+jobColumns, id, newStatus, newLanguage, newPlatform)
			j, scanErr := scanJob(updated)
			if scanErr != nil {
				return scanErr
			}
			job = j
			return nil
		},
	})
	if errors.Is(txErr, model.ErrIllegalTransition) {
		return nil, txErr
	}
	if errors.Is(txErr, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if txErr != nil {
		return nil, apperrors.MapDBError(txErr)
	}
	return job, nil
}

var claimNextSQL = `
	WITH cte AS (
		SELECT id FROM jobs
		WHERE engine_name = $1 AND status = 'queued'
		ORDER BY
			CASE priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 WHEN 'low' THEN 0 ELSE 1 END DESC,
			created_at ASC,
			id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE jobs j
	SET status = 'processing', lease_expires_at = $2, updated_at = $3
	FROM cte
	WHERE j.id = cte.id
	RETURNING ` + jobPrefixedColumns()

func jobPrefixedColumns() string {
	cols := jobColumnList()
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += "j." + c
	}
	return out
}

// ClaimNext atomically claims the highest-priority, oldest queued job for
// engineName. This is the sole means of acquiring job ownership (spec §5).
func (s *Store) ClaimNext(ctx context.Context, engineName string, lease time.Duration) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, s.db, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := time.Now().UTC()
			row := tx.QueryRow(ctx, claimNextSQL, engineName, now.Add(lease), now)
			j, scanErr := scanJob(row)
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if scanErr != nil {
				return scanErr
			}
			job = j
			return nil
		},
	})
	if errors.Is(err, model.ErrNoJobsAvailable) {
		return nil, model.ErrNoJobsAvailable
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// Heartbeat extends the lease on a job this processor already owns.
func (s *Store) Heartbeat(ctx context.Context, id int64, lease time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, time.Now().UTC().Add(lease))
	if err != nil {
		return false, apperrors.MapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.MapDBError(err)
	}
	return n > 0, nil
}

// MarkCompleted stamps a terminal success outcome (spec §3 invariant 2, 5).
func (s *Store) MarkCompleted(ctx context.Context, id int64, result *model.Result, language string, duration time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "marshal result")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed', result = $2, language = $3,
			task_processing_time_seconds = $4, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, payload, language, duration.Seconds())
	if err != nil {
		return apperrors.MapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.MapDBError(err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// MarkFailed stamps a terminal failure outcome.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMessage string, duration time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', error_message = $2,
			task_processing_time_seconds = $3, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('processing', 'queued')`,
		id, errMessage, duration.Seconds())
	if err != nil {
		return apperrors.MapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.MapDBError(err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// RecordCallback writes a C5 delivery outcome. Per spec §3 invariant 6,
// callback fields are never rewritten once a terminal success is recorded.
func (s *Store) RecordCallback(ctx context.Context, id int64, statusCode int, message string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET callback_status_code = $2, callback_message = $3, callback_time = $4, updated_at = now()
		WHERE id = $1 AND (callback_status_code IS NULL OR callback_status_code != 200)`,
		id, statusCode, message, at.UTC())
	if err != nil {
		return apperrors.MapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.MapDBError(err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// Stats summarizes job counts by status, optionally scoped to an engine.
func (s *Store) Stats(ctx context.Context, engineName string) (*model.JobStats, error) {
	var stats model.JobStats
	query := `
		SELECT
			count(*) FILTER (WHERE status = 'queued'),
			count(*) FILTER (WHERE status = 'processing'),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'failed')
		FROM jobs`
	args := []any{}
	if engineName != "" {
		query += " WHERE engine_name = $1"
		args = append(args, engineName)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Queued, &stats.Processing, &stats.Completed, &stats.Failed,
	); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return &stats, nil
}

// RequeueOrphans transitions processing rows whose lease has expired back to
// queued (spec §5 crash recovery). Serialized across processes via an
// advisory lock so overlapping reaper ticks don't double-count.
const advisoryLockRequeueOrphans int64 = 7735

func (s *Store) RequeueOrphans(ctx context.Context) (int64, error) {
	var affected int64
	err := pgxutil.WithSQLTx(ctx, s.db, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, advisoryLockRequeueOrphans).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'queued', lease_expires_at = NULL, updated_at = now()
				WHERE status = 'processing' AND lease_expires_at IS NOT NULL AND lease_expires_at < now()`)
			if err != nil {
				return fmt.Errorf("requeue orphans: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			affected = n
			return nil
		},
	})
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	return affected, nil
}

// DeleteOlderThan removes up to limit rows in status older than olderThan.
// Used by the reaper to bound storage growth for terminal jobs; callers loop
// until it returns 0 to work through large backlogs in batches.
func (s *Store) DeleteOlderThan(ctx context.Context, status model.Status, olderThan time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $1 AND updated_at < $2
			ORDER BY updated_at ASC
			LIMIT $3
		)`, string(status), olderThan.UTC(), limit)
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// WaitForNotification implements store.Waiter over LISTEN/NOTIFY.
func (s *Store) WaitForNotification(ctx context.Context, engineName string) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() { _ = conn.Close() }()

	channel := notifyChannel(engineName)
	quoted := pgx.Identifier{channel}.Sanitize()
	if _, err := conn.ExecContext(ctx, "LISTEN "+quoted); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	defer func() { _, _ = conn.ExecContext(context.Background(), "UNLISTEN "+quoted) }()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, err := sc.Conn().WaitForNotification(ctx)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner rowScanner) (*model.Job, error) {
	return scanJobGeneric(scanner)
}

func scanJobFromSQLRows(rows *sql.Rows) (*model.Job, error) {
	return scanJobGeneric(rows)
}

func scanJobGeneric(scanner rowScanner) (*model.Job, error) {
	var j model.Job
	var (
		fileDuration      sql.NullFloat64
		processingSeconds sql.NullFloat64
		decodeOptions     []byte
		result            []byte
		errorMessage      sql.NullString
		callbackStatus    sql.NullInt32
		callbackMessage   sql.NullString
		callbackTime      sql.NullTime
		leaseExpiresAt    sql.NullTime
	)

	if err := scanner.Scan(
		&j.ID, &j.Status, &j.Priority, &j.EngineName, &j.TaskType, &j.Source, &j.FileURL, &j.LocalPath,
		&j.FileName, &j.FileSizeBytes, &fileDuration, &j.Platform, &j.Language,
		&decodeOptions, &result, &errorMessage, &processingSeconds,
		&j.CallbackURL, &callbackStatus, &callbackMessage, &callbackTime,
		&leaseExpiresAt, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if fileDuration.Valid {
		j.FileDurationSeconds = fileDuration.Float64
	}
	if processingSeconds.Valid {
		v := processingSeconds.Float64
		j.TaskProcessingTimeSeconds = &v
	}
	if errorMessage.Valid {
		v := errorMessage.String
		j.ErrorMessage = &v
	}
	if callbackStatus.Valid {
		v := int(callbackStatus.Int32)
		j.CallbackStatusCode = &v
	}
	if callbackMessage.Valid {
		v := callbackMessage.String
		j.CallbackMessage = &v
	}
	if callbackTime.Valid {
		v := callbackTime.Time.UTC()
		j.CallbackTime = &v
	}
	if leaseExpiresAt.Valid {
		v := leaseExpiresAt.Time.UTC()
		j.LeaseExpiresAt = &v
	}
	if len(decodeOptions) > 0 {
		if err := json.Unmarshal(decodeOptions, &j.DecodeOptions); err != nil {
			return nil, fmt.Errorf("unmarshal decode_options: %w", err)
		}
	}
	if len(result) > 0 && string(result) != "null" {
		var r model.Result
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		j.Result = &r
	}

	return &j, nil
}
