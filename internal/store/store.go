// Package store defines the durable job-record capability (C1) and its two
// backends: postgres (multi-process, row-level locking) and sqlite (embedded,
// single-process).
package store

import (
	"context"
	"time"

	"github.com/target/asr-gateway/internal/domain/model"
)

// Store is the durable, queryable record of every job and its lifecycle.
// Implementations must guarantee that ClaimNext hands a given queued row to
// at most one caller (see spec §4.4 invariant 4).
type Store interface {
	// Create inserts a new job in status queued and returns the persisted row.
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	// Get fetches a job by id. Returns model.ErrNotFound if absent.
	Get(ctx context.Context, id int64) (*model.Job, error)
	// Query lists jobs matching filter, ordered by created_at descending by default.
	Query(ctx context.Context, filter model.ListFilter) ([]*model.Job, error)
	// Delete permanently removes a job. Returns model.ErrNotFound if absent.
	Delete(ctx context.Context, id int64) error
	// Update applies a partial patch, rejecting illegal status transitions.
	Update(ctx context.Context, id int64, patch model.UpdatePatch) (*model.Job, error)
	// ClaimNext atomically selects the oldest queued job of the highest
	// priority matching engineName, transitions it to processing, and
	// returns it. Returns model.ErrNoJobsAvailable if none match.
	ClaimNext(ctx context.Context, engineName string, lease time.Duration) (*model.Job, error)
	// Heartbeat extends the lease on a job already owned by this processor.
	Heartbeat(ctx context.Context, id int64, lease time.Duration) (bool, error)
	// MarkCompleted stamps a terminal success outcome.
	MarkCompleted(ctx context.Context, id int64, result *model.Result, language string, duration time.Duration) error
	// MarkFailed stamps a terminal failure outcome.
	MarkFailed(ctx context.Context, id int64, errMessage string, duration time.Duration) error
	// RecordCallback writes the outcome of a C5 delivery attempt.
	RecordCallback(ctx context.Context, id int64, statusCode int, message string, at time.Time) error
	// Stats summarizes job counts by status, optionally scoped to an engine.
	Stats(ctx context.Context, engineName string) (*model.JobStats, error)
	// RequeueOrphans transitions processing rows whose lease has expired
	// back to queued. Returns the number of rows requeued.
	RequeueOrphans(ctx context.Context) (int64, error)
	// DeleteOlderThan permanently deletes up to limit rows in status older
	// than olderThan, returning the number of rows deleted. Used by the
	// reaper to bound storage growth for terminal jobs.
	DeleteOlderThan(ctx context.Context, status model.Status, olderThan time.Time, limit int) (int64, error)
}

// Waiter blocks until a wake signal for engineName arrives, or ctx expires.
// The postgres backend implements this via LISTEN/NOTIFY; the sqlite backend
// implements it via a process-local broadcast, since it has no cross-process
// notification primitive.
type Waiter interface {
	WaitForNotification(ctx context.Context, engineName string) error
}
