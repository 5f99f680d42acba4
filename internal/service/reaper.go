package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/asr-gateway/config"
	"github.com/target/asr-gateway/internal/domain/model"
	obserrors "github.com/target/asr-gateway/internal/observability/errors"
	"github.com/target/asr-gateway/internal/observability/metrics"
	"github.com/target/asr-gateway/internal/observability/statsd"
	"github.com/target/asr-gateway/internal/store"
)

// stagingReconciler is the subset of staging.Service the reaper needs to
// sweep orphaned media off disk. Narrowed to an interface so tests can stub
// it without touching the filesystem.
type stagingReconciler interface {
	Reconcile(ctx context.Context, isLive func(path string) bool) error
}

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Store   store.Store         // Required: job store
	Staging stagingReconciler   // Optional: enables the orphaned-media sweep
	Config  config.ReaperConfig // Required: reaper configuration
	Logger  *slog.Logger        // Optional: structured logger
	Metrics statsd.Sink         // Optional: metrics sink (StatsD-compatible)
}

// ReaperService keeps the job store and staging directory from growing
// without bound and recovers work orphaned by a crashed or hung processor.
//
// Each tick it:
//   - requeues processing jobs whose lease expired without a heartbeat,
//   - deletes completed jobs older than CompletedMaxAge,
//   - deletes failed jobs older than FailedMaxAge,
//   - sweeps the staging directory for media files whose job record no
//     longer exists, scheduling them for deletion.
type ReaperService struct {
	store   store.Store
	staging stagingReconciler
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Store == nil {
		return nil, errors.New("Store is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"completed_max_age", opts.Config.CompletedMaxAge,
			"failed_max_age", opts.Config.FailedMaxAge,
			"staging_sweep_enabled", opts.Staging != nil,
		)
	}

	return &ReaperService{
		store:   opts.Store,
		staging: opts.Staging,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// MustNewReaperService constructs a new ReaperService and panics on error.
func MustNewReaperService(opts ReaperServiceOptions) *ReaperService {
	svc, err := NewReaperService(opts)
	if err != nil {
		//nolint:forbidigo // fail fast on invalid startup dependencies
		panic(fmt.Sprintf("failed to create ReaperService: %v", err))
	}
	return svc
}

// Run starts the reaper loop and runs until the context is cancelled.
// It performs cleanup operations at the configured interval.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Add jitter to prevent thundering herd if multiple instances start together
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run cleanup immediately after jitter
	if err := s.runCleanup(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter adds a random delay up to 10% of the interval to prevent thundering herd.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	// Use modulo on uint64 before converting to avoid overflow
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		// Graceful shutdown during jitter
	}
}

// runLoop runs the cleanup loop until context is cancelled.
func (s *ReaperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			// Return nil on graceful shutdown to avoid treating it as a failure
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runCleanup(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
				if isContextCancellation(err) {
					continue
				}
				// Continue running despite errors
			}
		}
	}
}

// runCleanup performs all cleanup operations.
func (s *ReaperService) runCleanup(ctx context.Context) error {
	start := time.Now()
	var (
		errs               []error
		allContextCanceled = true
		metricsData        = cleanupMetrics{}
	)

	steps := []cleanupStep{
		{
			fn:        s.requeueOrphans,
			label:     "requeue orphaned jobs",
			count:     &metricsData.OrphanCount,
			metricErr: &metricsData.OrphanErr,
		},
		{
			fn:        s.deleteOldCompletedJobs,
			label:     "delete old completed jobs",
			count:     &metricsData.CompletedCount,
			metricErr: &metricsData.CompletedErr,
		},
		{
			fn:        s.deleteOldFailedJobs,
			label:     "delete old failed jobs",
			count:     &metricsData.FailedCount,
			metricErr: &metricsData.FailedErr,
		},
		{
			fn:        s.reconcileStagingFiles,
			label:     "reconcile orphaned staging files",
			count:     &metricsData.StagingOrphanCount,
			metricErr: &metricsData.StagingOrphanErr,
		},
	}

	for _, step := range steps {
		outcome := s.executeCleanupStep(ctx, step.fn, step.label)
		*step.count = outcome.count
		*step.metricErr = outcome.metricErr
		if outcome.aggregateErr != nil {
			errs = append(errs, outcome.aggregateErr)
			allContextCanceled = allContextCanceled && outcome.canceled
		}
	}

	metricsData.Elapsed = time.Since(start)
	s.emitCleanupMetrics(metricsData)

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled && isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("cleanup failed: %w", joined)
	}

	return nil
}

type cleanupFunc func(context.Context) (int64, error)

type cleanupStep struct {
	fn        cleanupFunc
	label     string
	count     *int64
	metricErr *error
}

type cleanupStepOutcome struct {
	count        int64
	metricErr    error
	aggregateErr error
	canceled     bool
}

func (s *ReaperService) executeCleanupStep(
	ctx context.Context,
	fn cleanupFunc,
	label string,
) cleanupStepOutcome {
	count, err := fn(ctx)
	outcome := cleanupStepOutcome{
		count:     count,
		metricErr: suppressContextCancellation(err),
		canceled:  isContextCancellation(err),
	}
	if err != nil {
		outcome.aggregateErr = fmt.Errorf("%s: %w", label, err)
	}
	return outcome
}

// requeueOrphans transitions processing jobs whose lease expired without a
// heartbeat back to queued, recovering from a crashed or hung processor.
func (s *ReaperService) requeueOrphans(ctx context.Context) (int64, error) {
	count, err := s.store.RequeueOrphans(ctx)
	if err != nil {
		return 0, err
	}

	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "requeued orphaned jobs", "count", count)
	}

	return count, nil
}

// deleteOldCompletedJobs deletes completed jobs older than the configured max age.
// Loops until no more rows are affected to handle large datasets in batches.
func (s *ReaperService) deleteOldCompletedJobs(ctx context.Context) (int64, error) {
	return s.deleteOlderThan(ctx, model.StatusCompleted, s.config.CompletedMaxAge)
}

// deleteOldFailedJobs deletes failed jobs older than the configured max age.
// Loops until no more rows are affected to handle large datasets in batches.
func (s *ReaperService) deleteOldFailedJobs(ctx context.Context) (int64, error) {
	return s.deleteOlderThan(ctx, model.StatusFailed, s.config.FailedMaxAge)
}

func (s *ReaperService) deleteOlderThan(ctx context.Context, status model.Status, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	var totalCount int64
	for {
		count, err := s.store.DeleteOlderThan(ctx, status, cutoff, s.config.BatchSize)
		if err != nil {
			return totalCount, err
		}
		totalCount += count
		if count == 0 {
			break
		}
		// Check context between batches
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted old jobs",
			"status", status,
			"count", totalCount,
			"max_age", maxAge,
		)
	}

	return totalCount, nil
}

// reconcileStagingFiles sweeps the staging directory for media files whose
// owning job no longer exists in the store (the process crashed between
// staging the file and either completing the job or deleting it), scheduling
// each orphan for deletion. Liveness is determined against every job's
// local_path regardless of status, since a completed or failed job still
// owns its staged source file until the caller explicitly deletes it.
func (s *ReaperService) reconcileStagingFiles(ctx context.Context) (int64, error) {
	if s.staging == nil {
		return 0, nil
	}

	live, err := s.liveLocalPaths(ctx)
	if err != nil {
		return 0, fmt.Errorf("enumerate live local paths: %w", err)
	}

	var orphaned int64
	err = s.staging.Reconcile(ctx, func(path string) bool {
		if live[path] {
			return true
		}
		orphaned++
		return false
	})
	if err != nil {
		return orphaned, err
	}

	if orphaned > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "scheduled deletion of orphaned staging files", "count", orphaned)
	}

	return orphaned, nil
}

// liveLocalPaths pages through every job in the store and collects the set
// of local_path values still referenced by a job record.
func (s *ReaperService) liveLocalPaths(ctx context.Context) (map[string]bool, error) {
	pageSize := s.config.BatchSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	live := make(map[string]bool)
	offset := 0
	for {
		jobs, err := s.store.Query(ctx, model.ListFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			if job.LocalPath != "" {
				live[job.LocalPath] = true
			}
		}
		if len(jobs) < pageSize {
			return live, nil
		}
		offset += pageSize
		if ctx.Err() != nil {
			return live, ctx.Err()
		}
	}
}

type cleanupMetrics struct {
	OrphanCount        int64
	OrphanErr          error
	CompletedCount     int64
	CompletedErr       error
	FailedCount        int64
	FailedErr          error
	StagingOrphanCount int64
	StagingOrphanErr   error
	Elapsed            time.Duration
}

func (s *ReaperService) emitCleanupMetrics(m cleanupMetrics) {
	if s.metrics == nil {
		return
	}

	totalCount := m.OrphanCount + m.CompletedCount + m.FailedCount + m.StagingOrphanCount
	firstErr := firstError(m.OrphanErr, m.CompletedErr, m.FailedErr, m.StagingOrphanErr)

	result := metrics.ResultSuccess
	if firstErr != nil {
		result = metrics.ResultError
	} else if totalCount == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}

	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup", 1, tags)

	if m.Elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", m.Elapsed, metrics.CloneTags(tags))
	}

	s.emitCleanupOperationMetric("requeue_orphans", m.OrphanCount, m.OrphanErr)
	s.emitCleanupOperationMetric("delete_completed", m.CompletedCount, m.CompletedErr)
	s.emitCleanupOperationMetric("delete_failed", m.FailedCount, m.FailedErr)
	s.emitCleanupOperationMetric("reconcile_staging_orphans", m.StagingOrphanCount, m.StagingOrphanErr)

	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) emitCleanupOperationMetric(operation string, count int64, err error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}

	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup_operation", 1, tags)

	if err == nil && count > 0 {
		s.metrics.Count("reaper.jobs_processed", count, metrics.CloneTags(tags))
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
