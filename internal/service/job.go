// Package service hosts the thin business-logic layer between the HTTP
// intake API (C6) and the job store (C1): lease resolution, wake-on-arrival
// pub/sub, and structured logging around each store operation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	domainjob "github.com/target/asr-gateway/internal/domain/job"
	"github.com/target/asr-gateway/internal/domain/model"
	"github.com/target/asr-gateway/internal/store"
)

// Publisher announces a newly queued job to out-of-process wake-signal
// subscribers (see internal/notify), beyond the store's own in-process or
// database-native notification primitive.
type Publisher interface {
	Publish(ctx context.Context, engineName string) error
}

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Store           store.Store               // Required
	DefaultLease    time.Duration             // Required: default lease duration for jobs
	Logger          *slog.Logger              // Optional
	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
	Publisher       Publisher                 // Optional: cross-process wake-signal fan-out
}

// JobService provides the intake-facing operations of C1 plus C4's
// wake-on-arrival subscription, wrapping a store.Store implementation.
type JobService struct {
	store       store.Store
	leasePolicy *domainjob.LeasePolicy
	notifier    domainjob.Notifier
	publisher   Publisher
	logger      *slog.Logger
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Store == nil {
		return nil, errors.New("Store is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			waiter, ok := opts.Store.(interface {
				WaitForNotification(ctx context.Context, engineName string) error
			})
			if !ok {
				return nil, errors.New("store does not implement the notification Waiter")
			}
			options.Waiter = waiter
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
	}

	return &JobService{
		store:       opts.Store,
		leasePolicy: leasePolicy,
		notifier:    notifier,
		publisher:   opts.Publisher,
		logger:      logger,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // fail fast on invalid startup dependencies
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Create inserts a new job.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	job, err := s.store.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if s.logger != nil {
		s.logger.DebugContext(ctx, "job created", "id", job.ID, "engine_name", job.EngineName, "status", job.Status)
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, job.EngineName); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "publish job-added notification failed", "id", job.ID, "error", err)
		}
	}
	return job, nil
}

// Get fetches a job by id.
func (s *JobService) Get(ctx context.Context, id int64) (*model.Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// Query lists jobs matching filter.
func (s *JobService) Query(ctx context.Context, filter model.ListFilter) ([]*model.Job, error) {
	jobs, err := s.store.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return jobs, nil
}

// Delete permanently removes a job.
func (s *JobService) Delete(ctx context.Context, id int64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job deleted", "id", id)
	}
	return nil
}

// ClaimNext reserves the next available job for engineName.
func (s *JobService) ClaimNext(ctx context.Context, engineName string, lease time.Duration) (*model.Job, error) {
	decision := s.leasePolicy.Resolve(lease)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second lease duration to 1 second",
			"requested_duration", decision.Requested, "engine_name", engineName)
	}

	job, err := s.store.ClaimNext(ctx, engineName, time.Duration(decision.Seconds)*time.Second)
	if err != nil {
		return nil, err
	}
	if s.logger != nil && job != nil {
		s.logger.DebugContext(ctx, "job claimed", "id", job.ID, "engine_name", engineName, "lease_seconds", decision.Seconds)
	}
	return job, nil
}

// Subscribe creates a subscription for job-arrival notifications for engineName.
func (s *JobService) Subscribe(engineName string) (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe(engineName)
}

// Heartbeat extends the lease on a job to indicate it's still being processed.
func (s *JobService) Heartbeat(ctx context.Context, id int64, extend time.Duration) (bool, error) {
	decision := s.leasePolicy.Resolve(extend)
	updated, err := s.store.Heartbeat(ctx, id, time.Duration(decision.Seconds)*time.Second)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %d: %w", id, err)
	}
	return updated, nil
}

// MarkCompleted stamps a terminal success outcome.
func (s *JobService) MarkCompleted(ctx context.Context, id int64, result *model.Result, language string, duration time.Duration) error {
	if err := s.store.MarkCompleted(ctx, id, result, language, duration); err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	if s.logger != nil {
		s.logger.DebugContext(ctx, "job completed", "id", id)
	}
	return nil
}

// MarkFailed stamps a terminal failure outcome.
func (s *JobService) MarkFailed(ctx context.Context, id int64, errMsg string, duration time.Duration) error {
	if errMsg == "" {
		return errors.New("error message required")
	}
	if err := s.store.MarkFailed(ctx, id, errMsg, duration); err != nil {
		return fmt.Errorf("fail job %d: %w", id, err)
	}
	if s.logger != nil {
		s.logger.DebugContext(ctx, "job failed", "id", id, "error", errMsg)
	}
	return nil
}

// Stats returns job counts by status, optionally scoped to an engine.
func (s *JobService) Stats(ctx context.Context, engineName string) (*model.JobStats, error) {
	stats, err := s.store.Stats(ctx, engineName)
	if err != nil {
		return nil, fmt.Errorf("get job stats for engine %s: %w", engineName, err)
	}
	return stats, nil
}

// StopAllListeners stops all active job notification listeners. Call during
// graceful shutdown to clean up goroutines.
func (s *JobService) StopAllListeners() {
	if s.notifier != nil {
		s.notifier.StopAll()
	}
}
