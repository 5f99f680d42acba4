// Package processor implements C4: the long-running coordinator that
// claims queued jobs, stages their source media, runs inference through a
// C3 worker pool, and records the outcome via C1, following the
// claim -> stage -> probe -> infer -> record -> release -> cleanup ->
// callback pipeline of the ASR service this was distilled from.
package processor

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/target/asr-gateway/internal/domain/model"
	"github.com/target/asr-gateway/internal/pool"
	"github.com/target/asr-gateway/internal/service"
)

// Engine runs inference on a staged file using a checked-out worker.
type Engine interface {
	// Infer transcribes or translates localPath using worker, returning the
	// decoded result and detected language.
	Infer(ctx context.Context, worker *pool.Worker, localPath string, taskType model.TaskType, opts model.DecodeOptions) (*model.Result, string, error)
	// IsTransientDeviceError classifies err as a recoverable device fault
	// (e.g. a transient CUDA allocation failure) worth a single retry on a
	// fresh worker, as opposed to a terminal inference failure.
	IsTransientDeviceError(err error) bool
}

// Stager stages a job's remote source locally and probes its duration; the
// upload case is already staged by C6, so StageURL is only invoked for
// SourceRemoteURL jobs.
type Stager interface {
	StageURL(ctx context.Context, url string) (localPath string, size int64, err error)
	ProbeDuration(localPath string) (float64, error)
	ScheduleDelete(localPath string)
}

// CallbackEnqueuer hands a terminal job to C5 for delivery.
type CallbackEnqueuer interface {
	Enqueue(job *model.Job)
}

// Options configures a Processor.
type Options struct {
	Jobs                    *service.JobService
	Pool                    *pool.Pool
	Engine                  Engine
	Staging                 Stager
	Callbacks               CallbackEnqueuer
	EngineName              string
	MaxConcurrentTasks      int
	TaskStatusCheckInterval time.Duration
	Lease                   time.Duration
	Logger                  *slog.Logger
}

// Processor runs MaxConcurrentTasks cooperating pipeline slots against a
// single engine's queue.
type Processor struct {
	opts Options
	sem  *semaphore.Weighted
	log  *slog.Logger
}

// New constructs a Processor.
func New(opts Options) (*Processor, error) {
	if opts.Jobs == nil {
		return nil, errors.New("Jobs is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("Pool is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("Engine is required")
	}
	if opts.Staging == nil {
		return nil, errors.New("Staging is required")
	}
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = 1
	}
	if opts.TaskStatusCheckInterval <= 0 {
		opts.TaskStatusCheckInterval = 2 * time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.MaxConcurrentTasks)),
		log:  logger.With("component", "processor", "engine", opts.EngineName),
	}, nil
}

// Run blocks, running MaxConcurrentTasks pipeline slots until ctx is canceled.
func (p *Processor) Run(ctx context.Context) error {
	p.log.InfoContext(ctx, "processor started", "max_concurrent_tasks", p.opts.MaxConcurrentTasks)
	defer p.log.InfoContext(ctx, "processor stopped")

	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return ctx.Err()
		}
		go func() {
			defer p.sem.Release(1)
			p.runSlot(ctx)
		}()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// runSlot runs exactly one pipeline: claim, process, and return. The caller
// re-acquires the semaphore slot for the next iteration via Run's loop, so
// each call to runSlot processes at most a single job before returning.
func (p *Processor) runSlot(ctx context.Context) {
	job, err := p.opts.Jobs.ClaimNext(ctx, p.opts.EngineName, p.opts.Lease)
	if err != nil && !errors.Is(err, model.ErrNoJobsAvailable) {
		p.log.ErrorContext(ctx, "claim_next failed", "error", err)
		p.waitForNextPoll(ctx)
		return
	}
	if job == nil {
		p.waitForNextPoll(ctx)
		return
	}

	p.processJob(ctx, job)
}

// waitForNextPoll sleeps TaskStatusCheckInterval with jitter, or wakes early
// on a job-arrival signal.
func (p *Processor) waitForNextPoll(ctx context.Context) {
	unsub, ch := p.opts.Jobs.Subscribe(p.opts.EngineName)
	defer unsub()

	dur := jitter(p.opts.TaskStatusCheckInterval)
	timer := time.NewTimer(dur)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-ch:
	}
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(base)))
	if err != nil {
		return base
	}
	return base + time.Duration(n.Int64())/4
}

func (p *Processor) processJob(ctx context.Context, job *model.Job) {
	start := time.Now()
	logger := p.log.With("job_id", job.ID)

	if err := job.DecodeOptions.Validate(); err != nil {
		p.fail(ctx, job, fmt.Sprintf("invalid decode_options: %v", err), time.Since(start))
		return
	}

	localPath, err := p.stage(ctx, job)
	if err != nil {
		p.fail(ctx, job, fmt.Sprintf("staging failed: %v", err), time.Since(start))
		return
	}
	if job.Source == model.SourceRemoteURL {
		defer p.opts.Staging.ScheduleDelete(localPath)
	}

	if duration, probeErr := p.opts.Staging.ProbeDuration(localPath); probeErr == nil {
		logger.DebugContext(ctx, "probed source duration", "seconds", duration)
	} else {
		logger.WarnContext(ctx, "probe duration failed", "error", probeErr)
	}

	result, language, err := p.infer(ctx, localPath, job)
	if err != nil {
		p.fail(ctx, job, fmt.Sprintf("inference failed: %v", err), time.Since(start))
		return
	}

	if err := p.opts.Jobs.MarkCompleted(ctx, job.ID, result, language, time.Since(start)); err != nil {
		logger.ErrorContext(ctx, "mark completed failed", "error", err)
		return
	}

	if job.Source == model.SourceLocalPath {
		p.opts.Staging.ScheduleDelete(localPath)
	}

	if job.CallbackURL != "" && p.opts.Callbacks != nil {
		job.Result = result
		job.Language = language
		p.opts.Callbacks.Enqueue(job)
	}
}

func (p *Processor) stage(ctx context.Context, job *model.Job) (string, error) {
	if job.Source == model.SourceLocalPath {
		return job.LocalPath, nil
	}
	localPath, _, err := p.opts.Staging.StageURL(ctx, job.FileURL)
	return localPath, err
}

func (p *Processor) infer(ctx context.Context, localPath string, job *model.Job) (*model.Result, string, error) {
	worker, err := p.opts.Pool.Checkout(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("checkout worker: %w", err)
	}

	result, language, err := p.opts.Engine.Infer(ctx, worker, localPath, job.TaskType, job.DecodeOptions)
	if err == nil {
		p.opts.Pool.Checkin(worker)
		return result, language, nil
	}

	if p.opts.Engine.IsTransientDeviceError(err) {
		p.log.WarnContext(ctx, "transient device error, retrying with fresh worker", "job_id", job.ID, "error", err)
		if discardErr := p.opts.Pool.Discard(ctx, worker); discardErr != nil {
			return nil, "", fmt.Errorf("discard worker after transient error: %w", discardErr)
		}
		retryWorker, checkoutErr := p.opts.Pool.Checkout(ctx)
		if checkoutErr != nil {
			return nil, "", fmt.Errorf("checkout replacement worker: %w", checkoutErr)
		}
		result, language, retryErr := p.opts.Engine.Infer(ctx, retryWorker, localPath, job.TaskType, job.DecodeOptions)
		if retryErr != nil {
			_ = p.opts.Pool.Discard(ctx, retryWorker)
			return nil, "", retryErr
		}
		p.opts.Pool.Checkin(retryWorker)
		return result, language, nil
	}

	p.opts.Pool.Checkin(worker)
	return nil, "", err
}

func (p *Processor) fail(ctx context.Context, job *model.Job, message string, elapsed time.Duration) {
	p.log.ErrorContext(ctx, "job failed", "job_id", job.ID, "reason", message)
	if err := p.opts.Jobs.MarkFailed(ctx, job.ID, message, elapsed); err != nil {
		p.log.ErrorContext(ctx, "mark failed failed", "job_id", job.ID, "error", err)
	}
	if job.LocalPath != "" {
		p.opts.Staging.ScheduleDelete(job.LocalPath)
	}
	if job.CallbackURL != "" && p.opts.Callbacks != nil {
		job.ErrorMessage = &message
		p.opts.Callbacks.Enqueue(job)
	}
}
