// Package callback implements C5: best-effort delivery of a completed job's
// outcome to the caller-supplied callback_url, and recording the delivery
// result back onto the job row.
//
// Delivery is POST of the job as JSON. Transport failures and 5xx responses
// are retried with exponential backoff up to MaxAttempts; a 4xx response is
// treated as a permanent rejection by the callback endpoint and recorded
// without retrying, mirroring the single POST-and-log-outcome shape of the
// callback dispatch this package was distilled from, generalized here into a
// bounded worker pool with an internal retry queue instead of a bare
// fire-and-forget goroutine per job.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/target/asr-gateway/internal/domain/model"
	obserrors "github.com/target/asr-gateway/internal/observability/errors"
	"github.com/target/asr-gateway/internal/observability/metrics"
	"github.com/target/asr-gateway/internal/observability/statsd"
	"github.com/target/asr-gateway/internal/store"
)

// Config controls dispatcher concurrency, retry policy, and queue depth.
type Config struct {
	Workers          int
	QueueSize        int
	MaxAttempts      int
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration
	Timeout          time.Duration
}

// statusError carries the HTTP status code a callback endpoint returned, so
// deliver can branch retry-eligibility on the status class without
// re-parsing the error string.
type statusError struct {
	statusCode int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("callback endpoint returned status %d", e.statusCode)
}

// retryable reports whether err should be retried: transport failures (no
// statusError) and 5xx responses are retried, 4xx responses are not.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.statusCode >= 500
	}
	return true
}

type delivery struct {
	job     *model.Job
	attempt int
}

// Dispatcher delivers terminal job outcomes to their callback_url.
type Dispatcher struct {
	cfg    Config
	store  store.Store
	client *http.Client
	logger *slog.Logger
	metric statsd.Sink

	queue chan delivery
}

// New constructs a Dispatcher. Call Run to start its worker pool.
func New(cfg Config, st store.Store, client *http.Client, logger *slog.Logger, metric statsd.Sink) (*Dispatcher, error) {
	if st == nil {
		return nil, errors.New("Store is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBaseBackoff <= 0 {
		cfg.RetryBaseBackoff = time.Second
	}
	if cfg.RetryMaxBackoff <= 0 {
		cfg.RetryMaxBackoff = 60 * time.Second
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		transport := &http.Transport{}
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("configure http/2 transport: %w", err)
		}
		client = &http.Client{Timeout: timeout, Transport: transport}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		store:  st,
		client: client,
		logger: logger.With("component", "callback_dispatcher"),
		metric: metric,
		queue:  make(chan delivery, cfg.QueueSize),
	}, nil
}

// Enqueue schedules job for delivery. It never blocks: if the queue is full
// the delivery is dropped and logged, since a caller waiting on Enqueue would
// stall the processor pipeline that produced the job.
func (d *Dispatcher) Enqueue(job *model.Job) {
	if job.CallbackURL == "" {
		return
	}
	select {
	case d.queue <- delivery{job: job, attempt: 1}:
	default:
		d.logger.Error("callback queue full, dropping delivery", "job_id", job.ID)
		d.count("callback.dropped", nil)
	}
}

// Run starts Config.Workers delivery goroutines and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "callback dispatcher started", "workers", d.cfg.Workers)
	defer d.logger.InfoContext(ctx, "callback dispatcher stopped")

	done := make(chan struct{})
	for i := 0; i < d.cfg.Workers; i++ {
		go d.worker(ctx, done)
	}

	<-ctx.Done()
	for i := 0; i < d.cfg.Workers; i++ {
		<-done
	}
	return ctx.Err()
}

func (d *Dispatcher) worker(ctx context.Context, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-d.queue:
			d.deliver(ctx, item)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, item delivery) {
	start := time.Now()
	err := d.attempt(ctx, item.job)
	elapsed := time.Since(start)

	statusCode := -1 // transport failure with no response at all
	message := ""
	if err != nil {
		message = err.Error()
		var se *statusError
		if errors.As(err, &se) {
			statusCode = se.statusCode
		}
	} else {
		statusCode = http.StatusOK
	}

	if recErr := d.store.RecordCallback(ctx, item.job.ID, statusCode, message, time.Now()); recErr != nil {
		d.logger.ErrorContext(ctx, "record callback outcome failed", "job_id", item.job.ID, "error", recErr)
	}

	if err == nil {
		d.logger.InfoContext(ctx, "callback delivered", "job_id", item.job.ID, "attempt", item.attempt, "elapsed", elapsed)
		d.count("callback.delivered", nil)
		return
	}

	d.logger.WarnContext(ctx, "callback delivery failed", "job_id", item.job.ID, "attempt", item.attempt, "error", err)
	tags := map[string]string{}
	if class := obserrors.Classify(err); class != "" {
		tags["error_class"] = class
	}
	d.count("callback.failed", tags)

	if !retryable(err) {
		d.logger.ErrorContext(ctx, "callback endpoint rejected delivery, not retrying", "job_id", item.job.ID, "attempt", item.attempt, "error", err)
		d.count("callback.rejected", nil)
		return
	}

	if item.attempt >= d.cfg.MaxAttempts {
		d.logger.ErrorContext(ctx, "callback delivery exhausted retries", "job_id", item.job.ID, "attempts", item.attempt)
		d.count("callback.exhausted", nil)
		return
	}

	next := item
	next.attempt++
	backoff := d.backoffFor(next.attempt)
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
			select {
			case d.queue <- next:
			default:
				d.logger.Error("callback queue full, dropping retry", "job_id", next.job.ID)
			}
		}
	}()
}

// backoffFor returns the delay before attempt, growing exponentially from
// RetryBaseBackoff and capped at RetryMaxBackoff: base*2^(attempt-2), since
// attempt is the number of the upcoming (already incremented) try.
func (d *Dispatcher) backoffFor(attempt int) time.Duration {
	if attempt <= 1 {
		return d.cfg.RetryBaseBackoff
	}
	backoff := d.cfg.RetryBaseBackoff << (attempt - 2)
	if backoff <= 0 || backoff > d.cfg.RetryMaxBackoff {
		return d.cfg.RetryMaxBackoff
	}
	return backoff
}

type callbackPayload struct {
	ID           int64          `json:"id"`
	Status       model.Status   `json:"status"`
	TaskType     model.TaskType `json:"task_type"`
	Language     string         `json:"language,omitempty"`
	Result       *model.Result  `json:"result,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
}

func (d *Dispatcher) attempt(ctx context.Context, job *model.Job) error {
	body, err := json.Marshal(callbackPayload{
		ID:           job.ID,
		Status:       job.Status,
		TaskType:     job.TaskType,
		Language:     job.Language,
		Result:       job.Result,
		ErrorMessage: job.ErrorMessage,
	})
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{statusCode: resp.StatusCode}
	}
	return nil
}

func (d *Dispatcher) count(name string, tags map[string]string) {
	if d.metric == nil {
		return
	}
	d.metric.Count(name, 1, metrics.CloneTags(tags))
}
