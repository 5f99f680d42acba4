package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes. A single binary
// composes these behind one --services flag, matching the teacher's
// single-binary multi-mode pattern.
type ServiceMode string

const (
	// ServiceModeHTTP runs the job intake API (C6).
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeProcessor runs the task processor (C4).
	ServiceModeProcessor ServiceMode = "processor"
	// ServiceModeDispatcher runs the callback dispatcher (C5).
	ServiceModeDispatcher ServiceMode = "dispatcher"
	// ServiceModeReaper runs the job/staged-file reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeProcessor,
		ServiceModeDispatcher,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP,
			ServiceModeProcessor,
			ServiceModeDispatcher,
			ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, processor, dispatcher, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// StagingConfig contains C2 file-staging configuration.
type StagingConfig struct {
	// Root is the directory staged uploads/downloads live in before and
	// during processing.
	Root string `env:"STAGING_ROOT" envDefault:"./data/staging"`

	// MaxFileSizeBytes caps the size of any staged file, enforced both
	// for multipart uploads and for URL/platform downloads (checked via
	// a Content-Length probe before committing to the full transfer).
	MaxFileSizeBytes int64 `env:"STAGING_MAX_FILE_SIZE_BYTES" envDefault:"2147483648"` // 2 GiB

	// DownloadConcurrency bounds simultaneous outbound downloads via a
	// semaphore, avoiding NIC/disk saturation.
	DownloadConcurrency int `env:"STAGING_DOWNLOAD_CONCURRENCY" envDefault:"4"`

	// DownloadTimeout is the per-attempt HTTP timeout for staging downloads.
	DownloadTimeout time.Duration `env:"STAGING_DOWNLOAD_TIMEOUT" envDefault:"5m"`

	// DownloadMaxRetries is the retry ceiling for a single host's
	// transient download failures.
	DownloadMaxRetries int `env:"STAGING_DOWNLOAD_MAX_RETRIES" envDefault:"3"`

	// DeleteRetries is the retry ceiling for ScheduleDelete when the
	// staged file is transiently locked (e.g. memory-mapped by an
	// in-flight inference call).
	DeleteRetries int `env:"STAGING_DELETE_RETRIES" envDefault:"3"`

	// DeleteRetryBackoff is the delay between delete retries.
	DeleteRetryBackoff time.Duration `env:"STAGING_DELETE_RETRY_BACKOFF" envDefault:"500ms"`

	// AllowedExtensions restricts staged uploads and downloads to file
	// names with one of these extensions (case-insensitive, leading dot
	// optional). Empty means no restriction.
	AllowedExtensions []string `env:"STAGING_ALLOWED_EXTENSIONS"`
}

// Sanitize applies guardrails to staging configuration values.
func (s *StagingConfig) Sanitize() {
	if s.MaxFileSizeBytes < 1 {
		s.MaxFileSizeBytes = 1
	}
	if s.DownloadConcurrency < 1 {
		s.DownloadConcurrency = 1
	}
	if s.DownloadMaxRetries < 0 {
		s.DownloadMaxRetries = 0
	}
	if s.DeleteRetries < 1 {
		s.DeleteRetries = 1
	}
}

// ModelPoolConfig contains C3 model-pool configuration.
type ModelPoolConfig struct {
	// EngineName identifies the ASR engine this process's pool serves
	// (e.g. "whisper-large-v3"). C4 claims jobs scoped to this name.
	EngineName string `env:"POOL_ENGINE_NAME" envDefault:"default"`

	// MinSize is the minimum number of workers kept warm.
	MinSize int `env:"POOL_MIN_SIZE" envDefault:"1"`

	// MaxSize is the maximum number of workers the pool may hold.
	MaxSize int `env:"POOL_MAX_SIZE" envDefault:"2"`

	// MaxInstancesPerGPU bounds concurrent workers per physical device.
	MaxInstancesPerGPU int `env:"POOL_MAX_INSTANCES_PER_GPU" envDefault:"1"`

	// InitWithMaxPoolSize eagerly allocates up to MaxSize workers at
	// startup (sequentially, to keep GPU allocator state deterministic).
	// Otherwise the pool starts with MinSize workers and grows only
	// through Resize, not on demand.
	InitWithMaxPoolSize bool `env:"POOL_INIT_WITH_MAX_SIZE" envDefault:"false"`

	// HealthCheckInterval is parsed and sanitized but not passed to the
	// pool: the pool has no background health sweep, and runs its
	// HealthChecker (when one is set) only inside Checkout.
	HealthCheckInterval time.Duration `env:"POOL_HEALTH_CHECK_INTERVAL" envDefault:"30s"`

	// GPUDeviceIDs lists the physical GPU device ordinals workers round-robin
	// across. Empty forces a single-instance pool, since MaxInstancesPerGPU
	// has no device to bound concurrency against.
	GPUDeviceIDs []int `env:"POOL_GPU_DEVICE_IDS"`
}

// Sanitize applies guardrails to model pool configuration values.
func (m *ModelPoolConfig) Sanitize() {
	if m.MinSize < 0 {
		m.MinSize = 0
	}
	if m.MaxSize < 1 {
		m.MaxSize = 1
	}
	if m.MinSize > m.MaxSize {
		m.MinSize = m.MaxSize
	}
	if m.MaxInstancesPerGPU < 1 {
		m.MaxInstancesPerGPU = 1
	}
	if m.HealthCheckInterval < time.Second {
		m.HealthCheckInterval = time.Second
	}
	if m.EngineName == "" {
		m.EngineName = "default"
	}
}

// ProcessorConfig contains C4 task-processor configuration.
type ProcessorConfig struct {
	// EngineName scopes which jobs this processor claims; must match a
	// ModelPoolConfig.EngineName running in the same deployment.
	EngineName string `env:"PROCESSOR_ENGINE_NAME" envDefault:"default"`

	// MaxConcurrentTasks bounds how many pipelines run in parallel.
	MaxConcurrentTasks int `env:"PROCESSOR_MAX_CONCURRENT_TASKS" envDefault:"4"`

	// TaskStatusCheckInterval is the poll period used when the store has
	// no claimable job, before falling back to sleep-and-retry. The
	// processor also wakes early on C1's notification signal.
	TaskStatusCheckInterval time.Duration `env:"PROCESSOR_TASK_STATUS_CHECK_INTERVAL" envDefault:"2s"`

	// Lease is the duration granted to a claimed job before it's
	// considered orphaned absent a heartbeat.
	Lease time.Duration `env:"PROCESSOR_LEASE" envDefault:"5m"`

	// HeartbeatInterval is how often an in-flight pipeline extends its
	// job's lease. Should be well under Lease.
	HeartbeatInterval time.Duration `env:"PROCESSOR_HEARTBEAT_INTERVAL" envDefault:"1m"`

	// StoreRetryMaxAttempts and StoreRetryBaseDelay are parsed and
	// sanitized but not passed to the processor, which makes each store
	// call once and does not retry transient store errors.
	StoreRetryMaxAttempts int `env:"PROCESSOR_STORE_RETRY_MAX_ATTEMPTS" envDefault:"5"`

	// StoreRetryBaseDelay: see StoreRetryMaxAttempts.
	StoreRetryBaseDelay time.Duration `env:"PROCESSOR_STORE_RETRY_BASE_DELAY" envDefault:"1s"`
}

// Sanitize applies guardrails to processor configuration values.
func (p *ProcessorConfig) Sanitize() {
	if p.EngineName == "" {
		p.EngineName = "default"
	}
	if p.MaxConcurrentTasks < 1 {
		p.MaxConcurrentTasks = 1
	}
	if p.TaskStatusCheckInterval < 100*time.Millisecond {
		p.TaskStatusCheckInterval = 100 * time.Millisecond
	}
	if p.Lease < time.Second {
		p.Lease = time.Second
	}
	if p.HeartbeatInterval < time.Second {
		p.HeartbeatInterval = time.Second
	}
	if p.HeartbeatInterval >= p.Lease {
		p.HeartbeatInterval = p.Lease / 3
		if p.HeartbeatInterval < time.Second {
			p.HeartbeatInterval = time.Second
		}
	}
	if p.StoreRetryMaxAttempts < 1 {
		p.StoreRetryMaxAttempts = 1
	}
	if p.StoreRetryBaseDelay < time.Millisecond {
		p.StoreRetryBaseDelay = time.Millisecond
	}
}

// CallbackConfig contains C5 callback-dispatcher configuration.
type CallbackConfig struct {
	// Concurrency is the number of worker goroutines delivering callbacks.
	Concurrency int `env:"CALLBACK_CONCURRENCY" envDefault:"4"`

	// QueueSize bounds the in-memory channel of pending callback intents.
	QueueSize int `env:"CALLBACK_QUEUE_SIZE" envDefault:"256"`

	// RequestTimeout is the per-attempt HTTP timeout for a callback POST.
	RequestTimeout time.Duration `env:"CALLBACK_REQUEST_TIMEOUT" envDefault:"10s"`

	// MaxAttempts is the delivery attempt ceiling before giving up.
	MaxAttempts int `env:"CALLBACK_MAX_ATTEMPTS" envDefault:"5"`

	// BackoffBase is the base delay of the exponential backoff between
	// attempts (factor 2, capped at BackoffCap).
	BackoffBase time.Duration `env:"CALLBACK_BACKOFF_BASE" envDefault:"1s"`

	// BackoffCap is the maximum delay between delivery attempts.
	BackoffCap time.Duration `env:"CALLBACK_BACKOFF_CAP" envDefault:"60s"`

	// PerHostConcurrency is parsed and sanitized but not passed to the
	// dispatcher, which bounds deliveries only by Concurrency and has no
	// per-host limit.
	PerHostConcurrency int `env:"CALLBACK_PER_HOST_CONCURRENCY" envDefault:"2"`

	// RecoveryInterval is parsed and sanitized but not passed to the
	// dispatcher, which does not re-scan C1: callbacks still queued in
	// memory when the process stops are not re-derived on restart.
	RecoveryInterval time.Duration `env:"CALLBACK_RECOVERY_INTERVAL" envDefault:"30s"`
}

// Sanitize applies guardrails to callback dispatcher configuration values.
func (c *CallbackConfig) Sanitize() {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.QueueSize < 1 {
		c.QueueSize = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.BackoffBase < time.Millisecond {
		c.BackoffBase = time.Millisecond
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	if c.PerHostConcurrency < 1 {
		c.PerHostConcurrency = 1
	}
	if c.RecoveryInterval < time.Second {
		c.RecoveryInterval = time.Second
	}
}

// CrawlerConfig contains platform-resolver configuration.
type CrawlerConfig struct {
	// RequestTimeout is the per-attempt HTTP timeout for resolving a
	// platform share URL to a direct media URL.
	RequestTimeout time.Duration `env:"CRAWLER_REQUEST_TIMEOUT" envDefault:"15s"`

	// UserAgent is sent on outbound resolver requests; several platform
	// endpoints reject requests without a browser-like agent string.
	UserAgent string `env:"CRAWLER_USER_AGENT" envDefault:"Mozilla/5.0 (compatible; asr-gateway/1.0)"`

	// PlatformProxies maps a platform name (e.g. "tiktok") to the proxy URL
	// its resolver's requests are routed through. Format:
	// "tiktok=http://proxy:8080,douyin=http://proxy2:8080"; a "=" key/value
	// separator is used instead of the library default ":" since proxy URLs
	// themselves contain colons.
	PlatformProxies map[string]string `env:"CRAWLER_PLATFORM_PROXIES" envKeyValSeparator:"="`

	// PlatformCookies maps a platform name to the Cookie header sent on that
	// platform's resolver requests, for platforms that gate share-link
	// resolution behind a logged-in session.
	PlatformCookies map[string]string `env:"CRAWLER_PLATFORM_COOKIES" envKeyValSeparator:"="`
}

// Sanitize applies guardrails to crawler configuration values.
func (c *CrawlerConfig) Sanitize() {
	if c.RequestTimeout < time.Second {
		c.RequestTimeout = time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "asr-gateway/1.0"
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// CompletedMaxAge is the maximum age for completed jobs before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for failed jobs before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"168h"` // 7 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.CompletedMaxAge < 1*time.Hour {
		r.CompletedMaxAge = 1 * time.Hour
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}

// ServicesConfig groups all service-related configuration.
type ServicesConfig struct {
	// Services is a comma-delimited list of enabled services.
	// Valid values: http, processor, dispatcher, reaper
	Services string `env:"SERVICES" envDefault:"http"`

	Staging   StagingConfig
	Pool      ModelPoolConfig
	Processor ProcessorConfig
	Callback  CallbackConfig
	Crawler   CrawlerConfig
	Reaper    ReaperConfig
}

// GetEnabledServices returns the enabled services based on the Services field.
func (s *ServicesConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(s.Services)
}

// IsHTTPServerEnabled returns true if the HTTP intake API is enabled.
func (s *ServicesConfig) IsHTTPServerEnabled() bool {
	services, err := s.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeHTTP]
}

// IsProcessorEnabled returns true if the task processor is enabled.
func (s *ServicesConfig) IsProcessorEnabled() bool {
	services, err := s.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeProcessor]
}

// IsDispatcherEnabled returns true if the callback dispatcher is enabled.
func (s *ServicesConfig) IsDispatcherEnabled() bool {
	services, err := s.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeDispatcher]
}

// IsReaperEnabled returns true if the reaper service is enabled.
func (s *ServicesConfig) IsReaperEnabled() bool {
	services, err := s.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeReaper]
}

// Sanitize applies guardrails to services configuration values.
func (s *ServicesConfig) Sanitize() {
	s.Staging.Sanitize()
	s.Pool.Sanitize()
	s.Processor.Sanitize()
	s.Callback.Sanitize()
	s.Crawler.Sanitize()
	s.Reaper.Sanitize()
}
