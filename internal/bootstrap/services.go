package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/asr-gateway/config"
	"github.com/target/asr-gateway/internal/callback"
	domainjob "github.com/target/asr-gateway/internal/domain/job"
	"github.com/target/asr-gateway/internal/media"
	"github.com/target/asr-gateway/internal/notify"
	"github.com/target/asr-gateway/internal/pool"
	"github.com/target/asr-gateway/internal/processor"
	"github.com/target/asr-gateway/internal/service"
	"github.com/target/asr-gateway/internal/staging"
	"github.com/target/asr-gateway/internal/store"
	"github.com/target/asr-gateway/internal/store/postgres"
	"github.com/target/asr-gateway/internal/store/sqlite"
	"github.com/target/asr-gateway/internal/crawler"
	"github.com/target/asr-gateway/internal/observability/statsd"
)

// ServiceContainer holds every long-lived collaborator the service modes
// (http, processor, dispatcher, reaper) are composed from.
type ServiceContainer struct {
	Store       store.Store
	Jobs        *service.JobService
	Staging     *staging.Service
	Pool        *pool.Pool
	Media       *media.Extractor
	Prober      *media.Prober
	Renderer    *media.Renderer
	Crawler     *crawler.Registry
	Processor   *processor.Processor
	Dispatcher  *callback.Dispatcher
	Reaper      *service.ReaperService
	MetricsSink *statsd.Client
	sqliteStore *sqlite.Store // non-nil only for the sqlite backend, closed on shutdown
}

// ServiceDeps groups the connections NewServices composes services from.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB // nil when StoreBackend is sqlite
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	Engine      processor.Engine // required only when the processor service mode is enabled
}

// buildStore constructs the C1 store for the configured backend.
func buildStore(cfg *config.AppConfig, db *sql.DB, logger *slog.Logger) (store.Store, *sqlite.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendSQLite:
		st, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, st, nil
	default:
		if db == nil {
			return nil, nil, errors.New("postgres backend requires a database connection")
		}
		return postgres.New(db, logger), nil, nil
	}
}

// buildWaiter resolves the notification source(s) C4 blocks on between
// polls: the store's own primitive, optionally raced against a Redis
// pub/sub channel when RedisConfig.NotifyEnabled and a client is present.
func buildWaiter(st store.Store, redisClient redis.UniversalClient, cfg config.RedisConfig) (domainjob.Waiter, notify.RedisWaiter, bool) {
	storeWaiter, ok := st.(interface {
		WaitForNotification(ctx context.Context, engineName string) error
	})
	if !ok {
		return nil, notify.RedisWaiter{}, false
	}
	if !cfg.NotifyEnabled || redisClient == nil {
		return storeWaiter, notify.RedisWaiter{}, false
	}
	redisWaiter := notify.NewRedisWaiter(redisClient, cfg.NotifyChannelPrefix)
	return notify.NewCompositeWaiter(storeWaiter, redisWaiter), *redisWaiter, true
}

func buildMetrics(logger *slog.Logger, cfg config.ObservabilityMetricsConfig) *statsd.Client {
	if !cfg.IsEnabled() {
		return nil
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled: true,
		Address: cfg.StatsdAddress,
		Prefix:  "asr_gateway",
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to initialise statsd client", "error", err)
		return nil
	}
	return client
}

// NewServices wires the full ServiceContainer from live connections.
func NewServices(deps *ServiceDeps) (*ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return nil, errors.New("service deps and config are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	st, sqliteStore, err := buildStore(cfg, deps.DB, logger)
	if err != nil {
		return nil, err
	}

	metricsSink := buildMetrics(logger, cfg.Observability.Metrics)

	waiter, redisWaiter, redisFanoutEnabled := buildWaiter(st, deps.RedisClient, cfg.Redis)
	jobOpts := service.JobServiceOptions{
		Store:        st,
		DefaultLease: cfg.Processor.Lease,
		Logger:       logger,
	}
	if waiter != nil {
		jobOpts.NotifierOptions = domainjob.NotifierOptions{Waiter: waiter}
	}
	if redisFanoutEnabled {
		jobOpts.Publisher = &redisWaiter
	}
	jobs, err := service.NewJobService(jobOpts)
	if err != nil {
		return nil, fmt.Errorf("build job service: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.Staging.DownloadTimeout}
	stagingSvc, err := staging.New(staging.Config{
		Root:                cfg.Staging.Root,
		MaxFileSizeBytes:    cfg.Staging.MaxFileSizeBytes,
		DownloadConcurrency: int64(cfg.Staging.DownloadConcurrency),
		DownloadTimeout:     cfg.Staging.DownloadTimeout,
		DownloadMaxRetries:  cfg.Staging.DownloadMaxRetries,
		DeleteRetries:       cfg.Staging.DeleteRetries,
		DeleteRetryBackoff:  cfg.Staging.DeleteRetryBackoff,
		AllowedExtensions:   cfg.Staging.AllowedExtensions,
	}, httpClient, logger)
	if err != nil {
		return nil, fmt.Errorf("build staging service: %w", err)
	}

	crawlerClient := &http.Client{Timeout: cfg.Crawler.RequestTimeout}
	tiktokResolver, err := crawler.NewTikTokResolver(crawlerClient, cfg.Crawler.PlatformProxies["tiktok"], cfg.Crawler.PlatformCookies["tiktok"])
	if err != nil {
		return nil, fmt.Errorf("build tiktok resolver: %w", err)
	}
	douyinResolver, err := crawler.NewDouyinResolver(crawlerClient, cfg.Crawler.PlatformProxies["douyin"], cfg.Crawler.PlatformCookies["douyin"])
	if err != nil {
		return nil, fmt.Errorf("build douyin resolver: %w", err)
	}
	crawlerRegistry := crawler.NewRegistry(map[string]crawler.Resolver{
		"tiktok": tiktokResolver,
		"douyin": douyinResolver,
	})

	prober := media.NewProber("", 30*time.Second)
	extractor := media.NewExtractor("", 2*time.Minute)
	renderer := media.NewRenderer()

	container := &ServiceContainer{
		Store:       st,
		Jobs:        jobs,
		Staging:     stagingSvc,
		Media:       extractor,
		Prober:      prober,
		Renderer:    renderer,
		Crawler:     crawlerRegistry,
		MetricsSink: metricsSink,
		sqliteStore: sqliteStore,
	}

	enabledServices, err := cfg.GetEnabledServices()
	if err != nil {
		return nil, fmt.Errorf("determine enabled services: %w", err)
	}

	if enabledServices[config.ServiceModeProcessor] {
		if deps.Engine == nil {
			return nil, errors.New("processor service mode requires an inference Engine")
		}
		workerPool, err := pool.New(pool.Config{
			EngineName:          cfg.Pool.EngineName,
			MinSize:             cfg.Pool.MinSize,
			MaxSize:             cfg.Pool.MaxSize,
			MaxInstancesPerGPU:  cfg.Pool.MaxInstancesPerGPU,
			InitWithMaxPoolSize: cfg.Pool.InitWithMaxPoolSize,
			GPUDeviceIDs:        cfg.Pool.GPUDeviceIDs,
		}, func(ctx context.Context, deviceID int) (*pool.Worker, error) {
			return &pool.Worker{DeviceID: deviceID}, nil
		}, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("build model pool: %w", err)
		}
		container.Pool = workerPool

		dispatcherClient := &http.Client{Timeout: cfg.Callback.RequestTimeout}
		dispatcher, err := callback.New(callback.Config{
			Workers:          cfg.Callback.Concurrency,
			QueueSize:        cfg.Callback.QueueSize,
			MaxAttempts:      cfg.Callback.MaxAttempts,
			RetryBaseBackoff: cfg.Callback.BackoffBase,
			RetryMaxBackoff:  cfg.Callback.BackoffCap,
			Timeout:          cfg.Callback.RequestTimeout,
		}, st, dispatcherClient, logger, metricsSink)
		if err != nil {
			return nil, fmt.Errorf("build callback dispatcher: %w", err)
		}
		container.Dispatcher = dispatcher

		proc, err := processor.New(processor.Options{
			Jobs:                    jobs,
			Pool:                    workerPool,
			Engine:                  deps.Engine,
			Staging:                 stagingAdapter{stagingSvc, prober},
			Callbacks:               dispatcher,
			EngineName:              cfg.Processor.EngineName,
			MaxConcurrentTasks:      cfg.Processor.MaxConcurrentTasks,
			TaskStatusCheckInterval: cfg.Processor.TaskStatusCheckInterval,
			Lease:                   cfg.Processor.Lease,
			Logger:                  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build processor: %w", err)
		}
		container.Processor = proc
	}

	if enabledServices[config.ServiceModeDispatcher] && container.Dispatcher == nil {
		dispatcherClient := &http.Client{Timeout: cfg.Callback.RequestTimeout}
		dispatcher, err := callback.New(callback.Config{
			Workers:          cfg.Callback.Concurrency,
			QueueSize:        cfg.Callback.QueueSize,
			MaxAttempts:      cfg.Callback.MaxAttempts,
			RetryBaseBackoff: cfg.Callback.BackoffBase,
			RetryMaxBackoff:  cfg.Callback.BackoffCap,
			Timeout:          cfg.Callback.RequestTimeout,
		}, st, dispatcherClient, logger, metricsSink)
		if err != nil {
			return nil, fmt.Errorf("build callback dispatcher: %w", err)
		}
		container.Dispatcher = dispatcher
	}

	if enabledServices[config.ServiceModeReaper] {
		reaper, err := service.NewReaperService(service.ReaperServiceOptions{
			Store:   st,
			Staging: stagingSvc,
			Config:  cfg.Reaper,
			Logger:  logger,
			Metrics: metricsSink,
		})
		if err != nil {
			return nil, fmt.Errorf("build reaper: %w", err)
		}
		container.Reaper = reaper
	}

	return container, nil
}

// stagingAdapter narrows *staging.Service plus a *media.Prober to the
// processor.Stager interface.
type stagingAdapter struct {
	svc    *staging.Service
	prober *media.Prober
}

func (a stagingAdapter) StageURL(ctx context.Context, url string) (string, int64, error) {
	return a.svc.StageURL(ctx, url)
}

func (a stagingAdapter) ProbeDuration(path string) (float64, error) {
	return a.prober.ProbeDuration(path)
}

func (a stagingAdapter) ScheduleDelete(path string) {
	a.svc.ScheduleDelete(path)
}

// Close releases any resources the container owns directly (the sqlite
// backend's file handle; the postgres backend's *sql.DB is owned by the
// caller of NewServices and closed there).
func (c *ServiceContainer) Close() error {
	if c.sqliteStore != nil {
		return c.sqliteStore.Close()
	}
	return nil
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, logger *slog.Logger, errCh chan<- error, descriptor backgroundService) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case errCh <- errMsg:
			case <-ctx.Done():
			default:
				logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
			}
		}
	}()
	logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func buildBackgroundServices(services *ServiceContainer) []backgroundService {
	var descriptors []backgroundService
	if services.Processor != nil {
		descriptors = append(descriptors, backgroundService{
			mode: config.ServiceModeProcessor,
			name: "task processor",
			start: func(ctx context.Context) error {
				if err := services.Pool.Initialize(ctx); err != nil {
					return fmt.Errorf("initialize model pool: %w", err)
				}
				return services.Processor.Run(ctx)
			},
		})
	}
	if services.Dispatcher != nil {
		descriptors = append(descriptors, backgroundService{
			mode:  config.ServiceModeDispatcher,
			name:  "callback dispatcher",
			start: services.Dispatcher.Run,
		})
	}
	if services.Reaper != nil {
		descriptors = append(descriptors, backgroundService{
			mode:  config.ServiceModeReaper,
			name:  "reaper",
			start: services.Reaper.Run,
		})
	}
	return descriptors
}

// ServiceOrchestrationConfig groups everything RunServicesWithShutdown needs.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services *ServiceContainer
	Logger   *slog.Logger
}

// RunServicesWithShutdown starts every enabled service mode and blocks until
// a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil || cfg.Services == nil {
		return errors.New("service orchestration config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, len(enabledServices)+1)

	var httpServer *http.Server
	if enabledServices[config.ServiceModeHTTP] {
		httpServer = StartHTTPServer(&HTTPServerConfig{
			Config:   cfg.Config,
			Services: cfg.Services,
			Logger:   logger,
		})
	}

	handles := make([]backgroundServiceHandle, 0)
	for _, descriptor := range buildBackgroundServices(cfg.Services) {
		if !enabledServices[descriptor.mode] {
			continue
		}
		handles = append(handles, backgroundServiceHandle{
			name: descriptor.name,
			done: launchBackground(ctx, logger, errCh, descriptor),
		})
	}

	return waitForShutdown(shutdownState{
		ctx:        ctx,
		cancel:     cancel,
		errCh:      errCh,
		httpServer: httpServer,
		jobs:       cfg.Services.Jobs,
		logger:     logger,
		handles:    handles,
	})
}

type shutdownState struct {
	ctx        context.Context
	cancel     context.CancelFunc
	errCh      <-chan error
	httpServer *http.Server
	jobs       *service.JobService
	logger     *slog.Logger
	handles    []backgroundServiceHandle
}

func waitForShutdown(st shutdownState) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		st.logger.Info("shutting down services...")
		st.cancel()
		return gracefulStop(st)
	case err := <-st.errCh:
		st.logger.Error("service error", "error", err)
		st.cancel()
		if stopErr := gracefulStop(st); stopErr != nil {
			st.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

func gracefulStop(st shutdownState) error {
	if st.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()
		if err := ShutdownHTTPServer(ShutdownConfig{
			Context: shutdownCtx,
			Server:  st.httpServer,
			Jobs:    st.jobs,
			Logger:  st.logger,
		}); err != nil {
			return err
		}
	}

	for _, handle := range st.handles {
		waitForService(handle.done, handle.name, st.logger)
	}
	return nil
}

func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
