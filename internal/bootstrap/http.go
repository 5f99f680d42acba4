package bootstrap

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/asr-gateway/config"
	"github.com/target/asr-gateway/internal/domain/model"
	httpx "github.com/target/asr-gateway/internal/http"
	"github.com/target/asr-gateway/internal/service"
)

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config   *config.AppConfig
	Services *ServiceContainer
	Logger   *slog.Logger
}

// StartHTTPServer creates and starts the HTTP server. Returns the server
// instance for graceful shutdown.
func StartHTTPServer(cfg *HTTPServerConfig) *http.Server {
	if cfg == nil || cfg.Services == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	appCfg := cfg.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	services := httpx.RouterServices{
		Jobs:    cfg.Services.Jobs,
		Staging: cfg.Services.Staging,
		Media:   mediaAdapter{cfg.Services.Media, cfg.Services.Renderer},
		Crawler: cfg.Services.Crawler,
		IsDev:   appCfg.IsDev,
		Logger:  logger,
		Pagination: httpx.PaginationConfig{
			DefaultLimit: appCfg.HTTP.DefaultPageLimit,
			MaxLimit:     appCfg.HTTP.MaxPageLimit,
		},
	}

	handler := buildHTTPHandler(httpHandlerConfig{
		Logger:   logger,
		Services: services,
		HTTP:     appCfg.HTTP,
	})

	return startServer(logger, handler, appCfg.HTTP.Addr)
}

// mediaAdapter narrows the container's audio extractor and subtitle
// renderer to the httpx.MediaService interface.
type mediaAdapter struct {
	extractor interface {
		ExtractAudio(ctx context.Context, srcPath, container string, sampleRate, bitDepth int) ([]byte, error)
	}
	renderer interface {
		RenderSRT(result *model.Result) (string, error)
		RenderVTT(result *model.Result) (string, error)
	}
}

func (a mediaAdapter) ExtractAudio(ctx context.Context, srcPath, container string, sampleRate, bitDepth int) ([]byte, error) {
	return a.extractor.ExtractAudio(ctx, srcPath, container, sampleRate, bitDepth)
}

func (a mediaAdapter) RenderSRT(result *model.Result) (string, error) {
	return a.renderer.RenderSRT(result)
}

func (a mediaAdapter) RenderVTT(result *model.Result) (string, error) {
	return a.renderer.RenderVTT(result)
}

type httpHandlerConfig struct {
	Logger   *slog.Logger
	Services httpx.RouterServices
	HTTP     config.HTTPConfig
}

func buildHTTPHandler(cfg httpHandlerConfig) http.Handler {
	router := httpx.NewRouter(cfg.Services)

	// Order: Recover -> Logging -> Compression -> Router
	h := router
	if cfg.HTTP.CompressionEnabled {
		cfg.Logger.Info("HTTP compression enabled", "level", cfg.HTTP.CompressionLevel)
		h = httpx.Compression(httpx.CompressionConfig{Level: cfg.HTTP.CompressionLevel})(h)
	}
	h = httpx.Logging(cfg.Logger)(h)
	h = httpx.Recover(cfg.Logger)(h)

	return h
}

func startServer(logger *slog.Logger, handler http.Handler, addr string) *http.Server {
	if addr == "" {
		addr = ":8080"
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	return server
}

// ShutdownConfig contains dependencies for HTTP server shutdown.
type ShutdownConfig struct {
	Context context.Context
	Server  *http.Server
	Jobs    *service.JobService
	Logger  *slog.Logger
}

// ShutdownHTTPServer gracefully shuts down the HTTP server.
func ShutdownHTTPServer(cfg ShutdownConfig) error {
	if cfg.Server == nil {
		return nil
	}
	if cfg.Logger != nil {
		cfg.Logger.Info("shutting down HTTP server")
	}

	if cfg.Jobs != nil {
		cfg.Jobs.StopAllListeners()
	}

	shutdownCtx, cancel := context.WithTimeout(cfg.Context, 10*time.Second)
	defer cancel()

	if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("HTTP server stopped")
	}
	return nil
}
