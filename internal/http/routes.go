package httpx

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/target/asr-gateway/internal/domain/model"
	"github.com/target/asr-gateway/internal/service"
)

// StagingService is the C2 collaborator the intake handlers use to persist
// uploaded or remote media locally before a job can be claimed.
type StagingService interface {
	// StageUpload copies r to local storage, enforcing maxBytes, and returns
	// the staged path and observed size.
	StageUpload(ctx context.Context, r io.Reader, filename string, maxBytes int64) (localPath string, size int64, err error)
	// ScheduleDelete arranges for path to be removed once its owning job reaches a terminal state.
	ScheduleDelete(path string)
}

// MediaService is the C7 collaborator used by the subtitle and audio-extraction endpoints.
type MediaService interface {
	// ExtractAudio transcodes srcPath to container (wav|mp3) at the given sample rate and bit depth.
	ExtractAudio(ctx context.Context, srcPath, container string, sampleRate, bitDepth int) ([]byte, error)
	// RenderSRT renders a completed job's result as SubRip text.
	RenderSRT(result *model.Result) (string, error)
	// RenderVTT renders a completed job's result as WebVTT text.
	RenderVTT(result *model.Result) (string, error)
}

// CrawlerService is the C6 collaborator used by the platform-mediated intake endpoint.
type CrawlerService interface {
	// Resolve turns a platform share URL into a directly downloadable media URL.
	Resolve(ctx context.Context, platform, shareURL string) (mediaURL string, err error)
}

// RouterServices holds all the collaborators needed by the HTTP router.
type RouterServices struct {
	Jobs     *service.JobService
	Staging  StagingService
	Media    MediaService
	Crawler  CrawlerService
	IsDev    bool
	Logger   *slog.Logger
	Pagination PaginationConfig
}

// PaginationConfig bounds GET /tasks list queries.
type PaginationConfig struct {
	DefaultLimit int
	MaxLimit     int
}

// NewRouter creates and configures the pure-JSON HTTP router for the job intake API.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	jobHandlers := &JobHandlers{
		Jobs:       services.Jobs,
		Staging:    services.Staging,
		Media:      services.Media,
		Crawler:    services.Crawler,
		Pagination: services.Pagination,
		Logger:     services.Logger,
	}

	mux.HandleFunc("POST /tasks", jobHandlers.CreateTask)
	mux.HandleFunc("GET /tasks/{id}", jobHandlers.GetTask)
	mux.HandleFunc("GET /tasks", jobHandlers.ListTasks)
	mux.HandleFunc("DELETE /tasks/{id}", jobHandlers.DeleteTask)
	mux.HandleFunc("GET /tasks/{id}/subtitle", jobHandlers.Subtitle)
	mux.HandleFunc("POST /audio/extract", jobHandlers.ExtractAudio)
	mux.HandleFunc("POST /platforms/{platform}/video_task", jobHandlers.PlatformVideoTask)

	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	return mux
}
