// Package httpx provides HTTP handlers and utilities for the ASR gateway job intake API.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	apperrors "github.com/target/asr-gateway/internal/errors"

	"github.com/target/asr-gateway/internal/domain/model"
	"github.com/target/asr-gateway/internal/service"
)

// maxMultipartMemory bounds the portion of a multipart upload buffered in memory
// before the remainder spills to a temp file; the staged copy itself is bounded
// separately by StagingService.StageUpload's maxBytes argument.
const maxMultipartMemory = 32 << 20 // 32MiB

// JobHandlers provides HTTP handlers for the seven job intake endpoints.
type JobHandlers struct {
	Jobs       *service.JobService
	Staging    StagingService
	Media      MediaService
	Crawler    CrawlerService
	Pagination PaginationConfig
	Logger     *slog.Logger
}

// CreateTask handles POST /tasks: create a transcription/translation job from
// either a multipart upload or a JSON body naming a remote file_url.
func (h *JobHandlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	var req model.CreateJobRequest
	var err error

	if strings.HasPrefix(contentType, "multipart/form-data") {
		req, err = h.buildUploadRequest(r)
		if err != nil {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_request", Err: err})
			return
		}
	} else if !DecodeJSON(w, r, &req) {
		return
	}

	if valErr := req.Validate(); valErr != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "validation", Err: valErr})
		return
	}

	job, err := h.Jobs.Create(r.Context(), &req)
	if err != nil {
		if req.LocalPath != "" && h.Staging != nil {
			h.Staging.ScheduleDelete(req.LocalPath)
		}
		writeJobServiceError(w, "create_failed", err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/tasks/%d", job.ID))
	WriteJSON(w, http.StatusOK, job)
}

func (h *JobHandlers) buildUploadRequest(r *http.Request) (model.CreateJobRequest, error) {
	var req model.CreateJobRequest

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return req, fmt.Errorf("parse multipart form: %w", err)
	}

	req.TaskType = model.TaskType(r.FormValue("task_type"))
	req.Priority = model.Priority(r.FormValue("priority"))
	req.EngineName = r.FormValue("engine_name")
	req.Platform = r.FormValue("platform")
	req.CallbackURL = r.FormValue("callback_url")

	if raw := r.FormValue("decode_options"); raw != "" {
		if err := decodeStrict(strings.NewReader(raw), &req.DecodeOptions); err != nil {
			return req, fmt.Errorf("parse decode_options: %w", err)
		}
	}

	if fileURL := r.FormValue("file_url"); fileURL != "" {
		req.Source = model.SourceRemoteURL
		req.FileURL = fileURL
		return req, nil
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return req, fmt.Errorf("read uploaded file: %w", err)
	}
	defer file.Close()

	if h.Staging == nil {
		return req, errors.New("file staging is not configured")
	}

	localPath, size, err := h.Staging.StageUpload(r.Context(), file, header.Filename, header.Size)
	if err != nil {
		return req, fmt.Errorf("stage upload: %w", err)
	}

	req.Source = model.SourceLocalPath
	req.LocalPath = localPath
	req.FileName = header.Filename
	req.FileSizeBytes = size
	return req, nil
}

// GetTask handles GET /tasks/{id}.
func (h *JobHandlers) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.Jobs.Get(r.Context(), id)
	if err != nil {
		writeJobServiceError(w, "get_failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// ListTasks handles GET /tasks?status=&priority=&engine_name=&language=&created_after=&created_before=&limit=&offset=.
func (h *JobHandlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	defLimit, maxLimit := h.Pagination.DefaultLimit, h.Pagination.MaxLimit
	if defLimit <= 0 {
		defLimit = 50
	}
	if maxLimit <= 0 {
		maxLimit = 200
	}
	limit, offset := ParseLimitOffset(r, defLimit, maxLimit)

	filter := model.ListFilter{
		EngineName: r.URL.Query().Get("engine_name"),
		Language:   r.URL.Query().Get("language"),
		Limit:      limit,
		Offset:     offset,
	}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = model.Status(v)
	}
	if v := r.URL.Query().Get("priority"); v != "" {
		filter.Priority = model.Priority(v)
	}
	if v := r.URL.Query().Get("created_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_created_after", Err: err})
			return
		}
		filter.CreatedAfter = &t
	}
	if v := r.URL.Query().Get("created_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_created_before", Err: err})
			return
		}
		filter.CreatedBefore = &t
	}

	jobs, err := h.Jobs.Query(r.Context(), filter)
	if err != nil {
		writeJobServiceError(w, "list_failed", err)
		return
	}

	if expr := r.URL.Query().Get("filter"); expr != "" {
		jobs, err = filterJobsByJMESPath(jobs, expr)
		if err != nil {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_filter", Err: err})
			return
		}
	}

	WriteJSON(w, http.StatusOK, jobs)
}

// filterJobsByJMESPath narrows jobs to those for which expr evaluates truthy
// against the job's JSON representation, letting callers query nested fields
// like decode_options.language or result.segments without a bespoke DSL.
func filterJobsByJMESPath(jobs []*model.Job, expr string) ([]*model.Job, error) {
	if _, err := jmespath.Compile(expr); err != nil {
		return nil, fmt.Errorf("compile filter expression: %w", err)
	}

	kept := make([]*model.Job, 0, len(jobs))
	for _, job := range jobs {
		raw, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("marshal job %d for filtering: %w", job.ID, err)
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode job %d for filtering: %w", job.ID, err)
		}
		result, err := jmespath.Search(expr, doc)
		if err != nil {
			return nil, fmt.Errorf("evaluate filter expression: %w", err)
		}
		if jmespathTruthy(result) {
			kept = append(kept, job)
		}
	}
	return kept, nil
}

// jmespathTruthy mirrors JMESPath's own truthiness rules: false, nil, empty
// strings/arrays/objects, and the number zero are all falsy.
func jmespathTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// DeleteTask handles DELETE /tasks/{id}.
func (h *JobHandlers) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.Jobs.Get(r.Context(), id)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		writeJobServiceError(w, "delete_failed", err)
		return
	}

	if err := h.Jobs.Delete(r.Context(), id); err != nil {
		writeJobServiceError(w, "delete_failed", err)
		return
	}

	if job != nil && job.LocalPath != "" && h.Staging != nil {
		h.Staging.ScheduleDelete(job.LocalPath)
	}

	w.WriteHeader(http.StatusNoContent)
}

// Subtitle handles GET /tasks/{id}/subtitle?format=srt|vtt.
func (h *JobHandlers) Subtitle(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.Jobs.Get(r.Context(), id)
	if err != nil {
		writeJobServiceError(w, "get_failed", err)
		return
	}
	if job.Status != model.StatusCompleted || job.Result == nil {
		WriteError(w, ErrorParams{
			Code:    http.StatusConflict,
			ErrCode: "job_not_completed",
			Err:     fmt.Errorf("job %d is not completed", id),
		})
		return
	}

	format := r.URL.Query().Get("format")
	if h.Media == nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "media_unavailable", Err: errors.New("media service is not configured")})
		return
	}

	var body string
	var renderErr error
	var contentType string
	switch format {
	case "srt":
		body, renderErr = h.Media.RenderSRT(job.Result)
		contentType = "application/x-subrip"
	case "vtt":
		body, renderErr = h.Media.RenderVTT(job.Result)
		contentType = "text/vtt"
	default:
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_format", Err: errors.New("format must be srt or vtt")})
		return
	}
	if renderErr != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "render_failed", Err: renderErr})
		return
	}

	w.Header().Set("Content-Type", contentType+"; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, body); err != nil {
		return
	}
}

// ExtractAudio handles POST /audio/extract: upload a video and receive extracted audio bytes.
func (h *JobHandlers) ExtractAudio(w http.ResponseWriter, r *http.Request) {
	if h.Staging == nil || h.Media == nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "media_unavailable", Err: errors.New("media pipeline is not configured")})
		return
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_request", Err: err})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_request", Err: fmt.Errorf("read uploaded file: %w", err)})
		return
	}
	defer file.Close()

	container := r.FormValue("container")
	if container == "" {
		container = "wav"
	}
	if container != "wav" && container != "mp3" {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_container", Err: errors.New("container must be wav or mp3")})
		return
	}
	sampleRate := formInt(r, "sample_rate", 16000)
	bitDepth := formInt(r, "bit_depth", 16)

	localPath, _, err := h.Staging.StageUpload(r.Context(), file, header.Filename, header.Size)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "stage_failed", Err: err})
		return
	}
	defer h.Staging.ScheduleDelete(localPath)

	audio, err := h.Media.ExtractAudio(r.Context(), localPath, container, sampleRate, bitDepth)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "extract_failed", Err: err})
		return
	}

	contentType := "audio/wav"
	if container == "mp3" {
		contentType = "audio/mpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio); err != nil {
		return
	}
}

// platformVideoTaskRequest is the body accepted by POST /platforms/{platform}/video_task.
type platformVideoTaskRequest struct {
	URL           string               `json:"url"`
	TaskType      model.TaskType       `json:"task_type"`
	Priority      model.Priority       `json:"priority,omitempty"`
	EngineName    string               `json:"engine_name,omitempty"`
	CallbackURL   string               `json:"callback_url,omitempty"`
	DecodeOptions model.DecodeOptions  `json:"decode_options,omitempty"`
}

// PlatformVideoTask handles POST /platforms/{platform}/video_task: resolve a
// short-video share URL through the platform crawler, then enqueue a job
// against the resolved direct media URL.
func (h *JobHandlers) PlatformVideoTask(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	if platform != "tiktok" && platform != "douyin" {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_platform", Err: fmt.Errorf("unsupported platform %q", platform)})
		return
	}
	if h.Crawler == nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "crawler_unavailable", Err: errors.New("crawler is not configured")})
		return
	}

	var body platformVideoTaskRequest
	if !DecodeJSON(w, r, &body) {
		return
	}
	if body.URL == "" {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "validation", Err: errors.New("url is required")})
		return
	}

	mediaURL, err := h.Crawler.Resolve(r.Context(), platform, body.URL)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadGateway, ErrCode: "resolve_failed", Err: err})
		return
	}

	req := model.CreateJobRequest{
		Priority:      body.Priority,
		EngineName:    body.EngineName,
		TaskType:      body.TaskType,
		Source:        model.SourceRemoteURL,
		FileURL:       mediaURL,
		Platform:      platform,
		DecodeOptions: body.DecodeOptions,
		CallbackURL:   body.CallbackURL,
	}
	if err := req.Validate(); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "validation", Err: err})
		return
	}

	job, err := h.Jobs.Create(r.Context(), &req)
	if err != nil {
		writeJobServiceError(w, "create_failed", err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/tasks/%d", job.ID))
	WriteJSON(w, http.StatusOK, job)
}

func parseJobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_id", Err: fmt.Errorf("invalid job id %q", raw)})
		return 0, false
	}
	return id, true
}

func formInt(r *http.Request, key string, def int) int {
	v := r.FormValue(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// writeJobServiceError maps store/service errors to HTTP status codes.
func writeJobServiceError(w http.ResponseWriter, errCode string, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: err})
	case errors.Is(err, model.ErrIllegalTransition):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "illegal_transition", Err: err})
	case errors.Is(err, model.ErrNoJobsAvailable):
		WriteError(w, ErrorParams{Code: http.StatusNoContent, ErrCode: "no_jobs_available", Err: err})
	case apperrors.IsValidation(err):
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "validation", Err: err})
	case apperrors.IsConflict(err):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "conflict", Err: err})
	case isValidationError(err):
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: errCode, Err: err})
	default:
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: errCode, Err: err})
	}
}
