package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/asr-gateway/internal/domain/model"
	"github.com/target/asr-gateway/internal/service"
	"github.com/target/asr-gateway/internal/store"
)

// fakeJobStore is an in-memory store.Store used to exercise the handlers
// without a database. It embeds store.Store so it satisfies the interface
// while only implementing the methods handler tests actually reach.
type fakeJobStore struct {
	store.Store

	mu     sync.Mutex
	jobs   map[int64]*model.Job
	nextID int64
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[int64]*model.Job{}}
}

func (f *fakeJobStore) Create(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	job := &model.Job{
		ID:            f.nextID,
		Status:        model.StatusQueued,
		Priority:      req.Priority,
		EngineName:    req.EngineName,
		TaskType:      req.TaskType,
		Source:        req.Source,
		FileURL:       req.FileURL,
		LocalPath:     req.LocalPath,
		FileName:      req.FileName,
		FileSizeBytes: req.FileSizeBytes,
		Platform:      req.Platform,
		DecodeOptions: req.DecodeOptions,
		CallbackURL:   req.CallbackURL,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobStore) Get(_ context.Context, id int64) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobStore) Query(_ context.Context, _ model.ListFilter) ([]*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jobs := make([]*model.Job, 0, len(f.jobs))
	for _, job := range f.jobs {
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (f *fakeJobStore) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return model.ErrNotFound
	}
	delete(f.jobs, id)
	return nil
}

func (f *fakeJobStore) WaitForNotification(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestJobService(t *testing.T, st *fakeJobStore) *service.JobService {
	t.Helper()
	return service.MustNewJobService(service.JobServiceOptions{
		Store:        st,
		DefaultLease: 30 * time.Second,
	})
}

type fakeStaging struct {
	stageErr    error
	staged      []string
	deleted     []string
	localPath   string
	stagedBytes int64
}

func (f *fakeStaging) StageUpload(_ context.Context, r io.Reader, filename string, _ int64) (string, int64, error) {
	if f.stageErr != nil {
		return "", 0, f.stageErr
	}
	body, _ := io.ReadAll(r)
	f.staged = append(f.staged, filename)
	path := f.localPath
	if path == "" {
		path = "/tmp/staged/" + filename
	}
	return path, int64(len(body)), nil
}

func (f *fakeStaging) ScheduleDelete(path string) {
	f.deleted = append(f.deleted, path)
}

type fakeMedia struct {
	extractErr error
	audio      []byte
	srtErr     error
	vttErr     error
}

func (f *fakeMedia) ExtractAudio(_ context.Context, _, _ string, _, _ int) ([]byte, error) {
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	return f.audio, nil
}

func (f *fakeMedia) RenderSRT(_ *model.Result) (string, error) {
	if f.srtErr != nil {
		return "", f.srtErr
	}
	return "1\n00:00:00,000 --> 00:00:01,000\nhello\n\n", nil
}

func (f *fakeMedia) RenderVTT(_ *model.Result) (string, error) {
	if f.vttErr != nil {
		return "", f.vttErr
	}
	return "WEBVTT\n\n00:00:00.000 --> 00:00:01.000\nhello\n\n", nil
}

type fakeCrawler struct {
	mediaURL string
	err      error
}

func (f *fakeCrawler) Resolve(_ context.Context, _, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.mediaURL, nil
}

func TestCreateTask_JSONRemoteURL(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st)}

	body, err := json.Marshal(model.CreateJobRequest{
		TaskType: model.TaskTypeTranscribe,
		Source:   model.SourceRemoteURL,
		FileURL:  "https://example.com/audio.mp3",
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.CreateTask(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Equal(t, "https://example.com/audio.mp3", got.FileURL)
}

func TestCreateTask_ValidationFailure(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st)}

	body, err := json.Marshal(model.CreateJobRequest{TaskType: "bogus", Source: model.SourceRemoteURL, FileURL: "x"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.CreateTask(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateTask_MultipartUpload(t *testing.T) {
	st := newFakeJobStore()
	staging := &fakeStaging{}
	h := &JobHandlers{Jobs: newTestJobService(t, st), Staging: staging}

	var buf bytes.Buffer
	mw := multipartWriter(t, &buf, map[string]string{
		"task_type": "transcribe",
	}, "audio.wav", []byte("fake-audio-bytes"))

	r := httptest.NewRequest(http.MethodPost, "/tasks", &buf)
	r.Header.Set("Content-Type", mw)
	w := httptest.NewRecorder()

	h.CreateTask(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, model.SourceLocalPath, got.Source)
	assert.Len(t, staging.staged, 1)
}

func TestCreateTask_MultipartUploadWithDecodeOptions(t *testing.T) {
	st := newFakeJobStore()
	staging := &fakeStaging{}
	h := &JobHandlers{Jobs: newTestJobService(t, st), Staging: staging}

	var buf bytes.Buffer
	mw := multipartWriter(t, &buf, map[string]string{
		"task_type":      "transcribe",
		"priority":       "normal",
		"decode_options": `{"temperature":[0.8,1.0],"language":"en"}`,
	}, "clip.mp4", []byte("fake-video-bytes"))

	r := httptest.NewRequest(http.MethodPost, "/tasks", &buf)
	r.Header.Set("Content-Type", mw)
	w := httptest.NewRecorder()

	h.CreateTask(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, []float64{0.8, 1.0}, got.DecodeOptions.Temperature)
	require.NotNil(t, got.DecodeOptions.Language)
	assert.Equal(t, "en", *got.DecodeOptions.Language)
}

func TestCreateTask_MultipartInvalidDecodeOptions(t *testing.T) {
	st := newFakeJobStore()
	staging := &fakeStaging{}
	h := &JobHandlers{Jobs: newTestJobService(t, st), Staging: staging}

	var buf bytes.Buffer
	mw := multipartWriter(t, &buf, map[string]string{
		"task_type":      "transcribe",
		"decode_options": `not-json`,
	}, "clip.mp4", []byte("fake-video-bytes"))

	r := httptest.NewRequest(http.MethodPost, "/tasks", &buf)
	r.Header.Set("Content-Type", mw)
	w := httptest.NewRecorder()

	h.CreateTask(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateTask_MultipartDecodeOptionsRejectsUnknownFields(t *testing.T) {
	st := newFakeJobStore()
	staging := &fakeStaging{}
	h := &JobHandlers{Jobs: newTestJobService(t, st), Staging: staging}

	var buf bytes.Buffer
	mw := multipartWriter(t, &buf, map[string]string{
		"task_type":      "transcribe",
		"decode_options": `{"temperature":[0.5],"not_a_real_field":true}`,
	}, "clip.mp4", []byte("fake-video-bytes"))

	r := httptest.NewRequest(http.MethodPost, "/tasks", &buf)
	r.Header.Set("Content-Type", mw)
	w := httptest.NewRecorder()

	h.CreateTask(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateTask_SetsLocationHeaderAndPollURL(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st)}

	body, err := json.Marshal(model.CreateJobRequest{
		TaskType: model.TaskTypeTranscribe,
		Source:   model.SourceRemoteURL,
		FileURL:  "https://example.com/audio.mp3",
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.CreateTask(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, fmt.Sprintf("/tasks/%d", got.ID), resp.Header.Get("Location"))
}

func TestCreateTask_MultipartWithoutStaging(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st)}

	var buf bytes.Buffer
	mw := multipartWriter(t, &buf, map[string]string{"task_type": "transcribe"}, "audio.wav", []byte("data"))

	r := httptest.NewRequest(http.MethodPost, "/tasks", &buf)
	r.Header.Set("Content-Type", mw)
	w := httptest.NewRecorder()

	h.CreateTask(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTask_NotFound(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st)}

	r := httptest.NewRequest(http.MethodGet, "/tasks/9", nil)
	r.SetPathValue("id", "9")
	w := httptest.NewRecorder()

	h.GetTask(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTask_InvalidID(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st)}

	r := httptest.NewRequest(http.MethodGet, "/tasks/not-a-number", nil)
	r.SetPathValue("id", "not-a-number")
	w := httptest.NewRecorder()

	h.GetTask(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTask_Success(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st)}

	created, err := st.Create(context.Background(), &model.CreateJobRequest{
		TaskType: model.TaskTypeTranscribe,
		Source:   model.SourceRemoteURL,
		FileURL:  "https://example.com/a.mp3",
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/tasks/%d", created.ID), nil)
	r.SetPathValue("id", fmt.Sprintf("%d", created.ID))
	w := httptest.NewRecorder()

	h.GetTask(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var got model.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.ID)
}

func TestListTasks_Success(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st), Pagination: PaginationConfig{DefaultLimit: 50, MaxLimit: 200}}

	_, err := st.Create(context.Background(), &model.CreateJobRequest{TaskType: model.TaskTypeTranscribe, Source: model.SourceRemoteURL, FileURL: "https://x"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	w := httptest.NewRecorder()

	h.ListTasks(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var got []*model.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Len(t, got, 1)
}

func TestListTasks_JMESPathFilter(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st), Pagination: PaginationConfig{DefaultLimit: 50, MaxLimit: 200}}

	_, err := st.Create(context.Background(), &model.CreateJobRequest{TaskType: model.TaskTypeTranscribe, Source: model.SourceRemoteURL, FileURL: "https://x", Platform: "tiktok"})
	require.NoError(t, err)
	_, err = st.Create(context.Background(), &model.CreateJobRequest{TaskType: model.TaskTypeTranscribe, Source: model.SourceRemoteURL, FileURL: "https://y", Platform: "douyin"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/tasks?filter=platform=='tiktok'", nil)
	w := httptest.NewRecorder()

	h.ListTasks(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var got []*model.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "tiktok", got[0].Platform)
}

func TestListTasks_InvalidJMESPathFilter(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st)}

	r := httptest.NewRequest(http.MethodGet, "/tasks?filter=(((", nil)
	w := httptest.NewRecorder()

	h.ListTasks(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTasks_InvalidCreatedAfter(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st)}

	r := httptest.NewRequest(http.MethodGet, "/tasks?created_after=not-a-date", nil)
	w := httptest.NewRecorder()

	h.ListTasks(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteTask_Success(t *testing.T) {
	st := newFakeJobStore()
	staging := &fakeStaging{}
	h := &JobHandlers{Jobs: newTestJobService(t, st), Staging: staging}

	created, err := st.Create(context.Background(), &model.CreateJobRequest{
		TaskType: model.TaskTypeTranscribe, Source: model.SourceLocalPath, LocalPath: "/tmp/x.wav",
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/tasks/%d", created.ID), nil)
	r.SetPathValue("id", fmt.Sprintf("%d", created.ID))
	w := httptest.NewRecorder()

	h.DeleteTask(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, staging.deleted, "/tmp/x.wav")
}

func TestDeleteTask_NotFound(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st)}

	r := httptest.NewRequest(http.MethodDelete, "/tasks/42", nil)
	r.SetPathValue("id", "42")
	w := httptest.NewRecorder()

	h.DeleteTask(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubtitle_JobNotCompleted(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st), Media: &fakeMedia{}}

	created, err := st.Create(context.Background(), &model.CreateJobRequest{
		TaskType: model.TaskTypeTranscribe, Source: model.SourceRemoteURL, FileURL: "https://x",
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/tasks/%d/subtitle?format=srt", created.ID), nil)
	r.SetPathValue("id", fmt.Sprintf("%d", created.ID))
	w := httptest.NewRecorder()

	h.Subtitle(w, r)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSubtitle_SRT(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st), Media: &fakeMedia{}}

	created, err := st.Create(context.Background(), &model.CreateJobRequest{
		TaskType: model.TaskTypeTranscribe, Source: model.SourceRemoteURL, FileURL: "https://x",
	})
	require.NoError(t, err)

	st.mu.Lock()
	st.jobs[created.ID].Status = model.StatusCompleted
	st.jobs[created.ID].Result = &model.Result{Text: "hello"}
	st.mu.Unlock()

	r := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/tasks/%d/subtitle?format=srt", created.ID), nil)
	r.SetPathValue("id", fmt.Sprintf("%d", created.ID))
	w := httptest.NewRecorder()

	h.Subtitle(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/x-subrip")
	assert.Contains(t, w.Body.String(), "hello")
}

func TestSubtitle_InvalidFormat(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st), Media: &fakeMedia{}}

	created, err := st.Create(context.Background(), &model.CreateJobRequest{
		TaskType: model.TaskTypeTranscribe, Source: model.SourceRemoteURL, FileURL: "https://x",
	})
	require.NoError(t, err)
	st.mu.Lock()
	st.jobs[created.ID].Status = model.StatusCompleted
	st.jobs[created.ID].Result = &model.Result{Text: "hello"}
	st.mu.Unlock()

	r := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/tasks/%d/subtitle?format=xml", created.ID), nil)
	r.SetPathValue("id", fmt.Sprintf("%d", created.ID))
	w := httptest.NewRecorder()

	h.Subtitle(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExtractAudio_Success(t *testing.T) {
	st := newFakeJobStore()
	staging := &fakeStaging{}
	media := &fakeMedia{audio: []byte("wav-bytes")}
	h := &JobHandlers{Jobs: newTestJobService(t, st), Staging: staging, Media: media}

	var buf bytes.Buffer
	mw := multipartWriter(t, &buf, map[string]string{"container": "wav"}, "video.mp4", []byte("video-bytes"))

	r := httptest.NewRequest(http.MethodPost, "/audio/extract", &buf)
	r.Header.Set("Content-Type", mw)
	w := httptest.NewRecorder()

	h.ExtractAudio(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "wav-bytes", w.Body.String())
	assert.Len(t, staging.deleted, 1)
}

func TestExtractAudio_InvalidContainer(t *testing.T) {
	st := newFakeJobStore()
	staging := &fakeStaging{}
	media := &fakeMedia{}
	h := &JobHandlers{Jobs: newTestJobService(t, st), Staging: staging, Media: media}

	var buf bytes.Buffer
	mw := multipartWriter(t, &buf, map[string]string{"container": "flac"}, "video.mp4", []byte("video-bytes"))

	r := httptest.NewRequest(http.MethodPost, "/audio/extract", &buf)
	r.Header.Set("Content-Type", mw)
	w := httptest.NewRecorder()

	h.ExtractAudio(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlatformVideoTask_Success(t *testing.T) {
	st := newFakeJobStore()
	crawler := &fakeCrawler{mediaURL: "https://cdn.example.com/video.mp4"}
	h := &JobHandlers{Jobs: newTestJobService(t, st), Crawler: crawler}

	body, err := json.Marshal(map[string]any{
		"url":       "https://tiktok.com/@user/video/123",
		"task_type": "transcribe",
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/platforms/tiktok/video_task", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.SetPathValue("platform", "tiktok")
	w := httptest.NewRecorder()

	h.PlatformVideoTask(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var got model.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "https://cdn.example.com/video.mp4", got.FileURL)
	assert.Equal(t, "tiktok", got.Platform)
	assert.Equal(t, fmt.Sprintf("/tasks/%d", got.ID), w.Header().Get("Location"))
}

func TestPlatformVideoTask_UnsupportedPlatform(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st)}

	r := httptest.NewRequest(http.MethodPost, "/platforms/youtube/video_task", nil)
	r.SetPathValue("platform", "youtube")
	w := httptest.NewRecorder()

	h.PlatformVideoTask(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlatformVideoTask_MissingURL(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st), Crawler: &fakeCrawler{}}

	body, err := json.Marshal(map[string]any{"task_type": "transcribe"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/platforms/tiktok/video_task", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.SetPathValue("platform", "tiktok")
	w := httptest.NewRecorder()

	h.PlatformVideoTask(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlatformVideoTask_ResolveFailure(t *testing.T) {
	st := newFakeJobStore()
	h := &JobHandlers{Jobs: newTestJobService(t, st), Crawler: &fakeCrawler{err: errors.New("resolve boom")}}

	body, err := json.Marshal(map[string]any{"url": "https://tiktok.com/x", "task_type": "transcribe"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/platforms/tiktok/video_task", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.SetPathValue("platform", "tiktok")
	w := httptest.NewRecorder()

	h.PlatformVideoTask(w, r)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

// multipartWriter builds a multipart/form-data body with the given text
// fields plus a single file field named "file", returning the Content-Type
// header value to set on the request.
func multipartWriter(t *testing.T, buf *bytes.Buffer, fields map[string]string, filename string, content []byte) string {
	t.Helper()
	boundary := "test-boundary-xyz"
	buf.Reset()
	for k, v := range fields {
		fmt.Fprintf(buf, "--%s\r\nContent-Disposition: form-data; name=%q\r\n\r\n%s\r\n", boundary, k, v)
	}
	fmt.Fprintf(buf, "--%s\r\nContent-Disposition: form-data; name=\"file\"; filename=%q\r\nContent-Type: application/octet-stream\r\n\r\n", boundary, filename)
	buf.Write(content)
	fmt.Fprintf(buf, "\r\n--%s--\r\n", boundary)
	return "multipart/form-data; boundary=" + boundary
}
