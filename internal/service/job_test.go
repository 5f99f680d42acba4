package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/asr-gateway/internal/domain/model"
	"github.com/target/asr-gateway/internal/store"
)

// fakeJobStore is an in-memory store.Store used to exercise JobService
// without a database, embedding store.Store so it satisfies the interface
// while only implementing the methods JobService actually calls.
type fakeJobStore struct {
	store.Store

	jobs   map[int64]*model.Job
	nextID int64

	createErr      error
	claimErr       error
	claimJob       *model.Job
	heartbeatOK    bool
	heartbeatErr   error
	completeErr    error
	failErr        error
	statsResult    *model.JobStats
	statsErr       error
	waitCalled     int
	waitBlockUntil chan struct{}
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[int64]*model.Job{}}
}

func (f *fakeJobStore) Create(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	job := &model.Job{
		ID:         f.nextID,
		Status:     model.StatusQueued,
		Priority:   req.Priority,
		EngineName: req.EngineName,
		TaskType:   req.TaskType,
		Source:     req.Source,
		FileURL:    req.FileURL,
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobStore) Get(_ context.Context, id int64) (*model.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobStore) Query(_ context.Context, _ model.ListFilter) ([]*model.Job, error) {
	jobs := make([]*model.Job, 0, len(f.jobs))
	for _, job := range f.jobs {
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (f *fakeJobStore) Delete(_ context.Context, id int64) error {
	if _, ok := f.jobs[id]; !ok {
		return model.ErrNotFound
	}
	delete(f.jobs, id)
	return nil
}

func (f *fakeJobStore) ClaimNext(_ context.Context, _ string, _ time.Duration) (*model.Job, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if f.claimJob == nil {
		return nil, model.ErrNoJobsAvailable
	}
	return f.claimJob, nil
}

func (f *fakeJobStore) Heartbeat(_ context.Context, _ int64, _ time.Duration) (bool, error) {
	return f.heartbeatOK, f.heartbeatErr
}

func (f *fakeJobStore) MarkCompleted(_ context.Context, _ int64, _ *model.Result, _ string, _ time.Duration) error {
	return f.completeErr
}

func (f *fakeJobStore) MarkFailed(_ context.Context, _ int64, _ string, _ time.Duration) error {
	return f.failErr
}

func (f *fakeJobStore) Stats(_ context.Context, _ string) (*model.JobStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	if f.statsResult != nil {
		return f.statsResult, nil
	}
	return &model.JobStats{}, nil
}

func (f *fakeJobStore) WaitForNotification(ctx context.Context, _ string) error {
	f.waitCalled++
	if f.waitBlockUntil != nil {
		select {
		case <-f.waitBlockUntil:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

type fakePublisher struct {
	calls int
	err   error
	last  string
}

func (p *fakePublisher) Publish(_ context.Context, engineName string) error {
	p.calls++
	p.last = engineName
	return p.err
}

func newTestJobService(t *testing.T, st *fakeJobStore) *JobService {
	t.Helper()
	return MustNewJobService(JobServiceOptions{Store: st, DefaultLease: 30 * time.Second})
}

func TestNewJobService(t *testing.T) {
	t.Run("requires a store", func(t *testing.T) {
		_, err := NewJobService(JobServiceOptions{DefaultLease: time.Second})
		require.Error(t, err)
	})

	t.Run("requires a positive default lease without an explicit policy", func(t *testing.T) {
		_, err := NewJobService(JobServiceOptions{Store: newFakeJobStore()})
		require.Error(t, err)
	})

	t.Run("succeeds with store and lease", func(t *testing.T) {
		svc, err := NewJobService(JobServiceOptions{Store: newFakeJobStore(), DefaultLease: time.Second})
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})
}

func TestJobServiceCreate(t *testing.T) {
	t.Run("creates and returns the job", func(t *testing.T) {
		st := newFakeJobStore()
		svc := newTestJobService(t, st)

		job, err := svc.Create(context.Background(), &model.CreateJobRequest{
			TaskType: model.TaskTypeTranscribe,
			Source:   model.SourceRemoteURL,
			FileURL:  "https://example.com/a.mp3",
		})

		require.NoError(t, err)
		assert.Equal(t, model.StatusQueued, job.Status)
	})

	t.Run("publishes a wake signal for the job's engine", func(t *testing.T) {
		st := newFakeJobStore()
		pub := &fakePublisher{}
		svc := MustNewJobService(JobServiceOptions{Store: st, DefaultLease: time.Second, Publisher: pub})

		_, err := svc.Create(context.Background(), &model.CreateJobRequest{
			TaskType:   model.TaskTypeTranscribe,
			Source:     model.SourceRemoteURL,
			FileURL:    "https://example.com/a.mp3",
			EngineName: "whisper-large",
		})

		require.NoError(t, err)
		assert.Equal(t, 1, pub.calls)
		assert.Equal(t, "whisper-large", pub.last)
	})

	t.Run("does not fail create when publish errors", func(t *testing.T) {
		st := newFakeJobStore()
		pub := &fakePublisher{err: errors.New("redis unavailable")}
		svc := MustNewJobService(JobServiceOptions{Store: st, DefaultLease: time.Second, Publisher: pub})

		_, err := svc.Create(context.Background(), &model.CreateJobRequest{
			TaskType: model.TaskTypeTranscribe,
			Source:   model.SourceRemoteURL,
			FileURL:  "https://example.com/a.mp3",
		})

		require.NoError(t, err)
		assert.Equal(t, 1, pub.calls)
	})

	t.Run("wraps store errors", func(t *testing.T) {
		st := newFakeJobStore()
		st.createErr = errors.New("db down")
		svc := newTestJobService(t, st)

		_, err := svc.Create(context.Background(), &model.CreateJobRequest{TaskType: model.TaskTypeTranscribe, Source: model.SourceRemoteURL, FileURL: "x"})
		require.Error(t, err)
	})
}

func TestJobServiceGet(t *testing.T) {
	st := newFakeJobStore()
	svc := newTestJobService(t, st)

	created, err := svc.Create(context.Background(), &model.CreateJobRequest{TaskType: model.TaskTypeTranscribe, Source: model.SourceRemoteURL, FileURL: "x"})
	require.NoError(t, err)

	got, err := svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = svc.Get(context.Background(), 999)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestJobServiceQuery(t *testing.T) {
	st := newFakeJobStore()
	svc := newTestJobService(t, st)

	_, err := svc.Create(context.Background(), &model.CreateJobRequest{TaskType: model.TaskTypeTranscribe, Source: model.SourceRemoteURL, FileURL: "x"})
	require.NoError(t, err)

	jobs, err := svc.Query(context.Background(), model.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestJobServiceDelete(t *testing.T) {
	st := newFakeJobStore()
	svc := newTestJobService(t, st)

	created, err := svc.Create(context.Background(), &model.CreateJobRequest{TaskType: model.TaskTypeTranscribe, Source: model.SourceRemoteURL, FileURL: "x"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), created.ID))

	err = svc.Delete(context.Background(), created.ID)
	require.Error(t, err)
}

func TestJobServiceClaimNext(t *testing.T) {
	t.Run("returns claimed job", func(t *testing.T) {
		st := newFakeJobStore()
		st.claimJob = &model.Job{ID: 1, Status: model.StatusProcessing}
		svc := newTestJobService(t, st)

		job, err := svc.ClaimNext(context.Background(), "whisper", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), job.ID)
	})

	t.Run("returns ErrNoJobsAvailable when store has nothing", func(t *testing.T) {
		st := newFakeJobStore()
		svc := newTestJobService(t, st)

		_, err := svc.ClaimNext(context.Background(), "whisper", time.Minute)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})
}

func TestJobServiceHeartbeat(t *testing.T) {
	st := newFakeJobStore()
	st.heartbeatOK = true
	svc := newTestJobService(t, st)

	ok, err := svc.Heartbeat(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobServiceMarkCompleted(t *testing.T) {
	st := newFakeJobStore()
	svc := newTestJobService(t, st)

	err := svc.MarkCompleted(context.Background(), 1, &model.Result{Text: "hi"}, "en", time.Second)
	require.NoError(t, err)
}

func TestJobServiceMarkFailed(t *testing.T) {
	t.Run("requires an error message", func(t *testing.T) {
		st := newFakeJobStore()
		svc := newTestJobService(t, st)

		err := svc.MarkFailed(context.Background(), 1, "", time.Second)
		require.Error(t, err)
	})

	t.Run("stamps the failure", func(t *testing.T) {
		st := newFakeJobStore()
		svc := newTestJobService(t, st)

		err := svc.MarkFailed(context.Background(), 1, "device error", time.Second)
		require.NoError(t, err)
	})
}

func TestJobServiceStats(t *testing.T) {
	st := newFakeJobStore()
	st.statsResult = &model.JobStats{Queued: 2, Processing: 1}
	svc := newTestJobService(t, st)

	stats, err := svc.Stats(context.Background(), "whisper")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Queued)
}

func TestJobServiceSubscribe(t *testing.T) {
	st := newFakeJobStore()
	svc := newTestJobService(t, st)

	cancel, ch := svc.Subscribe("whisper")
	defer cancel()
	assert.NotNil(t, ch)

	svc.StopAllListeners()
}
