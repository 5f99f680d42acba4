package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/asr-gateway/config"
	"github.com/target/asr-gateway/internal/domain/model"
	"github.com/target/asr-gateway/internal/store"
)

// fakeReaperStore embeds store.Store so it satisfies the interface while
// overriding only the three methods ReaperService actually calls.
type fakeReaperStore struct {
	store.Store

	requeueCalled int
	requeueCount  int64
	requeueErr    error

	deleteCalledByStatus map[model.Status]int
	deleteCount          int64
	deleteErr            error

	liveJobs []*model.Job
}

func newFakeReaperStore() *fakeReaperStore {
	return &fakeReaperStore{deleteCalledByStatus: map[model.Status]int{}}
}

func (f *fakeReaperStore) RequeueOrphans(context.Context) (int64, error) {
	f.requeueCalled++
	if f.requeueErr != nil {
		return 0, f.requeueErr
	}
	return f.requeueCount, nil
}

func (f *fakeReaperStore) DeleteOlderThan(_ context.Context, status model.Status, _ time.Time, _ int) (int64, error) {
	f.deleteCalledByStatus[status]++
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	// Only report the count on the first call per status so batch loops terminate.
	if f.deleteCalledByStatus[status] == 1 {
		return f.deleteCount, nil
	}
	return 0, nil
}

func (f *fakeReaperStore) Query(_ context.Context, filter model.ListFilter) ([]*model.Job, error) {
	if filter.Offset > 0 {
		return nil, nil
	}
	jobs := make([]*model.Job, 0, len(f.liveJobs))
	for _, j := range f.liveJobs {
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// fakeStagingReconciler stubs staging.Service.Reconcile without touching disk.
type fakeStagingReconciler struct {
	paths []string
	err   error
}

func (f *fakeStagingReconciler) Reconcile(_ context.Context, isLive func(path string) bool) error {
	if f.err != nil {
		return f.err
	}
	for _, p := range f.paths {
		isLive(p)
	}
	return nil
}

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:        5 * time.Minute,
		CompletedMaxAge: 7 * 24 * time.Hour,
		FailedMaxAge:    7 * 24 * time.Hour,
		BatchSize:       1000,
	}
}

func TestNewReaperService(t *testing.T) {
	t.Run("succeeds with a store", func(t *testing.T) {
		svc, err := NewReaperService(ReaperServiceOptions{
			Store:  newFakeReaperStore(),
			Config: testReaperConfig(),
		})
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("returns error when store is nil", func(t *testing.T) {
		_, err := NewReaperService(ReaperServiceOptions{
			Config: testReaperConfig(),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Store is required")
	})
}

func TestReaperServiceRunCleanup(t *testing.T) {
	t.Run("runs all cleanup operations successfully", func(t *testing.T) {
		st := newFakeReaperStore()
		st.requeueCount = 5
		st.deleteCount = 10

		svc := MustNewReaperService(ReaperServiceOptions{Store: st, Config: testReaperConfig()})

		err := svc.runCleanup(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, st.requeueCalled)
		assert.Equal(t, 2, st.deleteCalledByStatus[model.StatusCompleted])
		assert.Equal(t, 2, st.deleteCalledByStatus[model.StatusFailed])
	})

	t.Run("includes the staging sweep when configured", func(t *testing.T) {
		st := newFakeReaperStore()
		st.requeueCount = 1
		st.deleteCount = 1
		st.liveJobs = []*model.Job{{ID: 1, LocalPath: "/staging/live"}}
		staging := &fakeStagingReconciler{paths: []string{"/staging/live", "/staging/orphan"}}

		svc := MustNewReaperService(ReaperServiceOptions{Store: st, Staging: staging, Config: testReaperConfig()})

		err := svc.runCleanup(context.Background())

		require.NoError(t, err)
	})

	t.Run("continues on partial errors", func(t *testing.T) {
		st := newFakeReaperStore()
		st.requeueErr = errors.New("requeue failed")
		st.deleteCount = 10

		svc := MustNewReaperService(ReaperServiceOptions{Store: st, Config: testReaperConfig()})

		err := svc.runCleanup(context.Background())

		require.Error(t, err)
		assert.Equal(t, 1, st.requeueCalled)
		assert.Equal(t, 2, st.deleteCalledByStatus[model.StatusCompleted])
		assert.Equal(t, 2, st.deleteCalledByStatus[model.StatusFailed])
	})
}

func TestReaperServiceRun(t *testing.T) {
	t.Run("stops on context cancellation", func(t *testing.T) {
		st := newFakeReaperStore()
		cfg := testReaperConfig()
		cfg.Interval = 100 * time.Millisecond

		svc := MustNewReaperService(ReaperServiceOptions{Store: st, Config: cfg})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- svc.Run(ctx) }()

		time.Sleep(150 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not stop after context cancellation")
		}

		assert.GreaterOrEqual(t, st.requeueCalled, 1)
	})

	t.Run("continues running despite cleanup errors", func(t *testing.T) {
		st := newFakeReaperStore()
		st.requeueErr = errors.New("requeue failed")
		cfg := testReaperConfig()
		cfg.Interval = 50 * time.Millisecond

		svc := MustNewReaperService(ReaperServiceOptions{Store: st, Config: cfg})

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		err := svc.Run(ctx)

		require.Error(t, err)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.GreaterOrEqual(t, st.requeueCalled, 2)
	})
}

func TestReaperServiceRequeueOrphans(t *testing.T) {
	st := newFakeReaperStore()
	st.requeueCount = 3
	svc := MustNewReaperService(ReaperServiceOptions{Store: st, Config: testReaperConfig()})

	count, err := svc.requeueOrphans(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, 1, st.requeueCalled)
}

func TestReaperServiceDeleteOldCompletedJobs(t *testing.T) {
	st := newFakeReaperStore()
	st.deleteCount = 5
	svc := MustNewReaperService(ReaperServiceOptions{Store: st, Config: testReaperConfig()})

	count, err := svc.deleteOldCompletedJobs(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
	assert.Equal(t, 2, st.deleteCalledByStatus[model.StatusCompleted])
}

func TestReaperServiceReconcileStagingFiles(t *testing.T) {
	t.Run("skips entirely when staging is not configured", func(t *testing.T) {
		st := newFakeReaperStore()
		svc := MustNewReaperService(ReaperServiceOptions{Store: st, Config: testReaperConfig()})

		count, err := svc.reconcileStagingFiles(context.Background())

		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("only schedules deletion for paths with no owning job", func(t *testing.T) {
		st := newFakeReaperStore()
		st.liveJobs = []*model.Job{
			{ID: 1, LocalPath: "/staging/live-a"},
			{ID: 2, LocalPath: "/staging/live-b"},
		}
		staging := &fakeStagingReconciler{paths: []string{"/staging/live-a", "/staging/orphan-c", "/staging/orphan-d"}}
		svc := MustNewReaperService(ReaperServiceOptions{Store: st, Staging: staging, Config: testReaperConfig()})

		count, err := svc.reconcileStagingFiles(context.Background())

		require.NoError(t, err)
		assert.EqualValues(t, 2, count)
	})

	t.Run("propagates reconcile errors", func(t *testing.T) {
		st := newFakeReaperStore()
		staging := &fakeStagingReconciler{err: errors.New("read staging root: boom")}
		svc := MustNewReaperService(ReaperServiceOptions{Store: st, Staging: staging, Config: testReaperConfig()})

		_, err := svc.reconcileStagingFiles(context.Background())

		require.Error(t, err)
	})
}

func TestReaperServiceDeleteOldFailedJobs(t *testing.T) {
	st := newFakeReaperStore()
	st.deleteCount = 8
	svc := MustNewReaperService(ReaperServiceOptions{Store: st, Config: testReaperConfig()})

	count, err := svc.deleteOldFailedJobs(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(8), count)
	assert.Equal(t, 2, st.deleteCalledByStatus[model.StatusFailed])
}
