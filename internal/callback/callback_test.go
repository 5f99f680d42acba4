package callback

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/asr-gateway/internal/domain/model"
	"github.com/target/asr-gateway/internal/store"
)

type fakeCallbackStore struct {
	store.Store

	mu      sync.Mutex
	records []recordedCallback
	done    chan struct{}
}

type recordedCallback struct {
	jobID      int64
	statusCode int
	message    string
}

func newFakeCallbackStore() *fakeCallbackStore {
	return &fakeCallbackStore{done: make(chan struct{}, 16)}
}

func (f *fakeCallbackStore) RecordCallback(_ context.Context, id int64, statusCode int, message string, _ time.Time) error {
	f.mu.Lock()
	f.records = append(f.records, recordedCallback{jobID: id, statusCode: statusCode, message: message})
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeCallbackStore) waitForRecord(t *testing.T) recordedCallback {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback record")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[len(f.records)-1]
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestEnqueueSkipsJobsWithoutCallbackURL(t *testing.T) {
	st := newFakeCallbackStore()
	d, err := New(Config{}, st, nil, nil, nil)
	require.NoError(t, err)

	d.Enqueue(&model.Job{ID: 1})
	select {
	case <-st.done:
		t.Fatal("expected no delivery for a job without a callback url")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherDeliversSuccessfully(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	st := newFakeCallbackStore()
	d, err := New(Config{Workers: 1}, st, server.Client(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	d.Enqueue(&model.Job{ID: 42, CallbackURL: server.URL, Status: model.StatusCompleted})

	rec := st.waitForRecord(t)
	assert.Equal(t, int64(42), rec.jobID)
	assert.Equal(t, http.StatusOK, rec.statusCode)
	assert.Empty(t, rec.message)
}

func TestDispatcherRetriesOnFailureThenGivesUp(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	st := newFakeCallbackStore()
	d, err := New(Config{Workers: 1, MaxAttempts: 2, RetryBaseBackoff: 10 * time.Millisecond}, st, server.Client(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	d.Enqueue(&model.Job{ID: 7, CallbackURL: server.URL, Status: model.StatusFailed})

	st.waitForRecord(t)
	st.waitForRecord(t)

	mu.Lock()
	got := attempts
	mu.Unlock()
	assert.Equal(t, 2, got)
}

func TestDispatcherDoesNotRetry4xxResponses(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	st := newFakeCallbackStore()
	d, err := New(Config{Workers: 1, MaxAttempts: 5, RetryBaseBackoff: 10 * time.Millisecond}, st, server.Client(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	d.Enqueue(&model.Job{ID: 9, CallbackURL: server.URL, Status: model.StatusFailed})

	rec := st.waitForRecord(t)
	assert.Equal(t, http.StatusBadRequest, rec.statusCode)

	select {
	case <-st.done:
		t.Fatal("a 4xx response must not be retried")
	case <-time.After(100 * time.Millisecond):
	}

	mu.Lock()
	got := attempts
	mu.Unlock()
	assert.Equal(t, 1, got)
}

func TestDispatcherRecordsMinusOneOnTransportFailure(t *testing.T) {
	st := newFakeCallbackStore()
	d, err := New(Config{Workers: 1, MaxAttempts: 1}, st, http.DefaultClient, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	// No listener on this port: client.Do never gets a response at all.
	d.Enqueue(&model.Job{ID: 11, CallbackURL: "http://127.0.0.1:1/unreachable", Status: model.StatusFailed})

	rec := st.waitForRecord(t)
	assert.Equal(t, -1, rec.statusCode)
}

func TestRetryableClassifiesStatusCodes(t *testing.T) {
	assert.True(t, retryable(errors.New("transport failure")))
	assert.True(t, retryable(&statusError{statusCode: http.StatusInternalServerError}))
	assert.True(t, retryable(&statusError{statusCode: http.StatusServiceUnavailable}))
	assert.False(t, retryable(&statusError{statusCode: http.StatusBadRequest}))
	assert.False(t, retryable(&statusError{statusCode: http.StatusNotFound}))
}

func TestBackoffForGrowsExponentiallyAndCaps(t *testing.T) {
	d, err := New(Config{RetryBaseBackoff: time.Second, RetryMaxBackoff: 5 * time.Second}, newFakeCallbackStore(), nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, time.Second, d.backoffFor(2))
	assert.Equal(t, 2*time.Second, d.backoffFor(3))
	assert.Equal(t, 4*time.Second, d.backoffFor(4))
	assert.Equal(t, 5*time.Second, d.backoffFor(5), "backoff must cap at RetryMaxBackoff")
}

func TestDispatcherStopsOnContextDone(t *testing.T) {
	st := newFakeCallbackStore()
	d, err := New(Config{Workers: 2}, st, nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
