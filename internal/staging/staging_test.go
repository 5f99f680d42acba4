package staging

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	root := t.TempDir()
	svc, err := New(Config{Root: root}, nil, nil)
	require.NoError(t, err)
	return svc
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}

func TestStageUpload(t *testing.T) {
	svc := newTestService(t)

	path, n, err := svc.StageUpload(context.Background(), strings.NewReader("hello world"), "clip.mp3", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 11, n)
	assert.True(t, strings.HasSuffix(path, ".mp3"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestStageUploadRejectsOversizedFile(t *testing.T) {
	svc := newTestService(t)

	_, _, err := svc.StageUpload(context.Background(), strings.NewReader("0123456789"), "big.bin", 4)
	require.Error(t, err)

	entries, err := os.ReadDir(svc.cfg.Root)
	require.NoError(t, err)
	assert.Len(t, entries, 0, "oversized upload should be cleaned up")
}

func TestStageUploadNeverEscapesRoot(t *testing.T) {
	svc := newTestService(t)

	path, _, err := svc.StageUpload(context.Background(), strings.NewReader("x"), "../../../etc/passwd", 0)
	require.NoError(t, err)

	rootAbs, err := filepath.Abs(svc.cfg.Root)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, rootAbs+string(os.PathSeparator)))
}

func TestStageUploadRejectsDisallowedExtension(t *testing.T) {
	root := t.TempDir()
	svc, err := New(Config{Root: root, AllowedExtensions: []string{"mp3", "wav"}}, nil, nil)
	require.NoError(t, err)

	_, _, err = svc.StageUpload(context.Background(), strings.NewReader("x"), "payload.exe", 0)
	require.Error(t, err)
}

func TestStageUploadAllowsExtensionCaseInsensitivelyWithOrWithoutDot(t *testing.T) {
	root := t.TempDir()
	svc, err := New(Config{Root: root, AllowedExtensions: []string{".MP3", "wav"}}, nil, nil)
	require.NoError(t, err)

	_, _, err = svc.StageUpload(context.Background(), strings.NewReader("x"), "clip.Mp3", 0)
	require.NoError(t, err)
}

func TestStageUploadAllowsAnythingWhenAllowedExtensionsEmpty(t *testing.T) {
	svc := newTestService(t)
	_, _, err := svc.StageUpload(context.Background(), strings.NewReader("x"), "clip.anything", 0)
	require.NoError(t, err)
}

func TestStageURLRejectsDisallowedExtensionWithoutRequesting(t *testing.T) {
	requested := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = true
		_, _ = w.Write([]byte("data"))
	}))
	defer server.Close()

	root := t.TempDir()
	svc, err := New(Config{Root: root, AllowedExtensions: []string{"mp3"}}, nil, nil)
	require.NoError(t, err)

	_, _, err = svc.StageURL(context.Background(), server.URL+"/clip.exe")
	require.Error(t, err)
	assert.False(t, requested, "a disallowed extension must be rejected before any network call")
}

func TestDownloadOnceProbesRangeAndEnforcesSizeFromContentRange(t *testing.T) {
	var sawRangeHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng != "" {
			sawRangeHeader = rng
			w.Header().Set("Content-Range", "bytes 0-1023/999999999")
			w.Header().Set("Content-Type", "audio/mpeg")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write([]byte("partial"))
			return
		}
		_, _ = w.Write([]byte("full body"))
	}))
	defer server.Close()

	root := t.TempDir()
	svc, err := New(Config{Root: root, MaxFileSizeBytes: 1024}, nil, nil)
	require.NoError(t, err)

	_, _, err = svc.StageURL(context.Background(), server.URL+"/clip.mp3")
	require.Error(t, err)
	assert.Equal(t, "bytes=0-1023", sawRangeHeader)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestStageURLDownloadsAndStagesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote content"))
	}))
	defer server.Close()

	svc := newTestService(t)
	path, n, err := svc.StageURL(context.Background(), server.URL+"/clip.wav")
	require.NoError(t, err)
	assert.EqualValues(t, len("remote content"), n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "remote content", string(data))
}

func TestStageURLRetriesOnFailureThenSucceeds(t *testing.T) {
	// downloadOnce issues two requests per attempt (a Range preflight probe,
	// then the full GET), so a failing first attempt followed by a
	// succeeding second attempt totals three requests to the server.
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	root := t.TempDir()
	svc, err := New(Config{Root: root, DownloadMaxRetries: 3}, nil, nil)
	require.NoError(t, err)

	_, _, err = svc.StageURL(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, 3, requests)
}

func TestStageURLGivesUpAfterMaxRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	root := t.TempDir()
	svc, err := New(Config{Root: root, DownloadMaxRetries: 2}, nil, nil)
	require.NoError(t, err)

	_, _, err = svc.StageURL(context.Background(), server.URL)
	require.Error(t, err)
}

func TestScheduleDeleteRemovesFile(t *testing.T) {
	svc := newTestService(t)
	path, _, err := svc.StageUpload(context.Background(), bytes.NewReader([]byte("x")), "a.bin", 0)
	require.NoError(t, err)

	svc.ScheduleDelete(path)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %s to be removed", path)
}

func TestScheduleDeleteRefusesOutsideRoot(t *testing.T) {
	svc := newTestService(t)
	outside := filepath.Join(t.TempDir(), "outside.bin")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))

	svc.deleteWithRetry(outside)

	_, err := os.Stat(outside)
	require.NoError(t, err, "file outside root must survive")
}

func TestReconcileSchedulesDeleteForDeadJobs(t *testing.T) {
	svc := newTestService(t)
	livePath, _, err := svc.StageUpload(context.Background(), strings.NewReader("live"), "live.bin", 0)
	require.NoError(t, err)
	deadPath, _, err := svc.StageUpload(context.Background(), strings.NewReader("dead"), "dead.bin", 0)
	require.NoError(t, err)

	require.NoError(t, svc.Reconcile(context.Background(), func(path string) bool {
		return path == livePath
	}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(deadPath); os.IsNotExist(err) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, err = os.Stat(deadPath)
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(livePath)
	assert.NoError(t, err, "live job's file must not be reconciled away")
}
