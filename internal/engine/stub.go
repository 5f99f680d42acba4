// Package engine provides local-development bindings for processor.Engine.
// The real ASR backends (faster-whisper, openai-whisper) this gateway was
// distilled from run as separate GPU-resident Python processes; this
// package holds a process-local stand-in that exercises the C4 pipeline
// end to end without one. The Engine interface it satisfies is declared in
// internal/processor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/target/asr-gateway/internal/domain/model"
	"github.com/target/asr-gateway/internal/pool"
)

// ErrTransientDevice marks a Stub failure as retryable on a fresh worker.
var ErrTransientDevice = errors.New("transient device error")

// Stub is a processor.Engine that shells out to ffprobe to confirm the
// staged file is readable and returns a single placeholder segment (Start
// and End both 0) whose text reports the probed duration. It has no transcription model loaded; it exists so the
// scheduler, pool, and callback pipeline can be exercised without a real
// engine wired in, matching the boundary local development runs against.
type Stub struct {
	ffprobePath string
	timeout     time.Duration
}

// NewStub constructs a Stub. ffprobePath defaults to "ffprobe" on PATH.
func NewStub(ffprobePath string, timeout time.Duration) *Stub {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Stub{ffprobePath: ffprobePath, timeout: timeout}
}

// Infer verifies localPath decodes and returns a placeholder Result.
func (s *Stub) Infer(ctx context.Context, worker *pool.Worker, localPath string, taskType model.TaskType, opts model.DecodeOptions) (*model.Result, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.ffprobePath, "-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", localPath)
	out, err := cmd.Output()
	if err != nil {
		return nil, "", fmt.Errorf("%w: probe %s: %v", ErrTransientDevice, localPath, err)
	}

	language := "en"
	if opts.Language != nil && *opts.Language != "" {
		language = *opts.Language
	}

	text := fmt.Sprintf("[no inference engine bound; probed %s in %s mode]", strings.TrimSpace(string(out)), taskType)
	result := &model.Result{
		Text: text,
		Segments: []model.Segment{
			{ID: 0, Start: 0, End: 0, Text: text},
		},
	}
	return result, language, nil
}

// IsTransientDeviceError reports whether err was wrapped from a probe
// failure worth a single retry on a freshly checked-out worker.
func (s *Stub) IsTransientDeviceError(err error) bool {
	return errors.Is(err, ErrTransientDevice)
}
