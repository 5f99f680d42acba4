// Package media implements C7: probing media duration, extracting audio
// from a staged video file, and rendering a completed job's transcription
// result as SRT or VTT subtitle text.
//
// Duration probing and audio extraction shell out to ffprobe/ffmpeg, the
// same tooling the original service wraps; subtitle rendering is pure
// stdlib text formatting, since no third-party library in the retrieval
// pack offers a subtitle writer (see DESIGN.md).
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/target/asr-gateway/internal/domain/model"
)

// Prober shells out to ffprobe to determine a media file's duration.
type Prober struct {
	FFProbePath string
	Timeout     time.Duration
}

// NewProber constructs a Prober, defaulting to "ffprobe" on PATH.
func NewProber(ffprobePath string, timeout time.Duration) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{FFProbePath: ffprobePath, Timeout: timeout}
}

// ProbeDuration returns the duration, in seconds, of the media file at path.
func (p *Prober) ProbeDuration(path string) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.FFProbePath, //nolint:gosec // path is validated by the staging layer before reaching here
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration output: %w", err)
	}
	return seconds, nil
}

// Extractor shells out to ffmpeg to transcode a staged video's audio track.
type Extractor struct {
	FFMpegPath string
	Timeout    time.Duration
}

// NewExtractor constructs an Extractor, defaulting to "ffmpeg" on PATH.
func NewExtractor(ffmpegPath string, timeout time.Duration) *Extractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Extractor{FFMpegPath: ffmpegPath, Timeout: timeout}
}

// ExtractAudio transcodes srcPath's audio track to container ("wav" or
// "mp3") at the requested sample rate and bit depth, returning the encoded
// bytes.
func (e *Extractor) ExtractAudio(ctx context.Context, srcPath, container string, sampleRate, bitDepth int) ([]byte, error) {
	if container != "wav" && container != "mp3" {
		return nil, fmt.Errorf("unsupported container %q", container)
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	tmpOut, err := os.CreateTemp("", "asr-extract-*."+container)
	if err != nil {
		return nil, fmt.Errorf("create temp output: %w", err)
	}
	outPath := tmpOut.Name()
	tmpOut.Close()
	defer os.Remove(outPath)

	cctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	args := []string{"-y", "-i", srcPath, "-vn", "-ar", strconv.Itoa(sampleRate)}
	if container == "wav" {
		codec := pcmCodecForBitDepth(bitDepth)
		args = append(args, "-acodec", codec)
	} else {
		args = append(args, "-acodec", "libmp3lame")
	}
	args = append(args, outPath)

	cmd := exec.CommandContext(cctx, e.FFMpegPath, args...) //nolint:gosec // srcPath is a staged, validated path
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg extract audio: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	data, err := os.ReadFile(outPath) //nolint:gosec // outPath is a tempfile created above
	if err != nil {
		return nil, fmt.Errorf("read extracted audio: %w", err)
	}
	return data, nil
}

func pcmCodecForBitDepth(bitDepth int) string {
	switch bitDepth {
	case 8:
		return "pcm_u8"
	case 24:
		return "pcm_s24le"
	case 32:
		return "pcm_s32le"
	default:
		return "pcm_s16le"
	}
}

// Renderer converts a job's Result into subtitle text.
type Renderer struct{}

// NewRenderer constructs a Renderer.
func NewRenderer() *Renderer { return &Renderer{} }

// RenderSRT renders result's segments as SubRip subtitle text.
func (Renderer) RenderSRT(result *model.Result) (string, error) {
	if result == nil {
		return "", errors.New("result is required")
	}
	var b strings.Builder
	for i, seg := range result.Segments {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", srtTimestamp(seg.Start), srtTimestamp(seg.End))
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(seg.Text))
	}
	return b.String(), nil
}

// RenderVTT renders result's segments as WebVTT subtitle text.
func (Renderer) RenderVTT(result *model.Result) (string, error) {
	if result == nil {
		return "", errors.New("result is required")
	}
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, seg := range result.Segments {
		fmt.Fprintf(&b, "%s --> %s\n", vttTimestamp(seg.Start), vttTimestamp(seg.End))
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(seg.Text))
	}
	return b.String(), nil
}

func srtTimestamp(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

func vttTimestamp(seconds float64) string {
	ts := srtTimestamp(seconds)
	return strings.Replace(ts, ",", ".", 1)
}
