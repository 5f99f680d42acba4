package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/asr-gateway/internal/domain/model"
)

func TestRenderSRT(t *testing.T) {
	r := NewRenderer()
	result := &model.Result{
		Segments: []model.Segment{
			{ID: 0, Start: 0, End: 1.5, Text: "hello"},
			{ID: 1, Start: 3661.25, End: 3662, Text: " world "},
		},
	}

	out, err := r.RenderSRT(result)
	require.NoError(t, err)
	assert.Equal(t, "1\n00:00:00,000 --> 00:00:01,500\nhello\n\n2\n01:01:01,250 --> 01:01:02,000\nworld\n\n", out)
}

func TestRenderSRTRequiresResult(t *testing.T) {
	r := NewRenderer()
	_, err := r.RenderSRT(nil)
	require.Error(t, err)
}

func TestRenderVTT(t *testing.T) {
	r := NewRenderer()
	result := &model.Result{
		Segments: []model.Segment{
			{ID: 0, Start: 0, End: 1.5, Text: "hello"},
		},
	}

	out, err := r.RenderVTT(result)
	require.NoError(t, err)
	assert.Equal(t, "WEBVTT\n\n00:00:00.000 --> 00:00:01.500\nhello\n\n", out)
}

func TestRenderVTTRequiresResult(t *testing.T) {
	r := NewRenderer()
	_, err := r.RenderVTT(nil)
	require.Error(t, err)
}

func TestPCMCodecForBitDepth(t *testing.T) {
	assert.Equal(t, "pcm_u8", pcmCodecForBitDepth(8))
	assert.Equal(t, "pcm_s24le", pcmCodecForBitDepth(24))
	assert.Equal(t, "pcm_s32le", pcmCodecForBitDepth(32))
	assert.Equal(t, "pcm_s16le", pcmCodecForBitDepth(16))
	assert.Equal(t, "pcm_s16le", pcmCodecForBitDepth(0))
}

func TestExtractAudioRejectsUnsupportedContainer(t *testing.T) {
	e := NewExtractor("", 0)
	_, err := e.ExtractAudio(nil, "/tmp/in.mp4", "flac", 16000, 16) //nolint:staticcheck // nil ctx acceptable, ExtractAudio validates the container before using it
	require.Error(t, err)
}

func TestNewProberDefaults(t *testing.T) {
	p := NewProber("", 0)
	assert.Equal(t, "ffprobe", p.FFProbePath)
	assert.Positive(t, p.Timeout)
}

func TestNewExtractorDefaults(t *testing.T) {
	e := NewExtractor("", 0)
	assert.Equal(t, "ffmpeg", e.FFMpegPath)
	assert.Positive(t, e.Timeout)
}
