package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProbe = `{
  "streams": [
    {"codec_type": "video", "codec_name": "h264", "width": 640, "height": 480,
     "r_frame_rate": "30/1", "avg_frame_rate": "30/1"},
    {"codec_type": "audio", "codec_name": "aac"}
  ],
  "format": {"duration": "5.012000", "size": "1048576", "tags": {"title": "clip"}}
}`

func TestParseProbe(t *testing.T) {
	info, err := ParseProbe("/tmp/a.mp4", []byte(sampleProbe))
	require.NoError(t, err)

	assert.Equal(t, 640, info.Width)
	assert.Equal(t, 480, info.Height)
	assert.InDelta(t, 5.012, info.Duration, 0.001)
	assert.InDelta(t, 30.0, info.FPS, 0.001)
	assert.Equal(t, "h264", info.VideoCodec)
	assert.Equal(t, "aac", info.AudioCodec)
	assert.True(t, info.HasAudio)
	assert.EqualValues(t, 1048576, info.SizeBytes)
	assert.Equal(t, "clip", info.Title)
}

func TestParseProbeNoStreams(t *testing.T) {
	_, err := ParseProbe("/tmp/x.mp4", []byte(`{"streams": [], "format": {}}`))
	assert.Error(t, err)
}

func TestParseFrameRateForms(t *testing.T) {
	assert.InDelta(t, 29.97, parseFrameRate("30000/1001"), 0.01)
	assert.Equal(t, 0.0, parseFrameRate("0/0"))
	assert.Equal(t, 25.0, parseFrameRate("25"))
	assert.Equal(t, 0.0, parseFrameRate(""))
}

func TestMatchesLayout(t *testing.T) {
	a := Info{Width: 640, Height: 480, FPS: 30, VideoCodec: "h264", AudioCodec: "aac"}
	b := a
	assert.True(t, a.MatchesLayout(b))

	b.FPS = 30.2
	assert.True(t, a.MatchesLayout(b), "fps within tolerance")

	b.FPS = 25
	assert.False(t, a.MatchesLayout(b))

	b = a
	b.Width = 1280
	assert.False(t, a.MatchesLayout(b))
}
