// Package media holds probed stream metadata and the ffprobe JSON decoding
// shared by the planner, the executors and the cache.
package media

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Info is the normalized metadata of one media file.
type Info struct {
	Path       string  `json:"path"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Duration   float64 `json:"duration"`
	FPS        float64 `json:"fps"`
	VideoCodec string  `json:"video_codec"`
	AudioCodec string  `json:"audio_codec"`
	HasVideo   bool    `json:"has_video"`
	HasAudio   bool    `json:"has_audio"`
	SizeBytes  int64   `json:"size_bytes"`
	Title      string  `json:"title,omitempty"`
}

// Comparison tolerances for deciding whether a normalization re-encode can
// be skipped.
const (
	durationTolerance = 0.5
	fpsTolerance      = 0.5
)

// MatchesLayout reports whether two files agree on resolution, frame rate
// and codecs closely enough for stream-copy concat.
func (i Info) MatchesLayout(other Info) bool {
	return i.Width == other.Width &&
		i.Height == other.Height &&
		math.Abs(i.FPS-other.FPS) <= fpsTolerance &&
		i.VideoCodec == other.VideoCodec &&
		i.AudioCodec == other.AudioCodec
}

// CloseTo reports whether two durations agree within tolerance.
func CloseTo(a, b float64) bool {
	return math.Abs(a-b) <= durationTolerance
}

// ffprobe -print_format json output shape.
type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

type probeFormat struct {
	Duration string            `json:"duration"`
	Size     string            `json:"size"`
	Tags     map[string]string `json:"tags"`
}

// ParseProbe decodes ffprobe JSON output into an Info.
func ParseProbe(path string, raw []byte) (Info, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Info{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	info := Info{Path: path}
	info.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)
	info.SizeBytes, _ = strconv.ParseInt(out.Format.Size, 10, 64)
	if title, ok := out.Format.Tags["title"]; ok {
		info.Title = title
	}
	for _, stream := range out.Streams {
		switch stream.CodecType {
		case "video":
			if info.HasVideo {
				continue
			}
			info.HasVideo = true
			info.VideoCodec = stream.CodecName
			info.Width = stream.Width
			info.Height = stream.Height
			info.FPS = parseFrameRate(stream.AvgFrameRate)
			if info.FPS == 0 {
				info.FPS = parseFrameRate(stream.RFrameRate)
			}
		case "audio":
			if info.HasAudio {
				continue
			}
			info.HasAudio = true
			info.AudioCodec = stream.CodecName
		}
	}
	if !info.HasVideo && !info.HasAudio {
		return Info{}, fmt.Errorf("no decodable streams in %s", path)
	}
	return info, nil
}

// parseFrameRate decodes ffprobe's "num/den" rational frame rates.
func parseFrameRate(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0/0" {
		return 0
	}
	if num, den, ok := strings.Cut(raw, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return n / d
	}
	v, _ := strconv.ParseFloat(raw, 64)
	return v
}
