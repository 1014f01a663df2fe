package planner

import (
	"fmt"
	"strings"
)

// evenDim rounds a dimension down to the nearest even integer; ffmpeg
// rejects odd frame dimensions for most codecs.
func evenDim(v int) int {
	if v < 2 {
		return 2
	}
	return v &^ 1
}

// scalePad is the aspect-preserving placement step: scale into the cell
// without distortion, pad the remainder with black, normalize the sample
// aspect ratio.
func scalePad(w, h int) string {
	w, h = evenDim(w), evenDim(h)
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black,setsar=1:1",
		w, h, w, h)
}

// Position is an overlay placement preset.
type Position string

const (
	PosTopLeft     Position = "top_left"
	PosTopRight    Position = "top_right"
	PosBottomLeft  Position = "bottom_left"
	PosBottomRight Position = "bottom_right"
	PosCenter      Position = "center"
)

// overlayCoords returns in-bounds overlay x:y expressions with a margin.
func overlayCoords(pos Position, margin int) string {
	m := fmt.Sprintf("%d", margin)
	switch pos {
	case PosTopLeft:
		return m + ":" + m
	case PosTopRight:
		return fmt.Sprintf("main_w-overlay_w-%d:%d", margin, margin)
	case PosBottomLeft:
		return fmt.Sprintf("%d:main_h-overlay_h-%d", margin, margin)
	case PosBottomRight:
		return fmt.Sprintf("main_w-overlay_w-%d:main_h-overlay_h-%d", margin, margin)
	case PosCenter:
		return "(main_w-overlay_w)/2:(main_h-overlay_h)/2"
	default:
		return fmt.Sprintf("main_w-overlay_w-%d:main_h-overlay_h-%d", margin, margin)
	}
}

// QualityDims maps an output quality label to canvas dimensions.
func QualityDims(quality string) (int, int) {
	switch strings.ToLower(quality) {
	case "480p":
		return 854, 480
	case "1080p":
		return 1920, 1080
	case "4k", "2160p":
		return 3840, 2160
	default:
		return 1280, 720
	}
}

// escapeFilterPath escapes a filesystem path for use inside a filter
// argument (the subtitles filter parses ':' and '\'' specially).
func escapeFilterPath(path string) string {
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `\'`)
	return r.Replace(path)
}

// escapeDrawtext escapes literal text for the drawtext filter.
func escapeDrawtext(text string) string {
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `\'`, `%`, `\%`)
	return r.Replace(text)
}
