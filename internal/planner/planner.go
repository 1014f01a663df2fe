// Package planner translates logical composition requests into validated
// ffmpeg argument vectors. It never touches the filesystem or spawns
// anything; the executors own I/O and the runner owns execution.
package planner

import (
	"fmt"
	"strings"

	"mediamill/internal/taskerr"
)

// Mode names accepted by the composition endpoint.
const (
	ModeConcat             = "concat"
	ModeExtractAndConcat   = "extract_and_concat"
	ModeAudioVideoSubtitle = "audio_video_subtitle"
	ModePictureInPicture   = "picture_in_picture"
	ModeMultiOverlay       = "multi_overlay"
	ModeSideBySide         = "side_by_side"
	ModeSideBySideAudioMix = "side_by_side_audio_mix"
	ModeSlideshow          = "slideshow"
	ModeAudioOnly          = "audio_only"
	ModeWatermark          = "watermark"
	ModeColorFilter        = "color_filter"
)

// KnownMode reports whether the mode name is recognized.
func KnownMode(mode string) bool {
	switch mode {
	case ModeConcat, ModeExtractAndConcat, ModeAudioVideoSubtitle,
		ModePictureInPicture, ModeMultiOverlay, ModeSideBySide,
		ModeSideBySideAudioMix, ModeSlideshow, ModeAudioOnly,
		ModeWatermark, ModeColorFilter:
		return true
	}
	return false
}

// finish validates the assembled argv and returns it.
func finish(argv []string) ([]string, error) {
	if err := ValidateArgv(argv); err != nil {
		return nil, err
	}
	return argv, nil
}

// ConcatCopy concatenates pre-matched inputs by stream copy through a
// concat-demuxer list file.
func ConcatCopy(listFile, output string) ([]string, error) {
	return finish([]string{
		"-y", "-f", "concat", "-safe", "0", "-i", listFile,
		"-c", "copy", output,
	})
}

// Normalize re-encodes one input to the target canvas, 30 fps, h264+aac.
// The composition executor runs it per heterogeneous concat input.
func Normalize(input, output string, width, height int) ([]string, error) {
	vf := scalePad(width, height) + ",fps=30"
	return finish([]string{
		"-y", "-i", input,
		"-vf", vf,
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-c:a", "aac", "-ar", "44100", "-ac", "2",
		output,
	})
}

// ExtractSegment cuts [start, end) out of input. With copySafe the cut is
// lossless stream copy; otherwise it re-encodes for frame accuracy.
func ExtractSegment(input string, start, end float64, output string, copySafe bool) ([]string, error) {
	if end <= start {
		return nil, taskerr.New(taskerr.KindInputValidation,
			"segment end %.2f must be after start %.2f", end, start)
	}
	argv := []string{
		"-y", "-ss", formatSeconds(start), "-to", formatSeconds(end), "-i", input,
	}
	if copySafe {
		argv = append(argv, "-c", "copy", "-avoid_negative_ts", "make_zero")
	} else {
		argv = append(argv, "-c:v", "libx264", "-preset", "fast", "-crf", "23", "-c:a", "aac")
	}
	return finish(append(argv, output))
}

// AudioVideoSubtitle muxes video's image stream with audio's sound stream,
// optionally burning in a subtitle file, clipped to the shortest stream.
func AudioVideoSubtitle(video, audio, subtitlePath, output string) ([]string, error) {
	argv := []string{"-y", "-i", video, "-i", audio}
	if subtitlePath != "" {
		argv = append(argv, "-vf", fmt.Sprintf("subtitles='%s'", escapeFilterPath(subtitlePath)))
		argv = append(argv, "-c:v", "libx264", "-preset", "fast", "-crf", "23")
	} else {
		argv = append(argv, "-c:v", "copy")
	}
	argv = append(argv,
		"-map", "0:v:0", "-map", "1:a:0",
		"-c:a", "aac",
		"-shortest",
		output,
	)
	return finish(argv)
}

// OverlaySpec describes one overlay layer.
type OverlaySpec struct {
	Path     string
	Position Position
	Scale    float64 // fraction of the main frame width, (0, 1]
	Opacity  float64 // [0, 1]; 1 means fully opaque
	ZOrder   int
}

const maxOverlays = 5

func overlayFilter(inputIdx, chainIdx int, spec OverlaySpec, prevLabel string) (string, string) {
	scale := spec.Scale
	if scale <= 0 || scale > 1 {
		scale = 0.25
	}
	ovLabel := fmt.Sprintf("ov%d", chainIdx)
	outLabel := fmt.Sprintf("v%d", chainIdx)

	prep := fmt.Sprintf("[%d:v]scale=iw*%.3f:-2", inputIdx, scale)
	if spec.Opacity > 0 && spec.Opacity < 1 {
		prep += fmt.Sprintf(",format=yuva420p,colorchannelmixer=aa=%.3f", spec.Opacity)
	}
	prep += fmt.Sprintf("[%s]", ovLabel)

	over := fmt.Sprintf("[%s][%s]overlay=%s[%s]",
		prevLabel, ovLabel, overlayCoords(spec.Position, 10), outLabel)
	return prep + ";" + over, outLabel
}

// PictureInPicture places one scaled overlay on the main video, keeping the
// main's sound.
func PictureInPicture(main string, overlay OverlaySpec, output string) ([]string, error) {
	chain, outLabel := overlayFilter(1, 0, overlay, "0:v")
	return finish([]string{
		"-y", "-i", main, "-i", overlay.Path,
		"-filter_complex", chain,
		"-map", "[" + outLabel + "]", "-map", "0:a?",
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-c:a", "aac",
		output,
	})
}

// MultiOverlay applies up to five overlays in z-order on the main video.
func MultiOverlay(main string, overlays []OverlaySpec, output string) ([]string, error) {
	if len(overlays) == 0 {
		return nil, taskerr.New(taskerr.KindInputValidation, "multi_overlay requires at least one overlay")
	}
	if len(overlays) > maxOverlays {
		return nil, taskerr.New(taskerr.KindInputValidation,
			"multi_overlay supports at most %d overlays, got %d", maxOverlays, len(overlays))
	}
	ordered := make([]OverlaySpec, len(overlays))
	copy(ordered, overlays)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].ZOrder < ordered[j-1].ZOrder; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	argv := []string{"-y", "-i", main}
	for _, spec := range ordered {
		argv = append(argv, "-i", spec.Path)
	}
	var chains []string
	prev := "0:v"
	for i, spec := range ordered {
		chain, outLabel := overlayFilter(i+1, i, spec, prev)
		chains = append(chains, chain)
		prev = outLabel
	}
	argv = append(argv,
		"-filter_complex", strings.Join(chains, ";"),
		"-map", "["+prev+"]", "-map", "0:a?",
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-c:a", "aac",
		output,
	)
	return finish(argv)
}

func formatSeconds(v float64) string {
	return fmt.Sprintf("%.3f", v)
}
