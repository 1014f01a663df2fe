package planner

import (
	"fmt"
	"strings"

	"mediamill/internal/taskerr"
)

// AudioTransform adjusts one audio file: optional gain, optional fade-in and
// fade-out, optional container/codec change implied by the output extension.
type AudioTransform struct {
	Volume  float64 // multiplier, 0 means unchanged
	FadeIn  float64 // seconds
	FadeOut float64 // seconds
	// Duration of the source; required when FadeOut > 0 so the fade can be
	// anchored at the tail.
	Duration float64
	Bitrate  string // e.g. "192k", "" for encoder default
}

// AudioProcess builds the single-file audio transform argv.
func AudioProcess(input string, t AudioTransform, output string) ([]string, error) {
	if t.FadeOut > 0 && t.Duration <= 0 {
		return nil, taskerr.New(taskerr.KindInputValidation, "fade-out requires a known source duration")
	}
	var filters []string
	if t.Volume > 0 && t.Volume != 1 {
		filters = append(filters, fmt.Sprintf("volume=%.3f", t.Volume))
	}
	if t.FadeIn > 0 {
		filters = append(filters, fmt.Sprintf("afade=t=in:st=0:d=%s", formatSeconds(t.FadeIn)))
	}
	if t.FadeOut > 0 {
		start := t.Duration - t.FadeOut
		if start < 0 {
			start = 0
		}
		filters = append(filters, fmt.Sprintf("afade=t=out:st=%s:d=%s",
			formatSeconds(start), formatSeconds(t.FadeOut)))
	}

	argv := []string{"-y", "-i", input, "-vn"}
	if len(filters) > 0 {
		argv = append(argv, "-af", strings.Join(filters, ","))
	}
	if t.Bitrate != "" {
		argv = append(argv, "-b:a", t.Bitrate)
	}
	return finish(append(argv, output))
}

// ExtractAudio pulls the sound track out of a video file. The output
// extension selects the container; copyCodec keeps the source encoding when
// the container allows it.
func ExtractAudio(input, output string, copyCodec bool) ([]string, error) {
	argv := []string{"-y", "-i", input, "-vn"}
	if copyCodec {
		argv = append(argv, "-c:a", "copy")
	}
	return finish(append(argv, output))
}

const maxMixTracks = 10

// MixAudio blends up to ten tracks into one. Weights are per-track gains in
// [0, 10]; nil weights mean equal contribution.
func MixAudio(inputs []string, weights []float64, output string) ([]string, error) {
	if len(inputs) < 2 {
		return nil, taskerr.New(taskerr.KindInputValidation, "mix requires at least two tracks")
	}
	if len(inputs) > maxMixTracks {
		return nil, taskerr.New(taskerr.KindInputValidation,
			"mix supports at most %d tracks, got %d", maxMixTracks, len(inputs))
	}
	if weights != nil {
		if len(weights) != len(inputs) {
			return nil, taskerr.New(taskerr.KindInputValidation,
				"weights count %d does not match %d tracks", len(weights), len(inputs))
		}
		for i, w := range weights {
			if w < 0 || w > 10 {
				return nil, taskerr.New(taskerr.KindInputValidation,
					"weight %.2f for track %d outside [0, 10]", w, i)
			}
		}
	}

	argv := []string{"-y"}
	for _, input := range inputs {
		argv = append(argv, "-i", input)
	}
	mix := fmt.Sprintf("amix=inputs=%d:duration=longest", len(inputs))
	if weights != nil {
		parts := make([]string, len(weights))
		for i, w := range weights {
			parts[i] = fmt.Sprintf("%.2f", w)
		}
		mix += ":weights=" + strings.Join(parts, " ")
	}
	argv = append(argv, "-filter_complex", mix, output)
	return finish(argv)
}

// Crossfade joins two tracks with an acrossfade of 0.1-10 seconds. The
// first track's duration anchors the overlap.
func Crossfade(first, second string, fade float64, output string) ([]string, error) {
	if fade < 0.1 || fade > 10 {
		return nil, taskerr.New(taskerr.KindInputValidation,
			"crossfade duration %.2fs outside [0.1, 10]", fade)
	}
	return finish([]string{
		"-y", "-i", first, "-i", second,
		"-filter_complex", fmt.Sprintf("[0:a][1:a]acrossfade=d=%s", formatSeconds(fade)),
		output,
	})
}
