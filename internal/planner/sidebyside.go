package planner

import (
	"fmt"
	"strings"

	"mediamill/internal/taskerr"
)

// Layout names for side-by-side composition.
const (
	LayoutHorizontal  = "horizontal"
	LayoutVertical    = "vertical"
	LayoutGrid        = "grid"
	LayoutOneAboveTwo = "one_above_two"
)

// SideBySideSpec describes a tiled composition of 2-4 sources.
type SideBySideSpec struct {
	Inputs     []string
	Layout     string
	CellWidth  int
	CellHeight int
	// AudioGains enables audio mixing with per-source weights in [0, 2].
	// Nil means "use the first input that has audio".
	AudioGains []float64
	// HasAudio flags which inputs carry an audio stream, index-aligned
	// with Inputs. When none does, a silent source is appended and mapped;
	// this holds for every layout.
	HasAudio []bool
}

func (s *SideBySideSpec) validate() error {
	if len(s.Inputs) < 2 || len(s.Inputs) > 4 {
		return taskerr.New(taskerr.KindInputValidation,
			"side_by_side requires 2-4 sources, got %d", len(s.Inputs))
	}
	switch s.Layout {
	case LayoutHorizontal, LayoutVertical, LayoutGrid, LayoutOneAboveTwo, "":
	default:
		return taskerr.New(taskerr.KindInputValidation, "unknown layout %q", s.Layout)
	}
	if s.Layout == LayoutGrid && len(s.Inputs) != 4 {
		return taskerr.New(taskerr.KindInputValidation, "grid layout requires exactly 4 sources")
	}
	if s.Layout == LayoutOneAboveTwo && len(s.Inputs) != 3 {
		return taskerr.New(taskerr.KindInputValidation, "one_above_two layout requires exactly 3 sources")
	}
	if s.AudioGains != nil {
		if len(s.AudioGains) != len(s.Inputs) {
			return taskerr.New(taskerr.KindInputValidation,
				"audio gains count %d does not match %d sources", len(s.AudioGains), len(s.Inputs))
		}
		for i, g := range s.AudioGains {
			if g < 0 || g > 2 {
				return taskerr.New(taskerr.KindInputValidation,
					"audio gain %.2f for source %d outside [0, 2]", g, i)
			}
		}
	}
	return nil
}

// SideBySide builds the tiled-composition argv.
func SideBySide(spec SideBySideSpec, output string) ([]string, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	layout := spec.Layout
	if layout == "" {
		layout = LayoutHorizontal
	}
	cellW, cellH := evenDim(spec.CellWidth), evenDim(spec.CellHeight)
	if spec.CellWidth <= 0 || spec.CellHeight <= 0 {
		cellW, cellH = 640, 360
	}

	argv := []string{"-y"}
	for _, input := range spec.Inputs {
		argv = append(argv, "-i", input)
	}

	var chains []string
	for i := range spec.Inputs {
		chains = append(chains, fmt.Sprintf("[%d:v]%s[c%d]", i, scalePad(cellW, cellH), i))
	}
	chains = append(chains, stackChain(layout, len(spec.Inputs)))

	silentIdx := -1
	audioChain, audioMap := audioPlan(&spec, &argv, &silentIdx)
	if audioChain != "" {
		chains = append(chains, audioChain)
	}

	argv = append(argv,
		"-filter_complex", strings.Join(chains, ";"),
		"-map", "[v]", "-map", audioMap,
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-c:a", "aac",
		"-shortest",
		output,
	)
	return finish(argv)
}

// stackChain joins the prepared cells into the layout.
func stackChain(layout string, n int) string {
	labels := make([]string, n)
	for i := range labels {
		labels[i] = fmt.Sprintf("[c%d]", i)
	}
	in := strings.Join(labels, "")
	switch layout {
	case LayoutVertical:
		return fmt.Sprintf("%svstack=inputs=%d[v]", in, n)
	case LayoutGrid:
		return fmt.Sprintf("%sxstack=inputs=4:layout=0_0|w0_0|0_h0|w0_h0[v]", in)
	case LayoutOneAboveTwo:
		return "[c1][c2]hstack=inputs=2[bottom];[c0]scale=iw*2:ih*2[top];[top][bottom]vstack=inputs=2[v]"
	default:
		return fmt.Sprintf("%shstack=inputs=%d[v]", in, n)
	}
}

// audioPlan decides the sound of the tiled output. With gains set it mixes
// every audio-bearing input; otherwise it picks the first input with audio.
// When nothing has audio a silent anullsrc input is appended and mapped.
func audioPlan(spec *SideBySideSpec, argv *[]string, silentIdx *int) (chain, mapArg string) {
	anyAudio := false
	for _, has := range spec.HasAudio {
		if has {
			anyAudio = true
			break
		}
	}
	if !anyAudio {
		*silentIdx = len(spec.Inputs)
		*argv = append(*argv, "-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=44100")
		return "", fmt.Sprintf("%d:a", *silentIdx)
	}

	if spec.AudioGains == nil {
		for i, has := range spec.HasAudio {
			if has {
				return "", fmt.Sprintf("%d:a:0", i)
			}
		}
	}

	var parts []string
	var labels []string
	for i, has := range spec.HasAudio {
		if !has {
			continue
		}
		label := fmt.Sprintf("g%d", i)
		parts = append(parts, fmt.Sprintf("[%d:a]volume=%.2f[%s]", i, spec.AudioGains[i], label))
		labels = append(labels, "["+label+"]")
	}
	mix := fmt.Sprintf("%samix=inputs=%d:duration=shortest[a]", strings.Join(labels, ""), len(labels))
	parts = append(parts, mix)
	return strings.Join(parts, ";"), "[a]"
}
