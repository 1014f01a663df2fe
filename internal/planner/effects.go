package planner

import (
	"fmt"
	"strings"

	"mediamill/internal/taskerr"
)

// WatermarkSpec places either an image or a text watermark on a video.
// Exactly one of ImagePath and Text must be set.
type WatermarkSpec struct {
	ImagePath string
	Text      string
	Position  Position
	Scale     float64 // image watermark width as a fraction of the frame
	Opacity   float64 // [0, 1]
	FontSize  int     // text watermark, default 24
}

// Watermark builds the watermark argv for one video.
func Watermark(input string, spec WatermarkSpec, output string) ([]string, error) {
	if (spec.ImagePath == "") == (spec.Text == "") {
		return nil, taskerr.New(taskerr.KindInputValidation,
			"watermark requires exactly one of image and text")
	}

	if spec.ImagePath != "" {
		chain, outLabel := overlayFilter(1, 0, OverlaySpec{
			Path:     spec.ImagePath,
			Position: spec.Position,
			Scale:    spec.Scale,
			Opacity:  spec.Opacity,
		}, "0:v")
		return finish([]string{
			"-y", "-i", input, "-i", spec.ImagePath,
			"-filter_complex", chain,
			"-map", "[" + outLabel + "]", "-map", "0:a?",
			"-c:v", "libx264", "-preset", "fast", "-crf", "23",
			"-c:a", "copy",
			output,
		})
	}

	size := spec.FontSize
	if size <= 0 {
		size = 24
	}
	alpha := spec.Opacity
	if alpha <= 0 || alpha > 1 {
		alpha = 1
	}
	draw := fmt.Sprintf("drawtext=text='%s':fontsize=%d:fontcolor=white@%.2f:%s",
		escapeDrawtext(spec.Text), size, alpha, drawtextCoords(spec.Position, 10))
	return finish([]string{
		"-y", "-i", input,
		"-vf", draw,
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-c:a", "copy",
		output,
	})
}

// drawtextCoords mirrors overlayCoords in drawtext's variable names.
func drawtextCoords(pos Position, margin int) string {
	m := fmt.Sprintf("%d", margin)
	switch pos {
	case PosTopLeft:
		return "x=" + m + ":y=" + m
	case PosTopRight:
		return fmt.Sprintf("x=w-tw-%d:y=%d", margin, margin)
	case PosBottomLeft:
		return fmt.Sprintf("x=%d:y=h-th-%d", margin, margin)
	case PosCenter:
		return "x=(w-tw)/2:y=(h-th)/2"
	default:
		return fmt.Sprintf("x=w-tw-%d:y=h-th-%d", margin, margin)
	}
}

// ColorAdjust is the color_filter parameter set. Zero values leave the
// corresponding control untouched.
type ColorAdjust struct {
	Brightness  float64 // [-1, 1]
	Contrast    float64 // [0, 4], 1 is neutral
	Saturation  float64 // [0, 3], 1 is neutral
	Gamma       float64 // [0.1, 10], 1 is neutral
	Temperature float64 // [-1, 1]; positive warms, negative cools
	Tint        float64 // [-1, 1]; positive shifts green, negative magenta
	Vibrance    float64 // [-2, 2]
	BlurSigma   float64 // gblur, [0, 20]
	Sharpen     float64 // unsharp amount, [0, 5]
	Preset      string  // named curves preset, e.g. "vintage"
}

var curvesPresets = map[string]bool{
	"vintage": true, "cross_process": true, "darker": true,
	"lighter": true, "increase_contrast": true, "negative": true,
}

func (c *ColorAdjust) validate() error {
	checks := []struct {
		name     string
		value    float64
		min, max float64
	}{
		{"brightness", c.Brightness, -1, 1},
		{"contrast", c.Contrast, 0, 4},
		{"saturation", c.Saturation, 0, 3},
		{"gamma", c.Gamma, 0, 10},
		{"temperature", c.Temperature, -1, 1},
		{"tint", c.Tint, -1, 1},
		{"vibrance", c.Vibrance, -2, 2},
		{"blur", c.BlurSigma, 0, 20},
		{"sharpen", c.Sharpen, 0, 5},
	}
	for _, ck := range checks {
		if ck.value != 0 && (ck.value < ck.min || ck.value > ck.max) {
			return taskerr.New(taskerr.KindInputValidation,
				"%s %.2f outside [%.1f, %.1f]", ck.name, ck.value, ck.min, ck.max)
		}
	}
	if c.Preset != "" && !curvesPresets[c.Preset] {
		return taskerr.New(taskerr.KindInputValidation, "unknown curves preset %q", c.Preset)
	}
	return nil
}

// filterChain renders the adjustment into an ffmpeg -vf chain.
func (c *ColorAdjust) filterChain() string {
	var filters []string

	var eq []string
	if c.Brightness != 0 {
		eq = append(eq, fmt.Sprintf("brightness=%.3f", c.Brightness))
	}
	if c.Contrast != 0 && c.Contrast != 1 {
		eq = append(eq, fmt.Sprintf("contrast=%.3f", c.Contrast))
	}
	if c.Saturation != 0 && c.Saturation != 1 {
		eq = append(eq, fmt.Sprintf("saturation=%.3f", c.Saturation))
	}
	if c.Gamma != 0 && c.Gamma != 1 {
		eq = append(eq, fmt.Sprintf("gamma=%.3f", c.Gamma))
	}
	if len(eq) > 0 {
		filters = append(filters, "eq="+strings.Join(eq, ":"))
	}

	if c.Temperature != 0 || c.Tint != 0 {
		// Warmth raises red and lowers blue; tint trades green against
		// red and blue together.
		rs := 0.1*c.Temperature - 0.05*c.Tint
		gs := 0.1 * c.Tint
		bs := -0.1*c.Temperature - 0.05*c.Tint
		filters = append(filters, fmt.Sprintf(
			"colorbalance=rs=%.3f:gs=%.3f:bs=%.3f:rm=%.3f:gm=%.3f:bm=%.3f",
			rs, gs, bs, rs, gs, bs))
	}
	if c.Vibrance != 0 {
		filters = append(filters, fmt.Sprintf("vibrance=intensity=%.3f", c.Vibrance))
	}
	if c.Preset != "" {
		filters = append(filters, "curves=preset="+c.Preset)
	}
	if c.BlurSigma > 0 {
		filters = append(filters, fmt.Sprintf("gblur=sigma=%.3f", c.BlurSigma))
	}
	if c.Sharpen > 0 {
		filters = append(filters, fmt.Sprintf("unsharp=5:5:%.3f", c.Sharpen))
	}
	return strings.Join(filters, ",")
}

// ColorFilter builds the color_filter argv.
func ColorFilter(input string, adjust ColorAdjust, output string) ([]string, error) {
	if err := adjust.validate(); err != nil {
		return nil, err
	}
	chain := adjust.filterChain()
	if chain == "" {
		return nil, taskerr.New(taskerr.KindInputValidation, "color_filter needs at least one adjustment")
	}
	return finish([]string{
		"-y", "-i", input,
		"-vf", chain,
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-c:a", "copy",
		output,
	})
}
