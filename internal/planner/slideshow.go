package planner

import (
	"fmt"
	"strings"

	"mediamill/internal/taskerr"
)

// SlideshowSpec describes an image slideshow with optional soundtrack.
type SlideshowSpec struct {
	Images        []string
	Audio         string  // optional soundtrack path
	SecondsPer    float64 // display time per image, default 3s
	Transition    string  // xfade transition name, "" for hard cuts
	TransitionDur float64 // default 0.5s when Transition is set
	Width         int
	Height        int
}

const maxSlides = 50

func (s *SlideshowSpec) validate() error {
	if len(s.Images) == 0 {
		return taskerr.New(taskerr.KindInputValidation, "slideshow requires at least one image")
	}
	if len(s.Images) > maxSlides {
		return taskerr.New(taskerr.KindInputValidation,
			"slideshow supports at most %d images, got %d", maxSlides, len(s.Images))
	}
	if s.Transition != "" && len(s.Images) < 2 {
		return taskerr.New(taskerr.KindInputValidation, "transitions need at least two images")
	}
	return nil
}

// Slideshow turns still images into a video. Each image becomes a looped
// segment on the shared canvas; segments are joined by concat, or by chained
// xfade when a transition is requested. With a soundtrack the output is
// clipped to the shorter of slides and audio.
func Slideshow(spec SlideshowSpec, output string) ([]string, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	per := spec.SecondsPer
	if per <= 0 {
		per = 3
	}
	w, h := spec.Width, spec.Height
	if w <= 0 || h <= 0 {
		w, h = 1280, 720
	}

	argv := []string{"-y"}
	for _, img := range spec.Images {
		argv = append(argv, "-loop", "1", "-t", formatSeconds(per), "-i", img)
	}
	audioIdx := -1
	if spec.Audio != "" {
		audioIdx = len(spec.Images)
		argv = append(argv, "-i", spec.Audio)
	}

	var chains []string
	for i := range spec.Images {
		chains = append(chains, fmt.Sprintf("[%d:v]%s,fps=30,format=yuv420p[s%d]", i, scalePad(w, h), i))
	}
	chains = append(chains, joinSlides(spec, per, len(spec.Images)))

	argv = append(argv, "-filter_complex", strings.Join(chains, ";"), "-map", "[v]")
	if audioIdx >= 0 {
		argv = append(argv, "-map", fmt.Sprintf("%d:a:0", audioIdx), "-c:a", "aac", "-shortest")
	}
	argv = append(argv,
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		output,
	)
	return finish(argv)
}

func joinSlides(spec SlideshowSpec, per float64, n int) string {
	if spec.Transition == "" || n < 2 {
		labels := make([]string, n)
		for i := range labels {
			labels[i] = fmt.Sprintf("[s%d]", i)
		}
		return fmt.Sprintf("%sconcat=n=%d:v=1:a=0[v]", strings.Join(labels, ""), n)
	}

	dur := spec.TransitionDur
	if dur <= 0 || dur >= per {
		dur = 0.5
	}
	var b strings.Builder
	prev := "s0"
	// Each xfade shortens the timeline by one transition, so the offsets
	// accumulate against the already-joined length.
	for i := 1; i < n; i++ {
		out := fmt.Sprintf("x%d", i)
		if i == n-1 {
			out = "v"
		}
		offset := float64(i)*per - float64(i)*dur
		fmt.Fprintf(&b, "[%s][s%d]xfade=transition=%s:duration=%s:offset=%s[%s]",
			prev, i, spec.Transition, formatSeconds(dur), formatSeconds(offset), out)
		if i != n-1 {
			b.WriteString(";")
		}
		prev = out
	}
	return b.String()
}
