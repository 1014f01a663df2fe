package runner

import (
	"regexp"
	"strconv"
)

// ffmpeg writes the input duration once and then a rolling time= field on its
// diagnostic stream. Progress is the ratio of the two, clamped to 95 so the
// final jump to 100 stays reserved for post-processing.
var (
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2})\.(\d{2})`)
	timeRe     = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2})\.(\d{2})`)
)

const progressClamp = 95

// ProgressParser extracts percentage progress from ffmpeg stderr lines. It is
// a pure line-at-a-time state machine: safe to call from a single drain
// goroutine, trivially re-creatable per run.
type ProgressParser struct {
	totalSeconds float64
}

// Parse consumes one stderr line. It returns (progress, true) when the line
// advanced the progress estimate, (0, false) otherwise.
func (p *ProgressParser) Parse(line string) (int, bool) {
	if p.totalSeconds == 0 {
		if m := durationRe.FindStringSubmatch(line); m != nil {
			p.totalSeconds = hmsToSeconds(m)
			return 0, false
		}
	}
	if p.totalSeconds <= 0 {
		return 0, false
	}
	m := timeRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	current := hmsToSeconds(m)
	pct := int(current / p.totalSeconds * 100)
	if pct > progressClamp {
		pct = progressClamp
	}
	if pct < 0 {
		pct = 0
	}
	return pct, true
}

// Total returns the parsed input duration in seconds, 0 if not yet seen.
func (p *ProgressParser) Total() float64 {
	return p.totalSeconds
}

func hmsToSeconds(m []string) float64 {
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	s, _ := strconv.Atoi(m[3])
	cs, _ := strconv.Atoi(m[4])
	return float64(h)*3600 + float64(min)*60 + float64(s) + float64(cs)/100
}
