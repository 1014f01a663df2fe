// Package subtitle converts plain text scripts into timed SRT captions,
// either by rhythm-based pacing or by correcting speech-to-text word timings
// against the script.
package subtitle

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"mediamill/internal/taskerr"
)

// Caption is one timed subtitle record. Times are seconds from stream start.
type Caption struct {
	Start float64
	End   float64
	Text  string
}

// MaxScriptBytes bounds accepted subtitle/script files.
const MaxScriptBytes = 10 << 20

// muxLeadIn compensates for the encoder's muxing delay; every synthesized
// caption is shifted right by this much.
const muxLeadIn = 1.0

var passthroughExts = map[string]bool{
	".srt": true,
	".ass": true,
	".ssa": true,
	".vtt": true,
}

// SupportedExt reports whether the subtitle file extension is accepted,
// and whether it needs conversion from plain text.
func SupportedExt(ext string) (supported, needsConversion bool) {
	ext = strings.ToLower(ext)
	if passthroughExts[ext] {
		return true, false
	}
	if ext == ".txt" {
		return true, true
	}
	return false, false
}

// ValidateSize rejects scripts larger than the cap.
func ValidateSize(sizeBytes int64) error {
	if sizeBytes > MaxScriptBytes {
		return taskerr.New(taskerr.KindInputValidation,
			"subtitle file too large: %d bytes (limit %d)", sizeBytes, MaxScriptBytes)
	}
	return nil
}

var segmentSplitRe = regexp.MustCompile(`[.!?。！？；;\n]+`)

// SplitSegments breaks a script into caption-sized segments at sentence
// punctuation, trimming whitespace and dropping empties.
func SplitSegments(text string) []string {
	parts := segmentSplitRe.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Rhythm pacing bounds per caption.
const (
	minCaptionDur = 1.5
	maxCaptionDur = 6.0
	maxPerChar    = 0.3
)

// RhythmCaptions assigns durations from text length alone. When
// totalDuration > 0 the per-character pace is derived so the captions fit
// inside 90% of it; otherwise a fixed reading pace applies.
func RhythmCaptions(segments []string, totalDuration float64) []Caption {
	if len(segments) == 0 {
		return nil
	}
	totalChars := 0
	for _, seg := range segments {
		totalChars += len([]rune(seg))
	}

	captions := make([]Caption, 0, len(segments))
	cursor := muxLeadIn
	for _, seg := range segments {
		chars := float64(len([]rune(seg)))
		var dur float64
		if totalDuration > 0 && totalChars > 0 {
			perChar := 0.9 * totalDuration / float64(totalChars)
			if perChar > maxPerChar {
				perChar = maxPerChar
			}
			dur = chars*perChar + 0.5
			if dur < minCaptionDur {
				dur = minCaptionDur
			}
			if dur > maxCaptionDur {
				dur = maxCaptionDur
			}
		} else {
			dur = 0.15 * chars
			if dur < 3 {
				dur = 3
			}
		}
		captions = append(captions, Caption{Start: cursor, End: cursor + dur, Text: seg})
		cursor += dur
	}
	return captions
}

// FormatSRT renders captions in the two-line SRT record format.
func FormatSRT(captions []Caption) string {
	var b strings.Builder
	for i, c := range captions {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1, formatTimestamp(c.Start), formatTimestamp(c.End), c.Text)
	}
	return b.String()
}

func formatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int(seconds*1000 + 0.5)
	h := ms / 3600000
	ms -= h * 3600000
	m := ms / 60000
	ms -= m * 60000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

var srtTimeRe = regexp.MustCompile(`(\d{2}):(\d{2}):(\d{2})[,.](\d{3})\s*-->\s*(\d{2}):(\d{2}):(\d{2})[,.](\d{3})`)

// ParseSRT decodes SRT text back into captions. Malformed blocks are skipped.
func ParseSRT(text string) []Caption {
	blocks := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	var out []Caption
	for _, block := range blocks {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) < 3 {
			continue
		}
		m := srtTimeRe.FindStringSubmatch(lines[1])
		if m == nil {
			continue
		}
		out = append(out, Caption{
			Start: srtSeconds(m[1:5]),
			End:   srtSeconds(m[5:9]),
			Text:  strings.Join(lines[2:], "\n"),
		})
	}
	return out
}

func srtSeconds(m []string) float64 {
	h, _ := strconv.Atoi(m[0])
	min, _ := strconv.Atoi(m[1])
	s, _ := strconv.Atoi(m[2])
	ms, _ := strconv.Atoi(m[3])
	return float64(h)*3600 + float64(min)*60 + float64(s) + float64(ms)/1000
}
