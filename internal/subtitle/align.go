package subtitle

import (
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Acoustic alignment: speech-to-text captions carry accurate timings but
// noisy text; the script carries exact text with no timings. The walk below
// merges consecutive acoustic captions while doing so makes them more
// similar to the current script segment, then emits the script text with the
// merged timing window.

const alignAcceptThreshold = 0.8
const trailingSlotDur = 3.0

var punctStripRe = regexp.MustCompile(`[[:punct:]\s。！？；，、]+`)

func normalizeForMatch(s string) string {
	return punctStripRe.ReplaceAllString(strings.ToLower(s), "")
}

// similarity is 1 - Levenshtein/max-len over punctuation-stripped lowercase.
func similarity(a, b string) float64 {
	na, nb := normalizeForMatch(a), normalizeForMatch(b)
	if na == "" && nb == "" {
		return 1
	}
	la, lb := len([]rune(na)), len([]rune(nb))
	max := la
	if lb > max {
		max = lb
	}
	if max == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(na, nb)
	return 1 - float64(dist)/float64(max)
}

// AlignToScript corrects acoustic captions against the scripted segments.
// The result has one caption per script segment; trailing segments without
// acoustic coverage get fixed-size slots after the last caption.
func AlignToScript(segments []string, acoustic []Caption) []Caption {
	out := make([]Caption, 0, len(segments))
	ai := 0
	lastEnd := 0.0
	if len(acoustic) > 0 {
		lastEnd = acoustic[len(acoustic)-1].End
	}

	for _, seg := range segments {
		if ai >= len(acoustic) {
			out = append(out, Caption{Start: lastEnd, End: lastEnd + trailingSlotDur, Text: seg})
			lastEnd += trailingSlotDur
			continue
		}

		merged := acoustic[ai]
		best := similarity(seg, merged.Text)
		take := 1
		for ai+take < len(acoustic) {
			next := merged
			next.End = acoustic[ai+take].End
			next.Text = merged.Text + " " + acoustic[ai+take].Text
			sim := similarity(seg, next.Text)
			if sim <= best {
				break
			}
			merged = next
			best = sim
			take++
			if best > alignAcceptThreshold {
				break
			}
		}

		out = append(out, Caption{Start: merged.Start, End: merged.End, Text: seg})
		ai += take
		if merged.End > lastEnd {
			lastEnd = merged.End
		}
	}
	return out
}
