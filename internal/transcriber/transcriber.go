// Package transcriber drives the whisper.cpp CLI: building its argument
// vector, checking the model file lazily on first use, and decoding the
// JSON transcript it writes.
package transcriber

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"mediamill/internal/logging"
	"mediamill/internal/subtitle"
	"mediamill/internal/taskerr"
)

// initialPrompt nudges the model toward punctuated output; without it short
// clips often come back as one unpunctuated run-on.
const initialPrompt = "Transcribe with full punctuation and sentence breaks."

// Segment is one timed span of recognized speech.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the transcription outcome returned to pollers.
type Result struct {
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
	SRTText  string    `json:"srt_text"`
}

// Transcriber wraps the model path and defers validating it until the first
// transcription actually needs it.
type Transcriber struct {
	ModelPath string
	logger    logging.Logger

	warmOnce sync.Once
	warmErr  error
}

func New(modelPath string, logger logging.Logger) *Transcriber {
	return &Transcriber{ModelPath: modelPath, logger: logging.OrNop(logger)}
}

// Warm checks the model file once. Subsequent calls return the memoized
// outcome.
func (t *Transcriber) Warm() error {
	t.warmOnce.Do(func() {
		info, err := os.Stat(t.ModelPath)
		if err != nil {
			t.warmErr = taskerr.Wrap(taskerr.KindFileSystem, err, "speech model unavailable")
			return
		}
		t.logger.Info("loaded speech model %s (%d MiB)", t.ModelPath, info.Size()>>20)
	})
	return t.warmErr
}

// Argv builds the whisper invocation. The CLI writes <outBase>.json; audio
// must already be 16 kHz mono WAV (the executor extracts it with ffmpeg).
func (t *Transcriber) Argv(audioPath, outBase string) []string {
	return []string{
		"-m", t.ModelPath,
		"-f", audioPath,
		"--output-json-full",
		"--output-file", outBase,
		"--prompt", initialPrompt,
		"--language", "auto",
	}
}

// whisper.cpp transcript document. Offsets are milliseconds.
type whisperDoc struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// ParseResult decodes the transcript JSON and assembles the SRT rendition.
func ParseResult(data []byte) (Result, error) {
	var doc whisperDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Result{}, taskerr.Wrap(taskerr.KindProcessing, err, "unparsable transcript")
	}

	res := Result{Language: doc.Result.Language}
	captions := make([]subtitle.Caption, 0, len(doc.Transcription))
	for _, seg := range doc.Transcription {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		start := float64(seg.Offsets.From) / 1000
		end := float64(seg.Offsets.To) / 1000
		res.Segments = append(res.Segments, Segment{
			ID:    len(res.Segments),
			Start: start,
			End:   end,
			Text:  text,
		})
		captions = append(captions, subtitle.Caption{Start: start, End: end, Text: text})
		if end > res.Duration {
			res.Duration = end
		}
	}
	res.SRTText = subtitle.FormatSRT(captions)
	return res, nil
}
