package executor

import (
	"context"
	"os"
	"path/filepath"

	"mediamill/internal/config"
	"mediamill/internal/task"
	"mediamill/internal/taskerr"
	"mediamill/internal/transcriber"
)

// TranscriptionRequest is the /generate_text_from_video payload.
type TranscriptionRequest struct {
	VideoURL string `json:"video_url" binding:"required"`
}

// SubmitTranscription starts the transcription pipeline for an admitted task.
func (e *Executor) SubmitTranscription(taskID string, req TranscriptionRequest) {
	e.launch(taskID, func(ctx context.Context) (any, error) {
		return e.transcribe(ctx, taskID, req)
	})
}

func (e *Executor) transcribe(ctx context.Context, taskID string, req TranscriptionRequest) (*transcriber.Result, error) {
	e.stage(taskID, "resolving source", 5)
	src, err := e.materialize(ctx, taskID, req.VideoURL)
	if err != nil {
		return nil, err
	}

	info, err := e.probeFile(ctx, src)
	if err != nil {
		return nil, err
	}
	if !info.HasAudio {
		return nil, taskerr.New(taskerr.KindInputValidation, "%s has no audio stream", src)
	}
	if info.Duration > e.cfg.MaxVideoDurationSec {
		return nil, taskerr.New(taskerr.KindResourceLimit,
			"duration %.0fs exceeds the %.0fs limit", info.Duration, e.cfg.MaxVideoDurationSec)
	}

	e.stage(taskID, "loading speech model", 10)
	if err := e.trans.Warm(); err != nil {
		return nil, err
	}

	// The speech model wants 16 kHz mono WAV regardless of the source
	// container.
	e.stage(taskID, "extracting audio", 15)
	workDir := e.cfg.TaskDir(config.DirOutput, taskID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, taskerr.Wrap(taskerr.KindFileSystem, err, "create task dir")
	}
	audioPath := filepath.Join(workDir, "audio.wav")
	e.registry.AddTempPath(taskID, audioPath)
	extractArgv := []string{
		"-y", "-i", src, "-vn", "-ar", "16000", "-ac", "1", "-f", "wav", audioPath,
	}
	if _, err := e.runner.Run(ctx, extractArgv, e.cfg.TaskTimeout, taskID); err != nil {
		return nil, err
	}

	e.stage(taskID, "transcribing", 40)
	outBase := filepath.Join(workDir, "transcript")
	if _, err := e.runner.RunTool(ctx, e.cfg.WhisperBin, e.trans.Argv(audioPath, outBase),
		e.cfg.TaskTimeout, taskID, taskerr.KindProcessing, nil); err != nil {
		return nil, err
	}

	e.stage(taskID, "assembling subtitles", 90)
	data, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindFileSystem, err, "read transcript")
	}
	res, err := transcriber.ParseResult(data)
	if err != nil {
		return nil, err
	}
	if res.Duration == 0 {
		res.Duration = info.Duration
	}
	e.registry.Update(taskID, func(rec *task.Record) {
		rec.CurrentStage = "done"
	})
	return &res, nil
}
