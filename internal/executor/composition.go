package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mediamill/internal/config"
	"mediamill/internal/media"
	"mediamill/internal/planner"
	"mediamill/internal/subtitle"
	"mediamill/internal/task"
	"mediamill/internal/taskerr"
	"mediamill/internal/transcriber"
)

// CompositionInput names one source for a composition.
type CompositionInput struct {
	VideoURL string `json:"video_url" binding:"required"`
}

// CompositionRequest is the /compose_video payload. OutputSettings carries
// the mode-specific knobs; each mode decodes the subset it understands.
type CompositionRequest struct {
	CompositionType string             `json:"composition_type" binding:"required"`
	Videos          []CompositionInput `json:"videos"`
	AudioFile       string             `json:"audio_file,omitempty"`
	SubtitleFile    string             `json:"subtitle_file,omitempty"`
	Layout          string             `json:"layout,omitempty"`
	TransitionType  string             `json:"transition_type,omitempty"`
	OutputFormat    string             `json:"output_format"`
	OutputQuality   string             `json:"output_quality"`
	OutputSettings  map[string]any     `json:"output_settings,omitempty"`
}

func (r *CompositionRequest) applyDefaults() {
	if r.OutputFormat == "" {
		r.OutputFormat = "mp4"
	}
	if r.OutputQuality == "" {
		r.OutputQuality = "720p"
	}
}

// CompositionResult is the completed-composition projection.
type CompositionResult struct {
	OutputFile             string  `json:"output_file"`
	Width                  int     `json:"width"`
	Height                 int     `json:"height"`
	Duration               float64 `json:"duration"`
	FileSizeBytes          int64   `json:"file_size_bytes"`
	ProcessingTimeS        float64 `json:"processing_time_s"`
	UsedAcceleratedEncoder bool    `json:"used_accelerated_encoder"`
}

// ValidateComposition rejects a malformed request before task creation.
func ValidateComposition(req *CompositionRequest) error {
	req.applyDefaults()
	if !planner.KnownMode(req.CompositionType) {
		return taskerr.New(taskerr.KindInputValidation,
			"unknown composition type %q", req.CompositionType)
	}
	switch req.CompositionType {
	case planner.ModeConcat, planner.ModeExtractAndConcat:
		if len(req.Videos) < 2 {
			return taskerr.New(taskerr.KindInputValidation,
				"%s requires at least two sources", req.CompositionType)
		}
	case planner.ModeAudioOnly, planner.ModeSlideshow:
	default:
		if len(req.Videos) == 0 {
			return taskerr.New(taskerr.KindInputValidation, "no sources given")
		}
	}
	return nil
}

// SubmitComposition starts the composition pipeline for an admitted task.
func (e *Executor) SubmitComposition(taskID string, req CompositionRequest) {
	e.launch(taskID, func(ctx context.Context) (any, error) {
		return e.compose(ctx, taskID, req)
	})
}

func (e *Executor) compose(ctx context.Context, taskID string, req CompositionRequest) (*CompositionResult, error) {
	started := time.Now()
	req.applyDefaults()
	if err := ValidateComposition(&req); err != nil {
		return nil, err
	}

	e.stage(taskID, "resolving sources", 2)
	inputs := make([]string, len(req.Videos))
	for i, v := range req.Videos {
		path, err := e.materialize(ctx, taskID, v.VideoURL)
		if err != nil {
			return nil, err
		}
		inputs[i] = path
	}

	outDir := e.cfg.TaskDir(config.DirCompositions, taskID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, taskerr.Wrap(taskerr.KindFileSystem, err, "create composition dir")
	}
	output := filepath.Join(outDir, "output."+req.OutputFormat)

	e.stage(taskID, "planning", 8)
	argv, err := e.plan(ctx, taskID, req, inputs, output)
	if err != nil {
		return nil, err
	}
	usedSoftware := argvUsesSoftwareEncoder(argv)

	e.stage(taskID, "encoding", 10)
	if _, err := e.runner.Run(ctx, argv, e.cfg.TaskTimeout, taskID); err != nil {
		return nil, err
	}

	e.stage(taskID, "verifying output", 96)
	info, err := e.probeFile(ctx, output)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindProcessing, err, "composition output unreadable")
	}
	stat, err := os.Stat(output)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindFileSystem, err, "composition output missing")
	}

	caps := e.detector.Capabilities(ctx)
	e.registry.Update(taskID, func(rec *task.Record) { rec.CurrentStage = "done" })
	return &CompositionResult{
		OutputFile:             output,
		Width:                  info.Width,
		Height:                 info.Height,
		Duration:               info.Duration,
		FileSizeBytes:          stat.Size(),
		ProcessingTimeS:        time.Since(started).Seconds(),
		UsedAcceleratedEncoder: usedSoftware && caps.PreferredEncoder != "",
	}, nil
}

// plan dispatches to the per-mode planner, running any preparatory passes
// (segment extraction, normalization, script conversion) first.
func (e *Executor) plan(ctx context.Context, taskID string, req CompositionRequest,
	inputs []string, output string) ([]string, error) {
	width, height := planner.QualityDims(req.OutputQuality)

	switch req.CompositionType {
	case planner.ModeConcat:
		return e.planConcat(ctx, taskID, inputs, width, height, output)

	case planner.ModeExtractAndConcat:
		cut, err := e.extractSegments(ctx, taskID, req, inputs)
		if err != nil {
			return nil, err
		}
		return e.planConcat(ctx, taskID, cut, width, height, output)

	case planner.ModeAudioVideoSubtitle:
		subPath, err := e.prepareSubtitle(ctx, taskID, req)
		if err != nil {
			return nil, err
		}
		return planner.AudioVideoSubtitle(inputs[0], req.AudioFile, subPath, output)

	case planner.ModePictureInPicture:
		if len(inputs) < 2 {
			return nil, taskerr.New(taskerr.KindInputValidation, "picture_in_picture needs a main and an overlay source")
		}
		var s overlaySettings
		if err := decodeSettings(req.OutputSettings, &s); err != nil {
			return nil, err
		}
		return planner.PictureInPicture(inputs[0], s.toSpec(inputs[1]), output)

	case planner.ModeMultiOverlay:
		if len(inputs) < 2 {
			return nil, taskerr.New(taskerr.KindInputValidation, "multi_overlay needs a main source plus overlays")
		}
		var s struct {
			Overlays []overlaySettings `json:"overlays"`
		}
		if err := decodeSettings(req.OutputSettings, &s); err != nil {
			return nil, err
		}
		overlays := make([]planner.OverlaySpec, 0, len(inputs)-1)
		for i, path := range inputs[1:] {
			var layer overlaySettings
			if i < len(s.Overlays) {
				layer = s.Overlays[i]
			}
			overlays = append(overlays, layer.toSpec(path))
		}
		return planner.MultiOverlay(inputs[0], overlays, output)

	case planner.ModeSideBySide, planner.ModeSideBySideAudioMix:
		return e.planSideBySide(ctx, req, inputs, output)

	case planner.ModeSlideshow:
		var s struct {
			SecondsPerImage float64 `json:"seconds_per_image"`
			TransitionDur   float64 `json:"transition_duration"`
		}
		if err := decodeSettings(req.OutputSettings, &s); err != nil {
			return nil, err
		}
		return planner.Slideshow(planner.SlideshowSpec{
			Images:        inputs,
			Audio:         req.AudioFile,
			SecondsPer:    s.SecondsPerImage,
			Transition:    req.TransitionType,
			TransitionDur: s.TransitionDur,
			Width:         width,
			Height:        height,
		}, output)

	case planner.ModeAudioOnly:
		return e.planAudioOnly(ctx, req, inputs, output)

	case planner.ModeWatermark:
		var s struct {
			Text     string  `json:"text"`
			Position string  `json:"position"`
			Scale    float64 `json:"scale"`
			Opacity  float64 `json:"opacity"`
			FontSize int     `json:"font_size"`
		}
		if err := decodeSettings(req.OutputSettings, &s); err != nil {
			return nil, err
		}
		spec := planner.WatermarkSpec{
			Text:     s.Text,
			Position: planner.Position(s.Position),
			Scale:    s.Scale,
			Opacity:  s.Opacity,
			FontSize: s.FontSize,
		}
		if len(inputs) > 1 {
			spec.ImagePath = inputs[1]
		}
		return planner.Watermark(inputs[0], spec, output)

	case planner.ModeColorFilter:
		var adjust planner.ColorAdjust
		if err := decodeSettings(req.OutputSettings, &adjust); err != nil {
			return nil, err
		}
		return planner.ColorFilter(inputs[0], adjust, output)
	}
	return nil, taskerr.New(taskerr.KindInputValidation, "unknown composition type %q", req.CompositionType)
}

// planConcat probes every input, normalizes the ones that do not already
// match the target layout and joins the result by stream copy.
func (e *Executor) planConcat(ctx context.Context, taskID string, inputs []string,
	width, height int, output string) ([]string, error) {
	infos := make([]media.Info, len(inputs))
	for i, path := range inputs {
		info, err := e.probeFile(ctx, path)
		if err != nil {
			return nil, err
		}
		infos[i] = info
	}

	target := media.Info{
		Width: width, Height: height, FPS: 30,
		VideoCodec: "h264", AudioCodec: "aac",
	}
	tempDir := e.cfg.TaskDir(config.DirTempComposition, taskID)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, taskerr.Wrap(taskerr.KindFileSystem, err, "create temp dir")
	}
	e.registry.AddTempPath(taskID, tempDir)

	normalized := make([]string, len(inputs))
	for i, path := range inputs {
		if infos[i].MatchesLayout(target) {
			normalized[i] = path
			continue
		}
		out := filepath.Join(tempDir, fmt.Sprintf("norm_%03d.mp4", i))
		argv, err := planner.Normalize(path, out, width, height)
		if err != nil {
			return nil, err
		}
		if _, err := e.runner.Run(ctx, argv, e.cfg.TaskTimeout, taskID); err != nil {
			return nil, err
		}
		normalized[i] = out
	}

	listFile := filepath.Join(tempDir, "concat.txt")
	var b strings.Builder
	for _, path := range normalized {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(listFile, []byte(b.String()), 0o644); err != nil {
		return nil, taskerr.Wrap(taskerr.KindFileSystem, err, "write concat list")
	}
	return planner.ConcatCopy(listFile, output)
}

// extractSegments cuts the requested [start, end) span out of each input.
// Segments pair positionally with the videos array.
func (e *Executor) extractSegments(ctx context.Context, taskID string,
	req CompositionRequest, inputs []string) ([]string, error) {
	var s struct {
		Segments []struct {
			Start float64 `json:"start"`
			End   float64 `json:"end"`
		} `json:"segments"`
	}
	if err := decodeSettings(req.OutputSettings, &s); err != nil {
		return nil, err
	}
	if len(s.Segments) != len(inputs) {
		return nil, taskerr.New(taskerr.KindInputValidation,
			"%d segments for %d sources", len(s.Segments), len(inputs))
	}

	tempDir := e.cfg.TaskDir(config.DirTempComposition, taskID)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, taskerr.Wrap(taskerr.KindFileSystem, err, "create temp dir")
	}
	e.registry.AddTempPath(taskID, tempDir)

	cut := make([]string, len(inputs))
	for i, path := range inputs {
		info, err := e.probeFile(ctx, path)
		if err != nil {
			return nil, err
		}
		out := filepath.Join(tempDir, fmt.Sprintf("cut_%03d.mp4", i))
		argv, err := planner.ExtractSegment(path, s.Segments[i].Start, s.Segments[i].End, out, copySafeCut(info))
		if err != nil {
			return nil, err
		}
		if _, err := e.runner.Run(ctx, argv, e.cfg.TaskTimeout, taskID); err != nil {
			return nil, err
		}
		cut[i] = out
	}
	return cut, nil
}

// copySafeCut reports whether a segment can be cut by lossless stream copy:
// mp4-friendly codecs remux cleanly, anything else re-encodes for frame
// accuracy.
func copySafeCut(info media.Info) bool {
	switch info.VideoCodec {
	case "h264", "hevc":
	default:
		return false
	}
	if !info.HasAudio {
		return true
	}
	switch info.AudioCodec {
	case "aac", "mp3":
		return true
	}
	return false
}

// prepareSubtitle validates the subtitle file and converts a plain-text
// script into timed SRT: aligned against a speech-to-text pass of the audio
// track when one succeeds, rhythm-paced otherwise.
func (e *Executor) prepareSubtitle(ctx context.Context, taskID string, req CompositionRequest) (string, error) {
	if req.SubtitleFile == "" {
		return "", nil
	}
	stat, err := os.Stat(req.SubtitleFile)
	if err != nil {
		return "", taskerr.Wrap(taskerr.KindInputValidation, err, "subtitle file not found")
	}
	if err := subtitle.ValidateSize(stat.Size()); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(req.SubtitleFile))
	supported, convert := subtitle.SupportedExt(ext)
	if !supported {
		return "", taskerr.New(taskerr.KindInputValidation, "unsupported subtitle format %q", ext)
	}
	if !convert {
		return req.SubtitleFile, nil
	}

	data, err := os.ReadFile(req.SubtitleFile)
	if err != nil {
		return "", taskerr.Wrap(taskerr.KindFileSystem, err, "read script")
	}

	tempDir := e.cfg.TaskDir(config.DirTempComposition, taskID)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", taskerr.Wrap(taskerr.KindFileSystem, err, "create temp dir")
	}
	e.registry.AddTempPath(taskID, tempDir)

	segments := subtitle.SplitSegments(string(data))
	var audioDur float64
	var acoustic []subtitle.Caption
	if req.AudioFile != "" {
		if info, err := e.probeFile(ctx, req.AudioFile); err == nil {
			audioDur = info.Duration
		}
		acoustic, err = e.acousticCaptions(ctx, taskID, req.AudioFile, tempDir)
		if err != nil {
			e.logger.Warn("task %s: speech alignment unavailable, pacing by rhythm: %v", taskID, err)
		}
	}
	captions := scriptCaptions(segments, acoustic, audioDur)

	srtPath := filepath.Join(tempDir, "script.srt")
	if err := os.WriteFile(srtPath, []byte(subtitle.FormatSRT(captions)), 0o644); err != nil {
		return "", taskerr.Wrap(taskerr.KindFileSystem, err, "write converted subtitles")
	}
	return srtPath, nil
}

// scriptCaptions picks the timing algorithm: acoustic alignment when the
// speech pass produced captions, rhythm pacing otherwise.
func scriptCaptions(segments []string, acoustic []subtitle.Caption, audioDur float64) []subtitle.Caption {
	if len(acoustic) > 0 {
		return subtitle.AlignToScript(segments, acoustic)
	}
	return subtitle.RhythmCaptions(segments, audioDur)
}

// acousticCaptions transcribes the audio track for script alignment. Any
// failure is non-fatal; the caller falls back to rhythm pacing.
func (e *Executor) acousticCaptions(ctx context.Context, taskID, audioFile, tempDir string) ([]subtitle.Caption, error) {
	if err := e.trans.Warm(); err != nil {
		return nil, err
	}

	// The speech model wants 16 kHz mono WAV whatever the track arrived as.
	wavPath := filepath.Join(tempDir, "align.wav")
	extractArgv := []string{
		"-y", "-i", audioFile, "-vn", "-ar", "16000", "-ac", "1", "-f", "wav", wavPath,
	}
	if _, err := e.runner.Run(ctx, extractArgv, e.cfg.TaskTimeout, taskID); err != nil {
		return nil, err
	}

	outBase := filepath.Join(tempDir, "align")
	if _, err := e.runner.RunTool(ctx, e.cfg.WhisperBin, e.trans.Argv(wavPath, outBase),
		e.cfg.TaskTimeout, taskID, taskerr.KindProcessing, nil); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindFileSystem, err, "read alignment transcript")
	}
	res, err := transcriber.ParseResult(raw)
	if err != nil {
		return nil, err
	}

	captions := make([]subtitle.Caption, len(res.Segments))
	for i, seg := range res.Segments {
		captions[i] = subtitle.Caption{Start: seg.Start, End: seg.End, Text: seg.Text}
	}
	return captions, nil
}

func (e *Executor) planSideBySide(ctx context.Context, req CompositionRequest,
	inputs []string, output string) ([]string, error) {
	var s struct {
		CellWidth  int       `json:"cell_width"`
		CellHeight int       `json:"cell_height"`
		AudioGains []float64 `json:"audio_gains"`
	}
	if err := decodeSettings(req.OutputSettings, &s); err != nil {
		return nil, err
	}

	hasAudio := make([]bool, len(inputs))
	for i, path := range inputs {
		info, err := e.probeFile(ctx, path)
		if err != nil {
			return nil, err
		}
		hasAudio[i] = info.HasAudio
	}

	spec := planner.SideBySideSpec{
		Inputs:     inputs,
		Layout:     req.Layout,
		CellWidth:  s.CellWidth,
		CellHeight: s.CellHeight,
		HasAudio:   hasAudio,
	}
	if req.CompositionType == planner.ModeSideBySideAudioMix {
		spec.AudioGains = s.AudioGains
		if spec.AudioGains == nil {
			spec.AudioGains = make([]float64, len(inputs))
			for i := range spec.AudioGains {
				spec.AudioGains[i] = 1
			}
		}
	}
	return planner.SideBySide(spec, output)
}

func (e *Executor) planAudioOnly(ctx context.Context, req CompositionRequest,
	inputs []string, output string) ([]string, error) {
	var s struct {
		Operation string    `json:"operation"`
		Volume    float64   `json:"volume"`
		FadeIn    float64   `json:"fade_in"`
		FadeOut   float64   `json:"fade_out"`
		Bitrate   string    `json:"bitrate"`
		Weights   []float64 `json:"weights"`
		Crossfade float64   `json:"crossfade_duration"`
	}
	if err := decodeSettings(req.OutputSettings, &s); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		if req.AudioFile == "" {
			return nil, taskerr.New(taskerr.KindInputValidation, "audio_only needs at least one source")
		}
		inputs = []string{req.AudioFile}
	}

	switch s.Operation {
	case "mix":
		return planner.MixAudio(inputs, s.Weights, output)
	case "crossfade":
		if len(inputs) != 2 {
			return nil, taskerr.New(taskerr.KindInputValidation, "crossfade needs exactly two tracks")
		}
		return planner.Crossfade(inputs[0], inputs[1], s.Crossfade, output)
	case "extract":
		return planner.ExtractAudio(inputs[0], output, false)
	default:
		t := planner.AudioTransform{
			Volume:  s.Volume,
			FadeIn:  s.FadeIn,
			FadeOut: s.FadeOut,
			Bitrate: s.Bitrate,
		}
		if t.FadeOut > 0 {
			info, err := e.probeFile(ctx, inputs[0])
			if err != nil {
				return nil, err
			}
			t.Duration = info.Duration
		}
		return planner.AudioProcess(inputs[0], t, output)
	}
}

// overlaySettings is the JSON shape of one overlay layer in OutputSettings.
type overlaySettings struct {
	Position string  `json:"position"`
	Scale    float64 `json:"scale"`
	Opacity  float64 `json:"opacity"`
	ZOrder   int     `json:"z_order"`
}

func (s overlaySettings) toSpec(path string) planner.OverlaySpec {
	return planner.OverlaySpec{
		Path:     path,
		Position: planner.Position(s.Position),
		Scale:    s.Scale,
		Opacity:  s.Opacity,
		ZOrder:   s.ZOrder,
	}
}

// argvUsesSoftwareEncoder reports whether the planned argv names a software
// encoder the hardware rewriter could substitute.
func argvUsesSoftwareEncoder(argv []string) bool {
	for _, arg := range argv {
		if arg == "libx264" || arg == "libx265" {
			return true
		}
	}
	return false
}

// decodeSettings maps the loosely-typed OutputSettings into a mode-specific
// struct by a JSON round trip.
func decodeSettings(settings map[string]any, out any) error {
	if settings == nil {
		return nil
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return taskerr.Wrap(taskerr.KindInputValidation, err, "unencodable output settings")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return taskerr.Wrap(taskerr.KindInputValidation, err, "malformed output settings")
	}
	return nil
}
