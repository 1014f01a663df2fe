package executor

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"mediamill/internal/config"
	"mediamill/internal/taskerr"
)

// Keyframe extraction methods.
const (
	MethodInterval   = "interval"
	MethodTimestamps = "timestamps"
	MethodKeyframes  = "keyframes"
	MethodCount      = "count"
)

const (
	minFrameDim = 64
	maxFrameDim = 4096
	maxFrames   = 500

	// sceneThreshold is the scene-change score a frame must exceed to be
	// picked by the keyframes method.
	sceneThreshold = 0.4
)

// KeyframeRequest is the /extract_keyframes payload.
type KeyframeRequest struct {
	VideoURL   string    `json:"video_url" binding:"required"`
	Method     string    `json:"method"`
	Interval   float64   `json:"interval"`
	Timestamps []float64 `json:"timestamps"`
	Count      int       `json:"count"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Format     string    `json:"format"`
	Quality    int       `json:"quality"`
}

func (r *KeyframeRequest) applyDefaults() {
	if r.Method == "" {
		r.Method = MethodInterval
	}
	if r.Interval <= 0 {
		r.Interval = 30
	}
	if r.Count <= 0 {
		r.Count = 10
	}
	if r.Width == 0 && r.Height == 0 {
		r.Width, r.Height = 1280, 720
	}
	if r.Format == "" {
		r.Format = "jpg"
	}
	if r.Quality == 0 {
		r.Quality = 85
	}
}

// ValidateKeyframe rejects a malformed request before task creation.
func ValidateKeyframe(req *KeyframeRequest) error {
	req.applyDefaults()
	switch req.Method {
	case MethodInterval, MethodTimestamps, MethodKeyframes, MethodCount:
	default:
		return taskerr.New(taskerr.KindInputValidation, "unknown extraction method %q", req.Method)
	}
	if req.Method == MethodTimestamps && len(req.Timestamps) == 0 {
		return taskerr.New(taskerr.KindInputValidation, "timestamps method needs at least one timestamp")
	}
	if req.Width < minFrameDim || req.Width > maxFrameDim ||
		req.Height < minFrameDim || req.Height > maxFrameDim {
		return taskerr.New(taskerr.KindInputValidation,
			"frame size %dx%d outside %dx%d..%dx%d",
			req.Width, req.Height, minFrameDim, minFrameDim, maxFrameDim, maxFrameDim)
	}
	if req.Format != "jpg" && req.Format != "png" {
		return taskerr.New(taskerr.KindInputValidation, "unsupported image format %q", req.Format)
	}
	if req.Quality < 1 || req.Quality > 100 {
		return taskerr.New(taskerr.KindInputValidation, "quality %d outside 1..100", req.Quality)
	}
	return nil
}

// FrameInfo describes one extracted still.
type FrameInfo struct {
	Timestamp float64 `json:"timestamp"`
	Filename  string  `json:"filename"`
	SizeBytes int64   `json:"size_bytes"`
}

// KeyframeResult is the completed-extraction projection.
type KeyframeResult struct {
	Title       string      `json:"title"`
	Duration    float64     `json:"duration"`
	TotalFrames int         `json:"total_frames"`
	Frames      []FrameInfo `json:"frames"`
	Thumbnail   string      `json:"thumbnail,omitempty"`
}

// SubmitKeyframes starts the extraction pipeline for an admitted task.
func (e *Executor) SubmitKeyframes(taskID string, req KeyframeRequest) {
	e.launch(taskID, func(ctx context.Context) (any, error) {
		return e.extractKeyframes(ctx, taskID, req)
	})
}

func (e *Executor) extractKeyframes(ctx context.Context, taskID string, req KeyframeRequest) (*KeyframeResult, error) {
	req.applyDefaults()
	e.stage(taskID, "resolving source", 2)
	src, err := e.materialize(ctx, taskID, req.VideoURL)
	if err != nil {
		return nil, err
	}
	info, err := e.probeFile(ctx, src)
	if err != nil {
		return nil, err
	}
	if !info.HasVideo {
		return nil, taskerr.New(taskerr.KindInputValidation, "%s has no video stream", src)
	}

	e.stage(taskID, "selecting moments", 5)
	var moments []float64
	switch req.Method {
	case MethodTimestamps:
		moments = clampTimestamps(req.Timestamps, info.Duration)
	case MethodCount:
		moments = evenTimestamps(info.Duration, req.Count)
	case MethodKeyframes:
		moments, err = e.sceneChanges(ctx, taskID, src)
		if err != nil {
			return nil, err
		}
	default:
		moments = intervalTimestamps(info.Duration, req.Interval)
	}
	if len(moments) == 0 {
		return nil, taskerr.New(taskerr.KindProcessing, "no frames selected from %s", src)
	}
	if len(moments) > maxFrames {
		moments = moments[:maxFrames]
	}

	dir := e.cfg.TaskDir(config.DirKeyframes, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, taskerr.Wrap(taskerr.KindFileSystem, err, "create keyframe dir")
	}

	res := &KeyframeResult{Title: info.Title, Duration: info.Duration}
	for i, ts := range moments {
		name := fmt.Sprintf("frame_%03d.%s", i+1, req.Format)
		out := filepath.Join(dir, name)
		argv := frameArgv(src, ts, req, out)
		if _, err := e.runner.Run(ctx, argv, probeTimeout, taskID); err != nil {
			return nil, err
		}
		stat, err := os.Stat(out)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindFileSystem, err, "frame %d missing", i+1)
		}
		res.Frames = append(res.Frames, FrameInfo{Timestamp: ts, Filename: name, SizeBytes: stat.Size()})
		e.registry.SetProgress(taskID, 5+85*(i+1)/len(moments), "extracting frames")
	}
	res.TotalFrames = len(res.Frames)

	e.stage(taskID, "building contact sheet", 92)
	thumb := filepath.Join(dir, "thumbnail."+req.Format)
	if err := e.contactSheet(ctx, taskID, dir, req.Format, len(res.Frames), thumb); err != nil {
		// A failed sheet does not fail the extraction.
		e.logger.Warn("contact sheet for task %s: %v", taskID, err)
	} else {
		res.Thumbnail = filepath.Base(thumb)
	}
	return res, nil
}

// frameArgv extracts one still at ts. -q:v maps inverted quality onto
// ffmpeg's 2 (best) .. 31 (worst) scale for jpg; png ignores it.
func frameArgv(src string, ts float64, req KeyframeRequest, out string) []string {
	argv := []string{
		"-y", "-ss", fmt.Sprintf("%.3f", ts), "-i", src,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", req.Width, req.Height),
	}
	if req.Format == "jpg" {
		q := 2 + (100-req.Quality)*29/99
		argv = append(argv, "-q:v", strconv.Itoa(q))
	}
	return append(argv, out)
}

// contactSheet tiles the numbered frames into one composite image.
func (e *Executor) contactSheet(ctx context.Context, taskID, dir, format string, n int, out string) error {
	if n == 0 {
		return taskerr.New(taskerr.KindProcessing, "no frames to tile")
	}
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := (n + cols - 1) / cols
	pattern := filepath.Join(dir, "frame_%03d."+format)
	argv := []string{
		"-y", "-i", pattern,
		"-vf", fmt.Sprintf("scale=320:-1,tile=%dx%d", cols, rows),
		"-frames:v", "1",
		out,
	}
	_, err := e.runner.Run(ctx, argv, probeTimeout, taskID)
	return err
}

var sceneRe = regexp.MustCompile(`pts_time:([0-9]+(?:\.[0-9]+)?)`)

// sceneChanges runs a detection pass and returns the timestamps whose
// scene-change score exceeds the threshold.
func (e *Executor) sceneChanges(ctx context.Context, taskID, src string) ([]float64, error) {
	var moments []float64
	hook := func(line string) {
		if m := sceneRe.FindStringSubmatch(line); m != nil {
			if ts, err := strconv.ParseFloat(m[1], 64); err == nil {
				moments = append(moments, ts)
			}
		}
	}
	argv := []string{
		"-i", src,
		"-vf", fmt.Sprintf("select='gt(scene,%.2f)',showinfo", sceneThreshold),
		"-f", "null", "-",
	}
	if _, err := e.runner.RunTool(ctx, e.cfg.FFmpegBin, argv, e.cfg.TaskTimeout, taskID,
		taskerr.KindFFmpeg, hook); err != nil {
		return nil, err
	}
	return moments, nil
}

// intervalTimestamps selects a moment every step seconds, starting at zero.
func intervalTimestamps(duration, step float64) []float64 {
	if duration <= 0 || step <= 0 {
		return nil
	}
	var out []float64
	for t := 0.0; t < duration; t += step {
		out = append(out, t)
	}
	return out
}

// evenTimestamps selects count moments at the midpoints of equal slices, so
// the first and last frames sit inside the content instead of on the edges.
func evenTimestamps(duration float64, count int) []float64 {
	if duration <= 0 || count <= 0 {
		return nil
	}
	out := make([]float64, count)
	slice := duration / float64(count)
	for i := range out {
		out[i] = (float64(i) + 0.5) * slice
	}
	return out
}

// clampTimestamps drops negatives and pins overshoots just inside the end.
func clampTimestamps(in []float64, duration float64) []float64 {
	var out []float64
	for _, ts := range in {
		if ts < 0 {
			continue
		}
		if duration > 0 && ts >= duration {
			ts = duration - 0.05
			if ts < 0 {
				ts = 0
			}
		}
		out = append(out, ts)
	}
	return out
}
