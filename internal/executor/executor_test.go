package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediamill/internal/cache"
	"mediamill/internal/config"
	"mediamill/internal/downloader"
	"mediamill/internal/hwaccel"
	"mediamill/internal/media"
	"mediamill/internal/planner"
	"mediamill/internal/runner"
	"mediamill/internal/subtitle"
	"mediamill/internal/task"
	"mediamill/internal/taskerr"
	"mediamill/internal/transcriber"
)

func testExecutor(t *testing.T) (*Executor, *task.Registry) {
	t.Helper()
	cfg := config.Default()
	cfg.WorkDir = t.TempDir()
	registry := task.NewRegistry(nil)
	store, err := cache.New(t.TempDir(), 1<<20, time.Hour, nil)
	require.NoError(t, err)
	e := New(cfg, registry, runner.New("ffmpeg", "ffprobe", 2, nil), store,
		hwaccel.NewDetector("ffmpeg", nil), nil, transcriber.New("model.bin", nil),
		taskerr.NewRing(10), nil)
	return e, registry
}

func TestLaunchCompletesTask(t *testing.T) {
	e, registry := testExecutor(t)
	rec := registry.Create(task.FamilyDownload, nil)

	e.launch(rec.ID, func(ctx context.Context) (any, error) {
		return map[string]string{"ok": "yes"}, nil
	})

	require.Eventually(t, func() bool {
		got, _ := registry.Get(rec.ID)
		return got.Status == task.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	got, _ := registry.Get(rec.ID)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.Result)
}

func TestLaunchFailsTaskAndRecordsError(t *testing.T) {
	e, registry := testExecutor(t)
	rec := registry.Create(task.FamilyComposition, nil)

	e.launch(rec.ID, func(ctx context.Context) (any, error) {
		return nil, taskerr.New(taskerr.KindInputValidation, "bad input")
	})

	require.Eventually(t, func() bool {
		got, _ := registry.Get(rec.ID)
		return got.Status == task.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	got, _ := registry.Get(rec.ID)
	require.NotNil(t, got.Error)
	assert.Equal(t, taskerr.KindInputValidation, got.Error.Kind)

	total, byKind := e.errors.Stats()
	assert.EqualValues(t, 1, total)
	assert.EqualValues(t, 1, byKind[taskerr.KindInputValidation])
}

func TestIsRemote(t *testing.T) {
	assert.True(t, isRemote("https://example.com/v"))
	assert.False(t, isRemote("/var/media/in.mp4"))
	assert.False(t, isRemote("relative/path.mp4"))
}

func TestIntervalTimestamps(t *testing.T) {
	assert.Equal(t, []float64{0, 30, 60, 90}, intervalTimestamps(100, 30))
	assert.Nil(t, intervalTimestamps(0, 30))
	assert.Nil(t, intervalTimestamps(100, 0))
}

func TestEvenTimestamps(t *testing.T) {
	got := evenTimestamps(100, 4)
	require.Len(t, got, 4)
	assert.InDelta(t, 12.5, got[0], 0.001)
	assert.InDelta(t, 87.5, got[3], 0.001)
	assert.Nil(t, evenTimestamps(100, 0))
}

func TestClampTimestamps(t *testing.T) {
	got := clampTimestamps([]float64{-1, 5, 99, 120}, 100)
	require.Len(t, got, 3, "negative dropped")
	assert.InDelta(t, 5, got[0], 0.001)
	assert.InDelta(t, 99, got[1], 0.001)
	assert.InDelta(t, 99.95, got[2], 0.001, "overshoot pinned inside the end")
}

func TestValidateKeyframe(t *testing.T) {
	req := KeyframeRequest{VideoURL: "in.mp4"}
	require.NoError(t, ValidateKeyframe(&req))
	assert.Equal(t, MethodInterval, req.Method)
	assert.Equal(t, 1280, req.Width)
	assert.Equal(t, 85, req.Quality)

	bad := []KeyframeRequest{
		{VideoURL: "x", Method: "random"},
		{VideoURL: "x", Method: MethodTimestamps},
		{VideoURL: "x", Width: 32, Height: 720},
		{VideoURL: "x", Width: 1280, Height: 8192},
		{VideoURL: "x", Format: "gif"},
		{VideoURL: "x", Quality: 101},
	}
	for i := range bad {
		err := ValidateKeyframe(&bad[i])
		require.Error(t, err, "case %d", i)
		assert.True(t, taskerr.IsKind(err, taskerr.KindInputValidation), "case %d", i)
	}
}

func TestFrameArgvQualityMapping(t *testing.T) {
	req := KeyframeRequest{Width: 640, Height: 360, Format: "jpg", Quality: 100}
	argv := frameArgv("in.mp4", 12.5, req, "out.jpg")
	assert.Contains(t, argv, "-q:v")
	for i, arg := range argv {
		if arg == "-q:v" {
			assert.Equal(t, "2", argv[i+1], "quality 100 maps to ffmpeg best")
		}
	}

	req.Format = "png"
	argv = frameArgv("in.mp4", 12.5, req, "out.png")
	assert.NotContains(t, argv, "-q:v")
	assert.Contains(t, argv, "12.500")
}

func TestValidateDownload(t *testing.T) {
	req := DownloadRequest{VideoURL: "https://example.com/v"}
	require.NoError(t, ValidateDownload(&req))
	assert.Equal(t, downloader.QualityBest, req.Quality)
	assert.Equal(t, downloader.ContainerMP4, req.Format)

	req = DownloadRequest{VideoURL: "https://example.com/v", Quality: "144p"}
	assert.Error(t, ValidateDownload(&req))
	req = DownloadRequest{VideoURL: "ftp://example.com/v"}
	assert.Error(t, ValidateDownload(&req))
}

func TestValidateComposition(t *testing.T) {
	req := CompositionRequest{CompositionType: "montage"}
	assert.Error(t, ValidateComposition(&req))

	req = CompositionRequest{
		CompositionType: planner.ModeConcat,
		Videos:          []CompositionInput{{VideoURL: "a.mp4"}},
	}
	err := ValidateComposition(&req)
	require.Error(t, err, "concat with a single source")
	assert.True(t, taskerr.IsKind(err, taskerr.KindInputValidation))

	req = CompositionRequest{
		CompositionType: planner.ModeConcat,
		Videos:          []CompositionInput{{VideoURL: "a.mp4"}, {VideoURL: "b.mp4"}},
	}
	require.NoError(t, ValidateComposition(&req))
	assert.Equal(t, "mp4", req.OutputFormat)
	assert.Equal(t, "720p", req.OutputQuality)

	req = CompositionRequest{CompositionType: planner.ModeAudioOnly}
	assert.NoError(t, ValidateComposition(&req), "audio_only may rely on audio_file")
}

func TestDecodeSettings(t *testing.T) {
	var s struct {
		CellWidth int       `json:"cell_width"`
		Gains     []float64 `json:"gains"`
	}
	require.NoError(t, decodeSettings(map[string]any{
		"cell_width": 640,
		"gains":      []any{1.0, 0.5},
	}, &s))
	assert.Equal(t, 640, s.CellWidth)
	assert.Equal(t, []float64{1, 0.5}, s.Gains)

	assert.NoError(t, decodeSettings(nil, &s), "nil settings leave zero values")

	err := decodeSettings(map[string]any{"cell_width": "wide"}, &s)
	require.Error(t, err)
	assert.True(t, taskerr.IsKind(err, taskerr.KindInputValidation))
}

func TestCopySafeCut(t *testing.T) {
	assert.True(t, copySafeCut(media.Info{VideoCodec: "h264", AudioCodec: "aac", HasAudio: true}))
	assert.True(t, copySafeCut(media.Info{VideoCodec: "hevc"}), "no audio track is fine")
	assert.False(t, copySafeCut(media.Info{VideoCodec: "vp9", AudioCodec: "opus", HasAudio: true}))
	assert.False(t, copySafeCut(media.Info{VideoCodec: "h264", AudioCodec: "opus", HasAudio: true}),
		"odd audio forces the re-encode path")
}

func TestScriptCaptionsPrefersAcousticTimings(t *testing.T) {
	segments := []string{"hello world", "goodbye moon"}
	acoustic := []subtitle.Caption{
		{Start: 0.4, End: 1.9, Text: "hello world"},
		{Start: 2.1, End: 3.8, Text: "goodbye moon"},
	}

	got := scriptCaptions(segments, acoustic, 10)
	require.Len(t, got, 2)
	assert.InDelta(t, 0.4, got[0].Start, 0.001, "speech timings win when present")
	assert.Equal(t, "hello world", got[0].Text)

	got = scriptCaptions(segments, nil, 10)
	require.Len(t, got, 2)
	assert.InDelta(t, 1.0, got[0].Start, 0.001, "rhythm lead-in without a speech pass")
}

func TestPrepareSubtitleRhythmWithoutAudio(t *testing.T) {
	e, registry := testExecutor(t)
	rec := registry.Create(task.FamilyComposition, nil)

	script := filepath.Join(t.TempDir(), "script.txt")
	require.NoError(t, os.WriteFile(script, []byte("First line here. Second line now."), 0o644))

	path, err := e.prepareSubtitle(context.Background(), rec.ID,
		CompositionRequest{SubtitleFile: script})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	parsed := subtitle.ParseSRT(string(raw))
	require.Len(t, parsed, 2)
	assert.InDelta(t, 1.0, parsed[0].Start, 0.001)
}

func TestPrepareSubtitleSurvivesSpeechFailure(t *testing.T) {
	e, registry := testExecutor(t)
	rec := registry.Create(task.FamilyComposition, nil)

	dir := t.TempDir()
	script := filepath.Join(dir, "script.txt")
	require.NoError(t, os.WriteFile(script, []byte("Only line here."), 0o644))
	audio := filepath.Join(dir, "voice.mp3")
	require.NoError(t, os.WriteFile(audio, []byte("not really audio"), 0o644))

	// The speech model file does not exist, so alignment degrades to
	// rhythm pacing instead of failing the composition.
	path, err := e.prepareSubtitle(context.Background(), rec.ID,
		CompositionRequest{SubtitleFile: script, AudioFile: audio})
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Only line here")
}

func TestArgvUsesSoftwareEncoder(t *testing.T) {
	assert.True(t, argvUsesSoftwareEncoder([]string{"-c:v", "libx264", "out.mp4"}))
	assert.False(t, argvUsesSoftwareEncoder([]string{"-c", "copy", "out.mp4"}))
}

func TestClassifiedLaunchError(t *testing.T) {
	e, registry := testExecutor(t)
	rec := registry.Create(task.FamilyTranscription, nil)

	e.launch(rec.ID, func(ctx context.Context) (any, error) {
		return nil, errors.New("something odd")
	})
	require.Eventually(t, func() bool {
		got, _ := registry.Get(rec.ID)
		return got.Status == task.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	got, _ := registry.Get(rec.ID)
	assert.Equal(t, taskerr.KindUnknown, got.Error.Kind, "unclassifiable errors land in unknown")
}
