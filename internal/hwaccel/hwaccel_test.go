package hwaccel

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediamill/internal/logging"
)

func TestRewriteArgvReplacesCodecOnly(t *testing.T) {
	argv := []string{"-i", "in.mp4", "-c:v", "libx264", "-preset", "medium", "-crf", "23", "-c:a", "aac", "out.mp4"}
	got := RewriteArgv(argv, "h264_nvenc")

	assert.Contains(t, got, "h264_nvenc")
	assert.NotContains(t, got, "libx264")
	assert.NotContains(t, got, "medium", "software preset dropped")
	assert.NotContains(t, got, "-crf")

	// Non-codec entries survive untouched and in order.
	assert.Equal(t, "-i", got[0])
	assert.Equal(t, "in.mp4", got[1])
	assert.Equal(t, "out.mp4", got[len(got)-1])
	assert.Contains(t, got, "-c:a")
	assert.Contains(t, got, "aac")
}

func TestRewriteArgvPerFamilyTuning(t *testing.T) {
	argv := []string{"-i", "in.mp4", "-c:v", "libx265", "out.mp4"}

	assert.Contains(t, RewriteArgv(argv, "hevc_nvenc"), "-cq")
	assert.Contains(t, RewriteArgv(argv, "hevc_qsv"), "-global_quality")
	assert.Contains(t, RewriteArgv(argv, "hevc_amf"), "-quality")
	assert.Contains(t, RewriteArgv(argv, "hevc_videotoolbox"), "-q:v")
}

func TestRewriteArgvLeavesCopyUntouched(t *testing.T) {
	argv := []string{"-i", "in.mp4", "-c:v", "copy", "out.mp4"}
	assert.Equal(t, argv, RewriteArgv(argv, "h264_nvenc"))
}

func TestRewriteArgvNoCodecFlag(t *testing.T) {
	argv := []string{"-i", "in.mp4", "-an", "out.mp4"}
	assert.Equal(t, argv, RewriteArgv(argv, "h264_nvenc"))
}

func TestDetectorAcceptsOnlyNonEmptyOutputs(t *testing.T) {
	d := NewDetector("ffmpeg", logging.Nop())
	d.tryEncode = func(ctx context.Context, encoder, outPath string) error {
		switch encoder {
		case "h264_nvenc":
			return os.WriteFile(outPath, []byte("frames"), 0o644)
		case "hevc_nvenc":
			// Zero exit but empty output must be rejected.
			return os.WriteFile(outPath, nil, 0o644)
		default:
			return errors.New("unknown encoder")
		}
	}

	caps := d.Capabilities(context.Background())
	require.Equal(t, []string{"h264_nvenc"}, caps.AcceleratedEncoders)
	assert.Equal(t, "h264_nvenc", caps.PreferredEncoder)
}

func TestDetectorProbesOnce(t *testing.T) {
	calls := 0
	d := NewDetector("ffmpeg", logging.Nop())
	d.tryEncode = func(ctx context.Context, encoder, outPath string) error {
		calls++
		return errors.New("no hw")
	}

	first := d.Capabilities(context.Background())
	again := d.Capabilities(context.Background())
	assert.Empty(t, first.AcceleratedEncoders)
	assert.Equal(t, first, again)
	assert.Equal(t, len(candidateEncoders()), calls, "second call served from memo")
}

func TestDetectorIgnoresCancelledCallerContext(t *testing.T) {
	d := NewDetector("ffmpeg", logging.Nop())
	d.tryEncode = func(ctx context.Context, encoder, outPath string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if encoder == "h264_nvenc" {
			return os.WriteFile(outPath, []byte("frames"), 0o644)
		}
		return errors.New("unknown encoder")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	caps := d.Capabilities(ctx)
	assert.Equal(t, "h264_nvenc", caps.PreferredEncoder,
		"an impatient caller must not memoize an empty capability set")
	assert.Equal(t, "h264_nvenc", d.Capabilities(context.Background()).PreferredEncoder)
}

func TestDetectorConcurrentFirstUse(t *testing.T) {
	var calls atomic.Int32
	d := NewDetector("ffmpeg", logging.Nop())
	d.tryEncode = func(ctx context.Context, encoder, outPath string) error {
		calls.Add(1)
		return errors.New("no hw")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Capabilities(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(len(candidateEncoders())), calls.Load(), "one probe across racing callers")
}

func TestRewriteNoopWithoutHardware(t *testing.T) {
	d := NewDetector("ffmpeg", logging.Nop())
	d.tryEncode = func(ctx context.Context, encoder, outPath string) error {
		return errors.New("no hw")
	}
	argv := []string{"-i", "a.mp4", "-c:v", "libx264", "out.mp4"}
	assert.Equal(t, argv, d.Rewrite(argv))
}
