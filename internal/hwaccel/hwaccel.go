// Package hwaccel probes ffmpeg once for accelerated video encoders and
// rewrites argument vectors to use the preferred one.
package hwaccel

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mediamill/internal/logging"
)

// Capabilities is the immutable result of the one-time probe.
type Capabilities struct {
	AcceleratedEncoders []string `json:"accelerated_encoders"`
	PreferredEncoder    string   `json:"preferred_encoder,omitempty"`
}

const probeTimeout = 15 * time.Second

// candidateEncoders returns the platform-ordered probe list.
func candidateEncoders() []string {
	vendors := []string{"nvenc", "qsv", "amf"}
	if runtime.GOOS == "darwin" {
		vendors = []string{"videotoolbox", "nvenc", "qsv", "amf"}
	}
	out := make([]string, 0, len(vendors)*2)
	for _, vendor := range vendors {
		out = append(out, "h264_"+vendor, "hevc_"+vendor)
	}
	return out
}

// Detector performs the lazy, memoized encoder probe. Safe for concurrent
// first use; singleflight collapses racing probes.
type Detector struct {
	ffmpegBin string
	logger    logging.Logger
	group     singleflight.Group

	mu   sync.Mutex
	caps *Capabilities

	// tryEncode runs a one-second synthetic encode; overridable in tests.
	tryEncode func(ctx context.Context, encoder, outPath string) error
}

// NewDetector creates a detector for the given ffmpeg binary.
func NewDetector(ffmpegBin string, logger logging.Logger) *Detector {
	d := &Detector{ffmpegBin: ffmpegBin, logger: logging.OrNop(logger)}
	d.tryEncode = d.syntheticEncode
	return d
}

// Capabilities returns the probed encoder list, probing on first call. The
// probe runs detached from the caller's context: a request that gives up
// mid-probe must not memoize an empty capability set for the process
// lifetime. Each candidate encode stays bounded by probeTimeout.
func (d *Detector) Capabilities(_ context.Context) Capabilities {
	d.mu.Lock()
	if d.caps != nil {
		caps := *d.caps
		d.mu.Unlock()
		return caps
	}
	d.mu.Unlock()

	v, _, _ := d.group.Do("probe", func() (any, error) {
		caps := d.probe(context.Background())
		d.mu.Lock()
		d.caps = &caps
		d.mu.Unlock()
		return caps, nil
	})
	return v.(Capabilities)
}

func (d *Detector) probe(ctx context.Context) Capabilities {
	caps := Capabilities{}
	dir, err := os.MkdirTemp("", "hwprobe-*")
	if err != nil {
		d.logger.Warn("hardware probe skipped: %v", err)
		return caps
	}
	defer os.RemoveAll(dir)

	for _, encoder := range candidateEncoders() {
		outPath := filepath.Join(dir, encoder+".mp4")
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := d.tryEncode(probeCtx, encoder, outPath)
		cancel()
		if err != nil {
			continue
		}
		info, statErr := os.Stat(outPath)
		if statErr != nil || info.Size() == 0 {
			continue
		}
		caps.AcceleratedEncoders = append(caps.AcceleratedEncoders, encoder)
	}
	if len(caps.AcceleratedEncoders) > 0 {
		caps.PreferredEncoder = caps.AcceleratedEncoders[0]
		d.logger.Info("accelerated encoders: %v (preferred %s)",
			caps.AcceleratedEncoders, caps.PreferredEncoder)
	} else {
		d.logger.Info("no accelerated encoders found, software encoding only")
	}
	return caps
}

func (d *Detector) syntheticEncode(ctx context.Context, encoder, outPath string) error {
	argv := []string{
		"-y", "-f", "lavfi", "-i", "color=black:s=320x240:d=1",
		"-c:v", encoder, "-frames:v", "30", outPath,
	}
	return exec.CommandContext(ctx, d.ffmpegBin, argv...).Run()
}

// Rewrite substitutes the preferred accelerated encoder into an argv that
// names a software video codec, dropping the software tuning flags and
// inserting the encoder family's idiomatic ones. Without a probed encoder
// the argv is returned unchanged. Satisfies the runner's ArgvRewriter.
func (d *Detector) Rewrite(argv []string) []string {
	caps := d.Capabilities(context.Background())
	if caps.PreferredEncoder == "" {
		return argv
	}
	return RewriteArgv(argv, caps.PreferredEncoder)
}

// softwareTuningFlags are dropped together with the software codec name;
// each consumes one value argument.
var softwareTuningFlags = map[string]bool{
	"-preset":  true,
	"-crf":     true,
	"-tune":    true,
	"-profile": true,
}

// RewriteArgv replaces the value of every -c:v flag naming a software H.264/
// HEVC encoder with the accelerated encoder plus its tuning flags.
func RewriteArgv(argv []string, encoder string) []string {
	out := make([]string, 0, len(argv)+6)
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		if arg != "-c:v" && arg != "-codec:v" && arg != "-vcodec" {
			out = append(out, arg)
			continue
		}
		if i+1 >= len(argv) || !isSoftwareCodec(argv[i+1]) {
			out = append(out, arg)
			continue
		}
		out = append(out, "-c:v", encoder)
		out = append(out, tuningFor(encoder)...)
		i++ // skip the software codec name
		// Drop the software tuning flags that follow.
		for i+2 < len(argv) && softwareTuningFlags[argv[i+1]] {
			i += 2
		}
	}
	return out
}

func isSoftwareCodec(name string) bool {
	switch name {
	case "libx264", "libx265", "h264", "hevc":
		return true
	}
	return false
}

// tuningFor returns the idiomatic rate-control flags per encoder family.
func tuningFor(encoder string) []string {
	switch {
	case strings.HasSuffix(encoder, "_nvenc"):
		return []string{"-preset", "fast", "-rc", "vbr", "-cq", "23"}
	case strings.HasSuffix(encoder, "_qsv"):
		return []string{"-preset", "fast", "-global_quality", "23"}
	case strings.HasSuffix(encoder, "_amf"):
		return []string{"-quality", "speed", "-rc", "cqp", "-qp_i", "22", "-qp_p", "24"}
	case strings.HasSuffix(encoder, "_videotoolbox"):
		return []string{"-q:v", "55"}
	}
	return nil
}
