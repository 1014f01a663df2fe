// Package runner executes external tool argument vectors with streamed
// progress, timeouts, cancellation and a global concurrency slot.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"mediamill/internal/logging"
	"mediamill/internal/taskerr"
)

const (
	defaultMaxConcurrentRuns = 2
	killGracePeriod          = 3 * time.Second
	stderrTailBytes          = 4096
)

// ProgressSink receives streamed progress updates correlated to a task.
type ProgressSink interface {
	SetProgress(taskID string, progress int, message string)
}

// ArgvRewriter lets the hardware-capability layer substitute accelerated
// encoders before a run. A nil rewriter leaves argv unchanged.
type ArgvRewriter interface {
	Rewrite(argv []string) []string
}

// Runner spawns ffmpeg/ffprobe children. It is the single source of truth
// for live child processes: cancellation and the janitor both act through
// the child registry kept here. The codec tool and the auxiliary tools draw
// from separate slot pools so long downloads never starve encodes.
type Runner struct {
	ffmpegBin  string
	ffprobeBin string

	slots     chan struct{}
	toolSlots chan struct{}
	rewriter  ArgvRewriter
	sink      ProgressSink
	logger    logging.Logger

	mu       sync.Mutex
	children map[string]*exec.Cmd
}

// New creates a runner with the given tool binaries and slot count.
func New(ffmpegBin, ffprobeBin string, maxRuns int, logger logging.Logger) *Runner {
	if maxRuns <= 0 {
		maxRuns = defaultMaxConcurrentRuns
	}
	return &Runner{
		ffmpegBin:  ffmpegBin,
		ffprobeBin: ffprobeBin,
		slots:      make(chan struct{}, maxRuns),
		toolSlots:  make(chan struct{}, maxRuns),
		children:   make(map[string]*exec.Cmd),
		logger:     logging.OrNop(logger),
	}
}

// SetRewriter wires the hardware-capability layer in after probing.
func (r *Runner) SetRewriter(rw ArgvRewriter) {
	r.rewriter = rw
}

// SetProgressSink wires the task registry's progress fast path.
func (r *Runner) SetProgressSink(sink ProgressSink) {
	r.sink = sink
}

// SlotStats reports slot occupancy for /system/performance/stats.
func (r *Runner) SlotStats() (used, capacity int) {
	return len(r.slots), cap(r.slots)
}

// Run executes ffmpeg with argv, streaming progress into the sink under
// taskID. It fails fast with a resource-limit error when every slot is
// busy; ffmpeg invocations never queue behind one another.
func (r *Runner) Run(ctx context.Context, argv []string, timeout time.Duration, taskID string) (string, error) {
	select {
	case r.slots <- struct{}{}:
	default:
		return "", taskerr.New(taskerr.KindResourceLimit,
			"all %d ffmpeg slots busy, try again later", cap(r.slots))
	}
	defer func() { <-r.slots }()

	if r.rewriter != nil {
		argv = r.rewriter.Rewrite(argv)
	}
	return r.execute(ctx, r.ffmpegBin, argv, timeout, taskID, true)
}

// Probe executes ffprobe with argv and returns its stdout. No progress
// streaming, no slot accounting: probes are short and read-only.
func (r *Runner) Probe(ctx context.Context, argv []string, timeout time.Duration) (string, error) {
	return r.execute(ctx, r.ffprobeBin, argv, timeout, "", false)
}

// LineHook receives each output line from a tool run as it streams.
type LineHook func(line string)

// RunTool executes an auxiliary tool (the downloader, the speech-to-text
// CLI) under the same child registry as ffmpeg but its own slot pool; the
// codec-tool ceiling covers codec-tool children only. Every stdout and
// stderr line is passed to hook as it arrives; failKind sets the error kind
// used when the tool exits non-zero.
func (r *Runner) RunTool(ctx context.Context, bin string, argv []string, timeout time.Duration, taskID string, failKind taskerr.Kind, hook LineHook) (string, error) {
	select {
	case r.toolSlots <- struct{}{}:
	default:
		return "", taskerr.New(taskerr.KindResourceLimit,
			"all %d tool slots busy, try again later", cap(r.toolSlots))
	}
	defer func() { <-r.toolSlots }()
	return r.executeLines(ctx, bin, argv, timeout, taskID, failKind, hook)
}

func (r *Runner) executeLines(ctx context.Context, bin string, argv []string, timeout time.Duration, taskID string, failKind taskerr.Kind, hook LineHook) (string, error) {
	if timeout <= 0 {
		timeout = time.Hour
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(bin, argv...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", taskerr.Wrap(taskerr.KindProcessing, err, "open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", taskerr.Wrap(taskerr.KindProcessing, err, "open stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return "", taskerr.Wrap(taskerr.KindProcessing, err, "start %s", bin)
	}
	if taskID != "" {
		r.register(taskID, cmd)
		defer r.unregister(taskID)
	}
	r.logger.Debug("spawned %s pid=%d task=%s", bin, cmd.Process.Pid, taskID)

	var stdoutBuf bytes.Buffer
	var stderrTail strings.Builder
	var hookMu sync.Mutex
	scan := func(src *bufio.Scanner, keepStdout bool) error {
		src.Buffer(make([]byte, 64*1024), 1024*1024)
		src.Split(scanCRorLF)
		for src.Scan() {
			line := src.Text()
			if keepStdout {
				stdoutBuf.WriteString(line)
				stdoutBuf.WriteByte('\n')
			} else {
				appendTail(&stderrTail, line)
			}
			if hook != nil {
				hookMu.Lock()
				hook(line)
				hookMu.Unlock()
			}
		}
		return src.Err()
	}

	var g errgroup.Group
	g.Go(func() error { return scan(bufio.NewScanner(stdout), true) })
	g.Go(func() error { return scan(bufio.NewScanner(stderr), false) })

	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-watchdogDone:
			return
		case <-runCtx.Done():
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-watchdogDone:
		case <-time.After(killGracePeriod):
			_ = cmd.Process.Kill()
		}
	}()

	drainErr := g.Wait()
	waitErr := cmd.Wait()
	close(watchdogDone)

	if waitErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", taskerr.New(taskerr.KindTimeout, "%s timed out after %s", bin, timeout)
		}
		if ctx.Err() == context.Canceled {
			return "", taskerr.New(taskerr.KindCancelled, "%s cancelled", bin)
		}
		return "", taskerr.Wrap(failKind, waitErr, "%s failed: %s", bin, tail(stderrTail.String()))
	}
	if drainErr != nil {
		return "", taskerr.Wrap(taskerr.KindProcessing, drainErr, "drain %s output", bin)
	}
	return stdoutBuf.String(), nil
}

func (r *Runner) execute(ctx context.Context, bin string, argv []string, timeout time.Duration, taskID string, streamProgress bool) (string, error) {
	if timeout <= 0 {
		timeout = time.Hour
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(bin, argv...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", taskerr.Wrap(taskerr.KindProcessing, err, "open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", taskerr.Wrap(taskerr.KindProcessing, err, "open stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return "", taskerr.Wrap(taskerr.KindProcessing, err, "start %s", bin)
	}
	if taskID != "" {
		r.register(taskID, cmd)
		defer r.unregister(taskID)
	}
	r.logger.Debug("spawned %s pid=%d task=%s", bin, cmd.Process.Pid, taskID)

	var stdoutBuf bytes.Buffer
	var stderrTail strings.Builder
	parser := &ProgressParser{}

	var g errgroup.Group
	g.Go(func() error {
		_, err := stdoutBuf.ReadFrom(stdout)
		return err
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		// ffmpeg terminates progress lines with \r; split on both.
		scanner.Split(scanCRorLF)
		for scanner.Scan() {
			line := scanner.Text()
			appendTail(&stderrTail, line)
			if !streamProgress || r.sink == nil || taskID == "" {
				continue
			}
			if pct, ok := parser.Parse(line); ok {
				r.sink.SetProgress(taskID, pct, fmt.Sprintf("processing %d%%", pct))
			}
		}
		return scanner.Err()
	})

	// The watchdog escalates SIGTERM then SIGKILL when the run context
	// expires; the drains then hit EOF and Wait returns.
	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-watchdogDone:
			return
		case <-runCtx.Done():
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-watchdogDone:
		case <-time.After(killGracePeriod):
			_ = cmd.Process.Kill()
		}
	}()

	drainErr := g.Wait()
	waitErr := cmd.Wait()
	close(watchdogDone)

	if waitErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", taskerr.New(taskerr.KindTimeout, "%s timed out after %s", bin, timeout)
		}
		if ctx.Err() == context.Canceled {
			return "", taskerr.New(taskerr.KindCancelled, "%s cancelled", bin)
		}
		return "", taskerr.Wrap(taskerr.KindFFmpeg, waitErr, "%s failed: %s", bin, tail(stderrTail.String()))
	}
	if drainErr != nil {
		return "", taskerr.Wrap(taskerr.KindProcessing, drainErr, "drain %s output", bin)
	}
	return stdoutBuf.String(), nil
}

func (r *Runner) register(taskID string, cmd *exec.Cmd) {
	r.mu.Lock()
	r.children[taskID] = cmd
	r.mu.Unlock()
}

func (r *Runner) unregister(taskID string) {
	r.mu.Lock()
	delete(r.children, taskID)
	r.mu.Unlock()
}

// Terminate kills the child registered under taskID. It reports whether a
// live child was found. Satisfies the registry's Terminator.
func (r *Runner) Terminate(taskID string) bool {
	r.mu.Lock()
	cmd := r.children[taskID]
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		time.Sleep(killGracePeriod)
		_ = cmd.Process.Kill()
	}()
	r.logger.Info("terminated child for task %s", taskID)
	return true
}

// ReapExited drops registry entries whose process has already exited and
// returns their task ids. The janitor calls this every tick.
func (r *Runner) ReapExited() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reaped []string
	for id, cmd := range r.children {
		if cmd.ProcessState != nil && cmd.ProcessState.Exited() {
			delete(r.children, id)
			reaped = append(reaped, id)
		}
	}
	return reaped
}

// LiveChildren returns the task ids with a registered child process.
func (r *Runner) LiveChildren() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.children))
	for id := range r.children {
		ids = append(ids, id)
	}
	return ids
}

// appendTail keeps roughly the last stderrTailBytes of diagnostic output for
// error messages without buffering the whole stream.
func appendTail(b *strings.Builder, line string) {
	b.WriteString(line)
	b.WriteByte('\n')
	if b.Len() > 2*stderrTailBytes {
		kept := b.String()
		kept = kept[len(kept)-stderrTailBytes:]
		b.Reset()
		b.WriteString(kept)
	}
}

func tail(s string) string {
	if len(s) <= stderrTailBytes {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-stderrTailBytes:])
}

// scanCRorLF is a bufio.SplitFunc treating both \r and \n as line ends.
func scanCRorLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
