package resource

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"mediamill/internal/logging"
)

const (
	defaultHistoryBound  = 60
	defaultAlertBreaches = 3
	scratchSweepAge      = time.Hour
)

// Sample is one reading of host resources plus the active task count.
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPct        float64   `json:"cpu_percent"`
	MemPct        float64   `json:"memory_percent"`
	DiskPct       float64   `json:"disk_percent"`
	FreeDiskBytes uint64    `json:"free_disk_bytes"`
	ActiveTasks   int       `json:"active_tasks"`
}

// Prober reads the raw host metrics. The production prober wraps gopsutil;
// tests substitute synthetic readings.
type Prober interface {
	Probe() (cpuPct, memPct, diskPct float64, freeDisk uint64, err error)
}

// ActiveCounter is the narrow read-only view of the task registry the
// sampler needs.
type ActiveCounter interface {
	CountActive() int
}

type gopsutilProber struct {
	volume string
}

// NewProber returns the gopsutil-backed prober for the given working volume.
func NewProber(volume string) Prober {
	return &gopsutilProber{volume: volume}
}

func (p *gopsutilProber) Probe() (float64, float64, float64, uint64, error) {
	// One-second window so the CPU figure is a mean, not an instant.
	cpuPcts, err := cpu.Percent(time.Second, false)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	cpuPct := 0.0
	if len(cpuPcts) > 0 {
		cpuPct = cpuPcts[0]
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	du, err := disk.Usage(p.volume)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return cpuPct, vm.UsedPercent, du.UsedPercent, du.Free, nil
}

// Sampler runs the background resource loop: sample, record history, track
// consecutive ceiling breaches, and fire mitigations when a breach counter
// reaches the alert threshold.
type Sampler struct {
	mu      sync.Mutex
	limits  Limits
	history []Sample
	latest  Sample
	hasAny  bool

	memBreaches  int
	diskBreaches int
	cpuBreaches  int

	prober      Prober
	tasks       ActiveCounter
	scratchDirs []string
	interval    time.Duration
	bound       int
	alertAfter  int
	logger      logging.Logger
}

// NewSampler builds a sampler over the given prober and registry view.
// scratchDirs are the directories the disk mitigation sweeps.
func NewSampler(prober Prober, tasks ActiveCounter, scratchDirs []string, interval time.Duration, logger logging.Logger) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{
		limits:      DefaultLimits(),
		prober:      prober,
		tasks:       tasks,
		scratchDirs: scratchDirs,
		interval:    interval,
		bound:       defaultHistoryBound,
		alertAfter:  defaultAlertBreaches,
		logger:      logging.OrNop(logger),
	}
}

// Run loops until ctx is done. A failed sample sleeps twice the interval
// before the next attempt.
func (s *Sampler) Run(ctx context.Context) {
	s.logger.Info("resource sampler started (interval %s)", s.interval)
	for {
		sleep := s.interval
		if err := s.SampleOnce(); err != nil {
			s.logger.Warn("resource sample failed: %v", err)
			sleep = 2 * s.interval
		}
		select {
		case <-ctx.Done():
			s.logger.Info("resource sampler stopped")
			return
		case <-time.After(sleep):
		}
	}
}

// SampleOnce takes a single reading, appends it to history and evaluates
// breach counters.
func (s *Sampler) SampleOnce() error {
	cpuPct, memPct, diskPct, freeDisk, err := s.prober.Probe()
	if err != nil {
		return err
	}
	active := 0
	if s.tasks != nil {
		active = s.tasks.CountActive()
	}
	sample := Sample{
		Timestamp:     time.Now(),
		CPUPct:        clampPct(cpuPct),
		MemPct:        clampPct(memPct),
		DiskPct:       clampPct(diskPct),
		FreeDiskBytes: freeDisk,
		ActiveTasks:   active,
	}

	s.mu.Lock()
	s.latest = sample
	s.hasAny = true
	s.history = append(s.history, sample)
	if len(s.history) > s.bound {
		s.history = s.history[len(s.history)-s.bound:]
	}
	limits := s.limits
	memAlert := s.bump(&s.memBreaches, sample.MemPct > limits.MaxMemPct)
	diskAlert := s.bump(&s.diskBreaches, sample.DiskPct > limits.MaxDiskPct)
	cpuAlert := s.bump(&s.cpuBreaches, sample.CPUPct > limits.MaxCPUPct)
	s.mu.Unlock()

	if memAlert {
		s.logger.Warn("memory above %.0f%% for %d samples, reclaiming", limits.MaxMemPct, s.alertAfter)
		s.reclaimMemory()
	}
	if diskAlert {
		s.logger.Warn("disk above %.0f%% for %d samples, sweeping scratch", limits.MaxDiskPct, s.alertAfter)
		s.sweepScratch()
	}
	if cpuAlert {
		// CPU pressure has no mitigation; admission already throttles intake.
		s.logger.Warn("cpu above %.0f%% for %d consecutive samples", limits.MaxCPUPct, s.alertAfter)
	}
	return nil
}

func (s *Sampler) bump(counter *int, breached bool) bool {
	if !breached {
		*counter = 0
		return false
	}
	*counter++
	if *counter >= s.alertAfter {
		*counter = 0
		return true
	}
	return false
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Latest returns the most recent sample, forcing a fresh one when the last
// reading is older than a sampling interval.
func (s *Sampler) Latest() Sample {
	s.mu.Lock()
	stale := !s.hasAny || time.Since(s.latest.Timestamp) > s.interval
	sample := s.latest
	s.mu.Unlock()
	if stale {
		if err := s.SampleOnce(); err != nil {
			s.logger.Warn("forced sample failed: %v", err)
			return sample
		}
		s.mu.Lock()
		sample = s.latest
		s.mu.Unlock()
	}
	return sample
}

// History returns the samples newer than now-window, oldest first.
func (s *Sampler) History(window time.Duration) []Sample {
	cutoff := time.Now().Add(-window)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, 0, len(s.history))
	for _, sample := range s.history {
		if sample.Timestamp.After(cutoff) {
			out = append(out, sample)
		}
	}
	return out
}

// Limits returns a copy of the current ceilings.
func (s *Sampler) Limits() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// UpdateLimits validates and applies the patch.
func (s *Sampler) UpdateLimits(p LimitPatch) (Limits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.limits
	if err := next.Apply(p); err != nil {
		return s.limits, err
	}
	s.limits = next
	s.logger.Info("resource limits updated: %+v", next)
	return next, nil
}

// ForceCleanup runs every mitigation unconditionally and returns how many
// scratch files were removed.
func (s *Sampler) ForceCleanup() int {
	s.reclaimMemory()
	return s.sweepScratch()
}

// MemoryStats reports Go heap figures for /system/performance/memory.
func (s *Sampler) MemoryStats() map[string]uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return map[string]uint64{
		"heap_alloc_bytes":    ms.HeapAlloc,
		"heap_sys_bytes":      ms.HeapSys,
		"heap_released_bytes": ms.HeapReleased,
		"num_gc":              uint64(ms.NumGC),
		"goroutines":          uint64(runtime.NumGoroutine()),
	}
}

func (s *Sampler) reclaimMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

// sweepScratch deletes scratch files older than one hour across the
// configured directories.
func (s *Sampler) sweepScratch() int {
	removed := 0
	cutoff := time.Now().Add(-scratchSweepAge)
	for _, dir := range s.scratchDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			var rmErr error
			if entry.IsDir() {
				rmErr = os.RemoveAll(path)
			} else {
				rmErr = os.Remove(path)
			}
			if rmErr == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		s.logger.Info("scratch sweep removed %d entries", removed)
	}
	return removed
}
