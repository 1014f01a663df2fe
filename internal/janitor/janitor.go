// Package janitor is the background sweep loop: expiring overdue tasks,
// aging out scratch files, reaping exited children and dropping stale
// cancellation locks.
package janitor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"mediamill/internal/logging"
	"mediamill/internal/task"
	"mediamill/internal/taskerr"
)

const (
	defaultInterval = 5 * time.Minute
	slowTickWarn    = 10 * time.Second
	failureBackoff  = time.Minute
)

// ChildReaper is the runner-side view the janitor needs.
type ChildReaper interface {
	ReapExited() []string
	LiveChildren() []string
	Terminate(taskID string) bool
}

// ArtifactSweeper ages out the artifact cache.
type ArtifactSweeper interface {
	SweepExpired() int
}

// Janitor owns the periodic sweep.
type Janitor struct {
	registry    *task.Registry
	reaper      ChildReaper
	artifacts   ArtifactSweeper
	taskTimeout time.Duration
	interval    time.Duration

	// scratch maps directory path to the maximum age of its contents.
	scratch map[string]time.Duration
	logger  logging.Logger

	now func() time.Time
}

func New(registry *task.Registry, reaper ChildReaper, artifacts ArtifactSweeper,
	scratch map[string]time.Duration, taskTimeout, interval time.Duration,
	logger logging.Logger) *Janitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	if taskTimeout <= 0 {
		taskTimeout = time.Hour
	}
	return &Janitor{
		registry:    registry,
		reaper:      reaper,
		artifacts:   artifacts,
		taskTimeout: taskTimeout,
		interval:    interval,
		scratch:     scratch,
		logger:      logging.OrNop(logger),
		now:         time.Now,
	}
}

// Run loops until ctx is done. A failed tick backs off a minute before the
// regular cadence resumes.
func (j *Janitor) Run(ctx context.Context) {
	timer := time.NewTimer(j.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		wait := j.interval
		if err := j.Tick(); err != nil {
			j.logger.Error("janitor tick failed: %v", err)
			wait = failureBackoff
		}
		timer.Reset(wait)
	}
}

// Tick runs one full sweep.
func (j *Janitor) Tick() error {
	started := j.now()

	expired, purged := j.expireTasks()
	swept := j.sweepScratch()
	reaped := j.reapChildren()
	locks := j.registry.Locks().SweepStale()
	cached := 0
	if j.artifacts != nil {
		cached = j.artifacts.SweepExpired()
	}

	elapsed := j.now().Sub(started)
	if elapsed > slowTickWarn {
		j.logger.Warn("janitor tick took %s", elapsed)
	}
	if expired+purged+swept+reaped+locks+cached > 0 {
		j.logger.Info("janitor: expired=%d purged=%d files=%d children=%d locks=%d cache=%d",
			expired, purged, swept, reaped, locks, cached)
	}
	return nil
}

// expireTasks times out overdue running tasks and deletes long-terminal
// records.
func (j *Janitor) expireTasks() (expired, purged int) {
	now := j.now()
	for _, rec := range j.registry.Snapshot() {
		if !rec.Status.Terminal() {
			started := rec.StartedAt
			if started.IsZero() {
				started = rec.CreatedAt
			}
			if now.Sub(started) <= j.taskTimeout {
				continue
			}
			j.reaper.Terminate(rec.ID)
			j.registry.Fail(rec.ID, taskerr.New(taskerr.KindTimeout,
				"task exceeded the %s timeout", j.taskTimeout))
			j.releaseTempPaths(rec.ID)
			expired++
			continue
		}
		if !rec.FinishedAt.IsZero() && now.Sub(rec.FinishedAt) > 2*j.taskTimeout {
			j.registry.Delete(rec.ID)
			purged++
		}
	}
	return expired, purged
}

func (j *Janitor) releaseTempPaths(taskID string) {
	for _, p := range j.registry.TakeTempPaths(taskID) {
		if err := os.RemoveAll(p); err != nil {
			j.logger.Warn("remove %s: %v", p, err)
		}
	}
}

// sweepScratch removes top-level entries older than each directory's policy.
// Per-task subdirectories go as a unit.
func (j *Janitor) sweepScratch() int {
	now := j.now()
	removed := 0
	for dir, maxAge := range j.scratch {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, ent := range entries {
			info, err := ent.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) <= maxAge {
				continue
			}
			path := filepath.Join(dir, ent.Name())
			if err := os.RemoveAll(path); err != nil {
				j.logger.Warn("sweep %s: %v", path, err)
				continue
			}
			removed++
		}
	}
	return removed
}

// reapChildren drops exited children from the runner's registry and
// terminates survivors whose task is already terminal.
func (j *Janitor) reapChildren() int {
	reaped := len(j.reaper.ReapExited())
	for _, id := range j.reaper.LiveChildren() {
		rec, ok := j.registry.Get(id)
		if ok && !rec.Status.Terminal() {
			continue
		}
		if j.reaper.Terminate(id) {
			reaped++
		}
	}
	return reaped
}
