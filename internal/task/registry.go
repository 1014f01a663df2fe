package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediamill/internal/logging"
	"mediamill/internal/taskerr"
)

// Terminator is implemented by the runner; Cancel uses it to kill the child
// process belonging to a task. The runner's registry is the single source of
// truth for live children.
type Terminator interface {
	Terminate(taskID string) bool
}

// Registry maps task id to record across every family. It owns all record
// mutation and the per-task advisory cancellation locks.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record

	locks *LockTable

	terminatorMu sync.RWMutex
	terminator   Terminator

	cancelMu  sync.Mutex
	cancelFns map[string]context.CancelFunc

	observerMu sync.RWMutex
	observer   func(Record)

	logger logging.Logger
}

// NewRegistry creates an empty task registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		records:   make(map[string]*Record),
		locks:     NewLockTable(time.Hour),
		cancelFns: make(map[string]context.CancelFunc),
		logger:    logging.OrNop(logger),
	}
}

// SetTerminator wires the runner in after construction; the registry and the
// runner are built independently.
func (r *Registry) SetTerminator(t Terminator) {
	r.terminatorMu.Lock()
	defer r.terminatorMu.Unlock()
	r.terminator = t
}

// SetObserver registers a callback invoked with a copy of the record each
// time a task reaches a terminal status.
func (r *Registry) SetObserver(fn func(Record)) {
	r.observerMu.Lock()
	defer r.observerMu.Unlock()
	r.observer = fn
}

// Create mints a fresh task in running state with zero progress.
func (r *Registry) Create(family Family, params any) *Record {
	now := time.Now()
	rec := &Record{
		ID:        uuid.New().String(),
		Family:    family,
		Status:    StatusRunning,
		Progress:  0,
		Message:   "accepted",
		CreatedAt: now,
		StartedAt: now,
		Params:    params,
	}
	r.mu.Lock()
	r.records[rec.ID] = rec
	r.mu.Unlock()
	r.logger.Info("task %s created (%s)", rec.ID, family)
	return rec
}

// Get returns a copy of the record, or false when the id is unknown. The copy
// keeps pollers from observing concurrent mutation.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Update applies fn to the record under the registry lock. Progress never
// decreases while running, and a terminal record never re-enters a
// non-terminal status.
func (r *Registry) Update(id string, fn func(*Record)) bool {
	var finished *Record
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	prevStatus := rec.Status
	prevProgress := rec.Progress
	fn(rec)
	if prevStatus.Terminal() {
		rec.Status = prevStatus
	}
	if rec.Status == StatusRunning && rec.Progress < prevProgress {
		rec.Progress = prevProgress
	}
	if rec.Progress < 0 {
		rec.Progress = 0
	}
	if rec.Progress > 100 {
		rec.Progress = 100
	}
	if rec.Status.Terminal() && prevStatus != rec.Status {
		rec.FinishedAt = time.Now()
		if rec.Status == StatusCompleted {
			rec.Progress = 100
		}
		snapshot := *rec
		finished = &snapshot
	}
	r.mu.Unlock()

	if finished != nil {
		r.observerMu.RLock()
		observer := r.observer
		r.observerMu.RUnlock()
		if observer != nil {
			observer(*finished)
		}
	}
	return true
}

// SetProgress is the runner's fast path for streamed progress updates.
func (r *Registry) SetProgress(id string, progress int, message string) {
	r.Update(id, func(rec *Record) {
		if rec.Status != StatusRunning {
			return
		}
		rec.Progress = progress
		if message != "" {
			rec.Message = message
		}
	})
}

// Complete transitions a running task to completed with its result.
func (r *Registry) Complete(id string, result any) bool {
	return r.Update(id, func(rec *Record) {
		if rec.Status.Terminal() {
			return
		}
		rec.Status = StatusCompleted
		rec.Result = result
		rec.Message = "completed"
	})
}

// Fail transitions a running task to failed with a classified error.
func (r *Registry) Fail(id string, te *taskerr.TaskError) bool {
	return r.Update(id, func(rec *Record) {
		if rec.Status.Terminal() {
			return
		}
		rec.Status = StatusFailed
		rec.Error = NewErrorInfo(te)
		rec.Result = nil
		rec.Message = te.Error()
	})
}

// RegisterCancel stores the context cancel function for a task's executor
// goroutine. Cancel invokes it to stop in-flight work.
func (r *Registry) RegisterCancel(id string, fn context.CancelFunc) {
	r.cancelMu.Lock()
	r.cancelFns[id] = fn
	r.cancelMu.Unlock()
}

// UnregisterCancel removes the cancel hook once the executor returns.
func (r *Registry) UnregisterCancel(id string) {
	r.cancelMu.Lock()
	delete(r.cancelFns, id)
	r.cancelMu.Unlock()
}

// Cancel stops a non-terminal task: it takes the per-task advisory lock,
// signals the executor context, asks the runner to kill the child, and marks
// the record failed with a cancelled error. It reports whether a cancellation
// actually took effect; cancelling a terminal or unknown task is a no-op.
func (r *Registry) Cancel(id string) bool {
	rec, ok := r.Get(id)
	if !ok || rec.Status.Terminal() {
		return false
	}
	if !r.locks.Acquire(id) {
		r.logger.Warn("cancel %s: advisory lock held", id)
		return false
	}
	defer r.locks.Release(id)

	// Re-check under the lock; the worker may have finished meanwhile.
	rec, ok = r.Get(id)
	if !ok || rec.Status.Terminal() {
		return false
	}

	r.cancelMu.Lock()
	fn := r.cancelFns[id]
	r.cancelMu.Unlock()
	if fn != nil {
		fn()
	}

	r.terminatorMu.RLock()
	term := r.terminator
	r.terminatorMu.RUnlock()
	if term != nil {
		term.Terminate(id)
	}

	r.Fail(id, taskerr.New(taskerr.KindCancelled, "task cancelled by request"))
	r.logger.Info("task %s cancelled", id)
	return true
}

// Delete removes a record outright. Used by the janitor for doubled-timeout
// purges.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()
	r.cancelMu.Lock()
	delete(r.cancelFns, id)
	r.cancelMu.Unlock()
}

// Snapshot returns copies of every record.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// Summarize builds the per-family totals for /system/tasks.
func (r *Registry) Summarize() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Summary{
		ByFamily:       make(map[Family]int),
		ActiveByFamily: make(map[Family]int),
	}
	for _, fam := range Families() {
		s.ByFamily[fam] = 0
		s.ActiveByFamily[fam] = 0
	}
	for _, rec := range r.records {
		s.Total++
		s.ByFamily[rec.Family]++
		if !rec.Status.Terminal() {
			s.Active++
			s.ActiveByFamily[rec.Family]++
		}
	}
	return s
}

// CountActive reports non-terminal tasks; the resource sampler consumes this
// through the ActiveCounter interface so it needs no registry internals.
func (r *Registry) CountActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		if !rec.Status.Terminal() {
			n++
		}
	}
	return n
}

// CountActiveByFamily reports non-terminal tasks per family.
func (r *Registry) CountActiveByFamily() map[Family]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Family]int, len(Families()))
	for _, fam := range Families() {
		out[fam] = 0
	}
	for _, rec := range r.records {
		if !rec.Status.Terminal() {
			out[rec.Family]++
		}
	}
	return out
}

// Locks exposes the advisory lock table for janitor sweeps.
func (r *Registry) Locks() *LockTable {
	return r.locks
}

// AddTempPath records a scratch path owned by the task.
func (r *Registry) AddTempPath(id, path string) {
	r.Update(id, func(rec *Record) {
		rec.TempPaths = append(rec.TempPaths, path)
	})
}

// TakeTempPaths returns and clears the task's scratch paths; callers delete
// or move the files before the task goes terminal.
func (r *Registry) TakeTempPaths(id string) []string {
	var paths []string
	r.mu.Lock()
	if rec, ok := r.records[id]; ok {
		paths = rec.TempPaths
		rec.TempPaths = nil
	}
	r.mu.Unlock()
	return paths
}
