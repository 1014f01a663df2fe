package task

import (
	"sync"
	"time"
)

// LockTable holds timestamped per-task advisory locks used to serialize
// cancellation. A lock older than the expiry is treated as stale: it can be
// re-acquired, and the janitor sweeps it.
type LockTable struct {
	mu     sync.Mutex
	held   map[string]time.Time
	expiry time.Duration
}

// NewLockTable creates a lock table with the given auto-expiry.
func NewLockTable(expiry time.Duration) *LockTable {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &LockTable{held: make(map[string]time.Time), expiry: expiry}
}

// Acquire takes the lock for id. It fails only when a live (non-expired)
// holder exists.
func (t *LockTable) Acquire(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at, ok := t.held[id]; ok && time.Since(at) < t.expiry {
		return false
	}
	t.held[id] = time.Now()
	return true
}

// Release drops the lock for id.
func (t *LockTable) Release(id string) {
	t.mu.Lock()
	delete(t.held, id)
	t.mu.Unlock()
}

// SweepStale removes expired locks and returns how many were evicted.
func (t *LockTable) SweepStale() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, at := range t.held {
		if time.Since(at) >= t.expiry {
			delete(t.held, id)
			n++
		}
	}
	return n
}

// Len reports the number of currently held locks.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}
