package taskerr

import (
	"sync"
	"time"
)

const defaultRingSize = 100

// Record is one handled error retained for the /system/errors endpoints.
type Record struct {
	Timestamp time.Time         `json:"timestamp"`
	Kind      Kind              `json:"kind"`
	Message   string            `json:"message"`
	TaskID    string            `json:"task_id,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

// Ring keeps the most recent handled errors plus per-kind counters.
type Ring struct {
	mu      sync.Mutex
	records []Record
	next    int
	full    bool
	counts  map[Kind]int64
	total   int64
}

// NewRing creates a bounded error ring. Size <= 0 falls back to the default
// capacity of 100.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = defaultRingSize
	}
	return &Ring{
		records: make([]Record, size),
		counts:  make(map[Kind]int64),
	}
}

// Record classifies err, stores it and bumps the per-kind counter. It returns
// the classified error so call sites can chain it.
func (r *Ring) Record(err error, taskID string, context map[string]string) *TaskError {
	te := Classify(err)
	if te == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[r.next] = Record{
		Timestamp: time.Now(),
		Kind:      te.Kind,
		Message:   te.Error(),
		TaskID:    taskID,
		Context:   context,
	}
	r.next = (r.next + 1) % len(r.records)
	if r.next == 0 {
		r.full = true
	}
	r.counts[te.Kind]++
	r.total++
	return te
}

// Recent returns up to limit records, newest first.
func (r *Ring) Recent(limit int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = len(r.records)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]Record, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.records)) % len(r.records)
		out = append(out, r.records[idx])
	}
	return out
}

// Stats reports the total handled errors and the per-kind breakdown.
func (r *Ring) Stats() (total int64, byKind map[Kind]int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byKind = make(map[Kind]int64, len(r.counts))
	for k, v := range r.counts {
		byKind[k] = v
	}
	return r.total, byKind
}
