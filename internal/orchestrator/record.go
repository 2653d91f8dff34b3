package orchestrator

import (
	"sync"
	"time"
)

// RunState is the orchestrator's externally visible progress.
type RunState string

const (
	StateIdle          RunState = "idle"
	StateNavigating    RunState = "navigating"
	StateAwaitingMatch RunState = "awaiting_match"
	StateActive        RunState = "active"
	StateFinished      RunState = "finished"
)

// Status is the lifecycle of a RunRecord.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// RunRecord describes one attempt.
type RunRecord struct {
	Seq         uint64    `json:"seq"`
	Session     string    `json:"session"`
	Subject     string    `json:"subject"`
	SubjectName string    `json:"subject_name"`
	Variant     string    `json:"variant,omitempty"`
	VariantName string    `json:"variant_name,omitempty"`
	Rank        string    `json:"rank,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
}

// Duration returns how long the attempt took, or zero while it is running.
func (r RunRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// History is a bounded, most-recent-first list of records.
type History struct {
	mu       sync.RWMutex
	capacity int
	records  []RunRecord
}

// NewHistory creates a history holding at most capacity records.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{capacity: capacity, records: make([]RunRecord, 0, capacity)}
}

// Push inserts r at the front, evicting the oldest record when full.
func (h *History) Push(r RunRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) < h.capacity {
		h.records = append(h.records, RunRecord{})
	}
	copy(h.records[1:], h.records[:len(h.records)-1])
	h.records[0] = r
}

// Update applies fn to the record with the given sequence id and returns the
// updated copy. ok is false when the record has been evicted.
func (h *History) Update(seq uint64, fn func(*RunRecord)) (RunRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.records {
		if h.records[i].Seq == seq {
			fn(&h.records[i])
			return h.records[i], true
		}
	}
	return RunRecord{}, false
}

// Get returns the record with the given sequence id.
func (h *History) Get(seq uint64) (RunRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, r := range h.records {
		if r.Seq == seq {
			return r, true
		}
	}
	return RunRecord{}, false
}

// Snapshot returns a copy of the records, newest first.
func (h *History) Snapshot() []RunRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]RunRecord(nil), h.records...)
}

// Len returns the number of stored records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}
