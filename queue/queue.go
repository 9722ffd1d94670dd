// Package queue holds the viewer participation queue.
package queue

import (
	"sync"

	"github.com/onnwee/chzzk-bridge/telemetry"
)

// Queue is an ordered set of participant names. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	entries []string
}

// New returns an empty queue.
func New() *Queue { return &Queue{} }

// Add appends name unless it is already queued. It reports whether name was added.
func (q *Queue) Add(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e == name {
			return false
		}
	}
	q.entries = append(q.entries, name)
	telemetry.SetQueueDepth(len(q.entries))
	return true
}

// Pop removes and returns up to n names from the front. n < 1 is treated as 1.
// An empty queue yields an empty slice.
func (q *Queue) Pop(n int) []string {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.entries) {
		n = len(q.entries)
	}
	out := make([]string, n)
	copy(out, q.entries[:n])
	q.entries = append(q.entries[:0], q.entries[n:]...)
	telemetry.SetQueueDepth(len(q.entries))
	return out
}

// Remove drops name from anywhere in the queue.
func (q *Queue) Remove(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e == name {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			telemetry.SetQueueDepth(len(q.entries))
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the queue in order.
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string{}, q.entries...)
}

// Len returns the number of queued names.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IsEmpty reports whether nobody is queued.
func (q *Queue) IsEmpty() bool { return q.Len() == 0 }
