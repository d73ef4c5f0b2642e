package engine

import "sync"

// RetryTracker counts consecutive unhealthy detections per container id.
// Entries are only removed explicitly; nothing is evicted.
//
// Concurrency Safety: All methods are safe for concurrent use.
type RetryTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewRetryTracker creates an empty tracker.
func NewRetryTracker() *RetryTracker {
	return &RetryTracker{counts: make(map[string]int)}
}

// Add increments the count for id, inserting it at 1, and returns the new count.
func (t *RetryTracker) Add(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[id]++
	n := t.counts[id]
	trackedContainers.Set(float64(len(t.counts)))
	return n
}

// Remove forgets id. Removing an unknown id is a no-op.
func (t *RetryTracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.counts, id)
	trackedContainers.Set(float64(len(t.counts)))
}

// GetRetryCount returns the count for id, or 0 if it is not tracked.
func (t *RetryTracker) GetRetryCount(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[id]
}

// Len returns the number of tracked ids.
func (t *RetryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}
