package admission

import (
	"sync"
)

// Tracker maintains a live count of in-flight operations per target database
// plus a global total. All updates go through Register/Release so the counts
// can never drift from the leases that are actually held.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
	total  int
}

// NewTracker creates an empty connection tracker
func NewTracker() *Tracker {
	return &Tracker{
		counts: make(map[string]int),
	}
}

// Active returns the number of unreleased leases held against a database
func (t *Tracker) Active(databaseID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[databaseID]
}

// TotalActive returns the number of unreleased leases across all databases
func (t *Tracker) TotalActive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// register increments the counters. It does not lock: the caller must
// hold t.mu, which the controller's admit path does so the capacity check
// and the increment happen as one step.
func (t *Tracker) register(databaseID string) {
	t.counts[databaseID]++
	t.total++
}

// release decrements the counters, never below zero
func (t *Tracker) release(databaseID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.counts[databaseID] > 0 {
		t.counts[databaseID]--
		if t.counts[databaseID] == 0 {
			delete(t.counts, databaseID)
		}
	}
	if t.total > 0 {
		t.total--
	}
}

// Lease is the scoped accounting fact "one active slot held against a
// database". Release is safe to call on every exit path; only the first
// call decrements the counters.
type Lease struct {
	tracker    *Tracker
	databaseID string
	once       sync.Once
}

// DatabaseID returns the database this lease is held against
func (l *Lease) DatabaseID() string {
	return l.databaseID
}

// Release returns the slot to the tracker. Idempotent.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.tracker.release(l.databaseID)
	})
}
