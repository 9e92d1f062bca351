package reconciler

import (
	"fmt"
	"sync"
)

// EscalatedFailure is returned once an external system has failed more
// consecutive queries than the configured threshold. It is fatal: the
// reconciler stops and the process is expected to exit.
type EscalatedFailure struct {
	System    string
	Failures  int
	Threshold int
	Err       error
}

func (e *EscalatedFailure) Error() string {
	return fmt.Sprintf(
		"%s failed %d consecutive queries (threshold %d): %v",
		e.System, e.Failures, e.Threshold, e.Err,
	)
}

func (e *EscalatedFailure) Unwrap() error { return e.Err }

// failureTracker counts consecutive query failures per external system.
type failureTracker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	escalated bool
}

func newFailureTracker(threshold int) *failureTracker {
	return &failureTracker{
		threshold: threshold,
		counts:    make(map[string]int),
	}
}

// Success resets the counter of system.
func (t *failureTracker) Success(system string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[system] = 0
}

// Failure records a failed query. It returns an EscalatedFailure the
// first time any counter exceeds the threshold, and nil otherwise.
func (t *failureTracker) Failure(system string, err error) *EscalatedFailure {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[system]++

	if t.escalated || t.counts[system] <= t.threshold {
		return nil
	}

	t.escalated = true

	return &EscalatedFailure{
		System:    system,
		Failures:  t.counts[system],
		Threshold: t.threshold,
		Err:       err,
	}
}

// Count returns the current consecutive failure count of system.
func (t *failureTracker) Count(system string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.counts[system]
}
