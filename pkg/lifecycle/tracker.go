package lifecycle

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfOrder is matched by every ordering rejection.
var ErrOutOfOrder = errors.New("lifecycle event out of order")

// OrderError describes an event that would move a run backwards.
type OrderError struct {
	RunID    string
	Previous Kind
	Next     Kind
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("lifecycle event out of order for run %s: %s after %s", e.RunID, e.Next, e.Previous)
}

// Is reports whether target is ErrOutOfOrder.
func (e *OrderError) Is(target error) bool {
	return target == ErrOutOfOrder
}

// Tracker records the furthest step observed per run. The zero value is not
// usable; call NewTracker.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]Kind
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]Kind)}
}

// Check reports whether next may follow what the run has seen so far,
// without recording it.
func (t *Tracker) Check(runID string, next Kind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.check(runID, next)
}

// Admit checks next and, if allowed, records it.
func (t *Tracker) Admit(runID string, next Kind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(runID, next); err != nil {
		return err
	}
	t.runs[runID] = next
	return nil
}

func (t *Tracker) check(runID string, next Kind) error {
	if !next.Valid() {
		return fmt.Errorf("unknown lifecycle event type: %q", next)
	}
	prev, seen := t.runs[runID]
	if !seen {
		return nil
	}
	switch {
	case next.Rank() > prev.Rank():
		return nil
	case next == prev && next.Repeatable():
		return nil
	default:
		return &OrderError{RunID: runID, Previous: prev, Next: next}
	}
}

// Last returns the furthest step recorded for the run.
func (t *Tracker) Last(runID string) (Kind, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k, ok := t.runs[runID]
	return k, ok
}

// Forget drops the run's state.
func (t *Tracker) Forget(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, runID)
}

// Len returns the number of tracked runs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}
