package dispatch

import (
	"errors"
	"fmt"
)

// ErrIsolationViolation is matched by every *IsolationViolationError.
var ErrIsolationViolation = errors.New("dispatch isolation violation")

// IsolationViolationError reports an event addressed to a user that does not
// own it. It indicates a bug in the caller and is never delivered.
type IsolationViolationError struct {
	TargetUserID string
	EventUserID  string
	RunID        string
}

func (e *IsolationViolationError) Error() string {
	return fmt.Sprintf("event for user %s (run %s) dispatched to user %s", e.EventUserID, e.RunID, e.TargetUserID)
}

func (e *IsolationViolationError) Is(target error) bool {
	return target == ErrIsolationViolation
}
