package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateRequest is returned when an engine already exists for a request ID.
	ErrDuplicateRequest = errors.New("engine already exists for request")
	// ErrEngineNotFound is returned for operations on an unknown engine.
	ErrEngineNotFound = errors.New("engine not found")
	// ErrEngineInactive is returned when an engine is used after cleanup.
	ErrEngineInactive = errors.New("engine is inactive")
	// ErrQuotaExceeded is returned when a user already holds the maximum number of engines.
	ErrQuotaExceeded = errors.New("per-user engine quota exceeded")
	// ErrFactoryClosed is returned after Shutdown.
	ErrFactoryClosed = errors.New("engine factory is shut down")
)

// Reason classifies a FactoryError.
type Reason string

const (
	ReasonInvalidContext Reason = "invalid_context"
	ReasonDuplicate      Reason = "duplicate_request"
	ReasonQuota          Reason = "quota_exceeded"
	ReasonInactive       Reason = "inactive"
	ReasonNotFound       Reason = "not_found"
	ReasonReleaseFailed  Reason = "release_failed"
	ReasonClosed         Reason = "closed"
)

// FactoryError is returned by every failed factory or engine operation.
// Field names the offending context field for validation failures; metadata
// values are never included.
type FactoryError struct {
	Op        string
	Reason    Reason
	UserID    string
	RequestID string
	Field     string
	Err       error
}

func (e *FactoryError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "engine %s: %s", e.Op, e.Reason)
	if e.Field != "" {
		fmt.Fprintf(&b, " (field %s)", e.Field)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " request_id=%s", e.RequestID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *FactoryError) Unwrap() error {
	return e.Err
}
