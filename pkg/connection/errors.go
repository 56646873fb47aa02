package connection

import (
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	// ErrConnectionTimeout is matched by every *TimeoutError.
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrConnectionClosed is matched by every *ClosedError.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrInvalidPayload is returned for payloads that are not valid JSON.
	ErrInvalidPayload = errors.New("payload must be valid JSON")
	// ErrManagerClosed is returned by Connect after Shutdown.
	ErrManagerClosed = errors.New("connection manager is shut down")
)

// TimeoutError reports an expired deadline on one operation.
type TimeoutError struct {
	Kind         TimeoutKind
	UserID       string
	ConnectionID string
	After        time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("connection %s timeout after %s (user %s, connection %s)", e.Kind, e.After, e.UserID, e.ConnectionID)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrConnectionTimeout
}

// ClosedError reports an operation on a connection that no longer carries
// traffic. ConnectionID is empty when the user has no connection at all.
type ClosedError struct {
	UserID       string
	ConnectionID string
	State        State
	Err          error
}

func (e *ClosedError) Error() string {
	if e.ConnectionID == "" {
		return fmt.Sprintf("no open connection for user %s", e.UserID)
	}
	msg := fmt.Sprintf("connection %s for user %s is %s", e.ConnectionID, e.UserID, e.State)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ClosedError) Is(target error) bool {
	return target == ErrConnectionClosed
}

func (e *ClosedError) Unwrap() error {
	return e.Err
}

type timeoutError interface {
	Timeout() bool
}

// isTimeout reports whether a transport error is a deadline expiry.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var te timeoutError
	return errors.As(err, &te) && te.Timeout()
}
