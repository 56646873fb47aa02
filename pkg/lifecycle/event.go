// Package lifecycle defines the five agent lifecycle events and the per-run
// ordering rule they obey.
package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	KindStarted   Kind = "started"
	KindThinking  Kind = "thinking"
	KindExecuting Kind = "executing"
	KindCompleted Kind = "completed"
	KindFinished  Kind = "finished"
)

var kindRank = map[Kind]int{
	KindStarted:   1,
	KindThinking:  2,
	KindExecuting: 3,
	KindCompleted: 4,
	KindFinished:  5,
}

// Kinds lists the event kinds in order.
func Kinds() []Kind {
	return []Kind{KindStarted, KindThinking, KindExecuting, KindCompleted, KindFinished}
}

// Valid reports whether k is one of the five lifecycle kinds.
func (k Kind) Valid() bool {
	_, ok := kindRank[k]
	return ok
}

// Rank returns the ordinal position of k, or 0 if k is unknown.
func (k Kind) Rank() int {
	return kindRank[k]
}

// Repeatable reports whether k may be observed more than once per run.
func (k Kind) Repeatable() bool {
	return k == KindThinking || k == KindExecuting
}

// Event is one lifecycle notification produced by an engine.
type Event struct {
	Type      Kind                   `json:"type"`
	UserID    string                 `json:"user_id"`
	RunID     string                 `json:"run_id"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Validate checks that the event is well formed.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("unknown lifecycle event type: %q", e.Type)
	}
	if e.UserID == "" {
		return errors.New("lifecycle event user id is required")
	}
	if e.RunID == "" {
		return errors.New("lifecycle event run id is required")
	}
	return nil
}

// DeliveryStatus reports where an accepted event ended up.
type DeliveryStatus string

const (
	// StatusDelivered means the event was queued on the live connection.
	StatusDelivered DeliveryStatus = "delivered"
	// StatusPreserved means the event was kept for replay on reconnect.
	StatusPreserved DeliveryStatus = "preserved"
)

// Receipt is returned for every accepted event.
type Receipt struct {
	Status DeliveryStatus `json:"status"`
	Seq    int64          `json:"seq"`
}
