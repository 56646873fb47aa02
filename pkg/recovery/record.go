package recovery

import (
	"encoding/json"
	"time"
)

// TimeoutEvent is one entry of a connection's timeout log.
type TimeoutEvent struct {
	Seq    int64     `json:"seq"`
	Kind   string    `json:"kind"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// Message is an outbound payload that could not be written to the socket.
type Message struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Record is the recovery state of one user's connection.
type Record struct {
	UserID            string         `json:"user_id"`
	ConnectionID      string         `json:"connection_id,omitempty"`
	State             string         `json:"state"`
	TimeoutEvents     []TimeoutEvent `json:"timeout_events,omitempty"`
	PreservedMessages []Message      `json:"preserved_messages,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// MaxSeq returns the highest message sequence in msgs.
func MaxSeq(msgs []Message) int64 {
	var highest int64
	for _, m := range msgs {
		if m.Seq > highest {
			highest = m.Seq
		}
	}
	return highest
}

// mergeMessages appends msgs to existing, skipping IDs already present.
// Messages without a sequence are numbered after the existing ones.
func mergeMessages(existing []Message, msgs ...Message) []Message {
	seen := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		seen[m.ID] = struct{}{}
	}
	next := MaxSeq(existing)
	out := existing
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		if m.Seq == 0 {
			next++
			m.Seq = next
		} else if m.Seq > next {
			next = m.Seq
		}
		out = append(out, m)
	}
	return out
}
