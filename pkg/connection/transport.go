package connection

import (
	"time"
)

// Transport is the socket beneath a Connection. ReadMessage and WriteMessage
// are each called from one goroutine at a time; Ping and Close may be called
// concurrently with either. Deadline expiry should be reported with an error
// matching os.ErrDeadlineExceeded.
type Transport interface {
	ReadMessage(deadline time.Time) ([]byte, error)
	WriteMessage(data []byte, deadline time.Time) error
	Ping(deadline time.Time) error
	Close() error
}

// PongNotifier is implemented by transports that observe heartbeat replies.
type PongNotifier interface {
	OnPong(fn func())
}
