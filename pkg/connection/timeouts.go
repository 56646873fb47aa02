package connection

import (
	"fmt"
	"time"
)

// TimeoutKind identifies which deadline expired.
type TimeoutKind string

const (
	TimeoutRead      TimeoutKind = "read"
	TimeoutWrite     TimeoutKind = "write"
	TimeoutHeartbeat TimeoutKind = "heartbeat"
	TimeoutIdle      TimeoutKind = "idle"
	TimeoutQueueWait TimeoutKind = "queue_wait"
	TimeoutConnect   TimeoutKind = "connect"
)

const (
	DefaultBufferSize             = 256
	DefaultMaxConsecutiveTimeouts = 3
)

// Timeouts holds the per-connection deadlines.
type Timeouts struct {
	// Connect bounds Connect, including replacing an old connection and replay.
	Connect time.Duration `json:"connect"`
	// Read bounds a single Receive.
	Read time.Duration `json:"read"`
	// Write bounds a single socket write.
	Write time.Duration `json:"write"`
	// Heartbeat is the ping and sweep interval.
	Heartbeat time.Duration `json:"heartbeat"`
	// HeartbeatTimeout is how long without a pong before the connection degrades.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`
	// Idle is how long without a send or receive before graceful shutdown.
	Idle time.Duration `json:"idle"`
	// QueueWait bounds how long Send blocks on a full outbound queue.
	QueueWait time.Duration `json:"queue_wait"`
	// Drain bounds how long shutdown waits for the in-flight write.
	Drain time.Duration `json:"drain"`
}

// DefaultTimeouts returns production defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:          10 * time.Second,
		Read:             60 * time.Second,
		Write:            10 * time.Second,
		Heartbeat:        15 * time.Second,
		HeartbeatTimeout: 45 * time.Second,
		Idle:             5 * time.Minute,
		QueueWait:        5 * time.Second,
		Drain:            5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultTimeouts.
func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Connect <= 0 {
		t.Connect = d.Connect
	}
	if t.Read <= 0 {
		t.Read = d.Read
	}
	if t.Write <= 0 {
		t.Write = d.Write
	}
	if t.Heartbeat <= 0 {
		t.Heartbeat = d.Heartbeat
	}
	if t.HeartbeatTimeout <= 0 {
		t.HeartbeatTimeout = 3 * t.Heartbeat
	}
	if t.Idle <= 0 {
		t.Idle = d.Idle
	}
	if t.QueueWait <= 0 {
		t.QueueWait = d.QueueWait
	}
	if t.Drain <= 0 {
		t.Drain = d.Drain
	}
	return t
}

// Validate checks the relationships between timeouts.
func (t Timeouts) Validate() error {
	if t.HeartbeatTimeout > 0 && t.Heartbeat > 0 && t.HeartbeatTimeout < t.Heartbeat {
		return fmt.Errorf("heartbeat timeout (%s) must be >= heartbeat interval (%s)", t.HeartbeatTimeout, t.Heartbeat)
	}
	if t.Idle > 0 && t.Heartbeat > 0 && t.Idle < t.Heartbeat {
		return fmt.Errorf("idle timeout (%s) must be >= heartbeat interval (%s)", t.Idle, t.Heartbeat)
	}
	return nil
}

// Option customizes a single Connect call.
type Option func(*connectOptions)

type connectOptions struct {
	timeouts     Timeouts
	bufferSize   int
	connectionID string
}

// WithTimeouts replaces every non-zero timeout in t.
func WithTimeouts(t Timeouts) Option {
	return func(o *connectOptions) {
		if t.Connect > 0 {
			o.timeouts.Connect = t.Connect
		}
		if t.Read > 0 {
			o.timeouts.Read = t.Read
		}
		if t.Write > 0 {
			o.timeouts.Write = t.Write
		}
		if t.Heartbeat > 0 {
			o.timeouts.Heartbeat = t.Heartbeat
		}
		if t.HeartbeatTimeout > 0 {
			o.timeouts.HeartbeatTimeout = t.HeartbeatTimeout
		}
		if t.Idle > 0 {
			o.timeouts.Idle = t.Idle
		}
		if t.QueueWait > 0 {
			o.timeouts.QueueWait = t.QueueWait
		}
		if t.Drain > 0 {
			o.timeouts.Drain = t.Drain
		}
	}
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *connectOptions) { o.timeouts.Read = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *connectOptions) { o.timeouts.Write = d }
}

// WithHeartbeat sets the ping interval and the pong deadline.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(o *connectOptions) {
		o.timeouts.Heartbeat = interval
		o.timeouts.HeartbeatTimeout = timeout
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(o *connectOptions) { o.timeouts.Idle = d }
}

func WithQueueWait(d time.Duration) Option {
	return func(o *connectOptions) { o.timeouts.QueueWait = d }
}

// WithBufferSize sets the outbound queue capacity.
func WithBufferSize(n int) Option {
	return func(o *connectOptions) { o.bufferSize = n }
}

// WithConnectionID overrides the generated connection ID.
func WithConnectionID(id string) Option {
	return func(o *connectOptions) { o.connectionID = id }
}
