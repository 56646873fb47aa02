// Package conntest provides an in-memory connection.Transport for tests.
package conntest

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed Transport.
var ErrClosed = errors.New("conntest: transport closed")

// Transport records writes and serves reads from a channel.
type Transport struct {
	mu       sync.Mutex
	written  [][]byte
	pings    int
	writeErr error
	pong     bool
	onPong   func()
	blocked  chan struct{}

	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates an open Transport that answers pings.
func New() *Transport {
	return &Transport{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
		pong:     true,
	}
}

// SetPong controls whether pings are answered.
func (t *Transport) SetPong(enabled bool) {
	t.mu.Lock()
	t.pong = enabled
	t.mu.Unlock()
}

// FailWrites makes every write return err. A nil err restores writes.
func (t *Transport) FailWrites(err error) {
	t.mu.Lock()
	t.writeErr = err
	t.mu.Unlock()
}

// BlockWrites makes writes wait until UnblockWrites, the deadline or Close.
func (t *Transport) BlockWrites() {
	t.mu.Lock()
	if t.blocked == nil {
		t.blocked = make(chan struct{})
	}
	t.mu.Unlock()
}

// UnblockWrites releases blocked writes.
func (t *Transport) UnblockWrites() {
	t.mu.Lock()
	if t.blocked != nil {
		close(t.blocked)
		t.blocked = nil
	}
	t.mu.Unlock()
}

// Push queues an inbound frame.
func (t *Transport) Push(data []byte) {
	t.incoming <- data
}

// Written returns a copy of every frame written so far.
func (t *Transport) Written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.written))
	copy(out, t.written)
	return out
}

// WrittenStrings returns the written frames as strings.
func (t *Transport) WrittenStrings() []string {
	frames := t.Written()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = string(f)
	}
	return out
}

// Pings returns how many pings were sent.
func (t *Transport) Pings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}

// IsClosed reports whether Close was called.
func (t *Transport) IsClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *Transport) ReadMessage(deadline time.Time) ([]byte, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case data := <-t.incoming:
		return data, nil
	case <-timer.C:
		return nil, fmt.Errorf("conntest read: %w", os.ErrDeadlineExceeded)
	case <-t.closed:
		return nil, ErrClosed
	}
}

func (t *Transport) WriteMessage(data []byte, deadline time.Time) error {
	t.mu.Lock()
	blocked := t.blocked
	writeErr := t.writeErr
	t.mu.Unlock()

	if blocked != nil {
		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-blocked:
			timer.Stop()
		case <-timer.C:
			return fmt.Errorf("conntest write: %w", os.ErrDeadlineExceeded)
		case <-t.closed:
			timer.Stop()
			return ErrClosed
		}
	}
	if t.IsClosed() {
		return ErrClosed
	}
	if writeErr != nil {
		return writeErr
	}

	t.mu.Lock()
	t.written = append(t.written, append([]byte(nil), data...))
	t.mu.Unlock()
	return nil
}

func (t *Transport) Ping(deadline time.Time) error {
	if t.IsClosed() {
		return ErrClosed
	}
	t.mu.Lock()
	t.pings++
	pong := t.pong
	fn := t.onPong
	t.mu.Unlock()

	if pong && fn != nil {
		fn()
	}
	return nil
}

// OnPong implements connection.PongNotifier.
func (t *Transport) OnPong(fn func()) {
	t.mu.Lock()
	t.onPong = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}
