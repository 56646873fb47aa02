package connection

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxMessageSize  = 1024 * 1024 // 1MB
	incomingBacklog = 16
)

var errTransportClosed = errors.New("websocket transport closed")

type readResult struct {
	data []byte
	err  error
}

// WebSocketTransport adapts a gorilla websocket connection. A background
// goroutine owns the socket's read side, so a read timeout stops waiting for
// the next frame without invalidating the socket. It must be drained by
// ReadMessage for pong frames to be observed.
type WebSocketTransport struct {
	conn     *websocket.Conn
	incoming chan readResult
	closed   chan struct{}

	closeOnce sync.Once
	pongMu    sync.RWMutex
	onPong    func()
}

// WebSocketOptions tunes a WebSocketTransport. A nil value uses defaults.
type WebSocketOptions struct {
	MaxMessageSize int64
}

// NewWebSocketTransport starts reading from conn.
func NewWebSocketTransport(conn *websocket.Conn, opts *WebSocketOptions) *WebSocketTransport {
	limit := int64(maxMessageSize)
	if opts != nil && opts.MaxMessageSize > 0 {
		limit = opts.MaxMessageSize
	}

	t := &WebSocketTransport{
		conn:     conn,
		incoming: make(chan readResult, incomingBacklog),
		closed:   make(chan struct{}),
	}

	conn.SetReadLimit(limit)
	conn.SetPongHandler(func(string) error {
		t.pongMu.RLock()
		fn := t.onPong
		t.pongMu.RUnlock()
		if fn != nil {
			fn()
		}
		return nil
	})

	go t.readLoop()
	return t
}

func (t *WebSocketTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		select {
		case t.incoming <- readResult{data: data, err: err}:
		case <-t.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

// OnPong registers the heartbeat callback.
func (t *WebSocketTransport) OnPong(fn func()) {
	t.pongMu.Lock()
	t.onPong = fn
	t.pongMu.Unlock()
}

// ReadMessage waits for the next frame until deadline.
func (t *WebSocketTransport) ReadMessage(deadline time.Time) ([]byte, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case res := <-t.incoming:
		return res.data, res.err
	case <-timer.C:
		return nil, fmt.Errorf("websocket read: %w", os.ErrDeadlineExceeded)
	case <-t.closed:
		return nil, errTransportClosed
	}
}

func (t *WebSocketTransport) WriteMessage(data []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketTransport) Ping(deadline time.Time) error {
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close sends a close frame and closes the socket. It is safe to call more
// than once.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = t.conn.Close()
	})
	return err
}
