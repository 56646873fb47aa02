package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/tenantd/internal/observability"
	"github.com/harun/tenantd/pkg/recovery"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// persistTimeout bounds a single recovery record write.
const persistTimeout = 10 * time.Second

// Message is an outbound payload with a stable ID for client-side dedupe.
type Message = recovery.Message

// TimeoutEvent is one entry of a connection's timeout log.
type TimeoutEvent = recovery.TimeoutEvent

// SendResult reports where an accepted message went.
type SendResult struct {
	MessageID string `json:"message_id"`
	Preserved bool   `json:"preserved"`
}

// TimeoutStatistics summarizes a connection's timeout history.
type TimeoutStatistics struct {
	UserID        string              `json:"user_id"`
	ConnectionID  string              `json:"connection_id"`
	State         State               `json:"state"`
	Total         int                 `json:"total"`
	ByKind        map[TimeoutKind]int `json:"by_kind"`
	Consecutive   int                 `json:"consecutive"`
	Events        []TimeoutEvent      `json:"events"`
	LastActivity  time.Time           `json:"last_activity"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
	Preserved     int                 `json:"preserved"`
	Queued        int                 `json:"queued"`
	Written       int64               `json:"written"`
}

type persistFunc func(ctx context.Context, rec *recovery.Record) error

// Connection is one live channel for one user. Receive must be called from a
// single goroutine; every other method is safe for concurrent use.
type Connection struct {
	id             string
	userID         string
	timeouts       Timeouts
	maxConsecutive int
	transport      Transport
	persist        persistFunc
	onClosed       func(*Connection)
	logger         zerolog.Logger
	createdAt      time.Time

	queue      chan Message
	ready      chan struct{}
	closing    chan struct{}
	done       chan struct{}
	writerDone chan struct{}

	readyOnce   sync.Once
	closingOnce sync.Once

	// Senders hold the read side while they enqueue or preserve; shutdown
	// holds the write side while it drains the queue and flushes the record.
	sendMu sync.RWMutex

	mu             sync.Mutex
	state          State
	lastActivity   time.Time
	lastHeartbeat  time.Time
	consecutive    int
	eventSeq       int64
	lastEventAt    time.Time
	events         []TimeoutEvent
	msgSeq         int64
	preserved      []Message
	backpressured  bool
	written        int64
	shutdownReason string
}

type connectionParams struct {
	id             string
	userID         string
	timeouts       Timeouts
	bufferSize     int
	maxConsecutive int
	transport      Transport
	persist        persistFunc
	onClosed       func(*Connection)
	logger         zerolog.Logger
}

func newConnection(p connectionParams) *Connection {
	now := time.Now()
	c := &Connection{
		id:             p.id,
		userID:         p.userID,
		timeouts:       p.timeouts,
		maxConsecutive: p.maxConsecutive,
		transport:      p.transport,
		persist:        p.persist,
		onClosed:       p.onClosed,
		logger: p.logger.With().
			Str("user_id", p.userID).
			Str("connection_id", p.id).
			Logger(),
		createdAt:     now.UTC(),
		queue:         make(chan Message, p.bufferSize),
		ready:         make(chan struct{}),
		closing:       make(chan struct{}),
		done:          make(chan struct{}),
		writerDone:    make(chan struct{}),
		state:         StateConnecting,
		lastActivity:  now,
		lastHeartbeat: now,
	}
	observability.RecordConnectionTransition("", string(StateConnecting))

	if pn, ok := p.transport.(PongNotifier); ok {
		pn.OnPong(func() { c.Heartbeat() })
	}

	go c.writeLoop()
	return c
}

func newConnectionID() string {
	id, _ := gonanoid.New()
	return "conn_" + id
}

func newMessageID() string {
	id, _ := gonanoid.New()
	return "msg_" + id
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) UserID() string { return c.userID }

// Timeouts returns the deadlines this connection runs with.
func (c *Connection) Timeouts() Timeouts { return c.timeouts }

// Done is closed once the connection reaches StateClosed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Preserved returns the messages currently held for replay, in send order.
func (c *Connection) Preserved() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedPreservedLocked()
}

// TimeoutEvents returns a copy of the timeout log.
func (c *Connection) TimeoutEvents() []TimeoutEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TimeoutEvent(nil), c.events...)
}

// Statistics returns a snapshot of the timeout history and buffers.
func (c *Connection) Statistics() TimeoutStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := TimeoutStatistics{
		UserID:        c.userID,
		ConnectionID:  c.id,
		State:         c.state,
		Total:         len(c.events),
		ByKind:        make(map[TimeoutKind]int),
		Consecutive:   c.consecutive,
		Events:        append([]TimeoutEvent(nil), c.events...),
		LastActivity:  c.lastActivity,
		LastHeartbeat: c.lastHeartbeat,
		Preserved:     len(c.preserved),
		Queued:        len(c.queue),
		Written:       c.written,
	}
	for _, ev := range c.events {
		stats.ByKind[TimeoutKind(ev.Kind)]++
	}
	return stats
}

// transitionLocked moves the state machine; c.mu must be held.
func (c *Connection) transitionLocked(to State) bool {
	from := c.state
	if !CanTransition(from, to) {
		return false
	}
	c.state = to
	observability.RecordConnectionTransition(string(from), string(to))
	c.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("Connection state changed")
	return true
}

// recordTimeoutLocked appends to the timeout log and reports whether the
// consecutive limit is reached. c.mu must be held.
func (c *Connection) recordTimeoutLocked(kind TimeoutKind, detail string, counts bool) bool {
	at := time.Now().UTC()
	if at.Before(c.lastEventAt) {
		at = c.lastEventAt
	}
	c.eventSeq++
	c.lastEventAt = at
	c.events = append(c.events, TimeoutEvent{
		Seq:    c.eventSeq,
		Kind:   string(kind),
		At:     at,
		Detail: detail,
	})
	observability.RecordConnectionTimeout(string(kind))
	c.logger.Debug().Str("kind", string(kind)).Str("detail", detail).Msg("Connection timeout")

	if counts {
		c.consecutive++
	}
	return c.maxConsecutive > 0 && c.consecutive >= c.maxConsecutive
}

func (c *Connection) recordTimeout(kind TimeoutKind, detail string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordTimeoutLocked(kind, detail, true)
}

func (c *Connection) newMessageLocked(payload []byte) Message {
	c.msgSeq++
	return Message{
		ID:         newMessageID(),
		Seq:        c.msgSeq,
		Payload:    json.RawMessage(append([]byte(nil), payload...)),
		EnqueuedAt: time.Now().UTC(),
	}
}

func (c *Connection) closedErr(err error) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	return &ClosedError{UserID: c.userID, ConnectionID: c.id, State: st, Err: err}
}

func (c *Connection) timeoutErr(kind TimeoutKind, after time.Duration) error {
	return &TimeoutError{Kind: kind, UserID: c.userID, ConnectionID: c.id, After: after}
}

// waitReady blocks while the connection is replaying.
func (c *Connection) waitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.closing:
		return nil
	default:
	}

	timer := time.NewTimer(c.timeouts.QueueWait)
	defer timer.Stop()

	select {
	case <-c.ready:
		return nil
	case <-c.closing:
		return nil
	case <-timer.C:
		return c.timeoutErr(TimeoutQueueWait, c.timeouts.QueueWait)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues payload, which must be JSON, for the writer. It blocks while the queue is full, up
// to the queue-wait timeout. During graceful shutdown payload is preserved.
func (c *Connection) Send(ctx context.Context, payload []byte) (SendResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !json.Valid(payload) {
		return SendResult{}, ErrInvalidPayload
	}
	if err := c.waitReady(ctx); err != nil {
		return SendResult{}, err
	}

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return SendResult{}, c.closedErr(nil)
	}
	msg := c.newMessageLocked(payload)
	if c.state == StateGracefulShutdown {
		c.preserved = append(c.preserved, msg)
		c.mu.Unlock()
		return SendResult{MessageID: msg.ID, Preserved: true}, nil
	}
	c.mu.Unlock()

	select {
	case c.queue <- msg:
		return SendResult{MessageID: msg.ID}, nil
	default:
	}

	timer := time.NewTimer(c.timeouts.QueueWait)
	defer timer.Stop()

	select {
	case c.queue <- msg:
		return SendResult{MessageID: msg.ID}, nil
	case <-c.closing:
		c.mu.Lock()
		c.preserved = append(c.preserved, msg)
		c.mu.Unlock()
		return SendResult{MessageID: msg.ID, Preserved: true}, nil
	case <-timer.C:
		c.mu.Lock()
		c.backpressured = true
		c.mu.Unlock()
		if c.recordTimeout(TimeoutQueueWait, "outbound queue full") {
			c.beginShutdown("consecutive timeouts")
		}
		return SendResult{}, c.timeoutErr(TimeoutQueueWait, c.timeouts.QueueWait)
	case <-ctx.Done():
		return SendResult{}, ctx.Err()
	}
}

// Preserve stores payload for replay instead of writing it. On a healthy
// open connection with nothing held back the payload is queued for the
// writer when there is room, and held for replay otherwise. Graceful
// shutdown starts only when a send on this connection already timed out
// waiting for queue space. It returns false once the connection is closed.
func (c *Connection) Preserve(payload []byte) (string, bool) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return "", false
	}
	msg := c.newMessageLocked(payload)
	if !c.backpressured && len(c.preserved) == 0 &&
		(c.state == StateConnected || c.state == StateDegraded) {
		select {
		case c.queue <- msg:
			c.mu.Unlock()
			return msg.ID, true
		default:
		}
	}
	c.preserved = append(c.preserved, msg)
	shutdown := c.backpressured && c.state.Open()
	c.mu.Unlock()

	if shutdown {
		c.beginShutdown("backpressure")
	}
	return msg.ID, true
}

// Receive reads the next inbound frame. A read timeout is reported to the
// caller and logged without closing the connection.
func (c *Connection) Receive(ctx context.Context) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !c.State().Open() {
		return nil, c.closedErr(nil)
	}

	deadline := time.Now().Add(c.timeouts.Read)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	data, err := c.transport.ReadMessage(deadline)
	if err == nil {
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.consecutive = 0
		c.mu.Unlock()
		return data, nil
	}

	if isTimeout(err) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if c.recordTimeout(TimeoutRead, "") {
			c.beginShutdown("consecutive timeouts")
		}
		return nil, c.timeoutErr(TimeoutRead, c.timeouts.Read)
	}

	if c.State().Open() {
		c.beginShutdown("read failed")
	}
	return nil, c.closedErr(err)
}

// Heartbeat records a heartbeat reply. A degraded connection recovers.
func (c *Connection) Heartbeat() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Open() {
		return false
	}
	c.lastHeartbeat = time.Now()
	c.consecutive = 0
	if c.state == StateDegraded {
		c.transitionLocked(StateConnected)
		c.logger.Info().Msg("Connection recovered")
	}
	return true
}

// Close begins graceful shutdown and waits for the connection to close.
func (c *Connection) Close(ctx context.Context) error {
	c.beginShutdown("close requested")

	if ctx == nil {
		<-c.done
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close connection %s: %w", c.id, ctx.Err())
	}
}

// replay queues messages preserved by an earlier connection. Messages that
// cannot be queued stay preserved on this connection.
func (c *Connection) replay(msgs []Message) int {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	c.mu.Lock()
	if seq := recovery.MaxSeq(msgs); seq > c.msgSeq {
		c.msgSeq = seq
	}
	c.mu.Unlock()

	for i, msg := range msgs {
		timer := time.NewTimer(c.timeouts.QueueWait)
		select {
		case c.queue <- msg:
			timer.Stop()
			continue
		case <-c.closing:
		case <-timer.C:
			c.mu.Lock()
			c.recordTimeoutLocked(TimeoutQueueWait, "replay stalled", true)
			c.mu.Unlock()
		}
		timer.Stop()

		c.mu.Lock()
		c.preserved = append(c.preserved, msgs[i:]...)
		c.mu.Unlock()
		c.beginShutdown("replay stalled")
		return i
	}
	return len(msgs)
}

// markReady ends the connecting phase and starts the heartbeat sweep.
func (c *Connection) markReady() {
	c.mu.Lock()
	ok := c.transitionLocked(StateConnected)
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })
	if ok {
		go c.sweepLoop()
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case <-c.closing:
			return
		case msg := <-c.queue:
			if !c.write(msg) {
				return
			}
		}
	}
}

// write sends msg, retrying write timeouts until the consecutive limit. On
// failure msg is preserved and shutdown begins.
func (c *Connection) write(msg Message) bool {
	for {
		err := c.transport.WriteMessage(msg.Payload, time.Now().Add(c.timeouts.Write))
		if err == nil {
			c.mu.Lock()
			c.lastActivity = time.Now()
			c.consecutive = 0
			c.written++
			c.mu.Unlock()
			return true
		}

		reason := "write failed"
		if isTimeout(err) {
			if !c.recordTimeout(TimeoutWrite, "") {
				select {
				case <-c.closing:
				default:
					continue
				}
			}
			reason = "consecutive timeouts"
		} else {
			c.logger.Warn().Err(err).Msg("Connection write failed")
		}

		c.mu.Lock()
		c.preserved = append(c.preserved, msg)
		c.mu.Unlock()
		c.beginShutdown(reason)
		return false
	}
}

func (c *Connection) sweepLoop() {
	ticker := time.NewTicker(c.timeouts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.closing:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// sweep checks idle and heartbeat deadlines, then pings.
func (c *Connection) sweep(now time.Time) {
	c.mu.Lock()
	if !c.state.Open() {
		c.mu.Unlock()
		return
	}

	if idle := now.Sub(c.lastActivity); idle >= c.timeouts.Idle {
		c.recordTimeoutLocked(TimeoutIdle, fmt.Sprintf("no activity for %s", idle.Truncate(time.Millisecond)), false)
		c.mu.Unlock()
		c.beginShutdown("idle timeout")
		return
	}

	degraded := false
	if c.state == StateConnected && now.Sub(c.lastHeartbeat) >= c.timeouts.HeartbeatTimeout {
		c.recordTimeoutLocked(TimeoutHeartbeat, "heartbeat missed", false)
		degraded = c.transitionLocked(StateDegraded)
	}
	c.mu.Unlock()

	if degraded {
		c.logger.Warn().Msg("Connection degraded")
		c.persistSnapshot("")
	}

	if err := c.transport.Ping(now.Add(c.timeouts.Write)); err != nil {
		c.logger.Debug().Err(err).Msg("Heartbeat ping failed")
	}
}

// beginShutdown enters graceful shutdown once; finish runs in the background.
func (c *Connection) beginShutdown(reason string) {
	c.mu.Lock()
	if !c.state.Open() || !c.transitionLocked(StateGracefulShutdown) {
		c.mu.Unlock()
		return
	}
	c.shutdownReason = reason
	c.mu.Unlock()

	c.logger.Info().Str("reason", reason).Msg("Connection shutting down")
	c.closingOnce.Do(func() { close(c.closing) })
	go c.finish()
}

// finish drains the in-flight write, moves queued messages into the
// preserved list, persists the record and closes the transport.
func (c *Connection) finish() {
	c.persistSnapshot("")

	timer := time.NewTimer(c.timeouts.Drain)
	select {
	case <-c.writerDone:
	case <-timer.C:
		c.logger.Warn().Dur("drain", c.timeouts.Drain).Msg("In-flight write did not drain, closing transport")
		_ = c.transport.Close()
		<-c.writerDone
	}
	timer.Stop()

	c.sendMu.Lock()
	c.mu.Lock()
	for drained := false; !drained; {
		select {
		case msg := <-c.queue:
			c.preserved = append(c.preserved, msg)
		default:
			drained = true
		}
	}
	preserved := len(c.preserved)
	c.mu.Unlock()

	c.persistSnapshot(StateClosed)

	c.mu.Lock()
	c.transitionLocked(StateClosed)
	reason := c.shutdownReason
	c.mu.Unlock()
	c.sendMu.Unlock()

	if err := c.transport.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Transport close failed")
	}
	if c.onClosed != nil {
		c.onClosed(c)
	}
	close(c.done)

	c.logger.Info().Str("reason", reason).Int("preserved", preserved).Msg("Connection closed")
}

func (c *Connection) sortedPreservedLocked() []Message {
	out := append([]Message(nil), c.preserved...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// record builds the recovery record. An empty state uses the current one.
func (c *Connection) record(state State) *recovery.Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state == "" {
		state = c.state
	}
	return &recovery.Record{
		UserID:            c.userID,
		ConnectionID:      c.id,
		State:             string(state),
		TimeoutEvents:     append([]TimeoutEvent(nil), c.events...),
		PreservedMessages: c.sortedPreservedLocked(),
		CreatedAt:         c.createdAt,
	}
}

func (c *Connection) persistSnapshot(state State) {
	if c.persist == nil {
		return
	}
	rec := c.record(state)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := c.persist(ctx, rec)
	observability.RecordRecoveryPersist(err == nil)
	if err != nil {
		c.logger.Error().Err(err).Str("state", rec.State).Msg("Failed to persist recovery record")
	}
}
