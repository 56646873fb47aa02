package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/tenantd/internal/keylock"
	"github.com/harun/tenantd/internal/observability"
	"github.com/harun/tenantd/internal/tracing"
	"github.com/harun/tenantd/pkg/recovery"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const tracerName = "tenantd.connection"

// Config configures a Manager.
type Config struct {
	// Repository persists recovery records. Defaults to an in-memory store.
	Repository *recovery.Repository
	// Timeouts are the defaults for every connection; zero fields use
	// DefaultTimeouts.
	Timeouts Timeouts
	// BufferSize is the outbound queue capacity per connection.
	BufferSize int
	// MaxConsecutiveTimeouts closes a connection after this many read,
	// write or queue-wait timeouts in a row.
	MaxConsecutiveTimeouts int
	Logger                 *zerolog.Logger
}

// Stats aggregates every connection the manager has seen.
type Stats struct {
	Connections int                   `json:"connections"`
	ByState     map[State]int         `json:"by_state"`
	Timeouts    map[TimeoutKind]int64 `json:"timeouts"`
	Opened      int64                 `json:"opened"`
	Closed      int64                 `json:"closed"`
	Replayed    int64                 `json:"replayed"`
	Preserved   int64                 `json:"preserved"`
}

// Manager owns the table of live connections, keyed by user ID.
type Manager struct {
	repo           *recovery.Repository
	timeouts       Timeouts
	bufferSize     int
	maxConsecutive int
	logger         zerolog.Logger

	mu     sync.RWMutex
	conns  map[string]*Connection
	closed bool

	// serializes Connect per user
	connectLocks keylock.Map

	timeoutsMu    sync.Mutex
	timeoutCounts map[TimeoutKind]int64

	opened    atomic.Int64
	closedCnt atomic.Int64
	replayed  atomic.Int64
	preserved atomic.Int64
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	timeouts := cfg.Timeouts.withDefaults()
	if err := timeouts.Validate(); err != nil {
		return nil, err
	}
	if cfg.BufferSize < 0 {
		return nil, errors.New("buffer size must be >= 0")
	}

	observability.EnsureRegistered()

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	repo := cfg.Repository
	if repo == nil {
		var err error
		repo, err = recovery.NewRepository(recovery.NewMemoryStore(), recovery.DefaultTTL, &logger)
		if err != nil {
			return nil, err
		}
	}

	bufferSize := cfg.BufferSize
	if bufferSize == 0 {
		bufferSize = DefaultBufferSize
	}
	maxConsecutive := cfg.MaxConsecutiveTimeouts
	if maxConsecutive <= 0 {
		maxConsecutive = DefaultMaxConsecutiveTimeouts
	}

	return &Manager{
		repo:           repo,
		timeouts:       timeouts,
		bufferSize:     bufferSize,
		maxConsecutive: maxConsecutive,
		logger:         logger.With().Str("component", "connection_manager").Logger(),
		conns:          make(map[string]*Connection),
		timeoutCounts:  make(map[TimeoutKind]int64),
	}, nil
}

// Repository returns the recovery repository in use.
func (m *Manager) Repository() *recovery.Repository { return m.repo }

// Connect registers transport as userID's connection. An existing connection
// for the user is shut down first. Messages preserved in the user's recovery
// record are replayed before Connect returns; the record itself is left to
// expire.
func (m *Manager) Connect(ctx context.Context, userID string, transport Transport, opts ...Option) (*Connection, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	o := connectOptions{timeouts: m.timeouts, bufferSize: m.bufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	o.timeouts = o.timeouts.withDefaults()
	if err := o.timeouts.Validate(); err != nil {
		return nil, err
	}
	if o.bufferSize <= 0 {
		o.bufferSize = m.bufferSize
	}
	if o.connectionID == "" {
		o.connectionID = newConnectionID()
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeouts.Connect)
	defer cancel()

	ctx = tracing.WithConnectionID(tracing.WithUserID(ctx, userID), o.connectionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "connection.connect",
		attribute.String("user_id", userID),
		attribute.String("connection_id", o.connectionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	unlock := m.connectLocks.Lock(userID)
	defer unlock()

	m.mu.RLock()
	closed := m.closed
	old := m.conns[userID]
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}

	if old != nil {
		logger.Info().Str("previous_connection_id", old.ID()).Msg("Replacing existing connection")
		if err := old.Close(ctx); err != nil {
			m.countTimeout(TimeoutConnect)
			err = &TimeoutError{Kind: TimeoutConnect, UserID: userID, ConnectionID: o.connectionID, After: o.timeouts.Connect}
			tracing.RecordError(span, err)
			return nil, err
		}
	}

	c := newConnection(connectionParams{
		id:             o.connectionID,
		userID:         userID,
		timeouts:       o.timeouts,
		bufferSize:     o.bufferSize,
		maxConsecutive: m.maxConsecutive,
		transport:      transport,
		persist:        m.repo.Save,
		onClosed:       m.onClosed,
		logger:         m.logger,
	})

	m.mu.Lock()
	m.conns[userID] = c
	m.mu.Unlock()
	m.opened.Add(1)

	rec, err := m.repo.LoadByUser(ctx, userID)
	switch {
	case err == nil && len(rec.PreservedMessages) > 0:
		n := c.replay(rec.PreservedMessages)
		m.replayed.Add(int64(n))
		observability.RecordMessagesReplayed(n)
		logger.Info().
			Int("replayed", n).
			Int("preserved", len(rec.PreservedMessages)).
			Str("previous_connection_id", rec.ConnectionID).
			Msg("Replayed preserved messages")
	case err != nil && !errors.Is(err, recovery.ErrNotFound):
		logger.Warn().Err(err).Msg("Failed to load recovery record")
	}

	c.markReady()
	logger.Info().Msg("Connection established")
	return c, nil
}

func (m *Manager) onClosed(c *Connection) {
	m.mu.Lock()
	if cur, ok := m.conns[c.UserID()]; ok && cur == c {
		delete(m.conns, c.UserID())
	}
	m.mu.Unlock()

	stats := c.Statistics()
	m.timeoutsMu.Lock()
	for kind, n := range stats.ByKind {
		m.timeoutCounts[kind] += int64(n)
	}
	m.timeoutsMu.Unlock()

	m.closedCnt.Add(1)
	m.preserved.Add(int64(stats.Preserved))
}

func (m *Manager) countTimeout(kind TimeoutKind) {
	m.timeoutsMu.Lock()
	m.timeoutCounts[kind]++
	m.timeoutsMu.Unlock()
	observability.RecordConnectionTimeout(string(kind))
}

// PendingConnects returns how many users have a Connect in progress.
func (m *Manager) PendingConnects() int { return m.connectLocks.Len() }

// Get returns the user's connection, if any.
func (m *Manager) Get(userID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[userID]
	return c, ok
}

// Send queues payload on the user's connection. It returns a *ClosedError
// when the user has no open connection.
func (m *Manager) Send(ctx context.Context, userID string, payload []byte) (SendResult, error) {
	c, ok := m.Get(userID)
	if !ok {
		return SendResult{}, &ClosedError{UserID: userID}
	}
	return c.Send(ctx, payload)
}

// Receive reads the next frame from the user's connection.
func (m *Manager) Receive(ctx context.Context, userID string) ([]byte, error) {
	c, ok := m.Get(userID)
	if !ok {
		return nil, &ClosedError{UserID: userID}
	}
	return c.Receive(ctx)
}

// Heartbeat records a heartbeat reply for the user's connection.
func (m *Manager) Heartbeat(userID string) bool {
	c, ok := m.Get(userID)
	if !ok {
		return false
	}
	return c.Heartbeat()
}

// Close gracefully shuts down the user's connection and waits for it.
func (m *Manager) Close(ctx context.Context, userID string) error {
	c, ok := m.Get(userID)
	if !ok {
		return nil
	}
	return c.Close(ctx)
}

// Preserve keeps payload for the user's next connection. With a live
// connection it joins that connection's preserved list; otherwise it is
// appended to the stored recovery record.
func (m *Manager) Preserve(ctx context.Context, userID string, payload []byte) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if !json.Valid(payload) {
		return "", ErrInvalidPayload
	}

	if c, ok := m.Get(userID); ok {
		if id, ok := c.Preserve(payload); ok {
			return id, nil
		}
	}

	msg := Message{
		ID:         newMessageID(),
		Payload:    json.RawMessage(append([]byte(nil), payload...)),
		EnqueuedAt: time.Now().UTC(),
	}
	if err := m.repo.AppendPreserved(ctx, userID, msg); err != nil {
		observability.RecordRecoveryPersist(false)
		return "", fmt.Errorf("preserve message for user %s: %w", userID, err)
	}
	observability.RecordRecoveryPersist(true)
	m.preserved.Add(1)
	return msg.ID, nil
}

// GetTimeoutStatistics returns the live connection's statistics, or the
// statistics stored in the user's recovery record.
func (m *Manager) GetTimeoutStatistics(ctx context.Context, userID string) (TimeoutStatistics, error) {
	if c, ok := m.Get(userID); ok {
		return c.Statistics(), nil
	}

	rec, err := m.repo.LoadByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, recovery.ErrNotFound) {
			return TimeoutStatistics{}, &ClosedError{UserID: userID}
		}
		return TimeoutStatistics{}, err
	}

	stats := TimeoutStatistics{
		UserID:       rec.UserID,
		ConnectionID: rec.ConnectionID,
		State:        State(rec.State),
		Total:        len(rec.TimeoutEvents),
		ByKind:       make(map[TimeoutKind]int),
		Events:       rec.TimeoutEvents,
		Preserved:    len(rec.PreservedMessages),
	}
	for _, ev := range rec.TimeoutEvents {
		stats.ByKind[TimeoutKind(ev.Kind)]++
	}
	return stats, nil
}

// Stats returns aggregate counts across live and closed connections.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	live := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		live = append(live, c)
	}
	m.mu.RUnlock()

	s := Stats{
		Connections: len(live),
		ByState:     make(map[State]int),
		Timeouts:    make(map[TimeoutKind]int64),
		Opened:      m.opened.Load(),
		Closed:      m.closedCnt.Load(),
		Replayed:    m.replayed.Load(),
		Preserved:   m.preserved.Load(),
	}

	m.timeoutsMu.Lock()
	for k, v := range m.timeoutCounts {
		s.Timeouts[k] = v
	}
	m.timeoutsMu.Unlock()

	for _, c := range live {
		cs := c.Statistics()
		s.ByState[cs.State]++
		for k, v := range cs.ByKind {
			s.Timeouts[k] += int64(v)
		}
	}
	return s
}

// Shutdown refuses new connections and closes every live one concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		live = append(live, c)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range live {
		c := c
		g.Go(func() error {
			return c.Close(gctx)
		})
	}
	err := g.Wait()

	m.logger.Info().Int("connections", len(live)).Msg("Connection manager shut down")
	return err
}
