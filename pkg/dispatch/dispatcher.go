package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/tenantd/internal/observability"
	"github.com/harun/tenantd/internal/tracing"
	"github.com/harun/tenantd/pkg/connection"
	"github.com/harun/tenantd/pkg/lifecycle"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName = "tenantd.dispatch"

	// StreamLifecycle is the envelope stream of every lifecycle event.
	StreamLifecycle = "lifecycle"
)

// Connections is the slice of the connection manager the dispatcher needs.
type Connections interface {
	Send(ctx context.Context, userID string, payload []byte) (connection.SendResult, error)
	Preserve(ctx context.Context, userID string, payload []byte) (string, error)
}

// Mirror receives a copy of every accepted envelope.
type Mirror interface {
	Publish(ctx context.Context, env Envelope) error
}

// Envelope is the wire form of a lifecycle event.
type Envelope struct {
	Type      string                 `json:"type"`
	Event     string                 `json:"event"`
	Stream    string                 `json:"stream"`
	Phase     lifecycle.Kind         `json:"phase"`
	Seq       int64                  `json:"seq"`
	UserID    string                 `json:"user_id"`
	RunID     string                 `json:"run_id"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Config configures a Dispatcher.
type Config struct {
	// Connections delivers and preserves payloads. Required.
	Connections Connections
	// Mirror is optional; publish failures are logged only.
	Mirror Mirror
	Logger *zerolog.Logger
}

// Stats counts dispatch outcomes.
type Stats struct {
	Delivered  int64 `json:"delivered"`
	Preserved  int64 `json:"preserved"`
	Rejected   int64 `json:"rejected"`
	Violations int64 `json:"violations"`
}

type userStream struct {
	mu   sync.Mutex
	seq  int64
	runs map[string]struct{}
	dead bool
}

// Dispatcher implements engine.Bridge on top of a connection manager.
type Dispatcher struct {
	conns   Connections
	mirror  Mirror
	tracker *lifecycle.Tracker
	logger  zerolog.Logger

	streamsMu sync.Mutex
	streams   map[string]*userStream
	// seq of pruned streams; new streams start above it
	seqFloor atomic.Int64

	delivered  atomic.Int64
	preserved  atomic.Int64
	rejected   atomic.Int64
	violations atomic.Int64
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Connections == nil {
		return nil, errors.New("connections are required")
	}

	observability.EnsureRegistered()

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Dispatcher{
		conns:   cfg.Connections,
		mirror:  cfg.Mirror,
		tracker: lifecycle.NewTracker(),
		streams: make(map[string]*userStream),
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}, nil
}

func runKey(userID, runID string) string {
	return userID + "\x00" + runID
}

// lockStream returns userID's stream locked, creating it when absent.
func (d *Dispatcher) lockStream(userID string) *userStream {
	for {
		d.streamsMu.Lock()
		s, ok := d.streams[userID]
		if !ok {
			s = &userStream{seq: d.seqFloor.Load(), runs: make(map[string]struct{})}
			d.streams[userID] = s
		}
		d.streamsMu.Unlock()

		s.mu.Lock()
		if !s.dead {
			return s
		}
		s.mu.Unlock()
		d.dropStream(userID, s)
	}
}

// unlockStream releases s and drops it once it tracks no run.
func (d *Dispatcher) unlockStream(userID string, s *userStream) {
	idle := len(s.runs) == 0
	if idle && !s.dead {
		s.dead = true
		for {
			floor := d.seqFloor.Load()
			if s.seq <= floor || d.seqFloor.CompareAndSwap(floor, s.seq) {
				break
			}
		}
	}
	s.mu.Unlock()
	if idle {
		d.dropStream(userID, s)
	}
}

func (d *Dispatcher) dropStream(userID string, s *userStream) {
	d.streamsMu.Lock()
	if d.streams[userID] == s {
		delete(d.streams, userID)
	}
	d.streamsMu.Unlock()
}

// Deliver sends ev to userID's connection. It blocks while the connection's
// outbound queue is full, up to the queue-wait timeout, and then preserves
// the event.
func (d *Dispatcher) Deliver(ctx context.Context, userID string, ev lifecycle.Event) (lifecycle.Receipt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, tracerName, "dispatch.deliver",
		attribute.String("user_id", userID),
		attribute.String("run_id", ev.RunID),
		attribute.String("event", string(ev.Type)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, d.logger)

	if err := ev.Validate(); err != nil {
		d.reject("invalid_event")
		tracing.RecordError(span, err)
		return lifecycle.Receipt{}, fmt.Errorf("deliver: %w", err)
	}

	if ev.UserID != userID {
		err := &IsolationViolationError{TargetUserID: userID, EventUserID: ev.UserID, RunID: ev.RunID}
		d.violations.Add(1)
		d.reject("isolation_violation")
		observability.RecordIsolationViolation()
		observability.RecordIsolationAudit(ctx, userID, ev.UserID, ev.RunID)
		logger.Error().
			Bool("alert", true).
			Str("target_user_id", userID).
			Str("event_user_id", ev.UserID).
			Str("run_id", ev.RunID).
			Str("event", string(ev.Type)).
			Msg("Dispatch isolation violation")
		tracing.RecordError(span, err)
		return lifecycle.Receipt{}, err
	}

	s := d.lockStream(userID)
	defer d.unlockStream(userID, s)

	key := runKey(userID, ev.RunID)
	if err := d.tracker.Check(key, ev.Type); err != nil {
		d.reject("out_of_order")
		logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Rejected out of order event")
		tracing.RecordError(span, err)
		return lifecycle.Receipt{}, err
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	env := Envelope{
		Type:      "event",
		Event:     "agent." + string(ev.Type),
		Stream:    StreamLifecycle,
		Phase:     ev.Type,
		Seq:       s.seq + 1,
		UserID:    ev.UserID,
		RunID:     ev.RunID,
		RequestID: ev.RequestID,
		Timestamp: ts.UnixMilli(),
		Data:      ev.Payload,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		d.reject("encode_failed")
		tracing.RecordError(span, err)
		return lifecycle.Receipt{}, fmt.Errorf("encode event %s: %w", ev.Type, err)
	}

	status, err := d.send(ctx, logger, userID, payload)
	if err != nil {
		d.reject("send_failed")
		tracing.RecordError(span, err)
		return lifecycle.Receipt{}, err
	}

	s.seq = env.Seq
	s.runs[ev.RunID] = struct{}{}
	if err := d.tracker.Admit(key, ev.Type); err != nil {
		// unreachable while the stream lock is held
		logger.Error().Err(err).Msg("Tracker rejected admitted event")
	}

	if d.mirror != nil {
		if err := d.mirror.Publish(ctx, env); err != nil {
			logger.Warn().Err(err).Int64("seq", env.Seq).Msg("Failed to mirror event")
		}
	}

	if status == lifecycle.StatusPreserved {
		d.preserved.Add(1)
	} else {
		d.delivered.Add(1)
	}
	observability.RecordEventDispatched(string(ev.Type), string(status), time.Since(start))
	span.SetAttributes(attribute.String("status", string(status)), attribute.Int64("seq", env.Seq))

	logger.Debug().
		Str("event", string(ev.Type)).
		Str("status", string(status)).
		Int64("seq", env.Seq).
		Msg("Event dispatched")

	return lifecycle.Receipt{Status: status, Seq: env.Seq}, nil
}

// send hands payload to the live connection, falling back to preservation
// on queue timeouts and missing connections.
func (d *Dispatcher) send(ctx context.Context, logger zerolog.Logger, userID string, payload []byte) (lifecycle.DeliveryStatus, error) {
	res, err := d.conns.Send(ctx, userID, payload)
	if err == nil {
		if res.Preserved {
			return lifecycle.StatusPreserved, nil
		}
		return lifecycle.StatusDelivered, nil
	}
	if !errors.Is(err, connection.ErrConnectionTimeout) && !errors.Is(err, connection.ErrConnectionClosed) {
		return "", fmt.Errorf("send event: %w", err)
	}

	logger.Debug().Err(err).Msg("Connection unavailable, preserving event")
	if _, perr := d.conns.Preserve(ctx, userID, payload); perr != nil {
		return "", fmt.Errorf("preserve event: %w", errors.Join(err, perr))
	}
	return lifecycle.StatusPreserved, nil
}

func (d *Dispatcher) reject(reason string) {
	d.rejected.Add(1)
	observability.RecordEventRejected(reason)
}

// ReleaseRun drops the ordering state of a finished run, and the user's
// stream once none of its runs remain.
func (d *Dispatcher) ReleaseRun(userID, runID string) {
	d.streamsMu.Lock()
	s, ok := d.streams[userID]
	d.streamsMu.Unlock()
	if !ok {
		d.tracker.Forget(runKey(userID, runID))
		return
	}

	s.mu.Lock()
	d.tracker.Forget(runKey(userID, runID))
	delete(s.runs, runID)
	d.unlockStream(userID, s)
}

// TrackedStreams returns how many users hold a sequence stream.
func (d *Dispatcher) TrackedStreams() int {
	d.streamsMu.Lock()
	defer d.streamsMu.Unlock()
	return len(d.streams)
}

// LastPhase returns the furthest phase dispatched for a run.
func (d *Dispatcher) LastPhase(userID, runID string) (lifecycle.Kind, bool) {
	return d.tracker.Last(runKey(userID, runID))
}

// TrackedRuns returns how many runs hold ordering state.
func (d *Dispatcher) TrackedRuns() int {
	return d.tracker.Len()
}

// Stats returns dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered:  d.delivered.Load(),
		Preserved:  d.preserved.Load(),
		Rejected:   d.rejected.Load(),
		Violations: d.violations.Load(),
	}
}
