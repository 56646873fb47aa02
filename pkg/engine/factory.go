package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/tenantd/internal/observability"
	"github.com/harun/tenantd/internal/tracing"
	"github.com/harun/tenantd/pkg/execctx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "tenantd.engine"

// DefaultDrainTimeout bounds how long cleanup waits for in-flight deliveries.
const DefaultDrainTimeout = 5 * time.Second

// Config configures a Factory.
type Config struct {
	// Bridge receives every event emitted by engines. Required.
	Bridge Bridge
	// Validator defaults to execctx.DefaultValidator().
	Validator *execctx.Validator
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
	// MaxEnginesPerUser limits concurrent engines per user. Zero means unlimited.
	MaxEnginesPerUser int
	// DrainTimeout defaults to DefaultDrainTimeout.
	DrainTimeout time.Duration
}

// Metrics is a read-only snapshot of factory counters.
type Metrics struct {
	ActiveEngines int   `json:"active_engines"`
	ActiveUsers   int   `json:"active_users"`
	TotalCreated  int64 `json:"total_created"`
	TotalCleaned  int64 `json:"total_cleaned"`
	TotalRejected int64 `json:"total_rejected"`
}

type runKey struct {
	userID string
	runID  string
}

func runKeyOf(e *Engine) runKey {
	return runKey{userID: e.UserID(), runID: e.ec.RunID()}
}

// Factory owns the registry of active engines.
type Factory struct {
	bridge       Bridge
	validator    *execctx.Validator
	logger       zerolog.Logger
	maxPerUser   int
	drainTimeout time.Duration

	mu      sync.RWMutex
	engines map[string]*Engine
	byUser  map[string]map[string]*Engine
	// live engines per user+run; child contexts share their parent's run
	runs   map[runKey]int
	closed bool

	totalCreated  int64
	totalCleaned  int64
	totalRejected int64
}

// NewFactory creates a Factory.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	if cfg.MaxEnginesPerUser < 0 {
		return nil, fmt.Errorf("max engines per user must be >= 0")
	}

	observability.EnsureRegistered()

	validator := cfg.Validator
	if validator == nil {
		validator = execctx.DefaultValidator()
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}

	return &Factory{
		bridge:       cfg.Bridge,
		validator:    validator,
		logger:       logger.With().Str("component", "engine_factory").Logger(),
		maxPerUser:   cfg.MaxEnginesPerUser,
		drainTimeout: drain,
		engines:      make(map[string]*Engine),
		byUser:       make(map[string]map[string]*Engine),
		runs:         make(map[runKey]int),
	}, nil
}

// Create builds a context from p with the factory's validator and registers
// an engine for it.
func (f *Factory) Create(ctx context.Context, p execctx.Params) (*Engine, error) {
	ec, err := execctx.NewWithValidator(p, f.validator)
	if err != nil {
		return nil, f.reject(ctx, p.UserID, p.RequestID, err)
	}
	return f.CreateForUser(ctx, ec)
}

// CreateForUser validates ec and registers a new engine keyed by its request ID.
func (f *Factory) CreateForUser(ctx context.Context, ec *execctx.ExecutionContext) (*Engine, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "engine.create")
	defer span.End()

	if ec == nil {
		err := f.reject(ctx, "", "", &execctx.InvalidContextError{
			Field:  "context",
			Rule:   execctx.RuleRequired,
			Reason: "execution context is required",
		})
		tracing.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("user_id", ec.UserID()),
		attribute.String("request_id", ec.RequestID()),
	)

	if err := f.validator.Validate(ec); err != nil {
		err = f.reject(ctx, ec.UserID(), ec.RequestID(), err)
		tracing.RecordError(span, err)
		return nil, err
	}

	e := newEngine(ec, f.bridge, f.logger)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		err := f.refuse(ec, ReasonClosed, ErrFactoryClosed)
		tracing.RecordError(span, err)
		return nil, err
	}
	if _, exists := f.engines[ec.RequestID()]; exists {
		f.mu.Unlock()
		err := f.refuse(ec, ReasonDuplicate, ErrDuplicateRequest)
		tracing.RecordError(span, err)
		return nil, err
	}
	userEngines := f.byUser[ec.UserID()]
	if f.maxPerUser > 0 && len(userEngines) >= f.maxPerUser {
		f.mu.Unlock()
		err := f.refuse(ec, ReasonQuota, ErrQuotaExceeded)
		tracing.RecordError(span, err)
		return nil, err
	}
	if userEngines == nil {
		userEngines = make(map[string]*Engine)
		f.byUser[ec.UserID()] = userEngines
	}
	userEngines[ec.RequestID()] = e
	f.engines[ec.RequestID()] = e
	f.runs[runKeyOf(e)]++
	f.totalCreated++
	active := len(f.engines)
	f.mu.Unlock()

	observability.RecordEngineCreated(active)
	logger := tracing.LoggerFromContext(tracing.WithExecution(ctx, ec), f.logger)
	logger.Debug().
		Int("active_engines", active).
		Msg("Engine created")

	return e, nil
}

// reject converts a validation failure into a FactoryError and records it.
func (f *Factory) reject(ctx context.Context, userID, requestID string, err error) error {
	f.mu.Lock()
	f.totalRejected++
	f.mu.Unlock()

	fe := &FactoryError{
		Op:        "create",
		Reason:    ReasonInvalidContext,
		UserID:    userID,
		RequestID: requestID,
		Err:       err,
	}
	var ice *execctx.InvalidContextError
	if errors.As(err, &ice) {
		fe.Field = ice.Field
		observability.RecordValidationAudit(ctx, userID, ice.Field, string(ice.Rule))
	}
	observability.RecordEngineRejected(string(ReasonInvalidContext))

	f.logger.Warn().
		Str("field", fe.Field).
		Str("request_id", requestID).
		Msg("Execution context rejected")
	return fe
}

// refuse records a registry-level rejection of an otherwise valid context.
// Must be called without f.mu held.
func (f *Factory) refuse(ec *execctx.ExecutionContext, reason Reason, err error) error {
	f.mu.Lock()
	f.totalRejected++
	f.mu.Unlock()

	observability.RecordEngineRejected(string(reason))
	f.logger.Warn().
		Str("user_id", ec.UserID()).
		Str("request_id", ec.RequestID()).
		Str("reason", string(reason)).
		Msg("Engine creation refused")

	return &FactoryError{
		Op:        "create",
		Reason:    reason,
		UserID:    ec.UserID(),
		RequestID: ec.RequestID(),
		Err:       err,
	}
}

// CleanupEngine deactivates and unregisters e, waits for its in-flight
// deliveries, and releases its agents. Repeated calls are no-ops.
func (f *Factory) CleanupEngine(ctx context.Context, e *Engine) error {
	if e == nil {
		return &FactoryError{Op: "cleanup", Reason: ReasonNotFound, Err: ErrEngineNotFound}
	}
	_, err := f.cleanup(ctx, e)
	return err
}

// cleanup reports whether this call was the one that deactivated e.
func (f *Factory) cleanup(ctx context.Context, e *Engine) (bool, error) {
	if !e.active.CompareAndSwap(true, false) {
		return false, nil
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "engine.cleanup",
		attribute.String("user_id", e.UserID()),
		attribute.String("request_id", e.RequestID()),
	)
	defer span.End()

	f.mu.Lock()
	f.unregisterLocked(e)
	f.totalCleaned++
	active := len(f.engines)
	f.mu.Unlock()

	observability.RecordEngineCleaned(active)
	return true, f.finalize(ctx, e)
}

func (f *Factory) unregisterLocked(e *Engine) {
	reqID := e.RequestID()
	if cur, ok := f.engines[reqID]; ok && cur == e {
		delete(f.engines, reqID)
		key := runKeyOf(e)
		if f.runs[key]--; f.runs[key] <= 0 {
			delete(f.runs, key)
		}
	}
	if userEngines, ok := f.byUser[e.UserID()]; ok {
		if cur, ok := userEngines[reqID]; ok && cur == e {
			delete(userEngines, reqID)
		}
		if len(userEngines) == 0 {
			delete(f.byUser, e.UserID())
		}
	}
}

// releaseRunIfIdle frees the bridge's ordering state for e's run once no
// live engine shares it. The count is read under f.mu so an engine created
// for the same run during drain keeps its state.
func (f *Factory) releaseRunIfIdle(e *Engine) {
	rr, ok := f.bridge.(RunReleaser)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runs[runKeyOf(e)] == 0 {
		rr.ReleaseRun(e.UserID(), e.ec.RunID())
	}
}

// finalize runs the teardown steps that may block. e is already inactive and
// unregistered.
func (f *Factory) finalize(ctx context.Context, e *Engine) error {
	logger := tracing.LoggerFromContext(tracing.WithExecution(ctx, e.ec), f.logger)

	if !e.drain(f.drainTimeout) {
		logger.Warn().Dur("timeout", f.drainTimeout).Msg("Engine drain timed out")
	}

	releaseErr := e.releaseAgents()

	f.releaseRunIfIdle(e)

	logger.Debug().Msg("Engine cleaned up")

	if releaseErr != nil {
		return &FactoryError{
			Op:        "cleanup",
			Reason:    ReasonReleaseFailed,
			UserID:    e.UserID(),
			RequestID: e.RequestID(),
			Err:       releaseErr,
		}
	}
	return nil
}

// CleanupUserContext cleans up every engine owned by userID and reports
// whether any was removed.
func (f *Factory) CleanupUserContext(ctx context.Context, userID string) bool {
	f.mu.RLock()
	userEngines := f.byUser[userID]
	targets := make([]*Engine, 0, len(userEngines))
	for _, e := range userEngines {
		targets = append(targets, e)
	}
	f.mu.RUnlock()

	removed := false
	for _, e := range targets {
		ok, err := f.cleanup(ctx, e)
		if err != nil {
			f.logger.Warn().Err(err).Str("user_id", userID).Msg("Engine cleanup reported errors")
		}
		removed = removed || ok
	}

	if removed {
		observability.RecordSessionAudit(ctx, "session.end", userID, "success")
		f.logger.Info().Str("user_id", userID).Int("engines", len(targets)).Msg("User context cleaned up")
	}
	return removed
}

// Get returns the active engine registered for requestID.
func (f *Factory) Get(requestID string) (*Engine, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.engines[requestID]
	return e, ok
}

// EnginesForUser returns the active engines owned by userID.
func (f *Factory) EnginesForUser(userID string) []*Engine {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]*Engine, 0, len(f.byUser[userID]))
	for _, e := range f.byUser[userID] {
		out = append(out, e)
	}
	return out
}

// GetMetrics returns a snapshot of the factory counters.
func (f *Factory) GetMetrics() Metrics {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return Metrics{
		ActiveEngines: len(f.engines),
		ActiveUsers:   len(f.byUser),
		TotalCreated:  f.totalCreated,
		TotalCleaned:  f.totalCleaned,
		TotalRejected: f.totalRejected,
	}
}

// Shutdown refuses new engines and cleans up every registered one.
func (f *Factory) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	targets := make([]*Engine, 0, len(f.engines))
	for _, e := range f.engines {
		targets = append(targets, e)
	}
	f.mu.Unlock()

	var errs []error
	for _, e := range targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := f.CleanupEngine(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}

	f.logger.Info().Int("engines", len(targets)).Msg("Engine factory shut down")
	return errors.Join(errs...)
}
