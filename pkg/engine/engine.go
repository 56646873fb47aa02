package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/tenantd/internal/tracing"
	"github.com/harun/tenantd/pkg/execctx"
	"github.com/harun/tenantd/pkg/lifecycle"
	"github.com/rs/zerolog"
)

// Bridge delivers lifecycle events to the connection owned by userID.
type Bridge interface {
	Deliver(ctx context.Context, userID string, ev lifecycle.Event) (lifecycle.Receipt, error)
}

// RunReleaser is implemented by bridges that keep per-run state.
type RunReleaser interface {
	ReleaseRun(userID, runID string)
}

// Releaser is implemented by agent instances that hold resources.
type Releaser interface {
	Release() error
}

type attachedAgent struct {
	name     string
	instance any
}

// Engine is the live execution unit of one request. It is created by a
// Factory and never shared between users.
type Engine struct {
	ec     *execctx.ExecutionContext
	bridge Bridge
	logger zerolog.Logger

	active atomic.Bool
	// Emit holds the read side for the duration of a delivery; cleanup takes
	// the write side to wait for in-flight deliveries.
	sendMu sync.RWMutex

	mu     sync.Mutex
	agents []attachedAgent
}

func newEngine(ec *execctx.ExecutionContext, bridge Bridge, logger zerolog.Logger) *Engine {
	e := &Engine{
		ec:     ec,
		bridge: bridge,
		logger: logger.With().
			Str("user_id", ec.UserID()).
			Str("run_id", ec.RunID()).
			Str("request_id", ec.RequestID()).
			Logger(),
	}
	e.active.Store(true)
	return e
}

// UserContext returns the context the engine was created with. The same
// pointer is returned on every call.
func (e *Engine) UserContext() *execctx.ExecutionContext {
	return e.ec
}

// UserID returns the owning user.
func (e *Engine) UserID() string { return e.ec.UserID() }

// RequestID returns the registry key of the engine.
func (e *Engine) RequestID() string { return e.ec.RequestID() }

// IsActive reports whether the engine is still registered.
func (e *Engine) IsActive() bool {
	return e.active.Load()
}

// Emit delivers a lifecycle event for this engine's run. The event's owner,
// run and request are always taken from the engine's own context.
func (e *Engine) Emit(ctx context.Context, kind lifecycle.Kind, payload map[string]interface{}) (lifecycle.Receipt, error) {
	if !e.active.Load() {
		return lifecycle.Receipt{}, e.inactiveErr("emit")
	}

	e.sendMu.RLock()
	defer e.sendMu.RUnlock()

	// cleanup may have started while we waited for the lock
	if !e.active.Load() {
		return lifecycle.Receipt{}, e.inactiveErr("emit")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithExecution(ctx, e.ec)

	ev := lifecycle.Event{
		Type:      kind,
		UserID:    e.ec.UserID(),
		RunID:     e.ec.RunID(),
		RequestID: e.ec.RequestID(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	return e.bridge.Deliver(ctx, e.ec.UserID(), ev)
}

// AttachAgent records an agent instance bound to this engine so it can be
// released at cleanup.
func (e *Engine) AttachAgent(name string, instance any) error {
	if instance == nil {
		return fmt.Errorf("attach agent %q: nil instance", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active.Load() {
		return e.inactiveErr("attach")
	}
	e.agents = append(e.agents, attachedAgent{name: name, instance: instance})
	return nil
}

// Agents returns the names of the attached agent instances, in attach order.
func (e *Engine) Agents() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.agents))
	for _, a := range e.agents {
		names = append(names, a.name)
	}
	return names
}

func (e *Engine) inactiveErr(op string) error {
	return &FactoryError{
		Op:        op,
		Reason:    ReasonInactive,
		UserID:    e.ec.UserID(),
		RequestID: e.ec.RequestID(),
		Err:       ErrEngineInactive,
	}
}

// drain waits for in-flight Emit calls. It returns false if timeout elapsed
// first; the pending wait then finishes in the background.
func (e *Engine) drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.sendMu.Lock()
		e.sendMu.Unlock()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// releaseAgents releases every attached instance and clears the set.
func (e *Engine) releaseAgents() error {
	e.mu.Lock()
	agents := e.agents
	e.agents = nil
	e.mu.Unlock()

	var errs []error
	for _, a := range agents {
		r, ok := a.instance.(Releaser)
		if !ok {
			continue
		}
		if err := r.Release(); err != nil {
			e.logger.Warn().Err(err).Str("agent", a.name).Msg("Agent release failed")
			errs = append(errs, fmt.Errorf("release agent %q: %w", a.name, err))
		}
	}
	return errors.Join(errs...)
}
