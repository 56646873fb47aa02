package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harun/tenantd/pkg/execctx"
	"github.com/harun/tenantd/pkg/lifecycle"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBridge struct {
	mu       sync.Mutex
	events   map[string][]lifecycle.Event
	released []string
	block    chan struct{}
	entered  chan struct{}
}

func newRecordingBridge() *recordingBridge {
	return &recordingBridge{events: make(map[string][]lifecycle.Event)}
}

func (b *recordingBridge) Deliver(ctx context.Context, userID string, ev lifecycle.Event) (lifecycle.Receipt, error) {
	if b.entered != nil {
		b.entered <- struct{}{}
	}
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[userID] = append(b.events[userID], ev)
	return lifecycle.Receipt{Status: lifecycle.StatusDelivered, Seq: int64(len(b.events[userID]))}, nil
}

func (b *recordingBridge) ReleaseRun(userID, runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = append(b.released, userID+"/"+runID)
}

func (b *recordingBridge) eventsFor(userID string) []lifecycle.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]lifecycle.Event(nil), b.events[userID]...)
}

type releasingAgent struct {
	released int
	err      error
}

func (a *releasingAgent) Release() error {
	a.released++
	return a.err
}

func newTestFactory(t *testing.T, bridge Bridge, opts ...func(*Config)) *Factory {
	t.Helper()
	logger := zerolog.Nop()
	cfg := Config{Bridge: bridge, Logger: &logger}
	for _, opt := range opts {
		opt(&cfg)
	}
	f, err := NewFactory(cfg)
	require.NoError(t, err)
	return f
}

func params(userID string) execctx.Params {
	return execctx.Params{
		UserID:        userID,
		ThreadID:      "thread-1",
		RunID:         execctx.NewRunID(),
		RequestID:     execctx.NewRequestID(),
		AgentMetadata: map[string]interface{}{"agent": "echo"},
	}
}

func TestNewFactory_RequiresBridge(t *testing.T) {
	_, err := NewFactory(Config{})
	assert.Error(t, err)

	_, err = NewFactory(Config{Bridge: newRecordingBridge(), MaxEnginesPerUser: -1})
	assert.Error(t, err)
}

func TestCreateForUser_ExposesSameContext(t *testing.T) {
	f := newTestFactory(t, newRecordingBridge())

	p := params("user-a")
	ec, err := execctx.New(p)
	require.NoError(t, err)

	e, err := f.CreateForUser(context.Background(), ec)
	require.NoError(t, err)

	got := e.UserContext()
	assert.Same(t, ec, got)
	assert.Same(t, got, e.UserContext())
	assert.Equal(t, p.UserID, got.UserID())
	assert.Equal(t, p.ThreadID, got.ThreadID())
	assert.Equal(t, p.RunID, got.RunID())
	assert.Equal(t, p.RequestID, got.RequestID())
	assert.Equal(t, p.AgentMetadata, got.AgentMetadata())
	assert.True(t, e.IsActive())

	m := f.GetMetrics()
	assert.Equal(t, 1, m.ActiveEngines)
	assert.Equal(t, 1, m.ActiveUsers)
	assert.Equal(t, int64(1), m.TotalCreated)
}

func TestCreate_InvalidContextLeavesCountUnchanged(t *testing.T) {
	f := newTestFactory(t, newRecordingBridge())
	_, err := f.Create(context.Background(), params("user-ok"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		mod   func(p *execctx.Params)
		field string
	}{
		{"placeholder user", func(p *execctx.Params) { p.UserID = "placeholder" }, "user_id"},
		{"registry run", func(p *execctx.Params) { p.RunID = "registry" }, "run_id"},
		{"temp thread", func(p *execctx.Params) { p.ThreadID = "TEMP" }, "thread_id"},
		{"empty request", func(p *execctx.Params) { p.RequestID = "" }, "request_id"},
		{"reserved agent key", func(p *execctx.Params) {
			p.AgentMetadata = map[string]interface{}{"user_id": "someone-else"}
		}, "agent_metadata.user_id"},
		{"reserved audit key", func(p *execctx.Params) {
			p.AuditMetadata = map[string]interface{}{"session": "s"}
		}, "audit_metadata.session"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.GetMetrics()

			p := params("user-x")
			tt.mod(&p)
			e, err := f.Create(context.Background(), p)
			assert.Nil(t, e)
			require.Error(t, err)
			assert.ErrorIs(t, err, execctx.ErrInvalidContext)

			var fe *FactoryError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, ReasonInvalidContext, fe.Reason)
			assert.Equal(t, tt.field, fe.Field)

			after := f.GetMetrics()
			assert.Equal(t, before.ActiveEngines, after.ActiveEngines)
			assert.Equal(t, before.TotalCreated, after.TotalCreated)
			assert.Equal(t, before.TotalRejected+1, after.TotalRejected)
		})
	}
}

func TestCreateForUser_NilContext(t *testing.T) {
	f := newTestFactory(t, newRecordingBridge())
	_, err := f.CreateForUser(context.Background(), nil)
	assert.ErrorIs(t, err, execctx.ErrInvalidContext)
	assert.Equal(t, 0, f.GetMetrics().ActiveEngines)
}

func TestCreateForUser_DuplicateRequestID(t *testing.T) {
	f := newTestFactory(t, newRecordingBridge())
	p := params("user-a")

	first, err := f.Create(context.Background(), p)
	require.NoError(t, err)

	_, err = f.Create(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	got, ok := f.Get(p.RequestID)
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, 1, f.GetMetrics().ActiveEngines)

	// the key is free again after cleanup
	require.NoError(t, f.CleanupEngine(context.Background(), first))
	_, err = f.Create(context.Background(), p)
	assert.NoError(t, err)
}

func TestCreateForUser_Quota(t *testing.T) {
	f := newTestFactory(t, newRecordingBridge(), func(c *Config) { c.MaxEnginesPerUser = 2 })

	for i := 0; i < 2; i++ {
		_, err := f.Create(context.Background(), params("user-a"))
		require.NoError(t, err)
	}
	_, err := f.Create(context.Background(), params("user-a"))
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// other users are unaffected
	_, err = f.Create(context.Background(), params("user-b"))
	assert.NoError(t, err)
}

func TestCleanupEngine_Idempotent(t *testing.T) {
	bridge := newRecordingBridge()
	f := newTestFactory(t, bridge)

	e, err := f.Create(context.Background(), params("user-a"))
	require.NoError(t, err)

	require.NoError(t, f.CleanupEngine(context.Background(), e))
	assert.False(t, e.IsActive())
	require.NoError(t, f.CleanupEngine(context.Background(), e))

	m := f.GetMetrics()
	assert.Equal(t, 0, m.ActiveEngines)
	assert.Equal(t, 0, m.ActiveUsers)
	assert.Equal(t, int64(1), m.TotalCleaned)

	bridge.mu.Lock()
	assert.Equal(t, []string{"user-a/" + e.UserContext().RunID()}, bridge.released)
	bridge.mu.Unlock()
}

func TestCleanupEngine_ChildKeepsSharedRunTracked(t *testing.T) {
	bridge := newRecordingBridge()
	f := newTestFactory(t, bridge)
	ctx := context.Background()

	parent, err := f.Create(ctx, params("user-a"))
	require.NoError(t, err)
	childCtx, err := parent.UserContext().Child("tool_call", nil)
	require.NoError(t, err)
	child, err := f.CreateForUser(ctx, childCtx)
	require.NoError(t, err)
	require.Equal(t, parent.UserContext().RunID(), child.UserContext().RunID())

	require.NoError(t, f.CleanupEngine(ctx, child))
	bridge.mu.Lock()
	assert.Empty(t, bridge.released)
	bridge.mu.Unlock()

	require.NoError(t, f.CleanupEngine(ctx, parent))
	bridge.mu.Lock()
	assert.Equal(t, []string{"user-a/" + parent.UserContext().RunID()}, bridge.released)
	bridge.mu.Unlock()
}

func TestCleanupEngine_Nil(t *testing.T) {
	f := newTestFactory(t, newRecordingBridge())
	assert.ErrorIs(t, f.CleanupEngine(context.Background(), nil), ErrEngineNotFound)
}

func TestCleanupEngine_DoesNotAffectOtherUsers(t *testing.T) {
	f := newTestFactory(t, newRecordingBridge())

	a, err := f.Create(context.Background(), params("user-a"))
	require.NoError(t, err)
	b1, err := f.Create(context.Background(), params("user-b"))
	require.NoError(t, err)
	b2, err := f.Create(context.Background(), params("user-b"))
	require.NoError(t, err)

	require.NoError(t, f.CleanupEngine(context.Background(), a))
	assert.False(t, a.IsActive())
	assert.True(t, b1.IsActive())
	assert.True(t, b2.IsActive())
	assert.Len(t, f.EnginesForUser("user-b"), 2)
}

func TestCleanupUserContext(t *testing.T) {
	f := newTestFactory(t, newRecordingBridge())

	a1, _ := f.Create(context.Background(), params("user-a"))
	a2, _ := f.Create(context.Background(), params("user-a"))
	b, _ := f.Create(context.Background(), params("user-b"))

	assert.True(t, f.CleanupUserContext(context.Background(), "user-a"))
	assert.False(t, a1.IsActive())
	assert.False(t, a2.IsActive())
	assert.True(t, b.IsActive())
	assert.Empty(t, f.EnginesForUser("user-a"))

	assert.False(t, f.CleanupUserContext(context.Background(), "user-a"))
	assert.False(t, f.CleanupUserContext(context.Background(), "nobody"))
	assert.Equal(t, 1, f.GetMetrics().ActiveEngines)
}

func TestEmit_RejectedAfterCleanup(t *testing.T) {
	bridge := newRecordingBridge()
	f := newTestFactory(t, bridge)

	e, err := f.Create(context.Background(), params("user-a"))
	require.NoError(t, err)

	receipt, err := e.Emit(context.Background(), lifecycle.KindStarted, map[string]interface{}{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusDelivered, receipt.Status)

	require.NoError(t, f.CleanupEngine(context.Background(), e))

	_, err = e.Emit(context.Background(), lifecycle.KindThinking, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineInactive)
	assert.Len(t, bridge.eventsFor("user-a"), 1)

	assert.ErrorIs(t, e.AttachAgent("late", &releasingAgent{}), ErrEngineInactive)
}

func TestEmit_UsesEngineIdentity(t *testing.T) {
	bridge := newRecordingBridge()
	f := newTestFactory(t, bridge)

	e, err := f.Create(context.Background(), params("user-a"))
	require.NoError(t, err)
	_, err = e.Emit(context.Background(), lifecycle.KindStarted, nil)
	require.NoError(t, err)

	events := bridge.eventsFor("user-a")
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, lifecycle.KindStarted, ev.Type)
	assert.Equal(t, "user-a", ev.UserID)
	assert.Equal(t, e.UserContext().RunID(), ev.RunID)
	assert.Equal(t, e.RequestID(), ev.RequestID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestCleanupEngine_DrainsInFlightEmit(t *testing.T) {
	bridge := newRecordingBridge()
	bridge.block = make(chan struct{})
	bridge.entered = make(chan struct{}, 1)
	f := newTestFactory(t, bridge)

	e, err := f.Create(context.Background(), params("user-a"))
	require.NoError(t, err)

	emitDone := make(chan error, 1)
	go func() {
		_, err := e.Emit(context.Background(), lifecycle.KindStarted, nil)
		emitDone <- err
	}()
	<-bridge.entered

	cleanupDone := make(chan error, 1)
	go func() {
		cleanupDone <- f.CleanupEngine(context.Background(), e)
	}()

	select {
	case <-cleanupDone:
		t.Fatal("cleanup finished before in-flight emit")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, e.IsActive())

	close(bridge.block)
	require.NoError(t, <-emitDone)
	require.NoError(t, <-cleanupDone)
	assert.Len(t, bridge.eventsFor("user-a"), 1)
}

func TestCleanupEngine_ReleasesAgents(t *testing.T) {
	f := newTestFactory(t, newRecordingBridge())
	e, err := f.Create(context.Background(), params("user-a"))
	require.NoError(t, err)

	ok := &releasingAgent{}
	bad := &releasingAgent{err: errors.New("stuck")}
	require.NoError(t, e.AttachAgent("ok", ok))
	require.NoError(t, e.AttachAgent("bad", bad))
	require.NoError(t, e.AttachAgent("plain", struct{}{}))
	assert.Equal(t, []string{"ok", "bad", "plain"}, e.Agents())

	err = f.CleanupEngine(context.Background(), e)
	require.Error(t, err)
	var fe *FactoryError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ReasonReleaseFailed, fe.Reason)

	assert.Equal(t, 1, ok.released)
	assert.Equal(t, 1, bad.released)
	assert.Empty(t, e.Agents())
	assert.Equal(t, 0, f.GetMetrics().ActiveEngines)
}

func TestFactory_OperationalAfterRejection(t *testing.T) {
	f := newTestFactory(t, newRecordingBridge())

	bad := params("user-evil")
	bad.AgentMetadata = map[string]interface{}{"connection_id": "steal"}
	_, err := f.Create(context.Background(), bad)
	require.Error(t, err)

	bad.AgentMetadata = nil
	bad.RunID = "undefined"
	_, err = f.Create(context.Background(), bad)
	require.Error(t, err)

	for i := 0; i < 10; i++ {
		e, err := f.Create(context.Background(), params(fmt.Sprintf("user-%d", i)))
		require.NoError(t, err)
		_, err = e.Emit(context.Background(), lifecycle.KindStarted, nil)
		require.NoError(t, err)
		require.NoError(t, f.CleanupEngine(context.Background(), e))
	}

	m := f.GetMetrics()
	assert.Equal(t, int64(10), m.TotalCreated)
	assert.Equal(t, int64(10), m.TotalCleaned)
	assert.Equal(t, int64(2), m.TotalRejected)
}

func TestCreateForUser_ConcurrentUsersNeverSeeOtherMarkers(t *testing.T) {
	const n = 64
	bridge := newRecordingBridge()
	f := newTestFactory(t, bridge)

	var wg sync.WaitGroup
	engines := make([]*Engine, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := params(fmt.Sprintf("user-%03d", i))
			p.AgentMetadata = map[string]interface{}{"marker": fmt.Sprintf("marker-%03d", i)}
			e, err := f.Create(context.Background(), p)
			if err != nil {
				errs[i] = err
				return
			}
			engines[i] = e
			_, errs[i] = e.Emit(context.Background(), lifecycle.KindStarted, map[string]interface{}{
				"marker": fmt.Sprintf("marker-%03d", i),
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		want := fmt.Sprintf("marker-%03d", i)
		user := fmt.Sprintf("user-%03d", i)

		assert.Equal(t, want, engines[i].UserContext().AgentMetadata()["marker"])
		assert.Equal(t, user, engines[i].UserID())

		events := bridge.eventsFor(user)
		require.Len(t, events, 1)
		assert.Equal(t, want, events[0].Payload["marker"])
		assert.Equal(t, user, events[0].UserID)
	}
	assert.Equal(t, n, f.GetMetrics().ActiveUsers)
}

func TestShutdown(t *testing.T) {
	f := newTestFactory(t, newRecordingBridge())
	a, _ := f.Create(context.Background(), params("user-a"))
	b, _ := f.Create(context.Background(), params("user-b"))

	require.NoError(t, f.Shutdown(context.Background()))
	assert.False(t, a.IsActive())
	assert.False(t, b.IsActive())

	_, err := f.Create(context.Background(), params("user-c"))
	assert.ErrorIs(t, err, ErrFactoryClosed)
}
