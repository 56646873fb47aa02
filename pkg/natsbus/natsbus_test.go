package natsbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/harun/tenantd/internal/natstest"
	"github.com/harun/tenantd/pkg/connection"
	"github.com/harun/tenantd/pkg/connection/conntest"
	"github.com/harun/tenantd/pkg/dispatch"
	"github.com/harun/tenantd/pkg/lifecycle"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	nc := natstest.Connect(t)
	m, err := NewMirror(nc, "audit.events.", nil)
	require.NoError(t, err)

	assert.Equal(t, "audit.events.user-1.run_2.started", m.Subject("user-1", "run_2", lifecycle.KindStarted))
	assert.Equal(t, "audit.events.~dS5h.run.finished", m.Subject("u.a", "run", lifecycle.KindFinished))
	assert.Equal(t, "audit.events.~Kg.run.thinking", m.Subject("*", "run", lifecycle.KindThinking))
	assert.Equal(t, "audit.events.user-1.>", m.UserSubject("user-1"))

	_, err = NewMirror(nc, "bad prefix", nil)
	assert.Error(t, err)
	_, err = NewMirror(nil, "", nil)
	assert.Error(t, err)
}

func TestConnect(t *testing.T) {
	srv := natstest.StartServer(t)
	logger := zerolog.Nop()

	nc, err := Connect(ConnConfig{URL: srv.ClientURL(), Name: "test", Logger: &logger})
	require.NoError(t, err)
	defer nc.Close()
	assert.True(t, nc.IsConnected())

	_, err = Connect(ConnConfig{})
	assert.Error(t, err)
}

func TestMirror_PublishAndSubscribe(t *testing.T) {
	nc := natstest.Connect(t)
	logger := zerolog.Nop()
	m, err := NewMirror(nc, "", &logger)
	require.NoError(t, err)

	var mu sync.Mutex
	var gotA []dispatch.Envelope
	subA, err := m.SubscribeUser("user-a", func(env dispatch.Envelope) {
		mu.Lock()
		gotA = append(gotA, env)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer subA.Unsubscribe()
	require.NoError(t, nc.Flush())

	ctx := context.Background()
	require.NoError(t, m.Publish(ctx, dispatch.Envelope{Type: "event", Phase: lifecycle.KindStarted, Seq: 1, UserID: "user-a", RunID: "run-1"}))
	require.NoError(t, m.Publish(ctx, dispatch.Envelope{Type: "event", Phase: lifecycle.KindStarted, Seq: 1, UserID: "user-b", RunID: "run-9"}))
	require.NoError(t, m.Publish(ctx, dispatch.Envelope{Type: "event", Phase: lifecycle.KindFinished, Seq: 2, UserID: "user-a", RunID: "run-1"}))
	require.NoError(t, m.Flush(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotA) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, lifecycle.KindStarted, gotA[0].Phase)
	assert.Equal(t, lifecycle.KindFinished, gotA[1].Phase)
	for _, env := range gotA {
		assert.Equal(t, "user-a", env.UserID)
	}
}

func TestMirror_PublishCanceled(t *testing.T) {
	nc := natstest.Connect(t)
	m, err := NewMirror(nc, "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Publish(ctx, dispatch.Envelope{UserID: "user-a", RunID: "run-1", Phase: lifecycle.KindStarted}), context.Canceled)
}

func TestMirror_FlushWithoutDeadline(t *testing.T) {
	nc := natstest.Connect(t)
	m, err := NewMirror(nc, "", nil)
	require.NoError(t, err)

	require.NoError(t, m.Publish(context.Background(), dispatch.Envelope{UserID: "user-a", RunID: "run-1", Phase: lifecycle.KindStarted}))
	require.NoError(t, m.Flush(context.Background()))

	nc.Close()
	assert.Error(t, m.Flush(context.Background()))
}

func TestMirror_WiredIntoDispatcher(t *testing.T) {
	nc := natstest.Connect(t)
	logger := zerolog.Nop()
	mirror, err := NewMirror(nc, "", &logger)
	require.NoError(t, err)

	mgr, err := connection.NewManager(connection.Config{Logger: &logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	_, err = mgr.Connect(context.Background(), "user-a", conntest.New())
	require.NoError(t, err)

	d, err := dispatch.New(dispatch.Config{Connections: mgr, Mirror: mirror, Logger: &logger})
	require.NoError(t, err)

	received := make(chan dispatch.Envelope, 8)
	sub, err := mirror.SubscribeUser("user-a", func(env dispatch.Envelope) { received <- env })
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	for _, k := range lifecycle.Kinds() {
		_, err := d.Deliver(context.Background(), "user-a", lifecycle.Event{Type: k, UserID: "user-a", RunID: "run-1"})
		require.NoError(t, err)
	}

	for i, want := range lifecycle.Kinds() {
		select {
		case env := <-received:
			assert.Equal(t, want, env.Phase)
			assert.Equal(t, int64(i+1), env.Seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing mirrored event %s", want)
		}
	}
}
