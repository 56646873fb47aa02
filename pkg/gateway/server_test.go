package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tenantd/pkg/agents"
	"github.com/harun/tenantd/pkg/connection"
	"github.com/harun/tenantd/pkg/dispatch"
	"github.com/harun/tenantd/pkg/engine"
	"github.com/harun/tenantd/pkg/execctx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type testStack struct {
	server  *Server
	http    *httptest.Server
	factory *engine.Factory
	conns   *connection.Manager
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	logger := zerolog.Nop()

	conns, err := connection.NewManager(connection.Config{
		Timeouts: connection.Timeouts{
			Read:      2 * time.Second,
			Heartbeat: 200 * time.Millisecond,
			Drain:     200 * time.Millisecond,
		},
		Logger: &logger,
	})
	require.NoError(t, err)

	d, err := dispatch.New(dispatch.Config{Connections: conns, Logger: &logger})
	require.NoError(t, err)

	factory, err := engine.NewFactory(engine.Config{Bridge: d, Logger: &logger})
	require.NoError(t, err)

	reg := agents.NewRegistry(&logger)
	require.NoError(t, agents.RegisterBuiltins(reg))

	auth, err := NewHMACAuthenticator(testSecret)
	require.NoError(t, err)

	s, err := NewServer(Config{
		Authenticator: auth,
		Factory:       factory,
		Connections:   conns,
		Registry:      reg,
		Dispatcher:    d,
		AuthTimeout:   2 * time.Second,
		Logger:        &logger,
	})
	require.NoError(t, err)

	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		hs.Close()
		_ = factory.Shutdown(ctx)
		_ = conns.Shutdown(ctx)
	})

	return &testStack{server: s, http: hs, factory: factory, conns: conns}
}

func (ts *testStack) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
}

func (ts *testStack) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readChallenge(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	var ch AuthChallenge
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&ch))
	require.Equal(t, "auth.challenge", ch.Event)
	return ch.Challenge
}

func (ts *testStack) login(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn := ts.dial(t)
	challenge := readChallenge(t, conn)

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		UserID:    userID,
		Signature: Sign(testSecret, userID, challenge),
	}))

	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.True(t, result.Success, result.Message)
	require.Equal(t, userID, result.UserID)
	require.True(t, strings.HasPrefix(result.ConnectionID, "conn_"))

	require.Eventually(t, func() bool {
		c, ok := ts.conns.Get(userID)
		return ok && c.ID() == result.ConnectionID
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func call(t *testing.T, conn *websocket.Conn, id, method string, params map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(RPCRequest{ID: id, Method: method, Params: params, JSONRPC: "2.0"}))
}

// readUntilResponse collects event envelopes until the response for id.
func readUntilResponse(t *testing.T, conn *websocket.Conn, id string) ([]dispatch.Envelope, RPCResponse) {
	t.Helper()
	var events []dispatch.Envelope
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var probe struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(data, &probe))

		if probe.Type == "event" {
			var env dispatch.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			events = append(events, env)
			continue
		}
		if probe.ID == id {
			var resp RPCResponse
			require.NoError(t, json.Unmarshal(data, &resp))
			return events, resp
		}
	}
}

func TestNewServer_Validation(t *testing.T) {
	auth, err := NewHMACAuthenticator(testSecret)
	require.NoError(t, err)

	_, err = NewServer(Config{})
	assert.ErrorContains(t, err, "authenticator")

	_, err = NewServer(Config{Authenticator: auth})
	assert.ErrorContains(t, err, "engine factory")
}

func TestServer_Healthz(t *testing.T) {
	ts := newTestStack(t)

	resp, err := http.Get(ts.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_AuthFailure(t *testing.T) {
	ts := newTestStack(t)
	conn := ts.dial(t)

	var last AuthResult
	for i := 0; i < MaxAuthAttempts; i++ {
		readChallenge(t, conn)
		require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", UserID: "alice", Signature: "bad"}))
		require.NoError(t, conn.ReadJSON(&last))
		assert.False(t, last.Success)
		assert.Equal(t, "auth.failure", last.Event)
	}
	assert.Equal(t, "Too many failed attempts", last.Message)

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	_, ok := ts.conns.Get("alice")
	assert.False(t, ok)
}

func TestServer_AuthRejectsForbiddenUser(t *testing.T) {
	ts := newTestStack(t)
	conn := ts.dial(t)

	challenge := readChallenge(t, conn)
	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		UserID:    "placeholder",
		Signature: Sign(testSecret, "placeholder", challenge),
	}))

	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	assert.False(t, result.Success)
	assert.Equal(t, "Invalid user id", result.Message)
}

func TestServer_AgentRun(t *testing.T) {
	ts := newTestStack(t)
	conn := ts.login(t, "alice")

	call(t, conn, "1", "agent.run", map[string]interface{}{"agent": "echo", "message": "hello"})
	events, resp := readUntilResponse(t, conn, "1")

	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "echo", result["agent"])
	runID := result["run_id"].(string)
	assert.NotEmpty(t, runID)
	output := result["output"].(map[string]interface{})
	assert.Equal(t, "hello", output["reply"])

	require.Len(t, events, 5)
	want := []string{"agent.started", "agent.thinking", "agent.executing", "agent.completed", "agent.finished"}
	for i, env := range events {
		assert.Equal(t, want[i], env.Event)
		assert.Equal(t, "alice", env.UserID)
		assert.Equal(t, runID, env.RunID)
		if i > 0 {
			assert.Greater(t, env.Seq, events[i-1].Seq)
		}
	}

	assert.Eventually(t, func() bool {
		return ts.factory.GetMetrics().ActiveEngines == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_AgentRunIsolation(t *testing.T) {
	ts := newTestStack(t)
	users := []string{"alice", "bob", "carol"}

	var wg sync.WaitGroup
	for _, user := range users {
		conn := ts.login(t, user)
		wg.Add(1)
		go func(user string, conn *websocket.Conn) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				id := fmt.Sprintf("%s-%d", user, i)
				if err := conn.WriteJSON(RPCRequest{ID: id, Method: "agent.run", Params: map[string]interface{}{"agent": "echo", "message": id}}); err != nil {
					t.Errorf("write: %v", err)
					return
				}
				events, resp := readUntilResponse(t, conn, id)
				assert.Nil(t, resp.Error)
				assert.Len(t, events, 5)
				for _, env := range events {
					assert.Equal(t, user, env.UserID)
				}
			}
		}(user, conn)
	}
	wg.Wait()
}

func TestServer_RPCErrors(t *testing.T) {
	ts := newTestStack(t)
	conn := ts.login(t, "alice")

	t.Run("unknown agent", func(t *testing.T) {
		call(t, conn, "a", "agent.run", map[string]interface{}{"agent": "missing"})
		events, resp := readUntilResponse(t, conn, "a")
		assert.Empty(t, events)
		require.NotNil(t, resp.Error)
		assert.Equal(t, AgentNotFound, resp.Error.Code)
	})

	t.Run("invalid params", func(t *testing.T) {
		call(t, conn, "b", "agent.run", map[string]interface{}{"agent": "echo", "user_id": "bob"})
		_, resp := readUntilResponse(t, conn, "b")
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("forbidden thread id", func(t *testing.T) {
		call(t, conn, "c", "agent.run", map[string]interface{}{"agent": "echo", "thread_id": "undefined"})
		_, resp := readUntilResponse(t, conn, "c")
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
		data := resp.Error.Data.(map[string]interface{})
		assert.Equal(t, "thread_id", data["field"])
	})

	t.Run("unknown method", func(t *testing.T) {
		call(t, conn, "d", "nope", nil)
		_, resp := readUntilResponse(t, conn, "d")
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("parse error", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"agent.run"}`)))
		_, resp := readUntilResponse(t, conn, "")
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}

func TestServer_SessionMethods(t *testing.T) {
	ts := newTestStack(t)
	conn := ts.login(t, "alice")

	call(t, conn, "1", "agents.list", nil)
	_, resp := readUntilResponse(t, conn, "1")
	require.Nil(t, resp.Error)
	assert.Contains(t, fmt.Sprint(resp.Result), agents.EchoName)

	call(t, conn, "2", "metrics.get", nil)
	_, resp = readUntilResponse(t, conn, "2")
	require.Nil(t, resp.Error)
	metrics := resp.Result.(map[string]interface{})
	assert.Contains(t, metrics, "engines")
	assert.Contains(t, metrics, "connections")
	assert.Contains(t, metrics, "dispatch")
	assert.Contains(t, metrics, "timeouts")

	_, err := ts.factory.Create(context.Background(), execctx.Params{
		UserID:    "alice",
		ThreadID:  "t1",
		RunID:     execctx.NewRunID(),
		RequestID: execctx.NewRequestID(),
	})
	require.NoError(t, err)

	call(t, conn, "3", "session.end", nil)
	_, resp = readUntilResponse(t, conn, "3")
	require.Nil(t, resp.Error)
	assert.Equal(t, true, resp.Result.(map[string]interface{})["cleaned"])
	assert.Empty(t, ts.factory.EnginesForUser("alice"))
}

func TestServer_HandlersRequireClient(t *testing.T) {
	ts := newTestStack(t)

	for name, h := range map[string]RequestHandler{
		"agent.run":   ts.server.handleAgentRun,
		"agents.list": ts.server.handleAgentsList,
		"session.end": ts.server.handleSessionEnd,
		"metrics.get": ts.server.handleMetricsGet,
	} {
		_, err := h(context.Background(), map[string]interface{}{"agent": "echo"})
		var rpcErr *RPCError
		require.True(t, errors.As(err, &rpcErr), name)
		assert.Equal(t, AuthenticationRequired, rpcErr.Code, name)
	}
}

func TestRPCErrorFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&engine.FactoryError{Op: "create", Reason: engine.ReasonInvalidContext, Err: &execctx.InvalidContextError{Field: "user_id", Rule: execctx.RuleForbidden}}, InvalidParams},
		{&agents.AgentNotFoundError{Name: "x"}, AgentNotFound},
		{&engine.FactoryError{Op: "create", Reason: engine.ReasonQuota, Err: engine.ErrQuotaExceeded}, TooManyConcurrent},
		{&engine.FactoryError{Op: "create", Reason: engine.ReasonClosed, Err: engine.ErrFactoryClosed}, ShuttingDown},
		{errors.New("boom"), InternalError},
	}
	for _, tc := range cases {
		var rpcErr *RPCError
		require.True(t, errors.As(rpcErrorFor(tc.err), &rpcErr))
		assert.Equal(t, tc.code, rpcErr.Code, tc.err.Error())
	}
}

func TestServer_Stop(t *testing.T) {
	ts := newTestStack(t)
	conn := ts.login(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.server.Stop(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Eventually(t, func() bool {
		_, ok := ts.conns.Get("alice")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.http.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_ReplyAfterReconnectReachesNewConnection(t *testing.T) {
	ts := newTestStack(t)
	_ = ts.login(t, "alice")
	latest := ts.login(t, "alice")

	stale := &Client{ID: "client-stale", UserID: "alice"}
	ts.server.reply(context.Background(), stale, &RPCResponse{ID: "late", Result: "ok", JSONRPC: "2.0"})

	_, resp := readUntilResponse(t, latest, "late")
	assert.Equal(t, "ok", resp.Result)

	c, ok := ts.conns.Get("alice")
	require.True(t, ok)
	assert.True(t, c.State().Open())

	call(t, latest, "1", "agents.list", nil)
	_, resp = readUntilResponse(t, latest, "1")
	assert.Nil(t, resp.Error)
}

func TestServer_AddrConcurrentWithStart(t *testing.T) {
	ts := newTestStack(t)
	logger := zerolog.Nop()
	auth, err := NewHMACAuthenticator(testSecret)
	require.NoError(t, err)

	s, err := NewServer(Config{
		Addr:          "127.0.0.1:0",
		Authenticator: auth,
		Factory:       ts.factory,
		Connections:   ts.conns,
		Registry:      ts.server.registry,
		Logger:        &logger,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = s.Addr()
			}
		}
	}()

	require.NoError(t, s.Start())
	close(stop)
	wg.Wait()

	assert.NotEqual(t, "127.0.0.1:0", s.Addr())
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
