package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tenantd/internal/observability"
	"github.com/harun/tenantd/internal/tracing"
	"github.com/harun/tenantd/pkg/agents"
	"github.com/harun/tenantd/pkg/connection"
	"github.com/harun/tenantd/pkg/dispatch"
	"github.com/harun/tenantd/pkg/engine"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const tracerName = "tenantd.gateway"

const (
	DefaultAuthTimeout = 10 * time.Second
	DefaultRunTimeout  = 2 * time.Minute
	authWriteTimeout   = 5 * time.Second
)

var errAuthFailed = errors.New("authentication failed")

// Config holds server configuration
type Config struct {
	// Addr is the listen address used by Start, e.g. ":8080".
	Addr          string
	Authenticator Authenticator
	Factory       *engine.Factory
	Connections   *connection.Manager
	Registry      *agents.Registry
	// Dispatcher is optional; when set its counters are reported by metrics.get.
	Dispatcher *dispatch.Dispatcher

	RequestsPerMinute int
	MaxConcurrent     int
	AuthTimeout       time.Duration
	RunTimeout        time.Duration
	// ConnectOptions are applied to every managed connection.
	ConnectOptions []connection.Option
	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool
	Logger      *zerolog.Logger
}

// Server accepts websocket clients, authenticates them, and serves JSON-RPC
// over their managed connection.
type Server struct {
	addr        string
	auth        Authenticator
	factory     *engine.Factory
	conns       *connection.Manager
	registry    *agents.Registry
	dispatcher  *dispatch.Dispatcher
	clients     *ClientRegistry
	router      *RPCRouter
	upgrader    websocket.Upgrader
	connectOpts []connection.Option
	logger      zerolog.Logger

	requestsPerMinute int
	maxConcurrent     int
	authTimeout       time.Duration
	runTimeout        time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
	sessions       sync.WaitGroup

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("engine factory is required")
	}
	if cfg.Connections == nil {
		return nil, fmt.Errorf("connection manager is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	observability.EnsureRegistered()

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:              cfg.Addr,
		auth:              cfg.Authenticator,
		factory:           cfg.Factory,
		conns:             cfg.Connections,
		registry:          cfg.Registry,
		dispatcher:        cfg.Dispatcher,
		clients:           NewClientRegistry(),
		router:            NewRPCRouter(),
		upgrader:          websocket.Upgrader{CheckOrigin: checkOrigin},
		connectOpts:       cfg.ConnectOptions,
		logger:            logger.With().Str("component", "gateway").Logger(),
		requestsPerMinute: cfg.RequestsPerMinute,
		maxConcurrent:     cfg.MaxConcurrent,
		authTimeout:       cfg.AuthTimeout,
		runTimeout:        cfg.RunTimeout,
		baseCtx:           baseCtx,
		cancel:            cancel,
	}

	if err := s.registerBuiltinMethods(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// Router exposes the RPC router so callers can add methods.
func (s *Server) Router() *RPCRouter { return s.router }

// Clients returns the connected client registry.
func (s *Server) Clients() *ClientRegistry { return s.clients }

// Handler returns the HTTP handler serving /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop refuses new work, waits for in-flight requests, and closes every
// connection gracefully so undelivered messages are preserved.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		if c := client.Connection(); c != nil {
			if err := c.Close(ctx); err != nil {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Connection did not close in time")
			}
			continue
		}
		_ = client.Conn.Close()
	}
	s.cancel()

	sessionsDone := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(sessionsDone)
	}()
	select {
	case <-sessionsDone:
	case <-ctx.Done():
	}

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		Conn:        conn,
		ConnectedAt: time.Now(),
		IPAddress:   r.RemoteAddr,
		RateLimiter: NewClientRateLimiter(s.requestsPerMinute, s.maxConcurrent),
		State:       StateConnecting,
	}
	client.touch()
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		s.serveClient(client)
	}()
}

// serveClient authenticates client, binds it to a managed connection, and
// reads requests until the connection closes.
func (s *Server) serveClient(client *Client) {
	defer func() {
		s.clients.Remove(client.ID)
		client.State = StateDisconnected
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	if err := s.authenticateClient(client); err != nil {
		s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Client authentication failed")
		_ = client.Conn.Close()
		return
	}

	connID, _ := gonanoid.New()
	connID = "conn_" + connID
	transport := connection.NewWebSocketTransport(client.Conn, nil)

	success, _ := json.Marshal(AuthResult{
		Event:        "auth.success",
		Success:      true,
		UserID:       client.UserID,
		ConnectionID: connID,
	})
	if err := transport.WriteMessage(success, time.Now().Add(authWriteTimeout)); err != nil {
		s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		_ = transport.Close()
		return
	}

	opts := append(append([]connection.Option{}, s.connectOpts...), connection.WithConnectionID(connID))
	conn, err := s.conns.Connect(s.baseCtx, client.UserID, transport, opts...)
	if err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Str("user_id", client.UserID).Msg("Failed to open managed connection")
		_ = transport.Close()
		return
	}
	client.bind(conn)
	observability.RecordSessionAudit(s.baseCtx, "session.connect", client.UserID, "success")

	ctx := tracing.WithConnectionID(tracing.WithUserID(s.baseCtx, client.UserID), connID)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, connection.ErrConnectionTimeout) {
				continue
			}
			if !errors.Is(err, connection.ErrConnectionClosed) && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("Receive failed")
			}
			break
		}
		client.touch()
		s.handleMessage(ctx, client, data)
	}

	// the read side is gone, so let the connection drain and preserve
	closeCtx, cancel := context.WithTimeout(context.Background(), conn.Timeouts().Drain+time.Second)
	defer cancel()
	if err := conn.Close(closeCtx); err != nil {
		logger.Warn().Err(err).Msg("Connection close timed out")
	}
}

// authenticateClient runs the challenge/response handshake on the raw socket.
// Each attempt gets a fresh challenge.
func (s *Server) authenticateClient(client *Client) error {
	for client.AuthAttempts < MaxAuthAttempts {
		challenge, err := s.auth.GenerateChallenge()
		if err != nil {
			return err
		}
		client.Challenge = challenge
		client.State = StateAuthenticating

		_ = client.Conn.SetWriteDeadline(time.Now().Add(authWriteTimeout))
		if err := client.Conn.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge}); err != nil {
			return fmt.Errorf("send challenge: %w", err)
		}

		_ = client.Conn.SetReadDeadline(time.Now().Add(s.authTimeout))
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read auth response: %w", err)
		}

		var resp AuthResponse
		var result AuthResult
		if err := json.Unmarshal(message, &resp); err != nil || resp.Method != "auth.response" {
			client.AuthAttempts++
			result = AuthResult{Event: "auth.failure", Message: "Authentication required"}
		} else {
			result = authenticate(s.auth, client, resp)
		}

		if result.Success {
			_ = client.Conn.SetReadDeadline(time.Time{})
			_ = client.Conn.SetWriteDeadline(time.Time{})
			s.logger.Info().Str("clientId", client.ID).Str("user_id", client.UserID).Msg("Client authenticated")
			return nil
		}

		observability.RecordSessionAudit(s.baseCtx, "session.auth", resp.UserID, "failure")
		if err := client.Conn.WriteJSON(result); err != nil {
			return fmt.Errorf("send auth result: %w", err)
		}
	}
	return errAuthFailed
}

// handleMessage handles a single message from a client
func (s *Server) handleMessage(ctx context.Context, client *Client, message []byte) {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.reply(ctx, client, errorResponse("", rpcErr.Code, rpcErr.Message, rpcErr.Data))
		} else {
			s.reply(ctx, client, errorResponse("", ParseError, err.Error(), nil))
		}
		return
	}

	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		s.reply(ctx, client, errorResponse(req.ID, ShuttingDown, "Server is shutting down", nil))
		return
	}
	s.inFlightReqs.Add(1)
	s.shutdownMu.RUnlock()

	release, code, reason := client.RateLimiter.Acquire()
	if release == nil {
		s.inFlightReqs.Done()
		s.reply(ctx, client, errorResponse(req.ID, code, reason, nil))
		return
	}

	go func() {
		defer s.inFlightReqs.Done()
		defer release()

		reqCtx := withClient(tracing.NewRequestContext(ctx), client)
		response := s.router.RouteRequest(reqCtx, req)
		s.reply(reqCtx, client, response)
	}()
}

// reply queues response on the user's current connection, preserving it for
// the next connection of the same user when it cannot be sent.
func (s *Server) reply(ctx context.Context, client *Client, response *RPCResponse) {
	if client.UserID == "" {
		return
	}
	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to encode response")
		return
	}

	if _, err := s.conns.Send(ctx, client.UserID, data); err == nil {
		return
	} else if !errors.Is(err, connection.ErrConnectionTimeout) && !errors.Is(err, connection.ErrConnectionClosed) {
		s.logger.Error().Err(err).Str("clientId", client.ID).Str("requestId", response.ID).Msg("Failed to send response")
		return
	}

	if _, err := s.conns.Preserve(ctx, client.UserID, data); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Str("requestId", response.ID).
			Msg("Failed to preserve response")
	}
}
