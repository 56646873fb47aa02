package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/tenantd/internal/config"
	"github.com/harun/tenantd/internal/logger"
	"github.com/harun/tenantd/internal/observability"
	"github.com/harun/tenantd/internal/tracing"
	"github.com/harun/tenantd/pkg/agents"
	"github.com/harun/tenantd/pkg/connection"
	"github.com/harun/tenantd/pkg/dispatch"
	"github.com/harun/tenantd/pkg/engine"
	"github.com/harun/tenantd/pkg/gateway"
	"github.com/harun/tenantd/pkg/natsbus"
	"github.com/harun/tenantd/pkg/recovery"
	"github.com/nats-io/nats.go"
)

// Daemon wires the isolation stack together and owns its lifetime.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	natsConn    *nats.Conn
	store       recovery.Store
	repo        *recovery.Repository
	conns       *connection.Manager
	dispatcher  *dispatch.Dispatcher
	factory     *engine.Factory
	registry    *agents.Registry
	gateway     *gateway.Server
	lifecycle   *LifecycleManager
	auditOpened bool

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Addr      string
}

// New creates a daemon from cfg. Nothing listens until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	tc := cfg.Tracing
	enabled, err := tracing.InitOpenTelemetry(context.Background(), tracing.Config{
		Enabled:     tc.Enabled,
		Endpoint:    tc.Endpoint,
		Protocol:    tc.Protocol,
		Insecure:    tc.Insecure,
		SampleRatio: tc.SampleRatio,
		ServiceName: tc.ServiceName,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else if enabled {
		d.tracingEnabled = true
		log.Info().Str("endpoint", tc.Endpoint).Str("protocol", tc.Protocol).Msg("Exporting traces over OTLP")
	}

	if err := d.initialize(); err != nil {
		d.release(context.Background())
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			d.logger.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Failed to initialize audit logger, using default stderr")
		} else {
			d.auditOpened = true
		}
	}

	if cfg.UsesNATS() {
		nc, err := natsbus.Connect(natsbus.ConnConfig{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			MaxReconnects: cfg.NATS.MaxReconnects,
			Logger:        &zl,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		d.natsConn = nc
	}

	store, err := d.openStore()
	if err != nil {
		return fmt.Errorf("failed to open recovery store: %w", err)
	}
	d.store = store

	d.repo, err = recovery.NewRepository(store, cfg.Recovery.TTL, &zl)
	if err != nil {
		return fmt.Errorf("failed to create recovery repository: %w", err)
	}
	d.logger.Info().Str("backend", cfg.Recovery.Backend).Dur("ttl", d.repo.TTL()).Msg("Recovery repository initialized")

	d.conns, err = connection.NewManager(connection.Config{
		Repository:             d.repo,
		Timeouts:               cfg.Connection.Timeouts(),
		BufferSize:             cfg.Connection.BufferSize,
		MaxConsecutiveTimeouts: cfg.Connection.MaxConsecutiveTimeouts,
		Logger:                 &zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create connection manager: %w", err)
	}

	dispatchCfg := dispatch.Config{
		Connections: d.conns,
		Logger:      &zl,
	}
	if cfg.NATS.MirrorEvents && d.natsConn != nil {
		mirror, err := natsbus.NewMirror(d.natsConn, cfg.NATS.SubjectPrefix, &zl)
		if err != nil {
			return fmt.Errorf("failed to create event mirror: %w", err)
		}
		dispatchCfg.Mirror = mirror
		d.logger.Info().Str("prefix", cfg.NATS.SubjectPrefix).Msg("Event mirror enabled")
	}
	d.dispatcher, err = dispatch.New(dispatchCfg)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	d.factory, err = engine.NewFactory(engine.Config{
		Bridge:            d.dispatcher,
		Logger:            &zl,
		MaxEnginesPerUser: cfg.Engine.MaxEnginesPerUser,
		DrainTimeout:      cfg.Engine.DrainTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine factory: %w", err)
	}

	d.registry = agents.NewRegistry(&zl)
	if err := agents.RegisterBuiltins(d.registry); err != nil {
		return fmt.Errorf("failed to register builtin agents: %w", err)
	}

	auth, err := gateway.NewHMACAuthenticator(cfg.Auth.SharedSecret)
	if err != nil {
		return fmt.Errorf("failed to create authenticator: %w", err)
	}

	d.gateway, err = gateway.NewServer(gateway.Config{
		Addr:              cfg.Server.Addr(),
		Authenticator:     auth,
		Factory:           d.factory,
		Connections:       d.conns,
		Registry:          d.registry,
		Dispatcher:        d.dispatcher,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		MaxConcurrent:     cfg.Server.MaxConcurrent,
		AuthTimeout:       cfg.Server.AuthTimeout,
		RunTimeout:        cfg.Server.RunTimeout,
		Logger:            &zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}

	return nil
}

func (d *Daemon) openStore() (recovery.Store, error) {
	rc := d.config.Recovery
	zl := d.logger.GetZerolog()
	switch rc.Backend {
	case config.BackendSQLite:
		path := rc.SQLitePath
		if path == "" {
			path = filepath.Join(d.config.DataDir, "recovery.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create recovery directory: %w", err)
		}
		return recovery.NewSQLiteStore(recovery.SQLiteConfig{
			DBPath:        path,
			PurgeSchedule: rc.PurgeSchedule,
			Logger:        &zl,
		})
	case config.BackendNATS:
		if d.natsConn == nil {
			return nil, errors.New("nats backend requires a nats connection")
		}
		return recovery.NewNATSStore(recovery.NATSConfig{
			Conn:     d.natsConn,
			Bucket:   rc.Bucket,
			TTL:      rc.TTL,
			Replicas: rc.Replicas,
		})
	default:
		return recovery.NewMemoryStore(), nil
	}
}

// Start writes the PID file and begins accepting clients.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting tenantd")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gateway.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	logger.Info().Str("addr", d.gateway.Addr()).Msg("Gateway server started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts the stack down in dependency order: clients first, then
// engines, then connections, then storage.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping tenantd")

	var errs []error
	if err := d.gateway.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
		errs = append(errs, err)
	}

	errs = append(errs, d.release(ctx)...)

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
		errs = append(errs, err)
	}

	logger.Info().Msg("tenantd stopped")
	return errors.Join(errs...)
}

// release closes everything New opened. It tolerates partially built daemons.
func (d *Daemon) release(ctx context.Context) []error {
	var errs []error
	if d.factory != nil {
		if err := d.factory.Shutdown(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shut down engine factory")
			errs = append(errs, err)
		}
	}
	if d.conns != nil {
		if err := d.conns.Shutdown(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shut down connection manager")
			errs = append(errs, err)
		}
	}
	if closer, ok := d.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close recovery store")
			errs = append(errs, err)
		}
	}
	if d.natsConn != nil {
		if err := d.natsConn.Drain(); err != nil {
			d.natsConn.Close()
		}
		d.natsConn = nil
	}
	if d.auditOpened {
		if err := observability.GetAuditLogger().Close(); err != nil {
			errs = append(errs, err)
		}
		d.auditOpened = false
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(ctx)
		d.tracingEnabled = false
	}
	return errs
}

// Run starts the daemon and blocks until ctx is cancelled, then stops it
// within the configured shutdown timeout.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	d.logger.Info().Msg("Shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), d.config.Server.ShutdownTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.gateway.Addr()
	}

	return status
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gateway
}

// GetConnectionManager returns the connection manager
func (d *Daemon) GetConnectionManager() *connection.Manager {
	return d.conns
}

// GetEngineFactory returns the engine factory
func (d *Daemon) GetEngineFactory() *engine.Factory {
	return d.factory
}

// GetAgentRegistry returns the agent registry
func (d *Daemon) GetAgentRegistry() *agents.Registry {
	return d.registry
}
