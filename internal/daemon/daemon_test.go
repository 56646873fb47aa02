package daemon

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/tenantd/internal/config"
	"github.com/harun/tenantd/internal/logger"
	"github.com/harun/tenantd/internal/natstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Auth.SharedSecret = "daemon-test-secret-0123"
	return cfg
}

// createTestDaemon creates a daemon with a silent logger
func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	daemon, err := New(cfg, log)
	require.NoError(t, err)
	return daemon
}

func TestNew(t *testing.T) {
	daemon := createTestDaemon(t, testConfig(t))

	assert.NotNil(t, daemon.repo)
	assert.NotNil(t, daemon.conns)
	assert.NotNil(t, daemon.dispatcher)
	assert.NotNil(t, daemon.factory)
	assert.NotNil(t, daemon.registry)
	assert.NotNil(t, daemon.gateway)
	assert.NotNil(t, daemon.lifecycle)
	assert.Nil(t, daemon.natsConn)
	assert.False(t, daemon.Status().Running)
}

func TestNewTracing(t *testing.T) {
	t.Run("disabled installs no exporter", func(t *testing.T) {
		daemon := createTestDaemon(t, testConfig(t))
		assert.False(t, daemon.tracingEnabled)
	})

	t.Run("enabled exports over otlp", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Tracing.Enabled = true
		cfg.Tracing.Protocol = "http/protobuf"
		cfg.Tracing.Endpoint = "http://127.0.0.1:4318"

		daemon := createTestDaemon(t, cfg)
		assert.True(t, daemon.tracingEnabled)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		daemon.release(ctx)
		assert.False(t, daemon.tracingEnabled)
	})
}

func TestNewValidation(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)

	_, err = New(nil, log)
	assert.Error(t, err)

	_, err = New(testConfig(t), nil)
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Auth.SharedSecret = ""
	_, err = New(cfg, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared secret is required")
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	daemon := createTestDaemon(t, cfg)

	require.NoError(t, daemon.Start())

	status := daemon.Status()
	assert.True(t, status.Running)
	assert.Equal(t, cfg.Server.Addr(), status.Addr)

	assert.Error(t, daemon.Start(), "second start should fail")

	resp, err := http.Get("http://" + status.Addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = os.Stat(PIDFilePath(cfg.DataDir))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, daemon.Stop(ctx))

	assert.False(t, daemon.Status().Running)
	_, err = os.Stat(PIDFilePath(cfg.DataDir))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, daemon.Stop(ctx), "second stop should fail")
}

func TestDaemonRun(t *testing.T) {
	daemon := createTestDaemon(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- daemon.Run(ctx) }()

	require.Eventually(t, func() bool { return daemon.Status().Running }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, daemon.Status().Running)
}

func TestDaemonSQLiteBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recovery.Backend = config.BackendSQLite
	cfg.Recovery.SQLitePath = filepath.Join(cfg.DataDir, "state", "recovery.db")

	daemon := createTestDaemon(t, cfg)
	require.NoError(t, daemon.Start())

	_, err := os.Stat(cfg.Recovery.SQLitePath)
	assert.NoError(t, err)

	require.NoError(t, daemon.Stop(context.Background()))
}

func TestDaemonNATSBackend(t *testing.T) {
	server := natstest.StartServer(t)

	cfg := testConfig(t)
	cfg.Recovery.Backend = config.BackendNATS
	cfg.NATS.URL = server.ClientURL()
	cfg.NATS.MirrorEvents = true

	daemon := createTestDaemon(t, cfg)
	require.NotNil(t, daemon.natsConn)

	require.NoError(t, daemon.Start())
	require.NoError(t, daemon.Stop(context.Background()))
	assert.Nil(t, daemon.natsConn)
}

func TestDaemonNATSUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recovery.Backend = config.BackendNATS
	cfg.NATS.URL = "nats://127.0.0.1:1"

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)

	_, err = New(cfg, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats")
}

func TestDaemonAuditFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")

	daemon := createTestDaemon(t, cfg)
	assert.True(t, daemon.auditOpened)

	_, err := os.Stat(cfg.Logging.AuditFile)
	assert.NoError(t, err)

	require.NoError(t, daemon.Start())
	require.NoError(t, daemon.Stop(context.Background()))
	assert.False(t, daemon.auditOpened)
}
