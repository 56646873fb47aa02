package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Auth.SharedSecret = "0123456789abcdef"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, BackendMemory, cfg.Recovery.Backend)
	assert.Equal(t, 15*time.Minute, cfg.Recovery.TTL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.False(t, cfg.UsesNATS())

	timeouts := cfg.Connection.Timeouts()
	assert.Equal(t, cfg.Connection.ReadTimeout, timeouts.Read)
	assert.Equal(t, cfg.Connection.HeartbeatInterval, timeouts.Heartbeat)
	assert.NoError(t, timeouts.Validate())
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("default config lacks a secret", func(t *testing.T) {
		err := DefaultConfig().Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shared secret is required")
	})

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid port"},
		{"short secret", func(c *Config) { c.Auth.SharedSecret = "short" }, "at least"},
		{"heartbeat order", func(c *Config) {
			c.Connection.HeartbeatInterval = time.Minute
			c.Connection.HeartbeatTimeout = time.Second
		}, "heartbeat timeout"},
		{"negative buffer", func(c *Config) { c.Connection.BufferSize = -1 }, "buffer_size"},
		{"unknown backend", func(c *Config) { c.Recovery.Backend = "redis" }, "invalid recovery backend"},
		{"zero ttl", func(c *Config) { c.Recovery.TTL = 0 }, "ttl must be positive"},
		{"bad cron", func(c *Config) {
			c.Recovery.Backend = BackendSQLite
			c.Recovery.PurgeSchedule = "every now and then"
		}, "invalid purge schedule"},
		{"nats without url", func(c *Config) {
			c.Recovery.Backend = BackendNATS
			c.NATS.URL = ""
		}, "url is required"},
		{"wildcard prefix", func(c *Config) {
			c.NATS.MirrorEvents = true
			c.NATS.SubjectPrefix = "events.>"
		}, "invalid subject prefix"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
		{"tracing without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Endpoint = ""
		}, "tracing: endpoint is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	t.Run("reports every problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Server.Port = -1
		cfg.Logging.Level = "loud"
		errs := NewValidator().ValidateConfig(cfg)
		assert.Len(t, errs, 3)
	})
}

func TestConfigString(t *testing.T) {
	cfg := validConfig()
	s := cfg.String()

	assert.NotContains(t, s, cfg.Auth.SharedSecret)
	assert.Contains(t, s, "[REDACTED]")
	assert.Equal(t, "0123456789abcdef", cfg.Auth.SharedSecret)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &decoded))
	assert.Contains(t, decoded, "connection")
}

func TestUsesNATS(t *testing.T) {
	cfg := validConfig()
	cfg.Recovery.Backend = BackendNATS
	assert.True(t, cfg.UsesNATS())

	cfg = validConfig()
	cfg.NATS.MirrorEvents = true
	assert.True(t, cfg.UsesNATS())
}
