package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// TENANTD_SERVER_PORT or TENANTD_AUTH_SHARED_SECRET.
const EnvPrefix = "TENANTD"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".tenantd", "tenantd.json"), nil
}

// newViper returns a viper instance seeded with every default so that
// environment overrides apply even without a config file.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := DefaultConfig()
	defaults := map[string]interface{}{
		"server.host":                         d.Server.Host,
		"server.port":                         d.Server.Port,
		"server.requests_per_minute":          d.Server.RequestsPerMinute,
		"server.max_concurrent":               d.Server.MaxConcurrent,
		"server.auth_timeout":                 d.Server.AuthTimeout,
		"server.run_timeout":                  d.Server.RunTimeout,
		"server.shutdown_timeout":             d.Server.ShutdownTimeout,
		"auth.shared_secret":                  d.Auth.SharedSecret,
		"connection.connect_timeout":          d.Connection.ConnectTimeout,
		"connection.read_timeout":             d.Connection.ReadTimeout,
		"connection.write_timeout":            d.Connection.WriteTimeout,
		"connection.heartbeat_interval":       d.Connection.HeartbeatInterval,
		"connection.heartbeat_timeout":        d.Connection.HeartbeatTimeout,
		"connection.idle_timeout":             d.Connection.IdleTimeout,
		"connection.queue_wait":               d.Connection.QueueWait,
		"connection.drain_timeout":            d.Connection.DrainTimeout,
		"connection.buffer_size":              d.Connection.BufferSize,
		"connection.max_consecutive_timeouts": d.Connection.MaxConsecutiveTimeouts,
		"recovery.backend":                    d.Recovery.Backend,
		"recovery.ttl":                        d.Recovery.TTL,
		"recovery.sqlite_path":                d.Recovery.SQLitePath,
		"recovery.purge_schedule":             d.Recovery.PurgeSchedule,
		"recovery.bucket":                     d.Recovery.Bucket,
		"recovery.replicas":                   d.Recovery.Replicas,
		"nats.url":                            d.NATS.URL,
		"nats.name":                           d.NATS.Name,
		"nats.max_reconnects":                 d.NATS.MaxReconnects,
		"nats.mirror_events":                  d.NATS.MirrorEvents,
		"nats.subject_prefix":                 d.NATS.SubjectPrefix,
		"engine.max_engines_per_user":         d.Engine.MaxEnginesPerUser,
		"engine.drain_timeout":                d.Engine.DrainTimeout,
		"logging.level":                       d.Logging.Level,
		"logging.file":                        d.Logging.File,
		"logging.console":                     d.Logging.Console,
		"logging.pretty":                      d.Logging.Pretty,
		"logging.redaction":                   d.Logging.Redaction,
		"logging.audit_file":                  d.Logging.AuditFile,
		"tracing.enabled":                     d.Tracing.Enabled,
		"tracing.endpoint":                    d.Tracing.Endpoint,
		"tracing.protocol":                    d.Tracing.Protocol,
		"tracing.insecure":                    d.Tracing.Insecure,
		"tracing.sample_ratio":                d.Tracing.SampleRatio,
		"tracing.service_name":                d.Tracing.ServiceName,
		"data_dir":                            d.DataDir,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// Load loads the configuration from file and environment. A missing file
// yields defaults plus environment overrides.
func (l *Loader) Load() (*Config, error) {
	configPath := l.configPath
	if configPath == "" {
		var err error
		configPath, err = defaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	v := newViper()

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if ext := strings.TrimPrefix(filepath.Ext(configPath), "."); ext == "" {
			v.SetConfigType("json")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if l.configPath != "" && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Set data directory if not specified
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(configPath)
	}
	if cfg.Recovery.Backend == BackendSQLite && cfg.Recovery.SQLitePath == "" {
		cfg.Recovery.SQLitePath = filepath.Join(cfg.DataDir, "recovery.db")
	}

	return cfg, nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// durations are written as strings so the file stays editable
	v.Set("server", map[string]interface{}{
		"host":                cfg.Server.Host,
		"port":                cfg.Server.Port,
		"requests_per_minute": cfg.Server.RequestsPerMinute,
		"max_concurrent":      cfg.Server.MaxConcurrent,
		"auth_timeout":        cfg.Server.AuthTimeout.String(),
		"run_timeout":         cfg.Server.RunTimeout.String(),
		"shutdown_timeout":    cfg.Server.ShutdownTimeout.String(),
	})
	v.Set("auth", map[string]interface{}{"shared_secret": cfg.Auth.SharedSecret})
	v.Set("connection", map[string]interface{}{
		"connect_timeout":          cfg.Connection.ConnectTimeout.String(),
		"read_timeout":             cfg.Connection.ReadTimeout.String(),
		"write_timeout":            cfg.Connection.WriteTimeout.String(),
		"heartbeat_interval":       cfg.Connection.HeartbeatInterval.String(),
		"heartbeat_timeout":        cfg.Connection.HeartbeatTimeout.String(),
		"idle_timeout":             cfg.Connection.IdleTimeout.String(),
		"queue_wait":               cfg.Connection.QueueWait.String(),
		"drain_timeout":            cfg.Connection.DrainTimeout.String(),
		"buffer_size":              cfg.Connection.BufferSize,
		"max_consecutive_timeouts": cfg.Connection.MaxConsecutiveTimeouts,
	})
	v.Set("recovery", map[string]interface{}{
		"backend":        cfg.Recovery.Backend,
		"ttl":            cfg.Recovery.TTL.String(),
		"sqlite_path":    cfg.Recovery.SQLitePath,
		"purge_schedule": cfg.Recovery.PurgeSchedule,
		"bucket":         cfg.Recovery.Bucket,
		"replicas":       cfg.Recovery.Replicas,
	})
	v.Set("nats", cfg.NATS)
	v.Set("engine", map[string]interface{}{
		"max_engines_per_user": cfg.Engine.MaxEnginesPerUser,
		"drain_timeout":        cfg.Engine.DrainTimeout.String(),
	})
	v.Set("logging", cfg.Logging)
	v.Set("tracing", map[string]interface{}{
		"enabled":      cfg.Tracing.Enabled,
		"endpoint":     cfg.Tracing.Endpoint,
		"protocol":     cfg.Tracing.Protocol,
		"insecure":     cfg.Tracing.Insecure,
		"sample_ratio": cfg.Tracing.SampleRatio,
		"service_name": cfg.Tracing.ServiceName,
	})
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		// If file doesn't exist, create it
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	path, err := defaultConfigPath()
	if err != nil {
		return ""
	}
	return path
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
