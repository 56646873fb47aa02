package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/tenantd/pkg/connection"
)

// Recovery backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"
)

// Config represents the main tenantd configuration
type Config struct {
	Server     ServerConfig     `json:"server" mapstructure:"server"`
	Auth       AuthConfig       `json:"auth" mapstructure:"auth"`
	Connection ConnectionConfig `json:"connection" mapstructure:"connection"`
	Recovery   RecoveryConfig   `json:"recovery" mapstructure:"recovery"`
	NATS       NATSConfig       `json:"nats" mapstructure:"nats"`
	Engine     EngineConfig     `json:"engine" mapstructure:"engine"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Tracing    TracingConfig    `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds gateway server configuration
type ServerConfig struct {
	Host              string        `json:"host" mapstructure:"host"`
	Port              int           `json:"port" mapstructure:"port"`
	RequestsPerMinute int           `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int           `json:"max_concurrent" mapstructure:"max_concurrent"`
	AuthTimeout       time.Duration `json:"auth_timeout" mapstructure:"auth_timeout"`
	RunTimeout        time.Duration `json:"run_timeout" mapstructure:"run_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig holds the HMAC shared secret.
type AuthConfig struct {
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// ConnectionConfig holds per-connection timeouts and limits.
type ConnectionConfig struct {
	ConnectTimeout         time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	ReadTimeout            time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout           time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	HeartbeatInterval      time.Duration `json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	HeartbeatTimeout       time.Duration `json:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	IdleTimeout            time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	QueueWait              time.Duration `json:"queue_wait" mapstructure:"queue_wait"`
	DrainTimeout           time.Duration `json:"drain_timeout" mapstructure:"drain_timeout"`
	BufferSize             int           `json:"buffer_size" mapstructure:"buffer_size"`
	MaxConsecutiveTimeouts int           `json:"max_consecutive_timeouts" mapstructure:"max_consecutive_timeouts"`
}

// Timeouts converts the section to connection timeouts.
func (c ConnectionConfig) Timeouts() connection.Timeouts {
	return connection.Timeouts{
		Connect:          c.ConnectTimeout,
		Read:             c.ReadTimeout,
		Write:            c.WriteTimeout,
		Heartbeat:        c.HeartbeatInterval,
		HeartbeatTimeout: c.HeartbeatTimeout,
		Idle:             c.IdleTimeout,
		QueueWait:        c.QueueWait,
		Drain:            c.DrainTimeout,
	}
}

// RecoveryConfig selects where recovery records live.
type RecoveryConfig struct {
	Backend       string        `json:"backend" mapstructure:"backend"` // memory, sqlite, nats
	TTL           time.Duration `json:"ttl" mapstructure:"ttl"`
	SQLitePath    string        `json:"sqlite_path" mapstructure:"sqlite_path"`
	PurgeSchedule string        `json:"purge_schedule" mapstructure:"purge_schedule"`
	Bucket        string        `json:"bucket" mapstructure:"bucket"`
	Replicas      int           `json:"replicas" mapstructure:"replicas"`
}

// NATSConfig holds the NATS connection used for the event mirror and the
// nats recovery backend.
type NATSConfig struct {
	URL           string `json:"url" mapstructure:"url"`
	Name          string `json:"name" mapstructure:"name"`
	MaxReconnects int    `json:"max_reconnects" mapstructure:"max_reconnects"`
	MirrorEvents  bool   `json:"mirror_events" mapstructure:"mirror_events"`
	SubjectPrefix string `json:"subject_prefix" mapstructure:"subject_prefix"`
}

// EngineConfig holds engine factory limits.
type EngineConfig struct {
	MaxEnginesPerUser int           `json:"max_engines_per_user" mapstructure:"max_engines_per_user"`
	DrainTimeout      time.Duration `json:"drain_timeout" mapstructure:"drain_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig holds the OTLP span exporter settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	Endpoint    string  `json:"endpoint" mapstructure:"endpoint"`
	Protocol    string  `json:"protocol" mapstructure:"protocol"` // grpc, http/protobuf
	Insecure    bool    `json:"insecure" mapstructure:"insecure"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	t := connection.DefaultTimeouts()
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			RequestsPerMinute: 60,
			MaxConcurrent:     10,
			AuthTimeout:       10 * time.Second,
			RunTimeout:        2 * time.Minute,
			ShutdownTimeout:   30 * time.Second,
		},
		Connection: ConnectionConfig{
			ConnectTimeout:         t.Connect,
			ReadTimeout:            t.Read,
			WriteTimeout:           t.Write,
			HeartbeatInterval:      t.Heartbeat,
			HeartbeatTimeout:       t.HeartbeatTimeout,
			IdleTimeout:            t.Idle,
			QueueWait:              t.QueueWait,
			DrainTimeout:           t.Drain,
			BufferSize:             connection.DefaultBufferSize,
			MaxConsecutiveTimeouts: connection.DefaultMaxConsecutiveTimeouts,
		},
		Recovery: RecoveryConfig{
			Backend: BackendMemory,
			TTL:     15 * time.Minute,
			Bucket:  "tenantd_recovery",
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Name:          "tenantd",
			MaxReconnects: 60,
			SubjectPrefix: "tenantd.events",
		},
		Engine: EngineConfig{
			MaxEnginesPerUser: 16,
			DrainTimeout:      5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			SampleRatio: 1,
			ServiceName: "tenantd",
		},
	}
}

// String returns a JSON representation of the config with the secret masked.
func (c *Config) String() string {
	masked := *c
	if masked.Auth.SharedSecret != "" {
		masked.Auth.SharedSecret = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid. All problems are joined.
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}

// UsesNATS reports whether a NATS connection is needed.
func (c *Config) UsesNATS() bool {
	return c.Recovery.Backend == BackendNATS || c.NATS.MirrorEvents
}
