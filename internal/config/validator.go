package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// MinSecretLength is the shortest accepted HMAC shared secret.
const MinSecretLength = 16

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", port)
	}
	return nil
}

// ValidateSharedSecret validates the gateway HMAC secret
func (v *Validator) ValidateSharedSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("shared secret is required (set TENANTD_AUTH_SHARED_SECRET)")
	}
	if len(secret) < MinSecretLength {
		return fmt.Errorf("shared secret must be at least %d characters", MinSecretLength)
	}
	return nil
}

// ValidateBackend validates the recovery backend name
func (v *Validator) ValidateBackend(backend string) error {
	valid := []string{BackendMemory, BackendSQLite, BackendNATS}
	for _, b := range valid {
		if backend == b {
			return nil
		}
	}
	return fmt.Errorf("invalid recovery backend: %s (must be one of: %s)", backend, strings.Join(valid, ", "))
}

// ValidateCronSchedule validates a purge schedule. Empty means the default and
// "-" disables the janitor.
func (v *Validator) ValidateCronSchedule(spec string) error {
	if spec == "" || spec == "-" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateSubjectPrefix validates a NATS subject prefix
func (v *Validator) ValidateSubjectPrefix(prefix string) error {
	if strings.ContainsAny(prefix, " \t*>") {
		return fmt.Errorf("invalid subject prefix %q: wildcards and whitespace are not allowed", prefix)
	}
	return nil
}

// ValidateTracing validates the exporter settings of an enabled tracing section
func (v *Validator) ValidateTracing(t TracingConfig) error {
	if !t.Enabled {
		return nil
	}
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint is required when tracing is enabled")
	}
	if t.Protocol != "grpc" && t.Protocol != "http/protobuf" {
		return fmt.Errorf("invalid protocol: %s (must be one of: grpc, http/protobuf)", t.Protocol)
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio must be between 0 and 1")
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		errors = append(errors, fmt.Errorf("server: %w", err))
	}
	if cfg.Server.RequestsPerMinute < 0 || cfg.Server.MaxConcurrent < 0 {
		errors = append(errors, fmt.Errorf("server: rate limits must be >= 0"))
	}
	if err := v.ValidateSharedSecret(cfg.Auth.SharedSecret); err != nil {
		errors = append(errors, fmt.Errorf("auth: %w", err))
	}

	// Validate connection
	if err := cfg.Connection.Timeouts().Validate(); err != nil {
		errors = append(errors, fmt.Errorf("connection: %w", err))
	}
	if cfg.Connection.BufferSize < 0 {
		errors = append(errors, fmt.Errorf("connection: buffer_size must be >= 0"))
	}
	if cfg.Connection.MaxConsecutiveTimeouts < 0 {
		errors = append(errors, fmt.Errorf("connection: max_consecutive_timeouts must be >= 0"))
	}

	if cfg.Engine.MaxEnginesPerUser < 0 {
		errors = append(errors, fmt.Errorf("engine: max_engines_per_user must be >= 0"))
	}

	// Validate recovery
	if err := v.ValidateBackend(cfg.Recovery.Backend); err != nil {
		errors = append(errors, fmt.Errorf("recovery: %w", err))
	}
	if cfg.Recovery.TTL <= 0 {
		errors = append(errors, fmt.Errorf("recovery: ttl must be positive"))
	}
	switch cfg.Recovery.Backend {
	case BackendSQLite:
		if err := v.ValidateCronSchedule(cfg.Recovery.PurgeSchedule); err != nil {
			errors = append(errors, fmt.Errorf("recovery: %w", err))
		}
	case BackendNATS:
		if cfg.NATS.URL == "" {
			errors = append(errors, fmt.Errorf("nats: url is required for the nats recovery backend"))
		}
	}

	if cfg.NATS.MirrorEvents {
		if cfg.NATS.URL == "" {
			errors = append(errors, fmt.Errorf("nats: url is required when mirror_events is enabled"))
		}
		if err := v.ValidateSubjectPrefix(cfg.NATS.SubjectPrefix); err != nil {
			errors = append(errors, fmt.Errorf("nats: %w", err))
		}
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, fmt.Errorf("logging: %w", err))
	}

	if err := v.ValidateTracing(cfg.Tracing); err != nil {
		errors = append(errors, fmt.Errorf("tracing: %w", err))
	}

	return errors
}
