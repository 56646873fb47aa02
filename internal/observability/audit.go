package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string            `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor,omitempty"` // user ID
	Action    string            `json:"action"`
	Status    string            `json:"status"` // "success", "rejected", "violation"
	Fields    map[string]string `json:"fields,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
}

// AuditLogger handles recording and persisting audit events
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditOnce sync.Once
	auditMu   sync.RWMutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the process audit logger, defaulting to stderr.
func GetAuditLogger() *AuditLogger {
	auditOnce.Do(func() {
		auditMu.Lock()
		if auditInst == nil {
			auditInst = NewAuditLogger(os.Stderr)
		}
		auditMu.Unlock()
	})
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// NewAuditLogger creates an audit logger writing JSON lines to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// InitAuditLogger points the process audit logger at a file.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	a := NewAuditLogger(file)
	a.file = file

	auditOnce.Do(func() {})
	auditMu.Lock()
	auditInst = a
	auditMu.Unlock()
	return nil
}

// Record writes an audit event and mirrors it onto the active span.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ctx != nil {
		span := trace.SpanFromContext(ctx)
		if span.SpanContext().IsValid() {
			event.TraceID = span.SpanContext().TraceID().String()
			span.AddEvent(event.Action, trace.WithAttributes(
				attribute.String("audit.type", event.Type),
				attribute.String("audit.status", event.Status),
				attribute.String("audit.actor", event.Actor),
			))
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status).
		Str("trace_id", event.TraceID)

	if len(event.Fields) > 0 {
		dict := zerolog.Dict()
		for k, v := range event.Fields {
			dict.Str(k, v)
		}
		entry.Dict("fields", dict)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// RecordValidationAudit records a rejected context by field and rule only.
func RecordValidationAudit(ctx context.Context, actor, field, rule string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:   "validation",
		Actor:  actor,
		Action: "context.rejected",
		Status: "rejected",
		Fields: map[string]string{"field": field, "rule": rule},
	})
}

// RecordIsolationAudit records a dispatch whose event owner did not match.
func RecordIsolationAudit(ctx context.Context, targetUser, eventUser, runID string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:   "security",
		Actor:  targetUser,
		Action: "dispatch.isolation_violation",
		Status: "violation",
		Fields: map[string]string{"event_user": eventUser, "run_id": runID},
	})
}

// RecordSessionAudit records a session-scoped lifecycle action.
func RecordSessionAudit(ctx context.Context, action, actor, status string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:   "session",
		Actor:  actor,
		Action: action,
		Status: status,
	})
}
