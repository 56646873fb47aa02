package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// UserIDKey is the context key for the authenticated user
	UserIDKey ContextKey = "user_id"
	// RunIDKey is the context key for run ID
	RunIDKey ContextKey = "run_id"
	// RequestIDKey is the context key for request ID
	RequestIDKey ContextKey = "request_id"
	// CorrelationIDKey is the context key for the execution correlation ID
	CorrelationIDKey ContextKey = "correlation_id"
	// ConnectionIDKey is the context key for the real-time connection ID
	ConnectionIDKey ContextKey = "connection_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID       string
	UserID        string
	RunID         string
	RequestID     string
	CorrelationID string
	ConnectionID  string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

func withValue(ctx context.Context, key ContextKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, value)
}

func getValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(key).(string); ok {
		return value
	}
	return ""
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withValue(ctx, TraceIDKey, traceID)
}

// WithUserID adds a user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return withValue(ctx, UserIDKey, userID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return withValue(ctx, RunIDKey, runID)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, RequestIDKey, requestID)
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return withValue(ctx, CorrelationIDKey, correlationID)
}

// WithConnectionID adds a connection ID to the context
func WithConnectionID(ctx context.Context, connectionID string) context.Context {
	return withValue(ctx, ConnectionIDKey, connectionID)
}

func GetTraceID(ctx context.Context) string       { return getValue(ctx, TraceIDKey) }
func GetUserID(ctx context.Context) string        { return getValue(ctx, UserIDKey) }
func GetRunID(ctx context.Context) string         { return getValue(ctx, RunIDKey) }
func GetRequestID(ctx context.Context) string     { return getValue(ctx, RequestIDKey) }
func GetCorrelationID(ctx context.Context) string { return getValue(ctx, CorrelationIDKey) }
func GetConnectionID(ctx context.Context) string  { return getValue(ctx, ConnectionIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:       GetTraceID(ctx),
		UserID:        GetUserID(ctx),
		RunID:         GetRunID(ctx),
		RequestID:     GetRequestID(ctx),
		CorrelationID: GetCorrelationID(ctx),
		ConnectionID:  GetConnectionID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if tc == nil {
		return ctx
	}
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.UserID != "" {
		ctx = WithUserID(ctx, tc.UserID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	if tc.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, tc.CorrelationID)
	}
	if tc.ConnectionID != "" {
		ctx = WithConnectionID(ctx, tc.ConnectionID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// Execution is the identity subset of an execution context carried in ctx.
type Execution interface {
	UserID() string
	RunID() string
	RequestID() string
	CorrelationID() string
}

// WithExecution copies the identifiers of ec into ctx.
func WithExecution(ctx context.Context, ec Execution) context.Context {
	if ec == nil {
		return ctx
	}
	ctx = WithUserID(ctx, ec.UserID())
	ctx = WithRunID(ctx, ec.RunID())
	ctx = WithRequestID(ctx, ec.RequestID())
	return WithCorrelationID(ctx, ec.CorrelationID())
}
