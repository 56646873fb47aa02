package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/harun/tenantd/internal/observability"
	"github.com/harun/tenantd/internal/tracing"
	"github.com/harun/tenantd/pkg/agents"
	"github.com/harun/tenantd/pkg/engine"
	"github.com/harun/tenantd/pkg/execctx"
	"go.opentelemetry.io/otel/attribute"
)

const agentRunSchema = `{
  "type": "object",
  "properties": {
    "agent":      {"type": "string", "minLength": 1, "maxLength": 128},
    "message":    {"type": "string"},
    "thread_id":  {"type": "string", "minLength": 1, "maxLength": 128},
    "metadata":   {"type": "object"},
    "timeout_ms": {"type": "integer", "minimum": 1}
  },
  "required": ["agent"],
  "additionalProperties": false
}`

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() error {
	if err := s.router.RegisterMethodWithSchema("agent.run", s.handleAgentRun, agentRunSchema); err != nil {
		return err
	}
	for name, h := range map[string]RequestHandler{
		"agents.list": s.handleAgentsList,
		"session.end": s.handleSessionEnd,
		"metrics.get": s.handleMetricsGet,
	} {
		if err := s.router.RegisterMethod(name, h); err != nil {
			return err
		}
	}
	return nil
}

func authenticatedClient(ctx context.Context) (*Client, error) {
	client := clientFromContext(ctx)
	if client == nil || client.UserID == "" {
		return nil, &RPCError{Code: AuthenticationRequired, Message: "Authentication required"}
	}
	return client, nil
}

// handleAgentRun runs one agent for the caller: context, engine, instance,
// run, cleanup.
func (s *Server) handleAgentRun(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client, err := authenticatedClient(ctx)
	if err != nil {
		return nil, err
	}

	name, _ := params["agent"].(string)
	message, _ := params["message"].(string)
	threadID, _ := params["thread_id"].(string)
	if threadID == "" {
		threadID = client.ID
	}
	metadata, _ := params["metadata"].(map[string]interface{})

	timeout := s.runTimeout
	if ms, ok := params["timeout_ms"].(float64); ok && ms > 0 {
		if d := time.Duration(ms) * time.Millisecond; d < timeout {
			timeout = d
		}
	}

	p := execctx.Params{
		UserID:        client.UserID,
		ThreadID:      threadID,
		RunID:         execctx.NewRunID(),
		RequestID:     execctx.NewRequestID(),
		AgentMetadata: metadata,
		AuditMetadata: map[string]interface{}{"client_id": client.ID, "agent": name},
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "gateway.agent_run",
		attribute.String("agent", name),
		attribute.String("run_id", p.RunID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	eng, err := s.factory.Create(ctx, p)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, rpcErrorFor(err)
	}
	defer func() {
		if err := s.factory.CleanupEngine(context.Background(), eng); err != nil {
			logger.Warn().Err(err).Str("request_id", p.RequestID).Msg("Engine cleanup failed")
		}
	}()

	inst, err := s.registry.CreateInstance(ctx, name, eng)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, rpcErrorFor(err)
	}

	runCtx, cancel := context.WithTimeout(tracing.WithExecution(ctx, eng.UserContext()), timeout)
	defer cancel()

	started := time.Now()
	output, err := inst.Run(runCtx, map[string]interface{}{"message": message})
	if err != nil {
		tracing.RecordError(span, err)
		logger.Warn().Err(err).Str("agent", name).Str("run_id", p.RunID).Msg("Agent run failed")
		return nil, &RPCError{Code: InternalError, Message: "agent run failed", Data: err.Error()}
	}

	logger.Info().
		Str("agent", name).
		Str("run_id", p.RunID).
		Dur("duration", time.Since(started)).
		Msg("Agent run completed")

	return map[string]interface{}{
		"agent":      name,
		"run_id":     p.RunID,
		"request_id": p.RequestID,
		"thread_id":  threadID,
		"output":     output,
	}, nil
}

// rpcErrorFor maps factory and registry errors to RPC errors. Invalid
// contexts report only the field and rule.
func rpcErrorFor(err error) error {
	var invalid *execctx.InvalidContextError
	if errors.As(err, &invalid) {
		return &RPCError{
			Code:    InvalidParams,
			Message: "invalid execution context",
			Data:    map[string]string{"field": invalid.Field, "rule": string(invalid.Rule)},
		}
	}
	switch {
	case errors.Is(err, agents.ErrAgentNotFound):
		return &RPCError{Code: AgentNotFound, Message: err.Error()}
	case errors.Is(err, engine.ErrQuotaExceeded):
		return &RPCError{Code: TooManyConcurrent, Message: err.Error()}
	case errors.Is(err, engine.ErrFactoryClosed):
		return &RPCError{Code: ShuttingDown, Message: err.Error()}
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}

func (s *Server) handleAgentsList(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if _, err := authenticatedClient(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"agents": s.registry.List()}, nil
}

// handleSessionEnd tears down every engine the caller owns.
func (s *Server) handleSessionEnd(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	client, err := authenticatedClient(ctx)
	if err != nil {
		return nil, err
	}

	cleaned := s.factory.CleanupUserContext(ctx, client.UserID)
	status := "noop"
	if cleaned {
		status = "success"
	}
	observability.RecordSessionAudit(ctx, "session.end", client.UserID, status)
	s.logger.Info().Str("user_id", client.UserID).Bool("cleaned", cleaned).Msg("Session ended")

	return map[string]interface{}{"cleaned": cleaned}, nil
}

// handleMetricsGet returns aggregate counters plus the caller's own
// connection statistics.
func (s *Server) handleMetricsGet(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	client, err := authenticatedClient(ctx)
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{
		"engines":     s.factory.GetMetrics(),
		"connections": s.conns.Stats(),
		"clients":     s.clients.Count(),
	}
	if s.dispatcher != nil {
		result["dispatch"] = s.dispatcher.Stats()
	}
	if stats, err := s.conns.GetTimeoutStatistics(ctx, client.UserID); err == nil {
		result["timeouts"] = stats
	}
	return result, nil
}
