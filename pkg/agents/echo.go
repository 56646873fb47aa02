package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/tenantd/pkg/lifecycle"
)

// EchoName is the registry name of the echo agent.
const EchoName = "echo"

// EchoAgent replies with its input message and walks through every
// lifecycle phase on the way.
type EchoAgent struct {
	binding Binding
	// Delay is slept in the executing phase.
	Delay time.Duration
}

// NewEchoAgent is the FactoryFunc of the echo agent.
func NewEchoAgent(b Binding) (Agent, error) {
	return &EchoAgent{binding: b}, nil
}

// Run emits started, thinking, executing, completed and finished.
func (a *EchoAgent) Run(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	message, _ := input["message"].(string)
	ec := a.binding.UserContext()

	emit := func(kind lifecycle.Kind, payload map[string]interface{}) error {
		if _, err := a.binding.Emit(ctx, kind, payload); err != nil {
			return fmt.Errorf("emit %s: %w", kind, err)
		}
		return nil
	}

	if err := emit(lifecycle.KindStarted, map[string]interface{}{"agent": EchoName, "thread_id": ec.ThreadID()}); err != nil {
		return nil, err
	}
	if err := emit(lifecycle.KindThinking, map[string]interface{}{"text": "echoing input"}); err != nil {
		return nil, err
	}
	if err := emit(lifecycle.KindExecuting, map[string]interface{}{"tool": "echo"}); err != nil {
		return nil, err
	}

	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	output := map[string]interface{}{
		"reply":  message,
		"length": len([]rune(message)),
		"upper":  strings.ToUpper(message),
	}
	if err := emit(lifecycle.KindCompleted, map[string]interface{}{"output": output}); err != nil {
		return nil, err
	}
	if err := emit(lifecycle.KindFinished, nil); err != nil {
		return nil, err
	}
	return output, nil
}

// RegisterBuiltins registers the built-in agents.
func RegisterBuiltins(r *Registry) error {
	return r.RegisterFactory(EchoName, NewEchoAgent,
		WithTags("builtin", "demo"),
		WithDescription("Replies with the input message"),
	)
}
