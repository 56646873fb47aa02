package execctx

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Params holds the caller-supplied fields of a new ExecutionContext.
type Params struct {
	UserID        string
	ThreadID      string
	RunID         string
	RequestID     string
	AgentMetadata map[string]interface{}
	AuditMetadata map[string]interface{}
}

// ExecutionContext describes one user's unit of work. It has no setters;
// metadata accessors return copies.
type ExecutionContext struct {
	userID          string
	threadID        string
	runID           string
	requestID       string
	parentRequestID string
	depth           int
	createdAt       time.Time
	agentMetadata   map[string]interface{}
	auditMetadata   map[string]interface{}
}

// Snapshot is the serializable view of an ExecutionContext.
type Snapshot struct {
	UserID          string                 `json:"user_id"`
	ThreadID        string                 `json:"thread_id"`
	RunID           string                 `json:"run_id"`
	RequestID       string                 `json:"request_id"`
	ParentRequestID string                 `json:"parent_request_id,omitempty"`
	Depth           int                    `json:"operation_depth"`
	CreatedAt       time.Time              `json:"created_at"`
	CorrelationID   string                 `json:"correlation_id"`
	AgentMetadata   map[string]interface{} `json:"agent_metadata,omitempty"`
	AuditMetadata   map[string]interface{} `json:"audit_metadata,omitempty"`
}

// NewRequestID generates a new request ID
func NewRequestID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// New builds a context from p and validates it with the default validator.
func New(p Params) (*ExecutionContext, error) {
	return NewWithValidator(p, DefaultValidator())
}

// NewWithValidator builds a context from p and validates it with v.
func NewWithValidator(p Params, v *Validator) (*ExecutionContext, error) {
	ec := &ExecutionContext{
		userID:        p.UserID,
		threadID:      p.ThreadID,
		runID:         p.RunID,
		requestID:     p.RequestID,
		createdAt:     time.Now().UTC(),
		agentMetadata: copyMap(p.AgentMetadata),
		auditMetadata: copyMap(p.AuditMetadata),
	}
	if err := v.Validate(ec); err != nil {
		return nil, err
	}
	return ec, nil
}

// Child derives a context for a sub-operation. The child gets a fresh request
// ID, references this context's request ID and sits one level deeper.
func (c *ExecutionContext) Child(operation string, agentMetadata map[string]interface{}) (*ExecutionContext, error) {
	return c.ChildWithValidator(operation, agentMetadata, DefaultValidator())
}

// ChildWithValidator is Child with an explicit validator.
func (c *ExecutionContext) ChildWithValidator(operation string, agentMetadata map[string]interface{}, v *Validator) (*ExecutionContext, error) {
	merged := copyMap(c.agentMetadata)
	if merged == nil && len(agentMetadata) > 0 {
		merged = make(map[string]interface{}, len(agentMetadata))
	}
	for k, val := range agentMetadata {
		merged[k] = copyValue(val)
	}

	audit := copyMap(c.auditMetadata)
	if audit == nil {
		audit = make(map[string]interface{}, 1)
	}
	if operation != "" {
		audit["operation"] = operation
	}

	child := &ExecutionContext{
		userID:          c.userID,
		threadID:        c.threadID,
		runID:           c.runID,
		requestID:       NewRequestID(),
		parentRequestID: c.requestID,
		depth:           c.depth + 1,
		createdAt:       time.Now().UTC(),
		agentMetadata:   merged,
		auditMetadata:   audit,
	}
	if err := v.Validate(child); err != nil {
		return nil, err
	}
	return child, nil
}

func (c *ExecutionContext) UserID() string          { return c.userID }
func (c *ExecutionContext) ThreadID() string        { return c.threadID }
func (c *ExecutionContext) RunID() string           { return c.runID }
func (c *ExecutionContext) RequestID() string       { return c.requestID }
func (c *ExecutionContext) ParentRequestID() string { return c.parentRequestID }
func (c *ExecutionContext) Depth() int              { return c.depth }
func (c *ExecutionContext) CreatedAt() time.Time    { return c.createdAt }

// AgentMetadata returns a copy of the agent metadata.
func (c *ExecutionContext) AgentMetadata() map[string]interface{} {
	return copyMap(c.agentMetadata)
}

// AuditMetadata returns a copy of the audit metadata.
func (c *ExecutionContext) AuditMetadata() map[string]interface{} {
	return copyMap(c.auditMetadata)
}

// CorrelationID joins the identifiers for cross-component tracing.
func (c *ExecutionContext) CorrelationID() string {
	return strings.Join([]string{c.userID, c.threadID, c.runID, c.requestID}, ":")
}

// Snapshot returns the serializable view of the context.
func (c *ExecutionContext) Snapshot() Snapshot {
	return Snapshot{
		UserID:          c.userID,
		ThreadID:        c.threadID,
		RunID:           c.runID,
		RequestID:       c.requestID,
		ParentRequestID: c.parentRequestID,
		Depth:           c.depth,
		CreatedAt:       c.createdAt,
		CorrelationID:   c.CorrelationID(),
		AgentMetadata:   copyMap(c.agentMetadata),
		AuditMetadata:   copyMap(c.auditMetadata),
	}
}

// MarshalJSON encodes the snapshot view.
func (c *ExecutionContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}

// Equal reports whether two contexts are field-for-field equal.
func (c *ExecutionContext) Equal(other *ExecutionContext) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.userID == other.userID &&
		c.threadID == other.threadID &&
		c.runID == other.runID &&
		c.requestID == other.requestID &&
		c.parentRequestID == other.parentRequestID &&
		c.depth == other.depth &&
		c.createdAt.Equal(other.createdAt) &&
		reflect.DeepEqual(c.agentMetadata, other.agentMetadata) &&
		reflect.DeepEqual(c.auditMetadata, other.auditMetadata)
}

// copyMap deep-copies nested maps and slices so callers cannot reach the
// context's internal state.
func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
