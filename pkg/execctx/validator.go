package execctx

import (
	"encoding/json"
	"sort"
	"strings"
)

const (
	// DefaultMaxSerializedBytes bounds the JSON size of a context.
	DefaultMaxSerializedBytes = 64 * 1024
	// DefaultMaxDepth bounds how deeply contexts may be derived.
	DefaultMaxDepth = 16
)

var forbiddenLiterals = map[string]struct{}{
	"placeholder": {},
	"registry":    {},
	"temp":        {},
	"none":        {},
	"null":        {},
	"undefined":   {},
}

var reservedKeys = map[string]struct{}{
	"user_id":           {},
	"thread_id":         {},
	"run_id":            {},
	"request_id":        {},
	"correlation_id":    {},
	"created_at":        {},
	"session":           {},
	"session_id":        {},
	"parent_request_id": {},
	"operation_depth":   {},
	"connection_id":     {},
}

// IsReservedKey reports whether key is used internally by the engine.
func IsReservedKey(key string) bool {
	_, ok := reservedKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// IsForbiddenIdentifier reports whether id is a reserved literal or blank.
func IsForbiddenIdentifier(id string) bool {
	normalized := strings.ToLower(strings.TrimSpace(id))
	if normalized == "" {
		return true
	}
	_, ok := forbiddenLiterals[normalized]
	return ok
}

// Validator checks contexts before they are registered.
type Validator struct {
	MaxSerializedBytes int
	MaxDepth           int
}

// DefaultValidator returns a validator with default limits.
func DefaultValidator() *Validator {
	return &Validator{
		MaxSerializedBytes: DefaultMaxSerializedBytes,
		MaxDepth:           DefaultMaxDepth,
	}
}

type identifier struct {
	field string
	value string
}

// Validate applies the rules in order: required identifiers, forbidden
// literals, reserved metadata keys, serialized size, control characters and
// derivation depth. The context is returned to the caller untouched.
func (v *Validator) Validate(ec *ExecutionContext) error {
	if ec == nil {
		return invalid("context", RuleRequired, "context is nil")
	}

	ids := []identifier{
		{"user_id", ec.userID},
		{"thread_id", ec.threadID},
		{"run_id", ec.runID},
		{"request_id", ec.requestID},
	}

	for _, id := range ids {
		if strings.TrimSpace(id.value) == "" {
			return invalid(id.field, RuleRequired, "identifier is required")
		}
	}

	// request IDs are generated, so only the caller-facing identifiers are
	// checked against the literal list
	for _, id := range ids[:3] {
		if IsForbiddenIdentifier(id.value) {
			return invalid(id.field, RuleForbidden, "identifier uses a reserved literal")
		}
	}

	if key, ok := firstReservedKey(ec.agentMetadata); ok {
		return invalid("agent_metadata."+key, RuleReservedKey, "metadata key is reserved")
	}
	if key, ok := firstReservedKey(ec.auditMetadata); ok {
		return invalid("audit_metadata."+key, RuleReservedKey, "metadata key is reserved")
	}

	if v.MaxSerializedBytes > 0 {
		data, err := json.Marshal(ec.Snapshot())
		if err != nil {
			return invalid("metadata", RuleSize, "context is not serializable")
		}
		if len(data) >= v.MaxSerializedBytes {
			return invalid("metadata", RuleSize, "serialized size %d exceeds limit %d", len(data), v.MaxSerializedBytes)
		}
	}

	for _, id := range ids {
		if strings.ContainsAny(id.value, "\r\n\x00") {
			return invalid(id.field, RuleControlChars, "identifier contains control characters")
		}
	}

	if v.MaxDepth > 0 && ec.depth > v.MaxDepth {
		return invalid("operation_depth", RuleDepthExceeded, "depth %d exceeds limit %d", ec.depth, v.MaxDepth)
	}

	return nil
}

// firstReservedKey returns the lexically smallest reserved key in m.
func firstReservedKey(m map[string]interface{}) (string, bool) {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if IsReservedKey(key) {
			return key, true
		}
	}
	return "", false
}
