package execctx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_Rules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Params)
		field  string
		rule   Rule
	}{
		{
			name:   "missing user id",
			mutate: func(p *Params) { p.UserID = "" },
			field:  "user_id",
			rule:   RuleRequired,
		},
		{
			name:   "blank thread id",
			mutate: func(p *Params) { p.ThreadID = "   " },
			field:  "thread_id",
			rule:   RuleRequired,
		},
		{
			name:   "missing request id",
			mutate: func(p *Params) { p.RequestID = "" },
			field:  "request_id",
			rule:   RuleRequired,
		},
		{
			name:   "placeholder run id",
			mutate: func(p *Params) { p.RunID = "placeholder" },
			field:  "run_id",
			rule:   RuleForbidden,
		},
		{
			name:   "registry user id case insensitive",
			mutate: func(p *Params) { p.UserID = "Registry" },
			field:  "user_id",
			rule:   RuleForbidden,
		},
		{
			name:   "temp thread id",
			mutate: func(p *Params) { p.ThreadID = " temp " },
			field:  "thread_id",
			rule:   RuleForbidden,
		},
		{
			name: "reserved agent metadata key",
			mutate: func(p *Params) {
				p.AgentMetadata = map[string]interface{}{"user_id": "someone-else"}
			},
			field: "agent_metadata.user_id",
			rule:  RuleReservedKey,
		},
		{
			name: "reserved audit metadata key",
			mutate: func(p *Params) {
				p.AuditMetadata = map[string]interface{}{"Session": "handle"}
			},
			field: "audit_metadata.Session",
			rule:  RuleReservedKey,
		},
		{
			name: "oversized metadata",
			mutate: func(p *Params) {
				p.AgentMetadata = map[string]interface{}{"blob": strings.Repeat("x", DefaultMaxSerializedBytes)}
			},
			field: "metadata",
			rule:  RuleSize,
		},
		{
			name: "unserializable metadata",
			mutate: func(p *Params) {
				p.AgentMetadata = map[string]interface{}{"ch": make(chan int)}
			},
			field: "metadata",
			rule:  RuleSize,
		},
		{
			name:   "newline in user id",
			mutate: func(p *Params) { p.UserID = "user\n1" },
			field:  "user_id",
			rule:   RuleControlChars,
		},
		{
			name:   "carriage return in request id",
			mutate: func(p *Params) { p.RequestID = "req\r1" },
			field:  "request_id",
			rule:   RuleControlChars,
		},
		{
			name:   "nul in run id",
			mutate: func(p *Params) { p.RunID = "run\x001" },
			field:  "run_id",
			rule:   RuleControlChars,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)

			ec, err := New(p)
			assert.Nil(t, ec)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidContext)

			var invalidErr *InvalidContextError
			require.ErrorAs(t, err, &invalidErr)
			assert.Equal(t, tt.field, invalidErr.Field)
			assert.Equal(t, tt.rule, invalidErr.Rule)
		})
	}
}

func TestValidator_ErrorOmitsMetadataValues(t *testing.T) {
	p := validParams()
	p.AgentMetadata = map[string]interface{}{"user_id": "secret-token-value"}

	_, err := New(p)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-token-value")
}

func TestValidator_RuleOrder(t *testing.T) {
	// forbidden literal is reported before the reserved key and control chars
	p := validParams()
	p.RunID = "temp"
	p.AgentMetadata = map[string]interface{}{"run_id": "x"}
	p.UserID = "user\n2"

	_, err := New(p)
	var invalidErr *InvalidContextError
	require.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, RuleForbidden, invalidErr.Rule)
}

func TestValidator_ReservedKeyReportIsStable(t *testing.T) {
	p := validParams()
	p.AgentMetadata = map[string]interface{}{
		"user_id":    "a",
		"thread_id":  "b",
		"run_id":     "c",
		"session":    "d",
		"created_at": "e",
		"tool":       "search",
	}

	for i := 0; i < 50; i++ {
		_, err := New(p)
		var invalidErr *InvalidContextError
		require.ErrorAs(t, err, &invalidErr)
		assert.Equal(t, RuleReservedKey, invalidErr.Rule)
		assert.Equal(t, "agent_metadata.created_at", invalidErr.Field)
	}
}

func TestValidator_PassReturnsUnchanged(t *testing.T) {
	ec, err := New(validParams())
	require.NoError(t, err)

	before := ec.Snapshot()
	require.NoError(t, DefaultValidator().Validate(ec))
	assert.Equal(t, before, ec.Snapshot())
}

func TestValidator_CustomCeiling(t *testing.T) {
	v := &Validator{MaxSerializedBytes: 128}
	_, err := NewWithValidator(validParams(), v)
	var invalidErr *InvalidContextError
	require.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, RuleSize, invalidErr.Rule)

	unlimited := &Validator{}
	_, err = NewWithValidator(validParams(), unlimited)
	assert.NoError(t, err)
}

func TestValidator_Nil(t *testing.T) {
	assert.ErrorIs(t, DefaultValidator().Validate(nil), ErrInvalidContext)
}

func TestIsForbiddenIdentifier(t *testing.T) {
	assert.True(t, IsForbiddenIdentifier(""))
	assert.True(t, IsForbiddenIdentifier("NULL"))
	assert.False(t, IsForbiddenIdentifier("user-123"))
	assert.False(t, IsForbiddenIdentifier("temporary"))
}
