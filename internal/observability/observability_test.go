package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger_Record(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLogger(&buf)

	a.Record(context.Background(), AuditEvent{
		Type:   "validation",
		Actor:  "user-1",
		Action: "context.rejected",
		Status: "rejected",
		Fields: map[string]string{"field": "agent_metadata.user_id"},
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "validation", entry["type"])
	assert.Equal(t, "user-1", entry["actor"])
	assert.Equal(t, "rejected", entry["status"])
	fields := entry["fields"].(map[string]interface{})
	assert.Equal(t, "agent_metadata.user_id", fields["field"])
}

func TestAuditLogger_NilContext(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLogger(&buf)
	a.Record(nil, AuditEvent{Type: "session", Action: "end", Status: "success"})
	assert.Contains(t, buf.String(), `"action":"end"`)
}

func TestMetrics_Counters(t *testing.T) {
	EnsureRegistered()
	m := getMetrics()

	before := testutil.ToFloat64(m.isolationViolations)
	RecordIsolationViolation()
	assert.Equal(t, before+1, testutil.ToFloat64(m.isolationViolations))

	RecordEngineCreated(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.enginesActive))
	RecordEngineCleaned(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.enginesActive))

	beforeTimeouts := testutil.ToFloat64(m.connectionTimeouts.WithLabelValues("idle"))
	RecordConnectionTimeout("idle")
	assert.Equal(t, beforeTimeouts+1, testutil.ToFloat64(m.connectionTimeouts.WithLabelValues("idle")))
}

func TestMetricsHandler(t *testing.T) {
	assert.NotNil(t, MetricsHandler())
}
