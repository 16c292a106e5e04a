// ABOUTME: Tests for inbound payload validation.
// ABOUTME: Covers the fixed check order and per-field rejection details.

package correlate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAgents = map[string]bool{"helper": true, "researcher": true}

func TestParse_Valid(t *testing.T) {
	raw := []byte(`{"correlationId":"tok-1","agentId":"helper","prompt":"hello","sender":"svc-a"}`)

	outcome := Parse(raw, testAgents)

	require.True(t, outcome.Accepted())
	assert.Equal(t, "tok-1", outcome.Payload.CorrelationID)
	assert.Equal(t, "helper", outcome.Payload.AgentID)
	assert.Equal(t, "hello", outcome.Payload.Prompt)
	assert.Equal(t, "svc-a", outcome.Payload.Sender)
}

func TestParse_SenderOptional(t *testing.T) {
	raw := []byte(`{"correlationId":"tok-1","agentId":"helper","prompt":"hello"}`)

	outcome := Parse(raw, testAgents)

	require.True(t, outcome.Accepted())
	assert.Empty(t, outcome.Payload.Sender)
}

func TestParse_MalformedJSON(t *testing.T) {
	outcome := Parse([]byte(`{not json`), testAgents)

	require.False(t, outcome.Accepted())
	assert.Equal(t, ReasonDeserialization, outcome.Reason)
	assert.Nil(t, outcome.Payload)
}

func TestParse_MissingCorrelationID(t *testing.T) {
	raw := []byte(`{"agentId":"helper","prompt":"hello"}`)

	outcome := Parse(raw, testAgents)

	require.False(t, outcome.Accepted())
	assert.Equal(t, ReasonMissingField, outcome.Reason)
	assert.Contains(t, outcome.Detail, "correlationId")
}

func TestParse_MissingAgentID(t *testing.T) {
	raw := []byte(`{"correlationId":"tok-1","prompt":"hello"}`)

	outcome := Parse(raw, testAgents)

	require.False(t, outcome.Accepted())
	assert.Equal(t, ReasonMissingField, outcome.Reason)
	assert.Contains(t, outcome.Detail, "agentId")
}

func TestParse_UnknownAgent(t *testing.T) {
	raw := []byte(`{"correlationId":"tok-1","agentId":"nobody","prompt":"hello"}`)

	outcome := Parse(raw, testAgents)

	require.False(t, outcome.Accepted())
	assert.Equal(t, ReasonInvalidAgentID, outcome.Reason)
	assert.Contains(t, outcome.Detail, "nobody")
}

func TestParse_MissingPrompt(t *testing.T) {
	raw := []byte(`{"correlationId":"tok-1","agentId":"helper"}`)

	outcome := Parse(raw, testAgents)

	require.False(t, outcome.Accepted())
	assert.Equal(t, ReasonMissingField, outcome.Reason)
	assert.Contains(t, outcome.Detail, "prompt")
}

func TestParse_CheckOrder(t *testing.T) {
	// Several problems at once: the earliest check in the fixed order wins.
	tests := []struct {
		name string
		raw  string
		want RejectReason
	}{
		{
			// Missing token and unknown agent: token is reported
			name: "token before agent validity",
			raw:  `{"agentId":"nobody","prompt":"hi"}`,
			want: ReasonMissingField,
		},
		{
			// Missing agent and missing prompt: agent is reported
			name: "agent presence before prompt",
			raw:  `{"correlationId":"tok-1"}`,
			want: ReasonMissingField,
		},
		{
			// Unknown agent and missing prompt: agent validity is reported
			name: "agent validity before prompt",
			raw:  `{"correlationId":"tok-1","agentId":"nobody"}`,
			want: ReasonInvalidAgentID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := Parse([]byte(tt.raw), testAgents)
			require.False(t, outcome.Accepted())
			assert.Equal(t, tt.want, outcome.Reason)
		})
	}
}
