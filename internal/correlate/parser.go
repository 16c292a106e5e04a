// ABOUTME: Validates untrusted inbound queue payloads
// ABOUTME: Fixed check order so rejection reasons are deterministic

package correlate

import (
	"encoding/json"
	"fmt"
)

// RejectReason is the machine-readable cause carried on a dead-lettered
// payload.
type RejectReason string

const (
	ReasonDeserialization RejectReason = "DeserializationError"
	ReasonMissingField    RejectReason = "MissingField"
	ReasonInvalidAgentID  RejectReason = "InvalidAgentId"
)

// InboundPayload is the structured document external producers publish.
type InboundPayload struct {
	CorrelationID string `json:"correlationId"`
	AgentID       string `json:"agentId"`
	Prompt        string `json:"prompt"`
	Sender        string `json:"sender,omitempty"`
}

// ParseOutcome is the result of validating one raw payload: either an
// accepted payload or a rejection with reason and detail. A rejected payload
// is dead-lettered by the caller, never requeued here.
type ParseOutcome struct {
	Payload *InboundPayload
	Reason  RejectReason
	Detail  string
}

// Accepted reports whether the payload passed validation.
func (o ParseOutcome) Accepted() bool {
	return o.Reason == ""
}

func rejected(reason RejectReason, detail string) ParseOutcome {
	return ParseOutcome{Reason: reason, Detail: detail}
}

// Parse validates a raw payload against the configured agent set. The check
// order is fixed (deserialize, correlation token, agent id presence, agent
// id validity, prompt text) so the reported reason is deterministic.
func Parse(raw []byte, validAgentIDs map[string]bool) ParseOutcome {
	var payload InboundPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return rejected(ReasonDeserialization, fmt.Sprintf("invalid JSON: %v", err))
	}
	if payload.CorrelationID == "" {
		return rejected(ReasonMissingField, "correlationId is required")
	}
	if payload.AgentID == "" {
		return rejected(ReasonMissingField, "agentId is required")
	}
	if !validAgentIDs[payload.AgentID] {
		return rejected(ReasonInvalidAgentID, fmt.Sprintf("agent %q is not configured", payload.AgentID))
	}
	if payload.Prompt == "" {
		return rejected(ReasonMissingField, "prompt is required")
	}
	return ParseOutcome{Payload: &payload}
}
