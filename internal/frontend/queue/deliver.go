// ABOUTME: Outbound half of the queue frontend
// ABOUTME: Accumulates streamed replies and publishes completed responses

package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hearthward/switchboard/internal/frontend"
)

const (
	// publishAttempts bounds delivery retries. Exhaustion is logged and the
	// response dropped; a broken broker must not wedge the reply stream.
	publishAttempts = 3
	publishBackoff  = 500 * time.Millisecond
)

// OutboundPayload is the response document published for external consumers.
// CorrelationID is the token from the originating request so stateless
// producers can match responses without holding conversation state.
type OutboundPayload struct {
	CorrelationID string `json:"correlationId"`
	AgentID       string `json:"agentId"`
	Response      string `json:"response"`
	IsError       bool   `json:"isError,omitempty"`
	CompletedAt   string `json:"completedAt"`
}

// Deliver consumes the fragment stream. Queue consumers do not see partial
// chunks: text accumulates per conversation and publishes as one document
// when the final marker or an error arrives.
func (q *Frontend) Deliver(ctx context.Context, replies <-chan frontend.ReplyFragment) error {
	for frag := range replies {
		switch {
		case frag.IsError():
			q.completeWindow(ctx, frag, frag.Error, true)
		case frag.IsFinal:
			body := q.takeWindow(frag.Key)
			q.completeWindow(ctx, frag, body, false)
		default:
			q.appendWindow(frag.Key, frag.Payload)
		}
	}
	return nil
}

func (q *Frontend) appendWindow(key frontend.ConversationKey, text string) {
	q.winMu.Lock()
	buf, ok := q.windows[key]
	if !ok {
		buf = &bytes.Buffer{}
		q.windows[key] = buf
	}
	buf.WriteString(text)
	q.winMu.Unlock()
}

func (q *Frontend) takeWindow(key frontend.ConversationKey) string {
	q.winMu.Lock()
	defer q.winMu.Unlock()
	buf, ok := q.windows[key]
	if !ok {
		return ""
	}
	delete(q.windows, key)
	return buf.String()
}

// completeWindow looks up the correlation token for the conversation and
// publishes the finished response. Conversations without a mapping (replies
// that originated on another frontend before any queue traffic existed for
// the key) are skipped quietly.
func (q *Frontend) completeWindow(ctx context.Context, frag frontend.ReplyFragment, body string, isError bool) {
	if isError {
		// Drop any partial text from before the failure.
		q.takeWindow(frag.Key)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	rec, err := q.lookup.GetCorrelationByConversation(lookupCtx, frag.Key)
	cancel()
	if err != nil {
		q.logger.Debug("no correlation mapping for conversation, skipping publish",
			"chat_id", frag.Key.ChatID,
			"thread_id", frag.Key.ThreadID,
			"error", err)
		return
	}

	q.WriteResponse(ctx, OutboundPayload{
		CorrelationID: rec.Token,
		AgentID:       frag.Key.AgentID,
		Response:      body,
		IsError:       isError,
		CompletedAt:   time.Now().UTC().Format(time.RFC3339),
	})
}

// WriteResponse publishes one outbound payload with bounded exponential
// backoff. After the last attempt the payload is logged and dropped: the
// reply stream keeps moving even when the broker is down.
func (q *Frontend) WriteResponse(ctx context.Context, payload OutboundPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		q.logger.Error("failed to marshal outbound payload", "error", err)
		return
	}

	backoff := publishBackoff
	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		lastErr = q.publish(ctx, body)
		if lastErr == nil {
			q.logger.Debug("published response",
				"correlation_id", payload.CorrelationID,
				"agent_id", payload.AgentID)
			return
		}
		q.logger.Warn("publish failed",
			"attempt", attempt,
			"error", lastErr)
		if attempt == publishAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}

	q.logger.Error("dropping response after exhausting publish retries",
		"correlation_id", payload.CorrelationID,
		"agent_id", payload.AgentID,
		"attempts", publishAttempts,
		"error", lastErr)
}

func (q *Frontend) publish(ctx context.Context, body []byte) error {
	q.connMu.Lock()
	pub := q.pub
	q.connMu.Unlock()
	if pub == nil {
		return fmt.Errorf("not connected")
	}

	return pub.PublishWithContext(ctx, "", q.cfg.PublishQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    time.Now().UTC(),
	})
}

// ResolveOrCreateConversation implements frontend.Frontend. Queue
// conversations are keyed by correlation token on the inbound path; a resolve
// without an existing pair cannot synthesize one here.
func (q *Frontend) ResolveOrCreateConversation(_ context.Context, req frontend.ConversationRequest) (frontend.ConversationKey, error) {
	if req.AgentID == "" {
		return frontend.ConversationKey{}, fmt.Errorf("agent id is required")
	}
	if req.ChatID == 0 || req.ThreadID == 0 {
		return frontend.ConversationKey{}, fmt.Errorf("queue conversations are created by inbound correlation tokens")
	}
	return frontend.ConversationKey{
		ChatID:   req.ChatID,
		ThreadID: req.ThreadID,
		AgentID:  req.AgentID,
	}, nil
}
