// ABOUTME: AMQP frontend for external, stateless producers
// ABOUTME: Validates payloads, dead-letters rejects, maps tokens to conversations

package queue

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hearthward/switchboard/internal/correlate"
	"github.com/hearthward/switchboard/internal/frontend"
	"github.com/hearthward/switchboard/internal/store"
)

// Config holds the AMQP wiring for the queue frontend.
type Config struct {
	URL             string
	ConsumeQueue    string
	PublishQueue    string
	DeadLetterQueue string
}

// CorrelationLookup resolves a conversation back to its correlation token so
// outbound responses can be addressed.
type CorrelationLookup interface {
	GetCorrelationByConversation(ctx context.Context, key frontend.ConversationKey) (*store.CorrelationRecord, error)
}

// publisher is the slice of amqp.Channel the frontend publishes through.
// Narrowed to an interface so tests can observe publishes without a broker.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Frontend is the external queue integration. Inbound payloads are
// untrusted: they pass validation and correlation mapping before becoming
// prompts, and rejects are dead-lettered with a machine-readable reason.
type Frontend struct {
	cfg         Config
	mapper      *correlate.Mapper
	lookup      CorrelationLookup
	validAgents map[string]bool
	logger      *slog.Logger

	prompts  chan frontend.Prompt
	readOnce sync.Once

	connMu sync.Mutex
	pub    publisher

	// windows accumulates streamed text per execution window.
	winMu   sync.Mutex
	windows map[frontend.ConversationKey]*bytes.Buffer
}

// New creates the queue frontend. The connection is established lazily by
// the consume loop.
func New(cfg Config, mapper *correlate.Mapper, lookup CorrelationLookup, agentIDs []string, logger *slog.Logger) *Frontend {
	if logger == nil {
		logger = slog.Default()
	}
	ids := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		ids[id] = true
	}
	return &Frontend{
		cfg:         cfg,
		mapper:      mapper,
		lookup:      lookup,
		validAgents: ids,
		logger:      logger.With("component", "queue"),
		prompts:     make(chan frontend.Prompt, 64),
		windows:     make(map[frontend.ConversationKey]*bytes.Buffer),
	}
}

// Source implements frontend.Frontend.
func (q *Frontend) Source() frontend.Source {
	return frontend.SourceQueue
}

// ReadPrompts starts the consume loop on first call and returns the prompt
// stream. The loop reconnects with backoff until ctx is cancelled.
func (q *Frontend) ReadPrompts(ctx context.Context) <-chan frontend.Prompt {
	q.readOnce.Do(func() {
		go q.consumeLoop(ctx)
	})
	return q.prompts
}

// consumeLoop keeps one consumer alive across broker restarts.
func (q *Frontend) consumeLoop(ctx context.Context) {
	defer close(q.prompts)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		err := q.consumeOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		q.logger.Error("consumer stopped, reconnecting",
			"error", err,
			"retry_in", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// consumeOnce connects, declares topology, and processes deliveries until
// the connection drops or ctx is cancelled.
func (q *Frontend) consumeOnce(ctx context.Context) error {
	conn, err := amqp.Dial(q.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := q.declareTopology(ch); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	q.connMu.Lock()
	q.pub = ch
	q.connMu.Unlock()

	if err := ch.Qos(8, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(q.cfg.ConsumeQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	q.logger.Info("consumer started", "queue", q.cfg.ConsumeQueue)

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closeCh:
			return fmt.Errorf("connection closed: %v", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			q.handleDelivery(ctx, ch, d)
		}
	}
}

func (q *Frontend) declareTopology(ch *amqp.Channel) error {
	for _, name := range []string{q.cfg.ConsumeQueue, q.cfg.PublishQueue, q.cfg.DeadLetterQueue} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
	}
	return nil
}

// handleDelivery validates one raw payload and turns it into a prompt.
// Malformed payloads are dead-lettered and acked, never requeued; transient
// store failures nack with requeue so the broker redelivers.
func (q *Frontend) handleDelivery(ctx context.Context, pub publisher, d amqp.Delivery) {
	outcome := correlate.Parse(d.Body, q.validAgents)
	if !outcome.Accepted() {
		q.deadLetter(ctx, pub, d, outcome)
		_ = d.Ack(false)
		return
	}
	payload := outcome.Payload

	rec, isNew, err := q.mapper.GetOrCreateMapping(ctx, payload.CorrelationID, payload.AgentID)
	if err != nil {
		q.logger.Error("correlation mapping failed, requeueing",
			"error", err,
			"agent_id", payload.AgentID)
		_ = d.Nack(false, true)
		return
	}
	if isNew {
		q.logger.Info("new queue conversation",
			"agent_id", payload.AgentID,
			"chat_id", rec.ChatID,
			"thread_id", rec.ThreadID)
	}

	sender := payload.Sender
	if sender == "" {
		sender = "queue"
	}
	sequenceID := d.MessageId
	if sequenceID == "" {
		sequenceID = uuid.New().String()
	}

	prompt := frontend.Prompt{
		Text: payload.Prompt,
		Key: frontend.ConversationKey{
			ChatID:   rec.ChatID,
			ThreadID: rec.ThreadID,
			AgentID:  payload.AgentID,
		},
		Sender:     sender,
		SequenceID: sequenceID,
		Source:     frontend.SourceQueue,
	}

	select {
	case q.prompts <- prompt:
		_ = d.Ack(false)
	case <-ctx.Done():
		_ = d.Nack(false, true)
	}
}

// deadLetter sidelines a rejected payload with its reason. The original body
// is preserved byte for byte so operators can inspect it.
func (q *Frontend) deadLetter(ctx context.Context, pub publisher, d amqp.Delivery, outcome correlate.ParseOutcome) {
	q.logger.Warn("dead-lettering payload",
		"reason", string(outcome.Reason),
		"detail", outcome.Detail)

	err := pub.PublishWithContext(ctx, "", q.cfg.DeadLetterQueue, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		Headers: amqp.Table{
			"x-reject-reason": string(outcome.Reason),
			"x-reject-detail": outcome.Detail,
		},
	})
	if err != nil {
		q.logger.Error("failed to publish to dead-letter queue", "error", err)
	}
}
