// ABOUTME: Maps external correlation tokens to stable conversations
// ABOUTME: Durable, race-safe get-or-create keyed by (agentID, token)

package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hearthward/switchboard/internal/store"
)

// MappingStore is what the mapper needs from storage.
type MappingStore interface {
	CreateCorrelation(ctx context.Context, rec *store.CorrelationRecord) error
	GetCorrelation(ctx context.Context, agentID, token string) (*store.CorrelationRecord, error)
	TouchCorrelation(ctx context.Context, agentID, token string, seenAt time.Time) error
}

// Mapper resolves correlation tokens to conversations. The durable store is
// the serialization point: concurrent first-sightings of the same token race
// on the store's unique key and converge on one record.
type Mapper struct {
	store  MappingStore
	logger *slog.Logger
}

// NewMapper creates a Mapper. Pass nil logger for the default.
func NewMapper(s MappingStore, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{
		store:  s,
		logger: logger.With("component", "correlate"),
	}
}

// GetOrCreateMapping returns the conversation mapped to (token, agentID),
// creating and persisting a fresh one on first sight. isNew reports whether
// this call created the mapping. The same token under a different agent id
// maps to a different conversation: the composite key includes the agent.
func (m *Mapper) GetOrCreateMapping(ctx context.Context, token, agentID string) (*store.CorrelationRecord, bool, error) {
	if token == "" {
		return nil, false, fmt.Errorf("correlation token is required")
	}
	if agentID == "" {
		return nil, false, fmt.Errorf("agent id is required")
	}

	rec, err := m.store.GetCorrelation(ctx, agentID, token)
	if err == nil {
		m.touch(agentID, token)
		return rec, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("looking up correlation: %w", err)
	}

	now := time.Now()
	rec = &store.CorrelationRecord{
		AgentID:    agentID,
		Token:      token,
		ChatID:     newConversationID(),
		ThreadID:   newConversationID(),
		TopicID:    newConversationID(),
		CreatedAt:  now,
		LastSeenAt: now,
	}

	err = m.store.CreateCorrelation(ctx, rec)
	if err == nil {
		m.logger.Info("correlation mapping created",
			"agent_id", agentID,
			"chat_id", rec.ChatID,
			"thread_id", rec.ThreadID)
		return rec, true, nil
	}

	// Lost the creation race: another producer persisted the same token
	// between our lookup and insert. Their record wins.
	if errors.Is(err, store.ErrDuplicateCorrelation) {
		existing, lookupErr := m.store.GetCorrelation(ctx, agentID, token)
		if lookupErr != nil {
			return nil, false, fmt.Errorf("re-reading correlation after race: %w", lookupErr)
		}
		m.logger.Debug("correlation creation raced, using existing record",
			"agent_id", agentID,
			"chat_id", existing.ChatID)
		return existing, false, nil
	}

	return nil, false, fmt.Errorf("creating correlation: %w", err)
}

// touch updates last-seen with its own short deadline so a slow store write
// never delays prompt handling.
func (m *Mapper) touch(agentID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.TouchCorrelation(ctx, agentID, token, time.Now()); err != nil {
		m.logger.Debug("failed to touch correlation record",
			"error", err,
			"agent_id", agentID)
	}
}

// newConversationID synthesizes a positive identifier for a fresh
// conversation. Uniqueness is probabilistic; the persisted record is what
// makes repeats converge.
func newConversationID() int64 {
	return rand.Int64N(1<<62) + 1
}
