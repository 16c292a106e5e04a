// ABOUTME: Store interface and data types for switchboard persistence
// ABOUTME: Correlation records, session state, and the delivered-reply ledger

package store

import (
	"context"
	"errors"
	"time"

	"github.com/hearthward/switchboard/internal/frontend"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateCorrelation is returned when creating a correlation record
// whose (agent_id, token) pair already exists. Callers treat this as "lost
// the creation race" and re-read.
var ErrDuplicateCorrelation = errors.New("correlation record already exists")

// CorrelationRecord maps an external correlation token to a stable
// conversation. Created once per new (agentID, token) pair, looked up and
// never mutated on repeats, so restarts and repeated tokens converge on the
// same conversation.
type CorrelationRecord struct {
	AgentID    string
	Token      string
	ChatID     int64
	ThreadID   int64
	TopicID    int64
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// Reply is one delivered final reply, recorded for history queries.
type Reply struct {
	ID        string
	Key       frontend.ConversationKey
	Source    frontend.Source
	Body      string
	IsError   bool
	CreatedAt time.Time
}

// Store is the durable state shared across process restarts. It is the only
// mutable state crossing process boundaries; its get/set primitives are the
// serialization point, so callers need no cross-key locking.
type Store interface {
	// Correlation records. The composite (agent_id, token) key is unique.
	CreateCorrelation(ctx context.Context, rec *CorrelationRecord) error
	GetCorrelation(ctx context.Context, agentID, token string) (*CorrelationRecord, error)
	GetCorrelationByConversation(ctx context.Context, key frontend.ConversationKey) (*CorrelationRecord, error)
	TouchCorrelation(ctx context.Context, agentID, token string, seenAt time.Time) error
	PruneCorrelations(ctx context.Context, idleSince time.Time) (int64, error)

	// Opaque agent session state, keyed by conversation.
	SaveSessionState(ctx context.Context, key frontend.ConversationKey, state []byte) error
	GetSessionState(ctx context.Context, key frontend.ConversationKey) ([]byte, error)

	// Delivered-reply ledger.
	SaveReply(ctx context.Context, reply *Reply) error
	ListReplies(ctx context.Context, key frontend.ConversationKey, limit int) ([]*Reply, error)

	Close() error
}
