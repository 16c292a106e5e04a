// ABOUTME: Frontend contract every transport implements
// ABOUTME: Prompts flow out through ReadPrompts, replies flow back in through Deliver

package frontend

import (
	"context"
	"errors"
)

// ErrUnknownSource is returned when an operation is requested for a source
// that has no registered frontend. This is a configuration error, never a
// silent no-op.
var ErrUnknownSource = errors.New("no frontend registered for source")

// ConversationRequest asks a frontend to resolve or create a conversation.
// ChatID and ThreadID of zero mean "assign one".
type ConversationRequest struct {
	Source   Source
	ChatID   int64
	ThreadID int64
	AgentID  string
	Title    string
}

// Frontend is the contract every transport implements. A frontend owns one
// wire protocol: it knows how to read prompts from and deliver replies to its
// own transport, and nothing else.
//
// Failure semantics: a frontend that cannot deliver must contain the error
// itself (bounded retry, then log and drop). It must never return an error
// that would abort delivery to other frontends sharing the reply stream.
type Frontend interface {
	// Source returns the fixed identity of this frontend.
	Source() Source

	// ReadPrompts returns the frontend's prompt stream. The stream is
	// infinite: an idle frontend simply yields nothing. The channel is
	// closed when the frontend shuts down.
	ReadPrompts(ctx context.Context) <-chan Prompt

	// Deliver consumes reply fragments until the channel closes or ctx is
	// cancelled. A single undeliverable fragment is logged and skipped,
	// never returned as an error.
	Deliver(ctx context.Context, replies <-chan ReplyFragment) error

	// ResolveOrCreateConversation maps frontend-local identifiers to a
	// ConversationKey. Idempotent: repeated calls with the same request
	// converge on the same key.
	ResolveOrCreateConversation(ctx context.Context, req ConversationRequest) (ConversationKey, error)
}

// SessionStarter is an optional capability for frontends that can open an
// unsolicited (background or scheduled) session toward their users. Frontends
// that only react to inbound traffic do not implement it.
type SessionStarter interface {
	StartSession(ctx context.Context, key ConversationKey, title string) error
}
