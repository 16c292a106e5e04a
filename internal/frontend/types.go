// ABOUTME: Core message types shared by all frontends and the orchestrator
// ABOUTME: Defines Source, ConversationKey, Prompt, and ReplyFragment

package frontend

// Source identifies the frontend a prompt entered through and the frontend(s)
// a reply fragment must be delivered to. The set is closed: adding a frontend
// means adding a constant here.
type Source string

const (
	// SourceWebUI is the interactive web surface.
	SourceWebUI Source = "webui"

	// SourceQueue is the external AMQP integration.
	SourceQueue Source = "queue"

	// SourceMatrix is the Matrix bot frontend.
	SourceMatrix Source = "matrix"

	// SourceConsole is the local interactive console.
	SourceConsole Source = "console"
)

// UniversalViewer is the one source that receives every reply fragment
// regardless of where the originating prompt came from. This is a fixed
// policy, not configuration: the web surface is the operator's window into
// all conversations.
const UniversalViewer = SourceWebUI

// Valid reports whether s is one of the known frontend sources.
func (s Source) Valid() bool {
	switch s {
	case SourceWebUI, SourceQueue, SourceMatrix, SourceConsole:
		return true
	}
	return false
}

// ConversationKey identifies one logical conversation. It is a value type
// with structural equality and is never mutated after creation.
type ConversationKey struct {
	ChatID   int64
	ThreadID int64
	AgentID  string
}

// Prompt is one inbound message. It carries its own Source so downstream
// routing never needs a side lookup.
type Prompt struct {
	Text       string
	Key        ConversationKey
	Sender     string
	SequenceID string
	Source     Source
}

// ReplyFragment is one unit of agent output: an incremental content chunk,
// a final completion marker, or an error marker. Its Source equals the Source
// of the prompt that opened the execution window producing it; that single
// field, not any shared table, decides which frontends receive it.
type ReplyFragment struct {
	Key     ConversationKey
	Source  Source
	Payload string
	IsFinal bool

	// Error is set when the execution window ended with an agent failure.
	// An error fragment is never also final: a window ends with exactly one
	// of a final marker or an error fragment.
	Error string
}

// IsError reports whether the fragment marks a failed execution window.
func (f ReplyFragment) IsError() bool {
	return f.Error != ""
}
