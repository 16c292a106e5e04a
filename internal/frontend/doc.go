// Package frontend defines the surface every message source implements and
// the composite router that merges them into one system.
//
// # Architecture
//
// A Frontend is one way to reach the agent: the web UI, the AMQP queue, the
// Matrix bot, or the local console. Every frontend produces prompts and
// consumes reply fragments:
//
//   - ReadPrompts: stream of inbound prompts, each tagged with its Source
//   - Deliver: consumes the reply fragment stream routed to this frontend
//   - ResolveOrCreateConversation: maps a request to a stable conversation key
//
// The Composite implements the same interface over a set of frontends. Its
// ReadPrompts merges every frontend's prompts into one stream; its Deliver
// fans each fragment out to the frontend it originated from plus the
// universal viewer, so the web UI sees all traffic regardless of where it
// entered.
//
// # Routing
//
// Fragments carry their own Source, stamped by the orchestrator from the
// prompt that opened the execution window. Routing reads only the fragment,
// never shared mutable state, so concurrent conversations cannot misroute
// each other's replies.
//
// # Conversation identity
//
// ConversationKey (ChatID, ThreadID, AgentID) is the unit of conversation
// state, ordering and session memory everywhere in the system.
package frontend
