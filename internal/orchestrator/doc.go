// Package orchestrator groups the merged prompt stream by conversation and
// runs agent executions.
//
// # Model
//
// Each conversation key gets a worker goroutine draining an unbounded FIFO
// mailbox, so at most one agent execution is in flight per conversation
// while prompts for different conversations run concurrently. Prompts for
// one key execute strictly in arrival order.
//
// # Execution windows
//
// One prompt opens one execution window: the agent's chunks stream out as
// reply fragments tagged with the prompt's source, and the window ends with
// either a synthetic final marker or a single error fragment. Session state
// persists after each successful window.
//
// # Control prompts
//
// Two prompt texts are handled by the orchestrator itself: /clear resets
// session state in band (in arrival order relative to queued prompts), and
// /cancel aborts the in-flight execution out of band. A cancelled window
// produces no final marker.
package orchestrator
