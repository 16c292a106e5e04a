// Package gateway orchestrates the switchboard server components.
//
// # Overview
//
// The gateway package is the central coordinator of the switchboard server.
// It owns and manages the major components: the configured frontends, the
// composite router, the conversation orchestrator, the SQLite store, and the
// HTTP server.
//
// # Pipeline
//
// Run wires one pipeline:
//
//	prompts := composite.ReadPrompts(ctx)   // merged from every frontend
//	fragments := engine.Run(ctx, prompts)   // grouped, executed per key
//	composite.Deliver(ctx, fragments)       // fanned back out by source
//
// Prompts from every enabled frontend merge into one stream, the
// orchestrator runs at most one agent execution per conversation, and reply
// fragments route back to the frontend they came from plus the universal
// viewer.
//
// # Lifecycle
//
// Run blocks until the context is canceled or the HTTP server fails. On
// shutdown the frontends stop first so the prompt stream closes, in-flight
// replies drain, then the HTTP server and store close.
//
// # Listeners
//
// The HTTP server listens on server.http_addr, or on a tsnet listener when
// Tailscale is enabled. Background maintenance includes an hourly prune of
// correlation records idle past the configured expiry.
package gateway
