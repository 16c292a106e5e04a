// Package store provides persistent storage for switchboard using SQLite.
//
// # Data Models
//
//   - CorrelationRecord: maps an external correlation token to a stable
//     conversation, created once per (agent_id, token) pair
//   - Session state: opaque per-conversation agent state persisted across
//     restarts
//   - Reply: one delivered final reply, recorded for history queries
//
// # Concurrency
//
// The store is the only mutable state shared across frontends and restarts.
// The (agent_id, token) uniqueness constraint is the serialization point for
// concurrent correlation creation: losers of the race get
// ErrDuplicateCorrelation and re-read the winner's record.
//
// # Implementation
//
// SQLiteStore uses the pure-Go modernc.org/sqlite driver with WAL mode, so
// the binary builds without cgo.
package store
