// Package correlate maps stateless external requests onto stable
// conversations.
//
// External producers on the queue cannot hold conversation state; they send
// an opaque correlation token instead. Parse validates the raw payload with
// a fixed check order so rejection reasons are deterministic, and Mapper
// resolves (agent id, token) to a durable conversation key, creating the
// mapping on first sight and converging concurrent creators through the
// store's uniqueness constraint.
package correlate
