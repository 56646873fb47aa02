// Package recovery persists per-user recovery records to a TTL-bounded
// key-value store so a reconnecting client can replay undelivered messages.
//
// Invariants:
// - Records are keyed by user ID and by connection ID; writes are idempotent.
// - Records expire through the store's TTL and are never deleted on reconnect.
// - Preserved messages carry stable IDs; appending the same message twice is a no-op.
//
// Backends: MemoryStore (tests, single process), SQLiteStore (local durable
// cache) and NATSStore (JetStream key-value, shared across instances).
package recovery
