// Package dispatch delivers lifecycle events from engines to the owning
// user's connection.
//
// Every event is addressed by the user ID of the engine that emitted it. The
// dispatcher refuses an event whose owner differs from the target user, checks
// the per-run ordering rule, wraps the event in a sequenced envelope and hands
// it to the connection manager. When the connection's outbound queue stays
// full past its queue-wait timeout, or the user has no open connection, the
// envelope is preserved for replay on reconnect instead of dropped.
//
// Invariants:
// - Deliveries for one user are serialized; envelope seq increases by one per
//   accepted event.
// - An event for user A is never handed to user B's connection.
// - A rejected event changes no state, so the next valid event succeeds.
//
// Usage:
//
//	d, err := dispatch.New(dispatch.Config{Connections: mgr})
//	factory, err := engine.NewFactory(engine.Config{Bridge: d})
package dispatch
