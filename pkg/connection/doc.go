// Package connection owns one real-time connection per user and runs its
// timeout state machine.
//
// States: connecting -> connected -> {degraded, graceful_shutdown} -> closed.
// A degraded connection returns to connected on the next heartbeat. While a
// connection is shutting down, outbound sends are preserved instead of written,
// and a recovery record is persisted before the connection reaches closed.
//
// Invariants:
// - Sends on one connection are written by a single goroutine, in order.
// - Timeout events carry strictly increasing sequence numbers and
//   non-decreasing timestamps.
// - A message accepted by Send is either written or preserved, never dropped.
// - A reconnecting user replays preserved messages before new traffic.
//
// Usage:
//
//	mgr, err := connection.NewManager(connection.Config{Repository: repo})
//	conn, err := mgr.Connect(ctx, userID, connection.NewWebSocketTransport(ws, nil))
//	res, err := mgr.Send(ctx, userID, payload)
package connection
