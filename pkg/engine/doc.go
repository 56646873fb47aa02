// Package engine creates, tracks and tears down one execution engine per
// validated request.
//
// Invariants:
// - Every engine is keyed by its context's request ID; duplicates are rejected.
// - IsActive reports false as soon as cleanup starts, and Emit fails afterwards.
// - Cleaning up one engine never touches another user's engines.
// - A rejected creation leaves the registry and counters unchanged.
//
// Usage:
//
//	factory, err := engine.NewFactory(engine.Config{Bridge: dispatcher})
//	eng, err := factory.CreateForUser(ctx, ec)
//	defer factory.CleanupEngine(ctx, eng)
//	_, err = eng.Emit(ctx, lifecycle.KindStarted, nil)
package engine
