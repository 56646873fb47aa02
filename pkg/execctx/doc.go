// Package execctx defines the immutable per-request execution context and the
// validation rules applied before anything is registered for it.
//
// Invariants:
// - An ExecutionContext is never mutated after construction.
// - Derived contexts are new values that reference the parent's request ID.
// - Validation is pure and reports field names, never metadata values.
//
// Usage:
//
//	ec, err := execctx.New(execctx.Params{
//		UserID:    "user-42",
//		ThreadID:  "thread-1",
//		RunID:     execctx.NewRunID(),
//		RequestID: execctx.NewRequestID(),
//	})
//	child, err := ec.Child("tool_call", nil)
package execctx
