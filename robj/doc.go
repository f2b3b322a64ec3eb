// Package robj implements transparent cross-process method invocation on a
// shared logical object: a caller holds a Proxy that looks and behaves like
// the object owned by a Listener in another process (or goroutine), and
// every attribute access, call, or item operation is forwarded over a
// Channel, executed against the real object, and returned.
//
// A Job supervises the worker side of this relationship, wiring an Except
// instance (cross-process exception capture, grounded on
// original_source/remoteobj/excs.py) around whatever function the worker
// runs, and surfacing its return value, yielded values, and captured
// exceptions back to the parent.
package robj
