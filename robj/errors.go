package robj

import (
	"fmt"
	"runtime"
)

// ChannelClosedError indicates a Channel's transport broke mid-exchange.
type ChannelClosedError struct {
	Cause error
}

func (e *ChannelClosedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("channel closed: %s", e.Cause)
	}
	return "channel closed"
}

func (e *ChannelClosedError) Unwrap() error { return e.Cause }

// ListenerNotRunningError indicates a Proxy operation was attempted while the
// target Listener's liveness flag was not set, and no default was supplied.
type ListenerNotRunningError struct {
	Op string
}

func (e *ListenerNotRunningError) Error() string {
	return fmt.Sprintf("remoteobj: listener not running for operation %q", e.Op)
}

// WorkerExitedBeforeListenError indicates wait_until_listening observed the
// worker process/goroutine exit without ever having set the liveness flag.
type WorkerExitedBeforeListenError struct {
	Name string
	Err  error
}

func (e *WorkerExitedBeforeListenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remoteobj: worker %q exited before listening: %s", e.Name, e.Err)
	}
	return fmt.Sprintf("remoteobj: worker %q exited before listening", e.Name)
}

func (e *WorkerExitedBeforeListenError) Unwrap() error { return e.Err }

// BadTargetError indicates a Job was handed a non-callable, an unregistered
// worker name for process mode, or a Chain step that cannot apply (e.g. Super
// against a root without a SuperView).
type BadTargetError struct {
	Reason string
}

func (e *BadTargetError) Error() string {
	return "remoteobj: " + e.Reason
}

// RemoteExecutionError is raised by a Proxy caller when the chain it sent
// failed while executing against the root object on the Listener side. Its
// Unwrap returns the *RemoteError carrying the original error's message,
// type name and traceback.
type RemoteExecutionError struct {
	Remote *RemoteError
}

func (e *RemoteExecutionError) Error() string {
	return e.Remote.Error()
}

func (e *RemoteExecutionError) Unwrap() error { return e.Remote }

// tracedErr carries a stack trace captured at the point an error was first
// produced, so a RemoteException can report where a chain step actually
// failed instead of where the generic wire-wrapping call happens to sit —
// by the time an error has bubbled up several call frames the frame that
// produced it is already gone from the Go stack, so the capture has to
// happen right where the failure occurs.
type tracedErr struct {
	error
	op    string
	stack string
}

func (t *tracedErr) Unwrap() error { return t.error }

// newTracedErr wraps err with a stack snapshot taken right now, tagged with
// op (the attribute/method name that was being applied, e.g. a chain step's
// target), so the formatted trace names what failed even when the failing
// call itself returned normally rather than panicking.
func newTracedErr(op string, err error) error {
	if err == nil {
		return nil
	}
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, false)
	return &tracedErr{error: err, op: op, stack: fmt.Sprintf("in %s:\n%s", op, buf[:n])}
}
