package robj

import (
	"encoding/gob"
	"errors"
	"fmt"
	"runtime"
)

// RemoteError is what a caller actually sees after a RemoteException crosses
// a Channel and is unwrapped. It preserves the original error's string form
// and exposes the formatted remote stack as Cause, which is also reachable
// through errors.Unwrap (Go has no __cause__, so Cause is the explicit
// fallback spec.md §9 calls for).
type RemoteError struct {
	// OriginalType is the Go type name of the error that was caught remotely,
	// e.g. "*errors.errorString" or "*mypkg.NotFoundError".
	OriginalType string

	// Message is the original error's Error() string.
	Message string

	// Cause is a formatted remote stack trace string, standing in for
	// Python's traceback.format_exception output.
	Cause string

	// original is the original error value. It is only non-nil on the side
	// that caught the error in the first place: encoding/gob only carries
	// exported fields, and most error values (errors.New, fmt.Errorf) are not
	// gob-encodable, so it never survives the wire. The remote side always
	// sees nil here and relies on Message/Cause instead.
	original error
}

func (e *RemoteError) Error() string { return e.Message }

// Unwrap exposes Cause through errors.Is/errors.As style chains, falling
// back to the original local error when this RemoteError never left its
// originating process.
func (e *RemoteError) Unwrap() error {
	if e.original != nil {
		return e.original
	}
	return remoteTraceback(e.Cause)
}

type remoteTraceback string

func (t remoteTraceback) Error() string { return string(t) }

// RemoteException is the wire-transport wrapper for an error value crossing a
// Channel, preserving a formatted stack so the far side can reconstruct a
// RemoteError carrying both the message and the trace. Grounded on
// excs.py's RemoteException/_RemoteTraceback/_rebuild_exc: there, pickling an
// exception preserves the live object plus a synthesized __cause__; here,
// only the exported (message, type, trace) fields survive gob, and the
// original error value is kept for local use only.
type RemoteException struct {
	OriginalType string
	Message      string
	Trace        string

	original error
}

func init() {
	gob.Register(&RemoteException{})
}

// NewRemoteException captures err into a transport-safe wrapper, along with a
// stack trace. If err carries a tracedErr (e.g. from a chain step that just
// failed), that trace — captured at the actual point of failure — is used;
// otherwise the caller's current stack is captured here instead, the closest
// Go analogue of a live Python traceback available at this generic wrap site.
func NewRemoteException(err error) *RemoteException {
	reportErr := err
	var trace string
	var t *tracedErr
	if errors.As(err, &t) {
		reportErr = t.error
		trace = t.stack
	} else {
		buf := make([]byte, 1<<16)
		n := runtime.Stack(buf, false)
		trace = string(buf[:n])
	}
	return &RemoteException{
		OriginalType: fmt.Sprintf("%T", reportErr),
		Message:      err.Error(),
		Trace:        fmt.Sprintf("\n\"\"\"\n%s\"\"\"", trace),
		original:     err,
	}
}

// Unwrap reconstitutes the RemoteError that will be re-raised to a Proxy
// caller or stored by an Except reader.
func (r *RemoteException) Unwrap() *RemoteError {
	return &RemoteError{
		OriginalType: r.OriginalType,
		Message:      r.Message,
		Cause:        r.Trace,
		original:     r.original,
	}
}
