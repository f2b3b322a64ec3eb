package robj

import (
	"encoding/gob"
	"fmt"
	"time"
)

// Except extends LocalExcept with a Channel to a peer: the worker side's
// Set additionally serializes the record across the wire before (optionally)
// storing it locally, and every reader-side operation pulls from the channel
// first. Grounded on original_source/remoteobj/excs.py's RemoteExcepts.
type Except struct {
	*LocalExcept
	Logger

	channel     *Channel
	storeRemote bool
}

// NewExcept wraps channel with exception-capture semantics shared by both
// ends of a Job. storeRemote controls whether the sending side also keeps a
// local copy of what it sends (default true, matching excs.py).
func NewExcept(logger Logger, channel *Channel, storeRemote bool) *Except {
	return &Except{
		LocalExcept: NewLocalExcept(),
		Logger:      logger,
		channel:     channel,
		storeRemote: storeRemote,
	}
}

// Set sends err (wrapped as a RemoteException) across the channel first, and
// only then optionally stores it in the local group map. Ordering matters:
// a worker that crashes between the send and the local store must not lose
// the parent's copy (spec.md's "dueling workers" scenario).
func (x *Except) Set(err error, group string) {
	if sendErr := x.channel.Send(&exceptRecord{Err: NewRemoteException(err), Group: group}); sendErr != nil {
		x.WLogf("failed to send exception record: %s", sendErr)
	}
	if x.storeRemote {
		x.LocalExcept.Set(err, group)
	}
}

// exceptRecord is the wire message an Except.Set sends across its Channel.
type exceptRecord struct {
	Err   *RemoteException
	Group string
}

func init() {
	gob.Register(&exceptRecord{})
}

// Pull drains the channel while Poll reports data available, feeding each
// record into the inherited LocalExcept.Set. Channel-closed errors are
// tolerated silently (logged at debug), since a broken channel simply means
// no more records will ever arrive.
func (x *Except) Pull() {
	for x.channel.Poll() {
		msg, err := x.channel.Recv()
		if err != nil {
			if _, closed := err.(*ChannelClosedError); closed {
				x.DLogf("exception channel closed during pull: %s", err)
				return
			}
			x.WLogf("error pulling exception record: %s", err)
			return
		}
		rec, ok := msg.(*exceptRecord)
		if !ok {
			x.WLogf("unexpected message on exception channel: %T", msg)
			continue
		}
		x.LocalExcept.Set(rec.Err.Unwrap(), rec.Group)
	}
}

// Get pulls pending records before delegating to LocalExcept.Get.
func (x *Except) Get(group string) error {
	x.Pull()
	return x.LocalExcept.Get(group)
}

// Latest pulls pending records before delegating to LocalExcept.Latest.
func (x *Except) Latest() error {
	x.Pull()
	return x.LocalExcept.Latest()
}

// Group pulls pending records before delegating to LocalExcept.Group.
func (x *Except) Group(group string) []error {
	x.Pull()
	return x.LocalExcept.Group(group)
}

// All pulls pending records before delegating to LocalExcept.All.
func (x *Except) All() []error {
	x.Pull()
	return x.LocalExcept.All()
}

// RaiseAny pulls pending records before delegating to LocalExcept.RaiseAny.
func (x *Except) RaiseAny(group string) error {
	x.Pull()
	return x.LocalExcept.RaiseAny(group)
}

// GetResult pulls pending records before building a result, since
// RETURN/YIELD/YIELD_RETURN share the same channel and group map as ordinary
// exceptions (an explicitly flagged design wart, not a redesign). Unlike
// LocalExcept.GetResult, the returned ResultSeq re-pulls the channel before
// every poll, so values the worker yields after this call continue to reach
// Next instead of only ever seeing whatever had already arrived by now.
func (x *Except) GetResult(pollInterval time.Duration) (interface{}, *ResultSeq) {
	x.Pull()
	return x.LocalExcept.buildResult(pollInterval, x.Pull)
}

// SetResult overrides LocalExcept.SetResult so a worker's returned or yielded
// values cross the channel exactly like Set does, reaching the reader side
// the same way a captured exception would. Like LocalExcept.SetResult,
// draining a yield stream blocks until it closes, so the worker (and the Job
// supervising it) stays alive for exactly as long as it is still producing.
func (x *Except) SetResult(v interface{}) {
	if ch, ok := unboundedSeq(v); ok {
		for item := range ch {
			x.Set(resultValue{item}, groupYield)
		}
		x.Set(resultValue{nil}, groupYieldReturn)
		return
	}
	x.Set(resultValue{v}, groupReturn)
}

// Wrap overrides LocalExcept.Wrap: it runs fn, sends any top-level error or
// panic across the channel under the "default" group, and sends the return
// (or yield stream) via SetResult — both via Except.Set, so a worker's whole
// outcome reaches the parent the same way excs.py's wrap(result=True) reaches
// a RemoteExcepts reader, instead of staying captured in the worker's own
// local groups the way embedding LocalExcept.Wrap unmodified would.
func (x *Except) Wrap(fn func() (interface{}, error)) func() {
	return func() {
		val, err := runCaptured(fn)
		if err != nil {
			x.Set(err, "default")
		}
		x.SetResult(val)
	}
}

// runCaptured invokes fn, turning a panic into an error exactly like
// Scope.RunValue does.
func runCaptured(fn func() (interface{}, error)) (val interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(error); ok {
				err = perr
			} else {
				err = fmt.Errorf("%v", r)
			}
		}
	}()
	val, err = fn()
	return val, err
}
