package robj

import (
	"sync"
	"time"
)

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	// FulfillFinal, when true (the default), services one last already-
	// received request on exit even if shutdown has begun.
	FulfillFinal bool

	// PollInterval is how long RunCooperative (and so the background Listen
	// loop built on it) sleeps after a Poll that found no request waiting.
	PollInterval time.Duration
}

// DefaultListenerOptions mirrors spec.md's fulfill_final=true default.
func DefaultListenerOptions() ListenerOptions {
	return ListenerOptions{FulfillFinal: true, PollInterval: time.Millisecond}
}

// Listener executes Chains sent by a Proxy against a root object, over a
// Channel, composing a cooperative Poll and a background Listen loop from the
// same kernel (spec.md §4.G). Grounded on share/client.go's recv loop; the
// background variant is a goroutine with its own stop/done channels rather
// than an embedded lifecycle.
type Listener struct {
	Logger

	channel  *Channel
	liveness LivenessFlag
	root     interface{}
	opts     ListenerOptions

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewListener binds channel and liveness to root, the object Chains execute
// against.
func NewListener(logger Logger, channel *Channel, liveness LivenessFlag, root interface{}, opts ListenerOptions) *Listener {
	return &Listener{Logger: logger, channel: channel, liveness: liveness, root: root, opts: opts}
}

// Poll services at most one pending request and reports whether one was
// serviced. It does not touch the liveness flag by itself — per spec.md's
// cooperative-poll flavour, the *caller's own loop* is the scope that marks
// listening=true on entry and listening=false on exit, via RunCooperative.
func (l *Listener) Poll() bool {
	if !l.channel.Poll() {
		return false
	}
	l.serviceOne()
	return true
}

// RunCooperative sets the liveness flag, repeatedly calls Poll (sleeping
// PollInterval between idle polls) until stop is closed, then clears the
// flag. This is the scope spec.md describes wrapping the worker's own poll
// loop.
func (l *Listener) RunCooperative(stop <-chan struct{}) {
	l.liveness.SetListening(true)
	defer l.liveness.SetListening(false)
	for {
		select {
		case <-stop:
			if l.opts.FulfillFinal {
				l.Poll()
			}
			return
		default:
		}
		if !l.Poll() {
			time.Sleep(l.opts.PollInterval)
		}
	}
}

// serviceOne receives one request, executes its chain against root, and
// sends the response.
func (l *Listener) serviceOne() {
	msg, err := l.channel.Recv()
	if err != nil {
		l.DLogf("listener recv error: %s", err)
		return
	}
	req, ok := msg.(*request)
	if !ok {
		l.WLogf("unexpected message on request channel: %T", msg)
		return
	}

	val, isSelf, execErr := execChain(l.root, req.Chain)
	var resp *response
	switch {
	case execErr != nil:
		resp = &response{Kind: respError, Err: NewRemoteException(execErr)}
	case isSelf:
		resp = &response{Kind: respSelf}
	default:
		resp = &response{Kind: respOK, Value: val}
	}
	if sendErr := l.channel.Send(resp); sendErr != nil {
		l.DLogf("listener send error: %s", sendErr)
	}
}

// Listen runs the background variant: RunCooperative's poll loop on a
// dedicated goroutine until Stop is called. Entering sets the liveness flag;
// Stop waits for the loop to drain and clear it, honoring FulfillFinal.
func (l *Listener) Listen() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	go func() {
		defer close(l.doneCh)
		l.RunCooperative(l.stopCh)
	}()
}

// Stop signals the background Listen loop to exit and waits for it to drain.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	stopCh, doneCh := l.stopCh, l.doneCh
	l.running = false
	l.mu.Unlock()

	close(stopCh)
	<-doneCh
}
