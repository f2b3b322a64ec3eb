package robj

import (
	"encoding/gob"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jpillora/backoff"
)

// responseKind tags what a Listener sent back for a request.
type responseKind int

const (
	respOK responseKind = iota
	respSelf
	respError
)

// request is what a Proxy sends across its Channel to resolve a chain.
type request struct {
	Chain Chain
}

// response is what a Listener sends back.
type response struct {
	Kind  responseKind
	Value interface{}
	Err   *RemoteException
}

func init() {
	gob.Register(&request{})
	gob.Register(&response{})
}

// ProxyOptions configures a Proxy's builder/resolution behavior.
type ProxyOptions struct {
	// EagerProxy, when true (the default), causes a Call step that yields a
	// non-self value to resolve immediately to that value rather than
	// continuing as an unresolved proxy.
	EagerProxy bool

	// Timeout is stored with the options but is not applied: resolve waits on
	// Channel.Recv for the response with no time limit.
	Timeout time.Duration
}

// DefaultProxyOptions mirrors the Python source's defaults.
func DefaultProxyOptions() ProxyOptions {
	return ProxyOptions{EagerProxy: true}
}

// Proxy is a chainable, remote-object handle: attribute/call/item operations
// append to an internal Chain and either return a further Proxy (deferred) or
// resolve immediately (eager), per spec.md §4.F. Grounded on
// share/client.go's send-then-recv pattern, with the send lock drawn from
// share/shutdown_helper.go's pause/resume idiom (a send holds the lock for
// its entire request+response round trip, as spec.md §5 requires).
type Proxy struct {
	Logger

	channel  *Channel
	liveness LivenessFlag
	opts     ProxyOptions
	sendLock sync.Mutex

	chain Chain
}

// NewProxy wraps channel (talking to a Listener on root) with a fresh,
// empty chain.
func NewProxy(logger Logger, channel *Channel, liveness LivenessFlag, opts ProxyOptions) *Proxy {
	return &Proxy{Logger: logger, channel: channel, liveness: liveness, opts: opts}
}

// withChain returns a new Proxy sharing this one's channel/liveness/options
// but bound to chain — Proxy values are immutable handles, matching the
// Python source returning a fresh bound proxy per chained operation.
func (p *Proxy) withChain(chain Chain) *Proxy {
	return &Proxy{Logger: p.Logger, channel: p.channel, liveness: p.liveness, opts: p.opts, chain: chain}
}

// Attr appends GetAttr(name) and returns a further proxy (deferred read).
func (p *Proxy) Attr(name string) *Proxy {
	return p.withChain(p.chain.GetAttr(name))
}

// SetAttr appends SetAttr(name, value) and resolves immediately so write
// errors surface to the caller (spec.md's "immediate fire-and-forget-but-
// acknowledged request").
func (p *Proxy) SetAttr(name string, value interface{}) error {
	_, _, err := p.resolve(p.chain.SetAttr(name, value), nil)
	return err
}

// DelAttr appends DelAttr(name) and resolves immediately.
func (p *Proxy) DelAttr(name string) error {
	_, _, err := p.resolve(p.chain.DelAttr(name), nil)
	return err
}

// Call appends Call(args...). Under EagerProxy it resolves and returns the
// value directly, unless the result is SELF (in which case it stays a
// proxy); otherwise it returns a further unresolved proxy.
func (p *Proxy) Call(args ...interface{}) (*Proxy, interface{}, error) {
	chain := p.chain.Call(args...)
	if !p.opts.EagerProxy {
		return p.withChain(chain), nil, nil
	}
	val, isSelf, err := p.resolve(chain, nil)
	if err != nil {
		return nil, nil, err
	}
	if isSelf {
		return p.withChain(Chain{}), nil, nil
	}
	return nil, val, nil
}

// GetItem appends GetItem(key) and resolves eagerly.
func (p *Proxy) GetItem(key interface{}) (interface{}, error) {
	val, _, err := p.resolve(p.chain.GetItem(key), nil)
	return val, err
}

// SetItem appends SetItem(key, value) and resolves eagerly.
func (p *Proxy) SetItem(key, value interface{}) error {
	_, _, err := p.resolve(p.chain.SetItem(key, value), nil)
	return err
}

// DelItem appends DelItem(key) and resolves eagerly.
func (p *Proxy) DelItem(key interface{}) error {
	_, _, err := p.resolve(p.chain.DelItem(key), nil)
	return err
}

// PassTo resolves the chain's current value and applies fn to it locally.
// fn never crosses the channel — encoding/gob cannot encode a func value, so
// unlike the other terminal operations PassTo is not sent to the Listener as
// a chain step; only the already-resolved value is.
func (p *Proxy) PassTo(fn PassToFunc, extraArgs ...interface{}) (interface{}, error) {
	val, isSelf, err := p.resolve(p.chain, nil)
	if err != nil {
		return nil, err
	}
	var cur interface{}
	if isSelf {
		cur = p
	} else {
		cur = val
	}
	return fn(cur, extraArgs...)
}

// Super appends a Super step and returns a further chainable proxy.
func (p *Proxy) Super() *Proxy {
	return p.withChain(p.chain.Super())
}

// Get resolves the current chain and returns its value.
func (p *Proxy) Get() (interface{}, error) {
	val, isSelf, err := p.resolve(p.chain, nil)
	if err != nil {
		return nil, err
	}
	if isSelf {
		return p, nil
	}
	return val, nil
}

// GetDefault resolves the current chain, returning def instead of failing
// if the listener is not currently running.
func (p *Proxy) GetDefault(def interface{}) (interface{}, error) {
	val, isSelf, err := p.resolve(p.chain, &def)
	if err != nil {
		return nil, err
	}
	if isSelf {
		return p, nil
	}
	return val, nil
}

// Attrs resolves a dynamically named attribute, for names that collide with
// a terminal accessor's own name.
func (p *Proxy) Attrs(name string) (interface{}, error) {
	return p.Attr(name).Get()
}

// Listening reports whether the Listener's liveness flag is currently set.
func (p *Proxy) Listening() bool {
	return p.liveness.IsListening()
}

// waiter is the subset of Job a Proxy needs to detect "worker died without
// ever listening," avoiding an import cycle back onto the full Job type.
type waiter interface {
	IsDoneShutdown() bool
	WaitShutdown() error
}

// wakeableLiveness is implemented by LivenessFlags that can offer an early
// wake signal alongside their poll-based IsListening, e.g. the process-mode
// flag's fsnotify watch on its backing file.
type wakeableLiveness interface {
	wakeChan() <-chan fsnotify.Event
}

// WaitUntilListening spins (with growing backoff, per share/client.go's retry
// idiom) until the liveness flag is set, timeout elapses, or job (if
// non-nil) terminates without ever having listened. When the underlying
// LivenessFlag exposes a wakeableLiveness channel, each backoff wait is
// raced against it so a write wakes the loop early instead of only on the
// next timer tick; the poll on p.Listening() remains the ground truth
// either way, since the wake is best-effort and may not fire for every
// write.
func (p *Proxy) WaitUntilListening(job waiter, timeout time.Duration) error {
	b := &backoff.Backoff{Min: 200 * time.Microsecond, Max: 50 * time.Millisecond}
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	var wakeCh <-chan fsnotify.Event
	if w, ok := p.liveness.(wakeableLiveness); ok {
		wakeCh = w.wakeChan()
	}
	for {
		if p.Listening() {
			return nil
		}
		if job != nil && job.IsDoneShutdown() {
			return &WorkerExitedBeforeListenError{Err: job.WaitShutdown()}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return p.Errorf("timed out waiting for listener")
		}
		if wakeCh == nil {
			time.Sleep(b.Duration())
			continue
		}
		select {
		case _, ok := <-wakeCh:
			if !ok {
				wakeCh = nil
			}
		case <-time.After(b.Duration()):
		}
	}
}

// resolve sends chain and blocks for the response, honoring default (if
// non-nil) when the listener is not running, per spec.md §4.F's resolution
// protocol steps 1-6.
func (p *Proxy) resolve(chain Chain, def *interface{}) (value interface{}, isSelf bool, err error) {
	p.sendLock.Lock()
	defer p.sendLock.Unlock()

	if !p.liveness.IsListening() {
		if def != nil {
			return *def, false, nil
		}
		return nil, false, &ListenerNotRunningError{Op: "resolve"}
	}

	if err := p.channel.Send(&request{Chain: chain}); err != nil {
		return nil, false, err
	}

	msg, err := p.channel.Recv()
	if err != nil {
		return nil, false, err
	}
	resp, ok := msg.(*response)
	if !ok {
		return nil, false, p.Errorf("unexpected message on request channel: %T", msg)
	}
	switch resp.Kind {
	case respSelf:
		return nil, true, nil
	case respError:
		return nil, false, &RemoteExecutionError{Remote: resp.Err.Unwrap()}
	default:
		return resp.Value, false, nil
	}
}
