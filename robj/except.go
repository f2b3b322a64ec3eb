package robj

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Reserved group names shared with real exception groups, per the Python
// source's use of sentinel group names on the same dict as user groups.
const (
	groupReturn      = "RETURN"
	groupYield       = "YIELD"
	groupYieldReturn = "YIELD_RETURN"
)

// record is one entry recorded into a LocalExcept group.
type record struct {
	err   error
	group string
}

// taggedErr marks an error as already recorded by a named scope, so an outer
// catch_once scope can see the tag (via errors.As) and skip re-recording it.
// This is the literal mechanism behind nested catch_once coordination.
type taggedErr struct {
	error
	caughtBy string
}

func (t *taggedErr) Unwrap() error { return t.error }

func taggedBy(err error) (string, bool) {
	var t *taggedErr
	if errors.As(err, &t) {
		return t.caughtBy, true
	}
	return "", false
}

// ScopeOptions configures a single use of LocalExcept.Scope.
type ScopeOptions struct {
	// Name groups the exception under; empty string uses "default".
	Name string

	// Types restricts which errors this scope records; nil means any error.
	// An error matches if any of these caller-supplied predicates returns
	// true for it (Go has no tuple-of-exception-classes test).
	Types []func(error) bool

	// Raises controls whether the scope lets the error keep propagating
	// after recording it. Defaults to true.
	Raises bool

	// CatchOnce marks the error as claimed so enclosing scopes skip it.
	// Defaults to true.
	CatchOnce bool

	raisesSet    bool
	catchOnceSet bool
}

func (o ScopeOptions) withDefaults() ScopeOptions {
	if !o.raisesSet {
		o.Raises = true
	}
	if !o.catchOnceSet {
		o.CatchOnce = true
	}
	// excs.py: raises = raises or not catch_once. A non-catch_once scope
	// always keeps propagating regardless of its own Raises setting; this
	// coupling is not user-overridable.
	o.Raises = o.Raises || !o.CatchOnce
	return o
}

// NewScopeOptions builds ScopeOptions with raises/catchOnce explicitly set,
// the two fields whose zero value ("false") must be distinguished from "not
// specified" to apply LocalExcept's true defaults.
func NewScopeOptions(name string, raises, catchOnce bool) ScopeOptions {
	return ScopeOptions{Name: name, Raises: raises, CatchOnce: catchOnce, raisesSet: true, catchOnceSet: true}
}

func (o ScopeOptions) groupName() string {
	if o.Name == "" {
		return "default"
	}
	return o.Name
}

func (o ScopeOptions) matches(err error) bool {
	if len(o.Types) == 0 {
		return true
	}
	for _, pred := range o.Types {
		if pred(err) {
			return true
		}
	}
	return false
}

// LocalExcept is an in-process exception-capture facility: groups of caught
// errors, retrievable by name or as a flattened, insertion-ordered list.
// Grounded on original_source/remoteobj/excs.py's Excepts class.
type LocalExcept struct {
	mu     sync.Mutex
	groups map[string][]error
	order  []record
}

// NewLocalExcept creates an empty exception collector.
func NewLocalExcept() *LocalExcept {
	return &LocalExcept{groups: make(map[string][]error)}
}

// Scope is a single protected-block use, produced by LocalExcept.NewScope.
type Scope struct {
	owner *LocalExcept
	opts  ScopeOptions
}

// NewScope returns a scope object that overrides LocalExcept's defaults for
// this use. Passing the zero ScopeOptions{} uses raises=true, catch_once=true.
func (e *LocalExcept) NewScope(opts ScopeOptions) *Scope {
	return &Scope{owner: e, opts: opts.withDefaults()}
}

// Run executes fn inside the scope, recording any error it returns or any
// panic it raises (treated the same as a returned error, since Go panics
// during normal operation are the closest analogue to Python's
// programming-error-shaped exceptions). If the scope's Raises is true the
// error is returned to the caller after recording; otherwise Run returns nil.
func (s *Scope) Run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(error); ok {
				err = perr
			} else {
				err = fmt.Errorf("%v", r)
			}
		}
		if err == nil {
			return
		}
		recorded := s.owner.record(err, s.opts)
		if s.opts.Raises {
			err = recorded
		} else {
			err = nil
		}
	}()
	err = fn()
	return err
}

// RunValue is Run's variant for a function that also produces a value,
// mirroring excs.py's wrap() capturing both outcome and exception.
func (s *Scope) RunValue(fn func() (interface{}, error)) (val interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(error); ok {
				err = perr
			} else {
				err = fmt.Errorf("%v", r)
			}
		}
		if err == nil {
			return
		}
		recorded := s.owner.record(err, s.opts)
		if s.opts.Raises {
			err = recorded
		} else {
			err = nil
		}
	}()
	val, err = fn()
	return val, err
}

// record implements LocalExcept step 2-5 of the scope-exit algorithm.
func (e *LocalExcept) record(err error, opts ScopeOptions) error {
	if !opts.matches(err) {
		return err
	}
	if opts.CatchOnce {
		if _, already := taggedBy(err); already {
			return err
		}
	}
	group := opts.groupName()
	tagged := &taggedErr{error: err, caughtBy: group}

	e.mu.Lock()
	e.groups[group] = append(e.groups[group], tagged)
	e.order = append(e.order, record{err: tagged, group: group})
	e.mu.Unlock()

	return tagged
}

// Set directly inserts err under group, used by Except's receive-side pull.
func (e *LocalExcept) Set(err error, group string) {
	if group == "" {
		group = "default"
	}
	e.mu.Lock()
	e.groups[group] = append(e.groups[group], err)
	e.order = append(e.order, record{err: err, group: group})
	e.mu.Unlock()
}

// Get returns the latest error recorded under group, or the latest error
// across all groups if group is "".
func (e *LocalExcept) Get(group string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if group == "" {
		if len(e.order) == 0 {
			return nil
		}
		return e.order[len(e.order)-1].err
	}
	errs := e.groups[group]
	if len(errs) == 0 {
		return nil
	}
	return errs[len(errs)-1]
}

// Latest returns the single latest error across all groups, or nil.
func (e *LocalExcept) Latest() error { return e.Get("") }

// Group returns all errors recorded under group, in insertion order.
func (e *LocalExcept) Group(group string) []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]error, len(e.groups[group]))
	copy(out, e.groups[group])
	return out
}

// All returns every recorded error, flattened across groups, insertion order.
func (e *LocalExcept) All() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]error, len(e.order))
	for i, r := range e.order {
		out[i] = r.err
	}
	return out
}

// RaiseAny returns the latest error matching group (or overall if group is
// ""), or nil if none is recorded. Named RaiseAny (not Raise) since Go has no
// implicit raise; callers do `if err := exc.RaiseAny(""); err != nil { return err }`.
func (e *LocalExcept) RaiseAny(group string) error {
	return e.Get(group)
}

// Clear resets all recorded state.
func (e *LocalExcept) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.groups = make(map[string][]error)
	e.order = nil
}

// Wrap returns a function that, when invoked, runs fn inside a raises=false
// scope and also captures fn's return value (or yielded values) via
// SetResult, mirroring excs.py's wrap(result=True).
func (e *LocalExcept) Wrap(fn func() (interface{}, error)) func() {
	scope := e.NewScope(ScopeOptions{Name: "", Raises: false, CatchOnce: true, raisesSet: true, catchOnceSet: true})
	return func() {
		val, _ := scope.RunValue(fn)
		e.SetResult(val)
	}
}

// resultValue adapts an arbitrary value to error so RETURN/YIELD/YIELD_RETURN
// entries can live in the same group map as real exceptions, exactly as
// excs.py stores results and exceptions in the same dict.
type resultValue struct{ v interface{} }

func (r resultValue) Error() string { return fmt.Sprintf("%v", r.v) }

// unboundedSeq reports whether v should be streamed as YIELD entries rather
// than stored as a single RETURN value: a receive channel is this package's
// stand-in for "an iterable with no fixed length" (Go has no generic iterator
// protocol over arbitrary types).
func unboundedSeq(v interface{}) (<-chan interface{}, bool) {
	switch ch := v.(type) {
	case <-chan interface{}:
		return ch, true
	case chan interface{}:
		return ch, true
	default:
		return nil, false
	}
}

// SetResult stores x under the RETURN group, or, if x is a channel, drains it
// into the YIELD group as it's produced and pushes a YIELD_RETURN marker on
// exhaustion. Draining blocks the caller until the channel closes, the same
// way a Python generator's body keeps running until it is exhausted — a
// worker wrapping a yield stream is not "done" until every value has crossed.
func (e *LocalExcept) SetResult(x interface{}) {
	if ch, ok := unboundedSeq(x); ok {
		for v := range ch {
			e.Set(resultValue{v}, groupYield)
		}
		e.Set(resultValue{nil}, groupYieldReturn)
		return
	}
	e.Set(resultValue{x}, groupReturn)
}

// ResultSeq is the lazy sequence returned by GetResult when the captured
// result is a yield stream: Next reads the YIELD group in order through its
// own cursor (entries are not removed), sleeping pollInterval between polls, and terminates once the group is
// exhausted and a YIELD_RETURN marker has arrived. pull, when set, is called
// before every poll so a channel-backed Except keeps re-draining for values
// that arrive after the ResultSeq was created, instead of only ever seeing
// the snapshot buffered locally at construction time.
type ResultSeq struct {
	owner        *LocalExcept
	pollInterval time.Duration
	next         int
	pull         func()
}

// Next returns the next yielded value. ok is false once the stream is
// exhausted.
func (s *ResultSeq) Next() (value interface{}, ok bool) {
	for {
		if s.pull != nil {
			s.pull()
		}
		items := s.owner.Group(groupYield)
		if s.next < len(items) {
			rv := items[s.next].(resultValue)
			s.next++
			return rv.v, true
		}
		if len(s.owner.Group(groupYieldReturn)) > 0 {
			return nil, false
		}
		time.Sleep(s.pollInterval)
	}
}

// buildResult implements GetResult's core logic, parameterized by an optional
// pull callback so Except.GetResult can keep a ResultSeq draining the
// channel rather than only ever reading the snapshot already buffered
// locally at the first GetResult call.
func (e *LocalExcept) buildResult(pollInterval time.Duration, pull func()) (interface{}, *ResultSeq) {
	if len(e.Group(groupYield)) > 0 || len(e.Group(groupYieldReturn)) > 0 {
		return nil, &ResultSeq{owner: e, pollInterval: pollInterval, pull: pull}
	}
	ret := e.Group(groupReturn)
	if len(ret) == 0 {
		return nil, nil
	}
	return ret[len(ret)-1].(resultValue).v, nil
}

// GetResult returns either the stored RETURN value, or a *ResultSeq if the
// captured result was a yield stream.
func (e *LocalExcept) GetResult(pollInterval time.Duration) (interface{}, *ResultSeq) {
	return e.buildResult(pollInterval, nil)
}
