package robj

import (
	"encoding/gob"
	"reflect"
)

type stepKind int

const (
	stepGetAttr stepKind = iota
	stepSetAttr
	stepDelAttr
	stepCall
	stepGetItem
	stepSetItem
	stepDelItem
	stepSuper
)

// step is one link of a Chain, executed against a reflect.Value per
// spec.md §4.E's apply() pseudocode. A Chain crosses the wire as part of a
// request message, so every field must be exported and gob-encodable.
type step struct {
	Kind       stepKind
	Name       string
	Args       []interface{}
	Value      interface{}
	SuperDepth int
}

// Chain is an ordered, serializable sequence of deferred operations, built by
// a Proxy and executed by a Listener against its root object.
type Chain []step

func init() {
	gob.Register(Chain{})
}

// SuperView lets a root object participate in Super steps: depth 1 means
// "one level up from the concrete type," matching Python's super() with an
// explicit level. Super steps always ask the chain's root, never an
// intermediate value; a root with no SuperView implementation makes Super a
// BadTargetError.
type SuperView interface {
	SuperView(depth int) (interface{}, bool)
}

// PassToFunc is the shape passed to Proxy.PassTo: a free function taking the
// chain's current value plus any extra positional arguments. It is never a
// Chain step — a Go func value has no gob encoding, so PassTo is resolved
// locally by the Proxy instead of crossing the wire (see proxy.go).
type PassToFunc func(cur interface{}, args ...interface{}) (interface{}, error)

// GetAttr appends an attribute-read step.
func (c Chain) GetAttr(name string) Chain { return append(c, step{Kind: stepGetAttr, Name: name}) }

// SetAttr appends an attribute-write step.
func (c Chain) SetAttr(name string, value interface{}) Chain {
	return append(c, step{Kind: stepSetAttr, Name: name, Value: value})
}

// DelAttr appends an attribute-delete step. Go has no generic "delete a
// struct field"; it is implemented as setting the field to its zero value,
// the closest reachable analogue via reflection.
func (c Chain) DelAttr(name string) Chain { return append(c, step{Kind: stepDelAttr, Name: name}) }

// Call appends a call step with positional arguments.
func (c Chain) Call(args ...interface{}) Chain {
	return append(c, step{Kind: stepCall, Args: args})
}

// GetItem appends an index/key read step.
func (c Chain) GetItem(key interface{}) Chain {
	return append(c, step{Kind: stepGetItem, Value: key})
}

// SetItem appends an index/key write step.
func (c Chain) SetItem(key, value interface{}) Chain {
	return append(c, step{Kind: stepSetItem, Value: key, Args: []interface{}{value}})
}

// DelItem appends an index/key delete step (maps only; Go slices have no
// sparse delete).
func (c Chain) DelItem(key interface{}) Chain {
	return append(c, step{Kind: stepDelItem, Value: key})
}

// Super appends a superclass-view step. Consecutive Super steps compound:
// SuperDepth is cumulative at execution time.
func (c Chain) Super() Chain {
	return append(c, step{Kind: stepSuper, SuperDepth: 1})
}

// execChain runs chain against root exactly per spec.md §4.E: cur starts at
// root, each step transforms cur, and if the final cur is (pointer-)identical
// to root, the caller must substitute its own proxy handle rather than
// serialize root back across the wire.
func execChain(root interface{}, chain Chain) (result interface{}, isSelf bool, err error) {
	cur := reflect.ValueOf(root)
	curIface := root
	superDepth := 0
	op := "<root>"

	for _, s := range chain {
		switch s.Kind {
		case stepSuper:
			superDepth += s.SuperDepth
			sv, ok := root.(SuperView)
			if !ok {
				return nil, false, newTracedErr(op, &BadTargetError{Reason: "Super applied to a value with no SuperView"})
			}
			view, ok := sv.SuperView(superDepth)
			if !ok {
				return nil, false, newTracedErr(op, &BadTargetError{Reason: "SuperView rejected depth"})
			}
			curIface = view
			cur = reflect.ValueOf(view)
			op = "super"
			continue
		default:
			superDepth = 0
		}

		if s.Kind == stepGetAttr || s.Kind == stepSetAttr || s.Kind == stepDelAttr {
			op = s.Name
		}

		next, nerr := applyStep(cur, curIface, s)
		if nerr != nil {
			return nil, false, newTracedErr(op, nerr)
		}
		curIface = next
		cur = reflect.ValueOf(next)
	}

	if sameValue(curIface, root) {
		return nil, true, nil
	}
	return curIface, false, nil
}

// sameValue reports return-self per spec.md §4.E ("cur is R"): Go's == would
// panic on an incomparable dynamic type (slice, map, func), so comparability
// is checked first via reflection.
func sameValue(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	av := reflect.ValueOf(a)
	bv := reflect.ValueOf(b)
	if av.Type() != bv.Type() || !av.Comparable() {
		return false
	}
	return a == b
}

// applyStep executes a single non-Super step against the current value.
func applyStep(cur reflect.Value, curIface interface{}, s step) (interface{}, error) {
	switch s.Kind {
	case stepGetAttr:
		return getAttr(cur, s.Name)
	case stepSetAttr:
		if err := setAttr(cur, s.Name, s.Value); err != nil {
			return nil, err
		}
		return curIface, nil
	case stepDelAttr:
		if err := setAttr(cur, s.Name, nil); err != nil {
			return nil, err
		}
		return curIface, nil
	case stepCall:
		return callValue(cur, s.Args)
	case stepGetItem:
		return getItem(cur, s.Value)
	case stepSetItem:
		var v interface{}
		if len(s.Args) > 0 {
			v = s.Args[0]
		}
		if err := setItem(cur, s.Value, v); err != nil {
			return nil, err
		}
		return curIface, nil
	case stepDelItem:
		if err := delItem(cur, s.Value); err != nil {
			return nil, err
		}
		return curIface, nil
	default:
		return nil, &BadTargetError{Reason: "unknown chain step kind"}
	}
}

// getAttr resolves a field by name first, then a zero-argument method by the
// same name (Go's closest equivalent of Python's unified attribute/method
// namespace). Struct fields take priority since an accessor method sharing a
// field's name would otherwise be unreachable.
func getAttr(v reflect.Value, name string) (interface{}, error) {
	target := reflect.Indirect(v)
	if target.Kind() == reflect.Struct {
		if f := target.FieldByName(name); f.IsValid() && f.CanInterface() {
			return f.Interface(), nil
		}
	}
	if m := v.MethodByName(name); m.IsValid() {
		out := m.Call(nil)
		return unpackResult(out)
	}
	return nil, &BadTargetError{Reason: "no such attribute or method: " + name}
}

// setAttr resolves a field by name first, then a one-argument setter method
// by the same name (the Go convention for "SetX(x)").
func setAttr(v reflect.Value, name string, value interface{}) error {
	target := reflect.Indirect(v)
	if target.Kind() == reflect.Struct {
		if f := target.FieldByName(name); f.IsValid() && f.CanSet() {
			if value == nil {
				f.Set(reflect.Zero(f.Type()))
			} else {
				f.Set(reflect.ValueOf(value))
			}
			return nil
		}
	}
	if m := v.MethodByName("Set" + name); m.IsValid() {
		paramType := m.Type().In(0)
		var in reflect.Value
		if value == nil {
			in = reflect.Zero(paramType)
		} else {
			in = reflect.ValueOf(value)
		}
		m.Call([]reflect.Value{in})
		return nil
	}
	return &BadTargetError{Reason: "no such settable attribute: " + name}
}

// callValue invokes v as a function-shaped value: either a reflect.Func or a
// method/value implementing a Call(args ...interface{}) convention, since Go
// structs standing in for Python callables cannot be invoked with ().
func callValue(v reflect.Value, args []interface{}) (interface{}, error) {
	if v.Kind() == reflect.Func {
		in := make([]reflect.Value, len(args))
		for i, a := range args {
			in[i] = reflect.ValueOf(a)
		}
		return unpackResult(v.Call(in))
	}
	if m := v.MethodByName("Call"); m.IsValid() {
		in := make([]reflect.Value, len(args))
		for i, a := range args {
			in[i] = reflect.ValueOf(a)
		}
		return unpackResult(m.Call(in))
	}
	return nil, &BadTargetError{Reason: "value is not callable"}
}

// getItem supports map and slice/array indexing, the two container shapes
// Go can express generically through reflection.
func getItem(v reflect.Value, key interface{}) (interface{}, error) {
	target := reflect.Indirect(v)
	switch target.Kind() {
	case reflect.Map:
		val := target.MapIndex(reflect.ValueOf(key))
		if !val.IsValid() {
			return nil, &BadTargetError{Reason: "key not found"}
		}
		return val.Interface(), nil
	case reflect.Slice, reflect.Array:
		idx, ok := key.(int)
		if !ok || idx < 0 || idx >= target.Len() {
			return nil, &BadTargetError{Reason: "index out of range"}
		}
		return target.Index(idx).Interface(), nil
	default:
		return nil, &BadTargetError{Reason: "value does not support item access"}
	}
}

func setItem(v reflect.Value, key, value interface{}) error {
	target := reflect.Indirect(v)
	switch target.Kind() {
	case reflect.Map:
		target.SetMapIndex(reflect.ValueOf(key), reflect.ValueOf(value))
		return nil
	case reflect.Slice, reflect.Array:
		idx, ok := key.(int)
		if !ok || idx < 0 || idx >= target.Len() {
			return &BadTargetError{Reason: "index out of range"}
		}
		target.Index(idx).Set(reflect.ValueOf(value))
		return nil
	default:
		return &BadTargetError{Reason: "value does not support item assignment"}
	}
}

func delItem(v reflect.Value, key interface{}) error {
	target := reflect.Indirect(v)
	if target.Kind() != reflect.Map {
		return &BadTargetError{Reason: "value does not support item deletion"}
	}
	target.SetMapIndex(reflect.ValueOf(key), reflect.Value{})
	return nil
}

// unpackResult turns a reflect.Call result into a single Go value and error,
// honoring the common (value, error) and single-value return shapes.
func unpackResult(out []reflect.Value) (interface{}, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if err, ok := out[0].Interface().(error); ok {
			return nil, err
		}
		return out[0].Interface(), nil
	default:
		last := out[len(out)-1]
		if last.Type().Implements(errorType) {
			if err, _ := last.Interface().(error); err != nil {
				return nil, err
			}
			return out[0].Interface(), nil
		}
		return out[0].Interface(), nil
	}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()
