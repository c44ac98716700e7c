// Package dispatch routes a decoded bus event to every registered handler
// whose declared parameter type matches the event's type.
package dispatch

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// HandlerMethodPrefix is the method-name prefix that marks a handler method.
// A handler method takes exactly one parameter (the event type it consumes)
// and returns nothing or a single error.
const HandlerMethodPrefix = "Handle"

var errType = reflect.TypeOf((*error)(nil)).Elem()

// Error is the combined failure surfaced when one or more handlers fail
// during a single dispatch. All matching handlers run to completion; the
// first underlying cause is carried.
type Error struct {
	Failures int
	Cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch: %d handler(s) failed: %v", e.Failures, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// handlerMethod is one discovered method on a registered instance.
type handlerMethod struct {
	paramType reflect.Type
	fn        reflect.Value
}

// subscriber is a registered handler instance with its discovered methods,
// sorted by method name (the order reflect reports them in).
type subscriber struct {
	instance any
	methods  []handlerMethod
}

// Delegate is a thread-safe registry of handler instances. Registration is
// rare compared to dispatch, so the subscriber list is guarded by a RWMutex
// and snapshotted at the start of every dispatch: a handler unregistered
// before dispatch begins never sees the event.
type Delegate struct {
	mu   sync.RWMutex
	subs []*subscriber
}

// New returns an empty delegate.
func New() *Delegate {
	return &Delegate{}
}

// Register discovers the instance's handler methods and adds it to the
// registry. Registering an instance that is already present, or one with no
// handler methods, is an error.
func (d *Delegate) Register(instance any) error {
	methods, err := discoverHandlerMethods(instance)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subs {
		if s.instance == instance {
			return fmt.Errorf("dispatch: handler %T already registered", instance)
		}
	}
	d.subs = append(d.subs, &subscriber{instance: instance, methods: methods})
	return nil
}

// Unregister removes the instance from the registry. Removing an instance
// that was never registered is an error.
func (d *Delegate) Unregister(instance any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.instance == instance {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("dispatch: handler %T is not registered", instance)
}

// Dispatch delivers the event to every matching handler method, in
// registration order. A failing handler does not short-circuit the rest;
// if any handler fails, a single *Error carrying the first cause is
// returned. An event with no matching handler dispatches successfully.
func (d *Delegate) Dispatch(event any) error {
	eventType := reflect.TypeOf(event)
	if eventType == nil {
		return fmt.Errorf("dispatch: nil event")
	}

	d.mu.RLock()
	snapshot := make([]*subscriber, len(d.subs))
	copy(snapshot, d.subs)
	d.mu.RUnlock()

	var (
		failures int
		cause    error
	)
	for _, sub := range snapshot {
		for _, m := range sub.methods {
			if !eventType.AssignableTo(m.paramType) {
				continue
			}
			if err := invoke(m.fn, event); err != nil {
				failures++
				if cause == nil {
					cause = err
				}
			}
		}
	}

	if failures > 0 {
		return &Error{Failures: failures, Cause: cause}
	}
	return nil
}

// invoke calls one handler method, converting a panic into an error so one
// handler cannot take down the worker. The panic value is surfaced directly
// when it already is an error.
func invoke(fn reflect.Value, event any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if cause, ok := r.(error); ok {
				err = cause
				return
			}
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	out := fn.Call([]reflect.Value{reflect.ValueOf(event)})
	if len(out) == 1 && !out[0].IsNil() {
		return out[0].Interface().(error)
	}
	return nil
}

// discoverHandlerMethods reflects over the instance's method set and collects
// every method named Handle* that takes exactly one parameter and returns
// nothing or an error.
func discoverHandlerMethods(instance any) ([]handlerMethod, error) {
	v := reflect.ValueOf(instance)
	if !v.IsValid() {
		return nil, fmt.Errorf("dispatch: nil handler")
	}

	t := v.Type()
	var methods []handlerMethod
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !strings.HasPrefix(m.Name, HandlerMethodPrefix) {
			continue
		}
		mt := m.Func.Type()
		// Receiver plus exactly one event parameter.
		if mt.NumIn() != 2 || mt.IsVariadic() {
			continue
		}
		if mt.NumOut() > 1 || (mt.NumOut() == 1 && mt.Out(0) != errType) {
			continue
		}
		methods = append(methods, handlerMethod{
			paramType: mt.In(1),
			fn:        v.Method(i),
		})
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("dispatch: handler %T has no %s* methods", instance, HandlerMethodPrefix)
	}
	return methods, nil
}
