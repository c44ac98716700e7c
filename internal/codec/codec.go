// Package codec serializes bus events to JSON tagged with a fully-qualified
// type name, and resolves that tag back to a concrete Go type on the way out.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// ErrUnknownClass is returned by Decode when no type was registered under
// the entry's class name.
var ErrUnknownClass = fmt.Errorf("codec: unknown class name")

// Codec is a registry of event types keyed by class name. Encoding an event
// records the class name alongside its JSON; decoding resolves the class
// name to a registered type and unmarshals into a fresh instance.
//
// Encoding is deterministic: encoding/json orders struct fields by
// declaration and map keys lexically, so re-encoding a decoded event yields
// the same bytes.
type Codec struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
}

// New returns an empty codec.
func New() *Codec {
	return &Codec{byName: make(map[string]reflect.Type)}
}

// Register adds the prototype's type under its fully-qualified name
// (import path dot type name). Registering the same type twice is a no-op;
// two distinct types may not share a name.
func (c *Codec) Register(prototype any) error {
	t := structType(prototype)
	if t == nil {
		return fmt.Errorf("codec: prototype %T is not a struct or struct pointer", prototype)
	}
	return c.RegisterName(ClassName(prototype), prototype)
}

// RegisterName adds the prototype's type under an explicit class name.
func (c *Codec) RegisterName(name string, prototype any) error {
	t := structType(prototype)
	if t == nil {
		return fmt.Errorf("codec: prototype %T is not a struct or struct pointer", prototype)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byName[name]; ok && existing != t {
		return fmt.Errorf("codec: class %q already registered as %s", name, existing)
	}
	c.byName[name] = t
	return nil
}

// Encode serializes the event and returns its class name and JSON.
func (c *Codec) Encode(event any) (string, string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", "", fmt.Errorf("codec: marshal %T: %w", event, err)
	}
	return ClassName(event), string(data), nil
}

// Decode resolves the class name and unmarshals the JSON into a pointer to
// a fresh instance of the registered type.
func (c *Codec) Decode(className, eventJSON string) (any, error) {
	c.mu.RLock()
	t, ok := c.byName[className]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, className)
	}

	out := reflect.New(t).Interface()
	if err := json.Unmarshal([]byte(eventJSON), out); err != nil {
		return nil, fmt.Errorf("codec: unmarshal %q: %w", className, err)
	}
	return out, nil
}

// ClassName returns the fully-qualified name used to tag the event's type:
// the defining package's import path, a dot, and the type name.
func ClassName(event any) string {
	t := reflect.TypeOf(event)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// structType unwraps pointers and returns the underlying struct type, or
// nil if the prototype is not struct-shaped.
func structType(prototype any) reflect.Type {
	t := reflect.TypeOf(prototype)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	return t
}
