//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"fmt"
	"reflect"
	"sync"
)

// State is the shared, evolving record a graph run operates on. Nodes
// receive a deep copy and return sparse updates; the executor merges updates
// into canonical state through the schema's reducers. Keys prefixed with
// "__" are reserved for engine bookkeeping.
type State map[string]any

// Clone returns a deep copy of the state, including internal keys.
// Runtime-only values (execution context, callbacks) are shared, not copied.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		if isUnsafeStateKey(k) {
			out[k] = v
			continue
		}
		out[k] = deepCopyAny(v)
	}
	return out
}

// deepCopy returns a filtered deep copy of the state. Unsafe runtime keys
// are dropped unless includeUnsafe is set. When fields is non-nil only
// declared fields and internal bookkeeping keys are copied.
func (s State) deepCopy(includeUnsafe bool, fields map[string]StateField) State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		if isUnsafeStateKey(k) {
			if includeUnsafe {
				out[k] = v
			}
			continue
		}
		if fields != nil {
			if _, declared := fields[k]; !declared && !isInternalStateKey(k) {
				continue
			}
		}
		out[k] = deepCopyAny(v)
	}
	return out
}

// deepCopyAny copies common JSON-style Go values recursively. Values of
// other types (pointers to caller-owned structs, channels, funcs) are shared.
func deepCopyAny(value any) any {
	switch v := value.(type) {
	case State:
		return deepCopyState(v)
	case map[string]any:
		copied := make(map[string]any, len(v))
		for k, vv := range v {
			copied[k] = deepCopyAny(vv)
		}
		return copied
	case []any:
		copied := make([]any, len(v))
		for i := range v {
			copied[i] = deepCopyAny(v[i])
		}
		return copied
	case []string:
		copied := make([]string, len(v))
		copy(copied, v)
		return copied
	case []int:
		copied := make([]int, len(v))
		copy(copied, v)
		return copied
	case []byte:
		copied := make([]byte, len(v))
		copy(copied, v)
		return copied
	default:
		return value
	}
}

// deepCopyState clones the state, recursively copying nested maps and slices.
func deepCopyState(s State) State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = deepCopyAny(v)
	}
	return out
}

// GetStateValue returns the value stored under key as type T. The second
// result is false when the key is absent or holds a different type.
func GetStateValue[T any](state State, key string) (T, bool) {
	var zero T
	if state == nil {
		return zero, false
	}
	raw, ok := state[key]
	if !ok || raw == nil {
		return zero, false
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// StateReducer combines an existing field value with an update. Reducers for
// fields written by concurrent fan-out siblings must be commutative: merge
// order across siblings is unspecified.
type StateReducer func(existing, update any) any

// DefaultReducer replaces the existing value with the update.
func DefaultReducer(existing, update any) any {
	if update == nil {
		return existing
	}
	return update
}

// AppendReducer concatenates the update onto the existing []any sequence.
// Scalar values are appended as single elements. Order within one update is
// preserved; order across concurrent updates is unspecified.
func AppendReducer(existing, update any) any {
	if update == nil {
		return existing
	}
	out := toAnySlice(existing)
	out = append(out, toAnySlice(update)...)
	return out
}

// StringSliceReducer concatenates the update onto the existing []string.
// Accepts []string, a single string, or []any of strings.
func StringSliceReducer(existing, update any) any {
	if update == nil {
		return existing
	}
	out := toStringSlice(existing)
	out = append(out, toStringSlice(update)...)
	return out
}

// MergeReducer merges two map[string]any values key by key; update wins on
// conflict.
func MergeReducer(existing, update any) any {
	updateMap, ok := update.(map[string]any)
	if !ok {
		return DefaultReducer(existing, update)
	}
	out, ok := existing.(map[string]any)
	if !ok || out == nil {
		out = make(map[string]any, len(updateMap))
	} else {
		merged := make(map[string]any, len(out)+len(updateMap))
		for k, v := range out {
			merged[k] = v
		}
		out = merged
	}
	for k, v := range updateMap {
		out[k] = v
	}
	return out
}

func toAnySlice(value any) []any {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, len(v))
		copy(out, v)
		return out
	default:
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Slice {
			out := make([]any, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				out[i] = rv.Index(i).Interface()
			}
			return out
		}
		return []any{value}
	}
}

func toStringSlice(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// StateField declares one state field: its Go type, the reducer merging
// concurrent updates, and an optional default applied at run start.
type StateField struct {
	// Type is the declared Go type of the field value.
	Type reflect.Type
	// Reducer merges an update into the existing value. Nil means replace.
	Reducer StateReducer
	// Default produces the initial value when the caller supplies none.
	Default func() any
	// Required marks the field as mandatory in the initial state.
	Required bool
}

// StateSchema declares the fields of a graph's state and how concurrent
// partial updates to each field combine. Writes to undeclared fields are
// rejected at merge time.
type StateSchema struct {
	mu sync.RWMutex
	// Fields maps field name to its declaration.
	Fields map[string]StateField
}

// NewStateSchema creates an empty state schema.
func NewStateSchema() *StateSchema {
	return &StateSchema{Fields: make(map[string]StateField)}
}

// AddField declares a field. It returns the schema for chaining.
func (s *StateSchema) AddField(name string, field StateField) *StateSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	if field.Reducer == nil {
		field.Reducer = DefaultReducer
	}
	s.Fields[name] = field
	return s
}

// Field returns the declaration of name.
func (s *StateSchema) Field(name string) (StateField, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.Fields[name]
	return f, ok
}

// FieldMap returns a copy of the declared fields.
func (s *StateSchema) FieldMap() map[string]StateField {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]StateField, len(s.Fields))
	for k, v := range s.Fields {
		out[k] = v
	}
	return out
}

// Validate checks that every declared field carries a type.
func (s *StateSchema) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, field := range s.Fields {
		if field.Type == nil {
			return fmt.Errorf("state field %q has no type", name)
		}
	}
	return nil
}

// ApplyUpdate merges a sparse update into state through the declared
// reducers and returns the merged copy. The input state is not mutated.
// Updates to undeclared fields and type-mismatched values fail with
// *MergeValidationError.
func (s *StateSchema) ApplyUpdate(state State, update State) (State, error) {
	out := make(State, len(state)+len(update))
	for k, v := range state {
		out[k] = v
	}
	if update == nil {
		return out, nil
	}
	for key, value := range update {
		if isInternalStateKey(key) || isUnsafeStateKey(key) {
			out[key] = value
			continue
		}
		field, declared := s.Field(key)
		if !declared {
			return nil, &MergeValidationError{Key: key, Reason: "field is not declared in the state schema"}
		}
		if err := checkAssignable(key, field.Type, value); err != nil {
			return nil, err
		}
		out[key] = field.Reducer(out[key], value)
	}
	return out, nil
}

// ApplyDefaults fills missing declared fields with their defaults, or the
// type's zero value when no default is declared.
func (s *StateSchema) ApplyDefaults(state State) State {
	if state == nil {
		state = make(State)
	}
	for name, field := range s.FieldMap() {
		if _, ok := state[name]; ok {
			continue
		}
		if field.Default != nil {
			state[name] = field.Default()
		} else if field.Type != nil {
			state[name] = reflect.Zero(field.Type).Interface()
		}
	}
	return state
}

func checkAssignable(key string, declared reflect.Type, value any) error {
	if declared == nil || value == nil {
		return nil
	}
	actual := reflect.TypeOf(value)
	if actual.AssignableTo(declared) {
		return nil
	}
	// JSON round trips decode typed slices as []any; reducers coerce those.
	if declared.Kind() == reflect.Slice && actual.Kind() == reflect.Slice {
		return nil
	}
	if declared.Kind() == reflect.Interface && actual.Implements(declared) {
		return nil
	}
	return &MergeValidationError{
		Key:    key,
		Reason: fmt.Sprintf("expected %s, got %s", declared, actual),
	}
}
