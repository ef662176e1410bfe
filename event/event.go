//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package event defines the streaming event type emitted during graph
// execution and helpers for delivering events to consumer channels.
package event

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ObjectTypeError is the object type of terminal error events.
const ObjectTypeError = "error"

// ErrorDetail describes a terminal error carried by an event.
type ErrorDetail struct {
	// Type is the machine-readable error type.
	Type string `json:"type,omitempty"`
	// Message is the human-readable error message.
	Message string `json:"message,omitempty"`
}

// Event is a single observable occurrence during graph execution: a node
// starting or finishing, a channel update, a checkpoint commit, or the final
// completion. Events stream to the caller in execution order.
type Event struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`
	// InvocationID identifies the graph invocation that produced the event.
	InvocationID string `json:"invocationId"`
	// Author is the node or component that emitted the event.
	Author string `json:"author"`
	// Object describes the kind of event, e.g. "graph.node.start".
	Object string `json:"object,omitempty"`
	// Branch is the checkpoint namespace path of the emitting component.
	// Subgraph events carry the parent node's namespace here.
	Branch string `json:"branch,omitempty"`
	// StateDelta carries serialized state values and metadata keyed by
	// state key. Metadata entries use reserved "_"-prefixed keys.
	StateDelta map[string][]byte `json:"stateDelta,omitempty"`
	// Done marks the final event of an invocation.
	Done bool `json:"done"`
	// Error carries the terminal error, if any.
	Error *ErrorDetail `json:"error,omitempty"`
	// Timestamp is the event creation time.
	Timestamp time.Time `json:"timestamp"`
}

// Option configures an Event at construction time.
type Option func(*Event)

// WithObject sets the object type of the event.
func WithObject(object string) Option {
	return func(e *Event) {
		e.Object = object
	}
}

// WithBranch sets the branch (checkpoint namespace path) of the event.
func WithBranch(branch string) Option {
	return func(e *Event) {
		e.Branch = branch
	}
}

// WithStateDelta sets the state delta of the event.
func WithStateDelta(stateDelta map[string][]byte) Option {
	return func(e *Event) {
		e.StateDelta = stateDelta
	}
}

// WithDone marks the event as the final event of the invocation.
func WithDone(done bool) Option {
	return func(e *Event) {
		e.Done = done
	}
}

// New creates a new event with a generated ID and the current timestamp.
func New(invocationID, author string, opts ...Option) *Event {
	e := &Event{
		ID:           uuid.New().String(),
		InvocationID: invocationID,
		Author:       author,
		Timestamp:    time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewErrorEvent creates a terminal error event.
func NewErrorEvent(invocationID, author, errType, errMsg string) *Event {
	return New(invocationID, author,
		WithObject(ObjectTypeError),
		WithDone(true),
		func(e *Event) {
			e.Error = &ErrorDetail{Type: errType, Message: errMsg}
		},
	)
}

// Clone returns a deep copy of the event. The returned event shares no
// mutable state with the original.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.StateDelta != nil {
		clone.StateDelta = make(map[string][]byte, len(e.StateDelta))
		for k, v := range e.StateDelta {
			b := make([]byte, len(v))
			copy(b, v)
			clone.StateDelta[k] = b
		}
	}
	if e.Error != nil {
		errCopy := *e.Error
		clone.Error = &errCopy
	}
	return &clone
}

// EmitWithoutTimeout disables the send timeout in EmitEventWithTimeout.
const EmitWithoutTimeout time.Duration = 0

// DefaultEmitTimeoutErr is the error returned when an event cannot be
// delivered within the requested timeout.
var DefaultEmitTimeoutErr = NewEmitEventTimeoutError("emit event timeout.")

// EmitEventTimeoutError reports that an event send timed out.
type EmitEventTimeoutError struct {
	// Message is the timeout description.
	Message string
}

// NewEmitEventTimeoutError creates a new timeout error with the given message.
func NewEmitEventTimeoutError(message string) *EmitEventTimeoutError {
	return &EmitEventTimeoutError{Message: message}
}

// Error implements the error interface.
func (e *EmitEventTimeoutError) Error() string {
	return e.Message
}

// Is supports errors.Is comparison against other emit timeout errors.
func (e *EmitEventTimeoutError) Is(target error) bool {
	_, ok := target.(*EmitEventTimeoutError)
	return ok
}

// AsEmitEventTimeoutError unwraps err as an *EmitEventTimeoutError.
func AsEmitEventTimeoutError(err error) (*EmitEventTimeoutError, bool) {
	var timeoutErr *EmitEventTimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr, true
	}
	return nil, false
}

// EmitEvent sends an event to the channel, honoring context cancellation.
// A nil channel or nil event is a no-op.
func EmitEvent(ctx context.Context, ch chan<- *Event, e *Event) error {
	return EmitEventWithTimeout(ctx, ch, e, EmitWithoutTimeout)
}

// EmitEventWithTimeout sends an event to the channel, honoring context
// cancellation and an optional timeout. EmitWithoutTimeout waits until the
// send succeeds or the context is cancelled.
func EmitEventWithTimeout(ctx context.Context, ch chan<- *Event, e *Event, timeout time.Duration) error {
	if ch == nil || e == nil {
		return nil
	}
	if timeout == EmitWithoutTimeout {
		select {
		case ch <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return DefaultEmitTimeoutErr
	}
}
