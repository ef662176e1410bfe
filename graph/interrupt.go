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
	"context"
	"errors"
	"fmt"
)

// InterruptError suspends a run so the caller can review, inject values,
// and resume. It is a normal terminal state, not a failure: the executor
// persists a checkpoint before surfacing it.
type InterruptError struct {
	// Value is the payload shown to the caller (a prompt, a review request).
	Value any `json:"value"`
	// NodeID is the node that raised the interrupt.
	NodeID string `json:"node_id,omitempty"`
	// TaskID is the task instance that raised the interrupt.
	TaskID string `json:"task_id,omitempty"`
	// Key identifies the interrupt for resume-value injection.
	Key string `json:"key,omitempty"`
	// Step is the superstep the interrupt occurred in.
	Step int `json:"step"`
	// NextNodes is the frontier to schedule on resume.
	NextNodes []string `json:"next_nodes,omitempty"`
	// SkipRerun resumes after the interrupted node instead of re-running it.
	SkipRerun bool `json:"skip_rerun,omitempty"`
}

// Error implements the error interface.
func (e *InterruptError) Error() string {
	return fmt.Sprintf("graph execution interrupted: %v", e.Value)
}

// ErrorType reports the telemetry error type.
func (e *InterruptError) ErrorType() string { return ErrorTypeInterrupt }

// NewInterruptError creates an interrupt carrying the given payload.
func NewInterruptError(value any) *InterruptError {
	return &InterruptError{Value: value}
}

// IsInterruptError reports whether err is (or wraps) an interrupt.
func IsInterruptError(err error) bool {
	var intr *InterruptError
	return errors.As(err, &intr)
}

// AsInterruptError unwraps err as an *InterruptError.
func AsInterruptError(err error) (*InterruptError, bool) {
	var intr *InterruptError
	if errors.As(err, &intr) {
		return intr, true
	}
	return nil, false
}

// Interrupt pauses the node until a resume value for key is injected. On
// the first run it raises an *InterruptError carrying prompt; when the run
// is resumed with Command.Resume or Command.ResumeMap the injected value is
// returned instead. Each resume value is consumed on read.
func Interrupt(ctx context.Context, state State, key string, prompt any) (any, error) {
	if resumeValue, exists := state[ResumeChannel]; exists {
		delete(state, ResumeChannel)
		return resumeValue, nil
	}
	if resumeMap, exists := state[StateKeyResumeMap]; exists {
		if typed, ok := resumeMap.(map[string]any); ok {
			if resumeValue, exists := typed[key]; exists {
				delete(typed, key)
				return resumeValue, nil
			}
		}
	}
	intr := NewInterruptError(prompt)
	intr.Key = key
	if nodeID, ok := GetStateValue[string](state, StateKeyCurrentNodeID); ok {
		intr.NodeID = nodeID
	}
	return nil, intr
}

// ResumeValue extracts a typed resume value for key, consuming it on read.
func ResumeValue[T any](ctx context.Context, state State, key string) (T, bool) {
	var zero T
	if resumeValue, exists := state[ResumeChannel]; exists {
		if typedValue, ok := resumeValue.(T); ok {
			delete(state, ResumeChannel)
			return typedValue, true
		}
	}
	if resumeMap, exists := state[StateKeyResumeMap]; exists {
		if typed, ok := resumeMap.(map[string]any); ok {
			if resumeValue, exists := typed[key]; exists {
				if typedValue, ok := resumeValue.(T); ok {
					delete(typed, key)
					return typedValue, true
				}
			}
		}
	}
	return zero, false
}

// ResumeValueOrDefault extracts a typed resume value for key, falling back
// to defaultValue.
func ResumeValueOrDefault[T any](ctx context.Context, state State, key string, defaultValue T) T {
	if value, ok := ResumeValue[T](ctx, state, key); ok {
		return value
	}
	return defaultValue
}

// HasResumeValue reports whether a resume value is available for key.
func HasResumeValue(state State, key string) bool {
	if _, exists := state[ResumeChannel]; exists {
		return true
	}
	if resumeMap, exists := state[StateKeyResumeMap]; exists {
		if typed, ok := resumeMap.(map[string]any); ok {
			if _, exists := typed[key]; exists {
				return true
			}
		}
	}
	return false
}

// ClearResumeValue removes the resume value for key.
func ClearResumeValue(state State, key string) {
	if resumeMap, exists := state[StateKeyResumeMap]; exists {
		if typed, ok := resumeMap.(map[string]any); ok {
			delete(typed, key)
		}
	}
}

// ClearAllResumeValues removes every pending resume value.
func ClearAllResumeValues(state State) {
	delete(state, ResumeChannel)
	delete(state, StateKeyResumeMap)
}
