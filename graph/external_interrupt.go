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
	"sync"
	"time"
)

// graphInterruptKey is the context key under which WithGraphInterrupt
// installs its interrupt state.
type graphInterruptKey struct{}

// graphInterruptState tracks an interrupt requested from outside the graph.
type graphInterruptState struct {
	mu      sync.Mutex
	timeout *time.Duration
	done    chan struct{}
	once    sync.Once
}

// GraphInterruptOption configures an external interrupt request.
type GraphInterruptOption func(*graphInterruptState)

// WithGraphInterruptTimeout force-cancels the run after d when it has not
// reached a superstep boundary by then. Zero or negative cancels
// immediately. Without this option the run only pauses gracefully.
func WithGraphInterruptTimeout(d time.Duration) GraphInterruptOption {
	return func(s *graphInterruptState) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.timeout = &d
	}
}

// WithGraphInterrupt returns a context to pass to Execute and an interrupt
// function. Calling the interrupt function asks the run to suspend at the
// next superstep boundary, checkpointing so it can be resumed; with a
// timeout option, the run is force-canceled when no boundary is reached in
// time. Calling interrupt more than once is safe.
func WithGraphInterrupt(parent context.Context) (context.Context, func(opts ...GraphInterruptOption)) {
	state := &graphInterruptState{done: make(chan struct{})}
	ctx := context.WithValue(parent, graphInterruptKey{}, state)
	interrupt := func(opts ...GraphInterruptOption) {
		for _, opt := range opts {
			opt(state)
		}
		state.once.Do(func() { close(state.done) })
	}
	return ctx, interrupt
}

// graphInterruptFromContext extracts the interrupt state installed by
// WithGraphInterrupt, or nil.
func graphInterruptFromContext(ctx context.Context) *graphInterruptState {
	state, _ := ctx.Value(graphInterruptKey{}).(*graphInterruptState)
	return state
}

// requested reports whether the interrupt function has been called.
func (s *graphInterruptState) requested() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// timeoutOrNil returns the configured force timeout, or nil for graceful
// interrupts.
func (s *graphInterruptState) timeoutOrNil() *time.Duration {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// doneCh returns the channel closed when the interrupt is requested.
func (s *graphInterruptState) doneCh() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}
