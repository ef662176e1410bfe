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
	"sync"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-graph-go/event"
)

// RunResult is the outcome of a synchronous run: the final state on
// completion, or the suspension point when the run interrupted.
type RunResult struct {
	// State is the final state, or the state snapshot at suspension.
	State State
	// LineageID keys the run's checkpoint lineage; pass it to Resume.
	LineageID string
	// Interrupted reports whether the run suspended instead of completing.
	Interrupted bool
	// InterruptValue is the payload of the pending interrupt.
	InterruptValue any
	// InterruptKey identifies the interrupt for resume-value injection.
	InterruptKey string
	// NextNodes is the frontier a resumed run schedules.
	NextNodes []string
}

// RunOption configures one Invoke or Resume call.
type RunOption func(*runOptions)

type runOptions struct {
	invocationID string
	handler      func(*event.Event)
	resumeValue  any
	resumeMap    map[string]any
}

// WithRunInvocationID tags the run's events with the given invocation ID
// instead of a generated one.
func WithRunInvocationID(invocationID string) RunOption {
	return func(o *runOptions) { o.invocationID = invocationID }
}

// WithEventHandler observes the run's execution events. The handler runs on
// a single goroutine in event order.
func WithEventHandler(handler func(*event.Event)) RunOption {
	return func(o *runOptions) { o.handler = handler }
}

// WithResumeValue answers the pending interrupt with a single value,
// delivered to the Interrupt call that raised it.
func WithResumeValue(value any) RunOption {
	return func(o *runOptions) { o.resumeValue = value }
}

// WithResumeMap answers interrupts by key, for runs with several pending
// interrupts across a fan-out.
func WithResumeMap(resumeMap map[string]any) RunOption {
	return func(o *runOptions) { o.resumeMap = resumeMap }
}

// Invoke runs the graph synchronously and returns the outcome. An interrupt
// is not an error: the result carries the suspension point and the lineage
// ID to resume with. Execute is the streaming alternative.
func (e *Executor) Invoke(ctx context.Context, initialState State, opts ...RunOption) (*RunResult, error) {
	options := applyRunOptions(opts)
	if initialState == nil {
		initialState = make(State)
	}
	invocationID := options.invocationID
	if invocationID == "" {
		invocationID = uuid.New().String()
	}

	state, lineageID, err := e.runToCompletionWithLineage(ctx, initialState, invocationID, options.handler)
	if err != nil {
		if intr, ok := AsInterruptError(err); ok {
			return &RunResult{
				State:          state,
				LineageID:      lineageID,
				Interrupted:    true,
				InterruptValue: intr.Value,
				InterruptKey:   intr.Key,
				NextNodes:      append([]string(nil), intr.NextNodes...),
			}, nil
		}
		return nil, err
	}
	return &RunResult{State: state, LineageID: lineageID}, nil
}

// Resume continues a suspended run from its latest checkpoint. update is
// merged into the restored state through the reducers before the frontier
// re-runs; resume values answering the pending interrupt are passed with
// WithResumeValue or WithResumeMap.
func (e *Executor) Resume(ctx context.Context, lineageID string, update State, opts ...RunOption) (*RunResult, error) {
	if e.checkpointManager == nil {
		return nil, errors.New("resuming a run requires a checkpoint saver")
	}
	if lineageID == "" {
		return nil, ErrLineageIDRequired
	}
	options := applyRunOptions(opts)
	cmd := &Command{
		Update:    update,
		Resume:    options.resumeValue,
		ResumeMap: options.resumeMap,
	}
	initialState := State{
		CfgKeyLineageID: lineageID,
		StateKeyCommand: cmd,
	}
	return e.Invoke(ctx, initialState, opts...)
}

func applyRunOptions(opts []RunOption) *runOptions {
	options := &runOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	return options
}

// runToCompletion drives one run on the caller's goroutine, forwarding
// events to the given function, and returns the final state.
func (e *Executor) runToCompletion(
	ctx context.Context,
	initialState State,
	invocationID string,
	forward func(*event.Event),
) (State, error) {
	state, _, err := e.runToCompletionWithLineage(ctx, initialState, invocationID, forward)
	return state, err
}

func (e *Executor) runToCompletionWithLineage(
	ctx context.Context,
	initialState State,
	invocationID string,
	forward func(*event.Event),
) (State, string, error) {
	eventChan := make(chan *event.Event, e.channelBufferSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for evt := range eventChan {
			if forward != nil {
				forward(evt)
			}
		}
	}()
	state, lineageID, err := e.runInline(ctx, initialState, invocationID, eventChan)
	close(eventChan)
	wg.Wait()
	return state, lineageID, err
}
