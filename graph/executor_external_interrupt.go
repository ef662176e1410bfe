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
	"time"
)

// ExternalInterruptKey is the interrupt key reported when a run suspends
// because the caller requested an interrupt from outside the graph.
const ExternalInterruptKey = "external_interrupt"

// errGraphInterruptTimeout is the cancel cause of a forced external
// interrupt.
var errGraphInterruptTimeout = errors.New("graph interrupt timeout")

// ExternalInterruptPayload is the interrupt value carried by an external
// interrupt.
type ExternalInterruptPayload struct {
	// Key is always ExternalInterruptKey.
	Key string `json:"key"`
	// Forced reports whether the run was canceled mid-step instead of
	// pausing at a superstep boundary.
	Forced bool `json:"forced"`
}

// newExternalInterruptError builds the interrupt surfaced by an external
// interrupt request. The caller fills Step and NextNodes.
func newExternalInterruptError(forced bool) *InterruptError {
	return &InterruptError{
		Value:     ExternalInterruptPayload{Key: ExternalInterruptKey, Forced: forced},
		Key:       ExternalInterruptKey,
		TaskID:    ExternalInterruptKey,
		SkipRerun: true,
	}
}

// externalInterruptWatcher bridges an external interrupt request into one
// run: graceful requests surface at superstep boundaries, and a forced
// timeout cancels the run's context mid-step.
type externalInterruptWatcher struct {
	state    *graphInterruptState
	stopOnce sync.Once
	stopCh   chan struct{}
	cancel   context.CancelCauseFunc
}

// watchExternalInterrupt wraps ctx so a forced external interrupt can
// cancel it, and starts the listener. Without WithGraphInterrupt on the
// context the watcher is inert.
func watchExternalInterrupt(ctx context.Context) (context.Context, *externalInterruptWatcher) {
	state := graphInterruptFromContext(ctx)
	if state == nil {
		return ctx, &externalInterruptWatcher{stopCh: make(chan struct{})}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	w := &externalInterruptWatcher{
		state:  state,
		stopCh: make(chan struct{}),
		cancel: cancel,
	}
	go w.listen(ctx)
	return ctx, w
}

func (w *externalInterruptWatcher) listen(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-w.stopCh:
		return
	case <-w.state.doneCh():
	}
	timeout := w.state.timeoutOrNil()
	if timeout == nil {
		// Graceful only: the run pauses at the next superstep boundary.
		return
	}
	if *timeout <= 0 {
		w.cancel(errGraphInterruptTimeout)
		return
	}
	timer := time.NewTimer(*timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-timer.C:
		w.cancel(errGraphInterruptTimeout)
	}
}

// stop halts the listener when the run finishes.
func (w *externalInterruptWatcher) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// requested reports whether an external interrupt is pending.
func (w *externalInterruptWatcher) requested() bool {
	return w.state.requested()
}

// forced reports whether ctx was canceled by the forced-interrupt timeout.
func (w *externalInterruptWatcher) forced(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errGraphInterruptTimeout)
}

// stepExecutionReport tracks, for one superstep, which tasks completed and
// what input each task started with, so an interrupted step can persist
// the exact inputs of its unfinished tasks.
type stepExecutionReport struct {
	mu        sync.Mutex
	completed map[*Task]bool
	inputs    map[*Task]State
	fields    map[string]StateField
}

func newStepExecutionReport(schema *StateSchema) *stepExecutionReport {
	return &stepExecutionReport{
		completed: make(map[*Task]bool),
		inputs:    make(map[*Task]State),
		fields:    schema.FieldMap(),
	}
}

// recordInput remembers the input state a task started with. Only declared
// fields and persistable bookkeeping keys are kept.
func (r *stepExecutionReport) recordInput(t *Task, input State) {
	if r == nil || t == nil || input == nil {
		return
	}
	copied := input.deepCopy(false, r.fields)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[t] = copied
}

// markCompleted records that a task finished, merges and writes included.
func (r *stepExecutionReport) markCompleted(t *Task) {
	if r == nil || t == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[t] = true
}

// incompleteNodes lists the nodes of tasks that did not complete, sorted.
func (r *stepExecutionReport) incompleteNodes(tasks []*Task) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[string]bool)
	for _, t := range tasks {
		if !r.completed[t] {
			set[t.NodeID] = true
		}
	}
	return keysOfSet(set)
}

// frontier captures the recorded inputs of incomplete tasks as replacement
// inputs for resume.
func (r *stepExecutionReport) frontier(tasks []*Task) *frontierInputs {
	r.mu.Lock()
	defer r.mu.Unlock()
	frontier := &frontierInputs{}
	for _, t := range tasks {
		if r.completed[t] {
			continue
		}
		input, ok := r.inputs[t]
		if !ok {
			continue
		}
		if frontier.Inputs == nil {
			frontier.Inputs = make(map[string]State)
		}
		frontier.Inputs[t.NodeID] = input
	}
	if frontier.empty() {
		return nil
	}
	return frontier
}
