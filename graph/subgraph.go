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
	"fmt"

	"trpc.group/trpc-go/trpc-graph-go/event"
)

// SubgraphInputMapper builds the child graph's input from the parent state.
// Without a mapper the child receives the parent fields its own schema
// declares.
type SubgraphInputMapper func(ctx context.Context, parent State) (State, error)

// SubgraphOutputMapper builds the parent state update from the child's final
// state. Without a mapper the parent merges the child fields its own schema
// declares, through the parent reducers. Fields accumulated by both schemas
// (append reducers) usually want a custom mapper so the child's copy of the
// parent history is not merged back in.
type SubgraphOutputMapper func(ctx context.Context, parent, child State) (State, error)

// WithSubgraphInput sets the parent-to-child state projection.
func WithSubgraphInput(mapper SubgraphInputMapper) Option {
	return func(n *Node) { n.subgraphInput = mapper }
}

// WithSubgraphOutput sets the child-to-parent state projection.
func WithSubgraphOutput(mapper SubgraphOutputMapper) Option {
	return func(n *Node) { n.subgraphOutput = mapper }
}

// AddSubgraphNode adds a node that runs a compiled child graph. The child
// executes its own superstep loop to completion; its final state is merged
// back into the parent. With a checkpoint saver configured, the child
// checkpoints under the parent lineage in a nested namespace, so an
// interrupt inside the child suspends the parent and resumes into the
// child's own checkpoint.
func (sg *StateGraph) AddSubgraphNode(id string, subgraph *Graph, opts ...Option) *StateGraph {
	if subgraph == nil {
		sg.recordErr("AddSubgraphNode", errSubgraphNil)
		return sg
	}
	node := &Node{
		ID:       id,
		Name:     id,
		Type:     NodeTypeSubgraph,
		subgraph: subgraph,
	}
	for _, opt := range opts {
		opt(node)
	}
	sg.recordErr("AddSubgraphNode", sg.graph.addNode(node))
	return sg
}

// subgraphNamespace returns the checkpoint namespace of a subgraph node
// nested under the parent namespace.
func subgraphNamespace(parentNS, nodeID string) string {
	if parentNS == "" {
		return nodeID
	}
	return parentNS + CheckpointNamespaceSeparator + nodeID
}

// subgraphExecutor returns the cached executor of a subgraph node, creating
// it on first use with this executor's settings.
func (e *Executor) subgraphExecutor(node *Node) (*Executor, error) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if sub, ok := e.subExecutors[node.ID]; ok {
		return sub, nil
	}

	opts := []ExecutorOption{
		WithChannelBufferSize(e.channelBufferSize),
		WithMaxSteps(e.maxSteps),
		WithStepTimeout(e.stepTimeout),
		WithNodeTimeout(e.nodeTimeout),
		WithMaxConcurrency(e.maxConcurrency),
		WithFailFast(e.failFast),
		WithCheckpointSaveTimeout(e.checkpointSaveTimeout),
	}
	if e.checkpointManager != nil {
		opts = append(opts, WithCheckpointSaver(e.checkpointManager.Saver()))
	}
	sub, err := NewExecutor(node.subgraph, opts...)
	if err != nil {
		return nil, fmt.Errorf("create executor for subgraph %s: %w", node.ID, err)
	}
	if e.subExecutors == nil {
		e.subExecutors = make(map[string]*Executor)
	}
	e.subExecutors[node.ID] = sub
	return sub, nil
}

// executeSubgraphNode runs the child graph to completion and returns the
// parent state update derived from its final state. A child interrupt
// bubbles up as a parent interrupt whose resume re-runs this node; the
// re-run restores the child from its namespaced checkpoint and injects the
// parent's resume values.
func (e *Executor) executeSubgraphNode(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	t *Task,
	taskState State,
) (any, error) {
	sub, err := e.subgraphExecutor(node)
	if err != nil {
		return nil, err
	}

	childState, err := e.subgraphInputState(ctx, node, taskState)
	if err != nil {
		return nil, fmt.Errorf("map input for subgraph %s: %w", node.ID, err)
	}

	childNS := subgraphNamespace(execCtx.CheckpointNS, node.ID)
	if e.checkpointManager != nil && execCtx.LineageID != "" {
		childState[CfgKeyLineageID] = execCtx.LineageID
		childState[CfgKeyCheckpointNS] = childNS
		if cmd := e.subgraphResumeCommand(ctx, sub, execCtx, childNS, taskState); cmd != nil {
			childState[StateKeyCommand] = cmd
		}
	}

	forward := func(evt *event.Event) {
		if evt == nil {
			return
		}
		if evt.Branch == "" {
			evt.Branch = childNS
		}
		e.emitEvent(ctx, execCtx, evt)
	}
	childFinal, err := sub.runToCompletion(ctx, childState, execCtx.InvocationID, forward)
	if err != nil {
		if intr, ok := AsInterruptError(err); ok {
			return nil, e.wrapSubgraphInterrupt(node, t, intr)
		}
		return nil, fmt.Errorf("subgraph %s: %w", node.ID, err)
	}

	update, err := e.subgraphOutputState(ctx, node, taskState, childFinal)
	if err != nil {
		return nil, fmt.Errorf("map output for subgraph %s: %w", node.ID, err)
	}
	return update, nil
}

// subgraphInputState projects the parent task state into the child input:
// the custom mapper when set, otherwise the parent fields declared by the
// child schema.
func (e *Executor) subgraphInputState(ctx context.Context, node *Node, taskState State) (State, error) {
	if node.subgraphInput != nil {
		mapped, err := node.subgraphInput(ctx, sanitizedState(taskState))
		if err != nil {
			return nil, err
		}
		if mapped == nil {
			mapped = make(State)
		}
		return mapped, nil
	}
	input := make(State)
	for key := range node.subgraph.Schema().FieldMap() {
		if value, ok := taskState[key]; ok {
			input[key] = deepCopyAny(value)
		}
	}
	return input, nil
}

// subgraphOutputState projects the child's final state into the parent
// update merged by the parent reducers.
func (e *Executor) subgraphOutputState(
	ctx context.Context,
	node *Node,
	taskState State,
	childFinal State,
) (State, error) {
	child := sanitizedState(childFinal)
	if node.subgraphOutput != nil {
		return node.subgraphOutput(ctx, sanitizedState(taskState), child)
	}
	update := make(State)
	for key := range e.graph.Schema().FieldMap() {
		if value, ok := child[key]; ok {
			update[key] = value
		}
	}
	return update, nil
}

// sanitizedState copies a state without engine bookkeeping keys.
func sanitizedState(state State) State {
	out := make(State, len(state))
	for key, value := range state {
		if isInternalStateKey(key) || isUnsafeStateKey(key) {
			continue
		}
		out[key] = value
	}
	return out
}

// subgraphResumeCommand builds the resume command injected into the child
// when the child suspended on an interrupt in a prior run. Resume values the
// parent carries for this generation are handed down unchanged.
func (e *Executor) subgraphResumeCommand(
	ctx context.Context,
	sub *Executor,
	execCtx *ExecutionContext,
	childNS string,
	taskState State,
) *Command {
	tuple, err := sub.checkpointManager.Latest(ctx, execCtx.LineageID, childNS)
	if err != nil || tuple == nil || tuple.Checkpoint == nil {
		return nil
	}
	if tuple.Checkpoint.InterruptState == nil {
		return nil
	}
	cmd := &Command{}
	if value, ok := taskState[ResumeChannel]; ok {
		cmd.Resume = value
	}
	if resumeMap, ok := taskState[StateKeyResumeMap].(map[string]any); ok && len(resumeMap) > 0 {
		cmd.ResumeMap = make(map[string]any, len(resumeMap))
		for key, value := range resumeMap {
			cmd.ResumeMap[key] = value
		}
	}
	return cmd
}

// wrapSubgraphInterrupt lifts a child interrupt into the parent run. The
// parent frontier re-runs this node; the re-run resumes the child from its
// own checkpoint instead of restarting it.
func (e *Executor) wrapSubgraphInterrupt(node *Node, t *Task, intr *InterruptError) *InterruptError {
	out := &InterruptError{
		Value:     intr.Value,
		Key:       intr.Key,
		NodeID:    node.ID,
		TaskID:    t.TaskID,
		NextNodes: []string{node.ID},
	}
	return out
}
