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
	"time"
)

// NodeCallbackContext identifies the node task a callback observes.
type NodeCallbackContext struct {
	// NodeID is the executing node's ID.
	NodeID string
	// NodeName is the executing node's display name.
	NodeName string
	// NodeType classifies the node.
	NodeType NodeType
	// StepNumber is the superstep the task runs in.
	StepNumber int
	// ExecutionStartTime is when the task started.
	ExecutionStartTime time.Time
	// InvocationID identifies the run.
	InvocationID string
	// TaskID identifies the task instance within the run.
	TaskID string
}

// BeforeNodeCallback runs before the node function. Returning a non-nil
// result short-circuits the node: the result is used as the node's output
// and the node function never runs.
type BeforeNodeCallback func(ctx context.Context, callbackCtx *NodeCallbackContext, state State) (any, error)

// AfterNodeCallback runs after a successful node function. Returning a
// non-nil result replaces the node's output.
type AfterNodeCallback func(ctx context.Context, callbackCtx *NodeCallbackContext, state State, result any, nodeErr error) (any, error)

// OnNodeErrorCallback observes a node function failure. It cannot recover
// the task.
type OnNodeErrorCallback func(ctx context.Context, callbackCtx *NodeCallbackContext, state State, err error)

// NodeCallbacks groups lifecycle hooks for node execution. Executor-wide
// callbacks run before per-node callbacks.
type NodeCallbacks struct {
	// BeforeNode callbacks run in order before the node function.
	BeforeNode []BeforeNodeCallback
	// AfterNode callbacks run in order after the node function.
	AfterNode []AfterNodeCallback
	// OnNodeError callbacks run when the node function fails.
	OnNodeError []OnNodeErrorCallback
}

// NewNodeCallbacks creates an empty callback set.
func NewNodeCallbacks() *NodeCallbacks {
	return &NodeCallbacks{}
}

// RegisterBeforeNode appends a before-node callback and returns the set for
// chaining.
func (c *NodeCallbacks) RegisterBeforeNode(cb BeforeNodeCallback) *NodeCallbacks {
	c.BeforeNode = append(c.BeforeNode, cb)
	return c
}

// RegisterAfterNode appends an after-node callback.
func (c *NodeCallbacks) RegisterAfterNode(cb AfterNodeCallback) *NodeCallbacks {
	c.AfterNode = append(c.AfterNode, cb)
	return c
}

// RegisterOnNodeError appends an error callback.
func (c *NodeCallbacks) RegisterOnNodeError(cb OnNodeErrorCallback) *NodeCallbacks {
	c.OnNodeError = append(c.OnNodeError, cb)
	return c
}

// RunBeforeNode runs the before callbacks in order. The first non-nil
// result short-circuits the node and is returned as its output.
func (c *NodeCallbacks) RunBeforeNode(ctx context.Context, callbackCtx *NodeCallbackContext, state State) (any, error) {
	for _, cb := range c.BeforeNode {
		result, err := cb(ctx, callbackCtx, state)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}
	return nil, nil
}

// RunAfterNode runs the after callbacks in order. The first non-nil result
// replaces the node's output.
func (c *NodeCallbacks) RunAfterNode(ctx context.Context, callbackCtx *NodeCallbackContext, state State, result any, nodeErr error) (any, error) {
	for _, cb := range c.AfterNode {
		custom, err := cb(ctx, callbackCtx, state, result, nodeErr)
		if err != nil {
			return nil, err
		}
		if custom != nil {
			return custom, nil
		}
	}
	return nil, nil
}

// RunOnNodeError runs the error callbacks in order.
func (c *NodeCallbacks) RunOnNodeError(ctx context.Context, callbackCtx *NodeCallbackContext, state State, err error) {
	for _, cb := range c.OnNodeError {
		cb(ctx, callbackCtx, state, err)
	}
}

// mergeNodeCallbacks merges executor-wide and per-node callbacks. Global
// callbacks run first.
func mergeNodeCallbacks(global, perNode *NodeCallbacks) *NodeCallbacks {
	if global == nil && perNode == nil {
		return nil
	}
	if global == nil {
		return perNode
	}
	if perNode == nil {
		return global
	}
	merged := NewNodeCallbacks()
	merged.BeforeNode = append(merged.BeforeNode, global.BeforeNode...)
	merged.AfterNode = append(merged.AfterNode, global.AfterNode...)
	merged.OnNodeError = append(merged.OnNodeError, global.OnNodeError...)
	merged.BeforeNode = append(merged.BeforeNode, perNode.BeforeNode...)
	merged.AfterNode = append(merged.AfterNode, perNode.AfterNode...)
	merged.OnNodeError = append(merged.OnNodeError, perNode.OnNodeError...)
	return merged
}
