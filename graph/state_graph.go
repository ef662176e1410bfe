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
	"strings"
	"time"
)

// StateGraph builds a graph definition fluently and compiles it into an
// immutable, validated Graph:
//
//	schema := NewStateSchema().AddField("counter", StateField{...})
//	g, err := NewStateGraph(schema).
//		AddNode("prepare", prepareFn).
//		AddNode("work", workFn).
//		AddEdge("prepare", "work").
//		SetEntryPoint("prepare").
//		SetFinishPoint("work").
//		Compile()
//
// Add methods record errors instead of panicking; Compile reports them all.
type StateGraph struct {
	graph       *Graph
	buildErrors []error
}

// NewStateGraph creates a builder over the given state schema.
func NewStateGraph(schema *StateSchema) *StateGraph {
	return &StateGraph{graph: New(schema)}
}

// Option configures a node at build time.
type Option func(*Node)

// WithName sets the human-readable node name.
func WithName(name string) Option {
	return func(n *Node) { n.Name = name }
}

// WithDescription sets the node description.
func WithDescription(description string) Option {
	return func(n *Node) { n.Description = description }
}

// WithNodeCallbacks attaches lifecycle callbacks to the node. They run
// after any executor-wide callbacks.
func WithNodeCallbacks(callbacks *NodeCallbacks) Option {
	return func(n *Node) { n.callbacks = callbacks }
}

// WithRetryPolicy re-runs the node function on failure per the policy.
func WithRetryPolicy(policy *RetryPolicy) Option {
	return func(n *Node) { n.retryPolicy = policy }
}

// WithTimeout bounds a single execution of the node function. The expired
// timeout surfaces as an ordinary node error.
func WithTimeout(timeout time.Duration) Option {
	return func(n *Node) { n.timeout = timeout }
}

// SetName names the graph for telemetry and the debug server.
func (sg *StateGraph) SetName(name string) *StateGraph {
	sg.graph.name = name
	return sg
}

// AddNode adds a function node to the graph.
func (sg *StateGraph) AddNode(id string, function NodeFunc, opts ...Option) *StateGraph {
	node := &Node{
		ID:       id,
		Name:     id,
		Type:     NodeTypeFunction,
		Function: function,
	}
	for _, opt := range opts {
		opt(node)
	}
	sg.recordErr("AddNode", sg.graph.addNode(node))
	return sg
}

// AddEdge adds a static edge between two nodes.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	sg.recordErr("AddEdge", sg.graph.addEdge(from, to))
	return sg
}

// AddRouterEdge adds a conditional edge whose router returns a typed
// RouterResult: one target, several targets, fan-out commands, or End.
// Candidates declare every node the router may select; targets outside the
// set abort the run with a *RoutingError.
func (sg *StateGraph) AddRouterEdge(from string, router RouterFunc, candidates ...string) *StateGraph {
	sg.recordErr("AddRouterEdge", sg.graph.addConditionalEdge(from, router, candidates))
	return sg
}

// ConditionalFunc selects the key of the chosen path in a path map.
type ConditionalFunc func(ctx context.Context, state State) (string, error)

// AddConditionalEdges adds a conditional edge in path-map form: condition
// returns a key, pathMap maps keys to target nodes (End allowed). The
// candidate set is the path map's values.
func (sg *StateGraph) AddConditionalEdges(
	from string,
	condition ConditionalFunc,
	pathMap map[string]string,
) *StateGraph {
	if condition == nil {
		sg.recordErr("AddConditionalEdges",
			NewGraphValidationError("conditional edge from %s has no condition", from))
		return sg
	}
	if len(pathMap) == 0 {
		sg.recordErr("AddConditionalEdges",
			NewGraphValidationError("conditional edge from %s has an empty path map", from))
		return sg
	}
	candidates := make([]string, 0, len(pathMap))
	seen := make(map[string]bool, len(pathMap))
	for _, target := range pathMap {
		if seen[target] {
			continue
		}
		seen[target] = true
		candidates = append(candidates, target)
	}
	router := func(ctx context.Context, state State) (*RouterResult, error) {
		key, err := condition(ctx, state)
		if err != nil {
			return nil, err
		}
		target, ok := pathMap[key]
		if !ok {
			// An unmapped key is routed literally so the candidate check
			// reports it.
			target = key
		}
		if target == End {
			return RouteEnd(), nil
		}
		return RouteTo(target), nil
	}
	sg.recordErr("AddConditionalEdges", sg.graph.addConditionalEdge(from, router, candidates))
	return sg
}

// AddJoinEdge adds a barrier edge: to runs only once every node in froms
// has completed for the current generation. Join edges take precedence over
// other edges into the same target.
func (sg *StateGraph) AddJoinEdge(froms []string, to string) *StateGraph {
	sg.recordErr("AddJoinEdge", sg.graph.addJoinEdge(froms, to))
	return sg
}

// SetEntryPoint sets the node scheduled first.
func (sg *StateGraph) SetEntryPoint(nodeID string) *StateGraph {
	sg.recordErr("SetEntryPoint", sg.graph.addEdge(Start, nodeID))
	return sg
}

// SetFinishPoint routes the node to End.
func (sg *StateGraph) SetFinishPoint(nodeID string) *StateGraph {
	sg.recordErr("SetFinishPoint", sg.graph.addEdge(nodeID, End))
	return sg
}

// WithInterruptBefore pauses execution before the given nodes, persisting a
// checkpoint and returning control to the caller.
func (sg *StateGraph) WithInterruptBefore(nodeIDs ...string) *StateGraph {
	sg.recordErr("WithInterruptBefore", sg.graph.markInterruptBefore(nodeIDs))
	return sg
}

// WithInterruptAfter pauses execution after the given nodes.
func (sg *StateGraph) WithInterruptAfter(nodeIDs ...string) *StateGraph {
	sg.recordErr("WithInterruptAfter", sg.graph.markInterruptAfter(nodeIDs))
	return sg
}

// Compile validates the definition and returns an immutable graph. Each
// call returns an independent copy: compiled graphs share no mutable state.
func (sg *StateGraph) Compile() (*Graph, error) {
	if len(sg.buildErrors) > 0 {
		msgs := make([]string, len(sg.buildErrors))
		for i, err := range sg.buildErrors {
			msgs[i] = err.Error()
		}
		return nil, fmt.Errorf("graph build failed: %s", strings.Join(msgs, "; "))
	}
	compiled := sg.graph.Clone()
	if err := compiled.finalizeJoins(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	if err := compiled.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	return compiled, nil
}

// MustCompile compiles the graph and panics on error.
func (sg *StateGraph) MustCompile() *Graph {
	g, err := sg.Compile()
	if err != nil {
		panic(err)
	}
	return g
}

func (sg *StateGraph) recordErr(op string, err error) {
	if err == nil {
		return
	}
	sg.buildErrors = append(sg.buildErrors, fmt.Errorf("%s: %w", op, err))
}

// Errors returns the build errors recorded so far.
func (sg *StateGraph) Errors() []error {
	return append([]error(nil), sg.buildErrors...)
}

var errSubgraphNil = errors.New("subgraph is nil")
