//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package graph provides a stateful directed-graph execution engine. A graph
// is built from nodes that read a shared state and return partial updates,
// wired by static edges, conditional (router) edges, and multi-source join
// edges. Execution proceeds in supersteps: all triggered nodes of one step
// run concurrently, their updates merge through schema reducers, and the
// next step is planned from the channels they wrote. Runs can suspend at
// interrupt points, persist checkpoints, and resume later.
package graph

import (
	"context"
	"sort"
	"time"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
)

// Start and End are the pseudo-nodes every run begins and finishes at.
// They cannot be added, removed, or executed.
const (
	Start = "__start__"
	End   = "__end__"
)

// NodeType classifies a node for events and telemetry.
type NodeType string

const (
	// NodeTypeFunction is a plain function node.
	NodeTypeFunction NodeType = "function"
	// NodeTypeSubgraph is a node wrapping a compiled child graph.
	NodeTypeSubgraph NodeType = "subgraph"
)

// NodeFunc is the unit-of-work contract. It receives a copy of the current
// state and returns a sparse update: a State, a *Command, a []*Command for
// fan-out, or nil. The function must not retain or mutate the snapshot after
// returning.
type NodeFunc func(ctx context.Context, state State) (any, error)

// RouterFunc decides where execution continues after a node. It must be a
// pure function of the state snapshot: the engine may re-evaluate it on
// resume or replay.
type RouterFunc func(ctx context.Context, state State) (*RouterResult, error)

// RouterResult is the typed decision of a router: one or more targets to
// schedule, a set of fan-out commands, or the end of the run. Exactly one
// of the constructors below should build it.
type RouterResult struct {
	// Targets lists node IDs to schedule in the next superstep.
	Targets []string
	// Spawns lists fan-out commands; each spawns one task whose input is
	// the parent state overlaid with the command's update.
	Spawns []*Command
	// End terminates routing from this node.
	End bool
}

// RouteTo routes to a single target node.
func RouteTo(target string) *RouterResult {
	return &RouterResult{Targets: []string{target}}
}

// RouteToAll schedules every listed target.
func RouteToAll(targets ...string) *RouterResult {
	return &RouterResult{Targets: append([]string(nil), targets...)}
}

// RouteSpawn schedules one concurrent task per command, forming a fan-out
// generation that joins at the superstep boundary.
func RouteSpawn(cmds ...*Command) *RouterResult {
	return &RouterResult{Spawns: append([]*Command(nil), cmds...)}
}

// RouteEnd stops routing from this node.
func RouteEnd() *RouterResult {
	return &RouterResult{End: true}
}

// Command is a node or router instruction: apply Update to the state and
// optionally schedule GoTo. Resume and ResumeMap inject answers for pending
// interrupts when a run is resumed.
type Command struct {
	// Update is merged into the canonical state through the reducers.
	Update State
	// GoTo schedules the named node in the next superstep.
	GoTo string
	// Resume answers the single pending interrupt.
	Resume any
	// ResumeMap answers pending interrupts by interrupt key.
	ResumeMap map[string]any
}

// RetryPolicy controls re-running a failed node function.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
}

// delayFor returns the backoff delay before the given retry (1-based).
func (p *RetryPolicy) delayFor(retry int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Node is one unit of work in the graph. Immutable after compile.
type Node struct {
	// ID is the unique identifier of the node.
	ID string
	// Name is the human-readable name of the node.
	Name string
	// Description describes what the node does.
	Description string
	// Type classifies the node for events and telemetry.
	Type NodeType
	// Function is the work to execute.
	Function NodeFunc

	// writers lists the channel writes performed when the node completes.
	writers []channelWriteEntry
	// triggers lists the channels whose updates schedule this node.
	triggers []string
	// callbacks are per-node lifecycle hooks.
	callbacks *NodeCallbacks
	// retryPolicy re-runs the node function on failure.
	retryPolicy *RetryPolicy
	// timeout bounds one execution of the node function.
	timeout time.Duration
	// subgraph is the compiled child graph for subgraph nodes.
	subgraph *Graph
	// subgraphInput maps the parent state into the child's input.
	subgraphInput SubgraphInputMapper
	// subgraphOutput maps the child's final state back into the parent.
	subgraphOutput SubgraphOutputMapper
}

// Edge is a static transition between two nodes.
type Edge struct {
	// From is the source node ID.
	From string
	// To is the target node ID.
	To string
}

// ConditionalEdge routes from a node through a router function to one of a
// declared candidate set. Targets outside the set abort the run with a
// *RoutingError.
type ConditionalEdge struct {
	// From is the source node ID.
	From string
	// Router decides the targets from the state snapshot.
	Router RouterFunc
	// Candidates is the declared target set.
	Candidates []string

	candidateSet map[string]bool
}

// allows reports whether target is inside the declared candidate set.
func (ce *ConditionalEdge) allows(target string) bool {
	return ce.candidateSet[target]
}

// JoinEdge schedules To only once every node in Froms has completed for the
// current generation.
type JoinEdge struct {
	// Froms are the source node IDs the barrier waits for.
	Froms []string
	// To is the target node ID.
	To string
}

// channelWriteEntry is a static write performed when a node completes.
type channelWriteEntry struct {
	// Channel is the channel name to write.
	Channel string
	// Value is the written value: a trigger marker, or the sender node ID
	// for barrier channels.
	Value any
}

// channelSpec declares a channel instantiated per execution.
type channelSpec struct {
	// Name is the channel name.
	Name string
	// Type selects the fold behavior.
	Type channel.Type
	// Expected lists barrier senders for barrier channels.
	Expected []string
}

// channelUpdateMarker is the value written to trigger channels.
const channelUpdateMarker = "__channel_update__"

// Graph is a compiled, validated graph definition. It is immutable during
// execution: all per-run channel state lives in the execution context, so
// one compiled graph can serve concurrent runs.
type Graph struct {
	name   string
	schema *StateSchema

	nodes            map[string]*Node
	edges            map[string][]*Edge
	conditionalEdges map[string]*ConditionalEdge
	joinEdges        []*JoinEdge
	// joinSources maps a join target to its declared sources.
	joinSources map[string][]string

	entryPoint string

	channelSpecs   map[string]*channelSpec
	triggerToNodes map[string][]string

	interruptBefore map[string]bool
	interruptAfter  map[string]bool
}

// New creates an empty graph with the given state schema.
func New(schema *StateSchema) *Graph {
	if schema == nil {
		schema = NewStateSchema()
	}
	return &Graph{
		schema:           schema,
		nodes:            make(map[string]*Node),
		edges:            make(map[string][]*Edge),
		conditionalEdges: make(map[string]*ConditionalEdge),
		joinSources:      make(map[string][]string),
		channelSpecs:     make(map[string]*channelSpec),
		triggerToNodes:   make(map[string][]string),
		interruptBefore:  make(map[string]bool),
		interruptAfter:   make(map[string]bool),
	}
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Schema returns the graph's state schema.
func (g *Graph) Schema() *StateSchema { return g.schema }

// EntryPoint returns the node scheduled first.
func (g *Graph) EntryPoint() string { return g.entryPoint }

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns a copy of the node map.
func (g *Graph) Nodes() map[string]*Node {
	out := make(map[string]*Node, len(g.nodes))
	for id, n := range g.nodes {
		out[id] = n
	}
	return out
}

// Edges returns the static edges leaving the given node.
func (g *Graph) Edges(from string) []*Edge {
	return g.edges[from]
}

// ConditionalEdge returns the conditional edge leaving the given node.
func (g *Graph) ConditionalEdge(from string) (*ConditionalEdge, bool) {
	ce, ok := g.conditionalEdges[from]
	return ce, ok
}

// JoinEdges returns the declared join edges.
func (g *Graph) JoinEdges() []*JoinEdge {
	return g.joinEdges
}

// InterruptBeforeNodes returns the nodes execution pauses before.
func (g *Graph) InterruptBeforeNodes() []string {
	return keysOfSet(g.interruptBefore)
}

// InterruptAfterNodes returns the nodes execution pauses after.
func (g *Graph) InterruptAfterNodes() []string {
	return keysOfSet(g.interruptAfter)
}

// joinSourcesOf returns the declared barrier sources of a join target.
func (g *Graph) joinSourcesOf(target string) ([]string, bool) {
	froms, ok := g.joinSources[target]
	return froms, ok
}

// isJoinTarget reports whether the node is the target of a join edge.
func (g *Graph) isJoinTarget(nodeID string) bool {
	_, ok := g.joinSources[nodeID]
	return ok
}

// addNode registers a node.
func (g *Graph) addNode(node *Node) error {
	if node == nil || node.ID == "" {
		return NewGraphValidationError("node must have an ID")
	}
	if node.ID == Start || node.ID == End {
		return NewGraphValidationError("node ID %q is reserved", node.ID)
	}
	if _, exists := g.nodes[node.ID]; exists {
		return NewGraphValidationError("node %s already exists", node.ID)
	}
	if node.Type == "" {
		node.Type = NodeTypeFunction
	}
	if node.Function == nil && node.subgraph == nil {
		return NewGraphValidationError("node %s has no function", node.ID)
	}
	g.nodes[node.ID] = node
	return nil
}

// addEdge registers a static edge and wires its trigger channel. Edges into
// join targets are rewired onto the join barrier at compile time.
func (g *Graph) addEdge(from, to string) error {
	if from == End {
		return NewGraphValidationError("cannot add edge from %s", End)
	}
	if to == Start {
		return NewGraphValidationError("cannot add edge to %s", Start)
	}
	if from == Start {
		if _, ok := g.nodes[to]; !ok {
			return NewGraphValidationError("entry node %s does not exist", to)
		}
		g.entryPoint = to
		return nil
	}
	if _, ok := g.nodes[from]; !ok {
		return NewGraphValidationError("source node %s does not exist", from)
	}
	if to != End {
		if _, ok := g.nodes[to]; !ok {
			return NewGraphValidationError("target node %s does not exist", to)
		}
	}
	g.edges[from] = append(g.edges[from], &Edge{From: from, To: to})
	if to == End {
		return nil
	}
	chName := ChannelBranchPrefix + to
	g.addChannelSpec(chName, channel.TypeLastValue, nil)
	g.addNodeTrigger(chName, to)
	g.addNodeWriter(from, channelWriteEntry{Channel: chName, Value: channelUpdateMarker})
	return nil
}

// addConditionalEdge registers a router edge and pre-wires a branch channel
// per candidate.
func (g *Graph) addConditionalEdge(from string, router RouterFunc, candidates []string) error {
	if _, ok := g.nodes[from]; !ok {
		return NewGraphValidationError("source node %s does not exist", from)
	}
	if router == nil {
		return NewGraphValidationError("conditional edge from %s has no router", from)
	}
	if _, exists := g.conditionalEdges[from]; exists {
		return NewGraphValidationError("node %s already has a conditional edge", from)
	}
	if len(candidates) == 0 {
		return NewGraphValidationError("conditional edge from %s declares no candidates", from)
	}
	set := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if c == End {
			set[c] = true
			continue
		}
		if _, ok := g.nodes[c]; !ok {
			return NewGraphValidationError("candidate node %s does not exist", c)
		}
		set[c] = true
		chName := ChannelBranchPrefix + c
		g.addChannelSpec(chName, channel.TypeLastValue, nil)
		g.addNodeTrigger(chName, c)
	}
	g.conditionalEdges[from] = &ConditionalEdge{
		From:         from,
		Router:       router,
		Candidates:   append([]string(nil), candidates...),
		candidateSet: set,
	}
	return nil
}

// addJoinEdge registers a barrier edge: to runs only after every node in
// froms completed for the current generation.
func (g *Graph) addJoinEdge(froms []string, to string) error {
	if len(froms) == 0 {
		return NewGraphValidationError("join edge into %s declares no sources", to)
	}
	if _, ok := g.nodes[to]; !ok {
		return NewGraphValidationError("join target node %s does not exist", to)
	}
	if _, exists := g.joinSources[to]; exists {
		return NewGraphValidationError("node %s already has a join edge", to)
	}
	seen := make(map[string]bool, len(froms))
	for _, from := range froms {
		if _, ok := g.nodes[from]; !ok {
			return NewGraphValidationError("join source node %s does not exist", from)
		}
		if seen[from] {
			return NewGraphValidationError("join edge into %s lists source %s twice", to, from)
		}
		seen[from] = true
	}
	sources := append([]string(nil), froms...)
	g.joinEdges = append(g.joinEdges, &JoinEdge{Froms: sources, To: to})
	g.joinSources[to] = sources
	chName := ChannelJoinPrefix + to
	g.addChannelSpec(chName, channel.TypeBarrier, sources)
	g.addNodeTrigger(chName, to)
	for _, from := range froms {
		g.addNodeWriter(from, channelWriteEntry{Channel: chName, Value: from})
	}
	return nil
}

// markInterruptBefore pauses execution before the given nodes.
func (g *Graph) markInterruptBefore(nodeIDs []string) error {
	for _, id := range nodeIDs {
		if _, ok := g.nodes[id]; !ok {
			return NewGraphValidationError("interrupt-before node %s does not exist", id)
		}
		g.interruptBefore[id] = true
	}
	return nil
}

// markInterruptAfter pauses execution after the given nodes.
func (g *Graph) markInterruptAfter(nodeIDs []string) error {
	for _, id := range nodeIDs {
		if _, ok := g.nodes[id]; !ok {
			return NewGraphValidationError("interrupt-after node %s does not exist", id)
		}
		g.interruptAfter[id] = true
	}
	return nil
}

// addChannelSpec declares a channel instantiated per execution.
func (g *Graph) addChannelSpec(name string, chType channel.Type, expected []string) {
	if _, exists := g.channelSpecs[name]; exists {
		return
	}
	g.channelSpecs[name] = &channelSpec{Name: name, Type: chType, Expected: expected}
}

// addNodeTrigger maps a channel update to the node it schedules.
func (g *Graph) addNodeTrigger(channelName, nodeID string) {
	for _, existing := range g.triggerToNodes[channelName] {
		if existing == nodeID {
			return
		}
	}
	g.triggerToNodes[channelName] = append(g.triggerToNodes[channelName], nodeID)
	if node, ok := g.nodes[nodeID]; ok {
		node.triggers = append(node.triggers, channelName)
	}
}

// addNodeWriter appends a static channel write to the node.
func (g *Graph) addNodeWriter(nodeID string, entry channelWriteEntry) {
	node, ok := g.nodes[nodeID]
	if !ok {
		return
	}
	for _, existing := range node.writers {
		if existing.Channel == entry.Channel && existing.Value == entry.Value {
			return
		}
	}
	node.writers = append(node.writers, entry)
}

// finalizeJoins rewires static edges into join targets onto the barrier
// channel. Join edges take precedence: a join target never fires through a
// plain trigger, and every static edge into it must come from a declared
// source.
func (g *Graph) finalizeJoins() error {
	for from, edges := range g.edges {
		node, ok := g.nodes[from]
		if !ok {
			continue
		}
		for _, edge := range edges {
			sources, isJoin := g.joinSources[edge.To]
			if !isJoin {
				continue
			}
			if !containsString(sources, from) {
				return NewGraphValidationError(
					"edge %s -> %s targets a join node but %s is not a declared join source",
					from, edge.To, from)
			}
			branch := ChannelBranchPrefix + edge.To
			filtered := node.writers[:0]
			for _, w := range node.writers {
				if w.Channel == branch {
					continue
				}
				filtered = append(filtered, w)
			}
			node.writers = filtered
		}
	}
	// Branch channels for join targets are never planned directly.
	for _, je := range g.joinEdges {
		branch := ChannelBranchPrefix + je.To
		delete(g.channelSpecs, branch)
		delete(g.triggerToNodes, branch)
	}
	return nil
}

// validate checks the structural contracts: declared endpoints, an entry
// point, and a path from the entry to End.
func (g *Graph) validate() error {
	if len(g.nodes) == 0 {
		return NewGraphValidationError("graph has no nodes")
	}
	if g.entryPoint == "" {
		return NewGraphValidationError("entry point is not set")
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return NewGraphValidationError("entry point %s does not exist", g.entryPoint)
	}
	if err := g.schema.Validate(); err != nil {
		return NewGraphValidationError("invalid state schema: %v", err)
	}
	reachable := g.reachableFrom(g.entryPoint)
	if !reachable[End] {
		return NewGraphValidationError("no path from %s reaches %s", g.entryPoint, End)
	}
	for nodeID := range g.nodes {
		if !reachable[nodeID] {
			return NewGraphValidationError("node %s is not reachable from the entry point", nodeID)
		}
	}
	return nil
}

// reachableFrom walks static edges, conditional candidates, and join edges.
// A node with no outgoing edges is treated as flowing to End.
func (g *Graph) reachableFrom(start string) map[string]bool {
	reachable := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[current] {
			continue
		}
		reachable[current] = true
		if current == End {
			continue
		}
		var hasOut bool
		for _, edge := range g.edges[current] {
			hasOut = true
			stack = append(stack, edge.To)
		}
		if ce, ok := g.conditionalEdges[current]; ok {
			hasOut = true
			for _, c := range ce.Candidates {
				stack = append(stack, c)
			}
		}
		for _, je := range g.joinEdges {
			if containsString(je.Froms, current) {
				hasOut = true
				stack = append(stack, je.To)
			}
		}
		if !hasOut {
			reachable[End] = true
		}
	}
	return reachable
}

// Clone returns a deep copy of the graph definition. Node functions,
// routers, and callbacks are shared; all wiring structures are copied so
// the clone shares no mutable state with the original.
func (g *Graph) Clone() *Graph {
	clone := New(cloneSchema(g.schema))
	clone.name = g.name
	clone.entryPoint = g.entryPoint
	for id, n := range g.nodes {
		nc := *n
		nc.writers = append([]channelWriteEntry(nil), n.writers...)
		nc.triggers = append([]string(nil), n.triggers...)
		clone.nodes[id] = &nc
	}
	for from, edges := range g.edges {
		copied := make([]*Edge, len(edges))
		for i, e := range edges {
			ec := *e
			copied[i] = &ec
		}
		clone.edges[from] = copied
	}
	for from, ce := range g.conditionalEdges {
		set := make(map[string]bool, len(ce.candidateSet))
		for k, v := range ce.candidateSet {
			set[k] = v
		}
		clone.conditionalEdges[from] = &ConditionalEdge{
			From:         ce.From,
			Router:       ce.Router,
			Candidates:   append([]string(nil), ce.Candidates...),
			candidateSet: set,
		}
	}
	for _, je := range g.joinEdges {
		jc := &JoinEdge{Froms: append([]string(nil), je.Froms...), To: je.To}
		clone.joinEdges = append(clone.joinEdges, jc)
		clone.joinSources[je.To] = jc.Froms
	}
	for name, spec := range g.channelSpecs {
		clone.channelSpecs[name] = &channelSpec{
			Name:     spec.Name,
			Type:     spec.Type,
			Expected: append([]string(nil), spec.Expected...),
		}
	}
	for ch, nodes := range g.triggerToNodes {
		clone.triggerToNodes[ch] = append([]string(nil), nodes...)
	}
	for id := range g.interruptBefore {
		clone.interruptBefore[id] = true
	}
	for id := range g.interruptAfter {
		clone.interruptAfter[id] = true
	}
	return clone
}

func cloneSchema(s *StateSchema) *StateSchema {
	clone := NewStateSchema()
	for name, field := range s.FieldMap() {
		clone.AddField(name, field)
	}
	return clone
}

func containsString(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}

func keysOfSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

