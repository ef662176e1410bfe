//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package debug

import "time"

// graphSummary is the listing entry for one registered graph.
type graphSummary struct {
	Name       string `json:"name"`
	EntryPoint string `json:"entryPoint"`
	NodeCount  int    `json:"nodeCount"`
}

// graphDetail describes a graph's topology.
type graphDetail struct {
	Name             string            `json:"name"`
	EntryPoint       string            `json:"entryPoint"`
	Nodes            []nodeDetail      `json:"nodes"`
	Edges            []edgeDetail      `json:"edges"`
	ConditionalEdges []condEdgeDetail  `json:"conditionalEdges,omitempty"`
	JoinEdges        []joinEdgeDetail  `json:"joinEdges,omitempty"`
	InterruptBefore  []string          `json:"interruptBefore,omitempty"`
	InterruptAfter   []string          `json:"interruptAfter,omitempty"`
	StateFields      map[string]string `json:"stateFields,omitempty"`
}

type nodeDetail struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
}

type edgeDetail struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type condEdgeDetail struct {
	From       string   `json:"from"`
	Candidates []string `json:"candidates"`
}

type joinEdgeDetail struct {
	Froms []string `json:"froms"`
	To    string   `json:"to"`
}

// invokeRequest starts a run of a registered graph.
type invokeRequest struct {
	// State is the initial user state.
	State map[string]any `json:"state"`
	// LineageID keys the run's checkpoints; generated when empty.
	LineageID string `json:"lineageId,omitempty"`
	// InvocationID tags the run's events; generated when empty.
	InvocationID string `json:"invocationId,omitempty"`
}

// resumeRequest continues a suspended run.
type resumeRequest struct {
	LineageID string `json:"lineageId"`
	// Update is merged into the restored state before the frontier re-runs.
	Update map[string]any `json:"update,omitempty"`
	// ResumeValue answers the single pending interrupt.
	ResumeValue any `json:"resumeValue,omitempty"`
	// ResumeMap answers pending interrupts by key.
	ResumeMap map[string]any `json:"resumeMap,omitempty"`
}

// runResponse is the outcome of an invoke or resume call.
type runResponse struct {
	State          map[string]any `json:"state,omitempty"`
	LineageID      string         `json:"lineageId"`
	Interrupted    bool           `json:"interrupted"`
	InterruptValue any            `json:"interruptValue,omitempty"`
	InterruptKey   string         `json:"interruptKey,omitempty"`
	NextNodes      []string       `json:"nextNodes,omitempty"`
}

// checkpointSummary is one entry of a lineage's history.
type checkpointSummary struct {
	CheckpointID string    `json:"checkpointId"`
	Namespace    string    `json:"namespace,omitempty"`
	ParentID     string    `json:"parentId,omitempty"`
	Source       string    `json:"source"`
	Step         int       `json:"step"`
	Timestamp    time.Time `json:"timestamp"`
	Interrupted  bool      `json:"interrupted"`
}

// checkpointDetail is the full state view of one checkpoint.
type checkpointDetail struct {
	checkpointSummary
	State        map[string]any `json:"state"`
	NextNodes    []string       `json:"nextNodes,omitempty"`
	NextChannels []string       `json:"nextChannels,omitempty"`
}
