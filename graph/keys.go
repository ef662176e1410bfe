//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

// Config map keys (used under config["configurable"])
const (
	CfgKeyConfigurable = "configurable"
	CfgKeyLineageID    = "lineage_id"
	// CfgKeyThreadID is accepted as an alias of lineage_id for callers that
	// key runs by thread.
	CfgKeyThreadID     = "thread_id"
	CfgKeyCheckpointID = "checkpoint_id"
	CfgKeyCheckpointNS = "checkpoint_ns"
	CfgKeyResumeMap    = "resume_map"
)

// State map keys (stored into execution state)
const (
	StateKeyCommand   = "__command__"
	StateKeyResumeMap = "__resume_map__"
	// ResumeChannel carries a single resume value injected by Command.Resume.
	ResumeChannel = "__resume__"

	StateKeyExecContext          = "__exec_context__"
	StateKeyCurrentNodeID        = "__current_node_id__"
	StateKeyNodeCallbacks        = "__node_callbacks__"
	StateKeyStaticInterruptSkips = "__static_interrupt_skips__"
	StateKeyUsedInterrupts       = "__used_interrupts__"
	StateKeySubgraphInterrupt    = "__subgraph_interrupt__"
	StateKeyNextNodes            = "__next_nodes__"
)

// Checkpoint Metadata.Source enumeration values
const (
	CheckpointSourceInput     = "input"
	CheckpointSourceLoop      = "loop"
	CheckpointSourceUpdate    = "update"
	CheckpointSourceInterrupt = "interrupt"
	CheckpointSourceFork      = "fork"

	// DefaultCheckpointNamespace is the namespace of the root graph.
	DefaultCheckpointNamespace = ""

	// CheckpointNamespaceSeparator joins parent and child namespaces for
	// nested subgraph checkpoints.
	CheckpointNamespaceSeparator = "/"
)

// Channel naming conventions
const (
	ChannelInputPrefix   = "input:"
	ChannelTriggerPrefix = "trigger:"
	ChannelBranchPrefix  = "branch:to:"
	ChannelJoinPrefix    = "join:"
)

// isInternalStateKey reports whether key is engine bookkeeping that must not
// leak into serialized output or user-visible final state.
func isInternalStateKey(key string) bool {
	switch key {
	case StateKeyCommand,
		StateKeyResumeMap,
		ResumeChannel,
		StateKeyExecContext,
		StateKeyCurrentNodeID,
		StateKeyNodeCallbacks,
		StateKeyStaticInterruptSkips,
		StateKeyUsedInterrupts,
		StateKeySubgraphInterrupt,
		StateKeyNextNodes:
		return true
	}
	return false
}

// isUnsafeStateKey reports whether key carries runtime-only values (function
// pointers, channels, contexts) that must never be persisted in checkpoints.
func isUnsafeStateKey(key string) bool {
	switch key {
	case StateKeyExecContext,
		StateKeyCurrentNodeID,
		StateKeyNodeCallbacks:
		return true
	}
	return false
}
