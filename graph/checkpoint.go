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

	"github.com/google/uuid"
)

// CheckpointVersion is the format version of persisted checkpoints.
const CheckpointVersion = 1

// DefaultMaxCheckpointsPerLineage bounds in-memory checkpoint retention per
// lineage before the oldest checkpoints are pruned.
const DefaultMaxCheckpointsPerLineage = 100

// Checkpoint is a persisted snapshot of one run position: the channel
// values, the version bookkeeping that drives planning, and the frontier to
// resume from. Checkpoints are superseded, never mutated.
type Checkpoint struct {
	// Version is the checkpoint format version.
	Version int `json:"v"`
	// ID is the unique checkpoint identifier, monotonically sortable only
	// by Timestamp.
	ID string `json:"id"`
	// Timestamp is the creation time (UTC).
	Timestamp time.Time `json:"ts"`
	// ChannelValues holds the persisted state and channel values.
	ChannelValues map[string]any `json:"channel_values"`
	// ChannelVersions is the latest version of each channel.
	ChannelVersions map[string]int64 `json:"channel_versions"`
	// VersionsSeen tracks, per node, the channel versions it has consumed.
	VersionsSeen map[string]map[string]int64 `json:"versions_seen"`
	// UpdatedChannels lists the channels written in the producing step.
	UpdatedChannels []string `json:"updated_channels,omitempty"`
	// BarrierSets snapshots the senders collected by each join barrier.
	BarrierSets map[string][]string `json:"barrier_sets,omitempty"`
	// NextNodes is the frontier: nodes to schedule on resume.
	NextNodes []string `json:"next_nodes,omitempty"`
	// NextChannels lists the channels that trigger the frontier.
	NextChannels []string `json:"next_channels,omitempty"`
	// ParentCheckpointID links to the checkpoint this one advanced from.
	ParentCheckpointID string `json:"parent_checkpoint_id,omitempty"`
	// InterruptState carries the pending interrupt, if the run suspended.
	InterruptState *InterruptState `json:"interrupt_state,omitempty"`
}

// InterruptState records why a checkpointed run suspended and where it
// resumes.
type InterruptState struct {
	// NodeID is the node that raised or owns the interrupt.
	NodeID string `json:"node_id,omitempty"`
	// TaskID is the task instance that raised the interrupt.
	TaskID string `json:"task_id,omitempty"`
	// Key identifies the interrupt for resume-value injection.
	Key string `json:"key,omitempty"`
	// Value is the interrupt payload shown to the caller.
	Value any `json:"value,omitempty"`
	// Step is the superstep the interrupt occurred in.
	Step int `json:"step"`
}

// NewCheckpoint creates a checkpoint with a fresh ID and timestamp.
func NewCheckpoint(
	channelValues map[string]any,
	channelVersions map[string]int64,
	versionsSeen map[string]map[string]int64,
) *Checkpoint {
	if channelValues == nil {
		channelValues = make(map[string]any)
	}
	if channelVersions == nil {
		channelVersions = make(map[string]int64)
	}
	if versionsSeen == nil {
		versionsSeen = make(map[string]map[string]int64)
	}
	return &Checkpoint{
		Version:         CheckpointVersion,
		ID:              uuid.New().String(),
		Timestamp:       time.Now().UTC(),
		ChannelValues:   channelValues,
		ChannelVersions: channelVersions,
		VersionsSeen:    versionsSeen,
	}
}

// Copy returns a deep copy of the checkpoint with the same identity.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.ChannelValues = make(map[string]any, len(c.ChannelValues))
	for k, v := range c.ChannelValues {
		out.ChannelValues[k] = deepCopyAny(v)
	}
	out.ChannelVersions = make(map[string]int64, len(c.ChannelVersions))
	for k, v := range c.ChannelVersions {
		out.ChannelVersions[k] = v
	}
	out.VersionsSeen = make(map[string]map[string]int64, len(c.VersionsSeen))
	for node, seen := range c.VersionsSeen {
		inner := make(map[string]int64, len(seen))
		for ch, v := range seen {
			inner[ch] = v
		}
		out.VersionsSeen[node] = inner
	}
	out.UpdatedChannels = append([]string(nil), c.UpdatedChannels...)
	out.NextNodes = append([]string(nil), c.NextNodes...)
	out.NextChannels = append([]string(nil), c.NextChannels...)
	if c.BarrierSets != nil {
		out.BarrierSets = make(map[string][]string, len(c.BarrierSets))
		for ch, senders := range c.BarrierSets {
			out.BarrierSets[ch] = append([]string(nil), senders...)
		}
	}
	if c.InterruptState != nil {
		is := *c.InterruptState
		out.InterruptState = &is
	}
	return &out
}

// Fork returns a copy with a new identity whose parent is this checkpoint.
// Forked checkpoints start alternative histories for time travel.
func (c *Checkpoint) Fork() *Checkpoint {
	out := c.Copy()
	out.ParentCheckpointID = c.ID
	out.ID = uuid.New().String()
	out.Timestamp = time.Now().UTC()
	return out
}

// CheckpointMetadata describes how a checkpoint came to be.
type CheckpointMetadata struct {
	// Source is one of the CheckpointSource* values.
	Source string `json:"source"`
	// Step is the superstep that produced the checkpoint; -1 for input.
	Step int `json:"step"`
	// Parents maps checkpoint namespace to parent checkpoint ID.
	Parents map[string]string `json:"parents,omitempty"`
	// Extra carries caller-defined metadata.
	Extra map[string]any `json:"extra,omitempty"`
}

// NewCheckpointMetadata creates metadata for the given source and step.
func NewCheckpointMetadata(source string, step int) *CheckpointMetadata {
	return &CheckpointMetadata{
		Source:  source,
		Step:    step,
		Parents: make(map[string]string),
		Extra:   make(map[string]any),
	}
}

// CheckpointTuple bundles a checkpoint with its addressing config, metadata,
// parent link, and the pending writes recorded after it.
type CheckpointTuple struct {
	// Config addresses the checkpoint (lineage, namespace, ID).
	Config map[string]any `json:"config"`
	// Checkpoint is the snapshot itself.
	Checkpoint *Checkpoint `json:"checkpoint"`
	// Metadata describes the snapshot's origin.
	Metadata *CheckpointMetadata `json:"metadata"`
	// ParentConfig addresses the parent checkpoint, if any.
	ParentConfig map[string]any `json:"parent_config,omitempty"`
	// PendingWrites are the writes recorded after this checkpoint.
	PendingWrites []PendingWrite `json:"pending_writes,omitempty"`
}

// PendingWrite is one channel write produced by a task, persisted so a
// crashed superstep can be diagnosed and resumed.
type PendingWrite struct {
	// TaskID identifies the producing task.
	TaskID string `json:"task_id"`
	// Channel is the written channel.
	Channel string `json:"channel"`
	// Value is the written value.
	Value any `json:"value"`
	// Sequence orders writes within one checkpoint.
	Sequence int64 `json:"seq"`
}

// CheckpointFilter narrows List results.
type CheckpointFilter struct {
	// Before returns only checkpoints older than the referenced one.
	Before map[string]any
	// Limit caps the number of results; zero means no cap.
	Limit int
	// Metadata requires matching Extra metadata values.
	Metadata map[string]any
}

// PutRequest stores a checkpoint.
type PutRequest struct {
	// Config addresses the lineage and namespace; its checkpoint ID, if
	// set, becomes the parent.
	Config map[string]any
	// Checkpoint is the snapshot to store.
	Checkpoint *Checkpoint
	// Metadata describes the snapshot's origin.
	Metadata *CheckpointMetadata
	// NewVersions are the channel versions produced by the step.
	NewVersions map[string]int64
}

// PutWritesRequest stores intermediate task writes for a checkpoint.
type PutWritesRequest struct {
	// Config addresses the checkpoint (lineage, namespace, checkpoint ID).
	Config map[string]any
	// Writes are the channel writes to record.
	Writes []PendingWrite
	// TaskID identifies the producing task.
	TaskID string
	// TaskPath locates the task in nested executions.
	TaskPath string
}

// PutFullRequest stores a checkpoint together with its pending writes
// atomically.
type PutFullRequest struct {
	// Config addresses the lineage and namespace.
	Config map[string]any
	// Checkpoint is the snapshot to store.
	Checkpoint *Checkpoint
	// Metadata describes the snapshot's origin.
	Metadata *CheckpointMetadata
	// NewVersions are the channel versions produced by the step.
	NewVersions map[string]int64
	// PendingWrites are recorded alongside the checkpoint.
	PendingWrites []PendingWrite
}

// CheckpointSaver persists checkpoints keyed by lineage ID and namespace.
// Implementations must be safe for concurrent use.
type CheckpointSaver interface {
	// Get returns the checkpoint addressed by config, or the latest one of
	// the lineage/namespace when config names no checkpoint ID.
	Get(ctx context.Context, config map[string]any) (*Checkpoint, error)
	// GetTuple returns the checkpoint with its metadata and pending writes.
	GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error)
	// List returns checkpoints of a lineage/namespace, newest first.
	List(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*CheckpointTuple, error)
	// Put stores a checkpoint and returns the updated config.
	Put(ctx context.Context, req PutRequest) (map[string]any, error)
	// PutWrites stores intermediate writes for a checkpoint.
	PutWrites(ctx context.Context, req PutWritesRequest) error
	// PutFull atomically stores a checkpoint with its pending writes.
	PutFull(ctx context.Context, req PutFullRequest) (map[string]any, error)
	// DeleteLineage removes every checkpoint and write of a lineage.
	DeleteLineage(ctx context.Context, lineageID string) error
	// Close releases resources held by the saver.
	Close() error
}

// GetLineageID extracts the lineage ID from config, accepting thread_id as
// an alias.
func GetLineageID(config map[string]any) string {
	configurable, ok := config[CfgKeyConfigurable].(map[string]any)
	if !ok {
		return ""
	}
	if id, ok := configurable[CfgKeyLineageID].(string); ok && id != "" {
		return id
	}
	if id, ok := configurable[CfgKeyThreadID].(string); ok {
		return id
	}
	return ""
}

// GetThreadID is an alias of GetLineageID kept for thread-keyed callers.
func GetThreadID(config map[string]any) string {
	return GetLineageID(config)
}

// GetNamespace extracts the checkpoint namespace from config.
func GetNamespace(config map[string]any) string {
	configurable, ok := config[CfgKeyConfigurable].(map[string]any)
	if !ok {
		return DefaultCheckpointNamespace
	}
	if ns, ok := configurable[CfgKeyCheckpointNS].(string); ok {
		return ns
	}
	return DefaultCheckpointNamespace
}

// GetCheckpointID extracts the checkpoint ID from config.
func GetCheckpointID(config map[string]any) string {
	configurable, ok := config[CfgKeyConfigurable].(map[string]any)
	if !ok {
		return ""
	}
	if id, ok := configurable[CfgKeyCheckpointID].(string); ok {
		return id
	}
	return ""
}

// GetResumeMap extracts the resume-value map from config.
func GetResumeMap(config map[string]any) map[string]any {
	configurable, ok := config[CfgKeyConfigurable].(map[string]any)
	if !ok {
		return nil
	}
	if m, ok := configurable[CfgKeyResumeMap].(map[string]any); ok {
		return m
	}
	return nil
}

// CreateCheckpointConfig builds a saver config addressing one checkpoint.
// The lineage ID is stored under both lineage_id and its thread_id alias.
func CreateCheckpointConfig(lineageID, checkpointID, namespace string) map[string]any {
	configurable := map[string]any{
		CfgKeyLineageID: lineageID,
		CfgKeyThreadID:  lineageID,
	}
	if checkpointID != "" {
		configurable[CfgKeyCheckpointID] = checkpointID
	}
	if namespace != "" {
		configurable[CfgKeyCheckpointNS] = namespace
	}
	return map[string]any{CfgKeyConfigurable: configurable}
}

// CheckpointConfig builds saver configs fluently.
type CheckpointConfig struct {
	// LineageID keys the run's checkpoint history.
	LineageID string
	// Namespace isolates subgraph checkpoints; empty for the root graph.
	Namespace string
	// CheckpointID addresses one checkpoint; empty means latest.
	CheckpointID string
}

// NewCheckpointConfig creates a config builder for the lineage.
func NewCheckpointConfig(lineageID string) *CheckpointConfig {
	return &CheckpointConfig{LineageID: lineageID, Namespace: DefaultCheckpointNamespace}
}

// WithNamespace sets the checkpoint namespace.
func (c *CheckpointConfig) WithNamespace(namespace string) *CheckpointConfig {
	c.Namespace = namespace
	return c
}

// WithCheckpointID addresses a specific checkpoint.
func (c *CheckpointConfig) WithCheckpointID(checkpointID string) *CheckpointConfig {
	c.CheckpointID = checkpointID
	return c
}

// ToMap renders the saver config map.
func (c *CheckpointConfig) ToMap() map[string]any {
	return CreateCheckpointConfig(c.LineageID, c.CheckpointID, c.Namespace)
}

// setConfigCheckpointID writes the resolved checkpoint ID back into config.
func setConfigCheckpointID(config map[string]any, checkpointID string) {
	configurable, ok := config[CfgKeyConfigurable].(map[string]any)
	if !ok {
		configurable = make(map[string]any)
		config[CfgKeyConfigurable] = configurable
	}
	configurable[CfgKeyCheckpointID] = checkpointID
}

// CheckpointManager exposes saver operations used by the run controller,
// time travel, and the debug server.
type CheckpointManager struct {
	saver CheckpointSaver
}

// NewCheckpointManager creates a manager over the given saver.
func NewCheckpointManager(saver CheckpointSaver) *CheckpointManager {
	if saver == nil {
		return nil
	}
	return &CheckpointManager{saver: saver}
}

// Saver returns the underlying saver.
func (m *CheckpointManager) Saver() CheckpointSaver {
	return m.saver
}

// Latest returns the newest checkpoint tuple of a lineage/namespace, or nil
// when the lineage has no checkpoints.
func (m *CheckpointManager) Latest(ctx context.Context, lineageID, namespace string) (*CheckpointTuple, error) {
	if lineageID == "" {
		return nil, ErrLineageIDRequired
	}
	cfg := CreateCheckpointConfig(lineageID, "", namespace)
	return m.saver.GetTuple(ctx, cfg)
}

// ListCheckpoints returns the checkpoints of a lineage, newest first.
func (m *CheckpointManager) ListCheckpoints(
	ctx context.Context,
	config map[string]any,
	filter *CheckpointFilter,
) ([]*CheckpointTuple, error) {
	return m.saver.List(ctx, config, filter)
}

// DeleteLineage removes every checkpoint of a lineage.
func (m *CheckpointManager) DeleteLineage(ctx context.Context, lineageID string) error {
	if lineageID == "" {
		return ErrLineageIDRequired
	}
	return m.saver.DeleteLineage(ctx, lineageID)
}
