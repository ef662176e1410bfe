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
	"sort"
	"strings"
	"time"
)

const (
	// CheckpointMetaKeyBaseCheckpointID is stored in CheckpointMetadata.Extra
	// when a checkpoint is created via TimeTravel.EditState or Fork.
	CheckpointMetaKeyBaseCheckpointID = "base_checkpoint_id"
	// CheckpointMetaKeyUpdatedKeys is stored in CheckpointMetadata.Extra when
	// a checkpoint is created via TimeTravel.EditState.
	CheckpointMetaKeyUpdatedKeys = "updated_keys"
)

// CheckpointRef is a stable pointer to a checkpoint. It is small enough to
// store outside the runtime (in a DB, a UI) and converts to a saver config
// or to the state keys that address a resume.
type CheckpointRef struct {
	LineageID    string
	Namespace    string
	CheckpointID string
}

// Validate returns an error when the ref is incomplete.
func (r CheckpointRef) Validate() error {
	if r.LineageID == "" {
		return ErrLineageIDRequired
	}
	return nil
}

// ToSaverConfig converts the ref into a config map for CheckpointSaver. An
// empty CheckpointID addresses the latest checkpoint.
func (r CheckpointRef) ToSaverConfig() (map[string]any, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	cfg := NewCheckpointConfig(r.LineageID).WithNamespace(r.Namespace)
	if r.CheckpointID != "" {
		cfg.WithCheckpointID(r.CheckpointID)
	}
	return cfg.ToMap(), nil
}

// ToResumeState converts the ref into the state keys Execute and Invoke
// read to restore a run from this checkpoint.
func (r CheckpointRef) ToResumeState() State {
	state := State{
		CfgKeyLineageID:    r.LineageID,
		CfgKeyCheckpointID: r.CheckpointID,
	}
	if r.Namespace != "" {
		state[CfgKeyCheckpointNS] = r.Namespace
	}
	return state
}

// CheckpointInfo is a lightweight checkpoint header for history views.
type CheckpointInfo struct {
	Ref              CheckpointRef
	ParentCheckpoint string
	Source           string
	Step             int
	Timestamp        time.Time
	Interrupted      bool
}

// StateSnapshot is the full state view of one checkpoint.
type StateSnapshot struct {
	CheckpointInfo
	State        State
	NextNodes    []string
	NextChannels []string
}

// TimeTravel provides query, edit, and fork operations over a lineage's
// checkpoint history. It never mutates existing checkpoints: edits and
// forks append new ones linked to their base.
type TimeTravel struct {
	executor *Executor
	saver    CheckpointSaver
}

// TimeTravel returns a helper bound to this executor's checkpoint saver.
func (e *Executor) TimeTravel() (*TimeTravel, error) {
	if e == nil || e.checkpointManager == nil {
		return nil, fmt.Errorf("checkpoint saver is not configured")
	}
	return &TimeTravel{
		executor: e,
		saver:    e.checkpointManager.Saver(),
	}, nil
}

// GetState returns the state snapshot at the referenced checkpoint. An
// empty ref.CheckpointID addresses the latest checkpoint in the namespace.
func (t *TimeTravel) GetState(ctx context.Context, ref CheckpointRef) (*StateSnapshot, error) {
	if t == nil || t.saver == nil || t.executor == nil {
		return nil, fmt.Errorf("time travel is not configured")
	}
	cfg, err := ref.ToSaverConfig()
	if err != nil {
		return nil, err
	}
	tuple, err := t.saver.GetTuple(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	if tuple == nil || tuple.Checkpoint == nil {
		return nil, ErrCheckpointNotFound
	}
	return t.snapshotFromTuple(tuple)
}

// History returns checkpoint headers in descending timestamp order.
func (t *TimeTravel) History(
	ctx context.Context,
	lineageID string,
	namespace string,
	limit int,
) ([]CheckpointInfo, error) {
	if t == nil || t.saver == nil {
		return nil, fmt.Errorf("time travel is not configured")
	}
	if lineageID == "" {
		return nil, ErrLineageIDRequired
	}
	cfg := NewCheckpointConfig(lineageID).WithNamespace(namespace).ToMap()
	filter := &CheckpointFilter{Limit: limit}
	if limit <= 0 {
		filter = nil
	}
	tuples, err := t.saver.List(ctx, cfg, filter)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]CheckpointInfo, 0, len(tuples))
	for _, tuple := range tuples {
		if tuple == nil || tuple.Checkpoint == nil {
			continue
		}
		out = append(out, infoFromTuple(tuple))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// EditStateOption configures EditState.
type EditStateOption func(*editStateOptions)

type editStateOptions struct {
	allowInternalKeys bool
}

// WithAllowInternalKeys allows editing internal runtime keys. Most callers
// should not enable this.
func WithAllowInternalKeys() EditStateOption {
	return func(o *editStateOptions) {
		o.allowInternalKeys = true
	}
}

// EditState creates a new checkpoint derived from base with the patch
// applied to its persisted state. The base checkpoint is untouched; the new
// checkpoint records it as parent and is safe to resume from via
// ToResumeState.
func (t *TimeTravel) EditState(
	ctx context.Context,
	base CheckpointRef,
	patch State,
	opts ...EditStateOption,
) (CheckpointRef, error) {
	options := editStateOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return t.derive(ctx, base, CheckpointSourceUpdate, func(ckpt *Checkpoint, meta *CheckpointMetadata) error {
		updatedKeys := make([]string, 0, len(patch))
		for key, value := range patch {
			if !options.allowInternalKeys && isProtectedTimeTravelKey(key) {
				return fmt.Errorf("cannot edit key %q", key)
			}
			ckpt.ChannelValues[key] = deepCopyAny(t.coerceValue(key, value))
			updatedKeys = append(updatedKeys, key)
		}
		sort.Strings(updatedKeys)
		meta.Extra[CheckpointMetaKeyUpdatedKeys] = updatedKeys
		return nil
	})
}

// Fork creates an unmodified copy of base as a new checkpoint, starting an
// alternative history that resumes independently of the original lineage
// head.
func (t *TimeTravel) Fork(ctx context.Context, base CheckpointRef) (CheckpointRef, error) {
	return t.derive(ctx, base, CheckpointSourceFork, nil)
}

// derive loads base, forks it, lets mutate adjust the fork, and persists it
// as a new checkpoint of the same lineage and namespace.
func (t *TimeTravel) derive(
	ctx context.Context,
	base CheckpointRef,
	source string,
	mutate func(*Checkpoint, *CheckpointMetadata) error,
) (CheckpointRef, error) {
	if t == nil || t.saver == nil || t.executor == nil {
		return CheckpointRef{}, fmt.Errorf("time travel is not configured")
	}
	baseCfg, err := base.ToSaverConfig()
	if err != nil {
		return CheckpointRef{}, err
	}
	baseTuple, err := t.saver.GetTuple(ctx, baseCfg)
	if err != nil {
		return CheckpointRef{}, fmt.Errorf("get checkpoint: %w", err)
	}
	if baseTuple == nil || baseTuple.Checkpoint == nil {
		return CheckpointRef{}, ErrCheckpointNotFound
	}

	forked := baseTuple.Checkpoint.Fork()
	if forked.ChannelValues == nil {
		forked.ChannelValues = make(map[string]any)
	}

	step := 0
	if baseTuple.Metadata != nil {
		step = baseTuple.Metadata.Step
	}
	meta := NewCheckpointMetadata(source, step)
	meta.Parents = map[string]string{
		GetNamespace(baseCfg): baseTuple.Checkpoint.ID,
	}
	meta.Extra[CheckpointMetaKeyBaseCheckpointID] = baseTuple.Checkpoint.ID

	if mutate != nil {
		if err := mutate(forked, meta); err != nil {
			return CheckpointRef{}, err
		}
	}

	pendingWrites := make([]PendingWrite, len(baseTuple.PendingWrites))
	copy(pendingWrites, baseTuple.PendingWrites)

	lineageID := GetLineageID(baseCfg)
	namespace := GetNamespace(baseCfg)
	putCfg := NewCheckpointConfig(lineageID).WithNamespace(namespace).ToMap()
	updatedCfg, err := t.saver.PutFull(ctx, PutFullRequest{
		Config:        putCfg,
		Checkpoint:    forked,
		Metadata:      meta,
		NewVersions:   forked.ChannelVersions,
		PendingWrites: pendingWrites,
	})
	if err != nil {
		return CheckpointRef{}, fmt.Errorf("save checkpoint: %w", err)
	}
	return checkpointRefFromConfig(updatedCfg, forked.ID), nil
}

func (t *TimeTravel) snapshotFromTuple(tuple *CheckpointTuple) (*StateSnapshot, error) {
	state, err := t.executor.restoreStateFromCheckpoint(tuple.Checkpoint)
	if err != nil {
		return nil, err
	}
	return &StateSnapshot{
		CheckpointInfo: infoFromTuple(tuple),
		State:          state,
		NextNodes:      append([]string(nil), tuple.Checkpoint.NextNodes...),
		NextChannels:   append([]string(nil), tuple.Checkpoint.NextChannels...),
	}, nil
}

func infoFromTuple(tuple *CheckpointTuple) CheckpointInfo {
	ref := checkpointRefFromConfig(tuple.Config, tuple.Checkpoint.ID)
	var source string
	var step int
	if tuple.Metadata != nil {
		source = tuple.Metadata.Source
		step = tuple.Metadata.Step
	}
	return CheckpointInfo{
		Ref:              ref,
		ParentCheckpoint: tuple.Checkpoint.ParentCheckpointID,
		Source:           source,
		Step:             step,
		Timestamp:        tuple.Checkpoint.Timestamp,
		Interrupted:      tuple.Checkpoint.InterruptState != nil,
	}
}

// coerceValue converts an edited value to the declared field type so the
// new checkpoint restores the same way a saved one does.
func (t *TimeTravel) coerceValue(key string, value any) any {
	schema := t.executor.graph.Schema()
	if schema == nil {
		return value
	}
	field, declared := schema.FieldMap()[key]
	if !declared {
		return value
	}
	coerced, err := coerceToFieldType(value, field.Type)
	if err != nil {
		return value
	}
	return coerced
}

func checkpointRefFromConfig(config map[string]any, fallbackID string) CheckpointRef {
	ref := CheckpointRef{
		LineageID:    GetLineageID(config),
		Namespace:    GetNamespace(config),
		CheckpointID: GetCheckpointID(config),
	}
	if ref.CheckpointID == "" {
		ref.CheckpointID = fallbackID
	}
	return ref
}

// isProtectedTimeTravelKey guards the keys EditState refuses to patch:
// engine bookkeeping and checkpoint addressing.
func isProtectedTimeTravelKey(key string) bool {
	if key == "" {
		return true
	}
	if strings.HasPrefix(key, "__") {
		return true
	}
	if isUnsafeStateKey(key) {
		return true
	}
	switch key {
	case CfgKeyLineageID, CfgKeyCheckpointID, CfgKeyCheckpointNS:
		return true
	default:
		return false
	}
}
