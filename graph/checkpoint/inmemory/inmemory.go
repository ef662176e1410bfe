//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides a process-local CheckpointSaver for tests and
// single-process deployments. Checkpoints vanish with the process.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

// Saver keeps checkpoints in memory, keyed lineage -> namespace ->
// checkpoint ID. It is safe for concurrent use.
type Saver struct {
	mu      sync.RWMutex
	storage map[string]map[string]map[string]*graph.CheckpointTuple
	writes  map[string]map[string]map[string][]graph.PendingWrite

	maxCheckpointsPerLineage int
}

// NewSaver creates an empty in-memory checkpoint saver.
func NewSaver() *Saver {
	return &Saver{
		storage:                  make(map[string]map[string]map[string]*graph.CheckpointTuple),
		writes:                   make(map[string]map[string]map[string][]graph.PendingWrite),
		maxCheckpointsPerLineage: graph.DefaultMaxCheckpointsPerLineage,
	}
}

// WithMaxCheckpointsPerLineage bounds retention per lineage and namespace;
// the oldest checkpoints are pruned first.
func (s *Saver) WithMaxCheckpointsPerLineage(max int) *Saver {
	s.maxCheckpointsPerLineage = max
	return s
}

// Get retrieves a checkpoint by configuration.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	if tuple == nil {
		return nil, nil
	}
	return tuple.Checkpoint, nil
}

// GetTuple retrieves a checkpoint tuple by configuration. Without a
// checkpoint ID it returns the latest checkpoint of the lineage/namespace,
// or nil when the lineage has none.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lineageID := graph.GetLineageID(config)
	namespace := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}

	checkpoints := s.storage[lineageID][namespace]
	if len(checkpoints) == 0 {
		return nil, nil
	}

	if checkpointID == "" {
		var latest *graph.CheckpointTuple
		var latestTime time.Time
		for _, tuple := range checkpoints {
			if tuple.Checkpoint != nil && tuple.Checkpoint.Timestamp.After(latestTime) {
				latestTime = tuple.Checkpoint.Timestamp
				latest = tuple
			}
		}
		if latest == nil {
			return nil, nil
		}
		checkpointID = latest.Checkpoint.ID
	}

	tuple, ok := checkpoints[checkpointID]
	if !ok {
		return nil, nil
	}
	return s.copyTupleLocked(lineageID, namespace, tuple), nil
}

// List retrieves the checkpoints of a lineage/namespace matching the
// filter, newest first.
func (s *Saver) List(
	ctx context.Context,
	config map[string]any,
	filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lineageID := graph.GetLineageID(config)
	namespace := graph.GetNamespace(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}

	checkpoints := s.storage[lineageID][namespace]
	var beforeTime time.Time
	if filter != nil && filter.Before != nil {
		beforeID := graph.GetCheckpointID(filter.Before)
		beforeTuple, ok := checkpoints[beforeID]
		if !ok {
			return nil, nil
		}
		beforeTime = beforeTuple.Checkpoint.Timestamp
	}

	var results []*graph.CheckpointTuple
	for _, tuple := range checkpoints {
		if !beforeTime.IsZero() && !tuple.Checkpoint.Timestamp.Before(beforeTime) {
			continue
		}
		if !matchesMetadata(tuple, filter) {
			continue
		}
		results = append(results, s.copyTupleLocked(lineageID, namespace, tuple))
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Checkpoint.Timestamp.After(results[j].Checkpoint.Timestamp)
	})
	if filter != nil && filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// Put stores a checkpoint.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(req.Config, req.Checkpoint, req.Metadata, nil)
}

// PutWrites stores intermediate writes linked to a checkpoint.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lineageID := graph.GetLineageID(req.Config)
	namespace := graph.GetNamespace(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if lineageID == "" || checkpointID == "" {
		return fmt.Errorf("lineage_id and checkpoint_id are required")
	}
	s.storeWritesLocked(lineageID, namespace, checkpointID, req.Writes)
	return nil
}

// PutFull atomically stores a checkpoint together with its pending writes.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(req.Config, req.Checkpoint, req.Metadata, req.PendingWrites)
}

// DeleteLineage removes every checkpoint and write of a lineage.
func (s *Saver) DeleteLineage(ctx context.Context, lineageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.storage, lineageID)
	delete(s.writes, lineageID)
	return nil
}

// Close drops all stored checkpoints.
func (s *Saver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage = make(map[string]map[string]map[string]*graph.CheckpointTuple)
	s.writes = make(map[string]map[string]map[string][]graph.PendingWrite)
	return nil
}

func (s *Saver) putLocked(
	config map[string]any,
	ckpt *graph.Checkpoint,
	meta *graph.CheckpointMetadata,
	writes []graph.PendingWrite,
) (map[string]any, error) {
	lineageID := graph.GetLineageID(config)
	namespace := graph.GetNamespace(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	if ckpt == nil {
		return nil, fmt.Errorf("checkpoint cannot be nil")
	}

	if s.storage[lineageID] == nil {
		s.storage[lineageID] = make(map[string]map[string]*graph.CheckpointTuple)
	}
	if s.storage[lineageID][namespace] == nil {
		s.storage[lineageID][namespace] = make(map[string]*graph.CheckpointTuple)
	}

	tuple := &graph.CheckpointTuple{
		Config:     config,
		Checkpoint: ckpt.Copy(),
		Metadata:   meta,
	}
	// The checkpoint ID in the incoming config, if any, names the parent.
	if parentID := graph.GetCheckpointID(config); parentID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(lineageID, parentID, namespace)
	}
	s.storage[lineageID][namespace][ckpt.ID] = tuple
	if len(writes) > 0 {
		s.storeWritesLocked(lineageID, namespace, ckpt.ID, writes)
	}
	s.pruneLocked(lineageID, namespace)

	return graph.CreateCheckpointConfig(lineageID, ckpt.ID, namespace), nil
}

func (s *Saver) storeWritesLocked(lineageID, namespace, checkpointID string, writes []graph.PendingWrite) {
	if s.writes[lineageID] == nil {
		s.writes[lineageID] = make(map[string]map[string][]graph.PendingWrite)
	}
	if s.writes[lineageID][namespace] == nil {
		s.writes[lineageID][namespace] = make(map[string][]graph.PendingWrite)
	}
	copied := make([]graph.PendingWrite, len(writes))
	copy(copied, writes)
	s.writes[lineageID][namespace][checkpointID] = copied
}

func (s *Saver) copyTupleLocked(lineageID, namespace string, tuple *graph.CheckpointTuple) *graph.CheckpointTuple {
	out := &graph.CheckpointTuple{
		Config:       tuple.Config,
		Checkpoint:   tuple.Checkpoint.Copy(),
		Metadata:     tuple.Metadata,
		ParentConfig: tuple.ParentConfig,
	}
	if writes, ok := s.writes[lineageID][namespace][tuple.Checkpoint.ID]; ok {
		out.PendingWrites = make([]graph.PendingWrite, len(writes))
		copy(out.PendingWrites, writes)
	}
	return out
}

func matchesMetadata(tuple *graph.CheckpointTuple, filter *graph.CheckpointFilter) bool {
	if filter == nil || filter.Metadata == nil {
		return true
	}
	if tuple.Metadata == nil || tuple.Metadata.Extra == nil {
		return false
	}
	for key, value := range filter.Metadata {
		if tuple.Metadata.Extra[key] != value {
			return false
		}
	}
	return true
}

// pruneLocked drops the oldest checkpoints of a lineage/namespace past the
// retention bound.
func (s *Saver) pruneLocked(lineageID, namespace string) {
	checkpoints := s.storage[lineageID][namespace]
	if s.maxCheckpointsPerLineage <= 0 || len(checkpoints) <= s.maxCheckpointsPerLineage {
		return
	}

	type header struct {
		id        string
		timestamp time.Time
	}
	headers := make([]header, 0, len(checkpoints))
	for id, tuple := range checkpoints {
		headers = append(headers, header{id: id, timestamp: tuple.Checkpoint.Timestamp})
	}
	sort.Slice(headers, func(i, j int) bool {
		return headers[i].timestamp.Before(headers[j].timestamp)
	})

	toRemove := len(headers) - s.maxCheckpointsPerLineage
	for i := 0; i < toRemove; i++ {
		delete(checkpoints, headers[i].id)
		if writes := s.writes[lineageID][namespace]; writes != nil {
			delete(writes, headers[i].id)
		}
	}
}
