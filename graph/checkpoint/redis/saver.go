//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	storage "trpc.group/trpc-go/trpc-graph-go/storage/redis"
)

// Key layout: one hash per checkpoint, a per-namespace ZSET ordering
// checkpoints by timestamp, a per-checkpoint hash of pending writes, and a
// per-lineage set of namespaces so DeleteLineage can find everything.
const (
	keyPrefixCheckpoint   = "ckpt:"
	keyPrefixCheckpointTS = "ckpt_ts:"
	keyPrefixWrites       = "writes:"
	keyPrefixLineageNS    = "lineage_ns:"
)

const (
	fieldLineageID    = "lineage_id"
	fieldCheckpointNS = "checkpoint_ns"
	fieldCheckpointID = "checkpoint_id"
	fieldParentID     = "parent_checkpoint_id"
	fieldTimestamp    = "ts"
	fieldCheckpoint   = "checkpoint_json"
	fieldMetadata     = "metadata_json"
)

func checkpointKey(lineageID, namespace, checkpointID string) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefixCheckpoint, lineageID, namespace, checkpointID)
}

func checkpointTSKey(lineageID, namespace string) string {
	if namespace == "" {
		return keyPrefixCheckpointTS + lineageID
	}
	return fmt.Sprintf("%s%s:%s", keyPrefixCheckpointTS, lineageID, namespace)
}

func writesKey(lineageID, namespace, checkpointID string) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefixWrites, lineageID, namespace, checkpointID)
}

func lineageNSKey(lineageID string) string {
	return keyPrefixLineageNS + lineageID
}

type writeRecord struct {
	TaskID    string          `json:"task_id"`
	Channel   string          `json:"channel"`
	ValueJSON json.RawMessage `json:"value_json"`
	TaskPath  string          `json:"task_path,omitempty"`
	Seq       int64           `json:"seq"`
}

// Saver persists checkpoints in redis with a retention TTL.
type Saver struct {
	opts   Options
	client redis.UniversalClient
	once   sync.Once
}

// NewSaver creates a saver connected through the configured URL or named
// instance.
func NewSaver(options ...Option) (*Saver, error) {
	opts := defaultOptions
	for _, option := range options {
		option(&opts)
	}

	builderOpts := []storage.ClientBuilderOpt{
		storage.WithClientBuilderURL(opts.url),
		storage.WithExtraOptions(opts.extraOptions...),
	}
	if opts.url == "" && opts.instanceName != "" {
		var ok bool
		if builderOpts, ok = storage.GetRedisInstance(opts.instanceName); !ok {
			return nil, fmt.Errorf("redis instance %s not found", opts.instanceName)
		}
	}
	client, err := storage.GetClientBuilder()(builderOpts...)
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	return &Saver{opts: opts, client: client}, nil
}

// Get returns the checkpoint addressed by config.
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

// GetTuple returns the checkpoint tuple addressed by config, resolving the
// latest checkpoint of the lineage/namespace when no ID is named.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	namespace := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}

	checkpointID, err := s.resolveCheckpointID(ctx, lineageID, namespace, checkpointID)
	if err != nil {
		return nil, err
	}
	if checkpointID == "" {
		return nil, nil
	}

	data, err := s.client.HGetAll(ctx, checkpointKey(lineageID, namespace, checkpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get checkpoint data: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	ckpt := &graph.Checkpoint{}
	if err := json.Unmarshal([]byte(data[fieldCheckpoint]), ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	meta := &graph.CheckpointMetadata{}
	if err := json.Unmarshal([]byte(data[fieldMetadata]), meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if ts, err := strconv.ParseInt(data[fieldTimestamp], 10, 64); err == nil && ts > 0 {
		ckpt.Timestamp = time.Unix(0, ts).UTC()
	}

	writes, err := s.loadWrites(ctx, lineageID, namespace, checkpointID)
	if err != nil {
		return nil, err
	}

	tuple := &graph.CheckpointTuple{
		Config:        graph.CreateCheckpointConfig(lineageID, checkpointID, namespace),
		Checkpoint:    ckpt,
		Metadata:      meta,
		PendingWrites: writes,
	}
	if parentID := data[fieldParentID]; parentID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(lineageID, parentID, namespace)
	}
	return tuple, nil
}

func (s *Saver) resolveCheckpointID(ctx context.Context, lineageID, namespace, checkpointID string) (string, error) {
	if checkpointID != "" {
		return checkpointID, nil
	}
	members, err := s.client.ZRevRange(ctx, checkpointTSKey(lineageID, namespace), 0, 0).Result()
	if err != nil {
		return "", fmt.Errorf("resolve latest checkpoint: %w", err)
	}
	if len(members) == 0 {
		return "", nil
	}
	return members[0], nil
}

// List returns the checkpoints of a lineage/namespace matching the filter,
// newest first.
func (s *Saver) List(
	ctx context.Context,
	config map[string]any,
	filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	namespace := graph.GetNamespace(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}

	checkpointIDs, err := s.listCheckpointIDs(ctx, lineageID, namespace, filter)
	if err != nil {
		return nil, err
	}

	var tuples []*graph.CheckpointTuple
	for _, checkpointID := range checkpointIDs {
		cfg := graph.CreateCheckpointConfig(lineageID, checkpointID, namespace)
		tuple, err := s.GetTuple(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if tuple == nil || !matchesMetadata(tuple, filter) {
			continue
		}
		tuples = append(tuples, tuple)
		if filter != nil && filter.Limit > 0 && len(tuples) >= filter.Limit {
			break
		}
	}
	return tuples, nil
}

// listCheckpointIDs returns checkpoint IDs newest first, bounded by the
// Before filter when set.
func (s *Saver) listCheckpointIDs(
	ctx context.Context,
	lineageID, namespace string,
	filter *graph.CheckpointFilter,
) ([]string, error) {
	key := checkpointTSKey(lineageID, namespace)
	if filter != nil && filter.Before != nil {
		beforeID := graph.GetCheckpointID(filter.Before)
		if beforeID != "" {
			score, err := s.client.ZScore(ctx, key, beforeID).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return nil, nil
				}
				return nil, fmt.Errorf("score before checkpoint: %w", err)
			}
			members, err := s.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
				Min: "0",
				Max: fmt.Sprintf("(%d", int64(score)),
			}).Result()
			if err != nil {
				return nil, fmt.Errorf("range checkpoints: %w", err)
			}
			return members, nil
		}
	}
	members, err := s.client.ZRevRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range checkpoints: %w", err)
	}
	return members, nil
}

// Put stores a checkpoint and returns the config addressing it.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	return s.PutFull(ctx, graph.PutFullRequest{
		Config:      req.Config,
		Checkpoint:  req.Checkpoint,
		Metadata:    req.Metadata,
		NewVersions: req.NewVersions,
	})
}

// PutWrites stores intermediate writes linked to a checkpoint.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	lineageID := graph.GetLineageID(req.Config)
	namespace := graph.GetNamespace(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if lineageID == "" || checkpointID == "" {
		return errors.New("lineage_id and checkpoint_id are required")
	}

	pipe := s.client.Pipeline()
	key := writesKey(lineageID, namespace, checkpointID)
	for idx, w := range req.Writes {
		taskID := w.TaskID
		if taskID == "" {
			taskID = req.TaskID
		}
		if err := appendWrite(ctx, pipe, key, taskID, req.TaskPath, idx, w); err != nil {
			return err
		}
	}
	pipe.Expire(ctx, key, s.opts.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// PutFull atomically stores a checkpoint together with its pending writes.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	lineageID := graph.GetLineageID(req.Config)
	namespace := graph.GetNamespace(req.Config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	if req.Checkpoint == nil {
		return nil, errors.New("checkpoint cannot be nil")
	}

	checkpointJSON, err := json.Marshal(req.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	meta := req.Metadata
	if meta == nil {
		meta = graph.NewCheckpointMetadata(graph.CheckpointSourceUpdate, 0)
	}
	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	checkpointID := req.Checkpoint.ID
	ts := req.Checkpoint.Timestamp.UnixNano()
	if ts <= 0 {
		ts = time.Now().UTC().UnixNano()
	}

	pipe := s.client.TxPipeline()

	ckptKey := checkpointKey(lineageID, namespace, checkpointID)
	pipe.HSet(ctx, ckptKey,
		fieldLineageID, lineageID,
		fieldCheckpointNS, namespace,
		fieldCheckpointID, checkpointID,
		fieldParentID, req.Checkpoint.ParentCheckpointID,
		fieldTimestamp, ts,
		fieldCheckpoint, checkpointJSON,
		fieldMetadata, metadataJSON,
	)
	pipe.Expire(ctx, ckptKey, s.opts.ttl)

	tsKey := checkpointTSKey(lineageID, namespace)
	pipe.ZAdd(ctx, tsKey, redis.Z{Score: float64(ts), Member: checkpointID})
	pipe.Expire(ctx, tsKey, s.opts.ttl)

	nsKey := lineageNSKey(lineageID)
	pipe.SAdd(ctx, nsKey, namespace)
	pipe.Expire(ctx, nsKey, s.opts.ttl)

	wKey := writesKey(lineageID, namespace, checkpointID)
	for idx, w := range req.PendingWrites {
		if err := appendWrite(ctx, pipe, wKey, w.TaskID, "", idx, w); err != nil {
			return nil, err
		}
	}
	pipe.Expire(ctx, wKey, s.opts.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis transaction failed: %w", err)
	}
	return graph.CreateCheckpointConfig(lineageID, checkpointID, namespace), nil
}

// DeleteLineage removes every checkpoint and write of a lineage across all
// of its namespaces.
func (s *Saver) DeleteLineage(ctx context.Context, lineageID string) error {
	if lineageID == "" {
		return graph.ErrLineageIDRequired
	}
	nsKey := lineageNSKey(lineageID)
	namespaces, err := s.client.SMembers(ctx, nsKey).Result()
	if err != nil {
		return fmt.Errorf("list lineage namespaces: %w", err)
	}

	pipe := s.client.Pipeline()
	for _, ns := range namespaces {
		tsKey := checkpointTSKey(lineageID, ns)
		members, err := s.client.ZRange(ctx, tsKey, 0, -1).Result()
		if err != nil {
			continue
		}
		for _, checkpointID := range members {
			pipe.Del(ctx, checkpointKey(lineageID, ns, checkpointID))
			pipe.Del(ctx, writesKey(lineageID, ns, checkpointID))
		}
		pipe.Del(ctx, tsKey)
	}
	pipe.Del(ctx, nsKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// Close closes the redis client. Safe to call more than once.
func (s *Saver) Close() error {
	s.once.Do(func() {
		if s.client != nil {
			s.client.Close()
		}
	})
	return nil
}

func appendWrite(
	ctx context.Context,
	pipe redis.Pipeliner,
	key, taskID, taskPath string,
	idx int,
	w graph.PendingWrite,
) error {
	valueJSON, err := json.Marshal(w.Value)
	if err != nil {
		return fmt.Errorf("marshal write value: %w", err)
	}
	seq := w.Sequence
	if seq == 0 {
		seq = int64(idx)
	}
	record := writeRecord{
		TaskID:    taskID,
		Channel:   w.Channel,
		ValueJSON: valueJSON,
		TaskPath:  taskPath,
		Seq:       seq,
	}
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal write record: %w", err)
	}
	pipe.HSet(ctx, key, fmt.Sprintf("%s:%d", taskID, idx), recordJSON)
	return nil
}

func (s *Saver) loadWrites(ctx context.Context, lineageID, namespace, checkpointID string) ([]graph.PendingWrite, error) {
	writeMap, err := s.client.HGetAll(ctx, writesKey(lineageID, namespace, checkpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get writes: %w", err)
	}
	var writes []graph.PendingWrite
	for _, recordJSON := range writeMap {
		var record writeRecord
		if err := json.Unmarshal([]byte(recordJSON), &record); err != nil {
			continue
		}
		var value any
		if err := json.Unmarshal(record.ValueJSON, &value); err != nil {
			continue
		}
		writes = append(writes, graph.PendingWrite{
			TaskID:   record.TaskID,
			Channel:  record.Channel,
			Value:    value,
			Sequence: record.Seq,
		})
	}
	sort.Slice(writes, func(i, j int) bool {
		return writes[i].Sequence < writes[j].Sequence
	})
	return writes, nil
}

func matchesMetadata(tuple *graph.CheckpointTuple, filter *graph.CheckpointFilter) bool {
	if filter == nil || len(filter.Metadata) == 0 {
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
