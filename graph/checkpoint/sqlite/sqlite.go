//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a CheckpointSaver backed by a SQLite database.
// Checkpoints and metadata are stored as JSON blobs, pending writes as
// individual rows, so a lineage survives process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

const (
	createCheckpointsTable = "CREATE TABLE IF NOT EXISTS checkpoints (" +
		"lineage_id TEXT NOT NULL, " +
		"checkpoint_ns TEXT NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"parent_checkpoint_id TEXT, " +
		"ts INTEGER NOT NULL, " +
		"checkpoint_json BLOB NOT NULL, " +
		"metadata_json BLOB NOT NULL, " +
		"PRIMARY KEY (lineage_id, checkpoint_ns, checkpoint_id)" +
		")"

	createWritesTable = "CREATE TABLE IF NOT EXISTS checkpoint_writes (" +
		"lineage_id TEXT NOT NULL, " +
		"checkpoint_ns TEXT NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"task_id TEXT NOT NULL, " +
		"seq INTEGER NOT NULL, " +
		"channel TEXT NOT NULL, " +
		"value_json BLOB NOT NULL, " +
		"task_path TEXT, " +
		"PRIMARY KEY (lineage_id, checkpoint_ns, checkpoint_id, task_id, seq)" +
		")"

	insertCheckpoint = "INSERT OR REPLACE INTO checkpoints (" +
		"lineage_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, ts, " +
		"checkpoint_json, metadata_json) VALUES (?, ?, ?, ?, ?, ?, ?)"

	selectLatest = "SELECT checkpoint_id, checkpoint_json, metadata_json, parent_checkpoint_id " +
		"FROM checkpoints WHERE lineage_id = ? AND checkpoint_ns = ? " +
		"ORDER BY ts DESC LIMIT 1"

	selectByID = "SELECT checkpoint_id, checkpoint_json, metadata_json, parent_checkpoint_id " +
		"FROM checkpoints WHERE lineage_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? LIMIT 1"

	selectIDsDesc = "SELECT checkpoint_id, ts FROM checkpoints " +
		"WHERE lineage_id = ? AND checkpoint_ns = ? ORDER BY ts DESC"

	selectTimestamp = "SELECT ts FROM checkpoints " +
		"WHERE lineage_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? LIMIT 1"

	insertWrite = "INSERT OR REPLACE INTO checkpoint_writes (" +
		"lineage_id, checkpoint_ns, checkpoint_id, task_id, seq, channel, value_json, task_path) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?)"

	selectWrites = "SELECT task_id, seq, channel, value_json FROM checkpoint_writes " +
		"WHERE lineage_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? ORDER BY seq"

	deleteLineageCkpts  = "DELETE FROM checkpoints WHERE lineage_id = ?"
	deleteLineageWrites = "DELETE FROM checkpoint_writes WHERE lineage_id = ?"
)

// Saver persists checkpoints in SQLite. It expects an opened *sql.DB with a
// SQLite driver (github.com/mattn/go-sqlite3) and creates its schema on
// construction.
type Saver struct {
	db *sql.DB
}

// NewSaver creates a saver over the given DB and ensures the schema exists.
func NewSaver(db *sql.DB) (*Saver, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(createCheckpointsTable); err != nil {
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	if _, err := db.Exec(createWritesTable); err != nil {
		return nil, fmt.Errorf("create writes table: %w", err)
	}
	return &Saver{db: db}, nil
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

// GetTuple returns the checkpoint tuple addressed by config: the latest of
// the lineage/namespace when config names no checkpoint ID, nil when the
// lineage has none.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	namespace := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}

	var row *sql.Row
	if checkpointID == "" {
		row = s.db.QueryRowContext(ctx, selectLatest, lineageID, namespace)
	} else {
		row = s.db.QueryRowContext(ctx, selectByID, lineageID, namespace, checkpointID)
	}

	var foundID, parentID string
	var checkpointJSON, metadataJSON []byte
	if err := row.Scan(&foundID, &checkpointJSON, &metadataJSON, &parentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}

	ckpt := &graph.Checkpoint{}
	if err := json.Unmarshal(checkpointJSON, ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	meta := &graph.CheckpointMetadata{}
	if err := json.Unmarshal(metadataJSON, meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	writes, err := s.loadWrites(ctx, lineageID, namespace, foundID)
	if err != nil {
		return nil, err
	}

	tuple := &graph.CheckpointTuple{
		Config:        graph.CreateCheckpointConfig(lineageID, foundID, namespace),
		Checkpoint:    ckpt,
		Metadata:      meta,
		PendingWrites: writes,
	}
	if parentID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(lineageID, parentID, namespace)
	}
	return tuple, nil
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

	var beforeTS int64 = -1
	if filter != nil && filter.Before != nil {
		beforeID := graph.GetCheckpointID(filter.Before)
		if beforeID != "" {
			row := s.db.QueryRowContext(ctx, selectTimestamp, lineageID, namespace, beforeID)
			if err := row.Scan(&beforeTS); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil, nil
				}
				return nil, fmt.Errorf("select before checkpoint: %w", err)
			}
		}
	}

	rows, err := s.db.QueryContext(ctx, selectIDsDesc, lineageID, namespace)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	defer rows.Close()

	var tuples []*graph.CheckpointTuple
	for rows.Next() {
		var checkpointID string
		var ts int64
		if err := rows.Scan(&checkpointID, &ts); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if beforeTS >= 0 && ts >= beforeTS {
			continue
		}
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter checkpoints: %w", err)
	}
	return tuples, nil
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
	for _, w := range req.Writes {
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("marshal write value: %w", err)
		}
		taskID := w.TaskID
		if taskID == "" {
			taskID = req.TaskID
		}
		if _, err := s.db.ExecContext(ctx, insertWrite,
			lineageID, namespace, checkpointID, taskID, w.Sequence, w.Channel, valueJSON, req.TaskPath,
		); err != nil {
			return fmt.Errorf("insert write: %w", err)
		}
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertCheckpoint,
		lineageID,
		namespace,
		req.Checkpoint.ID,
		req.Checkpoint.ParentCheckpointID,
		req.Checkpoint.Timestamp.UnixNano(),
		checkpointJSON,
		metadataJSON,
	); err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	for _, w := range req.PendingWrites {
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal write value: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertWrite,
			lineageID, namespace, req.Checkpoint.ID, w.TaskID, w.Sequence, w.Channel, valueJSON, "",
		); err != nil {
			return nil, fmt.Errorf("insert write: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return graph.CreateCheckpointConfig(lineageID, req.Checkpoint.ID, namespace), nil
}

// DeleteLineage removes every checkpoint and write of a lineage.
func (s *Saver) DeleteLineage(ctx context.Context, lineageID string) error {
	if lineageID == "" {
		return graph.ErrLineageIDRequired
	}
	if _, err := s.db.ExecContext(ctx, deleteLineageCkpts, lineageID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, deleteLineageWrites, lineageID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Saver) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Saver) loadWrites(
	ctx context.Context,
	lineageID, namespace, checkpointID string,
) ([]graph.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, selectWrites, lineageID, namespace, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("select writes: %w", err)
	}
	defer rows.Close()

	var writes []graph.PendingWrite
	for rows.Next() {
		var taskID, channel string
		var seq int64
		var valueJSON []byte
		if err := rows.Scan(&taskID, &seq, &channel, &valueJSON); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		var value any
		if err := json.Unmarshal(valueJSON, &value); err != nil {
			return nil, fmt.Errorf("unmarshal write value: %w", err)
		}
		writes = append(writes, graph.PendingWrite{
			TaskID:   taskID,
			Channel:  channel,
			Value:    value,
			Sequence: seq,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter writes: %w", err)
	}
	return writes, nil
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
