//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

func newTestSaver(t *testing.T) *Saver {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	saver, err := NewSaver(db)
	require.NoError(t, err)
	t.Cleanup(func() { saver.Close() })
	return saver
}

func seedCheckpoint(
	t *testing.T,
	saver *Saver,
	lineageID string,
	seq int,
	extra map[string]any,
) *graph.Checkpoint {
	t.Helper()
	ckpt := graph.NewCheckpoint(
		map[string]any{"counter": seq},
		map[string]int64{"state": int64(seq)},
		nil,
	)
	ckpt.ID = fmt.Sprintf("ck-%03d", seq)
	ckpt.Timestamp = time.Unix(int64(seq), 0).UTC()

	meta := graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, seq)
	for key, value := range extra {
		meta.Extra[key] = value
	}

	_, err := saver.PutFull(context.Background(), graph.PutFullRequest{
		Config:      graph.CreateCheckpointConfig(lineageID, "", ""),
		Checkpoint:  ckpt,
		Metadata:    meta,
		NewVersions: ckpt.ChannelVersions,
	})
	require.NoError(t, err)
	return ckpt
}

func TestNewSaverRequiresDB(t *testing.T) {
	_, err := NewSaver(nil)
	require.Error(t, err)
}

func TestPutAndGetTuple(t *testing.T) {
	ctx := context.Background()
	saver := newTestSaver(t)

	seedCheckpoint(t, saver, "lineage-1", 1, nil)
	seedCheckpoint(t, saver, "lineage-1", 2, nil)

	latest, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("lineage-1", "", ""))
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, "ck-002", latest.Checkpoint.ID)
	// Values come back through JSON, so numbers decode as float64.
	require.EqualValues(t, 2, latest.Checkpoint.ChannelValues["counter"])
	require.Equal(t, int64(2), latest.Checkpoint.ChannelVersions["state"])
	require.Equal(t, graph.CheckpointSourceLoop, latest.Metadata.Source)
	require.Equal(t, 2, latest.Metadata.Step)

	byID, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("lineage-1", "ck-001", ""))
	require.NoError(t, err)
	require.NotNil(t, byID)
	require.Equal(t, "ck-001", byID.Checkpoint.ID)

	missing, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("lineage-1", "no-such", ""))
	require.NoError(t, err)
	require.Nil(t, missing)

	empty, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("unknown", "", ""))
	require.NoError(t, err)
	require.Nil(t, empty)

	_, err = saver.GetTuple(ctx, map[string]any{})
	require.ErrorIs(t, err, graph.ErrLineageIDRequired)
}

func TestInterruptStateSurvivesRoundTrip(t *testing.T) {
	ctx := context.Background()
	saver := newTestSaver(t)

	ckpt := seedCheckpoint(t, saver, "lineage-1", 1, nil)
	ckpt.InterruptState = &graph.InterruptState{
		NodeID: "approve",
		TaskID: "task-1",
		Key:    "approval",
		Step:   3,
	}
	_, err := saver.PutFull(ctx, graph.PutFullRequest{
		Config:     graph.CreateCheckpointConfig("lineage-1", "", ""),
		Checkpoint: ckpt,
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceInterrupt, 3),
	})
	require.NoError(t, err)

	tuple, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("lineage-1", "ck-001", ""))
	require.NoError(t, err)
	require.NotNil(t, tuple.Checkpoint.InterruptState)
	require.Equal(t, "approve", tuple.Checkpoint.InterruptState.NodeID)
	require.Equal(t, 3, tuple.Checkpoint.InterruptState.Step)
}

func TestNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	saver := newTestSaver(t)

	seedCheckpoint(t, saver, "lineage-1", 1, nil)

	child, err := saver.GetTuple(ctx,
		graph.CreateCheckpointConfig("lineage-1", "", "parent/child"))
	require.NoError(t, err)
	require.Nil(t, child)

	root, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("lineage-1", "", ""))
	require.NoError(t, err)
	require.NotNil(t, root)
}

func TestListOrderingLimitAndBefore(t *testing.T) {
	ctx := context.Background()
	saver := newTestSaver(t)

	for seq := 1; seq <= 5; seq++ {
		seedCheckpoint(t, saver, "lineage-1", seq, nil)
	}
	cfg := graph.CreateCheckpointConfig("lineage-1", "", "")

	all, err := saver.List(ctx, cfg, nil)
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.Equal(t, "ck-005", all[0].Checkpoint.ID)
	require.Equal(t, "ck-001", all[4].Checkpoint.ID)

	limited, err := saver.List(ctx, cfg, &graph.CheckpointFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, "ck-005", limited[0].Checkpoint.ID)

	before, err := saver.List(ctx, cfg, &graph.CheckpointFilter{
		Before: graph.CreateCheckpointConfig("lineage-1", "ck-003", ""),
	})
	require.NoError(t, err)
	require.Len(t, before, 2)
	require.Equal(t, "ck-002", before[0].Checkpoint.ID)
}

func TestListMetadataFilter(t *testing.T) {
	ctx := context.Background()
	saver := newTestSaver(t)

	seedCheckpoint(t, saver, "lineage-1", 1, map[string]any{"stage": "draft"})
	seedCheckpoint(t, saver, "lineage-1", 2, map[string]any{"stage": "final"})

	cfg := graph.CreateCheckpointConfig("lineage-1", "", "")
	results, err := saver.List(ctx, cfg, &graph.CheckpointFilter{
		Metadata: map[string]any{"stage": "final"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "ck-002", results[0].Checkpoint.ID)
}

func TestPutWritesAttachToTuple(t *testing.T) {
	ctx := context.Background()
	saver := newTestSaver(t)

	seedCheckpoint(t, saver, "lineage-1", 1, nil)

	err := saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: graph.CreateCheckpointConfig("lineage-1", "ck-001", ""),
		TaskID: "task-1",
		Writes: []graph.PendingWrite{
			{Channel: "state", Value: "a", Sequence: 1},
			{Channel: "state", Value: "b", Sequence: 2},
		},
	})
	require.NoError(t, err)

	tuple, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("lineage-1", "ck-001", ""))
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
	require.Equal(t, "task-1", tuple.PendingWrites[0].TaskID)
	require.Equal(t, "a", tuple.PendingWrites[0].Value)
	require.Equal(t, int64(2), tuple.PendingWrites[1].Sequence)

	err = saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: graph.CreateCheckpointConfig("lineage-1", "", ""),
	})
	require.Error(t, err)
}

func TestDeleteLineage(t *testing.T) {
	ctx := context.Background()
	saver := newTestSaver(t)

	seedCheckpoint(t, saver, "lineage-1", 1, nil)
	seedCheckpoint(t, saver, "lineage-2", 1, nil)

	require.NoError(t, saver.DeleteLineage(ctx, "lineage-1"))
	require.ErrorIs(t, saver.DeleteLineage(ctx, ""), graph.ErrLineageIDRequired)

	gone, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("lineage-1", "", ""))
	require.NoError(t, err)
	require.Nil(t, gone)

	kept, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("lineage-2", "", ""))
	require.NoError(t, err)
	require.NotNil(t, kept)
}
