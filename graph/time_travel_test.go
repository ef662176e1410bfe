//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	gr "trpc.group/trpc-go/trpc-graph-go/graph"
	checkpointinmemory "trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/inmemory"
)

func TestCheckpointRefToSaverConfig(t *testing.T) {
	ref := gr.CheckpointRef{
		LineageID:    "lineage-1",
		Namespace:    "ns-1",
		CheckpointID: "ck-1",
	}
	cfg, err := ref.ToSaverConfig()
	require.NoError(t, err)
	require.Equal(t, "lineage-1", gr.GetLineageID(cfg))
	require.Equal(t, "ns-1", gr.GetNamespace(cfg))
	require.Equal(t, "ck-1", gr.GetCheckpointID(cfg))

	_, err = gr.CheckpointRef{}.ToSaverConfig()
	require.ErrorIs(t, err, gr.ErrLineageIDRequired)
}

func TestTimeTravelRequiresSaver(t *testing.T) {
	exec := newTestExecutor(t, approvalGraph(t))
	tt, err := exec.TimeTravel()
	require.Error(t, err)
	require.Nil(t, tt)
}

// runToInterrupt runs the approval graph up to its interrupt and returns the
// executor and lineage ID with real checkpoint history behind them.
func runToInterrupt(t *testing.T) (*gr.Executor, string) {
	t.Helper()
	exec := newTestExecutor(t, approvalGraph(t),
		gr.WithCheckpointSaver(checkpointinmemory.NewSaver()))
	result, err := exec.Invoke(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, result.Interrupted)
	return exec, result.LineageID
}

func TestTimeTravelHistory(t *testing.T) {
	ctx := context.Background()
	exec, lineageID := runToInterrupt(t)

	tt, err := exec.TimeTravel()
	require.NoError(t, err)

	infos, err := tt.History(ctx, lineageID, "", 0)
	require.NoError(t, err)
	require.NotEmpty(t, infos)

	// Newest first.
	for i := 1; i < len(infos); i++ {
		require.False(t, infos[i-1].Timestamp.Before(infos[i].Timestamp))
	}
	// The head records the pending interrupt.
	require.True(t, infos[0].Interrupted)
	// The oldest checkpoint is the input snapshot.
	require.Equal(t, gr.CheckpointSourceInput, infos[len(infos)-1].Source)

	limited, err := tt.History(ctx, lineageID, "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	_, err = tt.History(ctx, "", "", 0)
	require.ErrorIs(t, err, gr.ErrLineageIDRequired)
}

func TestTimeTravelGetState(t *testing.T) {
	ctx := context.Background()
	exec, lineageID := runToInterrupt(t)

	tt, err := exec.TimeTravel()
	require.NoError(t, err)

	// Empty checkpoint ID addresses the latest checkpoint.
	snap, err := tt.GetState(ctx, gr.CheckpointRef{LineageID: lineageID})
	require.NoError(t, err)
	require.Equal(t, []string{"drafted"}, snap.State["log"])
	require.Contains(t, snap.NextNodes, "approve")

	_, err = tt.GetState(ctx, gr.CheckpointRef{
		LineageID:    lineageID,
		CheckpointID: "no-such-checkpoint",
	})
	require.ErrorIs(t, err, gr.ErrCheckpointNotFound)
}

func TestTimeTravelEditState(t *testing.T) {
	ctx := context.Background()
	exec, lineageID := runToInterrupt(t)

	tt, err := exec.TimeTravel()
	require.NoError(t, err)

	base, err := tt.GetState(ctx, gr.CheckpointRef{LineageID: lineageID})
	require.NoError(t, err)

	edited, err := tt.EditState(ctx, base.Ref, gr.State{"log": []string{"rewritten"}})
	require.NoError(t, err)
	require.NotEqual(t, base.Ref.CheckpointID, edited.CheckpointID)

	snap, err := tt.GetState(ctx, edited)
	require.NoError(t, err)
	require.Contains(t, snap.State["log"], "rewritten")
	require.Equal(t, base.Ref.CheckpointID, snap.ParentCheckpoint)
	require.Equal(t, gr.CheckpointSourceUpdate, snap.Source)

	// Engine bookkeeping keys are rejected unless explicitly allowed.
	_, err = tt.EditState(ctx, base.Ref, gr.State{gr.StateKeyCommand: "x"})
	require.Error(t, err)
}

func TestTimeTravelForkAndResume(t *testing.T) {
	ctx := context.Background()
	exec, lineageID := runToInterrupt(t)

	tt, err := exec.TimeTravel()
	require.NoError(t, err)

	head, err := tt.GetState(ctx, gr.CheckpointRef{LineageID: lineageID})
	require.NoError(t, err)

	forked, err := tt.Fork(ctx, head.Ref)
	require.NoError(t, err)
	require.NotEqual(t, head.Ref.CheckpointID, forked.CheckpointID)

	snap, err := tt.GetState(ctx, forked)
	require.NoError(t, err)
	require.Equal(t, head.Ref.CheckpointID, snap.ParentCheckpoint)
	require.Equal(t, gr.CheckpointSourceFork, snap.Source)

	// A run started from the fork replays from the suspension point.
	resumeState := forked.ToResumeState()
	resumeState[gr.StateKeyCommand] = &gr.Command{Resume: "yes"}
	result, err := exec.Invoke(ctx, resumeState)
	require.NoError(t, err)
	require.False(t, result.Interrupted)
	require.Equal(t,
		[]string{"drafted", "answer:yes", "published"},
		result.State["log"])
}
