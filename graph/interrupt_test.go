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

func approvalGraph(t *testing.T) *gr.Graph {
	t.Helper()
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("draft", func(ctx context.Context, state gr.State) (any, error) {
			return gr.State{"log": []string{"drafted"}}, nil
		}).
		AddNode("approve", func(ctx context.Context, state gr.State) (any, error) {
			answer, err := gr.Interrupt(ctx, state, "approval", "approve the draft?")
			if err != nil {
				return nil, err
			}
			return gr.State{"log": []string{"answer:" + answer.(string)}}, nil
		}).
		AddNode("publish", func(ctx context.Context, state gr.State) (any, error) {
			return gr.State{"log": []string{"published"}}, nil
		}).
		AddEdge("draft", "approve").
		AddEdge("approve", "publish").
		SetEntryPoint("draft").
		SetFinishPoint("publish").
		Compile()
	require.NoError(t, err)
	return g
}

func TestDynamicInterruptAndResume(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t, approvalGraph(t),
		gr.WithCheckpointSaver(checkpointinmemory.NewSaver()))

	result, err := exec.Invoke(ctx, nil)
	require.NoError(t, err)
	require.True(t, result.Interrupted)
	require.Equal(t, "approval", result.InterruptKey)
	require.Equal(t, "approve the draft?", result.InterruptValue)
	require.Equal(t, []string{"approve"}, result.NextNodes)
	require.NotEmpty(t, result.LineageID)

	resumed, err := exec.Resume(ctx, result.LineageID, nil,
		gr.WithResumeValue("yes"))
	require.NoError(t, err)
	require.False(t, resumed.Interrupted)
	require.Equal(t,
		[]string{"drafted", "answer:yes", "published"},
		resumed.State["log"])
}

func TestDynamicInterruptResumeWithMap(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t, approvalGraph(t),
		gr.WithCheckpointSaver(checkpointinmemory.NewSaver()))

	result, err := exec.Invoke(ctx, nil)
	require.NoError(t, err)
	require.True(t, result.Interrupted)

	resumed, err := exec.Resume(ctx, result.LineageID, nil,
		gr.WithResumeMap(map[string]any{"approval": "granted"}))
	require.NoError(t, err)
	require.False(t, resumed.Interrupted)
	require.Contains(t, resumed.State["log"], "answer:granted")
}

func TestResumeRequiresSaver(t *testing.T) {
	exec := newTestExecutor(t, approvalGraph(t))
	_, err := exec.Resume(context.Background(), "lineage-1", nil)
	require.Error(t, err)
}

func TestResumeUnknownLineage(t *testing.T) {
	exec := newTestExecutor(t, approvalGraph(t),
		gr.WithCheckpointSaver(checkpointinmemory.NewSaver()))
	_, err := exec.Resume(context.Background(), "never-ran", nil)
	require.ErrorIs(t, err, gr.ErrCheckpointNotFound)
}

func TestStaticInterruptBeforeAndResume(t *testing.T) {
	ctx := context.Background()
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("gather", func(ctx context.Context, state gr.State) (any, error) {
			return gr.State{"counter": 1}, nil
		}).
		AddNode("commit", func(ctx context.Context, state gr.State) (any, error) {
			counter, _ := gr.GetStateValue[int](state, "counter")
			return gr.State{"counter": counter + 100}, nil
		}).
		AddEdge("gather", "commit").
		SetEntryPoint("gather").
		SetFinishPoint("commit").
		WithInterruptBefore("commit").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g,
		gr.WithCheckpointSaver(checkpointinmemory.NewSaver()))

	result, err := exec.Invoke(ctx, nil)
	require.NoError(t, err)
	require.True(t, result.Interrupted)
	require.Equal(t, []string{"commit"}, result.NextNodes)

	payload, ok := result.InterruptValue.(gr.StaticInterruptPayload)
	require.True(t, ok)
	require.Equal(t, gr.StaticInterruptPhaseBefore, payload.Phase)
	require.Equal(t, []string{"commit"}, payload.Nodes)

	// The caller can adjust state before the paused node runs.
	resumed, err := exec.Resume(ctx, result.LineageID, gr.State{"counter": 7})
	require.NoError(t, err)
	require.False(t, resumed.Interrupted)
	require.Equal(t, 107, resumed.State["counter"])
}

func TestStaticInterruptAfterResumesForward(t *testing.T) {
	ctx := context.Background()
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("first", func(ctx context.Context, state gr.State) (any, error) {
			return gr.State{"log": []string{"first"}}, nil
		}).
		AddNode("second", func(ctx context.Context, state gr.State) (any, error) {
			return gr.State{"log": []string{"second"}}, nil
		}).
		AddEdge("first", "second").
		SetEntryPoint("first").
		SetFinishPoint("second").
		WithInterruptAfter("first").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g,
		gr.WithCheckpointSaver(checkpointinmemory.NewSaver()))

	result, err := exec.Invoke(ctx, nil)
	require.NoError(t, err)
	require.True(t, result.Interrupted)
	require.Equal(t, []string{"first"}, result.State["log"])

	resumed, err := exec.Resume(ctx, result.LineageID, nil)
	require.NoError(t, err)
	require.False(t, resumed.Interrupted)
	// The interrupted node is not re-run on resume.
	require.Equal(t, []string{"first", "second"}, resumed.State["log"])
}

func TestResumeValueHelpers(t *testing.T) {
	state := gr.State{}
	require.False(t, gr.HasResumeValue(state, "k"))

	state[gr.ResumeChannel] = "v"
	require.True(t, gr.HasResumeValue(state, "k"))

	v, ok := gr.ResumeValue[string](context.Background(), state, "k")
	require.True(t, ok)
	require.Equal(t, "v", v)
	// Consumed on read.
	require.False(t, gr.HasResumeValue(state, "k"))

	state[gr.StateKeyResumeMap] = map[string]any{"k": 42}
	got := gr.ResumeValueOrDefault(context.Background(), state, "k", 0)
	require.Equal(t, 42, got)
	require.False(t, gr.HasResumeValue(state, "k"))
}
