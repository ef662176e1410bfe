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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gr "trpc.group/trpc-go/trpc-graph-go/graph"
)

func TestBeforeNodeCallbackShortCircuits(t *testing.T) {
	ctx := context.Background()
	var nodeRan atomic.Bool

	callbacks := gr.NewNodeCallbacks().
		RegisterBeforeNode(func(ctx context.Context, cb *gr.NodeCallbackContext, state gr.State) (any, error) {
			return gr.State{"log": []string{"from-callback"}}, nil
		})

	g, err := gr.NewStateGraph(testSchema()).
		AddNode("work", func(ctx context.Context, state gr.State) (any, error) {
			nodeRan.Store(true)
			return gr.State{"log": []string{"from-node"}}, nil
		}, gr.WithNodeCallbacks(callbacks)).
		SetEntryPoint("work").
		SetFinishPoint("work").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g)
	result, err := exec.Invoke(ctx, nil)
	require.NoError(t, err)
	require.False(t, nodeRan.Load())
	require.Equal(t, []string{"from-callback"}, result.State["log"])
}

func TestAfterNodeCallbackReplacesResult(t *testing.T) {
	ctx := context.Background()

	callbacks := gr.NewNodeCallbacks().
		RegisterAfterNode(func(ctx context.Context, cb *gr.NodeCallbackContext, state gr.State, result any, nodeErr error) (any, error) {
			require.NoError(t, nodeErr)
			return gr.State{"log": []string{"replaced"}}, nil
		})

	g, err := gr.NewStateGraph(testSchema()).
		AddNode("work", func(ctx context.Context, state gr.State) (any, error) {
			return gr.State{"log": []string{"original"}}, nil
		}, gr.WithNodeCallbacks(callbacks)).
		SetEntryPoint("work").
		SetFinishPoint("work").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g)
	result, err := exec.Invoke(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"replaced"}, result.State["log"])
}

func TestOnNodeErrorCallbackObservesFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	var observed atomic.Value

	callbacks := gr.NewNodeCallbacks().
		RegisterOnNodeError(func(ctx context.Context, cb *gr.NodeCallbackContext, state gr.State, err error) {
			observed.Store(err)
		})

	g, err := gr.NewStateGraph(testSchema()).
		AddNode("work", func(ctx context.Context, state gr.State) (any, error) {
			return nil, boom
		}, gr.WithNodeCallbacks(callbacks)).
		SetEntryPoint("work").
		SetFinishPoint("work").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g)
	_, err = exec.Invoke(ctx, nil)
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, observed.Load().(error), boom)
}

func TestRunLevelCallbacksSeeEveryNode(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var visited []string

	callbacks := gr.NewNodeCallbacks().
		RegisterBeforeNode(func(ctx context.Context, cb *gr.NodeCallbackContext, state gr.State) (any, error) {
			mu.Lock()
			visited = append(visited, cb.NodeID)
			mu.Unlock()
			return nil, nil
		})

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
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g)
	result, err := exec.Invoke(ctx, gr.State{
		gr.StateKeyNodeCallbacks: callbacks,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, result.State["log"])
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, visited)
}

func TestRetryPolicyRecovers(t *testing.T) {
	ctx := context.Background()
	var attempts atomic.Int32

	g, err := gr.NewStateGraph(testSchema()).
		AddNode("flaky", func(ctx context.Context, state gr.State) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return gr.State{"counter": 1}, nil
		}, gr.WithRetryPolicy(&gr.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		})).
		SetEntryPoint("flaky").
		SetFinishPoint("flaky").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g)
	result, err := exec.Invoke(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, int32(3), attempts.Load())
	require.Equal(t, 1, result.State["counter"])
}

func TestRetryPolicyExhausts(t *testing.T) {
	ctx := context.Background()
	var attempts atomic.Int32

	g, err := gr.NewStateGraph(testSchema()).
		AddNode("broken", func(ctx context.Context, state gr.State) (any, error) {
			attempts.Add(1)
			return nil, errors.New("permanent")
		}, gr.WithRetryPolicy(&gr.RetryPolicy{MaxAttempts: 2})).
		SetEntryPoint("broken").
		SetFinishPoint("broken").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g)
	_, err = exec.Invoke(ctx, nil)
	require.Error(t, err)
	require.Equal(t, int32(2), attempts.Load())
}

func TestNodeTimeoutSurfacesAsError(t *testing.T) {
	ctx := context.Background()

	g, err := gr.NewStateGraph(testSchema()).
		AddNode("slow", func(ctx context.Context, state gr.State) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
				return nil, nil
			}
		}, gr.WithTimeout(20*time.Millisecond)).
		SetEntryPoint("slow").
		SetFinishPoint("slow").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g)
	start := time.Now()
	_, err = exec.Invoke(ctx, nil)
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}
