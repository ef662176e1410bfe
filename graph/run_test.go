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
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/event"
	gr "trpc.group/trpc-go/trpc-graph-go/graph"
)

func newTestExecutor(t *testing.T, g *gr.Graph, opts ...gr.ExecutorOption) *gr.Executor {
	t.Helper()
	exec, err := gr.NewExecutor(g, opts...)
	require.NoError(t, err)
	t.Cleanup(exec.Close)
	return exec
}

func TestInvokeLinearRun(t *testing.T) {
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("prepare", func(ctx context.Context, state gr.State) (any, error) {
			return gr.State{"counter": 1, "log": []string{"prepared"}}, nil
		}).
		AddNode("work", func(ctx context.Context, state gr.State) (any, error) {
			counter, _ := gr.GetStateValue[int](state, "counter")
			return gr.State{"counter": counter + 1, "log": []string{"worked"}}, nil
		}).
		AddEdge("prepare", "work").
		SetEntryPoint("prepare").
		SetFinishPoint("work").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g)
	result, err := exec.Invoke(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, result.Interrupted)
	require.NotEmpty(t, result.LineageID)
	require.Equal(t, 2, result.State["counter"])
	require.Equal(t, []string{"prepared", "worked"}, result.State["log"])
}

func TestInvokeEmitsCompletionEvent(t *testing.T) {
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("only", func(ctx context.Context, state gr.State) (any, error) {
			return gr.State{"counter": 1}, nil
		}).
		SetEntryPoint("only").
		SetFinishPoint("only").
		Compile()
	require.NoError(t, err)

	var objects []string
	exec := newTestExecutor(t, g)
	_, err = exec.Invoke(context.Background(), nil,
		gr.WithEventHandler(func(evt *event.Event) {
			objects = append(objects, evt.Object)
		}))
	require.NoError(t, err)
	require.Contains(t, objects, gr.ObjectTypeGraphNodeStart)
	require.Contains(t, objects, gr.ObjectTypeGraphNodeComplete)
	require.Contains(t, objects, gr.ObjectTypeGraphExecution)
}

func TestInvokeConditionalRouting(t *testing.T) {
	var tookA, tookB atomic.Bool
	cond := func(ctx context.Context, state gr.State) (string, error) {
		counter, _ := gr.GetStateValue[int](state, "counter")
		if counter > 0 {
			return "positive", nil
		}
		return "other", nil
	}
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("classify", func(ctx context.Context, state gr.State) (any, error) {
			return nil, nil
		}).
		AddNode("handleA", func(ctx context.Context, state gr.State) (any, error) {
			tookA.Store(true)
			return nil, nil
		}).
		AddNode("handleB", func(ctx context.Context, state gr.State) (any, error) {
			tookB.Store(true)
			return nil, nil
		}).
		AddConditionalEdges("classify", cond, map[string]string{
			"positive": "handleA",
			"other":    "handleB",
		}).
		SetEntryPoint("classify").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g)
	_, err = exec.Invoke(context.Background(), gr.State{"counter": 5})
	require.NoError(t, err)
	require.True(t, tookA.Load())
	require.False(t, tookB.Load())
}

func TestInvokeRouterSpawnFanOut(t *testing.T) {
	router := func(ctx context.Context, state gr.State) (*gr.RouterResult, error) {
		return gr.RouteSpawn(
			&gr.Command{GoTo: "worker", Update: gr.State{"counter": 1}},
			&gr.Command{GoTo: "worker", Update: gr.State{"counter": 2}},
			&gr.Command{GoTo: "worker", Update: gr.State{"counter": 3}},
		), nil
	}
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("plan", func(ctx context.Context, state gr.State) (any, error) {
			return nil, nil
		}).
		AddNode("worker", func(ctx context.Context, state gr.State) (any, error) {
			job, _ := gr.GetStateValue[int](state, "counter")
			return gr.State{"log": []string{fmt.Sprintf("job-%d", job)}}, nil
		}).
		AddRouterEdge("plan", router, "worker").
		SetEntryPoint("plan").
		SetFinishPoint("worker").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g)
	result, err := exec.Invoke(context.Background(), nil)
	require.NoError(t, err)
	require.ElementsMatch(t,
		[]string{"job-1", "job-2", "job-3"},
		result.State["log"])
}

func TestInvokeJoinBarrier(t *testing.T) {
	var mergeRuns atomic.Int32
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("split", func(ctx context.Context, state gr.State) (any, error) {
			return nil, nil
		}).
		AddNode("left", func(ctx context.Context, state gr.State) (any, error) {
			return gr.State{"log": []string{"left"}}, nil
		}).
		AddNode("right", func(ctx context.Context, state gr.State) (any, error) {
			return gr.State{"log": []string{"right"}}, nil
		}).
		AddNode("merge", func(ctx context.Context, state gr.State) (any, error) {
			mergeRuns.Add(1)
			return gr.State{"log": []string{"merged"}}, nil
		}).
		AddEdge("split", "left").
		AddEdge("split", "right").
		AddJoinEdge([]string{"left", "right"}, "merge").
		SetEntryPoint("split").
		SetFinishPoint("merge").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g)
	result, err := exec.Invoke(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), mergeRuns.Load())

	logged, ok := result.State["log"].([]string)
	require.True(t, ok)
	require.ElementsMatch(t, []string{"left", "right", "merged"}, logged)
	require.Equal(t, "merged", logged[len(logged)-1])
}

func TestInvokeJoinBarrierHoldsOnMissingSource(t *testing.T) {
	var mergeRuns atomic.Int32
	cond := func(ctx context.Context, state gr.State) (string, error) {
		return "shortcut", nil
	}
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("split", func(ctx context.Context, state gr.State) (any, error) {
			return nil, nil
		}).
		AddNode("left", func(ctx context.Context, state gr.State) (any, error) {
			return gr.State{"log": []string{"left"}}, nil
		}).
		AddNode("right", func(ctx context.Context, state gr.State) (any, error) {
			return gr.State{"log": []string{"right"}}, nil
		}).
		AddNode("merge", func(ctx context.Context, state gr.State) (any, error) {
			mergeRuns.Add(1)
			return gr.State{"log": []string{"merged"}}, nil
		}).
		AddConditionalEdges("split", cond, map[string]string{
			"shortcut": "left",
			"full":     "right",
		}).
		AddJoinEdge([]string{"left", "right"}, "merge").
		SetEntryPoint("split").
		SetFinishPoint("merge").
		Compile()
	require.NoError(t, err)

	// Only "left" ever runs, so the barrier never fills and "merge" must
	// not be scheduled.
	exec := newTestExecutor(t, g)
	result, err := exec.Invoke(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, int32(0), mergeRuns.Load())
	require.Equal(t, []string{"left"}, result.State["log"])
}

func TestInvokeFanOutResultsVisibleDownstream(t *testing.T) {
	router := func(ctx context.Context, state gr.State) (*gr.RouterResult, error) {
		return gr.RouteSpawn(
			&gr.Command{GoTo: "worker", Update: gr.State{"counter": 1}},
			&gr.Command{GoTo: "worker", Update: gr.State{"counter": 2}},
			&gr.Command{GoTo: "worker", Update: gr.State{"counter": 3}},
		), nil
	}
	var collectRuns atomic.Int32
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("plan", func(ctx context.Context, state gr.State) (any, error) {
			return nil, nil
		}).
		AddNode("worker", func(ctx context.Context, state gr.State) (any, error) {
			job, _ := gr.GetStateValue[int](state, "counter")
			return gr.State{"log": []string{fmt.Sprintf("job-%d", job)}}, nil
		}).
		AddNode("collect", func(ctx context.Context, state gr.State) (any, error) {
			collectRuns.Add(1)
			logged, _ := gr.GetStateValue[[]string](state, "log")
			return gr.State{"counter": len(logged)}, nil
		}).
		AddRouterEdge("plan", router, "worker").
		AddEdge("worker", "collect").
		SetEntryPoint("plan").
		SetFinishPoint("collect").
		Compile()
	require.NoError(t, err)

	// All three branch writes land at the step boundary, so "collect" runs
	// once and sees every worker's contribution.
	exec := newTestExecutor(t, g)
	result, err := exec.Invoke(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), collectRuns.Load())
	require.Equal(t, 3, result.State["counter"])
	require.ElementsMatch(t,
		[]string{"job-1", "job-2", "job-3"},
		result.State["log"])
}

func TestInvokeRoutingErrorOnUndeclaredTarget(t *testing.T) {
	router := func(ctx context.Context, state gr.State) (*gr.RouterResult, error) {
		return gr.RouteTo("elsewhere"), nil
	}
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("decide", func(ctx context.Context, state gr.State) (any, error) {
			return nil, nil
		}).
		AddNode("allowed", func(ctx context.Context, state gr.State) (any, error) {
			return nil, nil
		}).
		AddNode("elsewhere", func(ctx context.Context, state gr.State) (any, error) {
			return nil, nil
		}).
		AddRouterEdge("decide", router, "allowed").
		AddEdge("allowed", "elsewhere").
		SetEntryPoint("decide").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g)
	_, err = exec.Invoke(context.Background(), nil)
	require.Error(t, err)
	re, ok := gr.AsRoutingError(err)
	require.True(t, ok)
	require.Equal(t, "decide", re.NodeID)
	require.Equal(t, "elsewhere", re.Target)
}

func TestInvokeCommandGoTo(t *testing.T) {
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("decide", func(ctx context.Context, state gr.State) (any, error) {
			return &gr.Command{
				Update: gr.State{"counter": 5},
				GoTo:   "final",
			}, nil
		}).
		AddNode("final", func(ctx context.Context, state gr.State) (any, error) {
			counter, _ := gr.GetStateValue[int](state, "counter")
			return gr.State{"counter": counter * 2}, nil
		}).
		AddEdge("decide", "final").
		SetEntryPoint("decide").
		SetFinishPoint("final").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g)
	result, err := exec.Invoke(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 10, result.State["counter"])
}

func TestInvokeNodeErrorSurfaces(t *testing.T) {
	boom := errors.New("boom")
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("explode", func(ctx context.Context, state gr.State) (any, error) {
			return nil, boom
		}).
		SetEntryPoint("explode").
		SetFinishPoint("explode").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g)
	_, err = exec.Invoke(context.Background(), nil)
	require.Error(t, err)
	ne, ok := gr.AsNodeError(err)
	require.True(t, ok)
	require.Equal(t, "explode", ne.NodeID)
	require.ErrorIs(t, err, boom)
}

func TestInvokeMaxStepsExceeded(t *testing.T) {
	cond := func(ctx context.Context, state gr.State) (string, error) {
		return "again", nil
	}
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("loop", func(ctx context.Context, state gr.State) (any, error) {
			return nil, nil
		}).
		AddConditionalEdges("loop", cond, map[string]string{
			"again": "loop",
			"done":  gr.End,
		}).
		SetEntryPoint("loop").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g, gr.WithMaxSteps(3))
	_, err = exec.Invoke(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "did not complete")
}

func TestInvokeFailFastCancelsSiblings(t *testing.T) {
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("fanout", func(ctx context.Context, state gr.State) (any, error) {
			return nil, nil
		}).
		AddNode("fail", func(ctx context.Context, state gr.State) (any, error) {
			return nil, errors.New("fail early")
		}).
		AddNode("slow", func(ctx context.Context, state gr.State) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return nil, nil
			}
		}).
		AddEdge("fanout", "fail").
		AddEdge("fanout", "slow").
		SetEntryPoint("fanout").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g, gr.WithFailFast(true))
	start := time.Now()
	_, err = exec.Invoke(context.Background(), nil)
	require.Error(t, err)
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestInvokeFailSoftLetsSiblingsFinish(t *testing.T) {
	var slowDone atomic.Bool
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("fanout", func(ctx context.Context, state gr.State) (any, error) {
			return nil, nil
		}).
		AddNode("fail", func(ctx context.Context, state gr.State) (any, error) {
			return nil, errors.New("fail early")
		}).
		AddNode("slow", func(ctx context.Context, state gr.State) (any, error) {
			time.Sleep(100 * time.Millisecond)
			slowDone.Store(true)
			return nil, nil
		}).
		AddEdge("fanout", "fail").
		AddEdge("fanout", "slow").
		SetEntryPoint("fanout").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g)
	_, err = exec.Invoke(context.Background(), nil)
	require.Error(t, err)
	require.True(t, slowDone.Load())
}

func TestExecuteStreamsEvents(t *testing.T) {
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("only", func(ctx context.Context, state gr.State) (any, error) {
			return gr.State{"counter": 1}, nil
		}).
		SetEntryPoint("only").
		SetFinishPoint("only").
		Compile()
	require.NoError(t, err)

	exec := newTestExecutor(t, g)
	events, err := exec.Execute(context.Background(), nil, "inv-1")
	require.NoError(t, err)

	var sawCompletion bool
	for evt := range events {
		require.Equal(t, "inv-1", evt.InvocationID)
		if evt.Object == gr.ObjectTypeGraphExecution {
			sawCompletion = true
		}
	}
	require.True(t, sawCompletion)
}
