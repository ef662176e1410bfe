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
)

func noopNode(ctx context.Context, state gr.State) (any, error) {
	return nil, nil
}

func TestCompileValidGraph(t *testing.T) {
	g, err := gr.NewStateGraph(testSchema()).
		SetName("pipeline").
		AddNode("prepare", noopNode).
		AddNode("work", noopNode).
		AddEdge("prepare", "work").
		SetEntryPoint("prepare").
		SetFinishPoint("work").
		Compile()
	require.NoError(t, err)

	require.Equal(t, "pipeline", g.Name())
	require.Equal(t, "prepare", g.EntryPoint())
	require.Len(t, g.Nodes(), 2)

	node, ok := g.Node("work")
	require.True(t, ok)
	require.Equal(t, gr.NodeTypeFunction, node.Type)

	edges := g.Edges("prepare")
	require.Len(t, edges, 1)
	require.Equal(t, "work", edges[0].To)
}

func TestCompileWithoutEntryPoint(t *testing.T) {
	_, err := gr.NewStateGraph(testSchema()).
		AddNode("lonely", noopNode).
		Compile()
	require.Error(t, err)
}

func TestCompileReportsBuildErrors(t *testing.T) {
	sg := gr.NewStateGraph(testSchema()).
		AddNode("a", noopNode).
		AddNode("a", noopNode). // duplicate
		AddEdge("a", "missing").
		SetEntryPoint("a")
	require.NotEmpty(t, sg.Errors())

	_, err := sg.Compile()
	require.Error(t, err)
}

func TestCompileRejectsNilNodeFunction(t *testing.T) {
	_, err := gr.NewStateGraph(testSchema()).
		AddNode("broken", nil).
		SetEntryPoint("broken").
		Compile()
	require.Error(t, err)
}

func TestCompileTwiceProducesIndependentGraphs(t *testing.T) {
	sg := gr.NewStateGraph(testSchema()).
		AddNode("only", noopNode).
		SetEntryPoint("only").
		SetFinishPoint("only")

	first, err := sg.Compile()
	require.NoError(t, err)
	second, err := sg.Compile()
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, first.EntryPoint(), second.EntryPoint())
}

func TestRouterEdgeRequiresCandidates(t *testing.T) {
	router := func(ctx context.Context, state gr.State) (*gr.RouterResult, error) {
		return gr.RouteEnd(), nil
	}
	_, err := gr.NewStateGraph(testSchema()).
		AddNode("a", noopNode).
		AddRouterEdge("a", router).
		SetEntryPoint("a").
		Compile()
	require.Error(t, err)
}

func TestConditionalEdgesRejectEmptyPathMap(t *testing.T) {
	cond := func(ctx context.Context, state gr.State) (string, error) {
		return "x", nil
	}
	sg := gr.NewStateGraph(testSchema()).
		AddNode("a", noopNode).
		AddConditionalEdges("a", cond, nil).
		SetEntryPoint("a")
	require.NotEmpty(t, sg.Errors())
}

func TestJoinEdgeAccessors(t *testing.T) {
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("split", noopNode).
		AddNode("left", noopNode).
		AddNode("right", noopNode).
		AddNode("merge", noopNode).
		AddEdge("split", "left").
		AddEdge("split", "right").
		AddJoinEdge([]string{"left", "right"}, "merge").
		SetEntryPoint("split").
		SetFinishPoint("merge").
		Compile()
	require.NoError(t, err)

	joins := g.JoinEdges()
	require.Len(t, joins, 1)
	require.ElementsMatch(t, []string{"left", "right"}, joins[0].Froms)
	require.Equal(t, "merge", joins[0].To)
}

func TestJoinEdgeUnknownSource(t *testing.T) {
	_, err := gr.NewStateGraph(testSchema()).
		AddNode("a", noopNode).
		AddNode("b", noopNode).
		AddJoinEdge([]string{"a", "ghost"}, "b").
		SetEntryPoint("a").
		Compile()
	require.Error(t, err)
}

func TestInterruptPointAccessors(t *testing.T) {
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("a", noopNode).
		AddNode("b", noopNode).
		AddEdge("a", "b").
		SetEntryPoint("a").
		SetFinishPoint("b").
		WithInterruptBefore("b").
		WithInterruptAfter("a").
		Compile()
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, g.InterruptBeforeNodes())
	require.Equal(t, []string{"a"}, g.InterruptAfterNodes())
}

func TestMustCompilePanicsOnError(t *testing.T) {
	sg := gr.NewStateGraph(testSchema()).AddEdge("x", "y")
	require.Panics(t, func() { sg.MustCompile() })
}
