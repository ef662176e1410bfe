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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/event"
	gr "trpc.group/trpc-go/trpc-graph-go/graph"
)

func decodeNodeCustomMetadata(t *testing.T, evt *event.Event) gr.NodeCustomEventMetadata {
	t.Helper()
	raw, ok := evt.StateDelta[gr.MetadataKeyNodeCustom]
	require.True(t, ok)
	var md gr.NodeCustomEventMetadata
	require.NoError(t, json.Unmarshal(raw, &md))
	return md
}

func TestEventEmitterFromNode(t *testing.T) {
	g, err := gr.NewStateGraph(testSchema()).
		AddNode("report", func(ctx context.Context, state gr.State) (any, error) {
			emitter := gr.GetEventEmitter(state)
			if err := emitter.EmitCustom("stage", map[string]any{"phase": "indexing"}); err != nil {
				return nil, err
			}
			if err := emitter.EmitProgress(150, "almost done"); err != nil {
				return nil, err
			}
			if err := emitter.EmitText("partial output"); err != nil {
				return nil, err
			}
			return gr.State{"counter": 1}, nil
		}).
		SetEntryPoint("report").
		SetFinishPoint("report").
		Compile()
	require.NoError(t, err)

	var custom []*event.Event
	exec := newTestExecutor(t, g)
	_, err = exec.Invoke(context.Background(), nil,
		gr.WithEventHandler(func(evt *event.Event) {
			if evt.Object == gr.ObjectTypeGraphNodeCustom {
				custom = append(custom, evt)
			}
		}))
	require.NoError(t, err)
	require.Len(t, custom, 3)

	stage := decodeNodeCustomMetadata(t, custom[0])
	require.Equal(t, "stage", stage.EventType)
	require.Equal(t, gr.NodeCustomEventCategoryCustom, stage.Category)
	require.Equal(t, "report", stage.NodeID)
	require.Equal(t, map[string]any{"phase": "indexing"}, stage.Payload)
	require.Equal(t, "report", custom[0].Author)

	progress := decodeNodeCustomMetadata(t, custom[1])
	require.Equal(t, gr.NodeCustomEventCategoryProgress, progress.Category)
	require.Equal(t, float64(100), progress.Progress)
	require.Equal(t, "almost done", progress.Message)

	text := decodeNodeCustomMetadata(t, custom[2])
	require.Equal(t, gr.NodeCustomEventCategoryText, text.Category)
	require.Equal(t, "partial output", text.Message)
}

func TestEventEmitterNoopWithoutExecutionContext(t *testing.T) {
	emitter := gr.GetEventEmitter(gr.State{"counter": 1})
	require.NoError(t, emitter.EmitCustom("stage", nil))
	require.NoError(t, emitter.EmitProgress(50, "halfway"))
	require.NoError(t, emitter.EmitText("dropped"))
	require.NoError(t, emitter.Emit(&event.Event{}))
	require.NotNil(t, emitter.Context())

	require.NoError(t, gr.GetEventEmitter(nil).EmitText("dropped"))
	require.NoError(t, gr.NewEventEmitter(nil).EmitText("dropped"))
}

func TestNewNodeCustomEventOptions(t *testing.T) {
	evt := gr.NewNodeCustomEvent(
		gr.WithNodeCustomEventInvocationID("inv-1"),
		gr.WithNodeCustomEventNodeID("index"),
		gr.WithNodeCustomEventEventType("cache-hit"),
		gr.WithNodeCustomEventCategory(gr.NodeCustomEventCategoryProgress),
		gr.WithNodeCustomEventStepNumber(4),
		gr.WithNodeCustomEventPayload("warm"),
		gr.WithNodeCustomEventBranch("plan|0"),
	)
	require.Equal(t, gr.ObjectTypeGraphNodeCustom, evt.Object)
	require.Equal(t, "inv-1", evt.InvocationID)
	require.Equal(t, "index", evt.Author)
	require.Equal(t, "plan|0", evt.Branch)

	md := decodeNodeCustomMetadata(t, evt)
	require.Equal(t, "cache-hit", md.EventType)
	require.Equal(t, gr.NodeCustomEventCategoryProgress, md.Category)
	require.Equal(t, 4, md.StepNumber)
	require.Equal(t, "warm", md.Payload)

	clamped := decodeNodeCustomMetadata(t, gr.NewNodeProgressEvent(
		gr.WithNodeCustomEventNodeID("index"),
		gr.WithNodeCustomEventProgress(-5),
		gr.WithNodeCustomEventMessage("starting"),
	))
	require.Equal(t, "progress", clamped.EventType)
	require.Equal(t, float64(0), clamped.Progress)

	textual := decodeNodeCustomMetadata(t, gr.NewNodeTextEvent(
		gr.WithNodeCustomEventNodeID("index"),
		gr.WithNodeCustomEventMessage("chunk"),
	))
	require.Equal(t, gr.NodeCustomEventCategoryText, textual.Category)
	require.Equal(t, "chunk", textual.Message)
}
