//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// recordingSpan captures attributes and status for assertions. It embeds the
// noop span so only the observed methods need to be implemented.
type recordingSpan struct {
	trace.Span
	attrs  []attribute.KeyValue
	status codes.Code
}

func (s *recordingSpan) SetAttributes(kv ...attribute.KeyValue) {
	s.attrs = append(s.attrs, kv...)
	s.Span.SetAttributes(kv...)
}

func (s *recordingSpan) SetStatus(c codes.Code, msg string) { s.status = c; s.Span.SetStatus(c, msg) }

func newRecordingSpan() *recordingSpan {
	_, sp := trace.NewNoopTracerProvider().Tracer("test").Start(context.Background(), "op")
	return &recordingSpan{Span: sp}
}

func hasAttr(attrs []attribute.KeyValue, key string, want any) bool {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.AsInterface() == want
		}
	}
	return false
}

func TestNewInvokeGraphSpanName(t *testing.T) {
	require.Equal(t, "invoke_graph pipeline", NewInvokeGraphSpanName("pipeline"))
	require.Equal(t, "invoke_graph", NewInvokeGraphSpanName(""))
}

func TestNewExecuteNodeSpanName(t *testing.T) {
	require.Equal(t, "execute_node fetch", NewExecuteNodeSpanName("fetch"))
}

func TestTraceBeforeInvokeGraph(t *testing.T) {
	span := newRecordingSpan()
	TraceBeforeInvokeGraph(span, &InvocationInfo{
		GraphName:    "pipeline",
		InvocationID: "inv-1",
		LineageID:    "lineage-1",
		Input:        map[string]any{"query": "hello"},
	})

	require.True(t, hasAttr(span.attrs, KeyGraphName, "pipeline"))
	require.True(t, hasAttr(span.attrs, KeyInvocationID, "inv-1"))
	require.True(t, hasAttr(span.attrs, KeyLineageID, "lineage-1"))
	require.True(t, hasAttr(span.attrs, KeyGraphInput, `{"query":"hello"}`))

	// Nil info must be a no-op.
	empty := newRecordingSpan()
	TraceBeforeInvokeGraph(empty, nil)
	require.Empty(t, empty.attrs)
}

func TestTraceBeforeInvokeGraph_UnserializableInput(t *testing.T) {
	span := newRecordingSpan()
	TraceBeforeInvokeGraph(span, &InvocationInfo{
		GraphName: "pipeline",
		Input:     map[string]any{"ch": make(chan int)},
	})
	require.True(t, hasAttr(span.attrs, KeyGraphInput, "<not json serializable>"))
}

func TestTraceAfterInvokeGraph(t *testing.T) {
	span := newRecordingSpan()
	TraceAfterInvokeGraph(span, map[string]any{"answer": 42}, false, nil)
	require.True(t, hasAttr(span.attrs, KeyGraphInterrupted, false))
	require.True(t, hasAttr(span.attrs, KeyGraphOutput, `{"answer":42}`))
	require.Equal(t, codes.Unset, span.status)

	errSpan := newRecordingSpan()
	TraceAfterInvokeGraph(errSpan, nil, true, errors.New("boom"))
	require.True(t, hasAttr(errSpan.attrs, KeyGraphInterrupted, true))
	require.True(t, hasAttr(errSpan.attrs, KeyErrorType, ValueDefaultErrorType))
	require.Equal(t, codes.Error, errSpan.status)
}

func TestTraceExecuteNode(t *testing.T) {
	span := newRecordingSpan()
	TraceExecuteNode(span, &NodeTaskInfo{
		GraphName: "pipeline",
		NodeID:    "fetch",
		NodeType:  "function",
		TaskID:    "task-1",
		Trigger:   "branch:to:fetch",
		Step:      3,
	}, map[string]any{"docs": []string{"a"}}, nil)

	require.True(t, hasAttr(span.attrs, KeyGraphNodeID, "fetch"))
	require.True(t, hasAttr(span.attrs, KeyGraphNodeType, "function"))
	require.True(t, hasAttr(span.attrs, KeyGraphTaskID, "task-1"))
	require.True(t, hasAttr(span.attrs, KeyGraphTrigger, "branch:to:fetch"))
	require.True(t, hasAttr(span.attrs, KeyGraphStep, int64(3)))

	// Nil task must be a no-op.
	empty := newRecordingSpan()
	TraceExecuteNode(empty, nil, nil, nil)
	require.Empty(t, empty.attrs)
}

type typedError struct{ typ string }

func (e *typedError) Error() string     { return "typed" }
func (e *typedError) ErrorType() string { return e.typ }

func TestToErrorType(t *testing.T) {
	require.Equal(t, ValueDefaultErrorType, ToErrorType(errors.New("plain"), ValueDefaultErrorType))
	require.Equal(t, "routing", ToErrorType(&typedError{typ: "routing"}, ValueDefaultErrorType))
	// Empty self-reported type falls back.
	require.Equal(t, ValueDefaultErrorType, ToErrorType(&typedError{}, ValueDefaultErrorType))
	// Wrapped typed errors are still detected.
	wrapped := fmt.Errorf("outer: %w", &typedError{typ: "node"})
	require.Equal(t, "node", ToErrorType(wrapped, ValueDefaultErrorType))
}

func TestMetricHelpers_NoopSafe(t *testing.T) {
	ctx := context.Background()
	// All helpers must be callable before InitMeterProvider wires real instruments.
	IncInvokeGraphRequestCnt(ctx, "pipeline", "lineage-1")
	RecordInvokeGraphOperationDuration(ctx, "pipeline", "lineage-1", nil, time.Second)
	RecordInvokeGraphOperationDuration(ctx, "pipeline", "", errors.New("boom"), time.Second)
	IncPregelStepCnt(ctx, "pipeline")
	IncInterruptCnt(ctx, "pipeline", "approval")
	IncExecuteNodeRequestCnt(ctx, "pipeline", "fetch", "function")
	RecordExecuteNodeOperationDuration(ctx, "pipeline", "fetch", "function", nil, time.Millisecond)
	IncCheckpointPutCnt(ctx, "inmemory", "loop")
}

func TestNewGRPCConn(t *testing.T) {
	tests := []struct {
		name        string
		endpoint    string
		mockDialErr error
		wantErr     bool
	}{
		{name: "successful connection", endpoint: "localhost:4317"},
		{name: "connection failure", endpoint: "invalid:endpoint", mockDialErr: errors.New("connection failed"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			originalDial := grpcDial
			defer func() { grpcDial = originalDial }()

			grpcDial = func(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
				if tt.mockDialErr != nil {
					return nil, tt.mockDialErr
				}
				return &grpc.ClientConn{}, nil
			}

			conn, err := NewGRPCConn(tt.endpoint)
			if tt.wantErr {
				require.Error(t, err)
				require.Nil(t, conn)
			} else {
				require.NoError(t, err)
				require.NotNil(t, conn)
			}
		})
	}
}
