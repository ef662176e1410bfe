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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"trpc.group/trpc-go/trpc-graph-go/telemetry/semconv/metrics"
)

// Metric instruments default to no-op implementations so that recording is
// always safe; telemetry/metric.InitMeterProvider swaps in real instruments.
var (
	MeterProvider metric.MeterProvider = noop.NewMeterProvider()

	// InvokeGraphMeter is the meter used for recording graph invocation metrics.
	InvokeGraphMeter metric.Meter = MeterProvider.Meter(metrics.MeterNameInvokeGraph)
	// InvokeGraphMetricClientRequestCnt records the number of graph invocations made.
	InvokeGraphMetricClientRequestCnt metric.Int64Counter = noop.Int64Counter{}
	// InvokeGraphMetricClientOperationDuration records the distribution of invocation durations in seconds.
	InvokeGraphMetricClientOperationDuration metric.Float64Histogram = noop.Float64Histogram{}
	// InvokeGraphMetricPregelStepCnt records the number of supersteps executed.
	InvokeGraphMetricPregelStepCnt metric.Int64Counter = noop.Int64Counter{}
	// InvokeGraphMetricInterruptCnt records the number of interrupts raised.
	InvokeGraphMetricInterruptCnt metric.Int64Counter = noop.Int64Counter{}

	// ExecuteNodeMeter is the meter used for recording node execution metrics.
	ExecuteNodeMeter metric.Meter = MeterProvider.Meter(metrics.MeterNameExecuteNode)
	// ExecuteNodeMetricClientRequestCnt records the number of node tasks executed.
	ExecuteNodeMetricClientRequestCnt metric.Int64Counter = noop.Int64Counter{}
	// ExecuteNodeMetricClientOperationDuration records the distribution of node task durations in seconds.
	ExecuteNodeMetricClientOperationDuration metric.Float64Histogram = noop.Float64Histogram{}

	// CheckpointMeter is the meter used for recording checkpoint persistence metrics.
	CheckpointMeter metric.Meter = MeterProvider.Meter(metrics.MeterNameCheckpoint)
	// CheckpointMetricPutCnt records the number of checkpoints persisted.
	CheckpointMetricPutCnt metric.Int64Counter = noop.Int64Counter{}
)

func invokeGraphAttributes(graphName, lineageID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(KeyGraphOperation, OperationInvokeGraph),
		attribute.String(KeyGraphName, graphName),
	}
	if lineageID != "" {
		attrs = append(attrs, attribute.String(KeyLineageID, lineageID))
	}
	return attrs
}

// IncInvokeGraphRequestCnt increments the graph invocation counter.
func IncInvokeGraphRequestCnt(ctx context.Context, graphName, lineageID string) {
	InvokeGraphMetricClientRequestCnt.Add(ctx, 1,
		metric.WithAttributes(invokeGraphAttributes(graphName, lineageID)...))
}

// RecordInvokeGraphOperationDuration records the total duration of a graph invocation.
func RecordInvokeGraphOperationDuration(ctx context.Context, graphName, lineageID string, err error, duration time.Duration) {
	attrs := invokeGraphAttributes(graphName, lineageID)
	if err != nil {
		attrs = append(attrs, attribute.String(KeyErrorType, ToErrorType(err, ValueDefaultErrorType)))
	}
	InvokeGraphMetricClientOperationDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attrs...))
}

// IncPregelStepCnt increments the superstep counter.
func IncPregelStepCnt(ctx context.Context, graphName string) {
	InvokeGraphMetricPregelStepCnt.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String(KeyGraphOperation, OperationPregelStep),
			attribute.String(KeyGraphName, graphName),
		))
}

// IncInterruptCnt increments the interrupt counter.
func IncInterruptCnt(ctx context.Context, graphName, nodeID string) {
	InvokeGraphMetricInterruptCnt.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String(KeyGraphName, graphName),
			attribute.String(KeyGraphNodeID, nodeID),
		))
}

func executeNodeAttributes(graphName, nodeID, nodeType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyGraphOperation, OperationExecuteNode),
		attribute.String(KeyGraphName, graphName),
		attribute.String(KeyGraphNodeID, nodeID),
		attribute.String(KeyGraphNodeType, nodeType),
	}
}

// IncExecuteNodeRequestCnt increments the node task counter.
func IncExecuteNodeRequestCnt(ctx context.Context, graphName, nodeID, nodeType string) {
	ExecuteNodeMetricClientRequestCnt.Add(ctx, 1,
		metric.WithAttributes(executeNodeAttributes(graphName, nodeID, nodeType)...))
}

// RecordExecuteNodeOperationDuration records the duration of a single node task.
func RecordExecuteNodeOperationDuration(ctx context.Context, graphName, nodeID, nodeType string, err error, duration time.Duration) {
	attrs := executeNodeAttributes(graphName, nodeID, nodeType)
	if err != nil {
		attrs = append(attrs, attribute.String(KeyErrorType, ToErrorType(err, ValueDefaultErrorType)))
	}
	ExecuteNodeMetricClientOperationDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attrs...))
}

// IncCheckpointPutCnt increments the checkpoint persistence counter.
// backend names the saver implementation, source the checkpoint source.
func IncCheckpointPutCnt(ctx context.Context, backend, source string) {
	CheckpointMetricPutCnt.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String(metrics.KeyTRPCGraphGoCheckpointBackend, backend),
			attribute.String(metrics.KeyTRPCGraphGoCheckpointSource, source),
		))
}
