//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package metrics defines metric name constants following OpenTelemetry semantic conventions.
package metrics

const (
	// KeyMetricName represents the name of the metric.
	KeyMetricName = "metric.name"
	// KeyTRPCGraphGoStream represents whether the invocation streamed events to the caller.
	KeyTRPCGraphGoStream = "trpc_graph_go.is_stream"
	// KeyTRPCGraphGoCheckpointSource represents the source that produced a checkpoint.
	KeyTRPCGraphGoCheckpointSource = "trpc_graph_go.checkpoint.source"
	// KeyTRPCGraphGoCheckpointBackend represents the saver backend that stored a checkpoint.
	KeyTRPCGraphGoCheckpointBackend = "trpc_graph_go.checkpoint.backend"

	/////////////// client ////////////////////////

	// MetricTRPCGraphGoClientRequestCnt represents the request count for graph invocations.
	MetricTRPCGraphGoClientRequestCnt = "trpc_graph_go.client.request_cnt"
	// MetricTRPCGraphGoClientOperationDuration represents the duration of a client operation.
	MetricTRPCGraphGoClientOperationDuration = "trpc_graph_go.client.operation.duration"
	// MetricTRPCGraphGoPregelStepCnt represents the number of supersteps executed.
	MetricTRPCGraphGoPregelStepCnt = "trpc_graph_go.pregel.step_cnt"
	// MetricTRPCGraphGoInterruptCnt represents the number of interrupts raised during execution.
	MetricTRPCGraphGoInterruptCnt = "trpc_graph_go.interrupt.cnt"
	// MetricTRPCGraphGoCheckpointPutCnt represents the number of checkpoints persisted.
	MetricTRPCGraphGoCheckpointPutCnt = "trpc_graph_go.checkpoint.put_cnt"

	////////////////////////// meters ////////////////////////

	// MeterNameInvokeGraph is the meter name for graph invocation operations.
	MeterNameInvokeGraph = "trpc_graph_go.internal.invoke_graph"
	// MeterNameExecuteNode is the meter name for node execution operations.
	MeterNameExecuteNode = "trpc_graph_go.internal.execute_node"
	// MeterNameCheckpoint is the meter name for checkpoint persistence operations.
	MeterNameCheckpoint = "trpc_graph_go.internal.checkpoint"
)
