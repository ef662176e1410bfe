//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry provides telemetry and observability functionality for the trpc-graph-go framework.
// It includes tracing, metrics, and monitoring capabilities for graph execution.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	semconvtrace "trpc.group/trpc-go/trpc-graph-go/telemetry/semconv/trace"
)

// grpcDial is a package-level variable to allow test injection of a custom dialer.
// In production, this points to grpc.Dial.
var grpcDial = grpc.Dial

// telemetry service constants.
const (
	ServiceName      = "telemetry"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-go-graph"
	InstrumentName   = "trpc.graph.go"

	OperationInvokeGraph = "invoke_graph"
	OperationResumeGraph = "resume_graph"
	OperationExecuteNode = "execute_node"
	OperationPregelStep  = "pregel_step"
)

// NewInvokeGraphSpanName creates a new invoke graph span name.
// For example, "invoke_graph order-pipeline".
func NewInvokeGraphSpanName(graphName string) string {
	if graphName == "" {
		return OperationInvokeGraph
	}
	return fmt.Sprintf("%s %s", OperationInvokeGraph, graphName)
}

// NewExecuteNodeSpanName creates a new execute node span name.
func NewExecuteNodeSpanName(nodeID string) string {
	return fmt.Sprintf("%s %s", OperationExecuteNode, nodeID)
}

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// Telemetry attribute keys aliases from semconv package.
var (
	ResourceServiceNamespace = semconvtrace.ResourceServiceNamespace
	ResourceServiceName      = semconvtrace.ResourceServiceName
	ResourceServiceVersion   = semconvtrace.ResourceServiceVersion

	KeyEventID      = semconvtrace.KeyEventID
	KeyInvocationID = semconvtrace.KeyInvocationID
	KeyLineageID    = semconvtrace.KeyLineageID
	KeyCheckpointID = semconvtrace.KeyCheckpointID
	KeyNamespace    = semconvtrace.KeyNamespace

	KeyGraphName        = semconvtrace.KeyGraphName
	KeyGraphInput       = semconvtrace.KeyGraphInput
	KeyGraphOutput      = semconvtrace.KeyGraphOutput
	KeyGraphOperation   = semconvtrace.KeyGraphOperation
	KeyGraphNodeID      = semconvtrace.KeyGraphNodeID
	KeyGraphNodeType    = semconvtrace.KeyGraphNodeType
	KeyGraphTaskID      = semconvtrace.KeyGraphTaskID
	KeyGraphStep        = semconvtrace.KeyGraphStep
	KeyGraphTrigger     = semconvtrace.KeyGraphTrigger
	KeyGraphNextNodes   = semconvtrace.KeyGraphNextNodes
	KeyGraphInterrupted = semconvtrace.KeyGraphInterrupted

	KeyErrorType          = semconvtrace.KeyErrorType
	KeyErrorMessage       = semconvtrace.KeyErrorMessage
	ValueDefaultErrorType = semconvtrace.ValueDefaultErrorType

	SystemTRPCGoGraph = semconvtrace.SystemTRPCGoGraph
)

// InvocationInfo carries the identifying attributes of a graph invocation
// so trace helpers do not depend on the graph package.
type InvocationInfo struct {
	GraphName    string
	InvocationID string
	LineageID    string
	CheckpointNS string
	Input        any
}

// NodeTaskInfo carries the identifying attributes of a single node task.
type NodeTaskInfo struct {
	GraphName    string
	InvocationID string
	NodeID       string
	NodeType     string
	TaskID       string
	Trigger      string
	Step         int
}

// TraceBeforeInvokeGraph records the attributes known at the start of a
// graph invocation on the given span.
func TraceBeforeInvokeGraph(span trace.Span, info *InvocationInfo) {
	if info == nil {
		return
	}
	span.SetAttributes(
		attribute.String(KeyGraphOperation, OperationInvokeGraph),
		attribute.String(KeyGraphName, info.GraphName),
		attribute.String(KeyInvocationID, info.InvocationID),
	)
	if info.LineageID != "" {
		span.SetAttributes(attribute.String(KeyLineageID, info.LineageID))
	}
	if info.CheckpointNS != "" {
		span.SetAttributes(attribute.String(KeyNamespace, info.CheckpointNS))
	}
	if info.Input != nil {
		if bts, err := json.Marshal(info.Input); err == nil {
			span.SetAttributes(attribute.String(KeyGraphInput, string(bts)))
		} else {
			span.SetAttributes(attribute.String(KeyGraphInput, "<not json serializable>"))
		}
	}
}

// TraceAfterInvokeGraph records the outcome of a graph invocation on the
// given span: the final state, the interrupt flag, and any error.
func TraceAfterInvokeGraph(span trace.Span, output any, interrupted bool, err error) {
	span.SetAttributes(attribute.Bool(KeyGraphInterrupted, interrupted))
	if output != nil {
		if bts, jsonErr := json.Marshal(output); jsonErr == nil {
			span.SetAttributes(attribute.String(KeyGraphOutput, string(bts)))
		} else {
			span.SetAttributes(attribute.String(KeyGraphOutput, "<not json serializable>"))
		}
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(
			attribute.String(KeyErrorType, ToErrorType(err, ValueDefaultErrorType)),
			attribute.String(KeyErrorMessage, err.Error()),
		)
	}
}

// TraceExecuteNode records the attributes and outcome of a single node task
// on the given span. result is the raw value returned by the node function.
func TraceExecuteNode(span trace.Span, task *NodeTaskInfo, result any, err error) {
	if task == nil {
		return
	}
	span.SetAttributes(
		attribute.String(KeyGraphOperation, OperationExecuteNode),
		attribute.String(KeyGraphName, task.GraphName),
		attribute.String(KeyGraphNodeID, task.NodeID),
		attribute.String(KeyGraphNodeType, task.NodeType),
		attribute.String(KeyGraphTaskID, task.TaskID),
		attribute.Int(KeyGraphStep, task.Step),
	)
	if task.Trigger != "" {
		span.SetAttributes(attribute.String(KeyGraphTrigger, task.Trigger))
	}
	if task.InvocationID != "" {
		span.SetAttributes(attribute.String(KeyInvocationID, task.InvocationID))
	}
	if result != nil {
		if bts, jsonErr := json.Marshal(result); jsonErr == nil {
			span.SetAttributes(attribute.String(KeyGraphOutput, string(bts)))
		} else {
			span.SetAttributes(attribute.String(KeyGraphOutput, "<not json serializable>"))
		}
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(
			attribute.String(KeyErrorType, ToErrorType(err, ValueDefaultErrorType)),
			attribute.String(KeyErrorMessage, err.Error()),
		)
	}
}

// TraceCheckpoint records checkpoint identity attributes on the given span.
func TraceCheckpoint(span trace.Span, lineageID, checkpointID, namespace string) {
	span.SetAttributes(
		attribute.String(KeyLineageID, lineageID),
		attribute.String(KeyCheckpointID, checkpointID),
	)
	if namespace != "" {
		span.SetAttributes(attribute.String(KeyNamespace, namespace))
	}
}

// ToErrorType converts an error to an error type. Errors that implement
// ErrorType() report their own type; everything else maps to errorType.
func ToErrorType(err error, errorType string) string {
	var typed interface{ ErrorType() string }
	if errors.As(err, &typed) && typed.ErrorType() != "" {
		return typed.ErrorType()
	}
	return errorType
}

// NewGRPCConn creates a new gRPC connection to the OpenTelemetry Collector.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	// It connects the OpenTelemetry Collector through gRPC connection.
	// You can customize the endpoint using options or environment variables.
	conn, err := grpcDial(endpoint,
		// Note the use of insecure transport here. TLS is recommended in production.
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}

	return conn, err
}
