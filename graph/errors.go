//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrLineageIDRequired                = errors.New("lineage_id is required")
	ErrLineageIDEmpty                   = errors.New("lineage_id cannot be empty")
	ErrLineageIDAndCheckpointIDRequired = errors.New("lineage_id and checkpoint_id are required")
	ErrCheckpointNotFound               = errors.New("checkpoint not found")
)

// Error type names reported to telemetry and carried on terminal error
// events. Typed errors implement ErrorType() so the telemetry layer can
// classify failures without importing this package.
const (
	ErrorTypeGraphValidation = "graph_validation_error"
	ErrorTypeGraphExecution  = "graph_execution_error"
	ErrorTypeRouting         = "routing_error"
	ErrorTypeMergeValidation = "merge_validation_error"
	ErrorTypeNode            = "node_error"
	ErrorTypeInterrupt       = "interrupt"
)

// GraphValidationError reports an invalid graph definition at compile time.
// It is never produced mid-run.
type GraphValidationError struct {
	// Message describes what failed validation.
	Message string
}

// Error implements the error interface.
func (e *GraphValidationError) Error() string { return e.Message }

// ErrorType reports the telemetry error type.
func (e *GraphValidationError) ErrorType() string { return ErrorTypeGraphValidation }

// NewGraphValidationError creates a validation error with a formatted message.
func NewGraphValidationError(format string, args ...any) *GraphValidationError {
	return &GraphValidationError{Message: fmt.Sprintf(format, args...)}
}

// RoutingError reports that a router selected a target outside its declared
// candidate set. It aborts the run; no state from the offending generation
// is merged.
type RoutingError struct {
	// NodeID is the node whose conditional edge produced the bad target.
	NodeID string
	// Target is the offending target node ID.
	Target string
	// Candidates is the declared candidate set of the edge.
	Candidates []string
}

// Error implements the error interface.
func (e *RoutingError) Error() string {
	return fmt.Sprintf("router of node %s returned target %q outside candidate set [%s]",
		e.NodeID, e.Target, strings.Join(e.Candidates, ", "))
}

// ErrorType reports the telemetry error type.
func (e *RoutingError) ErrorType() string { return ErrorTypeRouting }

// MergeValidationError reports a state update that violates the declared
// schema: a write to an undeclared field or a value of the wrong type.
// It aborts the run.
type MergeValidationError struct {
	// Key is the offending state key.
	Key string
	// Reason describes the violation.
	Reason string
}

// Error implements the error interface.
func (e *MergeValidationError) Error() string {
	return fmt.Sprintf("invalid state update for field %q: %s", e.Key, e.Reason)
}

// ErrorType reports the telemetry error type.
func (e *MergeValidationError) ErrorType() string { return ErrorTypeMergeValidation }

// NodeError wraps a failure returned by a node function. The run fails with
// the node error unless the graph routes around it.
type NodeError struct {
	// NodeID is the node that failed.
	NodeID string
	// TaskID is the task instance that failed.
	TaskID string
	// Err is the node's own error.
	Err error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s failed: %v", e.NodeID, e.Err)
}

// ErrorType reports the telemetry error type.
func (e *NodeError) ErrorType() string { return ErrorTypeNode }

// Unwrap returns the node's own error for errors.Is/As chains.
func (e *NodeError) Unwrap() error { return e.Err }

// AsGraphValidationError unwraps err as a *GraphValidationError.
func AsGraphValidationError(err error) (*GraphValidationError, bool) {
	var v *GraphValidationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// AsRoutingError unwraps err as a *RoutingError.
func AsRoutingError(err error) (*RoutingError, bool) {
	var v *RoutingError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// AsMergeValidationError unwraps err as a *MergeValidationError.
func AsMergeValidationError(err error) (*MergeValidationError, bool) {
	var v *MergeValidationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// AsNodeError unwraps err as a *NodeError.
func AsNodeError(err error) (*NodeError, bool) {
	var v *NodeError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
