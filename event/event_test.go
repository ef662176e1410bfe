//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	const (
		invocationID = "invocation-123"
		author       = "tester"
	)

	evt := New(invocationID, author)
	require.NotNil(t, evt)
	require.Equal(t, invocationID, evt.InvocationID)
	require.Equal(t, author, evt.Author)
	require.NotEmpty(t, evt.ID)
	require.WithinDuration(t, time.Now(), evt.Timestamp, 2*time.Second)
}

func TestNewErrorEvent(t *testing.T) {
	const (
		invocationID = "invocation-err"
		author       = "tester"
		errType      = "node_error"
		errMsg       = "something went wrong"
	)

	evt := NewErrorEvent(invocationID, author, errType, errMsg)
	require.NotNil(t, evt.Error)
	require.Equal(t, ObjectTypeError, evt.Object)
	require.Equal(t, errType, evt.Error.Type)
	require.Equal(t, errMsg, evt.Error.Message)
	require.True(t, evt.Done)
}

func TestEvent_WithOptions_And_Clone(t *testing.T) {
	sd := map[string][]byte{"k": []byte("v")}
	sevt := New("inv-1", "author",
		WithBranch("parent/child"),
		WithObject("obj-x"),
		WithStateDelta(sd),
	)

	require.Equal(t, "parent/child", sevt.Branch)
	require.Equal(t, "obj-x", sevt.Object)
	require.NotNil(t, sevt.StateDelta)
	require.Equal(t, "v", string(sevt.StateDelta["k"]))

	sevt.Error = &ErrorDetail{Type: "t", Message: "m"}

	// Clone and verify deep copy of maps and error.
	clone := sevt.Clone()
	require.NotNil(t, clone)
	require.NotSame(t, sevt, clone)
	require.Equal(t, sevt.InvocationID, clone.InvocationID)
	require.Equal(t, sevt.Author, clone.Author)
	require.NotSame(t, sevt.Error, clone.Error)

	// Mutate source map and ensure clone is unaffected.
	sevt.StateDelta["k"][0] = 'X'
	require.Equal(t, "v", string(clone.StateDelta["k"]))

	var nilEvt *Event
	require.Nil(t, nilEvt.Clone())
}

func TestEvent_Marshal_And_Unmarshal(t *testing.T) {
	evt := New("inv-1", "author",
		WithBranch("b1"),
	)
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	evtUnmarshalValue := &Event{}
	err = json.Unmarshal(data, evtUnmarshalValue)
	require.NoError(t, err)
	require.Equal(t, "b1", evtUnmarshalValue.Branch)
	require.Equal(t, "inv-1", evtUnmarshalValue.InvocationID)

	var nilEvt *Event
	mNilEvt, err := json.Marshal(nilEvt)
	require.NoError(t, err)
	require.Equal(t, "null", string(mNilEvt))
}

func TestEmitEventWithTimeout(t *testing.T) {
	type args struct {
		ctx     context.Context
		ch      chan<- *Event
		e       *Event
		timeout time.Duration
	}
	tests := []struct {
		name    string
		args    args
		wantErr bool
		errType error
	}{
		{
			name: "nil event",
			args: args{
				ctx:     context.Background(),
				ch:      make(chan *Event),
				e:       nil,
				timeout: EmitWithoutTimeout,
			},
		},
		{
			name: "emit without timeout success",
			args: args{
				ctx:     context.Background(),
				ch:      make(chan *Event, 1),
				e:       New("invocationID", "author"),
				timeout: EmitWithoutTimeout,
			},
		},
		{
			name: "emit with timeout success",
			args: args{
				ctx:     context.Background(),
				ch:      make(chan *Event, 1),
				e:       New("invocationID", "author"),
				timeout: 1 * time.Second,
			},
		},
		{
			name: "context cancelled",
			args: args{
				ctx:     func() context.Context { ctx, cancel := context.WithCancel(context.Background()); cancel(); return ctx }(),
				ch:      make(chan *Event),
				e:       New("invocationID", "author"),
				timeout: 1 * time.Second,
			},
			wantErr: true,
			errType: context.Canceled,
		},
		{
			name: "emit timeout",
			args: args{
				ctx:     context.Background(),
				ch:      make(chan *Event),
				e:       New("invocationID", "author"),
				timeout: 1 * time.Millisecond,
			},
			wantErr: true,
			errType: DefaultEmitTimeoutErr,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := EmitEventWithTimeout(tt.args.ctx, tt.args.ch, tt.args.e, tt.args.timeout)
			if (err != nil) != tt.wantErr {
				t.Errorf("EmitEventWithTimeout() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && !errors.Is(err, tt.errType) {
				t.Errorf("EmitEventWithTimeout() error = %v, want %v", err, tt.errType)
			}
		})
	}
}

func TestEmitEventTimeoutError_Error_And_As(t *testing.T) {
	msg := "emit event timeout."
	err := NewEmitEventTimeoutError(msg)
	require.Equal(t, msg, err.Error())

	wrapped := fmt.Errorf("wrap: %w", err)
	got, ok := AsEmitEventTimeoutError(wrapped)
	require.True(t, ok)
	require.Equal(t, msg, got.Message)

	_, ok = AsEmitEventTimeoutError(errors.New("other"))
	require.False(t, ok)
}

func TestEmitEvent_WrapperAndNilChannel(t *testing.T) {
	ch := make(chan *Event, 1)
	e := New("inv", "author")
	require.NoError(t, EmitEvent(context.Background(), ch, e))

	// Drain to avoid any accidental blocking in later tests.
	<-ch

	// Nil channel should return nil (no-op).
	require.NoError(t, EmitEventWithTimeout(context.Background(), nil, e, 10*time.Millisecond))
	require.NoError(t, EmitEvent(context.Background(), nil, e))
}

func TestEmitEventWithTimeout_NoTimeout_ContextCancelled(t *testing.T) {
	// When timeout is EmitWithoutTimeout and the context is already
	// cancelled, the select should take the ctx.Done() branch.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := make(chan *Event) // unbuffered to ensure send would block
	e := New("inv", "author")
	err := EmitEventWithTimeout(ctx, ch, e, EmitWithoutTimeout)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}
