//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLastValueChannel(t *testing.T) {
	ch := NewChannel("state", TypeLastValue)
	require.False(t, ch.IsAvailable())
	require.Zero(t, ch.Version)

	require.False(t, ch.Update(nil))

	require.True(t, ch.Update([]any{"a", "b"}))
	require.Equal(t, "b", ch.Get())
	require.True(t, ch.IsAvailable())
	require.Equal(t, int64(1), ch.Version)

	require.True(t, ch.Update([]any{"c"}))
	require.Equal(t, "c", ch.Get())
	require.Equal(t, int64(2), ch.Version)

	ch.Acknowledge()
	require.False(t, ch.IsAvailable())
	// The value stays readable after planning consumed the update.
	require.Equal(t, "c", ch.Get())
}

func TestTopicChannelAccumulates(t *testing.T) {
	ch := NewChannel("events", TypeTopic)
	ch.Update([]any{1, 2})
	ch.Update([]any{3})
	require.Equal(t, []any{1, 2, 3}, ch.Get())
	require.Equal(t, int64(2), ch.Version)
}

func TestEphemeralChannelConsume(t *testing.T) {
	ch := NewChannel("resume", TypeEphemeral)
	ch.Update([]any{"first", "second"})
	require.Equal(t, "first", ch.Get())
	require.True(t, ch.IsAvailable())

	require.Equal(t, "first", ch.Consume())
	require.Nil(t, ch.Get())
	require.False(t, ch.IsAvailable())

	// Consume on a non-ephemeral channel leaves the value in place.
	lv := NewChannel("state", TypeLastValue)
	lv.Update([]any{"kept"})
	require.Equal(t, "kept", lv.Consume())
	require.Equal(t, "kept", lv.Get())
}

func TestBarrierChannelWaitsForAllSenders(t *testing.T) {
	ch := NewBarrierChannel("join:merge", []string{"left", "right"})

	ch.Update([]any{"left"})
	require.False(t, ch.IsAvailable())

	// A repeated arrival from the same sender does not open the barrier.
	ch.Update([]any{"left"})
	require.False(t, ch.IsAvailable())

	ch.Update([]any{"right"})
	require.True(t, ch.IsAvailable())
	require.ElementsMatch(t, []string{"left", "right"}, ch.Senders())

	// Acknowledging resets the sender set for the next generation.
	ch.Acknowledge()
	require.False(t, ch.IsAvailable())
	require.Empty(t, ch.Senders())

	ch.Update([]any{"left"})
	require.False(t, ch.IsAvailable())
	ch.Update([]any{"right"})
	require.True(t, ch.IsAvailable())
}

func TestBarrierChannelWithoutExpectedSenders(t *testing.T) {
	ch := NewBarrierChannel("join:any", nil)
	require.False(t, ch.IsAvailable())
	ch.Update([]any{"someone"})
	require.True(t, ch.IsAvailable())
}

func TestRestore(t *testing.T) {
	ch := NewChannel("state", TypeLastValue)
	ch.Restore(7, true)
	version, available := ch.Snapshot()
	require.Equal(t, int64(7), version)
	require.True(t, available)
	// Restoring an available channel without a value leaves a sentinel so
	// planning sees the channel as written.
	require.NotNil(t, ch.Get())

	ch.Restore(7, false)
	_, available = ch.Snapshot()
	require.False(t, available)
}

func TestRestoreBarrier(t *testing.T) {
	ch := NewBarrierChannel("join:merge", []string{"left", "right"})
	ch.RestoreBarrier([]string{"left"})
	require.False(t, ch.IsAvailable())
	require.ElementsMatch(t, []string{"left"}, ch.Senders())

	ch.RestoreBarrier([]string{"left", "right"})
	require.True(t, ch.IsAvailable())

	// Restore on a barrier derives availability from the sender set, not
	// from the recorded flag.
	ch.RestoreBarrier([]string{"left"})
	ch.Restore(3, true)
	version, available := ch.Snapshot()
	require.Equal(t, int64(3), version)
	require.False(t, available)
}

func TestManager(t *testing.T) {
	m := NewManager()
	ch := m.AddChannel("state", TypeLastValue)
	require.Same(t, ch, m.AddChannel("state", TypeTopic))

	barrier := m.AddBarrierChannel("join:merge", []string{"a"})
	require.Equal(t, TypeBarrier, barrier.Type)

	got, ok := m.GetChannel("state")
	require.True(t, ok)
	require.Same(t, ch, got)

	_, ok = m.GetChannel("missing")
	require.False(t, ok)

	all := m.GetAllChannels()
	require.Len(t, all, 2)
}

func TestTypeString(t *testing.T) {
	require.Equal(t, "last_value", TypeLastValue.String())
	require.Equal(t, "topic", TypeTopic.String())
	require.Equal(t, "ephemeral", TypeEphemeral.String())
	require.Equal(t, "barrier", TypeBarrier.String())
	require.Equal(t, "unknown", Type(99).String())
}
