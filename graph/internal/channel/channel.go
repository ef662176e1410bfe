//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package channel provides the versioned value channels that drive
// superstep planning: a node is triggered when one of the channels it
// subscribes to received a write since the node last saw it.
package channel

import "sync"

// Type defines how a channel folds incoming writes into its value.
type Type int

const (
	// TypeLastValue keeps only the most recent value.
	TypeLastValue Type = iota
	// TypeTopic accumulates every value written.
	TypeTopic
	// TypeEphemeral holds a value for a single superstep.
	TypeEphemeral
	// TypeBarrier collects sender names and becomes available only once
	// every expected sender has written.
	TypeBarrier
)

// String returns the readable name of the channel type.
func (t Type) String() string {
	switch t {
	case TypeLastValue:
		return "last_value"
	case TypeTopic:
		return "topic"
	case TypeEphemeral:
		return "ephemeral"
	case TypeBarrier:
		return "barrier"
	default:
		return "unknown"
	}
}

// Channel is a named, versioned slot written during the update phase of a
// superstep and read during the next planning phase.
type Channel struct {
	mu sync.Mutex

	// Name is the channel identifier.
	Name string
	// Type selects the fold behavior.
	Type Type
	// Value is the folded value (last value or ephemeral).
	Value any
	// Values accumulates writes for topic channels.
	Values []any
	// BarrierSet records the senders seen by a barrier channel.
	BarrierSet map[string]bool
	// Expected lists the senders a barrier waits for.
	Expected []string
	// Version increases on every accepted update.
	Version int64
	// Available marks the channel as carrying an unconsumed update.
	Available bool
}

// NewChannel creates a channel of the given type.
func NewChannel(name string, channelType Type) *Channel {
	return &Channel{
		Name:       name,
		Type:       channelType,
		BarrierSet: make(map[string]bool),
	}
}

// NewBarrierChannel creates a barrier channel waiting for the given senders.
func NewBarrierChannel(name string, expected []string) *Channel {
	ch := NewChannel(name, TypeBarrier)
	ch.Expected = append([]string(nil), expected...)
	return ch
}

// Update folds the given values into the channel and reports whether the
// channel changed. Barrier channels expect sender names as values.
func (c *Channel) Update(values []any) bool {
	if len(values) == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.Type {
	case TypeLastValue:
		c.Value = values[len(values)-1]
	case TypeTopic:
		c.Values = append(c.Values, values...)
	case TypeEphemeral:
		c.Value = values[0]
	case TypeBarrier:
		for _, v := range values {
			if sender, ok := v.(string); ok {
				c.BarrierSet[sender] = true
			}
		}
	}
	c.Version++
	c.Available = c.availableLocked()
	return true
}

// Get returns the channel's current value.
func (c *Channel) Get() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Type == TypeTopic {
		return c.Values
	}
	return c.Value
}

// Consume reads and clears an ephemeral channel's value. Other channel
// types return their value unchanged.
func (c *Channel) Consume() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Type != TypeEphemeral {
		if c.Type == TypeTopic {
			return c.Values
		}
		return c.Value
	}
	v := c.Value
	c.Value = nil
	c.Available = false
	return v
}

// IsAvailable reports whether the channel carries an unconsumed update.
// A barrier channel is available only when every expected sender has
// written since the barrier last fired.
func (c *Channel) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Available
}

func (c *Channel) availableLocked() bool {
	if c.Type != TypeBarrier {
		return true
	}
	if len(c.Expected) == 0 {
		return len(c.BarrierSet) > 0
	}
	for _, sender := range c.Expected {
		if !c.BarrierSet[sender] {
			return false
		}
	}
	return true
}

// Acknowledge marks the channel's update as consumed by planning. A barrier
// channel also resets its collected senders so the next generation must
// refill it before the barrier fires again.
func (c *Channel) Acknowledge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Available = false
	if c.Type == TypeBarrier {
		c.BarrierSet = make(map[string]bool)
	}
}

// Senders returns the senders collected by a barrier channel.
func (c *Channel) Senders() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.BarrierSet))
	for sender := range c.BarrierSet {
		out = append(out, sender)
	}
	return out
}

// RestoreBarrier replaces the collected sender set, used when resuming from
// a checkpoint.
func (c *Channel) RestoreBarrier(senders []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BarrierSet = make(map[string]bool, len(senders))
	for _, sender := range senders {
		c.BarrierSet[sender] = true
	}
	c.Available = c.availableLocked()
}

// Restore sets the channel's version and availability from a checkpoint
// without going through Update, so restoring does not look like a new write.
func (c *Channel) Restore(version int64, available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Version = version
	if c.Type == TypeBarrier {
		// Barrier availability derives from the restored sender set.
		c.Available = c.availableLocked()
		return
	}
	c.Available = available
	if available && c.Value == nil {
		c.Value = struct{}{}
	}
}

// Snapshot returns the channel's version and availability under the lock.
func (c *Channel) Snapshot() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Version, c.Available
}

// Finish marks the channel unavailable at run end.
func (c *Channel) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Available = false
}

// Manager owns the channels of one graph execution.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewManager creates an empty channel manager.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]*Channel)}
}

// AddChannel returns the named channel, creating it with the given type on
// first use.
func (m *Manager) AddChannel(name string, channelType Type) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[name]; ok {
		return ch
	}
	ch := NewChannel(name, channelType)
	m.channels[name] = ch
	return ch
}

// AddBarrierChannel returns the named barrier channel, creating it with the
// expected sender set on first use.
func (m *Manager) AddBarrierChannel(name string, expected []string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[name]; ok {
		return ch
	}
	ch := NewBarrierChannel(name, expected)
	m.channels[name] = ch
	return ch
}

// GetChannel returns the named channel.
func (m *Manager) GetChannel(name string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// GetAllChannels returns a copy of the channel map.
func (m *Manager) GetAllChannels() map[string]*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Channel, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch
	}
	return out
}
