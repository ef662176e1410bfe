//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package redis

import "sync"

var (
	registryMu    sync.RWMutex
	redisRegistry = make(map[string][]ClientBuilderOpt)
)

// RegisterRedisInstance registers a named redis instance with its builder
// options. An existing instance with the same name is overwritten.
func RegisterRedisInstance(name string, opts ...ClientBuilderOpt) {
	registryMu.Lock()
	defer registryMu.Unlock()
	redisRegistry[name] = opts
}

// GetRedisInstance returns a copy of the builder options registered under
// name, or false when the name is unknown.
func GetRedisInstance(name string) ([]ClientBuilderOpt, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	opts, ok := redisRegistry[name]
	if !ok {
		return nil, false
	}
	copied := make([]ClientBuilderOpt, len(opts))
	copy(copied, opts)
	return copied, true
}

// UnregisterRedisInstance removes a named redis instance from the registry.
func UnregisterRedisInstance(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(redisRegistry, name)
}

// ListRedisInstances returns the registered instance names.
func ListRedisInstances() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(redisRegistry))
	for name := range redisRegistry {
		names = append(names, name)
	}
	return names
}
