//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestInstanceRegistry(t *testing.T) {
	RegisterRedisInstance("primary", WithClientBuilderURL("redis://localhost:6379"))
	defer UnregisterRedisInstance("primary")

	opts, ok := GetRedisInstance("primary")
	require.True(t, ok)
	require.Len(t, opts, 1)

	applied := &ClientBuilderOpts{}
	for _, opt := range opts {
		opt(applied)
	}
	require.Equal(t, "redis://localhost:6379", applied.URL)

	require.Contains(t, ListRedisInstances(), "primary")

	_, ok = GetRedisInstance("missing")
	require.False(t, ok)

	UnregisterRedisInstance("primary")
	_, ok = GetRedisInstance("primary")
	require.False(t, ok)
}

func TestRegisterOverwrites(t *testing.T) {
	RegisterRedisInstance("store", WithClientBuilderURL("redis://old:6379"))
	RegisterRedisInstance("store", WithClientBuilderURL("redis://new:6379"))
	defer UnregisterRedisInstance("store")

	opts, ok := GetRedisInstance("store")
	require.True(t, ok)

	applied := &ClientBuilderOpts{}
	for _, opt := range opts {
		opt(applied)
	}
	require.Equal(t, "redis://new:6379", applied.URL)
}

func TestClientBuilderOpts(t *testing.T) {
	applied := &ClientBuilderOpts{}
	for _, opt := range []ClientBuilderOpt{
		WithClientBuilderURL("redis://localhost:6379/2"),
		WithExtraOptions("x", "y"),
	} {
		opt(applied)
	}
	require.Equal(t, "redis://localhost:6379/2", applied.URL)
	require.Equal(t, []any{"x", "y"}, applied.ExtraOptions)
}

func TestSetClientBuilder(t *testing.T) {
	original := GetClientBuilder()
	defer SetClientBuilder(original)

	called := false
	SetClientBuilder(func(opts ...ClientBuilderOpt) (redis.UniversalClient, error) {
		called = true
		return nil, nil
	})
	_, err := GetClientBuilder()()
	require.NoError(t, err)
	require.True(t, called)

	// A nil builder is ignored.
	SetClientBuilder(nil)
	_, err = GetClientBuilder()()
	require.NoError(t, err)
}

func TestDefaultClientBuilder(t *testing.T) {
	_, err := DefaultClientBuilder()
	require.Error(t, err)

	_, err = DefaultClientBuilder(WithClientBuilderURL("://bad-url"))
	require.Error(t, err)

	client, err := DefaultClientBuilder(WithClientBuilderURL("redis://localhost:6379/1"))
	require.NoError(t, err)
	require.NotNil(t, client)
	client.Close()
}
