//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package redis provides the shared Redis client construction used by
// Redis-backed components: a pluggable client builder plus a registry of
// named instances, so applications configure connections in one place.
package redis

import (
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ClientBuilderOpts collects the settings a client builder receives.
type ClientBuilderOpts struct {
	// URL is the redis connection URL:
	// redis://<username>:<password>@<host>:<port>/<db>?<options>
	URL string
	// ExtraOptions carries builder-specific settings for custom builders.
	ExtraOptions []any
}

// ClientBuilderOpt configures the client builder.
type ClientBuilderOpt func(*ClientBuilderOpts)

// WithClientBuilderURL sets the redis connection URL.
func WithClientBuilderURL(url string) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.URL = url
	}
}

// WithExtraOptions passes builder-specific settings through to a custom
// client builder.
func WithExtraOptions(extraOptions ...any) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.ExtraOptions = append(opts.ExtraOptions, extraOptions...)
	}
}

// ClientBuilder creates a redis client from builder options.
type ClientBuilder func(opts ...ClientBuilderOpt) (redis.UniversalClient, error)

var (
	builderMu     sync.RWMutex
	clientBuilder ClientBuilder = DefaultClientBuilder
)

// SetClientBuilder replaces the global client builder, letting applications
// inject pooling, observability, or a custom client implementation.
func SetClientBuilder(builder ClientBuilder) {
	if builder == nil {
		return
	}
	builderMu.Lock()
	defer builderMu.Unlock()
	clientBuilder = builder
}

// GetClientBuilder returns the global client builder.
func GetClientBuilder() ClientBuilder {
	builderMu.RLock()
	defer builderMu.RUnlock()
	return clientBuilder
}

// DefaultClientBuilder builds a universal client from the URL option.
func DefaultClientBuilder(opts ...ClientBuilderOpt) (redis.UniversalClient, error) {
	options := &ClientBuilderOpts{}
	for _, opt := range opts {
		opt(options)
	}
	if options.URL == "" {
		return nil, fmt.Errorf("redis: url is empty")
	}
	parsed, err := redis.ParseURL(options.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url %s: %w", options.URL, err)
	}
	universalOpts := &redis.UniversalOptions{
		Addrs:                 []string{parsed.Addr},
		DB:                    parsed.DB,
		Username:              parsed.Username,
		Password:              parsed.Password,
		Protocol:              parsed.Protocol,
		ClientName:            parsed.ClientName,
		TLSConfig:             parsed.TLSConfig,
		MaxRetries:            parsed.MaxRetries,
		MinRetryBackoff:       parsed.MinRetryBackoff,
		MaxRetryBackoff:       parsed.MaxRetryBackoff,
		DialTimeout:           parsed.DialTimeout,
		ReadTimeout:           parsed.ReadTimeout,
		WriteTimeout:          parsed.WriteTimeout,
		ContextTimeoutEnabled: parsed.ContextTimeoutEnabled,
		PoolFIFO:              parsed.PoolFIFO,
		PoolSize:              parsed.PoolSize,
		PoolTimeout:           parsed.PoolTimeout,
		MinIdleConns:          parsed.MinIdleConns,
		MaxIdleConns:          parsed.MaxIdleConns,
		MaxActiveConns:        parsed.MaxActiveConns,
		ConnMaxIdleTime:       parsed.ConnMaxIdleTime,
		ConnMaxLifetime:       parsed.ConnMaxLifetime,
	}
	return redis.NewUniversalClient(universalOpts), nil
}
