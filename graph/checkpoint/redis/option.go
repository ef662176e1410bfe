//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a Redis-backed CheckpointSaver for lineage
// persistence shared across processes.
package redis

import "time"

const defaultTTL = time.Hour * 24 * 7

var defaultOptions = Options{
	ttl: defaultTTL,
}

// Options configures the redis checkpoint saver.
type Options struct {
	url          string
	instanceName string
	extraOptions []any
	ttl          time.Duration
}

// Option configures the redis checkpoint saver.
type Option func(*Options)

// WithRedisClientURL connects the saver through a redis URL.
func WithRedisClientURL(url string) Option {
	return func(opts *Options) {
		opts.url = url
	}
}

// WithRedisInstance connects the saver through a named instance registered
// in storage/redis. WithRedisClientURL wins when both are set.
func WithRedisInstance(instanceName string) Option {
	return func(opts *Options) {
		opts.instanceName = instanceName
	}
}

// WithExtraOptions passes builder-specific settings through to a custom
// redis client builder.
func WithExtraOptions(extraOptions ...any) Option {
	return func(opts *Options) {
		opts.extraOptions = append(opts.extraOptions, extraOptions...)
	}
}

// WithTTL bounds how long checkpoint data lives in redis (default 7 days).
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		if ttl <= 0 {
			ttl = defaultTTL
		}
		opts.ttl = ttl
	}
}
