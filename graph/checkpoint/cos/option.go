//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package cos provides a CheckpointSaver backed by Tencent Cloud Object
// Storage, for durable lineages shared across processes and hosts.
//
// Authentication follows the COS SDK conventions: credentials come from the
// COS_SECRETID and COS_SECRETKEY environment variables, the WithSecretID
// and WithSecretKey options, or a pre-configured client via WithClient.
package cos

import (
	"net/http"
	"time"

	"github.com/tencentyun/cos-go-sdk-v5"
)

const (
	defaultTimeout = 60 * time.Second
	defaultPrefix  = "checkpoints"
)

type options struct {
	secretID   string
	secretKey  string
	timeout    time.Duration
	prefix     string
	httpClient *http.Client
	cosClient  *cos.Client
}

// Option configures the COS checkpoint saver.
type Option func(*options)

// WithSecretID sets the COS secret ID, overriding COS_SECRETID.
func WithSecretID(secretID string) Option {
	return func(o *options) { o.secretID = secretID }
}

// WithSecretKey sets the COS secret key, overriding COS_SECRETKEY.
func WithSecretKey(secretKey string) Option {
	return func(o *options) { o.secretKey = secretKey }
}

// WithTimeout bounds one COS request (default 60s).
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithObjectPrefix sets the object key prefix checkpoints are stored under
// (default "checkpoints").
func WithObjectPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithHTTPClient provides the HTTP client used for COS requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithClient provides a pre-configured COS client, bypassing URL and
// credential options.
func WithClient(client *cos.Client) Option {
	return func(o *options) { o.cosClient = client }
}
