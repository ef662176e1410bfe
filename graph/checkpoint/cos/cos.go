//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package cos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/tencentyun/cos-go-sdk-v5"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

// Object layout:
//
//	{prefix}/{lineage}/{escaped_ns}/ckpt/{ts_nanos}-{checkpoint_id}.json
//	{prefix}/{lineage}/{escaped_ns}/writes/{checkpoint_id}.json
//
// The zero-padded nanosecond timestamp makes the lexical object order the
// temporal order, so "latest" is the last key under the ckpt/ prefix.
// Namespaces are path-escaped because nested subgraph namespaces contain
// slashes.

// Saver persists checkpoints as COS objects.
type Saver struct {
	client *cos.Client
	prefix string
}

// checkpointRecord is the stored object body: the checkpoint together with
// its metadata so one GET rebuilds the full tuple.
type checkpointRecord struct {
	Checkpoint *graph.Checkpoint         `json:"checkpoint"`
	Metadata   *graph.CheckpointMetadata `json:"metadata"`
	Writes     []graph.PendingWrite      `json:"pending_writes,omitempty"`
}

// NewSaver creates a saver storing checkpoints in the bucket addressed by
// bucketURL (https://bucket.cos.region.myqcloud.com).
func NewSaver(bucketURL string, opts ...Option) (*Saver, error) {
	o := &options{
		timeout:   defaultTimeout,
		prefix:    defaultPrefix,
		secretID:  os.Getenv("COS_SECRETID"),
		secretKey: os.Getenv("COS_SECRETKEY"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cosClient != nil {
		return &Saver{client: o.cosClient, prefix: o.prefix}, nil
	}

	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("parse bucket url: %w", err)
	}
	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: o.timeout,
			Transport: &cos.AuthorizationTransport{
				SecretID:  o.secretID,
				SecretKey: o.secretKey,
			},
		}
	}
	return &Saver{
		client: cos.NewClient(&cos.BaseURL{BucketURL: u}, httpClient),
		prefix: o.prefix,
	}, nil
}

func (s *Saver) namespaceDir(lineageID, namespace string) string {
	return fmt.Sprintf("%s/%s/%s", s.prefix, lineageID, url.PathEscape(namespace))
}

func (s *Saver) checkpointObject(lineageID, namespace string, tsNanos int64, checkpointID string) string {
	return fmt.Sprintf("%s/ckpt/%020d-%s.json", s.namespaceDir(lineageID, namespace), tsNanos, checkpointID)
}

func (s *Saver) writesObject(lineageID, namespace, checkpointID string) string {
	return fmt.Sprintf("%s/writes/%s.json", s.namespaceDir(lineageID, namespace), checkpointID)
}

// Get returns the checkpoint addressed by config.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	if tuple == nil {
		return nil, nil
	}
	return tuple.Checkpoint, nil
}

// GetTuple returns the checkpoint tuple addressed by config, resolving the
// latest object of the lineage/namespace when no checkpoint ID is named.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	namespace := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}

	key, err := s.resolveObjectKey(ctx, lineageID, namespace, checkpointID)
	if err != nil || key == "" {
		return nil, err
	}
	return s.loadTuple(ctx, lineageID, namespace, key)
}

// resolveObjectKey finds the object key of a checkpoint: the last key under
// the prefix for latest, the key with the matching ID suffix otherwise.
func (s *Saver) resolveObjectKey(ctx context.Context, lineageID, namespace, checkpointID string) (string, error) {
	keys, err := s.listObjectKeys(ctx, s.namespaceDir(lineageID, namespace)+"/ckpt/")
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", nil
	}
	if checkpointID == "" {
		return keys[len(keys)-1], nil
	}
	suffix := "-" + checkpointID + ".json"
	for _, key := range keys {
		if strings.HasSuffix(key, suffix) {
			return key, nil
		}
	}
	return "", nil
}

func (s *Saver) loadTuple(ctx context.Context, lineageID, namespace, key string) (*graph.CheckpointTuple, error) {
	body, err := s.getObject(ctx, key)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	record := &checkpointRecord{}
	if err := json.Unmarshal(body, record); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint object %s: %w", key, err)
	}
	if record.Checkpoint == nil {
		return nil, fmt.Errorf("checkpoint object %s has no checkpoint", key)
	}

	writes := record.Writes
	if writes == nil {
		writes, err = s.loadWrites(ctx, lineageID, namespace, record.Checkpoint.ID)
		if err != nil {
			return nil, err
		}
	}

	tuple := &graph.CheckpointTuple{
		Config:        graph.CreateCheckpointConfig(lineageID, record.Checkpoint.ID, namespace),
		Checkpoint:    record.Checkpoint,
		Metadata:      record.Metadata,
		PendingWrites: writes,
	}
	if record.Checkpoint.ParentCheckpointID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(
			lineageID, record.Checkpoint.ParentCheckpointID, namespace)
	}
	return tuple, nil
}

// List returns the checkpoints of a lineage/namespace matching the filter,
// newest first.
func (s *Saver) List(
	ctx context.Context,
	config map[string]any,
	filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	namespace := graph.GetNamespace(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}

	keys, err := s.listObjectKeys(ctx, s.namespaceDir(lineageID, namespace)+"/ckpt/")
	if err != nil {
		return nil, err
	}
	// Newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	var beforeKey string
	if filter != nil && filter.Before != nil {
		beforeID := graph.GetCheckpointID(filter.Before)
		if beforeID != "" {
			beforeKey, err = s.resolveObjectKey(ctx, lineageID, namespace, beforeID)
			if err != nil {
				return nil, err
			}
			if beforeKey == "" {
				return nil, nil
			}
		}
	}

	var tuples []*graph.CheckpointTuple
	for _, key := range keys {
		if beforeKey != "" && key >= beforeKey {
			continue
		}
		tuple, err := s.loadTuple(ctx, lineageID, namespace, key)
		if err != nil {
			return nil, err
		}
		if tuple == nil || !matchesMetadata(tuple, filter) {
			continue
		}
		tuples = append(tuples, tuple)
		if filter != nil && filter.Limit > 0 && len(tuples) >= filter.Limit {
			break
		}
	}
	return tuples, nil
}

// Put stores a checkpoint and returns the config addressing it.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	return s.PutFull(ctx, graph.PutFullRequest{
		Config:      req.Config,
		Checkpoint:  req.Checkpoint,
		Metadata:    req.Metadata,
		NewVersions: req.NewVersions,
	})
}

// PutWrites stores intermediate writes linked to a checkpoint.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	lineageID := graph.GetLineageID(req.Config)
	namespace := graph.GetNamespace(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if lineageID == "" || checkpointID == "" {
		return errors.New("lineage_id and checkpoint_id are required")
	}
	writes := make([]graph.PendingWrite, len(req.Writes))
	copy(writes, req.Writes)
	for i := range writes {
		if writes[i].TaskID == "" {
			writes[i].TaskID = req.TaskID
		}
	}
	body, err := json.Marshal(writes)
	if err != nil {
		return fmt.Errorf("marshal writes: %w", err)
	}
	return s.putObject(ctx, s.writesObject(lineageID, namespace, checkpointID), body)
}

// PutFull stores a checkpoint together with its pending writes in one
// object, so a reader never observes the checkpoint without them.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	lineageID := graph.GetLineageID(req.Config)
	namespace := graph.GetNamespace(req.Config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	if req.Checkpoint == nil {
		return nil, errors.New("checkpoint cannot be nil")
	}

	record := &checkpointRecord{
		Checkpoint: req.Checkpoint,
		Metadata:   req.Metadata,
		Writes:     req.PendingWrites,
	}
	body, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	key := s.checkpointObject(
		lineageID, namespace, req.Checkpoint.Timestamp.UnixNano(), req.Checkpoint.ID)
	if err := s.putObject(ctx, key, body); err != nil {
		return nil, err
	}
	return graph.CreateCheckpointConfig(lineageID, req.Checkpoint.ID, namespace), nil
}

// DeleteLineage removes every object of a lineage.
func (s *Saver) DeleteLineage(ctx context.Context, lineageID string) error {
	if lineageID == "" {
		return graph.ErrLineageIDRequired
	}
	keys, err := s.listObjectKeys(ctx, fmt.Sprintf("%s/%s/", s.prefix, lineageID))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := s.client.Object.Delete(ctx, key); err != nil && !cos.IsNotFoundError(err) {
			return fmt.Errorf("delete object %s: %w", key, err)
		}
	}
	return nil
}

// Close is a no-op; the COS client holds no long-lived connections.
func (s *Saver) Close() error { return nil }

func (s *Saver) loadWrites(ctx context.Context, lineageID, namespace, checkpointID string) ([]graph.PendingWrite, error) {
	body, err := s.getObject(ctx, s.writesObject(lineageID, namespace, checkpointID))
	if err != nil || body == nil {
		return nil, err
	}
	var writes []graph.PendingWrite
	if err := json.Unmarshal(body, &writes); err != nil {
		return nil, fmt.Errorf("unmarshal writes: %w", err)
	}
	return writes, nil
}

// listObjectKeys lists every object key under prefix in lexical order,
// following listing pagination.
func (s *Saver) listObjectKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	marker := ""
	for {
		result, _, err := s.client.Bucket.Get(ctx, &cos.BucketGetOptions{
			Prefix: prefix,
			Marker: marker,
		})
		if err != nil {
			if cos.IsNotFoundError(err) {
				return keys, nil
			}
			return nil, fmt.Errorf("list objects %s: %w", prefix, err)
		}
		for _, obj := range result.Contents {
			keys = append(keys, obj.Key)
		}
		if !result.IsTruncated {
			break
		}
		marker = result.NextMarker
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Saver) getObject(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.Object.Get(ctx, key, nil)
	if err != nil {
		if cos.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return body, nil
}

func (s *Saver) putObject(ctx context.Context, key string, body []byte) error {
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{
			ContentType: "application/json",
		},
	}
	if _, err := s.client.Object.Put(ctx, key, bytes.NewReader(body), opt); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func matchesMetadata(tuple *graph.CheckpointTuple, filter *graph.CheckpointFilter) bool {
	if filter == nil || len(filter.Metadata) == 0 {
		return true
	}
	if tuple.Metadata == nil || tuple.Metadata.Extra == nil {
		return false
	}
	for key, value := range filter.Metadata {
		if tuple.Metadata.Extra[key] != value {
			return false
		}
	}
	return true
}
