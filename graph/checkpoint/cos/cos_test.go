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
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewSaverBuildsClient(t *testing.T) {
	saver, err := NewSaver("https://bucket.cos.ap-guangzhou.myqcloud.com",
		WithSecretID("id"),
		WithSecretKey("key"),
		WithTimeout(10*time.Second),
		WithObjectPrefix("graph-ckpts"))
	require.NoError(t, err)
	require.NotNil(t, saver.client)
	require.Equal(t, "graph-ckpts", saver.prefix)
	require.NoError(t, saver.Close())
}

func TestNewSaverDefaults(t *testing.T) {
	saver, err := NewSaver("https://bucket.cos.ap-guangzhou.myqcloud.com")
	require.NoError(t, err)
	require.Equal(t, defaultPrefix, saver.prefix)
}

func TestObjectKeyLayout(t *testing.T) {
	saver, err := NewSaver("https://bucket.cos.ap-guangzhou.myqcloud.com")
	require.NoError(t, err)

	require.Equal(t,
		"checkpoints/lineage-1/ns-1",
		saver.namespaceDir("lineage-1", "ns-1"))
	// Namespaces can contain "/", which must not create extra directory
	// levels in the object key.
	require.Equal(t,
		"checkpoints/lineage-1/parent%2Fchild",
		saver.namespaceDir("lineage-1", "parent/child"))
	require.Equal(t,
		"checkpoints/lineage-1//writes/ck-1.json",
		saver.writesObject("lineage-1", "", "ck-1"))
}

func TestCheckpointObjectKeysSortByTimestamp(t *testing.T) {
	saver, err := NewSaver("https://bucket.cos.ap-guangzhou.myqcloud.com")
	require.NoError(t, err)

	early := saver.checkpointObject("l", "", time.Unix(1, 0).UnixNano(), "zzz")
	late := saver.checkpointObject("l", "", time.Unix(100, 0).UnixNano(), "aaa")

	keys := []string{late, early}
	sort.Strings(keys)
	// Zero-padded nanos make lexical order follow time, not checkpoint ID.
	require.Equal(t, []string{early, late}, keys)
}
