/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package coordstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemStore_SetOps(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.SAdd(ctx, "pending", "a", "b", "c"))
	n, err := s.SCard(ctx, "pending")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	require.NoError(t, s.SRem(ctx, "pending", "b"))
	members, err := s.SMembers(ctx, "pending")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "c"}, members)

	_, ok, err := s.SPop(ctx, "empty-key")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemStore_ListOps_PushPop(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.LPush(ctx, "mempool_pending", "x"))
	v, ok, err := s.LPop(ctx, "mempool_pending")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", v)

	_, ok, err = s.LPop(ctx, "mempool_pending")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.Set(ctx, "k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemStore_Incr(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	for i := int64(1); i <= 3; i++ {
		n, err := s.Incr(ctx, "crawl:cidr:2001:db8::/32")
		require.NoError(t, err)
		require.Equal(t, i, n)
	}
}

func TestMemStore_ScanKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Set(ctx, "node:1.2.3.4-8333-9", "", 0))
	require.NoError(t, s.Set(ctx, "node:5.6.7.8-8333-9", "", 0))
	require.NoError(t, s.Set(ctx, "height:1.2.3.4-8333-9", "800000", 0))

	keys, err := s.ScanKeys(ctx, "node:*")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestMemStore_ZRangeByScore(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.ZAdd(ctx, "check", 100, "a"))
	require.NoError(t, s.ZAdd(ctx, "check", 200, "b"))
	require.NoError(t, s.ZAdd(ctx, "check", 300, "c"))

	members, err := s.ZRangeByScore(ctx, "check", 150, 250)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, members)
}

func TestMemStore_Pipeline_BatchesAndApplies(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	pipe := s.Pipeline()
	pipe.Set("node:1.2.3.4-8333-9", "", 0)
	pipe.SAdd("reachable", "node:1.2.3.4-8333-9")
	pipe.LPush("mempool_pending", "node:1.2.3.4-8333-9")
	require.NoError(t, pipe.Exec(ctx))

	_, ok, err := s.Get(ctx, "node:1.2.3.4-8333-9")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.SCard(ctx, "reachable")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
