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

package passctl

import (
	"bufio"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ayeowch/crawl/internal/coordstore"
	"github.com/ayeowch/crawl/internal/exclude"
	"github.com/ayeowch/crawl/internal/netaddr"
	"github.com/ayeowch/crawl/internal/workerpool"
)

type noopFetcher struct{}

func (noopFetcher) Fetch(ctx context.Context, url string) (*bufio.Scanner, error) {
	return bufio.NewScanner(strings.NewReader("")), nil
}

func TestRotate_ScenarioE_PassRotation(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemStore()
	filter := exclude.New()
	filter.Refresh(&exclude.RuleSet{})

	e1 := netaddr.Endpoint{Address: "1.2.3.4", Port: 8333, Services: 9}
	e2 := netaddr.Endpoint{Address: "5.6.7.8", Port: 8333, Services: 9}

	require.NoError(t, store.SAdd(ctx, coordstore.KeyReachable, e1.String(), e2.String()))
	require.NoError(t, store.Set(ctx, coordstore.NodeKey(e1.Key()), "", 0))
	require.NoError(t, store.Set(ctx, coordstore.NodeKey(e2.Key()), "", 0))
	require.NoError(t, store.Set(ctx, coordstore.HeightKey(e1.Key()), "800000", 0))
	require.NoError(t, store.Set(ctx, coordstore.HeightKey(e2.Key()), "800000", 0))

	dir := t.TempDir()
	cfg := Config{
		CronDelay:     10 * time.Millisecond,
		SnapshotDelay: 30 * time.Millisecond,
		CrawlDir:      dir,
	}
	c := New(cfg, store, filter, noopFetcher{})

	start := time.Now()
	c.rotate(ctx)
	require.GreaterOrEqual(t, time.Since(start), cfg.SnapshotDelay)

	n, err := store.SCard(ctx, coordstore.KeyReachable)
	require.NoError(t, err)
	require.Zero(t, n, "reachable must be cleared at pass boundary")

	_, ok, err := store.Get(ctx, coordstore.NodeKey(e1.Key()))
	require.NoError(t, err)
	require.False(t, ok, "node claims must be cleared at pass boundary")

	pending, err := store.SMembers(ctx, coordstore.KeyPending)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{e1.String(), e2.String()}, pending)

	state, ok, err := store.Get(ctx, coordstore.KeyMasterState)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, string(workerpool.StateRunning), state)
}

func TestRotate_FloorMeasuresFromTruePassStart(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemStore()
	filter := exclude.New()
	filter.Refresh(&exclude.RuleSet{})

	cfg := Config{SnapshotDelay: 100 * time.Millisecond, CrawlDir: t.TempDir()}
	c := New(cfg, store, filter, noopFetcher{})

	drainDelay := 60 * time.Millisecond
	time.Sleep(drainDelay)

	start := time.Now()
	c.rotate(ctx)
	rotateDuration := time.Since(start)

	// The pass as a whole (drain + rotate) must take roughly
	// SnapshotDelay, not SnapshotDelay on top of the time already
	// spent draining before rotate was even called.
	require.Less(t, rotateDuration, cfg.SnapshotDelay, "rotate must not re-add the drain delay on top of snapshot_delay")
}

func TestRotate_WritesSnapshotWithModalHeight(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemStore()
	filter := exclude.New()
	filter.Refresh(&exclude.RuleSet{})

	e1 := netaddr.Endpoint{Address: "1.2.3.4", Port: 8333, Services: 9}
	require.NoError(t, store.SAdd(ctx, coordstore.KeyReachable, e1.String()))
	require.NoError(t, store.Set(ctx, coordstore.HeightKey(e1.Key()), "700000", 0))

	dir := t.TempDir()
	cfg := Config{SnapshotDelay: time.Millisecond, CrawlDir: dir}
	c := New(cfg, store, filter, noopFetcher{})
	c.rotate(ctx)

	history, ok, err := store.LPop(ctx, coordstore.KeyNodes)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, history, "1")

	height, ok, err := store.Get(ctx, coordstore.KeyHeight)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "700000", height)
}

func TestRotate_ZeroReachable_SkipsSnapshotFileButRecordsHistory(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemStore()
	filter := exclude.New()
	filter.Refresh(&exclude.RuleSet{})

	dir := t.TempDir()
	cfg := Config{SnapshotDelay: time.Millisecond, CrawlDir: dir}
	c := New(cfg, store, filter, noopFetcher{})
	c.rotate(ctx)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "no snapshot file should be written for zero reachable entries")

	history, ok, err := store.LPop(ctx, coordstore.KeyNodes)
	require.NoError(t, err)
	require.True(t, ok, "nodes history must still be recorded for a zero-entry pass")
	require.Contains(t, history, "0")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := coordstore.NewMemStore()
	filter := exclude.New()
	filter.Refresh(&exclude.RuleSet{})

	cfg := Config{CronDelay: time.Millisecond, SnapshotDelay: 0, CrawlDir: t.TempDir()}
	c := New(cfg, store, filter, noopFetcher{})

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestRotate_IncludeChecked_ReseedsWithinMaxAge(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemStore()
	filter := exclude.New()
	filter.Refresh(&exclude.RuleSet{})

	checked := netaddr.Endpoint{Address: "9.9.9.9", Port: 8333, Services: 9}
	require.NoError(t, store.ZAdd(ctx, coordstore.KeyCheck, float64(time.Now().Unix()), checked.String()))

	cfg := Config{
		SnapshotDelay:  time.Millisecond,
		CrawlDir:       t.TempDir(),
		IncludeChecked: true,
		MaxAge:         time.Hour,
	}
	c := New(cfg, store, filter, noopFetcher{})
	c.rotate(ctx)

	pending, err := store.SMembers(ctx, coordstore.KeyPending)
	require.NoError(t, err)
	require.Contains(t, pending, checked.String())
}
