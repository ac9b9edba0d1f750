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

package bootstrap

import (
	"bufio"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ayeowch/crawl/internal/config"
	"github.com/ayeowch/crawl/internal/coordstore"
	"github.com/ayeowch/crawl/internal/exclude"
)

type fakeResolver struct {
	addrs map[string][]string
	err   map[string]error
}

func (f *fakeResolver) Resolve(ctx context.Context, host string) ([]string, error) {
	if err, ok := f.err[host]; ok {
		return nil, err
	}
	return f.addrs[host], nil
}

type fakeFetcher struct {
	body map[string]string
	err  map[string]error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*bufio.Scanner, error) {
	if err, ok := f.err[url]; ok {
		return nil, err
	}
	return bufio.NewScanner(strings.NewReader(f.body[url])), nil
}

func TestRun_SeedsPendingAndPublishesFilter(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemStore()
	filter := exclude.New()

	cfg := &config.Config{
		Port:     8333,
		Services: 9,
		Seeders:  "seed.example.com",
		ExcludeIPv4Networks: "10.0.0.0/8",
	}

	resolver := &fakeResolver{addrs: map[string][]string{
		"seed.example.com": {"1.2.3.4", "10.0.0.5"},
	}}

	b, err := New(cfg, store, filter, resolver, &fakeFetcher{})
	require.NoError(t, err)

	require.NoError(t, b.Run(ctx))

	members, err := store.SMembers(ctx, coordstore.KeyPending)
	require.NoError(t, err)
	require.Len(t, members, 1, "the 10.0.0.0/8 address must be excluded before seeding")
	require.Contains(t, members[0], "1.2.3.4")

	state, ok, err := store.Get(ctx, coordstore.KeyMasterState)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "running", state)

	v4, ok, err := store.Get(ctx, coordstore.KeyExcludeIPv4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, v4, "10.0.0.0/8")

	require.False(t, filter.IsExcluded("1.2.3.4"))
	require.True(t, filter.IsExcluded("10.0.0.5"))
}

func TestRun_WipesStaleState(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemStore()
	filter := exclude.New()

	require.NoError(t, store.SAdd(ctx, coordstore.KeyReachable, "stale"))
	require.NoError(t, store.Set(ctx, "node:stale-8333-0", "", 0))
	require.NoError(t, store.Set(ctx, "height:stale-8333-0", "100", 0))

	cfg := &config.Config{Port: 8333, Seeders: "seed.example.com"}
	resolver := &fakeResolver{addrs: map[string][]string{"seed.example.com": {"1.2.3.4"}}}

	b, err := New(cfg, store, filter, resolver, &fakeFetcher{})
	require.NoError(t, err)
	require.NoError(t, b.Run(ctx))

	n, err := store.SCard(ctx, coordstore.KeyReachable)
	require.NoError(t, err)
	require.Zero(t, n)

	_, ok, err := store.Get(ctx, "node:stale-8333-0")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRun_SeederResolveFailure_NonFatal(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemStore()
	filter := exclude.New()

	cfg := &config.Config{Port: 8333, Seeders: "bad.example.com\ngood.example.com"}
	resolver := &fakeResolver{
		addrs: map[string][]string{"good.example.com": {"5.6.7.8"}},
		err:   map[string]error{"bad.example.com": errResolve},
	}

	b, err := New(cfg, store, filter, resolver, &fakeFetcher{})
	require.NoError(t, err)
	require.NoError(t, b.Run(ctx))

	members, err := store.SMembers(ctx, coordstore.KeyPending)
	require.NoError(t, err)
	require.Len(t, members, 1)
}

var errResolve = fakeErr("resolution failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
