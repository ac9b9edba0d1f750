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

package peercache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ayeowch/crawl/internal/coordstore"
	"github.com/ayeowch/crawl/internal/exclude"
	"github.com/ayeowch/crawl/internal/netaddr"
	"github.com/ayeowch/crawl/internal/peerclient"
	"github.com/ayeowch/crawl/internal/peerclient/fakeclient"
)

func testConfig() Config {
	return Config{
		AddrTTL:       time.Minute,
		AddrTTLVarPct: 10,
		MaxAge:        30 * 24 * time.Hour,
		PeersPerNode:  8,
		DefaultPort:   8333,
		SocketTimeout: time.Second,
	}
}

func newFilter() *exclude.Filter {
	f := exclude.New()
	f.Refresh(&exclude.RuleSet{})
	return f
}

func TestGet_FetchesAndCaches(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemStore()
	cache := New(store, newFilter(), testConfig())

	now := time.Now().Unix()
	dialer := fakeclient.New()
	dialer.Set("1.2.3.4", 8333, fakeclient.Script{
		AddrReply: []peerclient.Message{{
			Kind:  peerclient.KindAddr,
			Count: 2,
			AddrList: []peerclient.AddrEntry{
				{IPv4: "5.6.7.8", Port: 8333, Services: 9, Timestamp: now},
				{IPv4: "9.10.11.12", Port: 8333, Services: 9, Timestamp: now},
			},
		}},
	})
	conn, err := dialer.Dial(ctx, "1.2.3.4", 8333, "")
	require.NoError(t, err)

	peers, err := cache.Get(ctx, conn, netaddr.Endpoint{Address: "1.2.3.4", Port: 8333, Services: 9})
	require.NoError(t, err)
	require.Len(t, peers, 2)

	// Second call within TTL must hit the cache, not the connection.
	conn2, _ := dialer.Dial(ctx, "1.2.3.4", 8333, "")
	peers2, err := cache.Get(ctx, conn2, netaddr.Endpoint{Address: "1.2.3.4", Port: 8333, Services: 9})
	require.NoError(t, err)
	require.ElementsMatch(t, peers, peers2)
}

func TestFetch_DropsSingleEntrySelfAd(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemStore()
	cache := New(store, newFilter(), testConfig())

	dialer := fakeclient.New()
	dialer.Set("1.2.3.4", 8333, fakeclient.Script{
		AddrReply: []peerclient.Message{{
			Kind:  peerclient.KindAddr,
			Count: 1,
			AddrList: []peerclient.AddrEntry{
				{IPv4: "5.6.7.8", Port: 8333, Services: 9, Timestamp: time.Now().Unix()},
			},
		}},
	})
	conn, _ := dialer.Dial(ctx, "1.2.3.4", 8333, "")

	peers, err := cache.Get(ctx, conn, netaddr.Endpoint{Address: "1.2.3.4", Port: 8333, Services: 9})
	require.NoError(t, err)
	require.Empty(t, peers)
}

func TestFetch_DropsFutureDatedAndZeroPort(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemStore()
	cache := New(store, newFilter(), testConfig())

	future := time.Now().Add(time.Hour).Unix()
	now := time.Now().Unix()
	dialer := fakeclient.New()
	dialer.Set("1.2.3.4", 8333, fakeclient.Script{
		AddrReply: []peerclient.Message{{
			Kind:  peerclient.KindAddr,
			Count: 2,
			AddrList: []peerclient.AddrEntry{
				{IPv4: "5.6.7.8", Port: 0, Services: 9, Timestamp: future},
				{IPv4: "9.10.11.12", Port: 0, Services: 9, Timestamp: now},
			},
		}},
	})
	conn, _ := dialer.Dial(ctx, "1.2.3.4", 8333, "")

	peers, err := cache.Get(ctx, conn, netaddr.Endpoint{Address: "1.2.3.4", Port: 8333, Services: 9})
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "9.10.11.12", peers[0].Address)
	require.EqualValues(t, 8333, peers[0].Port) // zero port substituted with default
}

func TestFetch_OnionOnlyAddress(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemStore()
	cache := New(store, newFilter(), testConfig())

	dialer := fakeclient.New()
	dialer.Set("1.2.3.4", 8333, fakeclient.Script{
		AddrReply: []peerclient.Message{{
			Kind:  peerclient.KindAddr,
			Count: 2,
			AddrList: []peerclient.AddrEntry{
				{Onion: "expyuzz4wqqyqhjn.onion", Port: 8333, Services: 9, Timestamp: time.Now().Unix()},
				{IPv4: "9.10.11.12", Port: 8333, Services: 9, Timestamp: time.Now().Unix()},
			},
		}},
	})
	conn, _ := dialer.Dial(ctx, "1.2.3.4", 8333, "")

	peers, err := cache.Get(ctx, conn, netaddr.Endpoint{Address: "1.2.3.4", Port: 8333, Services: 9})
	require.NoError(t, err)
	var sawOnion bool
	for _, p := range peers {
		if p.Address == "expyuzz4wqqyqhjn.onion" {
			sawOnion = true
		}
	}
	require.True(t, sawOnion)
}
