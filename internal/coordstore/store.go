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

// Package coordstore is the thin semantic wrapper over the shared
// key-value coordination store every crawl process reads and writes.
// Key names and key builders are defined here; the ScanKeys glob
// patterns ("node:*", "height:*", "crawl:cidr:*", "version:*",
// "peer:*") are written inline in the bootstrap and passctl packages.
package coordstore

import (
	"context"
	"time"
)

// Store is the set of primitives the crawl coordinator needs: set
// add/remove/cardinality/pop/members, list push/pop, string get/set/del
// with optional TTL, an atomic counter increment, a time-indexed sorted
// set range query, a key-pattern scan, and a pipelined multi-op
// execution. A concrete adapter (RedisStore) and an in-memory
// reference adapter (MemStore, used by tests and single-process runs)
// both satisfy it.
type Store interface {
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SCard(ctx context.Context, key string) (int64, error)
	// SPop removes and returns an arbitrary member of the set, or
	// ok=false if the set is empty.
	SPop(ctx context.Context, key string) (member string, ok bool, err error)
	SMembers(ctx context.Context, key string) ([]string, error)

	LPush(ctx context.Context, key string, value string) error
	// LPop removes and returns the head of the list, or ok=false if empty.
	LPop(ctx context.Context, key string) (value string, ok bool, err error)

	// Get returns ok=false, not an error, when the key is absent — a
	// coordination read-miss is conservative, not fatal.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	Incr(ctx context.Context, key string) (int64, error)

	// ZAdd adds member with the given score to a time-indexed sorted set.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRangeByScore returns members with score in [min, max].
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)

	// ScanKeys returns every key matching pattern ("node:*" etc).
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// Pipeline returns a batch of mutations that all become visible
	// together from the caller's point of view. The store need not be
	// transactional across other clients.
	Pipeline() Pipeline
}

// Pipeline batches the writes of a single successful worker session
// (height:*, version:*, node:* claim, reachable membership,
// mempool_pending push, pending re-seeds) so they are issued together.
type Pipeline interface {
	SAdd(key string, members ...string)
	LPush(key string, value string)
	Set(key, value string, ttl time.Duration)
	// Exec issues every queued op. A partial failure is logged by the
	// caller and does not roll back prior ops (no atomicity guarantee).
	Exec(ctx context.Context) error
}

// Key namespace. The ScanKeys glob patterns are the one exception to
// defining key strings here (see the package doc).
const (
	KeyPending        = "pending"
	KeyReachable      = "reachable" // legacy name "up" is only deleted at bootstrap, never read
	KeyReachableLegacy = "up"
	KeyMempoolPending = "mempool_pending"
	KeyCheck          = "check"
	KeyExcludeIPv4    = "exclude-ipv4-networks"
	KeyExcludeIPv6    = "exclude-ipv6-networks"
	KeyMasterState    = "crawl:master:state"
	KeyElapsed        = "elapsed"
	KeyNodes          = "nodes"
	KeyHeight         = "height"
)

// NodeKey returns the node:<address>-<port>-<services> claim key.
func NodeKey(endpointKey string) string { return "node:" + endpointKey }

// HeightKey returns the height:<address>-<port>-<services> key.
func HeightKey(endpointKey string) string { return "height:" + endpointKey }

// VersionKey returns the version:<address>-<port> key (no services
// component: the handshake version applies regardless of which
// services value the candidate had before rewrite).
func VersionKey(addressPort string) string { return "version:" + addressPort }

// PeerCacheKey returns the peer:<address>-<port> key.
func PeerCacheKey(addressPort string) string { return "peer:" + addressPort }

// CIDRCounterKey returns the crawl:cidr:<cidr> pass-scoped counter key.
func CIDRCounterKey(cidr string) string { return "crawl:cidr:" + cidr }
