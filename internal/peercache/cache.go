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

// Package peercache memoizes getaddr replies per destination endpoint,
// with jittered TTL, so a node revisited within the same pass does not
// trigger a second live getaddr exchange. Modeled on crawl.py's
// get_cached_peers/get_peers pair.
package peercache

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ayeowch/crawl/internal/coordstore"
	"github.com/ayeowch/crawl/internal/exclude"
	"github.com/ayeowch/crawl/internal/netaddr"
	"github.com/ayeowch/crawl/internal/peerclient"
)

// entry is the on-wire PeerCache blob shape: a JSON array of these.
// JSON (not the pipe encoding netaddr uses for queue members) because
// operators read this key by hand during incidents.
type entry struct {
	Address   string `json:"address"`
	Port      uint16 `json:"port"`
	Services  uint64 `json:"services"`
	Timestamp int64  `json:"timestamp"`
}

// Config holds the tunables PeerCache needs from the [crawl] section.
type Config struct {
	AddrTTL        time.Duration
	AddrTTLVarPct  int
	MaxAge         time.Duration
	PeersPerNode   int
	DefaultPort    uint16
	SocketTimeout  time.Duration
}

// Cache is the PeerCache component.
type Cache struct {
	store  coordstore.Store
	filter *exclude.Filter
	cfg    Config
}

// New returns a Cache that filters peering replies through filter and
// stores blobs in store.
func New(store coordstore.Store, filter *exclude.Filter, cfg Config) *Cache {
	return &Cache{store: store, filter: filter, cfg: cfg}
}

// Get returns the peering sample for endpoint e, using the cached blob
// if present and unexpired, else issuing a live getaddr through client
// and caching the result.
func (c *Cache) Get(ctx context.Context, client peerclient.Conn, e netaddr.Endpoint) ([]netaddr.Endpoint, error) {
	key := coordstore.PeerCacheKey(fmt.Sprintf("%s-%d", e.Address, e.Port))

	if raw, ok, err := c.store.Get(ctx, key); err == nil && ok {
		entries, err := decode(raw)
		if err != nil {
			log.Warningf("peercache: decoding cached blob for %s: %v", key, err)
		} else {
			return stripTimestamps(entries), nil
		}
	}

	entries, err := c.fetch(ctx, client)
	if err != nil {
		return nil, err
	}

	ttl := c.cfg.AddrTTL
	if len(entries) == 0 {
		ttl = c.cfg.AddrTTL / 2
	} else {
		ttl += jitter(ttl, c.cfg.AddrTTLVarPct)
	}
	blob, err := encode(entries)
	if err != nil {
		return nil, fmt.Errorf("peercache: encoding blob: %w", err)
	}
	if err := c.store.Set(ctx, key, blob, ttl); err != nil {
		log.Warningf("peercache: caching %s: %v", key, err)
	}

	return stripTimestamps(entries), nil
}

// fetch performs one getaddr against client and post-processes the
// replies: age filter, self-ad rejection, exclusion, and truncation.
func (c *Cache) fetch(ctx context.Context, client peerclient.Conn) ([]entry, error) {
	if err := client.GetAddr(ctx, false); err != nil {
		log.Debugf("peercache: getaddr: %v", err)
		return nil, nil
	}

	var accepted []peerclient.Message
	polls := int(c.cfg.SocketTimeout.Seconds())
	for i := 0; i < polls; i++ {
		time.Sleep(300 * time.Millisecond)
		msgs, err := client.GetMessages(ctx, peerclient.KindAddr, peerclient.KindAddrV2)
		if err != nil {
			log.Debugf("peercache: get_messages: %v", err)
			break
		}
		haveMulti := false
		for _, m := range msgs {
			if m.Count > 1 {
				haveMulti = true
			}
		}
		if len(msgs) > 0 && haveMulti {
			accepted = msgs
			break
		}
	}

	now := time.Now().Unix()
	seen := make(map[netaddr.Endpoint]entry)
	for _, msg := range accepted {
		if msg.Count <= 1 {
			continue // single-entry addr messages are self-advertisements.
		}
		for _, p := range msg.AddrList {
			age := now - p.Timestamp
			if age < 0 || age > int64(c.cfg.MaxAge.Seconds()) {
				continue
			}
			address := firstNonEmpty(p.IPv4, p.IPv6, p.Onion)
			if address == "" {
				continue
			}
			port := p.Port
			if port == 0 {
				port = c.cfg.DefaultPort
			}
			if c.filter.IsExcluded(address) {
				continue
			}
			ep := netaddr.Endpoint{Address: address, Port: port, Services: p.Services}
			seen[ep] = entry{Address: address, Port: port, Services: p.Services, Timestamp: p.Timestamp}
		}
	}

	if len(seen) > 1000 {
		log.Warningf("peercache: rejecting %d peers (over hard limit)", len(seen))
		return nil, nil
	}

	out := make([]entry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
		if len(out) == c.cfg.PeersPerNode {
			break
		}
	}
	return out, nil
}

func stripTimestamps(entries []entry) []netaddr.Endpoint {
	out := make([]netaddr.Endpoint, len(entries))
	for i, e := range entries {
		out[i] = netaddr.Endpoint{Address: e.Address, Port: e.Port, Services: e.Services}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func encode(entries []entry) (string, error) {
	b, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(blob string) ([]entry, error) {
	var entries []entry
	if err := json.Unmarshal([]byte(blob), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// jitter returns a random extra duration in [0, pct% of base).
func jitter(base time.Duration, pct int) time.Duration {
	if pct <= 0 || base <= 0 {
		return 0
	}
	maxExtra := time.Duration(float64(base) * float64(pct) / 100.0)
	if maxExtra <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(maxExtra)))
}
