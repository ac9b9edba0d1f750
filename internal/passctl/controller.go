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

// Package passctl implements the Pass Controller: the master-only
// singleton that detects pass boundaries, rotates the reachable set
// back into pending, rebuilds and republishes the Exclusion Filter,
// writes the periodic snapshot, and drives the run_state flag slave
// workers gate on.
package passctl

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ayeowch/crawl/internal/coordstore"
	"github.com/ayeowch/crawl/internal/exclude"
	"github.com/ayeowch/crawl/internal/netaddr"
	"github.com/ayeowch/crawl/internal/snapshot"
	"github.com/ayeowch/crawl/internal/workerpool"
)

// Controller runs the pass loop. It is a single-process singleton on
// the master, so the true start of the current pass — the wall time
// run_state last flipped to running — lives in an ordinary field
// rather than round-tripping through CoordStore. That single
// timestamp anchors both the published elapsed time and the
// snapshot_delay floor, the same way crawl.py's cron() holds one
// start variable across a whole pass iteration.
type Controller struct {
	cfg     Config
	store   coordstore.Store
	filter  *exclude.Filter
	fetcher exclude.BogonFetcher

	passStart time.Time
}

// New builds a Controller. fetcher may be nil to use the default
// HTTP-based bogon list fetcher.
func New(cfg Config, store coordstore.Store, filter *exclude.Filter, fetcher exclude.BogonFetcher) *Controller {
	if fetcher == nil {
		fetcher = exclude.NewHTTPBogonFetcher(10 * time.Second)
	}
	return &Controller{cfg: cfg, store: store, filter: filter, fetcher: fetcher, passStart: time.Now()}
}

// Run loops at cron_delay cadence until ctx is cancelled, rotating
// passes whenever the pending queue drains to empty.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := c.store.SCard(ctx, coordstore.KeyPending)
		if err != nil {
			log.Warningf("passctl: reading pending size: %v", err)
		} else if n == 0 {
			c.rotate(ctx)
		}

		if !sleep(ctx, c.cfg.CronDelay) {
			return nil
		}
	}
}

// rotate performs one full pass boundary. drainedAt is the moment
// |pending| was observed to hit zero (this call's invocation time);
// c.passStart is the true start of the pass that just drained, set
// when the previous rotate flipped run_state to running.
func (c *Controller) rotate(ctx context.Context) {
	drainedAt := time.Now()

	if err := c.store.Set(ctx, coordstore.KeyMasterState, string(workerpool.StateStarting), 0); err != nil {
		log.Warningf("passctl: setting run_state=starting: %v", err)
	}

	elapsed := int64(drainedAt.Sub(c.passStart).Seconds())
	if err := c.store.Set(ctx, coordstore.KeyElapsed, strconv.FormatInt(elapsed, 10), 0); err != nil {
		log.Warningf("passctl: publishing elapsed: %v", err)
	}

	reachable, err := c.store.SMembers(ctx, coordstore.KeyReachable)
	if err != nil {
		log.Warningf("passctl: reading reachable set: %v", err)
		reachable = nil
	}

	entries := c.buildSnapshotEntries(ctx, reachable)

	if err := c.clearPassState(ctx); err != nil {
		log.Warningf("passctl: clearing pass state: %v", err)
	}

	reseeded := 0
	for _, raw := range reachable {
		ep, perr := netaddr.Parse(raw)
		if perr != nil {
			continue
		}
		if c.filter.IsExcluded(ep.Address) {
			continue
		}
		if err := c.store.SAdd(ctx, coordstore.KeyPending, ep.String()); err != nil {
			log.Warningf("passctl: re-seeding %s: %v", ep.Key(), err)
			continue
		}
		reseeded++
	}

	if c.cfg.IncludeChecked {
		reseeded += c.reseedFromChecked(ctx)
	}

	c.refreshExclusionFilter(ctx)

	c.writeSnapshot(ctx, drainedAt, entries)

	log.Infof("passctl: pass rotated, %d endpoints re-seeded into pending", reseeded)

	// remaining is measured from the true pass start, not from
	// drainedAt, so a fast-draining pass still sleeps out the rest of
	// snapshot_delay and a slow-draining one doesn't sleep at all: the
	// full pass takes max(drain_time, snapshot_delay), never their sum.
	remaining := c.cfg.SnapshotDelay - time.Since(c.passStart)
	if remaining > 0 {
		sleep(ctx, remaining)
	}

	c.passStart = time.Now()
	if err := c.store.Set(ctx, coordstore.KeyMasterState, string(workerpool.StateRunning), 0); err != nil {
		log.Warningf("passctl: setting run_state=running: %v", err)
	}
}

// clearPassState deletes every key scoped to the pass that just ended:
// per-node claims, the CIDR counters, and the reachable set itself.
func (c *Controller) clearPassState(ctx context.Context) error {
	keys := []string{coordstore.KeyReachable}
	for _, pattern := range []string{"node:*", "crawl:cidr:*"} {
		matched, err := c.store.ScanKeys(ctx, pattern)
		if err != nil {
			return err
		}
		keys = append(keys, matched...)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.store.Del(ctx, keys...)
}

// reseedFromChecked re-admits every endpoint in the check sorted set
// with a score (last-checked timestamp) within max_age of now, subject
// to the Exclusion Filter at re-seed time.
func (c *Controller) reseedFromChecked(ctx context.Context) int {
	now := time.Now()
	min := float64(now.Add(-c.cfg.MaxAge).Unix())
	max := float64(now.Unix())

	members, err := c.store.ZRangeByScore(ctx, coordstore.KeyCheck, min, max)
	if err != nil {
		log.Warningf("passctl: reading check set: %v", err)
		return 0
	}

	n := 0
	for _, raw := range members {
		ep, perr := netaddr.Parse(raw)
		if perr != nil {
			continue
		}
		if c.filter.IsExcluded(ep.Address) {
			continue
		}
		if err := c.store.SAdd(ctx, coordstore.KeyPending, ep.String()); err != nil {
			continue
		}
		n++
	}
	return n
}

// refreshExclusionFilter rebuilds the RuleSet from static config plus
// fetched bogon lists and republishes it for slave workers to reload.
func (c *Controller) refreshExclusionFilter(ctx context.Context) {
	rs := exclude.BuildRuleSet(ctx, c.cfg.ExcludeIPv4Networks, c.cfg.ExcludeIPv6Networks,
		c.cfg.ExcludeIPv4BogonsFromURLs, c.cfg.ExcludeIPv6BogonsFromURLs,
		c.cfg.ExcludeIPv4NetworksFromURL, c.cfg.ExcludeIPv6NetworksFromURL, c.fetcher)
	c.filter.Refresh(rs)

	v4, _ := json.Marshal(exclude.EncodeCIDRList(rs.IPv4, false))
	v6, _ := json.Marshal(exclude.EncodeCIDRList(rs.IPv6, true))
	if err := c.store.Set(ctx, coordstore.KeyExcludeIPv4, string(v4), 0); err != nil {
		log.Warningf("passctl: publishing ipv4 exclusion rules: %v", err)
	}
	if err := c.store.Set(ctx, coordstore.KeyExcludeIPv6, string(v6), 0); err != nil {
		log.Warningf("passctl: publishing ipv6 exclusion rules: %v", err)
	}
}

// buildSnapshotEntries looks up height:* for every reachable endpoint,
// defaulting a missing height to 0 with a warning. clearPassState does
// not delete height:* keys (they persist as a rolling cache under their
// max_age TTL), but it does wipe the reachable set, so this runs first
// to capture this pass's membership.
func (c *Controller) buildSnapshotEntries(ctx context.Context, reachable []string) []snapshot.Entry {
	entries := make([]snapshot.Entry, 0, len(reachable))
	for _, raw := range reachable {
		ep, err := netaddr.Parse(raw)
		if err != nil {
			continue
		}
		height := int64(0)
		v, ok, err := c.store.Get(ctx, coordstore.HeightKey(ep.Key()))
		if err != nil || !ok {
			log.Warningf("passctl: missing height for %s, defaulting to 0", ep.Key())
		} else if parsed, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			height = parsed
		}
		entries = append(entries, snapshot.Entry{
			Address:  ep.Address,
			Port:     ep.Port,
			Services: ep.Services,
			Height:   height,
		})
	}
	return entries
}

// writeSnapshot records the pass's reachable-node count and, unless the
// pass drained to zero reachable nodes, writes the JSON snapshot file
// and publishes its modal height under the height key.
// crawl.py's dump() skips the file the same way when len(json_data)==0,
// rather than writing an empty array; the nodes history entry is
// recorded regardless, same as cron()'s unconditional lpush('nodes', ...).
func (c *Controller) writeSnapshot(ctx context.Context, drainedAt time.Time, entries []snapshot.Entry) {
	if err := c.store.LPush(ctx, coordstore.KeyNodes, nodesHistoryMember(drainedAt.Unix(), len(entries))); err != nil {
		log.Warningf("passctl: recording nodes history: %v", err)
	}

	if len(entries) == 0 {
		log.Warning("passctl: 0 reachable entries, skipping snapshot file")
		return
	}

	path, err := snapshot.Write(c.cfg.CrawlDir, drainedAt.Unix(), entries)
	if err != nil {
		log.Warningf("passctl: writing snapshot: %v", err)
		return
	}
	height := snapshot.ModalHeight(entries)
	if err := c.store.Set(ctx, coordstore.KeyHeight, strconv.FormatInt(height, 10), 0); err != nil {
		log.Warningf("passctl: publishing modal height: %v", err)
	}
	log.Infof("passctl: wrote snapshot %s (%d entries, modal height %d)", path, len(entries), height)
}

// nodesHistoryMember encodes one (timestamp, count) history pair as
// JSON, the same human-readable convention used for the other blobs
// this module publishes through CoordStore.
func nodesHistoryMember(timestamp int64, count int) string {
	b, _ := json.Marshal([2]int64{timestamp, int64(count)})
	return string(b)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
