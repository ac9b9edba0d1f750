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

package workerpool

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ayeowch/crawl/internal/coordstore"
	"github.com/ayeowch/crawl/internal/exclude"
	"github.com/ayeowch/crawl/internal/netaddr"
)

// worker is one worker-pool slot, repeatedly dequeuing and processing
// one candidate target. rulesWarnOnce is this worker's own handle on
// the "rule set not loaded" warning: the Exclusion Filter itself is one
// process-wide instance shared by every worker, so the warning must be
// tracked per worker rather than on the shared Filter, or it would only
// ever fire once for the whole pool.
type worker struct {
	id   int
	pool *Pool

	rulesWarnOnce sync.Once
}

func (w *worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !w.pool.filter.Loaded() {
			w.rulesWarnOnce.Do(func() {
				log.Warningf("worker %d: exclusion rule set not loaded, failing closed", w.id)
			})
		}

		if !w.pool.master {
			w.admissionGate(ctx)
		}

		mempoolMode, err := w.chooseMode(ctx)
		if err != nil {
			sleep(ctx, time.Second)
			continue
		}

		ep, found, err := w.dequeue(ctx, mempoolMode)
		if err != nil || !found {
			sleep(ctx, time.Second)
			continue
		}

		if ep.IsIPv6() && !w.pool.cfg.IPv6 {
			continue
		}
		if ep.IsOnion() && !w.pool.cfg.Onion {
			continue
		}

		if !mempoolMode {
			claimed, err := w.claimed(ctx, ep)
			if err == nil && claimed {
				continue
			}
		}

		if ep.IsIPv6() && w.pool.cfg.IPv6Prefix < 128 {
			admitted, err := w.admitCIDR(ctx, ep)
			if err != nil || !admitted {
				continue
			}
		}

		if mempoolMode {
			w.askMempool(ctx, ep)
		} else {
			w.connect(ctx, ep)
		}
	}
}

// admissionGate blocks a slave worker while crawl:master:state is not
// "running", refreshing the Exclusion Filter from CoordStore each
// iteration so admission decisions use the latest published rule set.
func (w *worker) admissionGate(ctx context.Context) {
	for {
		state, ok, err := w.pool.store.Get(ctx, coordstore.KeyMasterState)
		if err == nil && ok && RunState(state) == StateRunning {
			return
		}
		w.refreshExclusionRules(ctx)
		sleep(ctx, w.pool.cfg.SocketTimeout)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (w *worker) refreshExclusionRules(ctx context.Context) {
	v4, ok4, err4 := w.pool.store.Get(ctx, coordstore.KeyExcludeIPv4)
	v6, ok6, err6 := w.pool.store.Get(ctx, coordstore.KeyExcludeIPv6)
	if err4 != nil || err6 != nil || !ok4 || !ok6 {
		return
	}
	var v4List, v6List []string
	if err := json.Unmarshal([]byte(v4), &v4List); err != nil {
		return
	}
	if err := json.Unmarshal([]byte(v6), &v6List); err != nil {
		return
	}
	w.pool.filter.Refresh(&exclude.RuleSet{
		IPv4: exclude.DecodeCIDRList(v4List),
		IPv6: exclude.DecodeCIDRList(v6List),
	})
}

// chooseMode computes mempool_mode := |reachable| >= max_nodes OR a
// 50% coin flip, replicated explicitly rather than relying on a modulo
// trick.
func (w *worker) chooseMode(ctx context.Context) (bool, error) {
	n, err := w.pool.store.SCard(ctx, coordstore.KeyReachable)
	if err != nil {
		return false, err
	}
	saturated := n >= int64(w.pool.cfg.MaxNodes)
	coinFlip := rand.Intn(2) == 0
	return saturated || coinFlip, nil
}

func (w *worker) dequeue(ctx context.Context, mempoolMode bool) (netaddr.Endpoint, bool, error) {
	var raw string
	var ok bool
	var err error

	if mempoolMode {
		raw, ok, err = w.pool.store.LPop(ctx, coordstore.KeyMempoolPending)
		if err != nil {
			return netaddr.Endpoint{}, false, err
		}
		if ok {
			if lerr := w.pool.store.LPush(ctx, coordstore.KeyMempoolPending, raw); lerr != nil {
				log.Warningf("worker %d: re-appending mempool candidate: %v", w.id, lerr)
			}
		} else {
			raw, ok, err = w.pool.store.SPop(ctx, coordstore.KeyPending)
			if err != nil {
				return netaddr.Endpoint{}, false, err
			}
		}
	} else {
		raw, ok, err = w.pool.store.SPop(ctx, coordstore.KeyPending)
		if err != nil {
			return netaddr.Endpoint{}, false, err
		}
	}

	if !ok {
		return netaddr.Endpoint{}, false, nil
	}
	ep, perr := netaddr.Parse(raw)
	if perr != nil {
		log.Warningf("worker %d: dropping malformed queue entry %q: %v", w.id, raw, perr)
		return netaddr.Endpoint{}, false, nil
	}
	return ep, true, nil
}

func (w *worker) claimed(ctx context.Context, ep netaddr.Endpoint) (bool, error) {
	_, ok, err := w.pool.store.Get(ctx, coordstore.NodeKey(ep.Key()))
	return ok, err
}

// admitCIDR applies the CIDR Counter rate limit. Incr is atomic and
// returns the post-increment value, so each candidate from a prefix
// sees a distinct count and at most NodesPerIPv6Prefix of them are
// admitted per pass.
func (w *worker) admitCIDR(ctx context.Context, ep netaddr.Endpoint) (bool, error) {
	cidr, err := exclude.Network(ep.Address, w.pool.cfg.IPv6Prefix)
	if err != nil {
		return false, err
	}
	n, err := w.pool.store.Incr(ctx, coordstore.CIDRCounterKey(cidr))
	if err != nil {
		return false, err
	}
	if n > int64(w.pool.cfg.NodesPerIPv6Prefix) {
		log.Debugf("worker %d: CIDR %s over cap (%d)", w.id, cidr, n)
		return false, nil
	}
	return true, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// versionBlob is the JSON-encoded value of version:<address>-<port>,
// readable by an operator without a decoder (same rationale as the
// PeerCache blob).
type versionBlob struct {
	Version   int32  `json:"version"`
	UserAgent string `json:"user_agent"`
	Services  uint64 `json:"services"`
}

func encodeVersion(v versionBlob) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func itoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}
