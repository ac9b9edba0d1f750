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
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ayeowch/crawl/internal/config"
	"github.com/ayeowch/crawl/internal/coordstore"
	"github.com/ayeowch/crawl/internal/exclude"
	"github.com/ayeowch/crawl/internal/netaddr"
)

// Bootstrap is the master-only, once-per-process setup: wipe any stale
// coordination state from a prior crawl run, seed the pending set from
// DNS seeders and onion nodes, and publish the initial Exclusion
// Filter.
type Bootstrap struct {
	store    coordstore.Store
	filter   *exclude.Filter
	resolver SeedResolver
	fetcher  exclude.BogonFetcher
	cfg      *config.Config
}

// New builds a Bootstrap from a loaded Config. resolver or fetcher may
// be nil to use the DNS/HTTP defaults.
func New(cfg *config.Config, store coordstore.Store, filter *exclude.Filter, resolver SeedResolver, fetcher exclude.BogonFetcher) (*Bootstrap, error) {
	if resolver == nil {
		r, err := NewDNSSeedResolver(cfg.IPv6)
		if err != nil {
			return nil, err
		}
		resolver = r
	}
	if fetcher == nil {
		fetcher = exclude.NewHTTPBogonFetcher(10 * time.Second)
	}
	return &Bootstrap{store: store, filter: filter, resolver: resolver, fetcher: fetcher, cfg: cfg}, nil
}

// Run performs the one-shot bootstrap sequence. It must only be
// invoked by the master process, and only once at startup before the
// worker pool and Pass Controller begin.
func (b *Bootstrap) Run(ctx context.Context) error {
	if err := b.wipe(ctx); err != nil {
		return fmt.Errorf("bootstrap: wiping prior state: %w", err)
	}

	rs := exclude.BuildRuleSet(ctx, b.cfg.ExcludeIPv4Networks, b.cfg.ExcludeIPv6Networks,
		config.Lines(b.cfg.ExcludeIPv4BogonsFromURLs), config.Lines(b.cfg.ExcludeIPv6BogonsFromURLs),
		b.cfg.ExcludeIPv4NetworksFromURL, b.cfg.ExcludeIPv6NetworksFromURL, b.fetcher)
	b.filter.Refresh(rs)
	if err := b.publishRuleSet(ctx, rs); err != nil {
		return fmt.Errorf("bootstrap: publishing exclusion rule set: %w", err)
	}

	n, err := b.seedPending(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: seeding pending set: %w", err)
	}
	log.Infof("bootstrap: seeded %d endpoints into pending", n)

	if err := b.store.Set(ctx, coordstore.KeyMasterState, "running", 0); err != nil {
		return fmt.Errorf("bootstrap: setting run_state: %w", err)
	}
	return nil
}

// wipe deletes every key that must not survive across crawl process
// restarts: reachable set, mempool queue, pending queue, per-node
// claims/heights/versions/cache entries, and pass-scoped CIDR counters.
func (b *Bootstrap) wipe(ctx context.Context) error {
	keys := []string{
		coordstore.KeyReachable,
		coordstore.KeyReachableLegacy,
		coordstore.KeyMempoolPending,
		coordstore.KeyPending,
	}

	for _, pattern := range []string{"node:*", "height:*", "crawl:cidr:*", "version:*", "peer:*"} {
		matched, err := b.store.ScanKeys(ctx, pattern)
		if err != nil {
			return err
		}
		keys = append(keys, matched...)
	}

	if len(keys) == 0 {
		return nil
	}
	return b.store.Del(ctx, keys...)
}

// seedPending resolves every configured DNS seeder and appends the
// statically configured onion nodes, admitting each through the
// freshly published Exclusion Filter before adding it to pending.
func (b *Bootstrap) seedPending(ctx context.Context) (int, error) {
	var endpoints []netaddr.Endpoint

	for _, host := range config.Lines(b.cfg.Seeders) {
		addrs, err := b.resolver.Resolve(ctx, host)
		if err != nil {
			log.Warningf("bootstrap: resolving seeder %s: %v", host, err)
			continue
		}
		for _, addr := range addrs {
			endpoints = append(endpoints, netaddr.Endpoint{
				Address:  addr,
				Port:     uint16(b.cfg.Port),
				Services: b.cfg.Services,
			})
		}
	}

	if b.cfg.Onion {
		for _, addr := range config.Lines(b.cfg.OnionNodes) {
			endpoints = append(endpoints, netaddr.Endpoint{
				Address:  addr,
				Port:     uint16(b.cfg.Port),
				Services: b.cfg.Services,
			})
		}
	}

	n := 0
	for _, ep := range endpoints {
		if b.filter.IsExcluded(ep.Address) {
			continue
		}
		if err := b.store.SAdd(ctx, coordstore.KeyPending, ep.String()); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// publishRuleSet writes the compiled RuleSet back out as CIDR-string
// JSON arrays so worker processes can reload it via
// exclude.DecodeCIDRList.
func (b *Bootstrap) publishRuleSet(ctx context.Context, rs *exclude.RuleSet) error {
	v4, err := json.Marshal(exclude.EncodeCIDRList(rs.IPv4, false))
	if err != nil {
		return err
	}
	v6, err := json.Marshal(exclude.EncodeCIDRList(rs.IPv6, true))
	if err != nil {
		return err
	}
	if err := b.store.Set(ctx, coordstore.KeyExcludeIPv4, string(v4), 0); err != nil {
		return err
	}
	return b.store.Set(ctx, coordstore.KeyExcludeIPv6, string(v6), 0)
}
