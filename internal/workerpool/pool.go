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

// Package workerpool implements the Worker Pool component: N concurrent
// workers each repeatedly dequeuing one candidate target, applying
// admission rules, and performing a discover or mempool-ask session
// against it. Adapted from ptp4u's server package, which spins a fixed
// number of sendWorker goroutines reading off per-worker channels;
// here every worker instead polls the shared CoordStore queues
// directly, since dequeue is itself the work-distribution mechanism.
package workerpool

import (
	"context"
	"math/rand"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ayeowch/crawl/internal/coordstore"
	"github.com/ayeowch/crawl/internal/exclude"
	"github.com/ayeowch/crawl/internal/peercache"
	"github.com/ayeowch/crawl/internal/peerclient"
)

// RunState mirrors the crawl:master:state values a slave worker polls.
type RunState string

const (
	StateStarting RunState = "starting"
	StateRunning  RunState = "running"
)

// Pool runs Config.Workers worker goroutines.
type Pool struct {
	cfg    Config
	store  coordstore.Store
	filter *exclude.Filter
	cache  *peercache.Cache
	dialer peerclient.Dialer
	proxies []proxyAddr
	master bool

	cidrWarnOnce sync.Once
}

type proxyAddr struct {
	host string
	port int
}

// New constructs a Pool. master selects whether workers self-gate on
// crawl:master:state (slaves do; the master's own workers run
// continuously).
func New(cfg Config, store coordstore.Store, filter *exclude.Filter, cache *peercache.Cache, dialer peerclient.Dialer, torProxies []string, master bool) *Pool {
	p := &Pool{cfg: cfg, store: store, filter: filter, cache: cache, dialer: dialer, master: master}
	for _, tp := range torProxies {
		p.proxies = append(p.proxies, parseProxy(tp))
	}
	return p
}

func parseProxy(s string) proxyAddr {
	// "host:port"; malformed entries never reach here, since
	// config.ParsedTorProxies rejects them with an error before this
	// list is built, so a best-effort split is sufficient.
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return proxyAddr{host: s[:i], port: atoiOrZero(s[i+1:])}
		}
	}
	return proxyAddr{host: s}
}

func atoiOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// Run spawns Config.Workers goroutines and blocks until ctx is
// cancelled or a worker returns a fatal (non-session) error.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			w := &worker{id: id, pool: p}
			w.loop(ctx)
			return nil
		})
	}
	log.Infof("workerpool: started %d workers", p.cfg.Workers)
	return g.Wait()
}

// randomProxy returns a uniformly chosen tor proxy, or ("", false) if
// none are configured.
func (p *Pool) randomProxy() (string, bool) {
	if len(p.proxies) == 0 {
		return "", false
	}
	pr := p.proxies[rand.Intn(len(p.proxies))]
	return pr.host + ":" + itoa(pr.port), true
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
