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
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ayeowch/crawl/internal/coordstore"
	"github.com/ayeowch/crawl/internal/netaddr"
)

// connect performs the discover session: claim, dial (through a SOCKS5
// proxy for onion targets), handshake, and on success pipeline
// height/version/claim/reachable/mempool_pending/pending writes.
func (w *worker) connect(ctx context.Context, ep netaddr.Endpoint) {
	if err := w.pool.store.Set(ctx, coordstore.NodeKey(ep.Key()), "", 0); err != nil {
		log.Warningf("worker %d: claiming %s: %v", w.id, ep.Key(), err)
	}

	proxyAddr := ""
	if ep.IsOnion() && w.pool.cfg.Onion {
		if addr, ok := w.pool.randomProxy(); ok {
			proxyAddr = addr
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, w.pool.cfg.SocketTimeout)
	defer cancel()

	log.Debugf("worker %d: connecting to %s:%d (%d)", w.id, ep.Address, ep.Port, ep.Services)
	conn, err := w.pool.dialer.Dial(dialCtx, ep.Address, ep.Port, proxyAddr)
	if err != nil {
		log.Debugf("worker %d: %s: %v", w.id, ep.Key(), err)
		return
	}
	defer conn.Close()

	hs, err := conn.Handshake(dialCtx)
	if err != nil {
		log.Debugf("worker %d: %s: %v", w.id, ep.Key(), err)
		return
	}

	final := ep
	if hs.Services != ep.Services {
		log.Debugf("worker %d: %s expected services %d, got %d", w.id, ep.Key(), ep.Services, hs.Services)
		final = ep.WithServices(hs.Services)
	}

	peers, err := w.pool.cache.Get(ctx, conn, ep)
	if err != nil {
		log.Debugf("worker %d: peercache for %s: %v", w.id, ep.Key(), err)
	}

	pipe := w.pool.store.Pipeline()
	pipe.Set(coordstore.HeightKey(final.Key()), itoa64(int64(hs.Height)), w.pool.cfg.MaxAge)
	pipe.Set(coordstore.VersionKey(addressPort(final)), encodeVersion(versionBlob{
		Version:   hs.Version,
		UserAgent: hs.UserAgent,
		Services:  hs.Services,
	}), w.pool.cfg.MaxAge)
	for _, p := range peers {
		pipe.SAdd(coordstore.KeyPending, p.String())
	}
	pipe.Set(coordstore.NodeKey(final.Key()), "", 0)
	pipe.SAdd(coordstore.KeyReachable, final.String())
	pipe.LPush(coordstore.KeyMempoolPending, final.String())

	if err := pipe.Exec(ctx); err != nil {
		log.Warningf("worker %d: pipelining session for %s: %v", w.id, final.Key(), err)
	}
}

// askMempool performs the mempool session. The trailing 5-second yield
// runs regardless of session outcome: it caps the per-endpoint probing
// rate, not just the success rate.
func (w *worker) askMempool(ctx context.Context, ep netaddr.Endpoint) {
	defer sleep(ctx, 5*time.Second)

	proxyAddr := ""
	if ep.IsOnion() && w.pool.cfg.Onion {
		if addr, ok := w.pool.randomProxy(); ok {
			proxyAddr = addr
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, w.pool.cfg.SocketTimeout)
	defer cancel()

	log.Debugf("worker %d: connecting to %s:%d (%d) for mempool", w.id, ep.Address, ep.Port, ep.Services)
	conn, err := w.pool.dialer.Dial(dialCtx, ep.Address, ep.Port, proxyAddr)
	if err != nil {
		log.Debugf("worker %d: %s: %v", w.id, ep.Key(), err)
		return
	}
	defer conn.Close()

	txs, err := conn.Mempool(dialCtx)
	if err != nil {
		log.Debugf("worker %d: %s: %v", w.id, ep.Key(), err)
		return
	}
	if len(txs) > 0 {
		log.Infof("worker %d: received mempool from %s (%d entries)", w.id, ep.Key(), len(txs))
	}
}

func addressPort(e netaddr.Endpoint) string {
	return e.Address + "-" + itoa(int(e.Port))
}
