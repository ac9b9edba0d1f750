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

// Package metrics exposes the operator-visible crawl counters —
// |pending|, |reachable|, elapsed_seconds, and modal height — as
// Prometheus gauges. Grounded on the pull-based registry/
// promhttp.Handler pattern of ptp/sptp/stats/prom_exporter.go, adapted
// here to read straight from CoordStore on each scrape instead of
// fetching counters from a sibling process over HTTP.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/ayeowch/crawl/internal/coordstore"
	"github.com/ayeowch/crawl/internal/netaddr"
)

// Exporter serves a /metrics endpoint backed by live CoordStore reads.
type Exporter struct {
	registry   *prometheus.Registry
	store      coordstore.Store
	listenPort int
}

// NewExporter builds an Exporter bound to store, registering one
// GaugeFunc per metric so each scrape reflects the current state
// rather than a value cached at startup.
func NewExporter(store coordstore.Store, listenPort int) *Exporter {
	e := &Exporter{registry: prometheus.NewRegistry(), store: store, listenPort: listenPort}

	e.register("crawl_pending", "Number of endpoints awaiting a discover or mempool session", func() float64 {
		return e.cardinality(coordstore.KeyPending)
	})
	e.register("crawl_reachable", "Number of endpoints reachable in the current pass", func() float64 {
		return e.cardinality(coordstore.KeyReachable)
	})
	e.register("crawl_elapsed_seconds", "Wall-clock duration of the previous pass", func() float64 {
		return e.gaugeValue(coordstore.KeyElapsed)
	})
	e.register("crawl_height", "Modal block height across the current reachable set", func() float64 {
		return e.modalHeight()
	})

	return e
}

func (e *Exporter) register(name, help string, value func() float64) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, value)
	if err := e.registry.Register(g); err != nil {
		log.Warningf("metrics: registering %s: %v", name, err)
	}
}

func (e *Exporter) cardinality(key string) float64 {
	n, err := e.store.SCard(context.Background(), key)
	if err != nil {
		log.Warningf("metrics: reading %s cardinality: %v", key, err)
		return 0
	}
	return float64(n)
}

func (e *Exporter) gaugeValue(key string) float64 {
	v, ok, err := e.store.Get(context.Background(), key)
	if err != nil || !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

// modalHeight recomputes the modal height across the current reachable
// set's height:* keys, mirroring snapshot.ModalHeight without a
// dependency on the last written snapshot file.
func (e *Exporter) modalHeight() float64 {
	ctx := context.Background()
	members, err := e.store.SMembers(ctx, coordstore.KeyReachable)
	if err != nil || len(members) == 0 {
		return 0
	}

	counts := make(map[int64]int)
	for _, raw := range members {
		ep, err := netaddr.Parse(raw)
		if err != nil {
			continue
		}
		v, ok, err := e.store.Get(ctx, coordstore.HeightKey(ep.Key()))
		if err != nil || !ok {
			continue
		}
		h, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		counts[h]++
	}

	var best int64
	bestCount := -1
	for h, n := range counts {
		if n > bestCount {
			best, bestCount = h, n
		}
	}
	return float64(best)
}

// StartContext runs the metrics server until ctx is cancelled,
// shutting down gracefully instead of via log.Fatal — used by
// cmd/crawl's errgroup-driven lifecycle.
func (e *Exporter) StartContext(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", e.listenPort), Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
