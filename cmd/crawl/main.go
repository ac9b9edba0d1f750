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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	syscall "golang.org/x/sys/unix"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ayeowch/crawl/internal/bootstrap"
	"github.com/ayeowch/crawl/internal/config"
	"github.com/ayeowch/crawl/internal/coordstore"
	"github.com/ayeowch/crawl/internal/exclude"
	"github.com/ayeowch/crawl/internal/metrics"
	"github.com/ayeowch/crawl/internal/passctl"
	"github.com/ayeowch/crawl/internal/peercache"
	"github.com/ayeowch/crawl/internal/peerclient"
	"github.com/ayeowch/crawl/internal/workerpool"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <config-file> <master|slave>\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(os.Args[1], os.Args[2])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigStop := make(chan os.Signal, 1)
	signal.Notify(sigStop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigStop
		log.Warning("crawl: graceful shutdown")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Errorf("crawl: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	store := coordstore.NewRedisStore("localhost:6379", cfg.DB)
	filter := exclude.New()

	proxies, err := cfg.ParsedTorProxies()
	if err != nil {
		return fmt.Errorf("parsing tor_proxies: %w", err)
	}
	var proxyAddrs []string
	for _, p := range proxies {
		proxyAddrs = append(proxyAddrs, fmt.Sprintf("%s:%d", p.Host, p.Port))
	}

	cache := peercache.New(store, filter, peercache.Config{
		AddrTTL:       time.Duration(cfg.AddrTTLSec) * time.Second,
		AddrTTLVarPct: cfg.AddrTTLVar,
		MaxAge:        time.Duration(cfg.MaxAgeSec) * time.Second,
		PeersPerNode:  cfg.PeersPerNode,
		DefaultPort:   uint16(cfg.Port),
		SocketTimeout: time.Duration(cfg.SocketTimeoutSec) * time.Second,
	})

	dialer := peerclient.NewTCPDialer(peerclient.HandshakeConfig{
		MagicNumber:     cfg.MagicNumber,
		ProtocolVersion: int32(cfg.ProtocolVer),
		UserAgent:       cfg.UserAgent,
		Services:        cfg.Services,
		Relay:           cfg.Relay != 0,
		SourceAddress:   cfg.SourceAddress,
	})

	pool := workerpool.New(workerpool.Config{
		Workers:            cfg.Workers,
		MaxNodes:           cfg.MaxNodes,
		SocketTimeout:      time.Duration(cfg.SocketTimeoutSec) * time.Second,
		MaxAge:             time.Duration(cfg.MaxAgeSec) * time.Second,
		IPv6:               cfg.IPv6,
		IPv6Prefix:         cfg.IPv6Prefix,
		NodesPerIPv6Prefix: cfg.NodesPerIPv6Prefix,
		Onion:              cfg.Onion,
		DefaultPort:        uint16(cfg.Port),
		ProtocolVersion:    int32(cfg.ProtocolVer),
		UserAgent:          cfg.UserAgent,
		Services:           cfg.Services,
		SourceAddress:      cfg.SourceAddress,
	}, store, filter, cache, dialer, proxyAddrs, cfg.Master)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Master {
		bs, err := bootstrap.New(cfg, store, filter, nil, nil)
		if err != nil {
			return fmt.Errorf("building bootstrap: %w", err)
		}
		if err := bs.Run(ctx); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}

		ctl := passctl.New(passctl.Config{
			CronDelay:                 time.Duration(cfg.CronDelaySec) * time.Second,
			SnapshotDelay:             time.Duration(cfg.SnapshotDelaySec) * time.Second,
			MaxAge:                    time.Duration(cfg.MaxAgeSec) * time.Second,
			IncludeChecked:            cfg.IncludeChecked,
			CrawlDir:                  cfg.CrawlDir,
			ExcludeIPv4Networks:        cfg.ExcludeIPv4Networks,
			ExcludeIPv6Networks:        cfg.ExcludeIPv6Networks,
			ExcludeIPv4BogonsFromURLs:  config.Lines(cfg.ExcludeIPv4BogonsFromURLs),
			ExcludeIPv6BogonsFromURLs:  config.Lines(cfg.ExcludeIPv6BogonsFromURLs),
			ExcludeIPv4NetworksFromURL: cfg.ExcludeIPv4NetworksFromURL,
			ExcludeIPv6NetworksFromURL: cfg.ExcludeIPv6NetworksFromURL,
		}, store, filter, nil)
		g.Go(func() error { return ctl.Run(ctx) })
	}

	if cfg.MonitoringPort > 0 {
		exporter := metrics.NewExporter(store, cfg.MonitoringPort)
		g.Go(func() error { return exporter.StartContext(ctx) })
	}

	g.Go(func() error { return pool.Run(ctx) })

	return g.Wait()
}
