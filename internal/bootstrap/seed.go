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
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// SeedResolver resolves a DNS seed hostname to the endpoints it
// advertises. Grounded on the miekg/dns client usage in
// decred/dcrseeder's Manager, which drives the same library for the
// server side of seed resolution.
type SeedResolver interface {
	Resolve(ctx context.Context, host string) ([]string, error)
}

// DNSSeedResolver queries A and (when ipv6 is enabled) AAAA records
// directly against the resolvers in /etc/resolv.conf rather than the Go
// runtime resolver, so a seed lookup behaves the same whether cgo is
// available or not.
type DNSSeedResolver struct {
	client *dns.Client
	config *dns.ClientConfig
	ipv6   bool
}

// NewDNSSeedResolver loads the system resolver configuration. ipv6
// gates whether AAAA records are queried alongside A, matching
// crawl.py's set_pending() skipping AAAA lookups when CONF['ipv6'] is
// false. A caller lacking resolv.conf (e.g. in a minimal container)
// should substitute its own ClientConfig via
// NewDNSSeedResolverWithConfig.
func NewDNSSeedResolver(ipv6 bool) (*DNSSeedResolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("bootstrap: loading resolv.conf: %w", err)
	}
	return &DNSSeedResolver{client: new(dns.Client), config: cfg, ipv6: ipv6}, nil
}

func NewDNSSeedResolverWithConfig(cfg *dns.ClientConfig, ipv6 bool) *DNSSeedResolver {
	return &DNSSeedResolver{client: new(dns.Client), config: cfg, ipv6: ipv6}
}

// Resolve returns every A (and, if ipv6 is enabled, AAAA) address the
// seed's configured nameservers return for host.
func (r *DNSSeedResolver) Resolve(ctx context.Context, host string) ([]string, error) {
	qtypes := []uint16{dns.TypeA}
	if r.ipv6 {
		qtypes = append(qtypes, dns.TypeAAAA)
	}

	var addrs []string
	for _, qtype := range qtypes {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		for _, server := range r.config.Servers {
			resp, _, err := r.client.ExchangeContext(ctx, msg, net.JoinHostPort(server, r.config.Port))
			if err != nil {
				continue
			}
			for _, rr := range resp.Answer {
				switch rec := rr.(type) {
				case *dns.A:
					addrs = append(addrs, rec.A.String())
				case *dns.AAAA:
					addrs = append(addrs, rec.AAAA.String())
				}
			}
			break
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("bootstrap: no addresses resolved for seed %s", host)
	}
	return addrs, nil
}
