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

// Package netaddr defines the Endpoint identity triple used across the
// crawl queues and CoordStore keys, and its wire encoding.
package netaddr

import (
	"fmt"
	"strconv"
	"strings"
)

// encodingVersion prefixes every serialized Endpoint. Bump it, and branch
// on it in Parse, if the on-wire shape ever changes.
const encodingVersion = "v1"

// Endpoint is the (address, port, services) identity triple shared by
// the pending/reachable/mempool_pending queues and the node:*/height:*
// CoordStore keys.
type Endpoint struct {
	Address  string
	Port     uint16
	Services uint64
}

// String renders the fixed pipe-separated encoding: "v1|address|port|services".
// This replaces the source's str()-then-eval() round trip: callers must
// go through Parse, never through a language evaluator, to decode it back.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s|%s|%d|%d", encodingVersion, e.Address, e.Port, e.Services)
}

// Key returns the node:<address>-<port>-<services> claim key suffix used
// throughout CoordStore (the part after "node:").
func (e Endpoint) Key() string {
	return fmt.Sprintf("%s-%d-%d", e.Address, e.Port, e.Services)
}

// Parse decodes the fixed encoding produced by String. Any line that does
// not match the expected shape is rejected rather than evaluated.
func Parse(s string) (Endpoint, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 || parts[0] != encodingVersion {
		return Endpoint{}, fmt.Errorf("netaddr: malformed endpoint encoding %q", s)
	}
	port, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("netaddr: bad port in %q: %w", s, err)
	}
	services, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return Endpoint{}, fmt.Errorf("netaddr: bad services in %q: %w", s, err)
	}
	if parts[1] == "" {
		return Endpoint{}, fmt.Errorf("netaddr: empty address in %q", s)
	}
	return Endpoint{Address: parts[1], Port: uint16(port), Services: services}, nil
}

// ParseKey decodes a node:*/height:* key suffix of the form
// "address-port-services" back into an Endpoint.
func ParseKey(key string) (Endpoint, error) {
	idx1 := strings.LastIndex(key, "-")
	if idx1 < 0 {
		return Endpoint{}, fmt.Errorf("netaddr: malformed key %q", key)
	}
	servicesStr := key[idx1+1:]
	rest := key[:idx1]
	idx2 := strings.LastIndex(rest, "-")
	if idx2 < 0 {
		return Endpoint{}, fmt.Errorf("netaddr: malformed key %q", key)
	}
	address := rest[:idx2]
	portStr := rest[idx2+1:]

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("netaddr: bad port in key %q: %w", key, err)
	}
	services, err := strconv.ParseUint(servicesStr, 10, 64)
	if err != nil {
		return Endpoint{}, fmt.Errorf("netaddr: bad services in key %q: %w", key, err)
	}
	if address == "" {
		return Endpoint{}, fmt.Errorf("netaddr: empty address in key %q", key)
	}
	return Endpoint{Address: address, Port: uint16(port), Services: services}, nil
}

// IsOnion reports whether the endpoint's address is a Tor onion hostname.
func (e Endpoint) IsOnion() bool {
	return strings.HasSuffix(e.Address, ".onion")
}

// IsIPv6 reports whether the address is textually an IPv6 literal (a bare
// colon-bearing address, never an onion host).
func (e Endpoint) IsIPv6() bool {
	return !e.IsOnion() && strings.Contains(e.Address, ":")
}

// WithServices returns a copy of the endpoint with Services replaced; used
// when a handshake reports a services value different from the candidate's.
func (e Endpoint) WithServices(services uint64) Endpoint {
	e.Services = services
	return e
}
