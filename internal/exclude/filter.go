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

// Package exclude implements the Exclusion Filter: a compiled bitmask
// form of CIDR deny-lists for IPv4 and IPv6, plus onion and private-
// address policy. Grounded on the private/reserved-range handling of
// decred-dcrseeder's manager.go (isRoutable).
package exclude

import (
	"bufio"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync/atomic"
)

// Rule is the compiled (network, netmask) pair for one CIDR entry. Both
// values are stored as big.Int so the same representation covers IPv4
// (32-bit) and IPv6 (128-bit) without a union type.
type Rule struct {
	Network *big.Int
	Netmask *big.Int
}

// RuleSet is the ExclusionRuleSet data-model object: one ordered rule
// list per address family, rebuilt wholesale by the Pass Controller at
// each pass boundary and swapped in atomically.
type RuleSet struct {
	IPv4 []Rule
	IPv6 []Rule
}

// Filter evaluates is_excluded(address) against the most recently
// published RuleSet. It is safe for concurrent use; Refresh swaps in a
// new *RuleSet via atomic.Pointer so readers never observe a half
// rebuilt list — a process-level cached value kept current by a single
// atomic reference swap rather than a lock.
type Filter struct {
	rules atomic.Pointer[RuleSet]
}

// New returns a Filter with no rules loaded; every address except an
// onion host is excluded (fail-closed) until Refresh is called at least
// once.
func New() *Filter {
	return &Filter{}
}

// Refresh atomically publishes a new rule set, e.g. after the Pass
// Controller rebuilds it from static config plus freshly fetched bogon
// lists, or after a worker reloads it from CoordStore.
func (f *Filter) Refresh(rs *RuleSet) {
	f.rules.Store(rs)
}

// Loaded reports whether a rule set has been published yet. Each
// worker goroutine owns its own "not loaded" warning (see the top of
// worker.go's loop) rather than Filter logging on every caller's behalf,
// since one Filter is shared process-wide.
func (f *Filter) Loaded() bool {
	return f.rules.Load() != nil
}

// IsExcluded runs the priority-ordered match: onion addresses are
// always allowed, unparseable addresses and private/reserved ranges
// are always excluded, then the compiled RuleSet is consulted.
func (f *Filter) IsExcluded(address string) bool {
	if strings.HasSuffix(address, ".onion") {
		return false
	}

	ip := net.ParseIP(address)
	if ip == nil {
		return true
	}
	if isPrivateOrReserved(ip) {
		return true
	}

	rs := f.rules.Load()
	if rs == nil {
		return true
	}

	v4 := ip.To4()
	var family []Rule
	var addrInt *big.Int
	if v4 != nil {
		family = rs.IPv4
		addrInt = new(big.Int).SetBytes(v4)
	} else {
		family = rs.IPv6
		addrInt = new(big.Int).SetBytes(ip.To16())
	}

	for _, rule := range family {
		masked := new(big.Int).And(addrInt, rule.Netmask)
		if masked.Cmp(rule.Network) == 0 {
			return true
		}
	}
	return false
}

// isPrivateOrReserved covers RFC1918, loopback, link-local, multicast,
// documentation, and unspecified ranges.
func isPrivateOrReserved(ip net.IP) bool {
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, cidr := range documentationRanges {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

var documentationRanges = mustParseCIDRs(
	"192.0.2.0/24",    // TEST-NET-1
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"2001:db8::/32",   // IPv6 documentation
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// CompileNetwork parses a single CIDR string ("1.2.3.0/24") into a Rule.
func CompileNetwork(cidr string) (Rule, bool, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return Rule{}, false, err
	}
	isV6 := ipnet.IP.To4() == nil
	var netBytes []byte
	if isV6 {
		netBytes = ipnet.IP.To16()
	} else {
		netBytes = ipnet.IP.To4()
	}
	return Rule{
		Network: new(big.Int).SetBytes(netBytes),
		Netmask: new(big.Int).SetBytes(ipnet.Mask),
	}, isV6, nil
}

// ParseNetworkList parses a newline-delimited CIDR list, the source
// format for both static config networks and fetched bogon lists. "#"
// and ";" introduce comments; unparseable lines are silently skipped.
func ParseNetworkList(r *bufio.Scanner) (v4, v6 []Rule) {
	for r.Scan() {
		line := r.Text()
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rule, isV6, err := CompileNetwork(line)
		if err != nil {
			continue
		}
		if isV6 {
			v6 = append(v6, rule)
		} else {
			v4 = append(v4, rule)
		}
	}
	return v4, v6
}

// ParseNetworkListString is a convenience wrapper around ParseNetworkList
// for an in-memory string (used for the static config fields).
func ParseNetworkListString(s string) (v4, v6 []Rule) {
	return ParseNetworkList(bufio.NewScanner(strings.NewReader(s)))
}

// CIDR renders a compiled Rule back to "network/prefixlen" text, for
// publishing a RuleSet through CoordStore's exclude-ipv4/6-networks
// keys, where it must be readable by another process.
func (r Rule) CIDR(isV6 bool) string {
	width := 32
	if isV6 {
		width = 128
	}
	ones := popcount(r.Netmask)
	netBytes := r.Network.Bytes()
	byteLen := width / 8
	padded := make([]byte, byteLen)
	copy(padded[byteLen-len(netBytes):], netBytes)
	ip := net.IP(padded)
	return fmt.Sprintf("%s/%d", ip.String(), ones)
}

func popcount(n *big.Int) int {
	count := 0
	for _, w := range n.Bits() {
		for w != 0 {
			count += int(w & 1)
			w >>= 1
		}
	}
	return count
}

// EncodeCIDRList renders a rule list back to its CIDR-string form.
func EncodeCIDRList(rules []Rule, isV6 bool) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.CIDR(isV6)
	}
	return out
}

// DecodeCIDRList parses a list of CIDR strings (as produced by
// EncodeCIDRList) back into Rules; the caller keeps each family's list
// separate. Malformed entries are skipped, same policy as
// ParseNetworkList.
func DecodeCIDRList(cidrs []string) []Rule {
	var out []Rule
	for _, c := range cidrs {
		rule, _, err := CompileNetwork(c)
		if err != nil {
			continue
		}
		out = append(out, rule)
	}
	return out
}

// Network computes the /prefix network string for an IPv6 address, used
// as the CIDR Counter key (e.g. "2001:db8::/32"). It returns an error
// for an IPv4 or unparseable address.
func Network(address string, prefix int) (string, error) {
	ip := net.ParseIP(address)
	if ip == nil || ip.To4() != nil {
		return "", fmt.Errorf("exclude: %q is not an IPv6 address", address)
	}
	mask := net.CIDRMask(prefix, 128)
	network := ip.Mask(mask)
	return fmt.Sprintf("%s/%d", network.String(), prefix), nil
}
