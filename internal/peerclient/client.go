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

// Package peerclient declares the external wire-protocol capability the
// crawl coordinator is built against: the Bitcoin-family
// handshake/getaddr/mempool codec, plus the message shapes PeerCache
// needs to post-process addr replies.
package peerclient

import "context"

// Kind identifies a buffered inbound message type requested from
// GetMessages.
type Kind string

const (
	KindAddr    Kind = "addr"
	KindAddrV2  Kind = "addrv2"
	KindMempool Kind = "mempool"
)

// AddrEntry is one peering-node entry inside an addr/addrv2 message.
type AddrEntry struct {
	IPv4      string
	IPv6      string
	Onion     string
	Port      uint16
	Services  uint64
	Timestamp int64 // unix seconds, as advertised by the remote peer
}

// Message is one decoded addr/addrv2 frame.
type Message struct {
	Kind     Kind
	Count    int
	AddrList []AddrEntry
}

// Handshake is the result of a successful version/verack exchange.
type Handshake struct {
	Version         int32
	UserAgent       string
	Services        uint64
	Height          int32
}

// Dialer opens connections to remote peers, optionally tunnelled
// through a SOCKS5 proxy for onion targets.
type Dialer interface {
	// Dial establishes the session-scoped Conn for target, bounded by
	// the caller's context deadline (socket_timeout). proxyAddr is
	// empty unless the target is onion and a proxy was selected.
	Dial(ctx context.Context, address string, port uint16, proxyAddr string) (Conn, error)
}

// Conn is one open session against a single remote peer.
type Conn interface {
	// Handshake performs the version/verack exchange.
	Handshake(ctx context.Context) (Handshake, error)
	// GetAddr sends a getaddr request. block is always false in this
	// core: the caller polls GetMessages separately.
	GetAddr(ctx context.Context, block bool) error
	// GetMessages drains buffered inbound frames matching kinds.
	GetMessages(ctx context.Context, kinds ...Kind) ([]Message, error)
	// Mempool requests and returns the peer's mempool inventory.
	Mempool(ctx context.Context) ([]string, error)
	// Close is idempotent.
	Close() error
}
