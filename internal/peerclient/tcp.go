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

// tcp.go is the one concrete Dialer/Conn pair this module ships:
// a real Bitcoin-family wire-protocol session built on
// github.com/decred/dcrd/wire, the same wire codec decred-dcrseeder's
// Manager drives for its own peer discovery. It exists so the binary
// in cmd/crawl is runnable end to end; the protocol's finer edge cases
// (addrv2, full inventory relay) are out of scope, so this client
// decodes version, verack, getaddr/addr, and mempool/inv only.
package peerclient

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/decred/dcrd/wire"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// HandshakeConfig carries the locally advertised identity sent in our
// own version message, taken from the [crawl] config section.
type HandshakeConfig struct {
	MagicNumber     string // hex-encoded, network magic
	ProtocolVersion int32
	UserAgent       string
	Services        uint64
	Relay           bool
	SourceAddress   string
}

// TCPDialer opens real Bitcoin-family P2P sessions, optionally via a
// SOCKS5 proxy for .onion targets.
type TCPDialer struct {
	cfg   HandshakeConfig
	magic wire.CurrencyNet
}

// NewTCPDialer builds a TCPDialer. A malformed magic_number decodes to
// zero rather than failing construction; Config.validate does not
// currently check its hex shape, so a bad value surfaces as a
// handshake failure against every peer instead.
func NewTCPDialer(cfg HandshakeConfig) *TCPDialer {
	magic := uint32(0)
	if b, err := hex.DecodeString(cfg.MagicNumber); err == nil && len(b) == 4 {
		magic = binary.BigEndian.Uint32(b)
	}
	return &TCPDialer{cfg: cfg, magic: wire.CurrencyNet(magic)}
}

func (d *TCPDialer) Dial(ctx context.Context, address string, port uint16, proxyAddr string) (Conn, error) {
	target := net.JoinHostPort(address, fmt.Sprintf("%d", port))

	var netConn net.Conn
	var err error
	if proxyAddr != "" {
		socksDialer, derr := proxy.SOCKS5("tcp", proxyAddr, nil, &net.Dialer{})
		if derr != nil {
			return nil, fmt.Errorf("peerclient: building SOCKS5 dialer for %s: %w", proxyAddr, derr)
		}
		netConn, err = socksDialer.Dial("tcp", target)
	} else {
		plain := net.Dialer{}
		if d.cfg.SourceAddress != "" {
			plain.LocalAddr = &net.TCPAddr{IP: net.ParseIP(d.cfg.SourceAddress)}
		}
		netConn, err = plain.DialContext(ctx, "tcp", target)
	}
	if err != nil {
		return nil, fmt.Errorf("peerclient: dialing %s: %w", target, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	return &tcpConn{conn: netConn, pver: uint32(d.cfg.ProtocolVersion), magic: d.magic, cfg: d.cfg}, nil
}

// tcpConn is one open session. Inbound addr/mempool-inv frames are
// buffered by GetMessages/Mempool's own read loop; there is no
// background reader, matching peercache's own polling contract (a
// 300ms-spaced call loop bounded by socket_timeout).
type tcpConn struct {
	conn  net.Conn
	pver  uint32
	magic wire.CurrencyNet
	cfg   HandshakeConfig

	closeOnce sync.Once
}

func (c *tcpConn) Handshake(ctx context.Context) (Handshake, error) {
	me := wire.NewNetAddressIPPort(net.IPv4zero, 0, wire.SFNodeNetwork)
	you := wire.NewNetAddressIPPort(net.IPv4zero, 0, wire.SFNodeNetwork)
	nonce := uint64(time.Now().UnixNano())

	ver := wire.NewMsgVersion(me, you, nonce, 0)
	ver.Services = wire.ServiceFlag(c.cfg.Services)
	ver.ProtocolVersion = c.cfg.ProtocolVersion
	ver.DisableRelayTx = !c.cfg.Relay
	if err := ver.AddUserAgent(c.cfg.UserAgent, ""); err != nil {
		return Handshake{}, fmt.Errorf("peerclient: building version message: %w", err)
	}

	if _, err := wire.WriteMessageN(c.conn, ver, c.pver, c.magic); err != nil {
		return Handshake{}, fmt.Errorf("peerclient: sending version: %w", err)
	}

	var hs Handshake
	gotVersion, gotVerAck := false, false
	for !gotVersion || !gotVerAck {
		_, msg, _, err := wire.ReadMessageN(c.conn, c.pver, c.magic)
		if err != nil {
			return Handshake{}, fmt.Errorf("peerclient: reading handshake: %w", err)
		}
		switch m := msg.(type) {
		case *wire.MsgVersion:
			hs = Handshake{
				Version:   m.ProtocolVersion,
				UserAgent: m.UserAgent,
				Services:  uint64(m.Services),
				Height:    m.LastBlock,
			}
			gotVersion = true
			if _, err := wire.WriteMessageN(c.conn, wire.NewMsgVerAck(), c.pver, c.magic); err != nil {
				return Handshake{}, fmt.Errorf("peerclient: sending verack: %w", err)
			}
		case *wire.MsgVerAck:
			gotVerAck = true
		}
	}
	return hs, nil
}

func (c *tcpConn) GetAddr(ctx context.Context, block bool) error {
	_, err := wire.WriteMessageN(c.conn, wire.NewMsgGetAddr(), c.pver, c.magic)
	if err != nil {
		return fmt.Errorf("peerclient: sending getaddr: %w", err)
	}
	return nil
}

// GetMessages drains whatever addr frames arrive within a short read
// window, matching the 300ms poll cadence peercache.fetch drives this
// method at. addrv2 frames are counted but not decoded (see package
// doc); everything else is discarded.
func (c *tcpConn) GetMessages(ctx context.Context, kinds ...Kind) ([]Message, error) {
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var out []Message
	for {
		_, msg, _, err := wire.ReadMessageN(c.conn, c.pver, c.magic)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return out, nil
		}
		switch m := msg.(type) {
		case *wire.MsgAddr:
			if !want[KindAddr] {
				continue
			}
			out = append(out, Message{Kind: KindAddr, Count: len(m.AddrList), AddrList: toAddrList(m.AddrList)})
		case *wire.MsgAddrV2:
			if !want[KindAddrV2] {
				continue
			}
			log.Debugf("peerclient: received addrv2 with %d entries, decoding unsupported", len(m.AddrList))
			out = append(out, Message{Kind: KindAddrV2, Count: len(m.AddrList)})
		}
	}
	return out, nil
}

func toAddrList(addrs []*wire.NetAddress) []AddrEntry {
	out := make([]AddrEntry, 0, len(addrs))
	for _, a := range addrs {
		entry := AddrEntry{Port: a.Port, Services: uint64(a.Services), Timestamp: a.Timestamp.Unix()}
		if v4 := a.IP.To4(); v4 != nil {
			entry.IPv4 = v4.String()
		} else {
			entry.IPv6 = a.IP.String()
		}
		out = append(out, entry)
	}
	return out
}

// Mempool sends a mempool request and collects the transaction
// hashes advertised in the inv reply within the connection's
// remaining read deadline.
func (c *tcpConn) Mempool(ctx context.Context) ([]string, error) {
	if _, err := wire.WriteMessageN(c.conn, wire.NewMsgMemPool(), c.pver, c.magic); err != nil {
		return nil, fmt.Errorf("peerclient: sending mempool: %w", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var txs []string
	for {
		_, msg, _, err := wire.ReadMessageN(c.conn, c.pver, c.magic)
		if err != nil {
			break
		}
		inv, ok := msg.(*wire.MsgInv)
		if !ok {
			continue
		}
		for _, item := range inv.InvList {
			if item.Type == wire.InvTypeTx {
				txs = append(txs, item.Hash.String())
			}
		}
	}
	return txs, nil
}

func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}
