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

// Package fakeclient provides a scripted peerclient.Dialer/Conn pair for
// tests, so the peercache and workerpool suites run without a network.
package fakeclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/ayeowch/crawl/internal/peerclient"
)

// Script is the scripted behavior for one target address:port.
type Script struct {
	Handshake   peerclient.Handshake
	HandshakeErr error
	AddrReply   []peerclient.Message
	MempoolErr  error
	DialErr     error
}

// Dialer is a peerclient.Dialer backed by a fixed script keyed by
// "address:port".
type Dialer struct {
	mu      sync.Mutex
	scripts map[string]Script
	Dials   []string // records every address:port dialed, in order
}

// New returns an empty scripted Dialer.
func New() *Dialer {
	return &Dialer{scripts: make(map[string]Script)}
}

// Set installs the script for address:port.
func (d *Dialer) Set(address string, port uint16, s Script) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[key(address, port)] = s
}

func key(address string, port uint16) string {
	return fmt.Sprintf("%s:%d", address, port)
}

func (d *Dialer) Dial(_ context.Context, address string, port uint16, _ string) (peerclient.Conn, error) {
	d.mu.Lock()
	d.Dials = append(d.Dials, key(address, port))
	s, ok := d.scripts[key(address, port)]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fakeclient: no script for %s", key(address, port))
	}
	if s.DialErr != nil {
		return nil, s.DialErr
	}
	return &conn{script: s}, nil
}

type conn struct {
	script Script
	closed bool
}

func (c *conn) Handshake(_ context.Context) (peerclient.Handshake, error) {
	if c.script.HandshakeErr != nil {
		return peerclient.Handshake{}, c.script.HandshakeErr
	}
	return c.script.Handshake, nil
}

func (c *conn) GetAddr(_ context.Context, _ bool) error { return nil }

func (c *conn) GetMessages(_ context.Context, _ ...peerclient.Kind) ([]peerclient.Message, error) {
	reply := c.script.AddrReply
	c.script.AddrReply = nil // each session's single poll drains them, like a real socket buffer.
	return reply, nil
}

func (c *conn) Mempool(_ context.Context) ([]string, error) {
	if c.script.MempoolErr != nil {
		return nil, c.script.MempoolErr
	}
	return nil, nil
}

func (c *conn) Close() error {
	c.closed = true
	return nil
}
