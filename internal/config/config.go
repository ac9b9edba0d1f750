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

// Package config loads the single [crawl] INI section that drives every
// other package in this module. Adapted from the Calnex device config
// loader's use of github.com/go-ini/ini for a sectioned config file.
package config

import (
	"fmt"
	"strings"

	"github.com/go-ini/ini"
)

// Proxy is a host:port SOCKS5 proxy used to dial .onion targets.
type Proxy struct {
	Host string
	Port int
}

// Config is the immutable, write-once configuration for one crawl process.
// It is loaded once at startup in main and passed by pointer into every
// component constructor; nothing here is mutated afterward.
type Config struct {
	Logfile       string `ini:"logfile"`
	MagicNumber   string `ini:"magic_number"` // hex-encoded
	Port          int    `ini:"port"`
	DB            int    `ini:"db"`
	Workers       int    `ini:"workers"`
	MaxNodes      int    `ini:"max_nodes"`
	Debug         bool   `ini:"debug"`
	SourceAddress string `ini:"source_address"`
	ProtocolVer   int    `ini:"protocol_version"`
	UserAgent     string `ini:"user_agent"`
	Services      uint64 `ini:"services"`
	Relay         int    `ini:"relay"`

	SocketTimeoutSec int `ini:"socket_timeout"`
	CronDelaySec     int `ini:"cron_delay"`
	SnapshotDelaySec int `ini:"snapshot_delay"`

	AddrTTLSec  int `ini:"addr_ttl"`
	AddrTTLVar  int `ini:"addr_ttl_var"` // percent
	MaxAgeSec   int `ini:"max_age"`
	PeersPerNode int `ini:"peers_per_node"`

	IPv6                bool `ini:"ipv6"`
	IPv6Prefix          int  `ini:"ipv6_prefix"`
	NodesPerIPv6Prefix  int  `ini:"nodes_per_ipv6_prefix"`

	ExcludeIPv4Networks       string `ini:"exclude_ipv4_networks"`
	ExcludeIPv6Networks       string `ini:"exclude_ipv6_networks"`
	ExcludeIPv4BogonsFromURLs string `ini:"exclude_ipv4_bogons_from_urls"`
	ExcludeIPv6BogonsFromURLs string `ini:"exclude_ipv6_bogons_from_urls"`
	ExcludeIPv4NetworksFromURL string `ini:"exclude_ipv4_networks_from_url"`
	ExcludeIPv6NetworksFromURL string `ini:"exclude_ipv6_networks_from_url"`

	Onion         bool   `ini:"onion"`
	TorProxies    string `ini:"tor_proxies"`
	OnionNodes    string `ini:"onion_nodes"`

	IncludeChecked bool   `ini:"include_checked"`
	CrawlDir       string `ini:"crawl_dir"`
	Seeders        string `ini:"seeders"`

	MonitoringPort int `ini:"monitoring_port"`

	// Master is not an ini field: it comes from the second CLI argument.
	Master bool `ini:"-"`
}

// Load reads the [crawl] section of path into a Config. mode must be
// "master" or "slave"; any other value is a usage error.
func Load(path, mode string) (*Config, error) {
	var master bool
	switch mode {
	case "master":
		master = true
	case "slave":
		master = false
	default:
		return nil, fmt.Errorf("config: mode must be \"master\" or \"slave\", got %q", mode)
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}
	section, err := f.GetSection("crawl")
	if err != nil {
		return nil, fmt.Errorf("config: %s has no [crawl] section: %w", path, err)
	}

	cfg := &Config{}
	if err := section.MapTo(cfg); err != nil {
		return nil, fmt.Errorf("config: mapping [crawl] section: %w", err)
	}
	cfg.Master = master

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if c.SocketTimeoutSec <= 0 {
		return fmt.Errorf("socket_timeout must be > 0")
	}
	if c.CrawlDir == "" {
		return fmt.Errorf("crawl_dir must be set")
	}
	if strings.TrimSpace(c.Seeders) == "" && !c.Onion {
		return fmt.Errorf("seeders must be set unless onion-only bootstrap is intended")
	}
	return nil
}

// Lines splits a newline-separated config value (seeders, onion_nodes,
// the bogon URL lists) into trimmed, non-empty entries.
func Lines(value string) []string {
	var out []string
	for _, line := range strings.Split(value, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// ParsedTorProxies parses the newline-separated "host:port" entries of
// the tor_proxies value into concrete Proxy values. A malformed entry
// is an error.
func (c *Config) ParsedTorProxies() ([]Proxy, error) {
	var proxies []Proxy
	for _, entry := range Lines(c.TorProxies) {
		host, portStr, found := strings.Cut(entry, ":")
		if !found {
			return nil, fmt.Errorf("config: malformed tor proxy %q", entry)
		}
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return nil, fmt.Errorf("config: malformed tor proxy port in %q: %w", entry, err)
		}
		proxies = append(proxies, Proxy{Host: host, Port: port})
	}
	return proxies, nil
}
