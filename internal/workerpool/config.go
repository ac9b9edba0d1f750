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

import "time"

// Config holds the Worker Pool tunables drawn from the [crawl] section.
type Config struct {
	Workers            int
	MaxNodes           int
	SocketTimeout      time.Duration
	MaxAge             time.Duration
	IPv6               bool
	IPv6Prefix         int
	NodesPerIPv6Prefix int
	Onion              bool
	DefaultPort        uint16
	ProtocolVersion    int32
	UserAgent          string
	Services           uint64
	SourceAddress      string
}
