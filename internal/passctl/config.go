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

package passctl

import "time"

// Config holds the Pass Controller's tunables, taken directly off the
// loaded crawl Config.
type Config struct {
	CronDelay     time.Duration
	SnapshotDelay time.Duration
	MaxAge        time.Duration

	IncludeChecked bool
	CrawlDir       string

	ExcludeIPv4Networks        string
	ExcludeIPv6Networks        string
	ExcludeIPv4BogonsFromURLs  []string
	ExcludeIPv6BogonsFromURLs  []string
	ExcludeIPv4NetworksFromURL string
	ExcludeIPv6NetworksFromURL string
}
