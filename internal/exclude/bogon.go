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

package exclude

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// BogonFetcher retrieves a newline-delimited CIDR list from a URL. A
// fetch failure is non-fatal to the caller: BuildRuleSet skips that URL,
// so the rule set it returns lacks that URL's entries; rules from an
// earlier successful fetch of the same URL are not carried over.
type BogonFetcher interface {
	Fetch(ctx context.Context, url string) (*bufio.Scanner, error)
}

// HTTPBogonFetcher fetches bogon lists over plain HTTP(S), matching the
// original crawler's http_get_txt helper. net/http is used directly,
// the same way facebook-time's own packages do for simple one-shot
// fetches.
type HTTPBogonFetcher struct {
	client *http.Client
}

// NewHTTPBogonFetcher returns a fetcher with a bounded per-request
// timeout.
func NewHTTPBogonFetcher(timeout time.Duration) *HTTPBogonFetcher {
	return &HTTPBogonFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *HTTPBogonFetcher) Fetch(ctx context.Context, url string) (*bufio.Scanner, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("exclude: building request for %s: %w", url, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exclude: fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exclude: %s returned status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("exclude: reading %s: %w", url, err)
	}
	return bufio.NewScanner(bytes.NewReader(body)), nil
}

// BuildRuleSet compiles the static CIDR lists plus every fetched bogon
// URL list and every fetched exclude_ipv4/6_networks_from_url source
// into a RuleSet. A fetch failure is logged and the URL skipped rather
// than propagated, so the rule set fails open onto its static entries
// rather than blocking on a slow or dead mirror; the caller decides
// whether to swap in the (possibly static-only) result.
func BuildRuleSet(ctx context.Context, staticIPv4, staticIPv6 string, bogonIPv4URLs, bogonIPv6URLs []string, networksFromURLv4, networksFromURLv6 string, fetcher BogonFetcher) *RuleSet {
	v4, v6 := ParseNetworkListString(staticIPv4)
	v4b, v6b := ParseNetworkListString(staticIPv6)
	v4 = append(v4, v4b...)
	v6 = append(v6, v6b...)

	for _, url := range bogonIPv4URLs {
		fetched, err := fetchRules(ctx, fetcher, url)
		if err != nil {
			log.Warningf("exclude: fetching bogon list %s: %v", url, err)
			continue
		}
		v4 = append(v4, fetched...)
	}
	for _, url := range bogonIPv6URLs {
		fetched, err := fetchRules(ctx, fetcher, url)
		if err != nil {
			log.Warningf("exclude: fetching bogon list %s: %v", url, err)
			continue
		}
		v6 = append(v6, fetched...)
	}

	if networksFromURLv4 != "" {
		fetched, err := fetchRules(ctx, fetcher, networksFromURLv4)
		if err != nil {
			log.Warningf("exclude: fetching %s: %v", networksFromURLv4, err)
		} else {
			v4 = append(v4, fetched...)
		}
	}
	if networksFromURLv6 != "" {
		fetched, err := fetchRules(ctx, fetcher, networksFromURLv6)
		if err != nil {
			log.Warningf("exclude: fetching %s: %v", networksFromURLv6, err)
		} else {
			v6 = append(v6, fetched...)
		}
	}

	return &RuleSet{IPv4: v4, IPv6: v6}
}

func fetchRules(ctx context.Context, fetcher BogonFetcher, url string) ([]Rule, error) {
	scanner, err := fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	v4, v6 := ParseNetworkList(scanner)
	return append(v4, v6...), nil
}
