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

package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/ayeowch/crawl/internal/coordstore"
	"github.com/ayeowch/crawl/internal/netaddr"
)

func TestExporter_ScrapeReflectsStoreState(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemStore()

	ep := netaddr.Endpoint{Address: "1.2.3.4", Port: 8333, Services: 9}
	require.NoError(t, store.SAdd(ctx, coordstore.KeyPending, "a", "b"))
	require.NoError(t, store.SAdd(ctx, coordstore.KeyReachable, ep.String()))
	require.NoError(t, store.Set(ctx, coordstore.HeightKey(ep.Key()), "800000", 0))
	require.NoError(t, store.Set(ctx, coordstore.KeyElapsed, "42", 0))

	e := NewExporter(store, 0)
	srv := httptest.NewServer(promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	require.Contains(t, out, "crawl_pending 2")
	require.Contains(t, out, "crawl_reachable 1")
	require.Contains(t, out, "crawl_elapsed_seconds 42")
	require.Contains(t, out, "crawl_height 800000")
}
