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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsExcluded_NoRulesLoaded_FailsClosed(t *testing.T) {
	f := New()
	require.True(t, f.IsExcluded("1.2.3.4"))
}

func TestLoaded(t *testing.T) {
	f := New()
	require.False(t, f.Loaded())
	f.Refresh(&RuleSet{})
	require.True(t, f.Loaded())
}

func TestIsExcluded_Onion_NeverExcluded(t *testing.T) {
	f := New()
	require.False(t, f.IsExcluded("expyuzz4wqqyqhjn.onion"))
}

func TestIsExcluded_Private(t *testing.T) {
	f := New()
	f.Refresh(&RuleSet{})
	require.True(t, f.IsExcluded("192.168.1.1"))
	require.True(t, f.IsExcluded("10.0.0.1"))
	require.True(t, f.IsExcluded("127.0.0.1"))
}

func TestIsExcluded_BadAddress(t *testing.T) {
	f := New()
	f.Refresh(&RuleSet{})
	require.True(t, f.IsExcluded("not-an-ip"))
}

func TestIsExcluded_CIDRMatch(t *testing.T) {
	v4, _ := ParseNetworkListString("5.6.0.0/16")
	f := New()
	f.Refresh(&RuleSet{IPv4: v4})

	require.True(t, f.IsExcluded("5.6.7.8"))
	require.False(t, f.IsExcluded("5.7.0.1"))
}

func TestIsExcluded_BoundaryAddresses(t *testing.T) {
	v4, _ := ParseNetworkListString("1.2.3.0/24")
	f := New()
	f.Refresh(&RuleSet{IPv4: v4})

	require.True(t, f.IsExcluded("1.2.3.0"))
	require.True(t, f.IsExcluded("1.2.3.255"))
	require.False(t, f.IsExcluded("1.2.4.0"))
	require.False(t, f.IsExcluded("1.2.2.255"))
}

func TestIsExcluded_IPv6CIDR(t *testing.T) {
	_, v6 := ParseNetworkListString("2001:db8::/32")
	f := New()
	f.Refresh(&RuleSet{IPv6: v6})

	require.True(t, f.IsExcluded("2001:db8:1::1"))
	require.False(t, f.IsExcluded("2001:db9::1"))
}

func TestParseNetworkListString_SkipsComments(t *testing.T) {
	v4, v6 := ParseNetworkListString("# comment\n1.2.3.0/24\n; another comment\nnotacidr\n2001:db8::/32 # trailing")
	require.Len(t, v4, 1)
	require.Len(t, v6, 1)
}

func TestIsExcluded_Idempotent(t *testing.T) {
	v4, _ := ParseNetworkListString("5.6.0.0/16")
	f := New()
	f.Refresh(&RuleSet{IPv4: v4})

	first := f.IsExcluded("5.6.7.8")
	for i := 0; i < 5; i++ {
		require.Equal(t, first, f.IsExcluded("5.6.7.8"))
	}
}

func TestNetwork(t *testing.T) {
	cidr, err := Network("2001:db8:1::1", 32)
	require.NoError(t, err)
	require.Equal(t, "2001:db8::/32", cidr)
}

func TestNetwork_RejectsIPv4(t *testing.T) {
	_, err := Network("1.2.3.4", 24)
	require.Error(t, err)
}
