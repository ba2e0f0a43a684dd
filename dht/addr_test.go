package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkAddressCompactIPv4(t *testing.T) {
	addr := NewIPv4Address(net.ParseIP("1.2.3.4"), 6881)
	compact, err := addr.Compact()
	require.NoError(t, err)
	require.Len(t, compact, 6)

	parsed, err := ParseCompactIPv4Addr(compact)
	require.NoError(t, err)
	assert.Equal(t, addr.IP.String(), parsed.IP.String())
	assert.Equal(t, addr.Port, parsed.Port)
}

func TestNetworkAddressCompactIPv6(t *testing.T) {
	addr := NewIPv6Address(net.ParseIP("2001:db8::1"), 6881)
	compact, err := addr.Compact()
	require.NoError(t, err)
	require.Len(t, compact, 18)

	parsed, err := ParseCompactIPv6Addr(compact)
	require.NoError(t, err)
	assert.Equal(t, addr.IP.String(), parsed.IP.String())
	assert.Equal(t, addr.Port, parsed.Port)
}

func TestNetworkAddressCompactNameFails(t *testing.T) {
	addr := NewNameAddress("example.com", 6881)
	_, err := addr.Compact()
	assert.Error(t, err)
}

type staticResolver struct {
	ips []net.IP
	err error
}

func (r staticResolver) Resolve(string) ([]net.IP, error) { return r.ips, r.err }

func TestNetworkAddressResolved(t *testing.T) {
	addr := NewNameAddress("example.com", 80)
	resolved, ok := addr.Resolved(staticResolver{ips: []net.IP{net.ParseIP("5.6.7.8")}})
	require.True(t, ok)
	assert.Equal(t, HostIPv4, resolved.Kind)
	assert.Equal(t, 80, resolved.Port)
}

func TestNetworkAddressResolvedFailureDropsSilently(t *testing.T) {
	addr := NewNameAddress("example.com", 80)
	_, ok := addr.Resolved(staticResolver{err: assertError{}})
	assert.False(t, ok)

	_, ok = addr.Resolved(nil)
	assert.False(t, ok)
}

type assertError struct{}

func (assertError) Error() string { return "resolve failed" }

func TestParseCompactPeersMixedAndInvalidSizes(t *testing.T) {
	v4, _ := NewIPv4Address(net.ParseIP("9.9.9.9"), 1).Compact()
	v6, _ := NewIPv6Address(net.ParseIP("::1"), 2).Compact()
	values := [][]byte{v4, v6, {0x01, 0x02, 0x03}}

	peers := ParseCompactPeers(values)
	require.Len(t, peers, 2)
	assert.Equal(t, HostIPv4, peers[0].Kind)
	assert.Equal(t, HostIPv6, peers[1].Kind)
}
