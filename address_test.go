package peerhost

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAddressNativeRoundTrip tests conversion to and from the transport form.
func TestAddressNativeRoundTrip(t *testing.T) {
	tests := []string{
		"127.0.0.1:7777",
		"[::1]:80",
		"10.1.2.3:65535",
		"[2001:db8::5]:1",
	}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			native := netip.MustParseAddrPort(s)
			addr := AddressFromNative(native)
			assert.Equal(t, native, addr.toNative())
			assert.Equal(t, AddressFromNative(addr.toNative()), addr)
			assert.Equal(t, s, addr.String())
		})
	}
}

// TestAddressUnmapsIPv4 tests that IPv4-mapped addresses compare equal to IPv4.
func TestAddressUnmapsIPv4(t *testing.T) {
	mapped := AddressFromNative(netip.MustParseAddrPort("[::ffff:192.0.2.1]:9"))
	plain := NewAddress(netip.MustParseAddr("192.0.2.1"), 9)
	assert.Equal(t, plain, mapped)
	assert.True(t, mapped.IP().Is4())
	assert.Equal(t, uint16(9), mapped.Port())
}

// TestParseAddress tests string parsing.
func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("192.0.2.7:1234")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7", addr.IP().String())
	assert.Equal(t, uint16(1234), addr.Port())
	assert.True(t, addr.IsValid())

	_, err = ParseAddress("localhost")
	assert.Error(t, err)
	assert.False(t, Address{}.IsValid())
}

// TestResolveAddressLiteral tests that IP literals bypass the resolver.
func TestResolveAddressLiteral(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	addr, err := ResolveAddress(ctx, "::1", 53)
	require.NoError(t, err)
	assert.Equal(t, "[::1]:53", addr.String())
}
