package peerhost

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Address is a network endpoint: an IP address and a UDP port.
type Address struct {
	addrPort netip.AddrPort
}

// NewAddress creates an Address from an IP and a port.
func NewAddress(ip netip.Addr, port uint16) Address {
	return AddressFromNative(netip.AddrPortFrom(ip, port))
}

// ParseAddress parses an "ip:port" string such as "127.0.0.1:7777" or
// "[::1]:7777".
func ParseAddress(s string) (Address, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return AddressFromNative(ap), nil
}

// ResolveAddress looks up host and returns an Address for the first result,
// preferring IPv4.
func ResolveAddress(ctx context.Context, host string, port uint16) (Address, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return NewAddress(ip, port), nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return Address{}, &HostError{Op: "resolve", Addr: net.JoinHostPort(host, strconv.Itoa(int(port))), Err: err}
	}
	if len(ips) == 0 {
		return Address{}, &HostError{Op: "resolve", Addr: host, Err: ErrNoAddress}
	}

	best := ips[0]
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			best = ip
			break
		}
	}
	return NewAddress(best, port), nil
}

// AddressFromNative converts the transport representation. IPv4-mapped IPv6
// addresses are unmapped so equal endpoints compare equal.
func AddressFromNative(ap netip.AddrPort) Address {
	return Address{addrPort: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}
}

func (a Address) toNative() netip.AddrPort {
	return a.addrPort
}

// IP returns the IP address.
func (a Address) IP() netip.Addr { return a.addrPort.Addr() }

// Port returns the UDP port.
func (a Address) Port() uint16 { return a.addrPort.Port() }

// IsValid reports whether the address holds an IP.
func (a Address) IsValid() bool { return a.addrPort.IsValid() }

func (a Address) String() string {
	return a.addrPort.String()
}
