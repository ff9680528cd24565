// Package netinfo finds the local subnet and enumerates the hosts a new node
// probes for an existing ring member.
package netinfo

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// maxHosts bounds an unlimited enumeration.
const maxHosts = 1 << 16

// ErrNoSubnet is returned when no usable interface address was found.
var ErrNoSubnet = errors.New("no usable subnet found")

// Subnet is a local network prefix together with this host's address in it.
type Subnet struct {
	Prefix netip.Prefix
	Self   netip.Addr
}

// FromCIDR parses an interface style CIDR such as "192.168.1.17/24". The
// address part becomes Self and is skipped by Hosts.
func FromCIDR(cidr string) (Subnet, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return Subnet{}, fmt.Errorf("invalid subnet %q: %w", cidr, err)
	}
	return Subnet{Prefix: p.Masked(), Self: p.Addr()}, nil
}

func (s Subnet) String() string {
	if s.Self.IsValid() {
		return fmt.Sprintf("%s (self %s)", s.Prefix, s.Self)
	}
	return s.Prefix.String()
}

// Hosts lists the addresses of the subnet in ascending order, excluding Self
// and, for IPv4 prefixes shorter than /31, the network and broadcast
// addresses. limit caps the result; 0 means all, up to an internal bound.
func (s Subnet) Hosts(limit int) ([]netip.Addr, error) {
	if !s.Prefix.IsValid() {
		return nil, ErrNoSubnet
	}
	if limit <= 0 {
		hostBits := s.Prefix.Addr().BitLen() - s.Prefix.Bits()
		if hostBits > 16 {
			return nil, fmt.Errorf("subnet %s too large to probe without a limit", s.Prefix)
		}
		limit = maxHosts
	}

	first := s.Prefix.Masked().Addr()
	skipEdges := first.Is4() && s.Prefix.Bits() < 31

	var hosts []netip.Addr
	for a := first; a.IsValid() && s.Prefix.Contains(a) && len(hosts) < limit; a = a.Next() {
		if skipEdges && (a == first || !s.Prefix.Contains(a.Next())) {
			continue
		}
		if a == s.Self {
			continue
		}
		hosts = append(hosts, a)
	}
	return hosts, nil
}

// Discover returns the first private IPv4 subnet on an interface that is up
// and not a loopback.
func Discover(ctx context.Context) (Subnet, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return Subnet{}, fmt.Errorf("failed to list interfaces: %w", err)
	}
	return pick(ifaces)
}

func pick(ifaces psnet.InterfaceStatList) (Subnet, error) {
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			p, err := netip.ParsePrefix(addr.Addr)
			if err != nil {
				continue
			}
			a := p.Addr()
			if a.Is4() && a.IsPrivate() && !a.IsLoopback() {
				return Subnet{Prefix: p.Masked(), Self: a}, nil
			}
		}
	}
	return Subnet{}, ErrNoSubnet
}
