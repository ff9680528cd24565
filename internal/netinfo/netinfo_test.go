package netinfo

import (
	"net/netip"
	"testing"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromCIDR(t *testing.T) {
	s, err := FromCIDR("192.168.1.17/24")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParsePrefix("192.168.1.0/24"), s.Prefix)
	assert.Equal(t, netip.MustParseAddr("192.168.1.17"), s.Self)
	assert.Contains(t, s.String(), "self 192.168.1.17")

	_, err = FromCIDR("192.168.1.17")
	assert.Error(t, err)
}

func TestSubnet_Hosts(t *testing.T) {
	tests := []struct {
		name  string
		cidr  string
		limit int
		want  []string
	}{
		{
			name: "skips network, broadcast and self",
			cidr: "10.0.0.2/29",
			want: []string{"10.0.0.1", "10.0.0.3", "10.0.0.4", "10.0.0.5", "10.0.0.6"},
		},
		{
			name:  "limit",
			cidr:  "10.0.0.2/24",
			limit: 3,
			want:  []string{"10.0.0.1", "10.0.0.3", "10.0.0.4"},
		},
		{
			name: "point to point",
			cidr: "10.0.0.0/31",
			want: []string{"10.0.0.1"},
		},
		{
			name:  "ipv6",
			cidr:  "fd00::1/120",
			limit: 2,
			want:  []string{"fd00::", "fd00::2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := FromCIDR(tt.cidr)
			require.NoError(t, err)

			hosts, err := s.Hosts(tt.limit)
			require.NoError(t, err)
			got := make([]string, len(hosts))
			for i, h := range hosts {
				got[i] = h.String()
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubnet_HostsBounds(t *testing.T) {
	s, err := FromCIDR("10.0.0.1/8")
	require.NoError(t, err)
	_, err = s.Hosts(0)
	assert.Error(t, err)

	hosts, err := s.Hosts(10)
	require.NoError(t, err)
	assert.Len(t, hosts, 10)

	_, err = Subnet{}.Hosts(1)
	assert.ErrorIs(t, err, ErrNoSubnet)
}

func TestPick(t *testing.T) {
	ifaces := psnet.InterfaceStatList{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
		{Name: "eth1", Flags: []string{"broadcast"}, Addrs: psnet.InterfaceAddrList{{Addr: "10.1.0.5/16"}}},
		{Name: "eth0", Flags: []string{"up", "broadcast"}, Addrs: psnet.InterfaceAddrList{
			{Addr: "fe80::1/64"},
			{Addr: "203.0.113.9/24"},
			{Addr: "192.168.7.20/24"},
		}},
	}

	s, err := pick(ifaces)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParsePrefix("192.168.7.0/24"), s.Prefix)
	assert.Equal(t, netip.MustParseAddr("192.168.7.20"), s.Self)

	_, err = pick(ifaces[:2])
	assert.ErrorIs(t, err, ErrNoSubnet)
}
