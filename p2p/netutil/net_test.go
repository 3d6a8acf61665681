// Copyright 2016 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package netutil

import (
	"net"
	"net/netip"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNetlist(t *testing.T) {
	prefixes := func(ps ...string) *Netlist {
		l := Netlist{}
		for _, p := range ps {
			l = append(l, netip.MustParsePrefix(p))
		}
		return &l
	}
	for input, want := range map[string]*Netlist{
		"":                              prefixes(),
		"127.0.0.0/8":                   prefixes("127.0.0.0/8"),
		" 10.1.0.0/16 ,":                prefixes("10.1.0.0/16"),
		"127.0.0.0/16, 23.23.23.23/24,": prefixes("127.0.0.0/16", "23.23.23.0/24"),
		"2001:db8::/32,192.168.0.0/24":  prefixes("2001:db8::/32", "192.168.0.0/24"),
	} {
		l, err := ParseNetlist(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, l, input)
	}
	for _, input := range []string{"127.0.0.0/44", "localhost/8", "1.2.3.4"} {
		_, err := ParseNetlist(input)
		assert.Error(t, err, input)
	}
}

func TestNetlistTOML(t *testing.T) {
	var cfg struct{ Restrict Netlist }
	_, err := toml.Decode(`Restrict = "10.0.0.0/8, 192.168.0.0/16"`, &cfg)
	require.NoError(t, err)
	assert.True(t, cfg.Restrict.Contains(net.IP{10, 1, 2, 3}))
	assert.False(t, cfg.Restrict.Contains(net.IP{11, 1, 2, 3}))
	assert.Equal(t, "10.0.0.0/8,192.168.0.0/16", cfg.Restrict.String())
}

func TestNilNetListContains(t *testing.T) {
	var list *Netlist
	assert.False(t, list.Contains(net.IP{1, 2, 3, 4}))
}

// classify checks pred against addresses that must and must not match.
func classify(t *testing.T, pred func(netip.Addr) bool, match, nomatch []string) {
	t.Helper()
	for _, s := range match {
		ip := net.ParseIP(s)
		require.NotNil(t, ip, s)
		assert.True(t, pred(IPToAddr(ip)), "%s should match", s)
	}
	for _, s := range nomatch {
		ip := net.ParseIP(s)
		require.NotNil(t, ip, s)
		assert.False(t, pred(IPToAddr(ip)), "%s should not match", s)
	}
}

func TestAddrIsLAN(t *testing.T) {
	classify(t, AddrIsLAN,
		[]string{
			"::1", "::ffff:127.0.0.1",
			"10.0.1.1", "10.22.0.3", "172.31.252.251", "192.168.1.4",
			"fe80::f4a1:8eff:fec5:9d9d", "febf::ab32:2233", "fc00::4",
		},
		[]string{"192.0.2.1", "1.0.0.0", "172.32.0.1", "fec0::2233"},
	)
}

func TestAddrIsSpecialNetwork(t *testing.T) {
	classify(t, AddrIsSpecialNetwork,
		[]string{
			"192.0.2.1", "192.0.2.44", "2001:db8:85a3:8d3:1319:8a2e:370:7348",
			"255.255.255.255",
			"224.0.0.22", "ff05::1:3", // multicast
		},
		[]string{"192.0.3.1", "1.0.0.0", "172.32.0.1", "fec0::2233"},
	)
}

func TestCheckRelayAddr(t *testing.T) {
	const (
		loopback = "127.0.0.1"
		lan      = "192.168.0.1"
		public   = "23.55.1.242"
	)
	// Any sender may not relay these.
	for _, sender := range []string{loopback, lan, public} {
		from := netip.MustParseAddr(sender)
		assert.Equal(t, errUnspecified, CheckRelayAddr(from, netip.MustParseAddr("0.0.0.0")), sender)
		assert.Equal(t, errSpecial, CheckRelayAddr(from, netip.MustParseAddr("255.255.255.255")), sender)
	}
	tests := []struct {
		sender, addr string
		want         error
	}{
		{lan, "127.0.2.19", errLoopback},
		{public, lan, errLAN},
		{loopback, "127.0.2.19", nil},
		{loopback, lan, nil},
		{loopback, public, nil},
		{lan, lan, nil},
		{lan, public, nil},
		{public, public, nil},
	}
	for _, test := range tests {
		err := CheckRelayAddr(netip.MustParseAddr(test.sender), netip.MustParseAddr(test.addr))
		assert.Equal(t, test.want, err, "%s relayed by %s", test.addr, test.sender)
	}
	assert.Equal(t, errInvalid, CheckRelayAddr(netip.MustParseAddr("1.2.3.4"), netip.Addr{}))
}

// With Subnet 15 and Limit 2, every /15 takes two addresses.
func TestDistinctNetSet(t *testing.T) {
	set := DistinctNetSet{Subnet: 15, Limit: 2}
	add := func(s string) bool { return set.AddAddr(netip.MustParseAddr(s)) }

	for _, sub := range []string{"127.0.0", "127.32.0", "127.34.0"} {
		assert.True(t, add(sub+".1"))
		assert.True(t, add(sub+".2"))
		assert.False(t, add(sub+".3"), "third address in %s.0/15", sub)
	}
	assert.False(t, add("127.33.0.1"), "127.33 shares a /15 with 127.32")
	assert.Equal(t, 6, set.Len())

	set.RemoveAddr(netip.MustParseAddr("127.0.0.1"))
	assert.True(t, add("127.0.0.3"), "freed slot not reusable")
	assert.False(t, add("127.0.0.3"))
	assert.Equal(t, 6, set.Len(), "%v", &set)
}

func TestAddrAddr(t *testing.T) {
	for addr, want := range map[net.Addr]netip.Addr{
		&net.TCPAddr{IP: net.IP{1, 2, 3, 4}, Port: 30303}: netip.MustParseAddr("1.2.3.4"),
		&net.UDPAddr{IP: net.ParseIP("::ffff:10.0.0.1")}:  netip.MustParseAddr("10.0.0.1"),
		&net.IPAddr{IP: net.ParseIP("2001:db8::1")}:       netip.MustParseAddr("2001:db8::1"),
		&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}:     {},
	} {
		assert.Equal(t, want, AddrAddr(addr), "%v", addr)
	}
}
