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

// Package netutil contains extensions to the net package.
package netutil

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"net/netip"
	"slices"
	"strings"
)

// Special-purpose ranges from RFC 5735, RFC 5156 and the IANA registries.
var (
	special4 = mustNetlist(
		"0.0.0.0/8", "192.0.0.0/29", "192.0.0.9/32", "192.0.0.170/31",
		"192.0.2.0/24", "192.31.196.0/24", "192.52.193.0/24", "192.88.99.0/24",
		"192.175.48.0/24", "198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
		"255.255.255.255/32",
	)
	special6 = mustNetlist(
		"100::/64", "2001::/32", "2001:1::1/128", "2001:2::/48", "2001:3::/32",
		"2001:4:112::/48", "2001:5::/32", "2001:10::/28", "2001:20::/28",
		"2001:db8::/32", "2002::/16",
	)
)

func mustNetlist(masks ...string) Netlist {
	var l Netlist
	for _, m := range masks {
		l.Add(m)
	}
	return l
}

// Netlist is a list of IP networks.
type Netlist []netip.Prefix

// ParseNetlist parses a comma-separated list of CIDR masks. Blank entries and
// whitespace are skipped.
func ParseNetlist(s string) (*Netlist, error) {
	l := Netlist{}
	for _, field := range strings.Split(s, ",") {
		mask := strings.Join(strings.Fields(field), "")
		if mask == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(mask)
		if err != nil {
			return nil, fmt.Errorf("invalid netmask %q: %w", mask, err)
		}
		l = append(l, prefix.Masked())
	}
	return &l, nil
}

func (l Netlist) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Netlist) UnmarshalText(text []byte) error {
	parsed, err := ParseNetlist(string(text))
	if err == nil {
		*l = *parsed
	}
	return err
}

func (l Netlist) String() string {
	var b strings.Builder
	for i, p := range l {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.String())
	}
	return b.String()
}

// Add appends a CIDR mask to the list. Invalid masks cause a panic, so Add is
// only suitable for static lists.
func (l *Netlist) Add(cidr string) {
	*l = append(*l, netip.MustParsePrefix(cidr))
}

// Contains reports whether ip falls into one of the networks.
func (l *Netlist) Contains(ip net.IP) bool {
	return l.ContainsAddr(IPToAddr(ip))
}

// ContainsAddr is like Contains, for netip addresses. A nil list contains nothing.
func (l *Netlist) ContainsAddr(ip netip.Addr) bool {
	if l == nil {
		return false
	}
	ip = ip.Unmap()
	return slices.ContainsFunc(*l, func(p netip.Prefix) bool { return p.Contains(ip) })
}

// IPToAddr converts ip, unmapping IPv4-in-IPv6 addresses. Malformed input
// yields the zero Addr.
func IPToAddr(ip net.IP) netip.Addr {
	addr, _ := netip.AddrFromSlice(ip)
	return addr.Unmap()
}

// AddrAddr extracts the IP of an IP, TCP or UDP address.
func AddrAddr(addr net.Addr) netip.Addr {
	var ip net.IP
	switch a := addr.(type) {
	case *net.IPAddr:
		ip = a.IP
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	}
	return IPToAddr(ip)
}

// AddrIsLAN reports whether ip is loopback, private or link-local.
func AddrIsLAN(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// AddrIsSpecialNetwork reports whether ip is multicast or belongs to a
// special-purpose range such as documentation or benchmarking networks.
func AddrIsSpecialNetwork(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsMulticast() {
		return true
	}
	if ip.Is4() {
		return special4.ContainsAddr(ip)
	}
	return special6.ContainsAddr(ip)
}

var (
	errInvalid     = errors.New("invalid IP")
	errUnspecified = errors.New("zero address")
	errSpecial     = errors.New("special network")
	errLoopback    = errors.New("loopback address from non-loopback host")
	errLAN         = errors.New("LAN address from WAN host")
)

// CheckRelayAddr validates an endpoint that sender told us about. Special
// networks are always rejected. Loopback and LAN endpoints are accepted only
// from senders in the same scope.
func CheckRelayAddr(sender, addr netip.Addr) error {
	switch {
	case !addr.IsValid():
		return errInvalid
	case addr.IsUnspecified():
		return errUnspecified
	case AddrIsSpecialNetwork(addr):
		return errSpecial
	case addr.IsLoopback() && !sender.Unmap().IsLoopback():
		return errLoopback
	case AddrIsLAN(addr) && !AddrIsLAN(sender):
		return errLAN
	}
	return nil
}

// DistinctNetSet counts IPs per subnet and admits at most Limit addresses in
// each /Subnet range.
type DistinctNetSet struct {
	Subnet uint // prefix length that defines a range
	Limit  uint // addresses allowed per range

	members map[netip.Prefix]uint
}

// AddAddr records ip. It reports false, leaving the set unchanged, when the
// range of ip is already full.
func (s *DistinctNetSet) AddAddr(ip netip.Addr) bool {
	k := s.key(ip)
	if s.members[k] >= s.Limit {
		return false
	}
	s.members[k]++
	return true
}

// RemoveAddr forgets one occurrence of ip.
func (s *DistinctNetSet) RemoveAddr(ip netip.Addr) {
	k := s.key(ip)
	switch s.members[k] {
	case 0:
	case 1:
		delete(s.members, k)
	default:
		s.members[k]--
	}
}

// ContainsAddr reports whether any address in the range of ip is tracked.
func (s *DistinctNetSet) ContainsAddr(ip netip.Addr) bool {
	return s.members[s.key(ip)] > 0
}

// Len returns the number of tracked addresses.
func (s *DistinctNetSet) Len() (n int) {
	for _, c := range s.members {
		n += int(c)
	}
	return n
}

func (s *DistinctNetSet) key(ip netip.Addr) netip.Prefix {
	if s.members == nil {
		s.members = make(map[netip.Prefix]uint)
	}
	p, err := ip.Unmap().Prefix(int(s.Subnet))
	if err != nil {
		panic(err)
	}
	return p
}

func (s *DistinctNetSet) String() string {
	keys := slices.SortedFunc(maps.Keys(s.members), func(a, b netip.Prefix) int {
		return strings.Compare(a.String(), b.String())
	})
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%v×%d", k, s.members[k])
	}
	return "{" + strings.Join(parts, " ") + "}"
}
