// Copyright 2017 The go-ethereum Authors
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

package enr

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/ethereum/go-ethereum/rlp"
)

// Entry is a typed record value. The key it is stored under comes from
// ENRKey. Types that need validation beyond plain RLP should also implement
// rlp.Decoder.
type Entry interface {
	ENRKey() string
}

// WithEntry pairs an arbitrary RLP value with a key. Pass a pointer for v when
// the entry is used with Load.
func WithEntry(k string, v any) Entry {
	return &keyed{key: k, val: v}
}

type keyed struct {
	key string
	val any
}

func (e keyed) ENRKey() string                 { return e.key }
func (e keyed) EncodeRLP(w io.Writer) error    { return rlp.Encode(w, e.val) }
func (e *keyed) DecodeRLP(s *rlp.Stream) error { return s.Decode(e.val) }

// ID names the identity scheme of a record.
type ID string

// IDv4 is the secp256k1 scheme used by discovery v4.
const IDv4 = ID("v4")

func (ID) ENRKey() string { return "id" }

// Ports. The 6-suffixed keys are only present when the IPv6 endpoint listens
// on a different port than the IPv4 one.
type (
	TCP  uint16
	TCP6 uint16
	UDP  uint16
	UDP6 uint16
)

func (TCP) ENRKey() string  { return "tcp" }
func (TCP6) ENRKey() string { return "tcp6" }
func (UDP) ENRKey() string  { return "udp" }
func (UDP6) ENRKey() string { return "udp6" }

// IP stores an address under "ip" or "ip6", whichever fits. Loading needs the
// family-specific types below.
type IP net.IP

func (v IP) ENRKey() string {
	if net.IP(v).To4() != nil {
		return "ip"
	}
	return "ip6"
}

func (v IP) EncodeRLP(w io.Writer) error {
	ip := net.IP(v)
	if b := ip.To4(); b != nil {
		return rlp.Encode(w, b)
	}
	if b := ip.To16(); b != nil {
		return rlp.Encode(w, b)
	}
	return fmt.Errorf("bad IP %v", ip)
}

func (v *IP) DecodeRLP(s *rlp.Stream) error {
	return decodeIP(s, (*net.IP)(v), 4, 16)
}

// IPv4 is the "ip" entry as a net.IP.
type IPv4 net.IP

func (IPv4) ENRKey() string { return "ip" }

func (v IPv4) EncodeRLP(w io.Writer) error {
	b := net.IP(v).To4()
	if b == nil {
		return fmt.Errorf("not an IPv4 address: %v", net.IP(v))
	}
	return rlp.Encode(w, b)
}

func (v *IPv4) DecodeRLP(s *rlp.Stream) error {
	return decodeIP(s, (*net.IP)(v), 4)
}

// IPv6 is the "ip6" entry as a net.IP.
type IPv6 net.IP

func (IPv6) ENRKey() string { return "ip6" }

func (v IPv6) EncodeRLP(w io.Writer) error {
	b := net.IP(v).To16()
	if b == nil {
		return fmt.Errorf("not an IPv6 address: %v", net.IP(v))
	}
	return rlp.Encode(w, b)
}

func (v *IPv6) DecodeRLP(s *rlp.Stream) error {
	return decodeIP(s, (*net.IP)(v), 16)
}

// decodeIP reads a byte string into ip and checks its length against sizes.
func decodeIP(s *rlp.Stream, ip *net.IP, sizes ...int) error {
	if err := s.Decode(ip); err != nil {
		return err
	}
	for _, n := range sizes {
		if len(*ip) == n {
			return nil
		}
	}
	return fmt.Errorf("IP has %d bytes, want %v", len(*ip), sizes)
}

// IPv4Addr is the "ip" entry as a netip.Addr.
type IPv4Addr netip.Addr

func (IPv4Addr) ENRKey() string { return "ip" }

func (v IPv4Addr) EncodeRLP(w io.Writer) error {
	a := netip.Addr(v)
	if !a.Is4() {
		return errors.New("not an IPv4 address")
	}
	b := a.As4()
	return writeAddrBytes(w, b[:])
}

func (v *IPv4Addr) DecodeRLP(s *rlp.Stream) error {
	var b [4]byte
	if err := s.ReadBytes(b[:]); err != nil {
		return err
	}
	*v = IPv4Addr(netip.AddrFrom4(b))
	return nil
}

// IPv6Addr is the "ip6" entry as a netip.Addr.
type IPv6Addr netip.Addr

func (IPv6Addr) ENRKey() string { return "ip6" }

func (v IPv6Addr) EncodeRLP(w io.Writer) error {
	a := netip.Addr(v)
	if !a.Is6() {
		return errors.New("not an IPv6 address")
	}
	b := a.As16()
	return writeAddrBytes(w, b[:])
}

func (v *IPv6Addr) DecodeRLP(s *rlp.Stream) error {
	var b [16]byte
	if err := s.ReadBytes(b[:]); err != nil {
		return err
	}
	*v = IPv6Addr(netip.AddrFrom16(b))
	return nil
}

func writeAddrBytes(w io.Writer, b []byte) error {
	buf := rlp.NewEncoderBuffer(w)
	buf.WriteBytes(b)
	return buf.Flush()
}

// KeyError is returned by Load. Err is errNotFound for absent keys and the
// decoding error otherwise.
type KeyError struct {
	Key string
	Err error
}

func (e *KeyError) Error() string {
	if errors.Is(e.Err, errNotFound) {
		return fmt.Sprintf("record has no %q entry", e.Key)
	}
	return fmt.Sprintf("bad %q entry: %v", e.Key, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a Load error for an absent key.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}
