// Copyright 2018 The go-ethereum Authors
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

package enode

import (
	"bytes"
	"crypto/ecdsa"
	crand "crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"net"
	"net/netip"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethp2p/devp2p/p2p/enr"
)

var errMissingPrefix = errors.New("missing 'enr:' prefix for base64-encoded record")

// Node is a verified record together with the endpoint selected from it.
type Node struct {
	r  enr.Record
	id ID

	ip       netip.Addr
	udp, tcp uint16
}

// New verifies r against the given schemes and derives the node ID.
func New(validSchemes enr.IdentityScheme, r *enr.Record) (*Node, error) {
	if err := r.VerifySignature(validSchemes); err != nil {
		return nil, err
	}
	addr := validSchemes.NodeAddr(r)
	var id ID
	if len(addr) != len(id) {
		return nil, fmt.Errorf("invalid node ID length %d, need %d", len(addr), len(id))
	}
	return newNodeWithID(r, ID(addr)), nil
}

func newNodeWithID(r *enr.Record, id ID) *Node {
	n := &Node{r: *r, id: id}
	n.selectEndpoint()
	return n
}

// selectEndpoint picks the address the node is contacted on. IPv4 is
// preferred. An IPv6 entry holding a mapped IPv4 address counts as IPv4.
// IPv6 ports fall back to the plain port entries.
func (n *Node) selectEndpoint() {
	var v4, v6 netip.Addr
	n.Load((*enr.IPv4Addr)(&v4))
	n.Load((*enr.IPv6Addr)(&v6))
	if usableIP(v6) && v6.Is4In6() && !usableIP(v4) {
		v4 = v6.Unmap()
	}
	switch {
	case usableIP(v4):
		n.ip = v4
		n.Load((*enr.UDP)(&n.udp))
		n.Load((*enr.TCP)(&n.tcp))
	case usableIP(v6):
		n.ip = v6
		n.loadPort(&n.udp, (*enr.UDP6)(&n.udp), (*enr.UDP)(&n.udp))
		n.loadPort(&n.tcp, (*enr.TCP6)(&n.tcp), (*enr.TCP)(&n.tcp))
	}
}

func (n *Node) loadPort(port *uint16, entries ...enr.Entry) {
	for _, e := range entries {
		if n.Load(e) == nil {
			return
		}
	}
	*port = 0
}

func usableIP(ip netip.Addr) bool {
	return ip.IsValid() && !ip.IsMulticast()
}

// MustParse is like Parse with ValidSchemes, but panics on error.
func MustParse(rawurl string) *Node {
	n, err := Parse(ValidSchemes, rawurl)
	if err != nil {
		panic("invalid node: " + err.Error())
	}
	return n
}

// Parse accepts an "enr:" record in text form or an enode:// URL.
func Parse(validSchemes enr.IdentityScheme, input string) (*Node, error) {
	if strings.HasPrefix(input, "enode://") {
		return ParseV4(input)
	}
	b64, ok := strings.CutPrefix(input, "enr:")
	if !ok {
		return nil, errMissingPrefix
	}
	raw, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	r := new(enr.Record)
	if err := rlp.DecodeBytes(raw, r); err != nil {
		return nil, err
	}
	return New(validSchemes, r)
}

func (n *Node) ID() ID { return n.id }
func (n *Node) Seq() uint64 { return n.r.Seq() }
func (n *Node) Load(e enr.Entry) error { return n.r.Load(e) }
func (n *Node) IPAddr() netip.Addr { return n.ip }
func (n *Node) UDP() int { return int(n.udp) }
func (n *Node) TCP() int { return int(n.tcp) }

// IP returns the selected address, or nil when the record has none.
func (n *Node) IP() net.IP {
	if n.ip.IsValid() {
		return n.ip.AsSlice()
	}
	return nil
}

// UDPEndpoint returns the discovery endpoint. ok is false unless both a
// usable IP and a UDP port are present.
func (n *Node) UDPEndpoint() (ep netip.AddrPort, ok bool) {
	return n.endpoint(n.udp)
}

// TCPEndpoint returns the RLPx endpoint, like UDPEndpoint.
func (n *Node) TCPEndpoint() (ep netip.AddrPort, ok bool) {
	return n.endpoint(n.tcp)
}

func (n *Node) endpoint(port uint16) (netip.AddrPort, bool) {
	if port == 0 || !n.ip.IsValid() || n.ip.IsUnspecified() {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(n.ip, port), true
}

// Pubkey returns the secp256k1 public key of the node, if present.
func (n *Node) Pubkey() *ecdsa.PublicKey {
	var key ecdsa.PublicKey
	if n.Load((*Secp256k1)(&key)) != nil {
		return nil
	}
	return &key
}

// Record returns the node's record. The return value is a copy and may
// be modified by the caller.
func (n *Node) Record() *enr.Record {
	cpy := n.r
	return &cpy
}

// Signed reports whether the record carries a signature. Nodes built from
// enode URLs or discovery v4 packets don't, and neither do test records.
func (n *Node) Signed() bool {
	return len(n.r.Signature()) > 0
}

// ValidateComplete reports why n can't be contacted over discovery, if it
// can't. It also checks that the record carries a valid secp256k1 key.
func (n *Node) ValidateComplete() error {
	switch {
	case !n.ip.IsValid():
		return errors.New("missing IP address")
	case n.ip.IsMulticast() || n.ip.IsUnspecified():
		return errors.New("invalid IP (multicast/unspecified)")
	case n.udp == 0:
		return errors.New("missing UDP port")
	}
	var key Secp256k1
	return n.Load(&key)
}

// String returns the "enr:" text form. Nodes created by NewV4 have no real
// record and print as enode URLs instead.
func (n *Node) String() string {
	if isNewV4(n) {
		return n.URLv4()
	}
	enc, _ := rlp.EncodeToBytes(&n.r)
	return "enr:" + base64.RawURLEncoding.EncodeToString(enc)
}

// MarshalText implements encoding.TextMarshaler.
func (n *Node) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Node) UnmarshalText(text []byte) error {
	dec, err := Parse(ValidSchemes, string(text))
	if err == nil {
		*n = *dec
	}
	return err
}

// ID is a unique identifier for each node.
type ID [32]byte

func (n ID) Bytes() []byte {
	return n[:]
}

// String returns the full hex form.
func (n ID) String() string {
	return hex.EncodeToString(n[:])
}

func (n ID) GoString() string {
	return fmt.Sprintf("enode.HexID(%q)", n.String())
}

// TerminalString returns the first eight bytes in hex, for log output.
func (n ID) TerminalString() string {
	return hex.EncodeToString(n[:8])
}

func (n ID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *ID) UnmarshalText(text []byte) error {
	id, err := ParseID(string(text))
	if err == nil {
		*n = id
	}
	return err
}

// HexID is like ParseID but panics on invalid input. Use it for constants.
func HexID(in string) ID {
	id, err := ParseID(in)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseID decodes a 64 character hex ID, optionally prefixed by 0x.
func ParseID(in string) (id ID, err error) {
	b, err := hex.DecodeString(strings.TrimPrefix(in, "0x"))
	switch {
	case err != nil:
		return id, err
	case len(b) != len(id):
		return id, fmt.Errorf("wrong length, want %d hex chars", len(id)*2)
	}
	copy(id[:], b)
	return id, nil
}

// DistCmp orders a and b by XOR distance to target: -1 if a is closer, 1 if
// b is closer, 0 if equal.
func DistCmp(target, a, b ID) int {
	var da, db ID
	for i := range target {
		da[i] = a[i] ^ target[i]
		db[i] = b[i] ^ target[i]
	}
	return bytes.Compare(da[:], db[:])
}

// LogDist is the bit length of a XOR b, i.e. 256 minus the length of the
// common prefix.
func LogDist(a, b ID) int {
	for i := range a {
		if x := a[i] ^ b[i]; x != 0 {
			return (len(a)-i)*8 - bits.LeadingZeros8(x)
		}
	}
	return 0
}

// RandomID returns a random ID b such that logdist(a, b) == n.
func RandomID(a ID, n int) (b ID) {
	if n == 0 {
		return a
	}
	// flip bit at position n, fill the rest with random bits
	b = a
	pos := len(a) - n/8 - 1
	bit := byte(0x01) << (byte(n%8) - 1)
	if bit == 0 {
		pos++
		bit = 0x80
	}
	b[pos] = a[pos]&^bit | ^a[pos]&bit
	var tail [32]byte
	crand.Read(tail[:])
	// bits below the flipped one are free
	b[pos] = b[pos]&^(bit-1) | tail[0]&(bit-1)
	copy(b[pos+1:], tail[1:])
	return b
}
