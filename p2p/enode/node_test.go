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
	"encoding/hex"
	"math/big"
	"net/netip"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethp2p/devp2p/p2p/enr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// A record signed by the Python ENR implementation.
var (
	pyRecord, _ = hex.DecodeString("f884b8407098ad865b00a582051940cb9cf36836572411a47278783077011599ed5cd16b76f2635f4e234738f30813a89eb9137e3e3df5266e3a1f11df72ecf1145ccb9c01826964827634826970847f00000189736563703235366b31a103ca634cae0d49acb401d8a4c6b6fe8c55b70d115bf400769cc1400f3258cd31388375647082765f")
	pyRecordText = "enr:-IS4QHCYrYZbAKWCBRlAy5zzaDZXJBGkcnh4MHcBFZntXNFrdvJjX04jRzjzCBOonrkTfj499SZuOh8R33Ls8RRcy5wBgmlkgnY0gmlwhH8AAAGJc2VjcDI1NmsxoQPKY0yuDUmstAHYpMa2_oxVtw0RW_QAdpzBQA8yWM0xOIN1ZHCCdl8"
	pyRecordID   = HexID("a448f24c6d18e575453db13171562b71999873db5b286df957af199ec94617f7")
)

func TestForeignRecord(t *testing.T) {
	var r enr.Record
	require.NoError(t, rlp.DecodeBytes(pyRecord, &r))
	n, err := New(ValidSchemes, &r)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), n.Seq())
	assert.Equal(t, pyRecordID, n.ID())
	var (
		ip  enr.IPv4
		udp enr.UDP
	)
	require.NoError(t, n.Load(&ip))
	require.NoError(t, n.Load(&udp))
	assert.Equal(t, enr.IPv4{127, 0, 0, 1}, ip)
	assert.Equal(t, enr.UDP(30303), udp)
}

func TestParseRecordString(t *testing.T) {
	n, err := Parse(ValidSchemes, pyRecordText)
	require.NoError(t, err)
	assert.Equal(t, pyRecordID, n.ID())
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), n.IPAddr())
	assert.Equal(t, 30303, n.UDP())
	assert.Equal(t, pyRecordText, n.String())

	var decoded Node
	require.NoError(t, decoded.UnmarshalText([]byte(pyRecordText)))
	assert.Equal(t, n.ID(), decoded.ID())

	_, err = Parse(ValidSchemes, pyRecordText[len("enr:"):])
	assert.Equal(t, errMissingPrefix, err)
}

func TestTamperedRecord(t *testing.T) {
	var orig, r enr.Record
	require.NoError(t, rlp.DecodeBytes(pyRecord, &orig))
	require.NoError(t, rlp.DecodeBytes(pyRecord, &r))

	// Set drops the signature and bumps seq. Put both back.
	r.Set(enr.UDP(30304))
	r.SetSeq(orig.Seq())
	assert.ErrorIs(t, r.SetSig(V4ID{}, orig.Signature()), enr.ErrInvalidSig)
}

// nullNode builds an unsigned node holding the given entries.
func nullNode(entries ...enr.Entry) *Node {
	var r enr.Record
	for _, e := range entries {
		r.Set(e)
	}
	return SignNull(&r, HexID("00000000000000806ad9b61fa5ae014307ebdc964253adcd9f2c0a392aa11abc"))
}

func TestNodeEndpoints(t *testing.T) {
	var (
		v4      = netip.MustParseAddr("99.22.33.1")
		v6      = netip.MustParseAddr("2001::ff00:0042:8329")
		mapped  = netip.MustParseAddr("::ffff:10.0.0.9")
		loop    = netip.MustParseAddr("127.0.0.1")
		mcast   = netip.MustParseAddr("224.0.0.1")
		v4Entry = enr.IPv4Addr(v4)
		v6Entry = enr.IPv6Addr(v6)
	)
	tests := []struct {
		name     string
		node     *Node
		ip       netip.Addr
		udp, tcp int
		hasUDP   bool
	}{
		{name: "empty", node: nullNode()},
		{name: "port without address", node: nullNode(enr.UDP(9000))},
		{name: "loopback without ports", node: nullNode(enr.IPv4Addr(loop)), ip: loop},
		{
			name: "ipv4",
			node: nullNode(v4Entry, enr.UDP(9000), enr.TCP(30303)),
			ip:   v4, udp: 9000, tcp: 30303, hasUDP: true,
		},
		{
			name: "ipv6 prefers udp6",
			node: nullNode(v6Entry, enr.UDP6(9001), enr.UDP(9000)),
			ip:   v6, udp: 9001, hasUDP: true,
		},
		{
			name: "ipv6 falls back to udp",
			node: nullNode(v6Entry, enr.UDP(9000), enr.TCP(30303)),
			ip:   v6, udp: 9000, tcp: 30303, hasUDP: true,
		},
		{
			name: "ipv4 wins over ipv6",
			node: nullNode(v4Entry, v6Entry, enr.UDP(30304), enr.UDP6(30306)),
			ip:   v4, udp: 30304, hasUDP: true,
		},
		{
			name: "multicast ipv4 skipped",
			node: nullNode(enr.IPv4Addr(mcast), v6Entry, enr.UDP(30304)),
			ip:   v6, udp: 30304, hasUDP: true,
		},
		{
			name: "mapped ipv6 counts as ipv4",
			node: nullNode(enr.IPv6Addr(mapped), enr.UDP(30304), enr.UDP6(30306)),
			ip:   mapped.Unmap(), udp: 30304, hasUDP: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.ip, test.node.IPAddr(), "ip")
			assert.Equal(t, test.udp, test.node.UDP(), "udp")
			assert.Equal(t, test.tcp, test.node.TCP(), "tcp")
			_, ok := test.node.UDPEndpoint()
			assert.Equal(t, test.hasUDP, ok, "UDPEndpoint")
		})
	}
}

func TestParseID(t *testing.T) {
	want := ID{0, 0, 0, 0, 0, 0, 0, 128, 106, 217, 182, 31, 165, 174, 1, 67, 7, 235, 220, 150, 66, 83, 173, 205, 159, 44, 10, 57, 42, 161, 26, 188}
	for _, in := range []string{
		"0x00000000000000806ad9b61fa5ae014307ebdc964253adcd9f2c0a392aa11abc",
		"00000000000000806ad9b61fa5ae014307ebdc964253adcd9f2c0a392aa11abc",
	} {
		id, err := ParseID(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, id, in)
	}
	_, err := ParseID("0x1234")
	assert.Error(t, err)
	assert.Panics(t, func() { HexID("zz") })
}

func TestIDText(t *testing.T) {
	var id ID
	for i := range id {
		id[i] = byte(i + 1)
	}
	text, err := id.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(id[:]), string(text))
	assert.Equal(t, "0102030405060708", id.TerminalString())

	var decoded ID
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, id, decoded)
}

func drawID(t *rapid.T, label string) ID {
	return ID(rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, label))
}

func xorBig(a, b ID) *big.Int {
	return new(big.Int).Xor(new(big.Int).SetBytes(a[:]), new(big.Int).SetBytes(b[:]))
}

func TestDistanceMatchesBigInt(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		target, a, b := drawID(t, "target"), drawID(t, "a"), drawID(t, "b")
		if got, want := DistCmp(target, a, b), xorBig(target, a).Cmp(xorBig(target, b)); got != want {
			t.Fatalf("DistCmp = %d, want %d", got, want)
		}
		if got, want := LogDist(a, b), xorBig(a, b).BitLen(); got != want {
			t.Fatalf("LogDist = %d, want %d", got, want)
		}
		// Random draws rarely produce equal IDs.
		if DistCmp(target, a, a) != 0 || LogDist(a, a) != 0 {
			t.Fatal("nonzero distance between equal IDs")
		}
	})
}

func TestRandomID(t *testing.T) {
	base := ID(crypto.Keccak256([]byte("base")))
	for n := 1; n <= 256; n++ {
		if d := LogDist(base, RandomID(base, n)); d != n {
			t.Fatalf("RandomID(base, %d) has distance %d", n, d)
		}
	}
	assert.Equal(t, base, RandomID(base, 0))
}
