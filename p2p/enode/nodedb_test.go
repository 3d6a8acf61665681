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
	"errors"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethp2p/devp2p/p2p/enr"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var keytestID = HexID("51232b8d7821617d2b29b54b81cdefb9b3e9c37d7fd5f63270bcc9e1a6f6a439")

func TestDBNodeKey(t *testing.T) {
	enc := nodeKey(keytestID)
	want := []byte{
		'n', ':',
		0x51, 0x23, 0x2b, 0x8d, 0x78, 0x21, 0x61, 0x7d, // node id
		0x2b, 0x29, 0xb5, 0x4b, 0x81, 0xcd, 0xef, 0xb9, //
		0xb3, 0xe9, 0xc3, 0x7d, 0x7f, 0xd5, 0xf6, 0x32, //
		0x70, 0xbc, 0xc9, 0xe1, 0xa6, 0xf6, 0xa4, 0x39, //
		':', 'v', '4',
	}
	if !bytes.Equal(enc, want) {
		t.Errorf("wrong encoded key:\ngot  %q\nwant %q", enc, want)
	}
	id, _ := splitNodeKey(enc)
	if id != keytestID {
		t.Errorf("wrong ID from splitNodeKey")
	}
}

func TestDBNodeItemKey(t *testing.T) {
	wantIP := netip.MustParseAddr("127.0.0.3")
	wantIP4in6 := netip.AddrFrom16(wantIP.As16())
	wantField := "foobar"
	enc := nodeItemKey(keytestID, wantIP, wantField)
	want := []byte{
		'n', ':',
		0x51, 0x23, 0x2b, 0x8d, 0x78, 0x21, 0x61, 0x7d, // node id
		0x2b, 0x29, 0xb5, 0x4b, 0x81, 0xcd, 0xef, 0xb9, //
		0xb3, 0xe9, 0xc3, 0x7d, 0x7f, 0xd5, 0xf6, 0x32, //
		0x70, 0xbc, 0xc9, 0xe1, 0xa6, 0xf6, 0xa4, 0x39, //
		':', 'v', '4', ':',
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, // IP
		127, 0, 0, 3, //
		':', 'f', 'o', 'o', 'b', 'a', 'r',
	}
	if !bytes.Equal(enc, want) {
		t.Errorf("wrong encoded key:\ngot  %q\nwant %q", enc, want)
	}
	id, ip, field := splitNodeItemKey(enc)
	if id != keytestID {
		t.Errorf("splitNodeItemKey returned wrong ID: %v", id)
	}
	if ip != wantIP4in6 {
		t.Errorf("splitNodeItemKey returned wrong IP: %v", ip)
	}
	if field != wantField {
		t.Errorf("splitNodeItemKey returned wrong field: %q", field)
	}
}

// newSignedNode creates a v4-signed node with the given sequence number.
func newSignedNode(t require.TestingT, key *ecdsa.PrivateKey, seq uint64, ip string, udp int) *Node {
	var r enr.Record
	r.SetSeq(seq)
	r.Set(enr.IPv4Addr(netip.MustParseAddr(ip)))
	r.Set(enr.UDP(udp))
	r.Set(enr.TCP(udp))
	require.NoError(t, SignV4(&r, key))
	n, err := New(ValidSchemes, &r)
	require.NoError(t, err)
	return n
}

func TestDBFetchStore(t *testing.T) {
	key, _ := crypto.GenerateKey()
	node := newSignedNode(t, key, 1, "192.168.0.1", 30303)
	ip := node.IPAddr()
	inst := time.Now()
	num := 314

	db, _ := OpenDB("")
	defer db.Close()

	// Check fetch/store operations on a node ping object
	if stored := db.LastPingReceived(node.ID(), ip); stored.Unix() != 0 {
		t.Errorf("ping: non-existing object: %v", stored)
	}
	if err := db.UpdateLastPingReceived(node.ID(), ip, inst); err != nil {
		t.Errorf("ping: failed to update: %v", err)
	}
	if stored := db.LastPingReceived(node.ID(), ip); stored.Unix() != inst.Unix() {
		t.Errorf("ping: value mismatch: have %v, want %v", stored, inst)
	}
	// Check fetch/store operations on a node pong object
	if stored := db.LastPongReceived(node.ID(), ip); stored.Unix() != 0 {
		t.Errorf("pong: non-existing object: %v", stored)
	}
	if err := db.UpdateLastPongReceived(node.ID(), ip, inst); err != nil {
		t.Errorf("pong: failed to update: %v", err)
	}
	if stored := db.LastPongReceived(node.ID(), ip); stored.Unix() != inst.Unix() {
		t.Errorf("pong: value mismatch: have %v, want %v", stored, inst)
	}
	// Check fetch/store operations on a node findnode-failure object
	if stored := db.FindFails(node.ID(), ip); stored != 0 {
		t.Errorf("find-node fails: non-existing object: %v", stored)
	}
	if err := db.UpdateFindFails(node.ID(), ip, num); err != nil {
		t.Errorf("find-node fails: failed to update: %v", err)
	}
	if stored := db.FindFails(node.ID(), ip); stored != num {
		t.Errorf("find-node fails: value mismatch: have %v, want %v", stored, num)
	}
	// Check fetch/store operations on an actual node object
	if stored := db.Node(node.ID()); stored != nil {
		t.Errorf("node: non-existing object: %v", stored)
	}
	if err := db.UpdateNode(node); err != nil {
		t.Errorf("node: failed to update: %v", err)
	}
	if stored := db.Node(node.ID()); stored == nil {
		t.Errorf("node: not found")
	} else if stored.ID() != node.ID() || stored.Seq() != node.Seq() || stored.IPAddr() != node.IPAddr() {
		t.Errorf("node: data mismatch: have %v, want %v", stored, node)
	}
	if err := db.UpdateLastPingReceived(node.ID(), netip.Addr{}, inst); err != errInvalidIP {
		t.Errorf("invalid IP accepted: %v", err)
	}
}

func TestDBEndpointProof(t *testing.T) {
	db, _ := OpenDB("")
	defer db.Close()

	var (
		id     = keytestID
		ip     = netip.MustParseAddr("10.1.2.3")
		other  = netip.MustParseAddr("10.1.2.4")
		now    = time.Now()
		window = 24 * time.Hour
	)
	require.False(t, db.HasEndpointProof(id, ip, window, now))

	db.UpdateLastPongReceived(id, ip, now.Add(-time.Hour))
	require.True(t, db.HasEndpointProof(id, ip, window, now))
	// Proofs are per IP.
	require.False(t, db.HasEndpointProof(id, other, window, now))
	// Proofs expire.
	require.False(t, db.HasEndpointProof(id, ip, window, now.Add(window)))
}

func TestDBUpdateNodeStale(t *testing.T) {
	db, _ := OpenDB("")
	defer db.Close()

	key, _ := crypto.GenerateKey()
	n5 := newSignedNode(t, key, 5, "10.0.0.1", 30303)
	require.NoError(t, db.UpdateNode(n5))

	n4 := newSignedNode(t, key, 4, "10.0.0.2", 30303)
	require.ErrorIs(t, db.UpdateNode(n4), ErrStaleRecord)
	require.ErrorIs(t, db.UpdateNode(n5), ErrStaleRecord)
	require.Equal(t, uint64(5), db.NodeSeq(n5.ID()))
	require.Equal(t, n5.IPAddr(), db.Node(n5.ID()).IPAddr())

	n6 := newSignedNode(t, key, 6, "10.0.0.3", 30303)
	require.NoError(t, db.UpdateNode(n6))
	require.Equal(t, uint64(6), db.NodeSeq(n6.ID()))
	require.Equal(t, n6.IPAddr(), db.Resolve(n4).IPAddr())
}

// This property checks that the stored sequence number never decreases, whatever
// order records arrive in.
func TestDBUpdateNodeSeqMonotonic(t *testing.T) {
	key, _ := crypto.GenerateKey()
	rapid.Check(t, func(t *rapid.T) {
		db, _ := OpenDB("")
		defer db.Close()

		seqs := rapid.SliceOfN(rapid.Uint64Range(0, 20), 1, 30).Draw(t, "seqs")
		var (
			highest uint64
			stored  bool
		)
		for _, seq := range seqs {
			n := newSignedNode(t, key, seq, "10.0.0.1", 30303)
			err := db.UpdateNode(n)
			switch {
			case stored && seq <= highest:
				if !errors.Is(err, ErrStaleRecord) {
					t.Fatalf("seq %d accepted after %d: %v", seq, highest, err)
				}
			case err != nil:
				t.Fatalf("seq %d rejected (highest %d, stored %t): %v", seq, highest, stored, err)
			default:
				highest, stored = seq, true
			}
			if got := db.NodeSeq(n.ID()); got != highest {
				t.Fatalf("stored seq %d, want %d", got, highest)
			}
		}
	})
}

func TestDBSeedQuery(t *testing.T) {
	db, _ := OpenDB("")
	defer db.Close()

	var (
		now   = time.Now()
		fresh []*Node
	)
	for i := 0; i < 10; i++ {
		key, _ := crypto.GenerateKey()
		n := newSignedNode(t, key, 1, "10.0.1.1", 30303+i)
		require.NoError(t, db.UpdateNode(n))
		if i < 6 {
			db.UpdateLastPongReceived(n.ID(), n.IPAddr(), now.Add(-time.Hour))
			fresh = append(fresh, n)
		} else {
			db.UpdateLastPongReceived(n.ID(), n.IPAddr(), now.Add(-10*24*time.Hour))
		}
	}

	// Querying many times should eventually find all fresh nodes
	// and never return a stale one.
	found := make(map[ID]bool)
	for i := 0; i < 50 && len(found) < len(fresh); i++ {
		for _, n := range db.QuerySeeds(len(fresh), 5*24*time.Hour) {
			found[n.ID()] = true
		}
	}
	for _, n := range fresh {
		if !found[n.ID()] {
			t.Errorf("fresh node %v not returned", n.ID())
		}
	}
	require.Len(t, found, len(fresh))
}

func TestDBExpiration(t *testing.T) {
	db, _ := OpenDB("")
	defer db.Close()

	var (
		now     = time.Now()
		keyOld  = newKey(t)
		keyNew  = newKey(t)
		nodeOld = newSignedNode(t, keyOld, 1, "10.0.0.1", 30303)
		nodeNew = newSignedNode(t, keyNew, 1, "10.0.0.2", 30303)
	)
	for _, n := range []*Node{nodeOld, nodeNew} {
		require.NoError(t, db.UpdateNode(n))
	}
	db.UpdateLastPongReceived(nodeOld.ID(), nodeOld.IPAddr(), now.Add(-dbNodeExpiration-time.Minute))
	db.UpdateLastPongReceived(nodeNew.ID(), nodeNew.IPAddr(), now.Add(-time.Minute))

	db.expireNodes(now)
	if db.Node(nodeOld.ID()) != nil {
		t.Error("expired node not removed")
	}
	if db.Node(nodeNew.ID()) == nil {
		t.Error("fresh node removed")
	}
}

// This test checks that expiration works when a node has multiple IPs.
func TestDBExpireV6(t *testing.T) {
	db, _ := OpenDB("")
	defer db.Close()

	now := time.Now()
	n := newSignedNode(t, newKey(t), 1, "10.0.0.1", 30303)
	require.NoError(t, db.UpdateNode(n))
	ip6 := netip.MustParseAddr("2001::1")
	db.UpdateLastPongReceived(n.ID(), n.IPAddr(), now)
	db.UpdateLastPongReceived(n.ID(), ip6, now.Add(-dbNodeExpiration-time.Minute))

	db.expireNodes(now)
	if v := db.LastPongReceived(n.ID(), ip6); v.Unix() != 0 {
		t.Error("old IPv6 pong not removed")
	}
	if v := db.LastPongReceived(n.ID(), n.IPAddr()); v.Unix() != now.Unix() {
		t.Error("fresh pong removed")
	}
	if db.Node(n.ID()) == nil {
		t.Error("node removed")
	}
}

func TestDBPersistentVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes")
	db, err := OpenDB(path)
	require.NoError(t, err)
	n := newSignedNode(t, newKey(t), 1, "10.0.0.1", 30303)
	require.NoError(t, db.UpdateNode(n))
	db.Close()

	// Reopening keeps the data.
	db, err = OpenDB(path)
	require.NoError(t, err)
	require.NotNil(t, db.Node(n.ID()))

	// A version change flushes the database.
	require.NoError(t, db.lvl.Put([]byte(dbVersionKey), []byte{0x01}, nil))
	db.Close()
	db, err = OpenDB(path)
	require.NoError(t, err)
	defer db.Close()
	require.Nil(t, db.Node(n.ID()))
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key
}
