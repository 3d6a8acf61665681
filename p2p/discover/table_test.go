// Copyright 2015 The go-ethereum Authors
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

package discover

import (
	"context"
	"math/rand"
	"net"
	"net/netip"
	"reflect"
	"testing"
	"testing/quick"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethp2p/devp2p/internal/testlog"
	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/ethp2p/devp2p/p2p/enr"
	"github.com/ethp2p/devp2p/p2p/netutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func quickcfg() *quick.Config {
	return &quick.Config{
		MaxCount: 200,
		Rand:     rand.New(rand.NewSource(time.Now().Unix())),
	}
}

// This test checks that a full bucket is never modified to admit an unverified node.
// The newcomer lands in the replacement list instead.
func TestTable_fullBucketKeepsEntries(t *testing.T) {
	tab, db := newTestTable(t, newPingRecorder(), Config{})
	defer db.Close()

	self := tab.self().ID()
	last := fillBucket(tab, idAtDistance(self, 256))
	b := tab.bucket(last.ID())
	before := unwrapNodes(b.entries)

	n := nodeAtDistance(self, 256, intIP(9999))
	require.False(t, tab.insert(insertReq{node: n}), "node added to full bucket")
	assert.Equal(t, before, unwrapNodes(b.entries), "bucket entries changed")
	assert.True(t, containsID(b.replacements, n.ID()), "node not in replacement list")
}

// This test checks that a failed revalidation evicts the node and promotes a
// replacement in its place.
func TestTable_revalidationFailureReplaces(t *testing.T) {
	tab, db := newTestTable(t, newPingRecorder(), Config{})
	defer db.Close()

	self := tab.self().ID()
	last := fillBucket(tab, idAtDistance(self, 256))
	b := tab.bucket(last.ID())
	repl := nodeAtDistance(self, 256, intIP(5000))
	tab.insert(insertReq{node: repl})
	require.True(t, containsID(b.replacements, repl.ID()))

	dead := b.entries[0]
	dead.livenessChecks = 1
	tab.reval.inflight[dead.ID()] = struct{}{}
	tab.reval.handleResponse(tab, revalidationResponse{n: dead, answered: false})

	assert.False(t, containsID(b.entries, dead.ID()), "dead node still in bucket")
	assert.True(t, containsID(b.entries, repl.ID()), "replacement not promoted")
	assert.Empty(t, b.replacements)
	assert.Len(t, b.entries, bucketSize)
	assert.True(t, tab.reval.fast.contains(repl.ID()), "promoted node not scheduled for revalidation")
}

// A node with a history of successful checks survives a single failure.
func TestTable_revalidationFailureTolerated(t *testing.T) {
	tab, db := newTestTable(t, newPingRecorder(), Config{})
	defer db.Close()

	n := nodeAtDistance(tab.self().ID(), 255, intIP(1))
	fillTable(tab, []*enode.Node{n}, true)
	b := tab.bucket(n.ID())
	entry := b.entries[0]
	entry.livenessChecks = 9
	tab.reval.moveTo(&tab.reval.slow, entry, tab.cfg.Clock.Now(), &tab.rand)

	tab.reval.handleResponse(tab, revalidationResponse{n: entry, answered: false})
	assert.True(t, containsID(b.entries, n.ID()))
	assert.Equal(t, uint(3), entry.livenessChecks)
	assert.True(t, tab.reval.fast.contains(n.ID()), "node should be checked again soon")
}

// This test checks that a revalidation response with a newer signed record
// updates the table entry.
func TestTable_revalidateSyncRecord(t *testing.T) {
	tab, db := newTestTable(t, newPingRecorder(), Config{})
	defer db.Close()

	key := newkey()
	n1 := signedNode(t, key, 1, intIP(1), enr.WithEntry("foo", "a"))
	fillTable(tab, []*enode.Node{n1}, false)
	n2 := signedNode(t, key, 2, intIP(1), enr.WithEntry("foo", "b"))

	entry := tab.bucket(n1.ID()).entries[0]
	tab.reval.handleResponse(tab, revalidationResponse{n: entry, answered: true, newRecord: n2})

	intable := tab.getNode(n1.ID())
	require.NotNil(t, intable)
	assert.Equal(t, n2.Seq(), intable.Seq(), "table contains old record")
	assert.True(t, entry.isValidatedLive)
	assert.True(t, tab.reval.slow.contains(n1.ID()), "node should move to the slow list")
}

// Unsigned records never replace a stored record, whatever their seq.
func TestTable_revalidateIgnoresUnsigned(t *testing.T) {
	tab, db := newTestTable(t, newPingRecorder(), Config{})
	defer db.Close()

	var r enr.Record
	r.Set(enr.IP(intIP(1)))
	id := enode.ID{1}
	n1 := enode.SignNull(&r, id)
	fillTable(tab, []*enode.Node{n1}, false)
	r.SetSeq(n1.Seq() + 1)
	n2 := enode.SignNull(&r, id)

	entry := tab.bucket(id).entries[0]
	tab.reval.handleResponse(tab, revalidationResponse{n: entry, answered: true, newRecord: n2})
	assert.Equal(t, n1.Seq(), tab.getNode(id).Seq())
}

// An endpoint change found by revalidation clears the live flag until the new
// endpoint has answered.
func TestTable_revalidateEndpointChange(t *testing.T) {
	tab, db := newTestTable(t, newPingRecorder(), Config{})
	defer db.Close()

	key := newkey()
	n1 := signedNode(t, key, 1, intIP(1))
	fillTable(tab, []*enode.Node{n1}, true)
	n2 := signedNode(t, key, 2, intIP(2))

	entry := tab.bucket(n1.ID()).entries[0]
	tab.reval.handleResponse(tab, revalidationResponse{n: entry, answered: true, newRecord: n2})

	assert.Equal(t, n2.IPAddr(), tab.getNode(n1.ID()).IPAddr())
	assert.False(t, entry.isValidatedLive, "node with new endpoint still marked live")
	assert.True(t, tab.reval.fast.contains(n1.ID()))
}

// This test checks that nodes whose endpoint proof expires are marked stale
// and stay in the table.
func TestTable_markStale(t *testing.T) {
	clock := new(mclock.Simulated)
	tab, db := newTestTable(t, newPingRecorder(), Config{Clock: clock, LivenessWindow: time.Hour})
	defer db.Close()

	nodes := nodesAtDistance(tab.self().ID(), 256, 5)
	fillTable(tab, nodes, true)
	buf := make([]*enode.Node, 10)
	require.Equal(t, 5, tab.ReadRandomNodes(buf))

	clock.Run(2 * time.Hour)
	tab.mu.Lock()
	stale := tab.markStale(clock.Now())
	tab.mu.Unlock()

	assert.Equal(t, 5, stale)
	assert.Len(t, tab.Nodes(), 5, "stale nodes must not be deleted")
	assert.Zero(t, tab.ReadRandomNodes(buf))
	assert.Empty(t, tab.closest(enode.ID{}, bucketSize, true).entries)
	assert.Len(t, tab.closest(enode.ID{}, bucketSize, false).entries, 5)
}

func TestTable_inboundBeforeInit(t *testing.T) {
	tab, db := newTestTable(t, newPingRecorder(), Config{})
	defer db.Close()

	n := nodeAtDistance(tab.self().ID(), 256, intIP(1))
	assert.False(t, tab.insert(insertReq{node: n, inbound: true}), "inbound node added before init")

	markInitDone(tab)
	assert.True(t, tab.insert(insertReq{node: n, inbound: true}))
	entry := tab.bucket(n.ID()).entries[0]
	assert.True(t, entry.isValidatedLive, "inbound node should be live")
}

func TestTable_IPLimit(t *testing.T) {
	tab, db := newTestTable(t, newPingRecorder(), Config{})
	defer db.Close()
	self := tab.self().ID()

	// Per bucket.
	for i := 0; i < bucketIPLimit+1; i++ {
		n := nodeAtDistance(self, 256, net.IP{172, 0, 1, byte(i)})
		tab.insert(insertReq{node: n})
	}
	assert.Equal(t, bucketIPLimit, tab.len(), "too many nodes from one /24 in bucket")

	// Per table.
	tab, db = newTestTable(t, newPingRecorder(), Config{})
	defer db.Close()
	self = tab.self().ID()
	for i := 0; i < tableIPLimit+1; i++ {
		n := nodeAtDistance(self, 256-i, net.IP{172, 0, 1, byte(i)})
		tab.insert(insertReq{node: n})
	}
	assert.Equal(t, tableIPLimit, tab.len(), "too many nodes from one /24 in table")

	// LAN addresses are exempt.
	tab, db = newTestTable(t, newPingRecorder(), Config{})
	defer db.Close()
	fillTable(tab, nodesAtDistance(tab.self().ID(), 256, bucketSize), false)
	assert.Equal(t, bucketSize, tab.len())
}

// This test checks that a node failing FINDNODE too often is removed, and that
// nodes found by a successful request are added.
func TestTable_applyFindnode(t *testing.T) {
	tab, db := newTestTable(t, newPingRecorder(), Config{})
	defer db.Close()

	self := tab.self().ID()
	last := fillBucket(tab, idAtDistance(self, 256))
	b := tab.bucket(last.ID())
	failing := b.entries[0].Node

	for i := 0; i < maxFindnodeFailures-1; i++ {
		tab.applyFindnode(findnodeOutcome{node: failing})
	}
	require.True(t, containsID(b.entries, failing.ID()), "node removed too early")
	tab.applyFindnode(findnodeOutcome{node: failing})
	assert.False(t, containsID(b.entries, failing.ID()), "failing node not removed")

	found := nodeAtDistance(self, 250, intIP(7000))
	tab.applyFindnode(findnodeOutcome{node: last.Node, ok: true, found: []*enode.Node{found}})
	assert.NotNil(t, tab.getNode(found.ID()))
	assert.Zero(t, db.FindFails(last.ID(), last.IPAddr()))
}

// This test checks the sequence number rule when a known node shows up again.
// Only a newer signed record replaces the stored one. An inbound ping carries
// no record and must not roll back the seq, but it does renew the proof.
func TestTable_seqRule(t *testing.T) {
	tab, db := newTestTable(t, newPingRecorder(), Config{})
	defer db.Close()
	markInitDone(tab)

	key := newkey()
	n7 := signedNode(t, key, 7, intIP(1))
	fillTable(tab, []*enode.Node{n7}, false)
	entry := tab.bucket(n7.ID()).entries[0]
	require.False(t, entry.isValidatedLive)

	// Older signed record, found through a lookup.
	tab.insert(insertReq{node: signedNode(t, key, 4, intIP(1))})
	assert.Equal(t, uint64(7), tab.getNode(n7.ID()).Seq(), "found node set back seq")

	// Inbound ping from the stored endpoint.
	ping := enode.NewV4(&key.PublicKey, intIP(1), 30303, 30303)
	tab.insert(insertReq{node: ping, inbound: true})
	assert.Equal(t, uint64(7), tab.getNode(n7.ID()).Seq(), "inbound contact replaced record")
	assert.True(t, tab.getNode(n7.ID()).Signed(), "signed record lost")
	assert.True(t, entry.isValidatedLive, "inbound contact didn't renew liveness")

	// Inbound ping from elsewhere proves nothing about the stored endpoint.
	entry.isValidatedLive = false
	moved := enode.NewV4(&key.PublicKey, intIP(9), 30303, 30303)
	tab.insert(insertReq{node: moved, inbound: true})
	assert.Equal(t, intIP(1).String(), tab.getNode(n7.ID()).IP().String())
	assert.False(t, entry.isValidatedLive)
	assert.True(t, tab.reval.fast.contains(n7.ID()), "entry not queued for revalidation")

	// Newer signed record.
	tab.insert(insertReq{node: signedNode(t, key, 8, intIP(1))})
	assert.Equal(t, uint64(8), tab.getNode(n7.ID()).Seq())
}

func TestTable_ReadRandomNodes(t *testing.T) {
	tab, db := newTestTable(t, newPingRecorder(), Config{})
	defer db.Close()

	self := tab.self().ID()
	live := nodesAtDistance(self, 256, 10)
	fillTable(tab, live, true)
	fillTable(tab, nodesAtDistance(self, 255, 10), false)

	buf := make([]*enode.Node, 50)
	n := tab.ReadRandomNodes(buf)
	assert.Equal(t, len(live), n)
	assert.False(t, hasDuplicates(buf[:n]))
	for _, rn := range buf[:n] {
		assert.True(t, containsID(live, rn.ID()), "non-live node returned")
	}

	small := make([]*enode.Node, 3)
	assert.Equal(t, 3, tab.ReadRandomNodes(small))
}

func TestTable_closest(t *testing.T) {
	t.Parallel()

	test := func(test *closeTest) bool {
		// for any node table, Target and N
		transport := newPingRecorder()
		transport.self = enode.SignNull(new(enr.Record), test.Self)
		tab, db := newTestTable(t, transport, Config{Log: testlog.Logger(t, log.LevelError)})
		defer db.Close()
		fillTable(tab, test.All, true)

		// check that closest(Target, N) returns nodes
		result := tab.closest(test.Target, test.N, false).entries
		if hasDuplicates(result) {
			t.Errorf("result contains duplicates")
			return false
		}
		if !sortedByDistanceTo(test.Target, result) {
			t.Errorf("result is not sorted by distance to target")
			return false
		}

		// check that the number of results is min(N, tablen)
		wantN := test.N
		if tlen := tab.len(); tlen < test.N {
			wantN = tlen
		}
		if len(result) != wantN {
			t.Errorf("wrong number of nodes: got %d, want %d", len(result), wantN)
			return false
		} else if len(result) == 0 {
			return true // no need to check distance
		}

		// check that the result nodes have minimum distance to target.
		for _, b := range tab.buckets {
			for _, n := range b.entries {
				if containsID(result, n.ID()) {
					continue // don't run the check below for nodes in result
				}
				farthestResult := result[len(result)-1].ID()
				if enode.DistCmp(test.Target, n.ID(), farthestResult) < 0 {
					t.Errorf("table contains node that is closer to target but it's not in result")
					t.Logf("  Target:          %v", test.Target)
					t.Logf("  Farthest Result: %v", farthestResult)
					t.Logf("  ID:              %v", n.ID())
					return false
				}
			}
		}
		return true
	}
	if err := quick.Check(test, quickcfg()); err != nil {
		t.Error(err)
	}
}

type closeTest struct {
	Self   enode.ID
	Target enode.ID
	All    []*enode.Node
	N      int
}

func (*closeTest) Generate(rand *rand.Rand, size int) reflect.Value {
	t := &closeTest{
		Self:   genID(rand),
		Target: genID(rand),
		N:      rand.Intn(bucketSize),
	}
	count := rand.Intn(size * 4)
	for i := 0; i < count; i++ {
		var r enr.Record
		r.Set(enr.IP(intIP(i)))
		r.Set(enr.UDP(30303))
		t.All = append(t.All, enode.SignNull(&r, genID(rand)))
	}
	return reflect.ValueOf(t)
}

// This test runs random sequences of table insertions and checks the bucket
// invariants after every step.
func TestTable_bucketInvariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tab, db := newTestTable(t, newPingRecorder(), Config{Log: testlog.Logger(t, log.LevelError)})
		defer db.Close()
		markInitDone(tab)
		self := tab.self().ID()

		ops := rapid.IntRange(1, 150).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			ld := rapid.IntRange(bucketMinDistance-4, hashBits).Draw(rt, "ld")
			var ip net.IP
			if rapid.Bool().Draw(rt, "lan") {
				ip = intIP(i)
			} else {
				ip = net.IP{byte(rapid.IntRange(1, 3).Draw(rt, "net")), 1, 1, byte(i)}
			}
			n := nodeAtDistance(self, ld, ip)
			b := tab.bucket(n.ID())
			wasFull := len(b.entries) == bucketSize
			before := unwrapNodes(b.entries)

			tab.insert(insertReq{node: n, inbound: rapid.Bool().Draw(rt, "inbound")})

			if wasFull && !reflect.DeepEqual(before, unwrapNodes(b.entries)) {
				rt.Fatalf("full bucket %d modified by insertion", b.index)
			}
			checkTableInvariants(rt, tab)
		}
	})
}

func checkTableInvariants(t *rapid.T, tab *Table) {
	seen := make(map[enode.ID]bool)
	tableIPs := make(map[netip.Prefix]int)
	for _, b := range &tab.buckets {
		if len(b.entries) > bucketSize {
			t.Fatalf("bucket %d has %d entries", b.index, len(b.entries))
		}
		if len(b.replacements) > maxReplacements {
			t.Fatalf("bucket %d has %d replacements", b.index, len(b.replacements))
		}
		bucketIPs := make(map[netip.Prefix]int)
		for _, n := range append(append([]*tableNode{}, b.entries...), b.replacements...) {
			if seen[n.ID()] {
				t.Fatalf("node %v appears twice", n.ID())
			}
			seen[n.ID()] = true
			if tab.bucket(n.ID()) != b {
				t.Fatalf("node %v in wrong bucket %d", n.ID(), b.index)
			}
			if ip := n.IPAddr(); !netutil.AddrIsLAN(ip) {
				key, _ := ip.Prefix(bucketSubnet)
				bucketIPs[key]++
				tableIPs[key]++
				if bucketIPs[key] > bucketIPLimit {
					t.Fatalf("bucket %d exceeds IP limit for %v", b.index, key)
				}
			}
		}
	}
	for key, count := range tableIPs {
		if count > tableIPLimit {
			t.Fatalf("table exceeds IP limit for %v: %d", key, count)
		}
	}
}

func TestTable_Bootstrap(t *testing.T) {
	clock := new(mclock.Simulated)
	tr := newPingRecorder()
	tab, _ := newRunningTestTable(t, tr, Config{Clock: clock})

	nodes := []*enode.Node{
		v4Node(newkey(), intIP(1), 30303),
		v4Node(newkey(), intIP(2), 30303),
		v4Node(newkey(), intIP(3), 30303),
	}
	require.NoError(t, tab.Bootstrap(nodes))
	assert.Len(t, tab.Nodes(), len(nodes))

	buf := make([]*enode.Node, 10)
	assert.Zero(t, tab.ReadRandomNodes(buf), "bootstrap nodes live before any ping")

	// Revalidation pings the nodes and marks them live.
	require.Eventually(t, func() bool {
		clock.Run(time.Second)
		return tab.ReadRandomNodes(buf) == len(nodes)
	}, 5*time.Second, 10*time.Millisecond)

	bad := enode.SignNull(new(enr.Record), enode.ID{9})
	assert.Error(t, tab.Bootstrap([]*enode.Node{bad}), "incomplete node accepted")
}

// This test checks that the initial refresh runs a self lookup and three random lookups.
func TestTable_initialRefresh(t *testing.T) {
	tr := newPingRecorder()
	tab, _ := newRunningTestTable(t, tr, Config{Clock: new(mclock.Simulated)})

	select {
	case <-tab.initDone:
	case <-time.After(5 * time.Second):
		t.Fatal("table init not done")
	}
	assert.EqualValues(t, 4, tr.lookups.Load())
}

func TestTable_waitForNodes(t *testing.T) {
	tab, _ := newRunningTestTable(t, newPingRecorder(), Config{Clock: new(mclock.Simulated)})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tab.waitForNodes(ctx, 1), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- tab.waitForNodes(context.Background(), 1) }()
	require.NoError(t, tab.Bootstrap([]*enode.Node{v4Node(newkey(), intIP(1), 30303)}))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waitForNodes didn't return")
	}
}
