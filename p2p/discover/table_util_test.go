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

package discover

import (
	"crypto/ecdsa"
	"fmt"
	"math/rand"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethp2p/devp2p/internal/testlog"
	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/ethp2p/devp2p/p2p/enr"
	"github.com/stretchr/testify/require"
)

// newTestTable returns a table on an in-memory database. Its loop does not
// run, tests call the handlers themselves.
func newTestTable(t *testing.T, tr transport, cfg Config) (*Table, *enode.DB) {
	t.Helper()
	if cfg.Log == nil {
		cfg.Log = testlog.Logger(t, log.LevelTrace)
	}
	db, err := enode.OpenDB("")
	require.NoError(t, err)
	tab, err := newTable(tr, db, cfg)
	require.NoError(t, err)
	return tab, db
}

// newRunningTestTable is newTestTable with the loop started. The table is
// closed when the test ends.
func newRunningTestTable(t *testing.T, tr transport, cfg Config) (*Table, *enode.DB) {
	tab, db := newTestTable(t, tr, cfg)
	go tab.loop()
	t.Cleanup(func() {
		tab.close()
		db.Close()
	})
	return tab, db
}

// markInitDone opens a table without a running loop for inbound nodes.
func markInitDone(tab *Table) {
	if !tab.isInitDone() {
		close(tab.initDone)
	}
}

func idAtDistance(base enode.ID, ld int) enode.ID {
	return enode.RandomID(base, ld)
}

// nodeAtDistance returns an unsigned node n with LogDist(base, n.ID()) == ld.
func nodeAtDistance(base enode.ID, ld int, ip net.IP) *enode.Node {
	r := new(enr.Record)
	r.Set(enr.IP(ip))
	r.Set(enr.UDP(30303))
	return enode.SignNull(r, idAtDistance(base, ld))
}

func nodesAtDistance(base enode.ID, ld int, count int) []*enode.Node {
	nodes := make([]*enode.Node, 0, count)
	for i := range count {
		nodes = append(nodes, nodeAtDistance(base, ld, intIP(i)))
	}
	return nodes
}

// signedNode returns a record of key with the given seq, listening on ip:30303.
func signedNode(t *testing.T, key *ecdsa.PrivateKey, seq uint64, ip net.IP, extra ...enr.Entry) *enode.Node {
	t.Helper()
	r := new(enr.Record)
	for _, e := range append([]enr.Entry{enr.IP(ip), enr.UDP(30303)}, extra...) {
		r.Set(e)
	}
	r.SetSeq(seq)
	require.NoError(t, enode.SignV4(r, key))
	n, err := enode.New(enode.ValidSchemes, r)
	require.NoError(t, err)
	return n
}

// intIP maps i into 10.0.0.0/16.
func intIP(i int) net.IP {
	return net.IPv4(10, 0, byte(i>>8), byte(i)).To4()
}

// fillBucket adds live nodes to the bucket of id until it is full and returns
// the last entry.
func fillBucket(tab *Table, id enode.ID) *tableNode {
	self := tab.self().ID()
	ld := enode.LogDist(self, id)
	b := tab.bucket(id)
	for i := 0; len(b.entries) < bucketSize; i++ {
		if !tab.insert(insertReq{node: nodeAtDistance(self, ld, intIP(ld*100+i)), live: true}) {
			panic("bucket rejected node")
		}
	}
	return b.entries[len(b.entries)-1]
}

// fillTable inserts nodes the way lookup results are inserted. live marks
// them as having an endpoint proof.
func fillTable(tab *Table, nodes []*enode.Node, live bool) {
	tab.mu.Lock()
	defer tab.mu.Unlock()
	for _, n := range nodes {
		tab.insert(insertReq{node: n, live: live})
	}
}

// pingRecorder is a transport where every node answers unless marked dead.
// Pings report the seq of the record registered for the node.
type pingRecorder struct {
	self    *enode.Node
	lookups atomic.Int32

	mu      sync.Mutex
	dead    map[enode.ID]bool
	records map[enode.ID]*enode.Node
}

func newPingRecorder() *pingRecorder {
	r := new(enr.Record)
	r.Set(enr.IP{0, 0, 0, 0})
	return &pingRecorder{
		self:    enode.SignNull(r, enode.ID{}),
		dead:    make(map[enode.ID]bool),
		records: make(map[enode.ID]*enode.Node),
	}
}

func (t *pingRecorder) Self() *enode.Node { return t.self }

func (t *pingRecorder) lookupSelf() []*enode.Node {
	t.lookups.Add(1)
	return nil
}

func (t *pingRecorder) lookupRandom() []*enode.Node {
	t.lookups.Add(1)
	return nil
}

func (t *pingRecorder) ping(n *enode.Node) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead[n.ID()] {
		return 0, errTimeout
	}
	if rec := t.records[n.ID()]; rec != nil {
		return rec.Seq(), nil
	}
	return 0, nil
}

func (t *pingRecorder) RequestENR(n *enode.Node) (*enode.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec := t.records[n.ID()]; rec != nil && !t.dead[n.ID()] {
		return rec, nil
	}
	return nil, errTimeout
}

func hasDuplicates(nodes []*enode.Node) bool {
	seen := make(map[enode.ID]struct{}, len(nodes))
	for _, n := range nodes {
		if _, dup := seen[n.ID()]; dup {
			return true
		}
		seen[n.ID()] = struct{}{}
	}
	return false
}

// checkNodesEqual compares IDs and addresses, in order.
func checkNodesEqual(got, want []*enode.Node) error {
	same := slices.EqualFunc(got, want, func(a, b *enode.Node) bool {
		return a.ID() == b.ID() && a.IPAddr() == b.IPAddr()
	})
	if same {
		return nil
	}
	var sb strings.Builder
	for _, list := range []struct {
		name  string
		nodes []*enode.Node
	}{{"got", got}, {"want", want}} {
		fmt.Fprintf(&sb, "%s %d nodes:\n", list.name, len(list.nodes))
		for _, n := range list.nodes {
			fmt.Fprintf(&sb, "  %v %v\n", n.ID(), n)
		}
	}
	return fmt.Errorf("node lists differ\n%s", sb.String())
}

func sortedByDistanceTo(target enode.ID, nodes []*enode.Node) bool {
	return slices.IsSortedFunc(nodes, func(a, b *enode.Node) int {
		return enode.DistCmp(target, a.ID(), b.ID())
	})
}

func newkey() *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return key
}

// v4Node returns an unsigned node of key listening on ip:port.
func v4Node(key *ecdsa.PrivateKey, ip net.IP, port int) *enode.Node {
	return enode.NewV4(&key.PublicKey, ip, port, port)
}

func genID(rnd *rand.Rand) (id enode.ID) {
	rnd.Read(id[:])
	return id
}
