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
	"encoding/binary"
	"testing"

	"github.com/ethp2p/devp2p/p2p/enr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadNodes(t *testing.T) {
	it := &cycleIter{} // yields a new ID on every call
	nodes := ReadNodes(it, 10)
	assertDistinct(t, nodes, 10)
	assert.Equal(t, 10, it.calls)
}

// ReadNodes stops after n calls to Next even when the iterator keeps
// returning the same few nodes.
func TestReadNodesCycle(t *testing.T) {
	it := &cycleIter{nodes: []*Node{testNode(0, 0), testNode(1, 0), testNode(2, 0)}}
	nodes := ReadNodes(it, 10)
	assertDistinct(t, nodes, 3)
	assert.Equal(t, 10, it.calls)
}

// Duplicate IDs collapse into the record with the highest seq, kept at the
// position of the first occurrence.
func TestReadNodesHighestSeq(t *testing.T) {
	it := IterNodes([]*Node{testNode(1, 4), testNode(2, 0), testNode(1, 7), testNode(1, 5)})
	nodes := ReadNodes(it, 10)
	assertDistinct(t, nodes, 2)
	assert.Equal(t, testNode(1, 0).ID(), nodes[0].ID())
	assert.Equal(t, uint64(7), nodes[0].Seq())
	assert.Equal(t, testNode(2, 0).ID(), nodes[1].ID())
}

func TestIterNodesClose(t *testing.T) {
	it := IterNodes([]*Node{testNode(1, 0), testNode(2, 0)})
	assert.Nil(t, it.Node(), "node before first Next")
	require.True(t, it.Next())
	it.Close()
	assert.False(t, it.Next())
	assert.Nil(t, it.Node())
}

func TestFilterNodes(t *testing.T) {
	var all []*Node
	for i := range uint64(100) {
		all = append(all, testNode(i, i))
	}
	it := Filter(IterNodes(all), func(n *Node) bool { return n.Seq()%3 == 0 })

	var got []*Node
	for it.Next() {
		got = append(got, it.Node())
	}
	require.Len(t, got, 34)
	for i, n := range got {
		assert.Same(t, all[3*i], n)
	}
}

func assertDistinct(t *testing.T, nodes []*Node, want int) {
	t.Helper()
	require.Len(t, nodes, want)
	seen := make(map[ID]struct{}, len(nodes))
	for i, n := range nodes {
		require.NotNil(t, n, "node %d", i)
		_, dup := seen[n.ID()]
		require.False(t, dup, "duplicate node %v", n.ID())
		seen[n.ID()] = struct{}{}
	}
}

// testNode returns an unsigned node whose ID starts with id.
func testNode(id, seq uint64) *Node {
	var nid ID
	binary.BigEndian.PutUint64(nid[:], id)
	var r enr.Record
	r.SetSeq(seq)
	return SignNull(&r, nid)
}

// cycleIter never ends. It repeats nodes or, when nodes is empty, makes up
// a fresh node per call.
type cycleIter struct {
	nodes []*Node
	calls int
}

func (it *cycleIter) Next() bool {
	it.calls++
	return true
}

func (it *cycleIter) Node() *Node {
	if len(it.nodes) == 0 {
		return testNode(uint64(it.calls), 0)
	}
	return it.nodes[(it.calls-1)%len(it.nodes)]
}

func (it *cycleIter) Close() {}
