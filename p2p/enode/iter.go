// Copyright 2019 The go-ethereum Authors
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

import "sync"

// Iterator represents a sequence of nodes. The Next method moves to the next node in the
// sequence. It returns false when the sequence has ended or the iterator is closed. Close
// may be called concurrently with Next and Node, and interrupts Next if it is blocked.
type Iterator interface {
	Next() bool  // moves to next node
	Node() *Node // returns current node
	Close()      // ends the iterator
}

// ReadNodes calls Next at most n times and returns the distinct nodes it saw, in order
// of first appearance. When an ID shows up more than once, the record with the highest
// sequence number wins.
func ReadNodes(it Iterator, n int) []*Node {
	var (
		result []*Node
		index  = make(map[ID]int, n)
	)
	for i := 0; i < n && it.Next(); i++ {
		node := it.Node()
		pos, dup := index[node.ID()]
		switch {
		case !dup:
			index[node.ID()] = len(result)
			result = append(result, node)
		case node.Seq() >= result[pos].Seq():
			result[pos] = node
		}
	}
	return result
}

// IterNodes makes an iterator which runs through the given nodes once.
func IterNodes(nodes []*Node) Iterator {
	return &sliceIter{nodes: nodes}
}

type sliceIter struct {
	mu    sync.Mutex
	nodes []*Node // remaining nodes, the current one first
	moved bool
}

func (it *sliceIter) Next() bool {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.moved && len(it.nodes) > 0 {
		it.nodes = it.nodes[1:]
	}
	it.moved = true
	return len(it.nodes) > 0
}

func (it *sliceIter) Node() *Node {
	it.mu.Lock()
	defer it.mu.Unlock()

	if !it.moved || len(it.nodes) == 0 {
		return nil
	}
	return it.nodes[0]
}

func (it *sliceIter) Close() {
	it.mu.Lock()
	defer it.mu.Unlock()

	it.nodes = nil
}

// Filter wraps an iterator such that Next only returns nodes accepted by check.
func Filter(it Iterator, check func(*Node) bool) Iterator {
	return &filterIter{it, check}
}

type filterIter struct {
	Iterator
	check func(*Node) bool
}

func (f *filterIter) Next() bool {
	for f.Iterator.Next() {
		if f.check(f.Node()) {
			return true
		}
	}
	return false
}
