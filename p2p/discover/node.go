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
	"slices"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethp2p/devp2p/p2p/enode"
)

// tableNode is an entry in Table.
//
// A node is live while its endpoint proof is fresh: it answered a ping from its current
// endpoint within the liveness window. Nodes that aren't live stay in their bucket and
// are excluded from lookup results until a new proof arrives.
type tableNode struct {
	*enode.Node
	revalList *revalidationList

	addedToTable  mclock.AbsTime // first time node was added to bucket or replacement list
	addedToBucket mclock.AbsTime // time it was added in the actual bucket
	lastProof     mclock.AbsTime // last pong received from the current endpoint

	livenessChecks  uint // successful revalidations, decays on failure
	isValidatedLive bool
}

// proven records an endpoint proof at time now.
func (n *tableNode) proven(now mclock.AbsTime) {
	n.isValidatedLive = true
	n.lastProof = now
}

// expire clears the live flag if the last proof happened before cutoff.
// It reports whether the node went stale.
func (n *tableNode) expire(cutoff mclock.AbsTime) bool {
	if !n.isValidatedLive || n.lastProof >= cutoff {
		return false
	}
	n.isValidatedLive = false
	return true
}

func (n *tableNode) String() string {
	return n.Node.String()
}

func unwrapNodes(ns []*tableNode) []*enode.Node {
	result := make([]*enode.Node, len(ns))
	for i, n := range ns {
		result[i] = n.Node
	}
	return result
}

// nodesByDistance keeps nodes sorted by their distance to target.
type nodesByDistance struct {
	entries []*enode.Node
	target  enode.ID
}

// push inserts n at its position. The list never grows beyond maxElems; when it is
// full, the farthest node is dropped, which may be n itself.
func (h *nodesByDistance) push(n *enode.Node, maxElems int) {
	ix, _ := slices.BinarySearchFunc(h.entries, n.ID(), func(e *enode.Node, id enode.ID) int {
		if enode.DistCmp(h.target, e.ID(), id) > 0 {
			return 1
		}
		return -1
	})
	if ix >= maxElems {
		return
	}
	h.entries = slices.Insert(h.entries, ix, n)
	if len(h.entries) > maxElems {
		h.entries = h.entries[:maxElems]
	}
}

type nodeType interface {
	ID() enode.ID
}

// containsID reports whether ns contains a node with the given ID.
func containsID[N nodeType](ns []N, id enode.ID) bool {
	return slices.ContainsFunc(ns, func(n N) bool { return n.ID() == id })
}

// deleteNode removes a node from the list.
func deleteNode[N nodeType](list []N, id enode.ID) []N {
	return slices.DeleteFunc(list, func(n N) bool { return n.ID() == id })
}
