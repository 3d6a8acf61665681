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

package discover

import (
	"context"
	"errors"
	"time"

	"github.com/ethp2p/devp2p/p2p/enode"
)

const (
	// lookupBudget caps the FINDNODE queries issued by a single lookup.
	lookupBudget = 4 * bucketSize

	// minLookupInterval is the minimum time between lookups started by an iterator.
	minLookupInterval = 1 * time.Second
)

type queryFunc func(*enode.Node) ([]*enode.Node, error)

// lookup walks toward a target ID by asking the closest known nodes for their
// neighbors, alpha queries at a time. It ends when the bucketSize closest nodes seen
// so far have all been asked or when the query budget is used up. The target does not
// need to be the ID of an actual node.
//
// A lookup on an empty table ends immediately.
type lookup struct {
	tab     *Table
	ask     queryFunc
	closest nodesByDistance
	asked   map[enode.ID]bool
	seen    map[enode.ID]bool
	replies chan []*enode.Node
	done    <-chan struct{}

	inflight int
	budget   int

	// found holds the nodes added by the most recent reply.
	found []*enode.Node
}

func newLookup(ctx context.Context, tab *Table, target enode.ID, q queryFunc) *lookup {
	l := &lookup{
		tab:     tab,
		ask:     q,
		closest: nodesByDistance{target: target},
		asked:   make(map[enode.ID]bool),
		seen:    make(map[enode.ID]bool),
		replies: make(chan []*enode.Node, alpha),
		done:    ctx.Done(),
		budget:  lookupBudget,
	}
	self := tab.self().ID()
	l.asked[self], l.seen[self] = true, true

	l.merge(tab.closest(target, bucketSize, false).entries)
	return l
}

// run drives the lookup to the end. The result only contains nodes that have
// proven their endpoint with a ping/pong round-trip.
func (l *lookup) run() []*enode.Node {
	for l.advance() {
	}
	return l.tab.filterProven(l.closest.entries)
}

func (l *lookup) empty() bool {
	return len(l.found) == 0
}

// proven returns the nodes added by the last step that have an endpoint proof.
// Nodes only known from NEIGHBORS replies are held back.
func (l *lookup) proven() []*enode.Node {
	return l.tab.filterProven(l.found)
}

// advance runs queries until a reply yields nodes that weren't seen before.
// It returns false when the lookup is over.
func (l *lookup) advance() bool {
	for l.startQueries() {
		select {
		case nodes := <-l.replies:
			l.inflight--
			if l.merge(nodes) > 0 {
				return true
			}
		case <-l.done:
			l.abort()
		}
	}
	return false
}

// merge adds unseen nodes to the result set and returns how many there were.
func (l *lookup) merge(nodes []*enode.Node) int {
	l.found = l.found[:0]
	for _, n := range nodes {
		if n == nil || l.seen[n.ID()] {
			continue
		}
		l.seen[n.ID()] = true
		l.closest.push(n, bucketSize)
		l.found = append(l.found, n)
	}
	return len(l.found)
}

// abort waits for running queries and prevents new ones.
func (l *lookup) abort() {
	for ; l.inflight > 0; l.inflight-- {
		<-l.replies
	}
	l.ask = nil
	l.found = nil
}

// startQueries asks the closest nodes that weren't asked yet, keeping at most
// alpha queries in flight. It reports whether any query is running.
func (l *lookup) startQueries() bool {
	if l.ask == nil {
		return false
	}
	for _, n := range l.closest.entries {
		if l.inflight >= alpha || l.budget <= 0 {
			break
		}
		if l.asked[n.ID()] {
			continue
		}
		l.asked[n.ID()] = true
		l.inflight++
		l.budget--
		go l.query(n)
	}
	return l.inflight > 0
}

func (l *lookup) query(n *enode.Node) {
	nodes, err := l.ask(n)
	// Failures caused by shutdown say nothing about the node.
	if !errors.Is(err, errClosed) {
		l.tab.reportFindnode(n, len(nodes) > 0, nodes)
		if err != nil {
			l.tab.log.Trace("FINDNODE failed", "id", n.ID(), "err", err)
		}
	}
	l.replies <- nodes
}

type lookupFunc func(ctx context.Context) *lookup

// lookupIterator runs lookups one after another and yields the nodes they find
// that have proven their endpoint. When the table has no nodes to start from,
// it waits for initialization and for a table refresh before trying again.
// After Close, Next returns false and Node returns nil.
type lookupIterator struct {
	ctx    context.Context
	cancel context.CancelFunc
	start  lookupFunc

	cur        *lookup
	queue      []*enode.Node
	refreshing <-chan struct{}
	lastStart  time.Time
}

func newLookupIterator(ctx context.Context, start lookupFunc) *lookupIterator {
	ctx, cancel := context.WithCancel(ctx)
	return &lookupIterator{ctx: ctx, cancel: cancel, start: start}
}

// Node returns the current node.
func (it *lookupIterator) Node() *enode.Node {
	if len(it.queue) == 0 || it.ctx.Err() != nil {
		return nil
	}
	return it.queue[0]
}

// Next moves to the next node.
func (it *lookupIterator) Next() bool {
	if len(it.queue) > 0 {
		it.queue = it.queue[1:]
	}
	for {
		if it.ctx.Err() != nil {
			it.cur, it.queue = nil, nil
			return false
		}
		if len(it.queue) > 0 {
			return true
		}
		if it.cur == nil {
			it.cur = it.begin()
			continue
		}
		if !it.cur.advance() {
			// found still holds the batch yielded last time.
			it.cur = nil
			continue
		}
		it.queue = it.cur.proven()
	}
}

// begin starts the next lookup. The nodes it starts from are yielded first. It
// returns nil if the table had nothing to start from.
func (it *lookupIterator) begin() *lookup {
	it.throttle()
	l := it.start(it.ctx)
	if l.empty() {
		it.waitForTable(l.tab, time.Minute)
		return nil
	}
	it.queue = l.proven()
	return l
}

// waitForTable blocks until the table has nodes again, triggering a refresh if
// none is running. It gives up after timeout.
func (it *lookupIterator) waitForTable(tab *Table, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(it.ctx, timeout)
	defer cancel()

	select {
	case <-tab.initDone:
	case <-ctx.Done():
		return
	}
	if it.refreshing == nil {
		it.refreshing = tab.refresh()
	}
	select {
	case <-it.refreshing:
		it.refreshing = nil
	case <-ctx.Done():
		return
	}
	tab.waitForNodes(ctx, 1)
}

// throttle keeps lookups from spinning when they don't yield any results.
func (it *lookupIterator) throttle() {
	now := time.Now()
	since := now.Sub(it.lastStart)
	it.lastStart = now
	if since > minLookupInterval {
		return
	}
	wait := time.NewTimer(minLookupInterval - since)
	defer wait.Stop()
	select {
	case <-wait.C:
	case <-it.ctx.Done():
	}
}

// Close ends the iterator. It is safe to call while Next is blocked in
// another goroutine.
func (it *lookupIterator) Close() {
	it.cancel()
}
