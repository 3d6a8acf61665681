// Copyright 2024 The go-ethereum Authors
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
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethp2p/devp2p/p2p/enode"
)

const (
	never = mclock.AbsTime(math.MaxInt64)

	staleSweepInterval = time.Minute
	seedLivenessChecks = 5 // passed checks before an entry is saved as a seed
)

// tableRevalidation pings bucket entries at random. Entries start on the fast
// list, which is checked three times as often, and move to the slow list
// after answering. A failure moves them back.
type tableRevalidation struct {
	fast, slow revalidationList
	inflight   map[enode.ID]struct{}
	nextSweep  mclock.AbsTime
}

type revalidationResponse struct {
	n         *tableNode
	answered  bool
	newRecord *enode.Node // fetched when the pong announced a higher seq
}

func (tr *tableRevalidation) init(cfg *Config) {
	tr.inflight = make(map[enode.ID]struct{})
	tr.fast = revalidationList{name: "fast", interval: cfg.PingInterval / 3, nextTime: never}
	tr.slow = revalidationList{name: "slow", interval: cfg.PingInterval, nextTime: never}
}

func (tr *tableRevalidation) nodeAdded(tab *Table, n *tableNode) {
	tr.fast.push(n, tab.cfg.Clock.Now(), &tab.rand)
}

func (tr *tableRevalidation) nodeRemoved(n *tableNode) {
	if n.revalList == nil {
		panic("removed node without revalList")
	}
	n.revalList.remove(n)
}

// endpointChanged drops the proof of n, whose record now names a new
// endpoint, and queues it for a quick check.
func (tr *tableRevalidation) endpointChanged(tab *Table, n *tableNode) {
	n.isValidatedLive = false
	tr.moveTo(&tr.fast, n, tab.cfg.Clock.Now(), &tab.rand)
}

// expedite queues n for a quick check without touching its proof.
func (tr *tableRevalidation) expedite(tab *Table, n *tableNode) {
	tr.moveTo(&tr.fast, n, tab.cfg.Clock.Now(), &tab.rand)
}

// run starts due checks and the stale sweep. It returns when it wants to be
// called again.
func (tr *tableRevalidation) run(tab *Table, now mclock.AbsTime) mclock.AbsTime {
	for _, list := range []*revalidationList{&tr.fast, &tr.slow} {
		if list.nextTime > now {
			continue
		}
		if n := list.pick(&tab.rand, tr.inflight); n != nil {
			tr.start(tab, n)
		}
		list.schedule(now, &tab.rand)
	}
	if tr.nextSweep <= now {
		tab.mu.Lock()
		if stale := tab.markStale(now); stale > 0 {
			tab.log.Debug("Marked stale table nodes", "count", stale)
		}
		tab.mu.Unlock()
		tr.nextSweep = now.Add(staleSweepInterval)
	}
	return min(tr.fast.nextTime, tr.slow.nextTime, tr.nextSweep)
}

func (tr *tableRevalidation) start(tab *Table, n *tableNode) {
	if _, dup := tr.inflight[n.ID()]; dup {
		panic(fmt.Errorf("duplicate revalidation of %v", n.ID()))
	}
	tr.inflight[n.ID()] = struct{}{}

	tab.mu.Lock()
	rec := n.Node
	tab.mu.Unlock()
	go tab.revalidate(n, rec)
}

// revalidate pings rec and fetches its record when the pong announces a
// higher sequence number.
func (tab *Table) revalidate(n *tableNode, rec *enode.Node) {
	resp := revalidationResponse{n: n}
	seq, err := tab.net.ping(rec)
	resp.answered = err == nil
	if resp.answered && seq > rec.Seq() {
		if newer, err := tab.net.RequestENR(rec); err != nil {
			tab.log.Debug("ENR request failed", "id", rec.ID(), "err", err)
		} else {
			resp.newRecord = newer
		}
	}
	select {
	case tab.revalDone <- resp:
	case <-tab.closeReq:
	}
}

// handleResponse applies a finished check. Failures decay the pass count and
// evict the entry once it reaches zero.
func (tr *tableRevalidation) handleResponse(tab *Table, resp revalidationResponse) {
	now := tab.cfg.Clock.Now()
	n := resp.n
	delete(tr.inflight, n.ID())

	tab.mu.Lock()
	defer tab.mu.Unlock()

	if n.revalList == nil {
		return // evicted meanwhile
	}
	b := tab.bucket(n.ID())
	if !resp.answered {
		n.livenessChecks /= 3
		if n.livenessChecks == 0 {
			tab.evict(b, n.ID())
			return
		}
		tab.log.Debug("Node revalidation failed", "b", b.index, "id", n.ID(), "checks", n.livenessChecks, "q", n.revalList.name)
		tr.moveTo(&tr.fast, n, now, &tab.rand)
		return
	}

	n.livenessChecks++
	n.proven(now)
	tab.log.Debug("Node revalidated", "b", b.index, "id", n.ID(), "checks", n.livenessChecks, "q", n.revalList.name)

	moved := false
	if resp.newRecord != nil && supersedes(resp.newRecord, n.Node) {
		moved = tab.replaceRecord(b, n, resp.newRecord)
	}
	if !moved {
		tr.moveTo(&tr.slow, n, now, &tab.rand)
	}
	if n.isValidatedLive && n.livenessChecks > seedLivenessChecks {
		if err := tab.db.UpdateNode(n.Node); err != nil {
			tab.log.Trace("Seed not stored", "id", n.ID(), "err", err)
		}
	}
}

func (tr *tableRevalidation) moveTo(dest *revalidationList, n *tableNode, now mclock.AbsTime, rand randomSource) {
	if n.revalList == dest {
		return
	}
	if n.revalList != nil {
		n.revalList.remove(n)
	}
	dest.push(n, now, rand)
}

// revalidationList is a set of entries checked at a common average interval.
type revalidationList struct {
	name     string
	interval time.Duration
	nextTime mclock.AbsTime
	nodes    []*tableNode
}

// pick chooses a random entry that has no check in flight.
func (list *revalidationList) pick(rand randomSource, busy map[enode.ID]struct{}) *tableNode {
	for range 3 * len(list.nodes) {
		n := list.nodes[rand.Intn(len(list.nodes))]
		if _, ok := busy[n.ID()]; !ok {
			return n
		}
	}
	return nil
}

func (list *revalidationList) schedule(now mclock.AbsTime, rand randomSource) {
	list.nextTime = now.Add(time.Duration(rand.Int63n(int64(list.interval))))
}

func (list *revalidationList) push(n *tableNode, now mclock.AbsTime, rand randomSource) {
	list.nodes = append(list.nodes, n)
	n.revalList = list
	if list.nextTime == never {
		list.schedule(now, rand)
	}
}

func (list *revalidationList) remove(n *tableNode) {
	i := slices.Index(list.nodes, n)
	if i < 0 {
		panic(fmt.Errorf("node %v not found in list %s", n.ID(), list.name))
	}
	list.nodes = slices.Delete(list.nodes, i, i+1)
	n.revalList = nil
	if len(list.nodes) == 0 {
		list.nextTime = never
	}
}

func (list *revalidationList) contains(id enode.ID) bool {
	return containsID(list.nodes, id)
}
