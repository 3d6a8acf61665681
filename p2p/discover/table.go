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

// Package discover finds peers over the discovery v4 protocol and keeps the
// verified ones in a Kademlia routing table.
package discover

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/ethp2p/devp2p/p2p/netutil"
)

const (
	alpha           = 3  // parallel queries per lookup
	bucketSize      = 16 // live entries per bucket
	maxReplacements = 10 // standby entries per bucket

	// Distances up to bucketMinDistance share the first bucket. Nodes that
	// close to us practically never exist.
	hashBits          = len(enode.ID{}) * 8
	nBuckets          = hashBits / 15
	bucketMinDistance = hashBits - nBuckets

	// Non-LAN addresses per /24, in one bucket and in the whole table.
	bucketIPLimit, bucketSubnet = 2, 24
	tableIPLimit, tableSubnet   = 10, 24

	maxFindnodeFailures = 5
	seedCount           = 30
	seedMaxAge          = 5 * 24 * time.Hour
	randomLookups       = 3 // random-target lookups per refresh
)

// Table is the routing table. Buckets are only written by the loop goroutine;
// other goroutines submit changes through channels and read under mu.
//
// Stored records follow the sequence number rule: an entry's record is only
// ever replaced by a signed record with a strictly higher seq. Contact from the
// node itself renews its endpoint proof but never rewrites the record.
type Table struct {
	mu      sync.Mutex
	buckets [nBuckets]*bucket
	seeds   []*enode.Node // bootstrap nodes
	rand    reseedingRandom
	ips     netutil.DistinctNetSet
	reval   tableRevalidation

	db  *enode.DB
	net transport
	cfg Config
	log log.Logger

	refreshReq  chan chan struct{}
	revalDone   chan revalidationResponse
	insertReq   chan insertReq
	inserted    chan bool
	findnodeRes chan findnodeOutcome
	initDone    chan struct{}
	closeReq    chan struct{}
	closed      chan struct{}

	nodeFeed  event.FeedOf[*enode.Node]
	nodeCount atomic.Int32

	// test hooks
	onAdd, onRemove func(*bucket, *tableNode)
}

// transport is what the table needs from the UDP layer. Tests replace it.
type transport interface {
	Self() *enode.Node
	RequestENR(*enode.Node) (*enode.Node, error)
	lookupRandom() []*enode.Node
	lookupSelf() []*enode.Node
	ping(*enode.Node) (seq uint64, err error)
}

// bucket holds the nodes at one distance range. entries are verified or
// being verified; replacements wait for a free slot.
type bucket struct {
	index        int
	entries      []*tableNode
	replacements []*tableNode
	ips          netutil.DistinctNetSet
}

func (b *bucket) entry(id enode.ID) *tableNode {
	i := slices.IndexFunc(b.entries, func(n *tableNode) bool { return n.ID() == id })
	if i < 0 {
		return nil
	}
	return b.entries[i]
}

func (b *bucket) full() bool {
	return len(b.entries) >= bucketSize
}

// insertReq asks the loop to add a node. inbound marks nodes that proved
// their endpoint by contacting us; live is set by tests.
type insertReq struct {
	node    *enode.Node
	inbound bool
	live    bool
}

// findnodeOutcome reports a finished FINDNODE query to the loop.
type findnodeOutcome struct {
	node  *enode.Node
	found []*enode.Node
	ok    bool
}

func newTable(t transport, db *enode.DB, cfg Config) (*Table, error) {
	cfg = cfg.withDefaults()
	tab := &Table{
		net:         t,
		db:          db,
		cfg:         cfg,
		log:         cfg.Log,
		ips:         netutil.DistinctNetSet{Subnet: tableSubnet, Limit: tableIPLimit},
		refreshReq:  make(chan chan struct{}),
		revalDone:   make(chan revalidationResponse),
		insertReq:   make(chan insertReq),
		inserted:    make(chan bool),
		findnodeRes: make(chan findnodeOutcome),
		initDone:    make(chan struct{}),
		closeReq:    make(chan struct{}),
		closed:      make(chan struct{}),
	}
	for i := range tab.buckets {
		tab.buckets[i] = &bucket{index: i, ips: netutil.DistinctNetSet{Subnet: bucketSubnet, Limit: bucketIPLimit}}
	}
	tab.rand.seed()
	tab.reval.init(&cfg)

	seeds, err := tab.usableSeeds(cfg.Bootnodes)
	if err != nil {
		return nil, err
	}
	tab.seeds = seeds

	tab.mu.Lock()
	for _, n := range tab.loadSeeds() {
		tab.insert(insertReq{node: n})
	}
	tab.mu.Unlock()
	return tab, nil
}

// usableSeeds checks bootstrap nodes and drops those outside NetRestrict.
func (tab *Table) usableSeeds(nodes []*enode.Node) ([]*enode.Node, error) {
	seeds := make([]*enode.Node, 0, len(nodes))
	for _, n := range nodes {
		if err := n.ValidateComplete(); err != nil {
			return nil, fmt.Errorf("bad bootstrap node %q: %w", n, err)
		}
		if tab.cfg.NetRestrict != nil && !tab.cfg.NetRestrict.ContainsAddr(n.IPAddr()) {
			tab.log.Error("Bootstrap node filtered by netrestrict", "id", n.ID(), "ip", n.IPAddr())
			continue
		}
		seeds = append(seeds, n)
	}
	return seeds, nil
}

// Nodes returns a snapshot of all bucket entries.
func (tab *Table) Nodes() []*enode.Node {
	tab.mu.Lock()
	defer tab.mu.Unlock()

	var nodes []*enode.Node
	for _, b := range &tab.buckets {
		nodes = append(nodes, unwrapNodes(b.entries)...)
	}
	return nodes
}

// ReadRandomNodes fills buf with distinct live entries in random order and
// returns how many it wrote.
func (tab *Table) ReadRandomNodes(buf []*enode.Node) int {
	tab.mu.Lock()
	defer tab.mu.Unlock()

	var live []*enode.Node
	for _, b := range &tab.buckets {
		for _, n := range b.entries {
			if n.isValidatedLive {
				live = append(live, n.Node)
			}
		}
	}
	tab.rand.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
	return copy(buf, live)
}

// Bootstrap adds nodes as points of contact. They enter the table unverified
// and become live once they answer a ping.
func (tab *Table) Bootstrap(nodes []*enode.Node) error {
	for _, n := range nodes {
		if err := n.ValidateComplete(); err != nil {
			return fmt.Errorf("bad bootstrap node %q: %w", n, err)
		}
	}
	tab.mu.Lock()
	for _, n := range nodes {
		if !containsID(tab.seeds, n.ID()) {
			tab.seeds = append(tab.seeds, n)
		}
	}
	tab.mu.Unlock()

	for _, n := range nodes {
		tab.addFound(n)
	}
	return nil
}

func (tab *Table) self() *enode.Node {
	return tab.net.Self()
}

// getNode returns the stored record of id, or nil.
func (tab *Table) getNode(id enode.ID) *enode.Node {
	tab.mu.Lock()
	defer tab.mu.Unlock()

	if e := tab.bucket(id).entry(id); e != nil {
		return e.Node
	}
	return nil
}

func (tab *Table) close() {
	close(tab.closeReq)
	<-tab.closed
}

func (tab *Table) isInitDone() bool {
	select {
	case <-tab.initDone:
		return true
	default:
		return false
	}
}

// refresh requests a refresh. The returned channel is closed when it is done.
func (tab *Table) refresh() <-chan struct{} {
	done := make(chan struct{})
	select {
	case tab.refreshReq <- done:
	case <-tab.closeReq:
		close(done)
	}
	return done
}

// closest returns up to n entries nearest to target. With liveOnly set, stale
// and unverified entries are skipped.
func (tab *Table) closest(target enode.ID, n int, liveOnly bool) *nodesByDistance {
	tab.mu.Lock()
	defer tab.mu.Unlock()

	result := &nodesByDistance{target: target}
	for _, b := range &tab.buckets {
		for _, e := range b.entries {
			if !liveOnly || e.isValidatedLive {
				result.push(e.Node, n)
			}
		}
	}
	return result
}

// filterProven keeps the nodes of list whose current address answered a ping
// within bondExpiration.
func (tab *Table) filterProven(list []*enode.Node) []*enode.Node {
	now := time.Now()
	return slices.DeleteFunc(slices.Clone(list), func(n *enode.Node) bool {
		return !tab.db.HasEndpointProof(n.ID(), n.IPAddr(), bondExpiration, now)
	})
}

func (tab *Table) len() int {
	return int(tab.nodeCount.Load())
}

// waitForNodes blocks until the buckets hold at least n entries.
func (tab *Table) waitForNodes(ctx context.Context, n int) error {
	ch := make(chan *enode.Node)
	sub := tab.nodeFeed.Subscribe(ch)
	defer sub.Unsubscribe()

	for tab.len() < n {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// addFound submits a node that was learned from someone else. It lands in the
// bucket unverified if there is room, in the replacement list otherwise.
func (tab *Table) addFound(n *enode.Node) bool {
	return tab.submit(insertReq{node: n})
}

// addInbound submits a node that has just proven its endpoint with a
// ping/pong round-trip. Until the first refresh is done such nodes are
// ignored, so a burst of pings can't fill an empty table.
func (tab *Table) addInbound(n *enode.Node) bool {
	return tab.submit(insertReq{node: n, inbound: true})
}

func (tab *Table) submit(req insertReq) bool {
	select {
	case tab.insertReq <- req:
		return <-tab.inserted
	case <-tab.closeReq:
		return false
	}
}

// reportFindnode hands the result of a FINDNODE query to the loop.
func (tab *Table) reportFindnode(n *enode.Node, ok bool, found []*enode.Node) {
	select {
	case tab.findnodeRes <- findnodeOutcome{node: n, found: found, ok: ok}:
	case <-tab.closeReq:
	}
}

// loop owns the buckets. It schedules revalidation and refreshes and applies
// all submitted changes.
func (tab *Table) loop() {
	var (
		refreshTimer = time.NewTimer(tab.nextRefreshTime())
		revalTimer   = mclock.NewAlarm(tab.cfg.Clock)
		reseedTicker = time.NewTicker(10 * time.Minute)
		refreshing   = make(chan struct{})
		waiting      = []chan struct{}{tab.initDone}
	)
	defer refreshTimer.Stop()
	defer revalTimer.Stop()
	defer reseedTicker.Stop()

	startRefresh := func() {
		if refreshing == nil {
			refreshing = make(chan struct{})
			go tab.doRefresh(refreshing)
		}
	}
	go tab.doRefresh(refreshing)

	for {
		revalTimer.Schedule(tab.reval.run(tab, tab.cfg.Clock.Now()))

		select {
		case <-revalTimer.C():
		case resp := <-tab.revalDone:
			tab.reval.handleResponse(tab, resp)

		case req := <-tab.insertReq:
			tab.mu.Lock()
			ok := tab.insert(req)
			tab.mu.Unlock()
			tab.inserted <- ok

		case res := <-tab.findnodeRes:
			tab.applyFindnode(res)

		case <-refreshTimer.C:
			startRefresh()
		case req := <-tab.refreshReq:
			waiting = append(waiting, req)
			startRefresh()
		case <-refreshing:
			for _, ch := range waiting {
				close(ch)
			}
			waiting, refreshing = nil, nil
			refreshTimer.Reset(tab.nextRefreshTime())

		case <-reseedTicker.C:
			tab.rand.seed()

		case <-tab.closeReq:
			if refreshing != nil {
				<-refreshing
			}
			for _, ch := range waiting {
				close(ch)
			}
			close(tab.closed)
			return
		}
	}
}

// doRefresh reinserts seeds and runs a self lookup followed by a few random
// lookups. Lookups toward a chosen bucket aren't possible because the target
// is a public key, so random targets stand in for them.
func (tab *Table) doRefresh(done chan struct{}) {
	defer close(done)

	for _, n := range tab.loadSeeds() {
		tab.addFound(n)
	}
	tab.net.lookupSelf()
	for range randomLookups {
		tab.net.lookupRandom()
	}
}

// loadSeeds returns recently seen nodes from the database plus the bootstrap
// nodes.
func (tab *Table) loadSeeds() []*enode.Node {
	seeds := append(tab.db.QuerySeeds(seedCount, seedMaxAge), tab.seeds...)
	if tab.log.Enabled(context.Background(), log.LevelTrace) {
		for _, n := range seeds {
			addr, _ := n.UDPEndpoint()
			age := time.Since(tab.db.LastPongReceived(n.ID(), n.IPAddr()))
			tab.log.Trace("Found seed node in database", "id", n.ID(), "addr", addr, "age", age)
		}
	}
	return seeds
}

// nextRefreshTime is uniformly distributed in [interval/2, interval).
func (tab *Table) nextRefreshTime() time.Duration {
	half := tab.cfg.RefreshInterval / 2
	return half + time.Duration(tab.rand.Int63n(int64(half)))
}

func (tab *Table) bucket(id enode.ID) *bucket {
	return tab.bucketAtDistance(enode.LogDist(tab.self().ID(), id))
}

func (tab *Table) bucketAtDistance(d int) *bucket {
	return tab.buckets[max(d-bucketMinDistance-1, 0)]
}

// addIP reserves room for ip in the table and bucket limits. LAN addresses
// are not limited; nodes without a usable IP are refused.
func (tab *Table) addIP(b *bucket, ip netip.Addr) bool {
	switch {
	case !ip.IsValid() || ip.IsUnspecified():
		return false
	case netutil.AddrIsLAN(ip):
		return true
	case !tab.ips.AddAddr(ip):
		tab.log.Debug("IP exceeds table limit", "ip", ip)
		return false
	case !b.ips.AddAddr(ip):
		tab.ips.RemoveAddr(ip)
		tab.log.Debug("IP exceeds bucket limit", "ip", ip)
		return false
	}
	return true
}

func (tab *Table) removeIP(b *bucket, ip netip.Addr) {
	if !netutil.AddrIsLAN(ip) {
		tab.ips.RemoveAddr(ip)
		b.ips.RemoveAddr(ip)
	}
}

// insert applies req and reports whether a new bucket entry was created.
// A full bucket is never changed here: the newcomer waits in the replacement
// list until revalidation evicts an entry. The caller must hold mu.
func (tab *Table) insert(req insertReq) bool {
	n := req.node
	if n.ID() == tab.self().ID() {
		return false
	}
	if req.inbound && !tab.isInitDone() {
		return false
	}
	b := tab.bucket(n.ID())
	if e := b.entry(n.ID()); e != nil {
		tab.refreshEntry(b, e, req)
		return false
	}
	if b.full() {
		tab.stash(b, n)
		return false
	}
	if !tab.addIP(b, n.IPAddr()) {
		return false
	}

	e := &tableNode{Node: n}
	if req.inbound || req.live {
		tab.setLive(e)
	}
	b.entries = append(b.entries, e)
	if containsID(b.replacements, n.ID()) {
		// The standby copy held an IP slot, which the new entry now owns.
		b.replacements = deleteNode(b.replacements, n.ID())
		tab.removeIP(b, n.IPAddr())
	}
	tab.nodeAdded(b, e)
	return true
}

// refreshEntry handles a node that is already in bucket b. The record is
// swapped only for a newer signed one. Inbound contact from the stored UDP
// endpoint renews the endpoint proof. Contact from another endpoint proves
// nothing about the stored one, so that entry is queued for an early check.
func (tab *Table) refreshEntry(b *bucket, e *tableNode, req insertReq) {
	moved := false
	if supersedes(req.node, e.Node) {
		moved = tab.replaceRecord(b, e, req.node)
	}
	if !req.inbound {
		return
	}
	if sameUDPEndpoint(e.Node, req.node) {
		tab.setLive(e)
	} else if !moved {
		tab.reval.expedite(tab, e)
	}
}

// supersedes reports whether rec may replace cur.
func supersedes(rec, cur *enode.Node) bool {
	return rec.Seq() > cur.Seq() && rec.Signed()
}

func sameUDPEndpoint(a, b *enode.Node) bool {
	return a.IPAddr() == b.IPAddr() && a.UDP() == b.UDP()
}

// replaceRecord installs rec as the record of e. If the new address doesn't
// fit the IP limits, the old record stays. It reports whether the UDP
// endpoint changed, in which case e must prove it again.
func (tab *Table) replaceRecord(b *bucket, e *tableNode, rec *enode.Node) (moved bool) {
	oldIP, newIP := e.IPAddr(), rec.IPAddr()
	if oldIP != newIP {
		tab.removeIP(b, oldIP)
		if !tab.addIP(b, newIP) {
			tab.addIP(b, oldIP)
			return false
		}
	}
	moved = !sameUDPEndpoint(e.Node, rec)
	e.Node = rec
	if moved {
		tab.reval.endpointChanged(tab, e)
	}
	return moved
}

// setLive records an endpoint proof for e. The caller must hold mu.
func (tab *Table) setLive(e *tableNode) {
	e.proven(tab.cfg.Clock.Now())
	e.livenessChecks = max(e.livenessChecks, 1)
}

// stash puts n into the replacement list of b. A known standby entry only
// takes a newer signed record for the same address.
func (tab *Table) stash(b *bucket, n *enode.Node) {
	if i := slices.IndexFunc(b.replacements, func(r *tableNode) bool { return r.ID() == n.ID() }); i >= 0 {
		if r := b.replacements[i]; supersedes(n, r.Node) && r.IPAddr() == n.IPAddr() {
			r.Node = n
		}
		return
	}
	if !tab.addIP(b, n.IPAddr()) {
		return
	}
	e := &tableNode{Node: n, addedToTable: tab.cfg.Clock.Now()}
	var dropped *tableNode
	b.replacements, dropped = pushNode(b.replacements, e, maxReplacements)
	if dropped != nil {
		tab.removeIP(b, dropped.IPAddr())
	}
}

func (tab *Table) nodeAdded(b *bucket, e *tableNode) {
	now := tab.cfg.Clock.Now()
	if e.addedToTable == 0 {
		e.addedToTable = now
	}
	e.addedToBucket = now
	tab.reval.nodeAdded(tab, e)
	tab.nodeCount.Add(1)
	tab.nodeFeed.Send(e.Node)
	if tab.onAdd != nil {
		tab.onAdd(b, e)
	}
	metrics().tableNodes.Inc()
}

func (tab *Table) nodeRemoved(b *bucket, e *tableNode) {
	tab.reval.nodeRemoved(e)
	tab.nodeCount.Add(-1)
	if tab.onRemove != nil {
		tab.onRemove(b, e)
	}
	metrics().tableNodes.Dec()
}

// evict removes id from b and promotes a random replacement into the free
// slot. It returns the promoted entry, if any.
func (tab *Table) evict(b *bucket, id enode.ID) *tableNode {
	i := slices.IndexFunc(b.entries, func(e *tableNode) bool { return e.ID() == id })
	if i < 0 {
		return nil
	}
	gone := b.entries[i]
	b.entries = slices.Delete(b.entries, i, i+1)
	tab.removeIP(b, gone.IPAddr())
	tab.nodeRemoved(b, gone)

	if len(b.replacements) == 0 {
		tab.log.Debug("Removed dead node", "b", b.index, "id", gone.ID(), "ip", gone.IPAddr())
		return nil
	}
	ri := tab.rand.Intn(len(b.replacements))
	rep := b.replacements[ri]
	b.replacements = slices.Delete(b.replacements, ri, ri+1)
	b.entries = append(b.entries, rep)
	tab.nodeAdded(b, rep)
	tab.log.Debug("Replaced dead node", "b", b.index, "id", gone.ID(), "ip", gone.IPAddr(), "r", rep.ID(), "rip", rep.IPAddr())
	return rep
}

// applyFindnode counts consecutive FINDNODE failures per node and adds the
// nodes a query returned. A node failing too often is dropped, unless its
// bucket is nearly empty, which keeps small networks connected.
func (tab *Table) applyFindnode(res findnodeOutcome) {
	id, ip := res.node.ID(), res.node.IPAddr()
	fails := 0
	if !res.ok {
		fails = tab.db.FindFails(id, ip) + 1
	}
	tab.db.UpdateFindFails(id, ip, fails)

	tab.mu.Lock()
	defer tab.mu.Unlock()

	if b := tab.bucket(id); fails >= maxFindnodeFailures && len(b.entries) >= bucketSize/4 {
		tab.evict(b, id)
	}
	for _, n := range res.found {
		tab.insert(insertReq{node: n})
	}
}

// markStale clears the live flag of entries whose last proof is older than
// the liveness window. They keep their slot until revalidation fails. The
// caller must hold mu.
func (tab *Table) markStale(now mclock.AbsTime) (stale int) {
	cutoff := now.Add(-tab.cfg.LivenessWindow)
	for _, b := range &tab.buckets {
		for _, e := range b.entries {
			if e.expire(cutoff) {
				tab.log.Trace("Node endpoint proof expired", "b", b.index, "id", e.ID())
				stale++
			}
		}
	}
	return stale
}

// pushNode prepends n to list, dropping the last element once list holds max
// items.
func pushNode(list []*tableNode, n *tableNode, max int) ([]*tableNode, *tableNode) {
	var dropped *tableNode
	if len(list) >= max {
		dropped = list[len(list)-1]
		list = list[:len(list)-1]
	}
	return slices.Insert(list, 0, n), dropped
}
