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

package netutil

import (
	"maps"
	"net/netip"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
)

// IPTracker guesses the external endpoint of the local host from the
// endpoints that other hosts report seeing. Each reporting host has one vote,
// and votes expire after a window.
type IPTracker struct {
	clock    mclock.Clock
	minVotes int
	votes    agedMap[netip.Addr, netip.AddrPort] // reporter => endpoint it saw
	contacts agedMap[netip.Addr, struct{}]       // hosts we sent our endpoint to
}

// NewIPTracker creates a tracker. Votes are kept for window, contacts for
// contactWindow. No endpoint is predicted until at least minVotes hosts
// agree on it, which keeps the prediction stable while the network changes.
func NewIPTracker(window, contactWindow time.Duration, minVotes int) *IPTracker {
	return &IPTracker{
		clock:    mclock.System{},
		minVotes: minVotes,
		votes:    newAgedMap[netip.Addr, netip.AddrPort](window),
		contacts: newAgedMap[netip.Addr, struct{}](contactWindow),
	}
}

// AddStatement records that host saw the local endpoint as endpoint.
func (it *IPTracker) AddStatement(host netip.Addr, endpoint netip.AddrPort) {
	it.votes.put(host, endpoint, it.clock.Now())
}

// AddContact records that a packet carrying the local endpoint was sent to
// host.
func (it *IPTracker) AddContact(host netip.Addr) {
	it.contacts.put(host, struct{}{}, it.clock.Now())
}

// PredictEndpoint returns the endpoint with the most live votes, or the zero
// value if none reaches the minimum.
func (it *IPTracker) PredictEndpoint() netip.AddrPort {
	it.votes.sweep(it.clock.Now())

	tally := make(map[netip.AddrPort]int, len(it.votes.m))
	var best netip.AddrPort
	for _, v := range it.votes.m {
		tally[v.val]++
		if n := tally[v.val]; n >= it.minVotes && n > tally[best] {
			best = v.val
		}
	}
	if tally[best] < it.minVotes {
		return netip.AddrPort{}
	}
	return best
}

// PredictFullConeNAT reports whether some host reported our endpoint without
// having been contacted first. That only works when the NAT forwards
// unsolicited packets.
func (it *IPTracker) PredictFullConeNAT() bool {
	now := it.clock.Now()
	it.votes.sweep(now)
	it.contacts.sweep(now)
	for host, v := range it.votes.m {
		c, ok := it.contacts.m[host]
		if !ok || c.at > v.at {
			return true
		}
	}
	return false
}

// agedMap is a map whose entries expire ttl after they were last put.
// Expired entries are removed lazily, at most once per ttl on writes.
type agedMap[K comparable, V any] struct {
	ttl       time.Duration
	m         map[K]aged[V]
	lastSweep mclock.AbsTime
}

type aged[V any] struct {
	val V
	at  mclock.AbsTime
}

func newAgedMap[K comparable, V any](ttl time.Duration) agedMap[K, V] {
	return agedMap[K, V]{ttl: ttl, m: make(map[K]aged[V])}
}

func (am *agedMap[K, V]) put(k K, v V, now mclock.AbsTime) {
	am.m[k] = aged[V]{v, now}
	if time.Duration(now-am.lastSweep) >= am.ttl {
		am.sweep(now)
	}
}

func (am *agedMap[K, V]) sweep(now mclock.AbsTime) {
	am.lastSweep = now
	cutoff := now.Add(-am.ttl)
	maps.DeleteFunc(am.m, func(_ K, e aged[V]) bool { return e.at < cutoff })
}
