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
	"crypto/ecdsa"
	"fmt"
	"net"
	"net/netip"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethp2p/devp2p/p2p/enr"
	"github.com/ethp2p/devp2p/p2p/netutil"
)

const (
	// A predicted external endpoint is adopted once this many hosts
	// within the window report it.
	predictMinVotes      = 10
	predictWindow        = 5 * time.Minute
	predictContactWindow = 10 * time.Minute

	// Records are signed at most once per millisecond, so a sequence number
	// seeded from the clock stays ahead of those of earlier runs.
	signThrottle = time.Millisecond
)

// LocalNode maintains the record of the node running in this process.
// Changes through Set or the endpoint setters mark the record stale, and the
// next call to Node signs a new version with a higher sequence number.
type LocalNode struct {
	signed atomic.Pointer[Node] // nil while the record is stale

	id  ID
	key *ecdsa.PrivateKey
	db  *DB

	mu       sync.Mutex
	seq      uint64
	lastSign time.Time
	entries  map[string]enr.Entry
	v4, v6   endpointSource
}

// endpointSource picks the advertised address of one IP family. A static IP
// beats the predicted endpoint, which beats the fallback.
type endpointSource struct {
	votes        *netutil.IPTracker
	static       netip.Addr
	fallback     netip.Addr
	fallbackPort uint16
}

func (s *endpointSource) resolve() (netip.Addr, uint16) {
	if s.static.IsValid() {
		return s.static, s.fallbackPort
	}
	if ap := s.votes.PredictEndpoint(); ap.IsValid() {
		return ap.Addr(), ap.Port()
	}
	return s.fallback, s.fallbackPort
}

// NewLocalNode creates the local node for key. The sequence number continues
// from the one stored in db for this key.
func NewLocalNode(db *DB, key *ecdsa.PrivateKey) *LocalNode {
	ln := &LocalNode{
		id:       PubkeyToIDV4(&key.PublicKey),
		key:      key,
		db:       db,
		lastSign: time.Now(),
		entries:  make(map[string]enr.Entry),
	}
	ln.v4.votes = netutil.NewIPTracker(predictWindow, predictContactWindow, predictMinVotes)
	ln.v6.votes = netutil.NewIPTracker(predictWindow, predictContactWindow, predictMinVotes)
	ln.seq = db.localSeq(ln.id)
	return ln
}

func (ln *LocalNode) Database() *DB { return ln.db }

func (ln *LocalNode) ID() ID { return ln.id }

// Seq returns the sequence number of the last signed record.
func (ln *LocalNode) Seq() uint64 {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.seq
}

// Node returns the current record, signing a new version if it is stale.
func (ln *LocalNode) Node() *Node {
	if n := ln.signed.Load(); n != nil {
		return n
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if n := ln.signed.Load(); n != nil {
		return n // another caller signed while we waited
	}
	if wait := signThrottle - time.Since(ln.lastSign); wait > 0 {
		time.Sleep(wait)
	}
	n := ln.sign()
	ln.lastSign = time.Now()
	return n
}

func (ln *LocalNode) sign() *Node {
	var r enr.Record
	for _, e := range ln.entries {
		r.Set(e)
	}
	ln.seq++
	ln.db.storeLocalSeq(ln.id, ln.seq)
	r.SetSeq(ln.seq)
	if err := SignV4(&r, ln.key); err != nil {
		panic(fmt.Errorf("enode: signing local record: %v", err))
	}
	n, err := New(ValidSchemes, &r)
	if err != nil {
		panic(fmt.Errorf("enode: local record does not verify: %v", err))
	}
	ln.signed.Store(n)
	log.Info("New local node record", "seq", ln.seq, "id", n.ID(), "ip", n.IPAddr(), "udp", n.UDP(), "tcp", n.TCP())
	return n
}

// Set adds or replaces an entry. The address and UDP port entries are owned
// by the endpoint setters and get overwritten on the next endpoint change.
func (ln *LocalNode) Set(e enr.Entry) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.set(e)
}

// Delete removes the entry with e's key.
func (ln *LocalNode) Delete(e enr.Entry) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.unset(e.ENRKey())
}

func (ln *LocalNode) set(e enr.Entry) {
	if old, ok := ln.entries[e.ENRKey()]; ok && reflect.DeepEqual(old, e) {
		return
	}
	ln.entries[e.ENRKey()] = e
	ln.signed.Store(nil)
}

func (ln *LocalNode) unset(key string) {
	if _, ok := ln.entries[key]; ok {
		delete(ln.entries, key)
		ln.signed.Store(nil)
	}
}

// SetStaticIP pins the address of ip's family, which turns off prediction
// for that family.
func (ln *LocalNode) SetStaticIP(ip net.IP) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	addr := sliceAddr(ip)
	ln.family(addr).static = addr
	ln.refreshEndpoints()
}

// SetFallbackIP sets the address used while nothing is static or predicted.
func (ln *LocalNode) SetFallbackIP(ip net.IP) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	addr := sliceAddr(ip)
	ln.family(addr).fallback = addr
	ln.refreshEndpoints()
}

// SetFallbackUDP sets the UDP port used while no endpoint is predicted, for
// both families.
func (ln *LocalNode) SetFallbackUDP(port int) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.v4.fallbackPort = uint16(port)
	ln.v6.fallbackPort = uint16(port)
	ln.refreshEndpoints()
}

// UDPEndpointStatement feeds the predictor: the host at from saw our UDP
// endpoint as endpoint.
func (ln *LocalNode) UDPEndpointStatement(from, endpoint netip.AddrPort) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	endpoint = netip.AddrPortFrom(endpoint.Addr().Unmap(), endpoint.Port())
	ln.family(endpoint.Addr()).votes.AddStatement(from.Addr(), endpoint)
	ln.refreshEndpoints()
}

// UDPContact feeds the predictor: our endpoint was sent to the host at to.
func (ln *LocalNode) UDPContact(to netip.AddrPort) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.family(to.Addr()).votes.AddContact(to.Addr())
	ln.refreshEndpoints()
}

func (ln *LocalNode) family(ip netip.Addr) *endpointSource {
	if ip.Unmap().Is4() {
		return &ln.v4
	}
	return &ln.v6
}

// refreshEndpoints writes the resolved endpoints of both families into the
// entries. A UDP6 entry only appears when it differs from the IPv4 port.
func (ln *LocalNode) refreshEndpoints() {
	ip4, udp4 := ln.v4.resolve()
	ip6, udp6 := ln.v6.resolve()
	ln.setOrUnset(usable(ip4), enr.IPv4Addr(ip4))
	ln.setOrUnset(usable(ip6), enr.IPv6Addr(ip6))
	ln.setOrUnset(udp4 != 0, enr.UDP(udp4))
	ln.setOrUnset(udp6 != 0 && udp6 != udp4, enr.UDP6(udp6))
}

func (ln *LocalNode) setOrUnset(ok bool, e enr.Entry) {
	if ok {
		ln.set(e)
	} else {
		ln.unset(e.ENRKey())
	}
}

func usable(ip netip.Addr) bool {
	return ip.IsValid() && !ip.IsUnspecified()
}

func sliceAddr(ip net.IP) netip.Addr {
	addr, _ := netip.AddrFromSlice(ip)
	return addr.Unmap()
}

// nowMilliseconds seeds the sequence number of a fresh local record.
func nowMilliseconds() uint64 {
	return uint64(max(time.Now().UnixMilli(), 0))
}
