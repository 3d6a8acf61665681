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
	"bytes"
	"context"
	"crypto/ecdsa"
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethp2p/devp2p/p2p/discover/v4wire"
	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/ethp2p/devp2p/p2p/netutil"
)

var (
	errExpired          = errors.New("expired")
	errUnsolicitedReply = errors.New("unsolicited reply")
	errUnknownNode      = errors.New("unknown node")
	errTimeout          = errors.New("RPC timeout")
	errClockWarp        = errors.New("reply deadline too far in the future")
	errClosed           = errors.New("socket closed")
	errLowPort          = errors.New("low port")
	errNoUDPEndpoint    = errors.New("node has no UDP endpoint")
	errRateLimited      = errors.New("rate limited")
	errNetRestrict      = errors.New("not contained in netrestrict list")
	errRecordID         = errors.New("invalid ID in response record")
)

const (
	expiration     = 20 * time.Second // lifetime of sent packets
	bondExpiration = 24 * time.Hour   // validity of an endpoint proof

	maxPacketSources = 4096 // source IPs tracked by the packet limiter

	// After this many timeouts in a row without any reply, the local clock is
	// suspected and a warning is logged, at most once per cooldown.
	timeoutWarnThreshold = 32
	timeoutWarnCooldown  = 10 * time.Minute
)

// UDPv4 is the discovery v4 endpoint. It owns the socket, the routing table
// and the reply dispatcher.
type UDPv4 struct {
	conn        UDPConn
	priv        *ecdsa.PrivateKey
	localNode   *enode.LocalNode
	db          *enode.DB
	tab         *Table
	netrestrict *netutil.Netlist
	limiter     *netutil.IPRateLimiter
	respTimeout time.Duration
	log         log.Logger

	addReplyMatcher chan *replyMatcher
	gotreply        chan reply
	closeCtx        context.Context
	cancelCloseCtx  context.CancelFunc
	closeOnce       sync.Once
	wg              sync.WaitGroup
}

// replyMatcher is a request that waits for replies from (from, ip). A single
// FINDNODE may be answered by several NEIGHBORS packets, so completion is
// decided by the callback.
type replyMatcher struct {
	from     enode.ID
	ip       netip.Addr
	ptype    byte
	deadline time.Time

	// callback inspects a reply of the right kind. matched reports whether it
	// belongs to this request, done whether the request is complete.
	callback replyMatchFunc

	// errc receives nil on completion, or the reason the request failed.
	errc chan error

	// reply is the last matched reply. It may be read after errc fired.
	reply v4wire.Packet
}

type replyMatchFunc func(v4wire.Packet) (matched, done bool)

// reply is a received response on its way to the dispatcher.
type reply struct {
	from    enode.ID
	ip      netip.Addr
	data    v4wire.Packet
	matched chan<- bool
}

// ListenV4 runs discovery on c. The listener owns c and closes it in Close.
func ListenV4(c UDPConn, ln *enode.LocalNode, cfg Config) (*UDPv4, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPv4{
		conn:            newMeteredConn(c),
		priv:            cfg.PrivateKey,
		localNode:       ln,
		db:              ln.Database(),
		netrestrict:     cfg.NetRestrict,
		limiter:         netutil.NewIPRateLimiter(cfg.PacketRate, cfg.PacketBurst, maxPacketSources),
		respTimeout:     cfg.RequestTimeout,
		log:             cfg.Log,
		addReplyMatcher: make(chan *replyMatcher),
		gotreply:        make(chan reply),
		closeCtx:        ctx,
		cancelCloseCtx:  cancel,
	}
	tab, err := newTable(t, t.db, cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	t.tab = tab
	go tab.loop()

	t.wg.Add(2)
	go t.dispatchLoop()
	go t.readLoop()
	return t, nil
}

// Self returns the local node record.
func (t *UDPv4) Self() *enode.Node {
	return t.localNode.Node()
}

// Close stops the socket, fails all pending requests and waits for the table
// to shut down.
func (t *UDPv4) Close() {
	t.closeOnce.Do(func() {
		t.cancelCloseCtx()
		t.conn.Close()
		t.wg.Wait()
		t.tab.close()
	})
}

// Ping checks that n answers on its UDP endpoint.
func (t *UDPv4) Ping(n *enode.Node) error {
	_, err := t.ping(n)
	return err
}

// ReadRandomNodes fills buf with live table entries.
func (t *UDPv4) ReadRandomNodes(buf []*enode.Node) int {
	return t.tab.ReadRandomNodes(buf)
}

// Resolve returns the most recent record of n it can find: from n itself,
// from a newer table entry, or by looking up its ID. When all of that fails
// it returns n.
func (t *UDPv4) Resolve(n *enode.Node) *enode.Node {
	if rec, err := t.RequestENR(n); err == nil {
		return rec
	}
	if known := t.tab.getNode(n.ID()); known != nil && known.Seq() > n.Seq() {
		n = known
		if rec, err := t.RequestENR(n); err == nil {
			return rec
		}
	}
	key := n.Pubkey()
	if key == nil {
		return n
	}
	for _, found := range t.LookupPubkey(key) {
		if found.ID() != n.ID() {
			continue
		}
		if rec, err := t.RequestENR(found); err == nil {
			return rec
		}
	}
	return n
}

// LookupPubkey returns the closest proven nodes to the ID of key. An empty
// table is refreshed first.
func (t *UDPv4) LookupPubkey(key *ecdsa.PublicKey) []*enode.Node {
	if t.tab.len() == 0 {
		<-t.tab.refresh()
	}
	return t.newLookup(t.closeCtx, v4wire.EncodePubkey(key)).run()
}

// LookupRandom runs one lookup toward a random target.
func (t *UDPv4) LookupRandom() []*enode.Node {
	return t.lookupRandom()
}

// RandomNodes returns an iterator over proven nodes found by random lookups.
func (t *UDPv4) RandomNodes() enode.Iterator {
	return newLookupIterator(t.closeCtx, t.newRandomLookup)
}

func (t *UDPv4) lookupRandom() []*enode.Node {
	return t.newRandomLookup(t.closeCtx).run()
}

func (t *UDPv4) lookupSelf() []*enode.Node {
	return t.newLookup(t.closeCtx, v4wire.EncodePubkey(&t.priv.PublicKey)).run()
}

func (t *UDPv4) newRandomLookup(ctx context.Context) *lookup {
	var key v4wire.Pubkey
	crand.Read(key[:])
	return t.newLookup(ctx, key)
}

func (t *UDPv4) newLookup(ctx context.Context, key v4wire.Pubkey) *lookup {
	return newLookup(ctx, t.tab, key.ID(), func(n *enode.Node) ([]*enode.Node, error) {
		addr, ok := n.UDPEndpoint()
		if !ok {
			return nil, errNoUDPEndpoint
		}
		return t.findnode(n.ID(), addr, key)
	})
}

// ping sends PING to n and waits for the PONG, trying twice. It returns the
// record seq announced in the pong.
func (t *UDPv4) ping(n *enode.Node) (seq uint64, err error) {
	addr, ok := n.UDPEndpoint()
	if !ok {
		return 0, errNoUDPEndpoint
	}
	err = t.withRetry(func() error {
		rm := t.sendPing(n.ID(), addr, nil)
		if err := <-rm.errc; err != nil {
			return err
		}
		seq = rm.reply.(*v4wire.Pong).ENRSeq
		return nil
	})
	return seq, err
}

// sendPing sends PING without waiting. onPong runs on the dispatcher
// goroutine when the matching PONG arrives.
func (t *UDPv4) sendPing(toid enode.ID, toaddr netip.AddrPort, onPong func()) *replyMatcher {
	req := &v4wire.Ping{
		Version:    4,
		From:       t.ourEndpoint(),
		To:         v4wire.NewEndpoint(toaddr, 0),
		Expiration: t.expiry(),
		ENRSeq:     t.localNode.Node().Seq(),
	}
	packet, hash, err := v4wire.Encode(t.priv, req)
	if err != nil {
		return failedRequest(err)
	}
	rm := t.expectReply(toid, toaddr.Addr(), v4wire.PongPacket, func(p v4wire.Packet) (bool, bool) {
		ok := bytes.Equal(p.(*v4wire.Pong).ReplyTok, hash)
		if ok && onPong != nil {
			onPong()
		}
		return ok, ok
	})
	t.localNode.UDPContact(toaddr)
	t.write(toaddr, toid, req.Name(), packet)
	return rm
}

// findnode asks toid for the nodes closest to target and collects NEIGHBORS
// packets until bucketSize nodes arrived or the request times out. A timeout
// after at least one reply is not an error.
func (t *UDPv4) findnode(toid enode.ID, toaddr netip.AddrPort, target v4wire.Pubkey) ([]*enode.Node, error) {
	t.ensureBond(toid, toaddr)

	var nodes []*enode.Node
	err := t.withRetry(func() error {
		nodes = make([]*enode.Node, 0, bucketSize)
		received := 0
		rm := t.expectReply(toid, toaddr.Addr(), v4wire.NeighborsPacket, func(p v4wire.Packet) (bool, bool) {
			for _, rn := range p.(*v4wire.Neighbors).Nodes {
				received++
				n, err := t.nodeFromRPC(toaddr, rn)
				if err != nil {
					t.log.Trace("Invalid neighbor node received", "ip", rn.IP, "addr", toaddr, "err", err)
					continue
				}
				nodes = append(nodes, n)
			}
			return true, received >= bucketSize
		})
		t.send(toaddr, toid, &v4wire.Findnode{Target: target, Expiration: t.expiry()})

		err := <-rm.errc
		if errors.Is(err, errTimeout) && rm.reply != nil {
			return nil
		}
		return err
	})
	return nodes, err
}

// RequestENR fetches the record of n. A response older than n yields n, and
// a response naming a different ID or an unrelayable address is an error.
func (t *UDPv4) RequestENR(n *enode.Node) (*enode.Node, error) {
	addr, ok := n.UDPEndpoint()
	if !ok {
		return nil, errNoUDPEndpoint
	}
	t.ensureBond(n.ID(), addr)

	var resp *v4wire.ENRResponse
	err := t.withRetry(func() error {
		req := &v4wire.ENRRequest{Expiration: t.expiry()}
		packet, hash, err := v4wire.Encode(t.priv, req)
		if err != nil {
			return err
		}
		rm := t.expectReply(n.ID(), addr.Addr(), v4wire.ENRResponsePacket, func(p v4wire.Packet) (bool, bool) {
			ok := bytes.Equal(p.(*v4wire.ENRResponse).ReplyTok, hash)
			return ok, ok
		})
		t.write(addr, n.ID(), req.Name(), packet)
		if err := <-rm.errc; err != nil {
			return err
		}
		resp = rm.reply.(*v4wire.ENRResponse)
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec, err := enode.New(enode.ValidSchemes, &resp.Record)
	switch {
	case err != nil:
		return nil, err
	case rec.ID() != n.ID():
		return nil, errRecordID
	case rec.Seq() < n.Seq():
		return n, nil
	}
	if err := netutil.CheckRelayAddr(addr.Addr(), rec.IPAddr()); err != nil {
		return nil, fmt.Errorf("invalid IP in response record: %w", err)
	}
	return rec, nil
}

// withRetry runs req and repeats it once if it timed out.
func (t *UDPv4) withRetry(req func() error) error {
	if err := req(); !errors.Is(err, errTimeout) {
		return err
	}
	return req()
}

// ensureBond makes sure the remote side holds an endpoint proof for us, so it
// will answer FINDNODE and ENRREQUEST. If it hasn't pinged us recently, or
// keeps failing our queries, we ping it and give it one response timeout to
// ping back.
func (t *UDPv4) ensureBond(toid enode.ID, toaddr netip.AddrPort) {
	lastPing := t.db.LastPingReceived(toid, toaddr.Addr())
	if time.Since(lastPing) <= bondExpiration && t.db.FindFails(toid, toaddr.Addr()) <= maxFindnodeFailures {
		return
	}
	<-t.sendPing(toid, toaddr, nil).errc
	time.Sleep(t.respTimeout)
}

// checkBond reports whether id answered a ping from addr within bondExpiration.
func (t *UDPv4) checkBond(id enode.ID, addr netip.AddrPort) bool {
	return t.db.HasEndpointProof(id, addr.Addr(), bondExpiration, time.Now())
}

func (t *UDPv4) ourEndpoint() v4wire.Endpoint {
	self := t.Self()
	addr, ok := self.UDPEndpoint()
	if !ok {
		return v4wire.Endpoint{}
	}
	return v4wire.NewEndpoint(addr, uint16(self.TCP()))
}

func (t *UDPv4) expiry() uint64 {
	return uint64(time.Now().Add(expiration).Unix())
}

func failedRequest(err error) *replyMatcher {
	errc := make(chan error, 1)
	errc <- err
	return &replyMatcher{errc: errc}
}

// expectReply registers a reply matcher with the dispatcher.
func (t *UDPv4) expectReply(id enode.ID, ip netip.Addr, ptype byte, callback replyMatchFunc) *replyMatcher {
	rm := &replyMatcher{from: id, ip: ip, ptype: ptype, callback: callback, errc: make(chan error, 1)}
	select {
	case t.addReplyMatcher <- rm:
	case <-t.closeCtx.Done():
		rm.errc <- errClosed
	}
	return rm
}

// handleReply passes a reply to the dispatcher and reports whether any
// pending request accepted it.
func (t *UDPv4) handleReply(from enode.ID, ip netip.Addr, p v4wire.Packet) bool {
	matched := make(chan bool, 1)
	select {
	case t.gotreply <- reply{from: from, ip: ip, data: p, matched: matched}:
		return <-matched
	case <-t.closeCtx.Done():
		return false
	}
}

// dispatchLoop owns the pending requests. It matches replies to them and
// fails them when their deadline passes.
func (t *UDPv4) dispatchLoop() {
	defer t.wg.Done()

	var (
		pending  []*replyMatcher
		timer    = time.NewTimer(time.Hour)
		timeouts int // in a row, reset by any matched reply
		lastWarn time.Time
	)
	defer timer.Stop()

	for {
		t.armTimer(timer, &pending, time.Now())

		select {
		case <-t.closeCtx.Done():
			for _, rm := range pending {
				rm.errc <- errClosed
			}
			return

		case rm := <-t.addReplyMatcher:
			rm.deadline = time.Now().Add(t.respTimeout)
			pending = append(pending, rm)

		case r := <-t.gotreply:
			accepted := false
			pending = slices.DeleteFunc(pending, func(rm *replyMatcher) bool {
				if rm.from != r.from || rm.ip != r.ip || rm.ptype != r.data.Kind() {
					return false
				}
				timeouts = 0
				ok, done := rm.callback(r.data)
				if ok {
					accepted = true
					rm.reply = r.data
				}
				if done {
					rm.errc <- nil
				}
				return done
			})
			r.matched <- accepted

		case now := <-timer.C:
			pending = slices.DeleteFunc(pending, func(rm *replyMatcher) bool {
				if now.Before(rm.deadline) {
					return false
				}
				rm.errc <- errTimeout
				timeouts++
				return true
			})
			if timeouts > timeoutWarnThreshold {
				if time.Since(lastWarn) >= timeoutWarnCooldown {
					lastWarn = time.Now()
					t.log.Warn("Many discovery requests timed out, check the system clock", "timeouts", timeouts)
				}
				timeouts = 0
			}
		}
	}
}

// armTimer sets timer to the earliest pending deadline. A deadline further
// away than two response timeouts means the clock went backwards; such
// requests fail with errClockWarp.
func (t *UDPv4) armTimer(timer *time.Timer, pending *[]*replyMatcher, now time.Time) {
	timer.Stop()
	var next time.Time
	*pending = slices.DeleteFunc(*pending, func(rm *replyMatcher) bool {
		if rm.deadline.Sub(now) >= 2*t.respTimeout {
			rm.errc <- errClockWarp
			return true
		}
		if next.IsZero() || rm.deadline.Before(next) {
			next = rm.deadline
		}
		return false
	})
	if !next.IsZero() {
		timer.Reset(next.Sub(now))
	}
}

func (t *UDPv4) send(toaddr netip.AddrPort, toid enode.ID, req v4wire.Packet) ([]byte, error) {
	packet, hash, err := v4wire.Encode(t.priv, req)
	if err != nil {
		return hash, err
	}
	return hash, t.write(toaddr, toid, req.Name(), packet)
}

func (t *UDPv4) write(toaddr netip.AddrPort, toid enode.ID, what string, packet []byte) error {
	_, err := t.conn.WriteToUDPAddrPort(packet, toaddr)
	t.log.Trace(">> "+what, "id", toid, "addr", toaddr, "err", err)
	if err == nil {
		metrics().packets.WithLabelValues(dirEgress, what).Inc()
	}
	return err
}

// readLoop feeds received datagrams to handlePacket until the socket fails
// permanently.
func (t *UDPv4) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, v4wire.MaxPacketSize)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		switch {
		case netutil.IsTemporaryError(err):
			t.log.Debug("Temporary UDP read error", "err", err)
		case err != nil:
			if !errors.Is(err, io.EOF) {
				t.log.Debug("UDP read error", "err", err)
			}
			return
		default:
			t.handlePacket(from, buf[:n])
		}
	}
}

// nodeToRPC converts n to a NEIGHBORS entry.
func nodeToRPC(n *enode.Node) v4wire.Node {
	var id v4wire.Pubkey
	if key := n.Pubkey(); key != nil {
		id = v4wire.EncodePubkey(key)
	}
	return v4wire.Node{ID: id, IP: n.IP(), UDP: uint16(n.UDP()), TCP: uint16(n.TCP())}
}

// nodeFromRPC validates a NEIGHBORS entry sent by sender. The result has no
// signed record and no endpoint proof.
func (t *UDPv4) nodeFromRPC(sender netip.AddrPort, rn v4wire.Node) (*enode.Node, error) {
	if rn.UDP <= 1024 {
		return nil, errLowPort
	}
	ip := netutil.IPToAddr(rn.IP)
	if err := netutil.CheckRelayAddr(sender.Addr(), ip); err != nil {
		return nil, err
	}
	if t.netrestrict != nil && !t.netrestrict.ContainsAddr(ip) {
		return nil, errNetRestrict
	}
	key, err := v4wire.DecodePubkey(crypto.S256(), rn.ID)
	if err != nil {
		return nil, err
	}
	n := enode.NewV4(key, rn.IP, int(rn.TCP), int(rn.UDP))
	return n, n.ValidateComplete()
}
