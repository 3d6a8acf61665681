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
	"fmt"
	"net/netip"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethp2p/devp2p/p2p/discover/v4wire"
	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/ethp2p/devp2p/p2p/netutil"
)

// sender identifies the origin of a verified datagram.
type sender struct {
	addr netip.AddrPort
	id   enode.ID
	key  v4wire.Pubkey
	hash []byte // of the datagram, echoed as reply token
}

// followUp is the work a request triggers once it passed verification,
// usually sending the answer.
type followUp func()

// handlePacket handles one datagram from the socket.
func (t *UDPv4) handlePacket(from netip.AddrPort, buf []byte) error {
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	if err := t.admit(from.Addr()); err != nil {
		return err
	}
	p, key, hash, err := v4wire.Decode(buf)
	if err != nil {
		metrics().dropped.WithLabelValues("decode").Inc()
		t.log.Debug("Bad discv4 packet", "addr", from, "err", err)
		return err
	}
	src := sender{addr: from, id: key.ID(), key: key, hash: hash}

	var next followUp
	switch p := p.(type) {
	case *v4wire.Ping:
		next, err = t.onPing(p, src)
	case *v4wire.Pong:
		err = t.onPong(p, src)
	case *v4wire.Findnode:
		next, err = t.onFindnode(p, src)
	case *v4wire.Neighbors:
		err = t.onReply(p, p.Expiration, src)
	case *v4wire.ENRRequest:
		next, err = t.onENRRequest(p, src)
	case *v4wire.ENRResponse:
		err = t.onENRResponse(p, src)
	default:
		err = fmt.Errorf("unhandled packet %T", p)
	}
	t.log.Trace("<< "+p.Name(), "id", src.id, "addr", from, "err", err)
	if err == nil && next != nil {
		next()
	}
	metrics().packets.WithLabelValues(dirIngress, p.Name()).Inc()
	return err
}

// admit applies the network restriction and the per-IP rate limit.
func (t *UDPv4) admit(ip netip.Addr) error {
	if t.netrestrict != nil && !t.netrestrict.ContainsAddr(ip) {
		metrics().dropped.WithLabelValues("netrestrict").Inc()
		return errNetRestrict
	}
	if !t.limiter.Allow(ip) {
		metrics().dropped.WithLabelValues("ratelimit").Inc()
		t.log.Trace("Dropped packet over rate limit", "addr", ip)
		return errRateLimited
	}
	return nil
}

// onPing answers with PONG and offers the sender to the table. A sender
// without endpoint proof is pinged back first and only added once it answers.
func (t *UDPv4) onPing(req *v4wire.Ping, src sender) (followUp, error) {
	if v4wire.Expired(req.Expiration) {
		return nil, errExpired
	}
	pubkey, err := v4wire.DecodePubkey(crypto.S256(), src.key)
	if err != nil {
		return nil, err
	}
	return func() {
		t.send(src.addr, src.id, &v4wire.Pong{
			To:         v4wire.NewEndpoint(src.addr, req.From.TCP),
			ReplyTok:   src.hash,
			Expiration: t.expiry(),
			ENRSeq:     t.localNode.Node().Seq(),
		})

		// The contact carries no signed record. The table uses it to refresh
		// liveness and never lets it replace a stored record.
		n := enode.NewV4(pubkey, src.addr.Addr().AsSlice(), int(req.From.TCP), int(src.addr.Port()))
		if t.checkBond(src.id, src.addr) {
			t.tab.addInbound(n)
		} else {
			t.sendPing(src.id, src.addr, func() { t.tab.addInbound(n) })
		}

		t.db.UpdateLastPingReceived(src.id, src.addr.Addr(), time.Now())
		t.localNode.UDPEndpointStatement(src.addr, wireAddr(req.To))
	}, nil
}

// onPong completes a pending ping and records the endpoint proof.
func (t *UDPv4) onPong(req *v4wire.Pong, src sender) error {
	if err := t.onReply(req, req.Expiration, src); err != nil {
		return err
	}
	t.localNode.UDPEndpointStatement(src.addr, wireAddr(req.To))
	t.db.UpdateLastPongReceived(src.id, src.addr.Addr(), time.Now())
	return nil
}

// onFindnode answers with the closest live table entries. Only senders with an
// endpoint proof get an answer; NEIGHBORS is much larger than FINDNODE and
// would otherwise amplify traffic toward a spoofed source address.
func (t *UDPv4) onFindnode(req *v4wire.Findnode, src sender) (followUp, error) {
	if v4wire.Expired(req.Expiration) {
		return nil, errExpired
	}
	if !t.checkBond(src.id, src.addr) {
		return nil, errUnknownNode
	}
	return func() {
		closest := t.tab.closest(req.Target.ID(), bucketSize, true).entries
		var batch []v4wire.Node
		for _, n := range closest {
			if netutil.CheckRelayAddr(src.addr.Addr(), n.IPAddr()) == nil {
				batch = append(batch, nodeToRPC(n))
			}
		}
		t.sendNeighbors(src, batch)
	}, nil
}

// sendNeighbors splits nodes into packets of at most MaxNeighbors. An empty
// result is still answered with one empty packet.
func (t *UDPv4) sendNeighbors(to sender, nodes []v4wire.Node) {
	for {
		chunk := nodes[:min(len(nodes), v4wire.MaxNeighbors)]
		nodes = nodes[len(chunk):]
		t.send(to.addr, to.id, &v4wire.Neighbors{Nodes: chunk, Expiration: t.expiry()})
		if len(nodes) == 0 {
			return
		}
	}
}

// onENRRequest answers with the local record. Like FINDNODE it requires an
// endpoint proof.
func (t *UDPv4) onENRRequest(req *v4wire.ENRRequest, src sender) (followUp, error) {
	if v4wire.Expired(req.Expiration) {
		return nil, errExpired
	}
	if !t.checkBond(src.id, src.addr) {
		return nil, errUnknownNode
	}
	return func() {
		t.send(src.addr, src.id, &v4wire.ENRResponse{
			ReplyTok: src.hash,
			Record:   *t.localNode.Node().Record(),
		})
	}, nil
}

// onENRResponse delivers the record to the pending request. ENRRESPONSE has no
// expiration field.
func (t *UDPv4) onENRResponse(resp *v4wire.ENRResponse, src sender) error {
	if !t.handleReply(src.id, src.addr.Addr(), resp) {
		return errUnsolicitedReply
	}
	return nil
}

// onReply delivers a reply with an expiration timestamp.
func (t *UDPv4) onReply(p v4wire.Packet, exp uint64, src sender) error {
	if v4wire.Expired(exp) {
		return errExpired
	}
	if !t.handleReply(src.id, src.addr.Addr(), p) {
		return errUnsolicitedReply
	}
	return nil
}

func wireAddr(e v4wire.Endpoint) netip.AddrPort {
	return netip.AddrPortFrom(netutil.IPToAddr(e.IP), e.UDP)
}
