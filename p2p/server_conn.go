// Copyright 2014 The go-ethereum Authors
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

package p2p

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/ethp2p/devp2p/p2p/netutil"
	"golang.org/x/sync/semaphore"
)

// listenLoop accepts inbound connections. At most MaxPendingPeers of them go
// through the handshakes at once. It returns after all of them finished.
func (srv *Server) listenLoop() {
	srv.log.Debug("TCP listener up", "addr", srv.listener.Addr())

	ctx := context.Background()
	pending := int64(srv.MaxPendingPeers)
	sem := semaphore.NewWeighted(pending)
	defer sem.Acquire(ctx, pending)

	for {
		sem.Acquire(ctx, 1)
		fd, err := srv.accept()
		if err != nil {
			srv.log.Debug("Read error", "err", err)
			sem.Release(1)
			return
		}
		remoteIP := netutil.AddrAddr(fd.RemoteAddr())
		if err := srv.checkInboundConn(remoteIP); err != nil {
			srv.log.Debug("Rejected inbound connection", "addr", fd.RemoteAddr(), "err", err)
			rejectCounter(err)
			fd.Close()
			sem.Release(1)
			continue
		}
		if remoteIP.IsValid() {
			fd = newMeteredConn(fd, true)
			srv.log.Trace("Accepted connection", "addr", fd.RemoteAddr())
		}
		srv.pendingInbound.Add(1)
		go func() {
			srv.SetupConn(fd, inboundConn, nil)
			srv.pendingInbound.Add(-1)
			sem.Release(1)
		}()
	}
}

// accept waits for the next connection. Temporary errors are retried.
func (srv *Server) accept() (net.Conn, error) {
	var lastLog time.Time
	for {
		fd, err := srv.listener.Accept()
		if err == nil || !netutil.IsTemporaryError(err) {
			return fd, err
		}
		if time.Since(lastLog) > time.Second {
			srv.log.Debug("Temporary read error", "err", err)
			lastLog = time.Now()
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// checkInboundConn admits an accepted connection before the handshake.
// Nothing is written to a rejected connection.
func (srv *Server) checkInboundConn(remoteIP netip.Addr) error {
	if remoteIP.IsValid() {
		if srv.NetRestrict != nil && !srv.NetRestrict.ContainsAddr(remoteIP) {
			return errNetRestrict
		}
		// LAN hosts are not throttled.
		if !netutil.AddrIsLAN(remoteIP) && !srv.inboundLimit.Allow(remoteIP) {
			return errThrottled
		}
	}
	// Slots promised to pending handshakes count as taken.
	if int(srv.inboundPeers.Load()+srv.pendingInbound.Load()) >= srv.maxInboundConns() {
		return errTooManyInbound
	}
	return nil
}

// SetupConn runs both handshakes on fd and adds the session to the peer set.
// dialDest is nil for inbound connections. It returns once the session is
// running or the setup failed.
func (srv *Server) SetupConn(fd net.Conn, flags connFlag, dialDest *enode.Node) error {
	var destKey *ecdsa.PublicKey
	if dialDest != nil {
		destKey = dialDest.Pubkey()
	}
	c := &conn{fd: fd, flags: flags, cont: make(chan error), transport: srv.newTransport(fd, destKey)}
	c.setState(StateDialing)

	err := srv.setupConn(c, dialDest)
	if err != nil {
		banned := c.node != nil && srv.rep.IsBanned(c.node.ID())
		c.finish(banned)
		c.close(err)
	}
	return err
}

func (srv *Server) setupConn(c *conn, dialDest *enode.Node) error {
	// Connections accepted before Stop must not start a handshake.
	srv.mu.Lock()
	running := srv.running
	srv.mu.Unlock()
	if !running {
		return errServerStopped
	}
	if dialDest != nil && dialDest.Pubkey() == nil {
		return errors.New("dial destination doesn't have a secp256k1 public key")
	}
	if err := srv.encHandshake(c, dialDest); err != nil {
		return err
	}
	return srv.protoHandshake(c)
}

// encHandshake runs the RLPx key agreement, which reveals the remote
// identity, and then the first admission check.
func (srv *Server) encHandshake(c *conn, dialDest *enode.Node) error {
	c.setState(StateHandshaking)
	remoteKey, err := c.doEncHandshake(srv.PrivateKey)
	if err != nil {
		srv.log.Trace("Failed RLPx handshake", "addr", c.fd.RemoteAddr(), "conn", c.flags, "err", err)
		handshakeCounter(c.is(inboundConn), err)
		if dialDest != nil {
			srv.handshakeFailed(dialDest.ID(), err)
		}
		return err
	}
	c.node = dialDest
	if c.node == nil {
		c.node = nodeFromConn(remoteKey, c.fd)
	}
	c.setState(StateNegotiating)
	if err := srv.checkpoint(c, srv.posthandshake); err != nil {
		srv.connLog(c).Trace("Rejected peer", "err", err)
		return err
	}
	return nil
}

// protoHandshake exchanges Hello messages and runs the final admission check.
func (srv *Server) protoHandshake(c *conn) error {
	clog := srv.connLog(c)
	inbound := c.is(inboundConn)
	hello, err := c.doProtoHandshake(srv.ourHandshake)
	if err != nil {
		clog.Trace("Failed p2p handshake", "err", err)
		handshakeCounter(inbound, err)
		// A disconnect instead of Hello is the remote's call, not a failure.
		if _, remote := err.(DiscReason); !remote {
			srv.handshakeFailed(c.node.ID(), err)
		}
		return err
	}
	if key, err := hello.pubkey(); err != nil || enode.PubkeyToIDV4(key) != c.node.ID() {
		clog.Trace("Wrong devp2p handshake identity", "phsid", fmt.Sprintf("%x", hello.ID))
		handshakeCounter(inbound, DiscUnexpectedIdentity)
		srv.penalize(c.node.ID(), PenaltyProtocolViolation)
		return DiscUnexpectedIdentity
	}
	c.caps, c.name = hello.Caps, hello.Name
	if err := srv.checkpoint(c, srv.addpeer); err != nil {
		clog.Trace("Rejected peer", "err", err)
		return err
	}
	handshakeCounter(inbound, nil)
	srv.rep.HandshakeSucceeded(c.node.ID())
	return nil
}

func (srv *Server) connLog(c *conn) log.Logger {
	return srv.log.New("id", c.node.ID(), "addr", c.fd.RemoteAddr(), "conn", c.flags)
}

// checkpoint hands c to the main loop on stage and waits for its verdict.
func (srv *Server) checkpoint(c *conn, stage chan<- *conn) error {
	select {
	case stage <- c:
	case <-srv.quit:
		return errServerStopped
	}
	select {
	case err := <-c.cont:
		return err
	case <-srv.quit:
		return errServerStopped
	}
}

// handshakeFailed penalizes a known identity for a failed handshake. A remote
// side that hung up, or a stop on our side, is not counted.
func (srv *Server) handshakeFailed(id enode.ID, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, errServerStopped) {
		return
	}
	srv.penalize(id, PenaltyHandshakeFailure)
}

// penalize applies p and publishes a ban event if the node just got banned.
func (srv *Server) penalize(id enode.ID, p Penalty) (banned bool) {
	before := srv.rep.IsBanned(id)
	banned = srv.rep.Penalize(id, p)
	if banned && !before {
		srv.peerFeed.Send(&PeerEvent{Type: PeerEventTypeBan, Peer: id, State: StateBanned.String()})
	}
	return banned
}

// nodeFromConn builds the record of an inbound peer from its key and address.
func nodeFromConn(pubkey *ecdsa.PublicKey, fd net.Conn) *enode.Node {
	tcp, _ := fd.RemoteAddr().(*net.TCPAddr)
	if tcp == nil {
		return enode.NewV4(pubkey, nil, 0, 0)
	}
	return enode.NewV4(pubkey, tcp.IP, tcp.Port, tcp.Port)
}

func (srv *Server) launchPeer(c *conn) *Peer {
	p := newPeer(srv.log, c, srv.Protocols, peerConfig{
		stallTimeout:   srv.StallTimeout,
		writeQueueSize: srv.WriteQueueSize,
		rep:            srv.rep,
	})
	c.setState(StateActive)
	go srv.runPeer(p)
	return p
}

// runPeer drives a session and reports its end to the main loop.
func (srv *Server) runPeer(p *Peer) {
	if srv.newPeerHook != nil {
		srv.newPeerHook(p)
	}
	srv.peerFeed.Send(sessionEvent(PeerEventTypeAdd, p, p.State(), nil))

	remoteRequested, err := p.run()
	disconnectCounter(p.discReason)

	// The reputation outcome is settled before the slot is released.
	banned := false
	if pen := penaltyForError(err, remoteRequested); pen != 0 {
		banned = srv.penalize(p.ID(), pen)
	}
	state := p.rw.finish(banned || p.State() == StateBanned)

	// The main loop drains delpeer during shutdown, so this send does not
	// watch srv.quit. The drop event follows it, so subscribers never see
	// the peer in Peers after its drop event.
	srv.delpeer <- peerDrop{p, err, remoteRequested}
	srv.peerFeed.Send(sessionEvent(PeerEventTypeDrop, p, state, err))
}

func sessionEvent(typ PeerEventType, p *Peer, state SessionState, err error) *PeerEvent {
	ev := &PeerEvent{
		Type:          typ,
		Peer:          p.ID(),
		State:         state.String(),
		RemoteAddress: p.RemoteAddr().String(),
		LocalAddress:  p.LocalAddr().String(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
