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
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethp2p/devp2p/p2p/enode"
)

// run is the main loop. It owns the peer map and the dial state, and answers
// the admission checks of connections going through the handshakes.
func (srv *Server) run(ds *dialstate) {
	srv.log.Info("Started P2P networking", "self", srv.localnode.Node().URLv4())
	defer srv.nodedb.Close()

	peers := make(map[enode.ID]*Peer)
	tasks := newDialTasks(srv)
	prune := srv.Clock.NewTimer(reputationPruneInterval)
	defer prune.Stop()

loop:
	for {
		tasks.schedule(ds, peers)

		select {
		case <-srv.quit:
			break loop

		case n := <-srv.addstatic:
			srv.log.Trace("Adding static node", "node", n)
			ds.addStatic(n)

		case n := <-srv.removestatic:
			srv.log.Trace("Removing static node", "node", n)
			ds.removeStatic(n)
			if p := peers[n.ID()]; p != nil {
				p.Disconnect(DiscRequested)
			}

		case op := <-srv.peerOp:
			op(peers)
			srv.peerOpDone <- struct{}{}

		case t := <-tasks.done:
			srv.log.Trace("Dial task done", "task", t)
			ds.taskDone(t, time.Now())
			tasks.finish(t)

		case <-prune.C():
			srv.rep.Prune()
			prune.Reset(reputationPruneInterval)

		case c := <-srv.posthandshake:
			// The identity is known but not yet confirmed by the Hello.
			if srv.rep.IsTrusted(c.node.ID()) {
				c.set(trustedConn, true)
			}
			if !srv.answer(c, srv.postHandshakeChecks(peers, c)) {
				break loop
			}

		case c := <-srv.addpeer:
			err := srv.addPeerChecks(peers, c)
			if err == nil {
				p := srv.launchPeer(c)
				srv.peerAdded(peers, p)
				srv.log.Debug("Adding p2p peer", "peercount", len(peers), "id", p.ID(), "conn", c.flags, "addr", p.RemoteAddr(), "name", p.Name(), "caps", capNames(c.caps))
			}
			// Dial tasks must end after the peer is in the map, so the
			// handshake goroutine is released last.
			if !srv.answer(c, err) {
				break loop
			}

		case pd := <-srv.delpeer:
			srv.peerRemoved(peers, pd.Peer)
			srv.log.Debug("Removing p2p peer", "peercount", len(peers), "id", pd.ID(), "duration", common.PrettyDuration(mclock.Now()-pd.created), "req", pd.requested, "err", pd.err)
		}
	}
	srv.spindown(peers, tasks)
}

// spindown ends all sessions after the main loop quit. Discovery was closed
// by Stop already.
func (srv *Server) spindown(peers map[enode.ID]*Peer, tasks *dialTasks) {
	srv.log.Trace("P2P networking is spinning down")
	for _, p := range peers {
		p.Disconnect(DiscQuitting)
	}
	// Every session reports on delpeer. Inbound handshakes are awaited by
	// listenLoop and dial tasks below.
	for len(peers) > 0 {
		pd := <-srv.delpeer
		pd.log.Trace("Session ended during shutdown")
		srv.peerRemoved(peers, pd.Peer)
	}
	tasks.wait()
}

// answer releases the handshake goroutine waiting in checkpoint. It reports
// false if the server stopped first.
func (srv *Server) answer(c *conn, err error) bool {
	select {
	case c.cont <- err:
		return true
	case <-srv.quit:
		return false
	}
}

func (srv *Server) peerAdded(peers map[enode.ID]*Peer, p *Peer) {
	peers[p.ID()] = p
	srv.countPeer(p, 1)
}

func (srv *Server) peerRemoved(peers map[enode.ID]*Peer, p *Peer) {
	delete(peers, p.ID())
	srv.countPeer(p, -1)
}

func (srv *Server) countPeer(p *Peer, delta int32) {
	if p.Inbound() {
		srv.inboundPeers.Add(delta)
	}
	peerGauge(p.Inbound(), float64(delta))
}

// postHandshakeChecks admits a connection whose identity is known. Trusted
// nodes skip the slot limits.
func (srv *Server) postHandshakeChecks(peers map[enode.ID]*Peer, c *conn) error {
	id := c.node.ID()
	switch {
	case srv.rep.IsBanned(id):
		return DiscBanned
	case peers[id] != nil:
		return DiscAlreadyConnected
	case id == srv.localnode.ID():
		return DiscSelf
	case c.is(trustedConn):
		return nil
	case len(peers) >= srv.MaxPeers:
		return DiscTooManyPeers
	case c.is(inboundConn) && int(srv.inboundPeers.Load()) >= srv.maxInboundConns():
		return DiscTooManyPeers
	}
	return nil
}

// addPeerChecks runs after the Hello exchange. The peer set may have changed
// since postHandshakeChecks, so those run again.
func (srv *Server) addPeerChecks(peers map[enode.ID]*Peer, c *conn) error {
	if len(srv.Protocols) > 0 && sharedProtocols(srv.Protocols, c.caps) == 0 {
		return DiscUselessPeer
	}
	return srv.postHandshakeChecks(peers, c)
}

// dialTasks runs dial tasks for the main loop, at most maxActiveDialTasks at
// once. Tasks over the limit wait in order.
type dialTasks struct {
	srv     *Server
	running []task
	queued  []task
	done    chan task
}

func newDialTasks(srv *Server) *dialTasks {
	return &dialTasks{srv: srv, done: make(chan task, maxActiveDialTasks)}
}

// schedule starts queued tasks, then asks the dial state for new ones.
func (dt *dialTasks) schedule(ds *dialstate, peers map[enode.ID]*Peer) {
	dt.queued = dt.start(dt.queued)
	if len(dt.running) < maxActiveDialTasks {
		fresh := ds.newTasks(len(dt.running)+len(dt.queued), peers, time.Now())
		dt.queued = append(dt.queued, dt.start(fresh)...)
	}
}

// start launches tasks from ts while there is capacity and returns the rest.
func (dt *dialTasks) start(ts []task) []task {
	for len(ts) > 0 && len(dt.running) < maxActiveDialTasks {
		t := ts[0]
		ts = ts[1:]
		dt.srv.log.Trace("New dial task", "task", t)
		dt.running = append(dt.running, t)
		go func() {
			t.Do(dt.srv)
			dt.done <- t
		}()
	}
	return ts
}

func (dt *dialTasks) finish(t task) {
	if i := slices.Index(dt.running, t); i >= 0 {
		dt.running = slices.Delete(dt.running, i, i+1)
	}
}

// wait blocks until the running tasks are done. They watch srv.quit and end
// quickly once the server stops. Queued tasks are dropped.
func (dt *dialTasks) wait() {
	for len(dt.running) > 0 {
		dt.finish(<-dt.done)
	}
}
