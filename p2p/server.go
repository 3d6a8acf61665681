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

// Package p2p implements the devp2p networking layer: the RLPx session
// protocol, peer management and node discovery.
package p2p

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"maps"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethp2p/devp2p/p2p/discover"
	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/ethp2p/devp2p/p2p/enr"
	"github.com/ethp2p/devp2p/p2p/nat"
	"github.com/ethp2p/devp2p/p2p/netutil"
	"golang.org/x/sync/errgroup"
)

const reputationPruneInterval = time.Minute

var (
	errServerStopped  = errors.New("server stopped")
	errNetRestrict    = errors.New("not in netrestrict list")
	errThrottled      = errors.New("too many attempts")
	errTooManyInbound = errors.New("too many inbound connections")

	// ErrBanned is returned for connections to banned nodes.
	ErrBanned = DiscBanned
)

// Server keeps the peer set. It accepts and dials connections, runs the
// handshakes and starts a session for every connection that passes the
// admission checks.
type Server struct {
	Config // read-only while running

	// Replaced by tests to run without the network stack.
	newTransport func(net.Conn, *ecdsa.PublicKey) transport
	newPeerHook  func(*Peer)
	listenFunc   func(network, addr string) (net.Listener, error)

	mu      sync.Mutex
	running bool

	log          log.Logger
	listener     net.Listener
	localnode    *enode.LocalNode
	nodedb       *enode.DB
	ntab         discoverTable
	rep          *ReputationManager
	inboundLimit *netutil.IPRateLimiter
	ourHandshake *protoHandshake
	lastLookup   time.Time // owned by the dial task running lookups

	// Inbound sessions and accepted connections still in the handshake.
	// listenLoop reads them to refuse connections before any work is done.
	inboundPeers   atomic.Int32
	pendingInbound atomic.Int32

	ctx    context.Context // canceled by Stop, bounds dial attempts
	cancel context.CancelFunc
	quit   chan struct{}

	// Requests to the main loop.
	addstatic     chan *enode.Node
	removestatic  chan *enode.Node
	peerOp        chan peerOpFunc
	peerOpDone    chan struct{}
	posthandshake chan *conn
	addpeer       chan *conn
	delpeer       chan peerDrop

	loopWG   sync.WaitGroup // main loop, listener and NAT mappings
	peerFeed event.FeedOf[*PeerEvent]
}

type peerOpFunc func(map[enode.ID]*Peer)

// peerDrop is sent to the main loop when a session ended.
type peerDrop struct {
	*Peer
	err       error
	requested bool // the remote side disconnected
}

// Start launches the listener, discovery and the main loop. A stopped server
// cannot be started again.
func (srv *Server) Start() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	switch {
	case srv.running:
		return errors.New("server already running")
	case srv.PrivateKey == nil:
		return errors.New("Server.PrivateKey must be set to a non-nil key")
	case srv.MaxPeers <= 0:
		return errors.New("Server.MaxPeers must be > 0")
	}
	srv.running = true
	srv.Config = srv.Config.withDefaults()
	srv.log = srv.Config.Logger
	srv.log.Info("Starting P2P networking")

	if srv.newTransport == nil {
		srv.newTransport = newRLPX
	}
	if srv.listenFunc == nil {
		srv.listenFunc = net.Listen
	}
	if srv.Dialer == nil {
		srv.Dialer = TCPDialer{&net.Dialer{Timeout: defaultDialTimeout}}
	}
	srv.ctx, srv.cancel = context.WithCancel(context.Background())
	srv.quit = make(chan struct{})
	srv.addstatic = make(chan *enode.Node)
	srv.removestatic = make(chan *enode.Node)
	srv.peerOp = make(chan peerOpFunc)
	srv.peerOpDone = make(chan struct{})
	srv.posthandshake = make(chan *conn)
	srv.addpeer = make(chan *conn)
	srv.delpeer = make(chan peerDrop)

	srv.rep = NewReputationManager(srv.Config.Reputation, srv.Clock)
	srv.rep.log = srv.log
	for _, n := range srv.TrustedNodes {
		srv.rep.Trust(n.ID())
	}
	srv.inboundLimit = netutil.NewIPRateLimiter(srv.InboundThrottle, srv.InboundThrottleBurst, inboundThrottleSources)

	for _, setup := range []func() error{srv.setupLocalNode, srv.setupListening, srv.setupDiscovery} {
		if err := setup(); err != nil {
			return err
		}
	}
	dialer := newDialState(srv.localnode.ID(), srv.StaticNodes, srv.BootstrapNodes, srv.ntab, srv.maxDialedConns(), srv.NetRestrict, srv.rep)
	dialer.log = srv.log
	srv.spawn(func() { srv.run(dialer) })
	return nil
}

// Stop closes all sessions and waits until the server's goroutines exited.
func (srv *Server) Stop() {
	srv.mu.Lock()
	if !srv.running {
		srv.mu.Unlock()
		return
	}
	srv.running = false
	srv.cancel()
	close(srv.quit)

	// Closing the listener unblocks Accept. Closing discovery ends any
	// running lookup, so pending discover tasks finish quickly.
	var g errgroup.Group
	if srv.listener != nil {
		g.Go(srv.listener.Close)
	}
	if srv.ntab != nil {
		g.Go(func() error {
			srv.ntab.Close()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		srv.log.Debug("Error closing listener", "err", err)
	}
	srv.mu.Unlock()
	srv.loopWG.Wait()
}

// spawn runs fn on a goroutine that Stop waits for.
func (srv *Server) spawn(fn func()) {
	srv.loopWG.Add(1)
	go func() {
		defer srv.loopWG.Done()
		fn()
	}()
}

// setupLocalNode prepares our Hello message and the local record.
func (srv *Server) setupLocalNode() error {
	caps := make([]Cap, 0, len(srv.Protocols))
	for _, p := range srv.Protocols {
		caps = append(caps, p.cap())
	}
	slices.SortFunc(caps, Cap.Cmp)
	srv.ourHandshake = &protoHandshake{
		Version: baseProtocolVersion,
		Name:    srv.Name,
		Caps:    caps,
		ID:      crypto.FromECDSAPub(&srv.PrivateKey.PublicKey)[1:],
	}

	db, err := enode.OpenDB(srv.NodeDatabase)
	if err != nil {
		return err
	}
	srv.nodedb = db
	srv.localnode = enode.NewLocalNode(db, srv.PrivateKey)
	srv.localnode.SetFallbackIP(net.IPv4(127, 0, 0, 1))
	srv.resolveExternalIP()
	return nil
}

// resolveExternalIP puts the NAT's external address into the local record. A
// router query may take a while and runs in the background.
func (srv *Server) resolveExternalIP() {
	if srv.NAT == nil {
		return
	}
	if _, static := srv.NAT.(nat.ExtIP); static {
		ip, _ := srv.NAT.ExternalIP()
		srv.localnode.SetStaticIP(ip)
		return
	}
	srv.spawn(func() {
		if ip, err := srv.NAT.ExternalIP(); err == nil {
			srv.localnode.SetStaticIP(ip)
		}
	})
}

// mapPort keeps a port mapping on the NAT until the server stops.
func (srv *Server) mapPort(protocol string, ip net.IP, port int, name string) {
	if srv.NAT == nil || ip.IsLoopback() {
		return
	}
	srv.spawn(func() { nat.Map(srv.NAT, srv.quit, protocol, port, port, name) })
}

func (srv *Server) setupListening() error {
	if srv.ListenAddr == "" {
		return nil
	}
	listener, err := srv.listenFunc("tcp", srv.ListenAddr)
	if err != nil {
		return err
	}
	srv.listener = listener
	srv.ListenAddr = listener.Addr().String()
	if tcp, ok := listener.Addr().(*net.TCPAddr); ok {
		srv.localnode.Set(enr.TCP(tcp.Port))
		srv.mapPort("tcp", tcp.IP, tcp.Port, "devp2p p2p")
	}
	srv.spawn(srv.listenLoop)
	return nil
}

func (srv *Server) setupDiscovery() error {
	if srv.NoDiscovery {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", srv.ListenAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	laddr := conn.LocalAddr().(*net.UDPAddr)
	srv.log.Debug("UDP listener up", "addr", laddr)
	srv.mapPort("udp", laddr.IP, laddr.Port, "devp2p discovery")
	srv.localnode.SetFallbackUDP(laddr.Port)

	tab, err := discover.ListenV4(conn, srv.localnode, discover.Config{
		PrivateKey:  srv.PrivateKey,
		NetRestrict: srv.NetRestrict,
		Bootnodes:   srv.BootstrapNodes,
		Log:         srv.log,
		Clock:       srv.Clock,
	})
	if err != nil {
		conn.Close()
		return err
	}
	srv.ntab = tab
	return nil
}

// Self returns the current local record. Before Start it is a bare record
// holding only the public key.
func (srv *Server) Self() *enode.Node {
	srv.mu.Lock()
	ln := srv.localnode
	srv.mu.Unlock()
	if ln != nil {
		return ln.Node()
	}
	return enode.NewV4(&srv.PrivateKey.PublicKey, net.IPv4zero, 0, 0)
}

// LocalNode returns the local record builder.
func (srv *Server) LocalNode() *enode.LocalNode {
	return srv.localnode
}

// Peers returns the active sessions.
func (srv *Server) Peers() []*Peer {
	var list []*Peer
	srv.doPeerOp(func(peers map[enode.ID]*Peer) {
		list = slices.Collect(maps.Values(peers))
	})
	return list
}

// PeerCount returns the number of active sessions.
func (srv *Server) PeerCount() (n int) {
	srv.doPeerOp(func(peers map[enode.ID]*Peer) { n = len(peers) })
	return n
}

// AddPeer makes node static. The server keeps dialing it whenever it is not
// connected and a slot is free.
func (srv *Server) AddPeer(node *enode.Node) {
	sendOrQuit(srv.addstatic, node, srv.quit)
}

// RemovePeer removes node from the static set and disconnects it.
func (srv *Server) RemovePeer(node *enode.Node) {
	sendOrQuit(srv.removestatic, node, srv.quit)
}

func sendOrQuit[T any](ch chan<- T, v T, quit <-chan struct{}) {
	select {
	case ch <- v:
	case <-quit:
	}
}

// doPeerOp runs fn on the main loop, which owns the peer map.
func (srv *Server) doPeerOp(fn peerOpFunc) {
	select {
	case srv.peerOp <- fn:
		<-srv.peerOpDone
	case <-srv.quit:
	}
}

// TrustNode lets the node connect beyond the peer limits. Trusted nodes are
// never banned by the reputation system.
func (srv *Server) TrustNode(id enode.ID) {
	srv.rep.Trust(id)
	srv.setTrusted(id, true)
}

// UntrustNode reverts TrustNode.
func (srv *Server) UntrustNode(id enode.ID) {
	srv.rep.Untrust(id)
	srv.setTrusted(id, false)
}

func (srv *Server) setTrusted(id enode.ID, trusted bool) {
	srv.doPeerOp(func(peers map[enode.ID]*Peer) {
		if p := peers[id]; p != nil {
			p.rw.set(trustedConn, trusted)
		}
	})
}

// BanNode bans the node for d and ends its session. A non-positive d selects
// the configured ban duration.
func (srv *Server) BanNode(id enode.ID, d time.Duration) {
	srv.rep.Ban(id, d)
	srv.peerFeed.Send(&PeerEvent{Type: PeerEventTypeBan, Peer: id, State: StateBanned.String()})
	srv.doPeerOp(func(peers map[enode.ID]*Peer) {
		if p := peers[id]; p != nil {
			p.rw.setState(StateBanned)
			p.Disconnect(DiscBanned)
		}
	})
}

// UnbanNode lifts a ban and resets the node's score.
func (srv *Server) UnbanNode(id enode.ID) {
	srv.rep.Unban(id)
}

func (srv *Server) Reputation() *ReputationManager {
	return srv.rep
}

// SubscribeEvents delivers peer add, drop and ban events to ch.
func (srv *Server) SubscribeEvents(ch chan *PeerEvent) event.Subscription {
	return srv.peerFeed.Subscribe(ch)
}
