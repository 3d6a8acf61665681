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
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/ethp2p/devp2p/p2p/enr"
)

// ErrShuttingDown is returned by capability writes after the session closed.
var ErrShuttingDown = errors.New("shutting down")

// Base protocol. Codes below baseProtocolLength belong to it, capability
// codes follow in name order.
const (
	baseProtocolVersion    = 5
	baseProtocolLength     = uint64(16)
	baseProtocolMaxMsgSize = 2 * 1024
	snappyProtocolVersion  = 5

	handshakeMsg = 0x00
	discMsg      = 0x01
	pingMsg      = 0x02
	pongMsg      = 0x03
)

const (
	pingInterval      = 15 * time.Second
	frameReadTimeout  = 30 * time.Second // longest a session may stay silent
	frameWriteTimeout = 20 * time.Second
)

// PeerEventType names what happened in a PeerEvent.
type PeerEventType string

const (
	PeerEventTypeAdd  PeerEventType = "add"  // session became active
	PeerEventTypeDrop PeerEventType = "drop" // session ended
	PeerEventTypeBan  PeerEventType = "ban"  // node banned, connected or not
)

// PeerEvent is published on the server's peer feed.
type PeerEvent struct {
	Type          PeerEventType `json:"type"`
	Peer          enode.ID      `json:"peer"`
	Error         string        `json:"error,omitempty"`
	State         string        `json:"state,omitempty"`
	LocalAddress  string        `json:"local,omitempty"`
	RemoteAddress string        `json:"remote,omitempty"`
}

// peerConfig carries the server settings a Peer needs.
type peerConfig struct {
	stallTimeout   time.Duration
	writeQueueSize int
	rep            *ReputationManager
}

// Peer is an active session with a remote node. It owns the read, write and
// ping loops and one goroutine per negotiated capability.
type Peer struct {
	rw      *conn
	active  map[string]*capRW
	log     log.Logger
	created mclock.AbsTime
	rep     *ReputationManager
	wg      sync.WaitGroup

	protoErr chan error
	pingRecv chan struct{}
	disc     chan DiscReason
	closed   chan struct{} // closed when the session starts tearing down

	// Capabilities share one bounded outbound queue. A producer blocked
	// longer than stallTimeout signals stalled. flushed is closed once
	// writeLoop has drained the queue and exited.
	writeq       chan Msg
	stallTimeout time.Duration
	stalled      chan struct{}
	flushed      chan struct{}

	discReason DiscReason // sent to the remote side, valid after run
}

// NewPeer creates a peer that is not backed by a connection. It exists for
// tests of capability code. All caps count as running.
func NewPeer(id enode.ID, name string, caps []Cap) *Peer {
	local := make([]Protocol, 0, len(caps))
	for _, c := range caps {
		local = append(local, Protocol{Name: c.Name, Version: c.Version})
	}
	fd, _ := net.Pipe()
	c := &conn{fd: fd, node: enode.SignNull(new(enr.Record), id), caps: caps, name: name}
	c.state.Store(int32(StateActive))

	p := newPeer(log.Root(), c, local, peerConfig{})
	close(p.closed)
	return p
}

func newPeer(logger log.Logger, c *conn, protocols []Protocol, cfg peerConfig) *Peer {
	p := &Peer{
		rw:           c,
		log:          logger.New("id", c.node.ID(), "conn", c.flags),
		created:      mclock.Now(),
		rep:          cfg.rep,
		protoErr:     make(chan error, len(protocols)+1), // capabilities and pingLoop
		pingRecv:     make(chan struct{}, 16),
		disc:         make(chan DiscReason),
		closed:       make(chan struct{}),
		writeq:       make(chan Msg, positiveOr(cfg.writeQueueSize, defaultWriteQueueSize)),
		stallTimeout: positiveOr(cfg.stallTimeout, defaultStallTimeout),
		stalled:      make(chan struct{}, 1),
		flushed:      make(chan struct{}),
	}
	p.active = matchProtocols(protocols, c.caps, p)
	return p
}

// positiveOr returns v, or def when v is not positive.
func positiveOr[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// ID returns the node ID of the remote node.
func (p *Peer) ID() enode.ID { return p.rw.node.ID() }

// Node returns the record the session was established with.
func (p *Peer) Node() *enode.Node { return p.rw.node }

// Fullname returns the client name sent in the handshake.
func (p *Peer) Fullname() string { return p.rw.name }

// Caps returns the capabilities advertised by the peer.
func (p *Peer) Caps() []Cap { return slices.Clone(p.rw.caps) }

func (p *Peer) RemoteAddr() net.Addr { return p.rw.fd.RemoteAddr() }
func (p *Peer) LocalAddr() net.Addr  { return p.rw.fd.LocalAddr() }

// State returns the lifecycle state of the session.
func (p *Peer) State() SessionState { return p.rw.sessionState() }

// Inbound reports whether the remote node dialed us.
func (p *Peer) Inbound() bool { return p.rw.is(inboundConn) }

// Log returns the session logger.
func (p *Peer) Log() log.Logger { return p.log }

// Name returns the advertised client name, cut to 20 characters.
func (p *Peer) Name() string {
	if name := p.rw.name; len(name) > 20 {
		return name[:20] + "..."
	}
	return p.rw.name
}

// RunningCap reports whether one of the given versions of protocol was
// negotiated with the peer.
func (p *Peer) RunningCap(protocol string, versions []uint) bool {
	rw, ok := p.active[protocol]
	return ok && slices.Contains(versions, rw.Version)
}

// Disconnect asks the session to end with reason. It does not wait for the
// connection to close.
func (p *Peer) Disconnect(reason DiscReason) {
	select {
	case p.disc <- reason:
	case <-p.closed:
	}
}

func (p *Peer) String() string {
	id := p.ID()
	return fmt.Sprintf("Peer %x %v", id[:8], p.RemoteAddr())
}

// run drives the session until one of its loops fails or a disconnect is
// requested. remoteRequested is set when the peer sent the disconnect.
func (p *Peer) run() (remoteRequested bool, err error) {
	readErr := make(chan error, 1)
	writeErr := make(chan error, 1)
	p.wg.Add(3)
	go p.readLoop(readErr)
	go p.writeLoop(writeErr)
	go p.pingLoop()
	for _, rw := range p.active {
		p.wg.Add(1)
		go p.runCap(rw)
	}

	var reason DiscReason
	select {
	case err = <-readErr:
		reason, remoteRequested = readFailure(err)
	case err = <-writeErr:
		reason = DiscNetworkError
	case err = <-p.protoErr:
		reason = discReasonForError(err)
	case err = <-p.disc:
		reason = discReasonForError(err)
	case <-p.stalled:
		err, reason = errStalled, DiscStalled
	}
	p.shutdown(reason)
	return remoteRequested, err
}

// readFailure picks the reason to send after the read loop failed.
func readFailure(err error) (reason DiscReason, remote bool) {
	switch err := err.(type) {
	case DiscReason:
		return err, true
	case *PeerError:
		return discReasonForError(err), false
	default:
		return DiscNetworkError, false
	}
}

// shutdown stops all loops and closes the connection. Messages accepted by
// WriteMsg are written before the disconnect message, unless the connection
// itself is broken.
func (p *Peer) shutdown(reason DiscReason) {
	p.discReason = reason
	p.rw.setState(StateDisconnecting)
	close(p.closed)
	if reason == DiscStalled || reason == DiscNetworkError {
		// Closing first unblocks a writer stuck on the connection.
		p.rw.close(reason)
		<-p.flushed
	} else {
		<-p.flushed
		p.rw.close(reason)
	}
	p.wg.Wait()
}

func (p *Peer) runCap(rw *capRW) {
	defer p.wg.Done()
	logger := p.log.New("cap", rw.cap())
	logger.Trace("Starting capability")

	err := rw.Run(p, rw)
	switch {
	case err == nil:
		logger.Trace("Capability returned")
		err = errProtocolReturned
	case !errors.Is(err, io.EOF):
		logger.Trace("Capability failed", "err", err)
	}
	p.protoErr <- err
}

// pingLoop sends keepalive pings and answers the remote ones.
func (p *Peer) pingLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := SendItems(p.rw, pingMsg); err != nil {
				p.protoErr <- err
				return
			}
		case <-p.pingRecv:
			SendItems(p.rw, pongMsg)
		case <-p.closed:
			return
		}
	}
}

func (p *Peer) readLoop(errc chan<- error) {
	defer p.wg.Done()
	for {
		msg, err := p.rw.ReadMsg()
		if err == nil {
			msg.ReceivedAt = time.Now()
			err = p.handle(msg)
		}
		if err != nil {
			errc <- err
			return
		}
	}
}

// writeLoop writes the outbound queue in FIFO order. Once the session
// closes it writes whatever is still queued and exits.
func (p *Peer) writeLoop(errc chan<- error) {
	defer p.wg.Done()
	defer close(p.flushed)
	for {
		select {
		case msg := <-p.writeq:
			if err := p.rw.WriteMsg(msg); err != nil {
				errc <- err
				return
			}
		case <-p.closed:
			p.flush()
			return
		}
	}
}

// flush writes the queued messages without waiting for new ones. It gives up
// at the first write error.
func (p *Peer) flush() {
	for {
		select {
		case msg := <-p.writeq:
			if err := p.rw.WriteMsg(msg); err != nil {
				p.log.Trace("Dropped queued messages on close", "err", err, "left", len(p.writeq))
				return
			}
		default:
			return
		}
	}
}

// handle processes base protocol messages and routes the rest to the
// capability that owns the code.
func (p *Peer) handle(msg Msg) error {
	switch msg.Code {
	case pingMsg:
		msg.Discard()
		select {
		case p.pingRecv <- struct{}{}:
		case <-p.closed:
		}
		return nil
	case pongMsg:
		msg.Discard()
		if p.rep != nil {
			p.rep.Reward(p.ID())
		}
		return nil
	case discMsg:
		// Nothing follows a disconnect, the payload is not drained.
		return decodeDisconnectMessage(msg.Payload)
	}
	if msg.Code < baseProtocolLength {
		return msg.Discard()
	}
	rw := p.owner(msg.Code)
	if rw == nil {
		return newPeerError(errInvalidMsgCode, "%d", msg.Code)
	}
	select {
	case rw.in <- msg:
		return nil
	case <-p.closed:
		return io.EOF
	}
}

// owner returns the capability whose code range contains code.
func (p *Peer) owner(code uint64) *capRW {
	for _, rw := range p.active {
		if code >= rw.offset && code-rw.offset < rw.Length {
			return rw
		}
	}
	return nil
}

// matchProtocols negotiates capabilities. For every name the highest version
// both sides support wins, and the winners get consecutive code ranges in
// name order after the base protocol.
func matchProtocols(protocols []Protocol, caps []Cap, p *Peer) map[string]*capRW {
	best := make(map[string]Protocol)
	for _, c := range caps {
		for _, proto := range protocols {
			if proto.cap() != c {
				continue
			}
			if cur, ok := best[c.Name]; !ok || cur.Version < c.Version {
				best[c.Name] = proto
			}
		}
	}
	active := make(map[string]*capRW, len(best))
	offset := baseProtocolLength
	for _, name := range slices.Sorted(maps.Keys(best)) {
		proto := best[name]
		active[name] = &capRW{Protocol: proto, offset: offset, in: make(chan Msg), peer: p}
		offset += proto.Length
	}
	return active
}

// sharedProtocols counts the capabilities a session with caps would run.
func sharedProtocols(protocols []Protocol, caps []Cap) int {
	return len(matchProtocols(protocols, caps, nil))
}

// capRW is the MsgReadWriter handed to one capability. It shifts message
// codes into and out of the capability's range.
type capRW struct {
	Protocol
	offset uint64
	in     chan Msg
	peer   *Peer
}

// WriteMsg queues msg on the session's outbound queue, blocking while it is
// full. If no space frees up within the stall timeout the session is torn
// down and errStalled is returned. A queued message is still written when
// the session closes right after, unless the connection fails first. The
// payload is consumed after WriteMsg returns.
func (rw *capRW) WriteMsg(msg Msg) error {
	if msg.Code >= rw.Length {
		return newPeerError(errInvalidMsgCode, "not handled")
	}
	msg.Code += rw.offset
	return rw.peer.enqueue(msg)
}

func (rw *capRW) ReadMsg() (Msg, error) {
	select {
	case msg := <-rw.in:
		msg.Code -= rw.offset
		return msg, nil
	case <-rw.peer.closed:
		return Msg{}, io.EOF
	}
}

func (p *Peer) enqueue(msg Msg) error {
	select {
	case p.writeq <- msg:
		return nil
	case <-p.closed:
		return ErrShuttingDown
	default:
	}

	timer := time.NewTimer(p.stallTimeout)
	defer timer.Stop()
	select {
	case p.writeq <- msg:
		return nil
	case <-p.closed:
		return ErrShuttingDown
	case <-timer.C:
	}
	select {
	case p.stalled <- struct{}{}:
	default:
	}
	return errStalled
}

// peerInfo returns the capability's metadata about the peer. "handshake"
// means the capability has nothing to report yet.
func (rw *capRW) peerInfo(id enode.ID) any {
	if rw.PeerInfo == nil {
		return "unknown"
	}
	if meta := rw.PeerInfo(id); meta != nil {
		return meta
	}
	return "handshake"
}

// PeerInfo is the JSON summary of a session returned by Server.PeersInfo.
type PeerInfo struct {
	ENR       string         `json:"enr,omitempty"` // omitted for peers without a signed record
	Enode     string         `json:"enode"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Caps      []string       `json:"caps"`
	State     string         `json:"state"`
	Score     float64        `json:"score"`
	Network   PeerNetInfo    `json:"network"`
	Protocols map[string]any `json:"protocols"` // keyed by capability name
}

// PeerNetInfo describes the connection of a session.
type PeerNetInfo struct {
	LocalAddress  string `json:"localAddress"`
	RemoteAddress string `json:"remoteAddress"`
	Inbound       bool   `json:"inbound"`
	Trusted       bool   `json:"trusted"`
	Static        bool   `json:"static"`
}

// Info returns a snapshot of the session.
func (p *Peer) Info() *PeerInfo {
	n := p.Node()
	info := &PeerInfo{
		Enode:     n.URLv4(),
		ID:        n.ID().String(),
		Name:      p.Fullname(),
		Caps:      make([]string, 0, len(p.rw.caps)),
		State:     p.State().String(),
		Protocols: make(map[string]any, len(p.active)),
		Network: PeerNetInfo{
			LocalAddress:  p.LocalAddr().String(),
			RemoteAddress: p.RemoteAddr().String(),
			Inbound:       p.rw.is(inboundConn),
			Trusted:       p.rw.is(trustedConn),
			Static:        p.rw.is(staticDialedConn),
		},
	}
	for _, c := range p.rw.caps {
		info.Caps = append(info.Caps, c.String())
	}
	if n.Seq() > 0 {
		info.ENR = n.String()
	}
	if p.rep != nil {
		info.Score = p.rep.Score(n.ID())
	}
	for name, rw := range p.active {
		info.Protocols[name] = rw.peerInfo(n.ID())
	}
	return info
}
