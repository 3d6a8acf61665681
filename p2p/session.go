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
	"crypto/ecdsa"
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"github.com/ethp2p/devp2p/p2p/enode"
)

// SessionState is the lifecycle state of a connection.
type SessionState int32

const (
	StateDiscovered SessionState = iota
	StateDialing
	StateHandshaking
	StateNegotiating
	StateActive
	StateDisconnecting
	StateClosed
	StateBanned
)

var sessionStateNames = [...]string{
	StateDiscovered:    "discovered",
	StateDialing:       "dialing",
	StateHandshaking:   "handshaking",
	StateNegotiating:   "negotiating",
	StateActive:        "active",
	StateDisconnecting: "disconnecting",
	StateClosed:        "closed",
	StateBanned:        "banned",
}

func (s SessionState) String() string {
	if s < 0 || int(s) >= len(sessionStateNames) {
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
	return sessionStateNames[s]
}

// terminal reports whether no transition leaves s.
func (s SessionState) terminal() bool {
	return s == StateClosed || s == StateBanned
}

// canTransition reports whether a connection in state from may move to state to.
//
// The forward path is Discovered → Dialing → Handshaking → Negotiating → Active.
// Any non-terminal state may move to Disconnecting, and Disconnecting is the only
// way into Closed. Banned is reachable from every non-terminal state.
func canTransition(from, to SessionState) bool {
	if from.terminal() {
		return false
	}
	switch to {
	case StateBanned:
		return true
	case StateDisconnecting:
		return from != StateDisconnecting
	case StateClosed:
		return from == StateDisconnecting
	case StateDialing, StateHandshaking, StateNegotiating, StateActive:
		return to == from+1
	default:
		return false
	}
}

type errInvalidTransition struct {
	from, to SessionState
}

func (e *errInvalidTransition) Error() string {
	return fmt.Sprintf("invalid session transition %v -> %v", e.from, e.to)
}

// conn wraps a network connection with information gathered
// during the two handshakes.
type conn struct {
	fd net.Conn
	transport
	node  *enode.Node
	flags connFlag
	state atomic.Int32 // SessionState
	cont  chan error // The run loop uses cont to signal errors to SetupConn.
	caps  []Cap      // valid after the protocol handshake
	name  string     // valid after the protocol handshake
}

type transport interface {
	// The two handshakes.
	doEncHandshake(prv *ecdsa.PrivateKey) (*ecdsa.PublicKey, error)
	doProtoHandshake(our *protoHandshake) (*protoHandshake, error)
	// The MsgReadWriter can only be used after the encryption
	// handshake has completed. The code uses conn.id to track this
	// by setting it to a non-nil value after the encryption handshake.
	MsgReadWriter
	// transports must provide Close because we use MsgPipe in some of
	// the tests. Closing the actual network connection doesn't do
	// anything in those tests because MsgPipe doesn't use it.
	close(err error)
}

type connFlag int32

const (
	dynDialedConn connFlag = 1 << iota
	staticDialedConn
	inboundConn
	trustedConn
)

func (f connFlag) String() string {
	s := ""
	if f&trustedConn != 0 {
		s += "-trusted"
	}
	if f&dynDialedConn != 0 {
		s += "-dyndial"
	}
	if f&staticDialedConn != 0 {
		s += "-staticdial"
	}
	if f&inboundConn != 0 {
		s += "-inbound"
	}
	if s != "" {
		s = s[1:]
	}
	return s
}

func (c *conn) String() string {
	s := c.flags.String()
	if c.node != nil {
		s += " " + c.node.ID().String()
	}
	s += " " + c.fd.RemoteAddr().String()
	return s
}

func (c *conn) is(f connFlag) bool {
	flags := connFlag(atomic.LoadInt32((*int32)(&c.flags)))
	return flags&f != 0
}

func (c *conn) set(f connFlag, val bool) {
	for {
		oldFlags := connFlag(atomic.LoadInt32((*int32)(&c.flags)))
		flags := oldFlags
		if val {
			flags |= f
		} else {
			flags &= ^f
		}
		if atomic.CompareAndSwapInt32((*int32)(&c.flags), int32(oldFlags), int32(flags)) {
			return
		}
	}
}

// sessionState returns the current lifecycle state.
func (c *conn) sessionState() SessionState {
	return SessionState(c.state.Load())
}

// setState moves the connection to state to. It fails without changing
// anything if the transition is not allowed from the current state.
func (c *conn) setState(to SessionState) error {
	for {
		from := SessionState(c.state.Load())
		if !canTransition(from, to) {
			return &errInvalidTransition{from, to}
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			connStateGauge(from, to)
			return nil
		}
	}
}

// finish moves a connection that is going away into its final state.
// Connections that were banned stay banned.
func (c *conn) finish(banned bool) SessionState {
	if banned {
		c.setState(StateBanned)
	} else {
		c.setState(StateDisconnecting)
		c.setState(StateClosed)
	}
	return c.sessionState()
}

// capNames returns the negotiated capabilities as "name/version" strings.
func capNames(caps []Cap) string {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.String()
	}
	return strings.Join(names, ",")
}
