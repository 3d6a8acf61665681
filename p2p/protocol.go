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
	"cmp"
	"fmt"

	"github.com/ethp2p/devp2p/p2p/enode"
)

// Protocol describes a subprotocol that runs on top of a session. Each
// matching protocol gets its own slice of the message code space, allocated
// after the base protocol codes in capability order.
type Protocol struct {
	Name    string // capability name, usually a short lowercase word
	Version uint
	Length  uint64 // message codes used, counted from zero

	// Run drives the protocol for one peer and is started in its own
	// goroutine after the Hello exchange. Every message read from rw must
	// have its payload consumed. The session ends when Run returns; a
	// non-nil error is reported as the reason.
	Run func(peer *Peer, rw MsgReadWriter) error

	// NodeInfo, if set, adds protocol metadata to Server.NodeInfo.
	NodeInfo func() any

	// PeerInfo, if set, adds protocol metadata to Peer.Info. Returning nil
	// means the protocol's own handshake with id has not finished.
	PeerInfo func(id enode.ID) any
}

func (p Protocol) cap() Cap {
	return Cap{Name: p.Name, Version: p.Version}
}

// Cap is a capability announced in Hello: a protocol name and version.
type Cap struct {
	Name    string
	Version uint
}

func (c Cap) String() string {
	return fmt.Sprintf("%s/%d", c.Name, c.Version)
}

// Cmp orders capabilities by name, then version. Code offsets are assigned
// in this order.
func (c Cap) Cmp(o Cap) int {
	return cmp.Or(cmp.Compare(c.Name, o.Name), cmp.Compare(c.Version, o.Version))
}
