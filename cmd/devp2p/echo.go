// Copyright 2024 The go-ethereum Authors
// This file is part of go-ethereum.
//
// go-ethereum is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-ethereum is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-ethereum. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"

	"github.com/ethp2p/devp2p/p2p"
)

// echo/1 is a minimal capability for exercising sessions between nodes.
// Requests are answered with a reply carrying the same payload.
const (
	echoRequestMsg = 0x00
	echoReplyMsg   = 0x01

	maxEchoPayload = 1024
)

func echoProtocol() p2p.Protocol {
	return p2p.Protocol{
		Name:    "echo",
		Version: 1,
		Length:  2,
		Run:     runEcho,
	}
}

func runEcho(peer *p2p.Peer, rw p2p.MsgReadWriter) error {
	for {
		msg, err := rw.ReadMsg()
		if err != nil {
			return err
		}
		if msg.Size > maxEchoPayload+8 {
			msg.Discard()
			return fmt.Errorf("echo message too large: %d bytes", msg.Size)
		}
		switch msg.Code {
		case echoRequestMsg:
			var payload []byte
			if err := msg.Decode(&payload); err != nil {
				return err
			}
			if err := p2p.Send(rw, echoReplyMsg, payload); err != nil {
				return err
			}
		case echoReplyMsg:
			peer.Log().Trace("Echo reply", "size", msg.Size)
			msg.Discard()
		default:
			msg.Discard()
			return fmt.Errorf("invalid echo message code %d", msg.Code)
		}
	}
}
