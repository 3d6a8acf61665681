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
	"testing"

	"github.com/ethp2p/devp2p/p2p"
	"github.com/ethp2p/devp2p/p2p/enode"
)

func TestEcho(t *testing.T) {
	local, remote := p2p.MsgPipe()
	defer remote.Close()
	peer := p2p.NewPeer(enode.ID{1}, "test", []p2p.Cap{{Name: "echo", Version: 1}})

	errc := make(chan error, 1)
	go func() { errc <- runEcho(peer, local) }()

	for _, payload := range [][]byte{[]byte("hello"), {}, make([]byte, maxEchoPayload)} {
		if err := p2p.Send(remote, echoRequestMsg, payload); err != nil {
			t.Fatal("send error:", err)
		}
		if err := p2p.ExpectMsg(remote, echoReplyMsg, payload); err != nil {
			t.Fatal(err)
		}
	}
	// Replies are consumed without an answer.
	if err := p2p.Send(remote, echoReplyMsg, []byte("x")); err != nil {
		t.Fatal("send error:", err)
	}
	// An unknown code ends the protocol.
	if err := p2p.Send(remote, 5, []byte("x")); err != nil {
		t.Fatal("send error:", err)
	}
	if err := <-errc; err == nil {
		t.Fatal("expected error for invalid message code")
	}
}

func TestEchoOversized(t *testing.T) {
	local, remote := p2p.MsgPipe()
	defer remote.Close()
	peer := p2p.NewPeer(enode.ID{1}, "test", nil)

	errc := make(chan error, 1)
	go func() { errc <- runEcho(peer, local) }()

	if err := p2p.Send(remote, echoRequestMsg, make([]byte, 2*maxEchoPayload)); err != nil {
		t.Fatal("send error:", err)
	}
	if err := <-errc; err == nil {
		t.Fatal("expected error for oversized message")
	}
}
