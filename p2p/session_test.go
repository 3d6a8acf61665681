// Copyright 2024 The go-ethereum Authors
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
	"net"
	"testing"
)

func TestSessionTransitions(t *testing.T) {
	tests := []struct {
		from, to SessionState
		ok       bool
	}{
		{StateDiscovered, StateDialing, true},
		{StateDialing, StateHandshaking, true},
		{StateHandshaking, StateNegotiating, true},
		{StateNegotiating, StateActive, true},
		{StateActive, StateDisconnecting, true},
		{StateDisconnecting, StateClosed, true},

		// skipping steps
		{StateDiscovered, StateHandshaking, false},
		{StateDialing, StateActive, false},
		{StateHandshaking, StateActive, false},
		// going back
		{StateActive, StateNegotiating, false},
		{StateNegotiating, StateDialing, false},
		// Closed only via Disconnecting
		{StateActive, StateClosed, false},
		{StateHandshaking, StateClosed, false},
		{StateDisconnecting, StateDisconnecting, false},

		// early teardown
		{StateDialing, StateDisconnecting, true},
		{StateHandshaking, StateDisconnecting, true},
		{StateNegotiating, StateDisconnecting, true},

		// bans
		{StateDiscovered, StateBanned, true},
		{StateHandshaking, StateBanned, true},
		{StateActive, StateBanned, true},
		{StateDisconnecting, StateBanned, true},

		// terminal states
		{StateClosed, StateDialing, false},
		{StateClosed, StateBanned, false},
		{StateClosed, StateDisconnecting, false},
		{StateBanned, StateDisconnecting, false},
		{StateBanned, StateClosed, false},
		{StateBanned, StateDialing, false},
	}
	for _, test := range tests {
		if got := canTransition(test.from, test.to); got != test.ok {
			t.Errorf("canTransition(%v, %v) = %t, want %t", test.from, test.to, got, test.ok)
		}
	}
}

func TestSessionSetState(t *testing.T) {
	fd, _ := net.Pipe()
	defer fd.Close()
	c := &conn{fd: fd}

	if s := c.sessionState(); s != StateDiscovered {
		t.Fatalf("initial state %v, want %v", s, StateDiscovered)
	}
	for _, s := range []SessionState{StateDialing, StateHandshaking, StateNegotiating, StateActive} {
		if err := c.setState(s); err != nil {
			t.Fatalf("setState(%v): %v", s, err)
		}
	}
	err := c.setState(StateHandshaking)
	if err == nil {
		t.Fatal("backwards transition succeeded")
	}
	if _, ok := err.(*errInvalidTransition); !ok {
		t.Fatalf("wrong error type %T", err)
	}
	if s := c.sessionState(); s != StateActive {
		t.Fatalf("state changed by failed transition: %v", s)
	}
}

func TestSessionFinish(t *testing.T) {
	fd, _ := net.Pipe()
	defer fd.Close()

	c := &conn{fd: fd}
	c.state.Store(int32(StateActive))
	if s := c.finish(false); s != StateClosed {
		t.Errorf("finish(false) from active: got %v, want %v", s, StateClosed)
	}
	// A second finish does nothing.
	if s := c.finish(true); s != StateClosed {
		t.Errorf("finish(true) after close: got %v, want %v", s, StateClosed)
	}

	c = &conn{fd: fd}
	c.state.Store(int32(StateHandshaking))
	if s := c.finish(true); s != StateBanned {
		t.Errorf("finish(true) from handshaking: got %v, want %v", s, StateBanned)
	}

	// Sessions torn down by the peer loop are already disconnecting.
	c = &conn{fd: fd}
	c.state.Store(int32(StateDisconnecting))
	if s := c.finish(false); s != StateClosed {
		t.Errorf("finish(false) from disconnecting: got %v, want %v", s, StateClosed)
	}
}

func TestSessionStateString(t *testing.T) {
	if s := StateNegotiating.String(); s != "negotiating" {
		t.Errorf("wrong name %q", s)
	}
	if s := SessionState(42).String(); s != "SessionState(42)" {
		t.Errorf("wrong name for unknown state %q", s)
	}
}
