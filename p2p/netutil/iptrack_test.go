// Copyright 2018 The go-ethereum Authors
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

package netutil

import (
	"net/netip"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/stretchr/testify/assert"
)

// trackStep is one action against the tracker at an absolute time in ms.
// Exactly one of vote, contact, predict or fullCone is meaningful per step.
type trackStep struct {
	at       int
	from     string // reporting or contacted host
	vote     string // endpoint reported by from
	contact  bool
	predict  *string // expected prediction, "" for none
	fullCone *bool
}

func want(s string) *string { return &s }
func cone(b bool) *bool      { return &b }

func TestIPTracker(t *testing.T) {
	const ep = "127.0.0.1:8000"
	scenarios := map[string][]trackStep{
		"needs three votes": {
			{at: 0, predict: want("")},
			{at: 0, from: "127.0.0.2", vote: ep},
			{at: 1000, predict: want("")},
			{at: 1000, from: "127.0.0.3", vote: ep},
			{at: 1000, predict: want("")},
			{at: 1000, from: "127.0.0.4", vote: ep},
			{at: 1000, predict: want(ep)},
		},
		"votes expire": {
			{at: 0, from: "127.0.0.2", vote: ep},
			{at: 2000, from: "127.0.0.3", vote: ep},
			{at: 3000, from: "127.0.0.4", vote: ep},
			{at: 10000, predict: want(ep)},
			{at: 10001, predict: want("")},
			{at: 10100, from: "127.0.0.2", vote: ep},
			{at: 10200, predict: want(ep)},
		},
		"majority wins": {
			{at: 0, from: "127.0.0.2", vote: "10.0.0.1:1"},
			{at: 0, from: "127.0.0.3", vote: ep},
			{at: 0, from: "127.0.0.4", vote: ep},
			{at: 0, from: "127.0.0.5", vote: ep},
			{at: 0, from: "127.0.0.6", vote: "10.0.0.1:1"},
			{at: 1, predict: want(ep)},
		},
		"one vote per host": {
			{at: 0, from: "127.0.0.2", vote: ep},
			{at: 1, from: "127.0.0.2", vote: ep},
			{at: 2, from: "127.0.0.2", vote: ep},
			{at: 3, predict: want("")},
		},
		"symmetric nat": {
			{at: 0, from: "127.0.0.2", contact: true},
			{at: 10, from: "127.0.0.2", vote: ep},
			{at: 2000, from: "127.0.0.3", contact: true},
			{at: 2010, from: "127.0.0.3", vote: ep},
			{at: 3000, from: "127.0.0.4", contact: true},
			{at: 3010, from: "127.0.0.4", vote: ep},
			{at: 3500, fullCone: cone(false)},
		},
		"unsolicited vote": {
			{at: 0, from: "127.0.0.2", contact: true},
			{at: 10, from: "127.0.0.2", vote: ep},
			{at: 3000, from: "127.0.0.4", vote: ep},
			{at: 3010, from: "127.0.0.4", contact: true},
			{at: 3500, fullCone: cone(true)},
		},
	}
	for name, steps := range scenarios {
		t.Run(name, func(t *testing.T) {
			var clock mclock.Simulated
			it := NewIPTracker(10*time.Second, 10*time.Second, 3)
			it.clock = &clock
			for i, s := range steps {
				clock.Run(time.Duration(s.at)*time.Millisecond - time.Duration(clock.Now()))
				switch {
				case s.vote != "":
					it.AddStatement(netip.MustParseAddr(s.from), netip.MustParseAddrPort(s.vote))
				case s.contact:
					it.AddContact(netip.MustParseAddr(s.from))
				case s.predict != nil:
					var exp netip.AddrPort
					if *s.predict != "" {
						exp = netip.MustParseAddrPort(*s.predict)
					}
					assert.Equal(t, exp, it.PredictEndpoint(), "step %d", i)
				case s.fullCone != nil:
					assert.Equal(t, *s.fullCone, it.PredictFullConeNAT(), "step %d", i)
				}
			}
		})
	}
}
