// Copyright 2016 The go-ethereum Authors
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

	"github.com/stretchr/testify/assert"
)

func TestIPRateLimiter(t *testing.T) {
	var (
		now = time.Unix(1000, 0)
		l   = NewIPRateLimiter(1, 3, 16)
		a   = netip.MustParseAddr("1.2.3.4")
		b   = netip.MustParseAddr("5.6.7.8")
	)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(a), "burst event %d", i)
	}
	assert.False(t, l.Allow(a), "event past burst allowed")
	assert.True(t, l.Allow(b), "other source limited")

	// One token per second refills.
	now = now.Add(time.Second)
	assert.True(t, l.Allow(a))
	assert.False(t, l.Allow(a))

	// 4-in-6 addresses share the bucket of the plain IPv4 address.
	assert.False(t, l.Allow(netip.MustParseAddr("::ffff:1.2.3.4")))

	l.Forget(a)
	assert.True(t, l.Allow(a), "forgotten source should start with full burst")
}

func TestIPRateLimiterEviction(t *testing.T) {
	l := NewIPRateLimiter(1, 1, 2)
	l.now = func() time.Time { return time.Unix(0, 0) }

	first := netip.MustParseAddr("10.0.0.1")
	assert.True(t, l.Allow(first))
	assert.False(t, l.Allow(first))
	l.Allow(netip.MustParseAddr("10.0.0.2"))
	l.Allow(netip.MustParseAddr("10.0.0.3"))
	assert.Equal(t, 2, l.Len())

	// first was evicted, so it gets a fresh bucket.
	assert.True(t, l.Allow(first))
}
