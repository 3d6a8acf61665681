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
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// IPRateLimiter applies a token bucket limit per source IP. Buckets are kept in a
// bounded LRU cache, so memory use stays constant under a flood of distinct sources.
// The least recently seen source loses its bucket first and starts again with a full
// burst.
type IPRateLimiter struct {
	mu      sync.Mutex
	buckets *lru.Cache
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewIPRateLimiter creates a limiter allowing perSecond events with the given burst,
// tracking at most maxSources distinct IPs.
func NewIPRateLimiter(perSecond float64, burst, maxSources int) *IPRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	cache, err := lru.New(maxSources)
	if err != nil {
		panic(err) // only fails for non-positive size
	}
	return &IPRateLimiter{
		buckets: cache,
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether an event from ip may happen now. It consumes one token
// when it returns true.
func (l *IPRateLimiter) Allow(ip netip.Addr) bool {
	key := ip.Unmap()

	l.mu.Lock()
	defer l.mu.Unlock()

	var lim *rate.Limiter
	if v, ok := l.buckets.Get(key); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(key, lim)
	}
	return lim.AllowN(l.now(), 1)
}

// Forget drops the bucket of ip.
func (l *IPRateLimiter) Forget(ip netip.Addr) {
	l.buckets.Remove(ip.Unmap())
}

// Len returns the number of tracked sources.
func (l *IPRateLimiter) Len() int {
	return l.buckets.Len()
}
