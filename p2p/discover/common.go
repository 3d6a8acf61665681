// Copyright 2019 The go-ethereum Authors
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

package discover

import (
	"crypto/ecdsa"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/ethp2p/devp2p/p2p/enr"
	"github.com/ethp2p/devp2p/p2p/netutil"
)

// UDPConn is a network connection on which discovery can operate.
type UDPConn interface {
	ReadFromUDPAddrPort(b []byte) (n int, addr netip.AddrPort, err error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (n int, err error)
	Close() error
	LocalAddr() net.Addr
}

// Config holds settings for the discovery listener.
type Config struct {
	// PrivateKey signs outgoing packets. It is required.
	PrivateKey *ecdsa.PrivateKey

	// Packet handling.
	NetRestrict    *netutil.Netlist // only talk to these networks, nil allows all
	RequestTimeout time.Duration    // timeout of a single request attempt, default 500ms
	PacketRate     float64          // inbound packets per second allowed per source IP, default 50
	PacketBurst    int              // burst size of the per-IP packet limit, default 100

	// Node table.
	Bootnodes       []*enode.Node // seeds, used when the table is empty
	PingInterval    time.Duration // average time between revalidation pings, default 3s
	RefreshInterval time.Duration // time between self/random lookups, default 30m
	LivenessWindow  time.Duration // nodes without a pong in this window are stale, default 24h

	// Overrides for tests.
	Log          log.Logger
	ValidSchemes enr.IdentityScheme
	Clock        mclock.Clock
}

var errMissingKey = errors.New("discover: missing private key")

func (cfg Config) withDefaults() Config {
	setDefault(&cfg.RequestTimeout, 500*time.Millisecond)
	setDefault(&cfg.PacketRate, 50)
	setDefault(&cfg.PacketBurst, 100)
	setDefault(&cfg.PingInterval, 3*time.Second)
	setDefault(&cfg.RefreshInterval, 30*time.Minute)
	setDefault(&cfg.LivenessWindow, 24*time.Hour)

	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.ValidSchemes == nil {
		cfg.ValidSchemes = enode.ValidSchemes
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	return cfg
}

func (cfg *Config) validate() error {
	if cfg.PrivateKey == nil {
		return errMissingKey
	}
	return nil
}

func setDefault[T time.Duration | float64 | int](v *T, def T) {
	if *v <= 0 {
		*v = def
	}
}

type randomSource interface {
	Intn(int) int
	Int63n(int64) int64
	Shuffle(int, func(int, int))
}

// reseedingRandom is a math/rand source that is safe for concurrent use. The
// table reseeds it from crypto/rand periodically so that bucket choices stay
// hard to predict.
type reseedingRandom struct {
	mu  sync.Mutex
	cur *rand.Rand
}

func (r *reseedingRandom) seed() {
	var b [8]byte
	crand.Read(b[:])
	src := rand.NewSource(int64(binary.BigEndian.Uint64(b[:])))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur = rand.New(src)
}

func (r *reseedingRandom) Intn(n int) (v int) {
	r.with(func(rnd *rand.Rand) { v = rnd.Intn(n) })
	return v
}

func (r *reseedingRandom) Int63n(n int64) (v int64) {
	r.with(func(rnd *rand.Rand) { v = rnd.Int63n(n) })
	return v
}

func (r *reseedingRandom) Shuffle(n int, swap func(i, j int)) {
	r.with(func(rnd *rand.Rand) { rnd.Shuffle(n, swap) })
}

func (r *reseedingRandom) with(fn func(*rand.Rand)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.cur)
}
