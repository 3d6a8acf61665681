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
	"crypto/ecdsa"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/ethp2p/devp2p/p2p/nat"
	"github.com/ethp2p/devp2p/p2p/netutil"
)

const (
	defaultMaxPendingPeers = 50
	defaultDialRatio       = 3
	defaultStallTimeout    = 10 * time.Second
	defaultWriteQueueSize  = 64

	// Inbound connection attempts allowed per source IP.
	defaultInboundThrottle      = 1.0 / 30 // per second
	defaultInboundThrottleBurst = 2
	inboundThrottleSources      = 1024

	// Maximum number of concurrently dialing outbound connections.
	maxActiveDialTasks = 16
)

// Config holds Server options. Zero values select the defaults above unless
// a field says otherwise.
type Config struct {
	// PrivateKey is the node key. It is required.
	PrivateKey *ecdsa.PrivateKey `toml:"-"`

	// MaxPeers caps the number of sessions, trusted peers excluded. It must
	// be positive.
	MaxPeers int

	// MaxInboundPeers limits inbound connections. When zero it is derived
	// from MaxPeers and DialRatio.
	MaxInboundPeers int `toml:",omitempty"`

	// MaxPendingPeers bounds concurrent handshakes, per direction.
	MaxPendingPeers int `toml:",omitempty"`

	// DialRatio reserves 1/DialRatio of MaxPeers for dialed connections.
	DialRatio int `toml:",omitempty"`

	// NoDiscovery turns off the discovery table. Peers then come only from
	// static nodes, inbound connections and AddPeer.
	NoDiscovery bool

	// Name is announced in the Hello message.
	Name string `toml:"-"`

	// BootstrapNodes seed the discovery table.
	BootstrapNodes []*enode.Node

	// StaticNodes are dialed at startup and redialed after every disconnect.
	StaticNodes []*enode.Node

	// TrustedNodes bypass the peer limits and are never banned
	// automatically.
	TrustedNodes []*enode.Node

	// NetRestrict, when set, limits dialing and accepting to the listed
	// networks. Discovery applies the same list.
	NetRestrict *netutil.Netlist `toml:",omitempty"`

	// NodeDatabase is where discovered nodes persist. Empty means the
	// database lives in memory.
	NodeDatabase string `toml:",omitempty"`

	// Protocols offered to every peer. A protocol runs on a session when
	// both sides announce a matching capability.
	Protocols []Protocol `toml:"-"`

	// ListenAddr is the TCP listening address, also used for discovery UDP.
	// Port zero picks a free port and the field is updated after Start.
	// Empty disables listening.
	ListenAddr string

	// NAT, when set, maps the listening ports on the gateway and supplies
	// the external IP.
	NAT nat.Interface `toml:",omitempty"`

	// Dialer opens outbound connections. It defaults to a TCP dialer.
	Dialer NodeDialer `toml:"-"`

	// NoDial disables outbound connections entirely.
	NoDial bool `toml:",omitempty"`

	// Reputation holds the ban policy.
	Reputation ReputationConfig

	// StallTimeout is how long a producer may wait on a full outbound queue
	// before the session is dropped.
	StallTimeout time.Duration `toml:",omitempty"`

	// WriteQueueSize is the number of messages buffered per session, shared by
	// all capabilities.
	WriteQueueSize int `toml:",omitempty"`

	// InboundThrottle is the number of inbound connection attempts per second
	// allowed from a single IP, with InboundThrottleBurst as the bucket size.
	// Connections from LAN addresses are not throttled.
	InboundThrottle      float64 `toml:",omitempty"`
	InboundThrottleBurst int     `toml:",omitempty"`

	Logger log.Logger   `toml:"-"` // defaults to log.Root()
	Clock  mclock.Clock `toml:"-"`
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxPendingPeers <= 0 {
		cfg.MaxPendingPeers = defaultMaxPendingPeers
	}
	if cfg.DialRatio <= 0 {
		cfg.DialRatio = defaultDialRatio
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	if cfg.WriteQueueSize <= 0 {
		cfg.WriteQueueSize = defaultWriteQueueSize
	}
	if cfg.InboundThrottle <= 0 {
		cfg.InboundThrottle = defaultInboundThrottle
	}
	if cfg.InboundThrottleBurst <= 0 {
		cfg.InboundThrottleBurst = defaultInboundThrottleBurst
	}
	cfg.Logger = cmp.Or[log.Logger](cfg.Logger, log.Root())
	cfg.Clock = cmp.Or[mclock.Clock](cfg.Clock, mclock.System{})
	cfg.Reputation = cfg.Reputation.withDefaults()
	return cfg
}

// maxDialedConns returns the number of outbound slots.
func (cfg *Config) maxDialedConns() (limit int) {
	if cfg.NoDial || cfg.MaxPeers == 0 {
		return 0
	}
	if cfg.MaxInboundPeers > 0 {
		return max(cfg.MaxPeers-cfg.MaxInboundPeers, 0)
	}
	limit = cfg.MaxPeers / cfg.DialRatio
	if limit == 0 {
		limit = 1
	}
	return limit
}

// maxInboundConns returns the number of inbound slots.
func (cfg *Config) maxInboundConns() int {
	if cfg.MaxInboundPeers > 0 {
		return min(cfg.MaxInboundPeers, cfg.MaxPeers)
	}
	return cfg.MaxPeers - cfg.maxDialedConns()
}
