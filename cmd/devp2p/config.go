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
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethp2p/devp2p/p2p"
	"github.com/ethp2p/devp2p/p2p/nat"
	"github.com/ethp2p/devp2p/p2p/netutil"
	"gopkg.in/yaml.v3"
)

// nodeConfig is the configuration file of the run command.
type nodeConfig struct {
	// DataDir holds the node key and the node database. When empty, the
	// node uses an ephemeral key and an in-memory database.
	DataDir string `yaml:"datadir"`
	// NodeKey is a key file overriding <DataDir>/nodekey.
	NodeKey string `yaml:"nodekey"`
	// MetricsAddr is the listening address of the prometheus endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	P2P p2pConfig `yaml:"p2p"`
}

type p2pConfig struct {
	Name            string        `yaml:"name"`
	ListenAddr      string        `yaml:"listen_addr"`
	NAT             string        `yaml:"nat"`
	MaxPeers        int           `yaml:"max_peers"`
	MaxInboundPeers int           `yaml:"max_inbound_peers"`
	MaxPendingPeers int           `yaml:"max_pending_peers"`
	DialRatio       int           `yaml:"dial_ratio"`
	NoDiscovery     bool          `yaml:"no_discovery"`
	NoDial          bool          `yaml:"no_dial"`
	BootstrapNodes  []string      `yaml:"bootstrap_nodes"`
	StaticNodes     []string      `yaml:"static_nodes"`
	TrustedNodes    []string      `yaml:"trusted_nodes"`
	NetRestrict     string        `yaml:"net_restrict"`
	StallTimeout    time.Duration `yaml:"stall_timeout"`
	WriteQueueSize  int           `yaml:"write_queue_size"`
	InboundThrottle float64       `yaml:"inbound_throttle"`

	Reputation reputationConfig `yaml:"reputation"`
}

type reputationConfig struct {
	BanScore             float64       `yaml:"ban_score"`
	GreyScore            float64       `yaml:"grey_score"`
	BanDuration          time.Duration `yaml:"ban_duration"`
	DecayHalfLife        time.Duration `yaml:"decay_half_life"`
	MaxHandshakeFailures int           `yaml:"max_handshake_failures"`
}

func defaultNodeConfig() nodeConfig {
	return nodeConfig{
		P2P: p2pConfig{
			Name:       "devp2p",
			ListenAddr: ":30303",
			NAT:        "none",
			MaxPeers:   25,
		},
	}
}

// loadConfig reads a TOML or YAML file into cfg, chosen by the file extension.
// Keys that don't correspond to a setting are rejected.
func loadConfig(file string, cfg *nodeConfig) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(file)); ext {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("%s: unknown setting %q", file, undecoded[0].String())
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%s: %w", file, err)
		}
	default:
		return fmt.Errorf("%s: unsupported config file type %q", file, ext)
	}
	return nil
}

// serverConfig converts the file settings into a p2p.Config.
func (cfg *nodeConfig) serverConfig(key *ecdsa.PrivateKey) (p2p.Config, error) {
	c := cfg.P2P
	sc := p2p.Config{
		PrivateKey:      key,
		Name:            c.Name,
		ListenAddr:      c.ListenAddr,
		MaxPeers:        c.MaxPeers,
		MaxInboundPeers: c.MaxInboundPeers,
		MaxPendingPeers: c.MaxPendingPeers,
		DialRatio:       c.DialRatio,
		NoDiscovery:     c.NoDiscovery,
		NoDial:          c.NoDial,
		StallTimeout:    c.StallTimeout,
		WriteQueueSize:  c.WriteQueueSize,
		InboundThrottle: c.InboundThrottle,
		Reputation: p2p.ReputationConfig{
			BanScore:             c.Reputation.BanScore,
			GreyScore:            c.Reputation.GreyScore,
			BanDuration:          c.Reputation.BanDuration,
			DecayHalfLife:        c.Reputation.DecayHalfLife,
			MaxHandshakeFailures: c.Reputation.MaxHandshakeFailures,
		},
		Logger: log.Root(),
	}
	if cfg.DataDir != "" {
		sc.NodeDatabase = filepath.Join(cfg.DataDir, "nodes")
	}

	var err error
	if sc.BootstrapNodes, err = parseNodeList(c.BootstrapNodes); err != nil {
		return sc, fmt.Errorf("bootstrap_nodes: %w", err)
	}
	if sc.StaticNodes, err = parseNodeList(c.StaticNodes); err != nil {
		return sc, fmt.Errorf("static_nodes: %w", err)
	}
	if sc.TrustedNodes, err = parseNodeList(c.TrustedNodes); err != nil {
		return sc, fmt.Errorf("trusted_nodes: %w", err)
	}
	if c.NetRestrict != "" {
		if sc.NetRestrict, err = netutil.ParseNetlist(c.NetRestrict); err != nil {
			return sc, fmt.Errorf("net_restrict: %w", err)
		}
	}
	if c.NAT != "" {
		if sc.NAT, err = nat.Parse(c.NAT); err != nil {
			return sc, fmt.Errorf("nat: %w", err)
		}
	}
	return sc, nil
}

// nodeKey loads the node key. Without a key file or data directory, a fresh
// key is generated for this run only.
func (cfg *nodeConfig) nodeKey() (*ecdsa.PrivateKey, error) {
	if cfg.NodeKey != "" {
		return crypto.LoadECDSA(cfg.NodeKey)
	}
	if cfg.DataDir == "" {
		return crypto.GenerateKey()
	}
	file := filepath.Join(cfg.DataDir, "nodekey")
	if key, err := crypto.LoadECDSA(file); err == nil {
		return key, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveECDSA(file, key); err != nil {
		return nil, err
	}
	log.Info("Generated node key", "file", file)
	return key, nil
}
