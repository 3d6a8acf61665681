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
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/stretchr/testify/require"
)

const testBootnode = "enode://d860a01f9722d78051619d1e2351aba3f43f943f6f00718d1b9baa4101932a1f5011f16bb2b1bb35db20d6fe28fa0bf09636d26a87d31de9ec6203eeedb1f666@127.0.0.1:30303"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(file, []byte(content), 0600))
	return file
}

func TestLoadConfigTOML(t *testing.T) {
	file := writeFile(t, "node.toml", `
DataDir = "/var/lib/devp2p"
MetricsAddr = "127.0.0.1:6060"

[P2P]
ListenAddr = ":30305"
MaxPeers = 50
StallTimeout = "3s"
BootstrapNodes = ["`+testBootnode+`"]
NetRestrict = "10.0.0.0/8, 192.168.0.0/16"

[P2P.Reputation]
BanScore = 200.0
BanDuration = "1h"
`)
	cfg := defaultNodeConfig()
	require.NoError(t, loadConfig(file, &cfg))

	require.Equal(t, "/var/lib/devp2p", cfg.DataDir)
	require.Equal(t, "127.0.0.1:6060", cfg.MetricsAddr)
	require.Equal(t, ":30305", cfg.P2P.ListenAddr)
	require.Equal(t, 50, cfg.P2P.MaxPeers)
	require.Equal(t, 3*time.Second, cfg.P2P.StallTimeout)
	require.Equal(t, 200.0, cfg.P2P.Reputation.BanScore)
	require.Equal(t, time.Hour, cfg.P2P.Reputation.BanDuration)
	// Values not in the file keep their defaults.
	require.Equal(t, "devp2p", cfg.P2P.Name)
}

func TestLoadConfigYAML(t *testing.T) {
	file := writeFile(t, "node.yaml", `
datadir: /var/lib/devp2p
p2p:
  listen_addr: ":30305"
  max_peers: 50
  stall_timeout: 3s
  bootstrap_nodes:
    - `+testBootnode+`
  reputation:
    max_handshake_failures: 3
    decay_half_life: 5m
`)
	cfg := defaultNodeConfig()
	require.NoError(t, loadConfig(file, &cfg))

	require.Equal(t, "/var/lib/devp2p", cfg.DataDir)
	require.Equal(t, ":30305", cfg.P2P.ListenAddr)
	require.Equal(t, 50, cfg.P2P.MaxPeers)
	require.Equal(t, 3*time.Second, cfg.P2P.StallTimeout)
	require.Equal(t, []string{testBootnode}, cfg.P2P.BootstrapNodes)
	require.Equal(t, 3, cfg.P2P.Reputation.MaxHandshakeFailures)
	require.Equal(t, 5*time.Minute, cfg.P2P.Reputation.DecayHalfLife)
	require.Equal(t, "none", cfg.P2P.NAT)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name, content string
	}{
		{"unknown.toml", "[P2P]\nMaxPeerz = 1\n"},
		{"unknown.yaml", "p2p:\n  max_peerz: 1\n"},
		{"broken.toml", "[P2P\n"},
		{"config.json", "{}"},
	}
	for _, test := range tests {
		cfg := defaultNodeConfig()
		err := loadConfig(writeFile(t, test.name, test.content), &cfg)
		require.Error(t, err, test.name)
	}
}

func TestEmptyYAMLConfig(t *testing.T) {
	cfg := defaultNodeConfig()
	require.NoError(t, loadConfig(writeFile(t, "empty.yml", ""), &cfg))
	require.Equal(t, defaultNodeConfig(), cfg)
}

func TestServerConfig(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := defaultNodeConfig()
	cfg.DataDir = "/data"
	cfg.P2P.BootstrapNodes = []string{testBootnode}
	cfg.P2P.TrustedNodes = []string{testBootnode}
	cfg.P2P.NetRestrict = "10.0.0.0/8"
	cfg.P2P.NAT = "extip:1.2.3.4"
	cfg.P2P.Reputation.BanScore = 42

	sc, err := cfg.serverConfig(key)
	require.NoError(t, err)
	require.Equal(t, key, sc.PrivateKey)
	require.Equal(t, filepath.Join("/data", "nodes"), sc.NodeDatabase)
	require.Len(t, sc.BootstrapNodes, 1)
	require.Equal(t, enode.MustParse(testBootnode).ID(), sc.BootstrapNodes[0].ID())
	require.Len(t, sc.TrustedNodes, 1)
	require.Empty(t, sc.StaticNodes)
	require.NotNil(t, sc.NetRestrict)
	require.True(t, sc.NetRestrict.ContainsAddr(netip.MustParseAddr("10.1.2.3")))
	require.NotNil(t, sc.NAT)
	require.Equal(t, "ExtIP(1.2.3.4)", sc.NAT.String())
	require.Equal(t, 42.0, sc.Reputation.BanScore)

	cfg.P2P.StaticNodes = []string{"enode://bad"}
	_, err = cfg.serverConfig(key)
	require.ErrorContains(t, err, "static_nodes")
}

func TestNodeKey(t *testing.T) {
	cfg := nodeConfig{DataDir: t.TempDir()}
	key1, err := cfg.nodeKey()
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(cfg.DataDir, "nodekey"))

	key2, err := cfg.nodeKey()
	require.NoError(t, err)
	require.Equal(t, crypto.FromECDSA(key1), crypto.FromECDSA(key2), "key not reused")

	// An explicit key file takes precedence.
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	cfg.NodeKey = filepath.Join(t.TempDir(), "key")
	require.NoError(t, crypto.SaveECDSA(cfg.NodeKey, other))
	key3, err := cfg.nodeKey()
	require.NoError(t, err)
	require.Equal(t, crypto.FromECDSA(other), crypto.FromECDSA(key3))
}

func TestLockDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "datadir")
	unlock, err := lockDataDir(dir)
	require.NoError(t, err)

	_, err = lockDataDir(dir)
	require.ErrorIs(t, err, errDataDirUsed)

	unlock()
	unlock2, err := lockDataDir(dir)
	require.NoError(t, err)
	unlock2()
}
