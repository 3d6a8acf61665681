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
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethp2p/devp2p/p2p"
	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Runs a node with the echo capability",
	Action: runNode,
	Flags: []cli.Flag{
		configFileFlag,
		dataDirFlag,
		nodeKeyFlag,
		listenAddrFlag,
		natFlag,
		maxPeersFlag,
		bootnodesFlag,
		noDiscoveryFlag,
		metricsAddrFlag,
	},
}

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML or YAML configuration file",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the node key and database",
	}
	nodeKeyFlag = &cli.StringFlag{
		Name:  "nodekey",
		Usage: "Node key file",
	}
	natFlag = &cli.StringFlag{
		Name:  "nat",
		Usage: "Port mapping mechanism (any|none|upnp|pmp|pmp:<IP>|extip:<IP>|stun:<IP:PORT>)",
	}
	maxPeersFlag = &cli.IntFlag{
		Name:  "maxpeers",
		Usage: "Maximum number of network peers",
	}
	noDiscoveryFlag = &cli.BoolFlag{
		Name:  "nodiscover",
		Usage: "Disables the peer discovery mechanism",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Enables the prometheus endpoint on the given address",
	}
)

var errDataDirUsed = errors.New("data directory is used by another process")

// applyFlags overrides config file values with the flags that were set explicitly.
func applyFlags(ctx *cli.Context, cfg *nodeConfig) {
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(nodeKeyFlag.Name) {
		cfg.NodeKey = ctx.String(nodeKeyFlag.Name)
	}
	if ctx.IsSet(listenAddrFlag.Name) {
		cfg.P2P.ListenAddr = ctx.String(listenAddrFlag.Name)
	}
	if ctx.IsSet(natFlag.Name) {
		cfg.P2P.NAT = ctx.String(natFlag.Name)
	}
	if ctx.IsSet(maxPeersFlag.Name) {
		cfg.P2P.MaxPeers = ctx.Int(maxPeersFlag.Name)
	}
	if ctx.IsSet(bootnodesFlag.Name) {
		cfg.P2P.BootstrapNodes = strings.Split(ctx.String(bootnodesFlag.Name), ",")
	}
	if ctx.IsSet(noDiscoveryFlag.Name) {
		cfg.P2P.NoDiscovery = ctx.Bool(noDiscoveryFlag.Name)
	}
	if ctx.IsSet(metricsAddrFlag.Name) {
		cfg.MetricsAddr = ctx.String(metricsAddrFlag.Name)
	}
}

func runNode(ctx *cli.Context) error {
	cfg := defaultNodeConfig()
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return err
		}
	}
	applyFlags(ctx, &cfg)

	if cfg.DataDir != "" {
		unlock, err := lockDataDir(cfg.DataDir)
		if err != nil {
			return err
		}
		defer unlock()
	}
	key, err := cfg.nodeKey()
	if err != nil {
		return fmt.Errorf("can't load node key: %w", err)
	}
	srvConfig, err := cfg.serverConfig(key)
	if err != nil {
		return err
	}
	srvConfig.Protocols = []p2p.Protocol{echoProtocol()}

	srv := &p2p.Server{Config: srvConfig}
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	if cfg.MetricsAddr != "" {
		msrv, err := startMetricsServer(cfg.MetricsAddr)
		if err != nil {
			return err
		}
		defer msrv.Close()
	}

	events := make(chan *p2p.PeerEvent, 16)
	sub := srv.SubscribeEvents(events)
	defer sub.Unsubscribe()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	for {
		select {
		case ev := <-events:
			logPeerEvent(ev)
		case err := <-sub.Err():
			return err
		case sig := <-sigc:
			log.Info("Got interrupt, shutting down...", "signal", sig)
			return nil
		}
	}
}

func logPeerEvent(ev *p2p.PeerEvent) {
	switch ev.Type {
	case p2p.PeerEventTypeAdd:
		log.Info("Peer connected", "id", ev.Peer, "addr", ev.RemoteAddress)
	case p2p.PeerEventTypeDrop:
		log.Info("Peer disconnected", "id", ev.Peer, "state", ev.State, "err", ev.Error)
	case p2p.PeerEventTypeBan:
		log.Info("Node banned", "id", ev.Peer, "err", ev.Error)
	}
}

// lockDataDir creates the data directory and takes the instance lock on it.
func lockDataDir(dir string) (unlock func(), err error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(dir, "LOCK"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, errDataDirUsed
	}
	return func() { lock.Unlock() }, nil
}

func startMetricsServer(addr string) (*http.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go srv.Serve(listener)
	log.Info("Starting metrics server", "addr", fmt.Sprintf("http://%s/metrics", listener.Addr()))
	return srv, nil
}
