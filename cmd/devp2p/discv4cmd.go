// Copyright 2019 The go-ethereum Authors
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
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethp2p/devp2p/p2p/discover"
	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/ethp2p/devp2p/p2p/netutil"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var (
	discv4Command = &cli.Command{
		Name:  "discv4",
		Usage: "Node Discovery v4 tools",
		Subcommands: []*cli.Command{
			discv4PingCommand,
			discv4RequestRecordCommand,
			discv4ResolveCommand,
			discv4LookupCommand,
		},
	}
	discv4PingCommand = &cli.Command{
		Name:      "ping",
		Usage:     "Sends ping to one or more nodes",
		ArgsUsage: "<node>...",
		Action:    discv4Ping,
		Flags:     []cli.Flag{listenAddrFlag},
	}
	discv4RequestRecordCommand = &cli.Command{
		Name:      "requestenr",
		Usage:     "Requests a node record using EIP-868 enrRequest",
		ArgsUsage: "<node>",
		Action:    discv4RequestRecord,
		Flags:     []cli.Flag{listenAddrFlag},
	}
	discv4ResolveCommand = &cli.Command{
		Name:      "resolve",
		Usage:     "Finds a node in the DHT",
		ArgsUsage: "<node>",
		Action:    discv4Resolve,
		Flags:     []cli.Flag{bootnodesFlag, listenAddrFlag},
	}
	discv4LookupCommand = &cli.Command{
		Name:   "lookup",
		Usage:  "Prints nodes found by random lookups",
		Action: discv4Lookup,
		Flags:  []cli.Flag{bootnodesFlag, listenAddrFlag, lookupCountFlag, lookupTimeoutFlag, netrestrictFlag},
	}
)

var (
	bootnodesFlag = &cli.StringFlag{
		Name:  "bootnodes",
		Usage: "Comma separated nodes used for bootstrapping",
	}
	listenAddrFlag = &cli.StringFlag{
		Name:  "addr",
		Usage: "Listening address",
		Value: "0.0.0.0:0",
	}
	lookupCountFlag = &cli.IntFlag{
		Name:  "count",
		Usage: "Number of nodes to print",
		Value: 16,
	}
	netrestrictFlag = &cli.StringFlag{
		Name:  "netrestrict",
		Usage: "Only print nodes in the given comma-separated CIDR ranges",
	}
	lookupTimeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "Time limit for the lookup",
		Value: 30 * time.Second,
	}
)

func discv4Ping(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return errors.New("missing node as command-line argument")
	}
	nodes, err := parseNodeList(ctx.Args().Slice())
	if err != nil {
		return err
	}
	disc, err := startV4(ctx, nil)
	if err != nil {
		return err
	}
	defer disc.Close()

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed int
	)
	g.SetLimit(16)
	for _, n := range nodes {
		g.Go(func() error {
			start := time.Now()
			err := disc.Ping(n)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				color.New(color.FgRed).Fprintf(ctx.App.Writer, "%v didn't respond: %v\n", n.ID().TerminalString(), err)
			} else {
				color.New(color.FgGreen).Fprintf(ctx.App.Writer, "%v responded to ping (RTT %v)\n", n.ID().TerminalString(), time.Since(start))
			}
			return nil
		})
	}
	g.Wait()
	if failed > 0 {
		return fmt.Errorf("%d of %d nodes didn't respond", failed, len(nodes))
	}
	return nil
}

func discv4RequestRecord(ctx *cli.Context) error {
	n, err := getNodeArg(ctx)
	if err != nil {
		return err
	}
	disc, err := startV4(ctx, nil)
	if err != nil {
		return err
	}
	defer disc.Close()

	respN, err := disc.RequestENR(n)
	if err != nil {
		return fmt.Errorf("can't retrieve record: %v", err)
	}
	fmt.Fprintln(ctx.App.Writer, respN.String())
	return nil
}

func discv4Resolve(ctx *cli.Context) error {
	n, err := getNodeArg(ctx)
	if err != nil {
		return err
	}
	bootnodes, err := parseBootnodes(ctx)
	if err != nil {
		return err
	}
	disc, err := startV4(ctx, bootnodes)
	if err != nil {
		return err
	}
	defer disc.Close()

	fmt.Fprintln(ctx.App.Writer, disc.Resolve(n).String())
	return nil
}

func discv4Lookup(ctx *cli.Context) error {
	bootnodes, err := parseBootnodes(ctx)
	if err != nil {
		return err
	}
	if len(bootnodes) == 0 {
		return errors.New("lookup needs --" + bootnodesFlag.Name)
	}
	disc, err := startV4(ctx, bootnodes)
	if err != nil {
		return err
	}
	defer disc.Close()

	it := disc.RandomNodes()
	if ctx.IsSet(netrestrictFlag.Name) {
		restrict, err := netutil.ParseNetlist(ctx.String(netrestrictFlag.Name))
		if err != nil {
			it.Close()
			return fmt.Errorf("invalid --%s: %v", netrestrictFlag.Name, err)
		}
		it = enode.Filter(it, func(n *enode.Node) bool {
			return restrict.ContainsAddr(n.IPAddr())
		})
	}
	timer := time.AfterFunc(ctx.Duration(lookupTimeoutFlag.Name), it.Close)
	defer timer.Stop()

	seen := make(map[enode.ID]bool)
	for want := ctx.Int(lookupCountFlag.Name); len(seen) < want && it.Next(); {
		n := it.Node()
		if seen[n.ID()] {
			continue
		}
		seen[n.ID()] = true
		fmt.Fprintln(ctx.App.Writer, n.String())
	}
	it.Close()
	return nil
}

func parseBootnodes(ctx *cli.Context) ([]*enode.Node, error) {
	if !ctx.IsSet(bootnodesFlag.Name) {
		return nil, nil
	}
	nodes, err := parseNodeList(strings.Split(ctx.String(bootnodesFlag.Name), ","))
	if err != nil {
		return nil, fmt.Errorf("invalid bootstrap node: %v", err)
	}
	return nodes, nil
}

// startV4 starts an ephemeral discovery V4 node.
func startV4(ctx *cli.Context, bootnodes []*enode.Node) (*discover.UDPv4, error) {
	var cfg discover.Config
	cfg.Bootnodes = bootnodes
	cfg.PrivateKey, _ = crypto.GenerateKey()
	db, err := enode.OpenDB("")
	if err != nil {
		return nil, err
	}
	ln := enode.NewLocalNode(db, cfg.PrivateKey)

	addr, err := net.ResolveUDPAddr("udp4", ctx.String(listenAddrFlag.Name))
	if err != nil {
		db.Close()
		return nil, err
	}
	socket, err := net.ListenUDP("udp4", addr)
	if err != nil {
		db.Close()
		return nil, err
	}
	laddr := socket.LocalAddr().(*net.UDPAddr)
	ln.SetFallbackIP(net.IP{127, 0, 0, 1})
	ln.SetFallbackUDP(laddr.Port)
	disc, err := discover.ListenV4(socket, ln, cfg)
	if err != nil {
		socket.Close()
		db.Close()
		return nil, err
	}
	return disc, nil
}
