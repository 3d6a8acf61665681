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
	"os"
	"path/filepath"

	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/urfave/cli/v2"
)

var app = &cli.App{
	Name:        filepath.Base(os.Args[0]),
	Usage:       "devp2p discovery and session tool",
	Writer:      os.Stdout,
	HideVersion: true,
	Flags:       logFlags,
	Before:      setupLogging,
	After: func(*cli.Context) error {
		closeLogging()
		return nil
	},
	CommandNotFound: func(_ *cli.Context, cmd string) {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(1)
	},
	Commands: []*cli.Command{
		enrdumpCommand,
		keyCommand,
		discv4Command,
		runCommand,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// getNodeArg parses the first argument as a node.
func getNodeArg(ctx *cli.Context) (*enode.Node, error) {
	if ctx.NArg() < 1 {
		return nil, errors.New("missing node as command-line argument")
	}
	return parseNode(ctx.Args().First())
}

// parseNode accepts "enr:" records and enode URLs. Record signatures are verified.
func parseNode(source string) (*enode.Node, error) {
	return enode.Parse(enode.ValidSchemes, source)
}

func parseNodeList(list []string) ([]*enode.Node, error) {
	nodes := make([]*enode.Node, 0, len(list))
	for _, s := range list {
		n, err := parseNode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid node %q: %w", s, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
