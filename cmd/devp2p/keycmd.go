// Copyright 2020 The go-ethereum Authors
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
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/ethp2p/devp2p/p2p/enr"
	"github.com/urfave/cli/v2"
)

var (
	endpointIPFlag = &cli.StringFlag{
		Name:  "ip",
		Usage: "Endpoint IP put into the record (empty for none)",
		Value: "127.0.0.1",
	}
	endpointTCPFlag = &cli.IntFlag{
		Name:  "tcp",
		Usage: "Endpoint TCP port (0 for none)",
		Value: 30303,
	}
	endpointUDPFlag = &cli.IntFlag{
		Name:  "udp",
		Usage: "Endpoint UDP port (0 for none)",
		Value: 30303,
	}
	endpointFlags = []cli.Flag{endpointIPFlag, endpointTCPFlag, endpointUDPFlag}
)

// keyFormats lists the ways a node key can be printed. Each entry becomes a
// "key to-<name>" subcommand.
var keyFormats = []struct {
	name, usage string
	format      func(*enode.Node) string
}{
	{"id", "Print the node ID of a key file", func(n *enode.Node) string { return n.ID().String() }},
	{"enode", "Print the enode URL of a key file", (*enode.Node).URLv4},
	{"enr", "Print the signed node record of a key file", (*enode.Node).String},
}

var keyCommand = &cli.Command{
	Name:  "key",
	Usage: "Node key operations",
	Subcommands: append([]*cli.Command{
		{
			Name:      "generate",
			Usage:     "Write a new secp256k1 node key",
			ArgsUsage: "<keyfile>",
			Action:    genkey,
		},
		{
			Name:      "inspect",
			Usage:     "Print every representation of a node key",
			ArgsUsage: "<keyfile>",
			Flags:     endpointFlags,
			Action:    inspectKey,
		},
	}, keyFormatCommands()...),
}

func keyFormatCommands() []*cli.Command {
	cmds := make([]*cli.Command, len(keyFormats))
	for i, kf := range keyFormats {
		format := kf.format
		cmds[i] = &cli.Command{
			Name:      "to-" + kf.name,
			Usage:     kf.usage,
			ArgsUsage: "<keyfile>",
			Flags:     endpointFlags,
			Action: func(ctx *cli.Context) error {
				n, err := recordFromKeyFile(ctx)
				if err != nil {
					return err
				}
				fmt.Println(format(n))
				return nil
			},
		}
	}
	return cmds
}

func genkey(ctx *cli.Context) error {
	file, err := keyFileArg(ctx)
	if err != nil {
		return err
	}
	if _, err := os.Stat(file); err == nil {
		return fmt.Errorf("refusing to overwrite existing key file %s", file)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("key generation failed: %w", err)
	}
	if err := crypto.SaveECDSA(file, key); err != nil {
		return err
	}
	fmt.Println(enode.PubkeyToIDV4(&key.PublicKey))
	return nil
}

func inspectKey(ctx *cli.Context) error {
	n, err := recordFromKeyFile(ctx)
	if err != nil {
		return err
	}
	for _, kf := range keyFormats {
		fmt.Printf("%-6s %s\n", kf.name, kf.format(n))
	}
	return nil
}

func keyFileArg(ctx *cli.Context) (string, error) {
	if ctx.NArg() != 1 {
		return "", errors.New("expected exactly one argument: the key file")
	}
	return ctx.Args().First(), nil
}

func recordFromKeyFile(ctx *cli.Context) (*enode.Node, error) {
	file, err := keyFileArg(ctx)
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadECDSA(file)
	if err != nil {
		return nil, err
	}
	return signRecord(key, ctx.String(endpointIPFlag.Name), ctx.Int(endpointTCPFlag.Name), ctx.Int(endpointUDPFlag.Name))
}

// signRecord builds a v4-signed record for key. Empty host and zero ports
// are left out of the record.
func signRecord(key *ecdsa.PrivateKey, host string, tcp, udp int) (*enode.Node, error) {
	var r enr.Record
	if host != "" {
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", host)
		}
		r.Set(enr.IP(ip))
	}
	if tcp != 0 {
		r.Set(enr.TCP(tcp))
	}
	if udp != 0 {
		r.Set(enr.UDP(udp))
	}
	if err := enode.SignV4(&r, key); err != nil {
		return nil, err
	}
	return enode.New(enode.ValidSchemes, &r)
}
