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
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

var fileFlag = &cli.StringFlag{
	Name:  "file",
	Usage: "Read the record from this file instead of the argument",
}

var enrdumpCommand = &cli.Command{
	Name:      "enrdump",
	Usage:     "Pretty-prints node records",
	ArgsUsage: "<enr or enode URL>",
	Action:    enrdump,
	Flags:     []cli.Flag{fileFlag},
}

func enrdump(ctx *cli.Context) error {
	text, err := recordSource(ctx)
	if err != nil {
		return err
	}
	n, err := parseNode(strings.TrimSpace(text))
	if err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	dumpRecord(ctx.App.Writer, n)
	return nil
}

// recordSource returns the record text from -file or the single argument.
func recordSource(ctx *cli.Context) (string, error) {
	file := ctx.String(fileFlag.Name)
	switch {
	case file != "" && ctx.NArg() > 0:
		return "", errors.New("record given both as argument and with -file")
	case file != "":
		data, err := os.ReadFile(file)
		return string(data), err
	case ctx.NArg() == 1:
		return ctx.Args().First(), nil
	default:
		return "", errors.New("need record as argument")
	}
}

var (
	keyColor  = color.New(color.FgCyan)
	warnColor = color.New(color.FgYellow)
)

// dumpRecord writes the ID and every key/value pair of n. Nodes without a
// signed record only have their enode URL printed.
func dumpRecord(w io.Writer, n *enode.Node) {
	r := n.Record()
	fmt.Fprintf(w, "Node ID: %v\n", n.ID())
	if len(r.Signature()) == 0 {
		fmt.Fprintf(w, "URLv4: %s\n", n.URLv4())
		return
	}
	pairs := r.AppendElements(nil)[1:] // drop the signature
	fmt.Fprintf(w, "Record has sequence number %d and %d key/value pairs.\n", r.Seq(), len(pairs)/2)

	width := 0
	for i := 0; i < len(pairs); i += 2 {
		width = max(width, len(pairs[i].(string)))
	}
	var sb strings.Builder
	for i := 0; i < len(pairs); i += 2 {
		key, val := pairs[i].(string), pairs[i+1].(rlp.RawValue)
		keyColor.Fprintf(&sb, "  %s:", key)
		sb.WriteString(strings.Repeat(" ", width-len(key)+1))
		if text, ok := formatValue(key, val); ok {
			sb.WriteString(text + "\n")
		} else {
			warnColor.Fprintf(&sb, "%x (!)\n", []byte(val))
		}
	}
	io.WriteString(w, sb.String())
}

// formatValue renders the well-known keys by type. Other values print as hex.
func formatValue(key string, v rlp.RawValue) (string, bool) {
	switch key {
	case "tcp", "tcp6", "udp", "udp6":
		var port uint64
		if rlp.DecodeBytes(v, &port) != nil {
			return "", false
		}
		return fmt.Sprint(port), true
	}
	content, _, err := rlp.SplitString(v)
	if err != nil {
		return "", false
	}
	switch key {
	case "id":
		return string(content), true
	case "ip", "ip6":
		ip, ok := netip.AddrFromSlice(content)
		if !ok {
			return "", false
		}
		return ip.String(), true
	default:
		return hex.EncodeToString(content), true
	}
}
