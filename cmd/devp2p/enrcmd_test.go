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
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethp2p/devp2p/p2p/enode"
)

func TestDumpRecord(t *testing.T) {
	key, _ := crypto.GenerateKey()
	n, err := signRecord(key, "10.0.0.1", 30303, 30301)
	if err != nil {
		t.Fatal(err)
	}
	// Round-trip through the text form, as enrdump receives it.
	n, err = parseNode(n.String())
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	dumpRecord(&out, n)
	text := out.String()
	for _, want := range []string{
		"Node ID: " + n.ID().String(),
		"5 key/value pairs",
		"10.0.0.1",
		"30303",
		"30301",
		"v4",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output doesn't contain %q:\n%s", want, text)
		}
	}
}

func TestDumpRecordURL(t *testing.T) {
	n := enode.MustParse(testBootnode)
	var out bytes.Buffer
	dumpRecord(&out, n)
	if !strings.Contains(out.String(), "URLv4: "+n.URLv4()) {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestSignRecord(t *testing.T) {
	key, _ := crypto.GenerateKey()
	n, err := signRecord(key, "127.0.0.1", 30303, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n.ID() != enode.PubkeyToIDV4(&key.PublicKey) {
		t.Errorf("wrong ID %v", n.ID())
	}
	if n.TCP() != 30303 || n.UDP() != 0 {
		t.Errorf("wrong ports tcp=%d udp=%d", n.TCP(), n.UDP())
	}
	if _, err := signRecord(key, "not-an-ip", 0, 0); err == nil {
		t.Error("expected error for invalid IP")
	}
}

func TestKeyFormats(t *testing.T) {
	key, _ := crypto.GenerateKey()
	n, err := signRecord(key, "10.0.0.1", 30303, 30303)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"id":    enode.PubkeyToIDV4(&key.PublicKey).String(),
		"enode": n.URLv4(),
		"enr":   n.String(),
	}
	for _, kf := range keyFormats {
		if got := kf.format(n); got != want[kf.name] {
			t.Errorf("format %s: got %q, want %q", kf.name, got, want[kf.name])
		}
	}
	if !strings.HasPrefix(n.URLv4(), "enode://") {
		t.Errorf("unexpected enode URL %q", n.URLv4())
	}
	if len(keyCommand.Subcommands) != 2+len(keyFormats) {
		t.Errorf("wrong subcommand count %d", len(keyCommand.Subcommands))
	}
}

func TestFormatValue(t *testing.T) {
	enc := func(v any) []byte {
		b, err := rlp.EncodeToBytes(v)
		if err != nil {
			t.Fatal(err)
		}
		return b
	}
	tests := []struct {
		key    string
		val    []byte
		want   string
		wantOK bool
	}{
		{"id", enc("v4"), "v4", true},
		{"ip", enc([]byte{10, 0, 0, 1}), "10.0.0.1", true},
		{"ip6", enc(make([]byte, 16)), "::", true},
		{"ip", enc([]byte{1, 2, 3}), "", false},
		{"udp", enc(uint64(30303)), "30303", true},
		{"tcp", enc([]uint{1}), "", false},
		{"foo", enc([]byte{0xca, 0xfe}), "cafe", true},
		{"foo", enc([]uint{1}), "", false},
	}
	for _, test := range tests {
		got, ok := formatValue(test.key, test.val)
		if got != test.want || ok != test.wantOK {
			t.Errorf("formatValue(%q, %x) = %q, %t; want %q, %t", test.key, test.val, got, ok, test.want, test.wantOK)
		}
	}
}
