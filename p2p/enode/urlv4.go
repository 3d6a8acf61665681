// Copyright 2018 The go-ethereum Authors
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

package enode

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethp2p/devp2p/p2p/enr"
)

// lookupIPFunc resolves host names in enode URLs.
var lookupIPFunc = net.LookupIP

const enodeScheme = "enode://"

// ParseV4 parses an enode URL:
//
//	enode://<hex pubkey>@<host>:<tcp port>[?discport=<udp port>]
//
// The host is an IP address or a DNS name, which is resolved immediately.
// The UDP port defaults to the TCP port. Without the @ part the node has a key
// and no endpoint, and the scheme prefix may be left out.
func ParseV4(rawurl string) (*Node, error) {
	rest := rawurl
	if len(rest) >= len(enodeScheme) && strings.EqualFold(rest[:len(enodeScheme)], enodeScheme) {
		rest = rest[len(enodeScheme):]
	}
	if !strings.Contains(rest, "@") {
		key, err := parsePubkey(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid public key (%v)", err)
		}
		return NewV4(key, nil, 0, 0), nil
	}
	return parseEndpointURL(rawurl)
}

func parseEndpointURL(rawurl string) (*Node, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "enode" {
		return nil, errors.New(`invalid URL scheme, want "enode"`)
	}
	if u.User == nil {
		return nil, errors.New("does not contain node ID")
	}
	key, err := parsePubkey(u.User.String())
	if err != nil {
		return nil, fmt.Errorf("invalid public key (%v)", err)
	}
	ip, err := resolveHost(u.Hostname())
	if err != nil {
		return nil, err
	}
	tcp, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil {
		return nil, errors.New("invalid port")
	}
	udp := tcp
	if dp := u.Query().Get("discport"); dp != "" {
		if udp, err = strconv.ParseUint(dp, 10, 16); err != nil {
			return nil, errors.New("invalid discport in query")
		}
	}
	return NewV4(key, ip, int(tcp), int(udp)), nil
}

func resolveHost(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	ips, err := lookupIPFunc(host)
	switch {
	case err != nil:
		return nil, err
	case len(ips) == 0:
		return nil, fmt.Errorf("no address for host %q", host)
	}
	return ips[0], nil
}

// parsePubkey decodes the 128 hex digit form of a secp256k1 key, which is the
// uncompressed point without its 0x04 prefix.
func parsePubkey(s string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("wrong length, want %d hex chars", 128)
	}
	return crypto.UnmarshalPubkey(append([]byte{0x04}, raw...))
}

// NewV4 builds a node from the parts of a discovery v4 endpoint. The record
// has no signature; such nodes never replace a signed record.
func NewV4(pubkey *ecdsa.PublicKey, ip net.IP, tcp, udp int) *Node {
	var r enr.Record
	if len(ip) != 0 {
		r.Set(enr.IP(ip))
	}
	if tcp != 0 {
		r.Set(enr.TCP(tcp))
	}
	if udp != 0 {
		r.Set(enr.UDP(udp))
	}
	r.Set((*Secp256k1)(pubkey))
	if err := r.SetSig(v4CompatID{}, []byte{}); err != nil {
		panic(err)
	}
	n, err := New(v4CompatID{}, &r)
	if err != nil {
		panic(err)
	}
	return n
}

// isNewV4 reports whether n came from NewV4: a key, no scheme, no signature.
func isNewV4(n *Node) bool {
	var key s256raw
	return n.r.IdentityScheme() == "" && len(n.r.Signature()) == 0 && n.r.Load(&key) == nil
}

// URLv4 formats n as an enode URL. Nodes without an IP print as the bare
// enode://<id> form.
func (n *Node) URLv4() string {
	u := url.URL{Scheme: "enode"}
	id := n.urlID()
	if !n.ip.IsValid() {
		u.Host = id
		return u.String()
	}
	u.User = url.User(id)
	u.Host = net.JoinHostPort(n.ip.String(), strconv.Itoa(n.TCP()))
	if n.UDP() != n.TCP() {
		u.RawQuery = "discport=" + strconv.Itoa(n.UDP())
	}
	return u.String()
}

// urlID is the hex public key for secp256k1 nodes and <scheme>.<hex id>
// for anything else.
func (n *Node) urlID() string {
	var key Secp256k1
	if n.Load(&key) == nil {
		return hex.EncodeToString(crypto.FromECDSAPub((*ecdsa.PublicKey)(&key))[1:])
	}
	var scheme enr.ID
	n.Load(&scheme)
	return fmt.Sprintf("%s.%x", scheme, n.id[:])
}

// PubkeyToIDV4 returns the v4 node ID of key: the keccak256 hash of its
// uncompressed coordinates.
func PubkeyToIDV4(key *ecdsa.PublicKey) ID {
	return ID(crypto.Keccak256Hash(crypto.FromECDSAPub(key)[1:]))
}
