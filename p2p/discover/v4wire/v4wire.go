// Copyright 2020 The go-ethereum Authors
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

// Package v4wire contains the datagram codec of discovery v4.
//
// A datagram is laid out as
//
//	hash(32) || signature(65) || kind(1) || rlp(body)
//
// where the signature covers kind || body and the hash covers everything after
// itself. The hash doubles as the reply token of requests.
package v4wire

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/ethp2p/devp2p/p2p/enr"
)

// Packet kinds. Zero is never sent.
const (
	PingPacket byte = iota + 1
	PongPacket
	FindnodePacket
	NeighborsPacket
	ENRRequestPacket
	ENRResponsePacket
)

const (
	// MaxPacketSize bounds both directions. Larger datagrams are dropped unread.
	MaxPacketSize = 1280

	// MaxNeighbors is the node count that keeps a NEIGHBORS packet of IPv6
	// entries under MaxPacketSize.
	MaxNeighbors = 12
)

const (
	macSize  = 32
	sigSize  = crypto.SignatureLength
	headSize = macSize + sigSize
)

// Decoding errors.
var (
	ErrPacketTooSmall = errors.New("too small")
	ErrPacketTooBig   = errors.New("too big")
	ErrBadHash        = errors.New("bad hash")
	ErrBadPoint       = errors.New("invalid curve point")
)

// Packet is a decoded message body.
type Packet interface {
	Name() string // for logs and metrics
	Kind() byte
}

// kinds is the dispatch table of the codec. Every packet type is listed
// exactly once.
var kinds = map[byte]struct {
	name string
	make func() Packet
}{
	PingPacket:        {"PING/v4", func() Packet { return new(Ping) }},
	PongPacket:        {"PONG/v4", func() Packet { return new(Pong) }},
	FindnodePacket:    {"FINDNODE/v4", func() Packet { return new(Findnode) }},
	NeighborsPacket:   {"NEIGHBORS/v4", func() Packet { return new(Neighbors) }},
	ENRRequestPacket:  {"ENRREQUEST/v4", func() Packet { return new(ENRRequest) }},
	ENRResponsePacket: {"ENRRESPONSE/v4", func() Packet { return new(ENRResponse) }},
}

// Ping opens the endpoint proof. ENRSeq is the sender's record version (EIP-868).
type Ping struct {
	Version    uint
	From, To   Endpoint
	Expiration uint64
	ENRSeq     uint64         `rlp:"optional"`
	Rest       []rlp.RawValue `rlp:"tail"`
}

// Pong answers a Ping. To mirrors the address the ping came from, which lets
// the pinger learn its external endpoint.
type Pong struct {
	To         Endpoint
	ReplyTok   []byte
	Expiration uint64
	ENRSeq     uint64         `rlp:"optional"`
	Rest       []rlp.RawValue `rlp:"tail"`
}

// Findnode asks for the nodes closest to Target.
type Findnode struct {
	Target     Pubkey
	Expiration uint64
	Rest       []rlp.RawValue `rlp:"tail"`
}

// Neighbors carries part of the answer to Findnode.
type Neighbors struct {
	Nodes      []Node
	Expiration uint64
	Rest       []rlp.RawValue `rlp:"tail"`
}

// ENRRequest asks for the full node record of the recipient.
type ENRRequest struct {
	Expiration uint64
	Rest       []rlp.RawValue `rlp:"tail"`
}

// ENRResponse carries the record. ReplyTok is the hash of the request.
type ENRResponse struct {
	ReplyTok []byte
	Record   enr.Record
	Rest     []rlp.RawValue `rlp:"tail"`
}

func (*Ping) Kind() byte        { return PingPacket }
func (*Pong) Kind() byte        { return PongPacket }
func (*Findnode) Kind() byte    { return FindnodePacket }
func (*Neighbors) Kind() byte   { return NeighborsPacket }
func (*ENRRequest) Kind() byte  { return ENRRequestPacket }
func (*ENRResponse) Kind() byte { return ENRResponsePacket }

func (p *Ping) Name() string        { return kindName(p) }
func (p *Pong) Name() string        { return kindName(p) }
func (p *Findnode) Name() string    { return kindName(p) }
func (p *Neighbors) Name() string   { return kindName(p) }
func (p *ENRRequest) Name() string  { return kindName(p) }
func (p *ENRResponse) Name() string { return kindName(p) }

func kindName(p Packet) string {
	return kinds[p.Kind()].name
}

// Endpoint is the address triple carried in Ping and Pong.
type Endpoint struct {
	IP  net.IP // 4 or 16 bytes
	UDP uint16
	TCP uint16
}

// NewEndpoint converts addr, storing IPv4 (and mapped IPv4) in four bytes.
func NewEndpoint(addr netip.AddrPort, tcpPort uint16) Endpoint {
	ip := addr.Addr().Unmap()
	return Endpoint{IP: ip.AsSlice(), UDP: addr.Port(), TCP: tcpPort}
}

// Node is a NEIGHBORS entry.
type Node struct {
	IP  net.IP
	UDP uint16
	TCP uint16
	ID  Pubkey
}

// Pubkey is an uncompressed secp256k1 key without the 0x04 prefix.
type Pubkey [64]byte

// ID is the node ID belonging to the key.
func (e Pubkey) ID() enode.ID {
	return enode.ID(crypto.Keccak256Hash(e[:]))
}

// EncodePubkey converts key to its wire form.
func EncodePubkey(key *ecdsa.PublicKey) (e Pubkey) {
	key.X.FillBytes(e[:32])
	key.Y.FillBytes(e[32:])
	return e
}

// DecodePubkey parses e, checking that it is a point on curve.
func DecodePubkey(curve elliptic.Curve, e Pubkey) (*ecdsa.PublicKey, error) {
	x := new(big.Int).SetBytes(e[:32])
	y := new(big.Int).SetBytes(e[32:])
	if !curve.IsOnCurve(x, y) {
		return nil, ErrBadPoint
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// Expired reports whether the unix timestamp ts lies in the past.
func Expired(ts uint64) bool {
	return time.Now().Unix() > int64(ts)
}

// Encode signs req with priv and returns the datagram along with its hash.
func Encode(priv *ecdsa.PrivateKey, req Packet) (packet, hash []byte, err error) {
	body, err := rlp.EncodeToBytes(req)
	if err != nil {
		return nil, nil, err
	}
	if headSize+1+len(body) > MaxPacketSize {
		return nil, nil, ErrPacketTooBig
	}
	packet = make([]byte, headSize, headSize+1+len(body))
	packet = append(packet, req.Kind())
	packet = append(packet, body...)

	sig, err := crypto.Sign(crypto.Keccak256(packet[headSize:]), priv)
	if err != nil {
		return nil, nil, err
	}
	copy(packet[macSize:headSize], sig)
	hash = crypto.Keccak256(packet[macSize:])
	copy(packet[:macSize], hash)
	return packet, hash, nil
}

// Decode checks the size, hash and signature of a datagram before decoding its
// body. It returns the signer key and the packet hash. Trailing data after the
// body is ignored, as are extra list elements (Rest).
func Decode(input []byte) (Packet, Pubkey, []byte, error) {
	var from Pubkey
	switch {
	case len(input) <= headSize:
		return nil, from, nil, ErrPacketTooSmall
	case len(input) > MaxPacketSize:
		return nil, from, nil, ErrPacketTooBig
	}
	hash := input[:macSize]
	if !bytes.Equal(hash, crypto.Keccak256(input[macSize:])) {
		return nil, from, nil, ErrBadHash
	}
	signed := input[headSize:]
	pub, err := crypto.Ecrecover(crypto.Keccak256(signed), input[macSize:headSize])
	if err != nil {
		return nil, from, hash, err
	}
	copy(from[:], pub[1:])

	kind, ok := kinds[signed[0]]
	if !ok {
		return nil, from, hash, fmt.Errorf("unknown type: %d", signed[0])
	}
	req := kind.make()
	err = rlp.NewStream(bytes.NewReader(signed[1:]), 0).Decode(req)
	return req, from, hash, err
}

// maxNeighborsPacketSize is the encoded size of the largest NEIGHBORS packet
// the table ever sends.
func maxNeighborsPacketSize() int {
	entry := Node{IP: make(net.IP, net.IPv6len), UDP: 0xffff, TCP: 0xffff}
	p := Neighbors{Expiration: ^uint64(0), Nodes: make([]Node, MaxNeighbors)}
	for i := range p.Nodes {
		p.Nodes[i] = entry
	}
	body, _ := rlp.EncodeToBytes(&p)
	return headSize + 1 + len(body)
}
