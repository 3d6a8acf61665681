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
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethp2p/devp2p/p2p/enr"
	"golang.org/x/crypto/sha3"
)

// ValidSchemes holds the identity schemes accepted from the network.
var ValidSchemes = enr.SchemeMap{
	"v4": V4ID{},
}

// ValidSchemesForTesting also accepts the unsigned "null" scheme.
var ValidSchemesForTesting = enr.SchemeMap{
	"v4":   V4ID{},
	"null": NullID{},
}

// V4ID is the "v4" identity scheme: a secp256k1 signature over the keccak256
// hash of the record content, and node IDs derived by PubkeyToIDV4.
type V4ID struct{}

// SignV4 sets the "id" and "secp256k1" entries of r and signs it with key.
// r is left untouched if signing fails.
func SignV4(r *enr.Record, key *ecdsa.PrivateKey) error {
	signed := *r
	signed.Set(enr.IDv4)
	signed.Set(Secp256k1(key.PublicKey))
	sig, err := crypto.Sign(recordHash(&signed), key)
	if err != nil {
		return err
	}
	// The recovery byte is not part of the record signature.
	if err := signed.SetSig(V4ID{}, sig[:crypto.RecoveryIDOffset]); err != nil {
		return err
	}
	*r = signed
	return nil
}

func (V4ID) Verify(r *enr.Record, sig []byte) error {
	var key s256raw
	if err := r.Load(&key); err != nil {
		return err
	}
	if len(key) != 33 {
		return fmt.Errorf("secp256k1 entry has %d bytes, want 33", len(key))
	}
	if !crypto.VerifySignature(key, recordHash(r), sig) {
		return enr.ErrInvalidSig
	}
	return nil
}

func (V4ID) NodeAddr(r *enr.Record) []byte {
	var key Secp256k1
	if r.Load(&key) != nil {
		return nil
	}
	id := PubkeyToIDV4((*ecdsa.PublicKey)(&key))
	return id[:]
}

// recordHash is the digest signed by the v4 scheme.
func recordHash(r *enr.Record) []byte {
	h := sha3.NewLegacyKeccak256()
	rlp.Encode(h, r.AppendElements(nil))
	return h.Sum(nil)
}

// Secp256k1 is the "secp256k1" entry, stored as a compressed public key.
type Secp256k1 ecdsa.PublicKey

func (Secp256k1) ENRKey() string { return "secp256k1" }

func (v Secp256k1) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, crypto.CompressPubkey((*ecdsa.PublicKey)(&v)))
}

func (v *Secp256k1) DecodeRLP(s *rlp.Stream) error {
	b, err := s.Bytes()
	if err != nil {
		return err
	}
	key, err := crypto.DecompressPubkey(b)
	if err != nil {
		return err
	}
	*v = Secp256k1(*key)
	return nil
}

// s256raw reads the "secp256k1" entry without decompressing it.
type s256raw []byte

func (s256raw) ENRKey() string { return "secp256k1" }

// v4CompatID accepts any record holding a secp256k1 key and checks no
// signature. It backs nodes built from enode URLs and NEIGHBORS entries,
// which carry no record.
type v4CompatID struct{ V4ID }

func (v4CompatID) Verify(r *enr.Record, _ []byte) error {
	var key Secp256k1
	return r.Load(&key)
}

// NullID is the "null" scheme. The node ID is stored in the record under
// "nulladdr" and nothing is signed. It exists for tests.
type NullID struct{}

func (NullID) Verify(*enr.Record, []byte) error { return nil }

func (NullID) NodeAddr(r *enr.Record) []byte {
	var id ID
	r.Load(enr.WithEntry("nulladdr", &id))
	return id[:]
}

// SignNull turns r into a "null" scheme record for id and returns its node.
func SignNull(r *enr.Record, id ID) *Node {
	r.Set(enr.ID("null"))
	r.Set(enr.WithEntry("nulladdr", id))
	if err := r.SetSig(NullID{}, []byte{}); err != nil {
		panic(err)
	}
	return newNodeWithID(r, id)
}
