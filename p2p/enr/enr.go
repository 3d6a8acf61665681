// Copyright 2017 The go-ethereum Authors
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

// Package enr implements EIP-778 node records: signed, versioned sets of
// key/value pairs describing a node. Entries are read and written through the
// Entry interface.
//
// Decoding never checks the signature. Records from the network must be
// checked against a trusted identity scheme before use, and any change to a
// record invalidates its signature until it is signed again.
package enr

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
)

// SizeLimit is the maximum encoded size of a record in bytes.
const SizeLimit = 300

var (
	ErrInvalidSig     = errors.New("invalid signature on node record")
	errNotSorted      = errors.New("record key/value pairs are not sorted by key")
	errDuplicateKey   = errors.New("record contains duplicate key")
	errIncompletePair = errors.New("record contains incomplete k/v pair")
	errIncompleteList = errors.New("record contains less than two list elements")
	errTooBig         = fmt.Errorf("record bigger than %d bytes", SizeLimit)
	errEncodeUnsigned = errors.New("can't encode unsigned record")
	errNotFound       = errors.New("no such key in record")
)

// IdentityScheme verifies record signatures and derives node addresses for
// one signature scheme.
type IdentityScheme interface {
	Verify(r *Record, sig []byte) error
	NodeAddr(r *Record) []byte
}

// SchemeMap dispatches on the "id" entry of a record.
type SchemeMap map[string]IdentityScheme

func (m SchemeMap) Verify(r *Record, sig []byte) error {
	if s := m[r.IdentityScheme()]; s != nil {
		return s.Verify(r, sig)
	}
	return ErrInvalidSig
}

func (m SchemeMap) NodeAddr(r *Record) []byte {
	if s := m[r.IdentityScheme()]; s != nil {
		return s.NodeAddr(r)
	}
	return nil
}

// Record is a node record. The zero value is an empty, unsigned record.
//
// A record is either unsigned, in which case entries may be changed freely,
// or signed, in which case raw holds its canonical encoding. Changing a
// signed record drops the signature and bumps the sequence number.
type Record struct {
	seq       uint64
	signature []byte
	raw       []byte
	pairs     []pair // sorted by key, keys unique
}

type pair struct {
	k string
	v rlp.RawValue
}

// find returns the position of key in r.pairs, or where it would be inserted.
func (r *Record) find(key string) (int, bool) {
	return slices.BinarySearchFunc(r.pairs, key, func(p pair, k string) int {
		return strings.Compare(p.k, k)
	})
}

// Size returns the encoded size of the record.
func (r *Record) Size() uint64 {
	if r.raw != nil {
		return uint64(len(r.raw))
	}
	size := uint64(rlp.IntSize(r.seq)) + rlp.BytesSize(r.signature)
	for _, p := range r.pairs {
		size += rlp.StringSize(p.k) + uint64(len(p.v))
	}
	return rlp.ListSize(size)
}

func (r *Record) Seq() uint64 {
	return r.seq
}

// SetSeq sets the sequence number and drops the signature. Most callers do
// not need it, since Set on a signed record increments seq already.
func (r *Record) SetSeq(s uint64) {
	r.signature, r.raw = nil, nil
	r.seq = s
}

// Load decodes the value stored under e's key into e, which must be a
// pointer. Errors are *KeyError; use IsNotFound to detect absent keys.
func (r *Record) Load(e Entry) error {
	key := e.ENRKey()
	i, ok := r.find(key)
	if !ok {
		return &KeyError{Key: key, Err: errNotFound}
	}
	if err := rlp.DecodeBytes(r.pairs[i].v, e); err != nil {
		return &KeyError{Key: key, Err: err}
	}
	return nil
}

// Set stores e, replacing any previous value under the same key. It panics
// if e can't be encoded.
func (r *Record) Set(e Entry) {
	key := e.ENRKey()
	blob, err := rlp.EncodeToBytes(e)
	if err != nil {
		panic(fmt.Errorf("enr: can't encode %s: %v", key, err))
	}
	if r.signature != nil {
		r.seq++
	}
	r.signature, r.raw = nil, nil

	// Copy on write: decoded records may share pairs with other values.
	pairs := slices.Clone(r.pairs)
	if i, ok := r.find(key); ok {
		pairs[i].v = blob
	} else {
		pairs = slices.Insert(pairs, i, pair{key, blob})
	}
	r.pairs = pairs
}

// Signature returns a copy of the signature, or nil for unsigned records.
func (r *Record) Signature() []byte {
	if r.signature == nil {
		return nil
	}
	return bytes.Clone(r.signature)
}

// EncodeRLP implements rlp.Encoder. Only signed records can be encoded.
func (r Record) EncodeRLP(w io.Writer) error {
	if r.signature == nil {
		return errEncodeUnsigned
	}
	_, err := w.Write(r.raw)
	return err
}

// DecodeRLP implements rlp.Decoder. The signature is not verified.
func (r *Record) DecodeRLP(s *rlp.Stream) error {
	raw, err := s.Raw()
	if err != nil {
		return err
	}
	if len(raw) > SizeLimit {
		return errTooBig
	}
	dec, err := decodeRecord(raw)
	if err != nil {
		return err
	}
	dec.raw = raw
	*r = dec
	return nil
}

// decodeRecord parses [signature, seq, k1, v1, k2, v2, ...].
func decodeRecord(raw []byte) (dec Record, err error) {
	s := rlp.NewStream(bytes.NewReader(raw), 0)
	if _, err := s.List(); err != nil {
		return dec, err
	}
	if err := s.Decode(&dec.signature); err != nil {
		return dec, eolAs(err, errIncompleteList)
	}
	if err := s.Decode(&dec.seq); err != nil {
		return dec, eolAs(err, errIncompleteList)
	}
	for {
		var kv pair
		if err := s.Decode(&kv.k); err == rlp.EOL {
			break
		} else if err != nil {
			return dec, err
		}
		if err := s.Decode(&kv.v); err != nil {
			return dec, eolAs(err, errIncompletePair)
		}
		if n := len(dec.pairs); n > 0 {
			switch prev := dec.pairs[n-1].k; {
			case kv.k == prev:
				return dec, errDuplicateKey
			case kv.k < prev:
				return dec, errNotSorted
			}
		}
		dec.pairs = append(dec.pairs, kv)
	}
	return dec, s.ListEnd()
}

func eolAs(err, replacement error) error {
	if err == rlp.EOL {
		return replacement
	}
	return err
}

// IdentityScheme returns the value of the "id" entry.
func (r *Record) IdentityScheme() string {
	var id ID
	r.Load(&id)
	return string(id)
}

// VerifySignature checks the record signature against scheme s.
func (r *Record) VerifySignature(s IdentityScheme) error {
	return s.Verify(r, r.signature)
}

// SetSig installs sig after checking it with scheme s, and caches the
// resulting encoding. It fails if the record would exceed SizeLimit.
// Passing nil for both arguments removes the signature. Passing nil for only
// one of them panics.
func (r *Record) SetSig(s IdentityScheme, sig []byte) error {
	if (s == nil) != (sig == nil) {
		panic("enr: SetSig needs both scheme and signature, or neither")
	}
	if s == nil {
		r.signature, r.raw = nil, nil
		return nil
	}
	if err := s.Verify(r, sig); err != nil {
		return err
	}
	raw, err := r.encode(sig)
	if err != nil {
		return err
	}
	r.signature, r.raw = sig, raw
	return nil
}

// AppendElements appends seq followed by the flattened key/value pairs. This
// is the content covered by the signature.
func (r *Record) AppendElements(list []interface{}) []interface{} {
	list = append(list, r.seq)
	for _, p := range r.pairs {
		list = append(list, p.k, p.v)
	}
	return list
}

func (r *Record) encode(sig []byte) ([]byte, error) {
	list := make([]interface{}, 1, 2*len(r.pairs)+2)
	list[0] = sig
	raw, err := rlp.EncodeToBytes(r.AppendElements(list))
	if err != nil {
		return nil, err
	}
	if len(raw) > SizeLimit {
		return nil, errTooBig
	}
	return raw, nil
}
