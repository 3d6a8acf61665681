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

package enr

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

var rnd = rand.New(rand.NewSource(time.Now().UnixNano()))

// TestGetSetID tests encoding/decoding and setting/getting of the ID key.
func TestGetSetID(t *testing.T) {
	id := ID("someid")
	var r Record
	r.Set(id)

	var id2 ID
	if err := r.Load(&id2); err != nil {
		t.Fatal(err)
	}
	if id != id2 {
		t.Fatalf("got %#v, expected %#v", id2, id)
	}
}

// TestGetSetIPv4 tests encoding/decoding and setting/getting of the IP key.
func TestGetSetIPv4(t *testing.T) {
	ip := IPv4{192, 168, 0, 3}
	var r Record
	r.Set(ip)

	var ip2 IPv4
	if err := r.Load(&ip2); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ip, ip2) {
		t.Fatalf("got %#v, expected %#v", ip2, ip)
	}
}

// TestGetSetIPv6 tests encoding/decoding and setting/getting of the IP6 key.
func TestGetSetIPv6(t *testing.T) {
	ip := IPv6{0x20, 0x01, 0x48, 0x60, 0, 0, 0x20, 0x01, 0, 0, 0, 0, 0, 0, 0x00, 0x68}
	var r Record
	r.Set(ip)

	var ip2 IPv6
	if err := r.Load(&ip2); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ip, ip2) {
		t.Fatalf("got %#v, expected %#v", ip2, ip)
	}
}

// TestGetSetIP checks that the IP type picks the right key.
func TestGetSetIP(t *testing.T) {
	var r Record
	r.Set(IP(net.ParseIP("10.0.0.1")))
	r.Set(IP(net.ParseIP("2001:db8::1")))

	var ip4 IPv4
	var ip6 IPv6
	if err := r.Load(&ip4); err != nil {
		t.Fatal("can't load ip:", err)
	}
	if err := r.Load(&ip6); err != nil {
		t.Fatal("can't load ip6:", err)
	}
	if !net.IP(ip4).Equal(net.ParseIP("10.0.0.1")) {
		t.Errorf("wrong ip: %v", net.IP(ip4))
	}
}

// TestGetSetUDP tests encoding/decoding and setting/getting of the UDP key.
func TestGetSetUDP(t *testing.T) {
	port := UDP(30309)
	var r Record
	r.Set(port)

	var port2 UDP
	if err := r.Load(&port2); err != nil {
		t.Fatal(err)
	}
	if port != port2 {
		t.Fatalf("got %#v, expected %#v", port2, port)
	}
}

func TestLoadErrors(t *testing.T) {
	var r Record
	ip4 := IPv4{127, 0, 0, 1}
	r.Set(ip4)

	// Check error for missing keys.
	var udp UDP
	err := r.Load(&udp)
	if !IsNotFound(err) {
		t.Error("IsNotFound should return true for missing key")
	}
	if want := (&KeyError{Key: "udp", Err: errNotFound}); !reflect.DeepEqual(err, want) {
		t.Fatalf("wrong error for missing key: got %v, want %v", err, want)
	}

	// Check error for invalid keys.
	var list []uint
	err = r.Load(WithEntry(ip4.ENRKey(), &list))
	kerr, ok := err.(*KeyError)
	if !ok {
		t.Fatalf("expected KeyError, got %T", err)
	}
	if kerr.Key != ip4.ENRKey() {
		t.Errorf("wrong key in error: got %q, want %q", kerr.Key, ip4.ENRKey())
	}
	if IsNotFound(err) {
		t.Error("IsNotFound should return false for decoding errors")
	}
}

// TestSortedGetAndSet tests that Set produced a sorted pairs slice.
func TestSortedGetAndSet(t *testing.T) {
	type pair struct {
		k string
		v uint32
	}

	for _, tt := range []struct {
		input []pair
		want  []pair
	}{
		{
			input: []pair{{"a", 1}, {"c", 2}, {"b", 3}},
			want:  []pair{{"a", 1}, {"b", 3}, {"c", 2}},
		},
		{
			input: []pair{{"a", 1}, {"c", 2}, {"b", 3}, {"d", 4}, {"a", 5}, {"bb", 6}},
			want:  []pair{{"a", 5}, {"b", 3}, {"bb", 6}, {"c", 2}, {"d", 4}},
		},
		{
			input: []pair{{"c", 2}, {"b", 3}, {"d", 4}, {"a", 5}, {"bb", 6}},
			want:  []pair{{"a", 5}, {"b", 3}, {"bb", 6}, {"c", 2}, {"d", 4}},
		},
	} {
		var r Record
		for _, i := range tt.input {
			r.Set(WithEntry(i.k, &i.v))
		}
		for i, w := range tt.want {
			// set got's key from r.pair[i], so that we preserve order of pairs
			got := pair{k: r.pairs[i].k}
			if err := r.Load(WithEntry(w.k, &got.v)); err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, w) {
				t.Fatalf("expected %#v, got %#v", w, got)
			}
		}
	}
}

// TestDirty tests record signature removal on setting of new key/value pair in record.
func TestDirty(t *testing.T) {
	var r Record

	if _, err := rlp.EncodeToBytes(r); err != errEncodeUnsigned {
		t.Errorf("expected errEncodeUnsigned, got %#v", err)
	}

	require(t, signTest([]byte{5}, &r))
	if len(r.signature) == 0 {
		t.Error("record is not signed")
	}
	_, err := rlp.EncodeToBytes(r)
	require(t, err)

	r.SetSeq(3)
	if len(r.signature) != 0 {
		t.Error("signature still set after modification")
	}
	if _, err := rlp.EncodeToBytes(r); err != errEncodeUnsigned {
		t.Errorf("expected errEncodeUnsigned, got %#v", err)
	}
}

func TestSeq(t *testing.T) {
	var r Record

	if r.Seq() != 0 {
		t.Fatal("wrong initial seq")
	}
	r.Set(UDP(1))
	if r.Seq() != 0 {
		t.Fatal("wrong seq after set on unsigned record")
	}
	require(t, signTest([]byte{5}, &r))
	if r.Seq() != 0 {
		t.Fatal("wrong seq after sign")
	}
	r.Set(UDP(2))
	if r.Seq() != 1 {
		t.Fatal("wrong seq after set on signed record")
	}
}

// TestGetSetOverwrite tests value overwrite when setting a new value with an existing key in record.
func TestGetSetOverwrite(t *testing.T) {
	var r Record

	ip := IPv4{192, 168, 0, 3}
	r.Set(ip)

	var ip2 IPv4
	require(t, r.Load(&ip2))
	if !bytes.Equal(ip, ip2) {
		t.Fatalf("got %v, expected %v", ip2, ip)
	}

	ip3 := IPv4{192, 168, 0, 4}
	r.Set(ip3)

	var ip4 IPv4
	require(t, r.Load(&ip4))
	if !bytes.Equal(ip3, ip4) {
		t.Fatalf("got %v, expected %v", ip4, ip3)
	}
}

// TestSignEncodeAndDecode tests signing, RLP encoding and RLP decoding of a record.
func TestSignEncodeAndDecode(t *testing.T) {
	var r Record
	r.Set(UDP(30303))
	r.Set(IPv4{127, 0, 0, 1})
	require(t, signTest([]byte{5}, &r))

	blob, err := rlp.EncodeToBytes(r)
	require(t, err)

	var r2 Record
	require(t, rlp.DecodeBytes(blob, &r2))
	if !reflect.DeepEqual(r, r2) {
		t.Errorf("records not deep equal ; got\n%#v, expected\n%#v", r2, r)
	}
	require(t, r2.VerifySignature(testSchemes))

	blob2, err := rlp.EncodeToBytes(r2)
	require(t, err)
	if !bytes.Equal(blob, blob2) {
		t.Errorf("serialised records not equal ; got\n%x, expected\n%x", blob2, blob)
	}
	if r2.Size() != uint64(len(blob)) {
		t.Errorf("wrong size %d, want %d", r2.Size(), len(blob))
	}
}

// TestRecordTooBig tests that records bigger than SizeLimit bytes cannot be signed.
func TestRecordTooBig(t *testing.T) {
	var r Record
	key := randomString(10)

	// set a big value for random key, expect error
	r.Set(WithEntry(key, randomString(SizeLimit)))
	if err := signTest([]byte{5}, &r); err != errTooBig {
		t.Fatalf("expected to get errTooBig, got %#v", err)
	}

	// set an acceptable value for random key, expect no error
	r.Set(WithEntry(key, randomString(100)))
	require(t, signTest([]byte{5}, &r))
}

// TestDecodeIncomplete checks that malformed containers are rejected.
func TestDecodeIncomplete(t *testing.T) {
	type decTest struct {
		input []byte
		err   error
	}
	tests := []decTest{
		{[]byte{0xC0}, errIncompleteList},
		{[]byte{0xC1, 0x1}, errIncompleteList},
		{[]byte{0xC2, 0x1, 0x2}, nil},
		{[]byte{0xC3, 0x1, 0x2, 0x3}, errIncompletePair},
		{[]byte{0xC4, 0x1, 0x2, 0x3, 0x4}, nil},
		{[]byte{0xC5, 0x1, 0x2, 0x3, 0x4, 0x5}, errIncompletePair},
	}
	for _, test := range tests {
		var r Record
		err := rlp.DecodeBytes(test.input, &r)
		if err != test.err {
			t.Errorf("wrong error for %X: %v", test.input, err)
		}
	}
}

func TestDecodeUnsorted(t *testing.T) {
	input, _ := rlp.EncodeToBytes([]interface{}{[]byte{1}, uint(1), "b", uint(1), "a", uint(2)})
	var r Record
	if err := rlp.DecodeBytes(input, &r); err != errNotSorted {
		t.Fatalf("wrong error: %v", err)
	}
	input, _ = rlp.EncodeToBytes([]interface{}{[]byte{1}, uint(1), "a", uint(1), "a", uint(2)})
	if err := rlp.DecodeBytes(input, &r); err != errDuplicateKey {
		t.Fatalf("wrong error: %v", err)
	}
}

// TestSignEncodeAndDecodeRandom tests encoding/decoding of records containing random key/value pairs.
func TestSignEncodeAndDecodeRandom(t *testing.T) {
	var r Record

	// random key/value pairs for testing
	pairs := map[string]uint32{}
	for i := 0; i < 10; i++ {
		key := randomString(7)
		value := rnd.Uint32()
		pairs[key] = value
		r.Set(WithEntry(key, &value))
	}

	require(t, signTest([]byte{5}, &r))

	enc, _ := rlp.EncodeToBytes(r)
	require(t, rlp.DecodeBytes(enc, &r))

	for k, v := range pairs {
		desc := "key " + k
		var got uint32
		buf := WithEntry(k, &got)
		if err := r.Load(buf); err != nil {
			t.Fatalf("%s: %v", desc, err)
		}
		if got != v {
			t.Fatalf("%s: got %d, expected %d", desc, got, v)
		}
	}
}

type testSig struct{}

type testID []byte

func (id testID) ENRKey() string { return "testid" }

var testSchemes = SchemeMap{"test": testSig{}}

func signTest(id []byte, r *Record) error {
	r.Set(ID("test"))
	r.Set(testID(id))
	return r.SetSig(testSig{}, makeTestSig(id, r.Seq()))
}

func makeTestSig(id []byte, seq uint64) []byte {
	var seqb [8]byte
	binary.BigEndian.PutUint64(seqb[:], seq)
	return crypto.Keccak256(id, seqb[:])
}

func (testSig) Verify(r *Record, sig []byte) error {
	var id []byte
	if err := r.Load((*testID)(&id)); err != nil {
		return err
	}
	if !bytes.Equal(sig, makeTestSig(id, r.Seq())) {
		return ErrInvalidSig
	}
	return nil
}

func (testSig) NodeAddr(r *Record) []byte {
	var id []byte
	if err := r.Load((*testID)(&id)); err != nil {
		return nil
	}
	return id
}

func randomString(strlen int) string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	result := make([]byte, strlen)
	for i := range result {
		result[i] = chars[rnd.Intn(len(chars))]
	}
	return string(result)
}

func require(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
