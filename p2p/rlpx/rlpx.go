// Copyright 2015 The go-ethereum Authors
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

// Package rlpx implements the RLPx transport: an ECIES key agreement followed
// by a stream of encrypted, MAC-authenticated frames, each carrying one
// message.
package rlpx

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/hmac"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
)

const (
	maxUint24 = 1<<24 - 1

	macSize         = 16
	frameHeaderSize = 16 + macSize
)

var (
	// ErrBadMAC means a frame failed authentication. The connection cannot
	// be used afterwards.
	ErrBadMAC = errors.New("bad frame MAC")

	errPlainMessageTooLarge = errors.New("message length >= 16MB")

	// Header data after the frame size: the RLP list [0, 0], since
	// capability-id and context-id are unused.
	headerData = [...]byte{0xC2, 0x80, 0x80}
	padding    [16]byte
)

// Conn is a single RLPx connection over conn. Once it wraps conn, nothing
// else may use conn.
//
// Handshake must complete before Read or Write. Afterwards one reader and one
// writer may run concurrently; other methods are not safe for concurrent use.
type Conn struct {
	dialDest *ecdsa.PublicKey // nil on the listening side
	conn     net.Conn
	session  *frameCodec

	// Scratch space for snappy. Compression is on while these are non-nil.
	unzipBuf []byte
	zipBuf   []byte
}

// NewConn wraps conn. dialDest is the key of the remote node when dialing and
// nil when accepting.
func NewConn(conn net.Conn, dialDest *ecdsa.PublicKey) *Conn {
	return &Conn{conn: conn, dialDest: dialDest}
}

// Handshake runs the key agreement using the local key prv and returns the
// remote node's key. Callers bound it with a deadline.
func (c *Conn) Handshake(prv *ecdsa.PrivateKey) (*ecdsa.PublicKey, error) {
	var (
		h   handshakeState
		sec Secrets
		err error
	)
	if c.dialDest == nil {
		sec, err = h.runRecipient(c.conn, prv)
	} else {
		sec, err = h.runInitiator(c.conn, prv, c.dialDest)
	}
	if err != nil {
		return nil, err
	}
	c.InitWithSecrets(sec)
	// Bytes read past the handshake already belong to the first frame.
	c.session.in = h.in
	return sec.remote, nil
}

// InitWithSecrets sets up framing with sec directly, skipping the handshake.
// It panics when called twice or with keys of the wrong size.
func (c *Conn) InitWithSecrets(sec Secrets) {
	if c.session != nil {
		panic("rlpx: session already initialized")
	}
	macBlock, err := aes.NewCipher(sec.MAC)
	if err != nil {
		panic(fmt.Errorf("rlpx: bad MAC secret: %v", err))
	}
	encBlock, err := aes.NewCipher(sec.AES)
	if err != nil {
		panic(fmt.Errorf("rlpx: bad AES secret: %v", err))
	}
	// The AES key is ephemeral, so the all-zero IV is never reused.
	var iv [aes.BlockSize]byte
	c.session = &frameCodec{
		enc:     cipher.NewCTR(encBlock, iv[:]),
		dec:     cipher.NewCTR(encBlock, iv[:]),
		egress:  newFrameMAC(macBlock, sec.EgressMAC),
		ingress: newFrameMAC(macBlock, sec.IngressMAC),
	}
}

// SetSnappy switches message compression. It is turned on after the Hello
// exchange when both sides announced protocol version 5 or later.
func (c *Conn) SetSnappy(on bool) {
	c.unzipBuf, c.zipBuf = nil, nil
	if on {
		c.unzipBuf, c.zipBuf = []byte{}, []byte{}
	}
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }

// Close closes the network connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Read returns the next message. wireSize is the payload size before
// decompression. data is only valid until the next Read.
func (c *Conn) Read() (code uint64, data []byte, wireSize int, err error) {
	if c.session == nil {
		panic("rlpx: Read before handshake")
	}
	frame, err := c.session.readFrame(c.conn)
	if err != nil {
		return 0, nil, 0, err
	}
	if code, data, err = rlp.SplitUint64(frame); err != nil {
		return 0, nil, 0, fmt.Errorf("bad message code: %v", err)
	}
	wireSize = len(data)
	if c.unzipBuf == nil {
		return code, data, wireSize, nil
	}
	// The decoded length is checked before anything is allocated for it.
	size, err := snappy.DecodedLen(data)
	if err != nil {
		return code, nil, 0, err
	}
	if size > maxUint24 {
		return code, nil, 0, errPlainMessageTooLarge
	}
	c.unzipBuf = resize(c.unzipBuf, size)
	data, err = snappy.Decode(c.unzipBuf, data)
	return code, data, wireSize, err
}

// Write sends one message and returns the payload size on the wire, which is
// smaller than len(data) when compression is on.
func (c *Conn) Write(code uint64, data []byte) (uint32, error) {
	if c.session == nil {
		panic("rlpx: Write before handshake")
	}
	if len(data) > maxUint24 {
		return 0, errPlainMessageTooLarge
	}
	if c.zipBuf != nil {
		// snappy allocates on its own when dst is shorter than MaxEncodedLen.
		c.zipBuf = resize(c.zipBuf, snappy.MaxEncodedLen(len(data)))
		data = snappy.Encode(c.zipBuf, data)
	}
	return uint32(len(data)), c.session.writeFrame(c.conn, code, data)
}

// frameCodec holds the per-direction cipher and MAC state of a session.
type frameCodec struct {
	enc, dec        cipher.Stream
	egress, ingress frameMAC
	in              recvBuffer
	out             []byte
}

// readFrame reads one frame and returns its decrypted content, without the
// padding. Both MACs are verified before the data they cover is decrypted.
func (fc *frameCodec) readFrame(r io.Reader) ([]byte, error) {
	fc.in.next()

	header, err := fc.in.take(r, frameHeaderSize)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(header[16:], fc.ingress.header(header[:16])) {
		return nil, ErrBadMAC
	}
	fc.dec.XORKeyStream(header[:16], header[:16])
	size := int(header[0])<<16 | int(header[1])<<8 | int(header[2])

	body, err := fc.in.take(r, padded(size))
	if err != nil {
		return nil, err
	}
	want := fc.ingress.body(body)
	mac, err := fc.in.take(r, macSize)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(mac, want) {
		return nil, ErrBadMAC
	}
	fc.dec.XORKeyStream(body, body)
	return body[:size], nil
}

// writeFrame encrypts code and data into one frame and writes it with a
// single call to w.
func (fc *frameCodec) writeFrame(w io.Writer, code uint64, data []byte) error {
	size := rlp.IntSize(code) + len(data)
	if size > maxUint24 {
		return errors.New("rlpx: frame size overflows uint24")
	}
	var header [16]byte
	header[0], header[1], header[2] = byte(size>>16), byte(size>>8), byte(size)
	copy(header[3:], headerData[:])
	fc.enc.XORKeyStream(header[:], header[:])

	out := append(fc.out[:0], header[:]...)
	out = append(out, fc.egress.header(header[:])...)

	start := len(out)
	out = rlp.AppendUint64(out, code)
	out = append(out, data...)
	out = append(out, padding[:padded(size)-size]...)
	body := out[start:]
	fc.enc.XORKeyStream(body, body)
	out = append(out, fc.egress.body(body)...)

	fc.out = out
	_, err := w.Write(out)
	return err
}

// padded rounds n up to a multiple of 16.
func padded(n int) int {
	return (n + 15) &^ 15
}

// frameMAC is the running keccak state that authenticates one direction of
// the frame stream. Every MAC mixes the AES encryption of the current digest
// into the state, so each depends on all frames before it.
type frameMAC struct {
	block  cipher.Block
	hash   hash.Hash
	aesOut [16]byte
	digest [32]byte
	seed   [32]byte
}

func newFrameMAC(block cipher.Block, h hash.Hash) frameMAC {
	if h.Size() != 32 || block.BlockSize() != 16 {
		panic(fmt.Errorf("rlpx: MAC needs a 32-byte hash and 16-byte block, have %d and %d", h.Size(), block.BlockSize()))
	}
	return frameMAC{block: block, hash: h}
}

// header returns the MAC of an encrypted frame header.
func (m *frameMAC) header(h []byte) []byte {
	return m.mix(m.hash.Sum(m.digest[:0]), h)
}

// body absorbs the encrypted frame body and returns its MAC.
func (m *frameMAC) body(b []byte) []byte {
	m.hash.Write(b)
	seed := m.hash.Sum(m.seed[:0])
	return m.mix(seed, seed[:16])
}

// mix writes aes(digest) ^ seed into the state and returns the first 16 bytes
// of the new digest.
func (m *frameMAC) mix(digest, seed []byte) []byte {
	m.block.Encrypt(m.aesOut[:], digest)
	for i := range m.aesOut {
		m.aesOut[i] ^= seed[i]
	}
	m.hash.Write(m.aesOut[:])
	return m.hash.Sum(m.digest[:0])[:macSize]
}

// resize returns b with length n, reusing its memory when it is large enough.
func resize(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}
