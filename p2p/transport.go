// Copyright 2014 The go-ethereum Authors
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

package p2p

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/bitutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethp2p/devp2p/p2p/rlpx"
)

const (
	handshakeTimeout = 5 * time.Second // both handshakes, both directions
	discWriteTimeout = 1 * time.Second // the connection is likely bad already
)

// rlpxTransport carries a session over an encrypted RLPx connection. Reads
// and writes are serialized separately and every frame gets a deadline.
type rlpxTransport struct {
	conn    *rlpx.Conn
	readMu  sync.Mutex
	writeMu sync.Mutex
	scratch bytes.Buffer // payload of the frame being written, guarded by writeMu
}

func newRLPX(fd net.Conn, dialDest *ecdsa.PublicKey) transport {
	return &rlpxTransport{conn: rlpx.NewConn(fd, dialDest)}
}

func (t *rlpxTransport) doEncHandshake(prv *ecdsa.PrivateKey) (*ecdsa.PublicKey, error) {
	t.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	return t.conn.Handshake(prv)
}

// doProtoHandshake exchanges Hello messages. Our Hello is written while the
// remote one is read. A read failure, including a disconnect sent in place of
// Hello, is preferred over the write error.
func (t *rlpxTransport) doProtoHandshake(our *protoHandshake) (*protoHandshake, error) {
	sent := make(chan error, 1)
	go func() { sent <- Send(t, handshakeMsg, our) }()

	their, err := readProtocolHandshake(t)
	werr := <-sent
	switch {
	case err != nil:
		return nil, err
	case werr != nil:
		return nil, fmt.Errorf("write error: %w", werr)
	}
	t.conn.SetSnappy(their.Version >= snappyProtocolVersion)
	return their, nil
}

func (t *rlpxTransport) ReadMsg() (Msg, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	t.conn.SetReadDeadline(time.Now().Add(frameReadTimeout))
	code, data, wireSize, err := t.conn.Read()
	if err != nil {
		return Msg{}, err
	}
	observeMsgSize("ingress", wireSize)
	// data is only valid until the next Read.
	payload := bytes.Clone(data)
	return Msg{
		Code:       code,
		Size:       uint32(len(payload)),
		Payload:    bytes.NewReader(payload),
		ReceivedAt: time.Now(),
	}, nil
}

func (t *rlpxTransport) WriteMsg(msg Msg) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.scratch.Reset()
	if _, err := io.CopyN(&t.scratch, msg.Payload, int64(msg.Size)); err != nil {
		return err
	}
	t.conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
	n, err := t.conn.Write(msg.Code, t.scratch.Bytes())
	if err == nil {
		observeMsgSize("egress", int(n))
	}
	return err
}

// close sends the disconnect reason, if err is one worth telling, and closes
// the connection. A writer stuck on a stalled connection holds writeMu until
// its deadline. The message is skipped then and closing unblocks the writer.
func (t *rlpxTransport) close(err error) {
	defer t.conn.Close()
	if !t.writeMu.TryLock() {
		return
	}
	defer t.writeMu.Unlock()

	reason, ok := err.(DiscReason)
	if !ok || reason == DiscNetworkError {
		return
	}
	if t.conn.SetWriteDeadline(time.Now().Add(discWriteTimeout)) == nil {
		t.conn.Write(discMsg, encodeDisconnect(reason))
	}
}

// protoHandshake is the Hello message.
type protoHandshake struct {
	Version    uint64
	Name       string
	Caps       []Cap
	ListenPort uint64
	ID         []byte // 64-byte secp256k1 public key

	// Fields added by later versions are ignored.
	Rest []rlp.RawValue `rlp:"tail"`
}

func (hs *protoHandshake) pubkey() (*ecdsa.PublicKey, error) {
	return crypto.UnmarshalPubkey(append([]byte{0x04}, hs.ID...))
}

// readProtocolHandshake reads the remote Hello. RLPx allows a disconnect in
// its place, which is returned as the DiscReason error.
func readProtocolHandshake(rw MsgReader) (*protoHandshake, error) {
	msg, err := rw.ReadMsg()
	if err != nil {
		return nil, err
	}
	if msg.Size > baseProtocolMaxMsgSize {
		return nil, errors.New("message too big")
	}
	switch msg.Code {
	case discMsg:
		return nil, decodeDisconnectMessage(msg.Payload)
	case handshakeMsg:
	default:
		return nil, fmt.Errorf("expected handshake, got %x", msg.Code)
	}
	hs := new(protoHandshake)
	if err := msg.Decode(hs); err != nil {
		return nil, err
	}
	if len(hs.ID) != 64 || !bitutil.TestBytes(hs.ID) {
		return nil, DiscInvalidIdentity
	}
	return hs, nil
}

// encodeDisconnect returns the discMsg payload, the list [reason]. A slice of
// DiscReason would encode as a byte string, hence the uint.
func encodeDisconnect(reason DiscReason) []byte {
	enc, _ := rlp.EncodeToBytes([]uint{uint(reason)})
	return enc
}

// decodeDisconnectMessage reads the discMsg payload. Besides the list form it
// accepts a bare reason, which older clients send. Anything else decodes as
// DiscInvalid.
func decodeDisconnectMessage(r io.Reader) DiscReason {
	s := rlp.NewStream(r, 100)
	kind, _, err := s.Kind()
	if err != nil {
		return DiscInvalid
	}
	if kind == rlp.List {
		if _, err := s.List(); err != nil {
			return DiscInvalid
		}
	}
	var reason DiscReason
	if err := s.Decode(&reason); err != nil {
		return DiscInvalid
	}
	return reason
}
