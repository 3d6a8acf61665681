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
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// Msg is a single protocol message. The payload is a stream, so a Msg value
// can be written exactly once. Callers that need to resend the same content
// should keep the encoded bytes and wrap them in a fresh reader per send.
type Msg struct {
	Code       uint64
	Size       uint32 // payload length in bytes
	Payload    io.Reader
	ReceivedAt time.Time
}

// Decode reads the RLP payload into val, which must be a pointer. Malformed
// payloads produce a PeerError with code errInvalidMsg.
func (msg Msg) Decode(val interface{}) error {
	s := rlp.NewStream(msg.Payload, uint64(msg.Size))
	if err := s.Decode(val); err != nil {
		return newPeerError(errInvalidMsg, "(code %x) (size %d) %v", msg.Code, msg.Size, err)
	}
	return nil
}

func (msg Msg) String() string {
	return fmt.Sprintf("msg #%v (%v bytes)", msg.Code, msg.Size)
}

// Discard drains the remaining payload.
func (msg Msg) Discard() error {
	_, err := io.Copy(io.Discard, msg.Payload)
	return err
}

type MsgReader interface {
	ReadMsg() (Msg, error)
}

type MsgWriter interface {
	// WriteMsg sends msg. On a peer connection it returns once the message
	// is queued, and the payload is read later by the connection's writer, so
	// the caller must not touch it again. MsgPipe returns only after the other
	// end consumed the payload. A nil error means the message will be
	// delivered unless the connection fails.
	WriteMsg(Msg) error
}

// MsgReadWriter combines MsgReader and MsgWriter. Both methods must be safe
// to call concurrently.
type MsgReadWriter interface {
	MsgReader
	MsgWriter
}

// Send RLP-encodes data and writes it as a message with the given code.
// data should encode to an RLP list.
func Send(w MsgWriter, msgcode uint64, data interface{}) error {
	size, r, err := rlp.EncodeToReader(data)
	if err != nil {
		return err
	}
	return w.WriteMsg(Msg{Code: msgcode, Size: uint32(size), Payload: r})
}

// SendItems sends elems as the items of an RLP list, i.e.
// SendItems(w, code, a, b) sends the payload [a, b].
func SendItems(w MsgWriter, msgcode uint64, elems ...interface{}) error {
	return Send(w, msgcode, elems)
}

// payloadTracker limits reads to the declared payload size and signals done
// once, when the payload is exhausted or the underlying reader fails. A
// zero-size payload may never be read, so writers must not wait on done for
// empty messages.
type payloadTracker struct {
	r         io.Reader
	remaining uint32
	done      chan<- struct{}
}

func (t *payloadTracker) signal() {
	if t.done != nil {
		t.done <- struct{}{}
		t.done = nil
	}
}

func (t *payloadTracker) Read(buf []byte) (int, error) {
	if t.remaining == 0 {
		t.signal()
		return 0, io.EOF
	}
	if uint32(len(buf)) > t.remaining {
		buf = buf[:t.remaining]
	}
	n, err := t.r.Read(buf)
	t.remaining -= uint32(n)
	if err != nil || t.remaining == 0 {
		t.signal()
	}
	return n, err
}

// ErrPipeClosed is returned by MsgPipe endpoints once either side is closed.
var ErrPipeClosed = errors.New("p2p: read or write on closed message pipe")

// MsgPipe returns the two ends of an in-memory, full-duplex message
// connection. A write on one end blocks until the other end reads the
// message and consumes its payload.
func MsgPipe() (*MsgPipeRW, *MsgPipeRW) {
	var (
		st     = &pipeState{closing: make(chan struct{})}
		c1, c2 = make(chan Msg), make(chan Msg)
	)
	return &MsgPipeRW{w: c1, r: c2, pipeState: st}, &MsgPipeRW{w: c2, r: c1, pipeState: st}
}

type pipeState struct {
	once    sync.Once
	closing chan struct{}
}

func (s *pipeState) isClosed() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// MsgPipeRW is one end of a MsgPipe.
type MsgPipeRW struct {
	w chan<- Msg
	r <-chan Msg
	*pipeState
}

// WriteMsg hands msg to the other end and waits for its payload to be read.
func (p *MsgPipeRW) WriteMsg(msg Msg) error {
	if p.isClosed() {
		return ErrPipeClosed
	}
	consumed := make(chan struct{}, 1)
	msg.Payload = &payloadTracker{r: msg.Payload, remaining: msg.Size, done: consumed}
	select {
	case p.w <- msg:
	case <-p.closing:
		return ErrPipeClosed
	}
	if msg.Size > 0 {
		select {
		case <-consumed:
		case <-p.closing:
		}
	}
	return nil
}

// ReadMsg waits for a message from the other end.
func (p *MsgPipeRW) ReadMsg() (Msg, error) {
	if p.isClosed() {
		return Msg{}, ErrPipeClosed
	}
	select {
	case msg := <-p.r:
		return msg, nil
	case <-p.closing:
		return Msg{}, ErrPipeClosed
	}
}

// Close shuts down both ends. Pending and future calls on either end return
// ErrPipeClosed. Close may be called any number of times.
func (p *MsgPipeRW) Close() error {
	p.once.Do(func() { close(p.closing) })
	return nil
}

// ExpectMsg reads one message and checks its code. Unless content is nil,
// the payload must also equal the RLP encoding of content.
func ExpectMsg(r MsgReader, code uint64, content interface{}) error {
	msg, err := r.ReadMsg()
	if err != nil {
		return err
	}
	if msg.Code != code {
		return fmt.Errorf("message code mismatch: got %d, expected %d", msg.Code, code)
	}
	if content == nil {
		return msg.Discard()
	}
	want, err := rlp.EncodeToBytes(content)
	if err != nil {
		panic("content encode error: " + err.Error())
	}
	if int(msg.Size) != len(want) {
		return fmt.Errorf("message size mismatch: got %d, want %d", msg.Size, len(want))
	}
	got, err := io.ReadAll(msg.Payload)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("message payload mismatch:\ngot:  %x\nwant: %x", got, want)
	}
	return nil
}
