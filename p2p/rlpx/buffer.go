// Copyright 2021 The go-ethereum Authors
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

package rlpx

import "io"

// recvBuffer collects the bytes of one inbound packet. Reads from the network
// may return more than asked for; the surplus stays in the buffer and becomes
// the start of the next packet.
//
// Call next before each packet, then take its parts in order. All parts stay
// addressable through packet until the following call to next.
type recvBuffer struct {
	buf    []byte // len(buf) is the usable capacity
	used   int    // buf[:used] is the current packet
	filled int    // buf[:filled] holds data read from the network
}

// next discards the current packet and moves any surplus to the front.
func (b *recvBuffer) next() {
	b.filled = copy(b.buf, b.buf[b.used:b.filled])
	b.used = 0
}

// take returns the next n bytes of the packet, reading from r only when the
// buffer does not hold them yet.
func (b *recvBuffer) take(r io.Reader, n int) ([]byte, error) {
	start := b.used
	if missing := start + n - b.filled; missing > 0 {
		if free := len(b.buf) - b.filled; free < missing {
			b.buf = append(b.buf, make([]byte, missing-free)...)
			b.buf = b.buf[:cap(b.buf)]
		}
		got, err := io.ReadAtLeast(r, b.buf[b.filled:], missing)
		if err != nil {
			return nil, err
		}
		b.filled += got
	}
	b.used += n
	return b.buf[start:b.used], nil
}

// packet returns everything taken since the last call to next.
func (b *recvBuffer) packet() []byte {
	return b.buf[:b.used]
}
