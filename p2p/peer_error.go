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
	"errors"
	"fmt"

	"github.com/ethp2p/devp2p/p2p/netutil"
)

// peerErrCode classifies a PeerError.
type peerErrCode int

const (
	errInvalidMsgCode peerErrCode = iota // code outside every negotiated range
	errInvalidMsg                        // payload does not decode
)

func (c peerErrCode) String() string {
	switch c {
	case errInvalidMsgCode:
		return "invalid message code"
	case errInvalidMsg:
		return "invalid message"
	}
	panic(fmt.Sprintf("unknown peer error code %d", int(c)))
}

// PeerError is a protocol-level failure caused by the remote side.
type PeerError struct {
	code    peerErrCode
	message string
}

func newPeerError(code peerErrCode, format string, v ...any) *PeerError {
	msg := code.String()
	if format != "" {
		msg = msg + ": " + fmt.Sprintf(format, v...)
	}
	return &PeerError{code: code, message: msg}
}

func (pe *PeerError) Error() string { return pe.message }

var (
	errProtocolReturned = errors.New("protocol returned")
	errStalled          = errors.New("write queue stalled")
)

// DiscReason is the reason code sent in a disconnect message. Codes up to
// DiscSubprotocolError are defined by the wire protocol.
type DiscReason uint8

const (
	DiscRequested DiscReason = iota
	DiscNetworkError
	DiscProtocolError
	DiscUselessPeer
	DiscTooManyPeers
	DiscAlreadyConnected
	DiscIncompatibleVersion
	DiscInvalidIdentity
	DiscQuitting
	DiscUnexpectedIdentity
	DiscSelf
	DiscReadTimeout
	DiscSubprotocolError DiscReason = 0x10

	// Local reasons. They are sent like the others but mainly label
	// disconnects in logs and metrics.
	DiscStalled         DiscReason = 0x11
	DiscBanned          DiscReason = 0x12
	DiscHandshakeFailed DiscReason = 0x13

	DiscInvalid DiscReason = 0xff
)

var discReasonText = map[DiscReason]string{
	DiscRequested:           "disconnect requested",
	DiscNetworkError:        "network error",
	DiscProtocolError:       "breach of protocol",
	DiscUselessPeer:         "useless peer",
	DiscTooManyPeers:        "too many peers",
	DiscAlreadyConnected:    "already connected",
	DiscIncompatibleVersion: "incompatible p2p protocol version",
	DiscInvalidIdentity:     "invalid node identity",
	DiscQuitting:            "client quitting",
	DiscUnexpectedIdentity:  "unexpected identity",
	DiscSelf:                "connected to self",
	DiscReadTimeout:         "read timeout",
	DiscSubprotocolError:    "subprotocol error",
	DiscStalled:             "write queue stalled",
	DiscBanned:              "node is banned",
	DiscHandshakeFailed:     "handshake failed",
	DiscInvalid:             "invalid disconnect reason",
}

func (d DiscReason) String() string {
	if text, ok := discReasonText[d]; ok {
		return text
	}
	return fmt.Sprintf("unknown disconnect reason %d", uint8(d))
}

func (d DiscReason) Error() string { return d.String() }

// penalty returns the reputation penalty attached to a disconnect caused
// by the remote side. Reasons that do not indicate misbehavior carry none.
func (d DiscReason) penalty() Penalty {
	switch d {
	case DiscProtocolError, DiscInvalidIdentity, DiscUnexpectedIdentity:
		return PenaltyProtocolViolation
	case DiscHandshakeFailed:
		return PenaltyHandshakeFailure
	default:
		return 0
	}
}

// discReasonForError maps the error that ended a session to the reason
// reported to the remote side.
func discReasonForError(err error) DiscReason {
	var (
		reason DiscReason
		perr   *PeerError
	)
	switch {
	case errors.As(err, &reason):
		return reason
	case errors.Is(err, errProtocolReturned):
		return DiscQuitting
	case errors.Is(err, errStalled):
		return DiscStalled
	case netutil.IsTimeout(err):
		return DiscReadTimeout
	case errors.As(err, &perr):
		return DiscProtocolError
	default:
		return DiscSubprotocolError
	}
}
