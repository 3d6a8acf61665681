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

package rlpx

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	mrand "math/rand"
	"net"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/sha3"
)

var (
	// errAuthMsg is the only error a recipient reports for a bad auth
	// packet, whatever the cause.
	errAuthMsg = errors.New("rlpx: invalid auth message")

	// errAckMsg wraps failures to process the recipient's answer.
	errAckMsg = errors.New("rlpx: invalid auth response")

	errSizeUnderflow = errors.New("size underflow")
)

// Sizes in the pre-EIP-8 handshake layout.
const (
	sskLen = 16 // half the ECIES shared key
	sigLen = crypto.SignatureLength
	pubLen = 64 // uncompressed secp256k1 point without the 0x04 prefix
	shaLen = 32

	authMsgLen  = sigLen + shaLen + pubLen + shaLen + 1
	authRespLen = pubLen + shaLen + 1

	// ECIES adds an ephemeral key, the IV and a MAC.
	eciesOverhead = 65 + 16 + 32

	encAuthMsgLen  = authMsgLen + eciesOverhead
	encAuthRespLen = authRespLen + eciesOverhead
)

// Secrets are the keys a handshake yields for one connection.
type Secrets struct {
	AES, MAC              []byte
	EgressMAC, IngressMAC hash.Hash

	remote *ecdsa.PublicKey
}

const (
	handshakeVersion = 4
	minEIP8Padding   = 100 // makes EIP-8 packets longer than any pre-EIP-8 packet
	maxEIP8Padding   = 300
)

// handshakeState holds the values exchanged during one ECIES handshake.
type handshakeState struct {
	initiator       bool
	remote          *ecies.PublicKey  // static key of the peer
	initNonce       []byte            // chosen by the initiator
	respNonce       []byte            // chosen by the recipient
	randomPrivKey   *ecies.PrivateKey // local ephemeral key
	remoteRandomPub *ecies.PublicKey  // ephemeral key of the peer

	in recvBuffer
}

// authMsgV4 is the initiator's first packet, EIP-8 encoding.
type authMsgV4 struct {
	gotPlain bool // received in the pre-EIP-8 layout

	Signature       [sigLen]byte
	InitiatorPubkey [pubLen]byte
	Nonce           [shaLen]byte
	Version         uint

	Rest []rlp.RawValue `rlp:"tail"` // unknown trailing fields are ignored
}

// authRespV4 is the recipient's answer, EIP-8 encoding.
type authRespV4 struct {
	RandomPubkey [pubLen]byte
	Nonce        [shaLen]byte
	Version      uint

	Rest []rlp.RawValue `rlp:"tail"`
}

// runRecipient performs the listening side of the handshake on conn.
func (h *handshakeState) runRecipient(conn io.ReadWriter, prv *ecdsa.PrivateKey) (Secrets, error) {
	var auth authMsgV4
	authPacket, err := h.readMsg(&auth, encAuthMsgLen, prv, conn)
	if err == nil {
		err = h.handleAuthMsg(&auth, prv)
	}
	if err != nil {
		if isNetError(err) {
			return Secrets{}, err
		}
		return Secrets{}, errAuthMsg
	}

	resp, err := h.makeAuthResp()
	if err != nil {
		return Secrets{}, err
	}
	// Answer in the layout the initiator used.
	var respPacket []byte
	if auth.gotPlain {
		respPacket, err = resp.sealPlain(h)
	} else {
		respPacket, err = h.sealEIP8(resp)
	}
	if err != nil {
		return Secrets{}, err
	}
	if _, err := conn.Write(respPacket); err != nil {
		return Secrets{}, err
	}
	return h.secrets(authPacket, respPacket)
}

// runInitiator performs the dialing side of the handshake on conn.
func (h *handshakeState) runInitiator(conn io.ReadWriter, prv *ecdsa.PrivateKey, remote *ecdsa.PublicKey) (Secrets, error) {
	h.initiator = true
	h.remote = ecies.ImportECDSAPublic(remote)

	auth, err := h.makeAuthMsg(prv)
	if err != nil {
		return Secrets{}, err
	}
	authPacket, err := h.sealEIP8(auth)
	if err != nil {
		return Secrets{}, err
	}
	if _, err := conn.Write(authPacket); err != nil {
		return Secrets{}, err
	}

	var resp authRespV4
	respPacket, err := h.readMsg(&resp, encAuthRespLen, prv, conn)
	if err == nil {
		err = h.handleAuthResp(&resp)
	}
	if err != nil {
		if isNetError(err) {
			return Secrets{}, err
		}
		return Secrets{}, fmt.Errorf("%w: %v", errAckMsg, err)
	}
	return h.secrets(authPacket, respPacket)
}

// isNetError reports whether err comes from the connection rather than from
// packet content.
func isNetError(err error) bool {
	for _, target := range []error{io.EOF, io.ErrUnexpectedEOF, io.ErrClosedPipe, net.ErrClosed} {
		if errors.Is(err, target) {
			return true
		}
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout)
}

func randomNonce() ([]byte, error) {
	nonce := make([]byte, shaLen)
	_, err := rand.Read(nonce)
	return nonce, err
}

// ensureEphemeralKey creates the local ephemeral key unless one was preset.
func (h *handshakeState) ensureEphemeralKey() (err error) {
	if h.randomPrivKey == nil {
		h.randomPrivKey, err = ecies.GenerateKey(rand.Reader, crypto.S256(), nil)
	}
	return err
}

// signedToken is static-shared-secret ^ nonce, the value the initiator signs
// with its ephemeral key.
func (h *handshakeState) signedToken(prv *ecdsa.PrivateKey, nonce []byte) ([]byte, error) {
	shared, err := ecies.ImportECDSA(prv).GenerateShared(h.remote, sskLen, sskLen)
	if err != nil {
		return nil, err
	}
	return xor(shared, nonce), nil
}

func (h *handshakeState) makeAuthMsg(prv *ecdsa.PrivateKey) (*authMsgV4, error) {
	var err error
	if h.initNonce, err = randomNonce(); err != nil {
		return nil, err
	}
	if err := h.ensureEphemeralKey(); err != nil {
		return nil, err
	}
	token, err := h.signedToken(prv, h.initNonce)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(token, h.randomPrivKey.ExportECDSA())
	if err != nil {
		return nil, err
	}
	msg := &authMsgV4{Version: handshakeVersion}
	copy(msg.Signature[:], sig)
	copy(msg.InitiatorPubkey[:], exportPubkey(ecies.ImportECDSAPublic(&prv.PublicKey)))
	copy(msg.Nonce[:], h.initNonce)
	return msg, nil
}

// handleAuthMsg imports the initiator's keys. The ephemeral public key is
// recovered from the signature over the token.
func (h *handshakeState) handleAuthMsg(msg *authMsgV4, prv *ecdsa.PrivateKey) error {
	remote, err := importPublicKey(msg.InitiatorPubkey[:])
	if err != nil {
		return err
	}
	h.remote = remote
	h.initNonce = msg.Nonce[:]
	if err := h.ensureEphemeralKey(); err != nil {
		return err
	}
	token, err := h.signedToken(prv, h.initNonce)
	if err != nil {
		return err
	}
	pub, err := crypto.Ecrecover(token, msg.Signature[:])
	if err != nil {
		return err
	}
	h.remoteRandomPub, err = importPublicKey(pub)
	return err
}

func (h *handshakeState) makeAuthResp() (*authRespV4, error) {
	var err error
	if h.respNonce, err = randomNonce(); err != nil {
		return nil, err
	}
	msg := &authRespV4{Version: handshakeVersion}
	copy(msg.Nonce[:], h.respNonce)
	copy(msg.RandomPubkey[:], exportPubkey(&h.randomPrivKey.PublicKey))
	return msg, nil
}

func (h *handshakeState) handleAuthResp(msg *authRespV4) (err error) {
	h.respNonce = msg.Nonce[:]
	h.remoteRandomPub, err = importPublicKey(msg.RandomPubkey[:])
	return err
}

// secrets derives the session keys once both packets are known.
//
//	shared = keccak(ecdhe || keccak(respNonce || initNonce))
//	aes    = keccak(ecdhe || shared)
//	mac    = keccak(ecdhe || aes)
func (h *handshakeState) secrets(auth, authResp []byte) (Secrets, error) {
	ecdhe, err := h.randomPrivKey.GenerateShared(h.remoteRandomPub, sskLen, sskLen)
	if err != nil {
		return Secrets{}, err
	}
	shared := crypto.Keccak256(ecdhe, crypto.Keccak256(h.respNonce, h.initNonce))
	s := Secrets{remote: h.remote.ExportECDSA()}
	s.AES = crypto.Keccak256(ecdhe, shared)
	s.MAC = crypto.Keccak256(ecdhe, s.AES)

	// The initiator's egress MAC starts from the recipient's nonce and the
	// auth packet, and vice versa.
	initMAC := seedMAC(s.MAC, h.respNonce, auth)
	respMAC := seedMAC(s.MAC, h.initNonce, authResp)
	if h.initiator {
		s.EgressMAC, s.IngressMAC = initMAC, respMAC
	} else {
		s.EgressMAC, s.IngressMAC = respMAC, initMAC
	}
	return s, nil
}

func seedMAC(secret, nonce, packet []byte) hash.Hash {
	mac := sha3.NewLegacyKeccak256()
	mac.Write(xor(secret, nonce))
	mac.Write(packet)
	return mac
}

// decodePlain fills msg from the fixed pre-EIP-8 layout:
// sig || keccak(ephemeral-pubk) || pubk || nonce || 0x0.
func (msg *authMsgV4) decodePlain(input []byte) {
	n := copy(msg.Signature[:], input)
	n += shaLen
	n += copy(msg.InitiatorPubkey[:], input[n:])
	copy(msg.Nonce[:], input[n:])
	msg.Version = handshakeVersion
	msg.gotPlain = true
}

func (msg *authRespV4) decodePlain(input []byte) {
	n := copy(msg.RandomPubkey[:], input)
	copy(msg.Nonce[:], input[n:])
	msg.Version = handshakeVersion
}

// sealPlain encrypts msg in the pre-EIP-8 layout for peers that used it.
func (msg *authRespV4) sealPlain(h *handshakeState) ([]byte, error) {
	buf := make([]byte, 0, authRespLen)
	buf = append(buf, msg.RandomPubkey[:]...)
	buf = append(buf, msg.Nonce[:]...)
	buf = append(buf, 0)
	return ecies.Encrypt(rand.Reader, h.remote, buf, nil, nil)
}

// sealEIP8 RLP-encodes msg, adds random padding and encrypts it. The
// two-byte size prefix is authenticated as ECIES shared data.
func (h *handshakeState) sealEIP8(msg interface{}) ([]byte, error) {
	plain, err := rlp.EncodeToBytes(msg)
	if err != nil {
		return nil, err
	}
	pad := minEIP8Padding + mrand.Intn(maxEIP8Padding-minEIP8Padding)
	plain = append(plain, make([]byte, pad)...)

	prefix := binary.BigEndian.AppendUint16(nil, uint16(len(plain)+eciesOverhead))
	ciphertext, err := ecies.Encrypt(rand.Reader, h.remote, plain, nil, prefix)
	if err != nil {
		return nil, err
	}
	return append(prefix, ciphertext...), nil
}

type plainDecoder interface {
	decodePlain([]byte)
}

// readMsg reads one handshake packet into msg and returns its raw bytes.
// plainSize is the length of the packet in the pre-EIP-8 layout, which is
// tried first. Otherwise the packet is read as size-prefixed EIP-8.
func (h *handshakeState) readMsg(msg plainDecoder, plainSize int, prv *ecdsa.PrivateKey, r io.Reader) ([]byte, error) {
	h.in.next()
	buf, err := h.in.take(r, plainSize)
	if err != nil {
		return nil, err
	}
	key := ecies.ImportECDSA(prv)
	if dec, err := key.Decrypt(buf, nil, nil); err == nil {
		msg.decodePlain(dec)
		return buf, nil
	}
	return h.readEIP8(msg, plainSize, key, r)
}

func (h *handshakeState) readEIP8(msg interface{}, have int, key *ecies.PrivateKey, r io.Reader) ([]byte, error) {
	size := int(binary.BigEndian.Uint16(h.in.packet()[:2]))
	if size+2 < have+2 {
		return nil, fmt.Errorf("%w: need at least %d bytes", errSizeUnderflow, have)
	}
	if _, err := h.in.take(r, size+2-have); err != nil {
		return nil, err
	}
	packet := h.in.packet()
	dec, err := key.Decrypt(packet[2:], nil, packet[:2])
	if err != nil {
		return nil, err
	}
	// Decode from a stream so that trailing padding is ignored.
	if err := rlp.NewStream(bytes.NewReader(dec), 0).Decode(msg); err != nil {
		return nil, err
	}
	return packet, nil
}

// importPublicKey parses a secp256k1 key in 64-byte or 65-byte uncompressed form.
func importPublicKey(pubKey []byte) (*ecies.PublicKey, error) {
	switch len(pubKey) {
	case 64:
		pubKey = append([]byte{0x04}, pubKey...)
	case 65:
	default:
		return nil, fmt.Errorf("invalid public key length %v (expect 64/65)", len(pubKey))
	}
	pub, err := crypto.UnmarshalPubkey(pubKey)
	if err != nil {
		return nil, err
	}
	return ecies.ImportECDSAPublic(pub), nil
}

// exportPubkey returns the 64-byte uncompressed form of pub.
func exportPubkey(pub *ecies.PublicKey) []byte {
	if pub == nil {
		panic("nil pubkey")
	}
	return crypto.FromECDSAPub(pub.ExportECDSA())[1:]
}

func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}
