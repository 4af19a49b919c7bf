// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package envelope provides the authenticated encryption of frame payloads and the key agreement used to derive
// per-session keys.
//
// Payloads are sealed with ChaCha20-Poly1305. The 96 bit nonce is built from a 32 bit sequence space tag followed by
// the 64 bit sequence number. Each direction of a session uses its own key and every Envelope refuses to seal a
// sequence number twice within a space. Thus, a nonce can never be reused for a key.
package envelope

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Space separates independent sequence number counters sharing one key.
type Space uint32

const (
	// DataSpace is used by reliable frames: SYN, SYN-ACK, DATA and FIN.
	DataSpace Space = 0

	// ControlSpace is used by unreliable frames: ACK and KEEPALIVE.
	ControlSpace Space = 1

	// HandshakeSpace is used for the one-shot handshake keys.
	HandshakeSpace Space = 2
)

func (s Space) String() string {
	switch s {
	case DataSpace:
		return "data"
	case ControlSpace:
		return "control"
	case HandshakeSpace:
		return "handshake"
	default:
		return fmt.Sprintf("space(%d)", uint32(s))
	}
}

// KeySize is the length of a symmetric key.
const KeySize = chacha20poly1305.KeySize

// Overhead is the length of the authentication tag appended to each ciphertext.
const Overhead = chacha20poly1305.Overhead

var (
	// ErrAuth is returned for every ciphertext failing authentication. Such frames must be dropped unacknowledged.
	ErrAuth = errors.New("authentication failed")

	// ErrNonceReuse is returned when sealing a sequence number which is not greater than the last sealed one.
	ErrNonceReuse = errors.New("nonce reuse")
)

// nonce for a sequence number within a space.
func nonce(space Space, seq uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(n[0:4], uint32(space))
	binary.BigEndian.PutUint64(n[4:12], seq)
	return n
}

// Envelope seals outgoing and opens incoming payloads of one session. It is the exclusive owner of the session keys.
type Envelope struct {
	send cipher.AEAD
	recv cipher.AEAD

	sealed      map[Space]uint64
	sealedMutex sync.Mutex
}

// New Envelope for a pair of directional keys.
func New(sendKey, recvKey [KeySize]byte) (*Envelope, error) {
	send, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, err
	}
	recv, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return nil, err
	}

	return &Envelope{
		send:   send,
		recv:   recv,
		sealed: make(map[Space]uint64),
	}, nil
}

// Seal plaintext under the sequence number seq of the given space, binding aad. The ciphertext with its tag is
// returned.
func (e *Envelope) Seal(space Space, seq uint64, aad, plaintext []byte) ([]byte, error) {
	e.sealedMutex.Lock()
	if last, ok := e.sealed[space]; ok && seq <= last {
		e.sealedMutex.Unlock()
		return nil, fmt.Errorf("%w: %v sequence %d after %d", ErrNonceReuse, space, seq, last)
	}
	e.sealed[space] = seq
	e.sealedMutex.Unlock()

	return e.send.Seal(nil, nonce(space, seq), plaintext, aad), nil
}

// Open a ciphertext sealed by the peer under the sequence number seq of the given space. Any failure results in
// ErrAuth.
func (e *Envelope) Open(space Space, seq uint64, aad, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, fmt.Errorf("%w: ciphertext of %d bytes is shorter than its tag", ErrAuth, len(ciphertext))
	}

	plaintext, err := e.recv.Open(nil, nonce(space, seq), ciphertext, aad)
	if err != nil {
		return nil, ErrAuth
	}
	return plaintext, nil
}
