// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// PublicKeySize is the length of an X25519 public key.
	PublicKeySize = curve25519.PointSize

	sessionInfo   = "ghostwire v1 session"
	handshakeInfo = "ghostwire v1 handshake"
)

// PSK is the pre-shared key authenticating both peers.
type PSK [KeySize]byte

// ParsePSK from a hex string of 64 characters.
func ParsePSK(s string) (psk PSK, err error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return psk, fmt.Errorf("malformed hex key: %w", err)
	}
	if len(raw) != KeySize {
		return psk, fmt.Errorf("key must be exactly %d bytes, got %d", KeySize, len(raw))
	}

	copy(psk[:], raw)
	return psk, nil
}

// KeyPair is an ephemeral X25519 key pair, generated for each session.
type KeyPair struct {
	Private [curve25519.ScalarSize]byte
	Public  [PublicKeySize]byte
}

// GenerateKeyPair reads a new private key from r, e.g., crypto/rand.Reader.
func GenerateKeyPair(r io.Reader) (kp KeyPair, err error) {
	if _, err = io.ReadFull(r, kp.Private[:]); err != nil {
		return
	}

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(kp.Public[:], pub)
	return
}

// DeriveSession runs the X25519 key agreement between own and the peer's public key and derives both directional
// session keys with HKDF-SHA256, salted with the PSK. The transcript binds both public keys in initiator-responder
// order, so both peers derive the same keys.
func DeriveSession(psk PSK, own KeyPair, peerPublic [PublicKeySize]byte, initiator bool) (*Envelope, error) {
	shared, err := curve25519.X25519(own.Private[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("x25519 key agreement: %w", err)
	}

	info := make([]byte, 0, len(sessionInfo)+2*PublicKeySize)
	info = append(info, sessionInfo...)
	if initiator {
		info = append(append(info, own.Public[:]...), peerPublic[:]...)
	} else {
		info = append(append(info, peerPublic[:]...), own.Public[:]...)
	}

	var initiatorKey, responderKey [KeySize]byte
	kdf := hkdf.New(sha256.New, shared, psk[:], info)
	if _, err := io.ReadFull(kdf, initiatorKey[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(kdf, responderKey[:]); err != nil {
		return nil, err
	}

	if initiator {
		return New(initiatorKey, responderKey)
	}
	return New(responderKey, initiatorKey)
}

// handshakeKey derives the one-shot key for a handshake message of the owner of the given ephemeral public key.
func handshakeKey(psk PSK, public [PublicKeySize]byte) (key [KeySize]byte, err error) {
	kdf := hkdf.New(sha256.New, psk[:], public[:], []byte(handshakeInfo))
	_, err = io.ReadFull(kdf, key[:])
	return
}

// SealHandshake authenticates and encrypts a handshake message with a key derived from the PSK and the sender's
// ephemeral public key. As ephemeral keys are never reused, each handshake key seals exactly one message.
func SealHandshake(psk PSK, public [PublicKeySize]byte, seq uint64, aad, plaintext []byte) ([]byte, error) {
	key, err := handshakeKey(psk, public)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	return aead.Seal(nil, nonce(HandshakeSpace, seq), plaintext, aad), nil
}

// OpenHandshake is the inverse of SealHandshake. Any failure results in ErrAuth.
func OpenHandshake(psk PSK, public [PublicKeySize]byte, seq uint64, aad, ciphertext []byte) ([]byte, error) {
	key, err := handshakeKey(psk, public)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce(HandshakeSpace, seq), ciphertext, aad)
	if err != nil {
		return nil, ErrAuth
	}
	return plaintext, nil
}
