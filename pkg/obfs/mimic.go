// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package obfs

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand/v2"
)

const (
	tlsHandshakeRecord = 0x16
	tlsRecordHeaderLen = 5

	clientHelloMinLen = 85
	clientHelloMaxLen = 300
)

// ClientHello creates a decoy TLS 1.0 handshake record of a random length between 85 and 300 bytes and a random
// body. Peers drop it as a malformed frame, as its first byte is no supported frame version.
func ClientHello() []byte {
	bodyLen := clientHelloMinLen + mrand.IntN(clientHelloMaxLen-clientHelloMinLen+1)

	record := make([]byte, tlsRecordHeaderLen+bodyLen)
	record[0] = tlsHandshakeRecord
	record[1], record[2] = 0x03, 0x01
	binary.BigEndian.PutUint16(record[3:5], uint16(bodyLen))

	_, _ = rand.Read(record[tlsRecordHeaderLen:])
	return record
}
