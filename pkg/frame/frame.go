// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package frame

import (
	"fmt"
	"strings"
)

// Version of the wire format. Frames carrying another version are rejected.
const Version uint8 = 1

// Type of a Frame.
type Type uint8

const (
	// SYN starts a handshake. Its payload carries the initiator's sealed session parameters.
	SYN Type = 0x01

	// SYNACK answers a SYN with the responder's sealed session parameters.
	SYNACK Type = 0x02

	// DATA carries one encrypted, possibly compressed, IP packet.
	DATA Type = 0x03

	// ACK acknowledges received sequence numbers. ACKs are never retransmitted.
	ACK Type = 0x04

	// KEEPALIVE signals liveness during idle periods.
	KEEPALIVE Type = 0x05

	// FIN starts a graceful teardown. It is ordered and retransmitted like DATA.
	FIN Type = 0x06
)

func (t Type) String() string {
	switch t {
	case SYN:
		return "SYN"
	case SYNACK:
		return "SYN-ACK"
	case DATA:
		return "DATA"
	case ACK:
		return "ACK"
	case KEEPALIVE:
		return "KEEPALIVE"
	case FIN:
		return "FIN"
	default:
		return "INVALID"
	}
}

// IsValid checks if this Type represents a known frame type.
func (t Type) IsValid() bool {
	return t.String() != "INVALID"
}

// Reliable types consume a sequence number of the data space and are retransmitted until acknowledged.
func (t Type) Reliable() bool {
	switch t {
	case SYN, SYNACK, DATA, FIN:
		return true
	default:
		return false
	}
}

// Flags of a Frame.
type Flags uint8

const (
	// FlagCompressed marks a compressed DATA payload.
	FlagCompressed Flags = 0x01

	// FlagAck indicates the presence of the acknowledgement fields.
	FlagAck Flags = 0x02

	flagsMask = FlagCompressed | FlagAck
)

// Has checks if all bits of other are set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

func (f Flags) String() string {
	var fields []string
	if f.Has(FlagCompressed) {
		fields = append(fields, "COMPRESSED")
	}
	if f.Has(FlagAck) {
		fields = append(fields, "ACK")
	}
	return strings.Join(fields, "|")
}

const (
	// HeaderSize is the length of a header without acknowledgement fields.
	HeaderSize = 15

	// AckFieldsSize is the additional length of the acknowledgement fields.
	AckFieldsSize = 16

	// MaxPayloadSize is the largest payload a frame can declare.
	MaxPayloadSize = 0xFFFF

	// MaxPaddingSize is the largest padding a frame can declare.
	MaxPaddingSize = 0xFFFF

	padLenOffset = 3
)

// Frame is the atomic unit exchanged between two ghostwire endpoints.
type Frame struct {
	Type     Type
	Flags    Flags
	Sequence uint64

	// AckNumber is the cumulative acknowledgement: every sequence up to and including it was received.
	AckNumber uint64
	// AckBitmap selectively acknowledges later sequences. Bit i refers to AckNumber+1+i.
	AckBitmap uint64

	Payload []byte
	Padding []byte
}

// HeaderLen returns the minimal header length for this Frame's flags.
func (f Frame) HeaderLen() int {
	if f.Flags.Has(FlagAck) {
		return HeaderSize + AckFieldsSize
	}
	return HeaderSize
}

// Acks reports whether seq is acknowledged by this Frame's acknowledgement fields.
func (f Frame) Acks(seq uint64) bool {
	if !f.Flags.Has(FlagAck) {
		return false
	}
	if seq <= f.AckNumber {
		return true
	}

	offset := seq - f.AckNumber - 1
	return offset < 64 && f.AckBitmap&(1<<offset) != 0
}

func (f Frame) String() string {
	var b strings.Builder

	_, _ = fmt.Fprintf(&b, "%v(seq=%d", f.Type, f.Sequence)
	if f.Flags.Has(FlagAck) {
		_, _ = fmt.Fprintf(&b, ", ack=%d, bitmap=%#x", f.AckNumber, f.AckBitmap)
	}
	if f.Flags.Has(FlagCompressed) {
		_, _ = fmt.Fprintf(&b, ", compressed")
	}
	_, _ = fmt.Fprintf(&b, ", payload=%d, padding=%d)", len(f.Payload), len(f.Padding))

	return b.String()
}
