// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedFrame is wrapped by every decoding error. Malformed frames are dropped without any further effect.
var ErrMalformedFrame = errors.New("malformed frame")

func malformed(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, a...))
}

// checkValid inspects the combination of type and flags.
func (f Frame) checkValid() error {
	if !f.Type.IsValid() {
		return malformed("unknown type %#x", uint8(f.Type))
	}
	if f.Flags&^flagsMask != 0 {
		return malformed("unknown flags %#x", uint8(f.Flags))
	}

	switch f.Type {
	case SYN:
		if f.Flags.Has(FlagAck) {
			return malformed("SYN must not carry acknowledgement fields")
		}
	case SYNACK, ACK:
		if !f.Flags.Has(FlagAck) {
			return malformed("%v without acknowledgement fields", f.Type)
		}
	}

	if f.Flags.Has(FlagCompressed) && f.Type != DATA {
		return malformed("%v must not be compressed", f.Type)
	}

	if f.AckBitmap&1 != 0 {
		return malformed("acknowledgement bitmap refers to its own cumulative acknowledgement")
	}

	return nil
}

// Encode a Frame into its minimal wire representation. Encoding is deterministic.
func Encode(f Frame) ([]byte, error) {
	if err := f.checkValid(); err != nil {
		return nil, err
	}
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", len(f.Payload), MaxPayloadSize)
	}
	if len(f.Padding) > MaxPaddingSize {
		return nil, fmt.Errorf("padding of %d bytes exceeds %d", len(f.Padding), MaxPaddingSize)
	}

	buf := make([]byte, 0, f.HeaderLen()+len(f.Payload)+len(f.Padding))
	buf = AppendHeader(buf, f, len(f.Payload))
	buf = append(buf, f.Payload...)
	buf = append(buf, f.Padding...)

	return buf, nil
}

// AppendHeader appends f's header, declaring a payload of payloadLen bytes, to buf.
//
// This allows computing the associated data of a frame before its payload is sealed. The caller must ensure that
// f is valid, e.g., by a later call of Encode.
func AppendHeader(buf []byte, f Frame, payloadLen int) []byte {
	buf = append(buf, Version, uint8(f.Type), uint8(f.Flags))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.Padding)))
	buf = binary.BigEndian.AppendUint64(buf, f.Sequence)
	buf = binary.BigEndian.AppendUint16(buf, uint16(payloadLen))

	if f.Flags.Has(FlagAck) {
		buf = binary.BigEndian.AppendUint64(buf, f.AckNumber)
		buf = binary.BigEndian.AppendUint64(buf, f.AckBitmap)
	}

	return buf
}

// Decode a datagram into a Frame. Payload and Padding alias b.
func Decode(b []byte) (f Frame, err error) {
	if len(b) < HeaderSize {
		err = malformed("truncated header: %d bytes", len(b))
		return
	}

	if b[0] != Version {
		err = malformed("unsupported version %d", b[0])
		return
	}

	f.Type = Type(b[1])
	f.Flags = Flags(b[2])
	padLen := int(binary.BigEndian.Uint16(b[padLenOffset:]))
	f.Sequence = binary.BigEndian.Uint64(b[5:])
	payloadLen := int(binary.BigEndian.Uint16(b[13:]))

	headerLen := f.HeaderLen()
	if len(b) < headerLen {
		err = malformed("truncated acknowledgement fields: %d bytes", len(b))
		return
	}
	if f.Flags.Has(FlagAck) {
		f.AckNumber = binary.BigEndian.Uint64(b[HeaderSize:])
		f.AckBitmap = binary.BigEndian.Uint64(b[HeaderSize+8:])
	}

	if declared := headerLen + payloadLen + padLen; declared != len(b) {
		err = malformed("declared length %d mismatches datagram length %d", declared, len(b))
		return
	}

	if err = f.checkValid(); err != nil {
		return
	}

	f.Payload = b[headerLen : headerLen+payloadLen]
	f.Padding = b[headerLen+payloadLen:]
	return
}

// AssociatedData returns the part of an encoded frame which is authenticated by the security envelope: its header,
// with the padding length zeroed.
func AssociatedData(datagram []byte) ([]byte, error) {
	if len(datagram) < HeaderSize {
		return nil, malformed("truncated header: %d bytes", len(datagram))
	}

	headerLen := HeaderSize
	if Flags(datagram[2]).Has(FlagAck) {
		headerLen += AckFieldsSize
	}
	if len(datagram) < headerLen {
		return nil, malformed("truncated acknowledgement fields: %d bytes", len(datagram))
	}

	aad := make([]byte, headerLen)
	copy(aad, datagram[:headerLen])
	aad[padLenOffset] = 0
	aad[padLenOffset+1] = 0

	return aad, nil
}

// SetPadding returns a copy of an encoded, unpadded datagram with the given padding appended and the padding length
// field updated accordingly.
func SetPadding(datagram, padding []byte) ([]byte, error) {
	if len(datagram) < HeaderSize {
		return nil, malformed("truncated header: %d bytes", len(datagram))
	}
	if binary.BigEndian.Uint16(datagram[padLenOffset:]) != 0 {
		return nil, fmt.Errorf("datagram is already padded")
	}
	if len(padding) > MaxPaddingSize {
		return nil, fmt.Errorf("padding of %d bytes exceeds %d", len(padding), MaxPaddingSize)
	}

	out := make([]byte, 0, len(datagram)+len(padding))
	out = append(out, datagram...)
	out = append(out, padding...)
	binary.BigEndian.PutUint16(out[padLenOffset:], uint16(len(padding)))

	return out, nil
}
