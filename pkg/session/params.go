// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"

	"github.com/ghostwire/ghostwire-go/pkg/envelope"
)

// Params are exchanged within the SYN and the SYN-ACK.
//
// They are serialized as a CBOR array of three elements: the ephemeral public key as a byte string, the keepalive
// interval in milliseconds and the creation time in milliseconds since the Unix epoch.
type Params struct {
	PublicKey         [envelope.PublicKeySize]byte
	KeepaliveInterval time.Duration
	Timestamp         time.Time
}

// MarshalCbor writes the CBOR representation of these Params.
func (p *Params) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}

	if err := cboring.WriteByteString(p.PublicKey[:], w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(p.KeepaliveInterval.Milliseconds()), w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(p.Timestamp.UnixMilli()), w); err != nil {
		return err
	}

	return nil
}

// UnmarshalCbor reads the CBOR representation of Params.
func (p *Params) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 3 {
		return fmt.Errorf("wrong array length: %d instead of 3", l)
	}

	if pub, err := cboring.ReadByteString(r); err != nil {
		return err
	} else if len(pub) != envelope.PublicKeySize {
		return fmt.Errorf("public key has %d bytes instead of %d", len(pub), envelope.PublicKeySize)
	} else {
		copy(p.PublicKey[:], pub)
	}

	if ms, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		p.KeepaliveInterval = time.Duration(ms) * time.Millisecond
	}

	if ms, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		p.Timestamp = time.UnixMilli(int64(ms))
	}

	return nil
}

func (p Params) String() string {
	return fmt.Sprintf("Params(public=%x, keepalive=%v, timestamp=%v)", p.PublicKey[:4], p.KeepaliveInterval, p.Timestamp)
}
