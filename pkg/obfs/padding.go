// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package obfs

import (
	"crypto/rand"
	"fmt"
	"io"
	mrand "math/rand/v2"

	"github.com/ghostwire/ghostwire-go/pkg/frame"
)

// Defaults of a Padder.
const (
	DefaultQuantum  = 64
	DefaultMaxExtra = 96
	DefaultMTU      = 1400
)

// Padder pads encoded frames to a multiple of its quantum plus a random extra, never beyond the MTU.
type Padder struct {
	// Quantum of datagram sizes. Zero or one disables rounding up.
	Quantum int

	// MaxExtra is the upper bound of the random padding added on top.
	MaxExtra int

	// MTU is the largest datagram size padding may result in.
	MTU int

	// Disabled passes every datagram through unpadded.
	Disabled bool

	rand io.Reader
}

// NewPadder with its padding bytes taken from crypto/rand.
func NewPadder(quantum, maxExtra, mtu int) *Padder {
	return &Padder{
		Quantum:  quantum,
		MaxExtra: maxExtra,
		MTU:      mtu,
		rand:     rand.Reader,
	}
}

// PadLen is the padding length for a datagram of the given size.
func (p *Padder) PadLen(size int) int {
	if p.Disabled || size >= p.MTU {
		return 0
	}

	target := size
	if p.Quantum > 1 {
		if rem := size % p.Quantum; rem != 0 {
			target += p.Quantum - rem
		}
	}
	if p.MaxExtra > 0 {
		target += mrand.IntN(p.MaxExtra + 1)
	}

	if target > p.MTU {
		target = p.MTU
	}
	if target-size > frame.MaxPaddingSize {
		target = size + frame.MaxPaddingSize
	}
	return target - size
}

// Pad returns a padded copy of an encoded, unpadded frame. The padding length is not covered by the frame's
// authentication, so each transmission of the same frame may be padded differently.
func (p *Padder) Pad(datagram []byte) ([]byte, error) {
	n := p.PadLen(len(datagram))
	if n == 0 {
		return datagram, nil
	}

	padding := make([]byte, n)
	if _, err := io.ReadFull(p.rand, padding); err != nil {
		return nil, fmt.Errorf("reading padding: %w", err)
	}

	return frame.SetPadding(datagram, padding)
}
