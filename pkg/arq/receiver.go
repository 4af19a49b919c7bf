// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package arq

import (
	"fmt"

	"github.com/google/btree"
)

// DefaultWindow is the number of sequence numbers beyond the expected one a Receiver buffers.
const DefaultWindow = 1024

// Segment is one reliable unit, identified by its sequence number.
type Segment struct {
	Seq  uint64
	Fin  bool
	Data []byte
}

func (s Segment) String() string {
	return fmt.Sprintf("Segment(seq=%d, fin=%t, len=%d)", s.Seq, s.Fin, len(s.Data))
}

// Verdict of a Receiver about an incoming Segment.
type Verdict uint8

const (
	// Accepted segments were either delivered or buffered.
	Accepted Verdict = iota

	// Duplicate segments were already delivered or buffered. They must be acknowledged again, but not delivered.
	Duplicate

	// OutOfWindow segments are too far ahead and were dropped.
	OutOfWindow
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "ACCEPTED"
	case Duplicate:
		return "DUPLICATE"
	case OutOfWindow:
		return "OUT-OF-WINDOW"
	default:
		return "INVALID"
	}
}

// Receiver reorders incoming segments and releases them gap-free, in order and exactly once.
//
// A Receiver is not safe for concurrent use.
type Receiver struct {
	expected uint64
	window   uint64
	buffer   *btree.BTreeG[Segment]
}

// NewReceiver expecting the sequence number expected next.
func NewReceiver(expected uint64, window int) *Receiver {
	if window <= 0 {
		window = DefaultWindow
	}

	return &Receiver{
		expected: expected,
		window:   uint64(window),
		buffer: btree.NewG[Segment](8, func(a, b Segment) bool {
			return a.Seq < b.Seq
		}),
	}
}

// Receive a segment. All segments which became deliverable are returned in ascending order.
func (r *Receiver) Receive(seg Segment) (deliver []Segment, verdict Verdict) {
	switch {
	case seg.Seq < r.expected:
		return nil, Duplicate

	case seg.Seq-r.expected >= r.window:
		return nil, OutOfWindow

	case seg.Seq > r.expected:
		if _, exists := r.buffer.ReplaceOrInsert(seg); exists {
			return nil, Duplicate
		}
		return nil, Accepted
	}

	deliver = append(deliver, seg)
	r.expected++

	for {
		next, ok := r.buffer.Min()
		if !ok || next.Seq != r.expected {
			break
		}

		r.buffer.DeleteMin()
		deliver = append(deliver, next)
		r.expected++
	}

	return deliver, Accepted
}

// AckState is the cumulative acknowledgement, the highest in-order sequence number, and the selective bitmap of
// buffered segments. Bit i refers to ackNo+1+i; bit 0 is the expected segment and thus always unset.
func (r *Receiver) AckState() (ackNo, bitmap uint64) {
	ackNo = r.expected - 1

	r.buffer.Ascend(func(seg Segment) bool {
		offset := seg.Seq - r.expected
		if offset >= 64 {
			return false
		}
		bitmap |= 1 << offset
		return true
	})
	return
}

// Expected is the next sequence number to be delivered.
func (r *Receiver) Expected() uint64 {
	return r.expected
}

// Buffered is the number of out-of-order segments held back.
func (r *Receiver) Buffered() int {
	return r.buffer.Len()
}
