// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package arq

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/btree"
)

// ErrRetransmitExhausted is returned when an entry exceeded the maximum retry count. The session cannot recover.
var ErrRetransmitExhausted = errors.New("retransmissions exhausted")

// DefaultFastRetransmitThreshold is the number of acknowledgements overtaking an entry before it is resent early.
const DefaultFastRetransmitThreshold = 3

// EntryState of an in-flight unit.
type EntryState uint8

const (
	// Sent is a unit transmitted once and not acknowledged yet.
	Sent EntryState = iota

	// Acked units were acknowledged and left the queue.
	Acked

	// LostRetransmitted units were considered lost at least once and resent.
	LostRetransmitted
)

func (es EntryState) String() string {
	switch es {
	case Sent:
		return "SENT"
	case Acked:
		return "ACKED"
	case LostRetransmitted:
		return "LOST-RETRANSMITTED"
	default:
		return "INVALID"
	}
}

// Entry is one sealed and encoded frame awaiting its acknowledgement.
type Entry struct {
	Seq      uint64
	Datagram []byte

	State     EntryState
	Retries   int
	FirstSent time.Time
	LastSent  time.Time

	// RTO of this entry, doubled on each timeout.
	RTO      time.Duration
	Deadline time.Time

	// overtaken counts acknowledgements of later sequences while this entry was missing.
	overtaken int
}

func (e *Entry) String() string {
	return fmt.Sprintf("Entry(seq=%d, state=%v, retries=%d, rto=%v)", e.Seq, e.State, e.Retries, e.RTO)
}

// resend updates the bookkeeping of a retransmission.
func (e *Entry) resend(now time.Time, rto time.Duration) {
	e.State = LostRetransmitted
	e.Retries++
	e.LastSent = now
	e.RTO = rto
	e.Deadline = now.Add(rto)
	e.overtaken = 0
}

// AckResult summarizes the effects of an acknowledgement.
type AckResult struct {
	// Acked is the number of entries removed from the queue.
	Acked int

	// RTTSample is measured from the most recently sent, never retransmitted, acked entry. Zero if unavailable.
	RTTSample time.Duration

	// Retransmit are entries overtaken by enough selective acknowledgements to be resent immediately.
	Retransmit []*Entry
}

// Sender assigns sequence numbers and keeps the retransmission queue of one session.
//
// A Sender is not safe for concurrent use; its session serializes all calls.
type Sender struct {
	next  uint64
	queue *btree.BTreeG[*Entry]

	rtt *RTTEstimator

	maxRetries    int
	fastThreshold int
}

// NewSender whose first assigned sequence number is isn.
func NewSender(isn uint64, rtt *RTTEstimator, maxRetries int) *Sender {
	return &Sender{
		next: isn,
		queue: btree.NewG[*Entry](8, func(a, b *Entry) bool {
			return a.Seq < b.Seq
		}),
		rtt:           rtt,
		maxRetries:    maxRetries,
		fastThreshold: DefaultFastRetransmitThreshold,
	}
}

// Next assigns the next sequence number. Each number is handed out exactly once.
func (s *Sender) Next() uint64 {
	seq := s.next
	s.next++
	return seq
}

// Peek at the sequence number Next would assign.
func (s *Sender) Peek() uint64 {
	return s.next
}

// Push an encoded frame for the sequence number seq into the retransmission queue.
func (s *Sender) Push(seq uint64, datagram []byte, now time.Time) *Entry {
	rto := s.rtt.RTO()
	e := &Entry{
		Seq:       seq,
		Datagram:  datagram,
		State:     Sent,
		FirstSent: now,
		LastSent:  now,
		RTO:       rto,
		Deadline:  now.Add(rto),
	}
	s.queue.ReplaceOrInsert(e)
	return e
}

// Ack processes a cumulative acknowledgement and its selective bitmap. Bit i of the bitmap refers to ackNo+1+i.
func (s *Sender) Ack(ackNo, bitmap uint64, now time.Time) (res AckResult) {
	var (
		acked       []*Entry
		newest      *Entry
		highestSack uint64
		hasSack     bool
	)

	s.queue.Ascend(func(e *Entry) bool {
		if e.Seq <= ackNo {
			acked = append(acked, e)
			return true
		}

		offset := e.Seq - ackNo - 1
		if offset >= 64 {
			return false
		}
		if bitmap&(1<<offset) != 0 {
			acked = append(acked, e)
			highestSack, hasSack = e.Seq, true
		}
		return true
	})

	for _, e := range acked {
		s.queue.Delete(e)
		e.State = Acked

		if e.Retries == 0 && (newest == nil || e.LastSent.After(newest.LastSent)) {
			newest = e
		}
	}
	res.Acked = len(acked)

	if newest != nil {
		res.RTTSample = now.Sub(newest.LastSent)
		s.rtt.Update(res.RTTSample)
	}
	s.rtt.OnDelivery(res.Acked, 0)

	if !hasSack {
		return
	}

	s.queue.AscendLessThan(&Entry{Seq: highestSack}, func(e *Entry) bool {
		e.overtaken++
		if e.overtaken < s.fastThreshold || e.Retries >= s.maxRetries {
			return true
		}
		if srtt := s.rtt.SRTT(); now.Sub(e.LastSent) < srtt {
			return true
		}

		e.resend(now, e.RTO)
		res.Retransmit = append(res.Retransmit, e)
		return true
	})
	s.rtt.OnDelivery(0, len(res.Retransmit))

	return
}

// Expired returns all entries whose RTO expired, after re-arming them with a backed-off RTO. An entry exceeding the
// maximum retry count results in ErrRetransmitExhausted.
func (s *Sender) Expired(now time.Time) (resend []*Entry, err error) {
	s.queue.Ascend(func(e *Entry) bool {
		if e.Deadline.After(now) {
			return true
		}

		if e.Retries >= s.maxRetries {
			err = fmt.Errorf("%w: sequence %d after %d retries", ErrRetransmitExhausted, e.Seq, e.Retries)
			return false
		}

		e.resend(now, s.rtt.Backoff(e.RTO))
		resend = append(resend, e)
		return true
	})

	if err != nil {
		return nil, err
	}

	s.rtt.OnDelivery(0, len(resend))
	return
}

// NextDeadline is the earliest RTO deadline of all queued entries.
func (s *Sender) NextDeadline() (deadline time.Time, ok bool) {
	s.queue.Ascend(func(e *Entry) bool {
		if !ok || e.Deadline.Before(deadline) {
			deadline, ok = e.Deadline, true
		}
		return true
	})
	return
}

// InFlight is the number of unacknowledged entries.
func (s *Sender) InFlight() int {
	return s.queue.Len()
}

// Has checks if seq is still awaiting its acknowledgement.
func (s *Sender) Has(seq uint64) bool {
	return s.queue.Has(&Entry{Seq: seq})
}

// Clear drops all queued entries.
func (s *Sender) Clear() {
	s.queue.Clear(false)
}
