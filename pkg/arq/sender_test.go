// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package arq

import (
	"errors"
	"testing"
	"time"
)

func newTestSender(isn uint64, maxRetries int) *Sender {
	return NewSender(isn, NewRTTEstimator(100*time.Millisecond, 100*time.Millisecond, time.Second), maxRetries)
}

func TestSenderNext(t *testing.T) {
	s := newTestSender(5, 3)

	for _, expected := range []uint64{5, 6, 7} {
		if peek := s.Peek(); peek != expected {
			t.Fatalf("expected peek %d, got %d", expected, peek)
		}
		if seq := s.Next(); seq != expected {
			t.Fatalf("expected sequence number %d, got %d", expected, seq)
		}
	}
}

func TestSenderAckCumulative(t *testing.T) {
	s := newTestSender(100, 3)
	t0 := time.Unix(1000, 0)

	for i := 0; i < 5; i++ {
		s.Push(s.Next(), []byte{byte(i)}, t0)
	}
	if s.InFlight() != 5 {
		t.Fatalf("expected 5 entries in flight, got %d", s.InFlight())
	}

	res := s.Ack(102, 0, t0.Add(50*time.Millisecond))
	if res.Acked != 3 {
		t.Fatalf("expected 3 acked entries, got %d", res.Acked)
	}
	if res.RTTSample != 50*time.Millisecond {
		t.Fatalf("expected RTT sample 50ms, got %v", res.RTTSample)
	}
	if len(res.Retransmit) != 0 {
		t.Fatalf("unexpected retransmissions: %v", res.Retransmit)
	}

	for seq, inFlight := range map[uint64]bool{100: false, 102: false, 103: true, 104: true} {
		if s.Has(seq) != inFlight {
			t.Fatalf("sequence %d: expected in flight %t", seq, inFlight)
		}
	}

	// Acknowledging the same range again is a no-op.
	if res := s.Ack(102, 0, t0.Add(60*time.Millisecond)); res.Acked != 0 || res.RTTSample != 0 {
		t.Fatalf("repeated ack had effects: %+v", res)
	}
}

func TestSenderAckSelective(t *testing.T) {
	s := newTestSender(100, 3)
	t0 := time.Unix(1000, 0)

	for i := 0; i < 10; i++ {
		s.Push(s.Next(), nil, t0)
	}

	// 100 is missing, 101, 102, 103 arrived: bits 1, 2 and 3 relative to ack number 99.
	res := s.Ack(99, 0b1110, t0.Add(10*time.Millisecond))
	if res.Acked != 3 || len(res.Retransmit) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	res = s.Ack(99, 0b11110, t0.Add(20*time.Millisecond))
	if res.Acked != 1 || len(res.Retransmit) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	// Third overtaking acknowledgement triggers the fast retransmission.
	res = s.Ack(99, 0b111110, t0.Add(30*time.Millisecond))
	if res.Acked != 1 {
		t.Fatalf("expected one acked entry, got %d", res.Acked)
	}
	if len(res.Retransmit) != 1 || res.Retransmit[0].Seq != 100 {
		t.Fatalf("expected fast retransmission of 100, got %v", res.Retransmit)
	}
	if e := res.Retransmit[0]; e.Retries != 1 || e.State != LostRetransmitted {
		t.Fatalf("unexpected entry state %v", e)
	}

	// The retransmitted entry is not used as an RTT sample.
	res = s.Ack(105, 0, t0.Add(40*time.Millisecond))
	if res.Acked != 1 {
		t.Fatalf("expected one acked entry, got %d", res.Acked)
	}
	if s.InFlight() != 4 {
		t.Fatalf("expected 4 entries in flight, got %d", s.InFlight())
	}
}

func TestSenderAckUnknown(t *testing.T) {
	s := newTestSender(100, 3)
	t0 := time.Unix(1000, 0)

	s.Push(s.Next(), nil, t0)

	if res := s.Ack(10, 0xFFFF_FFFF_FFFF_FFFE, t0); res.Acked != 0 {
		t.Fatalf("acknowledgement far behind acked %d entries", res.Acked)
	}
	if s.InFlight() != 1 {
		t.Fatalf("expected one entry in flight, got %d", s.InFlight())
	}
}

func TestSenderExpired(t *testing.T) {
	s := newTestSender(0, 2)
	t0 := time.Unix(1000, 0)

	s.Push(s.Next(), []byte("hello"), t0)

	if deadline, ok := s.NextDeadline(); !ok || !deadline.Equal(t0.Add(100*time.Millisecond)) {
		t.Fatalf("unexpected deadline %v, %t", deadline, ok)
	}

	if resend, err := s.Expired(t0.Add(50 * time.Millisecond)); err != nil || len(resend) != 0 {
		t.Fatalf("unexpected expiry: %v, %v", resend, err)
	}

	steps := []struct {
		now      time.Time
		rto      time.Duration
		deadline time.Time
	}{
		{t0.Add(100 * time.Millisecond), 200 * time.Millisecond, t0.Add(300 * time.Millisecond)},
		{t0.Add(300 * time.Millisecond), 400 * time.Millisecond, t0.Add(700 * time.Millisecond)},
	}

	for i, step := range steps {
		resend, err := s.Expired(step.now)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if len(resend) != 1 {
			t.Fatalf("step %d: expected one retransmission, got %v", i, resend)
		}

		e := resend[0]
		if e.Retries != i+1 || e.RTO != step.rto || !e.Deadline.Equal(step.deadline) {
			t.Fatalf("step %d: unexpected entry %v, deadline %v", i, e, e.Deadline)
		}
	}

	if _, err := s.Expired(t0.Add(700 * time.Millisecond)); !errors.Is(err, ErrRetransmitExhausted) {
		t.Fatalf("expected ErrRetransmitExhausted, got %v", err)
	}
}

func TestSenderClear(t *testing.T) {
	s := newTestSender(0, 2)
	t0 := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		s.Push(s.Next(), nil, t0)
	}
	s.Clear()

	if s.InFlight() != 0 {
		t.Fatalf("expected empty queue, got %d entries", s.InFlight())
	}
	if _, ok := s.NextDeadline(); ok {
		t.Fatal("empty queue has a deadline")
	}
}
