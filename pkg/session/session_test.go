// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"bytes"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"

	"github.com/ghostwire/ghostwire-go/pkg/arq"
	"github.com/ghostwire/ghostwire-go/pkg/envelope"
	"github.com/ghostwire/ghostwire-go/pkg/frame"
)

var (
	testPSK = envelope.PSK{
		0x67, 0x68, 0x6f, 0x73, 0x74, 0x77, 0x69, 0x72, 0x65, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06,
		0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16}

	initiatorAddr = netip.MustParseAddrPort("192.0.2.1:40000")
	responderAddr = netip.MustParseAddrPort("198.51.100.1:4500")
)

func testConfig(isn uint64) Config {
	conf := DefaultConfig(testPSK)
	conf.ISN = isn
	return conf
}

func decode(t *testing.T, datagram []byte) frame.Frame {
	t.Helper()

	f, err := frame.Decode(datagram)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func single(t *testing.T, out Output) []byte {
	t.Helper()

	if len(out.Datagrams) != 1 {
		t.Fatalf("expected one datagram, got %d", len(out.Datagrams))
	}
	return out.Datagrams[0]
}

func receive(t *testing.T, s *Session, datagram []byte, now time.Time) Output {
	t.Helper()

	out, err := s.Receive(datagram, now)
	if err != nil {
		t.Fatalf("%v: %v", s, err)
	}
	return out
}

func timer(out Output, purpose Purpose) time.Time {
	for _, t := range out.Timers {
		if t.Purpose == purpose {
			return t.Deadline
		}
	}
	return time.Time{}
}

// establish a pair of sessions and return the initiator and the responder.
func establish(t *testing.T, initISN, respISN uint64, now time.Time) (*Session, *Session) {
	t.Helper()

	initiator, out, err := Open(testConfig(initISN), responderAddr, now)
	if err != nil {
		t.Fatal(err)
	}

	responder, out, err := Accept(testConfig(respISN), initiatorAddr, single(t, out), now)
	if err != nil {
		t.Fatal(err)
	}

	out = receive(t, initiator, single(t, out), now)
	if !out.Established {
		t.Fatal("initiator did not establish")
	}

	out = receive(t, responder, single(t, out), now)
	if !out.Established {
		t.Fatal("responder did not establish")
	}

	return initiator, responder
}

func TestHandshakeAndData(t *testing.T) {
	now := time.Now()

	initiator, out, err := Open(testConfig(100), responderAddr, now)
	if err != nil {
		t.Fatal(err)
	}
	if initiator.State() != SynSent {
		t.Fatalf("initiator is in state %v", initiator.State())
	}

	syn := single(t, out)
	if f := decode(t, syn); f.Type != frame.SYN || f.Sequence != 100 || f.Flags.Has(frame.FlagAck) {
		t.Fatalf("unexpected SYN %v", f)
	}

	responder, out, err := Accept(testConfig(500), initiatorAddr, syn, now)
	if err != nil {
		t.Fatal(err)
	}
	if responder.State() != SynReceived {
		t.Fatalf("responder is in state %v", responder.State())
	}

	synAck := single(t, out)
	if f := decode(t, synAck); f.Type != frame.SYNACK || f.Sequence != 500 || f.AckNumber != 100 {
		t.Fatalf("unexpected SYN-ACK %v", f)
	}

	// Sending before the handshake completed is refused.
	if _, err := responder.Send([]byte("early"), now); !errors.Is(err, ErrNotEstablished) {
		t.Fatalf("expected ErrNotEstablished, got %v", err)
	}

	now = now.Add(20 * time.Millisecond)
	out = receive(t, initiator, synAck, now)
	if !out.Established || initiator.State() != Established {
		t.Fatalf("initiator is in state %v", initiator.State())
	}

	ack := single(t, out)
	if f := decode(t, ack); f.Type != frame.ACK || f.AckNumber != 500 {
		t.Fatalf("unexpected ACK %v", f)
	}

	out = receive(t, responder, ack, now)
	if !out.Established || responder.State() != Established {
		t.Fatalf("responder is in state %v", responder.State())
	}

	out, err = initiator.Send([]byte("hello"), now)
	if err != nil {
		t.Fatal(err)
	}

	data := single(t, out)
	if f := decode(t, data); f.Type != frame.DATA || f.Sequence != 101 {
		t.Fatalf("unexpected DATA %v", f)
	}
	if timer(out, TimerRetransmit).IsZero() {
		t.Fatal("retransmission timer is unset")
	}

	out = receive(t, responder, data, now)
	if len(out.Deliver) != 1 || string(out.Deliver[0]) != "hello" {
		t.Fatalf("unexpected delivery %q", out.Deliver)
	}

	dataAck := single(t, out)
	if f := decode(t, dataAck); f.Type != frame.ACK || f.AckNumber != 101 || f.AckBitmap != 0 {
		t.Fatalf("unexpected ACK %v", f)
	}

	out = receive(t, initiator, dataAck, now.Add(30*time.Millisecond))
	if info := initiator.Info(); info.InFlight != 0 {
		t.Fatalf("%d frames still in flight", info.InFlight)
	}
	if !timer(out, TimerRetransmit).IsZero() {
		t.Fatal("retransmission timer is still set")
	}
}

func TestDataGap(t *testing.T) {
	now := time.Now()
	initiator, responder := establish(t, 4, 1000, now)

	var datagrams [][]byte
	for _, payload := range []string{"five", "six", "seven"} {
		out, err := initiator.Send([]byte(payload), now)
		if err != nil {
			t.Fatal(err)
		}
		datagrams = append(datagrams, single(t, out))
	}

	if f := decode(t, datagrams[0]); f.Sequence != 5 {
		t.Fatalf("expected the first DATA to be 5, got %d", f.Sequence)
	}

	// 5 gets lost.
	for _, datagram := range datagrams[1:] {
		out := receive(t, responder, datagram, now)
		if len(out.Deliver) != 0 {
			t.Fatalf("delivered %q despite a gap", out.Deliver)
		}

		ack := decode(t, single(t, out))
		if ack.AckNumber != 4 {
			t.Fatalf("unexpected cumulative acknowledgement %d", ack.AckNumber)
		}
		receive(t, initiator, single(t, out), now)
	}

	if info := initiator.Info(); info.InFlight != 1 {
		t.Fatalf("expected only 5 in flight, got %d", info.InFlight)
	}

	out := initiator.Tick(now.Add(time.Second))
	if out.Retransmitted != 1 {
		t.Fatalf("expected one retransmission, got %d", out.Retransmitted)
	}

	retransmission := single(t, out)
	if !bytes.Equal(retransmission, datagrams[0]) {
		t.Fatal("retransmission differs from the original datagram")
	}

	out = receive(t, responder, retransmission, now.Add(time.Second))
	expected := []string{"five", "six", "seven"}
	if len(out.Deliver) != len(expected) {
		t.Fatalf("expected %d deliveries, got %d", len(expected), len(out.Deliver))
	}
	for i, payload := range expected {
		if string(out.Deliver[i]) != payload {
			t.Fatalf("delivery %d is %q instead of %q", i, out.Deliver[i], payload)
		}
	}

	// A duplicate is acknowledged, but not delivered again.
	out = receive(t, responder, datagrams[1], now.Add(time.Second))
	if len(out.Deliver) != 0 || out.Duplicates != 1 || len(out.Datagrams) != 1 {
		t.Fatalf("unexpected handling of a duplicate: %+v", out)
	}
}

func TestCompressedData(t *testing.T) {
	now := time.Now()
	initiator, responder := establish(t, 1, 1, now)

	packet := bytes.Repeat([]byte("ghostwire "), 100)
	out, err := initiator.Send(packet, now)
	if err != nil {
		t.Fatal(err)
	}

	datagram := single(t, out)
	if f := decode(t, datagram); !f.Flags.Has(frame.FlagCompressed) || len(datagram) >= len(packet) {
		t.Fatalf("payload was not compressed: %v", f)
	}

	out = receive(t, responder, datagram, now)
	if len(out.Deliver) != 1 || !bytes.Equal(out.Deliver[0], packet) {
		t.Fatal("compressed payload was not restored")
	}
}

func TestFrameErrors(t *testing.T) {
	now := time.Now()
	initiator, responder := establish(t, 1, 1, now)

	out, err := initiator.Send([]byte("payload"), now)
	if err != nil {
		t.Fatal(err)
	}
	datagram := single(t, out)

	tampered := append([]byte{}, datagram...)
	tampered[len(tampered)-1] ^= 0x01

	headerTampered := append([]byte{}, datagram...)
	headerTampered[1] = byte(frame.FIN)

	tests := []struct {
		datagram []byte
		err      error
	}{
		{[]byte{0x16, 0x03, 0x01}, frame.ErrMalformedFrame},
		{tampered, envelope.ErrAuth},
		{headerTampered, envelope.ErrAuth},
	}

	for i, test := range tests {
		out, err := responder.Receive(test.datagram, now)
		if !errors.Is(err, test.err) {
			t.Fatalf("test %d: expected %v, got %v", i, test.err, err)
		}
		if len(out.Datagrams) != 0 || len(out.Deliver) != 0 {
			t.Fatalf("test %d: dropped frame had effects %+v", i, out)
		}
	}

	if responder.State() != Established {
		t.Fatalf("frame errors changed the state to %v", responder.State())
	}

	out = receive(t, responder, datagram, now)
	if len(out.Deliver) != 1 {
		t.Fatal("original datagram was not delivered")
	}

	// Replaying the ACK is detected.
	ack := single(t, out)
	receive(t, initiator, ack, now)
	if _, err := initiator.Receive(ack, now); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
}

func TestAcceptErrors(t *testing.T) {
	now := time.Now()

	_, out, err := Open(testConfig(1), responderAddr, now)
	if err != nil {
		t.Fatal(err)
	}
	syn := single(t, out)

	wrongPSK := testConfig(1)
	wrongPSK.PSK[0] ^= 0xFF
	if _, _, err := Accept(wrongPSK, initiatorAddr, syn, now); !errors.Is(err, envelope.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}

	if _, _, err := Accept(testConfig(1), initiatorAddr, syn, now.Add(time.Hour)); !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("expected ErrHandshakeRejected, got %v", err)
	}

	keepalive, _ := frame.Encode(frame.Frame{Type: frame.KEEPALIVE, Payload: make([]byte, envelope.Overhead)})
	if _, _, err := Accept(testConfig(1), initiatorAddr, keepalive, now); !errors.Is(err, ErrUnexpectedFrame) {
		t.Fatalf("expected ErrUnexpectedFrame, got %v", err)
	}

	if err := VerifySyn(testConfig(1), syn); err != nil {
		t.Fatalf("valid SYN was not verified: %v", err)
	}
	if err := VerifySyn(wrongPSK, syn); !errors.Is(err, envelope.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if err := VerifySyn(testConfig(1), keepalive); !errors.Is(err, ErrUnexpectedFrame) {
		t.Fatalf("expected ErrUnexpectedFrame, got %v", err)
	}
}

func TestDuplicateHandshake(t *testing.T) {
	now := time.Now()

	initiator, out, err := Open(testConfig(10), responderAddr, now)
	if err != nil {
		t.Fatal(err)
	}
	syn := single(t, out)

	responder, out, err := Accept(testConfig(20), initiatorAddr, syn, now)
	if err != nil {
		t.Fatal(err)
	}
	synAck := single(t, out)

	// Duplicate SYN re-triggers the SYN-ACK.
	out = receive(t, responder, syn, now)
	if !bytes.Equal(single(t, out), synAck) {
		t.Fatal("duplicate SYN was not answered by the same SYN-ACK")
	}

	receive(t, initiator, synAck, now)

	// Duplicate SYN-ACK re-triggers the ACK.
	out = receive(t, initiator, synAck, now)
	if f := decode(t, single(t, out)); f.Type != frame.ACK {
		t.Fatalf("duplicate SYN-ACK was answered by %v", f)
	}
}

func TestPeerRestart(t *testing.T) {
	now := time.Now()
	_, responder := establish(t, 1, 1, now)

	_, out, err := Open(testConfig(77), responderAddr, now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}

	out = receive(t, responder, single(t, out), now.Add(time.Second))
	if !out.Closed || !errors.Is(out.Reason, ErrPeerRestarted) {
		t.Fatalf("responder did not close on a new handshake: %+v", out)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	now := time.Now()
	conf := testConfig(1)

	initiator, out, err := Open(conf, responderAddr, now)
	if err != nil {
		t.Fatal(err)
	}
	syn := single(t, out)

	for i := 0; i < conf.HandshakeRetries; i++ {
		deadline := timer(out, TimerHandshake)
		if deadline.IsZero() {
			t.Fatalf("retry %d: handshake timer is unset", i)
		}

		if early := initiator.Tick(deadline.Add(-time.Millisecond)); len(early.Datagrams) != 0 {
			t.Fatalf("retry %d: resent before the deadline", i)
		}

		out = initiator.Tick(deadline)
		if !bytes.Equal(single(t, out), syn) {
			t.Fatalf("retry %d: SYN was not resent", i)
		}
	}

	out = initiator.Tick(timer(out, TimerHandshake))
	if !out.Closed || !errors.Is(out.Reason, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %+v", out)
	}
	if initiator.State() != Closed {
		t.Fatalf("initiator is in state %v", initiator.State())
	}
}

func TestKeepalive(t *testing.T) {
	now := time.Now()
	conf := testConfig(1)
	initiator, responder := establish(t, 1, 1, now)

	out := initiator.Tick(now.Add(conf.KeepaliveInterval))
	keepalive := single(t, out)
	if f := decode(t, keepalive); f.Type != frame.KEEPALIVE {
		t.Fatalf("expected KEEPALIVE, got %v", f)
	}

	out = receive(t, responder, keepalive, now.Add(conf.KeepaliveInterval))
	if len(out.Datagrams) != 0 {
		t.Fatalf("KEEPALIVE was answered by %d datagrams", len(out.Datagrams))
	}

	out = initiator.Tick(now.Add(conf.KeepaliveTimeout))
	if !out.Closed || !errors.Is(out.Reason, ErrKeepaliveTimeout) {
		t.Fatalf("expected ErrKeepaliveTimeout, got %+v", out)
	}
	for _, tmr := range out.Timers {
		if !tmr.Deadline.IsZero() {
			t.Fatalf("timer %v is still set", tmr.Purpose)
		}
	}
}

func TestClose(t *testing.T) {
	now := time.Now()
	initiator, responder := establish(t, 1, 1, now)

	out := initiator.Close(now)
	if initiator.State() != Closing {
		t.Fatalf("initiator is in state %v", initiator.State())
	}
	fin := single(t, out)
	if f := decode(t, fin); f.Type != frame.FIN || f.Sequence != 2 {
		t.Fatalf("unexpected FIN %v", f)
	}

	if _, err := initiator.Send([]byte("late"), now); !errors.Is(err, ErrClosing) {
		t.Fatalf("expected ErrClosing, got %v", err)
	}

	// The responder acknowledges the FIN and sends its own.
	out = receive(t, responder, fin, now)
	if responder.State() != Closing || len(out.Datagrams) != 2 {
		t.Fatalf("unexpected responder reaction in state %v: %d datagrams", responder.State(), len(out.Datagrams))
	}
	if f := decode(t, out.Datagrams[0]); f.Type != frame.ACK {
		t.Fatalf("expected ACK, got %v", f)
	}
	if f := decode(t, out.Datagrams[1]); f.Type != frame.FIN {
		t.Fatalf("expected FIN, got %v", f)
	}

	var responderOut Output
	for _, datagram := range out.Datagrams {
		initOut := receive(t, initiator, datagram, now)
		for _, reply := range initOut.Datagrams {
			responderOut = receive(t, responder, reply, now)
		}
	}

	initLinger := initiator.Tick(now)
	respLinger := responderOut

	for _, s := range []struct {
		session *Session
		out     Output
	}{{initiator, initLinger}, {responder, respLinger}} {
		deadline := timer(s.out, TimerClose)
		if deadline.IsZero() {
			t.Fatalf("%v: close timer is unset", s.session)
		}

		out := s.session.Tick(deadline)
		if !out.Closed || out.Reason != nil {
			t.Fatalf("%v: expected a clean close, got %+v", s.session, out)
		}
	}
}

func TestCloseAborted(t *testing.T) {
	now := time.Now()
	conf := testConfig(1)
	initiator, _ := establish(t, 1, 1, now)

	initiator.Close(now)

	out := initiator.Tick(now.Add(conf.CloseGrace))
	if !out.Closed || !errors.Is(out.Reason, ErrTeardownAborted) {
		t.Fatalf("expected ErrTeardownAborted, got %+v", out)
	}

	if _, err := initiator.Send([]byte("closed"), now); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestAbort(t *testing.T) {
	now := time.Now()
	initiator, _ := establish(t, 1, 1, now)

	if _, err := initiator.Send([]byte("unacknowledged"), now); err != nil {
		t.Fatal(err)
	}

	out := initiator.Abort(ErrKeepaliveTimeout)
	if !out.Closed || !errors.Is(out.Reason, ErrKeepaliveTimeout) || len(out.Datagrams) != 0 {
		t.Fatalf("unexpected abort output %+v", out)
	}
	for _, purpose := range []Purpose{TimerHandshake, TimerRetransmit, TimerKeepalive, TimerClose} {
		if deadline := timer(out, purpose); !deadline.IsZero() {
			t.Fatalf("%v timer is still set to %v", purpose, deadline)
		}
	}
	if info := initiator.Info(); info.State != Closed || info.InFlight != 0 {
		t.Fatalf("unexpected info %+v", info)
	}

	if out := initiator.Abort(ErrTeardownAborted); out.Closed {
		t.Fatalf("second abort closed again")
	}
	if !errors.Is(initiator.Reason(), ErrKeepaliveTimeout) {
		t.Fatalf("reason was overwritten: %v", initiator.Reason())
	}
}

func TestRetransmitExhausted(t *testing.T) {
	now := time.Now()

	conf := testConfig(1)
	conf.KeepaliveInterval = time.Hour
	conf.KeepaliveTimeout = 2 * time.Hour

	initiator, out, err := Open(conf, responderAddr, now)
	if err != nil {
		t.Fatal(err)
	}
	_, out, err = Accept(conf, initiatorAddr, single(t, out), now)
	if err != nil {
		t.Fatal(err)
	}
	if out = receive(t, initiator, single(t, out), now); !out.Established {
		t.Fatal("initiator did not establish")
	}

	// The responder is gone from now on, nothing is acknowledged.
	out, err = initiator.Send([]byte("into the void"), now)
	if err != nil {
		t.Fatal(err)
	}
	data := single(t, out)

	var retries int
	for !out.Closed {
		if retries > conf.MaxRetries {
			t.Fatalf("session survived %d retries", retries)
		}

		deadline := timer(out, TimerRetransmit)
		if deadline.IsZero() {
			t.Fatalf("retransmission timer is unset after %d retries", retries)
		}

		if out = initiator.Tick(deadline); !out.Closed {
			if !bytes.Equal(single(t, out), data) {
				t.Fatalf("retry %d: DATA was not resent", retries)
			}
			retries++
		}
	}

	if retries != conf.MaxRetries {
		t.Fatalf("expected %d retries, got %d", conf.MaxRetries, retries)
	}
	if !errors.Is(out.Reason, arq.ErrRetransmitExhausted) {
		t.Fatalf("expected ErrRetransmitExhausted, got %v", out.Reason)
	}
	if initiator.State() != Closed || !errors.Is(initiator.Reason(), arq.ErrRetransmitExhausted) {
		t.Fatalf("session is in state %v for %v", initiator.State(), initiator.Reason())
	}
}

func TestSetPeer(t *testing.T) {
	now := time.Now()
	_, responder := establish(t, 1, 1, now)

	roamed := netip.MustParseAddrPort("192.0.2.1:40001")
	responder.SetPeer(roamed)

	if responder.Peer() != roamed || responder.Info().Peer != roamed {
		t.Fatalf("peer was not updated: %v", responder.Info())
	}
	if responder.State() != Established {
		t.Fatalf("roaming changed the state to %v", responder.State())
	}
}

func TestParamsCbor(t *testing.T) {
	p1 := Params{
		PublicKey:         [envelope.PublicKeySize]byte{0x01, 0x02, 0x03},
		KeepaliveInterval: 10 * time.Second,
		Timestamp:         time.UnixMilli(1700000000123),
	}

	var buf bytes.Buffer
	if err := cboring.Marshal(&p1, &buf); err != nil {
		t.Fatal(err)
	}

	var p2 Params
	if err := cboring.Unmarshal(&p2, &buf); err != nil {
		t.Fatal(err)
	}

	if p1.PublicKey != p2.PublicKey || p1.KeepaliveInterval != p2.KeepaliveInterval || !p1.Timestamp.Equal(p2.Timestamp) {
		t.Fatalf("Params differ: %v, %v", p1, p2)
	}
}

func TestConfigCheckValid(t *testing.T) {
	if err := testConfig(0).CheckValid(); err != nil {
		t.Fatal(err)
	}

	conf := DefaultConfig(envelope.PSK{})
	conf.MaxRetries = 0
	conf.KeepaliveTimeout = conf.KeepaliveInterval

	errs := conf.CheckValid()
	if errs == nil {
		t.Fatal("invalid configuration passed")
	}

	wrapped := errs.(*multierror.Error).WrappedErrors()
	if len(wrapped) != 3 {
		t.Fatalf("expected three errors, got %d: %v", len(wrapped), errs)
	}

	var pskErr bool
	for _, err := range wrapped {
		if strings.Contains(err.Error(), "pre-shared key") {
			pskErr = true
		}
	}
	if !pskErr {
		t.Fatal("missing PSK was not reported")
	}
}
