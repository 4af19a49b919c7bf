// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ghostwire/ghostwire-go/pkg/arq"
	"github.com/ghostwire/ghostwire-go/pkg/envelope"
	"github.com/ghostwire/ghostwire-go/pkg/frame"
)

// ackFields returns the receiver's acknowledgement state as frame fields.
func (s *Session) ackFields(f *frame.Frame) {
	f.Flags |= frame.FlagAck
	f.AckNumber, f.AckBitmap = s.receiver.AckState()
}

// sendControl seals and emits an ACK or KEEPALIVE.
func (s *Session) sendControl(out *Output, t frame.Type, now time.Time) error {
	f := frame.Frame{Type: t, Sequence: s.controlNext}
	s.ackFields(&f)

	aad := frame.AppendHeader(nil, f, envelope.Overhead)
	ct, err := s.env.Seal(envelope.ControlSpace, f.Sequence, aad, nil)
	if err != nil {
		return err
	}
	s.controlNext++

	f.Payload = ct
	datagram, err := frame.Encode(f)
	if err != nil {
		return err
	}

	s.emit(out, datagram, now)
	return nil
}

// sendReliable assigns the next data sequence number to a DATA or FIN, seals, emits and queues it.
func (s *Session) sendReliable(out *Output, t frame.Type, flags frame.Flags, payload []byte, now time.Time) error {
	if len(payload)+envelope.Overhead > frame.MaxPayloadSize {
		return fmt.Errorf("payload of %d bytes exceeds a frame", len(payload))
	}

	f := frame.Frame{Type: t, Flags: flags, Sequence: s.sender.Peek()}
	s.ackFields(&f)

	aad := frame.AppendHeader(nil, f, len(payload)+envelope.Overhead)
	ct, err := s.env.Seal(envelope.DataSpace, f.Sequence, aad, payload)
	if err != nil {
		return err
	}

	f.Payload = ct
	datagram, err := frame.Encode(f)
	if err != nil {
		return err
	}

	seq := s.sender.Next()
	s.sender.Push(seq, datagram, now)
	s.pacer.OnSent()
	s.emit(out, datagram, now)
	return nil
}

// Send a packet to the peer. The caller should Wait for the pacing controller first.
func (s *Session) Send(packet []byte, now time.Time) (out Output, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch s.state {
	case Established:
	case Closing:
		return out, ErrClosing
	case Closed:
		return out, ErrClosed
	default:
		return out, ErrNotEstablished
	}

	var flags frame.Flags
	payload := packet
	if s.conf.Compression != nil {
		var compressed bool
		if payload, compressed = s.conf.Compression.MaybeCompress(packet); compressed {
			flags |= frame.FlagCompressed
		}
	}

	if err = s.sendReliable(&out, frame.DATA, flags, payload, now); err != nil {
		return
	}

	s.timers(&out)
	return
}

// Close starts the teardown by sending a FIN. Sessions within their handshake are closed immediately.
func (s *Session) Close(now time.Time) (out Output) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch s.state {
	case Established:
		s.startClosing(&out, now)

	case SynSent, SynReceived:
		s.finish(&out, nil)
	}

	s.timers(&out)
	return
}

// Abort closes the Session immediately for the given reason, without a FIN exchange.
func (s *Session) Abort(reason error) (out Output) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.finish(&out, reason)
	s.timers(&out)
	return
}

// startClosing enters CLOSING and sends this side's FIN.
func (s *Session) startClosing(out *Output, now time.Time) {
	s.state = Closing
	s.closeDeadline = now.Add(s.conf.CloseGrace)

	if !s.finSent {
		if err := s.sendReliable(out, frame.FIN, 0, nil, now); err != nil {
			s.log().WithError(err).Warn("Sending FIN errored")
			s.finish(out, err)
			return
		}
		s.finSent = true
	}

	s.log().Debug("Session is closing")
}

// checkClosing starts lingering after both FINs were exchanged and everything was acknowledged.
func (s *Session) checkClosing(now time.Time) {
	if s.state != Closing || !s.finSent || !s.finRecv || !s.lingerDeadline.IsZero() {
		return
	}
	if s.sender.InFlight() > 0 {
		return
	}

	s.lingerDeadline = now.Add(2 * s.rtt.RTO())
	s.log().WithField("linger", s.lingerDeadline).Debug("FIN exchange completed")
}

// Receive an incoming datagram of this Session's peer.
//
// Frame-level errors, e.g., frame.ErrMalformedFrame, envelope.ErrAuth, compress.ErrDecompression or ErrReplay, are
// returned for counting. The frame is dropped and the Session's state remains unchanged.
func (s *Session) Receive(datagram []byte, now time.Time) (out Output, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == Closed {
		return out, ErrClosed
	}

	defer s.timers(&out)

	f, err := frame.Decode(datagram)
	if err != nil {
		return
	}

	switch f.Type {
	case frame.SYN:
		return out, s.handleSyn(&out, f, datagram, now)
	case frame.SYNACK:
		return out, s.handleSynAck(&out, f, datagram, now)
	}

	if s.env == nil {
		return out, fmt.Errorf("%w: %v before the handshake", ErrUnexpectedFrame, f.Type)
	}

	aad, err := frame.AssociatedData(datagram)
	if err != nil {
		return
	}

	space := envelope.DataSpace
	if !f.Type.Reliable() {
		space = envelope.ControlSpace
	}
	plaintext, err := s.env.Open(space, f.Sequence, aad, f.Payload)
	if err != nil {
		return
	}

	if space == envelope.ControlSpace {
		if s.controlAny && f.Sequence <= s.controlSeen {
			return out, fmt.Errorf("%w: %v sequence %d after %d", ErrReplay, f.Type, f.Sequence, s.controlSeen)
		}
		s.controlSeen, s.controlAny = f.Sequence, true
	}

	// DATA must be decompressed before it is accepted by the receiver, a corrupt payload is treated as lost.
	if f.Type == frame.DATA {
		if plaintext, err = s.decomp.MaybeDecompress(plaintext, f.Flags.Has(frame.FlagCompressed)); err != nil {
			return
		}
	}

	s.lastRecv = now
	if s.state == SynReceived {
		s.establish(&out, now)
	}

	if f.Flags.Has(frame.FlagAck) {
		s.handleAck(&out, f, now)
	}

	switch f.Type {
	case frame.DATA, frame.FIN:
		s.handleReliable(&out, arq.Segment{Seq: f.Sequence, Fin: f.Type == frame.FIN, Data: plaintext}, now)
	}

	if s.state != Closed {
		s.checkClosing(now)
	}
	return
}

// establish a responder's Session after the first authenticated frame.
func (s *Session) establish(out *Output, now time.Time) {
	if s.handshakeRetries == 0 {
		s.rtt.Update(now.Sub(s.handshakeSent))
	}

	s.state = Established
	out.Established = true

	s.log().WithField("peer-isn", s.peerISN).Info("Session established")
}

// handleAck processes the acknowledgement fields of an authenticated frame.
func (s *Session) handleAck(out *Output, f frame.Frame, now time.Time) {
	if f.AckNumber >= s.sender.Peek() {
		s.log().WithField("ack", f.AckNumber).Debug("Ignoring acknowledgement of unsent sequence number")
		return
	}

	res := s.sender.Ack(f.AckNumber, f.AckBitmap, now)
	s.pacer.OnFeedback(res.Acked, len(res.Retransmit), res.RTTSample)

	for _, e := range res.Retransmit {
		s.log().WithField("entry", e).Debug("Fast retransmission")

		s.pacer.OnSent()
		s.emit(out, e.Datagram, now)
		out.Retransmitted++
	}
}

// handleReliable passes a DATA or FIN to the receiver and acknowledges it immediately.
func (s *Session) handleReliable(out *Output, seg arq.Segment, now time.Time) {
	deliver, verdict := s.receiver.Receive(seg)

	switch verdict {
	case arq.Duplicate:
		out.Duplicates++
	case arq.OutOfWindow:
		s.log().WithFields(log.Fields{
			"seq":      seg.Seq,
			"expected": s.receiver.Expected(),
		}).Debug("Dropping frame beyond the reorder window")
	}

	finDelivered := s.finRecv
	for _, d := range deliver {
		if d.Fin {
			finDelivered = true
			continue
		}
		if finDelivered {
			s.log().WithField("seq", d.Seq).Warn("Dropping data after the peer's FIN")
			continue
		}
		out.Deliver = append(out.Deliver, d.Data)
	}

	if err := s.sendControl(out, frame.ACK, now); err != nil {
		s.log().WithError(err).Warn("Sending ACK errored")
	}

	if finDelivered && !s.finRecv {
		s.finRecv = true
		s.log().Debug("Received the peer's FIN")

		if s.state == Established {
			s.startClosing(out, now)
		}
	}
}
