// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ghostwire/ghostwire-go/pkg/frame"
)

// Tick handles all expired timers. It is safe to call Tick early or more often than requested.
func (s *Session) Tick(now time.Time) (out Output) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch s.state {
	case SynSent, SynReceived:
		s.checkHandshake(&out, now)

	case Established, Closing:
		s.checkRetransmit(&out, now)
		if s.state != Closed {
			s.checkKeepalive(&out, now)
		}
		if s.state == Closing {
			s.checkClose(&out, now)
		}
	}

	s.timers(&out)
	return
}

// checkHandshake resends the SYN or SYN-ACK with an exponential backoff until the retries are exhausted.
func (s *Session) checkHandshake(out *Output, now time.Time) {
	if now.Before(s.handshakeDeadline) {
		return
	}

	if s.handshakeRetries >= s.conf.HandshakeRetries {
		s.finish(out, ErrHandshakeTimeout)
		return
	}

	s.handshakeRetries++
	s.handshakeBackoff *= 2
	s.handshakeDeadline = now.Add(s.handshakeBackoff)
	s.emit(out, s.handshake, now)
	out.Retransmitted++

	s.log().WithFields(log.Fields{
		"retry":   s.handshakeRetries,
		"backoff": s.handshakeBackoff,
	}).Debug("Resent handshake")
}

// checkRetransmit resends all frames whose RTO expired.
func (s *Session) checkRetransmit(out *Output, now time.Time) {
	resend, err := s.sender.Expired(now)
	if err != nil {
		s.finish(out, err)
		return
	}
	if len(resend) == 0 {
		return
	}

	s.pacer.OnFeedback(0, len(resend), 0)
	for _, e := range resend {
		s.pacer.OnSent()
		s.emit(out, e.Datagram, now)
	}
	out.Retransmitted += len(resend)

	s.log().WithFields(log.Fields{
		"count": len(resend),
		"rtt":   s.rtt,
	}).Debug("Retransmitted frames after RTO")
}

// checkKeepalive detects a silent peer and keeps an idle session alive.
//
// The peer is considered gone when nothing was received within the keepalive timeout. A KEEPALIVE is sent when
// nothing was sent within the keepalive interval.
func (s *Session) checkKeepalive(out *Output, now time.Time) {
	if delta := s.lastRecv.Add(s.conf.KeepaliveTimeout).Sub(now); delta <= 0 {
		s.log().WithFields(log.Fields{
			"last-receive": s.lastRecv,
			"timeout":      s.conf.KeepaliveTimeout,
		}).Warn("Received no frames within timeout")

		s.finish(out, ErrKeepaliveTimeout)
		return
	}

	if delta := s.lastSend.Add(s.keepalive).Sub(now); delta <= 0 {
		if err := s.sendControl(out, frame.KEEPALIVE, now); err != nil {
			s.log().WithError(err).Warn("Sending KEEPALIVE errored")
		}
	}
}

// checkClose ends a CLOSING session, cleanly after lingering or aborted after the close grace.
func (s *Session) checkClose(out *Output, now time.Time) {
	switch {
	case !s.lingerDeadline.IsZero() && !now.Before(s.lingerDeadline):
		s.finish(out, nil)

	case !now.Before(s.closeDeadline):
		s.finish(out, ErrTeardownAborted)
	}
}
