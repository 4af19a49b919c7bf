// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"bytes"
	"fmt"
	"net/netip"
	"time"

	"github.com/dtn7/cboring"
	log "github.com/sirupsen/logrus"

	"github.com/ghostwire/ghostwire-go/pkg/arq"
	"github.com/ghostwire/ghostwire-go/pkg/envelope"
	"github.com/ghostwire/ghostwire-go/pkg/frame"
)

// sealHandshake encodes a SYN or SYN-ACK. Its payload is the sender's ephemeral public key in plain, followed by the
// sealed Params.
func sealHandshake(psk envelope.PSK, f frame.Frame, params Params) ([]byte, error) {
	var buf bytes.Buffer
	if err := cboring.Marshal(&params, &buf); err != nil {
		return nil, fmt.Errorf("marshalling handshake parameters: %w", err)
	}

	payloadLen := envelope.PublicKeySize + buf.Len() + envelope.Overhead
	aad := frame.AppendHeader(nil, f, payloadLen)

	ct, err := envelope.SealHandshake(psk, params.PublicKey, f.Sequence, aad, buf.Bytes())
	if err != nil {
		return nil, err
	}

	f.Payload = make([]byte, 0, payloadLen)
	f.Payload = append(f.Payload, params.PublicKey[:]...)
	f.Payload = append(f.Payload, ct...)

	return frame.Encode(f)
}

// openHandshake authenticates a decoded SYN or SYN-ACK and returns its Params.
func openHandshake(psk envelope.PSK, f frame.Frame, datagram []byte) (params Params, err error) {
	if len(f.Payload) < envelope.PublicKeySize+envelope.Overhead {
		err = fmt.Errorf("%w: handshake payload of %d bytes", envelope.ErrAuth, len(f.Payload))
		return
	}

	var public [envelope.PublicKeySize]byte
	copy(public[:], f.Payload)

	aad, err := frame.AssociatedData(datagram)
	if err != nil {
		return
	}

	plaintext, err := envelope.OpenHandshake(psk, public, f.Sequence, aad, f.Payload[envelope.PublicKeySize:])
	if err != nil {
		return
	}

	if err = cboring.Unmarshal(&params, bytes.NewReader(plaintext)); err != nil {
		err = fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
		return
	}
	if params.PublicKey != public {
		err = fmt.Errorf("%w: public key mismatch", ErrHandshakeRejected)
	}
	return
}

// checkParams of the peer against the local clock.
func (s *Session) checkParams(params Params, now time.Time) error {
	skew := now.Sub(params.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > s.conf.MaxClockSkew {
		return fmt.Errorf("%w: clock skew of %v", ErrHandshakeRejected, skew)
	}
	return nil
}

// establishKeys derives the session keys and prepares receiving the peer's data sequence space.
func (s *Session) establishKeys(params Params, peerISN uint64) error {
	env, err := envelope.DeriveSession(s.conf.PSK, s.keys, params.PublicKey, s.role == Initiator)
	if err != nil {
		return err
	}

	s.env = env
	s.peerPublic = params.PublicKey
	s.peerISN = peerISN
	s.peerTimestamp = params.Timestamp
	s.receiver = arq.NewReceiver(peerISN+1, s.conf.Window)

	if params.KeepaliveInterval > 0 && params.KeepaliveInterval < s.keepalive {
		s.keepalive = params.KeepaliveInterval
	}
	return nil
}

// Open a new Session as the initiator. The Output contains the SYN.
func Open(conf Config, peer netip.AddrPort, now time.Time) (*Session, Output, error) {
	var out Output

	s, err := newSession(conf, peer, Initiator, now)
	if err != nil {
		return nil, out, err
	}

	syn := frame.Frame{Type: frame.SYN, Sequence: s.sender.Next()}
	datagram, err := sealHandshake(conf.PSK, syn, s.params)
	if err != nil {
		return nil, out, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.state = SynSent
	s.handshake = datagram
	s.handshakeSent = now
	s.handshakeDeadline = now.Add(s.handshakeBackoff)
	s.emit(&out, datagram, now)
	s.timers(&out)

	s.log().WithField("isn", s.isn).Debug("Sent SYN")

	return s, out, nil
}

// VerifySyn decodes and authenticates a SYN without creating a Session.
func VerifySyn(conf Config, datagram []byte) error {
	f, err := frame.Decode(datagram)
	if err != nil {
		return err
	}
	if f.Type != frame.SYN {
		return fmt.Errorf("%w: %v without a session", ErrUnexpectedFrame, f.Type)
	}

	_, err = openHandshake(conf.PSK, f, datagram)
	return err
}

// Accept a SYN and create a Session as the responder. The Output contains the SYN-ACK.
func Accept(conf Config, peer netip.AddrPort, datagram []byte, now time.Time) (*Session, Output, error) {
	var out Output

	f, err := frame.Decode(datagram)
	if err != nil {
		return nil, out, err
	}
	if f.Type != frame.SYN {
		return nil, out, fmt.Errorf("%w: %v without a session", ErrUnexpectedFrame, f.Type)
	}

	params, err := openHandshake(conf.PSK, f, datagram)
	if err != nil {
		return nil, out, err
	}

	s, err := newSession(conf, peer, Responder, now)
	if err != nil {
		return nil, out, err
	}
	if err := s.checkParams(params, now); err != nil {
		return nil, out, err
	}
	if err := s.establishKeys(params, f.Sequence); err != nil {
		return nil, out, err
	}

	synAck := frame.Frame{
		Type:      frame.SYNACK,
		Flags:     frame.FlagAck,
		Sequence:  s.sender.Next(),
		AckNumber: f.Sequence,
	}
	synAckDatagram, err := sealHandshake(conf.PSK, synAck, s.params)
	if err != nil {
		return nil, out, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.state = SynReceived
	s.handshake = synAckDatagram
	s.handshakeSent = now
	s.handshakeDeadline = now.Add(s.handshakeBackoff)
	s.emit(&out, synAckDatagram, now)
	s.timers(&out)

	s.log().WithFields(log.Fields{
		"peer-isn": f.Sequence,
		"isn":      s.isn,
	}).Debug("Received SYN, sent SYN-ACK")

	return s, out, nil
}

// handleSyn of an existing responder Session: either a duplicate, to be answered again, or a new handshake.
func (s *Session) handleSyn(out *Output, f frame.Frame, datagram []byte, now time.Time) error {
	if s.role != Responder {
		return fmt.Errorf("%w: SYN for an initiator", ErrUnexpectedFrame)
	}

	params, err := openHandshake(s.conf.PSK, f, datagram)
	if err != nil {
		return err
	}

	if params.PublicKey == s.peerPublic && f.Sequence == s.peerISN {
		if s.handshake != nil {
			s.emit(out, s.handshake, now)
		}
		return nil
	}

	if err := s.checkParams(params, now); err != nil {
		return err
	}
	if !params.Timestamp.After(s.peerTimestamp) {
		return fmt.Errorf("%w: SYN is older than the current session", ErrHandshakeRejected)
	}

	s.finish(out, ErrPeerRestarted)
	return nil
}

// handleSynAck of an initiator Session.
func (s *Session) handleSynAck(out *Output, f frame.Frame, datagram []byte, now time.Time) error {
	if s.role != Initiator {
		return fmt.Errorf("%w: SYN-ACK for a responder", ErrUnexpectedFrame)
	}

	switch s.state {
	case SynSent:
		if f.AckNumber != s.isn {
			return fmt.Errorf("%w: SYN-ACK acknowledges %d instead of %d", ErrHandshakeRejected, f.AckNumber, s.isn)
		}

		params, err := openHandshake(s.conf.PSK, f, datagram)
		if err != nil {
			return err
		}
		if err := s.checkParams(params, now); err != nil {
			return err
		}
		if err := s.establishKeys(params, f.Sequence); err != nil {
			return err
		}

		if s.handshakeRetries == 0 {
			s.rtt.Update(now.Sub(s.handshakeSent))
		}

		s.state = Established
		s.handshake = nil
		s.lastRecv = now
		out.Established = true

		s.log().WithField("peer-isn", f.Sequence).Info("Session established")

		return s.sendControl(out, frame.ACK, now)

	case Established, Closing:
		if _, err := openHandshake(s.conf.PSK, f, datagram); err != nil {
			return err
		}
		if f.Sequence != s.peerISN {
			return fmt.Errorf("%w: SYN-ACK of another handshake", ErrUnexpectedFrame)
		}
		return s.sendControl(out, frame.ACK, now)

	default:
		return fmt.Errorf("%w: SYN-ACK in state %v", ErrUnexpectedFrame, s.state)
	}
}
