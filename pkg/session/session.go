// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package session implements the state machine of one ghostwire session between two peers.
//
// A Session performs no I/O by itself. Each operation takes the current time and returns an Output, listing the
// datagrams to be sent, the packets to be delivered and the deadlines of the session's timers. This leaves sockets,
// goroutines and timers to the tunnel engine and allows testing the whole protocol with a fake clock.
//
// The initiator opens a session by sending a SYN. The responder answers with a SYN-ACK; both carry CBOR encoded
// Params with ephemeral X25519 keys and are sealed with a key derived from the pre-shared key. After receiving the
// SYN-ACK, the initiator derives the session keys, enters ESTABLISHED and acknowledges the SYN-ACK. The responder
// derives its keys when answering the SYN, but only enters ESTABLISHED after the first frame authenticated with them.
//
// SYN, SYN-ACK, DATA and FIN share the data sequence space and are delivered reliably and in order. ACK and KEEPALIVE
// use the control sequence space, are never retransmitted and must arrive with increasing sequence numbers.
package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ghostwire/ghostwire-go/pkg/arq"
	"github.com/ghostwire/ghostwire-go/pkg/compress"
	"github.com/ghostwire/ghostwire-go/pkg/envelope"
	"github.com/ghostwire/ghostwire-go/pkg/pacing"
)

// Purpose distinguishes a Session's timers.
type Purpose uint8

const (
	// TimerHandshake resends a SYN or SYN-ACK.
	TimerHandshake Purpose = iota

	// TimerRetransmit fires at the earliest RTO of all unacknowledged frames.
	TimerRetransmit

	// TimerKeepalive sends a KEEPALIVE or detects a silent peer.
	TimerKeepalive

	// TimerClose ends a CLOSING session, either cleanly or aborted.
	TimerClose
)

func (p Purpose) String() string {
	switch p {
	case TimerHandshake:
		return "handshake"
	case TimerRetransmit:
		return "retransmit"
	case TimerKeepalive:
		return "keepalive"
	case TimerClose:
		return "close"
	default:
		return "invalid"
	}
}

// Timer requests setting a timer to its Deadline. A zero Deadline cancels the timer.
type Timer struct {
	Purpose  Purpose
	Deadline time.Time
}

// Output of a Session operation, to be performed by the caller.
type Output struct {
	// Datagrams are encoded frames to be sent to the peer, in order.
	Datagrams [][]byte

	// Deliver are received packets, in order and exactly once.
	Deliver [][]byte

	// Timers lists the deadline of every Purpose.
	Timers []Timer

	// Established is true if the session entered ESTABLISHED within this operation.
	Established bool

	// Closed is true if the session entered CLOSED within this operation. Reason is nil for a clean teardown.
	Closed bool
	Reason error

	// Retransmitted counts retransmitted datagrams, Duplicates redundantly received reliable frames.
	Retransmitted int
	Duplicates    int
}

// Info is a snapshot of a Session's state.
type Info struct {
	Peer     netip.AddrPort
	Role     Role
	State    State
	SRTT     time.Duration
	RTO      time.Duration
	Loss     float64
	Window   float64
	InFlight int
	Buffered int
}

// Session between two peers.
//
// A Session is safe for concurrent use. All operations are serialized by its mutex, apart from Wait.
type Session struct {
	conf Config
	peer netip.AddrPort
	role Role

	mutex sync.Mutex
	state State

	keys   envelope.KeyPair
	params Params
	env    *envelope.Envelope

	// peerPublic is the peer's ephemeral public key, peerISN its initial sequence number and peerTimestamp the
	// creation time of its handshake.
	peerPublic    [envelope.PublicKeySize]byte
	peerISN       uint64
	peerTimestamp time.Time

	isn      uint64
	rtt      *arq.RTTEstimator
	sender   *arq.Sender
	receiver *arq.Receiver
	pacer    *pacing.Controller
	decomp   *compress.Adapter

	controlNext uint64
	controlSeen uint64
	controlAny  bool

	keepalive time.Duration

	// handshake is the encoded SYN or SYN-ACK, resent until the handshake completes.
	handshake         []byte
	handshakeSent     time.Time
	handshakeRetries  int
	handshakeBackoff  time.Duration
	handshakeDeadline time.Time

	lastSend time.Time
	lastRecv time.Time

	finSent        bool
	finRecv        bool
	closeDeadline  time.Time
	lingerDeadline time.Time

	reason error
}

func newSession(conf Config, peer netip.AddrPort, role Role, now time.Time) (*Session, error) {
	if err := conf.CheckValid(); err != nil {
		return nil, err
	}

	keys, err := envelope.GenerateKeyPair(conf.Rand)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral keys: %w", err)
	}

	isn := conf.ISN
	if isn == 0 {
		var buf [8]byte
		if _, err := io.ReadFull(conf.Rand, buf[:]); err != nil {
			return nil, fmt.Errorf("generating initial sequence number: %w", err)
		}
		isn = binary.BigEndian.Uint64(buf[:])>>2 + 1
	}

	rtt := arq.NewRTTEstimator(conf.InitialRTO, conf.MinRTO, conf.MaxRTO)

	decomp := conf.Compression
	if decomp == nil {
		decomp = compress.NewAdapter()
		decomp.Disabled = true
	}

	s := &Session{
		conf:  conf,
		peer:  peer,
		role:  role,
		state: Closed,

		keys: keys,
		params: Params{
			PublicKey:         keys.Public,
			KeepaliveInterval: conf.KeepaliveInterval,
			Timestamp:         now,
		},

		isn:    isn,
		rtt:    rtt,
		sender: arq.NewSender(isn, rtt, conf.MaxRetries),
		pacer:  pacing.NewController(conf.Pacing),
		decomp: decomp,

		keepalive: conf.KeepaliveInterval,

		handshakeBackoff: conf.HandshakeTimeout,

		lastSend: now,
		lastRecv: now,
	}
	return s, nil
}

func (s *Session) log() *log.Entry {
	return log.WithFields(log.Fields{
		"peer":  s.peer,
		"role":  s.role,
		"state": s.state,
	})
}

func (s *Session) String() string {
	return fmt.Sprintf("Session(%v, %v, %v)", s.Peer(), s.role, s.State())
}

// Peer address of this Session.
func (s *Session) Peer() netip.AddrPort {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.peer
}

// SetPeer changes the Session's peer address after the peer has roamed.
func (s *Session) SetPeer(peer netip.AddrPort) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.peer != peer {
		s.log().WithField("address", peer).Debug("Peer roamed")
		s.peer = peer
	}
}

// Role of this Session.
func (s *Session) Role() Role {
	return s.role
}

// State of this Session.
func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Reason for the Session's closing, nil for a clean teardown or if it is not closed.
func (s *Session) Reason() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.reason
}

// Idle is the time since the last authenticated frame of the peer.
func (s *Session) Idle(now time.Time) time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return now.Sub(s.lastRecv)
}

// Info returns a snapshot of this Session's state.
func (s *Session) Info() Info {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	info := Info{
		Peer:     s.peer,
		Role:     s.role,
		State:    s.state,
		SRTT:     s.rtt.SRTT(),
		RTO:      s.rtt.RTO(),
		Loss:     s.rtt.Loss(),
		Window:   s.pacer.Window(),
		InFlight: s.sender.InFlight(),
	}
	if s.receiver != nil {
		info.Buffered = s.receiver.Buffered()
	}
	return info
}

// Wait blocks until the pacing controller allows another reliable frame.
func (s *Session) Wait(ctx context.Context) error {
	return s.pacer.Wait(ctx)
}

// emit appends a datagram to the Output.
func (s *Session) emit(out *Output, datagram []byte, now time.Time) {
	out.Datagrams = append(out.Datagrams, datagram)
	s.lastSend = now
}

// finish closes this Session for the given reason.
func (s *Session) finish(out *Output, reason error) {
	if s.state == Closed {
		return
	}

	if reason != nil {
		s.log().WithError(reason).Info("Session closed")
	} else {
		s.log().Info("Session closed cleanly")
	}

	s.state = Closed
	s.reason = reason
	s.sender.Clear()
	s.pacer.Reset()
	s.handshake = nil

	out.Closed = true
	out.Reason = reason
}

// timers appends the deadline of every timer Purpose.
func (s *Session) timers(out *Output) {
	var handshake, retransmit, keepalive, closing time.Time

	switch s.state {
	case SynSent, SynReceived:
		handshake = s.handshakeDeadline

	case Established, Closing:
		if deadline, ok := s.sender.NextDeadline(); ok {
			retransmit = deadline
		}

		keepalive = s.lastSend.Add(s.keepalive)
		if recvDeadline := s.lastRecv.Add(s.conf.KeepaliveTimeout); recvDeadline.Before(keepalive) {
			keepalive = recvDeadline
		}

		if s.state == Closing {
			closing = s.closeDeadline
			if !s.lingerDeadline.IsZero() && s.lingerDeadline.Before(closing) {
				closing = s.lingerDeadline
			}
		}
	}

	out.Timers = append(out.Timers,
		Timer{Purpose: TimerHandshake, Deadline: handshake},
		Timer{Purpose: TimerRetransmit, Deadline: retransmit},
		Timer{Purpose: TimerKeepalive, Deadline: keepalive},
		Timer{Purpose: TimerClose, Deadline: closing})
}
