// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tunnel

import (
	"fmt"
	"net/netip"
)

// StatusMessageType indicates the kind of a Status.
type StatusMessageType uint

const (
	_ StatusMessageType = iota

	// SessionEstablished shows a completed handshake. The Message is nil.
	SessionEstablished

	// SessionClosed shows the end of a session. The Message is the reason, an error or nil for a clean teardown.
	SessionClosed

	// SecurityAlert shows a burst of unauthenticated frames. The Message's type must be a SecurityAlertReport.
	SecurityAlert
)

func (smt StatusMessageType) String() string {
	switch smt {
	case SessionEstablished:
		return "Session Established"
	case SessionClosed:
		return "Session Closed"
	case SecurityAlert:
		return "Security Alert"
	default:
		return "Unknown Type"
	}
}

// Status allows the transmission of information via a return channel from an Engine.
type Status struct {
	Peer        netip.AddrPort
	MessageType StatusMessageType
	Message     interface{}
}

func (s Status) String() string {
	if s.Message != nil {
		return fmt.Sprintf("%v Status of %v: %v", s.MessageType, s.Peer, s.Message)
	}
	return fmt.Sprintf("%v Status of %v", s.MessageType, s.Peer)
}

// SecurityAlertReport is the Message of a SecurityAlert Status.
type SecurityAlertReport struct {
	// Failures of the authentication within the last minute.
	Failures  int
	Threshold int
}

func (sar SecurityAlertReport) String() string {
	return fmt.Sprintf("%d authentication failures within a minute, threshold is %d", sar.Failures, sar.Threshold)
}

// NewSessionEstablished creates a new Status for a SessionEstablished type.
func NewSessionEstablished(peer netip.AddrPort) Status {
	return Status{
		Peer:        peer,
		MessageType: SessionEstablished,
	}
}

// NewSessionClosed creates a new Status for a SessionClosed type, transmitting the reason.
func NewSessionClosed(peer netip.AddrPort, reason error) Status {
	s := Status{
		Peer:        peer,
		MessageType: SessionClosed,
	}
	if reason != nil {
		s.Message = reason
	}
	return s
}

// NewSecurityAlert creates a new Status for a SecurityAlert type, reporting the peer of the latest failure.
func NewSecurityAlert(peer netip.AddrPort, failures, threshold int) Status {
	return Status{
		Peer:        peer,
		MessageType: SecurityAlert,
		Message: SecurityAlertReport{
			Failures:  failures,
			Threshold: threshold,
		},
	}
}
