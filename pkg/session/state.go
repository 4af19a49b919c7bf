// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

// State of a Session.
type State uint8

const (
	// Closed sessions neither send nor accept any frames.
	Closed State = iota

	// SynSent is the initiator's state after sending its SYN.
	SynSent

	// SynReceived is the responder's state after answering a SYN with a SYN-ACK.
	SynReceived

	// Established sessions exchange data.
	Established

	// Closing sessions are exchanging FINs and drain their retransmission queue.
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case SynSent:
		return "SYN_SENT"
	case SynReceived:
		return "SYN_RECEIVED"
	case Established:
		return "ESTABLISHED"
	case Closing:
		return "CLOSING"
	default:
		return "INVALID"
	}
}

// Role of a peer in the handshake.
type Role uint8

const (
	// Initiator sends the SYN.
	Initiator Role = iota

	// Responder answers with a SYN-ACK.
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}
