// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import "errors"

// Session-level errors end a session and are reported as its close reason.
var (
	// ErrHandshakeTimeout is the reason for a handshake without an answer after all retries.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrKeepaliveTimeout is the reason for a session whose peer was silent for too long.
	ErrKeepaliveTimeout = errors.New("keepalive timed out")

	// ErrTeardownAborted is the reason for a FIN exchange not completed within the close grace period.
	ErrTeardownAborted = errors.New("teardown aborted")

	// ErrPeerRestarted is the reason for a session replaced by a new handshake of the same peer.
	ErrPeerRestarted = errors.New("peer restarted the session")
)

// Frame-level errors drop a single frame without changing the session's state.
var (
	// ErrReplay is returned for a control frame whose sequence number was not greater than the last accepted one.
	ErrReplay = errors.New("replayed control frame")

	// ErrUnexpectedFrame is returned for frames not fitting the session's role or state.
	ErrUnexpectedFrame = errors.New("unexpected frame")

	// ErrHandshakeRejected is returned for authenticated handshake frames with unacceptable parameters.
	ErrHandshakeRejected = errors.New("handshake rejected")
)

// Errors returned to a caller trying to send.
var (
	// ErrNotEstablished is returned when sending before the handshake was completed.
	ErrNotEstablished = errors.New("session not established")

	// ErrClosing is returned when sending after the teardown started.
	ErrClosing = errors.New("session is closing")

	// ErrClosed is returned for any operation on a closed session.
	ErrClosed = errors.New("session is closed")
)
