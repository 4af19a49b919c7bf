// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package tunnel carries the packets of a TUN device over UDP to exactly one peer.
//
// An Engine owns the Socket and the TUN and drives the sessions of package session. A client, configured with a
// peer, opens a session and redials after it was closed. A server accepts the first valid handshake; a handshake of
// another peer is only accepted after the current session was idle for the keepalive timeout.
//
// Every outgoing datagram is padded and delayed by the obfuscation layer. Dropped datagrams are counted by their
// reason, and bursts of authentication failures are reported as a SecurityAlert Status.
package tunnel
