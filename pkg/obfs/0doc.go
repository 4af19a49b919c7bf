// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package obfs disguises the size and timing signature of the tunnel traffic.
//
// A Padder appends random padding to each encoded frame, so datagram sizes are quantized and randomized. A Shaper
// delays each datagram by a random jitter before handing it to the socket, but never reorders datagrams. ClientHello
// creates a decoy TLS record a client emits before its handshake.
//
// This package only changes what leaves the socket. It never touches sequencing or acknowledgements.
package obfs
