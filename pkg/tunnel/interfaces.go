// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tunnel

import (
	"net/netip"
)

// TUN is the local packet device. Each read or write transfers exactly one IP packet.
type TUN interface {
	// ReadPacket blocks until the next outgoing packet is available.
	ReadPacket() ([]byte, error)

	// WritePacket hands a received packet to the local network stack.
	WritePacket(packet []byte) error

	// Close the device, which must unblock a pending ReadPacket.
	Close() error
}

// Socket is the datagram transport towards the peer.
type Socket interface {
	// SendDatagram to an address.
	SendDatagram(addr netip.AddrPort, datagram []byte) error

	// RecvDatagram blocks until the next datagram arrives.
	RecvDatagram() ([]byte, netip.AddrPort, error)

	// Close the Socket, which must unblock a pending RecvDatagram.
	Close() error
}
