// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package udp provides the UDP socket of the tunnel engine.
package udp

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	log "github.com/sirupsen/logrus"
)

// DefaultBufferSize of the socket's receive and send buffers, if supported by the operating system.
const DefaultBufferSize = 4 << 20

// maxDatagramSize is the largest UDP payload.
const maxDatagramSize = 65535

// Socket is a UDP socket, usable as the tunnel engine's Socket.
type Socket struct {
	conn *net.UDPConn
}

// Listen on a local UDP address, e.g., ":4500". A non-positive bufferSize keeps the operating system's defaults.
func Listen(address string, bufferSize int) (*Socket, error) {
	lc := net.ListenConfig{}
	if bufferSize > 0 {
		lc.Control = listenControl(bufferSize)
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", address)
	if err != nil {
		return nil, err
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("listening on %s resulted in a %T", address, pc)
	}

	if bufferSize > 0 {
		if err := setBuffers(conn, bufferSize); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("sizing socket buffers: %w", err)
		}
	}

	log.WithFields(log.Fields{
		"address": conn.LocalAddr(),
		"buffer":  bufferSize,
	}).Debug("UDP socket listening")

	return &Socket{conn: conn}, nil
}

// LocalAddr of this Socket.
func (s *Socket) LocalAddr() netip.AddrPort {
	return unmap(s.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

// unmap IPv4-mapped IPv6 addresses, so each peer has exactly one representation.
func unmap(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// SendDatagram to an address.
func (s *Socket) SendDatagram(addr netip.AddrPort, datagram []byte) error {
	_, err := s.conn.WriteToUDPAddrPort(datagram, addr)
	return err
}

// RecvDatagram blocks until the next datagram arrives. IPv4-mapped IPv6 addresses are unmapped.
func (s *Socket) RecvDatagram() ([]byte, netip.AddrPort, error) {
	buf := make([]byte, maxDatagramSize)

	n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return nil, netip.AddrPort{}, err
	}

	return buf[:n], unmap(addr), nil
}

// Close the Socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}
