// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux
// +build !linux

package udp

import (
	"net"
	"syscall"
)

// This file sizes the buffers on operating systems next to Linux after the socket was created, by the portable
// socket options only.

// listenControl sets no options before binding.
func listenControl(int) func(string, string, syscall.RawConn) error {
	return nil
}

// setBuffers of an already bound socket.
func setBuffers(conn *net.UDPConn, bufferSize int) error {
	if err := conn.SetReadBuffer(bufferSize); err != nil {
		return err
	}
	return conn.SetWriteBuffer(bufferSize)
}
