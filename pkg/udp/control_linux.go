// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package udp

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Within this file, Linux-specific socket options are configured. Enlarged buffers absorb bursts of retransmissions
// on lossy links. SO_RCVBUFFORCE and SO_SNDBUFFORCE exceed the system's limit if the process is privileged; otherwise
// the unprivileged options are used and silently capped by the kernel.

// listenControl returns the net.ListenConfig's Control function to set the buffer sizes.
func listenControl(bufferSize int) func(string, string, syscall.RawConn) error {
	return func(_, _ string, rawConn syscall.RawConn) (err error) {
		opts := map[int]int{
			unix.SO_RCVBUFFORCE: unix.SO_RCVBUF,
			unix.SO_SNDBUFFORCE: unix.SO_SNDBUF,
		}

		ctrlErr := rawConn.Control(func(fd uintptr) {
			for forced, fallback := range opts {
				if unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, forced, bufferSize) == nil {
					continue
				}
				if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, fallback, bufferSize); err != nil {
					return
				}
			}
		})
		if ctrlErr != nil {
			return ctrlErr
		}
		return
	}
}

// setBuffers is a no-op, the buffers were already sized by listenControl.
func setBuffers(*net.UDPConn, int) error {
	return nil
}
