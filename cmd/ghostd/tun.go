// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/songgao/water"
)

// maxPacketSize bounds a single read from the TUN device.
const maxPacketSize = 65535

// tunDevice adapts a water.Interface to the engine's TUN.
type tunDevice struct {
	iface *water.Interface
}

// openTUN creates the TUN device. Its addresses and routes must be configured externally.
func openTUN(conf tunConf) (*tunDevice, error) {
	iface, err := water.New(waterConfig(conf))
	if err != nil {
		return nil, err
	}

	log.WithField("name", iface.Name()).Info("Opened TUN device")

	return &tunDevice{iface: iface}, nil
}

// ReadPacket reads exactly one IP packet.
func (td *tunDevice) ReadPacket() ([]byte, error) {
	buf := make([]byte, maxPacketSize)

	n, err := td.iface.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// WritePacket writes exactly one IP packet.
func (td *tunDevice) WritePacket(packet []byte) error {
	_, err := td.iface.Write(packet)
	return err
}

// Close the TUN device.
func (td *tunDevice) Close() error {
	return td.iface.Close()
}
