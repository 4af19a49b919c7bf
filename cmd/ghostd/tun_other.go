// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux
// +build !linux

package main

import (
	"github.com/songgao/water"
)

// waterConfig for a TUN device. Operating systems next to Linux choose its name.
func waterConfig(tunConf) water.Config {
	return water.Config{
		DeviceType: water.TUN,
	}
}
