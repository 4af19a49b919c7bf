// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package main

import (
	"github.com/songgao/water"
)

// waterConfig for a named TUN device.
func waterConfig(conf tunConf) water.Config {
	return water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: conf.Name,
		},
	}
}
