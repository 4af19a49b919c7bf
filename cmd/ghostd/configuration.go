// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/ghostwire/ghostwire-go/pkg/telemetry"
	"github.com/ghostwire/ghostwire-go/pkg/tunnel"
	"github.com/ghostwire/ghostwire-go/pkg/udp"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Logging   logConf
	Socket    socketConf
	Tun       tunConf
	Telemetry telemetryConf
	Tunnel    tunnel.Config
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// socketConf describes the UDP socket.
type socketConf struct {
	Listen     string
	BufferSize int `toml:"buffer-size"`
}

// tunConf describes the TUN device.
type tunConf struct {
	Name string
}

// telemetryConf describes the optional HTTP telemetry endpoint.
type telemetryConf struct {
	Listen   string
	Interval tunnel.Duration
}

// defaultConfig is overwritten by the values of a TOML file.
func defaultConfig() tomlConfig {
	return tomlConfig{
		Socket: socketConf{
			Listen:     ":4500",
			BufferSize: udp.DefaultBufferSize,
		},
		Tun: tunConf{
			Name: "ghost0",
		},
		Telemetry: telemetryConf{
			Interval: tunnel.Duration{Duration: telemetry.DefaultInterval},
		},
		Tunnel: tunnel.DefaultConfig(),
	}
}

// applyLogging configures logrus based on the Logging-configuration block.
func applyLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseConfig reads and validates the given TOML configuration. Logging is configured as a side effect.
func parseConfig(filename string) (conf tomlConfig, err error) {
	conf = defaultConfig()
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	applyLogging(conf.Logging)

	if conf.Socket.Listen == "" {
		err = fmt.Errorf("socket.listen is empty")
		return
	}

	err = conf.Tunnel.CheckValid()
	return
}
