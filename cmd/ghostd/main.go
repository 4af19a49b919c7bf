// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// ghostd is the ghostwire daemon, tunnelling the packets of a TUN device to a peer.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ghostwire/ghostwire-go/pkg/telemetry"
	"github.com/ghostwire/ghostwire-go/pkg/tunnel"
	"github.com/ghostwire/ghostwire-go/pkg/udp"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

// logStatus of the Engine until its Channel is closed.
func logStatus(engine *tunnel.Engine) {
	for status := range engine.Channel() {
		logger := log.WithFields(log.Fields{
			"peer":   status.Peer,
			"status": status.MessageType,
		})

		switch status.MessageType {
		case tunnel.SessionClosed:
			if status.Message != nil {
				logger.WithField("reason", status.Message).Warn("Session closed")
			} else {
				logger.Info("Session closed")
			}

		case tunnel.SecurityAlert:
			logger.WithField("report", status.Message).Warn("Security alert")

		default:
			logger.Info("Session status changed")
		}
	}
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}

	dev, err := openTUN(conf.Tun)
	if err != nil {
		log.WithError(err).Fatal("Failed to open TUN device")
	}

	sock, err := udp.Listen(conf.Socket.Listen, conf.Socket.BufferSize)
	if err != nil {
		_ = dev.Close()
		log.WithError(err).Fatal("Failed to bind UDP socket")
	}

	engine, err := tunnel.NewEngine(conf.Tunnel, dev, sock)
	if err != nil {
		_ = dev.Close()
		_ = sock.Close()
		log.WithError(err).Fatal("Failed to create engine")
	}

	go logStatus(engine)
	engine.Start()

	var httpServer *http.Server
	if conf.Telemetry.Listen != "" {
		httpServer = &http.Server{
			Addr:              conf.Telemetry.Listen,
			Handler:           telemetry.NewHandler(engine, conf.Telemetry.Interval.Duration),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Warn("Telemetry server errored")
			}
		}()

		log.WithField("address", conf.Telemetry.Listen).Info("Serving telemetry")
	}

	watcher, err := watchConfig(os.Args[1], engine)
	if err != nil {
		log.WithError(err).Warn("Failed to watch config, tunables will not be reloaded")
	}

	waitSigint()
	log.Info("Shutting down..")

	if watcher != nil {
		watcher.Close()
	}

	if httpServer != nil {
		_ = httpServer.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), conf.Tunnel.Session.CloseGrace.Duration+time.Second)
	defer cancel()

	if err := engine.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("Closing engine errored")
	}
}
