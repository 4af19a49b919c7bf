// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ghostwire/ghostwire-go/pkg/arq"
	"github.com/ghostwire/ghostwire-go/pkg/compress"
	"github.com/ghostwire/ghostwire-go/pkg/envelope"
	"github.com/ghostwire/ghostwire-go/pkg/pacing"
)

// Config of a Session. Start from DefaultConfig and set at least the PSK.
type Config struct {
	// PSK authenticates both peers.
	PSK envelope.PSK

	// ISN is the initial sequence number. Zero selects a random one.
	ISN uint64

	// InitialRTO, MinRTO and MaxRTO configure the RTTEstimator.
	InitialRTO time.Duration
	MinRTO     time.Duration
	MaxRTO     time.Duration

	// MaxRetries of a reliable frame before the session fails.
	MaxRetries int

	// Window of the reorder buffer in frames.
	Window int

	// HandshakeTimeout is the initial delay before resending a SYN or SYN-ACK, doubled for each of the
	// HandshakeRetries.
	HandshakeTimeout time.Duration
	HandshakeRetries int

	// KeepaliveInterval is the maximum silence before a KEEPALIVE is sent, KeepaliveTimeout the maximum tolerated
	// silence of the peer.
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration

	// CloseGrace bounds the FIN exchange.
	CloseGrace time.Duration

	// MaxClockSkew is the maximum difference between a handshake's timestamp and the local clock.
	MaxClockSkew time.Duration

	// Compression of outgoing payloads; nil disables compression. Incoming compressed payloads are always accepted.
	Compression *compress.Adapter

	// Pacing of outgoing reliable frames.
	Pacing pacing.Config

	// Rand is the source of ephemeral keys and random sequence numbers.
	Rand io.Reader
}

// DefaultConfig for the given PSK.
func DefaultConfig(psk envelope.PSK) Config {
	return Config{
		PSK:               psk,
		InitialRTO:        arq.DefaultInitialRTO,
		MinRTO:            arq.DefaultMinRTO,
		MaxRTO:            arq.DefaultMaxRTO,
		MaxRetries:        10,
		Window:            arq.DefaultWindow,
		HandshakeTimeout:  time.Second,
		HandshakeRetries:  5,
		KeepaliveInterval: 10 * time.Second,
		KeepaliveTimeout:  30 * time.Second,
		CloseGrace:        5 * time.Second,
		MaxClockSkew:      2 * time.Minute,
		Compression:       compress.NewAdapter(),
		Pacing:            pacing.DefaultConfig(),
		Rand:              rand.Reader,
	}
}

// CheckValid returns all configuration errors at once.
func (conf Config) CheckValid() (errs error) {
	if conf.PSK == (envelope.PSK{}) {
		errs = multierror.Append(errs, fmt.Errorf("pre-shared key is unset"))
	}

	if conf.MinRTO <= 0 || conf.MaxRTO < conf.MinRTO {
		errs = multierror.Append(errs, fmt.Errorf("RTO bounds [%v, %v] are invalid", conf.MinRTO, conf.MaxRTO))
	}
	if conf.InitialRTO <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("initial RTO %v must be positive", conf.InitialRTO))
	}
	if conf.MaxRetries < 1 {
		errs = multierror.Append(errs, fmt.Errorf("maximum retries %d must be positive", conf.MaxRetries))
	}
	if conf.Window < 64 {
		errs = multierror.Append(errs, fmt.Errorf("reorder window %d must cover the acknowledgement bitmap", conf.Window))
	}

	if conf.HandshakeTimeout <= 0 || conf.HandshakeRetries < 0 {
		errs = multierror.Append(errs, fmt.Errorf("handshake timeout %v with %d retries is invalid",
			conf.HandshakeTimeout, conf.HandshakeRetries))
	}
	if conf.KeepaliveInterval <= 0 || conf.KeepaliveTimeout <= conf.KeepaliveInterval {
		errs = multierror.Append(errs, fmt.Errorf("keepalive interval %v must be positive and below the timeout %v",
			conf.KeepaliveInterval, conf.KeepaliveTimeout))
	}
	if conf.CloseGrace <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("close grace %v must be positive", conf.CloseGrace))
	}
	if conf.MaxClockSkew <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("maximum clock skew %v must be positive", conf.MaxClockSkew))
	}

	if err := conf.Pacing.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if conf.Rand == nil {
		errs = multierror.Append(errs, fmt.Errorf("random source is unset"))
	}

	return
}
