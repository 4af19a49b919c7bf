// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tunnel

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ghostwire/ghostwire-go/pkg/compress"
	"github.com/ghostwire/ghostwire-go/pkg/envelope"
	"github.com/ghostwire/ghostwire-go/pkg/obfs"
	"github.com/ghostwire/ghostwire-go/pkg/pacing"
	"github.com/ghostwire/ghostwire-go/pkg/session"
)

// minMTU is the smallest datagram size every IPv4 path must support.
const minMTU = 576

// Duration is a time.Duration, written as a string like "250ms" within a TOML file.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Duration by time.ParseDuration.
func (d *Duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return
}

// MarshalText is the inverse of UnmarshalText.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ARQConfig configures the retransmissions and the reorder buffer.
type ARQConfig struct {
	InitialRTO Duration `toml:"initial-rto"`
	MinRTO     Duration `toml:"min-rto"`
	MaxRTO     Duration `toml:"max-rto"`
	MaxRetries int      `toml:"max-retries"`
	Window     int      `toml:"window"`
}

// PacingConfig configures the congestion window and the pacing rate, see pacing.Config.
type PacingConfig struct {
	InitialWindow  float64  `toml:"initial-window"`
	MinWindow      float64  `toml:"min-window"`
	MaxWindow      float64  `toml:"max-window"`
	MinRate        float64  `toml:"min-rate"`
	MaxRate        float64  `toml:"max-rate"`
	LossTolerance  float64  `toml:"loss-tolerance"`
	DelayThreshold Duration `toml:"delay-threshold"`
}

// CompressionConfig configures the entropy heuristic, see compress.Adapter.
type CompressionConfig struct {
	Enabled    bool    `toml:"enabled"`
	Threshold  float64 `toml:"entropy-threshold"`
	SampleSize int     `toml:"sample-size"`
	MinSize    int     `toml:"min-size"`
}

// ObfuscationConfig configures the padding, the timing jitter and the TLS decoy.
type ObfuscationConfig struct {
	Padding    bool     `toml:"padding"`
	PadQuantum int      `toml:"pad-quantum"`
	PadExtra   int      `toml:"pad-extra"`
	MTU        int      `toml:"mtu"`
	MinJitter  Duration `toml:"min-jitter"`
	MaxJitter  Duration `toml:"max-jitter"`
	MimicTLS   bool     `toml:"mimic-tls"`
}

// SessionConfig configures the handshake, keepalives and the teardown.
type SessionConfig struct {
	HandshakeTimeout  Duration `toml:"handshake-timeout"`
	HandshakeRetries  int      `toml:"handshake-retries"`
	KeepaliveInterval Duration `toml:"keepalive-interval"`
	KeepaliveTimeout  Duration `toml:"keepalive-timeout"`
	CloseGrace        Duration `toml:"close-grace"`
	MaxClockSkew      Duration `toml:"max-clock-skew"`

	// RedialInterval is the client's delay before opening a new session after the last one was closed.
	RedialInterval Duration `toml:"redial-interval"`

	// AuthAlertThreshold of authentication failures per minute raising a SecurityAlert; zero disables alerts.
	AuthAlertThreshold int `toml:"auth-alert-threshold"`
}

// ChaosConfig simulates a lossy link by dropping outgoing datagrams.
type ChaosConfig struct {
	// LossRate is the fraction of dropped datagrams within [0, 1).
	LossRate float64 `toml:"loss-rate"`

	// Seed of the loss simulation; zero seeds from the clock.
	Seed uint64 `toml:"seed"`
}

// Config of an Engine, usually read from the [tunnel] block of a TOML file. Start from DefaultConfig.
type Config struct {
	// Peer to connect to as a client, e.g., "192.0.2.1:4500". An empty Peer makes a server, accepting the first
	// valid handshake.
	Peer string `toml:"peer"`

	// PSK is the hex encoded pre-shared key.
	PSK string `toml:"psk"`

	ARQ         ARQConfig         `toml:"arq"`
	Pacing      PacingConfig      `toml:"pacing"`
	Compression CompressionConfig `toml:"compression"`
	Obfuscation ObfuscationConfig `toml:"obfuscation"`
	Session     SessionConfig     `toml:"session"`
	Chaos       ChaosConfig       `toml:"chaos"`
}

// DefaultConfig for a server, apart from the PSK.
func DefaultConfig() Config {
	sc := session.DefaultConfig(envelope.PSK{})
	pc := pacing.DefaultConfig()

	return Config{
		ARQ: ARQConfig{
			InitialRTO: Duration{sc.InitialRTO},
			MinRTO:     Duration{sc.MinRTO},
			MaxRTO:     Duration{sc.MaxRTO},
			MaxRetries: sc.MaxRetries,
			Window:     sc.Window,
		},
		Pacing: PacingConfig{
			InitialWindow:  pc.InitialWindow,
			MinWindow:      pc.MinWindow,
			MaxWindow:      pc.MaxWindow,
			MinRate:        pc.MinRate,
			MaxRate:        pc.MaxRate,
			LossTolerance:  pc.LossTolerance,
			DelayThreshold: Duration{pc.DelayThreshold},
		},
		Compression: CompressionConfig{
			Enabled:    true,
			Threshold:  compress.DefaultThreshold,
			SampleSize: compress.DefaultSampleSize,
			MinSize:    compress.DefaultMinSize,
		},
		Obfuscation: ObfuscationConfig{
			Padding:    true,
			PadQuantum: obfs.DefaultQuantum,
			PadExtra:   obfs.DefaultMaxExtra,
			MTU:        obfs.DefaultMTU,
			MaxJitter:  Duration{obfs.DefaultMaxJitter},
		},
		Session: SessionConfig{
			HandshakeTimeout:   Duration{sc.HandshakeTimeout},
			HandshakeRetries:   sc.HandshakeRetries,
			KeepaliveInterval:  Duration{sc.KeepaliveInterval},
			KeepaliveTimeout:   Duration{sc.KeepaliveTimeout},
			CloseGrace:         Duration{sc.CloseGrace},
			MaxClockSkew:       Duration{sc.MaxClockSkew},
			RedialInterval:     Duration{5 * time.Second},
			AuthAlertThreshold: 100,
		},
	}
}

// IsClient reports whether a Peer is configured.
func (conf Config) IsClient() bool {
	return conf.Peer != ""
}

// PeerAddr resolves the configured Peer.
func (conf Config) PeerAddr() (netip.AddrPort, error) {
	if addr, err := netip.ParseAddrPort(conf.Peer); err == nil {
		return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", conf.Peer)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolving peer %q: %w", conf.Peer, err)
	}
	addr := udpAddr.AddrPort()
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), nil
}

// compression creates the compress.Adapter, nil if compression is disabled.
func (conf Config) compression() *compress.Adapter {
	if !conf.Compression.Enabled {
		return nil
	}

	a := compress.NewAdapter()
	a.Threshold = conf.Compression.Threshold
	a.SampleSize = conf.Compression.SampleSize
	a.MinSize = conf.Compression.MinSize
	return a
}

// SessionConfig derives the session.Config, including the parsed PSK.
func (conf Config) SessionConfig() (session.Config, error) {
	psk, err := envelope.ParsePSK(conf.PSK)
	if err != nil {
		return session.Config{}, err
	}

	sc := session.DefaultConfig(psk)

	sc.InitialRTO = conf.ARQ.InitialRTO.Duration
	sc.MinRTO = conf.ARQ.MinRTO.Duration
	sc.MaxRTO = conf.ARQ.MaxRTO.Duration
	sc.MaxRetries = conf.ARQ.MaxRetries
	sc.Window = conf.ARQ.Window

	sc.HandshakeTimeout = conf.Session.HandshakeTimeout.Duration
	sc.HandshakeRetries = conf.Session.HandshakeRetries
	sc.KeepaliveInterval = conf.Session.KeepaliveInterval.Duration
	sc.KeepaliveTimeout = conf.Session.KeepaliveTimeout.Duration
	sc.CloseGrace = conf.Session.CloseGrace.Duration
	sc.MaxClockSkew = conf.Session.MaxClockSkew.Duration

	sc.Compression = conf.compression()

	sc.Pacing = pacing.Config{
		InitialWindow:  conf.Pacing.InitialWindow,
		MinWindow:      conf.Pacing.MinWindow,
		MaxWindow:      conf.Pacing.MaxWindow,
		MinRate:        conf.Pacing.MinRate,
		MaxRate:        conf.Pacing.MaxRate,
		LossTolerance:  conf.Pacing.LossTolerance,
		DelayThreshold: conf.Pacing.DelayThreshold.Duration,
	}

	return sc, nil
}

// CheckValid returns all configuration errors at once.
func (conf Config) CheckValid() (errs error) {
	if sc, err := conf.SessionConfig(); err != nil {
		errs = multierror.Append(errs, err)
	} else if err := sc.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if conf.Compression.Enabled {
		if conf.Compression.Threshold <= 0 || conf.Compression.Threshold > 8 {
			errs = multierror.Append(errs, fmt.Errorf("entropy threshold %f is outside (0, 8]", conf.Compression.Threshold))
		}
		if conf.Compression.SampleSize < 1 {
			errs = multierror.Append(errs, fmt.Errorf("entropy sample size %d must be positive", conf.Compression.SampleSize))
		}
	}

	obfsConf := conf.Obfuscation
	if obfsConf.MTU < minMTU {
		errs = multierror.Append(errs, fmt.Errorf("MTU %d is below %d", obfsConf.MTU, minMTU))
	}
	if obfsConf.PadQuantum < 0 || obfsConf.PadExtra < 0 {
		errs = multierror.Append(errs, fmt.Errorf("padding quantum %d and extra %d must not be negative",
			obfsConf.PadQuantum, obfsConf.PadExtra))
	}
	if obfsConf.MinJitter.Duration < 0 || obfsConf.MaxJitter.Duration < obfsConf.MinJitter.Duration {
		errs = multierror.Append(errs, fmt.Errorf("jitter bounds [%v, %v] are invalid",
			obfsConf.MinJitter, obfsConf.MaxJitter))
	}

	if conf.IsClient() && conf.Session.RedialInterval.Duration <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("redial interval %v must be positive", conf.Session.RedialInterval))
	}
	if conf.Session.AuthAlertThreshold < 0 {
		errs = multierror.Append(errs, fmt.Errorf("auth alert threshold %d must not be negative",
			conf.Session.AuthAlertThreshold))
	}

	if conf.Chaos.LossRate < 0 || conf.Chaos.LossRate >= 1 {
		errs = multierror.Append(errs, fmt.Errorf("simulated loss rate %f is outside [0, 1)", conf.Chaos.LossRate))
	}

	return
}
