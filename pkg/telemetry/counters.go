// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package telemetry provides the tunnel's counters and exposes their snapshots over HTTP.
//
// Counters are updated lock-free by the engine's loops. A Snapshot never blocks them and may be taken at any time,
// e.g., by the HTTP handler or a websocket stream.
package telemetry

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Counters of a tunnel engine, safe for concurrent use.
type Counters struct {
	FramesSent     atomic.Uint64
	FramesReceived atomic.Uint64
	BytesSent      atomic.Uint64
	BytesReceived  atomic.Uint64

	Retransmitted  atomic.Uint64
	Duplicates     atomic.Uint64
	Delivered      atomic.Uint64
	Dropped        atomic.Uint64
	SimulatedDrops atomic.Uint64

	Malformed             atomic.Uint64
	AuthFailures          atomic.Uint64
	DecompressionFailures atomic.Uint64
	Replays               atomic.Uint64

	SessionsEstablished atomic.Uint64
	SessionsClosed      atomic.Uint64
}

// Counts are the values of Counters at one point in time.
type Counts struct {
	FramesSent     uint64 `json:"frames-sent"`
	FramesReceived uint64 `json:"frames-received"`
	BytesSent      uint64 `json:"bytes-sent"`
	BytesReceived  uint64 `json:"bytes-received"`

	Retransmitted  uint64 `json:"retransmitted"`
	Duplicates     uint64 `json:"duplicates"`
	Delivered      uint64 `json:"delivered"`
	Dropped        uint64 `json:"dropped"`
	SimulatedDrops uint64 `json:"simulated-drops"`

	Malformed             uint64 `json:"malformed"`
	AuthFailures          uint64 `json:"auth-failures"`
	DecompressionFailures uint64 `json:"decompression-failures"`
	Replays               uint64 `json:"replays"`

	SessionsEstablished uint64 `json:"sessions-established"`
	SessionsClosed      uint64 `json:"sessions-closed"`
}

// Load all Counters.
func (c *Counters) Load() Counts {
	return Counts{
		FramesSent:     c.FramesSent.Load(),
		FramesReceived: c.FramesReceived.Load(),
		BytesSent:      c.BytesSent.Load(),
		BytesReceived:  c.BytesReceived.Load(),

		Retransmitted:  c.Retransmitted.Load(),
		Duplicates:     c.Duplicates.Load(),
		Delivered:      c.Delivered.Load(),
		Dropped:        c.Dropped.Load(),
		SimulatedDrops: c.SimulatedDrops.Load(),

		Malformed:             c.Malformed.Load(),
		AuthFailures:          c.AuthFailures.Load(),
		DecompressionFailures: c.DecompressionFailures.Load(),
		Replays:               c.Replays.Load(),

		SessionsEstablished: c.SessionsEstablished.Load(),
		SessionsClosed:      c.SessionsClosed.Load(),
	}
}

// SessionInfo describes the current session of a Snapshot.
type SessionInfo struct {
	Peer     string  `json:"peer"`
	Role     string  `json:"role"`
	State    string  `json:"state"`
	SRTT     float64 `json:"srtt-ms"`
	RTO      float64 `json:"rto-ms"`
	Loss     float64 `json:"loss"`
	Window   float64 `json:"window"`
	InFlight int     `json:"in-flight"`
	Buffered int     `json:"buffered"`
}

// Snapshot of a tunnel engine.
type Snapshot struct {
	Time     time.Time    `json:"time"`
	Counters Counts       `json:"counters"`
	Session  *SessionInfo `json:"session,omitempty"`
}

// Throughput in bytes per second between an older Snapshot and this one.
func (s Snapshot) Throughput(older Snapshot) (sent, received float64) {
	d := s.Time.Sub(older.Time).Seconds()
	if d <= 0 {
		return 0, 0
	}

	sent = float64(s.Counters.BytesSent-older.Counters.BytesSent) / d
	received = float64(s.Counters.BytesReceived-older.Counters.BytesReceived) / d
	return
}

func (s Snapshot) String() string {
	if s.Session == nil {
		return fmt.Sprintf("Snapshot(%v, no session)", s.Time.Format(time.RFC3339))
	}
	return fmt.Sprintf("Snapshot(%v, %s %s, srtt=%.1fms, loss=%.3f)",
		s.Time.Format(time.RFC3339), s.Session.Peer, s.Session.State, s.Session.SRTT, s.Session.Loss)
}

// Milliseconds of a time.Duration as a float, as used in SessionInfo.
func Milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Source of Snapshots, e.g., the tunnel engine.
type Source interface {
	Snapshot() Snapshot
}
