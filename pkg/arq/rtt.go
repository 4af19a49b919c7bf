// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package arq

import (
	"fmt"
	"time"
)

// Defaults for the RTTEstimator.
const (
	DefaultInitialRTO = 500 * time.Millisecond
	DefaultMinRTO     = 100 * time.Millisecond
	DefaultMaxRTO     = 8 * time.Second

	rttAlpha = 0.125
	rttBeta  = 0.25
	lossGain = 1.0 / 16
)

// RTTEstimator keeps the smoothed round-trip time and its variance as described in RFC 6298, as well as a smoothed
// loss estimate.
type RTTEstimator struct {
	minRTO time.Duration
	maxRTO time.Duration

	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration

	loss float64
}

// NewRTTEstimator starting at the initial RTO, which is clamped to [minRTO, maxRTO].
func NewRTTEstimator(initialRTO, minRTO, maxRTO time.Duration) *RTTEstimator {
	e := &RTTEstimator{
		minRTO: minRTO,
		maxRTO: maxRTO,
		rto:    initialRTO,
	}
	e.rto = e.clamp(e.rto)
	return e
}

func (e *RTTEstimator) clamp(rto time.Duration) time.Duration {
	if rto < e.minRTO {
		return e.minRTO
	}
	if rto > e.maxRTO {
		return e.maxRTO
	}
	return rto
}

// Update the estimate with a new RTT sample.
func (e *RTTEstimator) Update(sample time.Duration) {
	if sample <= 0 {
		sample = time.Microsecond
	}

	if e.srtt == 0 {
		e.srtt = sample
		e.rttvar = sample / 2
	} else {
		diff := e.srtt - sample
		if diff < 0 {
			diff = -diff
		}

		e.rttvar = time.Duration((1-rttBeta)*float64(e.rttvar) + rttBeta*float64(diff))
		e.srtt = time.Duration((1-rttAlpha)*float64(e.srtt) + rttAlpha*float64(sample))
	}

	e.rto = e.clamp(e.srtt + 4*e.rttvar)
}

// OnDelivery feeds the loss estimate with acked successful and lost failed deliveries.
func (e *RTTEstimator) OnDelivery(acked, lost int) {
	for i := 0; i < acked; i++ {
		e.loss += lossGain * (0 - e.loss)
	}
	for i := 0; i < lost; i++ {
		e.loss += lossGain * (1 - e.loss)
	}
}

// Backoff doubles rto, capped at the maximum RTO.
func (e *RTTEstimator) Backoff(rto time.Duration) time.Duration {
	return e.clamp(2 * rto)
}

// RTO is the current retransmission timeout.
func (e *RTTEstimator) RTO() time.Duration {
	return e.rto
}

// SRTT is the smoothed round-trip time; zero before the first sample.
func (e *RTTEstimator) SRTT() time.Duration {
	return e.srtt
}

// RTTVar is the round-trip time variance.
func (e *RTTEstimator) RTTVar() time.Duration {
	return e.rttvar
}

// Loss is the smoothed fraction of lost transmissions.
func (e *RTTEstimator) Loss() float64 {
	return e.loss
}

func (e *RTTEstimator) String() string {
	return fmt.Sprintf("RTT(srtt=%v, rttvar=%v, rto=%v, loss=%.3f)", e.srtt, e.rttvar, e.rto, e.loss)
}
