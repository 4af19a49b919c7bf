// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package pacing decides when a session may emit its next reliable frame.
//
// The Controller combines an AIMD congestion window with a token bucket, which spreads the window over one smoothed
// round-trip time. It is decoupled from the ARQ and only sees counts of sent, acknowledged and lost transmissions
// together with RTT samples.
//
// Random loss on lossy links must not be mistaken for congestion. Thus, the window is only decreased when the
// smoothed loss exceeds a tolerance clearly above the expected link loss, or when the queueing delay, the difference
// between the current and the minimal RTT, exceeds a threshold.
package pacing

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	beta     = 0.7
	rttGain  = 0.125
	lossGain = 1.0 / 16

	// windowWait bounds the time a Wait blocks on a full window without any feedback.
	windowWait = 10 * time.Millisecond
)

// Config of a Controller.
type Config struct {
	// InitialWindow, MinWindow and MaxWindow bound the congestion window in frames.
	InitialWindow float64
	MinWindow     float64
	MaxWindow     float64

	// MinRate and MaxRate bound the pacing rate in frames per second.
	MinRate float64
	MaxRate float64

	// LossTolerance is the smoothed loss fraction above which the window is decreased.
	LossTolerance float64

	// DelayThreshold is the queueing delay above which the window is decreased.
	DelayThreshold time.Duration
}

// DefaultConfig for links with up to 30% random loss.
func DefaultConfig() Config {
	return Config{
		InitialWindow:  32,
		MinWindow:      8,
		MaxWindow:      1024,
		MinRate:        50,
		MaxRate:        100_000,
		LossTolerance:  0.4,
		DelayThreshold: 100 * time.Millisecond,
	}
}

// CheckValid returns an error for inconsistent bounds.
func (conf Config) CheckValid() error {
	switch {
	case conf.MinWindow < 1:
		return fmt.Errorf("minimal window %f must be at least 1", conf.MinWindow)
	case conf.InitialWindow < conf.MinWindow || conf.InitialWindow > conf.MaxWindow:
		return fmt.Errorf("initial window %f exceeds [%f, %f]", conf.InitialWindow, conf.MinWindow, conf.MaxWindow)
	case conf.MinRate <= 0 || conf.MaxRate < conf.MinRate:
		return fmt.Errorf("rate bounds [%f, %f] are invalid", conf.MinRate, conf.MaxRate)
	case conf.LossTolerance <= 0 || conf.LossTolerance > 1:
		return fmt.Errorf("loss tolerance %f exceeds (0, 1]", conf.LossTolerance)
	case conf.DelayThreshold <= 0:
		return fmt.Errorf("delay threshold %v must be positive", conf.DelayThreshold)
	default:
		return nil
	}
}

// Controller paces one session. It is safe for concurrent use.
type Controller struct {
	conf Config
	now  func() time.Time

	mutex sync.Mutex

	cwnd        float64
	ssthresh    float64
	outstanding int

	srtt   time.Duration
	minRTT time.Duration
	loss   float64

	lastDecrease time.Time

	limiter *rate.Limiter
	notify  chan struct{}
}

// NewController for a validated Config.
func NewController(conf Config) *Controller {
	c := &Controller{
		conf:     conf,
		now:      time.Now,
		cwnd:     conf.InitialWindow,
		ssthresh: conf.MaxWindow,
		notify:   make(chan struct{}),
	}
	c.limiter = rate.NewLimiter(rate.Limit(c.rateLocked()), c.burstLocked())
	return c
}

func (c *Controller) rateLocked() float64 {
	if c.srtt <= 0 {
		return c.conf.MaxRate
	}

	r := c.cwnd / c.srtt.Seconds()
	return math.Max(c.conf.MinRate, math.Min(c.conf.MaxRate, r))
}

func (c *Controller) burstLocked() int {
	return int(math.Max(1, c.cwnd/4))
}

// canSendLocked reports if a frame may be sent now. Otherwise, a hint how long to wait is returned.
func (c *Controller) canSendLocked(now time.Time) (bool, time.Duration) {
	if float64(c.outstanding) >= math.Floor(c.cwnd) {
		return false, windowWait
	}

	if tokens := c.limiter.TokensAt(now); tokens < 1 {
		wait := time.Duration((1 - tokens) / float64(c.limiter.Limit()) * float64(time.Second))
		if wait <= 0 {
			wait = time.Millisecond
		}
		return false, wait
	}

	return true, 0
}

// CanSendNow reports whether both the congestion window and the pacing rate allow another frame.
func (c *Controller) CanSendNow() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	ok, _ := c.canSendLocked(c.now())
	return ok
}

// Wait blocks until CanSendNow would return true or the context is done.
func (c *Controller) Wait(ctx context.Context) error {
	for {
		c.mutex.Lock()
		ok, wait := c.canSendLocked(c.now())
		notify := c.notify
		c.mutex.Unlock()

		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case <-notify:
			timer.Stop()

		case <-timer.C:
		}
	}
}

// OnSent accounts for one transmission, including retransmissions.
func (c *Controller) OnSent() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.outstanding++
	c.limiter.ReserveN(c.now(), 1)
}

// OnFeedback accounts for acked and lost transmissions and an optional RTT sample, zero if unavailable.
func (c *Controller) OnFeedback(acked, lost int, rtt time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()

	c.outstanding -= acked + lost
	if c.outstanding < 0 {
		c.outstanding = 0
	}

	for i := 0; i < acked; i++ {
		c.loss -= lossGain * c.loss
	}
	for i := 0; i < lost; i++ {
		c.loss += lossGain * (1 - c.loss)
	}

	if rtt > 0 {
		if c.srtt == 0 {
			c.srtt = rtt
		} else {
			c.srtt = time.Duration((1-rttGain)*float64(c.srtt) + rttGain*float64(rtt))
		}
		if c.minRTT == 0 || rtt < c.minRTT {
			c.minRTT = rtt
		}
	}

	congested := c.loss > c.conf.LossTolerance || (rtt > 0 && rtt-c.minRTT > c.conf.DelayThreshold)
	if congested {
		if c.lastDecrease.IsZero() || now.Sub(c.lastDecrease) >= c.srtt {
			c.ssthresh = math.Max(c.conf.MinWindow, c.cwnd*beta)
			c.cwnd = c.ssthresh
			c.lastDecrease = now
		}
	} else if acked > 0 {
		if c.cwnd < c.ssthresh {
			c.cwnd += float64(acked)
		} else {
			c.cwnd += float64(acked) / c.cwnd
		}
		c.cwnd = math.Min(c.cwnd, c.conf.MaxWindow)
	}

	c.limiter.SetLimitAt(now, rate.Limit(c.rateLocked()))
	c.limiter.SetBurstAt(now, c.burstLocked())

	close(c.notify)
	c.notify = make(chan struct{})
}

// Reset forgets all outstanding transmissions, e.g., after the session's retransmission queue was cleared.
func (c *Controller) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.outstanding = 0
	close(c.notify)
	c.notify = make(chan struct{})
}

// Window is the current congestion window in frames.
func (c *Controller) Window() float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.cwnd
}

// Rate is the current pacing rate in frames per second.
func (c *Controller) Rate() float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.rateLocked()
}

// Loss is the controller's smoothed loss estimate.
func (c *Controller) Loss() float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.loss
}

func (c *Controller) String() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return fmt.Sprintf("Pacing(cwnd=%.1f, ssthresh=%.1f, outstanding=%d, rate=%.0f/s, loss=%.3f)",
		c.cwnd, c.ssthresh, c.outstanding, c.rateLocked(), c.loss)
}
