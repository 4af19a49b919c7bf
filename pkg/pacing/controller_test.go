// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pacing

import (
	"context"
	"math"
	"testing"
	"time"
)

type testClock struct {
	t time.Time
}

func (tc *testClock) now() time.Time {
	return tc.t
}

func (tc *testClock) advance(d time.Duration) {
	tc.t = tc.t.Add(d)
}

func newTestController(conf Config) (*Controller, *testClock) {
	clock := &testClock{t: time.Unix(1000, 0)}
	c := NewController(conf)
	c.now = clock.now
	return c, clock
}

func TestConfigCheckValid(t *testing.T) {
	valid := DefaultConfig()
	if err := valid.CheckValid(); err != nil {
		t.Fatal(err)
	}

	tests := []func(*Config){
		func(c *Config) { c.MinWindow = 0 },
		func(c *Config) { c.InitialWindow = c.MaxWindow + 1 },
		func(c *Config) { c.MinRate = 0 },
		func(c *Config) { c.MaxRate = c.MinRate / 2 },
		func(c *Config) { c.LossTolerance = 1.5 },
		func(c *Config) { c.DelayThreshold = 0 },
	}

	for i, mod := range tests {
		conf := DefaultConfig()
		mod(&conf)
		if err := conf.CheckValid(); err == nil {
			t.Fatalf("invalid config %d passed", i)
		}
	}
}

func TestControllerWindow(t *testing.T) {
	conf := DefaultConfig()
	conf.InitialWindow = 4
	conf.MinWindow = 1
	conf.MaxRate = 1_000_000

	c, clock := newTestController(conf)

	for i := 0; i < 4; i++ {
		if !c.CanSendNow() {
			t.Fatalf("send %d was blocked", i)
		}
		c.OnSent()
		clock.advance(time.Millisecond)
	}

	if c.CanSendNow() {
		t.Fatal("full window allowed another send")
	}

	c.OnFeedback(1, 0, 50*time.Millisecond)
	clock.advance(time.Millisecond)
	if !c.CanSendNow() {
		t.Fatalf("window is still blocked: %v", c)
	}
}

func TestControllerSlowStart(t *testing.T) {
	conf := DefaultConfig()
	conf.InitialWindow = 8

	c, _ := newTestController(conf)

	c.OnFeedback(8, 0, 50*time.Millisecond)
	if w := c.Window(); w != 16 {
		t.Fatalf("expected window 16 after slow start, got %f", w)
	}
}

func TestControllerLossDecrease(t *testing.T) {
	conf := DefaultConfig()
	c, clock := newTestController(conf)

	c.OnFeedback(1, 0, 50*time.Millisecond)
	before := c.Window()

	c.OnFeedback(0, 20, 0)
	expected := math.Max(conf.MinWindow, before*beta)
	if w := c.Window(); math.Abs(w-expected) > 1e-9 {
		t.Fatalf("expected window %f, got %f", expected, w)
	}

	// At most one decrease per smoothed RTT.
	c.OnFeedback(0, 5, 0)
	if w := c.Window(); math.Abs(w-expected) > 1e-9 {
		t.Fatalf("window decreased twice within one RTT: %f", w)
	}

	clock.advance(60 * time.Millisecond)
	c.OnFeedback(0, 5, 0)
	if w := c.Window(); math.Abs(w-math.Max(conf.MinWindow, expected*beta)) > 1e-9 {
		t.Fatalf("window was not decreased again: %f", w)
	}

	for i := 0; i < 20; i++ {
		clock.advance(time.Second)
		c.OnFeedback(0, 10, 0)
	}
	if w := c.Window(); w != conf.MinWindow {
		t.Fatalf("window %f is not bounded by %f", w, conf.MinWindow)
	}
}

func TestControllerRandomLoss(t *testing.T) {
	conf := DefaultConfig()
	c, clock := newTestController(conf)

	// 30% random loss without any queueing delay is no congestion.
	for i := 0; i < 1000; i++ {
		clock.advance(5 * time.Millisecond)
		c.OnFeedback(7, 3, 50*time.Millisecond)
	}

	if w := c.Window(); w < conf.InitialWindow {
		t.Fatalf("window collapsed to %f", w)
	}
	if l := c.Loss(); l < 0.2 || l > conf.LossTolerance {
		t.Fatalf("unexpected loss estimate %f", l)
	}
}

func TestControllerDelayDecrease(t *testing.T) {
	conf := DefaultConfig()
	c, clock := newTestController(conf)

	c.OnFeedback(1, 0, 50*time.Millisecond)
	before := c.Window()

	clock.advance(time.Second)
	c.OnFeedback(1, 0, 50*time.Millisecond+conf.DelayThreshold+time.Millisecond)
	if w := c.Window(); w >= before {
		t.Fatalf("queueing delay did not decrease the window %f", w)
	}
}

func TestControllerRate(t *testing.T) {
	conf := DefaultConfig()
	conf.InitialWindow = 10
	conf.MinWindow = 1

	c, _ := newTestController(conf)

	if r := c.Rate(); r != conf.MaxRate {
		t.Fatalf("expected maximum rate without RTT sample, got %f", r)
	}

	// Acknowledging nothing keeps the window, only the RTT sample is taken.
	c.OnFeedback(0, 0, 100*time.Millisecond)
	if r := c.Rate(); math.Abs(r-100) > 1e-6 {
		t.Fatalf("expected rate 100/s, got %f", r)
	}
}

func TestControllerWait(t *testing.T) {
	conf := DefaultConfig()
	conf.InitialWindow = 1
	conf.MinWindow = 1

	c := NewController(conf)
	c.OnSent()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Wait(ctx); err == nil {
		t.Fatal("Wait returned on a full window")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.OnFeedback(1, 0, 10*time.Millisecond)
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := c.Wait(ctx2); err != nil {
		t.Fatal(err)
	}
}
