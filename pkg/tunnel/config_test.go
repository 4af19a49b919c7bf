// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tunnel

import (
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
)

func TestConfigDecode(t *testing.T) {
	const data = `
peer = "192.0.2.1:4500"
psk  = "2323232323232323232323232323232323232323232323232323232323232323"

[arq]
min-rto     = "50ms"
max-retries = 23

[obfuscation]
max-jitter = "5ms"
mimic-tls  = true

[chaos]
loss-rate = 0.25
`

	conf := DefaultConfig()
	if _, err := toml.Decode(data, &conf); err != nil {
		t.Fatal(err)
	}

	if err := conf.CheckValid(); err != nil {
		t.Fatal(err)
	}

	if !conf.IsClient() {
		t.Fatalf("configured peer does not make a client")
	}
	if addr, err := conf.PeerAddr(); err != nil {
		t.Fatal(err)
	} else if addr != serverAddr {
		t.Fatalf("expected peer %v, got %v", serverAddr, addr)
	}

	if conf.ARQ.MinRTO.Duration != 50*time.Millisecond || conf.ARQ.MaxRetries != 23 {
		t.Fatalf("ARQ block was not decoded: %v", conf.ARQ)
	}
	if conf.Obfuscation.MaxJitter.Duration != 5*time.Millisecond || !conf.Obfuscation.MimicTLS {
		t.Fatalf("obfuscation block was not decoded: %v", conf.Obfuscation)
	}
	if conf.Chaos.LossRate != 0.25 {
		t.Fatalf("chaos block was not decoded: %v", conf.Chaos)
	}

	// Unset values keep their defaults.
	if conf.ARQ.MaxRTO != DefaultConfig().ARQ.MaxRTO {
		t.Fatalf("default max RTO was overwritten: %v", conf.ARQ.MaxRTO)
	}

	sc, err := conf.SessionConfig()
	if err != nil {
		t.Fatal(err)
	}
	if sc.MinRTO != 50*time.Millisecond || sc.Compression == nil {
		t.Fatalf("unexpected session config %v", sc)
	}
}

func TestConfigDecodeInvalidDuration(t *testing.T) {
	conf := DefaultConfig()
	if _, err := toml.Decode(`[arq]
min-rto = "fast"`, &conf); err == nil {
		t.Fatalf("invalid duration was decoded")
	}
}

func TestConfigCheckValid(t *testing.T) {
	conf := DefaultConfig()
	conf.PSK = "nope"
	conf.Obfuscation.MTU = 100
	conf.Chaos.LossRate = 1.5

	err := conf.CheckValid()
	if err == nil {
		t.Fatalf("invalid config was accepted")
	}

	merr, ok := err.(*multierror.Error)
	if !ok {
		t.Fatalf("expected a multierror, got %T", err)
	}
	if len(merr.Errors) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(merr.Errors), err)
	}
	if !strings.Contains(err.Error(), "loss rate") {
		t.Fatalf("loss rate error is missing: %v", err)
	}

	conf = testConfig("")
	if err := conf.CheckValid(); err != nil {
		t.Fatalf("test config is invalid: %v", err)
	}
}
