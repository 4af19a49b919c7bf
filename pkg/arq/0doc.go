// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package arq implements the automatic repeat request machinery of a session.
//
// A Sender assigns sequence numbers and keeps every reliable frame until it was acknowledged, either cumulatively or
// by the selective bitmap. Entries are resent after their RTO expired, with an exponential backoff, or early after
// being overtaken by DefaultFastRetransmitThreshold selective acknowledgements. Exceeding the retry limit results in
// ErrRetransmitExhausted.
//
// A Receiver buffers out-of-order segments within its window and releases them gap-free and exactly once.
//
// The RTTEstimator follows RFC 6298 and additionally keeps a smoothed loss estimate for the pacing controller.
package arq
