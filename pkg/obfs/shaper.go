// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package obfs

import (
	"errors"
	mrand "math/rand/v2"
	"net/netip"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultMaxJitter is the upper bound of the per-datagram delay.
const DefaultMaxJitter = 15 * time.Millisecond

// shaperQueueSize bounds the datagrams awaiting their release.
const shaperQueueSize = 4096

// ErrShaperClosed is returned when submitting to a closed Shaper.
var ErrShaperClosed = errors.New("shaper is closed")

// SendFunc transmits one datagram to a peer.
type SendFunc func(addr netip.AddrPort, datagram []byte) error

type shaped struct {
	addr     netip.AddrPort
	datagram []byte
	release  time.Time
}

// Shaper delays outgoing datagrams by a random jitter. Release times are monotonic, so datagrams leave in the order
// they were submitted.
type Shaper struct {
	send SendFunc

	jitterMutex sync.RWMutex
	minJitter   time.Duration
	maxJitter   time.Duration

	// submitMutex orders release times and queue insertion.
	submitMutex sync.Mutex
	lastRelease time.Time

	queue chan shaped

	stopSyn  chan struct{}
	stopAck  chan struct{}
	stopOnce sync.Once
}

// NewShaper sending through send and starts its sender goroutine.
func NewShaper(send SendFunc, minJitter, maxJitter time.Duration) *Shaper {
	s := &Shaper{
		send:    send,
		queue:   make(chan shaped, shaperQueueSize),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
	s.SetJitter(minJitter, maxJitter)

	go s.handler()

	return s
}

// SetJitter changes the jitter bounds; invalid bounds are clamped.
func (s *Shaper) SetJitter(minJitter, maxJitter time.Duration) {
	if minJitter < 0 {
		minJitter = 0
	}
	if maxJitter < minJitter {
		maxJitter = minJitter
	}

	s.jitterMutex.Lock()
	s.minJitter, s.maxJitter = minJitter, maxJitter
	s.jitterMutex.Unlock()
}

// Jitter returns the current jitter bounds.
func (s *Shaper) Jitter() (minJitter, maxJitter time.Duration) {
	s.jitterMutex.RLock()
	defer s.jitterMutex.RUnlock()

	return s.minJitter, s.maxJitter
}

func (s *Shaper) jitter() time.Duration {
	minJitter, maxJitter := s.Jitter()
	if maxJitter == minJitter {
		return minJitter
	}
	return minJitter + time.Duration(mrand.Int64N(int64(maxJitter-minJitter)+1))
}

// Submit a datagram for its delayed transmission. Submit only blocks if the queue is full.
func (s *Shaper) Submit(addr netip.AddrPort, datagram []byte) error {
	s.submitMutex.Lock()
	defer s.submitMutex.Unlock()

	release := time.Now().Add(s.jitter())
	if release.Before(s.lastRelease) {
		release = s.lastRelease
	}
	s.lastRelease = release

	select {
	case <-s.stopSyn:
		return ErrShaperClosed
	default:
	}

	select {
	case s.queue <- shaped{addr: addr, datagram: datagram, release: release}:
		return nil
	case <-s.stopSyn:
		return ErrShaperClosed
	}
}

func (s *Shaper) emit(item shaped) {
	if err := s.send(item.addr, item.datagram); err != nil {
		log.WithFields(log.Fields{
			"peer":  item.addr,
			"error": err,
		}).Debug("Shaper failed to send datagram")
	}
}

// handler is the sender goroutine.
func (s *Shaper) handler() {
	defer close(s.stopAck)

	for {
		select {
		case <-s.stopSyn:
			s.drain()
			return

		case item := <-s.queue:
			if wait := time.Until(item.release); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-s.stopSyn:
					timer.Stop()
				}
			}
			s.emit(item)
		}
	}
}

// drain sends all queued datagrams without further delay.
func (s *Shaper) drain() {
	for {
		select {
		case item := <-s.queue:
			s.emit(item)
		default:
			return
		}
	}
}

// Close the Shaper. Queued datagrams are sent immediately.
func (s *Shaper) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopSyn)
	})
	<-s.stopAck

	return nil
}
