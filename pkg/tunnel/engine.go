// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/ghostwire/ghostwire-go/pkg/compress"
	"github.com/ghostwire/ghostwire-go/pkg/envelope"
	"github.com/ghostwire/ghostwire-go/pkg/frame"
	"github.com/ghostwire/ghostwire-go/pkg/obfs"
	"github.com/ghostwire/ghostwire-go/pkg/session"
	"github.com/ghostwire/ghostwire-go/pkg/telemetry"
	"github.com/ghostwire/ghostwire-go/pkg/tunnel/internal/schedule"
)

// ErrEngineClosed is the reason of sessions aborted by closing their Engine.
var ErrEngineClosed = errors.New("engine closed")

// statusChanSize of the Engine's return channel. Status updates are dropped if the channel is full.
const statusChanSize = 64

// timerKey identifies one timer of a session within the scheduler.
type timerKey struct {
	peer    netip.AddrPort
	purpose session.Purpose
}

// link wraps a Session. Its mutex spans an operation and the application of its Output, keeping the order of
// datagrams, deliveries and timer updates.
type link struct {
	mutex   sync.Mutex
	session *session.Session
}

// Engine connects a TUN device to one peer over a Socket.
//
// The Engine runs a receive loop (Socket to TUN), a send loop (TUN to Socket) and a scheduler loop, serving the
// sessions' timers. Sessions perform no I/O themselves; the Engine carries out their Outputs.
type Engine struct {
	conf     Config
	sessConf session.Config
	client   bool
	peer     netip.AddrPort

	tun  TUN
	sock Socket

	sessions    sync.Map // netip.AddrPort -> *link
	acceptMutex sync.Mutex

	timerMutex sync.Mutex
	timers     *schedule.Queue[timerKey]
	timerWake  chan struct{}

	padder *obfs.Padder
	shaper *obfs.Shaper

	chaosMutex sync.Mutex
	chaosRand  *rand.Rand
	lossRate   float64

	alertMutex  sync.Mutex
	alertWindow time.Time
	alertCount  int

	counters   telemetry.Counters
	statusChan chan Status

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeMutex sync.Mutex
	closing    bool
	closeOnce  sync.Once
	closeErr   error
}

// NewEngine for a validated Config. The Engine must be started by Start.
func NewEngine(conf Config, tun TUN, sock Socket) (*Engine, error) {
	if err := conf.CheckValid(); err != nil {
		return nil, err
	}

	sessConf, err := conf.SessionConfig()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		conf:     conf,
		sessConf: sessConf,
		client:   conf.IsClient(),

		tun:  tun,
		sock: sock,

		timers:    schedule.NewQueue[timerKey](),
		timerWake: make(chan struct{}, 1),

		padder: obfs.NewPadder(conf.Obfuscation.PadQuantum, conf.Obfuscation.PadExtra, conf.Obfuscation.MTU),

		lossRate: conf.Chaos.LossRate,

		statusChan: make(chan Status, statusChanSize),
	}

	if e.client {
		if e.peer, err = conf.PeerAddr(); err != nil {
			return nil, err
		}
	}

	e.padder.Disabled = !conf.Obfuscation.Padding

	seed := conf.Chaos.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	e.chaosRand = rand.New(rand.NewPCG(seed, seed>>32|seed<<32))

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.shaper = obfs.NewShaper(e.sendDatagram, conf.Obfuscation.MinJitter.Duration, conf.Obfuscation.MaxJitter.Duration)

	return e, nil
}

func (e *Engine) log() *log.Entry {
	fields := log.Fields{"client": e.client}
	if e.client {
		fields["peer"] = e.peer
	}
	return log.WithFields(fields)
}

func (e *Engine) String() string {
	if e.client {
		return fmt.Sprintf("Engine(client of %v)", e.peer)
	}
	return "Engine(server)"
}

// Start the Engine's loops. A client opens its first session.
func (e *Engine) Start() {
	e.wg.Add(3)
	go e.receiveLoop()
	go e.sendLoop()
	go e.scheduleLoop()

	if e.client {
		e.dial()
	}

	e.log().Info("Engine started")
}

// Channel of Status updates. The Channel is closed after the Engine was closed.
func (e *Engine) Channel() <-chan Status {
	return e.statusChan
}

// isClosing reports whether Shutdown or Close were called.
func (e *Engine) isClosing() bool {
	e.closeMutex.Lock()
	defer e.closeMutex.Unlock()
	return e.closing
}

// goTracked runs f in a goroutine tracked by the WaitGroup, unless the Engine is closing.
func (e *Engine) goTracked(f func()) bool {
	e.closeMutex.Lock()
	defer e.closeMutex.Unlock()

	if e.closing {
		return false
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		f()
	}()
	return true
}

// status sends a Status without blocking.
func (e *Engine) status(s Status) {
	select {
	case e.statusChan <- s:
	default:
		e.log().WithField("status", s).Debug("Dropping status update, channel is full")
	}
}

// sendDatagram is the Shaper's SendFunc.
func (e *Engine) sendDatagram(addr netip.AddrPort, datagram []byte) error {
	if err := e.sock.SendDatagram(addr, datagram); err != nil {
		return err
	}

	e.counters.FramesSent.Add(1)
	e.counters.BytesSent.Add(uint64(len(datagram)))
	return nil
}

// simulateLoss decides whether an outgoing datagram is dropped on purpose.
func (e *Engine) simulateLoss() bool {
	e.chaosMutex.Lock()
	defer e.chaosMutex.Unlock()

	return e.lossRate > 0 && e.chaosRand.Float64() < e.lossRate
}

// transmit pads and submits a datagram to the Shaper.
func (e *Engine) transmit(peer netip.AddrPort, datagram []byte) {
	if e.simulateLoss() {
		e.counters.SimulatedDrops.Add(1)
		return
	}

	padded, err := e.padder.Pad(datagram)
	if err != nil {
		e.log().WithError(err).Debug("Padding datagram failed, sending it unpadded")
		padded = datagram
	}

	if err := e.shaper.Submit(peer, padded); err != nil {
		e.log().WithError(err).Debug("Submitting datagram failed")
	}
}

// do performs a session operation and applies its Output while holding the link's mutex.
func (e *Engine) do(l *link, op func(now time.Time) (session.Output, error)) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	out, err := op(time.Now())
	e.apply(l, out)
	return err
}

// apply carries out a session's Output. The link's mutex must be held.
func (e *Engine) apply(l *link, out session.Output) {
	peer := l.session.Peer()

	for _, datagram := range out.Datagrams {
		e.transmit(peer, datagram)
	}

	for _, packet := range out.Deliver {
		if err := e.tun.WritePacket(packet); err != nil {
			e.log().WithError(err).Warn("Writing packet to TUN errored")
			e.counters.Dropped.Add(1)
			continue
		}
		e.counters.Delivered.Add(1)
	}

	e.counters.Retransmitted.Add(uint64(out.Retransmitted))
	e.counters.Duplicates.Add(uint64(out.Duplicates))

	if len(out.Timers) > 0 {
		e.timerMutex.Lock()
		for _, t := range out.Timers {
			e.timers.Set(timerKey{peer: peer, purpose: t.Purpose}, t.Deadline)
		}
		e.timerMutex.Unlock()
		e.wake()
	}

	if out.Established {
		e.counters.SessionsEstablished.Add(1)
		e.status(NewSessionEstablished(peer))
	}

	if out.Closed {
		e.remove(l, out.Reason)
	}
}

// remove a closed session and its timers. A client redials.
func (e *Engine) remove(l *link, reason error) {
	peer := l.session.Peer()

	e.sessions.CompareAndDelete(peer, l)

	e.timerMutex.Lock()
	e.removeTimers(peer)
	e.timerMutex.Unlock()

	e.counters.SessionsClosed.Add(1)
	e.status(NewSessionClosed(peer, reason))

	if e.client {
		e.redial()
	}
}

// removeTimers of a peer. The timerMutex must be held.
func (e *Engine) removeTimers(peer netip.AddrPort) {
	for _, purpose := range []session.Purpose{
		session.TimerHandshake, session.TimerRetransmit, session.TimerKeepalive, session.TimerClose} {
		e.timers.Remove(timerKey{peer: peer, purpose: purpose})
	}
}

// dial opens a new client session.
func (e *Engine) dial() {
	if e.isClosing() {
		return
	}

	if e.conf.Obfuscation.MimicTLS {
		if err := e.shaper.Submit(e.peer, obfs.ClientHello()); err != nil {
			e.log().WithError(err).Debug("Submitting TLS decoy failed")
		}
	}

	s, out, err := session.Open(e.sessConf, e.peer, time.Now())
	if err != nil {
		e.log().WithError(err).Warn("Opening session errored")
		e.redial()
		return
	}

	l := &link{session: s}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	e.sessions.Store(e.peer, l)
	e.apply(l, out)
}

// redial after the RedialInterval, unless the Engine is closing meanwhile.
func (e *Engine) redial() {
	interval := e.conf.Session.RedialInterval.Duration

	started := e.goTracked(func() {
		timer := time.NewTimer(interval)
		defer timer.Stop()

		select {
		case <-e.ctx.Done():
		case <-timer.C:
			e.dial()
		}
	})

	if started {
		e.log().WithField("interval", interval).Info("Redialing peer")
	}
}

// current returns the established session, if any.
func (e *Engine) current() (current *link) {
	e.sessions.Range(func(_, v interface{}) bool {
		l := v.(*link)
		if l.session.State() == session.Established {
			current = l
			return false
		}
		return true
	})
	return
}

// countError of a dropped datagram.
func (e *Engine) countError(peer netip.AddrPort, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, frame.ErrMalformedFrame):
		e.counters.Malformed.Add(1)
	case errors.Is(err, envelope.ErrAuth):
		e.counters.AuthFailures.Add(1)
		e.checkAuthAlert(peer)
	case errors.Is(err, compress.ErrDecompression):
		e.counters.DecompressionFailures.Add(1)
	case errors.Is(err, session.ErrReplay):
		e.counters.Replays.Add(1)
	default:
		e.counters.Dropped.Add(1)
	}

	e.log().WithFields(log.Fields{
		"from":  peer,
		"error": err,
	}).Debug("Dropping datagram")
}

// checkAuthAlert raises a SecurityAlert when the authentication failures within a minute reach the threshold.
func (e *Engine) checkAuthAlert(peer netip.AddrPort) {
	threshold := e.conf.Session.AuthAlertThreshold
	if threshold <= 0 {
		return
	}

	e.alertMutex.Lock()
	defer e.alertMutex.Unlock()

	now := time.Now()
	if now.Sub(e.alertWindow) >= time.Minute {
		e.alertWindow = now
		e.alertCount = 0
	}

	e.alertCount++
	if e.alertCount == threshold {
		e.log().WithFields(log.Fields{
			"from":      peer,
			"failures":  e.alertCount,
			"threshold": threshold,
		}).Warn("Authentication failures exceed threshold")

		e.status(NewSecurityAlert(peer, e.alertCount, threshold))
	}
}

// handleDatagram passes an incoming datagram to its session or accepts a new one.
func (e *Engine) handleDatagram(addr netip.AddrPort, datagram []byte) {
	if v, ok := e.sessions.Load(addr); ok {
		l := v.(*link)

		var restarted bool
		err := e.do(l, func(now time.Time) (session.Output, error) {
			out, err := l.session.Receive(datagram, now)
			restarted = out.Closed && errors.Is(out.Reason, session.ErrPeerRestarted)
			return out, err
		})
		e.countError(addr, err)

		if restarted && !e.client {
			e.accept(addr, datagram)
		}
		return
	}

	if e.client {
		e.countError(addr, fmt.Errorf("datagram from unknown peer %v", addr))
		return
	}

	f, err := frame.Decode(datagram)
	if err != nil {
		e.countError(addr, err)
		return
	}
	if f.Type != frame.SYN {
		e.roam(addr, datagram)
		return
	}

	e.accept(addr, datagram)
}

// roam passes a datagram from an unknown address to the established session. If it authenticates as a new frame,
// the session moves to this address.
func (e *Engine) roam(addr netip.AddrPort, datagram []byte) {
	l := e.current()
	if l == nil {
		e.countError(addr, fmt.Errorf("%w: no session for %v", session.ErrUnexpectedFrame, addr))
		return
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	old := l.session.Peer()
	out, err := l.session.Receive(datagram, time.Now())

	// Replayed frames are either rejected or reported as duplicates; neither moves the session.
	if err == nil && out.Duplicates == 0 && !out.Closed {
		l.session.SetPeer(addr)

		e.sessions.Store(addr, l)
		e.sessions.CompareAndDelete(old, l)

		e.timerMutex.Lock()
		e.removeTimers(old)
		e.timerMutex.Unlock()

		e.log().WithFields(log.Fields{
			"from": old,
			"to":   addr,
		}).Info("Peer roamed")
	}

	e.apply(l, out)
	e.countError(addr, err)
}

// accept a SYN as a server. The SYN is authenticated before anything else. While another peer's session is alive,
// the SYN is rejected.
func (e *Engine) accept(addr netip.AddrPort, datagram []byte) {
	e.acceptMutex.Lock()
	defer e.acceptMutex.Unlock()

	if e.isClosing() {
		return
	}

	if err := session.VerifySyn(e.sessConf, datagram); err != nil {
		e.countError(addr, err)
		return
	}

	if !e.evictIdle(addr) {
		e.countError(addr, fmt.Errorf("%w: another peer's session is active", session.ErrHandshakeRejected))
		return
	}

	s, out, err := session.Accept(e.sessConf, addr, datagram, time.Now())
	if err != nil {
		e.countError(addr, err)
		return
	}

	l := &link{session: s}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	e.sessions.Store(addr, l)
	e.apply(l, out)
}

// evictIdle closes other peers' sessions which were idle for the keepalive timeout. It reports if no other session
// remains.
func (e *Engine) evictIdle(addr netip.AddrPort) (free bool) {
	free = true

	e.sessions.Range(func(k, v interface{}) bool {
		if k.(netip.AddrPort) == addr {
			return true
		}

		l := v.(*link)
		if idle := l.session.Idle(time.Now()); idle < e.sessConf.KeepaliveTimeout {
			free = false
			return false
		}

		e.log().WithField("peer", k).Info("Replacing idle session")
		_ = e.do(l, func(time.Time) (session.Output, error) {
			return l.session.Abort(session.ErrKeepaliveTimeout), nil
		})
		return true
	})
	return
}

// isClosedErr reports errors of closed sockets or devices.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF)
}

// receiveLoop reads datagrams from the Socket until it is closed.
func (e *Engine) receiveLoop() {
	defer e.wg.Done()

	for {
		datagram, addr, err := e.sock.RecvDatagram()
		if err != nil {
			if e.ctx.Err() != nil || isClosedErr(err) {
				e.log().Debug("Receive loop stopped")
				return
			}

			e.log().WithError(err).Warn("Receiving datagram errored")
			continue
		}

		e.counters.FramesReceived.Add(1)
		e.counters.BytesReceived.Add(uint64(len(datagram)))

		e.handleDatagram(netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), datagram)
	}
}

// sendLoop reads packets from the TUN and sends them within the established session.
func (e *Engine) sendLoop() {
	defer e.wg.Done()

	for {
		packet, err := e.tun.ReadPacket()
		if err != nil {
			if e.ctx.Err() != nil || isClosedErr(err) {
				e.log().Debug("Send loop stopped")
				return
			}

			e.log().WithError(err).Warn("Reading packet from TUN errored")
			continue
		}

		l := e.current()
		if l == nil {
			e.counters.Dropped.Add(1)
			continue
		}

		if err := l.session.Wait(e.ctx); err != nil {
			return
		}

		err = e.do(l, func(now time.Time) (session.Output, error) {
			return l.session.Send(packet, now)
		})
		if err != nil {
			e.counters.Dropped.Add(1)
			e.log().WithError(err).Debug("Dropping packet")
		}
	}
}

// wake the scheduler loop to reconsider its earliest deadline.
func (e *Engine) wake() {
	select {
	case e.timerWake <- struct{}{}:
	default:
	}
}

// scheduleLoop ticks sessions at their timers' deadlines.
func (e *Engine) scheduleLoop() {
	defer e.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		e.timerMutex.Lock()
		_, deadline, ok := e.timers.Peek()
		e.timerMutex.Unlock()

		wait := time.Hour
		if ok {
			wait = time.Until(deadline)
		}
		timer.Reset(wait)

		select {
		case <-e.ctx.Done():
			e.log().Debug("Scheduler loop stopped")
			return

		case <-e.timerWake:
		case <-timer.C:
		}

		e.fire(time.Now())
	}
}

// fire ticks each session with an expired timer once.
func (e *Engine) fire(now time.Time) {
	e.timerMutex.Lock()
	keys := e.timers.PopDue(now)
	e.timerMutex.Unlock()

	ticked := make(map[netip.AddrPort]bool)
	for _, key := range keys {
		if ticked[key.peer] {
			continue
		}
		ticked[key.peer] = true

		v, ok := e.sessions.Load(key.peer)
		if !ok {
			continue
		}

		l := v.(*link)
		_ = e.do(l, func(now time.Time) (session.Output, error) {
			return l.session.Tick(now), nil
		})
	}
}

// Snapshot of the Engine's counters and its current session.
func (e *Engine) Snapshot() telemetry.Snapshot {
	snapshot := telemetry.Snapshot{
		Time:     time.Now(),
		Counters: e.counters.Load(),
	}

	var current *session.Session
	e.sessions.Range(func(_, v interface{}) bool {
		current = v.(*link).session
		return current.State() != session.Established
	})

	if current != nil {
		info := current.Info()
		snapshot.Session = &telemetry.SessionInfo{
			Peer:     info.Peer.String(),
			Role:     info.Role.String(),
			State:    info.State.String(),
			SRTT:     telemetry.Milliseconds(info.SRTT),
			RTO:      telemetry.Milliseconds(info.RTO),
			Loss:     info.Loss,
			Window:   info.Window,
			InFlight: info.InFlight,
			Buffered: info.Buffered,
		}
	}

	return snapshot
}

// Tune applies the tunable settings of a Config to the running Engine: jitter, entropy threshold and simulated loss.
func (e *Engine) Tune(conf Config) error {
	var errs error
	if conf.Obfuscation.MinJitter.Duration < 0 || conf.Obfuscation.MaxJitter.Duration < conf.Obfuscation.MinJitter.Duration {
		errs = multierror.Append(errs, fmt.Errorf("jitter bounds [%v, %v] are invalid",
			conf.Obfuscation.MinJitter, conf.Obfuscation.MaxJitter))
	}
	if conf.Compression.Threshold <= 0 || conf.Compression.Threshold > 8 {
		errs = multierror.Append(errs, fmt.Errorf("entropy threshold %f is outside (0, 8]", conf.Compression.Threshold))
	}
	if conf.Chaos.LossRate < 0 || conf.Chaos.LossRate >= 1 {
		errs = multierror.Append(errs, fmt.Errorf("simulated loss rate %f is outside [0, 1)", conf.Chaos.LossRate))
	}
	if errs != nil {
		return errs
	}

	e.shaper.SetJitter(conf.Obfuscation.MinJitter.Duration, conf.Obfuscation.MaxJitter.Duration)

	if e.sessConf.Compression != nil {
		e.sessConf.Compression.SetThreshold(conf.Compression.Threshold)
	}

	e.chaosMutex.Lock()
	e.lossRate = conf.Chaos.LossRate
	e.chaosMutex.Unlock()

	e.log().WithFields(log.Fields{
		"min-jitter":        conf.Obfuscation.MinJitter,
		"max-jitter":        conf.Obfuscation.MaxJitter,
		"entropy-threshold": conf.Compression.Threshold,
		"loss-rate":         conf.Chaos.LossRate,
	}).Info("Engine tuned")
	return nil
}

// Shutdown closes all sessions by a FIN exchange and closes the Engine afterwards. Shutdown waits until every session
// was closed or the context is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closeMutex.Lock()
	e.closing = true
	e.closeMutex.Unlock()

	e.sessions.Range(func(_, v interface{}) bool {
		l := v.(*link)
		_ = e.do(l, func(now time.Time) (session.Output, error) {
			return l.session.Close(now), nil
		})
		return true
	})

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for e.sessionCount() > 0 {
		select {
		case <-ctx.Done():
			e.log().WithField("sessions", e.sessionCount()).Warn("Shutdown deadline exceeded, closing sessions")
			return e.Close()

		case <-ticker.C:
		}
	}

	return e.Close()
}

func (e *Engine) sessionCount() (n int) {
	e.sessions.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return
}

// Close the Engine immediately, including its Socket and TUN. Remaining sessions are aborted without a FIN exchange.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeMutex.Lock()
		e.closing = true
		e.closeMutex.Unlock()

		e.cancel()

		var errs error
		if err := e.shaper.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := e.sock.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := e.tun.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}

		e.wg.Wait()

		e.sessions.Range(func(_, v interface{}) bool {
			l := v.(*link)
			_ = e.do(l, func(time.Time) (session.Output, error) {
				return l.session.Abort(ErrEngineClosed), nil
			})
			return true
		})

		close(e.statusChan)
		e.closeErr = errs

		e.log().Info("Engine closed")
	})

	return e.closeErr
}
