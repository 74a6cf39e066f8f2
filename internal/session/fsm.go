// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

// This file implements the progression of states in RFC 4271 section 8, in
// the subset this daemon supports. Each peer runs one instance of the state
// machine in its own goroutine; the manager hands inbound sockets over on
// acceptC and triggers outbound attempts on pollC.

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
	"github.com/sirupsen/logrus"

	"github.com/msiegen/bgpd/internal/config"
	"github.com/msiegen/bgpd/internal/rib"
)

const (
	// openWaitTimeout bounds the OpenSent and OpenConfirm states. RFC 4271
	// suggests a large hold time of 4 minutes until one is negotiated.
	openWaitTimeout = 240 * time.Second

	ceaseShutdown     = uint8(bgp.BGP_ERROR_SUB_ADMINISTRATIVE_SHUTDOWN)
	ceaseDeconfigured = uint8(bgp.BGP_ERROR_SUB_PEER_DECONFIGURED)
	ceaseCollision    = uint8(bgp.BGP_ERROR_SUB_CONNECTION_COLLISION_RESOLUTION)
)

// notification is a NOTIFICATION to be flushed by the send loop before the
// session resets. The zero value means terminate without sending one.
type notification struct {
	code, subcode uint8
}

type fsm struct {
	peer *Peer
	r    *rib.RIB
	log  *logrus.Entry
	// acceptC passes inbound connections from the manager's accept loop.
	acceptC chan net.Conn
	// pollC is signaled by the manager's poll loop to trigger an outbound
	// connection attempt from Idle.
	pollC chan struct{}
	// stopC is closed to signal the run loop to terminate; doneC is closed
	// when it has.
	stopC chan struct{}
	doneC chan struct{}
	hold  *holdTimer

	mu           sync.Mutex
	ceaseSubcode uint8
}

func newFSM(p *Peer) *fsm {
	return &fsm{
		peer:    p,
		r:       p.r,
		log:     p.log,
		acceptC: make(chan net.Conn, 1),
		pollC:   make(chan struct{}, 1),
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}
}

// stop terminates the run loop and waits for it. An Established session
// flushes a Cease NOTIFICATION with the given subcode on the way down.
func (f *fsm) stop(ceaseSubcode uint8) {
	f.mu.Lock()
	f.ceaseSubcode = ceaseSubcode
	f.mu.Unlock()
	close(f.stopC)
	<-f.doneC
}

func (f *fsm) stopSubcode() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ceaseSubcode == 0 {
		return ceaseShutdown
	}
	return f.ceaseSubcode
}

// dialPeer attempts to connect to the peer in the background, and returns
// the opened connection or error on a channel. If the caller does not read
// from the channel within a short time of the connection being established,
// the connection will automatically be closed. It is safe for callers to
// abandon a dial attempt and never read from either channel.
func dialPeer(d *net.Dialer, addr string) (<-chan net.Conn, <-chan error) {
	// connC has no buffer because we want to detect when the channel is read.
	connC := make(chan net.Conn)
	// errC has a buffer to avoid a resource leak if the caller abandons the dial.
	errC := make(chan error, 1)
	go func(connC chan<- net.Conn, errC chan<- error) {
		c, err := d.Dial("tcp", addr)
		if err != nil {
			errC <- err
			return
		}
		select {
		case connC <- c:
		case <-time.After(3 * time.Second):
			// We've lost the race against an incoming connection. Close ours.
			c.Close()
		}
	}(connC, errC)
	return connC, errC
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// send transmits a message and updates the peer's counters and pacing state.
func (f *fsm) send(c net.Conn, m *bgp.BGPMessage, timeout time.Duration) error {
	if err := sendMessage(c, m, timeout); err != nil {
		return err
	}
	f.peer.counts.IncrementSent()
	if f.hold != nil {
		f.hold.Sent(time.Now())
	}
	stats.MessageSent(f.peer.addr.String())
	return nil
}

func (f *fsm) countReceived() {
	f.peer.counts.IncrementReceived()
	if f.hold != nil {
		f.hold.Received(time.Now())
	}
	stats.MessageReceived(f.peer.addr.String())
}

// sendOpen sends an OPEN advertising version 4, the configured hold time and
// router ID, a multiprotocol capability per configured family, and the
// 4-octet AS capability.
func (f *fsm) sendOpen(c net.Conn, cfg *config.Peer) error {
	caps := make([]bgp.ParameterCapabilityInterface, 0, len(cfg.Families)+1)
	for _, fam := range cfg.Families {
		caps = append(caps, bgp.NewCapMultiProtocol(fam.RouteFamily()))
	}
	caps = append(caps, bgp.NewCapFourOctetASNumber(cfg.LocalAS))
	as := uint16(cfg.LocalAS)
	if cfg.LocalAS > 0xffff {
		as = bgp.AS_TRANS
	}
	m := bgp.NewBGPOpenMessage(as, uint16(cfg.HoldTime/time.Second), cfg.LocalRouterID.String(), []bgp.OptionParameterInterface{
		bgp.NewOptionParameterCapability(caps),
	})
	return f.send(c, m, defaultMessageTimeout)
}

func openCapabilities(o *bgp.BGPOpen) []bgp.ParameterCapabilityInterface {
	var caps []bgp.ParameterCapabilityInterface
	for _, p := range o.OptParams {
		if c, ok := p.(*bgp.OptionParameterCapability); ok {
			caps = append(caps, c.Capability...)
		}
	}
	return caps
}

func addrPortFromNetAddr(a net.Addr) netip.AddrPort {
	if t, ok := a.(*net.TCPAddr); ok {
		return t.AddrPort()
	}
	return netip.AddrPort{}
}

// negotiate validates the peer's OPEN against the configuration and computes
// the session parameters. On failure it returns an error subcode to combine
// with bgp.BGP_ERROR_OPEN_MESSAGE_ERROR in a NOTIFICATION; a zero subcode
// means reset without notifying.
func (f *fsm) negotiate(o *bgp.BGPOpen, c net.Conn, cfg *config.Peer) (*Negotiated, uint8, error) {
	// We only support BGP-4, https://datatracker.ietf.org/doc/html/rfc4271.
	if o.Version != 4 {
		return nil, bgp.BGP_ERROR_SUB_UNSUPPORTED_VERSION_NUMBER, fmt.Errorf("unsupported BGP version: %v", o.Version)
	}
	var (
		fourByteAS   uint32
		peerFamilies = rib.Families{}
		capStrings   []string
	)
	for _, cc := range openCapabilities(o) {
		switch v := cc.(type) {
		case *bgp.CapFourOctetASNumber:
			fourByteAS = v.CapValue
			capStrings = append(capStrings, "4-Octet AS")
		case *bgp.CapMultiProtocol:
			afi, safi := bgp.RouteFamilyToAfiSafi(v.CapValue)
			fam := rib.NewFamily(afi, safi)
			peerFamilies[fam] = true
			capStrings = append(capStrings, "Multiprotocol "+fam.String())
		}
	}
	// The peer's AS is the 4-byte capability value when both ends support it,
	// otherwise the 2-byte field from the OPEN body.
	peerAS := uint32(o.MyAS)
	if fourByteAS != 0 {
		peerAS = fourByteAS
	}
	if peerAS != cfg.RemoteAS {
		return nil, bgp.BGP_ERROR_SUB_BAD_PEER_AS, fmt.Errorf("wrong peer AS: got %v, want %v", peerAS, cfg.RemoteAS)
	}
	routerID, ok := netip.AddrFromSlice(o.ID.To4())
	if !ok || routerID == netip.IPv4Unspecified() {
		return nil, bgp.BGP_ERROR_SUB_BAD_BGP_IDENTIFIER, fmt.Errorf("peer router ID must be nonzero")
	}
	if routerID == cfg.LocalRouterID {
		return nil, bgp.BGP_ERROR_SUB_BAD_BGP_IDENTIFIER, fmt.Errorf("peer router ID %v collides with ours", routerID)
	}
	// RFC 4271 section 4.2: a nonzero hold time must be at least 3 seconds.
	if o.HoldTime == 1 || o.HoldTime == 2 {
		return nil, bgp.BGP_ERROR_SUB_UNACCEPTABLE_HOLD_TIME, fmt.Errorf("hold time is too short: %v", o.HoldTime)
	}
	// The effective hold time is the lower of the two sides; zero disables
	// keepalives entirely.
	hold := cfg.HoldTime
	if remote := time.Duration(o.HoldTime) * time.Second; remote < hold {
		hold = remote
	}
	families := rib.NewFamilies(cfg.Families).Common(peerFamilies)
	if len(families) == 0 {
		return nil, bgp.BGP_ERROR_SUB_UNSUPPORTED_CAPABILITY, errors.New("no route families in common")
	}
	return &Negotiated{
		HoldTime:          hold,
		KeepaliveInterval: hold / 3,
		Families:          families,
		PeerRouterID:      routerID,
		PeerAS:            peerAS,
		LocalAddr:         addrPortFromNetAddr(c.LocalAddr()),
		RemoteAddr:        addrPortFromNetAddr(c.RemoteAddr()),
		Capabilities:      capStrings,
	}, 0, nil
}

// reset closes the connection, if any, and returns the peer to Idle. Socket
// errors reset silently; callers send any NOTIFICATION beforehand.
func (f *fsm) reset(c net.Conn, err error) {
	if err != nil {
		f.log.WithError(err).WithField("state", f.peer.State().String()).Debug("session reset")
	}
	if c != nil {
		c.Close()
	}
	f.peer.setState(StateIdle)
}

// run executes the BGP state machine until stopped.
func (f *fsm) run() {
	defer close(f.doneC)
	connectBackoff := &backoff.Backoff{
		Factor: 1.5,
		Jitter: true,
		Min:    1 * time.Second,
		Max:    f.peer.pollInterval,
	}
	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()
	var neg *Negotiated
	for {
		cfg := f.peer.Config()
		switch f.peer.State() {
		case StateIdle:
			// Passive peers wait for the manager to deliver an inbound socket.
			// Active peers additionally retry on their own backoff between the
			// manager's poll ticks.
			var retry <-chan time.Time
			if cfg.Enabled && !cfg.Passive {
				retry = time.After(connectBackoff.Duration())
			}
			select {
			case c := <-f.acceptC:
				conn = c
				f.peer.setState(StateActive)
			case <-f.pollC:
				f.peer.setState(StateConnect)
			case <-retry:
				f.peer.setState(StateConnect)
			case <-f.stopC:
				return
			}

		case StateConnect:
			dialer := &net.Dialer{Timeout: f.peer.pollInterval, KeepAlive: -1}
			connC, errC := dialPeer(dialer, netip.AddrPortFrom(f.peer.addr, cfg.DestPort).String())
			select {
			case c := <-connC:
				conn = c
				f.peer.setState(StateActive)
			case err := <-errC:
				f.log.WithError(err).Debug("outbound connection failed")
				f.peer.setState(StateIdle)
			case c := <-f.acceptC:
				// An inbound connection won the race; the abandoned dial closes
				// itself.
				conn = c
				f.peer.setState(StateActive)
			case <-f.stopC:
				return
			}

		case StateActive:
			if err := f.sendOpen(conn, cfg); err != nil {
				f.reset(conn, err)
				conn = nil
				continue
			}
			f.peer.setState(StateOpenSent)

		case StateOpenSent:
			m, err := recvMessage(conn, time.Now().Add(openWaitTimeout))
			if err != nil {
				if isTimeout(err) {
					sendNotification(conn, bgp.BGP_ERROR_HOLD_TIMER_EXPIRED, 0, nil) // ignore errors
				} else {
					maybeSendNotification(conn, err) // ignore errors
				}
				f.reset(conn, err)
				conn = nil
				continue
			}
			f.countReceived()
			switch o := m.Body.(type) {
			case *bgp.BGPOpen:
				n, code, err := f.negotiate(o, conn, cfg)
				if err != nil {
					if code != 0 {
						sendNotification(conn, bgp.BGP_ERROR_OPEN_MESSAGE_ERROR, code, nil) // ignore errors
					}
					f.reset(conn, err)
					conn = nil
					continue
				}
				f.hold = newHoldTimer(n.HoldTime)
				if err := f.send(conn, bgp.NewBGPKeepAliveMessage(), defaultMessageTimeout); err != nil {
					f.reset(conn, err)
					conn = nil
					continue
				}
				neg = n
				f.peer.setState(StateOpenConfirm)
			default:
				sendNotification(conn, bgp.BGP_ERROR_FSM_ERROR, bgp.BGP_ERROR_SUB_RECEIVE_UNEXPECTED_MESSAGE_IN_OPENSENT_STATE, nil) // ignore errors
				f.reset(conn, fmt.Errorf("received unexpected message type %v", m.Header.Type))
				conn = nil
			}

		case StateOpenConfirm:
			m, err := recvMessage(conn, time.Now().Add(openWaitTimeout))
			if err != nil {
				if isTimeout(err) {
					sendNotification(conn, bgp.BGP_ERROR_HOLD_TIMER_EXPIRED, 0, nil) // ignore errors
				} else {
					maybeSendNotification(conn, err) // ignore errors
				}
				f.reset(conn, err)
				conn = nil
				continue
			}
			f.countReceived()
			switch n := m.Body.(type) {
			case *bgp.BGPKeepAlive:
				f.peer.setState(StateEstablished)
			case *bgp.BGPNotification:
				f.reset(conn, fmt.Errorf(
					"received notification code=%v subcode=%v data=%q",
					n.ErrorCode, n.ErrorSubcode, string(n.Data),
				))
				conn = nil
			default:
				sendNotification(conn, bgp.BGP_ERROR_FSM_ERROR, bgp.BGP_ERROR_SUB_RECEIVE_UNEXPECTED_MESSAGE_IN_OPENCONFIRM_STATE, nil) // ignore errors
				f.reset(conn, fmt.Errorf("received unexpected message type %v", m.Header.Type))
				conn = nil
			}

		case StateEstablished:
			connectBackoff.Reset()
			terminated := f.established(conn, neg, cfg)
			conn = nil
			neg = nil
			if terminated {
				return
			}

		default:
			// Disabled peers have no running state machine; if we ever get
			// here, park until stopped.
			<-f.stopC
			return
		}
	}
}

// established runs the full message exchange and blocks until the session
// ends. It reports whether the state machine should terminate.
func (f *fsm) established(conn net.Conn, neg *Negotiated, cfg *config.Peer) bool {
	neg.EstablishedAt = time.Now()
	f.peer.setNegotiated(neg, f.hold)
	stats.SessionUp(f.peer.addr.String())
	f.log.WithFields(logrus.Fields{
		"router_id": neg.PeerRouterID.String(),
		"peer_as":   neg.PeerAS,
		"hold":      neg.HoldTime.String(),
	}).Info("session established")

	f.injectStatic(cfg)

	notifyC, sendErrC := f.sendLoop(conn, neg)
	recvErrC := f.recvLoop(conn, neg, notifyC)

	terminated := false
	select {
	case err := <-sendErrC:
		if err != nil {
			f.log.WithError(err).Warn("session send failed")
		} else {
			// The error emitted by sendLoop is nil if a NOTIFICATION was
			// successfully sent or none was requested. Handle the original error
			// from recvLoop, but don't block if there is none.
			select {
			case err := <-recvErrC:
				f.log.WithError(err).Warn("session ended")
			default:
			}
		}
	case err := <-recvErrC:
		if err != nil {
			f.log.WithError(err).Warn("session receive failed")
		}
		select {
		// Wait for sendLoop to send an optional NOTIFICATION and terminate.
		case <-sendErrC:
		// But don't wait forever.
		case <-time.After(defaultNotificationTimeout):
		}
	case <-f.stopC:
		notifyC <- notification{uint8(bgp.BGP_ERROR_CEASE), f.stopSubcode()}
		terminated = true
		select {
		// Wait for sendLoop to transmit the NOTIFICATION and terminate.
		case <-sendErrC:
		// But make sure that shutdown doesn't block forever.
		case <-time.After(10 * time.Second):
		}
	}
	conn.Close() // ignore errors; also unblocks a recvLoop stuck in a read

	// Standard BGP semantics on session loss: learned routes are gone, but
	// what we advertised is re-queued so the next session re-announces it.
	f.peer.setNegotiated(nil, nil)
	f.peer.setState(StateIdle)
	if removed := f.r.ClearPeerLearned(f.peer.addr); removed > 0 {
		f.log.WithField("routes", removed).Debug("cleared learned routes")
	}
	f.r.RequeuePeer(f.peer.addr)
	stats.SessionDown(f.peer.addr.String())
	return terminated
}

// injectStatic queues the peer's static routes and flows. Entries already in
// the outbound state (e.g. re-queued after a session reset) are skipped.
func (f *fsm) injectStatic(cfg *config.Peer) {
	if !config.Allows(cfg.AdvertiseSources, rib.ConfigSource()) {
		return
	}
	queue := func(r *rib.Route, err error) {
		if err != nil {
			// Static entries were validated at config load.
			f.log.WithError(err).Warn("skipping invalid static entry")
			return
		}
		r.Source = rib.ConfigSource()
		if !f.r.HasOutbound(f.peer.addr, r.Key()) {
			f.r.QueueAdvertisement(f.peer.addr, r)
		}
	}
	for i := range cfg.StaticRoutes {
		r, err := cfg.StaticRoutes[i].Parse()
		queue(r, err)
	}
	for i := range cfg.StaticFlows {
		r, err := cfg.StaticFlows[i].Parse()
		queue(r, err)
	}
}

// sendLoop launches a background goroutine to handle outgoing messages: it
// drains the pending advertisement queue and paces KEEPALIVEs at a third of
// the negotiated hold time.
func (f *fsm) sendLoop(conn net.Conn, neg *Negotiated) (chan<- notification, <-chan error) {
	// notifyC needs a buffer of 2 because either the established or recvLoop
	// function may wish to transmit a NOTIFICATION.
	notifyC := make(chan notification, 2)
	errC := make(chan error, 1)
	go func(notifyC <-chan notification, errC chan<- error) {
		for {
			select {
			case <-time.After(1 * time.Second):
				msgs, routes, err := f.takeOutbound(neg)
				if err != nil {
					errC <- err
					return
				}
				for _, m := range msgs {
					if err := f.send(conn, m, defaultMessageTimeout); err != nil {
						errC <- err
						return
					}
				}
				if len(routes) > 0 {
					f.r.MarkAdvertised(f.peer.addr, routes)
					stats.UpdateSent(f.peer.addr.String())
					f.log.WithField("routes", len(routes)).Debug("advertised pending routes")
					// Sending counted as liveness; the keepalive timer was pushed
					// out by f.send.
					continue
				}
				if f.hold.ShouldSendKeepalive(time.Now()) {
					if err := f.send(conn, bgp.NewBGPKeepAliveMessage(), defaultMessageTimeout); err != nil {
						errC <- err
						return
					}
				}
			case n := <-notifyC:
				if n.code == 0 && n.subcode == 0 {
					// We've been asked to terminate without sending a NOTIFICATION.
					errC <- nil
				} else {
					errC <- f.send(conn, bgp.NewBGPNotificationMessage(n.code, n.subcode, nil), defaultNotificationTimeout)
				}
				return
			}
		}
	}(notifyC, errC)
	return notifyC, errC
}

// takeOutbound drains the pending queue and builds the UPDATE messages for
// it. Routes for families the session did not negotiate are dropped.
func (f *fsm) takeOutbound(neg *Negotiated) ([]*bgp.BGPMessage, []*rib.Route, error) {
	pending := f.r.TakePending(f.peer.addr)
	if len(pending) == 0 {
		return nil, nil, nil
	}
	sendable := make([]*rib.Route, 0, len(pending))
	for _, r := range pending {
		if !neg.Families.Contains(r.Family) {
			f.log.WithFields(logrus.Fields{"family": r.Family.String(), "nlri": r.NLRI.String()}).
				Debug("dropping pending route for family not negotiated with peer")
			continue
		}
		sendable = append(sendable, r)
	}
	cfg := f.peer.Config()
	msgs, err := buildUpdates(sendable, cfg)
	if err != nil {
		return nil, nil, err
	}
	return msgs, sendable, nil
}

// recvLoop launches a background goroutine to handle incoming messages.
// UPDATEs mutate the RIB; any inbound message resets the hold timer; running
// out of hold time produces NOTIFICATION(4,0).
func (f *fsm) recvLoop(conn net.Conn, neg *Negotiated, notifyC chan<- notification) <-chan error {
	errC := make(chan error, 1)
	go func(errC chan<- error) {
		for {
			deadline := time.Now().Add(neg.HoldTime)
			if neg.HoldTime == 0 {
				// Hold time zero means liveness checking is off.
				deadline = time.Now().Add(8760 * time.Hour)
			}
			msg, err := recvMessage(conn, deadline)
			if err != nil {
				errC <- err // Unblock recvErrC in established before sendErrC.
				var me *bgp.MessageError
				switch {
				case errors.As(err, &me):
					notifyC <- notification{me.TypeCode, me.SubTypeCode}
				case isTimeout(err) && neg.HoldTime != 0:
					notifyC <- notification{bgp.BGP_ERROR_HOLD_TIMER_EXPIRED, 0}
				default:
					notifyC <- notification{}
				}
				return
			}
			f.countReceived()
			switch m := msg.Body.(type) {
			case *bgp.BGPUpdate:
				f.processUpdate(m, neg)
			case *bgp.BGPKeepAlive:
				// Hold timer was reset by countReceived.
			case *bgp.BGPNotification:
				errC <- fmt.Errorf("notification: code=%v subcode=%v data=%q", m.ErrorCode, m.ErrorSubcode, string(m.Data))
				notifyC <- notification{}
				return
			default:
				errC <- fmt.Errorf("received unexpected message type %v", msg.Header.Type)
				notifyC <- notification{bgp.BGP_ERROR_FSM_ERROR, bgp.BGP_ERROR_SUB_RECEIVE_UNEXPECTED_MESSAGE_IN_ESTABLISHED_STATE}
				return
			}
		}
	}(errC)
	return errC
}
