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

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/msiegen/bgpd/internal/config"
	"github.com/msiegen/bgpd/internal/rib"
)

// State is the position of a peer in the session state machine.
type State int

const (
	StateIdle State = iota
	StateConnect
	StateActive
	StateOpenSent
	StateOpenConfirm
	StateEstablished
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnect:
		return "Connect"
	case StateActive:
		return "Active"
	case StateOpenSent:
		return "OpenSent"
	case StateOpenConfirm:
		return "OpenConfirm"
	case StateEstablished:
		return "Established"
	case StateDisabled:
		return "Disabled"
	default:
		return "Unknown"
	}
}

// Negotiated holds the parameters agreed during the OPEN exchange. It exists
// only while the session is Established.
type Negotiated struct {
	// HoldTime is min(local, remote); zero disables keepalives entirely.
	HoldTime          time.Duration
	KeepaliveInterval time.Duration
	Families          rib.Families
	PeerRouterID      netip.Addr
	PeerAS            uint32
	LocalAddr         netip.AddrPort
	RemoteAddr        netip.AddrPort
	EstablishedAt     time.Time
	LastReceived      time.Time
	LastSent          time.Time
	Capabilities      []string
}

// Status is a read-only snapshot of a peer record, consumed by the RPC
// surface.
type Status struct {
	Addr             netip.Addr
	Enabled          bool
	State            State
	RemoteAS         uint32
	LocalAS          uint32
	HoldTime         time.Duration
	MsgsReceived     uint64
	MsgsSent         uint64
	PrefixesReceived int
	LastTransition   time.Time
	Negotiated       *Negotiated
}

// A Peer is one neighbor: its configuration, current state, counters and,
// when a session exists, the state machine driving it. The session manager
// owns the peer map; each peer record is the sole owner of its fsm.
type Peer struct {
	addr         netip.Addr
	pollInterval time.Duration
	r            *rib.RIB
	log          *logrus.Entry

	mu             sync.Mutex
	cfg            *config.Peer
	state          State
	negotiated     *Negotiated
	hold           *holdTimer
	lastTransition time.Time
	fsm            *fsm

	counts messageCounts
}

func newPeer(cfg *config.Peer, addr netip.Addr, pollInterval time.Duration, r *rib.RIB, log *logrus.Entry) *Peer {
	return &Peer{
		addr:           addr,
		pollInterval:   pollInterval,
		r:              r,
		log:            log.WithField("peer", addr.String()),
		cfg:            cfg,
		state:          StateIdle,
		lastTransition: time.Now(),
	}
}

// Addr is the concrete remote address of the peer. For records instantiated
// from a subnet template this is the inbound source address.
func (p *Peer) Addr() netip.Addr {
	return p.addr
}

func (p *Peer) Config() *config.Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// SetConfig swaps the peer's configuration. Session-affecting fields take
// effect at the next OPEN negotiation; Enabled and the advertise sources are
// read live.
func (p *Peer) SetConfig(cfg *config.Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	prev := p.state
	p.state = s
	p.lastTransition = time.Now()
	p.mu.Unlock()
	if prev != s {
		p.log.WithFields(logrus.Fields{"from": prev.String(), "to": s.String()}).Debug("peer state transition")
	}
}

func (p *Peer) setNegotiated(n *Negotiated, h *holdTimer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.negotiated = n
	p.hold = h
}

// Negotiated returns the negotiated session parameters, nil unless the
// session is Established.
func (p *Peer) Negotiated() *Negotiated {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.negotiated == nil {
		return nil
	}
	n := *p.negotiated
	return &n
}

// Start launches the session state machine. Starting a peer that is already
// running does nothing.
func (p *Peer) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fsm != nil {
		return
	}
	p.state = StateIdle
	p.lastTransition = time.Now()
	p.fsm = newFSM(p)
	go p.fsm.run()
}

// Stop terminates the session state machine and waits for it to exit. If the
// session is Established a NOTIFICATION with the given cease subcode is
// flushed first.
func (p *Peer) Stop(ceaseSubcode uint8) {
	p.mu.Lock()
	f := p.fsm
	p.fsm = nil
	p.mu.Unlock()
	if f != nil {
		f.stop(ceaseSubcode)
	}
}

// Disable stops the peer and parks it in the Disabled state, where inbound
// connections are ignored until it is re-enabled.
func (p *Peer) Disable() {
	p.Stop(ceaseDeconfigured)
	p.setState(StateDisabled)
}

// FeedSocket hands an inbound connection to the state machine.
func (p *Peer) FeedSocket(c net.Conn) error {
	p.mu.Lock()
	f := p.fsm
	state := p.state
	p.mu.Unlock()
	if f == nil || state == StateDisabled {
		return errors.New("peer is not accepting connections")
	}
	select {
	case f.acceptC <- c:
		return nil
	default:
		return errors.New("peer already has a pending connection")
	}
}

// Poll nudges an idle active peer to attempt an outbound connection. The
// manager's poll loop calls this every poll interval.
func (p *Peer) Poll() {
	p.mu.Lock()
	f := p.fsm
	p.mu.Unlock()
	if f == nil {
		return
	}
	select {
	case f.pollC <- struct{}{}:
	default:
	}
}

// Snapshot returns a read-only view of the peer. The prefix count is filled
// in by the manager, which holds the RIB handle.
func (p *Peer) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		Addr:           p.addr,
		Enabled:        p.cfg.Enabled,
		State:          p.state,
		RemoteAS:       p.cfg.RemoteAS,
		LocalAS:        p.cfg.LocalAS,
		HoldTime:       p.cfg.HoldTime,
		MsgsReceived:   p.counts.Received(),
		MsgsSent:       p.counts.Sent(),
		LastTransition: p.lastTransition,
	}
	if p.negotiated != nil {
		n := *p.negotiated
		if p.hold != nil {
			n.LastReceived = p.hold.LastReceived()
			n.LastSent = p.hold.LastSent()
		}
		s.Negotiated = &n
	}
	return s
}
