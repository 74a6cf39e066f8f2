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

// Package session drives BGP sessions: the per-peer state machine and the
// manager that owns all peer records, dispatches inbound connections, polls
// idle peers and applies configuration reloads.
package session

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/msiegen/bgpd/internal/config"
	"github.com/msiegen/bgpd/internal/rib"
)

// Manager owns the peer records. It is the only mutator of the peer map;
// each peer's state machine accesses its own record through a direct handle.
type Manager struct {
	r   *rib.RIB
	log *logrus.Entry

	mu       sync.Mutex
	cfg      *config.Server
	peers    map[netip.Addr]*Peer
	listener net.Listener
	closed   bool
}

func NewManager(cfg *config.Server, r *rib.RIB, log *logrus.Entry) *Manager {
	m := &Manager{
		r:     r,
		log:   log,
		cfg:   cfg,
		peers: map[netip.Addr]*Peer{},
	}
	for _, pc := range cfg.Peers {
		if !pc.IsSubnet() {
			m.addPeerLocked(pc, pc.Addr())
		}
		// Subnet peers are templates; records are instantiated per source IP
		// when a connection arrives.
	}
	return m
}

// addPeerLocked creates and starts a peer record. Callers hold m.mu.
func (m *Manager) addPeerLocked(pc *config.Peer, addr netip.Addr) *Peer {
	p := newPeer(pc, addr, m.cfg.PollInterval, m.r, m.log)
	m.peers[addr] = p
	stats.NewPeer(addr.String())
	if pc.Enabled {
		p.Start()
	} else {
		p.setState(StateDisabled)
	}
	return p
}

// Listen binds the BGP listening socket.
func (m *Manager) Listen() error {
	l, err := net.Listen("tcp", m.cfg.BGPSocket)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
	m.log.WithField("socket", m.cfg.BGPSocket).Info("listening for BGP connections")
	return nil
}

// Run serves the accept and poll loops until the context is canceled, then
// shuts the peers down gracefully.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.acceptLoop() })
	g.Go(func() error { return m.pollLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		m.Shutdown()
		return nil
	})
	return g.Wait()
}

func (m *Manager) acceptLoop() error {
	m.mu.Lock()
	l := m.listener
	m.mu.Unlock()
	if l == nil {
		return fmt.Errorf("manager is not listening")
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			m.mu.Lock()
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept on %v: %v", l.Addr(), err)
		}
		go m.handleConn(conn)
	}
}

func (m *Manager) pollInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.PollInterval
}

// pollLoop triggers an outbound connection attempt for every idle, enabled,
// active peer once per poll interval.
func (m *Manager) pollLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.pollInterval()):
		}
		for _, p := range m.peerList() {
			cfg := p.Config()
			if p.State() == StateIdle && cfg.Enabled && !cfg.Passive {
				p.Poll()
			}
		}
	}
}

func (m *Manager) peerList() []*Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// matchPeer resolves an inbound source address to a peer record: an exact
// match first, then subnet containment against template peers, which
// instantiates an independent record for the source IP.
func (m *Manager) matchPeer(remote netip.Addr) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.peers[remote]; p != nil {
		return p
	}
	for _, pc := range m.cfg.Peers {
		if pc.IsSubnet() && pc.Matches(remote) {
			return m.addPeerLocked(pc, remote)
		}
	}
	return nil
}

func (m *Manager) handleConn(conn net.Conn) {
	remote := addrPortFromNetAddr(conn.RemoteAddr()).Addr().Unmap()
	if !remote.IsValid() {
		conn.Close()
		return
	}
	p := m.matchPeer(remote)
	if p == nil {
		m.log.WithField("remote", remote.String()).Info("rejecting connection from unknown peer")
		conn.Close()
		return
	}
	if !p.Config().Enabled || p.State() == StateDisabled {
		m.log.WithField("remote", remote.String()).Debug("rejecting connection from disabled peer")
		conn.Close()
		return
	}
	if p.State() == StateEstablished {
		m.resolveCollision(p, conn)
		return
	}
	if err := p.FeedSocket(conn); err != nil {
		m.log.WithField("remote", remote.String()).WithError(err).Info("rejecting connection")
		conn.Close()
	}
}

// resolveCollision applies RFC 4271 section 6.8 to a new connection from a
// peer that already has an established session: the side with the higher
// router ID keeps its connection, the other is closed with a Cease.
func (m *Manager) resolveCollision(p *Peer, conn net.Conn) {
	neg := p.Negotiated()
	if neg == nil {
		// The session went down between the state check and now; just try the
		// normal path.
		if err := p.FeedSocket(conn); err != nil {
			conn.Close()
		}
		return
	}
	local := p.Config().LocalRouterID
	if local.Less(neg.PeerRouterID) {
		// The peer's router ID wins: its new connection replaces our
		// established session.
		m.log.WithFields(logrus.Fields{
			"peer":      p.Addr().String(),
			"router_id": neg.PeerRouterID.String(),
		}).Info("connection collision, peer wins")
		p.Stop(ceaseCollision)
		p.Start()
		if err := p.FeedSocket(conn); err != nil {
			conn.Close()
		}
		return
	}
	m.log.WithField("peer", p.Addr().String()).Info("connection collision, existing session wins")
	sendNotification(conn, uint8(bgp.BGP_ERROR_CEASE), ceaseCollision, nil) // ignore errors
	conn.Close()
}

// Reload diffs a freshly parsed configuration against the current peer set:
// removed peers are ceased and dropped (including their RIB state), new
// peers are added idle, and surviving peers get the new configuration, which
// sessions pick up at their next establishment.
func (m *Manager) Reload(newCfg *config.Server) {
	m.mu.Lock()
	defer m.mu.Unlock()

	newByPrefix := map[netip.Prefix]*config.Peer{}
	for _, pc := range newCfg.Peers {
		newByPrefix[pc.RemoteIP] = pc
	}

	// Remove peers that are no longer configured.
	var added, removed int
	for addr, p := range m.peers {
		if _, ok := newByPrefix[p.Config().RemoteIP]; ok {
			continue
		}
		p.Stop(ceaseDeconfigured)
		m.r.DropPeer(addr)
		stats.DeletePeer(addr.String())
		delete(m.peers, addr)
		removed++
	}

	oldByPrefix := map[netip.Prefix]bool{}
	for _, pc := range m.cfg.Peers {
		oldByPrefix[pc.RemoteIP] = true
	}

	for _, nc := range newCfg.Peers {
		if !oldByPrefix[nc.RemoteIP] {
			// New peer.
			if !nc.IsSubnet() {
				m.addPeerLocked(nc, nc.Addr())
			}
			added++
			continue
		}
		// Existing peer (possibly several records for a subnet template).
		for _, p := range m.peers {
			if p.Config().RemoteIP != nc.RemoteIP {
				continue
			}
			wasEnabled := p.Config().Enabled
			p.SetConfig(nc)
			switch {
			case wasEnabled && !nc.Enabled:
				p.Disable()
			case !wasEnabled && nc.Enabled && p.State() == StateDisabled:
				p.Start()
			}
		}
	}

	m.cfg = newCfg
	m.log.WithFields(logrus.Fields{
		"peers":   len(newCfg.Peers),
		"added":   added,
		"removed": removed,
	}).Info("configuration reloaded")
}

// Shutdown ceases every session and closes the listener. Safe to call more
// than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	l := m.listener
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	if l != nil {
		l.Close()
	}
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			p.Stop(ceaseShutdown)
		}(p)
	}
	wg.Wait()
	m.log.Info("all sessions stopped")
}

// Statuses returns a snapshot of every peer, ordered by address.
func (m *Manager) Statuses() []Status {
	out := []Status{}
	for _, p := range m.peerList() {
		s := p.Snapshot()
		s.PrefixesReceived = m.r.CountLearned(p.Addr())
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Less(out[j].Addr) })
	return out
}

// FindStatus returns the snapshot for one peer address.
func (m *Manager) FindStatus(addr netip.Addr) (Status, bool) {
	m.mu.Lock()
	p := m.peers[addr.Unmap()]
	m.mu.Unlock()
	if p == nil {
		return Status{}, false
	}
	s := p.Snapshot()
	s.PrefixesReceived = m.r.CountLearned(p.Addr())
	return s, true
}

// QueueRoute queues an advertisement to every eligible peer: the advertise
// sources must allow the route's origin and the peer must support the
// route's family (negotiated when established, configured otherwise). If
// routerID is valid only the peer whose negotiated router ID matches is
// targeted; no match is an error.
func (m *Manager) QueueRoute(route *rib.Route, routerID netip.Addr) ([]netip.Addr, error) {
	var queued []netip.Addr
	for _, p := range m.peerList() {
		neg := p.Negotiated()
		if routerID.IsValid() {
			if neg == nil || neg.PeerRouterID != routerID {
				continue
			}
		}
		cfg := p.Config()
		if !cfg.Enabled || !config.Allows(cfg.AdvertiseSources, route.Source) {
			continue
		}
		supported := rib.NewFamilies(cfg.Families).Contains(route.Family)
		if neg != nil {
			supported = neg.Families.Contains(route.Family)
		}
		if !supported {
			continue
		}
		m.r.QueueAdvertisement(p.Addr(), route)
		queued = append(queued, p.Addr())
	}
	if routerID.IsValid() && len(queued) == 0 {
		return nil, fmt.Errorf("no peer with router ID %v", routerID)
	}
	return queued, nil
}
