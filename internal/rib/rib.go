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

// Package rib holds per-peer routing information: the Adj-RIB-In of routes
// learned from each peer, the Adj-RIB-Out of routes advertised to it, and
// the ordered queue of pending advertisements in between.
package rib

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

type sourceKind int

const (
	sourcePeer sourceKind = iota
	sourceConfig
	sourceAPI
)

// Source identifies where a route entered the RIB.
type Source struct {
	kind sourceKind
	peer netip.Addr // router ID, for sourcePeer
}

func PeerSource(routerID netip.Addr) Source {
	return Source{kind: sourcePeer, peer: routerID}
}

func ConfigSource() Source {
	return Source{kind: sourceConfig}
}

func APISource() Source {
	return Source{kind: sourceAPI}
}

func (s Source) IsPeer() bool   { return s.kind == sourcePeer }
func (s Source) IsConfig() bool { return s.kind == sourceConfig }
func (s Source) IsAPI() bool    { return s.kind == sourceAPI }

func (s Source) String() string {
	switch s.kind {
	case sourceConfig:
		return "Config"
	case sourceAPI:
		return "API"
	default:
		return s.peer.String()
	}
}

// A Route is one NLRI with its attribute set.
type Route struct {
	Family     Family
	NLRI       bgp.AddrPrefixInterface
	Attrs      *Attributes
	Source     Source
	ReceivedAt time.Time
}

// Key identifies a route within one peer's table. Inserting a route with the
// same key replaces the previous entry (implicit withdraw).
func (r *Route) Key() string {
	return routeKey(r.Family, r.NLRI)
}

func routeKey(f Family, nlri bgp.AddrPrefixInterface) string {
	return f.String() + "|" + nlri.String()
}

// An Entry is a route together with the peer whose table holds it.
type Entry struct {
	Peer  netip.Addr
	Route *Route
}

// Filter selects entries during enumeration. A nil Filter matches everything.
type Filter func(e Entry) bool

// FromPeer matches entries in the named peer's table.
func FromPeer(peer netip.Addr) Filter {
	return func(e Entry) bool { return e.Peer == peer }
}

// RIB is the routing information base. All operations take the single
// internal lock for their duration; none of them nest.
type RIB struct {
	mu         sync.Mutex
	learned    map[netip.Addr]map[string]*Route
	pending    map[netip.Addr][]*Route
	advertised map[netip.Addr]map[string]*Route
}

func New() *RIB {
	return &RIB{
		learned:    map[netip.Addr]map[string]*Route{},
		pending:    map[netip.Addr][]*Route{},
		advertised: map[netip.Addr]map[string]*Route{},
	}
}

// InsertLearned adds a route to the peer's Adj-RIB-In, replacing any prior
// route with the same (family, NLRI).
func (r *RIB) InsertLearned(peer netip.Addr, route *Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.learned[peer]
	if t == nil {
		t = map[string]*Route{}
		r.learned[peer] = t
	}
	t[route.Key()] = route
}

// WithdrawLearned removes the matching Adj-RIB-In entry. Withdrawing an
// absent NLRI is a no-op.
func (r *RIB) WithdrawLearned(peer netip.Addr, f Family, nlri bgp.AddrPrefixInterface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.learned[peer], routeKey(f, nlri))
}

// ClearPeerLearned drops the peer's whole Adj-RIB-In and reports how many
// entries were removed. Called when the peer's session goes down.
func (r *RIB) ClearPeerLearned(peer netip.Addr) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.learned[peer])
	delete(r.learned, peer)
	return n
}

// CountLearned returns the number of Adj-RIB-In entries for the peer.
func (r *RIB) CountLearned(peer netip.Addr) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.learned[peer])
}

// QueueAdvertisement appends a route to the peer's pending queue. A pending
// entry with the same (family, NLRI) is replaced in place so a route that is
// updated before it drains is only sent once, with the latest attributes.
func (r *RIB) QueueAdvertisement(peer netip.Addr, route *Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := route.Key()
	for i, p := range r.pending[peer] {
		if p.Key() == key {
			r.pending[peer][i] = route
			return
		}
	}
	r.pending[peer] = append(r.pending[peer], route)
}

// HasOutbound reports whether the peer's pending queue or Adj-RIB-Out
// already contains the key. Used to avoid re-queueing static config routes
// on every session establishment.
func (r *RIB) HasOutbound(peer netip.Addr, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.advertised[peer][key]; ok {
		return true
	}
	for _, p := range r.pending[peer] {
		if p.Key() == key {
			return true
		}
	}
	return false
}

// TakePending drains and returns the peer's pending advertisements in queue
// order. After a successful transmission the caller must MarkAdvertised the
// routes; if the session dies first, RequeuePeer restores outbound state
// from the Adj-RIB-Out snapshot.
func (r *RIB) TakePending(peer netip.Addr) []*Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	routes := r.pending[peer]
	delete(r.pending, peer)
	return routes
}

// PendingCount returns the length of the peer's pending queue.
func (r *RIB) PendingCount(peer netip.Addr) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[peer])
}

// MarkAdvertised records routes in the peer's Adj-RIB-Out.
func (r *RIB) MarkAdvertised(peer netip.Addr, routes []*Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.advertised[peer]
	if t == nil {
		t = map[string]*Route{}
		r.advertised[peer] = t
	}
	for _, route := range routes {
		t[route.Key()] = route
	}
}

// RequeuePeer moves the peer's Adj-RIB-Out back onto the pending queue, in
// the order the routes were first queued, so the next established session
// re-advertises them.
func (r *RIB) RequeuePeer(peer netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	adv := r.advertised[peer]
	if len(adv) == 0 {
		return
	}
	requeued := make([]*Route, 0, len(adv))
	for _, route := range adv {
		requeued = append(requeued, route)
	}
	sort.Slice(requeued, func(i, j int) bool {
		return requeued[i].ReceivedAt.Before(requeued[j].ReceivedAt)
	})
	seen := map[string]bool{}
	for _, p := range r.pending[peer] {
		seen[p.Key()] = true
	}
	for _, route := range requeued {
		if !seen[route.Key()] {
			r.pending[peer] = append(r.pending[peer], route)
		}
	}
	delete(r.advertised, peer)
}

// DropPeer removes all state for the peer: Adj-RIB-In, Adj-RIB-Out and the
// pending queue. Called when a peer is deconfigured.
func (r *RIB) DropPeer(peer netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.learned, peer)
	delete(r.pending, peer)
	delete(r.advertised, peer)
}

// EnumerateLearned returns a snapshot of Adj-RIB-In entries accepted by the
// filter, ordered by receive time.
func (r *RIB) EnumerateLearned(filter Filter) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return enumerate(r.learned, filter)
}

// EnumerateAdvertised returns a snapshot of Adj-RIB-Out entries accepted by
// the filter, ordered by receive time.
func (r *RIB) EnumerateAdvertised(filter Filter) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return enumerate(r.advertised, filter)
}

func enumerate(tables map[netip.Addr]map[string]*Route, filter Filter) []Entry {
	var out []Entry
	for peer, t := range tables {
		for _, route := range t {
			e := Entry{Peer: peer, Route: route}
			if filter == nil || filter(e) {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Route.ReceivedAt.Before(out[j].Route.ReceivedAt)
	})
	return out
}
