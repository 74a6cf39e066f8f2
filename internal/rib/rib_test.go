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

package rib

import (
	"net/netip"
	"testing"
	"time"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

var (
	peer1 = netip.MustParseAddr("127.0.0.2")
	peer2 = netip.MustParseAddr("127.0.0.3")
)

func testRoute(t *testing.T, prefix string, med uint32, at time.Time) *Route {
	t.Helper()
	p := netip.MustParsePrefix(prefix)
	nlri, err := NewPrefixNLRI(p)
	if err != nil {
		t.Fatalf("NewPrefixNLRI(%v): %v", p, err)
	}
	return &Route{
		Family:     FamilyFor(p.Addr()),
		NLRI:       nlri,
		Attrs:      &Attributes{Nexthop: netip.MustParseAddr("10.0.0.1"), MED: &med},
		Source:     PeerSource(netip.MustParseAddr("2.2.2.2")),
		ReceivedAt: at,
	}
}

func TestInsertLearnedReplaces(t *testing.T) {
	r := New()
	now := time.Now()
	r.InsertLearned(peer1, testRoute(t, "2.10.0.0/24", 10, now))
	r.InsertLearned(peer1, testRoute(t, "2.10.0.0/24", 20, now.Add(time.Second)))
	got := r.EnumerateLearned(FromPeer(peer1))
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	if med := got[0].Route.Attrs.MED; med == nil || *med != 20 {
		t.Errorf("got MED %v, want 20", med)
	}
}

func TestWithdrawLearned(t *testing.T) {
	r := New()
	route := testRoute(t, "2.10.0.0/24", 10, time.Now())
	r.InsertLearned(peer1, route)
	r.WithdrawLearned(peer1, route.Family, route.NLRI)
	if got := r.CountLearned(peer1); got != 0 {
		t.Errorf("got %d entries, want 0", got)
	}
}

func TestWithdrawAbsentIsNoOp(t *testing.T) {
	r := New()
	r.InsertLearned(peer1, testRoute(t, "2.10.0.0/24", 10, time.Now()))
	other := testRoute(t, "2.20.0.0/24", 10, time.Now())
	r.WithdrawLearned(peer1, other.Family, other.NLRI)
	r.WithdrawLearned(peer2, other.Family, other.NLRI)
	if got := r.CountLearned(peer1); got != 1 {
		t.Errorf("got %d entries, want 1", got)
	}
}

func TestLearnedKeyedPerPeer(t *testing.T) {
	r := New()
	now := time.Now()
	r.InsertLearned(peer1, testRoute(t, "2.10.0.0/24", 10, now))
	r.InsertLearned(peer2, testRoute(t, "2.10.0.0/24", 20, now))
	if got := len(r.EnumerateLearned(nil)); got != 2 {
		t.Errorf("got %d entries, want 2", got)
	}
	r.ClearPeerLearned(peer1)
	got := r.EnumerateLearned(nil)
	if len(got) != 1 || got[0].Peer != peer2 {
		t.Errorf("got %+v, want only %v", got, peer2)
	}
}

func TestPendingDrainsOnce(t *testing.T) {
	r := New()
	now := time.Now()
	r.QueueAdvertisement(peer1, testRoute(t, "9.9.9.0/24", 1, now))
	r.QueueAdvertisement(peer1, testRoute(t, "9.9.8.0/24", 1, now.Add(time.Second)))
	first := r.TakePending(peer1)
	if len(first) != 2 {
		t.Fatalf("got %d pending, want 2", len(first))
	}
	if first[0].NLRI.String() != "9.9.9.0/24" {
		t.Errorf("queue order lost: got %v first", first[0].NLRI)
	}
	if second := r.TakePending(peer1); len(second) != 0 {
		t.Errorf("got %d pending on second drain, want 0", len(second))
	}
}

func TestQueueReplacesSameKey(t *testing.T) {
	r := New()
	now := time.Now()
	r.QueueAdvertisement(peer1, testRoute(t, "9.9.9.0/24", 1, now))
	r.QueueAdvertisement(peer1, testRoute(t, "9.9.9.0/24", 2, now.Add(time.Second)))
	pending := r.TakePending(peer1)
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	if med := pending[0].Attrs.MED; med == nil || *med != 2 {
		t.Errorf("got MED %v, want the replacement route", med)
	}
}

func TestRequeueFromAdvertised(t *testing.T) {
	r := New()
	now := time.Now()
	r.QueueAdvertisement(peer1, testRoute(t, "9.9.9.0/24", 1, now))
	r.QueueAdvertisement(peer1, testRoute(t, "9.9.8.0/24", 1, now.Add(time.Second)))
	routes := r.TakePending(peer1)
	r.MarkAdvertised(peer1, routes)
	if got := len(r.EnumerateAdvertised(FromPeer(peer1))); got != 2 {
		t.Fatalf("got %d advertised, want 2", got)
	}

	// A session reset re-queues the Adj-RIB-Out snapshot, oldest first.
	r.RequeuePeer(peer1)
	requeued := r.TakePending(peer1)
	if len(requeued) != 2 {
		t.Fatalf("got %d requeued, want 2", len(requeued))
	}
	if requeued[0].NLRI.String() != "9.9.9.0/24" {
		t.Errorf("got %v first, want oldest route first", requeued[0].NLRI)
	}
	if got := len(r.EnumerateAdvertised(FromPeer(peer1))); got != 0 {
		t.Errorf("got %d advertised after requeue, want 0", got)
	}
}

func TestHasOutbound(t *testing.T) {
	r := New()
	route := testRoute(t, "9.9.9.0/24", 1, time.Now())
	if r.HasOutbound(peer1, route.Key()) {
		t.Error("got outbound state for empty RIB")
	}
	r.QueueAdvertisement(peer1, route)
	if !r.HasOutbound(peer1, route.Key()) {
		t.Error("pending route not reported as outbound")
	}
	routes := r.TakePending(peer1)
	r.MarkAdvertised(peer1, routes)
	if !r.HasOutbound(peer1, route.Key()) {
		t.Error("advertised route not reported as outbound")
	}
}

func TestDropPeer(t *testing.T) {
	r := New()
	now := time.Now()
	r.InsertLearned(peer1, testRoute(t, "2.10.0.0/24", 10, now))
	r.QueueAdvertisement(peer1, testRoute(t, "9.9.9.0/24", 1, now))
	r.MarkAdvertised(peer1, []*Route{testRoute(t, "9.9.8.0/24", 1, now)})
	r.DropPeer(peer1)
	if got := r.CountLearned(peer1); got != 0 {
		t.Errorf("got %d learned, want 0", got)
	}
	if got := len(r.TakePending(peer1)); got != 0 {
		t.Errorf("got %d pending, want 0", got)
	}
	if got := len(r.EnumerateAdvertised(FromPeer(peer1))); got != 0 {
		t.Errorf("got %d advertised, want 0", got)
	}
}

func TestFlowspecKeyedSeparately(t *testing.T) {
	r := New()
	nlri, err := NewFlowSpecNLRI(IPv4Flowspec, []string{"destination 10.0.0.0/24"})
	if err != nil {
		t.Fatalf("NewFlowSpecNLRI: %v", err)
	}
	flow := &Route{
		Family:     IPv4Flowspec,
		NLRI:       nlri,
		Attrs:      &Attributes{ExtCommunities: []bgp.ExtendedCommunityInterface{bgp.NewTrafficRateExtended(0, 0)}},
		Source:     APISource(),
		ReceivedAt: time.Now(),
	}
	r.InsertLearned(peer1, flow)
	r.InsertLearned(peer1, testRoute(t, "10.0.0.0/24", 1, time.Now()))
	if got := r.CountLearned(peer1); got != 2 {
		t.Errorf("got %d entries, want 2: unicast and flowspec must not collide", got)
	}
}
