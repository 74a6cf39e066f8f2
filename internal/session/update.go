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
	"time"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"

	"github.com/msiegen/bgpd/internal/config"
	"github.com/msiegen/bgpd/internal/rib"
)

// processUpdate applies one inbound UPDATE to the RIB. Withdrawn routes are
// removed, then the path attributes are parsed once and shared across all
// announced NLRIs. An UPDATE with neither is a valid keepalive-equivalent.
func (f *fsm) processUpdate(m *bgp.BGPUpdate, neg *Negotiated) {
	now := time.Now()
	peer := f.peer.addr
	src := rib.PeerSource(neg.PeerRouterID)
	u := rib.ParseUpdateAttributes(m.PathAttributes)

	for _, w := range m.WithdrawnRoutes {
		f.r.WithdrawLearned(peer, rib.IPv4Unicast, w)
	}
	for _, w := range u.Unreach {
		f.r.WithdrawLearned(peer, u.UnreachFam, w)
	}

	if len(m.NLRI) > 0 {
		for _, n := range m.NLRI {
			f.r.InsertLearned(peer, &rib.Route{
				Family:     rib.IPv4Unicast,
				NLRI:       n,
				Attrs:      u.Attrs,
				Source:     src,
				ReceivedAt: now,
			})
		}
	}
	if len(u.Reach) > 0 {
		// Ignore route families not previously negotiated with the peer. A
		// well behaved peer should not send them.
		if !neg.Families.Contains(u.ReachFam) {
			f.log.WithField("family", u.ReachFam.String()).Debug("ignoring update for family not negotiated with peer")
		} else {
			attrs := *u.Attrs
			if u.MPNexthop.IsValid() {
				attrs.Nexthop = u.MPNexthop
			}
			for _, n := range u.Reach {
				f.r.InsertLearned(peer, &rib.Route{
					Family:     u.ReachFam,
					NLRI:       n,
					Attrs:      &attrs,
					Source:     src,
					ReceivedAt: now,
				})
			}
		}
	}
	stats.Prefixes(peer.String(), f.r.CountLearned(peer))
}

// pathAttributes builds the outbound attribute list for one route. For IPv4
// unicast the nexthop travels in NEXT_HOP and the NLRI in the message body;
// every other family carries both in MP_REACH_NLRI, which goes first per
// RFC 7606 section 5.1.
func pathAttributes(r *rib.Route, cfg *config.Peer, nlris []bgp.AddrPrefixInterface) []bgp.PathAttributeInterface {
	a := r.Attrs
	asPath := a.ASPath
	if cfg.IsEBGP() {
		asPath = append([]uint32{cfg.LocalAS}, asPath...)
	}
	attrs := make([]bgp.PathAttributeInterface, 0, 8)
	if r.Family != rib.IPv4Unicast {
		nexthop := a.Nexthop.String()
		if !a.Nexthop.IsValid() {
			// Flowspec NLRIs carry no nexthop.
			nexthop = "0.0.0.0"
		}
		attrs = append(attrs, bgp.NewPathAttributeMpReachNLRI(nexthop, nlris))
	}
	attrs = append(attrs,
		bgp.NewPathAttributeOrigin(a.Origin),
		bgp.NewPathAttributeAsPath([]bgp.AsPathParamInterface{
			bgp.NewAs4PathParam(bgp.BGP_ASPATH_ATTR_TYPE_SEQ, asPath),
		}),
	)
	if r.Family == rib.IPv4Unicast {
		attrs = append(attrs, bgp.NewPathAttributeNextHop(a.Nexthop.String()))
	}
	if !cfg.IsEBGP() {
		// LOCAL_PREF stays within the AS.
		lp := rib.DefaultLocalPref
		if a.LocalPref != nil {
			lp = *a.LocalPref
		}
		attrs = append(attrs, bgp.NewPathAttributeLocalPref(lp))
	}
	if a.MED != nil {
		attrs = append(attrs, bgp.NewPathAttributeMultiExitDisc(*a.MED))
	}
	if len(a.Communities) > 0 {
		attrs = append(attrs, bgp.NewPathAttributeCommunities(a.Communities.Uint32s()))
	}
	if len(a.ExtCommunities) > 0 {
		attrs = append(attrs, bgp.NewPathAttributeExtendedCommunities(a.ExtCommunities))
	}
	return attrs
}

// updateGroup is a batch of routes that share one attribute set and family
// and can travel in a single UPDATE.
type updateGroup struct {
	key    string
	routes []*rib.Route
}

// buildUpdates turns drained pending routes into UPDATE messages: one per
// group of routes with identical attributes, splitting a group once its NLRI
// octets would exceed the maximum size less a fixed 512 octets of headroom.
// The size of the header and attributes is not measured, so an attribute set
// larger than that headroom can yield a message over the maximum size.
func buildUpdates(routes []*rib.Route, cfg *config.Peer) ([]*bgp.BGPMessage, error) {
	var groups []*updateGroup
	index := map[string]*updateGroup{}
	for _, r := range routes {
		key := r.Family.String() + "|" + r.Attrs.Signature()
		g := index[key]
		if g == nil {
			g = &updateGroup{key: key}
			index[key] = g
			groups = append(groups, g)
		}
		g.routes = append(g.routes, r)
	}

	var msgs []*bgp.BGPMessage
	for _, g := range groups {
		var batch []bgp.AddrPrefixInterface
		size := 0
		flush := func() {
			if len(batch) == 0 {
				return
			}
			attrs := pathAttributes(g.routes[0], cfg, batch)
			var nlri []*bgp.IPAddrPrefix
			if g.routes[0].Family == rib.IPv4Unicast {
				for _, ap := range batch {
					nlri = append(nlri, ap.(*bgp.IPAddrPrefix))
				}
			}
			msgs = append(msgs, bgp.NewBGPUpdateMessage(nil, attrs, nlri))
			batch = nil
			size = 0
		}
		for _, r := range g.routes {
			// Leave generous headroom for the header and attributes; exact
			// accounting is not worth it when the limit only matters for very
			// large batches.
			if size > 0 && size+r.NLRI.Len() > maxUpdateSize-512 {
				flush()
			}
			batch = append(batch, r.NLRI)
			size += r.NLRI.Len()
		}
		flush()
	}
	return msgs, nil
}
