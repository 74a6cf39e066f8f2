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
	"fmt"
	"net/netip"
	"time"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// RouteSpec describes a unicast route to advertise. It is the shape shared
// by static routes in the config file and the advertise_route RPC method.
type RouteSpec struct {
	Prefix      string   `toml:"prefix" json:"prefix"`
	NextHop     string   `toml:"next_hop" json:"next_hop"`
	Origin      string   `toml:"origin" json:"origin,omitempty"`
	LocalPref   *uint32  `toml:"local_pref" json:"local_pref,omitempty"`
	MED         *uint32  `toml:"med" json:"med,omitempty"`
	ASPath      []string `toml:"as_path" json:"as_path,omitempty"`
	Communities []string `toml:"communities" json:"communities,omitempty"`
}

// Parse builds a Route from the spec. The caller stamps Source and
// ReceivedAt.
func (s *RouteSpec) Parse() (*Route, error) {
	prefix, err := netip.ParsePrefix(s.Prefix)
	if err != nil {
		return nil, fmt.Errorf("invalid prefix %q: %v", s.Prefix, err)
	}
	nexthop, err := netip.ParseAddr(s.NextHop)
	if err != nil {
		return nil, fmt.Errorf("invalid next_hop %q: %v", s.NextHop, err)
	}
	nlri, err := NewPrefixNLRI(prefix)
	if err != nil {
		return nil, err
	}
	asPath, err := ParseASPath(s.ASPath)
	if err != nil {
		return nil, err
	}
	communities, err := ParseCommunityList(s.Communities)
	if err != nil {
		return nil, err
	}
	return &Route{
		Family: FamilyFor(prefix.Addr()),
		NLRI:   nlri,
		Attrs: &Attributes{
			Origin:      ParseOrigin(s.Origin),
			ASPath:      asPath,
			Nexthop:     nexthop,
			LocalPref:   s.LocalPref,
			MED:         s.MED,
			Communities: communities,
		},
		ReceivedAt: time.Now(),
	}, nil
}

// FlowSpec describes a flowspec entry to advertise, with the match rules in
// the textual syntax the codec understands (e.g. "destination 10.0.0.0/24",
// "destination-port ==80") and an action like "redirect 65000:100" or
// "traffic-rate 1000".
type FlowSpec struct {
	AFI         uint16   `toml:"afi" json:"afi"`
	Action      string   `toml:"action" json:"action"`
	Matches     []string `toml:"matches" json:"matches"`
	Origin      string   `toml:"origin" json:"origin,omitempty"`
	LocalPref   *uint32  `toml:"local_pref" json:"local_pref,omitempty"`
	ASPath      []string `toml:"as_path" json:"as_path,omitempty"`
	Communities []string `toml:"communities" json:"communities,omitempty"`
}

// Parse builds a Route whose NLRI is the flowspec match list and whose
// extended communities carry the action.
func (s *FlowSpec) Parse() (*Route, error) {
	var family Family
	switch s.AFI {
	case bgp.AFI_IP:
		family = IPv4Flowspec
	case bgp.AFI_IP6:
		family = IPv6Flowspec
	default:
		return nil, fmt.Errorf("unsupported flowspec AFI: %d", s.AFI)
	}
	if len(s.Matches) == 0 {
		return nil, fmt.Errorf("flowspec needs at least one match rule")
	}
	nlri, err := NewFlowSpecNLRI(family, s.Matches)
	if err != nil {
		return nil, err
	}
	action, err := ParseFlowSpecAction(s.Action)
	if err != nil {
		return nil, err
	}
	asPath, err := ParseASPath(s.ASPath)
	if err != nil {
		return nil, err
	}
	communities, err := ParseCommunityList(s.Communities)
	if err != nil {
		return nil, err
	}
	return &Route{
		Family: family,
		NLRI:   nlri,
		Attrs: &Attributes{
			Origin:         ParseOrigin(s.Origin),
			ASPath:         asPath,
			LocalPref:      s.LocalPref,
			Communities:    communities,
			ExtCommunities: []bgp.ExtendedCommunityInterface{action},
		},
		ReceivedAt: time.Now(),
	}, nil
}
