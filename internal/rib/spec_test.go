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

	"github.com/google/go-cmp/cmp"
	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

func TestRouteSpecParse(t *testing.T) {
	lp := uint32(200)
	for _, tc := range []struct {
		Name       string
		Input      RouteSpec
		WantFamily Family
		WantAttrs  *Attributes
		WantErr    bool
	}{
		{
			Name: "ipv4 defaults",
			Input: RouteSpec{
				Prefix:  "9.9.9.0/24",
				NextHop: "127.0.0.1",
			},
			WantFamily: IPv4Unicast,
			WantAttrs: &Attributes{
				Origin:      bgp.BGP_ORIGIN_ATTR_TYPE_INCOMPLETE,
				Nexthop:     netip.MustParseAddr("127.0.0.1"),
				ASPath:      []uint32{},
				Communities: CommunityList{},
			},
		},
		{
			Name: "ipv6 with attributes",
			Input: RouteSpec{
				Prefix:      "2001:db8::/48",
				NextHop:     "2001:db8::1",
				Origin:      "igp",
				LocalPref:   &lp,
				ASPath:      []string{"65000", "65000.1"},
				Communities: []string{"65000:10"},
			},
			WantFamily: IPv6Unicast,
			WantAttrs: &Attributes{
				Origin:      bgp.BGP_ORIGIN_ATTR_TYPE_IGP,
				Nexthop:     netip.MustParseAddr("2001:db8::1"),
				LocalPref:   &lp,
				ASPath:      []uint32{65000, 65000<<16 | 1},
				Communities: CommunityList{{65000, 10}},
			},
		},
		{
			Name:    "bad prefix",
			Input:   RouteSpec{Prefix: "9.9.9.0", NextHop: "127.0.0.1"},
			WantErr: true,
		},
		{
			Name:    "bad next hop",
			Input:   RouteSpec{Prefix: "9.9.9.0/24", NextHop: "nowhere"},
			WantErr: true,
		},
		{
			Name:    "bad community",
			Input:   RouteSpec{Prefix: "9.9.9.0/24", NextHop: "127.0.0.1", Communities: []string{"a:b"}},
			WantErr: true,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			got, err := tc.Input.Parse()
			if tc.WantErr {
				if err == nil {
					t.Fatalf("got success, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("got error %q, want success", err)
			}
			if got.Family != tc.WantFamily {
				t.Errorf("got family %v, want %v", got.Family, tc.WantFamily)
			}
			if diff := cmp.Diff(tc.WantAttrs, got.Attrs, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
				t.Errorf("attrs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFlowSpecParse(t *testing.T) {
	spec := FlowSpec{
		AFI:     bgp.AFI_IP,
		Action:  "redirect 65000:100",
		Matches: []string{"destination 10.0.0.0/24", "destination-port ==80"},
	}
	got, err := spec.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Family != IPv4Flowspec {
		t.Errorf("got family %v, want %v", got.Family, IPv4Flowspec)
	}
	if len(got.Attrs.ExtCommunities) != 1 {
		t.Fatalf("got %d extended communities, want 1", len(got.Attrs.ExtCommunities))
	}
	if _, ok := got.Attrs.ExtCommunities[0].(*bgp.RedirectTwoOctetAsSpecificExtended); !ok {
		t.Errorf("got %T, want redirect extended community", got.Attrs.ExtCommunities[0])
	}
}

func TestFlowSpecParseErrors(t *testing.T) {
	for _, tc := range []struct {
		Name  string
		Input FlowSpec
	}{
		{
			Name:  "bad afi",
			Input: FlowSpec{AFI: 25, Action: "redirect 65000:100", Matches: []string{"destination 10.0.0.0/24"}},
		},
		{
			Name:  "no matches",
			Input: FlowSpec{AFI: bgp.AFI_IP, Action: "redirect 65000:100"},
		},
		{
			Name:  "unsupported action",
			Input: FlowSpec{AFI: bgp.AFI_IP, Action: "discard", Matches: []string{"destination 10.0.0.0/24"}},
		},
		{
			Name:  "redirect without community",
			Input: FlowSpec{AFI: bgp.AFI_IP, Action: "redirect", Matches: []string{"destination 10.0.0.0/24"}},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			if _, err := tc.Input.Parse(); err == nil {
				t.Error("got success, want error")
			}
		})
	}
}

func TestParseFlowSpecAction(t *testing.T) {
	ec, err := ParseFlowSpecAction("traffic-rate 9600")
	if err != nil {
		t.Fatalf("ParseFlowSpecAction: %v", err)
	}
	rate, ok := ec.(*bgp.TrafficRateExtended)
	if !ok {
		t.Fatalf("got %T, want traffic rate extended community", ec)
	}
	if rate.Rate != 9600 {
		t.Errorf("got rate %v, want 9600", rate.Rate)
	}
}
