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

func TestParseASN(t *testing.T) {
	for _, tc := range []struct {
		Name    string
		Input   string
		Want    uint32
		WantErr bool
	}{
		{
			Name:  "plain 2-byte",
			Input: "65000",
			Want:  65000,
		},
		{
			Name:  "plain 4-byte",
			Input: "4200000000",
			Want:  4200000000,
		},
		{
			Name:  "asdot",
			Input: "65000.1",
			Want:  65000<<16 | 1,
		},
		{
			Name:    "asdot high out of range",
			Input:   "65536.1",
			WantErr: true,
		},
		{
			Name:    "not a number",
			Input:   "bgp",
			WantErr: true,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			got, err := ParseASN(tc.Input)
			if tc.WantErr {
				if err == nil {
					t.Fatalf("got success, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("got error %q, want success", err)
			}
			if got != tc.Want {
				t.Errorf("got %v, want %v", got, tc.Want)
			}
		})
	}
}

func TestSignature(t *testing.T) {
	med10 := uint32(10)
	med20 := uint32(20)
	base := func() *Attributes {
		return &Attributes{
			Origin:      bgp.BGP_ORIGIN_ATTR_TYPE_IGP,
			ASPath:      []uint32{65000, 65001},
			Nexthop:     netip.MustParseAddr("10.0.0.1"),
			MED:         &med10,
			Communities: NewCommunityList([]uint32{404}),
		}
	}
	same := base()
	if got, want := same.Signature(), base().Signature(); got != want {
		t.Errorf("equal attributes produced different signatures: %q vs %q", got, want)
	}
	for name, mutate := range map[string]func(*Attributes){
		"origin":  func(a *Attributes) { a.Origin = bgp.BGP_ORIGIN_ATTR_TYPE_INCOMPLETE },
		"as path": func(a *Attributes) { a.ASPath = []uint32{65000} },
		"nexthop": func(a *Attributes) { a.Nexthop = netip.MustParseAddr("10.0.0.2") },
		"med":     func(a *Attributes) { a.MED = &med20 },
		"med absent": func(a *Attributes) { a.MED = nil },
		"communities": func(a *Attributes) { a.Communities = nil },
	} {
		a := base()
		mutate(a)
		if a.Signature() == base().Signature() {
			t.Errorf("%s change did not change the signature", name)
		}
	}
}

func TestParseUpdateAttributes(t *testing.T) {
	med := uint32(10)
	attrs := []bgp.PathAttributeInterface{
		bgp.NewPathAttributeOrigin(bgp.BGP_ORIGIN_ATTR_TYPE_IGP),
		bgp.NewPathAttributeAsPath([]bgp.AsPathParamInterface{
			bgp.NewAs4PathParam(bgp.BGP_ASPATH_ATTR_TYPE_SEQ, []uint32{65000, 65001}),
		}),
		bgp.NewPathAttributeNextHop("127.0.0.2"),
		bgp.NewPathAttributeMultiExitDisc(10),
		bgp.NewPathAttributeCommunities([]uint32{404, 65000<<16 | 10}),
	}
	got := ParseUpdateAttributes(attrs)
	want := &Attributes{
		Origin:      bgp.BGP_ORIGIN_ATTR_TYPE_IGP,
		ASPath:      []uint32{65000, 65001},
		Nexthop:     netip.MustParseAddr("127.0.0.2"),
		MED:         &med,
		Communities: NewCommunityList([]uint32{404, 65000<<16 | 10}),
	}
	if diff := cmp.Diff(want, got.Attrs, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Errorf("Attrs mismatch (-want +got):\n%s", diff)
	}
}

func TestParseUpdateAttributesMPReach(t *testing.T) {
	nlri := []bgp.AddrPrefixInterface{bgp.NewIPv6AddrPrefix(48, "2001:db8::")}
	attrs := []bgp.PathAttributeInterface{
		bgp.NewPathAttributeMpReachNLRI("2001:db8::1", nlri),
		bgp.NewPathAttributeOrigin(bgp.BGP_ORIGIN_ATTR_TYPE_INCOMPLETE),
	}
	got := ParseUpdateAttributes(attrs)
	if got.ReachFam != IPv6Unicast {
		t.Errorf("got family %v, want %v", got.ReachFam, IPv6Unicast)
	}
	if len(got.Reach) != 1 {
		t.Fatalf("got %d reach NLRIs, want 1", len(got.Reach))
	}
	if want := netip.MustParseAddr("2001:db8::1"); got.MPNexthop != want {
		t.Errorf("got nexthop %v, want %v", got.MPNexthop, want)
	}
}
