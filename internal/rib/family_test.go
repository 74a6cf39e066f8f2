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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseFamily(t *testing.T) {
	for _, tc := range []struct {
		Name    string
		Input   string
		Want    Family
		WantErr bool
	}{
		{
			Name:  "ipv4 unicast",
			Input: "ipv4 unicast",
			Want:  IPv4Unicast,
		},
		{
			Name:  "ipv6 unicast",
			Input: "ipv6 unicast",
			Want:  IPv6Unicast,
		},
		{
			Name:  "ipv4 flow",
			Input: "ipv4 flow",
			Want:  IPv4Flowspec,
		},
		{
			Name:  "ipv6 flowspec",
			Input: "ipv6 flowspec",
			Want:  IPv6Flowspec,
		},
		{
			Name:  "mixed case",
			Input: "IPv4 Unicast",
			Want:  IPv4Unicast,
		},
		{
			Name:    "one word",
			Input:   "ipv4",
			WantErr: true,
		},
		{
			Name:    "unknown afi",
			Input:   "l2vpn unicast",
			WantErr: true,
		},
		{
			Name:    "unknown safi",
			Input:   "ipv4 multicast",
			WantErr: true,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			got, err := ParseFamily(tc.Input)
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

func TestFamilyString(t *testing.T) {
	for _, tc := range []struct {
		Input Family
		Want  string
	}{
		{IPv4Unicast, "IPv4 Unicast"},
		{IPv6Unicast, "IPv6 Unicast"},
		{IPv4Flowspec, "IPv4 Flowspec"},
		{IPv6Flowspec, "IPv6 Flowspec"},
	} {
		if got := tc.Input.String(); got != tc.Want {
			t.Errorf("String(%v): got %q, want %q", uint32(tc.Input), got, tc.Want)
		}
	}
}

func TestFamilySplit(t *testing.T) {
	afi, safi := IPv6Flowspec.Split()
	if afi != 2 || safi != 133 {
		t.Errorf("got (%v, %v), want (2, 133)", afi, safi)
	}
	if got := NewFamily(afi, safi); got != IPv6Flowspec {
		t.Errorf("round trip: got %v, want %v", got, IPv6Flowspec)
	}
}

func TestFamiliesCommon(t *testing.T) {
	local := NewFamilies([]Family{IPv4Unicast, IPv6Unicast, IPv4Flowspec})
	remote := NewFamilies([]Family{IPv4Unicast, IPv4Flowspec, IPv6Flowspec})
	got := local.Common(remote)
	want := NewFamilies([]Family{IPv4Unicast, IPv4Flowspec})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Common() mismatch (-want +got):\n%s", diff)
	}
}
