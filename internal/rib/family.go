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
	"strings"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

const (
	IPv4Unicast  = Family(bgp.AFI_IP)<<16 | Family(bgp.SAFI_UNICAST)
	IPv6Unicast  = Family(bgp.AFI_IP6)<<16 | Family(bgp.SAFI_UNICAST)
	IPv4Flowspec = Family(bgp.AFI_IP)<<16 | Family(bgp.SAFI_FLOW_SPEC_UNICAST)
	IPv6Flowspec = Family(bgp.AFI_IP6)<<16 | Family(bgp.SAFI_FLOW_SPEC_UNICAST)
)

// A Family is an (AFI, SAFI) tuple packed into a single comparable value.
type Family uint32

func NewFamily(afi uint16, safi uint8) Family {
	return Family(afi)<<16 | Family(safi)
}

func FamilyFor(a netip.Addr) Family {
	switch {
	case a.Is4():
		return IPv4Unicast
	case a.Is6():
		return IPv6Unicast
	default:
		return 0
	}
}

func (f Family) Split() (uint16, uint8) {
	return uint16(f >> 16), uint8(f & 0xffff)
}

func (f Family) AFI() uint16 {
	return uint16(f >> 16)
}

func (f Family) SAFI() uint8 {
	return uint8(f & 0xffff)
}

// RouteFamily converts to the codec's packed representation.
func (f Family) RouteFamily() bgp.RouteFamily {
	return bgp.AfiSafiToRouteFamily(f.AFI(), f.SAFI())
}

func (f Family) AFIString() string {
	switch f.AFI() {
	case bgp.AFI_IP:
		return "IPv4"
	case bgp.AFI_IP6:
		return "IPv6"
	}
	return fmt.Sprintf("AFI(%d)", f.AFI())
}

func (f Family) SAFIString() string {
	switch f.SAFI() {
	case bgp.SAFI_UNICAST:
		return "Unicast"
	case bgp.SAFI_FLOW_SPEC_UNICAST:
		return "Flowspec"
	}
	return fmt.Sprintf("SAFI(%d)", f.SAFI())
}

func (f Family) String() string {
	return f.AFIString() + " " + f.SAFIString()
}

// ParseFamily parses the configuration syntax, e.g. "ipv4 unicast" or
// "ipv6 flow".
func ParseFamily(s string) (Family, error) {
	parts := strings.Fields(strings.ToLower(s))
	if len(parts) != 2 {
		return 0, fmt.Errorf("incorrect family format: %q", s)
	}
	var afi uint16
	switch parts[0] {
	case "ipv4":
		afi = bgp.AFI_IP
	case "ipv6":
		afi = bgp.AFI_IP6
	default:
		return 0, fmt.Errorf("unsupported AFI: %q", parts[0])
	}
	var safi uint8
	switch parts[1] {
	case "unicast":
		safi = bgp.SAFI_UNICAST
	case "flow", "flowspec":
		safi = bgp.SAFI_FLOW_SPEC_UNICAST
	default:
		return 0, fmt.Errorf("unsupported SAFI: %q", parts[1])
	}
	return NewFamily(afi, safi), nil
}

func (f *Family) UnmarshalText(b []byte) error {
	parsed, err := ParseFamily(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

func (f Family) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Families is a set of route families.
type Families map[Family]bool

func NewFamilies(fs []Family) Families {
	m := make(Families, len(fs))
	for _, f := range fs {
		m[f] = true
	}
	return m
}

// Common returns the intersection with another set.
func (fs Families) Common(other Families) Families {
	m := Families{}
	for f := range fs {
		if other[f] {
			m[f] = true
		}
	}
	return m
}

func (fs Families) Contains(f Family) bool {
	return fs[f]
}

func (fs Families) Slice() []Family {
	out := make([]Family, 0, len(fs))
	for f := range fs {
		out = append(out, f)
	}
	return out
}
