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
	"strconv"
	"strings"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// DefaultLocalPref is the local preference assumed for routes that do not
// specify one.
const DefaultLocalPref uint32 = 100

// Attributes is the path attribute set shared by one or more NLRIs.
type Attributes struct {
	Origin  uint8
	ASPath  []uint32
	Nexthop netip.Addr
	// LocalPref and MED are optional; nil means absent.
	LocalPref      *uint32
	MED            *uint32
	Communities    CommunityList
	ExtCommunities []bgp.ExtendedCommunityInterface
}

// Signature returns a string that is equal for two attribute sets exactly
// when all their fields are equal. The UPDATE batcher groups routes by it.
func (a *Attributes) Signature() string {
	var b strings.Builder
	fmt.Fprintf(&b, "o%d|p%s|n%s", a.Origin, FormatASPath(a.ASPath), a.Nexthop)
	if a.LocalPref != nil {
		fmt.Fprintf(&b, "|l%d", *a.LocalPref)
	}
	if a.MED != nil {
		fmt.Fprintf(&b, "|m%d", *a.MED)
	}
	if len(a.Communities) > 0 {
		b.WriteString("|c" + a.Communities.String())
	}
	for _, ec := range a.ExtCommunities {
		b.WriteString("|e" + ec.String())
	}
	return b.String()
}

func (a *Attributes) OriginString() string {
	switch a.Origin {
	case bgp.BGP_ORIGIN_ATTR_TYPE_IGP:
		return "IGP"
	case bgp.BGP_ORIGIN_ATTR_TYPE_EGP:
		return "EGP"
	default:
		return "Incomplete"
	}
}

// ParseOrigin maps the configuration syntax to an origin code. Anything
// unrecognized is Incomplete, as the original config loader behaved.
func ParseOrigin(s string) uint8 {
	switch strings.ToLower(s) {
	case "igp":
		return bgp.BGP_ORIGIN_ATTR_TYPE_IGP
	case "egp":
		return bgp.BGP_ORIGIN_ATTR_TYPE_EGP
	default:
		return bgp.BGP_ORIGIN_ATTR_TYPE_INCOMPLETE
	}
}

// ParseASN parses an AS number in plain ("65000") or asdot ("65000.1")
// notation.
func ParseASN(s string) (uint32, error) {
	if high, low, ok := strings.Cut(s, "."); ok {
		h, err := strconv.ParseUint(high, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid asdot ASN %q: %v", s, err)
		}
		l, err := strconv.ParseUint(low, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid asdot ASN %q: %v", s, err)
		}
		return uint32(h)<<16 | uint32(l), nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid ASN %q: %v", s, err)
	}
	return uint32(v), nil
}

// ParseASPath parses a sequence of AS numbers.
func ParseASPath(in []string) ([]uint32, error) {
	out := make([]uint32, 0, len(in))
	for _, s := range in {
		asn, err := ParseASN(s)
		if err != nil {
			return nil, err
		}
		out = append(out, asn)
	}
	return out, nil
}

// FormatASPath renders an AS path as space separated numbers.
func FormatASPath(path []uint32) string {
	parts := make([]string, 0, len(path))
	for _, asn := range path {
		parts = append(parts, strconv.FormatUint(uint64(asn), 10))
	}
	return strings.Join(parts, " ")
}

// ParsedUpdate is the result of parsing one inbound UPDATE's attributes.
type ParsedUpdate struct {
	Attrs *Attributes
	// Reach and Unreach carry the multiprotocol NLRIs together with their
	// family. MPNexthop is the nexthop from MP_REACH_NLRI, which takes
	// precedence over NEXT_HOP for those NLRIs.
	Reach      []bgp.AddrPrefixInterface
	ReachFam   Family
	MPNexthop  netip.Addr
	Unreach    []bgp.AddrPrefixInterface
	UnreachFam Family
}

// ParseUpdateAttributes walks an UPDATE's path attributes once, extracting
// the shared attribute set and any multiprotocol reach/unreach payloads.
func ParseUpdateAttributes(pattrs []bgp.PathAttributeInterface) *ParsedUpdate {
	u := &ParsedUpdate{Attrs: &Attributes{Origin: bgp.BGP_ORIGIN_ATTR_TYPE_INCOMPLETE}}
	for _, pa := range pattrs {
		switch a := pa.(type) {
		case *bgp.PathAttributeOrigin:
			u.Attrs.Origin = a.Value
		case *bgp.PathAttributeAsPath:
			for _, param := range a.Value {
				u.Attrs.ASPath = append(u.Attrs.ASPath, param.GetAS()...)
			}
		case *bgp.PathAttributeNextHop:
			if nh, ok := netip.AddrFromSlice(a.Value); ok {
				u.Attrs.Nexthop = nh.Unmap()
			}
		case *bgp.PathAttributeLocalPref:
			v := a.Value
			u.Attrs.LocalPref = &v
		case *bgp.PathAttributeMultiExitDisc:
			v := a.Value
			u.Attrs.MED = &v
		case *bgp.PathAttributeCommunities:
			u.Attrs.Communities = NewCommunityList(a.Value)
		case *bgp.PathAttributeExtendedCommunities:
			u.Attrs.ExtCommunities = a.Value
		case *bgp.PathAttributeMpReachNLRI:
			u.ReachFam = NewFamily(a.AFI, a.SAFI)
			u.Reach = a.Value
			if nh, ok := netip.AddrFromSlice(a.Nexthop); ok {
				u.MPNexthop = nh.Unmap()
			}
		case *bgp.PathAttributeMpUnreachNLRI:
			u.UnreachFam = NewFamily(a.AFI, a.SAFI)
			u.Unreach = a.Value
		}
	}
	return u
}
