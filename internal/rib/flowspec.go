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

// NewPrefixNLRI returns the unicast NLRI for a prefix.
func NewPrefixNLRI(p netip.Prefix) (bgp.AddrPrefixInterface, error) {
	a := p.Addr()
	switch {
	case !p.IsValid():
		return nil, fmt.Errorf("invalid prefix: %v", p)
	case a.Is4():
		return bgp.NewIPAddrPrefix(uint8(p.Bits()), a.String()), nil
	case a.Is6():
		return bgp.NewIPv6AddrPrefix(uint8(p.Bits()), a.String()), nil
	}
	return nil, fmt.Errorf("prefix is neither ipv4 nor ipv6: %v", p)
}

// NewFlowSpecNLRI builds a flowspec NLRI from textual match rules.
func NewFlowSpecNLRI(family Family, matches []string) (bgp.AddrPrefixInterface, error) {
	rules, err := bgp.ParseFlowSpecComponents(family.RouteFamily(), strings.Join(matches, " "))
	if err != nil {
		return nil, fmt.Errorf("invalid flowspec matches: %v", err)
	}
	switch family {
	case IPv4Flowspec:
		return bgp.NewFlowSpecIPv4Unicast(rules), nil
	case IPv6Flowspec:
		return bgp.NewFlowSpecIPv6Unicast(rules), nil
	}
	return nil, fmt.Errorf("unsupported flowspec family: %v", family)
}

// ParseFlowSpecAction maps an action string to the extended community that
// encodes it. Supported actions:
//
//	redirect <as>:<value>
//	traffic-rate <bytes-per-second>
func ParseFlowSpecAction(action string) (bgp.ExtendedCommunityInterface, error) {
	words := strings.Fields(action)
	if len(words) == 0 {
		return nil, fmt.Errorf("no flowspec action found")
	}
	switch strings.ToLower(words[0]) {
	case "redirect":
		if len(words) < 2 {
			return nil, fmt.Errorf("redirect must provide a community")
		}
		c, err := ParseCommunity(words[1])
		if err != nil {
			return nil, fmt.Errorf("unable to parse redirect community %q: %v", words[1], err)
		}
		return bgp.NewRedirectTwoOctetAsSpecificExtended(c.Origin, uint32(c.Value)), nil
	case "traffic-rate":
		if len(words) < 2 {
			return nil, fmt.Errorf("traffic-rate must provide a rate")
		}
		rate, err := strconv.ParseFloat(words[1], 32)
		if err != nil || rate < 0 {
			return nil, fmt.Errorf("unable to parse traffic rate %q", words[1])
		}
		return bgp.NewTrafficRateExtended(0, float32(rate)), nil
	}
	return nil, fmt.Errorf("unsupported flowspec action: %s", words[0])
}
