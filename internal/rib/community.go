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
	"strconv"
	"strings"
)

// Community is a BGP community as defined in
// https://datatracker.ietf.org/doc/html/rfc1997.
type Community struct {
	Origin uint16
	Value  uint16
}

// NewCommunity creates a community from its numeric representation.
func NewCommunity(c uint32) Community {
	return Community{uint16(c >> 16), uint16(c & 0xffff)}
}

// ParseCommunity parses a community from a string like "64512:1". A bare
// number like "404" is accepted as a community with origin zero.
func ParseCommunity(c string) (Community, error) {
	parts := strings.Split(c, ":")
	switch len(parts) {
	case 1:
		v, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return Community{}, fmt.Errorf("invalid community: %v", err)
		}
		return NewCommunity(uint32(v)), nil
	case 2:
		origin, err := strconv.Atoi(parts[0])
		if err != nil {
			return Community{}, fmt.Errorf("invalid community origin: %v", err)
		}
		if origin < 0 || origin > 0xffff {
			return Community{}, fmt.Errorf("invalid community origin: out of range: %v", origin)
		}
		value, err := strconv.Atoi(parts[1])
		if err != nil {
			return Community{}, fmt.Errorf("invalid community value: %v", err)
		}
		if value < 0 || value > 0xffff {
			return Community{}, fmt.Errorf("invalid community value: out of range: %v", value)
		}
		return Community{uint16(origin), uint16(value)}, nil
	default:
		return Community{}, fmt.Errorf("community is not two parts: %q", c)
	}
}

// Uint32 converts a community to its numeric representation.
func (c Community) Uint32() uint32 {
	return uint32(c.Origin)<<16 | uint32(c.Value)
}

// String converts a community to a colon separated string like "64512:1".
// Communities with origin zero render as the bare value, matching how they
// are commonly written.
func (c Community) String() string {
	if c.Origin == 0 {
		return strconv.Itoa(int(c.Value))
	}
	return fmt.Sprintf("%v:%v", c.Origin, c.Value)
}

// CommunityList is an ordered list of standard communities.
type CommunityList []Community

// ParseCommunityList parses a list of community strings.
func ParseCommunityList(in []string) (CommunityList, error) {
	out := make(CommunityList, 0, len(in))
	for _, s := range in {
		c, err := ParseCommunity(s)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// NewCommunityList creates a list from numeric representations, preserving
// order.
func NewCommunityList(in []uint32) CommunityList {
	out := make(CommunityList, 0, len(in))
	for _, v := range in {
		out = append(out, NewCommunity(v))
	}
	return out
}

// Uint32s returns the numeric representations, preserving order.
func (l CommunityList) Uint32s() []uint32 {
	out := make([]uint32, 0, len(l))
	for _, c := range l {
		out = append(out, c.Uint32())
	}
	return out
}

// Strings returns the display representations, preserving order.
func (l CommunityList) Strings() []string {
	out := make([]string, 0, len(l))
	for _, c := range l {
		out = append(out, c.String())
	}
	return out
}

func (l CommunityList) String() string {
	return strings.Join(l.Strings(), " ")
}
