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

// Package config loads the daemon's TOML configuration and resolves it into
// the runtime shapes the session manager consumes.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/msiegen/bgpd/internal/rib"
)

const (
	DefaultHoldTime     = 180 * time.Second
	DefaultPollInterval = 30 * time.Second
	DefaultDestPort     = 179
	DefaultBGPSocket    = "0.0.0.0:179"
	DefaultAPISocket    = "127.0.0.1:8080"
)

// AdvertiseSource selects which route origins a peer is willing to
// advertise.
type AdvertiseSource int

const (
	SourceAPI AdvertiseSource = iota
	SourceConfig
	SourcePeer
)

func (s *AdvertiseSource) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "api":
		*s = SourceAPI
	case "config":
		*s = SourceConfig
	case "peer":
		*s = SourcePeer
	default:
		return fmt.Errorf("unsupported advertise source: %q", string(b))
	}
	return nil
}

func (s AdvertiseSource) String() string {
	switch s {
	case SourceAPI:
		return "API"
	case SourceConfig:
		return "Config"
	default:
		return "Peer"
	}
}

// Allows reports whether a route from the given RIB source may be
// advertised.
func Allows(sources []AdvertiseSource, src rib.Source) bool {
	var want AdvertiseSource
	switch {
	case src.IsAPI():
		want = SourceAPI
	case src.IsConfig():
		want = SourceConfig
	default:
		want = SourcePeer
	}
	for _, s := range sources {
		if s == want {
			return true
		}
	}
	return false
}

// Peer is the resolved configuration of one peer. Optional file fields have
// been defaulted from the server scope.
type Peer struct {
	// RemoteIP is a single-address prefix for host peers or a wider subnet
	// for template peers that match any inbound source within it.
	RemoteIP         netip.Prefix
	RemoteAS         uint32
	LocalAS          uint32
	LocalRouterID    netip.Addr
	Enabled          bool
	Passive          bool
	HoldTime         time.Duration
	DestPort         uint16
	Families         []rib.Family
	AdvertiseSources []AdvertiseSource
	StaticRoutes     []rib.RouteSpec
	StaticFlows      []rib.FlowSpec
}

// IsSubnet reports whether the peer matches a range of source addresses
// rather than a single host. Subnet peers are implicitly passive.
func (p *Peer) IsSubnet() bool {
	return p.RemoteIP.Bits() != p.RemoteIP.Addr().BitLen()
}

// Addr returns the host address of a non-subnet peer.
func (p *Peer) Addr() netip.Addr {
	return p.RemoteIP.Addr()
}

// Matches reports whether an inbound source address belongs to this peer.
func (p *Peer) Matches(a netip.Addr) bool {
	return p.RemoteIP.Contains(a.Unmap())
}

// IsEBGP reports whether the session crosses an AS boundary.
func (p *Peer) IsEBGP() bool {
	return p.RemoteAS != p.LocalAS
}

// Server is the resolved daemon configuration.
type Server struct {
	RouterID     netip.Addr
	DefaultAS    uint32
	PollInterval time.Duration
	BGPSocket    string
	APISocket    string
	Peers        []*Peer
}

// filePeer is the TOML shape of a [[peers]] entry.
type filePeer struct {
	RemoteIP         string          `toml:"remote_ip"`
	RemoteAS         uint32          `toml:"remote_as"`
	LocalAS          *uint32         `toml:"local_as"`
	LocalRouterID    *netip.Addr     `toml:"local_router_id"`
	Enabled          *bool           `toml:"enabled"`
	Passive          *bool           `toml:"passive"`
	HoldTimer        *uint16         `toml:"hold_timer"`
	DestPort         *uint16         `toml:"dest_port"`
	Families         []rib.Family    `toml:"families"`
	AdvertiseSources []AdvertiseSource `toml:"advertise_sources"`
	StaticRoutes     []rib.RouteSpec `toml:"static_routes"`
	StaticFlows      []rib.FlowSpec  `toml:"static_flows"`
}

// fileConfig is the TOML shape of the config file.
type fileConfig struct {
	RouterID     netip.Addr `toml:"router_id"`
	DefaultAS    uint32     `toml:"default_as"`
	PollInterval *uint16    `toml:"poll_interval"`
	BGPSocket    string     `toml:"bgp_socket"`
	APISocket    string     `toml:"api_socket"`
	Peers        []filePeer `toml:"peers"`
}

func defaultFamilies() []rib.Family {
	return []rib.Family{
		rib.IPv4Unicast,
		rib.IPv4Flowspec,
		rib.IPv6Unicast,
		rib.IPv6Flowspec,
	}
}

func defaultAdvertiseSources() []AdvertiseSource {
	return []AdvertiseSource{SourceAPI, SourceConfig}
}

// parsePrefixOrHost accepts either a CIDR prefix or a bare host address,
// which widens to a single-address prefix.
func parsePrefixOrHost(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// Load reads and resolves a TOML config file.
func Load(path string) (*Server, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse resolves a TOML config document.
func Parse(b []byte) (*Server, error) {
	var fc fileConfig
	if err := toml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	if !fc.RouterID.Is4() {
		return nil, fmt.Errorf("router_id must be an IPv4 address, got %q", fc.RouterID)
	}
	if fc.DefaultAS == 0 {
		return nil, fmt.Errorf("default_as is required")
	}
	s := &Server{
		RouterID:     fc.RouterID,
		DefaultAS:    fc.DefaultAS,
		PollInterval: DefaultPollInterval,
		BGPSocket:    DefaultBGPSocket,
		APISocket:    DefaultAPISocket,
	}
	if fc.PollInterval != nil {
		s.PollInterval = time.Duration(*fc.PollInterval) * time.Second
	}
	if fc.BGPSocket != "" {
		s.BGPSocket = fc.BGPSocket
	}
	if fc.APISocket != "" {
		s.APISocket = fc.APISocket
	}
	seen := map[netip.Prefix]bool{}
	for i := range fc.Peers {
		p, err := resolvePeer(&fc.Peers[i], s)
		if err != nil {
			return nil, err
		}
		if seen[p.RemoteIP] {
			return nil, fmt.Errorf("duplicate peer: %v", p.RemoteIP)
		}
		seen[p.RemoteIP] = true
		s.Peers = append(s.Peers, p)
	}
	return s, nil
}

func resolvePeer(fp *filePeer, s *Server) (*Peer, error) {
	remote, err := parsePrefixOrHost(fp.RemoteIP)
	if err != nil {
		return nil, fmt.Errorf("peer remote_ip %q: %v", fp.RemoteIP, err)
	}
	if fp.RemoteAS == 0 {
		return nil, fmt.Errorf("peer %v: remote_as is required", remote)
	}
	p := &Peer{
		RemoteIP:         remote,
		RemoteAS:         fp.RemoteAS,
		LocalAS:          s.DefaultAS,
		LocalRouterID:    s.RouterID,
		Enabled:          true,
		HoldTime:         DefaultHoldTime,
		DestPort:         DefaultDestPort,
		Families:         defaultFamilies(),
		AdvertiseSources: defaultAdvertiseSources(),
		StaticRoutes:     fp.StaticRoutes,
		StaticFlows:      fp.StaticFlows,
	}
	if fp.LocalAS != nil {
		p.LocalAS = *fp.LocalAS
	}
	if fp.LocalRouterID != nil {
		if !fp.LocalRouterID.Is4() {
			return nil, fmt.Errorf("peer %v: local_router_id must be an IPv4 address", remote)
		}
		p.LocalRouterID = *fp.LocalRouterID
	}
	if fp.Enabled != nil {
		p.Enabled = *fp.Enabled
	}
	if fp.Passive != nil {
		p.Passive = *fp.Passive
	}
	if fp.HoldTimer != nil {
		p.HoldTime = time.Duration(*fp.HoldTimer) * time.Second
	}
	if fp.DestPort != nil {
		p.DestPort = *fp.DestPort
	}
	if len(fp.Families) > 0 {
		p.Families = fp.Families
	}
	if len(fp.AdvertiseSources) > 0 {
		p.AdvertiseSources = fp.AdvertiseSources
	}
	if p.IsSubnet() {
		// A subnet peer cannot be dialed; it only accepts.
		p.Passive = true
	}
	// Static entries are validated up front so a bad config fails at load
	// time, not at session establishment.
	for i := range p.StaticRoutes {
		if _, err := p.StaticRoutes[i].Parse(); err != nil {
			return nil, fmt.Errorf("peer %v static route: %v", remote, err)
		}
	}
	for i := range p.StaticFlows {
		if _, err := p.StaticFlows[i].Parse(); err != nil {
			return nil, fmt.Errorf("peer %v static flow: %v", remote, err)
		}
	}
	return p, nil
}
