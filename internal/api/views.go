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

package api

import (
	"fmt"
	"time"

	"github.com/msiegen/bgpd/internal/rib"
	"github.com/msiegen/bgpd/internal/session"
)

// PeerSummary is one row of show_peers.
type PeerSummary struct {
	Peer             string  `json:"peer"`
	Enabled          bool    `json:"enabled"`
	RouterID         *string `json:"router_id"`
	RemoteASN        uint32  `json:"remote_asn"`
	LocalASN         uint32  `json:"local_asn"`
	MsgReceived      uint64  `json:"msg_received"`
	MsgSent          uint64  `json:"msg_sent"`
	ConnectTime      *int64  `json:"connect_time"`
	Uptime           *string `json:"uptime"`
	State            string  `json:"state"`
	PrefixesReceived int     `json:"prefixes_received"`
}

// PeerDetail is the response of show_peer_detail.
type PeerDetail struct {
	Summary           PeerSummary `json:"summary"`
	HoldTimer         uint16      `json:"hold_timer"`
	HoldTimerInterval uint16      `json:"hold_timer_interval"`
	HoldTime          *string     `json:"hold_time"`
	LastReceived      *string     `json:"last_received"`
	LastSent          *string     `json:"last_sent"`
	TCPConnection     *[2]string  `json:"tcp_connection"`
	Capabilities      []string    `json:"capabilities"`
}

// LearnedRoute is one row of show_routes_learned and
// show_routes_advertised.
type LearnedRoute struct {
	Source        string   `json:"source"`
	AFI           string   `json:"afi"`
	SAFI          string   `json:"safi"`
	ReceivedAt    int64    `json:"received_at"`
	Age           string   `json:"age"`
	Prefix        string   `json:"prefix"`
	NextHop       *string  `json:"next_hop"`
	Origin        string   `json:"origin"`
	ASPath        string   `json:"as_path"`
	LocalPref     *uint32  `json:"local_pref"`
	MultiExitDisc *uint32  `json:"multi_exit_disc"`
	Communities   []string `json:"communities"`
}

// formatElapsed renders a duration as HH:MM:SS, with a day count prefix past
// 24 hours.
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if days > 0 {
		return fmt.Sprintf("%dd %02d:%02d:%02d", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

func peerSummary(s session.Status) PeerSummary {
	out := PeerSummary{
		Peer:             s.Addr.String(),
		Enabled:          s.Enabled,
		RemoteASN:        s.RemoteAS,
		LocalASN:         s.LocalAS,
		MsgReceived:      s.MsgsReceived,
		MsgSent:          s.MsgsSent,
		State:            s.State.String(),
		PrefixesReceived: s.PrefixesReceived,
	}
	if n := s.Negotiated; n != nil {
		id := n.PeerRouterID.String()
		out.RouterID = &id
		ct := n.EstablishedAt.Unix()
		out.ConnectTime = &ct
		up := formatElapsed(time.Since(n.EstablishedAt))
		out.Uptime = &up
	}
	return out
}

func peerDetail(s session.Status) PeerDetail {
	out := PeerDetail{
		Summary:   peerSummary(s),
		HoldTimer: uint16(s.HoldTime / time.Second),
	}
	if n := s.Negotiated; n != nil {
		out.HoldTimer = uint16(n.HoldTime / time.Second)
		out.HoldTimerInterval = uint16(n.KeepaliveInterval / time.Second)
		remaining := formatElapsed(n.HoldTime - time.Since(n.LastReceived))
		out.HoldTime = &remaining
		lr := formatElapsed(time.Since(n.LastReceived))
		out.LastReceived = &lr
		ls := formatElapsed(time.Since(n.LastSent))
		out.LastSent = &ls
		conn := [2]string{n.LocalAddr.String(), n.RemoteAddr.String()}
		out.TCPConnection = &conn
		out.Capabilities = n.Capabilities
	} else {
		out.HoldTimerInterval = uint16(s.HoldTime / time.Second / 3)
	}
	return out
}

func learnedRoute(e rib.Entry) LearnedRoute {
	r := e.Route
	out := LearnedRoute{
		Source:        r.Source.String(),
		AFI:           r.Family.AFIString(),
		SAFI:          r.Family.SAFIString(),
		ReceivedAt:    r.ReceivedAt.Unix(),
		Age:           formatElapsed(time.Since(r.ReceivedAt)),
		Prefix:        r.NLRI.String(),
		Origin:        r.Attrs.OriginString(),
		ASPath:        rib.FormatASPath(r.Attrs.ASPath),
		LocalPref:     r.Attrs.LocalPref,
		MultiExitDisc: r.Attrs.MED,
		Communities:   r.Attrs.Communities.Strings(),
	}
	if r.Attrs.Nexthop.IsValid() {
		nh := r.Attrs.Nexthop.String()
		out.NextHop = &nh
	}
	for _, ec := range r.Attrs.ExtCommunities {
		out.Communities = append(out.Communities, ec.String())
	}
	return out
}
