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

// Package api exposes the daemon's JSON-RPC 2.0 control surface. The handler
// is a thin translator: each method takes the RIB or peer-map lock for the
// minimum duration, builds a serializable view, and releases.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/msiegen/bgpd/internal/rib"
	"github.com/msiegen/bgpd/internal/session"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return e.Message
}

func errInvalidParams(msg string) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: msg}
}

func errServer(msg string) *rpcError {
	return &rpcError{Code: codeServerError, Message: msg}
}

type rpcRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Server answers JSON-RPC requests over HTTP POST and serves prometheus
// metrics on /metrics.
type Server struct {
	mgr *session.Manager
	r   *rib.RIB
	log *logrus.Entry
}

func NewServer(mgr *session.Manager, r *rib.RIB, log *logrus.Entry) *Server {
	return &Server{mgr: mgr, r: r, log: log}
}

// Handler returns the HTTP handler for the API socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.serveRPC)
	return mux
}

// Serve answers requests on the listener until it is closed.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	err := srv.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeResponse(w, rpcResponse{Jsonrpc: "2.0", Error: &rpcError{Code: codeInvalidRequest, Message: "POST required"}})
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, rpcResponse{Jsonrpc: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}
	if req.Jsonrpc != "2.0" || req.Method == "" {
		writeResponse(w, rpcResponse{Jsonrpc: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
		return
	}
	result, rpcErr := s.dispatch(req.Method, req.Params)
	resp := rpcResponse{Jsonrpc: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	s.log.WithFields(logrus.Fields{"method": req.Method, "error": rpcErr != nil}).Debug("rpc request")
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp rpcResponse) {
	json.NewEncoder(w).Encode(resp) // ignore errors; client is gone
}

func (s *Server) dispatch(method string, params json.RawMessage) (any, *rpcError) {
	switch method {
	case "show_peers":
		return s.showPeers()
	case "show_peer_detail":
		return s.showPeerDetail(params)
	case "show_routes_learned":
		return s.showRoutesLearned(params)
	case "show_routes_advertised":
		return s.showRoutesAdvertised(params)
	case "advertise_route":
		return s.advertiseRoute(params)
	case "advertise_flow":
		return s.advertiseFlow(params)
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found: " + method}
	}
}

func (s *Server) showPeers() (any, *rpcError) {
	statuses := s.mgr.Statuses()
	out := make([]PeerSummary, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, peerSummary(st))
	}
	return out, nil
}

func (s *Server) showPeerDetail(params json.RawMessage) (any, *rpcError) {
	var p struct {
		Peer string `json:"peer"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.Peer == "" {
		return nil, errInvalidParams("peer is required")
	}
	addr, err := netip.ParseAddr(p.Peer)
	if err != nil {
		return nil, errInvalidParams("invalid peer address: " + p.Peer)
	}
	st, ok := s.mgr.FindStatus(addr)
	if !ok {
		return nil, errServer("unknown peer: " + p.Peer)
	}
	return peerDetail(st), nil
}

func routeFilter(peer string) (rib.Filter, *rpcError) {
	if peer == "" {
		return nil, nil
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return nil, errInvalidParams("invalid peer address: " + peer)
	}
	return rib.FromPeer(addr.Unmap()), nil
}

func (s *Server) showRoutesLearned(params json.RawMessage) (any, *rpcError) {
	var p struct {
		FromPeer string `json:"from_peer"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	filter, rpcErr := routeFilter(p.FromPeer)
	if rpcErr != nil {
		return nil, rpcErr
	}
	entries := s.r.EnumerateLearned(filter)
	out := make([]LearnedRoute, 0, len(entries))
	for _, e := range entries {
		out = append(out, learnedRoute(e))
	}
	return out, nil
}

func (s *Server) showRoutesAdvertised(params json.RawMessage) (any, *rpcError) {
	var p struct {
		ToPeer string `json:"to_peer"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	filter, rpcErr := routeFilter(p.ToPeer)
	if rpcErr != nil {
		return nil, rpcErr
	}
	entries := s.r.EnumerateAdvertised(filter)
	out := make([]LearnedRoute, 0, len(entries))
	for _, e := range entries {
		out = append(out, learnedRoute(e))
	}
	return out, nil
}

// advertiseRouteParams and advertiseFlowParams decorate a route or flow spec
// with the optional router_id target filter.
type advertiseRouteParams struct {
	rib.RouteSpec
	RouterID string `json:"router_id"`
}

type advertiseFlowParams struct {
	rib.FlowSpec
	RouterID string `json:"router_id"`
}

func parseRouterID(s string) (netip.Addr, *rpcError) {
	if s == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, errInvalidParams("invalid router_id: " + s)
	}
	return addr, nil
}

func (s *Server) advertiseRoute(params json.RawMessage) (any, *rpcError) {
	var p advertiseRouteParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	route, err := p.RouteSpec.Parse()
	if err != nil {
		return nil, errInvalidParams(err.Error())
	}
	return s.queue(route, p.RouterID)
}

func (s *Server) advertiseFlow(params json.RawMessage) (any, *rpcError) {
	var p advertiseFlowParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	route, err := p.FlowSpec.Parse()
	if err != nil {
		return nil, errInvalidParams(err.Error())
	}
	return s.queue(route, p.RouterID)
}

func (s *Server) queue(route *rib.Route, routerID string) (any, *rpcError) {
	target, rpcErr := parseRouterID(routerID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	route.Source = rib.APISource()
	queued, err := s.mgr.QueueRoute(route, target)
	if err != nil {
		return nil, errServer(err.Error())
	}
	s.log.WithFields(logrus.Fields{"nlri": route.NLRI.String(), "peers": len(queued)}).Info("queued advertisement")
	return learnedRoute(rib.Entry{Route: route}), nil
}

func unmarshalParams(params json.RawMessage, into any) *rpcError {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, into); err != nil {
		return errInvalidParams(err.Error())
	}
	return nil
}
