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

package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

var labels = []string{"peer"}

var stats = metrics{
	sessionUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bgpd",
		Subsystem: "session",
		Name:      "up",
		Help:      "Whether the BGP session with the peer is established.",
	}, labels),

	messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bgpd",
		Subsystem: "session",
		Name:      "messages_sent_total",
		Help:      "Number of BGP messages sent to the peer.",
	}, labels),

	messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bgpd",
		Subsystem: "session",
		Name:      "messages_received_total",
		Help:      "Number of BGP messages received from the peer.",
	}, labels),

	updatesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bgpd",
		Subsystem: "session",
		Name:      "updates_sent_total",
		Help:      "Number of UPDATE batches advertised to the peer.",
	}, labels),

	prefixes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bgpd",
		Subsystem: "session",
		Name:      "prefixes_received",
		Help:      "Number of prefixes learned from the peer.",
	}, labels),
}

type metrics struct {
	sessionUp        *prometheus.GaugeVec
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	updatesSent      *prometheus.CounterVec
	prefixes         *prometheus.GaugeVec
}

func init() {
	prometheus.MustRegister(stats.sessionUp)
	prometheus.MustRegister(stats.messagesSent)
	prometheus.MustRegister(stats.messagesReceived)
	prometheus.MustRegister(stats.updatesSent)
	prometheus.MustRegister(stats.prefixes)
}

func (m *metrics) NewPeer(addr string) {
	m.sessionUp.WithLabelValues(addr).Set(0)
	m.prefixes.WithLabelValues(addr).Set(0)
	// Just create the counters.
	m.messagesSent.WithLabelValues(addr).Add(0)
	m.messagesReceived.WithLabelValues(addr).Add(0)
	m.updatesSent.WithLabelValues(addr).Add(0)
}

func (m *metrics) DeletePeer(addr string) {
	m.sessionUp.DeleteLabelValues(addr)
	m.prefixes.DeleteLabelValues(addr)
	m.messagesSent.DeleteLabelValues(addr)
	m.messagesReceived.DeleteLabelValues(addr)
	m.updatesSent.DeleteLabelValues(addr)
}

func (m *metrics) SessionUp(addr string) {
	m.sessionUp.WithLabelValues(addr).Set(1)
	m.prefixes.WithLabelValues(addr).Set(0)
}

func (m *metrics) SessionDown(addr string) {
	m.sessionUp.WithLabelValues(addr).Set(0)
	m.prefixes.WithLabelValues(addr).Set(0)
}

func (m *metrics) MessageSent(addr string) {
	m.messagesSent.WithLabelValues(addr).Inc()
}

func (m *metrics) MessageReceived(addr string) {
	m.messagesReceived.WithLabelValues(addr).Inc()
}

func (m *metrics) UpdateSent(addr string) {
	m.updatesSent.WithLabelValues(addr).Inc()
}

func (m *metrics) Prefixes(addr string, n int) {
	m.prefixes.WithLabelValues(addr).Set(float64(n))
}
