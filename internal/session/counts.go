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

import "sync/atomic"

// messageCounts tallies messages over the lifetime of a peer record,
// across sessions.
type messageCounts struct {
	received atomic.Uint64
	sent     atomic.Uint64
}

func (m *messageCounts) Received() uint64 {
	return m.received.Load()
}

func (m *messageCounts) Sent() uint64 {
	return m.sent.Load()
}

func (m *messageCounts) IncrementReceived() {
	m.received.Add(1)
}

func (m *messageCounts) IncrementSent() {
	m.sent.Add(1)
}
