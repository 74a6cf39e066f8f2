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
	"sync"
	"time"
)

// holdTimer tracks session liveness in both directions: when the hold time
// runs out without an inbound message the session is dead, and a KEEPALIVE
// is due whenever a third of the hold time passes without an outbound
// message. A hold time of zero disables both.
type holdTimer struct {
	mu           sync.Mutex
	holdTime     time.Duration
	lastReceived time.Time
	lastSent     time.Time
}

func newHoldTimer(holdTime time.Duration) *holdTimer {
	now := time.Now()
	return &holdTimer{
		holdTime:     holdTime,
		lastReceived: now,
		lastSent:     now,
	}
}

// KeepaliveInterval is a third of the hold time, zero if disabled.
func (h *holdTimer) KeepaliveInterval() time.Duration {
	return h.holdTime / 3
}

// Received records an inbound message, resetting the hold countdown.
func (h *holdTimer) Received(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastReceived = t
}

// Sent records an outbound message, deferring the next keepalive.
func (h *holdTimer) Sent(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSent = t
}

// LastReceived and LastSent report the most recent message instants.
func (h *holdTimer) LastReceived() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReceived
}

func (h *holdTimer) LastSent() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSent
}

// Expired reports whether the peer has been silent past the hold time.
func (h *holdTimer) Expired(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.holdTime == 0 {
		return false
	}
	return now.Sub(h.lastReceived) > h.holdTime
}

// Remaining returns the hold time left, clamped at zero.
func (h *holdTimer) Remaining(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.holdTime == 0 {
		return 0
	}
	if left := h.holdTime - now.Sub(h.lastReceived); left > 0 {
		return left
	}
	return 0
}

// ShouldSendKeepalive reports whether the keepalive interval has elapsed
// since the last outbound message.
func (h *holdTimer) ShouldSendKeepalive(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.holdTime == 0 {
		return false
	}
	return now.Sub(h.lastSent) >= h.holdTime/3
}
