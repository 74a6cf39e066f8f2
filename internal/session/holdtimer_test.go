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
	"testing"
	"time"
)

func TestHoldTimerExpiry(t *testing.T) {
	h := newHoldTimer(30 * time.Second)
	now := time.Now()
	h.Received(now)
	if h.Expired(now.Add(29 * time.Second)) {
		t.Error("expired before the hold time elapsed")
	}
	if !h.Expired(now.Add(31 * time.Second)) {
		t.Error("not expired after the hold time elapsed")
	}
	h.Received(now.Add(20 * time.Second))
	if h.Expired(now.Add(31 * time.Second)) {
		t.Error("expired despite a message resetting the countdown")
	}
}

func TestHoldTimerKeepalivePacing(t *testing.T) {
	h := newHoldTimer(30 * time.Second)
	now := time.Now()
	h.Sent(now)
	if h.ShouldSendKeepalive(now.Add(9 * time.Second)) {
		t.Error("keepalive due before a third of the hold time")
	}
	if !h.ShouldSendKeepalive(now.Add(10 * time.Second)) {
		t.Error("keepalive not due at a third of the hold time")
	}
	if got, want := h.KeepaliveInterval(), 10*time.Second; got != want {
		t.Errorf("got interval %v, want %v", got, want)
	}
}

func TestHoldTimerZeroDisables(t *testing.T) {
	h := newHoldTimer(0)
	now := time.Now()
	if h.Expired(now.Add(24 * time.Hour)) {
		t.Error("zero hold time must never expire")
	}
	if h.ShouldSendKeepalive(now.Add(24 * time.Hour)) {
		t.Error("zero hold time must not send keepalives")
	}
}

func TestHoldTimerRemaining(t *testing.T) {
	h := newHoldTimer(30 * time.Second)
	now := time.Now()
	h.Received(now)
	if got := h.Remaining(now.Add(10 * time.Second)); got != 20*time.Second {
		t.Errorf("got %v remaining, want 20s", got)
	}
	if got := h.Remaining(now.Add(time.Hour)); got != 0 {
		t.Errorf("got %v remaining, want clamp to 0", got)
	}
}
