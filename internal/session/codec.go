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
	"errors"
	"io"
	"net"
	"time"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

const (
	// maxUpdateSize caps the serialized size of an outbound UPDATE,
	// including the 19-octet header.
	maxUpdateSize = 4096

	defaultMessageTimeout      = 30 * time.Second
	defaultNotificationTimeout = 3 * time.Second
)

// sendMessage serializes a BGP message and writes it to the peer.
func sendMessage(c net.Conn, m *bgp.BGPMessage, timeout time.Duration) error {
	b, err := m.Serialize()
	if err != nil {
		return err
	}
	if err := c.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err = c.Write(b)
	return err
}

func isValidMarker(marker []byte) bool {
	if len(marker) != 16 {
		return false
	}
	for _, b := range marker {
		if b != 0xff {
			return false
		}
	}
	return true
}

// recvMessage reads a single BGP message from the peer.
func recvMessage(c net.Conn, deadline time.Time) (*bgp.BGPMessage, error) {
	if err := c.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	var buf [bgp.BGP_MAX_MESSAGE_LENGTH]byte
	if _, err := io.ReadFull(c, buf[:bgp.BGP_HEADER_LENGTH]); err != nil {
		return nil, err
	}
	// DecodeFromBytes neither validates the marker nor populates the Marker
	// field in bgp.BGPHeader, so validate it in the original buffer directly.
	if !isValidMarker(buf[:16]) {
		return nil, bgp.NewMessageError(bgp.BGP_ERROR_MESSAGE_HEADER_ERROR, bgp.BGP_ERROR_SUB_CONNECTION_NOT_SYNCHRONIZED, nil, "connection not synchronized")
	}
	var h bgp.BGPHeader
	if err := h.DecodeFromBytes(buf[:bgp.BGP_HEADER_LENGTH]); err != nil {
		return nil, err
	}
	if h.Len > bgp.BGP_MAX_MESSAGE_LENGTH {
		return nil, bgp.NewMessageError(bgp.BGP_ERROR_MESSAGE_HEADER_ERROR, bgp.BGP_ERROR_SUB_BAD_MESSAGE_LENGTH, nil, "received message is too long")
	}
	if _, err := io.ReadFull(c, buf[bgp.BGP_HEADER_LENGTH:h.Len]); err != nil {
		return nil, err
	}
	return bgp.ParseBGPBody(&h, buf[bgp.BGP_HEADER_LENGTH:h.Len])
}

// sendKeepAlive sends a KEEPALIVE.
func sendKeepAlive(c net.Conn, timeout time.Duration) error {
	return sendMessage(c, bgp.NewBGPKeepAliveMessage(), timeout)
}

// sendNotification informs the peer of an error before the session resets.
func sendNotification(c net.Conn, code, subcode uint8, data []byte) error {
	return sendMessage(c, bgp.NewBGPNotificationMessage(code, subcode, data), defaultNotificationTimeout)
}

// maybeSendNotification sends a NOTIFICATION if the passed error carries a
// bgp.MessageError and does nothing otherwise.
func maybeSendNotification(c net.Conn, e error) error {
	var me *bgp.MessageError
	if errors.As(e, &me) {
		return sendNotification(c, me.TypeCode, me.SubTypeCode, me.Data)
	}
	return nil
}
