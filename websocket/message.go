// Copyright 2025 The ktlsws Authors
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

package websocket

import (
	"encoding/binary"
	"unicode/utf8"
)

// MessageType classifies a fully assembled incoming message.
type MessageType byte

const (
	MessageText MessageType = iota
	MessageBinary
	MessageClose
	MessagePing
	MessagePong
)

// String implements [fmt.Stringer].
func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	case MessageClose:
		return "close"
	case MessagePing:
		return "ping"
	case MessagePong:
		return "pong"
	default:
		return "unknown"
	}
}

// Message is one complete application-visible message: a data message with
// all its fragments reassembled, or a single control frame.
type Message struct {
	Type MessageType
	// Data is the assembled payload. For close messages it is the reason
	// text that followed the status code.
	Data []byte
	// CloseCode is the status code of a close message. It is 0 when the
	// close frame carried an empty payload (RFC 6455 "no status received").
	CloseCode uint16
	// CodeValid reports whether CloseCode is permitted on the wire. Invalid
	// codes are surfaced rather than treated as fatal, so the caller can
	// decide how strictly to react.
	CodeValid bool
}

// ValidCloseCode reports whether a close status code may appear on the wire.
// The reserved codes 1005 (no status), 1006 (abnormal closure) and 1015 (TLS
// failure) exist only for local reporting; 1004 is unassigned; everything
// below 1000 is out of range.
func ValidCloseCode(code uint16) bool {
	switch {
	case code < 1000:
		return false
	case code == 1004, code == 1005, code == 1006, code == 1015:
		return false
	default:
		return true
	}
}

// parseClosePayload splits a close frame payload into status code and reason.
// A 1-byte payload is malformed: the code needs two bytes or none at all.
// The reason text must be valid UTF-8.
func parseClosePayload(payload []byte) (*Message, error) {
	msg := &Message{Type: MessageClose}
	switch {
	case len(payload) == 0:
		// No status code on the wire. Locally that reads as 1005, which is
		// never valid to send, so CodeValid stays false.
		return msg, nil
	case len(payload) == 1:
		return nil, protocolErrorf("close frame with 1 byte payload")
	}
	msg.CloseCode = binary.BigEndian.Uint16(payload[:2])
	msg.CodeValid = ValidCloseCode(msg.CloseCode)
	msg.Data = payload[2:]
	if !utf8.Valid(msg.Data) {
		return nil, protocolErrorf("close reason is not valid UTF-8")
	}
	return msg, nil
}

// EncodeClosePayload builds the payload of an outgoing close frame.
func EncodeClosePayload(code uint16, reason string) []byte {
	payload := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(payload, code)
	return append(payload, reason...)
}
