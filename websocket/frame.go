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

// Package websocket implements the client side of the WebSocket wire
// protocol (RFC 6455): frame encoding and decoding, incremental message
// assembly, and the HTTP upgrade exchange.
//
// The codec performs no I/O. Encoding turns a payload into the exact bytes
// to write; decoding consumes bytes that were already read. This keeps it
// usable over any byte stream, including a socket whose encryption is
// offloaded to the kernel.
package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Opcode is a WebSocket frame opcode.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether the opcode is a control frame opcode.
func (o Opcode) IsControl() bool {
	return o >= OpClose
}

func (o Opcode) known() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

// String implements [fmt.Stringer].
func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("Opcode(%#x)", byte(o))
	}
}

const (
	finBit  = 0x80
	rsvMask = 0x70
	maskBit = 0x80
	lenMask = 0x7F

	len16Code = 126
	len64Code = 127

	// maxControlPayload is the RFC 6455 limit on control frame payloads.
	maxControlPayload = 125

	maskKeySize = 4
)

// ErrProtocol is the base error for every mandatory-closure condition of
// RFC 6455. Use [errors.Is] to test for it; the wrapped message names the
// specific violation. A decoder that returned ErrProtocol must not be fed
// more bytes: the connection has to be closed.
var ErrProtocol = errors.New("websocket: protocol violation")

func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// FrameHeader is the decoded fixed part of a frame.
type FrameHeader struct {
	Opcode     Opcode
	Final      bool
	Masked     bool
	PayloadLen uint64
	MaskKey    [maskKeySize]byte
	// HeaderLen is the number of bytes the header itself occupies,
	// including the mask key when present.
	HeaderLen int
}

// parseFrameHeader decodes a frame header from the start of buf. It returns
// ok=false when buf does not yet hold a complete header. Violations that are
// visible in the header alone (reserved bits, unknown opcode, malformed
// control frames) are rejected here, before any payload is looked at.
func parseFrameHeader(buf []byte) (hdr FrameHeader, ok bool, err error) {
	if len(buf) < 2 {
		return hdr, false, nil
	}
	if buf[0]&rsvMask != 0 {
		return hdr, false, protocolErrorf("reserved bits set in %#02x", buf[0])
	}
	hdr.Opcode = Opcode(buf[0] & 0x0F)
	if !hdr.Opcode.known() {
		return hdr, false, protocolErrorf("unknown opcode %#x", byte(hdr.Opcode))
	}
	hdr.Final = buf[0]&finBit != 0
	hdr.Masked = buf[1]&maskBit != 0

	hdr.HeaderLen = 2
	switch lenCode := buf[1] & lenMask; lenCode {
	case len16Code:
		hdr.HeaderLen += 2
		if len(buf) < hdr.HeaderLen {
			return hdr, false, nil
		}
		hdr.PayloadLen = uint64(binary.BigEndian.Uint16(buf[2:4]))
	case len64Code:
		hdr.HeaderLen += 8
		if len(buf) < hdr.HeaderLen {
			return hdr, false, nil
		}
		hdr.PayloadLen = binary.BigEndian.Uint64(buf[2:10])
		if hdr.PayloadLen > math.MaxInt64 {
			return hdr, false, protocolErrorf("payload length %d overflows", hdr.PayloadLen)
		}
	default:
		hdr.PayloadLen = uint64(lenCode)
	}

	if hdr.Opcode.IsControl() {
		if !hdr.Final {
			return hdr, false, protocolErrorf("fragmented %v frame", hdr.Opcode)
		}
		if hdr.PayloadLen > maxControlPayload {
			return hdr, false, protocolErrorf("%v frame with %d byte payload", hdr.Opcode, hdr.PayloadLen)
		}
	}

	if hdr.Masked {
		maskStart := hdr.HeaderLen
		hdr.HeaderLen += maskKeySize
		if len(buf) < hdr.HeaderLen {
			return hdr, false, nil
		}
		copy(hdr.MaskKey[:], buf[maskStart:])
	}

	// Checked arithmetic: header + payload must stay addressable.
	if hdr.PayloadLen > uint64(math.MaxInt-hdr.HeaderLen) {
		return hdr, false, protocolErrorf("frame length %d+%d overflows", hdr.HeaderLen, hdr.PayloadLen)
	}
	return hdr, true, nil
}

// frame is one complete decoded frame with its payload copied out of the
// receive buffer, so the buffer can be compacted freely afterwards.
type frame struct {
	header  FrameHeader
	payload []byte
}

// decodeFrame decodes one complete server-to-client frame from the start of
// buf. It returns (nil, 0, nil) when more bytes are needed. Masked frames
// are rejected outright: servers must never mask (RFC 6455 section 5.1),
// and silently unmasking would hide a protocol violation.
func decodeFrame(buf []byte) (*frame, int, error) {
	hdr, ok, err := parseFrameHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, nil
	}
	if hdr.Masked {
		return nil, 0, protocolErrorf("masked frame from server")
	}
	total := hdr.HeaderLen + int(hdr.PayloadLen)
	if len(buf) < total {
		return nil, 0, nil
	}
	payload := make([]byte, hdr.PayloadLen)
	copy(payload, buf[hdr.HeaderLen:total])
	return &frame{header: hdr, payload: payload}, total, nil
}

// EncodeFrame encodes one client-to-server frame. Client frames are always
// masked, with a fresh unpredictable key per frame. Control frames must fit
// in a single final frame of at most 125 payload bytes; oversized or
// fragmented control frames are rejected here rather than ever put on the
// wire.
func EncodeFrame(opcode Opcode, payload []byte, final bool) ([]byte, error) {
	if !opcode.known() {
		return nil, fmt.Errorf("websocket: cannot encode unknown opcode %#x", byte(opcode))
	}
	if opcode.IsControl() {
		if len(payload) > maxControlPayload {
			return nil, fmt.Errorf("websocket: %v payload is %d bytes, limit is %d", opcode, len(payload), maxControlPayload)
		}
		if !final {
			return nil, fmt.Errorf("websocket: %v frames cannot be fragmented", opcode)
		}
	}

	var maskKey [maskKeySize]byte
	if _, err := rand.Read(maskKey[:]); err != nil {
		return nil, fmt.Errorf("websocket: failed to generate mask key: %w", err)
	}

	headerLen := 2
	switch {
	case len(payload) > math.MaxUint16:
		headerLen += 8
	case len(payload) > maxControlPayload:
		headerLen += 2
	}

	buf := make([]byte, 0, headerLen+maskKeySize+len(payload))
	b0 := byte(opcode)
	if final {
		b0 |= finBit
	}
	buf = append(buf, b0)
	switch {
	case len(payload) > math.MaxUint16:
		buf = append(buf, maskBit|len64Code)
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(payload)))
	case len(payload) > maxControlPayload:
		buf = append(buf, maskBit|len16Code)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	default:
		buf = append(buf, maskBit|byte(len(payload)))
	}
	buf = append(buf, maskKey[:]...)
	buf = append(buf, payload...)
	maskPayload(maskKey, buf[len(buf)-len(payload):])
	return buf, nil
}

// maskPayload XORs data in place with the repeating mask key. Masking is an
// involution, so the same call unmasks.
func maskPayload(key [maskKeySize]byte, data []byte) {
	for i := range data {
		data[i] ^= key[i%maskKeySize]
	}
}
