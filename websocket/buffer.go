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
	"errors"
	"unicode/utf8"
)

// ErrMessageTooLarge is returned when an incoming message, or the raw bytes
// buffered while waiting for one, exceed the configured limit.
var ErrMessageTooLarge = errors.New("websocket: message exceeds size limit")

// DefaultMaxMessageBytes bounds assembled messages when the caller does not
// set a limit.
const DefaultMaxMessageBytes = 16 << 20 // 16 MiB

// ReceiveBuffer turns a stream of raw bytes into complete messages. Feed it
// whatever the transport read, in whatever chunk sizes, and call Next until
// it reports that more bytes are needed. Fragmented data messages are
// assembled across continuation frames; control frames are delivered
// immediately, even between fragments of a data message.
//
// A ReceiveBuffer is not safe for concurrent use.
type ReceiveBuffer struct {
	maxSize int

	raw []byte

	// Assembly state for a fragmented data message. assembling is the
	// opcode of the initial frame, or OpContinuation when no message is
	// open.
	assembling Opcode
	partial    []byte

	failed error
}

// NewReceiveBuffer creates a ReceiveBuffer that rejects messages larger than
// maxSize bytes. A maxSize of 0 means [DefaultMaxMessageBytes].
func NewReceiveBuffer(maxSize int) *ReceiveBuffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageBytes
	}
	return &ReceiveBuffer{maxSize: maxSize}
}

// Feed appends raw bytes from the transport.
func (b *ReceiveBuffer) Feed(data []byte) error {
	if b.failed != nil {
		return b.failed
	}
	if len(b.raw)+len(data) > b.maxSize+maxFrameOverhead {
		return b.fail(ErrMessageTooLarge)
	}
	b.raw = append(b.raw, data...)
	return nil
}

// maxFrameOverhead is the largest possible frame header: 2 fixed bytes,
// an 8 byte extended length, and a 4 byte mask key.
const maxFrameOverhead = 2 + 8 + 4

// Next returns the next complete message, or (nil, nil) when the buffered
// bytes do not yet form one. Any returned error is fatal for the stream:
// the buffer rejects further use and the connection must be closed.
func (b *ReceiveBuffer) Next() (*Message, error) {
	if b.failed != nil {
		return nil, b.failed
	}
	for {
		frm, consumed, err := decodeFrame(b.raw)
		if err != nil {
			return nil, b.fail(err)
		}
		if frm == nil {
			return nil, nil
		}
		b.raw = b.raw[consumed:]

		if frm.header.Opcode.IsControl() {
			msg, err := b.controlMessage(frm)
			if err != nil {
				return nil, b.fail(err)
			}
			return msg, nil
		}

		msg, err := b.dataFrame(frm)
		if err != nil {
			return nil, b.fail(err)
		}
		if msg != nil {
			return msg, nil
		}
		// A non-final fragment was absorbed; look for the next frame.
	}
}

func (b *ReceiveBuffer) fail(err error) error {
	b.failed = err
	b.raw = nil
	b.partial = nil
	return err
}

func (b *ReceiveBuffer) controlMessage(frm *frame) (*Message, error) {
	switch frm.header.Opcode {
	case OpClose:
		return parseClosePayload(frm.payload)
	case OpPing:
		return &Message{Type: MessagePing, Data: frm.payload}, nil
	default:
		return &Message{Type: MessagePong, Data: frm.payload}, nil
	}
}

// dataFrame folds a text, binary, or continuation frame into the current
// assembly. It returns a message only when the frame completes one.
func (b *ReceiveBuffer) dataFrame(frm *frame) (*Message, error) {
	open := b.assembling != OpContinuation
	switch frm.header.Opcode {
	case OpContinuation:
		if !open {
			return nil, protocolErrorf("continuation frame with no message in progress")
		}
	case OpText, OpBinary:
		if open {
			return nil, protocolErrorf("new %v frame while a fragmented message is in progress", frm.header.Opcode)
		}
		b.assembling = frm.header.Opcode
	}

	if len(b.partial)+len(frm.payload) > b.maxSize {
		return nil, ErrMessageTooLarge
	}
	b.partial = append(b.partial, frm.payload...)
	if !frm.header.Final {
		return nil, nil
	}

	msg := &Message{Data: b.partial}
	switch b.assembling {
	case OpText:
		if !utf8.Valid(msg.Data) {
			return nil, protocolErrorf("text message is not valid UTF-8")
		}
		msg.Type = MessageText
	default:
		msg.Type = MessageBinary
	}
	b.assembling = OpContinuation
	b.partial = nil
	return msg, nil
}
