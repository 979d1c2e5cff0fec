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
	"testing"

	"github.com/stretchr/testify/require"
)

// drain collects every message currently decodable from the buffer.
func drain(t *testing.T, b *ReceiveBuffer) []*Message {
	t.Helper()
	var msgs []*Message
	for {
		msg, err := b.Next()
		require.NoError(t, err)
		if msg == nil {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

func TestReceiveBufferSingleFrameMessage(t *testing.T) {
	b := NewReceiveBuffer(0)
	require.NoError(t, b.Feed(serverFrame(finBit|byte(OpText), []byte("hello"))))

	msgs := drain(t, b)
	require.Len(t, msgs, 1)
	require.Equal(t, MessageText, msgs[0].Type)
	require.Equal(t, []byte("hello"), msgs[0].Data)
}

func TestReceiveBufferSplitDelivery(t *testing.T) {
	wire := serverFrame(finBit|byte(OpBinary), []byte("split across reads"))

	whole := NewReceiveBuffer(0)
	require.NoError(t, whole.Feed(wire))
	want := drain(t, whole)

	split := NewReceiveBuffer(0)
	require.NoError(t, split.Feed(wire[:2]))
	require.Empty(t, drain(t, split))
	require.NoError(t, split.Feed(wire[2:7]))
	require.Empty(t, drain(t, split))
	require.NoError(t, split.Feed(wire[7:]))
	got := drain(t, split)

	require.Equal(t, want, got, "chunking must not change the decoded messages")
}

func TestReceiveBufferFragmentedMessage(t *testing.T) {
	b := NewReceiveBuffer(0)
	require.NoError(t, b.Feed(serverFrame(byte(OpText), []byte("Hel"))))
	require.NoError(t, b.Feed(serverFrame(byte(OpContinuation), []byte("lo, "))))
	require.Empty(t, drain(t, b))
	require.NoError(t, b.Feed(serverFrame(finBit|byte(OpContinuation), []byte("world"))))

	msgs := drain(t, b)
	require.Len(t, msgs, 1)
	require.Equal(t, MessageText, msgs[0].Type)
	require.Equal(t, []byte("Hello, world"), msgs[0].Data)
}

func TestReceiveBufferControlInterleavesFragments(t *testing.T) {
	b := NewReceiveBuffer(0)
	require.NoError(t, b.Feed(serverFrame(byte(OpText), []byte("frag"))))
	require.NoError(t, b.Feed(serverFrame(finBit|byte(OpPing), []byte("keepalive"))))
	require.NoError(t, b.Feed(serverFrame(finBit|byte(OpContinuation), []byte("ment"))))

	msgs := drain(t, b)
	require.Len(t, msgs, 2)
	require.Equal(t, MessagePing, msgs[0].Type)
	require.Equal(t, []byte("keepalive"), msgs[0].Data)
	require.Equal(t, MessageText, msgs[1].Type)
	require.Equal(t, []byte("fragment"), msgs[1].Data)
}

func TestReceiveBufferFragmentationViolations(t *testing.T) {
	t.Run("continuationWithoutMessage", func(t *testing.T) {
		b := NewReceiveBuffer(0)
		require.NoError(t, b.Feed(serverFrame(finBit|byte(OpContinuation), []byte("x"))))
		_, err := b.Next()
		require.ErrorIs(t, err, ErrProtocol)
	})
	t.Run("newTextWhileAssembling", func(t *testing.T) {
		b := NewReceiveBuffer(0)
		require.NoError(t, b.Feed(serverFrame(byte(OpText), []byte("a"))))
		require.NoError(t, b.Feed(serverFrame(finBit|byte(OpText), []byte("b"))))
		_, err := b.Next()
		require.ErrorIs(t, err, ErrProtocol)
	})
}

func TestReceiveBufferInvalidUTF8Text(t *testing.T) {
	b := NewReceiveBuffer(0)
	require.NoError(t, b.Feed(serverFrame(finBit|byte(OpText), []byte{0xFF, 0xFE})))
	_, err := b.Next()
	require.ErrorIs(t, err, ErrProtocol)

	// A failed buffer stays failed.
	require.Error(t, b.Feed(nil))
	_, err = b.Next()
	require.ErrorIs(t, err, ErrProtocol)
}

func TestReceiveBufferCloseMessages(t *testing.T) {
	t.Run("normalClosure", func(t *testing.T) {
		b := NewReceiveBuffer(0)
		require.NoError(t, b.Feed(serverFrame(finBit|byte(OpClose), EncodeClosePayload(1000, "bye"))))
		msg, err := b.Next()
		require.NoError(t, err)
		require.Equal(t, MessageClose, msg.Type)
		require.Equal(t, uint16(1000), msg.CloseCode)
		require.True(t, msg.CodeValid)
		require.Equal(t, []byte("bye"), msg.Data)
	})
	t.Run("emptyPayload", func(t *testing.T) {
		b := NewReceiveBuffer(0)
		require.NoError(t, b.Feed(serverFrame(finBit|byte(OpClose), nil)))
		msg, err := b.Next()
		require.NoError(t, err)
		require.Equal(t, MessageClose, msg.Type)
		require.Zero(t, msg.CloseCode)
		require.False(t, msg.CodeValid)
	})
	t.Run("oneBytePayload", func(t *testing.T) {
		b := NewReceiveBuffer(0)
		require.NoError(t, b.Feed(serverFrame(finBit|byte(OpClose), []byte{0x03})))
		_, err := b.Next()
		require.ErrorIs(t, err, ErrProtocol)
	})
	t.Run("reservedCodeIsSurfacedNotFatal", func(t *testing.T) {
		b := NewReceiveBuffer(0)
		require.NoError(t, b.Feed(serverFrame(finBit|byte(OpClose), EncodeClosePayload(1005, ""))))
		msg, err := b.Next()
		require.NoError(t, err)
		require.Equal(t, uint16(1005), msg.CloseCode)
		require.False(t, msg.CodeValid)
	})
	t.Run("invalidReasonUTF8", func(t *testing.T) {
		b := NewReceiveBuffer(0)
		require.NoError(t, b.Feed(serverFrame(finBit|byte(OpClose), append(EncodeClosePayload(1000, ""), 0xFF))))
		_, err := b.Next()
		require.ErrorIs(t, err, ErrProtocol)
	})
}

func TestReceiveBufferSizeLimit(t *testing.T) {
	b := NewReceiveBuffer(8)
	require.NoError(t, b.Feed(serverFrame(finBit|byte(OpBinary), make([]byte, 9))))
	_, err := b.Next()
	require.ErrorIs(t, err, ErrMessageTooLarge)

	// The limit also applies across fragments.
	b = NewReceiveBuffer(8)
	require.NoError(t, b.Feed(serverFrame(byte(OpBinary), make([]byte, 5))))
	require.NoError(t, b.Feed(serverFrame(finBit|byte(OpContinuation), make([]byte, 5))))
	_, err = b.Next()
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestValidCloseCode(t *testing.T) {
	for _, tc := range []struct {
		code  uint16
		valid bool
	}{
		{0, false},
		{999, false},
		{1000, true},
		{1001, true},
		{1004, false},
		{1005, false},
		{1006, false},
		{1015, false},
		{1011, true},
		{3000, true},
		{4999, true},
	} {
		require.Equal(t, tc.valid, ValidCloseCode(tc.code), "code %d", tc.code)
	}
}
