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

package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/offtls/ktlsws/ktls"
)

// ErrPeerClosed is returned when the peer closes the transport before the
// negotiation completes.
var ErrPeerClosed = errors.New("handshake: peer closed connection before completing negotiation")

// readBufferSize is plenty for a handshake flight; a full flight is a few KB.
const readBufferSize = 8 * 1024

// Perform drives engine over conn until the session is established, then
// extracts and returns the traffic secrets.
//
// The handshake is driven with plain blocking reads and writes: it is small,
// happens once per connection, and everything after it goes through the
// kernel offload, so there is nothing to gain from asynchronous I/O here.
// The ctx deadline is applied to conn for the duration of the call.
//
// Any failure is fatal to this connection attempt; Perform never returns
// partial secrets. The caller decides whether to retry on a new connection.
func Perform(ctx context.Context, conn net.Conn, engine Engine) (*ktls.SessionSecrets, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("handshake: failed to set deadline: %w", err)
		}
		defer conn.SetDeadline(time.Time{})
	}

	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		status, out, err := engine.Poll()
		if err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		switch status {
		case StatusNeedsSend:
			if _, err := conn.Write(out); err != nil {
				return nil, fmt.Errorf("handshake: write failed: %w", err)
			}
		case StatusNeedsReceive:
			n, err := conn.Read(buf)
			if n > 0 {
				if err := engine.Feed(buf[:n]); err != nil {
					return nil, fmt.Errorf("handshake: %w", err)
				}
				continue
			}
			if err == nil || errors.Is(err, io.EOF) {
				return nil, ErrPeerClosed
			}
			return nil, fmt.Errorf("handshake: read failed: %w", err)
		case StatusReady:
			secrets, err := engine.ExtractSecrets()
			if err != nil {
				return nil, err
			}
			return secrets, nil
		default:
			return nil, fmt.Errorf("handshake: engine reported unknown status %v", status)
		}
	}
}
