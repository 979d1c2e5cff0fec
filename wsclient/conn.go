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

package wsclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/offtls/ktlsws/ktls"
	"github.com/offtls/ktlsws/sockopt"
	"github.com/offtls/ktlsws/transport"
	"github.com/offtls/ktlsws/websocket"
)

// CloseNormal is the close status for an orderly shutdown.
const CloseNormal = 1000

const readChunkSize = 4096

// Conn is an established WebSocket session.
//
// One goroutine may call Receive while another sends; the send methods are
// serialized against each other. Conn performs no background work: every
// frame moves because the caller asked it to.
type Conn struct {
	// stream is the dialed socket and owns the file descriptor.
	stream transport.StreamConn
	// rw is the byte stream frames travel on: the socket itself when the
	// kernel handles the records, a userspace TLS conn otherwise.
	rw        net.Conn
	offloaded bool
	logger    *slog.Logger

	recv     *websocket.ReceiveBuffer
	readBuf  []byte
	payloads int // successful reads, for the end-of-stream heuristic below

	writeMu   sync.Mutex
	closeSent bool
	closeOnce sync.Once
	closeErr  error
}

// Offloaded reports whether record encryption runs in the kernel.
func (c *Conn) Offloaded() bool {
	return c.offloaded
}

// upgrade runs the client side of the HTTP upgrade exchange. Bytes the
// server sent past the response headers are early frames and are fed to the
// receive buffer.
func (c *Conn) upgrade(ctx context.Context, host, resource string) error {
	key, err := websocket.GenerateKey()
	if err != nil {
		return err
	}
	stop := c.watchContext(ctx)
	defer stop()

	if _, err := c.rw.Write(websocket.BuildUpgradeRequest(host, resource, key)); err != nil {
		return fmt.Errorf("failed to send upgrade request: %w", err)
	}

	var raw []byte
	chunk := make([]byte, readChunkSize)
	for !bytes.Contains(raw, []byte("\r\n\r\n")) {
		n, err := c.rw.Read(chunk)
		if n > 0 {
			raw = append(raw, chunk[:n]...)
			continue
		}
		if err == nil || err == io.EOF {
			return fmt.Errorf("%w: connection closed before the upgrade response", websocket.ErrUpgradeFailed)
		}
		return fmt.Errorf("failed to read upgrade response: %w", err)
	}
	leftover, err := websocket.ValidateUpgradeResponse(raw, key)
	if err != nil {
		return err
	}
	if len(leftover) > 0 {
		return c.recv.Feed(leftover)
	}
	return nil
}

// Receive returns the next complete message. Fragmented data messages are
// returned assembled; control messages (ping, pong, close) are surfaced to
// the caller, who decides whether to answer them. A clean end of stream is
// io.EOF.
func (c *Conn) Receive(ctx context.Context) (*websocket.Message, error) {
	stop := c.watchContext(ctx)
	defer stop()

	for {
		msg, err := c.recv.Next()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}

		if c.readBuf == nil {
			c.readBuf = make([]byte, readChunkSize)
		}
		n, err := c.rw.Read(c.readBuf)
		if n > 0 {
			c.payloads++
			if err := c.recv.Feed(c.readBuf[:n]); err != nil {
				return nil, err
			}
			continue
		}
		switch {
		case err == nil:
			continue
		case err == io.EOF:
			return nil, io.EOF
		case c.offloaded && c.payloads > 0 && ktls.IsOffloadEOF(err):
			// A socket with kernel TLS installed reports the peer's
			// connection teardown as an I/O error. After data has flowed,
			// that is an end of stream, not a failure.
			c.logger.Debug("treating offloaded read error as end of stream", "error", err)
			return nil, io.EOF
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("read failed: %w", err)
		}
	}
}

// SendText sends one text message in a single frame.
func (c *Conn) SendText(ctx context.Context, text string) error {
	return c.sendFrame(ctx, websocket.OpText, []byte(text))
}

// SendBinary sends one binary message in a single frame.
func (c *Conn) SendBinary(ctx context.Context, data []byte) error {
	return c.sendFrame(ctx, websocket.OpBinary, data)
}

// Ping sends a ping frame. The payload may be at most 125 bytes.
func (c *Conn) Ping(ctx context.Context, payload []byte) error {
	return c.sendFrame(ctx, websocket.OpPing, payload)
}

// Pong sends a pong frame, normally echoing a received ping payload.
func (c *Conn) Pong(ctx context.Context, payload []byte) error {
	return c.sendFrame(ctx, websocket.OpPong, payload)
}

func (c *Conn) sendFrame(ctx context.Context, opcode websocket.Opcode, payload []byte) error {
	wire, err := websocket.EncodeFrame(opcode, payload, true)
	if err != nil {
		return err
	}
	stop := c.watchContext(ctx)
	defer stop()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeSent {
		return net.ErrClosed
	}
	if _, err := c.rw.Write(wire); err != nil {
		return fmt.Errorf("failed to send %v frame: %w", opcode, err)
	}
	return nil
}

// Close performs an orderly shutdown: it sends a close frame with the given
// status code and reason, waits briefly for the kernel to flush the send
// queue, and closes the connection. A code of 0 means [CloseNormal]; codes
// that may not appear on the wire are rejected.
func (c *Conn) Close(code uint16, reason string) error {
	if code == 0 {
		code = CloseNormal
	}
	if !websocket.ValidCloseCode(code) {
		return fmt.Errorf("close code %d is not valid on the wire", code)
	}
	c.closeOnce.Do(func() {
		c.closeErr = c.close(code, reason)
	})
	return c.closeErr
}

func (c *Conn) close(code uint16, reason string) error {
	wire, err := websocket.EncodeFrame(websocket.OpClose, websocket.EncodeClosePayload(code, reason), true)
	if err == nil {
		c.writeMu.Lock()
		c.closeSent = true
		_, err = c.rw.Write(wire)
		c.writeMu.Unlock()
	}
	if err != nil {
		c.logger.Debug("failed to send close frame", "error", err)
	}
	c.drainSendQueue()

	// Closing rw also closes the socket on the fallback path, so the second
	// Close below only matters when rw wraps nothing.
	closeErr := c.rw.Close()
	if err := c.stream.Close(); err != nil && !errors.Is(err, net.ErrClosed) && closeErr == nil {
		closeErr = err
	}
	return closeErr
}

// drainSendQueue gives the kernel a moment to transmit the close frame
// before the socket goes away. Best effort: not every platform or stream
// type can report send progress.
func (c *Conn) drainSendQueue() {
	tcpConn, ok := c.stream.(*net.TCPConn)
	if !ok {
		return
	}
	opts, err := sockopt.NewTCPOptions(tcpConn)
	if err != nil {
		return
	}
	if !opts.OsSupportsWaitingUntilBytesAreSent() {
		return
	}
	if err := opts.WaitUntilBytesAreSent(); err != nil {
		c.logger.Debug("send queue not drained before close", "error", err)
	}
}

// watchContext maps ctx onto the connection: its deadline is installed, and
// cancellation forces in-flight reads and writes to fail promptly. The
// returned stop function removes the mapping.
func (c *Conn) watchContext(ctx context.Context) (stop func()) {
	if deadline, ok := ctx.Deadline(); ok {
		c.rw.SetDeadline(deadline)
	}
	unregister := context.AfterFunc(ctx, func() {
		c.rw.SetDeadline(time.Now())
	})
	return func() {
		unregister()
		c.rw.SetDeadline(time.Time{})
	}
}
