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
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/offtls/ktlsws/ktls"
)

// ClientConfig configures a [ClientEngine].
type ClientConfig struct {
	// ServerName is the host name presented in the SNI and checked against
	// the server certificate. Required.
	ServerName string
	// RootCAs overrides the system roots used to verify the server
	// certificate. Optional.
	RootCAs *x509.CertPool
	// NextProtos is the ALPN protocol list. Optional.
	NextProtos []string
	// EnableSecretExtraction must be set for ExtractSecrets to work. Leaving
	// it off keeps the traffic secrets confined to the record layer.
	EnableSecretExtraction bool
	// InsecureSkipVerify disables certificate verification. Test use only.
	InsecureSkipVerify bool
}

// ClientEngine adapts [crypto/tls] to the caller-driven [Engine] interface.
// The record layer runs against an in-memory pipe: bytes it wants on the wire
// surface through Poll, bytes from the peer enter through Feed.
//
// The engine negotiates TLS 1.3 only, with the cipher suites the kernel
// offload model supports, so that the extracted secrets are always
// installable. Traffic secrets are captured through the key log and the
// per-direction key and IV are derived with HKDF-Expand-Label.
type ClientEngine struct {
	mu   sync.Mutex
	cond *sync.Cond

	// out accumulates bytes the record layer wrote and Poll has not yet
	// surfaced. in holds bytes fed from the peer and not yet consumed.
	out bytes.Buffer
	in  []byte

	// readerWaiting is set while the record layer is blocked waiting for
	// peer bytes. Poll uses it to tell "engine is idle and wants input"
	// apart from "engine is still churning".
	readerWaiting bool

	started   bool
	done      bool
	closed    bool
	result    error
	extracted bool

	conn   *tls.Conn
	keyLog keyLogCapture

	extractionEnabled bool
}

var _ Engine = (*ClientEngine)(nil)

// NewClientEngine creates an engine that performs a TLS 1.3 client handshake
// for the given configuration.
func NewClientEngine(config *ClientConfig) *ClientEngine {
	e := &ClientEngine{extractionEnabled: config.EnableSecretExtraction}
	e.cond = sync.NewCond(&e.mu)

	stdConfig := &tls.Config{
		ServerName:         config.ServerName,
		RootCAs:            config.RootCAs,
		NextProtos:         config.NextProtos,
		InsecureSkipVerify: config.InsecureSkipVerify,
		// The kernel offload has no TLS 1.2 key material for this engine to
		// hand it, so do not negotiate below 1.3.
		MinVersion: tls.VersionTLS13,
	}
	if config.EnableSecretExtraction {
		stdConfig.KeyLogWriter = &e.keyLog
	}
	e.conn = tls.Client(&pumpConn{engine: e}, stdConfig)
	return e
}

// Poll implements [Engine].
func (e *ClientEngine) Poll() (Status, []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		e.started = true
		go func() {
			err := e.conn.Handshake()
			e.mu.Lock()
			e.done = true
			e.result = err
			e.cond.Broadcast()
			e.mu.Unlock()
		}()
	}

	for {
		if e.out.Len() > 0 {
			data := make([]byte, e.out.Len())
			copy(data, e.out.Bytes())
			e.out.Reset()
			return StatusNeedsSend, data, nil
		}
		if e.done {
			if e.result != nil {
				return 0, nil, e.result
			}
			return StatusReady, nil, nil
		}
		if e.readerWaiting && len(e.in) == 0 {
			return StatusNeedsReceive, nil, nil
		}
		// The record layer is mid-step; wait for it to produce output,
		// block on input, or finish.
		e.cond.Wait()
	}
}

// Feed implements [Engine].
func (e *ClientEngine) Feed(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return errors.New("handshake: engine is not accepting input")
	}
	e.in = append(e.in, data...)
	e.cond.Broadcast()
	return nil
}

// ExtractSecrets implements [Engine]. It is valid exactly once, after the
// handshake completed.
func (e *ClientEngine) ExtractSecrets() (*ktls.SessionSecrets, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.extractionEnabled {
		return nil, ErrExtractionDisabled
	}
	if !e.done || e.result != nil {
		return nil, ErrNotReady
	}
	if e.extracted {
		return nil, ErrSecretsExtracted
	}

	state := e.conn.ConnectionState()
	if state.Version != tls.VersionTLS13 {
		return nil, fmt.Errorf("%w: negotiated %#04x", errors.ErrUnsupported, state.Version)
	}
	clientSecret, serverSecret, err := e.keyLog.trafficSecrets()
	if err != nil {
		return nil, err
	}

	tx, err := trafficSecretToKTLS(state.CipherSuite, clientSecret)
	if err != nil {
		return nil, err
	}
	rx, err := trafficSecretToKTLS(state.CipherSuite, serverSecret)
	if err != nil {
		return nil, err
	}
	e.extracted = true
	return &ktls.SessionSecrets{Version: ktls.VersionTLS13, Tx: tx, Rx: rx}, nil
}

// Close releases the engine. It unblocks the record layer if the handshake
// was abandoned mid-flight. Call it whenever Perform fails; a completed
// engine needs no Close.
func (e *ClientEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.cond.Broadcast()
	return nil
}

// pumpConn is the in-memory [net.Conn] the record layer runs on. Reads block
// until Feed supplies bytes; writes land in the engine's output buffer.
type pumpConn struct {
	engine *ClientEngine
}

var _ net.Conn = (*pumpConn)(nil)

func (c *pumpConn) Read(p []byte) (int, error) {
	e := c.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.in) == 0 && !e.closed {
		e.readerWaiting = true
		e.cond.Broadcast()
		e.cond.Wait()
	}
	e.readerWaiting = false
	if len(e.in) == 0 {
		return 0, net.ErrClosed
	}
	n := copy(p, e.in)
	e.in = e.in[n:]
	return n, nil
}

func (c *pumpConn) Write(p []byte) (int, error) {
	e := c.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.out.Write(p)
	e.cond.Broadcast()
	return n, err
}

func (c *pumpConn) Close() error { return nil }

// Deadlines are managed by the driver on the real socket; the pump itself
// never times out.
func (c *pumpConn) SetDeadline(time.Time) error      { return nil }
func (c *pumpConn) SetReadDeadline(time.Time) error  { return nil }
func (c *pumpConn) SetWriteDeadline(time.Time) error { return nil }

func (c *pumpConn) LocalAddr() net.Addr  { return pumpAddr{} }
func (c *pumpConn) RemoteAddr() net.Addr { return pumpAddr{} }

type pumpAddr struct{}

func (pumpAddr) Network() string { return "handshake" }
func (pumpAddr) String() string  { return "handshake/pump" }
