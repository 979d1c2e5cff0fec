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

// Package wsclient connects WebSocket sessions over TLS connections whose
// record processing is offloaded to the kernel when possible.
//
// Dialing runs the whole session setup: TCP connect, TLS handshake with
// traffic secret extraction, kernel TLS installation, and the HTTP upgrade
// exchange. When any offload step fails, the socket is discarded and the
// session is retried on a fresh connection with userspace TLS, so callers
// always get a working [Conn] or an error from the fallback path.
package wsclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"syscall"

	"github.com/offtls/ktlsws/handshake"
	"github.com/offtls/ktlsws/ktls"
	"github.com/offtls/ktlsws/transport"
	"github.com/offtls/ktlsws/websocket"
)

const defaultWSSPort = "443"

// Dialer establishes WebSocket sessions. The zero value dials over plain TCP
// with kernel TLS offload enabled and system certificate verification.
type Dialer struct {
	// StreamDialer creates the underlying stream connection. nil means a
	// plain [transport.TCPDialer].
	StreamDialer transport.StreamDialer

	// RootCAs verifies the server certificate. nil means the system pool.
	RootCAs *x509.CertPool

	// InsecureSkipVerify disables certificate verification. Test use only.
	InsecureSkipVerify bool

	// DisableKernelTLS skips offload entirely and always dials the
	// userspace TLS path.
	DisableKernelTLS bool

	// MaxMessageBytes bounds assembled incoming messages.
	// 0 means [websocket.DefaultMaxMessageBytes].
	MaxMessageBytes int

	// Logger receives session progress events. nil discards them.
	Logger *slog.Logger
}

// Dial connects the WebSocket session at rawURL, which must be a wss:// URL
// of the form wss://host[:port]/path.
func (d *Dialer) Dial(ctx context.Context, rawURL string) (*Conn, error) {
	host, hostHeader, resource, err := parseWSSURL(rawURL)
	if err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	streamDialer := d.StreamDialer
	if streamDialer == nil {
		streamDialer = &transport.TCPDialer{}
	}

	var (
		stream    transport.StreamConn
		rw        net.Conn
		offloaded bool
	)
	if !d.DisableKernelTLS {
		stream, err = d.dialOffloaded(ctx, streamDialer, hostHeader, host)
		if err == nil {
			rw, offloaded = stream, true
			logger.Debug("kernel TLS installed", "address", hostHeader)
		} else {
			// The partially configured socket was already discarded; the
			// retry below starts from a fresh connection.
			logger.Warn("kernel TLS unavailable, falling back to userspace TLS",
				"address", hostHeader, "error", err)
		}
	}
	if rw == nil {
		stream, err = streamDialer.DialStream(ctx, hostHeader)
		if err != nil {
			return nil, err
		}
		tlsConn := tls.Client(stream, &tls.Config{
			ServerName:         host,
			RootCAs:            d.RootCAs,
			InsecureSkipVerify: d.InsecureSkipVerify,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			stream.Close()
			return nil, fmt.Errorf("fallback TLS handshake failed: %w", err)
		}
		rw = tlsConn
	}

	conn := &Conn{
		stream:    stream,
		rw:        rw,
		offloaded: offloaded,
		logger:    logger,
		recv:      websocket.NewReceiveBuffer(d.MaxMessageBytes),
	}
	if err := conn.upgrade(ctx, hostHeader, resource); err != nil {
		rw.Close()
		stream.Close()
		return nil, err
	}
	logger.Debug("websocket session established",
		"address", hostHeader, "resource", resource, "offloaded", offloaded)
	return conn, nil
}

// dialOffloaded runs the offload path on a new connection: handshake with
// secret extraction, then kernel TLS installation. Any failure closes the
// socket; a socket that saw a partial configuration must never be reused.
func (d *Dialer) dialOffloaded(ctx context.Context, streamDialer transport.StreamDialer, addr, serverName string) (transport.StreamConn, error) {
	stream, err := streamDialer.DialStream(ctx, addr)
	if err != nil {
		return nil, err
	}
	engine := handshake.NewClientEngine(&handshake.ClientConfig{
		ServerName:             serverName,
		RootCAs:                d.RootCAs,
		InsecureSkipVerify:     d.InsecureSkipVerify,
		EnableSecretExtraction: true,
	})
	defer engine.Close()

	secrets, err := handshake.Perform(ctx, stream, engine)
	if err != nil {
		stream.Close()
		return nil, err
	}
	defer secrets.Zero()

	sysConn, ok := stream.(syscall.Conn)
	if !ok {
		stream.Close()
		return nil, fmt.Errorf("connection %T does not expose its socket", stream)
	}
	if err := ktls.Configure(sysConn, secrets); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

// parseWSSURL splits a wss:// URL into the TLS server name, the host:port
// dial address (doubling as the Host header), and the request resource.
func parseWSSURL(rawURL string) (host, hostHeader, resource string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "wss" {
		return "", "", "", fmt.Errorf("URL scheme must be wss, got %q", u.Scheme)
	}
	host = u.Hostname()
	if host == "" {
		return "", "", "", fmt.Errorf("URL %q has no host", rawURL)
	}
	port := u.Port()
	if port == "" {
		port = defaultWSSPort
	}
	resource = u.RequestURI()
	return host, net.JoinHostPort(host, port), resource, nil
}
