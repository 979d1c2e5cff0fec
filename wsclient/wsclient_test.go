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
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offtls/ktlsws/transport"
	"github.com/offtls/ktlsws/websocket"
)

func testCertificate(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "wsclient-test"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	parsed, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(parsed)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, pool
}

// echoServer is a minimal in-process wss endpoint: it answers the upgrade,
// echoes data frames, answers pings with pongs, and echoes close frames.
type echoServer struct {
	URL          string
	pool         *x509.CertPool
	maskedFrames atomic.Int64

	listener net.Listener
}

func startEchoServer(t *testing.T) *echoServer {
	t.Helper()
	cert, pool := testCertificate(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	s := &echoServer{
		URL:      fmt.Sprintf("wss://localhost:%d/echo", listener.Addr().(*net.TCPAddr).Port),
		pool:     pool,
		listener: listener,
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.serve(tls.Server(conn, tlsConfig))
		}
	}()
	return s
}

func (s *echoServer) serve(conn *tls.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	tp := textproto.NewReader(reader)
	requestLine, err := tp.ReadLine()
	if err != nil || !strings.HasPrefix(requestLine, "GET ") {
		return
	}
	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return
	}
	key := header.Get("Sec-Websocket-Key")
	digest := sha1.Sum([]byte(key + "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"))
	fmt.Fprintf(conn, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\nConnection: Upgrade\r\n"+
		"Sec-WebSocket-Accept: %s\r\n\r\n", base64.StdEncoding.EncodeToString(digest[:]))

	for {
		opcode, payload, err := s.readClientFrame(reader)
		if err != nil {
			return
		}
		switch opcode {
		case 0x1, 0x2: // echo data frames as sent
			s.writeFrame(conn, opcode, payload)
		case 0x9: // ping -> pong
			s.writeFrame(conn, 0xA, payload)
		case 0x8: // close -> close echo, then done
			s.writeFrame(conn, 0x8, payload)
			return
		}
	}
}

// readClientFrame reads one small masked frame and unmasks it.
func (s *echoServer) readClientFrame(r io.Reader) (opcode byte, payload []byte, err error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	if header[1]&0x80 == 0 {
		return 0, nil, fmt.Errorf("client frame is not masked")
	}
	s.maskedFrames.Add(1)
	length := int(header[1] & 0x7F)
	if length > 125 {
		return 0, nil, fmt.Errorf("test server only handles small frames")
	}
	var mask [4]byte
	if _, err := io.ReadFull(r, mask[:]); err != nil {
		return 0, nil, err
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	for i := range payload {
		payload[i] ^= mask[i%4]
	}
	return header[0] & 0x0F, payload, nil
}

func (s *echoServer) writeFrame(w io.Writer, opcode byte, payload []byte) {
	w.Write(append([]byte{0x80 | opcode, byte(len(payload))}, payload...))
}

func TestDialEchoSession(t *testing.T) {
	server := startEchoServer(t)
	dialer := &Dialer{RootCAs: server.pool, DisableKernelTLS: true}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := dialer.Dial(ctx, server.URL)
	require.NoError(t, err)
	require.False(t, conn.Offloaded())

	require.NoError(t, conn.SendText(ctx, "hello"))
	msg, err := conn.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, msg.Type)
	require.Equal(t, []byte("hello"), msg.Data)

	require.NoError(t, conn.Ping(ctx, []byte("beat")))
	msg, err = conn.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessagePong, msg.Type)
	require.Equal(t, []byte("beat"), msg.Data)

	require.NoError(t, conn.Close(0, "done"))
	require.GreaterOrEqual(t, server.maskedFrames.Load(), int64(3))
}

func TestDialBinaryRoundtrip(t *testing.T) {
	server := startEchoServer(t)
	dialer := &Dialer{RootCAs: server.pool, DisableKernelTLS: true}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := dialer.Dial(ctx, server.URL)
	require.NoError(t, err)
	defer conn.Close(0, "")

	payload := []byte{0x00, 0xFF, 0x10, 0x20}
	require.NoError(t, conn.SendBinary(ctx, payload))
	msg, err := conn.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageBinary, msg.Type)
	require.Equal(t, payload, msg.Data)
}

func TestDialCloseHandshake(t *testing.T) {
	server := startEchoServer(t)
	dialer := &Dialer{RootCAs: server.pool, DisableKernelTLS: true}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := dialer.Dial(ctx, server.URL)
	require.NoError(t, err)
	require.NoError(t, conn.Close(CloseNormal, "bye"))
	// Close is idempotent.
	require.NoError(t, conn.Close(CloseNormal, "bye"))
	// Sending after close fails cleanly.
	require.ErrorIs(t, conn.SendText(ctx, "late"), net.ErrClosed)
}

func TestCloseRejectsReservedCode(t *testing.T) {
	conn := &Conn{}
	require.Error(t, conn.Close(1005, ""))
	require.Error(t, conn.Close(999, ""))
}

// hiddenFdConn wraps a StreamConn so it no longer exposes its socket,
// forcing the offload path to fail after a complete handshake.
type hiddenFdConn struct {
	transport.StreamConn
}

func TestDialFallsBackToUserspaceTLS(t *testing.T) {
	server := startEchoServer(t)
	tcp := &transport.TCPDialer{}
	dialer := &Dialer{
		RootCAs: server.pool,
		StreamDialer: transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
			conn, err := tcp.DialStream(ctx, addr)
			if err != nil {
				return nil, err
			}
			return &hiddenFdConn{conn}, nil
		}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := dialer.Dial(ctx, server.URL)
	require.NoError(t, err)
	require.False(t, conn.Offloaded())
	defer conn.Close(0, "")

	require.NoError(t, conn.SendText(ctx, "fallback"))
	msg, err := conn.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("fallback"), msg.Data)
}

func TestReceiveHonorsContextCancellation(t *testing.T) {
	server := startEchoServer(t)
	dialer := &Dialer{RootCAs: server.pool, DisableKernelTLS: true}
	dialCtx, cancelDial := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDial()

	conn, err := dialer.Dial(dialCtx, server.URL)
	require.NoError(t, err)
	defer conn.Close(0, "")

	// The server sends nothing unprompted, so only the context can end this.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = conn.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseWSSURL(t *testing.T) {
	for _, tc := range []struct {
		url        string
		host, addr string
		resource   string
		wantErr    bool
	}{
		{url: "wss://example.com/chat", host: "example.com", addr: "example.com:443", resource: "/chat"},
		{url: "wss://example.com:8443/a?b=c", host: "example.com", addr: "example.com:8443", resource: "/a?b=c"},
		{url: "wss://example.com", host: "example.com", addr: "example.com:443", resource: "/"},
		{url: "ws://example.com/", wantErr: true},
		{url: "https://example.com/", wantErr: true},
		{url: "wss:///nohost", wantErr: true},
	} {
		host, addr, resource, err := parseWSSURL(tc.url)
		if tc.wantErr {
			require.Error(t, err, tc.url)
			continue
		}
		require.NoError(t, err, tc.url)
		require.Equal(t, tc.host, host, tc.url)
		require.Equal(t, tc.addr, addr, tc.url)
		require.Equal(t, tc.resource, resource, tc.url)
	}
}
