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
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
)

// acceptGUID is the fixed GUID a server appends to the client key before
// hashing (RFC 6455 section 1.3).
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// GenerateKey creates the Sec-WebSocket-Key value for an upgrade request:
// 16 random bytes, base64 encoded.
func GenerateKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("websocket: failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// acceptKey computes the Sec-WebSocket-Accept value the server must return
// for the given Sec-WebSocket-Key.
func acceptKey(key string) string {
	digest := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(digest[:])
}

// BuildUpgradeRequest serializes the HTTP/1.1 upgrade request for the given
// resource path and Host header value, carrying key as Sec-WebSocket-Key.
func BuildUpgradeRequest(host, path, key string) []byte {
	if path == "" {
		path = "/"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	b.WriteString("\r\n")
	return b.Bytes()
}

// ErrUpgradeFailed wraps every way the server's upgrade response can be
// unacceptable.
var ErrUpgradeFailed = errors.New("websocket: upgrade failed")

// ValidateUpgradeResponse parses the server's upgrade response from raw and
// checks it against the key sent in the request: status 101, an
// "Upgrade: websocket" header, a "Connection" header containing the
// "Upgrade" token, and the exact Sec-WebSocket-Accept digest. It returns
// any bytes that followed the response headers; the server may have sent
// frames immediately, and those bytes belong to the frame stream.
//
// It returns (0, nil) leftover with a nil error when raw does not yet hold
// the complete header block, so the caller can read more and retry.
func ValidateUpgradeResponse(raw []byte, key string) (leftover []byte, err error) {
	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return nil, nil
	}
	headerEnd += 4

	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw[:headerEnd])))
	statusLine, err := reader.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("%w: malformed status line: %w", ErrUpgradeFailed, err)
	}
	if !strings.HasPrefix(statusLine, "HTTP/1.1 101") {
		return nil, fmt.Errorf("%w: expected status 101, got %q", ErrUpgradeFailed, statusLine)
	}
	header, err := reader.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: malformed headers: %w", ErrUpgradeFailed, err)
	}

	if !strings.EqualFold(header.Get("Upgrade"), "websocket") {
		return nil, fmt.Errorf("%w: Upgrade header is %q", ErrUpgradeFailed, header.Get("Upgrade"))
	}
	if !headerContainsToken(header.Get("Connection"), "upgrade") {
		return nil, fmt.Errorf("%w: Connection header is %q", ErrUpgradeFailed, header.Get("Connection"))
	}
	if got, want := header.Get("Sec-Websocket-Accept"), acceptKey(key); got != want {
		return nil, fmt.Errorf("%w: Sec-WebSocket-Accept mismatch: got %q, want %q", ErrUpgradeFailed, got, want)
	}
	return raw[headerEnd:], nil
}

// headerContainsToken reports whether a comma-separated header value
// contains the given token, case-insensitively.
func headerContainsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
