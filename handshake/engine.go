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

// Package handshake drives a TLS handshake over an already-connected socket
// using an explicit, caller-driven state machine, then extracts the traffic
// secrets that [github.com/offtls/ktlsws/ktls.Configure] installs in the
// kernel.
//
// The engine never touches the network: it only consumes and produces bytes.
// [Perform] is the single place where socket I/O happens, which keeps the
// protocol logic independent of the transport that carries it.
package handshake

import (
	"errors"

	"github.com/offtls/ktlsws/ktls"
)

// Status is what an [Engine] needs next to make progress.
type Status int

const (
	// StatusNeedsSend means the engine produced bytes that must be written
	// to the peer, in full, before polling again.
	StatusNeedsSend Status = iota + 1
	// StatusNeedsReceive means the engine needs more bytes from the peer.
	StatusNeedsReceive
	// StatusReady means the handshake is complete for both directions.
	StatusReady
)

// String implements [fmt.Stringer].
func (s Status) String() string {
	switch s {
	case StatusNeedsSend:
		return "needs-send"
	case StatusNeedsReceive:
		return "needs-receive"
	case StatusReady:
		return "ready"
	default:
		return "unknown"
	}
}

var (
	// ErrExtractionDisabled is returned by ExtractSecrets when the engine was
	// not configured to allow secret extraction.
	ErrExtractionDisabled = errors.New("handshake: secret extraction not enabled")
	// ErrNotReady is returned by ExtractSecrets before the handshake completed.
	ErrNotReady = errors.New("handshake: session not ready")
	// ErrSecretsExtracted is returned by ExtractSecrets after the one valid call.
	ErrSecretsExtracted = errors.New("handshake: secrets already extracted")
)

// Engine is a TLS implementation driven by its caller. It performs no I/O:
// the caller polls it, flushes the bytes it produces and feeds it the bytes
// the peer sent, until it reports [StatusReady].
type Engine interface {
	// Poll reports what the engine needs next. The returned bytes are
	// non-empty only for [StatusNeedsSend]. A protocol failure (bad
	// certificate, unsupported version, alert from the peer) is returned as
	// an error and is fatal to this connection attempt.
	Poll() (Status, []byte, error)

	// Feed supplies bytes received from the peer. It is only meaningful
	// after Poll reported [StatusNeedsReceive].
	Feed(data []byte) error

	// ExtractSecrets returns the session's traffic secrets. It is valid
	// exactly once, only after Poll reported [StatusReady], and only if
	// secret extraction was enabled when the engine was configured.
	ExtractSecrets() (*ktls.SessionSecrets, error)
}
