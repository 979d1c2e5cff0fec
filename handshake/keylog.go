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
	"encoding/hex"
	"errors"
	"strings"
	"sync"
)

// Key log labels for the TLS 1.3 application traffic secrets, as written by
// [crypto/tls] in NSS key log format: "<label> <client_random> <secret>".
const (
	labelClientTraffic = "CLIENT_TRAFFIC_SECRET_0"
	labelServerTraffic = "SERVER_TRAFFIC_SECRET_0"
)

var errNoTrafficSecrets = errors.New("handshake: traffic secrets not captured")

// keyLogCapture is an [io.Writer] plugged into tls.Config.KeyLogWriter. It
// retains only the two application traffic secrets of the single handshake
// the engine performs.
type keyLogCapture struct {
	mu           sync.Mutex
	pending      strings.Builder
	clientSecret []byte
	serverSecret []byte
}

func (k *keyLogCapture) Write(p []byte) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pending.Write(p)
	for {
		text := k.pending.String()
		nl := strings.IndexByte(text, '\n')
		if nl < 0 {
			break
		}
		k.consumeLine(strings.TrimSpace(text[:nl]))
		k.pending.Reset()
		k.pending.WriteString(text[nl+1:])
	}
	return len(p), nil
}

func (k *keyLogCapture) consumeLine(line string) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return
	}
	secret, err := hex.DecodeString(fields[2])
	if err != nil {
		return
	}
	switch fields[0] {
	case labelClientTraffic:
		k.clientSecret = secret
	case labelServerTraffic:
		k.serverSecret = secret
	}
}

// trafficSecrets returns the captured client and server application traffic
// secrets, or an error if the handshake did not log both.
func (k *keyLogCapture) trafficSecrets() (client, server []byte, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.clientSecret == nil || k.serverSecret == nil {
		return nil, nil, errNoTrafficSecrets
	}
	return k.clientSecret, k.serverSecret, nil
}
