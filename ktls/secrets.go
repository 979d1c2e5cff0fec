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

// Package ktls configures the Linux kernel TLS offload ("kTLS") on an
// established TCP socket. Once [Configure] succeeds, the kernel encrypts
// every write and decrypts every read on the socket, so the application can
// exchange plaintext bytes directly, with no userspace record layer.
//
// The caller is responsible for completing the TLS handshake in userspace
// and extracting the per-direction traffic secrets that the kernel needs.
package ktls

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher identifies an AEAD cipher suite supported by the kernel TLS offload.
// The values are the cipher type tags from linux/tls.h.
type Cipher uint16

const (
	AES128GCM        Cipher = 51 // TLS_CIPHER_AES_GCM_128
	AES256GCM        Cipher = 52 // TLS_CIPHER_AES_GCM_256
	CHACHA20POLY1305 Cipher = 54 // TLS_CIPHER_CHACHA20_POLY1305
)

// String returns the IETF name of the cipher.
func (c Cipher) String() string {
	switch c {
	case AES128GCM:
		return "AES-128-GCM"
	case AES256GCM:
		return "AES-256-GCM"
	case CHACHA20POLY1305:
		return "CHACHA20-POLY1305"
	default:
		return fmt.Sprintf("Cipher(%d)", uint16(c))
	}
}

// KeySize returns the key length in bytes required by the cipher, or 0 if
// the cipher is not supported.
func (c Cipher) KeySize() int {
	switch c {
	case AES128GCM:
		return 16
	case AES256GCM, CHACHA20POLY1305:
		return chacha20poly1305.KeySize
	default:
		return 0
	}
}

// Version is the negotiated TLS protocol version, encoded as on the wire.
type Version uint16

const (
	VersionTLS12 Version = 0x0303
	VersionTLS13 Version = 0x0304
)

// String returns the usual name of the version.
func (v Version) String() string {
	switch v {
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("Version(%#04x)", uint16(v))
	}
}

// SaltSize is the length of the implicit nonce prefix. It is fixed for every
// supported cipher.
const SaltSize = 4

var (
	errUnsupportedCipher  = errors.New("unsupported cipher")
	errUnsupportedVersion = errors.New("unsupported TLS version")
	errBadKeySize         = errors.New("key length does not match cipher")
)

// TrafficSecret is the key material for one direction of an established TLS
// session. It is produced once by the handshake, consumed once by
// [Configure], and never mutated.
type TrafficSecret struct {
	// Cipher identifies the negotiated AEAD cipher.
	Cipher Cipher
	// Version is the negotiated protocol version.
	Version Version
	// Key is the symmetric key. Its length must match Cipher exactly.
	Key []byte
	// Salt is the implicit nonce prefix, fixed for the connection lifetime.
	Salt [SaltSize]byte
	// Seq is the record sequence number the kernel starts counting from.
	Seq uint64
}

func (s *TrafficSecret) validate() error {
	switch s.Version {
	case VersionTLS12, VersionTLS13:
	default:
		return fmt.Errorf("%w: %v", errUnsupportedVersion, s.Version)
	}
	keySize := s.Cipher.KeySize()
	if keySize == 0 {
		return fmt.Errorf("%w: %v", errUnsupportedCipher, s.Cipher)
	}
	if len(s.Key) != keySize {
		return fmt.Errorf("%w: %v wants %d bytes, got %d", errBadKeySize, s.Cipher, keySize, len(s.Key))
	}
	return nil
}

// SessionSecrets is the pair of per-direction secrets extracted from a
// completed TLS handshake. Tx protects client-to-server records, Rx protects
// server-to-client records.
type SessionSecrets struct {
	Version Version
	Tx      TrafficSecret
	Rx      TrafficSecret
}

// Zero overwrites the key material. Call it after the secrets have been
// handed to the kernel.
func (s *SessionSecrets) Zero() {
	for _, sec := range []*TrafficSecret{&s.Tx, &s.Rx} {
		for i := range sec.Key {
			sec.Key[i] = 0
		}
		sec.Salt = [SaltSize]byte{}
	}
}
