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
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/offtls/ktlsws/ktls"
)

// ivSize is the AEAD nonce length shared by every TLS 1.3 cipher suite.
const ivSize = 12

// suiteParams maps a TLS 1.3 cipher suite to the kernel cipher tag and the
// hash that parametrizes its key schedule.
func suiteParams(suite uint16) (ktls.Cipher, func() hash.Hash, error) {
	switch suite {
	case tls.TLS_AES_128_GCM_SHA256:
		return ktls.AES128GCM, sha256.New, nil
	case tls.TLS_AES_256_GCM_SHA384:
		return ktls.AES256GCM, sha512.New384, nil
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return ktls.CHACHA20POLY1305, sha256.New, nil
	default:
		return 0, nil, fmt.Errorf("%w: cipher suite %#04x has no kernel offload", errors.ErrUnsupported, suite)
	}
}

// trafficSecretToKTLS derives the per-direction key material the kernel
// needs from a TLS 1.3 application traffic secret (RFC 8446 section 7.3).
// The write IV's leading bytes become the implicit salt; records start at
// sequence number zero.
func trafficSecretToKTLS(suite uint16, trafficSecret []byte) (ktls.TrafficSecret, error) {
	cipher, newHash, err := suiteParams(suite)
	if err != nil {
		return ktls.TrafficSecret{}, err
	}
	key, err := hkdfExpandLabel(newHash, trafficSecret, "key", nil, cipher.KeySize())
	if err != nil {
		return ktls.TrafficSecret{}, err
	}
	iv, err := hkdfExpandLabel(newHash, trafficSecret, "iv", nil, ivSize)
	if err != nil {
		return ktls.TrafficSecret{}, err
	}
	secret := ktls.TrafficSecret{
		Cipher:  cipher,
		Version: ktls.VersionTLS13,
		Key:     key,
		Seq:     0,
	}
	copy(secret.Salt[:], iv[:ktls.SaltSize])
	return secret, nil
}

// hkdfExpandLabel implements HKDF-Expand-Label from RFC 8446 section 7.1.
func hkdfExpandLabel(newHash func() hash.Hash, secret []byte, label string, context []byte, length int) ([]byte, error) {
	hkdfLabel := make([]byte, 0, 2+1+len("tls13 ")+len(label)+1+len(context))
	hkdfLabel = binary.BigEndian.AppendUint16(hkdfLabel, uint16(length))
	hkdfLabel = append(hkdfLabel, byte(len("tls13 ")+len(label)))
	hkdfLabel = append(hkdfLabel, "tls13 "...)
	hkdfLabel = append(hkdfLabel, label...)
	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(newHash, secret, hkdfLabel), out); err != nil {
		return nil, fmt.Errorf("handshake: key expansion failed: %w", err)
	}
	return out, nil
}
