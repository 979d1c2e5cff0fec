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

package ktls

import "encoding/binary"

// cryptoInfo serializes the secret into the fixed-layout record the kernel's
// secret-install socket option expects. The field order is: version tag,
// cipher type tag, implicit salt, explicit nonce base, key, initial record
// sequence number. All multi-byte fields are big-endian.
//
// The explicit nonce base is the starting sequence number, not a slice of
// the handshake-derived IV: the salt alone carries the IV-derived material.
// Confusing the two corrupts the nonce of every record the kernel produces.
func (s *TrafficSecret) cryptoInfo() ([]byte, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	rec := make([]byte, 0, 2+2+SaltSize+8+len(s.Key)+8)
	rec = binary.BigEndian.AppendUint16(rec, uint16(s.Version))
	rec = binary.BigEndian.AppendUint16(rec, uint16(s.Cipher))
	rec = append(rec, s.Salt[:]...)
	rec = binary.BigEndian.AppendUint64(rec, s.Seq)
	rec = append(rec, s.Key...)
	rec = binary.BigEndian.AppendUint64(rec, s.Seq)
	return rec, nil
}
