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

//go:build !linux

package ktls

import (
	"errors"
	"fmt"
	"syscall"
)

// Configure reports that kernel TLS offload is not available on this
// platform. Use [errors.Is] with [errors.ErrUnsupported] to detect it.
func Configure(conn syscall.Conn, secrets *SessionSecrets) error {
	return fmt.Errorf("%w: kernel TLS offload is only implemented on Linux", errors.ErrUnsupported)
}

// IsOffloadEOF is always false here: offload never happens off Linux, so no
// read error needs translating.
func IsOffloadEOF(error) bool {
	return false
}
