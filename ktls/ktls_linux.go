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

//go:build linux

package ktls

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Socket option names from linux/tls.h and linux/tcp.h. TCP_ULP lives on the
// TCP level; the secret-install options live on the dedicated TLS level that
// exists once the ULP is enabled.
const (
	tcpULP = 31
	solTLS = 282
	tlsTx  = 1
	tlsRx  = 2
)

// Configure enables the kernel TLS offload on conn and installs the transmit
// and receive secrets, in that order. conn must be an established TCP
// connection whose handshake produced secrets.
//
// On failure the returned error is a [*ConfigError] identifying the step that
// failed. The socket may then be in a partially configured state the kernel
// offers no way out of: the caller must close it and open a fresh connection
// if it wants to fall back to userspace TLS.
func Configure(conn syscall.Conn, secrets *SessionSecrets) error {
	txInfo, err := secrets.Tx.cryptoInfo()
	if err != nil {
		return fmt.Errorf("ktls: invalid transmit secret: %w", err)
	}
	rxInfo, err := secrets.Rx.cryptoInfo()
	if err != nil {
		return fmt.Errorf("ktls: invalid receive secret: %w", err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("ktls: failed to access raw socket: %w", err)
	}
	var configErr error
	if err := raw.Control(func(fd uintptr) {
		configErr = configureFd(int(fd), txInfo, rxInfo)
	}); err != nil {
		return fmt.Errorf("ktls: raw socket control failed: %w", err)
	}
	return configErr
}

// IsOffloadEOF reports whether err is the EIO an offloaded socket raises
// when the peer tears the connection down without sending close_notify.
// Callers that already received data should treat it as end of stream.
func IsOffloadEOF(err error) bool {
	return errors.Is(err, unix.EIO)
}

func configureFd(fd int, txInfo, rxInfo []byte) error {
	if err := unix.SetsockoptString(fd, unix.IPPROTO_TCP, tcpULP, "tls"); err != nil {
		return &ConfigError{Step: StepEnableULP, Err: err}
	}
	if err := unix.SetsockoptString(fd, solTLS, tlsTx, string(txInfo)); err != nil {
		return &ConfigError{Step: StepInstallTx, Err: err}
	}
	if err := unix.SetsockoptString(fd, solTLS, tlsRx, string(rxInfo)); err != nil {
		return &ConfigError{Step: StepInstallRx, Err: err}
	}
	return nil
}
