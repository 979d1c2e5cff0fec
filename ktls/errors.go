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

import "fmt"

// Step identifies which of the ordered kernel configuration calls failed.
type Step int

const (
	StepEnableULP Step = iota + 1
	StepInstallTx
	StepInstallRx
)

// String implements [fmt.Stringer].
func (s Step) String() string {
	switch s {
	case StepEnableULP:
		return "enable TLS ULP"
	case StepInstallTx:
		return "install transmit secret"
	case StepInstallRx:
		return "install receive secret"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// ConfigError reports a failed kernel configuration call. After any
// ConfigError the socket may be partially configured and must not be reused;
// open a fresh connection to fall back to userspace TLS.
type ConfigError struct {
	// Step is the configuration call that failed.
	Step Step
	// Err is the underlying system error.
	Err error
}

var _ error = (*ConfigError)(nil)

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ktls: failed to %v: %v", e.Step, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
