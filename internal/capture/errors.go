// SPDX-License-Identifier: MIT
package capture

import "errors"

// Sentinel errors surfaced by Open and wrapped with PortAudio's own error
// text for diagnostics.
var (
	ErrDeviceBusy      = errors.New("capture: device busy")
	ErrDeviceNotFound  = errors.New("capture: device not found")
	ErrUnsupportedRate = errors.New("capture: unsupported sample rate")
)
