// SPDX-License-Identifier: MIT

// Package capture implements AudioSource: opening a PortAudio input stream
// on a device selected by a preferred-name list (falling back to the
// system default), and exposing it as a channel of mono float32 blocks.
package capture

import (
	"fmt"
	"strings"

	"github.com/gordonklaus/portaudio"
	"ultrasonic/internal/registry"
)

// Initialize sets up the PortAudio subsystem. Must be called once before
// any other capture operation and paired with Terminate.
func Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("capture: initialize portaudio: %w", err)
	}
	return nil
}

// Terminate cleanly shuts down the PortAudio subsystem.
func Terminate() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("capture: terminate portaudio: %w", err)
	}
	return nil
}

// ListDevices enumerates every PortAudio device in the shape the device
// registry expects, regardless of direction; callers filter for IsInput.
func ListDevices() ([]registry.OSDevice, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("capture: enumerate devices: %w", err)
	}

	out := make([]registry.OSDevice, len(infos))
	for i, info := range infos {
		out[i] = registry.OSDevice{
			SystemIndex:       i,
			Name:              info.Name,
			MaxInputChannels:  info.MaxInputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
			IsInput:           info.MaxInputChannels > 0,
		}
	}
	return out, nil
}

// selectDevice picks the first input device whose name contains one of
// preferredNames (checked in order), falling back to the system default
// input device if none match or preferredNames is empty.
func selectDevice(preferredNames []string) (*portaudio.DeviceInfo, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("capture: enumerate devices: %w", err)
	}

	for _, want := range preferredNames {
		for _, info := range infos {
			if info.MaxInputChannels > 0 && strings.Contains(strings.ToLower(info.Name), strings.ToLower(want)) {
				return info, nil
			}
		}
	}

	def, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: no default input device: %v", ErrDeviceNotFound, err)
	}
	return def, nil
}
