// SPDX-License-Identifier: MIT

// Package registry maps OS-level audio device descriptors to stable device
// IDs and persists that mapping to disk so it survives process restarts and
// OS-level device reindexing, grounded in the source implementation's
// DeviceIDManager.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ultrasonic/internal/log"
)

const schemaVersion = 1

// OSDevice is the raw device shape the registry enumerates over; it is
// intentionally decoupled from any particular audio backend so the registry
// has no dependency on PortAudio.
type OSDevice struct {
	SystemIndex       int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	IsInput           bool
}

// Descriptor is the persisted record for one physical device.
type Descriptor struct {
	StableID          string    `json:"stable_id"`
	SystemIndex       int       `json:"system_index"`
	Name              string    `json:"name"`
	MaxInputChannels  int       `json:"max_input_channels"`
	DefaultSampleRate float64   `json:"default_sample_rate"`
	IsInput           bool      `json:"is_input"`
	LastSeen          time.Time `json:"last_seen"`

	missedEnumerations int // not persisted; reset to 0 whenever seen
}

type fileFormat struct {
	Version int                    `json:"v"`
	Devices map[string]*Descriptor `json:"devices"`
}

// ErrNotFound is returned by Resolve when no descriptor is registered under
// the given stable ID.
var ErrNotFound = fmt.Errorf("registry: device not found")

// Registry owns the stableID -> Descriptor mapping and its on-disk copy.
type Registry struct {
	mu      sync.Mutex
	path    string
	devices map[string]*Descriptor
}

// New creates a Registry backed by the file at path, loading any existing
// state. A corrupt file is moved aside to path+".bak" and an empty registry
// is started instead, matching the service's non-fatal recovery policy.
func New(path string) (*Registry, error) {
	r := &Registry{path: path, devices: make(map[string]*Descriptor)}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("registry: read %s: %w", r.path, err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		log.Warnf("registry: corrupt file %s (%v), moving aside and starting fresh", r.path, err)
		backup := r.path + ".bak"
		if renameErr := os.Rename(r.path, backup); renameErr != nil {
			log.Warnf("registry: could not rename corrupt file to %s: %v", backup, renameErr)
		}
		return nil
	}

	if ff.Devices != nil {
		r.devices = ff.Devices
	}
	return nil
}

// Enumerate merges osDevices into the registry: devices seen before keep
// their stable ID and have SystemIndex/LastSeen refreshed; new devices get a
// freshly generated stable ID. Descriptors not present in osDevices are left
// untouched (never deleted implicitly, per contract) aside from bumping
// their missed-enumeration counter, which Cleanup consults.
func (r *Registry) Enumerate(osDevices []OSDevice) []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(osDevices))
	now := time.Now()

	for _, d := range osDevices {
		id := r.findBySignature(d.Name, d.MaxInputChannels, d.DefaultSampleRate)
		if id == "" {
			id = generateStableID(d.Name, d.MaxInputChannels, d.DefaultSampleRate, func(candidate string) bool {
				_, exists := r.devices[candidate]
				return exists
			})
			r.devices[id] = &Descriptor{
				StableID:          id,
				SystemIndex:       d.SystemIndex,
				Name:              d.Name,
				MaxInputChannels:  d.MaxInputChannels,
				DefaultSampleRate: d.DefaultSampleRate,
				IsInput:           d.IsInput,
				LastSeen:          now,
			}
			log.Infof("registry: new device %q assigned stable id %s", d.Name, id)
		} else {
			desc := r.devices[id]
			desc.SystemIndex = d.SystemIndex
			desc.LastSeen = now
			desc.missedEnumerations = 0
		}
		seen[id] = true
	}

	for id, desc := range r.devices {
		if !seen[id] {
			desc.missedEnumerations++
		}
	}

	return r.snapshotLocked()
}

// findBySignature returns the stable ID already registered for (name,
// channels, defaultSampleRate), or "" if none exists. Stable-ID generation
// is deterministic, so in practice this just recomputes and checks — but we
// look up by descriptor fields directly so a device that happens to collide
// with an already-extended suffix still resolves to its own prior ID.
func (r *Registry) findBySignature(name string, channels int, defaultSampleRate float64) string {
	for id, desc := range r.devices {
		if desc.Name == name && desc.MaxInputChannels == channels && desc.DefaultSampleRate == defaultSampleRate {
			return id
		}
	}
	return ""
}

// Resolve returns the descriptor for stableID, or ErrNotFound.
func (r *Registry) Resolve(stableID string) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.devices[stableID]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	return *desc, nil
}

// List returns a snapshot of every known descriptor.
func (r *Registry) List() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []Descriptor {
	out := make([]Descriptor, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}

// Cleanup removes descriptors not seen in the last maxMissed enumerations
// and not currently reported as owned (typically: has a running pipeline) by
// owned. Returns the stable IDs that were removed.
func (r *Registry) Cleanup(maxMissed int, owned func(stableID string) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, desc := range r.devices {
		if desc.missedEnumerations < maxMissed {
			continue
		}
		if owned != nil && owned(id) {
			continue
		}
		delete(r.devices, id)
		removed = append(removed, id)
	}
	return removed
}

// Persist atomically writes the registry to its backing file: write to a
// temp file in the same directory, then rename over the target.
func (r *Registry) Persist() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistLocked()
}

func (r *Registry) persistLocked() error {
	ff := fileFormat{Version: schemaVersion, Devices: r.devices}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	dir := filepath.Dir(r.path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, ".device_mapping-*.tmp")
	if err != nil {
		return fmt.Errorf("registry: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("registry: rename into place: %w", err)
	}
	return nil
}
