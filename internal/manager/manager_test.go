// SPDX-License-Identifier: MIT
package manager

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"ultrasonic/internal/config"
	"ultrasonic/internal/registry"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	reg, err := registry.New(filepath.Join(t.TempDir(), "device_mapping.json"))
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	cfg := &config.Config{
		MaxConcurrentDevices: 2,
		Audio: config.AudioDefaults{
			DeviceNames:     []string{"default"},
			SampleRate:      48000,
			FFTSize:         1024,
			BlockSize:       512,
			WindowKind:      "hann",
			OverlapFraction: 0,
		},
		Stream: config.StreamDefaults{
			TargetFps:            30,
			CompressionLevel:     6,
			MagnitudeThresholdDb: -80,
			ThresholdDb:          -100,
			SimilarityThreshold:  0.95,
			EnableSmartSkip:      true,
			EnableAdaptiveFps:    true,
			MinAdaptiveFps:       5,
			MaxAdaptiveFps:       60,
		},
	}
	m := New(cfg, reg, prometheus.NewRegistry())
	t.Cleanup(m.Close)
	return m
}

func TestStart_UnknownStableIDFails(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	if err := m.Start("nonexistent_000000"); err == nil {
		t.Error("expected error starting an unknown stable id")
	}
}

func TestRemove_UnknownStableIDIsNoop(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	if err := m.Remove("nonexistent_000000", false); err != nil {
		t.Errorf("Remove on unknown id returned %v, want nil", err)
	}
}

func TestStopAll_WithNoPipelinesReturnsNil(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll() = %v, want nil", err)
	}
}

func TestBatchStart_CollectsPerIDErrors(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	results := m.BatchStart([]string{"unknown_a", "unknown_b"})
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	for id, err := range results {
		if err == nil {
			t.Errorf("expected error for unknown id %s", id)
		}
	}
}

func TestSystemStatus_ReportsZeroPipelinesInitially(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	st := m.SystemStatus()
	if st.TotalCount != 0 || st.RunningCount != 0 {
		t.Errorf("SystemStatus() = %+v, want zero counts", st)
	}
}

func TestCleanup_OnEmptyRegistryReturnsNoRemovals(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	if removed := m.Cleanup(); len(removed) != 0 {
		t.Errorf("Cleanup() = %v, want empty", removed)
	}
}

func TestListDevices_OnEmptyRegistryReturnsEmpty(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	if devices := m.ListDevices(); len(devices) != 0 {
		t.Errorf("ListDevices() = %v, want empty", devices)
	}
}

func TestGetStatus_UnknownStableIDFails(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	if _, err := m.GetStatus("nonexistent_000000"); err == nil {
		t.Error("expected error for unknown stable id")
	}
}
