// SPDX-License-Identifier: MIT
package pipeline

import (
	"testing"

	"ultrasonic/internal/dsp"
)

func validAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:      48000,
		FFTSize:         1024,
		BlockSize:       512,
		WindowKind:      dsp.Hann,
		OverlapFraction: 0,
		DeviceNames:     []string{"default"},
	}
}

func validStreamConfig() StreamConfig {
	return StreamConfig{
		TargetFps:            30,
		CompressionLevel:     6,
		MagnitudeThresholdDb: -80,
		ThresholdDb:          -100,
		SimilarityThreshold:  0.95,
		EnableSmartSkip:      true,
		EnableAdaptiveFps:    true,
		MinAdaptiveFps:       5,
		MaxAdaptiveFps:       60,
	}
}

func TestNew_RejectsInvalidAudioConfig(t *testing.T) {
	t.Parallel()
	cfg := validAudioConfig()
	cfg.SampleRate = 0
	if _, err := New("dev_abc123", cfg, validStreamConfig()); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestNew_RejectsInvalidStreamConfig(t *testing.T) {
	t.Parallel()
	cfg := validStreamConfig()
	cfg.TargetFps = 0
	if _, err := New("dev_abc123", validAudioConfig(), cfg); err == nil {
		t.Error("expected error for zero target fps")
	}
}

func TestNew_StartsStopped(t *testing.T) {
	t.Parallel()
	p, err := New("dev_abc123", validAudioConfig(), validStreamConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Status().State; got != Stopped {
		t.Errorf("State = %v, want Stopped", got)
	}
}

func TestStop_IsIdempotentWhenAlreadyStopped(t *testing.T) {
	t.Parallel()
	p, err := New("dev_abc123", validAudioConfig(), validStreamConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stop() on an already-stopped pipeline returned %v, want nil", err)
	}
}

func TestUpdateStreamConfig_AppliesHotFieldsWithoutStarting(t *testing.T) {
	t.Parallel()
	p, err := New("dev_abc123", validAudioConfig(), validStreamConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	newFps := 15
	if err := p.UpdateStreamConfig(StreamConfigPatch{TargetFps: &newFps}, false); err != nil {
		t.Fatalf("UpdateStreamConfig: %v", err)
	}
	if got := p.Status().StreamConfig.TargetFps; got != 15 {
		t.Errorf("TargetFps = %d, want 15", got)
	}
}

func TestUpdateStreamConfig_RejectsInvalidPatch(t *testing.T) {
	t.Parallel()
	p, err := New("dev_abc123", validAudioConfig(), validStreamConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bad := 0
	if err := p.UpdateStreamConfig(StreamConfigPatch{TargetFps: &bad}, false); err == nil {
		t.Error("expected error patching target fps to zero")
	}
}

func TestUpdateAudioConfig_AppliesWithoutRestartWhenStopped(t *testing.T) {
	t.Parallel()
	p, err := New("dev_abc123", validAudioConfig(), validStreamConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	newFFT := 2048
	if err := p.UpdateAudioConfig(AudioConfigPatch{FFTSize: &newFFT}); err != nil {
		t.Fatalf("UpdateAudioConfig: %v", err)
	}
	if got := p.Status().AudioConfig.FFTSize; got != 2048 {
		t.Errorf("FFTSize = %d, want 2048", got)
	}
	if got := p.Status().State; got != Stopped {
		t.Errorf("State = %v, want Stopped (pipeline was never started)", got)
	}
}

func TestSubscribeUnsubscribe_TracksSubscriberCount(t *testing.T) {
	t.Parallel()
	p, err := New("dev_abc123", validAudioConfig(), validStreamConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub := p.Subscribe()
	if got := p.Status().SubscriberCount; got != 1 {
		t.Errorf("SubscriberCount = %d, want 1", got)
	}
	p.Unsubscribe(sub.ID)
	if got := p.Status().SubscriberCount; got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}

func TestStart_FromStartingOrStoppingFailsFast(t *testing.T) {
	t.Parallel()
	p, err := New("dev_abc123", validAudioConfig(), validStreamConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.state = Starting
	if err := p.Start(); err == nil {
		t.Error("expected Start to fail fast while already Starting")
	}
}
