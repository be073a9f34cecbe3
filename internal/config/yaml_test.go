// SPDX-License-Identifier: MIT
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadConfig_EmptyPathUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Audio.FFTSize != DefaultFFTSize {
		t.Errorf("Audio.FFTSize = %d, want %d", cfg.Audio.FFTSize, DefaultFFTSize)
	}
	if !cfg.Stream.EnableSmartSkip {
		t.Error("Stream.EnableSmartSkip should default to true")
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig("nonexistent.yaml")
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
	if cfg != nil {
		t.Errorf("expected nil config on error, got %+v", cfg)
	}
}

func TestLoadConfig_UnmarshalError(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, ":\n:bad")
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "failed to parse config file") {
		t.Errorf("expected unmarshal error, got %v", err)
	}
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, "listen_addr: \"127.0.0.1:9000\"\naudio:\n  fft_size: 4096\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:9000", cfg.ListenAddr)
	}
	if cfg.Audio.FFTSize != 4096 {
		t.Errorf("Audio.FFTSize = %d, want 4096", cfg.Audio.FFTSize)
	}
	// Fields absent from the override file keep built-in defaults.
	if cfg.Stream.TargetFps != DefaultTargetFps {
		t.Errorf("Stream.TargetFps = %d, want default %d", cfg.Stream.TargetFps, DefaultTargetFps)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("ULTRASONIC_TARGET_FPS", "15")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Stream.TargetFps != 15 {
		t.Errorf("Stream.TargetFps = %d, want 15 from env override", cfg.Stream.TargetFps)
	}
}

func TestValidate_RejectsBadAdaptiveRange(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.Stream.MinAdaptiveFps = 60
	cfg.Stream.MaxAdaptiveFps = 5
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for inverted adaptive fps range")
	}
}
