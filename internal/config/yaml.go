// SPDX-License-Identifier: MIT
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file at path. If path is empty,
// it searches default locations ("config.yaml", "ultrasonic.yaml"). If no
// file is found, built-in defaults are used. Environment variable overrides
// are applied after the file (or defaults) and the result is validated.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		candidates := []string{"config.yaml", "ultrasonic.yaml"}
		found := false
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				found = true
				break
			}
		}
		if !found {
			cfg.applyEnvOverrides()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid default configuration: %w", err)
			}
			return &cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the loaded configuration for internally inconsistent
// values that would otherwise surface later as confusing pipeline errors.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.MaxConcurrentDevices <= 0 {
		return fmt.Errorf("max_concurrent_devices must be positive, got %d", c.MaxConcurrentDevices)
	}
	if c.Stream.MinAdaptiveFps <= 0 || c.Stream.MaxAdaptiveFps < c.Stream.MinAdaptiveFps {
		return fmt.Errorf("stream.min_adaptive_fps/max_adaptive_fps invalid: %d/%d",
			c.Stream.MinAdaptiveFps, c.Stream.MaxAdaptiveFps)
	}
	if c.Stream.TargetFps <= 0 {
		return fmt.Errorf("stream.target_fps must be positive, got %d", c.Stream.TargetFps)
	}
	return nil
}

// applyEnvOverrides lets deployment environments override individual fields
// without editing the YAML file, following the ULTRASONIC_* convention.
func (cfg *Config) applyEnvOverrides() {
	if val, ok := os.LookupEnv("ULTRASONIC_LISTEN_ADDR"); ok {
		cfg.ListenAddr = val
	}
	if val, ok := os.LookupEnv("ULTRASONIC_LOG_LEVEL"); ok {
		cfg.LogLevel = val
	}
	if val, ok := os.LookupEnv("ULTRASONIC_REGISTRY_PATH"); ok {
		cfg.RegistryPath = val
	}
	if val, ok := os.LookupEnv("ULTRASONIC_MAX_CONCURRENT_DEVICES"); ok {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.MaxConcurrentDevices = n
		}
	}
	if val, ok := os.LookupEnv("ULTRASONIC_SAMPLE_RATE"); ok {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Audio.SampleRate = n
		}
	}
	if val, ok := os.LookupEnv("ULTRASONIC_FFT_SIZE"); ok {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Audio.FFTSize = n
		}
	}
	if val, ok := os.LookupEnv("ULTRASONIC_TARGET_FPS"); ok {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Stream.TargetFps = n
		}
	}
}
