// SPDX-License-Identifier: MIT
package pipeline

import "ultrasonic/internal/dsp"

// StreamConfigPatch carries an optional update per StreamConfig field; a
// nil pointer leaves the corresponding field unchanged.
type StreamConfigPatch struct {
	TargetFps            *int
	CompressionLevel     *int
	MagnitudeThresholdDb *float64
	ThresholdDb          *float64
	SimilarityThreshold  *float64
	EnableSmartSkip      *bool
	EnableAdaptiveFps    *bool
	MinAdaptiveFps       *int
	MaxAdaptiveFps       *int
}

func (patch StreamConfigPatch) apply(base StreamConfig) StreamConfig {
	if patch.TargetFps != nil {
		base.TargetFps = *patch.TargetFps
	}
	if patch.CompressionLevel != nil {
		base.CompressionLevel = *patch.CompressionLevel
	}
	if patch.MagnitudeThresholdDb != nil {
		base.MagnitudeThresholdDb = *patch.MagnitudeThresholdDb
	}
	if patch.ThresholdDb != nil {
		base.ThresholdDb = *patch.ThresholdDb
	}
	if patch.SimilarityThreshold != nil {
		base.SimilarityThreshold = *patch.SimilarityThreshold
	}
	if patch.EnableSmartSkip != nil {
		base.EnableSmartSkip = *patch.EnableSmartSkip
	}
	if patch.EnableAdaptiveFps != nil {
		base.EnableAdaptiveFps = *patch.EnableAdaptiveFps
	}
	if patch.MinAdaptiveFps != nil {
		base.MinAdaptiveFps = *patch.MinAdaptiveFps
	}
	if patch.MaxAdaptiveFps != nil {
		base.MaxAdaptiveFps = *patch.MaxAdaptiveFps
	}
	return base
}

// AudioConfigPatch carries an optional update per AudioConfig field; a nil
// pointer (or nil slice, for DeviceNames) leaves the field unchanged.
type AudioConfigPatch struct {
	SampleRate      *int
	FFTSize         *int
	BlockSize       *int
	WindowKind      *dsp.WindowKind
	OverlapFraction *float64
	DeviceNames     []string
}

func (patch AudioConfigPatch) apply(base AudioConfig) AudioConfig {
	if patch.SampleRate != nil {
		base.SampleRate = *patch.SampleRate
	}
	if patch.FFTSize != nil {
		base.FFTSize = *patch.FFTSize
	}
	if patch.BlockSize != nil {
		base.BlockSize = *patch.BlockSize
	}
	if patch.WindowKind != nil {
		base.WindowKind = *patch.WindowKind
	}
	if patch.OverlapFraction != nil {
		base.OverlapFraction = *patch.OverlapFraction
	}
	if patch.DeviceNames != nil {
		base.DeviceNames = patch.DeviceNames
	}
	return base
}
