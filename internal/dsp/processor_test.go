// SPDX-License-Identifier: MIT
package dsp

import (
	"math"
	"testing"

	"ultrasonic/pkg/dsptest"
)

func TestNew_RejectsNonPowerOfTwoFFTSize(t *testing.T) {
	t.Parallel()
	if _, err := New(1000, 48000, Hann, 0, -100); err == nil {
		t.Error("expected error for non-power-of-two fft size")
	}
}

func TestNew_RejectsOutOfRangeOverlap(t *testing.T) {
	t.Parallel()
	if _, err := New(1024, 48000, Hann, 0.95, -100); err == nil {
		t.Error("expected error for overlap fraction above 0.9")
	}
}

func TestPush_PureTonePeakFrequency(t *testing.T) {
	t.Parallel()
	const (
		sampleRate = 48000.0
		fftSize    = 8192
		freq       = 10000.0
	)
	p, err := New(fftSize, sampleRate, Hann, 0, -200)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tone := dsptest.GenerateSineWave(fftSize*2, sampleRate, freq)
	frames := p.Push(tone)
	if len(frames) == 0 {
		t.Fatal("expected at least one frame")
	}

	binWidth := sampleRate / fftSize
	for _, f := range frames {
		if math.Abs(f.PeakFrequencyHz-freq) > binWidth {
			t.Errorf("peak frequency %.1f Hz too far from %.1f Hz (bin width %.2f)", f.PeakFrequencyHz, freq, binWidth)
		}
		if f.PeakMagnitudeDb <= -10 {
			t.Errorf("peak magnitude %.2f dB should be well above -10 dB for a strong tone", f.PeakMagnitudeDb)
		}
	}
}

func TestPush_ClampRespectsThreshold(t *testing.T) {
	t.Parallel()
	const thresholdDb = -40.0
	p, err := New(1024, 48000, Hann, 0, thresholdDb)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	silence := make([]float32, 1024*2)
	frames := p.Push(silence)
	if len(frames) == 0 {
		t.Fatal("expected at least one frame")
	}
	for _, f := range frames {
		for i, db := range f.MagnitudesDb {
			if db < thresholdDb-1e-9 {
				t.Errorf("bin %d = %.4f dB below threshold %.2f dB", i, db, thresholdDb)
			}
		}
	}
}

func TestPush_PeakMagnitudeIsMax(t *testing.T) {
	t.Parallel()
	p, err := New(1024, 48000, Hann, 0, -100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wave := dsptest.GenerateComplexWave(1024*2, 48000)
	for _, f := range p.Push(wave) {
		want := f.MagnitudesDb[0]
		for _, v := range f.MagnitudesDb {
			if v > want {
				want = v
			}
		}
		if f.PeakMagnitudeDb != want {
			t.Errorf("PeakMagnitudeDb = %v, want max(MagnitudesDb) = %v", f.PeakMagnitudeDb, want)
		}
	}
}

func TestPush_Deterministic(t *testing.T) {
	t.Parallel()
	wave := dsptest.GenerateComplexWave(2048, 48000)

	run := func() []Frame {
		p, err := New(1024, 48000, Hamming, 0.5, -90)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return p.Push(wave)
	}

	a, b := run(), run()
	if len(a) != len(b) || len(a) == 0 {
		t.Fatalf("expected identical non-empty frame counts, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if len(a[i].MagnitudesDb) != len(b[i].MagnitudesDb) {
			t.Fatalf("frame %d: bin count mismatch", i)
		}
		for j := range a[i].MagnitudesDb {
			if a[i].MagnitudesDb[j] != b[i].MagnitudesDb[j] {
				t.Fatalf("frame %d bin %d: not bit-identical: %v != %v", i, j, a[i].MagnitudesDb[j], b[i].MagnitudesDb[j])
			}
		}
	}
}

func TestPush_OverlapProducesMoreFramesThanNonOverlap(t *testing.T) {
	t.Parallel()
	wave := dsptest.GenerateComplexWave(1024*4, 48000)

	pNoOverlap, _ := New(1024, 48000, Hann, 0, -100)
	pOverlap, _ := New(1024, 48000, Hann, 0.75, -100)

	noOverlapFrames := pNoOverlap.Push(wave)
	overlapFrames := pOverlap.Push(wave)

	if len(overlapFrames) <= len(noOverlapFrames) {
		t.Errorf("expected overlap to produce more frames: overlap=%d, no-overlap=%d",
			len(overlapFrames), len(noOverlapFrames))
	}
}

func TestBinsCountIsHalfFFTSize(t *testing.T) {
	t.Parallel()
	p, err := New(2048, 48000, Rectangular, 0, -100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wave := dsptest.GenerateSineWave(2048*2, 48000, 1000)
	for _, f := range p.Push(wave) {
		if f.BinsCount != 1024 {
			t.Errorf("BinsCount = %d, want 1024", f.BinsCount)
		}
		if len(f.MagnitudesDb) != f.BinsCount {
			t.Errorf("len(MagnitudesDb) = %d, want %d", len(f.MagnitudesDb), f.BinsCount)
		}
	}
}
