// SPDX-License-Identifier: MIT
package throttle

import (
	"testing"
	"time"

	"ultrasonic/internal/dsp"
)

func baseConfig() Config {
	return Config{
		TargetFps:            30,
		MagnitudeThresholdDb: -80,
		SimilarityThreshold:  0.95,
		EnableSmartSkip:      true,
		EnableAdaptiveFps:    false,
		MinAdaptiveFps:       5,
		MaxAdaptiveFps:       60,
	}
}

func frameWithPeak(peakDb float64, mags []float64) dsp.Frame {
	return dsp.Frame{
		MagnitudesDb:    mags,
		PeakMagnitudeDb: peakDb,
		BinsCount:       len(mags),
	}
}

func TestNew_RejectsNonPositiveTargetFps(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.TargetFps = 0
	if _, err := New(cfg); err == nil {
		t.Error("expected error for zero target fps")
	}
}

func TestNew_RejectsInvertedAdaptiveRange(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.EnableAdaptiveFps = true
	cfg.MinAdaptiveFps = 60
	cfg.MaxAdaptiveFps = 5
	if _, err := New(cfg); err == nil {
		t.Error("expected error for inverted adaptive fps range")
	}
}

func TestEvaluate_MagnitudeGateSkipsQuietFrame(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.EnableSmartSkip = false
	th, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	quiet := frameWithPeak(-90, []float64{-90, -95, -100})
	if _, _, ok := th.Evaluate(quiet); ok {
		t.Error("expected magnitude gate to skip a frame below threshold")
	}
	if th.Stats().SkipMagnitude != 1 {
		t.Errorf("SkipMagnitude = %d, want 1", th.Stats().SkipMagnitude)
	}
}

func TestEvaluate_FirstLoudFrameAlwaysEmits(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	th, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	loud := frameWithPeak(-10, []float64{-10, -20, -30})
	seq, _, ok := th.Evaluate(loud)
	if !ok {
		t.Fatal("expected first loud frame to emit")
	}
	if seq != 1 {
		t.Errorf("SequenceId = %d, want 1", seq)
	}
}

func TestEvaluate_SimilaritySkipsNearIdenticalFrame(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.TargetFps = 1 // wide fps gate, isolate the similarity check
	th, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first := frameWithPeak(-10, []float64{-10, -20, -30})
	if _, _, ok := th.Evaluate(first); !ok {
		t.Fatal("expected first frame to emit")
	}

	th.lastEmitAt = time.Now().Add(-time.Hour) // bypass the fps gate for this check
	nearIdentical := frameWithPeak(-10, []float64{-10.01, -20.01, -30.01})
	if _, _, ok := th.Evaluate(nearIdentical); ok {
		t.Error("expected near-identical frame to be skipped by similarity gate")
	}
	if th.Stats().SkipSimilarity != 1 {
		t.Errorf("SkipSimilarity = %d, want 1", th.Stats().SkipSimilarity)
	}
}

func TestEvaluate_DissimilarFrameEmitsDespiteSmartSkip(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.TargetFps = 1
	th, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first := frameWithPeak(-10, []float64{-10, -80, -80})
	th.Evaluate(first)
	th.lastEmitAt = time.Now().Add(-time.Hour)

	different := frameWithPeak(-10, []float64{-80, -80, -10})
	if _, _, ok := th.Evaluate(different); !ok {
		t.Error("expected dissimilar spectrum shape to emit")
	}
}

func TestEvaluate_FpsGateSkipsTooSoon(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.EnableSmartSkip = false
	cfg.TargetFps = 1 // 1 second minimum interval
	th, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	loud := frameWithPeak(-10, []float64{-10, -20})
	if _, _, ok := th.Evaluate(loud); !ok {
		t.Fatal("expected first frame to emit")
	}
	if _, _, ok := th.Evaluate(loud); ok {
		t.Error("expected second frame within the fps interval to be skipped")
	}
	if th.Stats().SkipFps != 1 {
		t.Errorf("SkipFps = %d, want 1", th.Stats().SkipFps)
	}
}

func TestRecordProducerWait_DecreasesFpsWhenSaturated(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.EnableAdaptiveFps = true
	cfg.MinAdaptiveFps = 5
	cfg.MaxAdaptiveFps = 60
	th, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	th.lastAdaptCheck = time.Now().Add(-2 * time.Second)

	frameInterval := 33 * time.Millisecond
	th.RecordProducerWait(1*time.Millisecond, frameInterval)

	if th.effectiveFps >= 30 {
		t.Errorf("effectiveFps = %v, want decreased below 30 after a saturated wait", th.effectiveFps)
	}
	if th.effectiveFps < 5 {
		t.Errorf("effectiveFps = %v, want clamped at or above MinAdaptiveFps 5", th.effectiveFps)
	}
}

func TestRecordProducerWait_IncreasesFpsWhenSlack(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.EnableAdaptiveFps = true
	cfg.MinAdaptiveFps = 5
	cfg.MaxAdaptiveFps = 60
	th, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	frameInterval := 33 * time.Millisecond

	// The producer-wait EWMA (alpha 0.2) starts at 0, so a single slack
	// sample only lifts it to ~0.18. Warm it past the 0.5 slack threshold
	// while the cooldown gate holds off any adjustment.
	th.lastAdaptCheck = time.Now()
	for i := 0; i < 5; i++ {
		th.RecordProducerWait(30*time.Millisecond, frameInterval)
	}

	th.lastAdaptCheck = time.Now().Add(-2 * time.Second)
	th.RecordProducerWait(30*time.Millisecond, frameInterval)

	if th.effectiveFps <= 30 {
		t.Errorf("effectiveFps = %v, want increased above 30 after a slack wait", th.effectiveFps)
	}
}

func TestRecordProducerWait_IgnoredWhenAdaptiveDisabled(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.EnableAdaptiveFps = false
	th, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	th.RecordProducerWait(1*time.Millisecond, 33*time.Millisecond)
	if th.effectiveFps != 30 {
		t.Errorf("effectiveFps = %v, want unchanged at 30 with adaptive fps disabled", th.effectiveFps)
	}
}

func TestUpdateConfig_RejectsInvalidTargetFps(t *testing.T) {
	t.Parallel()
	th, err := New(baseConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bad := baseConfig()
	bad.TargetFps = -1
	if err := th.UpdateConfig(bad); err == nil {
		t.Error("expected error updating to a non-positive target fps")
	}
}
