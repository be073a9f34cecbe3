// SPDX-License-Identifier: MIT

// Package throttle implements StreamThrottler: the magnitude gate,
// similarity-based smart skip, and adaptive-FPS pacing composed in that
// order to decide whether a candidate spectrum frame is actually emitted.
// Grounded in the source implementation's should_send_frame heuristics and
// in the teacher repository's adaptive-parameter-controller style
// (cooldown-gated, bounded percentage steps) from its AdaptiveFFTParams.
package throttle

import (
	"fmt"
	"math"
	"sync"
	"time"

	"ultrasonic/internal/dsp"
)

// Config holds the hot-reloadable knobs of the throttler.
type Config struct {
	TargetFps            int
	MagnitudeThresholdDb float64
	SimilarityThreshold  float64
	EnableSmartSkip      bool
	EnableAdaptiveFps    bool
	MinAdaptiveFps       int
	MaxAdaptiveFps       int
}

// Stats is the throttler's observable state.
type Stats struct {
	LastSequenceId uint64
	LastEmitAt     time.Time
	ObservedFps    float64
	EffectiveFps   float64
	SkipMagnitude  uint64
	SkipSimilarity uint64
	SkipFps        uint64
}

// Throttler decides emit/skip for each candidate dsp.Frame and, on emit,
// assigns the frame's sequence ID — the throttler is the single authority
// on what counts as an emission, so it is the natural owner of the
// monotonic counter.
type Throttler struct {
	mu sync.Mutex

	cfg Config

	seq            uint64
	lastMagnitudes []float64
	lastEmitAt     time.Time
	emitTimes      []time.Time

	effectiveFps     float64
	producerWaitEWMA float64
	lastAdaptCheck   time.Time

	skipMagnitude  uint64
	skipSimilarity uint64
	skipFps        uint64
}

// New validates cfg and returns a Throttler with effectiveFps seeded at
// TargetFps.
func New(cfg Config) (*Throttler, error) {
	if cfg.TargetFps <= 0 {
		return nil, fmt.Errorf("throttle: target fps must be positive, got %d", cfg.TargetFps)
	}
	if cfg.EnableAdaptiveFps && (cfg.MinAdaptiveFps <= 0 || cfg.MaxAdaptiveFps < cfg.MinAdaptiveFps) {
		return nil, fmt.Errorf("throttle: invalid adaptive fps range [%d, %d]", cfg.MinAdaptiveFps, cfg.MaxAdaptiveFps)
	}
	return &Throttler{
		cfg:          cfg,
		effectiveFps: float64(cfg.TargetFps),
	}, nil
}

// UpdateConfig hot-swaps the throttler's configuration. Safe to call
// concurrently with Evaluate.
func (t *Throttler) UpdateConfig(cfg Config) error {
	if cfg.TargetFps <= 0 {
		return fmt.Errorf("throttle: target fps must be positive, got %d", cfg.TargetFps)
	}
	if cfg.EnableAdaptiveFps && (cfg.MinAdaptiveFps <= 0 || cfg.MaxAdaptiveFps < cfg.MinAdaptiveFps) {
		return fmt.Errorf("throttle: invalid adaptive fps range [%d, %d]", cfg.MinAdaptiveFps, cfg.MaxAdaptiveFps)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
	if !cfg.EnableAdaptiveFps {
		t.effectiveFps = float64(cfg.TargetFps)
	}
	return nil
}

// Evaluate applies the magnitude gate, similarity skip, and FPS pacing, in
// that order, to f. On emit it returns the assigned sequence ID, the
// currently observed FPS, and ok=true.
func (t *Throttler) Evaluate(f dsp.Frame) (seq uint64, observedFps float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f.PeakMagnitudeDb < t.cfg.MagnitudeThresholdDb {
		t.skipMagnitude++
		return 0, 0, false
	}

	if t.cfg.EnableSmartSkip && t.lastMagnitudes != nil {
		if cosineSimilarity(f.MagnitudesDb, t.lastMagnitudes) >= t.cfg.SimilarityThreshold {
			t.skipSimilarity++
			return 0, 0, false
		}
	}

	minInterval := time.Duration(float64(time.Second) / t.effectiveFps)
	now := time.Now()
	if !t.lastEmitAt.IsZero() && now.Sub(t.lastEmitAt) < minInterval {
		t.skipFps++
		return 0, 0, false
	}

	t.seq++
	t.lastEmitAt = now
	t.lastMagnitudes = append(t.lastMagnitudes[:0], f.MagnitudesDb...)

	t.emitTimes = append(t.emitTimes, now)
	t.emitTimes = trimOlderThan(t.emitTimes, now.Add(-time.Second))

	return t.seq, float64(len(t.emitTimes)), true
}

// RecordProducerWait feeds the adaptive-FPS controller: wait is how long
// the processor waited on the audio source for this frame's data;
// frameInterval is the nominal interval between frames at the current
// block size and sample rate. Adjustments are cooldown-gated to once per
// second and bounded to ±10% per step to prevent oscillation.
func (t *Throttler) RecordProducerWait(wait, frameInterval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if frameInterval <= 0 {
		return
	}
	ratio := wait.Seconds() / frameInterval.Seconds()
	const alpha = 0.2
	t.producerWaitEWMA = alpha*ratio + (1-alpha)*t.producerWaitEWMA

	if !t.cfg.EnableAdaptiveFps {
		return
	}
	now := time.Now()
	if now.Sub(t.lastAdaptCheck) < time.Second {
		return
	}
	t.lastAdaptCheck = now

	switch {
	case t.producerWaitEWMA < 0.1:
		t.effectiveFps = clamp(t.effectiveFps*0.9, float64(t.cfg.MinAdaptiveFps), float64(t.cfg.MaxAdaptiveFps))
	case t.producerWaitEWMA > 0.5:
		t.effectiveFps = clamp(t.effectiveFps*1.1, float64(t.cfg.MinAdaptiveFps), float64(t.cfg.MaxAdaptiveFps))
	}
}

// Stats returns a snapshot of the throttler's observable state.
func (t *Throttler) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	observed := float64(len(trimOlderThan(t.emitTimes, time.Now().Add(-time.Second))))
	return Stats{
		LastSequenceId: t.seq,
		LastEmitAt:     t.lastEmitAt,
		ObservedFps:    observed,
		EffectiveFps:   t.effectiveFps,
		SkipMagnitude:  t.skipMagnitude,
		SkipSimilarity: t.skipSimilarity,
		SkipFps:        t.skipFps,
	}
}

func trimOlderThan(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// cosineSimilarity computes cosine similarity between dB-magnitude vectors
// a and b. Fixed as cosine (not Pearson) per the service's similarity-skip
// contract. Returns 0 if either vector has zero norm or the lengths differ.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
