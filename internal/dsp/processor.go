// SPDX-License-Identifier: MIT

// Package dsp implements FFTProcessor: it buffers incoming mono audio
// blocks into overlapping FFT-sized windows, converts each to a magnitude
// spectrum in dB, and derives peak frequency and SPL. Grounded in the
// window/workspace structure of the source repository's FFT processors,
// generalized to the overlap, clamp, and pre-clamp-SPL semantics this
// service requires.
package dsp

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"ultrasonic/pkg/bitint"
)

// windowCompensationDb is a fixed offset compensating for window-function
// attenuation so downstream SPL calibration is reproducible. Part of the
// wire contract: do not change without also changing every calibrated
// consumer.
const windowCompensationDb = 6.0

// Frame is one computed spectrum, not yet subject to throttling or
// sequence numbering — those are the pipeline's job.
type Frame struct {
	TimestampMs     int64
	SampleRate      int
	FFTSize         int
	BinsCount       int
	MagnitudesDb    []float64
	PeakFrequencyHz float64
	PeakMagnitudeDb float64
	SplDb           float64
}

// Processor is a stateful transformer from a stream of mono float32 blocks
// to a stream of Frames. Not safe for concurrent Push calls, but its
// hot-reloadable setters are safe to call concurrently with Push.
type Processor struct {
	mu sync.Mutex

	fftSize    int
	sampleRate float64
	fftObj     *fourier.FFT

	windowKind  WindowKind
	window      []float64
	overlap     float64
	hopSize     int
	thresholdDb float64

	buf []float32 // accumulated samples awaiting a full window

	fftInput  []float64
	fftOutput []complex128
}

// New creates a Processor. fftSize must be a power of two in [256, 65536]
// and overlapFraction in [0, 0.9], matching the AudioConfig contract.
func New(fftSize int, sampleRate float64, windowKind WindowKind, overlapFraction, thresholdDb float64) (*Processor, error) {
	if !bitint.IsPowerOfTwo(fftSize) || fftSize < 256 || fftSize > 65536 {
		return nil, fmt.Errorf("dsp: fft size must be a power of two in [256, 65536], got %d", fftSize)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("dsp: sample rate must be positive, got %f", sampleRate)
	}
	if overlapFraction < 0 || overlapFraction > 0.9 {
		return nil, fmt.Errorf("dsp: overlap fraction must be in [0, 0.9], got %f", overlapFraction)
	}

	p := &Processor{
		fftSize:     fftSize,
		sampleRate:  sampleRate,
		fftObj:      fourier.NewFFT(fftSize),
		windowKind:  windowKind,
		window:      coefficients(windowKind, fftSize),
		overlap:     overlapFraction,
		hopSize:     hopSizeFor(fftSize, overlapFraction),
		thresholdDb: thresholdDb,
		buf:         make([]float32, 0, fftSize*2),
		fftInput:    make([]float64, fftSize),
		fftOutput:   make([]complex128, fftSize/2+1),
	}
	return p, nil
}

func hopSizeFor(fftSize int, overlapFraction float64) int {
	hop := int(float64(fftSize) * (1 - overlapFraction))
	if hop < 1 {
		hop = 1
	}
	return hop
}

// SetWindowKind hot-swaps the window function; coefficients are recomputed
// and cached for (windowKind, fftSize) before the next Push.
func (p *Processor) SetWindowKind(k WindowKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if k == p.windowKind {
		return
	}
	p.windowKind = k
	p.window = coefficients(k, p.fftSize)
}

// SetThresholdDb hot-updates the per-bin noise-floor clamp.
func (p *Processor) SetThresholdDb(db float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.thresholdDb = db
}

// SetOverlapFraction hot-updates the window advance fraction.
func (p *Processor) SetOverlapFraction(f float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overlap = f
	p.hopSize = hopSizeFor(p.fftSize, f)
}

// FFTSize returns the immutable FFT size this processor was created with.
func (p *Processor) FFTSize() int { return p.fftSize }

// Push accumulates block and returns zero or more Frames: one per
// fftSize-sample window that became available, oldest first.
func (p *Processor) Push(block []float32) []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, block...)

	var frames []Frame
	for len(p.buf) >= p.fftSize {
		frames = append(frames, p.computeFrameLocked(p.buf[:p.fftSize]))

		if p.hopSize >= len(p.buf) {
			p.buf = p.buf[:0]
		} else {
			remaining := len(p.buf) - p.hopSize
			copy(p.buf, p.buf[p.hopSize:])
			p.buf = p.buf[:remaining]
		}
	}
	return frames
}

func (p *Processor) computeFrameLocked(samples []float32) Frame {
	for i := 0; i < p.fftSize; i++ {
		p.fftInput[i] = float64(samples[i]) * p.window[i]
	}

	p.fftObj.Coefficients(p.fftOutput, p.fftInput)

	binsCount := p.fftSize / 2
	magDb := make([]float64, binsCount)
	unclamped := make([]float64, binsCount)
	for i := 0; i < binsCount; i++ {
		mag := cmplx.Abs(p.fftOutput[i])
		db := 20*math.Log10(mag/float64(p.fftSize)+1e-10) + windowCompensationDb
		unclamped[i] = db
		magDb[i] = db
	}

	// SPL is computed on the unclamped shadow copy before the noise-floor
	// clamp below, per contract: the clamp must not distort the physically
	// meaningful energy sum.
	var energySum float64
	for _, db := range unclamped {
		energySum += math.Pow(10, db/10)
	}
	splDb := 10 * math.Log10(energySum)

	peakBin := 0
	for i := range magDb {
		if magDb[i] < p.thresholdDb {
			magDb[i] = p.thresholdDb
		}
		if magDb[i] > magDb[peakBin] {
			peakBin = i
		}
	}

	return Frame{
		TimestampMs:     time.Now().UnixMilli(),
		SampleRate:      int(p.sampleRate),
		FFTSize:         p.fftSize,
		BinsCount:       binsCount,
		MagnitudesDb:    magDb,
		PeakFrequencyHz: float64(peakBin) * (p.sampleRate / float64(p.fftSize)),
		PeakMagnitudeDb: magDb[peakBin],
		SplDb:           splDb,
	}
}
