// SPDX-License-Identifier: MIT

// Package frame implements FrameEncoder: the pure conversion from a
// computed spectrum into the wire format broadcast to subscribers —
// little-endian float32 magnitudes, gzip-compressed, base64-encoded.
package frame

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
)

// SpectrumFrame is the full internal representation of one computed,
// sequenced spectrum — dsp.Frame plus the fields the pipeline assigns only
// once a frame clears the throttler: SequenceId and the observed Fps.
type SpectrumFrame struct {
	SequenceId      uint64
	TimestampMs     int64
	SampleRate      int
	FFTSize         int
	BinsCount       int
	MagnitudesDb    []float64
	PeakFrequencyHz float64
	PeakMagnitudeDb float64
	SplDb           float64
	Fps             float64
}

// WireFrame is the JSON shape emitted over SSE, matching the external wire
// contract exactly: magnitudesDb replaced by its compressed encoding.
type WireFrame struct {
	SequenceId        uint64  `json:"sequence_id"`
	TimestampMs       int64   `json:"timestamp"`
	SampleRate        int     `json:"sample_rate"`
	FFTSize           int     `json:"fft_size"`
	BinsCount         int     `json:"bins_count"`
	PeakFrequencyHz   float64 `json:"peak_frequency_hz"`
	PeakMagnitudeDb   float64 `json:"peak_magnitude_db"`
	SplDb             float64 `json:"spl_db"`
	Fps               float64 `json:"fps"`
	DataCompressed    string  `json:"data_compressed"`
	DataSizeBytes     int     `json:"data_size_bytes"`
	OriginalSizeBytes int     `json:"original_size_bytes"`
}

// Encode converts f into its wire representation at the given gzip
// compression level (1-9). Pure function: no shared state, safe to call
// concurrently.
func Encode(f SpectrumFrame, compressionLevel int) (WireFrame, error) {
	raw := make([]byte, f.BinsCount*4)
	for i, db := range f.MagnitudesDb {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(float32(db)))
	}

	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, compressionLevel)
	if err != nil {
		return WireFrame{}, fmt.Errorf("frame: new gzip writer: %w", err)
	}
	if _, err := gz.Write(raw); err != nil {
		return WireFrame{}, fmt.Errorf("frame: gzip write: %w", err)
	}
	if err := gz.Close(); err != nil {
		return WireFrame{}, fmt.Errorf("frame: gzip close: %w", err)
	}

	compressed := buf.Bytes()
	return WireFrame{
		SequenceId:        f.SequenceId,
		TimestampMs:       f.TimestampMs,
		SampleRate:        f.SampleRate,
		FFTSize:           f.FFTSize,
		BinsCount:         f.BinsCount,
		PeakFrequencyHz:   f.PeakFrequencyHz,
		PeakMagnitudeDb:   f.PeakMagnitudeDb,
		SplDb:             f.SplDb,
		Fps:               f.Fps,
		DataCompressed:    base64.StdEncoding.EncodeToString(compressed),
		DataSizeBytes:     len(compressed),
		OriginalSizeBytes: len(raw),
	}, nil
}

// DecodeMagnitudes reverses the data_compressed field back into a
// little-endian float32 magnitude slice. Used by tests verifying the wire
// contract and by any consumer that wants the raw spectrum back.
func DecodeMagnitudes(w WireFrame) ([]float32, error) {
	compressed, err := base64.StdEncoding.DecodeString(w.DataCompressed)
	if err != nil {
		return nil, fmt.Errorf("frame: base64 decode: %w", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("frame: new gzip reader: %w", err)
	}
	defer gz.Close()

	raw := make([]byte, w.OriginalSizeBytes)
	if _, err := io.ReadFull(gz, raw); err != nil {
		return nil, fmt.Errorf("frame: gzip read: %w", err)
	}

	out := make([]float32, w.BinsCount)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
