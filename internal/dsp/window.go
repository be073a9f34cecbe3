// SPDX-License-Identifier: MIT
package dsp

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/dsp/window"
)

// WindowKind selects the window function FFTProcessor applies before
// transforming each frame.
type WindowKind int

const (
	Hann WindowKind = iota
	Hamming
	Blackman
	Rectangular
)

// ParseWindowKind converts a case-insensitive name to a WindowKind. Unknown
// names return Hann and an error, matching the fall-back-to-default
// behavior the rest of the pipeline expects from config parsing.
func ParseWindowKind(name string) (WindowKind, error) {
	switch strings.ToLower(name) {
	case "hann", "hanning":
		return Hann, nil
	case "hamming":
		return Hamming, nil
	case "blackman":
		return Blackman, nil
	case "rectangular", "rect", "none":
		return Rectangular, nil
	default:
		return Hann, fmt.Errorf("dsp: unknown window kind %q", name)
	}
}

func (k WindowKind) String() string {
	switch k {
	case Hann:
		return "hann"
	case Hamming:
		return "hamming"
	case Blackman:
		return "blackman"
	case Rectangular:
		return "rectangular"
	default:
		return "unknown"
	}
}

// coefficients computes fftSize window coefficients for k. Cached by the
// caller per (windowKind, fftSize) pair per the design note that window
// coefficients are expensive enough to be worth memoizing.
func coefficients(k WindowKind, fftSize int) []float64 {
	c := make([]float64, fftSize)
	for i := range c {
		c[i] = 1.0
	}
	switch k {
	case Hann:
		window.Hann(c)
	case Hamming:
		window.Hamming(c)
	case Blackman:
		window.Blackman(c)
	case Rectangular:
		// Coefficients already initialized to 1.0: no attenuation.
	}
	return c
}
