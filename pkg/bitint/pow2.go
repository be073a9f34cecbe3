// Package bitint provides the power-of-two bit tricks the dsp package
// needs to validate FFT window sizes.
package bitint

import "math/bits"

// NextPowerOfTwo returns the smallest power of 2 >= size. size-1 is used so
// that exact powers of 2 map to themselves instead of doubling.
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// IsPowerOfTwo reports whether n has exactly one bit set.
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}
