// SPDX-License-Identifier: MIT
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const slugMaxLen = 16

// digest returns a deterministic signature for a device identity: its name,
// channel count, and default sample rate. Two processes enumerating the
// same physical device independently compute the same digest.
func digest(name string, channels int, defaultSampleRate float64) []byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%.1f", name, channels, defaultSampleRate)
	return h.Sum(nil)
}

// slugify lowercases name, strips everything but letters and digits, and
// truncates to slugMaxLen characters.
func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() >= slugMaxLen {
				break
			}
		}
	}
	if b.Len() == 0 {
		return "device"
	}
	return b.String()
}

// generateStableID computes the canonical StableDeviceID for (name, channels,
// defaultSampleRate): `<slug>_<hash6>`, where hash6 is the first 6 hex chars
// of digest(name, channels, defaultSampleRate). exists reports whether a
// candidate ID is already taken by a *different* device in the registry; on
// collision the hex suffix is extended one character at a time, from the
// same digest, until a free ID is found. This differs from the source
// implementation's numeric-suffix collision scheme by design: extending the
// digest keeps the ID derivable from the same deterministic hash rather
// than from allocation order.
func generateStableID(name string, channels int, defaultSampleRate float64, exists func(id string) bool) string {
	slug := slugify(name)
	full := hex.EncodeToString(digest(name, channels, defaultSampleRate))

	const minSuffix = 6
	for n := minSuffix; n <= len(full); n++ {
		candidate := slug + "_" + full[:n]
		if !exists(candidate) {
			return candidate
		}
	}
	// Exhausted the entire digest (astronomically unlikely); the full-digest
	// ID is as unique as cryptographically possible.
	return slug + "_" + full
}
