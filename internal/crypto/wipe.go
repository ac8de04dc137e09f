// Copyright 2019 Lanikai Labs. All rights reserved.

package crypto

// Wipe zeroises b. Key material goes through this before buffers are
// released.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
