// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package bitmap provides the small bit-array helpers used by the physical
// page allocator and the slab arena. Bits are stored LSB-first within each
// byte so that "first unset" means lowest index.
package bitmap

import "math/bits"

// Bytes returns the number of bytes needed to hold n bits.
func Bytes(n int) int {
	return (n + 7) / 8
}

// Set sets bit i.
func Set(b []byte, i int) {
	b[i>>3] |= 1 << (i & 7)
}

// Clear clears bit i.
func Clear(b []byte, i int) {
	b[i>>3] &^= 1 << (i & 7)
}

// IsSet reports whether bit i is set.
func IsSet(b []byte, i int) bool {
	return b[i>>3]&(1<<(i&7)) != 0
}

// ClearAll clears the first size bits.
func ClearAll(b []byte, size int) {
	n := Bytes(size)
	for i := 0; i < n; i++ {
		b[i] = 0
	}
}

// FirstUnset returns the index of the lowest zero bit among the first size
// bits, or -1 if all of them are set.
func FirstUnset(b []byte, size int) int {
	for i := 0; i*8 < size; i++ {
		if b[i] == 0xff {
			continue
		}
		j := bits.TrailingZeros8(^b[i])
		idx := i*8 + j
		if idx >= size {
			return -1
		}
		return idx
	}
	return -1
}
