// Package mem holds the address arithmetic shared by the allocators.
//
// Addresses are plain uintptr values. Nothing here dereferences memory.
package mem

import "math/bits"

// WordSize is the granularity of the general-purpose engine.
const WordSize = 8

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

// AlignDown returns addr rounded down to a multiple of align.
// align must be a power of two.
//
// Example:
//
//	AlignDown(0x1fff, 0x1000) = 0x1000
//	AlignDown(0x2000, 0x1000) = 0x2000
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

// AlignUp returns addr rounded up to a multiple of align.
// align must be a power of two. The result wraps on overflow; use CheckedAlignUp
// when addr is near the top of the address space.
//
// Example:
//
//	AlignUp(0x1001, 0x1000) = 0x2000
//	AlignUp(0x1000, 0x1000) = 0x1000
func AlignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// CheckedAlignUp is AlignUp that reports overflow instead of wrapping.
func CheckedAlignUp(addr, align uintptr) (uintptr, bool) {
	sum, ok := CheckedAdd(addr, align-1)
	if !ok {
		return 0, false
	}
	return sum &^ (align - 1), true
}

// IsAligned reports whether addr is a multiple of align.
func IsAligned(addr, align uintptr) bool {
	return addr&(align-1) == 0
}

// CheckedAdd returns a+b and false if the sum overflows.
func CheckedAdd(a, b uintptr) (uintptr, bool) {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 || uint64(uintptr(sum)) != sum {
		return 0, false
	}
	return uintptr(sum), true
}

// CheckedMul returns a*b and false if the product overflows.
func CheckedMul(a, b uintptr) (uintptr, bool) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || uint64(uintptr(lo)) != lo {
		return 0, false
	}
	return uintptr(lo), true
}

// CheckedSub returns a-b and false if b > a.
func CheckedSub(a, b uintptr) (uintptr, bool) {
	if b > a {
		return 0, false
	}
	return a - b, true
}
