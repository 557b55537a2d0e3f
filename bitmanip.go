package hll

import "math/bits"

// Bit manipulation functions

const all1s uint64 = 1<<64 - 1

// Return a bitmask containing the n low order bits. n is in [0,64].
func lowOnes(n uint) uint64 {
	if n == 0 {
		return 0
	}
	return all1s >> (64 - n)
}

// Return bits x[startPos:endPos] inclusive, shifted into the low order bits of the result.
// startPos and endPos are 0-indexed so they should be in [0,63].
// startPos should be less than or equal to endPos.
func extractShift(x uint64, startPos, endPos uint) uint64 {
	return (x >> startPos) & lowOnes(endPos-startPos+1)
}

// Return the position of the first set bit of x after skipping its skip high order bits, starting
// with 1. This is the number of leading zeros of the remaining 64-skip bits plus one, or 65-skip
// if none of them is set. skip is in [1,63].
func rank(x uint64, skip uint) uint8 {
	return uint8(bits.LeadingZeros64(x<<skip|1<<(skip-1))) + 1
}

// Like rank, for the n low order bits of x, which must not all be zero.
func rankLow(x uint64, n uint) uint8 {
	return uint8(bits.LeadingZeros64(x<<(64-n))) + 1
}

func capRank(r uint8) uint8 {
	if r > maxRegisterValue {
		return maxRegisterValue
	}
	return r
}
