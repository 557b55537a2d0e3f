package hll

import (
	"github.com/pkg/errors"

	"github.com/lytics/hll/v2/chunked"
)

// Sparse entries are uint32. The high 25 bits hold the sparse index, the top sp bits of the hash.
// If the sp-p index bits below the normal index are all zero they say nothing about the rank, so
// the rank at sparse precision is stored in bits 1..6 and bit 0 is set. Otherwise the entry is
// just the index, and the rank is recovered from those sp-p bits when decoding.
//
// With this layout, sorting entries as plain integers orders them by index, and entries sharing an
// index by rank, so the last one of a run of equal indexes is the one to keep.

const (
	entryIndexShift = 7
	entryRankMask   = 0x3F
	maxSparseP      = 32 - entryIndexShift
)

// x is a hash code.
func encodeHash(x uint64, p, sp uint) uint32 {
	idx := extractShift(x, 64-sp, 63)
	if idx&lowOnes(sp-p) == 0 {
		r := rank(x, sp)
		return uint32(idx)<<entryIndexShift | uint32(r)<<1 | 1
	}
	return uint32(idx) << entryIndexShift
}

// k is an encoded hash. Returns its index at sparse precision.
func sparseIndex(k uint32) uint32 {
	return k >> entryIndexShift
}

// k is an encoded hash. Returns the normal index and rank it stands for, with the rank capped to
// what a register holds.
func decodeHash(k uint32, p, sp uint) (idx uint64, r uint8) {
	spIdx := uint64(sparseIndex(k))
	if k&1 == 1 {
		r = uint8(k>>1&entryRankMask) + uint8(sp-p)
	} else {
		r = rankLow(spIdx, sp-p)
	}
	return spIdx >> (sp - p), capRank(r)
}

// Reports whether k could have been produced by encodeHash with these parameters.
func validEntry(k uint32, p, sp uint) bool {
	spIdx := uint64(sparseIndex(k))
	if spIdx>>sp != 0 {
		return false
	}
	if k&1 == 0 {
		return k&(entryRankMask<<1) == 0 && spIdx&lowOnes(sp-p) != 0
	}
	r := uint(k >> 1 & entryRankMask)
	return spIdx&lowOnes(sp-p) == 0 && r >= 1 && r <= 65-sp
}

// SortEncodedSet sorts the first count entries of buf in ascending order of their raw value, which
// is index order. Entries past count are left alone.
func SortEncodedSet(buf *chunked.Buffer, count int) error {
	n := buf.Len()
	if count < 0 || count > n {
		return errors.Wrapf(chunked.ErrCapacity, "cannot sort %d of %d entries", count, n)
	}
	if err := buf.SetLen(count); err != nil {
		return err
	}
	if err := buf.Sort(); err != nil {
		return err
	}
	return buf.SetLen(n)
}

type u32It func() (uint32, bool)

// Merges two ascending entry streams into dst, keeping one entry per sparse index: the one with the
// highest rank. Either stream may itself repeat an index.
func merge(dst *sparseList, a, b u32It) error {
	nextA, okA := a()
	nextB, okB := b()

	var pending uint32
	hasPending := false
	for okA || okB {
		var k uint32
		if !okB || (okA && nextA <= nextB) {
			k = nextA
			nextA, okA = a()
		} else {
			k = nextB
			nextB, okB = b()
		}

		// Input is ascending, so a later entry with the same index has an equal or larger rank.
		if hasPending && sparseIndex(pending) != sparseIndex(k) {
			if err := dst.Add(pending); err != nil {
				return err
			}
		}
		pending, hasPending = k, true
	}
	if hasPending {
		return dst.Add(pending)
	}
	return nil
}

func toNormal(it u32It, p, sp uint) (*RegisterSet, error) {
	M, err := NewRegisterSet(1 << p)
	if err != nil {
		return nil, err
	}
	for k, ok := it(); ok; k, ok = it() {
		idx, r := decodeHash(k, p, sp)
		M.UpdateIfGreater(idx, r)
	}
	return M, nil
}

func concatIts(its ...u32It) u32It {
	return func() (uint32, bool) {
		for len(its) > 0 {
			if k, ok := its[0](); ok {
				return k, true
			}
			its = its[1:]
		}
		return 0, false
	}
}
