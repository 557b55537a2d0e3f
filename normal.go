package hll

import (
	"slices"

	"github.com/pkg/errors"
)

const (
	registerWidth    = 5
	registersPerWord = 6 // 6 * 5 = 30 of 32 bits used
	registerMask     = 1<<registerWidth - 1
	maxRegisterValue = registerMask
)

// RegisterSet is the dense representation of an estimator: count registers of 5 bits each,
// packed 6 to a 32-bit word. Register i lives in word i/6 at bit offset 5*(i%6); the top two
// bits of every word are unused.
type RegisterSet struct {
	count uint64
	words []uint32
}

// WordsForCount returns the number of 32-bit words backing count registers.
func WordsForCount(count uint64) uint64 {
	if count == 0 {
		return 1
	}
	return (count + registersPerWord - 1) / registersPerWord
}

// NewRegisterSet allocates count zeroed registers.
func NewRegisterSet(count uint64) (*RegisterSet, error) {
	if count == 0 {
		return nil, ErrInvalidRegisterCount
	}
	return &RegisterSet{
		count: count,
		words: make([]uint32, WordsForCount(count)),
	}, nil
}

// This function assumes that pos is within range. It may panic if not.
func (rs *RegisterSet) Get(pos uint64) uint8 {
	shift := registerWidth * (pos % registersPerWord)
	return uint8(rs.words[pos/registersPerWord]>>shift) & registerMask
}

// Set writes val into register pos. Only the low 5 bits of val are kept.
func (rs *RegisterSet) Set(pos uint64, val uint8) {
	shift := registerWidth * (pos % registersPerWord)
	w := &rs.words[pos/registersPerWord]
	*w = *w&^(registerMask<<shift) | uint32(val&registerMask)<<shift
}

// UpdateIfGreater writes val into register pos if it exceeds the current value, and reports
// whether it did.
func (rs *RegisterSet) UpdateIfGreater(pos uint64, val uint8) bool {
	if val > maxRegisterValue {
		val = maxRegisterValue
	}
	shift := registerWidth * (pos % registersPerWord)
	w := &rs.words[pos/registersPerWord]
	if uint8(*w>>shift)&registerMask >= val {
		return false
	}
	*w = *w&^(registerMask<<shift) | uint32(val)<<shift
	return true
}

// Merge sets every register to the maximum of itself and the same register of other.
func (rs *RegisterSet) Merge(other *RegisterSet) error {
	if rs.count != other.count {
		return errors.Wrapf(ErrRegisterCountMismatch, "%d vs %d registers", rs.count, other.count)
	}
	for i, ow := range other.words {
		w := rs.words[i]
		if w == ow {
			continue
		}
		for shift := 0; shift < registerWidth*registersPerWord; shift += registerWidth {
			if ow>>shift&registerMask > w>>shift&registerMask {
				w = w&^(registerMask<<shift) | ow&(registerMask<<shift)
			}
		}
		rs.words[i] = w
	}
	return nil
}

// Count returns the number of registers.
func (rs *RegisterSet) Count() uint64 {
	return rs.count
}

// Words returns the backing words. The slice is shared with the set and must not be modified.
func (rs *RegisterSet) Words() []uint32 {
	return rs.words
}

// SizeInBytes returns the size of the backing words.
func (rs *RegisterSet) SizeInBytes() int {
	return 4 * len(rs.words)
}

func (rs *RegisterSet) Equal(other *RegisterSet) bool {
	return rs.count == other.count && slices.Equal(rs.words, other.words)
}

func (rs *RegisterSet) Copy() *RegisterSet {
	return &RegisterSet{
		count: rs.count,
		words: slices.Clone(rs.words),
	}
}

// Loops over the registers, stopping early if fn returns false.
func (rs *RegisterSet) forEach(fn func(pos uint64, val uint8) bool) {
	for pos := uint64(0); pos < rs.count; pos++ {
		if !fn(pos, rs.Get(pos)) {
			return
		}
	}
}

// Builds a register set around words read from the wire, rejecting bits that no register owns.
func registerSetFromWords(count uint64, words []uint32) (*RegisterSet, error) {
	if uint64(len(words)) != WordsForCount(count) {
		return nil, errors.Wrapf(ErrMalformed, "%d words for %d registers", len(words), count)
	}
	const usedBits = 1<<(registerWidth*registersPerWord) - 1
	for i, w := range words {
		mask := uint32(usedBits)
		if last := count - uint64(i)*registersPerWord; last < registersPerWord {
			mask = 1<<(registerWidth*last) - 1
		}
		if w&^mask != 0 {
			return nil, errors.Wrapf(ErrMalformed, "stray bits %#x in register word %d", w&^mask, i)
		}
	}
	return &RegisterSet{count: count, words: words}, nil
}
