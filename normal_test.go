package hll

import (
	"os"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
)

func TestRegisterSet(t *testing.T) {
	for _, numRegisters := range []uint64{1, 5, 6, 7, 1023, 1024, 1025} { // Try a power of two, also power of two +/- 1.
		iterativeGetSet(t, numRegisters)
	}
}

func TestHuge(t *testing.T) {
	// This test uses a lot of memory and takes a long time. Only run it when requested.
	if len(os.Getenv("HLL_HUGE")) == 0 {
		t.Skip("Skipping gigantic memory test because HLL_HUGE isn't set")
		return
	}

	// The registers of p=31, about 1.4GB.
	iterativeGetSet(t, 1<<maxP)
}

func iterativeGetSet(t *testing.T, numRegisters uint64) {
	rs, err := NewRegisterSet(numRegisters)
	assert.Equal(t, nil, err)
	assert.Equal(t, WordsForCount(numRegisters), uint64(len(rs.Words())))

	for i := uint64(0); i < numRegisters; i++ {
		valToInsert := uint8(i % 32)
		rs.Set(i, valToInsert)
		readBack := rs.Get(i)
		if readBack != valToInsert {
			t.Fatal(readBack, valToInsert)
		}
	}

	for i := uint64(0); i < numRegisters; i++ {
		readBack := rs.Get(i)
		expected := uint8(i % 32)
		if readBack != expected {
			t.Fatal(readBack, expected)
		}
	}

	for _, w := range rs.Words() {
		if w>>30 != 0 {
			t.Fatalf("unused bits set in %#x", w)
		}
	}
}

func TestWordsForCount(t *testing.T) {
	testCases := []struct {
		count, words uint64
	}{
		{0, 1},
		{1, 1},
		{6, 1},
		{7, 2},
		{16, 3},
		{1 << 14, 2731},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.words, WordsForCount(tc.count), tc.count)
	}

	_, err := NewRegisterSet(0)
	assert.Equal(t, ErrInvalidRegisterCount, err)
}

func TestSetLeavesNeighborsAlone(t *testing.T) {
	rs, err := NewRegisterSet(12)
	assert.Equal(t, nil, err)
	for i := uint64(0); i < 12; i++ {
		rs.Set(i, maxRegisterValue)
	}

	rs.Set(7, 0)
	for i := uint64(0); i < 12; i++ {
		if i == 7 {
			assert.Equal(t, uint8(0), rs.Get(i))
		} else {
			assert.Equal(t, uint8(maxRegisterValue), rs.Get(i), i)
		}
	}

	// Only 5 bits are kept.
	rs.Set(7, 0xFF)
	assert.Equal(t, uint8(maxRegisterValue), rs.Get(7))
	assert.Equal(t, uint32(1<<30-1), rs.Words()[1])
}

func TestUpdateIfGreater(t *testing.T) {
	rs, err := NewRegisterSet(20)
	assert.Equal(t, nil, err)

	assert.T(t, rs.UpdateIfGreater(13, 4))
	assert.Equal(t, uint8(4), rs.Get(13))
	assert.T(t, !rs.UpdateIfGreater(13, 4))
	assert.T(t, !rs.UpdateIfGreater(13, 3))
	assert.Equal(t, uint8(4), rs.Get(13))
	assert.T(t, rs.UpdateIfGreater(13, 9))
	assert.Equal(t, uint8(9), rs.Get(13))

	// Values past the register width saturate.
	assert.T(t, rs.UpdateIfGreater(13, 40))
	assert.Equal(t, uint8(maxRegisterValue), rs.Get(13))
	assert.T(t, !rs.UpdateIfGreater(13, 40))

	assert.Equal(t, uint8(0), rs.Get(12))
	assert.Equal(t, uint8(0), rs.Get(14))
}

func TestRegisterSetMerge(t *testing.T) {
	const count = 100
	a, err := NewRegisterSet(count)
	assert.Equal(t, nil, err)
	b, err := NewRegisterSet(count)
	assert.Equal(t, nil, err)

	for i := uint64(0); i < count; i++ {
		a.Set(i, uint8(i%32))
		b.Set(i, uint8((count-i)%32))
	}
	bCopy := b.Copy()

	assert.Equal(t, nil, a.Merge(b))
	for i := uint64(0); i < count; i++ {
		want := max(uint8(i%32), uint8((count-i)%32))
		assert.Equal(t, want, a.Get(i), i)
	}
	assert.T(t, b.Equal(bCopy))

	c, err := NewRegisterSet(count + 1)
	assert.Equal(t, nil, err)
	assert.T(t, errors.Is(a.Merge(c), ErrRegisterCountMismatch))
}

func TestRegisterSetCopy(t *testing.T) {
	a, err := NewRegisterSet(10)
	assert.Equal(t, nil, err)
	a.Set(3, 7)

	b := a.Copy()
	assert.T(t, a.Equal(b))
	b.Set(3, 8)
	assert.T(t, !a.Equal(b))
	assert.Equal(t, uint8(7), a.Get(3))
	assert.Equal(t, 8, a.SizeInBytes())
	assert.Equal(t, uint64(10), a.Count())
}

func TestRegisterSetFromWords(t *testing.T) {
	_, err := registerSetFromWords(16, []uint32{0, 0})
	assert.T(t, errors.Is(err, ErrMalformed))

	// Bit 30 is not part of any register.
	_, err = registerSetFromWords(16, []uint32{1 << 30, 0, 0})
	assert.T(t, errors.Is(err, ErrMalformed))

	// The last word only holds registers 12..15.
	_, err = registerSetFromWords(16, []uint32{0, 0, 1 << 20})
	assert.T(t, errors.Is(err, ErrMalformed))

	rs, err := registerSetFromWords(16, []uint32{1<<30 - 1, 0, 1<<20 - 1})
	assert.Equal(t, nil, err)
	assert.Equal(t, uint8(maxRegisterValue), rs.Get(5))
	assert.Equal(t, uint8(maxRegisterValue), rs.Get(15))
	assert.Equal(t, uint8(0), rs.Get(6))
}
