package linear

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/spaolacci/murmur3"
	"github.com/stretchr/testify/require"
)

func hash32(v int) uint32 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return murmur3.Sum32(buf[:])
}

func TestOfferReportsChange(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		c, err := New(4)
		require.NoError(t, err)
		h := hash32(rnd.Int())
		require.True(t, c.Offer(h), "first offer")
		require.False(t, c.Offer(h), "second offer")
		require.Equal(t, uint64(31), c.UnsetBits())
	}
}

func TestSaturatedCounter(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)
	rnd := rand.New(rand.NewSource(2))
	for c.UnsetBits() > 0 {
		c.Offer(hash32(rnd.Int()))
	}
	require.Equal(t, uint64(math.MaxUint64), c.Cardinality())
}

func TestCardinality(t *testing.T) {
	c, err := New(1 << 16)
	require.NoError(t, err)
	require.Zero(t, c.Cardinality())

	const n = 10000
	for i := 0; i < n; i++ {
		c.Offer(hash32(i))
	}
	got := float64(c.Cardinality())
	require.InDelta(t, n, got, n*0.02)
}

func TestArbitraryStdErrorSize(t *testing.T) {
	testCases := []struct {
		eps   float64
		n     uint64
		bytes int
	}{
		{0.01, 100, 630},
		{0.01, 3375, 759},
		// 10% error, values from the paper.
		{0.1, 100, 10},
		{0.1, 1000, 34},
		{0.1, 10000, 214},
		{0.1, 100000, 1593},
		{0.1, 1000000, 12610},
		{0.1, 10000000, 103977},
		{0.1, 100000000, 882720},
	}

	for _, tc := range testCases {
		c, err := NewWithError(tc.eps, tc.n)
		require.NoError(t, err)
		require.Equal(t, tc.bytes, c.SizeInBytes(), "eps=%v n=%d", tc.eps, tc.n)
	}
}

func TestOnePercentErrorSize(t *testing.T) {
	testCases := []struct {
		n     uint64
		bytes int
	}{
		{1, 630},
		{100, 630},
		{1000, 667},
		{1500, 686}, // halfway between 5329 and 5647 bits
		{10000000, 137073},
		{1000000000, 10416667},
	}

	for _, tc := range testCases {
		c, err := NewWithOnePercentError(tc.n)
		require.NoError(t, err)
		require.Equal(t, tc.bytes, c.SizeInBytes(), "n=%d", tc.n)
	}
}

func TestInvalidConfiguration(t *testing.T) {
	_, err := New(0)
	require.ErrorIs(t, err, ErrInvalidSize)

	for _, eps := range []float64{0, 1, -0.5, 2} {
		_, err = NewWithError(eps, 100)
		require.ErrorIs(t, err, ErrInvalidError)
	}
	_, err = NewWithError(0.01, 0)
	require.ErrorIs(t, err, ErrInvalidCardinality)

	_, err = NewWithOnePercentError(0)
	require.ErrorIs(t, err, ErrInvalidCardinality)

	_, err = FromBitmap(nil)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestBitmapRoundTrip(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		c.Offer(murmur3.Sum32([]byte(s)))
	}

	c2, err := FromBitmap(c.Bitmap())
	require.NoError(t, err)
	require.Equal(t, c.Bitmap(), c2.Bitmap())
	require.Equal(t, c.UnsetBits(), c2.UnsetBits())
	require.Equal(t, c.Cardinality(), c2.Cardinality())

	data, err := c.MarshalBinary()
	require.NoError(t, err)
	var c3 Counter
	require.NoError(t, c3.UnmarshalBinary(data))
	require.Equal(t, c.Cardinality(), c3.Cardinality())
}

func TestBitmapLayout(t *testing.T) {
	c, err := New(3)
	require.NoError(t, err)
	c.Offer(0)
	c.Offer(9)
	c.Offer(23)
	require.Equal(t, []byte{0x01, 0x02, 0x80}, c.Bitmap())
	// Hashes wrap around the bitmap size.
	require.False(t, c.Offer(24+9))
}

func TestMerge(t *testing.T) {
	const (
		size        = 65536
		numToMerge  = 5
		cardinality = 1000
		expected    = numToMerge * cardinality
	)

	rnd := rand.New(rand.NewSource(3))
	counters := make([]*Counter, numToMerge)
	baseline, err := New(size)
	require.NoError(t, err)
	for i := range counters {
		counters[i], err = New(size)
		require.NoError(t, err)
		for j := 0; j < cardinality; j++ {
			h := hash32(rnd.Int())
			counters[i].Offer(h)
			baseline.Offer(h)
		}
	}

	mergedAll, err := MergeAll(counters...)
	require.NoError(t, err)
	mergeAllError := math.Abs(float64(mergedAll.Cardinality())-expected) / expected
	require.Less(t, mergeAllError, 0.02)

	mergedWith, err := counters[0].MergeWith(counters[1:]...)
	require.NoError(t, err)
	require.Equal(t, mergedAll.Cardinality(), mergedWith.Cardinality())
	require.Equal(t, baseline.Cardinality(), mergedWith.Cardinality())
	require.Equal(t, baseline.Bitmap(), mergedWith.Bitmap())

	// The inputs are untouched.
	require.NotEqual(t, mergedAll.UnsetBits(), counters[0].UnsetBits())
}

func TestMergeErrors(t *testing.T) {
	_, err := MergeAll()
	require.ErrorIs(t, err, ErrNoCounters)

	a, err := New(4)
	require.NoError(t, err)
	b, err := New(8)
	require.NoError(t, err)
	_, err = MergeAll(a, b)
	require.ErrorIs(t, err, ErrSizeMismatch)
	_, err = a.MergeWith(b)
	require.ErrorIs(t, err, ErrSizeMismatch)
}
