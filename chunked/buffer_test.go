package chunked

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func collect(b *Buffer) []uint32 {
	var out []uint32
	it := b.Iterator()
	for v, ok := it(); ok; v, ok = it() {
		out = append(out, v)
	}
	return out
}

func TestEnumeration(t *testing.T) {
	b, err := New(9, nil)
	require.NoError(t, err)
	for i := 0; i < 9; i++ {
		b.Set(i, uint32(i))
	}

	require.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8}, collect(b))
	// A second pass sees the same elements.
	require.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8}, collect(b))

	require.NoError(t, b.SetLen(7))
	require.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6}, collect(b))

	require.ErrorIs(t, b.SetLen(b.Cap()+1), ErrCapacity)
	require.ErrorIs(t, b.SetLen(-1), ErrNegativeLength)

	_, err = New(-1, nil)
	require.ErrorIs(t, err, ErrNegativeLength)
}

func TestIndexingAcrossChunks(t *testing.T) {
	b, err := New(3*ChunkWidth+5, nil)
	require.NoError(t, err)
	require.Equal(t, 4*ChunkWidth, b.Cap())

	for i := 0; i < b.Len(); i++ {
		b.Set(i, uint32(i*7))
	}
	for i := 0; i < b.Len(); i++ {
		require.Equal(t, uint32(i*7), b.At(i))
	}
	require.Equal(t, []uint32{ChunkWidth * 7, (ChunkWidth + 1) * 7}, b.Slice(ChunkWidth, 2))
}

func TestAddChunkAndAppend(t *testing.T) {
	b, err := New(0, nil)
	require.NoError(t, err)
	require.Equal(t, 0, b.Cap())

	require.NoError(t, b.AddChunk())
	require.Equal(t, ChunkWidth, b.Cap())
	require.Equal(t, 0, b.Len())

	for i := 0; i < ChunkWidth+10; i++ {
		require.NoError(t, b.Append(uint32(i)))
	}
	require.Equal(t, ChunkWidth+10, b.Len())
	require.Equal(t, 2*ChunkWidth, b.Cap())
	require.Equal(t, uint32(ChunkWidth-1), b.At(ChunkWidth-1))
	require.Equal(t, uint32(ChunkWidth+9), b.At(ChunkWidth+9))

	b.Reset()
	require.Equal(t, 0, b.Len())
	require.Equal(t, 2*ChunkWidth, b.Cap())
}

func TestSortReversed(t *testing.T) {
	const n = 17000
	for _, withPool := range []bool{false, true} {
		var pool *Pool
		if withPool {
			var err error
			pool, err = NewPool(16, nil)
			require.NoError(t, err)
		}

		b, err := New(n, pool)
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			b.Set(i, uint32(n-1-i))
		}
		require.NoError(t, b.Sort())

		for i := 0; i < n; i++ {
			require.Equal(t, uint32(i), b.At(i))
		}
		b.Free()
		if pool != nil {
			require.Equal(t, 0, pool.InUse())
		}
	}
}

func TestSortMatchesSlicesSort(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for _, n := range []int{0, 1, 2, 100, ChunkWidth, ChunkWidth + 1, 5*ChunkWidth + 123} {
		b, err := New(n, nil)
		require.NoError(t, err)
		want := make([]uint32, n)
		for i := range want {
			want[i] = rnd.Uint32() % 5000
			b.Set(i, want[i])
		}
		slices.Sort(want)

		require.NoError(t, b.Sort())
		require.Equal(t, want, b.Slice(0, n), "n=%d", n)
	}
}

func TestSortPrefixKeepsTail(t *testing.T) {
	n := 2*ChunkWidth + 10
	b, err := New(n, nil)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		b.Set(i, uint32(n-i))
	}

	prefix := ChunkWidth + 3
	require.NoError(t, b.SetLen(prefix))
	require.NoError(t, b.Sort())
	require.NoError(t, b.SetLen(n))

	require.True(t, slices.IsSorted(b.Slice(0, prefix)))
	for i := prefix; i < n; i++ {
		require.Equal(t, uint32(n-i), b.At(i))
	}
}

func TestCopyFromAndEqual(t *testing.T) {
	src, err := New(ChunkWidth+20, nil)
	require.NoError(t, err)
	for i := 0; i < src.Len(); i++ {
		src.Set(i, uint32(i+1))
	}

	dst, err := New(0, nil)
	require.NoError(t, err)
	require.NoError(t, dst.CopyFrom(src, ChunkWidth+5))
	require.Equal(t, ChunkWidth+5, dst.Len())
	require.Equal(t, src.Slice(0, ChunkWidth+5), dst.Slice(0, ChunkWidth+5))
	require.False(t, dst.Equal(src))

	require.NoError(t, dst.CopyFrom(src, src.Len()))
	require.True(t, dst.Equal(src))

	dst.Set(3, 0)
	require.False(t, dst.Equal(src))

	require.ErrorIs(t, dst.CopyFrom(src, src.Len()+1), ErrCapacity)
}

func TestPoolExhaustion(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	pool, err := NewPool(2, reg)
	require.NoError(t, err)

	a, err := New(ChunkWidth, pool)
	require.NoError(t, err)
	require.Equal(t, 1, pool.InUse())

	_, err = New(2*ChunkWidth, pool)
	require.ErrorIs(t, err, ErrPoolExhausted)
	// The partially built buffer gave its chunk back.
	require.Equal(t, 1, pool.InUse())
	require.Equal(t, float64(1), testutil.ToFloat64(pool.exhausted))

	b, err := NewWithFallback(2*ChunkWidth, pool)
	require.NoError(t, err)
	require.Equal(t, 2, pool.InUse())
	require.Equal(t, float64(1), testutil.ToFloat64(pool.fallbacks))

	a.Free()
	b.Free()
	require.Equal(t, 0, pool.InUse())
	require.Equal(t, 2, pool.Allocated())
	require.Equal(t, float64(0), testutil.ToFloat64(pool.inUse))

	_, err = NewPool(0, nil)
	require.ErrorIs(t, err, ErrInvalidPoolSize)
}

func TestPoolReturnsZeroedChunks(t *testing.T) {
	pool, err := NewPool(1, nil)
	require.NoError(t, err)

	b, err := New(10, pool)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		b.Set(i, 0xdead)
	}
	b.Free()

	b, err = New(ChunkWidth, pool)
	require.NoError(t, err)
	for i := 0; i < ChunkWidth; i++ {
		require.Zero(t, b.At(i))
	}
	b.Free()
}
