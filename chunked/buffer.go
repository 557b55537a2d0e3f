// Package chunked provides a large logical array of uint32 split into fixed-width chunks, so
// that growing or sorting it never needs one huge contiguous allocation. Chunks can be drawn
// from a Pool and are handed back when the buffer is freed.
package chunked

import (
	"container/heap"
	"slices"

	"github.com/pkg/errors"
)

const (
	chunkBits = 13

	// ChunkWidth is the number of elements per chunk.
	ChunkWidth = 1 << chunkBits
	chunkMask  = ChunkWidth - 1

	heapSlot = -1
)

var (
	// ErrCapacity is returned when a length exceeds what the buffer has allocated.
	ErrCapacity = errors.New("chunked: length exceeds capacity")

	// ErrNegativeLength is returned for a negative buffer length.
	ErrNegativeLength = errors.New("chunked: negative length")
)

// Buffer is a chunked array of uint32. Element i lives in chunk i>>13 at offset i&8191.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	length    int
	highWater int
	chunks    [][]uint32
	slots     []int
	pool      *Pool
	fallback  bool
}

// New creates a buffer of the given length with all elements zero. Chunks are rented from
// pool when it is not nil, and ErrPoolExhausted is returned if the pool runs dry.
func New(length int, pool *Pool) (*Buffer, error) {
	return newBuffer(length, pool, false)
}

// NewWithFallback is like New, except that chunks the pool cannot provide are allocated on the
// heap instead. Each such allocation is counted in the pool's fallback metric.
func NewWithFallback(length int, pool *Pool) (*Buffer, error) {
	return newBuffer(length, pool, true)
}

func newBuffer(length int, pool *Pool, fallback bool) (*Buffer, error) {
	if length < 0 {
		return nil, errors.Wrapf(ErrNegativeLength, "got %d", length)
	}
	b := &Buffer{pool: pool, fallback: fallback}
	if err := b.grow(length); err != nil {
		b.Free()
		return nil, err
	}
	b.length = length
	b.highWater = length
	return b, nil
}

// Len returns the logical number of elements.
func (b *Buffer) Len() int {
	return b.length
}

// Cap returns the number of elements the allocated chunks can hold.
func (b *Buffer) Cap() int {
	return len(b.chunks) * ChunkWidth
}

// At returns element i. i must be below Cap().
func (b *Buffer) At(i int) uint32 {
	return b.chunks[i>>chunkBits][i&chunkMask]
}

// Set assigns element i. i must be below Len(); use SetLen or Append to extend the buffer.
func (b *Buffer) Set(i int, v uint32) {
	b.chunks[i>>chunkBits][i&chunkMask] = v
}

// SetLen changes the logical length without touching the contents.
func (b *Buffer) SetLen(n int) error {
	if n < 0 {
		return errors.Wrapf(ErrNegativeLength, "got %d", n)
	}
	if n > b.Cap() {
		return errors.Wrapf(ErrCapacity, "length %d, capacity %d", n, b.Cap())
	}
	b.length = n
	if n > b.highWater {
		b.highWater = n
	}
	return nil
}

// Reset sets the length to zero and keeps the chunks for reuse.
func (b *Buffer) Reset() {
	b.length = 0
}

// Append adds v at the end, growing by one chunk when full.
func (b *Buffer) Append(v uint32) error {
	if b.length == b.Cap() {
		if err := b.AddChunk(); err != nil {
			return err
		}
	}
	b.Set(b.length, v)
	b.length++
	if b.length > b.highWater {
		b.highWater = b.length
	}
	return nil
}

// AddChunk grows the capacity by one chunk. The length is unchanged.
func (b *Buffer) AddChunk() error {
	slot := heapSlot
	var chunk []uint32
	if b.pool != nil {
		var err error
		slot, chunk, err = b.pool.Rent()
		if err != nil {
			if !b.fallback || !errors.Is(err, ErrPoolExhausted) {
				return err
			}
			b.pool.fallbacks.Inc()
			slot, chunk = heapSlot, nil
		}
	}
	if chunk == nil {
		chunk = make([]uint32, ChunkWidth)
	}
	b.chunks = append(b.chunks, chunk)
	b.slots = append(b.slots, slot)
	return nil
}

func (b *Buffer) grow(n int) error {
	for b.Cap() < n {
		if err := b.AddChunk(); err != nil {
			return err
		}
	}
	return nil
}

// CopyFrom replaces the contents with the first n elements of src, growing if needed.
func (b *Buffer) CopyFrom(src *Buffer, n int) error {
	if n < 0 || n > src.length {
		return errors.Wrapf(ErrCapacity, "copy of %d elements from a buffer of length %d", n, src.length)
	}
	if err := b.grow(n); err != nil {
		return err
	}
	for c := 0; c*ChunkWidth < n; c++ {
		end := min(ChunkWidth, n-c*ChunkWidth)
		copy(b.chunks[c][:end], src.chunks[c][:end])
	}
	return b.SetLen(n)
}

// Slice copies the elements in [from, from+n) into a new slice.
func (b *Buffer) Slice(from, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = b.At(from + i)
	}
	return out
}

// Iterator returns a function that yields the elements in order.
func (b *Buffer) Iterator() func() (uint32, bool) {
	i := 0
	return func() (uint32, bool) {
		if i >= b.length {
			return 0, false
		}
		v := b.At(i)
		i++
		return v, true
	}
}

// Equal reports whether both buffers have the same length and elements.
func (b *Buffer) Equal(other *Buffer) bool {
	if b.length != other.length {
		return false
	}
	for c := 0; c*ChunkWidth < b.length; c++ {
		end := min(ChunkWidth, b.length-c*ChunkWidth)
		if !slices.Equal(b.chunks[c][:end], other.chunks[c][:end]) {
			return false
		}
	}
	return true
}

// Sort orders the elements ascending. Each chunk is sorted on its own, then the chunks are
// merged by repeatedly taking the smallest head element. The merge needs a scratch buffer
// of the same length, allocated the same way as b.
func (b *Buffer) Sort() error {
	if b.length < 2 {
		return nil
	}

	numChunks := (b.length + ChunkWidth - 1) / ChunkWidth
	for c := 0; c < numChunks; c++ {
		end := min(ChunkWidth, b.length-c*ChunkWidth)
		slices.Sort(b.chunks[c][:end])
	}
	if numChunks == 1 {
		return nil
	}

	scratch, err := newBuffer(b.length, b.pool, b.fallback)
	if err != nil {
		return err
	}
	defer scratch.Free()

	h := make(heads, 0, numChunks)
	for c := 0; c < numChunks; c++ {
		h = append(h, head{value: b.chunks[c][0], chunk: c})
	}
	heap.Init(&h)

	for out := 0; out < b.length; out++ {
		top := &h[0]
		scratch.Set(out, top.value)

		top.pos++
		end := min(ChunkWidth, b.length-top.chunk*ChunkWidth)
		if top.pos < end {
			top.value = b.chunks[top.chunk][top.pos]
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}

	for c := 0; c < numChunks; c++ {
		end := min(ChunkWidth, b.length-c*ChunkWidth)
		copy(b.chunks[c][:end], scratch.chunks[c][:end])
	}
	return nil
}

// Free returns pooled chunks to their pool and drops the rest. The buffer is empty afterwards.
func (b *Buffer) Free() {
	if b.pool != nil {
		for i := len(b.chunks) - 1; i >= 0; i-- {
			if b.slots[i] == heapSlot {
				continue
			}
			b.pool.Free(b.slots[i], b.highWater-i*ChunkWidth)
		}
	}
	b.chunks = nil
	b.slots = nil
	b.length = 0
	b.highWater = 0
}

type head struct {
	value uint32
	chunk int
	pos   int
}

type heads []head

func (h heads) Len() int           { return len(h) }
func (h heads) Less(i, j int) bool { return h[i].value < h[j].value }
func (h heads) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *heads) Push(x any)        { *h = append(*h, x.(head)) }
func (h *heads) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
