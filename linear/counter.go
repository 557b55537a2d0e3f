// Package linear implements Linear Counting, a bitmap based cardinality estimator.
//
// Every offered hash selects one bit of the bitmap. The estimate is derived from the fraction of
// bits that are still unset, n = -m ln(V), where m is the bitmap size in bits and V the unset
// fraction. Accuracy depends on the load factor n/m, so the bitmap has to be sized for the largest
// expected cardinality up front; NewWithError and NewWithOnePercentError do that sizing.
//
// K. Whang, B. Vander-Zanden, H. Taylor. A Linear-Time Probabilistic Counting Algorithm for
// Database Applications. http://dblab.kaist.ac.kr/Publication/pdf/ACM90_TODS_v15n2.pdf
package linear

import (
	"encoding/binary"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

var (
	ErrInvalidSize        = errors.New("linear: bitmap size must be positive")
	ErrInvalidError       = errors.New("linear: standard error must be in (0, 1)")
	ErrInvalidCardinality = errors.New("linear: max cardinality must be positive")
	ErrSizeMismatch       = errors.New("linear: cannot merge counters of different sizes")
	ErrNoCounters         = errors.New("linear: no counters to merge")
)

// Counter is a Linear Counting estimator. It is not safe for concurrent use.
type Counter struct {
	bits       *bitset.BitSet
	size       int // bitmap size in bytes
	bitmapBits uint64
	unsetBits  uint64
}

// New creates a counter with an all-zero bitmap of sizeInBytes bytes.
func New(sizeInBytes int) (*Counter, error) {
	if sizeInBytes <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "got %d", sizeInBytes)
	}
	n := uint64(sizeInBytes) * 8
	return &Counter{
		bits:       bitset.New(uint(n)),
		size:       sizeInBytes,
		bitmapBits: n,
		unsetBits:  n,
	}, nil
}

// FromBitmap creates a counter around a copy of bitmap, as returned by Bitmap. Bit i of the
// bitmap is bit i%8 of byte i/8.
func FromBitmap(bitmap []byte) (*Counter, error) {
	if len(bitmap) == 0 {
		return nil, errors.Wrap(ErrInvalidSize, "empty bitmap")
	}

	words := make([]uint64, (len(bitmap)+7)/8)
	var tail [8]byte
	for i := range words {
		chunk := bitmap[i*8:]
		if len(chunk) < 8 {
			copy(tail[:], chunk)
			chunk = tail[:]
		}
		words[i] = binary.LittleEndian.Uint64(chunk)
	}

	n := uint64(len(bitmap)) * 8
	c := &Counter{
		bits:       bitset.FromWithLength(uint(n), words),
		size:       len(bitmap),
		bitmapBits: n,
	}
	c.unsetBits = n - uint64(c.bits.Count())
	return c, nil
}

// Offer records a 32-bit hash. It returns false if the estimate is unaffected, i.e. the hash's
// bit was already set.
func (c *Counter) Offer(hash uint32) bool {
	i := uint(uint64(hash) % c.bitmapBits)
	if c.bits.Test(i) {
		return false
	}
	c.bits.Set(i)
	c.unsetBits--
	return true
}

// Cardinality returns the estimated number of distinct hashes offered. A saturated counter,
// one with no unset bits left, has no finite estimate and returns math.MaxUint64.
func (c *Counter) Cardinality() uint64 {
	if c.unsetBits == 0 {
		return math.MaxUint64
	}
	m := float64(c.bitmapBits)
	return uint64(math.Round(m * math.Log(m/float64(c.unsetBits))))
}

// UnsetBits returns the number of bitmap bits still zero.
func (c *Counter) UnsetBits() uint64 {
	return c.unsetBits
}

// SizeInBytes returns the bitmap size.
func (c *Counter) SizeInBytes() int {
	return c.size
}

// Bitmap returns a copy of the bitmap, suitable for FromBitmap.
func (c *Counter) Bitmap() []byte {
	out := make([]byte, len(c.bits.Bytes())*8)
	for i, w := range c.bits.Bytes() {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out[:c.size]
}

// MarshalBinary implements encoding.BinaryMarshaler. The encoding is the raw bitmap.
func (c *Counter) MarshalBinary() ([]byte, error) {
	return c.Bitmap(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (c *Counter) UnmarshalBinary(data []byte) error {
	rt, err := FromBitmap(data)
	if err != nil {
		return err
	}
	*c = *rt
	return nil
}

// MergeAll returns a new counter for the union of the counters' streams. All counters must have
// the same size. Merging is a bitwise OR, so the order of the arguments does not matter.
func MergeAll(counters ...*Counter) (*Counter, error) {
	if len(counters) == 0 {
		return nil, ErrNoCounters
	}

	size := counters[0].size
	merged := counters[0].bits.Clone()
	for _, c := range counters[1:] {
		if c.size != size {
			return nil, errors.Wrapf(ErrSizeMismatch, "first counter has %d bytes, other has %d", size, c.size)
		}
		merged.InPlaceUnion(c.bits)
	}

	n := uint64(size) * 8
	return &Counter{
		bits:       merged,
		size:       size,
		bitmapBits: n,
		unsetBits:  n - uint64(merged.Count()),
	}, nil
}

// MergeWith returns a new counter for the union of c and others.
func (c *Counter) MergeWith(others ...*Counter) (*Counter, error) {
	all := make([]*Counter, 0, len(others)+1)
	all = append(all, others...)
	all = append(all, c)
	return MergeAll(all...)
}
