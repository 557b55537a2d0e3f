package hll

import (
	"math"

	"github.com/pkg/errors"

	"github.com/lytics/hll/v2/chunked"
)

const (
	alpha_16 = 0.673
	alpha_32 = 0.697
	alpha_64 = 0.709

	minP = 4
	maxP = 31
)

var (
	// ErrInvalidPrecision is returned for p outside [4,31], or sp that is neither 0 nor in [p,25].
	ErrInvalidPrecision = errors.New("hll: invalid precision")

	// ErrParameterMismatch is returned when combining estimators built with different p or sp.
	ErrParameterMismatch = errors.New("hll: parameter mismatch")

	// ErrRegisterCountMismatch is returned when merging register sets of different sizes.
	ErrRegisterCountMismatch = errors.New("hll: register count mismatch")

	// ErrInvalidRegisterCount is returned for a register set without registers.
	ErrInvalidRegisterCount = errors.New("hll: register count must be positive")
)

type Hll struct {
	bigM       *RegisterSet    // Used for the dense case. nil while isSparse.
	sparseList *sparseList     // This will be nil if isSparse==false. Sorted, one entry per index.
	tempSet    *chunked.Buffer // Entries added since the last merge into sparseList, unsorted.
	pool       *chunked.Pool
	alpha      float64 // constant used in cardinality calculation
	isSparse   bool
	p, sp      uint   // precision bits for dense and sparse cases
	m, mPrime  uint64 // register counts for dense and sparse cases

	sparseThresholdBytes int // sparseList is converted to dense once it grows past this size
	mergeSizeBytes       int // tempSet is merged into sparseList once it grows past this size
}

// Option configures an Hll.
type Option func(*Hll)

// WithPool makes the estimator rent the chunks of its sparse buffers from pool. When the pool
// runs dry, chunks are allocated on the heap instead and counted as fallbacks by the pool.
func WithPool(pool *chunked.Pool) Option {
	return func(h *Hll) {
		h.pool = pool
	}
}

// New creates an estimator with 2^p registers in the dense case, p in [4,31]. With sp in [p,25]
// it starts in the sparse case, which tracks 2^sp virtual registers exactly until the encoded
// list gets as large as the dense registers would be. sp==0 means dense from the start.
//
// Google recommends that p be set to 14, and sp to equal either 20 or 25.
func New(p, sp uint, opts ...Option) (*Hll, error) {
	if err := validateParams(p, sp); err != nil {
		return nil, err
	}

	h := &Hll{
		p:      p,
		sp:     sp,
		m:      1 << p,
		mPrime: 1 << sp,
	}
	for _, o := range opts {
		o(h)
	}

	switch h.m {
	case 16:
		h.alpha = alpha_16
	case 32:
		h.alpha = alpha_32
	case 64:
		h.alpha = alpha_64
	default:
		h.alpha = 0.7213 / (1.0 + 1.079/float64(h.m))
	}

	// The sparse threshold is the size of the dense registers. When the temp set reaches 25% of
	// that, merge it into the sparse list.
	h.sparseThresholdBytes = int(4 * WordsForCount(h.m))
	h.mergeSizeBytes = h.sparseThresholdBytes / 4

	if sp == 0 {
		var err error
		if h.bigM, err = NewRegisterSet(h.m); err != nil {
			return nil, err
		}
		return h, nil
	}

	if err := h.initSparse(); err != nil {
		return nil, err
	}
	return h, nil
}

func validateParams(p, sp uint) error {
	if p < minP || p > maxP {
		return errors.Wrapf(ErrInvalidPrecision, "p must be in the range [%d,%d], got %d", minP, maxP, p)
	}
	if sp != 0 && (sp < p || sp > maxSparseP) {
		return errors.Wrapf(ErrInvalidPrecision, "sp must be 0 or in the range [p,%d], got p=%d sp=%d", maxSparseP, p, sp)
	}
	return nil
}

func (h *Hll) initSparse() error {
	var err error
	h.isSparse = true
	if h.sparseList, err = newSparseList(h.pool); err != nil {
		return err
	}
	if h.tempSet, err = chunked.NewWithFallback(0, h.pool); err != nil {
		h.sparseList.Free()
		return err
	}
	return nil
}

// P returns the precision of the dense case.
func (h *Hll) P() uint {
	return h.p
}

// SP returns the precision of the sparse case, 0 if there is none.
func (h *Hll) SP() uint {
	return h.sp
}

// IsSparse reports whether the estimator still uses the sparse representation.
func (h *Hll) IsSparse() bool {
	return h.isSparse
}

// Offer takes a hash and updates the cardinality estimation data structures. It reports whether
// the estimator changed.
//
// The input should be a hash of whatever type you're estimating of. For example, if you're
// estimating the cardinality of a stream of strings, you'd pass the hash of each string to this
// function.
//
// In the sparse case only entries already merged into the sparse list are known to be redundant.
// Repeating a hash that is still waiting in the temp set reports a change until the temp set is
// merged, which happens once it reaches a quarter of the dense size, or on Cardinality.
func (h *Hll) Offer(x uint64) bool {
	if !h.isSparse {
		return h.offerNormal(x)
	}

	k := encodeHash(x, h.p, h.sp)
	if h.sparseList.covers(k) {
		return false
	}
	// Growth only fails on pool exhaustion, which fallback buffers absorb.
	if err := h.tempSet.Append(k); err != nil {
		panic(err)
	}
	if 4*h.tempSet.Len() > h.mergeSizeBytes {
		if err := h.mergeTmpSetIfAny(); err != nil {
			panic(err)
		}
	}
	return true
}

func (h *Hll) offerNormal(x uint64) bool {
	idx := x >> (64 - h.p)
	return h.bigM.UpdateIfGreater(idx, capRank(rank(x, h.p)))
}

func (h *Hll) mergeTmpSetIfAny() error {
	if !h.isSparse || h.tempSet.Len() == 0 {
		return nil
	}
	if err := SortEncodedSet(h.tempSet, h.tempSet.Len()); err != nil {
		return err
	}

	merged, err := newSparseList(h.pool)
	if err != nil {
		return err
	}
	if err := merge(merged, h.sparseList.GetIterator(), h.tempSet.Iterator()); err != nil {
		merged.Free()
		return err
	}
	h.sparseList.Free()
	h.sparseList = merged
	h.tempSet.Reset()

	return h.switchToNormalIfLarge()
}

func (h *Hll) switchToNormalIfLarge() error {
	if h.sparseList.SizeInBytes() > h.sparseThresholdBytes {
		return h.switchToNormal()
	}
	return nil
}

// Converts to the dense case, including anything still in the temp set.
func (h *Hll) switchToNormal() error {
	M, err := toNormal(concatIts(h.sparseList.GetIterator(), h.tempSet.Iterator()), h.p, h.sp)
	if err != nil {
		return err
	}
	h.freeSparse()
	h.bigM = M
	h.isSparse = false
	return nil
}

func (h *Hll) freeSparse() {
	if h.sparseList != nil {
		h.sparseList.Free()
		h.sparseList = nil
	}
	if h.tempSet != nil {
		h.tempSet.Free()
		h.tempSet = nil
	}
}

// Free hands the estimator's pooled chunks back to the pool. The estimator must not be used
// afterwards.
func (h *Hll) Free() {
	h.freeSparse()
	h.bigM = nil
}

// Merge returns a new estimator for the union of h and others. None of the inputs is modified.
// This allows you to parallelize cardinality estimation: each thread can process a shard of the
// input, then the results can be merged later to give the cardinality of the entire data set.
//
// All inputs must have the same p and sp, or ErrParameterMismatch is returned.
func (h *Hll) Merge(others ...*Hll) (*Hll, error) {
	for _, other := range others {
		if err := h.checkParams(other); err != nil {
			return nil, err
		}
	}

	merged, err := h.Copy()
	if err != nil {
		return nil, err
	}
	for _, other := range others {
		if err := merged.AddAll(other); err != nil {
			merged.Free()
			return nil, err
		}
	}
	return merged, nil
}

// AddAll merges other into h. Only h is modified.
//
// The inputs must have the same p and sp, or ErrParameterMismatch is returned.
// The Google paper doesn't give an algorithm for this operation, but its existence is implied, and
// the ability to do this combine operation is one of the main benefits of using a HyperLogLog-type
// algorithm in the first place.
func (h *Hll) AddAll(other *Hll) error {
	if err := h.checkParams(other); err != nil {
		return err
	}
	if h == other {
		return nil
	}

	// If the other Hll is normal (not sparse), then the union will be normal. If this Hll isn't
	// also normal, do the conversion now.
	if h.isSparse && !other.isSparse {
		if err := h.switchToNormal(); err != nil {
			return err
		}
	}

	if h.isSparse && other.isSparse { // Case 1: both inputs are sparse
		it := concatIts(other.sparseList.GetIterator(), other.tempSet.Iterator())
		for k, ok := it(); ok; k, ok = it() {
			if err := h.tempSet.Append(k); err != nil {
				return err
			}
		}
		return h.mergeTmpSetIfAny()
	} else if !h.isSparse && !other.isSparse { // Case 2: both inputs are normal
		return h.bigM.Merge(other.bigM)
	} else { // Case 3: h is normal, other is sparse
		it := concatIts(other.sparseList.GetIterator(), other.tempSet.Iterator())
		for k, ok := it(); ok; k, ok = it() {
			index, r := decodeHash(k, h.p, h.sp)
			h.bigM.UpdateIfGreater(index, r)
		}
	}
	return nil
}

func (h *Hll) checkParams(other *Hll) error {
	if h.p != other.p || h.sp != other.sp {
		return errors.Wrapf(ErrParameterMismatch, "p=%d/%d, sp=%d/%d", h.p, other.p, h.sp, other.sp)
	}
	return nil
}

// Copy returns an independent estimator with the same state. Its chunks come from the same pool.
func (h *Hll) Copy() (*Hll, error) {
	c := *h
	c.bigM, c.sparseList, c.tempSet = nil, nil, nil
	if !h.isSparse {
		c.bigM = h.bigM.Copy()
		return &c, nil
	}

	var err error
	if c.sparseList, err = h.sparseList.Copy(h.pool); err != nil {
		return nil, err
	}
	if c.tempSet, err = chunked.NewWithFallback(0, h.pool); err != nil {
		c.sparseList.Free()
		return nil, err
	}
	if err := c.tempSet.CopyFrom(h.tempSet, h.tempSet.Len()); err != nil {
		c.freeSparse()
		return nil, err
	}
	return &c, nil
}

// Equal reports whether both estimators have the same parameters, representation and content.
// Pending temp set entries of both are merged first.
func (h *Hll) Equal(other *Hll) bool {
	if h.p != other.p || h.sp != other.sp {
		return false
	}
	if h.mergeTmpSetIfAny() != nil || other.mergeTmpSetIfAny() != nil {
		return false
	}
	if h.isSparse != other.isSparse {
		return false
	}
	if h.isSparse {
		return h.sparseList.buf.Equal(other.sparseList.buf)
	}
	return h.bigM.Equal(other.bigM)
}

// Returns the estimated cardinality (the number of unique inputs seen so far).
func (h *Hll) Cardinality() uint64 {
	// This allows us to interleave adding new inputs with cardinality calculations. Without it
	// the temp set could grow without the sparse list ever being converted to dense.
	if err := h.mergeTmpSetIfAny(); err != nil {
		panic(err)
	}

	if h.isSparse {
		return h.cardinalityLC()
	}
	return h.cardinalityNormal()
}

// Uses linear counting over the 2^sp virtual registers to determine the cardinality for the
// sparse case.
func (h *Hll) cardinalityLC() uint64 {
	return linearCounting(h.mPrime, h.mPrime-uint64(h.sparseList.GetNumElements()))
}

// Returns the cardinality estimate for the dense case.
func (h *Hll) cardinalityNormal() uint64 {
	inverseSum := float64(0)
	V := uint64(0)

	// calculate the harmonic mean of the values in the registers.
	h.bigM.forEach(func(_ uint64, registerVal uint8) bool {
		inverseSum += 1 / float64(uint64(1)<<registerVal)
		if registerVal == 0 {
			V++
		}
		return true
	})
	m := float64(h.m)
	e := h.alpha * m * m / inverseSum

	// Small range correction: while registers are still empty, linear counting is more accurate
	// than the raw estimate. Hashes are 64 bits, so there is no large range correction.
	if e <= 2.5*m && V != 0 {
		return linearCounting(h.m, V)
	}
	return roundFloatToUint64(e)
}

// Returns linear counting cardinality estimate.
func linearCounting(m, v uint64) uint64 {
	count := float64(m) * math.Log(float64(m)/float64(v))
	return roundFloatToUint64(count)
}

func roundFloatToUint64(value float64) uint64 {
	return uint64(math.Round(value))
}
