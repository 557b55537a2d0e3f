package hll

import (
	"sort"

	"github.com/lytics/hll/v2/chunked"
	"github.com/lytics/hll/v2/internal/varint"
)

// sparseList is an ascending list of encoded hashes with one entry per sparse index. It keeps
// track of the size the list takes when each entry is written as a varint delta from the previous
// one, which is both its serialized form and what decides when to switch to the dense case.
type sparseList struct {
	buf         *chunked.Buffer
	lastVal     uint32
	sizeInBytes int
}

func newSparseList(pool *chunked.Pool) (*sparseList, error) {
	buf, err := chunked.NewWithFallback(0, pool)
	if err != nil {
		return nil, err
	}
	return &sparseList{buf: buf}, nil
}

func (s *sparseList) Copy(pool *chunked.Pool) (*sparseList, error) {
	buf, err := chunked.NewWithFallback(0, pool)
	if err != nil {
		return nil, err
	}
	if err := buf.CopyFrom(s.buf, s.buf.Len()); err != nil {
		buf.Free()
		return nil, err
	}
	return &sparseList{
		buf:         buf,
		lastVal:     s.lastVal,
		sizeInBytes: s.sizeInBytes,
	}, nil
}

// Add appends x, which must be larger than every entry already in the list.
func (s *sparseList) Add(x uint32) error {
	if err := s.buf.Append(x); err != nil {
		return err
	}
	s.sizeInBytes += varint.Size(x - s.lastVal)
	s.lastVal = x
	return nil
}

func (s *sparseList) SizeInBytes() int {
	return s.sizeInBytes
}

func (s *sparseList) GetNumElements() int {
	return s.buf.Len()
}

// Returns a function that can be called repeatedly to yield values from the list.
func (s *sparseList) GetIterator() u32It {
	return s.buf.Iterator()
}

// Reports whether the list already holds k's index with a rank at least as large as k's, in which
// case adding k would change nothing.
func (s *sparseList) covers(k uint32) bool {
	n := s.buf.Len()
	i := sort.Search(n, func(i int) bool { return s.buf.At(i) >= k })
	return i < n && sparseIndex(s.buf.At(i)) == sparseIndex(k)
}

// Appends the varint delta encoding of the list to dst.
func (s *sparseList) appendDeltas(dst []byte) []byte {
	var last uint32
	it := s.GetIterator()
	for k, ok := it(); ok; k, ok = it() {
		dst = varint.AppendUint32(dst, k-last)
		last = k
	}
	return dst
}

func (s *sparseList) Free() {
	s.buf.Free()
}
