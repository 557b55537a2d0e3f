package hll

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/lytics/hll/v2/internal/varint"
)

// Binary layout:
//
//	byte 0   format: high nibble version, low nibble representation
//	byte 1   p
//	byte 2   sp
//	normal:  varint word count, then the register words as 4 byte little endian integers
//	sparse:  varint entry count, then varint deltas of the ascending entries, the first from 0
const (
	formatVersion = 1
	formatNormal  = formatVersion<<4 | 1
	formatSparse  = formatVersion<<4 | 2
	headerLen     = 3
)

var (
	// ErrTruncated is returned when serialized input ends early.
	ErrTruncated = errors.New("hll: truncated input")

	// ErrMalformed is returned for serialized input that cannot have been produced by ToBytes.
	ErrMalformed = errors.New("hll: malformed input")
)

// BinarySize returns the length of ToBytes' output. Pending temp set entries are merged first.
func (h *Hll) BinarySize() (int, error) {
	if err := h.mergeTmpSetIfAny(); err != nil {
		return 0, err
	}
	if h.isSparse {
		n := h.sparseList.GetNumElements()
		return headerLen + varint.Size(uint32(n)) + h.sparseList.SizeInBytes(), nil
	}
	words := len(h.bigM.Words())
	return headerLen + varint.Size(uint32(words)) + 4*words, nil
}

// ToBytes serializes the estimator. Pending temp set entries are merged first, which may switch
// the estimator to the dense case.
func (h *Hll) ToBytes() ([]byte, error) {
	size, err := h.BinarySize()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, size)

	if h.isSparse {
		buf = append(buf, formatSparse, byte(h.p), byte(h.sp))
		buf = varint.AppendUint32(buf, uint32(h.sparseList.GetNumElements()))
		return h.sparseList.appendDeltas(buf), nil
	}

	buf = append(buf, formatNormal, byte(h.p), byte(h.sp))
	words := h.bigM.Words()
	buf = varint.AppendUint32(buf, uint32(len(words)))
	for _, w := range words {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	return buf, nil
}

// FromBytes deserializes an estimator written by ToBytes. Options apply as they do for New.
func FromBytes(buf []byte, opts ...Option) (*Hll, error) {
	r := bytes.NewReader(buf)
	h, err := readHll(r, opts)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		h.Free()
		return nil, errors.Wrapf(ErrMalformed, "%d trailing bytes", r.Len())
	}
	return h, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (h *Hll) MarshalBinary() ([]byte, error) {
	return h.ToBytes()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Chunks come from the pool h was built
// with, if any.
func (h *Hll) UnmarshalBinary(data []byte) error {
	rt, err := FromBytes(data, WithPool(h.pool))
	if err != nil {
		return err
	}
	h.Free()
	*h = *rt
	return nil
}

// WriteTo implements io.WriterTo.
func (h *Hll) WriteTo(w io.Writer) (int64, error) {
	buf, err := h.ToBytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadFrom implements io.ReaderFrom. It reads exactly one serialized estimator from r and
// replaces the state of h with it.
func (h *Hll) ReadFrom(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	rt, err := readHll(cr, []Option{WithPool(h.pool)})
	if err != nil {
		return cr.n, err
	}
	h.Free()
	*h = *rt
	return cr.n, nil
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

// countingReader reads one byte at a time so that nothing past the estimator is consumed.
type countingReader struct {
	r   io.Reader
	n   int64
	buf [1]byte
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(c, c.buf[:]); err != nil {
		return 0, err
	}
	return c.buf[0], nil
}

func readHll(r byteReader, opts []Option) (*Hll, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, readErr(err)
	}
	format, p, sp := header[0], uint(header[1]), uint(header[2])
	if format != formatNormal && format != formatSparse {
		return nil, errors.Wrapf(ErrMalformed, "unknown format %#x", format)
	}
	if err := validateParams(p, sp); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if format == formatSparse && sp == 0 {
		return nil, errors.Wrap(ErrMalformed, "sparse payload without sparse precision")
	}

	h, err := New(p, sp, opts...)
	if err != nil {
		return nil, err
	}
	if format == formatSparse {
		err = h.readSparse(r)
	} else {
		err = h.readNormal(r)
	}
	if err != nil {
		h.Free()
		return nil, err
	}
	return h, nil
}

func (h *Hll) readNormal(r byteReader) error {
	n, err := varint.ReadUint32(r)
	if err != nil {
		return readErr(err)
	}
	if uint64(n) != WordsForCount(h.m) {
		return errors.Wrapf(ErrMalformed, "%d register words for p=%d", n, h.p)
	}

	// A dense estimator already has zeroed registers to read into.
	var words []uint32
	if h.bigM != nil {
		words = h.bigM.words
	} else {
		words = make([]uint32, n)
	}
	var buf [4]byte
	for i := range words {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return readErr(err)
		}
		words[i] = binary.LittleEndian.Uint32(buf[:])
	}

	M, err := registerSetFromWords(h.m, words)
	if err != nil {
		return err
	}
	h.freeSparse()
	h.bigM = M
	h.isSparse = false
	return nil
}

func (h *Hll) readSparse(r byteReader) error {
	n, err := varint.ReadUint32(r)
	if err != nil {
		return readErr(err)
	}
	if uint64(n) > h.mPrime {
		return errors.Wrapf(ErrMalformed, "%d entries for sp=%d", n, h.sp)
	}

	var last uint64
	for i := uint32(0); i < n; i++ {
		delta, err := varint.ReadUint32(r)
		if err != nil {
			return readErr(err)
		}
		k := last + uint64(delta)
		switch {
		case k > 1<<32-1:
			return errors.Wrapf(ErrMalformed, "entry %d overflows", i)
		case i > 0 && sparseIndex(uint32(k)) <= sparseIndex(uint32(last)):
			return errors.Wrapf(ErrMalformed, "entry %d is out of order", i)
		case !validEntry(uint32(k), h.p, h.sp):
			return errors.Wrapf(ErrMalformed, "entry %d (%#x) is invalid for p=%d sp=%d", i, k, h.p, h.sp)
		}
		if err := h.sparseList.Add(uint32(k)); err != nil {
			return err
		}
		last = k
	}
	return h.switchToNormalIfLarge()
}

func readErr(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, varint.ErrTruncated):
		return errors.Wrap(ErrTruncated, err.Error())
	case errors.Is(err, varint.ErrMalformed):
		return errors.Wrap(ErrMalformed, err.Error())
	}
	return err
}

// When marshalling an Hll to JSON, the binary form is compressed and kept next to the parameters.
type jsonableHll struct {
	P  uint   `json:"p"`
	SP uint   `json:"sp"`
	B  string `json:"b"`
}

// Convert the Hll struct into JSON.
func (h *Hll) MarshalJSON() ([]byte, error) {
	buf, err := h.ToBytes()
	if err != nil {
		return nil, err
	}
	compressed, err := snappyB64(buf)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&jsonableHll{h.p, h.sp, string(compressed)})
}

// Unmarshals JSON byte-array into a Hll struct.
func (h *Hll) UnmarshalJSON(buf []byte) error {
	j := jsonableHll{}
	if err := json.Unmarshal(buf, &j); err != nil {
		return err
	}

	uncompressed, err := unsnappyB64([]byte(j.B))
	if err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	rt, err := FromBytes(uncompressed, WithPool(h.pool))
	if err != nil {
		return err
	}
	if rt.p != j.P || rt.sp != j.SP {
		rt.Free()
		return errors.Wrapf(ErrMalformed, "payload has p=%d sp=%d, json has p=%d sp=%d", rt.p, rt.sp, j.P, j.SP)
	}
	h.Free()
	*h = *rt
	return nil
}

// Compress the input using snappy and encode the result using URL-safe base64.
func snappyB64(in []byte) ([]byte, error) {
	compressed := snappy.Encode(nil, in)
	outBuf := make([]byte, base64.URLEncoding.EncodedLen(len(compressed)))
	base64.URLEncoding.Encode(outBuf, compressed)
	return outBuf, nil
}

// The inverse of snappyB64.
func unsnappyB64(in []byte) ([]byte, error) {
	unBase64ed := make([]byte, base64.URLEncoding.DecodedLen(len(in)))
	n, err := base64.URLEncoding.Decode(unBase64ed, in)
	if err != nil {
		return nil, err
	}

	uncompressed, err := snappy.Decode(nil, unBase64ed[:n])
	if err != nil {
		return nil, err
	}

	// The snappy library returns nil when the output length is zero.
	if uncompressed == nil {
		uncompressed = []byte{}
	}
	return uncompressed, nil
}
