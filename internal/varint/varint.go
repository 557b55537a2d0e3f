// Package varint encodes unsigned 32-bit integers as little-endian groups of 7 bits. Every byte
// but the last has its high bit set. The wire format matches encoding/binary's uvarint for
// values that fit in 32 bits, but decoding tolerates (and discards) up to 64 bits of input so
// that values written by 64-bit encoders can still be read back, truncated to their low 32 bits.
package varint

import (
	"io"

	"github.com/pkg/errors"
)

// MaxLen32 is the maximum number of bytes WriteUint32 emits.
const MaxLen32 = 5

// maxGroups is the number of 7-bit groups covering 64 bits. A varint that has not terminated
// after this many bytes is corrupt.
const maxGroups = 10

var (
	// ErrTruncated means the input ended before a terminating byte was found. More bytes
	// might make the input valid.
	ErrTruncated = errors.New("varint: input ended in the middle of a value")

	// ErrMalformed means the input can never be a valid varint.
	ErrMalformed = errors.New("varint: malformed value")
)

// Size returns the number of bytes needed to encode v.
func Size(v uint32) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendUint32 appends the encoding of v to dst and returns the extended slice.
func AppendUint32(dst []byte, v uint32) []byte {
	for v&^0x7f != 0 {
		dst = append(dst, byte(v&0x7f)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// PutUint32 encodes v into buf, which must be at least Size(v) bytes long, and returns the
// number of bytes written.
func PutUint32(buf []byte, v uint32) int {
	i := 0
	for v&^0x7f != 0 {
		buf[i] = byte(v&0x7f) | 0x80
		v >>= 7
		i++
	}
	buf[i] = byte(v)
	return i + 1
}

// WriteUint32 writes the encoding of v to w.
func WriteUint32(w io.ByteWriter, v uint32) error {
	for v&^0x7f != 0 {
		if err := w.WriteByte(byte(v&0x7f) | 0x80); err != nil {
			return err
		}
		v >>= 7
	}
	return w.WriteByte(byte(v))
}

// ReadUint32 reads one value from r. It returns ErrTruncated if r is exhausted before the
// value terminates, and ErrMalformed if more than 10 bytes are consumed.
func ReadUint32(r io.ByteReader) (uint32, error) {
	var result uint32
	for i := 0; i < maxGroups; i++ {
		b, err := r.ReadByte()
		if err == io.EOF {
			return 0, ErrTruncated
		} else if err != nil {
			return 0, err
		}
		if i < MaxLen32 {
			result |= uint32(b&0x7f) << (7 * uint(i))
		}
		if b&0x80 == 0 {
			return result, nil
		}
	}
	return 0, ErrMalformed
}

// Uint32 decodes one value from the front of buf and returns it along with the number of bytes
// consumed.
func Uint32(buf []byte) (uint32, int, error) {
	var result uint32
	for i := 0; i < maxGroups; i++ {
		if i >= len(buf) {
			return 0, 0, ErrTruncated
		}
		b := buf[i]
		if i < MaxLen32 {
			result |= uint32(b&0x7f) << (7 * uint(i))
		}
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
	}
	return 0, 0, ErrMalformed
}
