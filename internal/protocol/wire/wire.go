package wire

import (
	"errors"
	"fmt"
	"math/bits"
)

// MaxUint is the largest value AppendUint can represent: 5 header bits plus
// 7 trailing bytes.
const MaxUint uint64 = 1<<61 - 1

var (
	ErrTruncated      = errors.New("wire: truncated data")
	ErrLengthOverflow = errors.New("wire: length exceeds buffer")
)

// AppendUint appends n as a self-describing big-endian integer of 1-8 bytes.
//
// The header byte carries the trailing byte count in its top 3 bits and the
// most significant 5 bits of n in the rest. Zero is a single zero byte.
func AppendUint(dst []byte, n uint64) []byte {
	if n == 0 {
		return append(dst, 0)
	}
	if n > MaxUint {
		panic(fmt.Sprintf("wire: uint %d exceeds MaxUint", n))
	}
	width := bits.Len64(n)
	extra := (width + 2) / 8
	dst = append(dst, byte(extra<<5)|byte(n>>(uint(extra)*8))&0x1F)
	for extra > 0 {
		extra--
		dst = append(dst, byte(n>>(uint(extra)*8)))
	}
	return dst
}

// UintLen returns the encoded size of n.
func UintLen(n uint64) int {
	if n == 0 {
		return 1
	}
	return 1 + (bits.Len64(n)+2)/8
}

// AppendBytes appends b prefixed by its length.
func AppendBytes(dst []byte, b []byte) []byte {
	dst = AppendUint(dst, uint64(len(b)))
	return append(dst, b...)
}

// AppendString appends s prefixed by its byte length. No terminator, no escaping.
func AppendString(dst []byte, s string) []byte {
	dst = AppendUint(dst, uint64(len(s)))
	return append(dst, s...)
}

// Reader is a cursor over one received frame.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) Byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, ErrTruncated
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

// Uint reads one AppendUint value and advances by 1+extra bytes.
func (r *Reader) Uint() (uint64, error) {
	head, err := r.Byte()
	if err != nil {
		return 0, err
	}
	extra := int(head >> 5)
	if r.Remaining() < extra {
		return 0, ErrTruncated
	}
	value := uint64(head & 0x1F)
	for i := 0; i < extra; i++ {
		value = value<<8 | uint64(r.buf[r.off])
		r.off++
	}
	return value, nil
}

// BinaryString reads a length-prefixed byte string. The returned slice
// aliases the frame buffer.
func (r *Reader) BinaryString() ([]byte, error) {
	n, err := r.Uint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, fmt.Errorf("%w: need=%d have=%d", ErrTruncated, n, r.Remaining())
	}
	out := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return out, nil
}

func (r *Reader) String() (string, error) {
	b, err := r.BinaryString()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Count reads an element count and rejects counts that cannot fit in the
// remaining bytes, given each element occupies at least minSize bytes.
func (r *Reader) Count(minSize int) (int, error) {
	n, err := r.Uint()
	if err != nil {
		return 0, err
	}
	if minSize < 1 {
		minSize = 1
	}
	if n > uint64(r.Remaining()/minSize) {
		return 0, fmt.Errorf("%w: count=%d remaining=%d", ErrLengthOverflow, n, r.Remaining())
	}
	return int(n), nil
}
