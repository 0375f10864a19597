package binlog

import (
	"bytes"

	"github.com/juju/errors"
)

// reader is a cursor over exactly one record's bytes. The first
// out-of-bounds access records a sticky error wrapping ErrTruncatedRecord,
// after which every read returns the zero value.
type reader struct {
	buf []byte
	off int
	err error
}

func newReader(b []byte) *reader {
	return &reader{buf: b}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) ensure(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || n > r.remaining() {
		r.err = errors.Annotatef(ErrTruncatedRecord, "need %d bytes at offset %d, have %d", n, r.off, r.remaining())
		return false
	}
	return true
}

func (r *reader) more() bool {
	return r.err == nil && r.remaining() > 0
}

func (r *reader) peek() byte {
	if !r.ensure(1) {
		return 0
	}
	return r.buf[r.off]
}

func (r *reader) skip(n int) {
	if r.ensure(n) {
		r.off += n
	}
}

// int ---

func (r *reader) int1() byte {
	if !r.ensure(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) int2() uint16 {
	return uint16(r.intFixed(2))
}

func (r *reader) int3() uint32 {
	return uint32(r.intFixed(3))
}

func (r *reader) int4() uint32 {
	return uint32(r.intFixed(4))
}

func (r *reader) int8() uint64 {
	return r.intFixed(8)
}

func (r *reader) intFixed(n int) uint64 {
	if !r.ensure(n) {
		return 0
	}
	var v uint64
	for i, b := range r.buf[r.off : r.off+n] {
		v |= uint64(b) << (uint(i) * 8)
	}
	r.off += n
	return v
}

// https://dev.mysql.com/doc/internals/en/integer.html#length-encoded-integer
func (r *reader) intN() uint64 {
	b := r.int1()
	switch b {
	case 0xfc:
		return uint64(r.int2())
	case 0xfd:
		return uint64(r.int3())
	case 0xfe:
		return r.int8()
	default:
		return uint64(b)
	}
}

// bytes, strings ---

// view returns the next n bytes without copying.
func (r *reader) view(n int) []byte {
	if !r.ensure(n) {
		return nil
	}
	v := r.buf[r.off : r.off+n : r.off+n]
	r.off += n
	return v
}

func (r *reader) bytes(n int) []byte {
	v := r.view(n)
	if v == nil {
		return nil
	}
	return append([]byte(nil), v...)
}

func (r *reader) string(n int) string {
	return string(r.view(n))
}

func (r *reader) bytesNull() []byte {
	if r.err != nil {
		return nil
	}
	i := bytes.IndexByte(r.buf[r.off:], 0)
	if i == -1 {
		r.err = errors.Annotatef(ErrTruncatedRecord, "missing string terminator at offset %d", r.off)
		return nil
	}
	v := append([]byte(nil), r.buf[r.off:r.off+i]...)
	r.off += i + 1
	return v
}

func (r *reader) stringNull() string {
	return string(r.bytesNull())
}

func (r *reader) bytesEOF() []byte {
	return r.bytes(r.remaining())
}

func (r *reader) stringEOF() string {
	return r.string(r.remaining())
}

// string1 reads a string with a one byte length prefix.
func (r *reader) string1() string {
	n := r.int1()
	return r.string(int(n))
}

func (r *reader) stringN() string {
	n := r.intN()
	if r.err != nil {
		return ""
	}
	if n > uint64(r.remaining()) {
		r.ensure(r.remaining() + 1)
		return ""
	}
	return r.string(int(n))
}
