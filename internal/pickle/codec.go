package pickle

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrCorruptedPickle      = errors.New("corrupted pickle")
	ErrUnknownPickleVersion = errors.New("unknown pickle version")
)

// Writer appends fixed-layout fields. Integers are big-endian.
type Writer struct {
	buf []byte
}

func NewWriter(version uint32) *Writer {
	w := &Writer{}
	w.Uint32(version)
	return w
}

func (w *Writer) Uint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) Bool(v bool) {
	if v {
		w.Uint8(1)
		return
	}
	w.Uint8(0)
}

func (w *Writer) Uint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

// Fixed writes b without a length prefix.
func (w *Writer) Fixed(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

// Reader consumes what Writer produced. The first failure sticks and
// every later read returns zero values.
type Reader struct {
	buf []byte
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrCorruptedPickle, fmt.Sprintf(format, args...))
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf) < n {
		r.fail("need %d bytes, have %d", n, len(r.buf))
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

// Version reads the leading version and checks it against supported.
func (r *Reader) Version(supported ...uint32) uint32 {
	v := r.Uint32()
	if r.err != nil {
		return 0
	}
	for _, s := range supported {
		if v == s {
			return v
		}
	}
	r.err = fmt.Errorf("%w: %d", ErrUnknownPickleVersion, v)
	return 0
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool {
	switch r.Uint8() {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("bad bool")
		return false
	}
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) Fixed(dst []byte) {
	b := r.take(len(dst))
	if b != nil {
		copy(dst, b)
	}
}

// Count reads a collection length no greater than max.
func (r *Reader) Count(max int) int {
	n := r.Uint32()
	if r.err != nil {
		return 0
	}
	if int64(n) > int64(max) {
		r.fail("count %d exceeds %d", n, max)
		return 0
	}
	return int(n)
}

func (r *Reader) Err() error {
	return r.err
}

// Finish reports the sticky error, or trailing bytes as corruption.
func (r *Reader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if len(r.buf) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorruptedPickle, len(r.buf))
	}
	return nil
}
