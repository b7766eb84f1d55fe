// Package wire encodes and decodes the fixed-layout big-endian records used
// by image headers and content streams. Every read is bounds-checked; a
// short buffer is reported as ErrShortBuffer instead of a panic.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrShortBuffer is returned when a decoder runs out of input.
	ErrShortBuffer = errors.New("wire: short buffer")
	// ErrFieldTooLong is returned when a value does not fit its fixed field.
	ErrFieldTooLong = errors.New("wire: value too long for field")
)

var order = binary.BigEndian //nolint:gochecknoglobals // the one byte order of every record

// Encoder appends fixed-width fields to a buffer.
type Encoder struct {
	buf []byte
	err error
}

// NewEncoder returns an encoder with capacity for size bytes.
func NewEncoder(size int) *Encoder {
	return &Encoder{buf: make([]byte, 0, size)}
}

func (e *Encoder) U8(v uint8) { e.buf = append(e.buf, v) }

func (e *Encoder) U16(v uint16) { e.buf = order.AppendUint16(e.buf, v) }

func (e *Encoder) U32(v uint32) { e.buf = order.AppendUint32(e.buf, v) }

func (e *Encoder) U64(v uint64) { e.buf = order.AppendUint64(e.buf, v) }

// F64 stores v as its IEEE-754 bit pattern in a u64 field.
func (e *Encoder) F64(v float64) { e.U64(math.Float64bits(v)) }

// Zero appends n zero bytes.
func (e *Encoder) Zero(n int) {
	e.buf = append(e.buf, make([]byte, n)...)
}

// Fixed appends p padded with zeros to width bytes.
func (e *Encoder) Fixed(p []byte, width int) {
	if len(p) > width {
		e.fail(fmt.Errorf("%w: %d > %d", ErrFieldTooLong, len(p), width))
		e.Zero(width)
		return
	}
	e.buf = append(e.buf, p...)
	e.Zero(width - len(p))
}

// String appends s as a NUL-terminated string in a width-byte field. At
// least one terminating NUL must fit.
func (e *Encoder) String(s string, width int) {
	if len(s) >= width {
		e.fail(fmt.Errorf("%w: %q needs %d bytes, field has %d", ErrFieldTooLong, s, len(s)+1, width))
		e.Zero(width)
		return
	}
	e.buf = append(e.buf, s...)
	e.Zero(width - len(s))
}

func (e *Encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// Err returns the first encoding error.
func (e *Encoder) Err() error { return e.err }

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of bytes encoded so far.
func (e *Encoder) Len() int { return len(e.buf) }

// Decoder reads fixed-width fields from a buffer. After the first failure
// every read returns a zero value and Err reports the failure.
type Decoder struct {
	err error
	buf []byte
	off int
}

// NewDecoder returns a decoder over buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, d.off, len(d.buf)-d.off)
		return nil
	}
	p := d.buf[d.off : d.off+n]
	d.off += n
	return p
}

func (d *Decoder) U8() uint8 {
	p := d.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (d *Decoder) U16() uint16 {
	p := d.take(2)
	if p == nil {
		return 0
	}
	return order.Uint16(p)
}

func (d *Decoder) U32() uint32 {
	p := d.take(4)
	if p == nil {
		return 0
	}
	return order.Uint32(p)
}

func (d *Decoder) U64() uint64 {
	p := d.take(8)
	if p == nil {
		return 0
	}
	return order.Uint64(p)
}

func (d *Decoder) F64() float64 { return math.Float64frombits(d.U64()) }

// Fixed returns a copy of the next width bytes.
func (d *Decoder) Fixed(width int) []byte {
	p := d.take(width)
	if p == nil {
		return nil
	}
	return bytes.Clone(p)
}

// String reads a width-byte field and returns its contents up to the first
// NUL.
func (d *Decoder) String(width int) string {
	p := d.take(width)
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}
	return string(p)
}

// Skip advances past n bytes.
func (d *Decoder) Skip(n int) { d.take(n) }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

// Err returns the first decoding error.
func (d *Decoder) Err() error { return d.err }

// PutSize encodes an 8-byte big-endian size prefix.
func PutSize(v uint64) []byte {
	return order.AppendUint64(make([]byte, 0, 8), v)
}

// Size decodes an 8-byte big-endian size prefix.
func Size(p []byte) (uint64, error) {
	if len(p) < 8 {
		return 0, fmt.Errorf("%w: size prefix needs 8 bytes, have %d", ErrShortBuffer, len(p))
	}
	return order.Uint64(p), nil
}
