// Package wire implements the SSH binary wire encodings and packet framing
// defined by RFC 4251 section 5 and RFC 4253 section 6.
package wire

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
)

// ErrTruncated is returned when a buffer ends before a field is fully read.
var ErrTruncated = fmt.Errorf("wire: truncated field")

// Reader decodes SSH wire-format fields from an in-memory payload.
//
// A Reader never returns partial reads: every method either consumes
// exactly the bytes it describes or returns ErrTruncated, leaving the
// cursor unspecified.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps buf for sequential field decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// Rest returns the remaining unread bytes without consuming them.
func (r *Reader) Rest() []byte {
	return r.buf[r.off:]
}

// Byte reads a single raw byte (used for the packet's message-type byte).
func (r *Reader) Byte() (byte, error) {
	if r.Len() < 1 {
		return 0, ErrTruncated
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

// RawBytes reads exactly n raw bytes (used for the KEXINIT cookie).
func (r *Reader) RawBytes(n int) ([]byte, error) {
	if r.Len() < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Uint32 reads a big-endian u32.
func (r *Reader) Uint32() (uint32, error) {
	if r.Len() < 4 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// Bool reads a single boolean byte: 0 is false, anything else is true.
func (r *Reader) Bool() (bool, error) {
	b, err := r.Byte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// String reads a u32-length-prefixed byte string. The contents may be
// arbitrary binary data, not necessarily UTF-8.
func (r *Reader) String() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	return r.RawBytes(int(n))
}

// Utf8 reads a length-prefixed string and returns it as Go string.
func (r *Reader) Utf8() (string, error) {
	b, err := r.String()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Mpint reads an SSH mpint: a length-prefixed two's-complement big-endian
// signed integer, and returns it as a big.Int.
func (r *Reader) Mpint() (*big.Int, error) {
	b, err := r.String()
	if err != nil {
		return nil, err
	}
	n := new(big.Int)
	if len(b) == 0 {
		return n, nil
	}
	if b[0]&0x80 != 0 {
		// Negative: two's complement. Not produced or expected by this
		// server (shared secrets are always encoded non-negative), but
		// decoded correctly for completeness.
		inv := make([]byte, len(b))
		for i, c := range b {
			inv[i] = ^c
		}
		n.SetBytes(inv)
		n.Add(n, big.NewInt(1))
		n.Neg(n)
		return n, nil
	}
	n.SetBytes(b)
	return n, nil
}

// NameList reads a name-list: a string whose contents are comma-separated
// ASCII identifiers. Empty elements (e.g. from an empty string) are
// dropped.
func (r *Reader) NameList() ([]string, error) {
	s, err := r.Utf8()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	var names []string
	for _, n := range strings.Split(s, ",") {
		if n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}

// Writer encodes SSH wire-format fields into a growing byte buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Byte appends a single raw byte.
func (w *Writer) Byte(b byte) *Writer {
	w.buf = append(w.buf, b)
	return w
}

// RawBytes appends raw bytes with no length prefix.
func (w *Writer) RawBytes(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// Uint32 appends a big-endian u32.
func (w *Writer) Uint32(v uint32) *Writer {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

// Bool appends a boolean byte: 0 for false, 1 for true.
func (w *Writer) Bool(v bool) *Writer {
	if v {
		return w.Byte(1)
	}
	return w.Byte(0)
}

// String appends a u32-length-prefixed byte string.
func (w *Writer) String(b []byte) *Writer {
	w.Uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
	return w
}

// Utf8 appends a length-prefixed string.
func (w *Writer) Utf8(s string) *Writer {
	return w.String([]byte(s))
}

// Mpint appends an SSH mpint: a length-prefixed two's-complement
// big-endian encoding of a non-negative big.Int, with a leading 0x00
// byte inserted iff the high bit of the first byte would otherwise be
// set.
func (w *Writer) Mpint(n *big.Int) *Writer {
	if n.Sign() == 0 {
		return w.String(nil)
	}
	b := n.Bytes()
	if b[0]&0x80 != 0 {
		padded := make([]byte, len(b)+1)
		copy(padded[1:], b)
		b = padded
	}
	return w.String(b)
}

// MpintFromBytes wraps a big-endian non-negative magnitude (e.g. a raw
// Curve25519 shared-secret point) as an mpint, per the same leading-0x00
// rule as Mpint.
func MpintFromBytes(mag []byte) []byte {
	// Strip leading zero bytes so the high-bit test below is meaningful;
	// an all-zero magnitude collapses to the empty string (value 0).
	i := 0
	for i < len(mag) && mag[i] == 0 {
		i++
	}
	b := mag[i:]
	w := NewWriter()
	if len(b) == 0 {
		w.String(nil)
		return w.Bytes()
	}
	if b[0]&0x80 != 0 {
		padded := make([]byte, len(b)+1)
		copy(padded[1:], b)
		b = padded
	}
	w.String(b)
	return w.Bytes()
}

// NameList appends a name-list: a string of comma-joined identifiers.
func (w *Writer) NameList(names []string) *Writer {
	return w.Utf8(strings.Join(names, ","))
}
