package wasmbuild

import (
	"bytes"
	"encoding/binary"
)

// Writer provides buffered writing utilities for WASM binary encoding.
type Writer struct {
	buf bytes.Buffer
}

// Bytes returns the written bytes.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// Len returns the number of bytes written.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Byte writes a single byte.
func (w *Writer) Byte(b ...byte) {
	w.buf.Write(b)
}

// U32 writes an unsigned LEB128 encoded uint32.
func (w *Writer) U32(v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.buf.WriteByte(b)
		if v == 0 {
			break
		}
	}
}

// S32 writes a signed LEB128 encoded int32.
func (w *Writer) S32(v int32) {
	x := int64(v)
	more := true
	for more {
		b := byte(x & 0x7f)
		x >>= 7
		if (x == 0 && (b&0x40) == 0) || (x == -1 && (b&0x40) != 0) {
			more = false
		} else {
			b |= 0x80
		}
		w.buf.WriteByte(b)
	}
}

// Name writes a UTF-8 encoded name (length-prefixed).
func (w *Writer) Name(s string) {
	w.U32(uint32(len(s)))
	w.buf.WriteString(s)
}

// U32LE writes a little-endian uint32 (fixed 4 bytes).
func (w *Writer) U32LE(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.buf.Write(buf[:])
}

// Vec writes a length-prefixed byte vector.
func (w *Writer) Vec(data []byte) {
	w.U32(uint32(len(data)))
	w.buf.Write(data)
}
