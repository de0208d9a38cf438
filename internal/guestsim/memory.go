package guestsim

import "encoding/binary"

const pageSize = 65536

// Memory is a little-endian byte slice with the accessors of wazero's
// api.Memory. Out-of-range accesses report false.
type Memory struct {
	buf []byte
}

// NewMemory allocates pages of 64KiB.
func NewMemory(pages uint32) *Memory {
	return &Memory{buf: make([]byte, pages*pageSize)}
}

func (m *Memory) Size() uint32 { return uint32(len(m.buf)) }

func (m *Memory) has(offset, n uint32) bool {
	return uint64(offset)+uint64(n) <= uint64(len(m.buf))
}

// Read returns a view of [offset, offset+byteCount).
func (m *Memory) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.has(offset, byteCount) {
		return nil, false
	}
	return m.buf[offset : offset+byteCount : offset+byteCount], true
}

func (m *Memory) Write(offset uint32, v []byte) bool {
	if !m.has(offset, uint32(len(v))) {
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

func (m *Memory) WriteString(offset uint32, v string) bool {
	if !m.has(offset, uint32(len(v))) {
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

func (m *Memory) ReadByte(offset uint32) (byte, bool) {
	if !m.has(offset, 1) {
		return 0, false
	}
	return m.buf[offset], true
}

func (m *Memory) WriteByte(offset uint32, v byte) bool {
	if !m.has(offset, 1) {
		return false
	}
	m.buf[offset] = v
	return true
}

func (m *Memory) ReadUint16Le(offset uint32) (uint16, bool) {
	if !m.has(offset, 2) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(m.buf[offset:]), true
}

func (m *Memory) WriteUint16Le(offset uint32, v uint16) bool {
	if !m.has(offset, 2) {
		return false
	}
	binary.LittleEndian.PutUint16(m.buf[offset:], v)
	return true
}

func (m *Memory) ReadUint32Le(offset uint32) (uint32, bool) {
	if !m.has(offset, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.buf[offset:]), true
}

func (m *Memory) WriteUint32Le(offset, v uint32) bool {
	if !m.has(offset, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.buf[offset:], v)
	return true
}

func (m *Memory) ReadUint64Le(offset uint32) (uint64, bool) {
	if !m.has(offset, 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.buf[offset:]), true
}

func (m *Memory) WriteUint64Le(offset uint32, v uint64) bool {
	if !m.has(offset, 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.buf[offset:], v)
	return true
}

// MustRead is Read that panics on out-of-range access. Test helper.
func (m *Memory) MustRead(offset, byteCount uint32) []byte {
	b, ok := m.Read(offset, byteCount)
	if !ok {
		panic("guestsim: read out of range")
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// MustU32 reads a u32 and panics on out-of-range access. Test helper.
func (m *Memory) MustU32(offset uint32) uint32 {
	v, ok := m.ReadUint32Le(offset)
	if !ok {
		panic("guestsim: read out of range")
	}
	return v
}
