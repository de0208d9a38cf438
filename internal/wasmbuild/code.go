package wasmbuild

const (
	opUnreachable = 0x00
	opIf          = 0x04
	opElse        = 0x05
	opEnd         = 0x0b
	opReturn      = 0x0f
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opLocalTee    = 0x22
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Load     = 0x28
	opI32Store    = 0x36
	opI32Const    = 0x41
	opI32Eq       = 0x46
	opI32GtU      = 0x4b
	opI32Add      = 0x6a
	opI32Sub      = 0x6b

	blockEmpty = 0x40
)

// Code is a function body under construction. Methods return the receiver
// so instruction sequences read top to bottom.
type Code struct {
	w Writer
}

func (c *Code) Bytes() []byte { return c.w.Bytes() }

func (c *Code) I32Const(v int32) *Code {
	c.w.Byte(opI32Const)
	c.w.S32(v)
	return c
}

func (c *Code) LocalGet(i uint32) *Code  { return c.idx(opLocalGet, i) }
func (c *Code) LocalSet(i uint32) *Code  { return c.idx(opLocalSet, i) }
func (c *Code) LocalTee(i uint32) *Code  { return c.idx(opLocalTee, i) }
func (c *Code) GlobalGet(i uint32) *Code { return c.idx(opGlobalGet, i) }
func (c *Code) GlobalSet(i uint32) *Code { return c.idx(opGlobalSet, i) }
func (c *Code) Call(i uint32) *Code      { return c.idx(opCall, i) }

// I32Load loads with natural (4-byte) alignment.
func (c *Code) I32Load(offset uint32) *Code {
	c.w.Byte(opI32Load)
	c.w.U32(2)
	c.w.U32(offset)
	return c
}

// I32Store stores with natural (4-byte) alignment.
func (c *Code) I32Store(offset uint32) *Code {
	c.w.Byte(opI32Store)
	c.w.U32(2)
	c.w.U32(offset)
	return c
}

func (c *Code) I32Add() *Code      { return c.op(opI32Add) }
func (c *Code) I32Sub() *Code      { return c.op(opI32Sub) }
func (c *Code) I32Eq() *Code       { return c.op(opI32Eq) }
func (c *Code) I32GtU() *Code      { return c.op(opI32GtU) }
func (c *Code) Drop() *Code        { return c.op(opDrop) }
func (c *Code) Return() *Code      { return c.op(opReturn) }
func (c *Code) Unreachable() *Code { return c.op(opUnreachable) }
func (c *Code) Else() *Code        { return c.op(opElse) }
func (c *Code) End() *Code         { return c.op(opEnd) }

// If opens an if block with no result.
func (c *Code) If() *Code {
	c.w.Byte(opIf, blockEmpty)
	return c
}

func (c *Code) op(b byte) *Code {
	c.w.Byte(b)
	return c
}

func (c *Code) idx(op byte, i uint32) *Code {
	c.w.Byte(op)
	c.w.U32(i)
	return c
}
