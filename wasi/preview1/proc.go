package preview1

import (
	"context"
	"io"
	"runtime"

	"github.com/tetratelabs/wazero/sys"
)

func u32(v uint64) uint32 { return uint32(v) }

func argsSizesGet(_ context.Context, s *System, mem Memory, p []uint64) Errno {
	return writeSizes(mem, s.args, u32(p[0]), u32(p[1]))
}

func argsGet(_ context.Context, s *System, mem Memory, p []uint64) Errno {
	return writeStrings(mem, s.args, u32(p[0]), u32(p[1]))
}

func environSizesGet(_ context.Context, s *System, mem Memory, p []uint64) Errno {
	return writeSizes(mem, s.env, u32(p[0]), u32(p[1]))
}

func environGet(_ context.Context, s *System, mem Memory, p []uint64) Errno {
	return writeStrings(mem, s.env, u32(p[0]), u32(p[1]))
}

func writeSizes(mem Memory, list []string, countOut, sizeOut uint32) Errno {
	size := uint32(0)
	for _, v := range list {
		size += uint32(len(v)) + 1
	}
	if !mem.WriteUint32Le(countOut, uint32(len(list))) || !mem.WriteUint32Le(sizeOut, size) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

// writeStrings stores a pointer per string at ptrs and the NUL-terminated
// strings back to back at buf.
func writeStrings(mem Memory, list []string, ptrs, buf uint32) Errno {
	for i, v := range list {
		if !mem.WriteUint32Le(ptrs+uint32(i)*4, buf) {
			return ErrnoFault
		}
		if !mem.Write(buf, append([]byte(v), 0)) {
			return ErrnoFault
		}
		buf += uint32(len(v)) + 1
	}
	return ErrnoSuccess
}

func clockResGet(_ context.Context, _ *System, mem Memory, p []uint64) Errno {
	switch u32(p[0]) {
	case clockRealtime, clockMonotonic, clockProcessCputimeID, clockThreadCputimeID:
	default:
		return ErrnoInval
	}
	if !mem.WriteUint64Le(u32(p[1]), 1) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func clockTimeGet(_ context.Context, s *System, mem Memory, p []uint64) Errno {
	var t int64
	switch u32(p[0]) {
	case clockRealtime:
		t = s.now().UnixNano()
	case clockMonotonic, clockProcessCputimeID, clockThreadCputimeID:
		t = int64(s.now().Sub(s.start))
	default:
		return ErrnoInval
	}
	if !mem.WriteUint64Le(u32(p[2]), uint64(t)) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func randomGet(_ context.Context, s *System, mem Memory, p []uint64) Errno {
	if !inBounds(mem, u32(p[0]), u32(p[1])) {
		return ErrnoFault
	}
	buf := make([]byte, u32(p[1]))
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return ErrnoIo
	}
	if !mem.Write(u32(p[0]), buf) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func schedYield(context.Context, *System, Memory, []uint64) Errno {
	runtime.Gosched()
	return ErrnoSuccess
}

// procExit never returns. The panic unwinds the guest and surfaces from the
// entry call as *sys.ExitError.
func procExit(_ context.Context, s *System, _ Memory, p []uint64) Errno {
	code := u32(p[0])
	s.setExit(code)
	panic(sys.NewExitError(code))
}

func nosys(context.Context, *System, Memory, []uint64) Errno { return ErrnoNosys }
