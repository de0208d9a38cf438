package wasmbuild

// Asyncify names the globals of a hand-instrumented module.
type Asyncify struct {
	State uint32 // 0 normal, 1 unwinding, 2 rewinding
	Data  uint32 // address of the asyncify data header
}

// AddAsyncify adds the asyncify globals and the five control exports that
// the Binaryen pass would generate.
func AddAsyncify(m *Module) Asyncify {
	a := Asyncify{
		State: m.Global(true, 0),
		Data:  m.Global(true, 0),
	}
	i32 := []ValType{I32}

	m.Export("asyncify_start_unwind", m.Func(i32, nil, nil,
		new(Code).LocalGet(0).GlobalSet(a.Data).I32Const(1).GlobalSet(a.State)))
	m.Export("asyncify_stop_unwind", m.Func(nil, nil, nil,
		new(Code).I32Const(0).GlobalSet(a.State)))
	m.Export("asyncify_start_rewind", m.Func(i32, nil, nil,
		new(Code).LocalGet(0).GlobalSet(a.Data).I32Const(2).GlobalSet(a.State)))
	m.Export("asyncify_stop_rewind", m.Func(nil, nil, nil,
		new(Code).I32Const(0).GlobalSet(a.State)))
	m.Export("asyncify_get_state", m.Func(nil, i32, nil,
		new(Code).GlobalGet(a.State)))
	return a
}

// AddStackSpace exports the reservation accessors with constant results.
func AddStackSpace(m *Module, base, size int32) {
	i32 := []ValType{I32}
	m.Export("get_asyncify_stack_space_ptr", m.Func(nil, i32, nil, new(Code).I32Const(base)))
	m.Export("get_asyncify_stack_space_size", m.Func(nil, i32, nil, new(Code).I32Const(size)))
}

// IfState opens an if block taken when the asyncify state equals s.
func (a Asyncify) IfState(c *Code, s int32) *Code {
	return c.GlobalGet(a.State).I32Const(s).I32Eq().If()
}

// Push saves local x on the asyncify stack, trapping when the stack would
// pass stack_end. p is a scratch i32 local.
func (a Asyncify) Push(c *Code, x, p uint32) *Code {
	c.GlobalGet(a.Data).I32Load(0).LocalSet(p)
	c.LocalGet(p).I32Const(4).I32Add().GlobalGet(a.Data).I32Load(4).I32GtU().If().Unreachable().End()
	c.LocalGet(p).LocalGet(x).I32Store(0)
	c.GlobalGet(a.Data).LocalGet(p).I32Const(4).I32Add().I32Store(0)
	return c
}

// Pop restores local x from the top of the asyncify stack. p is a scratch i32 local.
func (a Asyncify) Pop(c *Code, x, p uint32) *Code {
	c.GlobalGet(a.Data).I32Load(0).I32Const(4).I32Sub().LocalSet(p)
	c.GlobalGet(a.Data).LocalGet(p).I32Store(0)
	c.LocalGet(p).I32Load(0).LocalSet(x)
	return c
}

// GuestConfig describes the test guest built by TwoCallGuest.
type GuestConfig struct {
	Base, Size   int32  // reservation region reported by the descriptor exports
	Import       string // env import name, default "fetch"
	Pages        uint32 // memory pages, default 1
	Seed         int32  // initial accumulator, default 100
	NoStackSpace bool   // omit the descriptor exports
}

// TwoCallGuest builds a module exporting run() -> i32 that computes
// seed + fetch() + fetch(), where fetch is the host import env.<Import>.
// Each call site can suspend; the frame saved per suspension is 12 bytes
// (accumulator, first result, call index).
func TwoCallGuest(cfg GuestConfig) []byte {
	if cfg.Import == "" {
		cfg.Import = "fetch"
	}
	if cfg.Pages == 0 {
		cfg.Pages = 1
	}
	if cfg.Seed == 0 {
		cfg.Seed = 100
	}

	var m Module
	i32 := []ValType{I32}
	fetch := m.ImportFunc("env", cfg.Import, nil, i32)
	m.Memory(cfg.Pages)
	a := AddAsyncify(&m)
	if !cfg.NoStackSpace {
		AddStackSpace(&m, cfg.Base, cfg.Size)
	}

	const (
		acc uint32 = iota
		p
		r1
		r2
		idx
	)
	save := func(c *Code, site int32) {
		c.I32Const(site).LocalSet(idx)
		a.Push(c, acc, p)
		a.Push(c, r1, p)
		a.Push(c, idx, p)
		c.I32Const(0).Return()
	}

	c := new(Code)
	a.IfState(c, 2)
	a.Pop(c, idx, p)
	a.Pop(c, r1, p)
	a.Pop(c, acc, p)
	c.Else().I32Const(cfg.Seed).LocalSet(acc).I32Const(0).LocalSet(idx).End()

	// call site 1, skipped when rewinding into site 2
	c.LocalGet(idx).I32Const(2).I32Eq().If().Else()
	c.Call(fetch).LocalSet(r1)
	a.IfState(c, 1)
	save(c, 1)
	c.End()
	c.End()

	// call site 2
	c.Call(fetch).LocalSet(r2)
	a.IfState(c, 1)
	save(c, 2)
	c.End()

	c.LocalGet(acc).LocalGet(r1).I32Add().LocalGet(r2).I32Add()

	m.Export("run", m.Func(nil, i32, []ValType{I32, I32, I32, I32, I32}, c))
	return m.Bytes()
}

// StatGuest describes the guest built by StatExitGuest.
type StatGuest struct {
	Base, Size int32  // reservation region
	Path       string // stored at PathAt on entry
	PathAt     uint32
	StatAt     uint32 // filestat output buffer
}

// StatExitGuest builds a WASI command whose _start stats Path relative to
// fd 3 and exits with the low 32 bits of its size, or 100+errno on failure.
// The path_filestat_get call site can suspend; it saves one word.
func StatExitGuest(cfg StatGuest) []byte {
	var m Module
	i32 := []ValType{I32}
	stat := m.ImportFunc("wasi_snapshot_preview1", "path_filestat_get", []ValType{I32, I32, I32, I32, I32}, i32)
	exit := m.ImportFunc("wasi_snapshot_preview1", "proc_exit", i32, nil)
	m.Memory(1)
	a := AddAsyncify(&m)
	AddStackSpace(&m, cfg.Base, cfg.Size)

	const (
		errno uint32 = iota
		p
		idx
	)

	c := new(Code)
	path := []byte(cfg.Path)
	for off := 0; off < len(path); off += 4 {
		var word uint32
		for i := 0; i < 4 && off+i < len(path); i++ {
			word |= uint32(path[off+i]) << (8 * i)
		}
		c.I32Const(0).I32Const(int32(word)).I32Store(cfg.PathAt + uint32(off))
	}

	a.IfState(c, 2)
	a.Pop(c, idx, p)
	c.End()

	c.I32Const(3).I32Const(0).I32Const(int32(cfg.PathAt)).I32Const(int32(len(path))).I32Const(int32(cfg.StatAt))
	c.Call(stat).LocalSet(errno)
	a.IfState(c, 1)
	c.I32Const(1).LocalSet(idx)
	a.Push(c, idx, p)
	c.Return()
	c.End()

	c.LocalGet(errno).I32Const(0).I32Eq().If()
	c.I32Const(0).I32Load(cfg.StatAt + 32).LocalSet(p)
	c.Else()
	c.LocalGet(errno).I32Const(100).I32Add().LocalSet(p)
	c.End()
	c.LocalGet(p).Call(exit)

	m.Export("_start", m.Func(nil, nil, []ValType{I32, I32, I32}, c))
	return m.Bytes()
}
