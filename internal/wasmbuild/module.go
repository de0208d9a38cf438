// Package wasmbuild assembles small core WebAssembly modules for tests.
//
// It covers the handful of sections and instructions needed to hand-write
// asyncify-instrumented guests: function imports, one memory, i32 globals,
// function exports and code.
package wasmbuild

type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionCode     = 10

	kindFunc   = 0x00
	kindMemory = 0x02
)

type funcType struct {
	params  []ValType
	results []ValType
}

type funcImport struct {
	module, name string
	typeIdx      uint32
}

type function struct {
	typeIdx uint32
	locals  []ValType
	body    []byte
}

type global struct {
	mutable bool
	init    int32
}

type export struct {
	name string
	kind byte
	idx  uint32
}

// Module is a module under construction. Imports must be added before
// functions so function indices stay stable.
type Module struct {
	types    []funcType
	imports  []funcImport
	funcs    []function
	globals  []global
	exports  []export
	memPages uint32
	hasMem   bool
}

// Type returns the index of a function type, adding it if new.
func (m *Module) Type(params, results []ValType) uint32 {
	for i, t := range m.types {
		if equal(t.params, params) && equal(t.results, results) {
			return uint32(i)
		}
	}
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

// ImportFunc adds a function import and returns its function index.
func (m *Module) ImportFunc(module, name string, params, results []ValType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmbuild: imports must precede functions")
	}
	m.imports = append(m.imports, funcImport{module: module, name: name, typeIdx: m.Type(params, results)})
	return uint32(len(m.imports) - 1)
}

// Func adds a function and returns its index. The trailing end opcode is added.
func (m *Module) Func(params, results, locals []ValType, body *Code) uint32 {
	var code []byte
	if body != nil {
		code = append(code, body.Bytes()...)
	}
	code = append(code, opEnd)
	m.funcs = append(m.funcs, function{typeIdx: m.Type(params, results), locals: locals, body: code})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Global adds an i32 global and returns its index.
func (m *Module) Global(mutable bool, init int32) uint32 {
	m.globals = append(m.globals, global{mutable: mutable, init: init})
	return uint32(len(m.globals) - 1)
}

// Memory declares the module's memory with a minimum page count and exports it as "memory".
func (m *Module) Memory(pages uint32) {
	m.hasMem = true
	m.memPages = pages
	m.exports = append(m.exports, export{name: "memory", kind: kindMemory, idx: 0})
}

// Export exports a function.
func (m *Module) Export(name string, funcIdx uint32) {
	m.exports = append(m.exports, export{name: name, kind: kindFunc, idx: funcIdx})
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	var w Writer
	w.Byte(0x00, 0x61, 0x73, 0x6d)
	w.U32LE(1)

	if len(m.types) > 0 {
		var sec Writer
		sec.U32(uint32(len(m.types)))
		for _, t := range m.types {
			sec.Byte(0x60)
			writeValTypes(&sec, t.params)
			writeValTypes(&sec, t.results)
		}
		writeSection(&w, sectionType, &sec)
	}

	if len(m.imports) > 0 {
		var sec Writer
		sec.U32(uint32(len(m.imports)))
		for _, imp := range m.imports {
			sec.Name(imp.module)
			sec.Name(imp.name)
			sec.Byte(kindFunc)
			sec.U32(imp.typeIdx)
		}
		writeSection(&w, sectionImport, &sec)
	}

	if len(m.funcs) > 0 {
		var sec Writer
		sec.U32(uint32(len(m.funcs)))
		for _, f := range m.funcs {
			sec.U32(f.typeIdx)
		}
		writeSection(&w, sectionFunction, &sec)
	}

	if m.hasMem {
		var sec Writer
		sec.U32(1)
		sec.Byte(0x00)
		sec.U32(m.memPages)
		writeSection(&w, sectionMemory, &sec)
	}

	if len(m.globals) > 0 {
		var sec Writer
		sec.U32(uint32(len(m.globals)))
		for _, g := range m.globals {
			sec.Byte(byte(I32))
			if g.mutable {
				sec.Byte(0x01)
			} else {
				sec.Byte(0x00)
			}
			sec.Byte(opI32Const)
			sec.S32(g.init)
			sec.Byte(opEnd)
		}
		writeSection(&w, sectionGlobal, &sec)
	}

	if len(m.exports) > 0 {
		var sec Writer
		sec.U32(uint32(len(m.exports)))
		for _, e := range m.exports {
			sec.Name(e.name)
			sec.Byte(e.kind)
			sec.U32(e.idx)
		}
		writeSection(&w, sectionExport, &sec)
	}

	if len(m.funcs) > 0 {
		var sec Writer
		sec.U32(uint32(len(m.funcs)))
		for _, f := range m.funcs {
			var body Writer
			writeLocals(&body, f.locals)
			body.Byte(f.body...)
			sec.Vec(body.Bytes())
		}
		writeSection(&w, sectionCode, &sec)
	}

	return w.Bytes()
}

func writeSection(w *Writer, id byte, sec *Writer) {
	w.Byte(id)
	w.Vec(sec.Bytes())
}

func writeValTypes(w *Writer, types []ValType) {
	w.U32(uint32(len(types)))
	for _, t := range types {
		w.Byte(byte(t))
	}
}

// writeLocals groups consecutive locals of the same type.
func writeLocals(w *Writer, locals []ValType) {
	type group struct {
		n uint32
		t ValType
	}
	var groups []group
	for _, l := range locals {
		if len(groups) > 0 && groups[len(groups)-1].t == l {
			groups[len(groups)-1].n++
			continue
		}
		groups = append(groups, group{n: 1, t: l})
	}
	w.U32(uint32(len(groups)))
	for _, g := range groups {
		w.U32(g.n)
		w.Byte(byte(g.t))
	}
}

func equal(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
