// Package wasmtest assembles small WebAssembly modules for tests.
package wasmtest

import "encoding/binary"

// Value types
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

// FuncType is a function signature.
type FuncType struct {
	Params  []byte
	Results []byte
}

// Import is an imported function. Imported functions take the first indices.
type Import struct {
	Module string
	Name   string
	Type   int
}

// Func is a defined function. Body excludes the final end opcode.
type Func struct {
	Type   int
	Locals []byte
	Body   []byte
	Export string
}

// Data is an active data segment in memory 0.
type Data struct {
	Offset int32
	Bytes  []byte
}

// Module describes a module with one exported memory and one mutable i32 global.
type Module struct {
	Types       []FuncType
	Imports     []Import
	Funcs       []Func
	MemoryPages uint32
	HeapBase    int32
	Data        []Data
}

// Bytes encodes the module in the binary format.
func (m Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	var types []byte
	types = uleb(types, uint64(len(m.Types)))
	for _, t := range m.Types {
		types = append(types, 0x60)
		types = uleb(types, uint64(len(t.Params)))
		types = append(types, t.Params...)
		types = uleb(types, uint64(len(t.Results)))
		types = append(types, t.Results...)
	}
	out = section(out, 1, types)

	if len(m.Imports) > 0 {
		var imps []byte
		imps = uleb(imps, uint64(len(m.Imports)))
		for _, im := range m.Imports {
			imps = name(imps, im.Module)
			imps = name(imps, im.Name)
			imps = append(imps, 0x00)
			imps = uleb(imps, uint64(im.Type))
		}
		out = section(out, 2, imps)
	}

	var funcs []byte
	funcs = uleb(funcs, uint64(len(m.Funcs)))
	for _, f := range m.Funcs {
		funcs = uleb(funcs, uint64(f.Type))
	}
	out = section(out, 3, funcs)

	pages := m.MemoryPages
	if pages == 0 {
		pages = 1
	}
	mem := []byte{0x01, 0x00}
	mem = uleb(mem, uint64(pages))
	out = section(out, 5, mem)

	heap := m.HeapBase
	if heap == 0 {
		heap = 4096
	}
	glob := []byte{0x01, I32, 0x01, 0x41}
	glob = sleb(glob, int64(heap))
	glob = append(glob, 0x0b)
	out = section(out, 6, glob)

	exports := []exportEntry{{"memory", 0x02, 0}}
	base := len(m.Imports)
	for i, f := range m.Funcs {
		if f.Export != "" {
			exports = append(exports, exportEntry{f.Export, 0x00, uint32(base + i)})
		}
	}
	var exp []byte
	exp = uleb(exp, uint64(len(exports)))
	for _, e := range exports {
		exp = name(exp, e.name)
		exp = append(exp, e.kind)
		exp = uleb(exp, uint64(e.index))
	}
	out = section(out, 7, exp)

	var code []byte
	code = uleb(code, uint64(len(m.Funcs)))
	for _, f := range m.Funcs {
		var body []byte
		body = uleb(body, uint64(len(f.Locals)))
		for _, l := range f.Locals {
			body = append(body, 0x01, l)
		}
		body = append(body, f.Body...)
		body = append(body, 0x0b)
		code = uleb(code, uint64(len(body)))
		code = append(code, body...)
	}
	out = section(out, 10, code)

	if len(m.Data) > 0 {
		var data []byte
		data = uleb(data, uint64(len(m.Data)))
		for _, d := range m.Data {
			data = append(data, 0x00, 0x41)
			data = sleb(data, int64(d.Offset))
			data = append(data, 0x0b)
			data = uleb(data, uint64(len(d.Bytes)))
			data = append(data, d.Bytes...)
		}
		out = section(out, 11, data)
	}
	return out
}

type exportEntry struct {
	name  string
	kind  byte
	index uint32
}

func section(out []byte, id byte, body []byte) []byte {
	out = append(out, id)
	out = uleb(out, uint64(len(body)))
	return append(out, body...)
}

func name(out []byte, s string) []byte {
	out = uleb(out, uint64(len(s)))
	return append(out, s...)
}

func uleb(out []byte, v uint64) []byte { return binary.AppendUvarint(out, v) }

func sleb(out []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// Instruction helpers

func I32Const(v int32) []byte   { return sleb([]byte{0x41}, int64(v)) }
func I64Const(v int64) []byte   { return sleb([]byte{0x42}, v) }
func LocalGet(i uint32) []byte  { return uleb([]byte{0x20}, uint64(i)) }
func LocalSet(i uint32) []byte  { return uleb([]byte{0x21}, uint64(i)) }
func GlobalGet(i uint32) []byte { return uleb([]byte{0x23}, uint64(i)) }
func GlobalSet(i uint32) []byte { return uleb([]byte{0x24}, uint64(i)) }
func Call(i uint32) []byte      { return uleb([]byte{0x10}, uint64(i)) }

var (
	Unreachable   = []byte{0x00}
	Drop          = []byte{0x1a}
	I32Add        = []byte{0x6a}
	I32Store      = []byte{0x36, 0x02, 0x00}
	I32Load       = []byte{0x28, 0x02, 0x00}
	I64ExtendI32U = []byte{0xad}
	I64Shl        = []byte{0x86}
	I64Or         = []byte{0x84}
	I32WrapI64    = []byte{0xa7}
	MemoryGrow    = []byte{0x40, 0x00}
	// SpinForever is an infinite loop.
	SpinForever = []byte{0x03, 0x40, 0x0c, 0x00, 0x0b}
)

// Seq concatenates instructions.
func Seq(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// PackedConst pushes ptr<<32|len as an i64.
func PackedConst(ptr, length uint32) []byte {
	return I64Const(int64(uint64(ptr)<<32 | uint64(length)))
}

// Pack pushes the packed pair of two i32 locals.
func Pack(ptrLocal, lenLocal uint32) []byte {
	return Seq(LocalGet(ptrLocal), I64ExtendI32U, I64Const(32), I64Shl,
		LocalGet(lenLocal), I64ExtendI32U, I64Or)
}

// Common signatures
var (
	TypeVoid     = FuncType{}
	TypeAlloc    = FuncType{Params: []byte{I32}, Results: []byte{I32}}
	TypeBytes    = FuncType{Params: []byte{I32, I32}, Results: []byte{I64}}
	TypeProduce  = FuncType{Results: []byte{I64}}
	TypeStatus   = FuncType{Results: []byte{I32}}
	TypeTwoBytes = FuncType{Params: []byte{I32, I32, I32, I32}, Results: []byte{I64}}
)

// Type indices of the signatures above in a module built with Base.
const (
	TVoid = iota
	TAlloc
	TBytes
	TProduce
	TStatus
	TTwoBytes
)

// Base returns a module with the common signatures and a bump allocator
// exported as "alloc". Guest functions appended to Funcs follow it.
func Base() Module {
	return Module{
		Types: []FuncType{TypeVoid, TypeAlloc, TypeBytes, TypeProduce, TypeStatus, TypeTwoBytes},
		Funcs: []Func{{
			Type:   TAlloc,
			Body:   Seq(GlobalGet(0), GlobalGet(0), LocalGet(0), I32Add, GlobalSet(0)),
			Export: "alloc",
		}},
	}
}

// Health payloads placed in data segments by Echo.
const (
	HealthOffset = 16
	HealthJSON   = `"healthy"`
)

// Echo returns a module exporting:
//
//	alloc(size) -> ptr       bump allocator
//	handle(ptr, len) -> i64  returns its input
//	_start, _cleanup         store 1 and 2 at address 0
//	_health() -> i64         the JSON string "healthy"
//	state() -> i64           the 4 bytes at address 0
//	trap                     unreachable
//	spin                     never returns
//	grow                     grows memory by 16 pages
//	fail() -> i32            returns status 7
func Echo() []byte {
	m := Base()
	m.Data = []Data{{Offset: HealthOffset, Bytes: []byte(HealthJSON)}}
	m.Funcs = append(m.Funcs,
		Func{Type: TBytes, Body: Pack(0, 1), Export: "handle"},
		Func{Type: TVoid, Body: Seq(I32Const(0), I32Const(1), I32Store), Export: "_start"},
		Func{Type: TVoid, Body: Seq(I32Const(0), I32Const(2), I32Store), Export: "_cleanup"},
		Func{Type: TProduce, Body: PackedConst(HealthOffset, uint32(len(HealthJSON))), Export: "_health"},
		Func{Type: TProduce, Body: PackedConst(0, 4), Export: "state"},
		Func{Type: TVoid, Body: Unreachable, Export: "trap"},
		Func{Type: TVoid, Body: SpinForever, Export: "spin"},
		Func{Type: TVoid, Body: Seq(I32Const(16), MemoryGrow, Drop), Export: "grow"},
		Func{Type: TStatus, Body: I32Const(7), Export: "fail"},
	)
	return m.Bytes()
}

// HostCall forwards a guest export to an imported host function with the same signature.
type HostCall struct {
	Import string
	Export string
	Type   int
}

// HostCaller returns a module that imports each call from module and
// re-exports it, alongside alloc and the Echo handle export.
func HostCaller(module string, calls ...HostCall) []byte {
	m := Base()
	for _, c := range calls {
		m.Imports = append(m.Imports, Import{Module: module, Name: c.Import, Type: c.Type})
	}
	m.Funcs = append(m.Funcs, Func{Type: TBytes, Body: Pack(0, 1), Export: "handle"})
	for i, c := range calls {
		var body []byte
		for p := range m.Types[c.Type].Params {
			body = append(body, LocalGet(uint32(p))...)
		}
		body = append(body, Call(uint32(i))...)
		m.Funcs = append(m.Funcs, Func{Type: c.Type, Body: body, Export: c.Export})
	}
	return m.Bytes()
}

// Addresses used by Forwarder.
const (
	StatusOffset = 32
	TargetOffset = 64
)

// Forwarder returns a module whose handle export passes its input to the
// "send" import of module, addressed to target, and returns the host status
// as 4 little-endian bytes.
func Forwarder(module, target string) []byte {
	m := Base()
	m.Imports = []Import{{Module: module, Name: "send", Type: TTwoBytes}}
	m.Data = []Data{{Offset: TargetOffset, Bytes: []byte(target)}}
	m.Funcs = append(m.Funcs, Func{Type: TBytes, Export: "handle", Body: Seq(
		I32Const(StatusOffset),
		I32Const(TargetOffset), I32Const(int32(len(target))), LocalGet(0), LocalGet(1), Call(0),
		I32WrapI64, I32Store,
		PackedConst(StatusOffset, 4),
	)})
	return m.Bytes()
}
