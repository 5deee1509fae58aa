package engine

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasmactors "github.com/wippyai/wasm-actors"
)

// Guest byte ABI:
//
//	export (ptr i32, len i32) -> i64     bytes in, packed bytes out
//	export () -> i64                     packed bytes out
//	export () -> ()                      lifecycle hooks
//	export () -> i32                     status, non-zero is a failure
//
// A packed result is ptr<<32 | len. Input bytes are written into memory
// obtained from the guest allocator.
const (
	CabiRealloc = "cabi_realloc"
	CabiFree    = "cabi_free"

	// Names used by hand-written and older guests
	simpleAlloc   = "alloc"
	legacyAlloc   = "allocate"
	simpleFree    = "free"
	legacyDealloc = "deallocate"
)

// Pack encodes a guest (ptr, len) pair into a single i64 result.
func Pack(ptr, length uint32) uint64 { return uint64(ptr)<<32 | uint64(length) }

// Unpack splits a packed i64 result.
func Unpack(v uint64) (ptr, length uint32) { return uint32(v >> 32), uint32(v) }

// WazeroMemory wraps wazero memory to implement wasmactors.Memory.
type WazeroMemory struct {
	mem api.Memory
}

// NewMemory wraps the memory of mod, or returns nil when it exports none.
func NewMemory(mod api.Module) *WazeroMemory {
	if mod == nil || mod.Memory() == nil {
		return nil
	}
	return &WazeroMemory{mem: mod.Memory()}
}

func (m *WazeroMemory) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("read out of bounds: offset=%d, length=%d", offset, length)
	}
	return data, nil
}

func (m *WazeroMemory) Write(offset uint32, data []byte) error {
	ok := m.mem.Write(offset, data)
	if !ok {
		return fmt.Errorf("write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	return nil
}

func (m *WazeroMemory) Size() uint32 {
	if m == nil || m.mem == nil {
		return 0
	}
	return m.mem.Size()
}

var _ wasmactors.Memory = (*WazeroMemory)(nil)
var _ wasmactors.MemorySizer = (*WazeroMemory)(nil)

// allocator calls the guest's exported allocator.
type allocator struct {
	allocFn       api.Function
	freeFn        api.Function
	stackBuf      []uint64
	stackMutex    sync.Mutex
	isSimpleAlloc bool
}

func newAllocator(mod api.Module) *allocator {
	a := &allocator{stackBuf: make([]uint64, 4)}
	if fn := mod.ExportedFunction(CabiRealloc); fn != nil {
		a.allocFn = fn
	} else {
		for _, name := range []string{simpleAlloc, legacyAlloc} {
			if fn := mod.ExportedFunction(name); fn != nil {
				a.allocFn = fn
				a.isSimpleAlloc = true
				break
			}
		}
	}
	for _, name := range []string{CabiFree, simpleFree, legacyDealloc} {
		if fn := mod.ExportedFunction(name); fn != nil && len(fn.Definition().ParamTypes()) == 3 {
			a.freeFn = fn
			break
		}
	}
	return a
}

func (a *allocator) Alloc(ctx context.Context, size, align uint32) (uint32, error) {
	if a.allocFn == nil {
		return 0, fmt.Errorf("no allocator available")
	}

	a.stackMutex.Lock()
	defer a.stackMutex.Unlock()

	if a.isSimpleAlloc {
		a.stackBuf[0] = uint64(size)
		err := a.allocFn.CallWithStack(ctx, a.stackBuf[:1])
		if err != nil {
			return 0, err
		}
		return uint32(a.stackBuf[0]), nil
	}
	a.stackBuf[0] = 0
	a.stackBuf[1] = 0
	a.stackBuf[2] = uint64(align)
	a.stackBuf[3] = uint64(size)
	err := a.allocFn.CallWithStack(ctx, a.stackBuf[:4])
	if err != nil {
		return 0, err
	}
	return uint32(a.stackBuf[0]), nil
}

func (a *allocator) Free(ctx context.Context, ptr, size, align uint32) {
	if a.freeFn == nil || ptr == 0 {
		return
	}
	a.stackMutex.Lock()
	defer a.stackMutex.Unlock()

	a.stackBuf[0] = uint64(ptr)
	a.stackBuf[1] = uint64(size)
	a.stackBuf[2] = uint64(align)
	if err := a.freeFn.CallWithStack(ctx, a.stackBuf[:3]); err != nil {
		Logger().Warn("guest free failed",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Error(err))
	}
}

// WriteBytes copies data into guest memory obtained from the guest allocator
// and returns its location. Empty data is written nowhere and returns (0, 0).
func WriteBytes(ctx context.Context, mod api.Module, data []byte) (ptr, length uint32, err error) {
	if len(data) == 0 {
		return 0, 0, nil
	}
	mem := NewMemory(mod)
	if mem == nil {
		return 0, 0, fmt.Errorf("module exports no memory")
	}
	ptr, err = newAllocator(mod).Alloc(ctx, uint32(len(data)), 1)
	if err != nil {
		return 0, 0, err
	}
	if err := mem.Write(ptr, data); err != nil {
		return 0, 0, err
	}
	return ptr, uint32(len(data)), nil
}

// ReadBytes returns a copy of length bytes at ptr in guest memory.
func ReadBytes(mod api.Module, ptr, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	mem := NewMemory(mod)
	if mem == nil {
		return nil, fmt.Errorf("module exports no memory")
	}
	data, err := mem.Read(ptr, length)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(data), nil
}
