package engine

import "sync"

// Handle is an opaque reference to a loaded instance.
// The low 32 bits hold slot+1, the high 32 bits the slot generation, so a
// handle to a released slot never resolves to the slot's next occupant.
// Handle 0 is always invalid.
type Handle uint64

func makeHandle(slot, gen uint32) Handle { return Handle(uint64(gen)<<32 | uint64(slot+1)) }

func (h Handle) slot() (uint32, bool) {
	lo := uint32(h)
	if lo == 0 {
		return 0, false
	}
	return lo - 1, true
}

func (h Handle) generation() uint32 { return uint32(h >> 32) }

type arenaSlot[T any] struct {
	value T
	gen   uint32
	used  bool
}

// arena stores values in reusable slots addressed by generation-checked handles.
type arena[T any] struct {
	mu    sync.RWMutex
	slots []arenaSlot[T]
	free  []uint32
	live  int
}

func newArena[T any]() *arena[T] {
	return &arena[T]{
		slots: make([]arenaSlot[T], 0, 16),
		free:  make([]uint32, 0, 8),
	}
}

func (a *arena[T]) insert(v T) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.live++
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[idx]
		s.value, s.used = v, true
		return makeHandle(idx, s.gen)
	}
	a.slots = append(a.slots, arenaSlot[T]{value: v, gen: 1, used: true})
	return makeHandle(uint32(len(a.slots)-1), 1)
}

func (a *arena[T]) get(h Handle) (T, bool) {
	var zero T
	idx, ok := h.slot()
	if !ok {
		return zero, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(idx) >= len(a.slots) {
		return zero, false
	}
	s := a.slots[idx]
	if !s.used || s.gen != h.generation() {
		return zero, false
	}
	return s.value, true
}

func (a *arena[T]) remove(h Handle) (T, bool) {
	var zero T
	idx, ok := h.slot()
	if !ok {
		return zero, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(idx) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[idx]
	if !s.used || s.gen != h.generation() {
		return zero, false
	}
	v := s.value
	s.value, s.used = zero, false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, idx)
	a.live--
	return v, true
}

func (a *arena[T]) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.live
}

// drain removes and returns every live value.
func (a *arena[T]) drain() []T {
	a.mu.Lock()
	defer a.mu.Unlock()
	var zero T
	out := make([]T, 0, a.live)
	for i := range a.slots {
		s := &a.slots[i]
		if !s.used {
			continue
		}
		out = append(out, s.value)
		s.value, s.used = zero, false
		s.gen++
		if s.gen == 0 {
			s.gen = 1
		}
		a.free = append(a.free, uint32(i))
	}
	a.live = 0
	return out
}
