package vm

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Heap: handle table with reference counts
// ---------------------------------------------------------------------------

// Ownership rules for heap atoms:
//   - Operand-stack slots, locals, scope entries, object properties and
//     program constants each own one reference.
//   - A function returning an Atom returns an owned reference unless its
//     name says otherwise (peek, borrow).
//   - Atom arguments are borrowed; a callee that stores one retains it.
//   - Every owned reference is released exactly once.

// Releaser is implemented by heap objects that hold atoms of their own.
// ReleaseRefs is called once, when the object's count reaches zero.
type Releaser interface {
	ReleaseRefs(h *Heap)
}

// HeapObserver receives allocation and reclamation events.
type HeapObserver interface {
	Allocated(a Atom, obj any)
	Freed(a Atom, obj any)
}

type heapEntry struct {
	obj  any
	refs atomic.Int32
	gen  uint16
	tag  uint64
}

// Heap owns every reference-counted value of a VM. It is safe for
// concurrent use by several workers.
type Heap struct {
	mu       sync.RWMutex
	entries  []*heapEntry
	gens     []uint16
	free     []uint32
	live     atomic.Int64
	observer HeapObserver
}

// NewHeap creates an empty heap.
func NewHeap() *Heap {
	return &Heap{}
}

// SetObserver installs an allocation observer. Not safe to call while
// workers are running.
func (h *Heap) SetObserver(o HeapObserver) {
	h.observer = o
}

func (h *Heap) alloc(tag uint64, obj any) Atom {
	e := &heapEntry{obj: obj, tag: tag}
	e.refs.Store(1)

	h.mu.Lock()
	var idx uint32
	if n := len(h.free); n > 0 {
		idx = h.free[n-1]
		h.free = h.free[:n-1]
		h.gens[idx]++
	} else {
		idx = uint32(len(h.entries))
		h.entries = append(h.entries, nil)
		h.gens = append(h.gens, 0)
	}
	e.gen = h.gens[idx]
	h.entries[idx] = e
	h.mu.Unlock()

	h.live.Add(1)
	a := heapAtom(tag, idx, e.gen)
	if h.observer != nil {
		h.observer.Allocated(a, obj)
	}
	return a
}

// Alloc stores obj on the heap and returns an owned object Atom.
func (h *Heap) Alloc(obj any) Atom {
	return h.alloc(tagObject, obj)
}

// NewString returns an owned string Atom.
func (h *Heap) NewString(s string) Atom {
	return h.alloc(tagString, s)
}

func (h *Heap) entry(a Atom) *heapEntry {
	idx, gen := a.handle()
	h.mu.RLock()
	var e *heapEntry
	if int(idx) < len(h.entries) {
		e = h.entries[idx]
	}
	h.mu.RUnlock()
	if e == nil || e.gen != gen || e.tag != a.tag() {
		panic(fmt.Sprintf("heap: stale handle %#x", uint64(a)))
	}
	return e
}

// Retain adds a reference to a. Immediates are ignored.
func (h *Heap) Retain(a Atom) Atom {
	if a.IsHeap() {
		h.entry(a).refs.Add(1)
	}
	return a
}

// Release drops a reference to a, reclaiming the value when it was the
// last one. Immediates are ignored.
func (h *Heap) Release(a Atom) {
	if !a.IsHeap() {
		return
	}
	e := h.entry(a)
	n := e.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(fmt.Sprintf("heap: release of dead atom %#x", uint64(a)))
	}

	idx, _ := a.handle()
	h.mu.Lock()
	h.entries[idx] = nil
	// Slots with an exhausted generation are retired.
	if h.gens[idx] < math.MaxUint16 {
		h.free = append(h.free, idx)
	}
	h.mu.Unlock()
	h.live.Add(-1)

	if r, ok := e.obj.(Releaser); ok {
		r.ReleaseRefs(h)
	}
	if h.observer != nil {
		h.observer.Freed(a, e.obj)
	}
}

// ReleaseAll releases every atom in atoms.
func (h *Heap) ReleaseAll(atoms []Atom) {
	for _, a := range atoms {
		h.Release(a)
	}
}

// Refs returns the current reference count of a, or 0 for immediates.
func (h *Heap) Refs(a Atom) int32 {
	if !a.IsHeap() {
		return 0
	}
	return h.entry(a).refs.Load()
}

// Live returns the number of values currently on the heap.
func (h *Heap) Live() int64 {
	return h.live.Load()
}

// Object returns the Go value behind an object or string Atom without
// affecting its reference count.
func (h *Heap) Object(a Atom) any {
	if !a.IsHeap() {
		return nil
	}
	return h.entry(a).obj
}

// StringOf returns the contents of a string Atom.
// Panics if a is not a string.
func (h *Heap) StringOf(a Atom) string {
	if !a.IsString() {
		panic("Heap.StringOf: not a string")
	}
	return h.entry(a).obj.(string)
}
