package vm

import (
	"strconv"
	"sync"
)

// ---------------------------------------------------------------------------
// Heap object representations
// ---------------------------------------------------------------------------

// errorMessageSlot is the slot holding an error object's message.
const errorMessageSlot = 0

// ScriptObject is an instance of a class: fixed slots declared by the class
// traits and, for dynamic classes, an expando property map.
type ScriptObject struct {
	mu          sync.RWMutex
	class       *ClassObject
	classRef    Atom // retained class value, Undefined for synthetic classes
	slots       []Atom
	dynamic     map[string]Atom
	keys        []string
	constructed bool
}

// Class returns the class of o.
func (o *ScriptObject) Class() *ClassObject { return o.class }

// Constructed reports whether every initializer of o has completed.
func (o *ScriptObject) Constructed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.constructed
}

// slotPeek returns slot i without retaining it.
func (o *ScriptObject) slotPeek(i int) Atom {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if i < 0 || i >= len(o.slots) {
		return Undefined
	}
	return o.slots[i]
}

// ReleaseRefs releases slots, dynamic properties and the class reference.
func (o *ScriptObject) ReleaseRefs(h *Heap) {
	o.mu.Lock()
	slots, dyn, cls := o.slots, o.dynamic, o.classRef
	o.slots, o.dynamic, o.keys = nil, nil, nil
	o.mu.Unlock()
	h.ReleaseAll(slots)
	for _, v := range dyn {
		h.Release(v)
	}
	h.Release(cls)
}

// ArrayObject is a dense array with optional dynamic properties.
type ArrayObject struct {
	mu      sync.RWMutex
	elems   []Atom
	dynamic map[string]Atom
}

// Len returns the number of elements.
func (a *ArrayObject) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.elems)
}

// ReleaseRefs releases the elements and dynamic properties.
func (a *ArrayObject) ReleaseRefs(h *Heap) {
	a.mu.Lock()
	elems, dyn := a.elems, a.dynamic
	a.elems, a.dynamic = nil, nil
	a.mu.Unlock()
	h.ReleaseAll(elems)
	for _, v := range dyn {
		h.Release(v)
	}
}

func arrayIndex(name string) (int, bool) {
	if name == "" || (len(name) > 1 && name[0] == '0') {
		return 0, false
	}
	n, err := strconv.ParseUint(name, 10, 31)
	if err != nil {
		return 0, false
	}
	return int(n), true
}

// NativeFunc implements a function in Go. Arguments are borrowed; the
// result is owned by the caller.
type NativeFunc func(w *Worker, this Atom, args []Atom) (Atom, error)

// FunctionObject is a callable value: a method closed over a scope chain,
// a method bound to a receiver, or a native Go function.
type FunctionObject struct {
	name   string
	method *MethodInfo
	scope  *ScopeChain
	bound  Atom // retained receiver, Undefined when unbound
	native NativeFunc
}

// Method returns the method executed by f, or nil for native functions.
func (f *FunctionObject) Method() *MethodInfo { return f.method }

// Name returns the function name.
func (f *FunctionObject) Name() string {
	if f.name == "" && f.method != nil {
		return f.method.String()
	}
	return f.name
}

// ReleaseRefs releases the captured scope and bound receiver.
func (f *FunctionObject) ReleaseRefs(h *Heap) {
	if f.scope != nil {
		f.scope.release(h)
		f.scope = nil
	}
	h.Release(f.bound)
	f.bound = Undefined
}

// GlobalObject is the global scope value. Its properties are the
// definitions of the embedding domain.
type GlobalObject struct {
	domain *Domain
}

// ---------------------------------------------------------------------------
// Scope chains
// ---------------------------------------------------------------------------

// ScopeEntry is one level of a scope stack. With entries come from
// pushwith and expose dynamic properties to name lookup.
type ScopeEntry struct {
	Value Atom
	With  bool
}

// ScopeChain is an immutable capture of scope entries, outermost first.
// It owns one reference per entry.
type ScopeChain struct {
	entries []ScopeEntry
}

// Len returns the number of captured entries.
func (s *ScopeChain) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Entry returns entry i counted from the outermost, borrowed.
func (s *ScopeChain) Entry(i int) ScopeEntry {
	return s.entries[i]
}

func (s *ScopeChain) release(h *Heap) {
	for _, e := range s.entries {
		h.Release(e.Value)
	}
	s.entries = nil
}

// captureScope snapshots parent followed by the live entries of a scope stack.
func (vm *VM) captureScope(parent *ScopeChain, live []ScopeEntry) *ScopeChain {
	entries := make([]ScopeEntry, 0, parent.Len()+len(live))
	if parent != nil {
		entries = append(entries, parent.entries...)
	}
	entries = append(entries, live...)
	for _, e := range entries {
		vm.Heap.Retain(e.Value)
	}
	return &ScopeChain{entries: entries}
}

// extendScope returns a copy of parent with one more entry appended.
func (vm *VM) extendScope(parent *ScopeChain, e ScopeEntry) *ScopeChain {
	return vm.captureScope(parent, []ScopeEntry{e})
}
