package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Domain: the embedding global namespace
// ---------------------------------------------------------------------------

// Definition is a named global. Read-only definitions (classes and
// constants) accept a single initialization.
type Definition struct {
	Name     string
	ReadOnly bool

	value       atomic.Uint64
	initialized atomic.Bool
}

// peek returns the current value, borrowed.
func (d *Definition) peek() Atom {
	return Atom(d.value.Load())
}

// Frozen reports whether d can no longer change.
func (d *Definition) Frozen() bool {
	return d.ReadOnly && d.initialized.Load()
}

// Domain holds the global definitions visible through the global object
// and at the end of every scope-chain lookup. Every change bumps Version.
type Domain struct {
	mu      sync.RWMutex
	defs    map[string]*Definition
	version atomic.Uint64
	heap    *Heap
	global  Atom

	memMu sync.RWMutex
	mem   []byte
}

func newDomain(h *Heap) *Domain {
	d := &Domain{defs: make(map[string]*Definition), heap: h}
	d.global = h.Alloc(&GlobalObject{domain: d})
	return d
}

// Global returns the global object, borrowed.
func (d *Domain) Global() Atom { return d.global }

// Version returns a counter that changes whenever a definition changes.
func (d *Domain) Version() uint64 { return d.version.Load() }

// Lookup returns the definition of name.
func (d *Domain) Lookup(name string) (*Definition, bool) {
	d.mu.RLock()
	def, ok := d.defs[name]
	d.mu.RUnlock()
	return def, ok
}

// Get returns the value of name, retained.
func (d *Domain) Get(name string) (Atom, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.defs[name]
	if !ok {
		return Undefined, false
	}
	return d.heap.Retain(def.peek()), true
}

// Declare creates name holding undefined if it does not exist yet.
func (d *Domain) Declare(name string, readOnly bool) *Definition {
	d.mu.Lock()
	defer d.mu.Unlock()
	if def, ok := d.defs[name]; ok {
		return def
	}
	def := &Definition{Name: name, ReadOnly: readOnly}
	def.value.Store(uint64(Undefined))
	d.defs[name] = def
	d.version.Add(1)
	return def
}

// Define creates or replaces name with v (retained). Replacing a frozen
// definition fails.
func (d *Domain) Define(name string, v Atom, readOnly bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	def, ok := d.defs[name]
	if ok && def.Frozen() {
		return false
	}
	if !ok {
		def = &Definition{Name: name, ReadOnly: readOnly}
		def.value.Store(uint64(Undefined))
		d.defs[name] = def
	}
	old := def.peek()
	def.value.Store(uint64(d.heap.Retain(v)))
	def.initialized.Store(true)
	d.version.Add(1)
	d.heap.Release(old)
	return true
}

// Set assigns an existing or new writable definition. It reports false
// when name is read-only.
func (d *Domain) Set(name string, v Atom) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	def, ok := d.defs[name]
	if ok && def.ReadOnly {
		return false
	}
	if !ok {
		def = &Definition{Name: name}
		def.value.Store(uint64(Undefined))
		d.defs[name] = def
	}
	old := def.peek()
	def.value.Store(uint64(d.heap.Retain(v)))
	def.initialized.Store(true)
	d.version.Add(1)
	d.heap.Release(old)
	return true
}

// Init performs initproperty semantics: read-only definitions accept one
// initialization.
func (d *Domain) Init(name string, v Atom) bool {
	d.mu.Lock()
	def, ok := d.defs[name]
	d.mu.Unlock()
	if !ok || !def.ReadOnly {
		return d.Set(name, v)
	}
	return d.Define(name, v, true)
}

// Delete removes a writable definition.
func (d *Domain) Delete(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	def, ok := d.defs[name]
	if !ok {
		return true
	}
	if def.ReadOnly {
		return false
	}
	delete(d.defs, name)
	d.version.Add(1)
	d.heap.Release(def.peek())
	return true
}

// Names returns the defined names in sorted order.
func (d *Domain) Names() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.defs))
	for k := range d.defs {
		names = append(names, k)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Close releases every definition and the global object.
func (d *Domain) Close() {
	d.mu.Lock()
	defs := d.defs
	d.defs = make(map[string]*Definition)
	d.mu.Unlock()
	for _, def := range defs {
		d.heap.Release(def.peek())
	}
	d.heap.Release(d.global)
	d.global = Undefined
}
