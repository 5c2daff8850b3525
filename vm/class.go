package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// ClassObject: classes and their trait tables
// ---------------------------------------------------------------------------

// Trait is a resolved fixed property of a class. TraitGetter covers
// accessors: either Getter or Setter may be Undefined.
type Trait struct {
	Name   string
	Kind   TraitKind
	Slot   int          // 0-based slot index for slot and const traits
	Type   *ClassObject // declared slot type, nil for "*"
	Method Atom         // function for method traits
	Getter Atom
	Setter Atom
	Owner  *ClassObject
}

// IsAccessor reports whether t is a getter/setter pair.
func (t *Trait) IsAccessor() bool {
	return t.Kind == TraitGetter || t.Kind == TraitSetter
}

type slotInfo struct {
	trait   *Trait
	initial OptionalValue
	program *Program // pool holding initial, nil when the slot has no initial value
}

// ClassObject is a class: a trait table describing its instances plus a
// static side (meta) describing the class value itself.
type ClassObject struct {
	name   string
	super  *ClassObject
	self   Atom // the class's own atom, not retained
	sealed bool

	traits map[string]*Trait
	slots  []slotInfo

	iinit      *MethodInfo
	nativeInit NativeFunc
	scope      *ScopeChain

	meta      *ClassObject
	owner     *ClassObject // instance side of a meta class
	staticsMu sync.RWMutex
	statics   []Atom

	primitive  bool
	primKind   Kind
	errorClass bool
	errorKind  ErrorKind
}

// Name returns the class name.
func (c *ClassObject) Name() string { return c.name }

// Super returns the base class, or nil for the root.
func (c *ClassObject) Super() *ClassObject { return c.super }

// Sealed reports whether instances reject dynamic properties.
func (c *ClassObject) Sealed() bool { return c.sealed }

// Atom returns the class value. The reference is borrowed.
func (c *ClassObject) Atom() Atom { return c.self }

// SlotCount returns the number of fixed slots of an instance.
func (c *ClassObject) SlotCount() int { return len(c.slots) }

// FindTrait resolves a fixed property by name, walking inherited traits.
func (c *ClassObject) FindTrait(name string) *Trait {
	if c == nil {
		return nil
	}
	return c.traits[name]
}

// IsSubclassOf returns true if c is other or derives from it.
func (c *ClassObject) IsSubclassOf(other *ClassObject) bool {
	for current := c; current != nil; current = current.super {
		if current == other {
			return true
		}
	}
	return false
}

// commonAncestor returns the nearest class both a and b derive from.
func commonAncestor(a, b *ClassObject) *ClassObject {
	for x := a; x != nil; x = x.super {
		if b.IsSubclassOf(x) {
			return x
		}
	}
	return nil
}

func (c *ClassObject) String() string {
	return fmt.Sprintf("[class %s]", c.name)
}

// ReleaseRefs releases the static slots and trait functions of c.
func (c *ClassObject) ReleaseRefs(h *Heap) {
	c.staticsMu.Lock()
	h.ReleaseAll(c.statics)
	c.statics = nil
	c.staticsMu.Unlock()
	for _, t := range c.traits {
		if t.Owner != c {
			continue
		}
		h.Release(t.Method)
		h.Release(t.Getter)
		h.Release(t.Setter)
	}
	if c.meta != nil {
		for _, t := range c.meta.traits {
			h.Release(t.Method)
			h.Release(t.Getter)
			h.Release(t.Setter)
		}
	}
	if c.scope != nil {
		c.scope.release(h)
	}
}

// newClassObject creates a class deriving from super with no traits of its own.
func newClassObject(name string, super *ClassObject, sealed bool) *ClassObject {
	c := &ClassObject{
		name:   name,
		super:  super,
		sealed: sealed,
		traits: make(map[string]*Trait),
		self:   Undefined,
	}
	if super != nil {
		for k, t := range super.traits {
			c.traits[k] = t
		}
		c.slots = append(c.slots, super.slots...)
		c.errorClass = super.errorClass
		c.errorKind = super.errorKind
		c.nativeInit = super.nativeInit
	}
	c.meta = &ClassObject{
		name:   name + "$",
		sealed: true,
		traits: make(map[string]*Trait),
		self:   Undefined,
		owner:  c,
	}
	return c
}

// addSlot declares a slot trait. slotID is 1-based; 0 takes the next free slot.
func (c *ClassObject) addSlot(name string, kind TraitKind, slotID int, typ *ClassObject, init OptionalValue, p *Program) (*Trait, error) {
	idx := len(c.slots)
	if slotID > 0 {
		idx = slotID - 1
	}
	if idx < len(c.slots) && c.slots[idx].trait != nil && c.slots[idx].trait.Owner != c {
		return nil, fmt.Errorf("%w: slot %d of %s overrides an inherited slot", ErrInvalidProgram, idx+1, c.name)
	}
	if prev := c.traits[name]; prev != nil && prev.Owner != c {
		return nil, fmt.Errorf("%w: slot %s of %s shadows an inherited %s", ErrInvalidProgram, name, c.name, prev.Kind)
	}
	for len(c.slots) <= idx {
		c.slots = append(c.slots, slotInfo{})
	}
	t := &Trait{Name: name, Kind: kind, Slot: idx, Type: typ, Method: Undefined, Getter: Undefined, Setter: Undefined, Owner: c}
	c.slots[idx] = slotInfo{trait: t, initial: init, program: p}
	c.traits[name] = t
	return t, nil
}

// addMethod declares a method, getter or setter. fn is owned by the class.
func (c *ClassObject) addMethod(h *Heap, name string, kind TraitKind, fn Atom) {
	switch kind {
	case TraitGetter, TraitSetter:
		t := c.traits[name]
		if t == nil || !t.IsAccessor() || t.Owner != c {
			nt := &Trait{Name: name, Kind: TraitGetter, Method: Undefined, Getter: Undefined, Setter: Undefined, Owner: c}
			if t != nil && t.IsAccessor() {
				// keep the inherited half of the pair
				nt.Getter = h.Retain(t.Getter)
				nt.Setter = h.Retain(t.Setter)
			}
			t = nt
			c.traits[name] = t
		}
		if kind == TraitGetter {
			h.Release(t.Getter)
			t.Getter = fn
		} else {
			h.Release(t.Setter)
			t.Setter = fn
		}
	default:
		c.traits[name] = &Trait{Name: name, Kind: TraitMethod, Method: fn, Getter: Undefined, Setter: Undefined, Owner: c}
	}
}

// defaultSlotValue returns the value a typed slot holds before assignment.
func (vm *VM) defaultSlotValue(typ *ClassObject) Atom {
	if typ == nil {
		return Undefined
	}
	if typ.primitive {
		switch typ.primKind {
		case KindInt:
			return FromInt(0)
		case KindUint:
			return FromUint(0)
		case KindNumber:
			return FromNumber(nan)
		case KindBoolean:
			return False
		}
	}
	return Null
}
