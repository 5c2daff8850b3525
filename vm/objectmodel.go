package vm

import (
	"maps"
	"slices"
	"strconv"
)

// ---------------------------------------------------------------------------
// ObjectModel: property storage behind the execution core
// ---------------------------------------------------------------------------

// ObjectModel is the storage layer the interpreters use for everything that
// is not a fixed trait binding. Returned atoms are owned by the caller;
// atom arguments are borrowed. Errors are usually *ThrownError.
type ObjectModel interface {
	// ClassOf returns the class describing v, or nil for null and undefined.
	ClassOf(v Atom) *ClassObject
	// NewInstance allocates an unconstructed instance of class.
	NewInstance(class *ClassObject) (Atom, error)
	// GetSlot and SetSlot access fixed slots by 0-based index.
	GetSlot(obj Atom, slot int) (Atom, error)
	SetSlot(obj Atom, slot int, value Atom) error
	// GetDynamic reads a non-trait property; found is false when absent.
	GetDynamic(obj Atom, name string) (value Atom, found bool, err error)
	SetDynamic(obj Atom, name string, value Atom) error
	InitDynamic(obj Atom, name string, value Atom) error
	DeleteDynamic(obj Atom, name string) (bool, error)
	HasDynamic(obj Atom, name string) bool
	// DynamicNames lists the enumerable properties of obj in for-in order.
	DynamicNames(obj Atom) []string
	// IsInstanceOf tests v against class, including primitive classes.
	IsInstanceOf(v Atom, class *ClassObject) bool
	// Coerce converts v to class or raises TypeError.
	Coerce(w *Worker, v Atom, class *ClassObject) (Atom, error)
}

// BasicObjectModel is the reference ObjectModel over ScriptObject,
// ArrayObject, FunctionObject, ClassObject and GlobalObject.
type BasicObjectModel struct {
	vm *VM
}

func (m *BasicObjectModel) ClassOf(v Atom) *ClassObject {
	vm := m.vm
	switch v.Kind() {
	case KindUndefined, KindNull:
		return nil
	case KindBoolean:
		return vm.booleanClass
	case KindInt:
		return vm.intClass
	case KindUint:
		return vm.uintClass
	case KindNumber:
		return vm.numberClass
	case KindString:
		return vm.stringClass
	}
	switch obj := vm.Heap.Object(v).(type) {
	case *ScriptObject:
		return obj.class
	case *ClassObject:
		return obj.meta
	case *FunctionObject:
		return vm.functionClass
	case *ArrayObject:
		return vm.arrayClass
	case *GlobalObject:
		return vm.globalClass
	}
	return vm.objectClass
}

func (m *BasicObjectModel) NewInstance(class *ClassObject) (Atom, error) {
	vm := m.vm
	switch {
	case class.primitive:
		return Undefined, vm.Raise(KindTypeError, "%s is not a constructor", class.name)
	case class == vm.arrayClass:
		return vm.NewArray(nil), nil
	case class == vm.functionClass:
		return vm.NewNativeFunction("", func(*Worker, Atom, []Atom) (Atom, error) { return Undefined, nil }), nil
	}
	return vm.newScriptObject(class), nil
}

func (m *BasicObjectModel) GetSlot(obj Atom, slot int) (Atom, error) {
	h := m.vm.Heap
	switch o := h.Object(obj).(type) {
	case *ScriptObject:
		o.mu.RLock()
		defer o.mu.RUnlock()
		if slot >= 0 && slot < len(o.slots) {
			return h.Retain(o.slots[slot]), nil
		}
	case *ClassObject:
		o.staticsMu.RLock()
		defer o.staticsMu.RUnlock()
		if slot >= 0 && slot < len(o.statics) {
			return h.Retain(o.statics[slot]), nil
		}
	}
	return Undefined, m.vm.Raise(KindReferenceError, "slot %d not found on %s", slot+1, m.vm.ToGoString(obj))
}

func (m *BasicObjectModel) SetSlot(obj Atom, slot int, value Atom) error {
	h := m.vm.Heap
	var old Atom
	switch o := h.Object(obj).(type) {
	case *ScriptObject:
		o.mu.Lock()
		if slot < 0 || slot >= len(o.slots) {
			o.mu.Unlock()
			break
		}
		old = o.slots[slot]
		o.slots[slot] = h.Retain(value)
		o.mu.Unlock()
		h.Release(old)
		return nil
	case *ClassObject:
		o.staticsMu.Lock()
		if slot < 0 || slot >= len(o.statics) {
			o.staticsMu.Unlock()
			break
		}
		old = o.statics[slot]
		o.statics[slot] = h.Retain(value)
		o.staticsMu.Unlock()
		h.Release(old)
		return nil
	}
	return m.vm.Raise(KindReferenceError, "slot %d not found on %s", slot+1, m.vm.ToGoString(obj))
}

func (m *BasicObjectModel) GetDynamic(obj Atom, name string) (Atom, bool, error) {
	h := m.vm.Heap
	switch o := h.Object(obj).(type) {
	case *ScriptObject:
		o.mu.RLock()
		defer o.mu.RUnlock()
		if v, ok := o.dynamic[name]; ok {
			return h.Retain(v), true, nil
		}
	case *ArrayObject:
		o.mu.RLock()
		defer o.mu.RUnlock()
		if name == "length" {
			return FromUint(uint32(len(o.elems))), true, nil
		}
		if i, ok := arrayIndex(name); ok {
			if i < len(o.elems) {
				return h.Retain(o.elems[i]), true, nil
			}
			return Undefined, false, nil
		}
		if v, ok := o.dynamic[name]; ok {
			return h.Retain(v), true, nil
		}
	case *GlobalObject:
		v, ok := o.domain.Get(name)
		return v, ok, nil
	}
	return Undefined, false, nil
}

func (m *BasicObjectModel) SetDynamic(obj Atom, name string, value Atom) error {
	return m.setDynamic(obj, name, value, false)
}

func (m *BasicObjectModel) InitDynamic(obj Atom, name string, value Atom) error {
	return m.setDynamic(obj, name, value, true)
}

func (m *BasicObjectModel) setDynamic(obj Atom, name string, value Atom, init bool) error {
	vm := m.vm
	h := vm.Heap
	switch o := h.Object(obj).(type) {
	case *ScriptObject:
		if o.class.sealed {
			break
		}
		o.mu.Lock()
		old, existed := o.dynamic[name]
		o.dynamic[name] = h.Retain(value)
		if !existed {
			o.keys = append(o.keys, name)
		}
		o.mu.Unlock()
		h.Release(old)
		return nil
	case *ArrayObject:
		return m.setArray(o, name, value)
	case *GlobalObject:
		var ok bool
		if init {
			ok = o.domain.Init(name, value)
		} else {
			ok = o.domain.Set(name, value)
		}
		if !ok {
			return vm.Raise(KindReferenceError, "Illegal write to read-only property %s on global", name)
		}
		return nil
	}
	cls := m.ClassOf(obj)
	cname := "null"
	if cls != nil {
		cname = cls.name
	}
	return vm.Raise(KindReferenceError, "Cannot create property %s on %s", name, cname)
}

func (m *BasicObjectModel) setArray(o *ArrayObject, name string, value Atom) error {
	h := m.vm.Heap
	if name == "length" {
		f := m.vm.primitiveNumber(value)
		n := DoubleToUint32(f)
		if float64(n) != f {
			return m.vm.Raise(KindRangeError, "Array index is not a positive integer (%s)", FormatNumber(f))
		}
		o.mu.Lock()
		var dropped []Atom
		if int(n) < len(o.elems) {
			dropped = append(dropped, o.elems[n:]...)
			o.elems = o.elems[:n]
		}
		for len(o.elems) < int(n) {
			o.elems = append(o.elems, Undefined)
		}
		o.mu.Unlock()
		h.ReleaseAll(dropped)
		return nil
	}
	o.mu.Lock()
	var old Atom
	if i, ok := arrayIndex(name); ok {
		for len(o.elems) <= i {
			o.elems = append(o.elems, Undefined)
		}
		old = o.elems[i]
		o.elems[i] = h.Retain(value)
	} else {
		if o.dynamic == nil {
			o.dynamic = make(map[string]Atom)
		}
		old = o.dynamic[name]
		o.dynamic[name] = h.Retain(value)
	}
	o.mu.Unlock()
	h.Release(old)
	return nil
}

func (m *BasicObjectModel) DeleteDynamic(obj Atom, name string) (bool, error) {
	h := m.vm.Heap
	var old Atom = Undefined
	switch o := h.Object(obj).(type) {
	case *ScriptObject:
		o.mu.Lock()
		if v, ok := o.dynamic[name]; ok {
			old = v
			delete(o.dynamic, name)
			for i, k := range o.keys {
				if k == name {
					o.keys = append(o.keys[:i], o.keys[i+1:]...)
					break
				}
			}
		}
		o.mu.Unlock()
	case *ArrayObject:
		o.mu.Lock()
		if i, ok := arrayIndex(name); ok && i < len(o.elems) {
			old = o.elems[i]
			o.elems[i] = Undefined
		} else if v, ok := o.dynamic[name]; ok {
			old = v
			delete(o.dynamic, name)
		}
		o.mu.Unlock()
	case *GlobalObject:
		return o.domain.Delete(name), nil
	default:
		return false, nil
	}
	h.Release(old)
	return true, nil
}

func (m *BasicObjectModel) HasDynamic(obj Atom, name string) bool {
	switch o := m.vm.Heap.Object(obj).(type) {
	case *ScriptObject:
		o.mu.RLock()
		defer o.mu.RUnlock()
		_, ok := o.dynamic[name]
		return ok
	case *ArrayObject:
		o.mu.RLock()
		defer o.mu.RUnlock()
		if name == "length" {
			return true
		}
		if i, ok := arrayIndex(name); ok {
			return i < len(o.elems)
		}
		_, ok := o.dynamic[name]
		return ok
	case *GlobalObject:
		_, ok := o.domain.Lookup(name)
		return ok
	}
	return false
}

// DynamicNames enumerates script objects in insertion order and arrays by
// element index followed by their other properties in sorted order.
func (m *BasicObjectModel) DynamicNames(obj Atom) []string {
	switch o := m.vm.Heap.Object(obj).(type) {
	case *ScriptObject:
		o.mu.RLock()
		defer o.mu.RUnlock()
		return slices.Clone(o.keys)
	case *ArrayObject:
		o.mu.RLock()
		defer o.mu.RUnlock()
		names := make([]string, 0, len(o.elems)+len(o.dynamic))
		for i := range o.elems {
			names = append(names, strconv.Itoa(i))
		}
		return append(names, slices.Sorted(maps.Keys(o.dynamic))...)
	}
	return nil
}

func (m *BasicObjectModel) IsInstanceOf(v Atom, class *ClassObject) bool {
	return m.vm.isInstanceOfClass(v, class)
}

func (vm *VM) isInstanceOfClass(v Atom, class *ClassObject) bool {
	if class == nil {
		return true
	}
	if class == vm.objectClass {
		return !v.IsNullish()
	}
	if class.primitive {
		switch class.primKind {
		case KindInt:
			if v.IsInt() {
				return true
			}
			if !v.IsNumeric() {
				return false
			}
			f := v.numeric()
			return float64(DoubleToInt32(f)) == f
		case KindUint:
			if v.IsUint() {
				return true
			}
			if !v.IsNumeric() {
				return false
			}
			f := v.numeric()
			return float64(DoubleToUint32(f)) == f
		case KindNumber:
			return v.IsNumeric()
		case KindString:
			return v.IsString()
		case KindBoolean:
			return v.IsBool()
		}
		return false
	}
	c := vm.Objects.ClassOf(v)
	return c != nil && c.IsSubclassOf(class)
}

func (m *BasicObjectModel) Coerce(w *Worker, v Atom, class *ClassObject) (Atom, error) {
	vm := m.vm
	if class == nil {
		return vm.Heap.Retain(v), nil
	}
	if class.primitive {
		switch class.primKind {
		case KindInt:
			n, err := w.ToInt32(v)
			return FromInt(n), err
		case KindUint:
			n, err := w.ToUint32(v)
			return FromUint(n), err
		case KindNumber:
			f, err := w.ToNumber(v)
			return NumberAtom(f), err
		case KindString:
			return w.coerceString(v)
		case KindBoolean:
			return FromBool(vm.ToBoolean(v)), nil
		}
	}
	if v.IsNullish() {
		return Null, nil
	}
	if vm.isInstanceOfClass(v, class) {
		return vm.Heap.Retain(v), nil
	}
	return Undefined, vm.Raise(KindTypeError, "Type Coercion failed: cannot convert %s to %s", vm.ToGoString(v), class.name)
}
