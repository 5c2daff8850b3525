package vm

// ---------------------------------------------------------------------------
// Property access: traits first, then the object model
// ---------------------------------------------------------------------------

// nullAccess raises the TypeError for a property access on null or undefined.
func (vm *VM) nullAccess(obj Atom, name string) error {
	if obj.IsUndefined() {
		return vm.Raise(KindTypeError, "Cannot access property %s of undefined", name)
	}
	return vm.Raise(KindTypeError, "Cannot access a property or method of a null object reference (%s)", name)
}

// getProperty reads name from obj. The result is owned.
func (w *Worker) getProperty(obj Atom, name string) (Atom, error) {
	if obj.IsNullish() {
		return Undefined, w.vm.nullAccess(obj, name)
	}
	cls := w.vm.Objects.ClassOf(obj)
	if t := cls.FindTrait(name); t != nil {
		return w.readTrait(obj, t)
	}
	return w.getDynamic(obj, cls, name)
}

func (w *Worker) getDynamic(obj Atom, cls *ClassObject, name string) (Atom, error) {
	v, found, err := w.vm.Objects.GetDynamic(obj, name)
	if err != nil || found {
		return v, err
	}
	if cls != nil && cls.sealed {
		return Undefined, w.vm.Raise(KindReferenceError, "Property %s not found on %s and there is no default value", name, cls.name)
	}
	return Undefined, nil
}

// readTrait reads a resolved trait of obj. Methods are returned bound to obj.
func (w *Worker) readTrait(obj Atom, t *Trait) (Atom, error) {
	switch t.Kind {
	case TraitSlot, TraitConst:
		return w.vm.Objects.GetSlot(obj, t.Slot)
	case TraitMethod:
		return w.vm.boundMethod(obj, t.Method), nil
	}
	if t.Getter.IsUndefined() {
		return Undefined, w.vm.Raise(KindReferenceError, "Illegal read of write-only property %s", t.Name)
	}
	return w.invoke(t.Getter, obj, nil)
}

// setProperty assigns name on obj. init selects initproperty semantics,
// which may initialize constants.
func (w *Worker) setProperty(obj Atom, name string, v Atom, init bool) error {
	if obj.IsNullish() {
		return w.vm.nullAccess(obj, name)
	}
	if t := w.vm.Objects.ClassOf(obj).FindTrait(name); t != nil {
		return w.writeTrait(obj, t, v, init)
	}
	if init {
		return w.vm.Objects.InitDynamic(obj, name, v)
	}
	return w.vm.Objects.SetDynamic(obj, name, v)
}

// writeTrait assigns a resolved trait of obj.
func (w *Worker) writeTrait(obj Atom, t *Trait, v Atom, init bool) error {
	vm := w.vm
	switch t.Kind {
	case TraitConst:
		if !init {
			return vm.Raise(KindReferenceError, "Illegal write to read-only property %s", t.Name)
		}
		fallthrough
	case TraitSlot:
		c, err := vm.Objects.Coerce(w, v, t.Type)
		if err != nil {
			return err
		}
		err = vm.Objects.SetSlot(obj, t.Slot, c)
		vm.Heap.Release(c)
		return err
	case TraitMethod:
		return vm.Raise(KindReferenceError, "Cannot assign to a method %s", t.Name)
	}
	if t.Setter.IsUndefined() {
		return vm.Raise(KindReferenceError, "Illegal write to read-only property %s", t.Name)
	}
	r, err := w.invoke(t.Setter, obj, []Atom{v})
	vm.Heap.Release(r)
	return err
}

// deleteProperty removes a dynamic property. Fixed traits are never deleted.
func (w *Worker) deleteProperty(obj Atom, name string) (bool, error) {
	if obj.IsNullish() {
		return false, w.vm.nullAccess(obj, name)
	}
	if w.vm.Objects.ClassOf(obj).FindTrait(name) != nil {
		return false, nil
	}
	return w.vm.Objects.DeleteDynamic(obj, name)
}

// callProperty calls the method or function property name of obj. With
// lex set the function receives null as receiver (callproplex).
func (w *Worker) callProperty(obj Atom, name string, args []Atom, lex bool) (Atom, error) {
	if obj.IsNullish() {
		return Undefined, w.vm.nullAccess(obj, name)
	}
	cls := w.vm.Objects.ClassOf(obj)
	t := cls.FindTrait(name)
	if t != nil && t.Kind == TraitMethod {
		return w.invoke(t.Method, obj, args)
	}
	var (
		fn  Atom
		err error
	)
	if t != nil {
		fn, err = w.readTrait(obj, t)
	} else {
		fn, err = w.getDynamic(obj, cls, name)
	}
	if err != nil {
		return Undefined, err
	}
	defer w.vm.Heap.Release(fn)
	return w.callValue(fn, obj, name, args, lex)
}

// callValue invokes a property value fetched from obj.
func (w *Worker) callValue(fn, obj Atom, name string, args []Atom, lex bool) (Atom, error) {
	if fn.IsNullish() {
		return Undefined, w.vm.Raise(KindTypeError, "%s is not a function", name)
	}
	this := obj
	if lex {
		this = Null
	}
	return w.invoke(fn, this, args)
}

// constructProperty constructs the class or function stored in property name.
func (w *Worker) constructProperty(obj Atom, name string, args []Atom) (Atom, error) {
	ctor, err := w.getProperty(obj, name)
	if err != nil {
		return Undefined, err
	}
	defer w.vm.Heap.Release(ctor)
	return w.construct(ctor, args)
}

// hasProperty reports whether name resolves on obj. Traits are always
// visible; dynamic properties only when dyn is set. The global object
// exposes every domain definition.
func (w *Worker) hasProperty(obj Atom, name string, dyn bool) bool {
	if g, ok := w.vm.Heap.Object(obj).(*GlobalObject); ok {
		if _, ok := g.domain.Lookup(name); ok {
			return true
		}
	}
	if w.vm.Objects.ClassOf(obj).FindTrait(name) != nil {
		return true
	}
	return dyn && w.vm.Objects.HasDynamic(obj, name)
}

// boundMethod returns method fn bound to receiver obj. The result is owned.
func (vm *VM) boundMethod(obj, fn Atom) Atom {
	f, ok := vm.Heap.Object(fn).(*FunctionObject)
	if !ok {
		return vm.Heap.Retain(fn)
	}
	var scope *ScopeChain
	if f.scope != nil {
		scope = vm.captureScope(f.scope, nil)
	}
	return vm.Heap.Alloc(&FunctionObject{
		name:   f.name,
		method: f.method,
		scope:  scope,
		bound:  vm.Heap.Retain(obj),
		native: f.native,
	})
}

// ---------------------------------------------------------------------------
// Super access: property lookup starting at the base class of the running
// method's class
// ---------------------------------------------------------------------------

// superClass returns the class super lookups on obj start from.
func (w *Worker) superClass(cx *CallContext, obj Atom, name string) (*ClassObject, error) {
	vm := w.vm
	if obj.IsNullish() {
		return nil, vm.nullAccess(obj, name)
	}
	owner := cx.Method.Owner()
	if owner == nil || owner.super == nil {
		return nil, vm.Raise(KindVerifyError, "super access to %s outside a derived class in %s", name, cx.Method)
	}
	if !vm.Objects.ClassOf(obj).IsSubclassOf(owner) {
		return nil, vm.Raise(KindVerifyError, "super access to %s on a value that is not a %s", name, owner.name)
	}
	return owner.super, nil
}

// getSuper reads name from obj through the base class traits. A name the
// base class lacks falls back to the dynamic properties of obj.
func (w *Worker) getSuper(cx *CallContext, obj Atom, name string) (Atom, error) {
	base, err := w.superClass(cx, obj, name)
	if err != nil {
		return Undefined, err
	}
	if t := base.FindTrait(name); t != nil {
		return w.readTrait(obj, t)
	}
	v, _, err := w.vm.Objects.GetDynamic(obj, name)
	return v, err
}

// setSuper assigns name on obj through the base class traits. v is borrowed.
func (w *Worker) setSuper(cx *CallContext, obj Atom, name string, v Atom) error {
	base, err := w.superClass(cx, obj, name)
	if err != nil {
		return err
	}
	if t := base.FindTrait(name); t != nil {
		return w.writeTrait(obj, t, v, false)
	}
	return w.vm.Objects.SetDynamic(obj, name, v)
}

// callSuper calls the base class version of name on obj. Calling a name
// that resolves nowhere yields undefined.
func (w *Worker) callSuper(cx *CallContext, obj Atom, name string, args []Atom) (Atom, error) {
	base, err := w.superClass(cx, obj, name)
	if err != nil {
		return Undefined, err
	}
	t := base.FindTrait(name)
	if t != nil && t.Kind == TraitMethod {
		return w.invoke(t.Method, obj, args)
	}
	var fn Atom
	if t != nil {
		fn, err = w.readTrait(obj, t)
	} else {
		var found bool
		fn, found, err = w.vm.Objects.GetDynamic(obj, name)
		if err == nil && !found {
			log.Warningf("worker %s: callsuper of undefined function %s in %s", w.ID, name, cx.Method)
			return Undefined, nil
		}
	}
	if err != nil {
		return Undefined, err
	}
	defer w.vm.Heap.Release(fn)
	return w.callValue(fn, obj, name, args, false)
}
