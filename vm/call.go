package vm

// ---------------------------------------------------------------------------
// Calls: invocation, frame entry and exit
// ---------------------------------------------------------------------------

// invoke calls fn with receiver this. Arguments are borrowed.
func (w *Worker) invoke(fn, this Atom, args []Atom) (Atom, error) {
	switch f := w.vm.Heap.Object(fn).(type) {
	case *FunctionObject:
		if !f.bound.IsUndefined() {
			this = f.bound
		}
		if f.native != nil {
			return f.native(w, this, args)
		}
		if this.IsNullish() {
			this = w.vm.Domain.Global()
		}
		return w.execute(f.method, this, args, f.scope, fn)
	case *ClassObject:
		return w.callClass(f, args)
	}
	return Undefined, w.vm.Raise(KindTypeError, "%s is not a function", w.vm.ToGoString(fn))
}

// execute runs method m in a new call context.
func (w *Worker) execute(m *MethodInfo, this Atom, args []Atom, scope *ScopeChain, callee Atom) (Atom, error) {
	if m.Body == nil {
		return Undefined, w.vm.Raise(KindVerifyError, "%s has no body", m)
	}
	if w.depth >= w.MaxRecursion {
		log.Debugf("worker %s: recursion limit %d reached calling %s", w.ID, w.MaxRecursion, m)
		return Undefined, w.vm.Raise(KindStackOverflowError, "Stack overflow occurred")
	}
	if err := w.checkInterrupt(); err != nil {
		return Undefined, err
	}
	cx, err := w.enter(m, this, args, scope, callee)
	if err != nil {
		return Undefined, err
	}
	defer w.leave(cx)

	if tr := w.vm.translationFor(m); tr != nil {
		return w.runTranslated(cx, tr)
	}
	if opts := w.vm.Options.Optimizer; opts.Enabled && opts.Required {
		return Undefined, m.translateErr
	}
	return w.interpret(cx)
}

// enter binds arguments into a fresh call context and makes it current.
func (w *Worker) enter(m *MethodInfo, this Atom, args []Atom, scope *ScopeChain, callee Atom) (*CallContext, error) {
	vm := w.vm
	body := m.Body
	nparams := m.ParamCount()
	extra := m.Flags&(NeedRest|NeedArguments) != 0
	if len(args) < m.RequiredParams() {
		return nil, vm.Raise(KindArgumentError, "Argument count mismatch on %s. Expected %d, got %d.", m, m.RequiredParams(), len(args))
	}
	if len(args) > nparams && !extra {
		return nil, vm.Raise(KindArgumentError, "Argument count mismatch on %s. Expected %d, got %d.", m, nparams, len(args))
	}
	types, err := m.paramClasses(vm)
	if err != nil {
		return nil, err
	}

	n := nparams + 1
	if extra {
		n++
	}
	if body.LocalCount > n {
		n = body.LocalCount
	}
	locals := make([]Atom, n)
	for i := range locals {
		locals[i] = Undefined
	}
	locals[0] = vm.Heap.Retain(this)

	for i := 0; i < nparams; i++ {
		var v Atom
		if i < len(args) {
			v = args[i]
		} else {
			v = m.program.Constant(m.Optional[i-m.RequiredParams()])
		}
		c, err := vm.Objects.Coerce(w, v, types[i])
		if i >= len(args) {
			vm.Heap.Release(v)
		}
		if err != nil {
			vm.Heap.ReleaseAll(locals)
			return nil, err
		}
		locals[i+1] = c
	}
	switch {
	case m.Flags&NeedRest != 0:
		rest := args[min(len(args), nparams):]
		locals[nparams+1] = vm.NewArray(rest)
	case m.Flags&NeedArguments != 0:
		arr := vm.NewArray(args)
		if !callee.IsUndefined() {
			if err := vm.Objects.SetDynamic(arr, "callee", callee); err != nil {
				vm.Heap.Release(arr)
				vm.Heap.ReleaseAll(locals)
				return nil, err
			}
		}
		locals[nparams+1] = arr
	}

	cx := &CallContext{
		Method:   m,
		worker:   w,
		locals:   locals,
		base:     w.sp,
		scope:    make([]ScopeEntry, 0, body.MaxScopeDepth-body.InitScopeDepth),
		maxScope: body.MaxScopeDepth - body.InitScopeDepth,
		closure:  scope,
		callee:   callee,
	}
	w.frames = append(w.frames, cx)
	w.depth++
	return cx, nil
}

// leave releases everything the context still owns and pops it.
func (w *Worker) leave(cx *CallContext) {
	w.unwindTo(cx.base)
	cx.clearScope()
	w.vm.Heap.ReleaseAll(cx.locals)
	cx.locals = nil
	w.frames[len(w.frames)-1] = nil
	w.frames = w.frames[:len(w.frames)-1]
	w.depth--
}

// paramClasses resolves the declared parameter types of m. The result is
// cached once every type resolved to a frozen class definition.
func (m *MethodInfo) paramClasses(vm *VM) ([]*ClassObject, error) {
	if cached := m.params.Load(); cached != nil {
		return *cached, nil
	}
	types := make([]*ClassObject, len(m.ParamTypes))
	stable := true
	for i, idx := range m.ParamTypes {
		c, frozen, err := vm.resolveType(m.program, idx)
		if err != nil {
			return nil, err
		}
		types[i] = c
		stable = stable && frozen
	}
	if stable {
		m.params.Store(&types)
	}
	return types, nil
}

type typeRef struct{ cls *ClassObject }

// returnClass resolves the declared return type of m, nil for "*" and void.
func (m *MethodInfo) returnClass(vm *VM) (*ClassObject, error) {
	if r := m.ret.Load(); r != nil {
		return r.cls, nil
	}
	c, frozen, err := vm.resolveType(m.program, m.ReturnType)
	if err != nil {
		return nil, err
	}
	if frozen {
		m.ret.Store(&typeRef{cls: c})
	}
	return c, nil
}

// resolveType resolves a type multiname through the domain. frozen is true
// when the binding can never change.
func (vm *VM) resolveType(p *Program, idx int) (cls *ClassObject, frozen bool, err error) {
	mn := p.Multiname(idx)
	if mn.IsAny() || mn.Name == "void" {
		return nil, true, nil
	}
	def, ok := vm.Domain.Lookup(mn.Name)
	if !ok {
		return nil, false, vm.Raise(KindVerifyError, "Class %s could not be found", mn.Name)
	}
	v, _ := vm.Domain.Get(mn.Name)
	defer vm.Heap.Release(v)
	c, ok := vm.Heap.Object(v).(*ClassObject)
	if !ok {
		return nil, false, vm.Raise(KindVerifyError, "%s is not a class", mn.Name)
	}
	return c, def.Frozen(), nil
}

// slotType resolves a slot type leniently: names not yet defined are
// treated as "*", and the class being built may refer to itself.
func (vm *VM) slotType(p *Program, idx int, self *ClassObject) *ClassObject {
	mn := p.Multiname(idx)
	if mn.IsAny() {
		return nil
	}
	if self != nil && mn.Name == self.name {
		return self
	}
	v, ok := vm.Domain.Get(mn.Name)
	if !ok {
		return nil
	}
	defer vm.Heap.Release(v)
	c, _ := vm.Heap.Object(v).(*ClassObject)
	return c
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

// construct creates an instance with the class or function ctor.
func (w *Worker) construct(ctor Atom, args []Atom) (Atom, error) {
	vm := w.vm
	switch c := vm.Heap.Object(ctor).(type) {
	case *ClassObject:
		if c.primitive {
			return w.callClass(c, args)
		}
		if c == vm.arrayClass {
			return w.newArrayFromArgs(args)
		}
		obj, err := vm.Objects.NewInstance(c)
		if err != nil {
			return Undefined, err
		}
		if err := w.initInstance(c, obj, args); err != nil {
			vm.Heap.Release(obj)
			return Undefined, err
		}
		markConstructed(vm.Heap.Object(obj))
		return obj, nil
	case *FunctionObject:
		if c.method == nil {
			break
		}
		obj := vm.NewObject()
		r, err := w.execute(c.method, obj, args, c.scope, ctor)
		if err != nil {
			vm.Heap.Release(obj)
			return Undefined, err
		}
		if r.IsObject() {
			vm.Heap.Release(obj)
			return r, nil
		}
		vm.Heap.Release(r)
		markConstructed(vm.Heap.Object(obj))
		return obj, nil
	}
	return Undefined, vm.Raise(KindTypeError, "%s is not a constructor", vm.ToGoString(ctor))
}

func markConstructed(obj any) {
	if so, ok := obj.(*ScriptObject); ok {
		so.mu.Lock()
		so.constructed = true
		so.mu.Unlock()
	}
}

// initInstance runs the instance initializer of c on obj. Classes without
// one run their base class initializer.
func (w *Worker) initInstance(c *ClassObject, obj Atom, args []Atom) error {
	var (
		r   Atom
		err error
	)
	switch {
	case c.iinit != nil:
		r, err = w.execute(c.iinit, obj, args, c.scope, Undefined)
	case c.nativeInit != nil:
		r, err = c.nativeInit(w, obj, args)
	case c.super != nil:
		return w.initInstance(c.super, obj, args)
	default:
		return nil
	}
	w.vm.Heap.Release(r)
	return err
}

// constructSuper runs the base class initializer from inside an instance
// initializer.
func (w *Worker) constructSuper(cx *CallContext, obj Atom, args []Atom) error {
	owner := cx.Method.Owner()
	if owner == nil {
		return w.vm.Raise(KindVerifyError, "constructsuper outside an instance initializer in %s", cx.Method)
	}
	if owner.super == nil {
		return nil
	}
	return w.initInstance(owner.super, obj, args)
}

// callClass implements calling a class as a function: an explicit conversion.
func (w *Worker) callClass(c *ClassObject, args []Atom) (Atom, error) {
	vm := w.vm
	arg := Undefined
	if len(args) > 0 {
		arg = args[0]
	}
	if c.primitive {
		switch c.primKind {
		case KindString:
			if len(args) == 0 {
				return vm.Heap.NewString(""), nil
			}
			return w.ToString(arg)
		case KindBoolean:
			return FromBool(vm.ToBoolean(arg)), nil
		}
		if len(args) == 0 {
			return vm.defaultSlotValue(c), nil
		}
		return vm.Objects.Coerce(w, arg, c)
	}
	if c.errorClass || c == vm.arrayClass || c == vm.objectClass {
		return w.construct(c.self, args)
	}
	if len(args) != 1 {
		return Undefined, vm.Raise(KindArgumentError, "Argument count mismatch on class coercion. Expected 1, got %d.", len(args))
	}
	return vm.Objects.Coerce(w, arg, c)
}

func (w *Worker) newArrayFromArgs(args []Atom) (Atom, error) {
	if len(args) == 1 && args[0].IsNumeric() {
		f := args[0].numeric()
		n := DoubleToUint32(f)
		if float64(n) != f {
			return Undefined, w.vm.Raise(KindRangeError, "Array index is not a positive integer (%s)", FormatNumber(f))
		}
		arr := w.vm.NewArray(nil)
		if err := w.vm.Objects.SetDynamic(arr, "length", args[0]); err != nil {
			w.vm.Heap.Release(arr)
			return Undefined, err
		}
		return arr, nil
	}
	return w.vm.NewArray(args), nil
}

// ---------------------------------------------------------------------------
// Classes, closures and synthetic scopes
// ---------------------------------------------------------------------------

// newClass builds the class described by class definition idx, deriving
// from base, and runs its class initializer. The result is owned.
func (w *Worker) newClass(cx *CallContext, idx int, base Atom) (Atom, error) {
	vm := w.vm
	p := cx.Method.program
	if idx < 0 || idx >= len(p.Classes) {
		return Undefined, vm.Raise(KindVerifyError, "class index %d out of range", idx)
	}
	def := p.Classes[idx]

	super := vm.objectClass
	if !base.IsNullish() {
		sc, ok := vm.Heap.Object(base).(*ClassObject)
		if !ok || sc.primitive {
			return Undefined, vm.Raise(KindVerifyError, "%s cannot be extended by %s", vm.ToGoString(base), def.Name)
		}
		super = sc
	}

	c := newClassObject(def.Name, super, def.Sealed)
	c.scope = vm.captureScope(cx.closure, cx.scope)
	for _, t := range def.InstanceTraits {
		if err := w.bindTrait(c, p, t); err != nil {
			c.ReleaseRefs(vm.Heap)
			return Undefined, err
		}
	}
	for _, t := range def.StaticTraits {
		if err := w.bindTrait(c.meta, p, t); err != nil {
			c.ReleaseRefs(vm.Heap)
			return Undefined, err
		}
	}
	c.statics = vm.initialSlots(c.meta.slots)
	c.iinit = p.Methods[def.InstanceInit]
	c.iinit.owner.Store(c)

	a := vm.Heap.Alloc(c)
	c.self = a

	cinit := p.Methods[def.ClassInit]
	cinit.owner.Store(c.meta)
	r, err := w.execute(cinit, a, nil, c.scope, Undefined)
	if err != nil {
		vm.Heap.Release(a)
		return Undefined, err
	}
	vm.Heap.Release(r)
	log.Debugf("worker %s: defined class %s (%d slots)", w.ID, c.name, len(c.slots))
	return a, nil
}

// bindTrait declares trait t on c. Methods close over the class scope.
func (w *Worker) bindTrait(c *ClassObject, p *Program, t TraitDef) error {
	vm := w.vm
	switch t.Kind {
	case TraitSlot, TraitConst:
		var src *Program
		if t.Value.Kind != ConstUndefined {
			src = p
		}
		_, err := c.addSlot(t.Name, t.Kind, t.SlotID, vm.slotType(p, t.Type, c), t.Value, src)
		if err != nil {
			return vm.Raise(KindVerifyError, "%v", err)
		}
	case TraitMethod, TraitGetter, TraitSetter:
		if prev := c.traits[t.Name]; prev != nil && (prev.Kind == TraitSlot || prev.Kind == TraitConst) {
			return vm.Raise(KindVerifyError, "%s overrides slot %s of %s", t.Kind, t.Name, prev.Owner.name)
		}
		if t.Method < 0 || t.Method >= len(p.Methods) {
			return vm.Raise(KindVerifyError, "trait %s refers to method %d", t.Name, t.Method)
		}
		m := p.Methods[t.Method]
		m.owner.Store(c)
		fn := vm.Heap.Alloc(&FunctionObject{
			name:   t.Name,
			method: m,
			scope:  vm.captureScope(c.scopeForMethods(), nil),
			bound:  Undefined,
		})
		c.addMethod(vm.Heap, t.Name, t.Kind, fn)
	default:
		return vm.Raise(KindVerifyError, "%s trait %s not allowed on a class", t.Kind, t.Name)
	}
	return nil
}

// scopeForMethods returns the scope chain trait methods of c close over.
// Meta classes have none of their own; their methods use the class scope
// captured by the instance side.
func (c *ClassObject) scopeForMethods() *ScopeChain {
	if c.scope != nil {
		return c.scope
	}
	if c.owner != nil {
		return c.owner.scope
	}
	return nil
}

// initialSlots returns the starting values of a slot layout, owned.
func (vm *VM) initialSlots(slots []slotInfo) []Atom {
	out := make([]Atom, len(slots))
	for i, s := range slots {
		switch {
		case s.trait == nil:
			out[i] = Undefined
		case s.program != nil:
			out[i] = s.program.Constant(s.initial)
		default:
			out[i] = vm.defaultSlotValue(s.trait.Type)
		}
	}
	return out
}

// newFunction creates a closure over the current scope. The result is owned.
func (w *Worker) newFunction(cx *CallContext, idx int) (Atom, error) {
	p := cx.Method.program
	if idx < 0 || idx >= len(p.Methods) {
		return Undefined, w.vm.Raise(KindVerifyError, "method index %d out of range", idx)
	}
	return w.vm.Heap.Alloc(&FunctionObject{
		method: p.Methods[idx],
		scope:  w.vm.captureScope(cx.closure, cx.scope),
		bound:  Undefined,
	}), nil
}

// newActivation creates the activation object of the running method.
func (w *Worker) newActivation(cx *CallContext) (Atom, error) {
	cls, err := cx.Method.activationClass(w.vm)
	if err != nil {
		return Undefined, err
	}
	return w.vm.newScriptObject(cls), nil
}

// newCatch creates the one-slot scope object of exception handler idx.
func (w *Worker) newCatch(cx *CallContext, idx int) (Atom, error) {
	cls, err := cx.Method.catchClass(w.vm, idx)
	if err != nil {
		return Undefined, err
	}
	return w.vm.newScriptObject(cls), nil
}

func (m *MethodInfo) activationClass(vm *VM) (*ClassObject, error) {
	m.synthMu.Lock()
	defer m.synthMu.Unlock()
	if m.activation != nil {
		return m.activation, nil
	}
	c := newClassObject(m.String()+"$activation", nil, true)
	for _, t := range m.Body.Traits {
		if t.Kind != TraitSlot && t.Kind != TraitConst {
			return nil, vm.Raise(KindVerifyError, "%s trait %s not allowed in an activation", t.Kind, t.Name)
		}
		var src *Program
		if t.Value.Kind != ConstUndefined {
			src = m.program
		}
		if _, err := c.addSlot(t.Name, t.Kind, t.SlotID, vm.slotType(m.program, t.Type, nil), t.Value, src); err != nil {
			return nil, vm.Raise(KindVerifyError, "%v", err)
		}
	}
	m.activation = c
	return c, nil
}

func (m *MethodInfo) catchClass(vm *VM, idx int) (*ClassObject, error) {
	if idx < 0 || idx >= len(m.Body.Exceptions) {
		return nil, vm.Raise(KindVerifyError, "exception index %d out of range in %s", idx, m)
	}
	m.synthMu.Lock()
	defer m.synthMu.Unlock()
	if c, ok := m.catchClasses[idx]; ok {
		return c, nil
	}
	r := m.Body.Exceptions[idx]
	name := ""
	if mn := m.program.Multiname(r.VarName); mn != nil {
		name = mn.Name
	}
	c := newClassObject("catch", nil, true)
	if _, err := c.addSlot(name, TraitSlot, 1, vm.slotType(m.program, r.Type, nil), OptionalValue{}, nil); err != nil {
		return nil, vm.Raise(KindVerifyError, "%v", err)
	}
	if m.catchClasses == nil {
		m.catchClasses = make(map[int]*ClassObject)
	}
	m.catchClasses[idx] = c
	return c, nil
}

// declareScriptTraits binds the traits of a script as domain definitions.
func (vm *VM) declareScriptTraits(p *Program, s *ScriptDef) error {
	for _, t := range s.Traits {
		switch t.Kind {
		case TraitSlot, TraitConst:
			readOnly := t.Kind == TraitConst
			if _, exists := vm.Domain.Lookup(t.Name); exists {
				continue
			}
			switch {
			case t.Value.Kind != ConstUndefined:
				v := p.Constant(t.Value)
				vm.Domain.Define(t.Name, v, readOnly)
				vm.Heap.Release(v)
			case readOnly:
				vm.Domain.Declare(t.Name, true)
			default:
				vm.Domain.Define(t.Name, vm.defaultSlotValue(vm.slotType(p, t.Type, nil)), false)
			}
		case TraitClass:
			vm.Domain.Declare(t.Name, true)
		case TraitMethod, TraitFunction:
			if t.Method < 0 || t.Method >= len(p.Methods) {
				return vm.Raise(KindVerifyError, "trait %s refers to method %d", t.Name, t.Method)
			}
			scope := vm.captureScope(nil, []ScopeEntry{{Value: vm.Domain.Global()}})
			fn := vm.Heap.Alloc(&FunctionObject{name: t.Name, method: p.Methods[t.Method], scope: scope, bound: Undefined})
			ok := vm.Domain.Define(t.Name, fn, t.Kind == TraitMethod)
			vm.Heap.Release(fn)
			if !ok {
				return vm.Raise(KindReferenceError, "Illegal write to read-only property %s on global", t.Name)
			}
		default:
			return vm.Raise(KindVerifyError, "%s trait %s not allowed on a script", t.Kind, t.Name)
		}
	}
	return nil
}
