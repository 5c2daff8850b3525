package vm

// ---------------------------------------------------------------------------
// Specialized interpreter: dispatch over translated code
// ---------------------------------------------------------------------------

// runTranslated runs cx over tr, routing scripted exceptions through the
// translated exception table.
func (w *Worker) runTranslated(cx *CallContext, tr *Translation) (Atom, error) {
	var caches *CacheTable
	if len(tr.Sites) > 0 {
		caches = cx.Method.cacheTable(len(tr.Sites))
	}
	cx.pc = 0
	for {
		r, err := w.runFast(cx, tr, caches)
		if err == nil {
			return r, nil
		}
		target, ok := w.dispatch(cx, tr.Exceptions, err)
		if !ok {
			return Undefined, err
		}
		cx.pc = target
	}
}

// operand yields the value of o, owned by the caller.
func (w *Worker) operand(cx *CallContext, o *Operand) Atom {
	switch o.Kind {
	case OperandLocal:
		return w.vm.Heap.Retain(cx.locals[o.Local])
	case OperandConst:
		return w.vm.Heap.Retain(o.Const)
	}
	return w.pop()
}

// operands2 yields both operands of in. Stack operands are always the
// oldest, so B is taken first.
func (w *Worker) operands2(cx *CallContext, in *Instr) (a, b Atom) {
	b = w.operand(cx, &in.B)
	a = w.operand(cx, &in.A)
	return a, b
}

// result stores an owned result in the destination of in.
func (w *Worker) result(cx *CallContext, in *Instr, r Atom) {
	if in.Dest >= 0 {
		cx.setLocal(in.Dest, r)
		return
	}
	w.push(r)
}

// runFast executes translated instructions until a return or an error. On
// error cx.fault holds the index of the failing instruction.
func (w *Worker) runFast(cx *CallContext, tr *Translation, caches *CacheTable) (Atom, error) {
	vm := w.vm
	h := vm.Heap
	code := tr.Code
	for {
		pc := cx.pc
		cx.fault = pc
		in := &code[pc]
		next := pc + 1

		switch in.Op {
		case XCanonical:
			r, done, err := w.execOp(cx, &in.Ins)
			if err != nil {
				return Undefined, err
			}
			if done {
				return r, nil
			}

		case XPush:
			w.push(h.Retain(in.Value))
		case XGetLocal:
			w.push(h.Retain(cx.locals[in.Arg]))
		case XSetLocal:
			cx.setLocal(in.Arg, w.operand(cx, &in.A))

		// --- Control transfer ---
		case XJump:
			next = in.Target
		case XIfTrue, XIfFalse:
			v := w.operand(cx, &in.A)
			t := vm.ToBoolean(v)
			h.Release(v)
			if t == (in.Op == XIfTrue) {
				next = in.Target
			}
		case XIfCmp:
			a, b := w.operands2(cx, in)
			taken, err := w.compareBranch(Opcode(in.Arg), a, b)
			h.Release(a)
			h.Release(b)
			if err != nil {
				return Undefined, err
			}
			if taken {
				next = in.Target
			}
		case XIfCmpInts:
			a, b := w.operands2(cx, in)
			var taken bool
			if a.IsInt() && b.IsInt() {
				taken = compareInts(Opcode(in.Arg), a.Int(), b.Int())
			} else {
				var err error
				taken, err = w.compareBranch(Opcode(in.Arg), a, b)
				h.Release(a)
				h.Release(b)
				if err != nil {
					return Undefined, err
				}
			}
			if taken {
				next = in.Target
			}
		case XSwitch:
			next = in.Targets[w.switchCase(w.operand(cx, &in.A), len(in.Targets)-1)]

		// --- Arithmetic ---
		case XBinary:
			a, b := w.operands2(cx, in)
			r, err := w.binary(Opcode(in.Arg), a, b)
			h.Release(a)
			h.Release(b)
			if err != nil {
				return Undefined, err
			}
			w.result(cx, in, r)
		case XAddInts, XSubInts:
			a, b := w.operands2(cx, in)
			if a.IsInt() && b.IsInt() {
				if in.Op == XAddInts {
					w.result(cx, in, addInts(a.Int(), b.Int()))
				} else {
					w.result(cx, in, subInts(a.Int(), b.Int()))
				}
				break
			}
			op := OpAdd
			if in.Op == XSubInts {
				op = OpSubtract
			}
			r, err := w.binary(op, a, b)
			h.Release(a)
			h.Release(b)
			if err != nil {
				return Undefined, err
			}
			w.result(cx, in, r)
		case XUnary:
			a := w.operand(cx, &in.A)
			r, err := w.unary(Opcode(in.Arg), a)
			h.Release(a)
			if err != nil {
				return Undefined, err
			}
			w.result(cx, in, r)

		// --- Returns ---
		case XReturnVoid:
			return Undefined, nil
		case XReturnValue:
			v := w.operand(cx, &in.A)
			r, err := w.coerceReturn(cx.Method, v)
			h.Release(v)
			if err != nil {
				return Undefined, err
			}
			return r, nil

		// --- Early-bound scope access ---
		case XGetScopeObject:
			w.push(h.Retain(cx.scope[in.Arg].Value))
		case XGetScopeSlot:
			v, err := vm.Objects.GetSlot(cx.scope[in.Arg].Value, in.Arg2)
			if err != nil {
				return Undefined, err
			}
			w.push(v)
		case XGetScopeProperty:
			v, err := w.getProperty(cx.scope[in.Arg].Value, in.Name)
			if err != nil {
				return Undefined, err
			}
			w.push(v)
		case XGetSlot:
			obj := w.pop()
			if obj.IsNullish() {
				return Undefined, vm.nullAccess(obj, in.Name)
			}
			v, err := vm.Objects.GetSlot(obj, in.Arg)
			h.Release(obj)
			if err != nil {
				return Undefined, err
			}
			w.push(v)
		case XCoerceClass:
			v := w.pop()
			c, err := vm.Objects.Coerce(w, v, in.Class)
			h.Release(v)
			if err != nil {
				return Undefined, err
			}
			w.push(c)

		// --- Cached sites ---
		case XGetLex:
			v, err := w.cachedGetLex(cx, caches.Get(in.Site), in.Name)
			if err != nil {
				return Undefined, err
			}
			w.push(v)
		case XGetProperty:
			obj := w.pop()
			v, err := w.cachedGetProperty(caches.Get(in.Site), obj, in.Name)
			h.Release(obj)
			if err != nil {
				return Undefined, err
			}
			w.push(v)
		case XSetProperty, XInitProperty:
			v := w.pop()
			obj := w.pop()
			err := w.cachedSetProperty(caches.Get(in.Site), obj, in.Name, v, in.Op == XInitProperty)
			h.Release(v)
			h.Release(obj)
			if err != nil {
				return Undefined, err
			}
		case XCallProperty, XCallPropVoid:
			args := w.popN(in.Arg)
			obj := w.pop()
			r, err := w.cachedCallProperty(caches.Get(in.Site), obj, in.Name, args)
			h.ReleaseAll(args)
			h.Release(obj)
			if err != nil {
				return Undefined, err
			}
			if in.Op == XCallPropVoid {
				h.Release(r)
			} else {
				w.push(r)
			}

		default:
			return Undefined, vm.Raise(KindVerifyError, "%s: bad translated instruction %s", cx.Method, in.Op)
		}

		if next <= pc {
			if err := w.checkInterrupt(); err != nil {
				return Undefined, err
			}
		}
		cx.pc = next
	}
}

// compareInts evaluates a two-operand branch over int operands.
func compareInts(op Opcode, a, b int32) bool {
	switch op {
	case OpIfEq, OpIfStrictEq:
		return a == b
	case OpIfNe, OpIfStrictNe:
		return a != b
	case OpIfLt:
		return a < b
	case OpIfLe:
		return a <= b
	case OpIfGt:
		return a > b
	case OpIfGe:
		return a >= b
	case OpIfNLt:
		return !(a < b)
	case OpIfNLe:
		return !(a <= b)
	case OpIfNGt:
		return !(a > b)
	case OpIfNGe:
		return !(a >= b)
	}
	panic("compareInts: not a conditional branch: " + op.Name())
}

// ---------------------------------------------------------------------------
// Cached lookups
// ---------------------------------------------------------------------------

// These mirror getLex, getProperty, setProperty and callProperty. A cache
// hit skips the trait search or the scope walk; every other path is the
// generic one.

func (w *Worker) cachedGetLex(cx *CallContext, ic *InlineCache, name string) (Atom, error) {
	vm := w.vm
	if def := ic.lookupLex(w, cx); def != nil {
		return vm.Heap.Retain(def.peek()), nil
	}
	hit, ok := w.locate(cx, name)
	if !ok {
		return Undefined, vm.Raise(KindReferenceError, "Variable %s is not defined", name)
	}
	global := hit.domain
	if !global {
		_, isGlobal := vm.Heap.Object(hit.value).(*GlobalObject)
		global = isGlobal && vm.Objects.ClassOf(hit.value).FindTrait(name) == nil
	}
	if global {
		if def, ok := vm.Domain.Lookup(name); ok && def.Frozen() {
			if shape, ok := w.shapeOf(cx); ok {
				ic.recordLex(shape, def)
			}
			return vm.Heap.Retain(def.peek()), nil
		}
	}
	if hit.domain {
		if v, ok := vm.Domain.Get(name); ok {
			return v, nil
		}
	}
	return w.getProperty(hit.value, name)
}

// cachedTrait finds the trait name on receivers of class cls, consulting
// and filling ic.
func (w *Worker) cachedTrait(ic *InlineCache, cls *ClassObject, name string) *Trait {
	if t := ic.lookupTrait(cls); t != nil {
		return t
	}
	t := cls.FindTrait(name)
	if t != nil {
		ic.recordTrait(cls, t)
	}
	return t
}

func (w *Worker) cachedGetProperty(ic *InlineCache, obj Atom, name string) (Atom, error) {
	if obj.IsNullish() {
		return Undefined, w.vm.nullAccess(obj, name)
	}
	cls := w.vm.Objects.ClassOf(obj)
	if t := w.cachedTrait(ic, cls, name); t != nil {
		return w.readTrait(obj, t)
	}
	return w.getDynamic(obj, cls, name)
}

func (w *Worker) cachedSetProperty(ic *InlineCache, obj Atom, name string, v Atom, init bool) error {
	if obj.IsNullish() {
		return w.vm.nullAccess(obj, name)
	}
	if t := w.cachedTrait(ic, w.vm.Objects.ClassOf(obj), name); t != nil {
		return w.writeTrait(obj, t, v, init)
	}
	if init {
		return w.vm.Objects.InitDynamic(obj, name, v)
	}
	return w.vm.Objects.SetDynamic(obj, name, v)
}

func (w *Worker) cachedCallProperty(ic *InlineCache, obj Atom, name string, args []Atom) (Atom, error) {
	if obj.IsNullish() {
		return Undefined, w.vm.nullAccess(obj, name)
	}
	cls := w.vm.Objects.ClassOf(obj)
	t := w.cachedTrait(ic, cls, name)
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
	return w.callValue(fn, obj, name, args, false)
}
