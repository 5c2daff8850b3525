package vm

import (
	"math"
)

// ---------------------------------------------------------------------------
// Baseline interpreter: dispatch over canonical bytecode
// ---------------------------------------------------------------------------

// interpret runs cx over the canonical code, routing scripted exceptions
// to the method's handlers.
func (w *Worker) interpret(cx *CallContext) (Atom, error) {
	ranges := cx.Method.Body.Exceptions
	for {
		r, err := w.runCanonical(cx)
		if err == nil {
			return r, nil
		}
		target, ok := w.dispatch(cx, ranges, err)
		if !ok {
			return Undefined, err
		}
		cx.pc = target
	}
}

// runCanonical executes instructions until a return or an error. On error
// cx.fault holds the offset of the failing instruction.
func (w *Worker) runCanonical(cx *CallContext) (Atom, error) {
	code := cx.Method.Body.Code
	p := cx.Method.program
	for {
		cx.fault = cx.pc
		if cx.pc < 0 || cx.pc >= len(code) {
			return Undefined, w.vm.Raise(KindVerifyError, "%s: control flowed off the end of the code", cx.Method)
		}
		ins, err := DecodeAt(code, cx.pc)
		if err != nil {
			return Undefined, w.vm.Raise(KindVerifyError, "%s: %v", cx.Method, err)
		}
		pop, _ := ins.StackEffect(p)
		if err := w.need(cx, pop); err != nil {
			return Undefined, err
		}

		next := ins.Next()
		switch ins.Op {
		case OpJump, OpIfTrue, OpIfFalse, OpIfEq, OpIfNe, OpIfLt, OpIfLe, OpIfGt, OpIfGe,
			OpIfStrictEq, OpIfStrictNe, OpIfNLt, OpIfNLe, OpIfNGt, OpIfNGe:
			taken, err := w.branch(ins.Op)
			if err != nil {
				return Undefined, err
			}
			if taken {
				next = ins.Target
			}
		case OpLookupSwitch:
			next = ins.Targets[w.switchCase(w.pop(), len(ins.Targets)-1)]
		default:
			r, done, err := w.execOp(cx, &ins)
			if err != nil {
				return Undefined, err
			}
			if done {
				return r, nil
			}
		}
		if next <= ins.Offset {
			if err := w.checkInterrupt(); err != nil {
				return Undefined, err
			}
		}
		cx.pc = next
	}
}

// branch pops the operands of a conditional branch and evaluates it.
func (w *Worker) branch(op Opcode) (bool, error) {
	switch op {
	case OpJump:
		return true, nil
	case OpIfTrue, OpIfFalse:
		v := w.pop()
		t := w.vm.ToBoolean(v)
		w.vm.Heap.Release(v)
		return t == (op == OpIfTrue), nil
	}
	b := w.pop()
	a := w.pop()
	taken, err := w.compareBranch(op, a, b)
	w.vm.Heap.Release(a)
	w.vm.Heap.Release(b)
	return taken, err
}

// switchCase maps a popped lookupswitch index (owned) to a position in
// the target list: 0 is the default, i+1 is case i.
func (w *Worker) switchCase(v Atom, cases int) int {
	defer w.vm.Heap.Release(v)
	var i float64 = -1
	if v.IsNumeric() {
		i = v.numeric()
	}
	if i >= 0 && i < float64(cases) && i == math.Trunc(i) {
		return int(i) + 1
	}
	return 0
}

// compareBranch evaluates the condition of a two-operand branch.
func (w *Worker) compareBranch(op Opcode, a, b Atom) (bool, error) {
	switch op {
	case OpIfEq:
		return w.Equals(a, b)
	case OpIfNe:
		eq, err := w.Equals(a, b)
		return !eq, err
	case OpIfStrictEq:
		return w.vm.StrictEquals(a, b), nil
	case OpIfStrictNe:
		return !w.vm.StrictEquals(a, b), nil
	case OpIfLt:
		return w.lessThan(a, b)
	case OpIfLe:
		return w.lessEquals(a, b)
	case OpIfGt:
		return w.greaterThan(a, b)
	case OpIfGe:
		return w.greaterEquals(a, b)
	case OpIfNLt:
		r, err := w.lessThan(a, b)
		return !r, err
	case OpIfNLe:
		r, err := w.lessEquals(a, b)
		return !r, err
	case OpIfNGt:
		r, err := w.greaterThan(a, b)
		return !r, err
	case OpIfNGe:
		r, err := w.greaterEquals(a, b)
		return !r, err
	}
	panic("compareBranch: not a conditional branch: " + op.Name())
}

// ---------------------------------------------------------------------------
// Instruction semantics shared by both tiers
// ---------------------------------------------------------------------------

// execOp executes one non-branch instruction. done reports a return, with
// r holding the owned result.
func (w *Worker) execOp(cx *CallContext, ins *Instruction) (r Atom, done bool, err error) {
	vm := w.vm
	h := vm.Heap
	p := cx.Method.program

	switch ins.Op {
	case OpNop, OpLabel, OpDebug, OpDebugLine, OpDebugFile:

	case OpThrow:
		v := w.pop()
		te := vm.Throw(v)
		h.Release(v)
		return Undefined, false, te

	case OpKill:
		if !cx.hasLocal(ins.A) {
			return Undefined, false, w.badLocal(cx, ins.A)
		}
		cx.setLocal(ins.A, Undefined)

	// --- Scope stack ---
	case OpPushScope, OpPushWith:
		v := w.pop()
		if v.IsNullish() {
			return Undefined, false, vm.Raise(KindTypeError, "Cannot push %s onto the scope stack", vm.ToGoString(v))
		}
		return Undefined, false, cx.pushScope(v, ins.Op == OpPushWith)
	case OpPopScope:
		return Undefined, false, cx.popScope()
	case OpGetGlobalScope:
		w.push(h.Retain(w.globalScope(cx)))
	case OpGetScopeObject:
		v, err := w.scopeObject(cx, ins.A)
		if err != nil {
			return Undefined, false, err
		}
		w.push(h.Retain(v))

	// --- Constants and stack shape ---
	case OpPushNull:
		w.push(Null)
	case OpPushUndefined:
		w.push(Undefined)
	case OpPushTrue:
		w.push(True)
	case OpPushFalse:
		w.push(False)
	case OpPushNaN:
		w.push(FromNumber(math.NaN()))
	case OpPushByte, OpPushShort:
		w.push(FromInt(int32(ins.A)))
	case OpPushString, OpPushInt, OpPushUint, OpPushDouble:
		v, err := w.poolConstant(p, ins.Op, ins.A)
		if err != nil {
			return Undefined, false, err
		}
		w.push(v)
	case OpPop:
		w.drop()
	case OpDup:
		w.push(h.Retain(w.peek()))
	case OpSwap:
		b := w.pop()
		a := w.pop()
		w.push(b)
		w.push(a)

	// --- Locals ---
	case OpGetLocal, OpGetLocal0, OpGetLocal1, OpGetLocal2, OpGetLocal3:
		i := localIndex(ins)
		if !cx.hasLocal(i) {
			return Undefined, false, w.badLocal(cx, i)
		}
		w.push(h.Retain(cx.locals[i]))
	case OpSetLocal, OpSetLocal0, OpSetLocal1, OpSetLocal2, OpSetLocal3:
		i := localIndex(ins)
		if !cx.hasLocal(i) {
			return Undefined, false, w.badLocal(cx, i)
		}
		cx.setLocal(i, w.pop())
	case OpIncLocal, OpDecLocal, OpIncLocalI, OpDecLocalI:
		if !cx.hasLocal(ins.A) {
			return Undefined, false, w.badLocal(cx, ins.A)
		}
		delta := int32(1)
		if ins.Op == OpDecLocal || ins.Op == OpDecLocalI {
			delta = -1
		}
		var v Atom
		if ins.Op == OpIncLocalI || ins.Op == OpDecLocalI {
			v, err = w.IncrementInt(cx.locals[ins.A], delta)
		} else {
			v, err = w.Increment(cx.locals[ins.A], delta)
		}
		if err != nil {
			return Undefined, false, err
		}
		cx.setLocal(ins.A, v)

	// --- Returns ---
	case OpReturnVoid:
		return Undefined, true, nil
	case OpReturnValue:
		v := w.pop()
		c, err := w.coerceReturn(cx.Method, v)
		h.Release(v)
		if err != nil {
			return Undefined, false, err
		}
		return c, true, nil

	// --- Calls and construction ---
	case OpCall:
		args := w.popN(ins.A)
		this := w.pop()
		fn := w.pop()
		r, err := w.invoke(fn, this, args)
		h.ReleaseAll(args)
		h.Release(this)
		h.Release(fn)
		if err != nil {
			return Undefined, false, err
		}
		w.push(r)
	case OpConstruct:
		args := w.popN(ins.A)
		ctor := w.pop()
		r, err := w.construct(ctor, args)
		h.ReleaseAll(args)
		h.Release(ctor)
		if err != nil {
			return Undefined, false, err
		}
		w.push(r)
	case OpConstructSuper:
		args := w.popN(ins.A)
		obj := w.pop()
		err := w.constructSuper(cx, obj, args)
		h.ReleaseAll(args)
		h.Release(obj)
		if err != nil {
			return Undefined, false, err
		}
	case OpCallProperty, OpCallPropLex, OpCallPropVoid, OpConstructProp:
		mn, err := w.multiname(p, ins.A)
		if err != nil {
			return Undefined, false, err
		}
		args := w.popN(ins.B)
		name := w.popName(mn)
		obj := w.pop()
		var r Atom
		if ins.Op == OpConstructProp {
			r, err = w.constructProperty(obj, name, args)
		} else {
			r, err = w.callProperty(obj, name, args, ins.Op == OpCallPropLex)
		}
		h.ReleaseAll(args)
		h.Release(obj)
		if err != nil {
			return Undefined, false, err
		}
		if ins.Op == OpCallPropVoid {
			h.Release(r)
		} else {
			w.push(r)
		}
	case OpNewObject:
		kv := w.popN(2 * ins.A)
		obj := vm.NewObject()
		for i := 0; i < len(kv) && err == nil; i += 2 {
			err = vm.Objects.SetDynamic(obj, vm.runtimeName(kv[i]), kv[i+1])
		}
		h.ReleaseAll(kv)
		if err != nil {
			h.Release(obj)
			return Undefined, false, err
		}
		w.push(obj)
	case OpNewArray:
		elems := w.popN(ins.A)
		w.push(vm.NewArray(elems))
		h.ReleaseAll(elems)
	case OpNewFunction:
		fn, err := w.newFunction(cx, ins.A)
		if err != nil {
			return Undefined, false, err
		}
		w.push(fn)
	case OpNewClass:
		base := w.pop()
		c, err := w.newClass(cx, ins.A, base)
		h.Release(base)
		if err != nil {
			return Undefined, false, err
		}
		w.push(c)
	case OpNewActivation:
		a, err := w.newActivation(cx)
		if err != nil {
			return Undefined, false, err
		}
		w.push(a)
	case OpNewCatch:
		c, err := w.newCatch(cx, ins.A)
		if err != nil {
			return Undefined, false, err
		}
		w.push(c)

	// --- Name resolution and properties ---
	case OpFindPropStrict, OpFindProperty, OpGetLex:
		mn, err := w.multiname(p, ins.A)
		if err != nil {
			return Undefined, false, err
		}
		if ins.Op == OpGetLex && mn.RTCount() > 0 {
			return Undefined, false, vm.Raise(KindVerifyError, "getlex with runtime multiname %s", mn)
		}
		name := w.popName(mn)
		var v Atom
		switch ins.Op {
		case OpFindProperty:
			v = w.findProperty(cx, name)
		case OpFindPropStrict:
			v, err = w.findPropStrict(cx, name)
		default:
			v, err = w.getLex(cx, name)
		}
		if err != nil {
			return Undefined, false, err
		}
		w.push(v)
	case OpGetProperty, OpDeleteProperty:
		mn, err := w.multiname(p, ins.A)
		if err != nil {
			return Undefined, false, err
		}
		name := w.popName(mn)
		obj := w.pop()
		var v Atom
		if ins.Op == OpGetProperty {
			v, err = w.getProperty(obj, name)
		} else {
			var ok bool
			ok, err = w.deleteProperty(obj, name)
			v = FromBool(ok)
		}
		h.Release(obj)
		if err != nil {
			return Undefined, false, err
		}
		w.push(v)
	case OpSetProperty, OpInitProperty:
		mn, err := w.multiname(p, ins.A)
		if err != nil {
			return Undefined, false, err
		}
		v := w.pop()
		name := w.popName(mn)
		obj := w.pop()
		err = w.setProperty(obj, name, v, ins.Op == OpInitProperty)
		h.Release(v)
		h.Release(obj)
		if err != nil {
			return Undefined, false, err
		}
	case OpGetSlot:
		obj := w.pop()
		v, err := w.getSlot(obj, ins.A-1)
		h.Release(obj)
		if err != nil {
			return Undefined, false, err
		}
		w.push(v)
	case OpSetSlot:
		v := w.pop()
		obj := w.pop()
		err := w.setSlot(obj, ins.A-1, v)
		h.Release(v)
		h.Release(obj)
		if err != nil {
			return Undefined, false, err
		}

	// --- Super access ---
	case OpGetSuper:
		mn, err := w.multiname(p, ins.A)
		if err != nil {
			return Undefined, false, err
		}
		name := w.popName(mn)
		obj := w.pop()
		v, err := w.getSuper(cx, obj, name)
		h.Release(obj)
		if err != nil {
			return Undefined, false, err
		}
		w.push(v)
	case OpSetSuper:
		mn, err := w.multiname(p, ins.A)
		if err != nil {
			return Undefined, false, err
		}
		v := w.pop()
		name := w.popName(mn)
		obj := w.pop()
		err = w.setSuper(cx, obj, name, v)
		h.Release(v)
		h.Release(obj)
		if err != nil {
			return Undefined, false, err
		}
	case OpCallSuper, OpCallSuperVoid:
		mn, err := w.multiname(p, ins.A)
		if err != nil {
			return Undefined, false, err
		}
		args := w.popN(ins.B)
		name := w.popName(mn)
		obj := w.pop()
		r, err := w.callSuper(cx, obj, name, args)
		h.ReleaseAll(args)
		h.Release(obj)
		if err != nil {
			return Undefined, false, err
		}
		if ins.Op == OpCallSuperVoid {
			h.Release(r)
		} else {
			w.push(r)
		}

	// --- Enumeration ---
	case OpHasNext2:
		if !cx.hasLocal(ins.A) {
			return Undefined, false, w.badLocal(cx, ins.A)
		}
		if !cx.hasLocal(ins.B) {
			return Undefined, false, w.badLocal(cx, ins.B)
		}
		more, err := w.hasNext2(cx, ins.A, ins.B)
		if err != nil {
			return Undefined, false, err
		}
		w.push(FromBool(more))

	// --- Domain memory ---
	case OpSi8, OpSi16, OpSi32, OpSf32, OpSf64:
		addr := w.pop()
		v := w.pop()
		err := w.storeMemory(ins.Op, v, addr)
		h.Release(addr)
		h.Release(v)
		if err != nil {
			return Undefined, false, err
		}

	// --- Types ---
	case OpCoerce, OpAsType, OpIsType:
		cls, _, err := vm.resolveType(p, ins.A)
		if err != nil {
			return Undefined, false, err
		}
		v := w.pop()
		var out Atom
		switch ins.Op {
		case OpCoerce:
			out, err = vm.Objects.Coerce(w, v, cls)
		case OpAsType:
			out = Null
			if vm.Objects.IsInstanceOf(v, cls) {
				out = h.Retain(v)
			}
		default:
			out = FromBool(vm.Objects.IsInstanceOf(v, cls))
		}
		h.Release(v)
		if err != nil {
			return Undefined, false, err
		}
		w.push(out)

	default:
		info, ok := ins.Op.Info()
		if !ok {
			return Undefined, false, vm.Raise(KindVerifyError, "unknown opcode 0x%02x", byte(ins.Op))
		}
		switch {
		case info.Pop == 1 && info.Push == 1:
			a := w.pop()
			v, err := w.unary(ins.Op, a)
			h.Release(a)
			if err != nil {
				return Undefined, false, err
			}
			w.push(v)
		case info.Pop == 2 && info.Push == 1:
			b := w.pop()
			a := w.pop()
			v, err := w.binary(ins.Op, a, b)
			h.Release(a)
			h.Release(b)
			if err != nil {
				return Undefined, false, err
			}
			w.push(v)
		default:
			return Undefined, false, vm.Raise(KindVerifyError, "%s is not supported here", info.Name)
		}
	}
	return Undefined, false, nil
}

// unary applies a one-operand instruction. The operand is borrowed.
func (w *Worker) unary(op Opcode, a Atom) (Atom, error) {
	vm := w.vm
	switch op {
	case OpNegate:
		return w.Negate(a)
	case OpIncrement:
		return w.Increment(a, 1)
	case OpDecrement:
		return w.Increment(a, -1)
	case OpIncrementI:
		return w.IncrementInt(a, 1)
	case OpDecrementI:
		return w.IncrementInt(a, -1)
	case OpNegateI:
		return w.NegateInt(a)
	case OpBitNot:
		return w.BitNot(a)
	case OpNot:
		return FromBool(!vm.ToBoolean(a)), nil
	case OpTypeof:
		return vm.Heap.NewString(vm.typeOf(a)), nil
	case OpConvertS:
		return w.ToString(a)
	case OpConvertI:
		n, err := w.ToInt32(a)
		return FromInt(n), err
	case OpConvertU:
		n, err := w.ToUint32(a)
		return FromUint(n), err
	case OpConvertD:
		f, err := w.ToNumber(a)
		return NumberAtom(f), err
	case OpConvertB:
		return FromBool(vm.ToBoolean(a)), nil
	case OpConvertO:
		return w.convertObject(a)
	case OpCoerceA:
		return vm.Heap.Retain(a), nil
	case OpCoerceS:
		return w.coerceString(a)
	case OpCheckFilter:
		return Undefined, vm.Raise(KindTypeError, "Filter operator not supported on type %s", vm.typeOf(a))
	case OpLi8, OpLi16, OpLi32, OpLf32, OpLf64:
		return w.loadMemory(op, a)
	case OpSxi1, OpSxi8, OpSxi16:
		n, err := w.ToInt32(a)
		if err != nil {
			return Undefined, err
		}
		switch op {
		case OpSxi1:
			n = -(n & 1)
		case OpSxi8:
			n = int32(int8(n))
		default:
			n = int32(int16(n))
		}
		return FromInt(n), nil
	}
	panic("unary: unsupported opcode " + op.Name())
}

// binary applies a two-operand instruction. Operands are borrowed.
func (w *Worker) binary(op Opcode, a, b Atom) (Atom, error) {
	vm := w.vm
	switch op {
	case OpAdd:
		return w.Add(a, b)
	case OpSubtract:
		return w.Subtract(a, b)
	case OpMultiply:
		return w.Multiply(a, b)
	case OpDivide:
		return w.Divide(a, b)
	case OpModulo:
		return w.Modulo(a, b)
	case OpAddI:
		return w.IntBinary(IntAdd, a, b)
	case OpSubtractI:
		return w.IntBinary(IntSubtract, a, b)
	case OpMultiplyI:
		return w.IntBinary(IntMultiply, a, b)
	case OpLShift:
		return w.IntBinary(IntLShift, a, b)
	case OpRShift:
		return w.IntBinary(IntRShift, a, b)
	case OpURShift:
		return w.IntBinary(IntURShift, a, b)
	case OpBitAnd:
		return w.IntBinary(IntAnd, a, b)
	case OpBitOr:
		return w.IntBinary(IntOr, a, b)
	case OpBitXor:
		return w.IntBinary(IntXor, a, b)
	case OpEquals:
		eq, err := w.Equals(a, b)
		return FromBool(eq), err
	case OpStrictEquals:
		return FromBool(vm.StrictEquals(a, b)), nil
	case OpLessThan:
		r, err := w.lessThan(a, b)
		return FromBool(r), err
	case OpLessEquals:
		r, err := w.lessEquals(a, b)
		return FromBool(r), err
	case OpGreaterThan:
		r, err := w.greaterThan(a, b)
		return FromBool(r), err
	case OpGreaterEquals:
		r, err := w.greaterEquals(a, b)
		return FromBool(r), err
	case OpInstanceOf:
		cls, err := w.classOperand(b, "instanceof")
		if err != nil {
			return Undefined, err
		}
		return FromBool(a.IsObject() && vm.Objects.IsInstanceOf(a, cls)), nil
	case OpIsTypeLate:
		cls, err := w.classOperand(b, "is")
		if err != nil {
			return Undefined, err
		}
		return FromBool(vm.Objects.IsInstanceOf(a, cls)), nil
	case OpAsTypeLate:
		cls, err := w.classOperand(b, "as")
		if err != nil {
			return Undefined, err
		}
		if vm.Objects.IsInstanceOf(a, cls) {
			return vm.Heap.Retain(a), nil
		}
		return Null, nil
	case OpIn:
		if b.IsNullish() {
			return Undefined, vm.nullAccess(b, vm.runtimeName(a))
		}
		return FromBool(w.hasProperty(b, vm.runtimeName(a), true)), nil
	case OpHasNext:
		return w.hasNext(a, b)
	case OpNextName:
		return w.nextName(a, b)
	case OpNextValue:
		return w.nextValue(a, b)
	}
	panic("binary: unsupported opcode " + op.Name())
}

// classOperand extracts the class from the right operand of a type test.
func (w *Worker) classOperand(v Atom, what string) (*ClassObject, error) {
	c, ok := w.vm.Heap.Object(v).(*ClassObject)
	if !ok {
		return nil, w.vm.Raise(KindTypeError, "Right-hand side of %s must be a class", what)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Operand helpers
// ---------------------------------------------------------------------------

func localIndex(ins *Instruction) int {
	switch ins.Op {
	case OpGetLocal0, OpGetLocal1, OpGetLocal2, OpGetLocal3:
		return int(ins.Op - OpGetLocal0)
	case OpSetLocal0, OpSetLocal1, OpSetLocal2, OpSetLocal3:
		return int(ins.Op - OpSetLocal0)
	}
	return ins.A
}

func (w *Worker) badLocal(cx *CallContext, i int) error {
	return w.vm.Raise(KindVerifyError, "local %d out of range in %s", i, cx.Method)
}

func (w *Worker) multiname(p *Program, idx int) (*Multiname, error) {
	mn := p.Multiname(idx)
	if mn == nil {
		return nil, w.vm.Raise(KindVerifyError, "multiname index %d out of range", idx)
	}
	return mn, nil
}

// popName pops the runtime parts of mn and returns the property name.
func (w *Worker) popName(mn *Multiname) string {
	name := mn.Name
	if mn.RuntimeName {
		n := w.pop()
		name = w.vm.runtimeName(n)
		w.vm.Heap.Release(n)
	}
	if mn.RuntimeNS {
		w.drop()
	}
	return name
}

// poolConstant loads a pushstring/pushint/pushuint/pushdouble operand.
func (w *Worker) poolConstant(p *Program, op Opcode, idx int) (Atom, error) {
	var (
		kind ConstKind
		n    int
	)
	switch op {
	case OpPushString:
		kind, n = ConstString, len(p.Strings)
	case OpPushInt:
		kind, n = ConstInt, len(p.Ints)
	case OpPushUint:
		kind, n = ConstUint, len(p.Uints)
	default:
		kind, n = ConstDouble, len(p.Doubles)
	}
	if idx <= 0 || idx >= n {
		return Undefined, w.vm.Raise(KindVerifyError, "%s index %d out of range", op.Name(), idx)
	}
	return p.Constant(OptionalValue{Kind: kind, Index: idx}), nil
}

// getSlot reads slot i of obj, raising TypeError for null receivers.
func (w *Worker) getSlot(obj Atom, i int) (Atom, error) {
	if obj.IsNullish() {
		return Undefined, w.vm.nullAccess(obj, "slot")
	}
	return w.vm.Objects.GetSlot(obj, i)
}

// setSlot coerces v to the declared slot type and stores it.
func (w *Worker) setSlot(obj Atom, i int, v Atom) error {
	vm := w.vm
	if obj.IsNullish() {
		return vm.nullAccess(obj, "slot")
	}
	var typ *ClassObject
	switch o := vm.Heap.Object(obj).(type) {
	case *ScriptObject:
		if i >= 0 && i < len(o.class.slots) && o.class.slots[i].trait != nil {
			typ = o.class.slots[i].trait.Type
		}
	case *ClassObject:
		if i >= 0 && i < len(o.meta.slots) && o.meta.slots[i].trait != nil {
			typ = o.meta.slots[i].trait.Type
		}
	}
	c, err := vm.Objects.Coerce(w, v, typ)
	if err != nil {
		return err
	}
	defer vm.Heap.Release(c)
	return vm.Objects.SetSlot(obj, i, c)
}

// coerceReturn converts a returned value (borrowed) to the declared return type.
func (w *Worker) coerceReturn(m *MethodInfo, v Atom) (Atom, error) {
	cls, err := m.returnClass(w.vm)
	if err != nil {
		return Undefined, err
	}
	if cls == nil {
		return w.vm.Heap.Retain(v), nil
	}
	return w.vm.Objects.Coerce(w, v, cls)
}
