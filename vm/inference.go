package vm

import "fmt"

// ---------------------------------------------------------------------------
// Type inference state for the translator
// ---------------------------------------------------------------------------

// InferenceData is what the translator knows about one value. A nil Class
// means nothing is known. Primitive types use the built-in primitive
// classes. With Known set the value is the constant Value.
type InferenceData struct {
	Class *ClassObject
	Value Atom // borrowed
	Known bool
}

var unknownType = InferenceData{}

func typeOf(c *ClassObject) InferenceData {
	return InferenceData{Class: c}
}

func constantType(c *ClassObject, v Atom) InferenceData {
	return InferenceData{Class: c, Value: v, Known: true}
}

func (d InferenceData) is(c *ClassObject) bool {
	return c != nil && d.Class == c
}

func (d InferenceData) equal(o InferenceData) bool {
	return d.Class == o.Class && d.Known == o.Known && (!d.Known || d.Value == o.Value)
}

// scopeType is one entry of the abstract scope stack.
type scopeType struct {
	InferenceData
	With bool
}

// frameState is the abstract operand and scope stack at a program point.
type frameState struct {
	stack []InferenceData
	scope []scopeType
}

func (s *frameState) clone() frameState {
	return frameState{
		stack: append([]InferenceData(nil), s.stack...),
		scope: append([]scopeType(nil), s.scope...),
	}
}

func (s *frameState) push(d InferenceData) {
	s.stack = append(s.stack, d)
}

func (s *frameState) pop() InferenceData {
	d := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return d
}

func (s *frameState) top(i int) InferenceData {
	return s.stack[len(s.stack)-1-i]
}

// widen merges two facts about the same value.
func (vm *VM) widen(a, b InferenceData) InferenceData {
	switch {
	case a.equal(b):
		return a
	case a.Class == nil || b.Class == nil:
		return unknownType
	case a.Class == b.Class:
		return typeOf(a.Class)
	}
	numeric := func(c *ClassObject) bool { return c == vm.intClass || c == vm.numberClass }
	if numeric(a.Class) && numeric(b.Class) {
		return typeOf(vm.numberClass)
	}
	if a.Class.primitive || b.Class.primitive {
		return unknownType
	}
	if c := commonAncestor(a.Class, b.Class); c != nil {
		return typeOf(c)
	}
	return unknownType
}

// merge widens s by an incoming state. It reports whether s changed and
// fails when the stack or scope heights disagree.
func (vm *VM) merge(s *frameState, in *frameState) (bool, error) {
	if len(s.stack) != len(in.stack) {
		return false, errHeightMismatch("stack", len(s.stack), len(in.stack))
	}
	if len(s.scope) != len(in.scope) {
		return false, errHeightMismatch("scope", len(s.scope), len(in.scope))
	}
	changed := false
	for i := range s.stack {
		w := vm.widen(s.stack[i], in.stack[i])
		if !w.equal(s.stack[i]) {
			s.stack[i] = w
			changed = true
		}
	}
	for i := range s.scope {
		w := vm.widen(s.scope[i].InferenceData, in.scope[i].InferenceData)
		with := s.scope[i].With || in.scope[i].With
		if !w.equal(s.scope[i].InferenceData) || with != s.scope[i].With {
			s.scope[i] = scopeType{InferenceData: w, With: with}
			changed = true
		}
	}
	return changed, nil
}

type heightMismatch struct {
	what     string
	have, in int
}

func (e *heightMismatch) Error() string {
	return fmt.Sprintf("%s height mismatch at join: %d vs %d", e.what, e.have, e.in)
}

func errHeightMismatch(what string, have, in int) error {
	return &heightMismatch{what: what, have: have, in: in}
}

// exact reports whether a value of type d has exactly the traits of
// d.Class, so a missing trait is known to be missing at run time.
func (vm *VM) exact(d InferenceData) bool {
	if d.Class == nil {
		return false
	}
	return d.Known || d.Class.owner != nil || d.Class == vm.globalClass
}

// resultType is the type of the value pushed by op given its inputs,
// top of stack last.
func (vm *VM) resultType(op Opcode, in []InferenceData) InferenceData {
	switch op {
	case OpPushByte, OpPushShort, OpPushInt,
		OpConvertI, OpBitNot, OpBitAnd, OpBitOr, OpBitXor, OpLShift, OpRShift,
		OpIncrementI, OpDecrementI, OpNegateI, OpAddI, OpSubtractI, OpMultiplyI,
		OpHasNext, OpLi8, OpLi16, OpLi32, OpSxi1, OpSxi8, OpSxi16:
		return typeOf(vm.intClass)
	case OpPushUint, OpConvertU:
		return typeOf(vm.uintClass)
	case OpPushDouble, OpPushNaN, OpConvertD, OpURShift,
		OpSubtract, OpMultiply, OpDivide, OpModulo, OpNegate, OpIncrement, OpDecrement,
		OpLf32, OpLf64:
		return typeOf(vm.numberClass)
	case OpPushString, OpTypeof, OpConvertS:
		return typeOf(vm.stringClass)
	case OpPushTrue, OpPushFalse, OpConvertB, OpNot,
		OpEquals, OpStrictEquals, OpLessThan, OpLessEquals, OpGreaterThan, OpGreaterEquals,
		OpInstanceOf, OpIsType, OpIsTypeLate, OpIn, OpDeleteProperty, OpHasNext2:
		return typeOf(vm.booleanClass)
	case OpNewArray:
		return typeOf(vm.arrayClass)
	case OpNewObject:
		return typeOf(vm.objectClass)
	case OpNewFunction:
		return typeOf(vm.functionClass)
	case OpAdd:
		if len(in) == 2 {
			a, b := in[0], in[1]
			if a.is(vm.stringClass) || b.is(vm.stringClass) {
				return typeOf(vm.stringClass)
			}
			if vm.numericType(a) && vm.numericType(b) {
				return typeOf(vm.numberClass)
			}
		}
	}
	return unknownType
}

func (vm *VM) numericType(d InferenceData) bool {
	return d.is(vm.intClass) || d.is(vm.uintClass) || d.is(vm.numberClass)
}

// coerceType is the type of a value after coerce to c.
func (vm *VM) coerceType(c *ClassObject) InferenceData {
	if c == nil || c == vm.stringClass {
		return unknownType
	}
	return typeOf(c)
}

// coercionElided reports whether applying op (a conversion or coerce to
// target) to a value of type d is the identity.
func (vm *VM) coercionElided(op Opcode, d InferenceData, target *ClassObject) bool {
	switch op {
	case OpCoerceA:
		return true
	case OpConvertI:
		return d.is(vm.intClass)
	case OpConvertU:
		return d.is(vm.uintClass)
	case OpConvertD:
		return d.is(vm.numberClass) || d.is(vm.intClass)
	case OpConvertS, OpCoerceS:
		return d.is(vm.stringClass)
	case OpConvertB:
		return d.is(vm.booleanClass)
	case OpCoerce:
		if target == nil {
			return true
		}
		if d.Class == nil {
			return false
		}
		if target.primitive || d.Class.primitive {
			return d.Class == target
		}
		return d.Class.IsSubclassOf(target)
	}
	return false
}
