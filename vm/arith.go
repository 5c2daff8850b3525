package vm

import (
	"math"
)

// ---------------------------------------------------------------------------
// Arithmetic shared by both interpreter tiers
// ---------------------------------------------------------------------------

// Numeric results are normalized with NumberAtom, so integral results that
// fit 32 bits are ints and everything else is a double.

func (w *Worker) numbers(a, b Atom) (float64, float64, error) {
	if a.IsNumeric() && b.IsNumeric() {
		return a.numeric(), b.numeric(), nil
	}
	x, err := w.ToNumber(a)
	if err != nil {
		return 0, 0, err
	}
	y, err := w.ToNumber(b)
	return x, y, err
}

// Add implements the add opcode: string concatenation when either
// primitive operand is a string, numeric addition otherwise.
func (w *Worker) Add(a, b Atom) (Atom, error) {
	if a.IsInt() && b.IsInt() {
		return addInts(a.Int(), b.Int()), nil
	}
	if a.IsNumeric() && b.IsNumeric() {
		return NumberAtom(a.numeric() + b.numeric()), nil
	}
	pa, err := w.ToPrimitive(a, HintNone)
	if err != nil {
		return Undefined, err
	}
	defer w.vm.Heap.Release(pa)
	pb, err := w.ToPrimitive(b, HintNone)
	if err != nil {
		return Undefined, err
	}
	defer w.vm.Heap.Release(pb)

	if pa.IsString() || pb.IsString() {
		return w.vm.Heap.NewString(w.vm.ToGoString(pa) + w.vm.ToGoString(pb)), nil
	}
	return NumberAtom(w.vm.primitiveNumber(pa) + w.vm.primitiveNumber(pb)), nil
}

func addInts(x, y int32) Atom {
	s := int64(x) + int64(y)
	if s >= math.MinInt32 && s <= math.MaxInt32 {
		return FromInt(int32(s))
	}
	return FromNumber(float64(s))
}

func subInts(x, y int32) Atom {
	s := int64(x) - int64(y)
	if s >= math.MinInt32 && s <= math.MaxInt32 {
		return FromInt(int32(s))
	}
	return FromNumber(float64(s))
}

// Subtract implements the subtract opcode.
func (w *Worker) Subtract(a, b Atom) (Atom, error) {
	if a.IsInt() && b.IsInt() {
		return subInts(a.Int(), b.Int()), nil
	}
	x, y, err := w.numbers(a, b)
	return NumberAtom(x - y), err
}

// Multiply implements the multiply opcode.
func (w *Worker) Multiply(a, b Atom) (Atom, error) {
	x, y, err := w.numbers(a, b)
	return NumberAtom(x * y), err
}

// Divide implements the divide opcode.
func (w *Worker) Divide(a, b Atom) (Atom, error) {
	x, y, err := w.numbers(a, b)
	return NumberAtom(x / y), err
}

// Modulo implements the modulo opcode; the result takes the sign of the
// dividend and a zero divisor yields NaN.
func (w *Worker) Modulo(a, b Atom) (Atom, error) {
	if a.IsInt() && b.IsInt() && b.Int() != 0 && a.Int() >= 0 && b.Int() != -1 {
		return FromInt(a.Int() % b.Int()), nil
	}
	x, y, err := w.numbers(a, b)
	return NumberAtom(math.Mod(x, y)), err
}

// Negate implements the negate opcode.
func (w *Worker) Negate(a Atom) (Atom, error) {
	x, err := w.ToNumber(a)
	return NumberAtom(-x), err
}

// Increment implements increment (delta 1) and decrement (delta -1).
func (w *Worker) Increment(a Atom, delta int32) (Atom, error) {
	if a.IsInt() {
		return addInts(a.Int(), delta), nil
	}
	x, err := w.ToNumber(a)
	return NumberAtom(x + float64(delta)), err
}

// IncrementInt implements increment_i and decrement_i, wrapping to int32.
func (w *Worker) IncrementInt(a Atom, delta int32) (Atom, error) {
	x, err := w.ToInt32(a)
	return FromInt(x + delta), err
}

func (w *Worker) ints(a, b Atom) (int32, int32, error) {
	x, err := w.ToInt32(a)
	if err != nil {
		return 0, 0, err
	}
	y, err := w.ToInt32(b)
	return x, y, err
}

// IntOp identifies a wrapping 32-bit integer or bitwise operation.
type IntOp uint8

const (
	IntAdd IntOp = iota
	IntSubtract
	IntMultiply
	IntLShift
	IntRShift
	IntURShift
	IntAnd
	IntOr
	IntXor
)

// IntBinary applies a 32-bit integer operation after ToInt32 on both sides.
func (w *Worker) IntBinary(op IntOp, a, b Atom) (Atom, error) {
	x, y, err := w.ints(a, b)
	if err != nil {
		return Undefined, err
	}
	switch op {
	case IntAdd:
		return FromInt(x + y), nil
	case IntSubtract:
		return FromInt(x - y), nil
	case IntMultiply:
		return FromInt(x * y), nil
	case IntLShift:
		return FromInt(x << (uint32(y) & 31)), nil
	case IntRShift:
		return FromInt(x >> (uint32(y) & 31)), nil
	case IntURShift:
		return NumberAtom(float64(uint32(x) >> (uint32(y) & 31))), nil
	case IntAnd:
		return FromInt(x & y), nil
	case IntOr:
		return FromInt(x | y), nil
	case IntXor:
		return FromInt(x ^ y), nil
	}
	panic("IntBinary: unknown op")
}

// NegateInt implements negate_i.
func (w *Worker) NegateInt(a Atom) (Atom, error) {
	x, err := w.ToInt32(a)
	return FromInt(-x), err
}

// BitNot implements bitnot.
func (w *Worker) BitNot(a Atom) (Atom, error) {
	x, err := w.ToInt32(a)
	return FromInt(^x), err
}
