package vm

import (
	"math"
	"unicode/utf16"
)

// Tri is the result of an abstract relational comparison.
type Tri uint8

const (
	TriFalse Tri = iota
	TriTrue
	TriUndefined // an operand was NaN
)

// compareUTF16 compares two strings by UTF-16 code units.
func compareUTF16(a, b string) int {
	if isASCII(a) && isASCII(b) {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	}
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			if ua[i] < ub[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(ua) < len(ub):
		return -1
	case len(ua) > len(ub):
		return 1
	}
	return 0
}

func utf16Units(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// IsLess computes a < b, returning TriUndefined when either side is NaN.
func (w *Worker) IsLess(a, b Atom) (Tri, error) {
	if a.IsNumeric() && b.IsNumeric() {
		return lessNumbers(a.numeric(), b.numeric()), nil
	}
	pa, err := w.ToPrimitive(a, HintNumber)
	if err != nil {
		return TriFalse, err
	}
	defer w.vm.Heap.Release(pa)
	pb, err := w.ToPrimitive(b, HintNumber)
	if err != nil {
		return TriFalse, err
	}
	defer w.vm.Heap.Release(pb)

	if pa.IsString() && pb.IsString() {
		if compareUTF16(w.vm.Heap.StringOf(pa), w.vm.Heap.StringOf(pb)) < 0 {
			return TriTrue, nil
		}
		return TriFalse, nil
	}
	return lessNumbers(w.vm.primitiveNumber(pa), w.vm.primitiveNumber(pb)), nil
}

func lessNumbers(x, y float64) Tri {
	if math.IsNaN(x) || math.IsNaN(y) {
		return TriUndefined
	}
	if x < y {
		return TriTrue
	}
	return TriFalse
}

// lessThan, lessEquals, greaterThan and greaterEquals map the relational
// operators onto IsLess.
func (w *Worker) lessThan(a, b Atom) (bool, error) {
	r, err := w.IsLess(a, b)
	return r == TriTrue, err
}

func (w *Worker) lessEquals(a, b Atom) (bool, error) {
	r, err := w.IsLess(b, a)
	return r == TriFalse, err
}

func (w *Worker) greaterThan(a, b Atom) (bool, error) {
	r, err := w.IsLess(b, a)
	return r == TriTrue, err
}

func (w *Worker) greaterEquals(a, b Atom) (bool, error) {
	r, err := w.IsLess(a, b)
	return r == TriFalse, err
}

// StrictEquals implements ===. Numeric kinds compare by value.
func (vm *VM) StrictEquals(a, b Atom) bool {
	if a.IsNumeric() && b.IsNumeric() {
		return a.numeric() == b.numeric()
	}
	if a.IsString() && b.IsString() {
		return a == b || vm.Heap.StringOf(a) == vm.Heap.StringOf(b)
	}
	return a == b
}

// Equals implements the abstract equality comparison ==.
func (w *Worker) Equals(a, b Atom) (bool, error) {
	vm := w.vm
	ka, kb := a.Kind(), b.Kind()
	switch {
	case a.IsNumeric() && b.IsNumeric():
		return a.numeric() == b.numeric(), nil
	case ka == kb:
		return vm.StrictEquals(a, b), nil
	case a.IsNullish() && b.IsNullish():
		return true, nil
	case a.IsNullish() || b.IsNullish():
		return false, nil
	case ka == KindString && b.IsNumeric():
		return vm.primitiveNumber(a) == b.numeric(), nil
	case a.IsNumeric() && kb == KindString:
		return a.numeric() == vm.primitiveNumber(b), nil
	case ka == KindBoolean:
		return w.Equals(NumberAtom(vm.primitiveNumber(a)), b)
	case kb == KindBoolean:
		return w.Equals(a, NumberAtom(vm.primitiveNumber(b)))
	case ka == KindObject:
		p, err := w.ToPrimitive(a, HintNone)
		if err != nil {
			return false, err
		}
		defer vm.Heap.Release(p)
		return w.Equals(p, b)
	case kb == KindObject:
		p, err := w.ToPrimitive(b, HintNone)
		if err != nil {
			return false, err
		}
		defer vm.Heap.Release(p)
		return w.Equals(a, p)
	}
	return false, nil
}
