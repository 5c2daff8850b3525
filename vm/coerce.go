package vm

import (
	"math"
	"strconv"
	"strings"
)

var nan = math.NaN()

// PrimitiveHint selects which conversion ToPrimitive tries first.
type PrimitiveHint uint8

const (
	HintNone PrimitiveHint = iota
	HintNumber
	HintString
)

// ---------------------------------------------------------------------------
// Conversions that never call scripted code
// ---------------------------------------------------------------------------

// ToBoolean converts a to a boolean.
func (vm *VM) ToBoolean(a Atom) bool {
	switch a.Kind() {
	case KindUndefined, KindNull:
		return false
	case KindBoolean:
		return a == True
	case KindInt:
		return a.Int() != 0
	case KindUint:
		return a.Uint() != 0
	case KindNumber:
		f := a.Float()
		return f != 0 && !math.IsNaN(f)
	case KindString:
		return vm.Heap.StringOf(a) != ""
	}
	return true
}

// primitiveNumber converts a non-object atom to a double.
func (vm *VM) primitiveNumber(a Atom) float64 {
	switch a.Kind() {
	case KindUndefined:
		return nan
	case KindNull:
		return 0
	case KindBoolean:
		if a == True {
			return 1
		}
		return 0
	case KindInt, KindUint, KindNumber:
		return a.numeric()
	case KindString:
		return StringToNumber(vm.Heap.StringOf(a))
	}
	return nan
}

// ToGoString renders a without invoking scripted conversions. Objects
// render through their default representation.
func (vm *VM) ToGoString(a Atom) string {
	switch a.Kind() {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBoolean:
		if a == True {
			return "true"
		}
		return "false"
	case KindInt:
		return strconv.FormatInt(int64(a.Int()), 10)
	case KindUint:
		return strconv.FormatUint(uint64(a.Uint()), 10)
	case KindNumber:
		return FormatNumber(a.Float())
	case KindString:
		return vm.Heap.StringOf(a)
	}
	return vm.defaultObjectString(a)
}

func (vm *VM) defaultObjectString(a Atom) string {
	switch obj := vm.Heap.Object(a).(type) {
	case *ScriptObject:
		if obj.class.errorClass {
			msg := vm.ToGoString(obj.slotPeek(errorMessageSlot))
			if msg == "" {
				return obj.class.name
			}
			return obj.class.name + ": " + msg
		}
		return "[object " + obj.class.name + "]"
	case *ClassObject:
		return obj.String()
	case *FunctionObject:
		return "function Function() {}"
	case *ArrayObject:
		obj.mu.RLock()
		parts := make([]string, len(obj.elems))
		for i, e := range obj.elems {
			if !e.IsNullish() {
				parts[i] = vm.ToGoString(e)
			}
		}
		obj.mu.RUnlock()
		return strings.Join(parts, ",")
	case *GlobalObject:
		return "[object global]"
	}
	return "[object Object]"
}

// FormatNumber renders f the way Number.prototype.toString does.
func FormatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	sign := ""
	if f < 0 {
		sign = "-"
		f = -f
	}
	e := strconv.FormatFloat(f, 'e', -1, 64)
	mant, expPart, _ := strings.Cut(e, "e")
	digits := strings.Replace(mant, ".", "", 1)
	exp, _ := strconv.Atoi(expPart)
	k := len(digits)
	n := exp + 1

	var b strings.Builder
	b.WriteString(sign)
	switch {
	case k <= n && n <= 21:
		b.WriteString(digits)
		b.WriteString(strings.Repeat("0", n-k))
	case 0 < n && n <= 21:
		b.WriteString(digits[:n])
		b.WriteByte('.')
		b.WriteString(digits[n:])
	case -6 < n && n <= 0:
		b.WriteString("0.")
		b.WriteString(strings.Repeat("0", -n))
		b.WriteString(digits)
	default:
		b.WriteByte(digits[0])
		if k > 1 {
			b.WriteByte('.')
			b.WriteString(digits[1:])
		}
		b.WriteByte('e')
		if n-1 >= 0 {
			b.WriteByte('+')
		}
		b.WriteString(strconv.Itoa(n - 1))
	}
	return b.String()
}

// StringToNumber converts a string to a double following the rules for
// numeric literals in strings: surrounding whitespace is ignored, the
// empty string is zero and anything unparsable is NaN.
func StringToNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		n, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return nan
		}
		return float64(n)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && c != '.' && c != 'e' && c != 'E' && c != '+' && c != '-' {
			return nan
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return f
		}
		return nan
	}
	return f
}

// DoubleToInt32 applies the ToInt32 wrap-around conversion.
func DoubleToInt32(f float64) int32 {
	return int32(DoubleToUint32(f))
}

// DoubleToUint32 applies the ToUint32 wrap-around conversion.
func DoubleToUint32(f float64) uint32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	f = math.Trunc(f)
	m := math.Mod(f, 4294967296)
	if m < 0 {
		m += 4294967296
	}
	return uint32(m)
}

// ---------------------------------------------------------------------------
// Conversions that may call scripted valueOf/toString
// ---------------------------------------------------------------------------

// ToPrimitive converts an object to a primitive by calling its valueOf or
// toString method. Primitives are returned retained.
func (w *Worker) ToPrimitive(a Atom, hint PrimitiveHint) (Atom, error) {
	if !a.IsObject() {
		return w.vm.Heap.Retain(a), nil
	}
	order := [2]string{"valueOf", "toString"}
	if hint == HintString {
		order = [2]string{"toString", "valueOf"}
	}
	cls := w.vm.Objects.ClassOf(a)
	for _, name := range order {
		t := cls.FindTrait(name)
		if t == nil || t.Kind != TraitMethod {
			continue
		}
		r, err := w.Call(t.Method, a, nil)
		if err != nil {
			return Undefined, err
		}
		if !r.IsObject() {
			return r, nil
		}
		w.vm.Heap.Release(r)
	}
	return w.vm.Heap.NewString(w.vm.defaultObjectString(a)), nil
}

// ToNumber converts a to a double.
func (w *Worker) ToNumber(a Atom) (float64, error) {
	if a.IsNumeric() {
		return a.numeric(), nil
	}
	if !a.IsObject() {
		return w.vm.primitiveNumber(a), nil
	}
	p, err := w.ToPrimitive(a, HintNumber)
	if err != nil {
		return nan, err
	}
	f := w.vm.primitiveNumber(p)
	w.vm.Heap.Release(p)
	return f, nil
}

// ToInt32 converts a to a 32-bit signed integer.
func (w *Worker) ToInt32(a Atom) (int32, error) {
	if a.IsInt() {
		return a.Int(), nil
	}
	f, err := w.ToNumber(a)
	return DoubleToInt32(f), err
}

// ToUint32 converts a to a 32-bit unsigned integer.
func (w *Worker) ToUint32(a Atom) (uint32, error) {
	if a.IsUint() {
		return a.Uint(), nil
	}
	f, err := w.ToNumber(a)
	return DoubleToUint32(f), err
}

// ToGoString converts a to a Go string, calling toString on objects.
func (w *Worker) ToGoString(a Atom) (string, error) {
	if !a.IsObject() {
		return w.vm.ToGoString(a), nil
	}
	p, err := w.ToPrimitive(a, HintString)
	if err != nil {
		return "", err
	}
	s := w.vm.ToGoString(p)
	w.vm.Heap.Release(p)
	return s, nil
}

// ToString converts a to an owned string atom.
func (w *Worker) ToString(a Atom) (Atom, error) {
	if a.IsString() {
		return w.vm.Heap.Retain(a), nil
	}
	s, err := w.ToGoString(a)
	if err != nil {
		return Undefined, err
	}
	return w.vm.Heap.NewString(s), nil
}

// coerceString implements coerce_s: null and undefined become null.
func (w *Worker) coerceString(a Atom) (Atom, error) {
	if a.IsNullish() {
		return Null, nil
	}
	return w.ToString(a)
}

// convertObject implements convert_o: null and undefined raise TypeError.
func (w *Worker) convertObject(a Atom) (Atom, error) {
	if a.IsNullish() {
		return Undefined, w.vm.Raise(KindTypeError, "Cannot convert %s to an object", w.vm.ToGoString(a))
	}
	return w.vm.Heap.Retain(a), nil
}

// typeOf returns the typeof string for a.
func (vm *VM) typeOf(a Atom) string {
	switch a.Kind() {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "object"
	case KindBoolean:
		return "boolean"
	case KindInt, KindUint, KindNumber:
		return "number"
	case KindString:
		return "string"
	}
	switch vm.Heap.Object(a).(type) {
	case *FunctionObject:
		return "function"
	}
	return "object"
}
