package vm

import (
	"math"
)

// Atom is the universal value cell of the execution core, NaN-boxed into
// a single 64-bit word.
//
// Encoding scheme:
//   - Number: native IEEE 754 double (every NaN is canonicalized)
//   - Int: quiet NaN + tagInt + 32-bit signed payload
//   - Uint: quiet NaN + tagUint + 32-bit unsigned payload
//   - Special: quiet NaN + tagSpecial + undefined/null/false/true
//   - Object, String: quiet NaN + tag + 48-bit heap handle
//
// Heap handles are (generation << 32 | index) into the owning Heap. Atoms
// that refer to the heap are reference counted; see Heap.Retain and
// Heap.Release for the ownership rules.
type Atom uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for handle/int/special
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	// Tag values (shifted into position)
	tagObject  uint64 = 0x0001000000000000 // heap object handle
	tagInt     uint64 = 0x0002000000000000 // int32
	tagUint    uint64 = 0x0003000000000000 // uint32
	tagSpecial uint64 = 0x0004000000000000 // undefined, null, false, true
	tagString  uint64 = 0x0005000000000000 // heap string handle

	canonicalNaN uint64 = 0x7FF8000000000000
)

// Special value payloads
const (
	specialUndefined uint64 = 0
	specialNull      uint64 = 1
	specialFalse     uint64 = 2
	specialTrue      uint64 = 3
)

// Pre-defined special values
const (
	Undefined Atom = Atom(nanBits | tagSpecial | specialUndefined)
	Null      Atom = Atom(nanBits | tagSpecial | specialNull)
	False     Atom = Atom(nanBits | tagSpecial | specialFalse)
	True      Atom = Atom(nanBits | tagSpecial | specialTrue)
)

// Kind classifies an Atom.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBoolean
	KindInt
	KindUint
	KindNumber
	KindString
	KindObject
)

var kindNames = [...]string{
	KindUndefined: "undefined",
	KindNull:      "null",
	KindBoolean:   "boolean",
	KindInt:       "int",
	KindUint:      "uint",
	KindNumber:    "number",
	KindString:    "string",
	KindObject:    "object",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "invalid"
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

func (a Atom) tag() uint64 {
	bits := uint64(a)
	if bits&nanBits != nanBits {
		return 0
	}
	return bits & tagMask
}

// Kind returns the kind of a.
func (a Atom) Kind() Kind {
	switch a.tag() {
	case tagInt:
		return KindInt
	case tagUint:
		return KindUint
	case tagObject:
		return KindObject
	case tagString:
		return KindString
	case tagSpecial:
		switch uint64(a) & payloadMask {
		case specialUndefined:
			return KindUndefined
		case specialNull:
			return KindNull
		default:
			return KindBoolean
		}
	}
	return KindNumber
}

// IsUndefined reports whether a is undefined.
func (a Atom) IsUndefined() bool { return a == Undefined }

// IsNull reports whether a is null.
func (a Atom) IsNull() bool { return a == Null }

// IsNullish reports whether a is null or undefined.
func (a Atom) IsNullish() bool { return a == Null || a == Undefined }

// IsBool reports whether a is true or false.
func (a Atom) IsBool() bool { return a == True || a == False }

// IsInt reports whether a is an int32 immediate.
func (a Atom) IsInt() bool { return a.tag() == tagInt }

// IsUint reports whether a is a uint32 immediate.
func (a Atom) IsUint() bool { return a.tag() == tagUint }

// IsNumber reports whether a is a double.
func (a Atom) IsNumber() bool { return a.tag() == 0 }

// IsNumeric reports whether a is an int, uint or number.
func (a Atom) IsNumeric() bool {
	switch a.tag() {
	case 0, tagInt, tagUint:
		return true
	}
	return false
}

// IsString reports whether a refers to a heap string.
func (a Atom) IsString() bool { return a.tag() == tagString }

// IsObject reports whether a refers to a heap object.
func (a Atom) IsObject() bool { return a.tag() == tagObject }

// IsHeap reports whether a is reference counted.
func (a Atom) IsHeap() bool {
	t := a.tag()
	return t == tagObject || t == tagString
}

// ---------------------------------------------------------------------------
// Immediate constructors and accessors
// ---------------------------------------------------------------------------

// FromInt creates an int Atom.
func FromInt(n int32) Atom {
	return Atom(nanBits | tagInt | uint64(uint32(n)))
}

// FromUint creates a uint Atom.
func FromUint(n uint32) Atom {
	return Atom(nanBits | tagUint | uint64(n))
}

// FromNumber creates a number Atom holding f exactly.
func FromNumber(f float64) Atom {
	if math.IsNaN(f) {
		return Atom(canonicalNaN)
	}
	return Atom(math.Float64bits(f))
}

// NumberAtom creates the narrowest numeric Atom representing f: an int when
// f is integral, not negative zero, and fits in 32 bits; a number otherwise.
func NumberAtom(f float64) Atom {
	if f >= math.MinInt32 && f <= math.MaxInt32 {
		n := int32(f)
		if float64(n) == f && (n != 0 || !math.Signbit(f)) {
			return FromInt(n)
		}
	}
	return FromNumber(f)
}

// FromBool creates a boolean Atom.
func FromBool(b bool) Atom {
	if b {
		return True
	}
	return False
}

// Int returns the payload of an int Atom.
// Panics if a is not an int.
func (a Atom) Int() int32 {
	if !a.IsInt() {
		panic("Atom.Int: not an int")
	}
	return int32(uint32(uint64(a) & 0xFFFFFFFF))
}

// Uint returns the payload of a uint Atom.
// Panics if a is not a uint.
func (a Atom) Uint() uint32 {
	if !a.IsUint() {
		panic("Atom.Uint: not a uint")
	}
	return uint32(uint64(a) & 0xFFFFFFFF)
}

// Float returns the double held by a number Atom.
// Panics if a is not a number.
func (a Atom) Float() float64 {
	if !a.IsNumber() {
		panic("Atom.Float: not a number")
	}
	return math.Float64frombits(uint64(a))
}

// Bool returns a as a bool.
// Panics if a is not true or false.
func (a Atom) Bool() bool {
	switch a {
	case True:
		return true
	case False:
		return false
	default:
		panic("Atom.Bool: not a boolean")
	}
}

// numeric returns the value of an int, uint or number Atom as a float64.
func (a Atom) numeric() float64 {
	switch a.tag() {
	case tagInt:
		return float64(a.Int())
	case tagUint:
		return float64(a.Uint())
	default:
		return a.Float()
	}
}

// isIntegral reports whether a is an int or uint immediate.
func (a Atom) isIntegral() bool {
	t := a.tag()
	return t == tagInt || t == tagUint
}

// ---------------------------------------------------------------------------
// Heap handles
// ---------------------------------------------------------------------------

func heapAtom(tag uint64, index uint32, gen uint16) Atom {
	return Atom(nanBits | tag | uint64(gen)<<32 | uint64(index))
}

func (a Atom) handle() (index uint32, gen uint16) {
	payload := uint64(a) & payloadMask
	return uint32(payload), uint16(payload >> 32)
}
