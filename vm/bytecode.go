package vm

import (
	"fmt"
	"strings"

	"fortio.org/safecast"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a canonical ABC instruction byte.
type Opcode byte

// Control and stack
const (
	OpNop          Opcode = 0x02
	OpThrow        Opcode = 0x03
	OpKill         Opcode = 0x08
	OpLabel        Opcode = 0x09
	OpIfNLt        Opcode = 0x0c
	OpIfNLe        Opcode = 0x0d
	OpIfNGt        Opcode = 0x0e
	OpIfNGe        Opcode = 0x0f
	OpJump         Opcode = 0x10
	OpIfTrue       Opcode = 0x11
	OpIfFalse      Opcode = 0x12
	OpIfEq         Opcode = 0x13
	OpIfNe         Opcode = 0x14
	OpIfLt         Opcode = 0x15
	OpIfLe         Opcode = 0x16
	OpIfGt         Opcode = 0x17
	OpIfGe         Opcode = 0x18
	OpIfStrictEq   Opcode = 0x19
	OpIfStrictNe   Opcode = 0x1a
	OpLookupSwitch Opcode = 0x1b
	OpPushWith     Opcode = 0x1c
	OpPopScope     Opcode = 0x1d
)

// Push constants
const (
	OpPushNull      Opcode = 0x20
	OpPushUndefined Opcode = 0x21
	OpPushByte      Opcode = 0x24
	OpPushShort     Opcode = 0x25
	OpPushTrue      Opcode = 0x26
	OpPushFalse     Opcode = 0x27
	OpPushNaN       Opcode = 0x28
	OpPop           Opcode = 0x29
	OpDup           Opcode = 0x2a
	OpSwap          Opcode = 0x2b
	OpPushString    Opcode = 0x2c
	OpPushInt       Opcode = 0x2d
	OpPushUint      Opcode = 0x2e
	OpPushDouble    Opcode = 0x2f
	OpPushScope     Opcode = 0x30
)

// Calls and construction
const (
	OpNewFunction    Opcode = 0x40
	OpCall           Opcode = 0x41
	OpConstruct      Opcode = 0x42
	OpCallProperty   Opcode = 0x46
	OpReturnVoid     Opcode = 0x47
	OpReturnValue    Opcode = 0x48
	OpConstructSuper Opcode = 0x49
	OpConstructProp  Opcode = 0x4a
	OpCallPropLex    Opcode = 0x4c
	OpCallPropVoid   Opcode = 0x4f
	OpNewObject      Opcode = 0x55
	OpNewArray       Opcode = 0x56
	OpNewActivation  Opcode = 0x57
	OpNewClass       Opcode = 0x58
	OpNewCatch       Opcode = 0x5a
)

// Names, properties and slots
const (
	OpFindPropStrict Opcode = 0x5d
	OpFindProperty   Opcode = 0x5e
	OpGetLex         Opcode = 0x60
	OpSetProperty    Opcode = 0x61
	OpGetLocal       Opcode = 0x62
	OpSetLocal       Opcode = 0x63
	OpGetGlobalScope Opcode = 0x64
	OpGetScopeObject Opcode = 0x65
	OpGetProperty    Opcode = 0x66
	OpInitProperty   Opcode = 0x68
	OpDeleteProperty Opcode = 0x6a
	OpGetSlot        Opcode = 0x6c
	OpSetSlot        Opcode = 0x6d
)

// Conversions and coercions
const (
	OpConvertS    Opcode = 0x70
	OpConvertI    Opcode = 0x73
	OpConvertU    Opcode = 0x74
	OpConvertD    Opcode = 0x75
	OpConvertB    Opcode = 0x76
	OpConvertO    Opcode = 0x77
	OpCheckFilter Opcode = 0x78
	OpCoerce      Opcode = 0x80
	OpCoerceA     Opcode = 0x82
	OpCoerceS     Opcode = 0x85
	OpAsType      Opcode = 0x86
	OpAsTypeLate  Opcode = 0x87
)

// Arithmetic, bitwise and comparison
const (
	OpNegate        Opcode = 0x90
	OpIncrement     Opcode = 0x91
	OpIncLocal      Opcode = 0x92
	OpDecrement     Opcode = 0x93
	OpDecLocal      Opcode = 0x94
	OpTypeof        Opcode = 0x95
	OpNot           Opcode = 0x96
	OpBitNot        Opcode = 0x97
	OpAdd           Opcode = 0xa0
	OpSubtract      Opcode = 0xa1
	OpMultiply      Opcode = 0xa2
	OpDivide        Opcode = 0xa3
	OpModulo        Opcode = 0xa4
	OpLShift        Opcode = 0xa5
	OpRShift        Opcode = 0xa6
	OpURShift       Opcode = 0xa7
	OpBitAnd        Opcode = 0xa8
	OpBitOr         Opcode = 0xa9
	OpBitXor        Opcode = 0xaa
	OpEquals        Opcode = 0xab
	OpStrictEquals  Opcode = 0xac
	OpLessThan      Opcode = 0xad
	OpLessEquals    Opcode = 0xae
	OpGreaterThan   Opcode = 0xaf
	OpGreaterEquals Opcode = 0xb0
	OpInstanceOf    Opcode = 0xb1
	OpIsType        Opcode = 0xb2
	OpIsTypeLate    Opcode = 0xb3
	OpIn            Opcode = 0xb4
	OpIncrementI    Opcode = 0xc0
	OpDecrementI    Opcode = 0xc1
	OpIncLocalI     Opcode = 0xc2
	OpDecLocalI     Opcode = 0xc3
	OpNegateI       Opcode = 0xc4
	OpAddI          Opcode = 0xc5
	OpSubtractI     Opcode = 0xc6
	OpMultiplyI     Opcode = 0xc7
)

// Super access and enumeration
const (
	OpGetSuper      Opcode = 0x04
	OpSetSuper      Opcode = 0x05
	OpNextName      Opcode = 0x1e
	OpHasNext       Opcode = 0x1f
	OpNextValue     Opcode = 0x23
	OpHasNext2      Opcode = 0x32
	OpCallSuper     Opcode = 0x45
	OpCallSuperVoid Opcode = 0x4e
)

// Domain memory
const (
	OpLi8   Opcode = 0x35
	OpLi16  Opcode = 0x36
	OpLi32  Opcode = 0x37
	OpLf32  Opcode = 0x38
	OpLf64  Opcode = 0x39
	OpSi8   Opcode = 0x3a
	OpSi16  Opcode = 0x3b
	OpSi32  Opcode = 0x3c
	OpSf32  Opcode = 0x3d
	OpSf64  Opcode = 0x3e
	OpSxi1  Opcode = 0x50
	OpSxi8  Opcode = 0x51
	OpSxi16 Opcode = 0x52
)

// Short local access and debugging
const (
	OpGetLocal0 Opcode = 0xd0
	OpGetLocal1 Opcode = 0xd1
	OpGetLocal2 Opcode = 0xd2
	OpGetLocal3 Opcode = 0xd3
	OpSetLocal0 Opcode = 0xd4
	OpSetLocal1 Opcode = 0xd5
	OpSetLocal2 Opcode = 0xd6
	OpSetLocal3 Opcode = 0xd7
	OpDebug     Opcode = 0xef
	OpDebugLine Opcode = 0xf0
	OpDebugFile Opcode = 0xf1
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandFormat describes how an opcode's operands are encoded.
type OperandFormat uint8

const (
	FmtNone   OperandFormat = iota
	FmtU30                  // one u30
	FmtU30x2                // two u30
	FmtByte                 // one raw byte
	FmtBranch               // s24 offset from the end of the instruction
	FmtSwitch               // lookupswitch table
	FmtDebug                // u8, u30, u8, u30
)

// VarStack marks a stack effect that depends on the operands.
const VarStack = -1

// OpcodeInfo describes an opcode for decoding, disassembly and the
// stack-balance checks.
type OpcodeInfo struct {
	Name   string
	Format OperandFormat
	Pop    int // values popped, VarStack when operand dependent
	Push   int // values pushed
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:          {"nop", FmtNone, 0, 0},
	OpThrow:        {"throw", FmtNone, 1, 0},
	OpKill:         {"kill", FmtU30, 0, 0},
	OpLabel:        {"label", FmtNone, 0, 0},
	OpIfNLt:        {"ifnlt", FmtBranch, 2, 0},
	OpIfNLe:        {"ifnle", FmtBranch, 2, 0},
	OpIfNGt:        {"ifngt", FmtBranch, 2, 0},
	OpIfNGe:        {"ifnge", FmtBranch, 2, 0},
	OpJump:         {"jump", FmtBranch, 0, 0},
	OpIfTrue:       {"iftrue", FmtBranch, 1, 0},
	OpIfFalse:      {"iffalse", FmtBranch, 1, 0},
	OpIfEq:         {"ifeq", FmtBranch, 2, 0},
	OpIfNe:         {"ifne", FmtBranch, 2, 0},
	OpIfLt:         {"iflt", FmtBranch, 2, 0},
	OpIfLe:         {"ifle", FmtBranch, 2, 0},
	OpIfGt:         {"ifgt", FmtBranch, 2, 0},
	OpIfGe:         {"ifge", FmtBranch, 2, 0},
	OpIfStrictEq:   {"ifstricteq", FmtBranch, 2, 0},
	OpIfStrictNe:   {"ifstrictne", FmtBranch, 2, 0},
	OpLookupSwitch: {"lookupswitch", FmtSwitch, 1, 0},
	OpPushWith:     {"pushwith", FmtNone, 1, 0},
	OpPopScope:     {"popscope", FmtNone, 0, 0},

	OpPushNull:      {"pushnull", FmtNone, 0, 1},
	OpPushUndefined: {"pushundefined", FmtNone, 0, 1},
	OpPushByte:      {"pushbyte", FmtByte, 0, 1},
	OpPushShort:     {"pushshort", FmtU30, 0, 1},
	OpPushTrue:      {"pushtrue", FmtNone, 0, 1},
	OpPushFalse:     {"pushfalse", FmtNone, 0, 1},
	OpPushNaN:       {"pushnan", FmtNone, 0, 1},
	OpPop:           {"pop", FmtNone, 1, 0},
	OpDup:           {"dup", FmtNone, 1, 2},
	OpSwap:          {"swap", FmtNone, 2, 2},
	OpPushString:    {"pushstring", FmtU30, 0, 1},
	OpPushInt:       {"pushint", FmtU30, 0, 1},
	OpPushUint:      {"pushuint", FmtU30, 0, 1},
	OpPushDouble:    {"pushdouble", FmtU30, 0, 1},
	OpPushScope:     {"pushscope", FmtNone, 1, 0},

	OpNewFunction:    {"newfunction", FmtU30, 0, 1},
	OpCall:           {"call", FmtU30, VarStack, 1},
	OpConstruct:      {"construct", FmtU30, VarStack, 1},
	OpCallProperty:   {"callproperty", FmtU30x2, VarStack, 1},
	OpReturnVoid:     {"returnvoid", FmtNone, 0, 0},
	OpReturnValue:    {"returnvalue", FmtNone, 1, 0},
	OpConstructSuper: {"constructsuper", FmtU30, VarStack, 0},
	OpConstructProp:  {"constructprop", FmtU30x2, VarStack, 1},
	OpCallPropLex:    {"callproplex", FmtU30x2, VarStack, 1},
	OpCallPropVoid:   {"callpropvoid", FmtU30x2, VarStack, 0},
	OpNewObject:      {"newobject", FmtU30, VarStack, 1},
	OpNewArray:       {"newarray", FmtU30, VarStack, 1},
	OpNewActivation:  {"newactivation", FmtNone, 0, 1},
	OpNewClass:       {"newclass", FmtU30, 1, 1},
	OpNewCatch:       {"newcatch", FmtU30, 0, 1},

	OpFindPropStrict: {"findpropstrict", FmtU30, VarStack, 1},
	OpFindProperty:   {"findproperty", FmtU30, VarStack, 1},
	OpGetLex:         {"getlex", FmtU30, 0, 1},
	OpSetProperty:    {"setproperty", FmtU30, VarStack, 0},
	OpGetLocal:       {"getlocal", FmtU30, 0, 1},
	OpSetLocal:       {"setlocal", FmtU30, 1, 0},
	OpGetGlobalScope: {"getglobalscope", FmtNone, 0, 1},
	OpGetScopeObject: {"getscopeobject", FmtByte, 0, 1},
	OpGetProperty:    {"getproperty", FmtU30, VarStack, 1},
	OpInitProperty:   {"initproperty", FmtU30, VarStack, 0},
	OpDeleteProperty: {"deleteproperty", FmtU30, VarStack, 1},
	OpGetSlot:        {"getslot", FmtU30, 1, 1},
	OpSetSlot:        {"setslot", FmtU30, 2, 0},

	OpConvertS:    {"convert_s", FmtNone, 1, 1},
	OpConvertI:    {"convert_i", FmtNone, 1, 1},
	OpConvertU:    {"convert_u", FmtNone, 1, 1},
	OpConvertD:    {"convert_d", FmtNone, 1, 1},
	OpConvertB:    {"convert_b", FmtNone, 1, 1},
	OpConvertO:    {"convert_o", FmtNone, 1, 1},
	OpCheckFilter: {"checkfilter", FmtNone, 1, 1},
	OpCoerce:      {"coerce", FmtU30, 1, 1},
	OpCoerceA:     {"coerce_a", FmtNone, 1, 1},
	OpCoerceS:     {"coerce_s", FmtNone, 1, 1},
	OpAsType:      {"astype", FmtU30, 1, 1},
	OpAsTypeLate:  {"astypelate", FmtNone, 2, 1},

	OpNegate:        {"negate", FmtNone, 1, 1},
	OpIncrement:     {"increment", FmtNone, 1, 1},
	OpIncLocal:      {"inclocal", FmtU30, 0, 0},
	OpDecrement:     {"decrement", FmtNone, 1, 1},
	OpDecLocal:      {"declocal", FmtU30, 0, 0},
	OpTypeof:        {"typeof", FmtNone, 1, 1},
	OpNot:           {"not", FmtNone, 1, 1},
	OpBitNot:        {"bitnot", FmtNone, 1, 1},
	OpAdd:           {"add", FmtNone, 2, 1},
	OpSubtract:      {"subtract", FmtNone, 2, 1},
	OpMultiply:      {"multiply", FmtNone, 2, 1},
	OpDivide:        {"divide", FmtNone, 2, 1},
	OpModulo:        {"modulo", FmtNone, 2, 1},
	OpLShift:        {"lshift", FmtNone, 2, 1},
	OpRShift:        {"rshift", FmtNone, 2, 1},
	OpURShift:       {"urshift", FmtNone, 2, 1},
	OpBitAnd:        {"bitand", FmtNone, 2, 1},
	OpBitOr:         {"bitor", FmtNone, 2, 1},
	OpBitXor:        {"bitxor", FmtNone, 2, 1},
	OpEquals:        {"equals", FmtNone, 2, 1},
	OpStrictEquals:  {"strictequals", FmtNone, 2, 1},
	OpLessThan:      {"lessthan", FmtNone, 2, 1},
	OpLessEquals:    {"lessequals", FmtNone, 2, 1},
	OpGreaterThan:   {"greaterthan", FmtNone, 2, 1},
	OpGreaterEquals: {"greaterequals", FmtNone, 2, 1},
	OpInstanceOf:    {"instanceof", FmtNone, 2, 1},
	OpIsType:        {"istype", FmtU30, 1, 1},
	OpIsTypeLate:    {"istypelate", FmtNone, 2, 1},
	OpIn:            {"in", FmtNone, 2, 1},
	OpIncrementI:    {"increment_i", FmtNone, 1, 1},
	OpDecrementI:    {"decrement_i", FmtNone, 1, 1},
	OpIncLocalI:     {"inclocal_i", FmtU30, 0, 0},
	OpDecLocalI:     {"declocal_i", FmtU30, 0, 0},
	OpNegateI:       {"negate_i", FmtNone, 1, 1},
	OpAddI:          {"add_i", FmtNone, 2, 1},
	OpSubtractI:     {"subtract_i", FmtNone, 2, 1},
	OpMultiplyI:     {"multiply_i", FmtNone, 2, 1},

	OpGetSuper:      {"getsuper", FmtU30, VarStack, 1},
	OpSetSuper:      {"setsuper", FmtU30, VarStack, 0},
	OpNextName:      {"nextname", FmtNone, 2, 1},
	OpHasNext:       {"hasnext", FmtNone, 2, 1},
	OpNextValue:     {"nextvalue", FmtNone, 2, 1},
	OpHasNext2:      {"hasnext2", FmtU30x2, 0, 1},
	OpCallSuper:     {"callsuper", FmtU30x2, VarStack, 1},
	OpCallSuperVoid: {"callsupervoid", FmtU30x2, VarStack, 0},

	OpLi8:   {"li8", FmtNone, 1, 1},
	OpLi16:  {"li16", FmtNone, 1, 1},
	OpLi32:  {"li32", FmtNone, 1, 1},
	OpLf32:  {"lf32", FmtNone, 1, 1},
	OpLf64:  {"lf64", FmtNone, 1, 1},
	OpSi8:   {"si8", FmtNone, 2, 0},
	OpSi16:  {"si16", FmtNone, 2, 0},
	OpSi32:  {"si32", FmtNone, 2, 0},
	OpSf32:  {"sf32", FmtNone, 2, 0},
	OpSf64:  {"sf64", FmtNone, 2, 0},
	OpSxi1:  {"sxi1", FmtNone, 1, 1},
	OpSxi8:  {"sxi8", FmtNone, 1, 1},
	OpSxi16: {"sxi16", FmtNone, 1, 1},

	OpGetLocal0: {"getlocal_0", FmtNone, 0, 1},
	OpGetLocal1: {"getlocal_1", FmtNone, 0, 1},
	OpGetLocal2: {"getlocal_2", FmtNone, 0, 1},
	OpGetLocal3: {"getlocal_3", FmtNone, 0, 1},
	OpSetLocal0: {"setlocal_0", FmtNone, 1, 0},
	OpSetLocal1: {"setlocal_1", FmtNone, 1, 0},
	OpSetLocal2: {"setlocal_2", FmtNone, 1, 0},
	OpSetLocal3: {"setlocal_3", FmtNone, 1, 0},
	OpDebug:     {"debug", FmtDebug, 0, 0},
	OpDebugLine: {"debugline", FmtU30, 0, 0},
	OpDebugFile: {"debugfile", FmtU30, 0, 0},
}

// Info returns metadata for an opcode.
func (op Opcode) Info() (OpcodeInfo, bool) {
	info, ok := opcodeTable[op]
	return info, ok
}

// Name returns the mnemonic for an opcode.
func (op Opcode) Name() string {
	if info, ok := opcodeTable[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("op_%02x", byte(op))
}

func (op Opcode) String() string {
	return op.Name()
}

// IsBranch reports whether op transfers control to a branch target.
func (op Opcode) IsBranch() bool {
	info, ok := opcodeTable[op]
	return ok && (info.Format == FmtBranch || info.Format == FmtSwitch)
}

// endsBlock reports whether control never falls through op.
func (op Opcode) endsBlock() bool {
	switch op {
	case OpJump, OpLookupSwitch, OpThrow, OpReturnVoid, OpReturnValue:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Bytecode builder
// ---------------------------------------------------------------------------

// Label is a branch target resolved when marked.
type Label struct {
	position int
	resolved bool
	refs     []labelRef
}

type labelRef struct {
	at   int // position of the s24 field
	base int // offset the field is relative to
}

// Builder assembles canonical bytecode with labels and back-patching.
type Builder struct {
	bytes []byte
	err   error
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the assembled code. Panics if an operand or a branch
// offset overflowed.
func (b *Builder) Bytes() []byte {
	if b.err != nil {
		panic(b.err)
	}
	return b.bytes
}

// Err returns the first encoding error, if any.
func (b *Builder) Err() error {
	return b.err
}

// Len returns the current length.
func (b *Builder) Len() int {
	return len(b.bytes)
}

// Op appends an opcode with no operands.
func (b *Builder) Op(op Opcode) *Builder {
	b.bytes = append(b.bytes, byte(op))
	return b
}

// U30 appends an opcode with one u30 operand.
func (b *Builder) U30(op Opcode, v int) *Builder {
	b.bytes = append(b.bytes, byte(op))
	b.writeU30(v)
	return b
}

// U30x2 appends an opcode with two u30 operands.
func (b *Builder) U30x2(op Opcode, v1, v2 int) *Builder {
	b.bytes = append(b.bytes, byte(op))
	b.writeU30(v1)
	b.writeU30(v2)
	return b
}

// Byte appends an opcode with a raw byte operand.
func (b *Builder) Byte(op Opcode, v byte) *Builder {
	b.bytes = append(b.bytes, byte(op), v)
	return b
}

// PushByte appends pushbyte with a signed operand.
func (b *Builder) PushByte(v int8) *Builder {
	return b.Byte(OpPushByte, byte(v))
}

// PushShort appends pushshort; the value is sign-extended from 16 bits.
func (b *Builder) PushShort(v int16) *Builder {
	return b.U30(OpPushShort, int(uint16(v)))
}

// GetLocal appends the shortest form of getlocal.
func (b *Builder) GetLocal(i int) *Builder {
	if i >= 0 && i <= 3 {
		return b.Op(OpGetLocal0 + Opcode(i))
	}
	return b.U30(OpGetLocal, i)
}

// SetLocal appends the shortest form of setlocal.
func (b *Builder) SetLocal(i int) *Builder {
	if i >= 0 && i <= 3 {
		return b.Op(OpSetLocal0 + Opcode(i))
	}
	return b.U30(OpSetLocal, i)
}

// Debug appends a debug instruction.
func (b *Builder) Debug(kind byte, name int, reg byte, extra int) *Builder {
	b.bytes = append(b.bytes, byte(OpDebug), kind)
	b.writeU30(name)
	b.bytes = append(b.bytes, reg)
	b.writeU30(extra)
	return b
}

func (b *Builder) writeU30(v int) {
	u, err := safecast.Convert[uint32](v)
	if err != nil || u >= 1<<30 {
		b.fail(fmt.Errorf("u30 operand %d out of range", v))
		return
	}
	b.bytes = appendU30(b.bytes, u)
}

func appendU30(dst []byte, u uint32) []byte {
	for {
		c := byte(u & 0x7f)
		u >>= 7
		if u == 0 {
			return append(dst, c)
		}
		dst = append(dst, c|0x80)
	}
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	return &Label{}
}

// Mark resolves a label to the current position and patches forward references.
func (b *Builder) Mark(l *Label) *Builder {
	if l.resolved {
		panic("label already resolved")
	}
	l.resolved = true
	l.position = len(b.bytes)
	for _, ref := range l.refs {
		b.patchS24(ref.at, l.position-ref.base)
	}
	l.refs = nil
	return b
}

// Jump appends a branch instruction targeting l.
func (b *Builder) Jump(op Opcode, l *Label) *Builder {
	b.bytes = append(b.bytes, byte(op))
	at := len(b.bytes)
	b.bytes = append(b.bytes, 0, 0, 0)
	b.branchTo(l, at, len(b.bytes))
	return b
}

// LookupSwitch appends a lookupswitch; offsets are relative to its start.
func (b *Builder) LookupSwitch(def *Label, cases ...*Label) *Builder {
	if len(cases) == 0 {
		b.fail(fmt.Errorf("lookupswitch needs at least one case"))
		return b
	}
	start := len(b.bytes)
	b.bytes = append(b.bytes, byte(OpLookupSwitch))
	type pending struct {
		at int
		l  *Label
	}
	refs := []pending{{len(b.bytes), def}}
	b.bytes = append(b.bytes, 0, 0, 0)
	b.writeU30(len(cases) - 1)
	for _, c := range cases {
		refs = append(refs, pending{len(b.bytes), c})
		b.bytes = append(b.bytes, 0, 0, 0)
	}
	for _, r := range refs {
		b.branchTo(r.l, r.at, start)
	}
	return b
}

func (b *Builder) branchTo(l *Label, at, base int) {
	if l.resolved {
		b.patchS24(at, l.position-base)
		return
	}
	l.refs = append(l.refs, labelRef{at: at, base: base})
}

func (b *Builder) patchS24(at, offset int) {
	if offset < -(1<<23) || offset >= 1<<23 {
		b.fail(fmt.Errorf("branch offset %d out of s24 range", offset))
		return
	}
	u := uint32(int32(offset))
	b.bytes[at] = byte(u)
	b.bytes[at+1] = byte(u >> 8)
	b.bytes[at+2] = byte(u >> 16)
}

// ---------------------------------------------------------------------------
// Decoder
// ---------------------------------------------------------------------------

// Instruction is one decoded canonical instruction.
type Instruction struct {
	Offset  int
	Op      Opcode
	Size    int
	A, B    int   // operands in encoding order
	Target  int   // absolute branch target
	Targets []int // lookupswitch: default target followed by the cases
}

// Next returns the offset of the following instruction.
func (ins *Instruction) Next() int {
	return ins.Offset + ins.Size
}

// StackEffect returns how many operands ins pops and pushes. Runtime
// multiname parts are resolved against p; an out-of-range multiname
// counts as having none.
func (ins *Instruction) StackEffect(p *Program) (pop, push int) {
	info, ok := opcodeTable[ins.Op]
	if !ok {
		return 0, 0
	}
	if info.Pop != VarStack {
		return info.Pop, info.Push
	}
	rt := func(idx int) int {
		if p == nil {
			return 0
		}
		if mn := p.Multiname(idx); mn != nil {
			return mn.RTCount()
		}
		return 0
	}
	switch ins.Op {
	case OpCall:
		pop = ins.A + 2
	case OpConstruct, OpConstructSuper:
		pop = ins.A + 1
	case OpCallProperty, OpCallPropLex, OpCallPropVoid, OpConstructProp, OpCallSuper, OpCallSuperVoid:
		pop = ins.B + 1 + rt(ins.A)
	case OpNewObject:
		pop = 2 * ins.A
	case OpNewArray:
		pop = ins.A
	case OpFindPropStrict, OpFindProperty:
		pop = rt(ins.A)
	case OpSetProperty, OpInitProperty, OpSetSuper:
		pop = 2 + rt(ins.A)
	case OpGetProperty, OpDeleteProperty, OpGetSuper:
		pop = 1 + rt(ins.A)
	}
	return pop, info.Push
}

type codeReader struct {
	code []byte
	pos  int
	err  error
}

func (r *codeReader) byte() byte {
	if r.pos >= len(r.code) {
		r.err = errTruncated
		return 0
	}
	c := r.code[r.pos]
	r.pos++
	return c
}

func (r *codeReader) u30() int {
	var v uint32
	for shift := 0; shift < 35; shift += 7 {
		c := r.byte()
		if r.err != nil {
			return 0
		}
		v |= uint32(c&0x7f) << shift
		if c&0x80 == 0 {
			return int(v & 0x3fffffff)
		}
	}
	r.err = errBadU30
	return 0
}

func (r *codeReader) s24() int {
	b0, b1, b2 := r.byte(), r.byte(), r.byte()
	v := int32(uint32(b0) | uint32(b1)<<8 | uint32(b2)<<16)
	return int(v<<8) >> 8
}

var (
	errTruncated = fmt.Errorf("truncated operand")
	errBadU30    = fmt.Errorf("malformed u30")
)

// DecodeAt decodes the instruction at offset without validating targets.
func DecodeAt(code []byte, offset int) (Instruction, error) {
	r := &codeReader{code: code, pos: offset}
	op := Opcode(r.byte())
	ins := Instruction{Offset: offset, Op: op}
	info, ok := opcodeTable[op]
	if !ok {
		return ins, &DecodeError{Offset: offset, Reason: fmt.Sprintf("unknown opcode 0x%02x", byte(op))}
	}
	switch info.Format {
	case FmtU30:
		ins.A = r.u30()
	case FmtU30x2:
		ins.A = r.u30()
		ins.B = r.u30()
	case FmtByte:
		ins.A = int(r.byte())
		if op == OpPushByte {
			ins.A = int(int8(ins.A))
		}
	case FmtBranch:
		off := r.s24()
		ins.Target = r.pos + off
	case FmtSwitch:
		def := r.s24()
		n := r.u30()
		if r.err == nil && n > len(code) {
			r.err = errTruncated
		}
		ins.Targets = make([]int, 0, n+2)
		ins.Targets = append(ins.Targets, offset+def)
		for i := 0; i <= n && r.err == nil; i++ {
			ins.Targets = append(ins.Targets, offset+r.s24())
		}
		ins.Target = ins.Targets[0]
	case FmtDebug:
		ins.A = int(r.byte())
		ins.B = r.u30()
		r.byte()
		r.u30()
	}
	if op == OpPushShort {
		ins.A = int(int16(uint16(ins.A)))
	}
	if r.err != nil {
		return ins, &DecodeError{Offset: offset, Reason: fmt.Sprintf("%s: %v", info.Name, r.err)}
	}
	ins.Size = r.pos - offset
	return ins, nil
}

// Decode decodes a whole method body, checking that every opcode is known
// and every branch lands on an instruction boundary inside the body.
func Decode(code []byte) ([]Instruction, error) {
	var out []Instruction
	starts := make(map[int]bool)
	for pc := 0; pc < len(code); {
		ins, err := DecodeAt(code, pc)
		if err != nil {
			return nil, err
		}
		starts[pc] = true
		out = append(out, ins)
		pc = ins.Next()
	}
	for i := range out {
		ins := &out[i]
		info := opcodeTable[ins.Op]
		switch info.Format {
		case FmtBranch:
			if !starts[ins.Target] {
				return nil, &DecodeError{Offset: ins.Offset, Reason: fmt.Sprintf("%s target %d outside the method body", info.Name, ins.Target)}
			}
		case FmtSwitch:
			for _, t := range ins.Targets {
				if !starts[t] {
					return nil, &DecodeError{Offset: ins.Offset, Reason: fmt.Sprintf("lookupswitch target %d outside the method body", t)}
				}
			}
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// FormatInstruction renders one decoded instruction.
func FormatInstruction(ins *Instruction) string {
	info := opcodeTable[ins.Op]
	switch info.Format {
	case FmtU30, FmtByte:
		return fmt.Sprintf("%04d: %-16s %d", ins.Offset, info.Name, ins.A)
	case FmtU30x2:
		return fmt.Sprintf("%04d: %-16s %d %d", ins.Offset, info.Name, ins.A, ins.B)
	case FmtBranch:
		return fmt.Sprintf("%04d: %-16s -> %04d", ins.Offset, info.Name, ins.Target)
	case FmtSwitch:
		parts := make([]string, len(ins.Targets))
		for i, t := range ins.Targets {
			parts[i] = fmt.Sprintf("%04d", t)
		}
		return fmt.Sprintf("%04d: %-16s default %s cases [%s]", ins.Offset, info.Name, parts[0], strings.Join(parts[1:], " "))
	case FmtDebug:
		return fmt.Sprintf("%04d: %-16s %d %d", ins.Offset, info.Name, ins.A, ins.B)
	}
	return fmt.Sprintf("%04d: %s", ins.Offset, ins.Op.Name())
}

// Disassemble renders canonical bytecode, stopping at the first decode error.
func Disassemble(code []byte) string {
	var b strings.Builder
	for pc := 0; pc < len(code); {
		ins, err := DecodeAt(code, pc)
		if err != nil {
			fmt.Fprintf(&b, "%04d: <%v>\n", pc, err)
			break
		}
		b.WriteString(FormatInstruction(&ins))
		b.WriteByte('\n')
		pc = ins.Next()
	}
	return b.String()
}
