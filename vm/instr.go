package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Translated instruction form
// ---------------------------------------------------------------------------

// XOp is the opcode of a translated instruction. Specialized forms are
// separate variants rather than rewritten opcode bytes.
type XOp uint8

const (
	XCanonical        XOp = iota // run Ins through the baseline semantics
	XPush                        // push Value
	XGetLocal                    // push local Arg
	XSetLocal                    // local Arg = A
	XJump                        // goto Target
	XIfTrue                      // if A goto Target
	XIfFalse                     // if !A goto Target
	XIfCmp                       // if A <Arg> B goto Target
	XIfCmpInts                   // XIfCmp with both operands int
	XSwitch                      // goto Targets[index A]
	XBinary                      // A <Arg> B
	XAddInts                     // int A + int B
	XSubInts                     // int A - int B
	XUnary                       // <Arg> A
	XReturnValue                 // return A
	XReturnVoid                  // return
	XGetScopeObject              // push scope entry Arg
	XGetScopeSlot                // push slot Arg2 of scope entry Arg
	XGetScopeProperty            // push property Name of scope entry Arg
	XGetLex                      // cached getlex Name
	XGetProperty                 // cached getproperty Name
	XSetProperty                 // cached setproperty Name
	XInitProperty                // cached initproperty Name
	XCallProperty                // cached callproperty Name with Arg arguments
	XCallPropVoid                // cached callpropvoid Name with Arg arguments
	XGetSlot                     // push slot Arg of the popped receiver
	XCoerceClass                 // coerce the top of stack to Class
)

var xopNames = [...]string{
	XCanonical:        "canonical",
	XPush:             "push",
	XGetLocal:         "getlocal",
	XSetLocal:         "setlocal",
	XJump:             "jump",
	XIfTrue:           "iftrue",
	XIfFalse:          "iffalse",
	XIfCmp:            "ifcmp",
	XIfCmpInts:        "ifcmp_ii",
	XSwitch:           "switch",
	XBinary:           "binary",
	XAddInts:          "add_ii",
	XSubInts:          "subtract_ii",
	XUnary:            "unary",
	XReturnValue:      "returnvalue",
	XReturnVoid:       "returnvoid",
	XGetScopeObject:   "getscopeobject",
	XGetScopeSlot:     "getscopeslot",
	XGetScopeProperty: "getscopeproperty",
	XGetLex:           "getlex.ic",
	XGetProperty:      "getproperty.ic",
	XSetProperty:      "setproperty.ic",
	XInitProperty:     "initproperty.ic",
	XCallProperty:     "callproperty.ic",
	XCallPropVoid:     "callpropvoid.ic",
	XGetSlot:          "getslot",
	XCoerceClass:      "coerce.early",
}

func (op XOp) String() string {
	if int(op) < len(xopNames) {
		return xopNames[op]
	}
	return fmt.Sprintf("xop(%d)", uint8(op))
}

// IsBranch reports whether op transfers control through Target or Targets.
func (op XOp) IsBranch() bool {
	switch op {
	case XJump, XIfTrue, XIfFalse, XIfCmp, XIfCmpInts, XSwitch:
		return true
	}
	return false
}

// OperandKind says where an instruction operand lives.
type OperandKind uint8

const (
	OperandStack OperandKind = iota // popped from the operand stack
	OperandLocal                    // read from a local
	OperandConst                    // baked constant
)

// Operand is a pre-resolved instruction input.
type Operand struct {
	Kind  OperandKind
	Local int
	Const Atom // borrowed from the program pool or a frozen definition
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandLocal:
		return fmt.Sprintf("L%d", o.Local)
	case OperandConst:
		return fmt.Sprintf("#%#x", uint64(o.Const))
	}
	return "S"
}

// Instr is one instruction of a translated method.
type Instr struct {
	Op      XOp
	A, B    Operand
	Dest    int // local receiving the result, -1 to push it
	Arg     int
	Arg2    int
	Name    string
	Class   *ClassObject
	Value   Atom // borrowed
	Target  int
	Targets []int
	Site    int         // inline cache index for cached variants
	Origin  int         // canonical offset this instruction came from
	Ins     Instruction // XCanonical payload
}

// SiteInfo describes one inline cache site of a translation.
type SiteInfo struct {
	Op     XOp
	Name   string
	Origin int
}

// Translation is the output of the optimizing translator. It is immutable
// once published and shared by every worker running the method.
type Translation struct {
	Method     *MethodInfo
	Code       []Instr
	Exceptions []ExceptionRange // From, To and Target are instruction indexes
	Sites      []SiteInfo
	OffsetMap  map[int]int // canonical offset to instruction index
	Blocks     int
}

// FormatInstr renders one translated instruction.
func FormatInstr(in *Instr) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s", in.Op)
	switch in.Op {
	case XCanonical:
		b.WriteString(FormatInstruction(&in.Ins))
	case XPush:
		fmt.Fprintf(&b, "#%#x", uint64(in.Value))
	case XGetLocal:
		fmt.Fprintf(&b, "L%d", in.Arg)
	case XSetLocal:
		fmt.Fprintf(&b, "L%d <- %s", in.Arg, in.A)
	case XJump:
		fmt.Fprintf(&b, "-> %d", in.Target)
	case XIfTrue, XIfFalse:
		fmt.Fprintf(&b, "%s -> %d", in.A, in.Target)
	case XIfCmp, XIfCmpInts:
		fmt.Fprintf(&b, "%s %s %s -> %d", in.A, Opcode(in.Arg).Name(), in.B, in.Target)
	case XSwitch:
		fmt.Fprintf(&b, "%s -> %v", in.A, in.Targets)
	case XBinary:
		fmt.Fprintf(&b, "%s %s %s", in.A, Opcode(in.Arg).Name(), in.B)
	case XAddInts, XSubInts:
		fmt.Fprintf(&b, "%s, %s", in.A, in.B)
	case XUnary:
		fmt.Fprintf(&b, "%s %s", Opcode(in.Arg).Name(), in.A)
	case XReturnValue:
		b.WriteString(in.A.String())
	case XGetScopeObject:
		fmt.Fprintf(&b, "%d", in.Arg)
	case XGetScopeSlot:
		fmt.Fprintf(&b, "%d.slot%d", in.Arg, in.Arg2)
	case XGetScopeProperty:
		fmt.Fprintf(&b, "%d.%s", in.Arg, in.Name)
	case XGetLex, XGetProperty, XSetProperty, XInitProperty:
		fmt.Fprintf(&b, "%s @%d", in.Name, in.Site)
	case XCallProperty, XCallPropVoid:
		fmt.Fprintf(&b, "%s(%d) @%d", in.Name, in.Arg, in.Site)
	case XGetSlot:
		fmt.Fprintf(&b, "slot%d", in.Arg)
	case XCoerceClass:
		b.WriteString(in.Class.name)
	}
	if in.Dest >= 0 {
		fmt.Fprintf(&b, " => L%d", in.Dest)
	}
	return strings.TrimRight(b.String(), " ")
}

// Disassemble renders the translated code with its exception table.
func (tr *Translation) Disassemble() string {
	var b strings.Builder
	for i := range tr.Code {
		fmt.Fprintf(&b, "%4d [%4d]  %s\n", i, tr.Code[i].Origin, FormatInstr(&tr.Code[i]))
	}
	for _, r := range tr.Exceptions {
		fmt.Fprintf(&b, "try [%d, %d) -> %d type %d\n", r.From, r.To, r.Target, r.Type)
	}
	return b.String()
}
