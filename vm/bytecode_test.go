package vm

import (
	"errors"
	"strings"
	"testing"
)

func TestBuilderDecodeRoundTrip(t *testing.T) {
	b := NewBuilder()
	b.PushByte(-5).PushShort(-300).U30(OpPushInt, 200).U30x2(OpCallProperty, 3, 2).Op(OpReturnValue)
	ins, err := Decode(b.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(ins) != 5 {
		t.Fatalf("Expected 5 instructions, got %d", len(ins))
	}

	tests := []struct {
		op     Opcode
		offset int
		size   int
		a, b   int
	}{
		{OpPushByte, 0, 2, -5, 0},
		{OpPushShort, 2, 4, -300, 0},
		{OpPushInt, 6, 3, 200, 0},
		{OpCallProperty, 9, 3, 3, 2},
		{OpReturnValue, 12, 1, 0, 0},
	}
	for i, tt := range tests {
		got := ins[i]
		if got.Op != tt.op || got.Offset != tt.offset || got.Size != tt.size || got.A != tt.a || got.B != tt.b {
			t.Errorf("instruction %d: got %+v, want %s at %d size %d operands %d %d",
				i, got, tt.op, tt.offset, tt.size, tt.a, tt.b)
		}
	}
}

func TestU30Encoding(t *testing.T) {
	for _, v := range []int{0, 127, 128, 16383, 16384, 1<<29 + 7, 1<<30 - 1} {
		code := NewBuilder().U30(OpPushInt, v).Bytes()
		ins, err := DecodeAt(code, 0)
		if err != nil {
			t.Fatalf("%d: %v", v, err)
		}
		if ins.A != v || ins.Size != len(code) {
			t.Errorf("%d: decoded %d in %d bytes", v, ins.A, ins.Size)
		}
	}
}

func TestBuilderErrors(t *testing.T) {
	b := NewBuilder().U30(OpPushInt, 1<<30)
	if b.Err() == nil {
		t.Fatal("Expected an error for an oversized u30")
	}
	expectPanic(t, "Bytes after error", func() { b.Bytes() })

	if NewBuilder().U30(OpGetLocal, -1).Err() == nil {
		t.Error("Expected an error for a negative operand")
	}

	def := NewBuilder().NewLabel()
	if NewBuilder().LookupSwitch(def).Err() == nil {
		t.Error("Expected an error for a lookupswitch without cases")
	}

	l := NewBuilder().NewLabel()
	b = NewBuilder().Mark(l)
	expectPanic(t, "label marked twice", func() { b.Mark(l) })
}

func TestBranchTargets(t *testing.T) {
	b := NewBuilder()
	top, end := b.NewLabel(), b.NewLabel()
	b.Mark(top).Op(OpLabel)      // 0
	b.Jump(OpIfTrue, end)        // 1
	b.Jump(OpJump, top)          // 5
	b.Mark(end).Op(OpReturnVoid) // 9

	ins, err := Decode(b.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ins[1].Target != 9 {
		t.Errorf("forward branch: expected 9, got %d", ins[1].Target)
	}
	if ins[2].Target != 0 {
		t.Errorf("backward branch: expected 0, got %d", ins[2].Target)
	}
	if !ins[1].Op.IsBranch() || ins[3].Op.IsBranch() {
		t.Error("IsBranch misclassified")
	}
}

func TestLookupSwitchTargets(t *testing.T) {
	b := NewBuilder()
	buildSwitch(b, 0)
	ins, err := Decode(b.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	sw := ins[1]
	if sw.Op != OpLookupSwitch {
		t.Fatalf("Expected lookupswitch, got %s", sw.Op)
	}
	if len(sw.Targets) != 3 {
		t.Fatalf("Expected default plus 2 cases, got %v", sw.Targets)
	}
	// Each case is pushbyte (2 bytes) plus returnvalue (1 byte).
	base := sw.Next()
	want := []int{base + 6, base, base + 3}
	for i, w := range want {
		if sw.Targets[i] != w {
			t.Errorf("target %d: expected %d, got %d", i, w, sw.Targets[i])
		}
	}
	if sw.Target != sw.Targets[0] {
		t.Error("Target should be the default")
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		code   []byte
		offset int
	}{
		{"unknown opcode", []byte{byte(OpNop), 0x01}, 1},
		{"truncated u30", []byte{byte(OpPushInt)}, 0},
		{"unterminated u30", []byte{byte(OpPushInt), 0x80, 0x80}, 0},
		{"truncated branch", []byte{byte(OpJump), 0, 0}, 0},
		{"branch past the end", []byte{byte(OpJump), 0x10, 0, 0}, 0},
		{"branch into an operand", []byte{byte(OpJump), 0xfe, 0xff, 0xff, byte(OpReturnVoid)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.code)
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("Expected DecodeError, got %v", err)
			}
			if de.Offset != tt.offset {
				t.Errorf("Expected offset %d, got %d", tt.offset, de.Offset)
			}
		})
	}
}

func TestDecodeEnumerationAndMemory(t *testing.T) {
	b := NewBuilder()
	b.U30x2(OpHasNext2, 1, 2).U30x2(OpCallSuperVoid, 4, 0).U30(OpGetSuper, 4)
	b.Op(OpLi8).Op(OpSi32).Op(OpSxi1).Op(OpNextName).Op(OpReturnVoid)
	ins, err := Decode(b.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := []Opcode{OpHasNext2, OpCallSuperVoid, OpGetSuper, OpLi8, OpSi32, OpSxi1, OpNextName, OpReturnVoid}
	if len(ins) != len(want) {
		t.Fatalf("Expected %d instructions, got %d", len(want), len(ins))
	}
	for i, op := range want {
		if ins[i].Op != op {
			t.Errorf("instruction %d: got %s, want %s", i, ins[i].Op, op)
		}
	}
	if ins[0].A != 1 || ins[0].B != 2 {
		t.Errorf("hasnext2 operands: got %d %d", ins[0].A, ins[0].B)
	}

	out := Disassemble(b.Bytes())
	for _, name := range []string{"hasnext2", "callsupervoid", "getsuper", "li8", "si32", "sxi1", "nextname"} {
		if !strings.Contains(out, name) {
			t.Errorf("disassembly missing %q:\n%s", name, out)
		}
	}
}

func TestStackEffect(t *testing.T) {
	p := newTestProgram()
	plain := p.name("f")
	p.Multinames = append(p.Multinames, Multiname{Name: "", RuntimeName: true})
	runtime := len(p.Multinames) - 1

	tests := []struct {
		ins       Instruction
		pop, push int
	}{
		{Instruction{Op: OpAdd}, 2, 1},
		{Instruction{Op: OpCallProperty, A: plain, B: 2}, 3, 1},
		{Instruction{Op: OpCallProperty, A: runtime, B: 2}, 4, 1},
		{Instruction{Op: OpCallPropVoid, A: plain, B: 0}, 1, 0},
		{Instruction{Op: OpNewObject, A: 3}, 6, 1},
		{Instruction{Op: OpNewArray, A: 3}, 3, 1},
		{Instruction{Op: OpCall, A: 1}, 3, 1},
		{Instruction{Op: OpConstruct, A: 2}, 3, 1},
		{Instruction{Op: OpSetProperty, A: runtime}, 3, 0},
		{Instruction{Op: OpGetProperty, A: plain}, 1, 1},
		{Instruction{Op: OpFindPropStrict, A: runtime}, 1, 1},
		{Instruction{Op: OpGetSuper, A: plain}, 1, 1},
		{Instruction{Op: OpGetSuper, A: runtime}, 2, 1},
		{Instruction{Op: OpSetSuper, A: plain}, 2, 0},
		{Instruction{Op: OpCallSuper, A: plain, B: 2}, 3, 1},
		{Instruction{Op: OpCallSuperVoid, A: runtime, B: 1}, 3, 0},
		{Instruction{Op: OpHasNext2, A: 1, B: 2}, 0, 1},
		{Instruction{Op: OpNextValue}, 2, 1},
		{Instruction{Op: OpLi32}, 1, 1},
		{Instruction{Op: OpSf64}, 2, 0},
		{Instruction{Op: OpSxi16}, 1, 1},
	}
	for _, tt := range tests {
		pop, push := tt.ins.StackEffect(p.Program)
		if pop != tt.pop || push != tt.push {
			t.Errorf("%s: got pop %d push %d, want %d %d", tt.ins.Op, pop, push, tt.pop, tt.push)
		}
	}
}

func TestDisassemble(t *testing.T) {
	b := NewBuilder()
	l := b.NewLabel()
	b.PushByte(-5).Jump(OpIfFalse, l).U30(OpPushString, 1).Mark(l).Op(OpReturnValue)
	out := Disassemble(b.Bytes())

	for _, want := range []string{"0000: pushbyte", "-5", "0002: iffalse", "-> 0008", "pushstring", "0008: returnvalue"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}

	bad := Disassemble([]byte{byte(OpReturnVoid), 0x01})
	if !strings.Contains(bad, "0001: <") {
		t.Errorf("expected a decode error marker:\n%s", bad)
	}
}
