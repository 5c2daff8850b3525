package vm

import (
	"strings"
	"testing"
)

// translateMethod loads p into a fresh VM and translates the named method.
func translateMethod(t *testing.T, p *Program, name string) (*VM, *Translation) {
	t.Helper()
	vm := NewVM(DefaultOptions())
	t.Cleanup(vm.Close)
	if err := vm.Load(p); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	m := findMethod(p, name)
	if m == nil {
		t.Fatalf("no method %s", name)
	}
	tr, err := vm.Translate(m)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	return vm, tr
}

func findXOp(tr *Translation, op XOp) *Instr {
	for i := range tr.Code {
		if tr.Code[i].Op == op {
			return &tr.Code[i]
		}
	}
	return nil
}

// typedMethodProgram declares f(a:int, b:int) with the given body.
func typedMethodProgram(code func(b *Builder)) *Program {
	p := newTestProgram()
	b := NewBuilder()
	code(b)
	f := p.method("f", 2, 4, b.Bytes())
	f.ParamTypes = []int{p.name("int"), p.name("int")}
	p.script(p.method("init", 0, 1, []byte{byte(OpReturnVoid)}),
		TraitDef{Name: "f", Kind: TraitMethod, Method: p.indexOf(f)})
	return p.Program
}

func TestTranslateIntAdd(t *testing.T) {
	p := typedMethodProgram(func(b *Builder) {
		b.GetLocal(1).GetLocal(2).Op(OpAdd).Op(OpReturnValue)
	})
	_, tr := translateMethod(t, p, "f")

	add := findXOp(tr, XAddInts)
	if add == nil {
		t.Fatalf("Expected add_ii in:\n%s", tr.Disassemble())
	}
	if add.A.Kind != OperandLocal || add.A.Local != 1 {
		t.Errorf("Expected first operand L1, got %s", add.A)
	}
	if add.B.Kind != OperandLocal || add.B.Local != 2 {
		t.Errorf("Expected second operand L2, got %s", add.B)
	}
	if add.Dest != -1 {
		t.Errorf("Expected pushed result, got destination L%d", add.Dest)
	}
	if findXOp(tr, XGetLocal) != nil {
		t.Error("local reads should be folded into operands")
	}
	if !strings.Contains(tr.Disassemble(), "add_ii") {
		t.Errorf("Disassemble should name add_ii:\n%s", tr.Disassemble())
	}
}

func TestTranslateFoldsSetLocal(t *testing.T) {
	p := typedMethodProgram(func(b *Builder) {
		b.GetLocal(1).GetLocal(2).Op(OpSubtract).SetLocal(3).GetLocal(3).Op(OpReturnValue)
	})
	_, tr := translateMethod(t, p, "f")

	sub := findXOp(tr, XSubInts)
	if sub == nil {
		t.Fatalf("Expected subtract_ii in:\n%s", tr.Disassemble())
	}
	if sub.Dest != 3 {
		t.Errorf("Expected destination L3, got %d", sub.Dest)
	}
	if findXOp(tr, XSetLocal) != nil {
		t.Error("setlocal should be folded into the producing instruction")
	}
	ret := findXOp(tr, XReturnValue)
	if ret == nil || ret.A.Kind != OperandLocal || ret.A.Local != 3 {
		t.Errorf("Expected returnvalue L3, got %v", ret)
	}
}

func TestTranslateUntypedAdd(t *testing.T) {
	p := newTestProgram()
	b := NewBuilder().GetLocal(1).GetLocal(2).Op(OpAdd).Op(OpReturnValue)
	f := p.method("f", 2, 3, b.Bytes())
	p.script(p.method("init", 0, 1, []byte{byte(OpReturnVoid)}),
		TraitDef{Name: "f", Kind: TraitMethod, Method: p.indexOf(f)})

	_, tr := translateMethod(t, p.Program, "f")
	if findXOp(tr, XAddInts) != nil {
		t.Error("untyped operands must not use add_ii")
	}
	bin := findXOp(tr, XBinary)
	if bin == nil || Opcode(bin.Arg) != OpAdd {
		t.Fatalf("Expected binary add in:\n%s", tr.Disassemble())
	}
}

func TestTranslateElidesCoercion(t *testing.T) {
	p := typedMethodProgram(func(b *Builder) {
		b.GetLocal(1).Op(OpConvertI).Op(OpReturnValue)
	})
	_, tr := translateMethod(t, p, "f")

	if len(tr.Code) != 1 {
		t.Fatalf("Expected a single instruction, got:\n%s", tr.Disassemble())
	}
	if in := tr.Code[0]; in.Op != XReturnValue || in.A.Kind != OperandLocal || in.A.Local != 1 {
		t.Errorf("Expected returnvalue L1, got %s", FormatInstr(&in))
	}
}

func TestTranslateConstantCompare(t *testing.T) {
	p := scriptProgram(func(p *testProgram, b *Builder) {
		l := b.NewLabel()
		b.PushByte(1).PushByte(2).Jump(OpIfGt, l)
		b.PushByte(0).Op(OpReturnValue)
		b.Mark(l).PushByte(1).Op(OpReturnValue)
	})
	_, tr := translateMethod(t, p, "init")

	cmp := findXOp(tr, XIfCmpInts)
	if cmp == nil {
		t.Fatalf("Expected ifcmp_ii in:\n%s", tr.Disassemble())
	}
	if cmp.A.Kind != OperandConst || cmp.B.Kind != OperandConst {
		t.Errorf("Expected constant operands, got %s and %s", cmp.A, cmp.B)
	}
	if Opcode(cmp.Arg) != OpIfGt {
		t.Errorf("Expected ifgt comparison, got %s", Opcode(cmp.Arg).Name())
	}
	if cmp.Target < 0 || cmp.Target >= len(tr.Code) {
		t.Errorf("branch target %d out of range", cmp.Target)
	}
}

func TestTranslateGlobalScope(t *testing.T) {
	p := scriptProgram(func(p *testProgram, b *Builder) {
		b.GetLocal(0).Op(OpPushScope)
		b.U30(OpFindPropStrict, p.name("Array")).Op(OpReturnValue)
	})
	_, tr := translateMethod(t, p, "init")

	if in := findXOp(tr, XGetScopeObject); in == nil {
		t.Errorf("findpropstrict of a frozen global should resolve statically:\n%s", tr.Disassemble())
	}
}

func TestTranslateGetLexOfFrozenClass(t *testing.T) {
	p := scriptProgram(func(p *testProgram, b *Builder) {
		b.GetLocal(0).Op(OpPushScope)
		b.U30(OpGetLex, p.name("Array")).Op(OpReturnValue)
	})
	vm, tr := translateMethod(t, p, "init")

	if findXOp(tr, XGetLex) != nil {
		t.Errorf("getlex of a frozen class should become a constant:\n%s", tr.Disassemble())
	}
	ret := findXOp(tr, XReturnValue)
	if ret == nil || ret.A.Kind != OperandConst {
		t.Fatalf("Expected returnvalue of a constant, got:\n%s", tr.Disassemble())
	}
	arr, _ := vm.Domain.Get("Array")
	defer vm.Heap.Release(arr)
	if ret.A.Const != arr {
		t.Error("constant should be the Array class")
	}
}

func TestTranslateCachedSites(t *testing.T) {
	p := newTestProgram()
	b := NewBuilder().GetLocal(1).U30(OpGetProperty, p.name("x")).Op(OpReturnValue)
	f := p.method("f", 1, 2, b.Bytes())
	p.script(p.method("init", 0, 1, []byte{byte(OpReturnVoid)}),
		TraitDef{Name: "f", Kind: TraitMethod, Method: p.indexOf(f)})

	_, tr := translateMethod(t, p.Program, "f")
	if len(tr.Sites) != 1 {
		t.Fatalf("Expected 1 cache site, got %d", len(tr.Sites))
	}
	site := tr.Sites[0]
	if site.Op != XGetProperty || site.Name != "x" || site.Origin != 1 {
		t.Errorf("unexpected site %+v", site)
	}
	if !strings.Contains(tr.Disassemble(), "getproperty.ic") {
		t.Errorf("Disassemble should name the cached variant:\n%s", tr.Disassemble())
	}
}

func TestTranslateDropsJumpToNextBlock(t *testing.T) {
	p := scriptProgram(func(p *testProgram, b *Builder) {
		l := b.NewLabel()
		b.Jump(OpJump, l)
		b.Mark(l).PushByte(4).Op(OpReturnValue)
	})
	_, tr := translateMethod(t, p, "init")

	if findXOp(tr, XJump) != nil {
		t.Errorf("jump to the next placed block should be dropped:\n%s", tr.Disassemble())
	}
}

func TestTranslateOffsetMap(t *testing.T) {
	p := scriptProgram(func(p *testProgram, b *Builder) {
		b.Op(OpGetGlobalScope).Op(OpPop).PushByte(1).Op(OpReturnValue)
	})
	_, tr := translateMethod(t, p, "init")

	for i := range tr.Code {
		if got, ok := tr.OffsetMap[tr.Code[i].Origin]; !ok || got > i {
			t.Errorf("instruction %d (origin %d) not mapped", i, tr.Code[i].Origin)
		}
	}
}

// splitRangeProgram lays out code whose protected blocks are separated by
// an unprotected block once translated:
//
//	0  getglobalscope; pop; jump L2
//	6  L1: getglobalscope; pop; pushnull; getproperty x; returnvalue
//	12 L2: getglobalscope; pop; jump L1
//	18 handler: pop; pushbyte -1; returnvalue
//
// The range [0, 12) covers the first two. Placement follows the jumps, so
// the L2 block lands between them.
func splitRangeProgram() *Program {
	p := newTestProgram()
	b := NewBuilder()
	l1, l2 := b.NewLabel(), b.NewLabel()
	b.Op(OpGetGlobalScope).Op(OpPop).Jump(OpJump, l2)
	b.Mark(l1).Op(OpGetGlobalScope).Op(OpPop)
	b.Op(OpPushNull).U30(OpGetProperty, p.name("x")).Op(OpReturnValue)
	end := b.Len()
	b.Mark(l2).Op(OpGetGlobalScope).Op(OpPop).Jump(OpJump, l1)
	handler := b.Len()
	b.Op(OpPop).PushByte(-1).Op(OpReturnValue)

	init := p.method("init", 0, 1, b.Bytes())
	init.Body.Exceptions = []ExceptionRange{{From: 0, To: end, Target: handler}}
	p.script(init)
	return p.Program
}

func TestTranslateSplitsExceptionRange(t *testing.T) {
	p := splitRangeProgram()
	_, tr := translateMethod(t, p, "init")

	if len(tr.Exceptions) != 2 {
		t.Fatalf("Expected the range to split in two, got:\n%s", tr.Disassemble())
	}
	r := p.Methods[p.Scripts[0].Init].Body.Exceptions[0]
	for i := range tr.Code {
		o := tr.Code[i].Origin
		covered := false
		for _, x := range tr.Exceptions {
			if i >= x.From && i < x.To {
				covered = true
				if x.Target != tr.Exceptions[0].Target {
					t.Errorf("split ranges disagree on the handler")
				}
			}
		}
		inRange := o >= r.From && o < r.To
		if inRange != covered {
			t.Errorf("instruction %d (origin %d): protected %v, want %v", i, o, covered, inRange)
		}
	}
	if h := tr.Exceptions[0].Target; tr.Code[h].Origin != r.Target {
		t.Errorf("handler maps to origin %d, want %d", tr.Code[h].Origin, r.Target)
	}
}

func TestSplitExceptionRangeCatches(t *testing.T) {
	expectResult(t, splitRangeProgram, "-1")
}

func TestTranslateRejectsMalformedCode(t *testing.T) {
	tests := []struct {
		name  string
		build func(m *MethodInfo)
	}{
		{"empty body", func(m *MethodInfo) { m.Body.Code = nil }},
		{"falls off the end", func(m *MethodInfo) { m.Body.Code = []byte{byte(OpPushNull)} }},
		{"range inside instruction", func(m *MethodInfo) {
			m.Body.Exceptions = []ExceptionRange{{From: 0, To: 2, Target: 1}}
		}},
		{"inverted range", func(m *MethodInfo) {
			m.Body.Exceptions = []ExceptionRange{{From: 2, To: 0, Target: 0}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProgram()
			init := p.method("init", 0, 1, NewBuilder().PushByte(1).Op(OpReturnValue).Bytes())
			p.script(init)
			vm := NewVM(DefaultOptions())
			defer vm.Close()
			if err := vm.Load(p.Program); err != nil {
				t.Fatal(err)
			}
			tt.build(init)
			if _, err := vm.Translate(init); err == nil {
				t.Error("Expected a translation error")
			}
		})
	}
}

func TestTranslateAll(t *testing.T) {
	vm := NewVM(DefaultOptions())
	defer vm.Close()
	p := classProgram()
	if err := vm.Load(p); err != nil {
		t.Fatal(err)
	}
	if err := vm.TranslateAll(p); err != nil {
		t.Fatalf("TranslateAll failed: %v", err)
	}
}
