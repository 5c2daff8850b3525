package vm

import (
	"context"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Test program assembly
// ---------------------------------------------------------------------------

// testProgram builds a Program with the reserved index 0 of every pool
// already in place.
type testProgram struct {
	*Program
	names map[string]int
}

func newTestProgram() *testProgram {
	return &testProgram{
		Program: &Program{
			Ints:       []int32{0},
			Uints:      []uint32{0},
			Doubles:    []float64{0},
			Strings:    []string{""},
			Multinames: []Multiname{{}},
		},
		names: make(map[string]int),
	}
}

// name returns the multiname index of a plain name.
func (p *testProgram) name(s string) int {
	if i, ok := p.names[s]; ok {
		return i
	}
	p.Multinames = append(p.Multinames, Multiname{Name: s})
	i := len(p.Multinames) - 1
	p.names[s] = i
	return i
}

func (p *testProgram) str(s string) int {
	p.Strings = append(p.Strings, s)
	return len(p.Strings) - 1
}

func (p *testProgram) integer(v int32) int {
	p.Ints = append(p.Ints, v)
	return len(p.Ints) - 1
}

func (p *testProgram) double(f float64) int {
	p.Doubles = append(p.Doubles, f)
	return len(p.Doubles) - 1
}

// method adds a method with nparams untyped parameters.
func (p *testProgram) method(name string, nparams, locals int, code []byte) *MethodInfo {
	m := &MethodInfo{
		Name:       name,
		ParamTypes: make([]int, nparams),
		Body: &MethodBody{
			MaxStack:      16,
			LocalCount:    locals,
			MaxScopeDepth: 4,
			Code:          code,
		},
	}
	p.Methods = append(p.Methods, m)
	return m
}

func (p *testProgram) script(init *MethodInfo, traits ...TraitDef) {
	p.Scripts = append(p.Scripts, &ScriptDef{Init: p.indexOf(init), Traits: traits})
}

func (p *testProgram) indexOf(m *MethodInfo) int {
	for i, x := range p.Methods {
		if x == m {
			return i
		}
	}
	panic("method not in program")
}

// scriptProgram returns a program whose only script runs the code emitted
// by build.
func scriptProgram(build func(p *testProgram, b *Builder)) *Program {
	p := newTestProgram()
	b := NewBuilder()
	build(p, b)
	init := p.method("init", 0, 4, b.Bytes())
	p.script(init)
	return p.Program
}

// ---------------------------------------------------------------------------
// Execution tiers
// ---------------------------------------------------------------------------

type tier struct {
	name string
	opts Options
}

// tiers returns the baseline interpreter and the translated tier. The
// translated tier requires translation so a translator failure fails the
// test instead of silently falling back. Both get 64 bytes of domain
// memory.
func tiers() []tier {
	baseline := DefaultOptions()
	baseline.Optimizer.Enabled = false
	baseline.DomainMemory = 64
	translated := DefaultOptions()
	translated.Optimizer.Required = true
	translated.DomainMemory = 64
	return []tier{{"baseline", baseline}, {"translated", translated}}
}

// forEachTier loads a fresh program from build into a new VM per tier and
// runs script 0. The result and any thrown value are released afterwards.
func forEachTier(t *testing.T, build func() *Program, check func(t *testing.T, vm *VM, w *Worker, p *Program, r Atom, err error)) {
	t.Helper()
	for _, tr := range tiers() {
		t.Run(tr.name, func(t *testing.T) {
			vm := NewVM(tr.opts)
			defer vm.Close()
			p := build()
			if err := vm.Load(p); err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			w := vm.NewWorker(context.Background())
			defer w.Close()

			r, err := w.RunScript(p, 0)
			check(t, vm, w, p, r, err)
			vm.Heap.Release(r)
			var te *ThrownError
			if errors.As(err, &te) {
				te.Release()
			}
		})
	}
}

// expectResult runs the program on every tier and compares the string
// form of its result.
func expectResult(t *testing.T, build func() *Program, want string) {
	t.Helper()
	forEachTier(t, build, func(t *testing.T, vm *VM, w *Worker, p *Program, r Atom, err error) {
		if err != nil {
			t.Fatalf("RunScript failed: %v", err)
		}
		if got := vm.ToGoString(r); got != want {
			t.Errorf("Expected %s, got %s", want, got)
		}
	})
}

// ---------------------------------------------------------------------------
// VM bootstrap tests
// ---------------------------------------------------------------------------

func TestNewVM(t *testing.T) {
	vm := NewVM(DefaultOptions())
	defer vm.Close()

	if vm.Heap == nil {
		t.Fatal("Heap should be initialized")
	}
	if vm.Domain == nil {
		t.Fatal("Domain should be initialized")
	}
	if vm.Objects == nil {
		t.Fatal("Objects should be initialized")
	}
	if !vm.Domain.Global().IsObject() {
		t.Error("global object should be an object atom")
	}
}

func TestNewVMFillsDefaults(t *testing.T) {
	vm := NewVM(Options{})
	defer vm.Close()

	if vm.Options.MaxRecursion != DefaultOptions().MaxRecursion {
		t.Errorf("Expected default max recursion, got %d", vm.Options.MaxRecursion)
	}
	if vm.Options.StackSize != DefaultOptions().StackSize {
		t.Errorf("Expected default stack size, got %d", vm.Options.StackSize)
	}
}

func TestVMBootstrapClasses(t *testing.T) {
	vm := NewVM(DefaultOptions())
	defer vm.Close()

	names := []string{
		"Object", "Function", "Array", "int", "uint", "Number", "String", "Boolean",
		"Error", "TypeError", "RangeError", "ReferenceError", "ArgumentError",
		"VerifyError", "StackOverflowError", "ScriptTimeoutError",
	}
	for _, name := range names {
		def, ok := vm.Domain.Lookup(name)
		if !ok {
			t.Errorf("%s class not bootstrapped", name)
			continue
		}
		if !def.Frozen() {
			t.Errorf("%s should be a frozen definition", name)
		}
		v, _ := vm.Domain.Get(name)
		c, ok := vm.Heap.Object(v).(*ClassObject)
		vm.Heap.Release(v)
		if !ok {
			t.Errorf("%s is not a class", name)
			continue
		}
		if c.Name() != name {
			t.Errorf("%s class has wrong name: %s", name, c.Name())
		}
	}
	if _, ok := vm.Domain.Lookup("global"); ok {
		t.Error("the global class should not be defined in the domain")
	}
}

func TestVMBootstrapInheritance(t *testing.T) {
	vm := NewVM(DefaultOptions())
	defer vm.Close()

	for k := KindTypeError; int(k) < numErrorKinds; k++ {
		if vm.ErrorClass(k).Super() != vm.ErrorClass(KindError) {
			t.Errorf("%s should inherit from Error", k)
		}
	}
	if vm.ErrorClass(KindError).Super() != vm.objectClass {
		t.Error("Error should inherit from Object")
	}
	if !vm.intClass.Sealed() {
		t.Error("int should be sealed")
	}
}

func TestRaiseAndIsKind(t *testing.T) {
	vm := NewVM(DefaultOptions())
	defer vm.Close()

	te := vm.Raise(KindRangeError, "index %d out of range", 7)
	defer te.Release()

	if te.Error() != "RangeError: index 7 out of range" {
		t.Errorf("unexpected message %q", te.Error())
	}
	if !vm.IsKind(te, KindRangeError) {
		t.Error("expected RangeError")
	}
	if !vm.IsKind(te, KindError) {
		t.Error("a RangeError is an Error")
	}
	if vm.IsKind(te, KindTypeError) {
		t.Error("a RangeError is not a TypeError")
	}
	if vm.IsKind(errors.New("plain"), KindError) {
		t.Error("a Go error is not a script error")
	}
	if got := vm.ToGoString(te.Value); got != "RangeError: index 7 out of range" {
		t.Errorf("Expected error string, got %q", got)
	}
}

func TestThrowNonErrorValue(t *testing.T) {
	vm := NewVM(DefaultOptions())
	defer vm.Close()

	s := vm.Heap.NewString("boom")
	te := vm.Throw(s)
	vm.Heap.Release(s)

	if te.Error() != "uncaught boom" {
		t.Errorf("unexpected message %q", te.Error())
	}
	if vm.Heap.StringOf(te.Value) != "boom" {
		t.Error("thrown value should still be alive")
	}
	live := vm.Heap.Live()
	te.Release()
	if vm.Heap.Live() != live-1 {
		t.Error("Release should free the thrown string")
	}
	te.Release() // second release is a no-op
}

func TestLoadRejectsInvalidProgram(t *testing.T) {
	tests := []struct {
		name  string
		build func() *Program
	}{
		{"nil method", func() *Program {
			p := newTestProgram()
			p.Methods = append(p.Methods, nil)
			return p.Program
		}},
		{"script init out of range", func() *Program {
			p := newTestProgram()
			p.Scripts = append(p.Scripts, &ScriptDef{Init: 3})
			return p.Program
		}},
		{"scope depth", func() *Program {
			p := newTestProgram()
			m := p.method("m", 0, 1, []byte{byte(OpReturnVoid)})
			m.Body.InitScopeDepth = 5
			return p.Program
		}},
		{"rest and arguments", func() *Program {
			p := newTestProgram()
			m := p.method("m", 0, 1, []byte{byte(OpReturnVoid)})
			m.Flags = NeedRest | NeedArguments
			return p.Program
		}},
		{"too many defaults", func() *Program {
			p := newTestProgram()
			m := p.method("m", 0, 1, []byte{byte(OpReturnVoid)})
			m.Optional = []OptionalValue{{Kind: ConstNull}}
			return p.Program
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := NewVM(DefaultOptions())
			defer vm.Close()
			if err := vm.Load(tt.build()); !errors.Is(err, ErrInvalidProgram) {
				t.Errorf("Expected ErrInvalidProgram, got %v", err)
			}
		})
	}
}

func TestLoadTwice(t *testing.T) {
	vm := NewVM(DefaultOptions())
	defer vm.Close()

	p := scriptProgram(func(p *testProgram, b *Builder) { b.Op(OpReturnVoid) })
	if err := vm.Load(p); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := vm.Load(p); !errors.Is(err, ErrInvalidProgram) {
		t.Errorf("Expected second Load to fail, got %v", err)
	}
}

func TestRunScriptChecksProgram(t *testing.T) {
	vm := NewVM(DefaultOptions())
	defer vm.Close()
	w := vm.NewWorker(context.Background())
	defer w.Close()

	p := scriptProgram(func(p *testProgram, b *Builder) { b.Op(OpReturnVoid) })
	if _, err := w.RunScript(p, 0); !errors.Is(err, ErrInvalidProgram) {
		t.Errorf("Expected error for an unloaded program, got %v", err)
	}
	if err := vm.Load(p); err != nil {
		t.Fatal(err)
	}
	if _, err := w.RunScript(p, 1); !errors.Is(err, ErrInvalidProgram) {
		t.Errorf("Expected error for a missing script, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Concrete scenarios
// ---------------------------------------------------------------------------

func TestScenarioIntAdd(t *testing.T) {
	forEachTier(t, func() *Program {
		return scriptProgram(func(p *testProgram, b *Builder) {
			b.PushByte(2).PushByte(3).Op(OpAdd).Op(OpReturnValue)
		})
	}, func(t *testing.T, vm *VM, w *Worker, p *Program, r Atom, err error) {
		if err != nil {
			t.Fatalf("RunScript failed: %v", err)
		}
		if !r.IsInt() || r.Int() != 5 {
			t.Errorf("Expected int 5, got %s (%s)", vm.ToGoString(r), r.Kind())
		}
	})
}

func TestScenarioIntModulo(t *testing.T) {
	forEachTier(t, func() *Program {
		return scriptProgram(func(p *testProgram, b *Builder) {
			b.U30(OpPushInt, p.integer(10)).U30(OpPushInt, p.integer(3)).Op(OpModulo).Op(OpReturnValue)
		})
	}, func(t *testing.T, vm *VM, w *Worker, p *Program, r Atom, err error) {
		if err != nil {
			t.Fatalf("RunScript failed: %v", err)
		}
		if !r.IsInt() || r.Int() != 1 {
			t.Errorf("Expected int 1, got %s (%s)", vm.ToGoString(r), r.Kind())
		}
	})
}

func TestScenarioBranch(t *testing.T) {
	forEachTier(t, func() *Program {
		return scriptProgram(func(p *testProgram, b *Builder) {
			l := b.NewLabel()
			b.Op(OpPushTrue).Jump(OpIfTrue, l)
			b.PushByte(1).Op(OpReturnValue)
			b.Mark(l).PushByte(2).Op(OpReturnValue)
		})
	}, func(t *testing.T, vm *VM, w *Worker, p *Program, r Atom, err error) {
		if err != nil {
			t.Fatalf("RunScript failed: %v", err)
		}
		if !r.IsInt() || r.Int() != 2 {
			t.Errorf("Expected int 2, got %s", vm.ToGoString(r))
		}
	})
}

func TestScenarioThrowCatch(t *testing.T) {
	forEachTier(t, func() *Program {
		p := newTestProgram()
		b := NewBuilder()
		b.U30(OpPushString, p.str("boom"))
		b.Op(OpThrow)
		handler := b.Len()
		b.Op(OpReturnValue)
		init := p.method("init", 0, 1, b.Bytes())
		init.Body.Exceptions = []ExceptionRange{{From: 0, To: handler, Target: handler}}
		p.script(init)
		return p.Program
	}, func(t *testing.T, vm *VM, w *Worker, p *Program, r Atom, err error) {
		if err != nil {
			t.Fatalf("RunScript failed: %v", err)
		}
		if !r.IsString() || vm.Heap.StringOf(r) != "boom" {
			t.Errorf("Expected \"boom\", got %s", vm.ToGoString(r))
		}
		if w.StackDepth() != 0 {
			t.Errorf("Expected empty operand stack, got %d", w.StackDepth())
		}
	})
}
