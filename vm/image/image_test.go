package image

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/chazu/avm2/vm"
)

// sampleProgram returns a script computing 40 + 2 plus a function f(o)
// reading o.x.
func sampleProgram() *vm.Program {
	p := &vm.Program{
		Ints:       []int32{0, 2},
		Uints:      []uint32{0},
		Doubles:    []float64{0, 1.5},
		Strings:    []string{"", "hello"},
		Multinames: []vm.Multiname{{}, {Name: "x"}, {Name: "f"}},
	}
	init := vm.NewBuilder().PushByte(40).U30(vm.OpPushInt, 1).Op(vm.OpAdd).Op(vm.OpReturnValue)
	f := vm.NewBuilder().GetLocal(1).U30(vm.OpGetProperty, 1).Op(vm.OpReturnValue)
	p.Methods = []*vm.MethodInfo{
		{Name: "init", Body: &vm.MethodBody{MaxStack: 4, LocalCount: 1, MaxScopeDepth: 2, Code: init.Bytes()}},
		{Name: "f", ParamTypes: []int{0}, Body: &vm.MethodBody{MaxStack: 2, LocalCount: 2, MaxScopeDepth: 2, Code: f.Bytes()}},
	}
	p.Scripts = []*vm.ScriptDef{{
		Init: 0,
		Traits: []vm.TraitDef{
			{Name: "f", Kind: vm.TraitMethod, Method: 1},
			{Name: "greeting", Kind: vm.TraitSlot, Value: vm.OptionalValue{Kind: vm.ConstString, Index: 1}},
		},
	}}
	return p
}

func TestProgramRoundTrip(t *testing.T) {
	img, err := FromProgram(sampleProgram())
	if err != nil {
		t.Fatalf("FromProgram failed: %v", err)
	}
	if img.Version != Version {
		t.Errorf("Expected version %d, got %d", Version, img.Version)
	}

	data, err := Marshal(img)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(img, decoded) {
		t.Errorf("image changed across encoding:\n%+v\n%+v", img, decoded)
	}

	p, err := decoded.Program()
	if err != nil {
		t.Fatalf("Program failed: %v", err)
	}
	if len(p.Methods) != 2 || p.Methods[1].Name != "f" || p.Methods[1].ParamCount() != 1 {
		t.Fatalf("methods not restored: %+v", p.Methods)
	}
	if got := p.Scripts[0].Traits[1].Value; got.Kind != vm.ConstString || got.Index != 1 {
		t.Errorf("slot value not restored: %+v", got)
	}

	machine := vm.NewVM(vm.DefaultOptions())
	defer machine.Close()
	if err := machine.Load(p); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	w := machine.NewWorker(context.Background())
	defer w.Close()
	r, err := w.RunScript(p, 0)
	if err != nil {
		t.Fatalf("RunScript failed: %v", err)
	}
	if !r.IsInt() || r.Int() != 42 {
		t.Errorf("Expected 42, got %s", machine.ToGoString(r))
	}
}

func TestHashIsStable(t *testing.T) {
	a, err := FromProgram(sampleProgram())
	if err != nil {
		t.Fatal(err)
	}
	b, err := FromProgram(sampleProgram())
	if err != nil {
		t.Fatal(err)
	}
	ha, err := a.Hash()
	if err != nil {
		t.Fatal(err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Error("equal programs should hash equally")
	}

	b.Strings[1] = "goodbye"
	hb, err = b.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if ha == hb {
		t.Error("different programs should hash differently")
	}
}

func TestVersionMismatch(t *testing.T) {
	img, err := FromProgram(sampleProgram())
	if err != nil {
		t.Fatal(err)
	}
	img.Version = Version + 1
	data, err := Marshal(img)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(data); !errors.Is(err, ErrVersion) {
		t.Errorf("Expected ErrVersion, got %v", err)
	}
	if _, err := Unmarshal([]byte{0xff, 0x00}); err == nil {
		t.Error("Expected an error for garbage input")
	}
}

func TestFileRoundTrip(t *testing.T) {
	img, err := FromProgram(sampleProgram())
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "sample.abc")
	if err := WriteFile(path, img); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	p, err := LoadProgram(path)
	if err != nil {
		t.Fatalf("LoadProgram failed: %v", err)
	}
	if len(p.Scripts) != 1 || p.Strings[1] != "hello" {
		t.Errorf("program not restored from file: %+v", p)
	}

	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.abc")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestProgramRejectsNegativeIndexes(t *testing.T) {
	p := sampleProgram()
	p.Scripts[0].Init = -1
	if _, err := FromProgram(p); err == nil {
		t.Error("Expected an error for a negative method index")
	}
}

func TestDumpTranslation(t *testing.T) {
	p := sampleProgram()
	machine := vm.NewVM(vm.DefaultOptions())
	defer machine.Close()
	if err := machine.Load(p); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	tr, err := machine.Translate(p.Methods[1])
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}

	d, err := DumpTranslation(tr)
	if err != nil {
		t.Fatalf("DumpTranslation failed: %v", err)
	}
	if d.Method != "f" || len(d.Code) != len(tr.Code) {
		t.Fatalf("unexpected dump header %s with %d instructions", d.Method, len(d.Code))
	}
	if len(d.Sites) != 1 || d.Sites[0].Name != "x" || d.Sites[0].Op != "getproperty.ic" {
		t.Errorf("unexpected sites %+v", d.Sites)
	}

	data, err := MarshalDump(d)
	if err != nil {
		t.Fatalf("MarshalDump failed: %v", err)
	}
	back, err := UnmarshalDump(data)
	if err != nil {
		t.Fatalf("UnmarshalDump failed: %v", err)
	}
	if !reflect.DeepEqual(d, back) {
		t.Errorf("dump changed across encoding:\n%+v\n%+v", d, back)
	}
}
