package vm

import (
	"context"
	"errors"
	"testing"
)

func TestDomainMemorySize(t *testing.T) {
	opts := DefaultOptions()
	opts.DomainMemory = 16
	vm := NewVM(opts)
	defer vm.Close()

	d := vm.Domain
	if d.MemorySize() != 16 {
		t.Fatalf("Expected 16 bytes, got %d", d.MemorySize())
	}
	if !d.WriteMemory(12, []byte{1, 2, 3, 4}) {
		t.Fatal("write at the end of memory should fit")
	}
	buf := make([]byte, 4)
	if !d.ReadMemory(12, buf) || buf[0] != 1 || buf[3] != 4 {
		t.Errorf("unexpected read %v", buf)
	}
	if d.WriteMemory(13, []byte{1, 2, 3, 4}) {
		t.Error("write past the end should fail")
	}
	if d.ReadMemory(-1, buf[:1]) {
		t.Error("read at a negative address should fail")
	}

	d.SetMemory(-5)
	if d.MemorySize() != 0 {
		t.Errorf("negative size should give empty memory, got %d", d.MemorySize())
	}
}

func TestDomainMemoryBounds(t *testing.T) {
	tests := []struct {
		name  string
		build func(p *testProgram, b *Builder)
	}{
		{"load straddling the end", func(p *testProgram, b *Builder) {
			b.PushByte(62).Op(OpLi32).Op(OpReturnValue)
		}},
		{"negative address", func(p *testProgram, b *Builder) {
			b.PushByte(-1).Op(OpLi8).Op(OpReturnValue)
		}},
		{"store past the end", func(p *testProgram, b *Builder) {
			b.PushByte(1).PushByte(64).Op(OpSi8).Op(OpReturnVoid)
		}},
		{"double store straddling the end", func(p *testProgram, b *Builder) {
			b.PushByte(1).PushByte(60).Op(OpSf64).Op(OpReturnVoid)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachTier(t, func() *Program { return scriptProgram(tt.build) }, func(t *testing.T, vm *VM, w *Worker, p *Program, r Atom, err error) {
				if !vm.IsKind(err, KindRangeError) {
					t.Errorf("Expected RangeError, got %v", err)
				}
			})
		})
	}
}

func TestDomainMemoryRangeErrorIsCatchable(t *testing.T) {
	expectResult(t, func() *Program {
		p := newTestProgram()
		b := NewBuilder()
		b.PushByte(100).Op(OpLi32).Op(OpReturnValue)
		handler := b.Len()
		b.Op(OpPop).U30(OpPushString, p.str("caught")).Op(OpReturnValue)
		init := p.method("init", 0, 1, b.Bytes())
		init.Body.Exceptions = []ExceptionRange{{From: 0, To: handler, Target: handler}}
		p.script(init)
		return p.Program
	}, "caught")
}

func TestDomainMemoryDisabled(t *testing.T) {
	vm := NewVM(DefaultOptions())
	defer vm.Close()
	if vm.Domain.MemorySize() != 0 {
		t.Fatalf("Expected no domain memory by default, got %d bytes", vm.Domain.MemorySize())
	}
	p := scriptProgram(func(p *testProgram, b *Builder) {
		b.PushByte(0).Op(OpLi8).Op(OpReturnValue)
	})
	if err := vm.Load(p); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	w := vm.NewWorker(context.Background())
	defer w.Close()
	_, err := w.RunScript(p, 0)
	if !vm.IsKind(err, KindRangeError) {
		t.Errorf("Expected RangeError, got %v", err)
	}
	var te *ThrownError
	if errors.As(err, &te) {
		te.Release()
	}
}
