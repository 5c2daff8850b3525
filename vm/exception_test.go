package vm

import (
	"errors"
	"strings"
	"testing"
)

// nullAccessProgram reads a property of null inside a try block and routes
// the error to handlers whose type names are given in order. Handler i
// returns i.
func nullAccessProgram(types ...string) func() *Program {
	return func() *Program {
		p := newTestProgram()
		b := NewBuilder()
		b.Op(OpPushNull).U30(OpGetProperty, p.name("x")).Op(OpReturnValue)
		end := b.Len()
		var ranges []ExceptionRange
		for i, typ := range types {
			r := ExceptionRange{From: 0, To: end, Target: b.Len()}
			if typ != "" {
				r.Type = p.name(typ)
			}
			ranges = append(ranges, r)
			b.Op(OpPop).PushByte(int8(i)).Op(OpReturnValue)
		}
		init := p.method("init", 0, 1, b.Bytes())
		init.Body.Exceptions = ranges
		p.script(init)
		return p.Program
	}
}

func TestHandlerTypeFilter(t *testing.T) {
	tests := []struct {
		name  string
		types []string
		want  string
	}{
		{"exact type", []string{"TypeError"}, "0"},
		{"first matching range wins", []string{"RangeError", "TypeError", ""}, "1"},
		{"base class matches", []string{"Error", "TypeError"}, "0"},
		{"catch-all", []string{"", "TypeError"}, "0"},
		{"unresolved type is skipped", []string{"NoSuchClass", ""}, "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectResult(t, nullAccessProgram(tt.types...), tt.want)
		})
	}
}

func TestUncaughtError(t *testing.T) {
	forEachTier(t, nullAccessProgram("RangeError"), func(t *testing.T, vm *VM, w *Worker, p *Program, r Atom, err error) {
		if !vm.IsKind(err, KindTypeError) {
			t.Fatalf("Expected TypeError, got %v", err)
		}
		if !strings.Contains(err.Error(), "null object reference (x)") {
			t.Errorf("unexpected message %q", err.Error())
		}
		if w.StackDepth() != 0 || w.Depth() != 0 {
			t.Errorf("stacks not unwound: %d values, %d frames", w.StackDepth(), w.Depth())
		}
	})
}

// callerCatchesProgram defines thrower(), which throws its argument, and
// an initializer that catches it:
//
//	try { return thrower("boom") } catch (e) { return e }
func callerCatchesProgram() *Program {
	p := newTestProgram()
	thrower := p.method("thrower", 1, 2, NewBuilder().GetLocal(1).Op(OpThrow).Bytes())

	b := NewBuilder()
	b.U30(OpFindPropStrict, p.name("thrower")).U30(OpPushString, p.str("boom"))
	b.U30x2(OpCallProperty, p.name("thrower"), 1).Op(OpReturnValue)
	end := b.Len()
	b.Op(OpReturnValue)
	init := p.method("init", 0, 1, b.Bytes())
	init.Body.Exceptions = []ExceptionRange{{From: 0, To: end, Target: end}}

	p.script(init, TraitDef{Name: "thrower", Kind: TraitMethod, Method: p.indexOf(thrower)})
	return p.Program
}

func TestCallerCatches(t *testing.T) {
	expectResult(t, callerCatchesProgram, "boom")
}

// rethrowProgram catches an error in inner() and throws it again from the
// handler; the initializer catches the rethrown value.
func rethrowProgram() *Program {
	p := newTestProgram()

	b := NewBuilder()
	b.Op(OpPushNull).U30(OpGetProperty, p.name("x")).Op(OpReturnValue)
	end := b.Len()
	b.Op(OpThrow)
	inner := p.method("inner", 0, 1, b.Bytes())
	inner.Body.Exceptions = []ExceptionRange{{From: 0, To: end, Target: end}}

	b = NewBuilder()
	b.U30(OpFindPropStrict, p.name("inner")).U30x2(OpCallProperty, p.name("inner"), 0).Op(OpReturnValue)
	end = b.Len()
	b.U30(OpIsType, p.name("TypeError")).Op(OpReturnValue)
	init := p.method("init", 0, 1, b.Bytes())
	init.Body.Exceptions = []ExceptionRange{{From: 0, To: end, Target: end}}

	p.script(init, TraitDef{Name: "inner", Kind: TraitMethod, Method: p.indexOf(inner)})
	return p.Program
}

func TestRethrowFromHandler(t *testing.T) {
	expectResult(t, rethrowProgram, "true")
}

func TestHandlerDoesNotCoverItself(t *testing.T) {
	// The handler throws again; its own range ends before it, so the
	// error escapes.
	build := func() *Program {
		p := newTestProgram()
		b := NewBuilder()
		b.U30(OpPushString, p.str("first")).Op(OpThrow)
		handler := b.Len()
		b.Op(OpPop).U30(OpPushString, p.str("second")).Op(OpThrow)
		init := p.method("init", 0, 1, b.Bytes())
		init.Body.Exceptions = []ExceptionRange{{From: 0, To: handler, Target: handler}}
		p.script(init)
		return p.Program
	}
	forEachTier(t, build, func(t *testing.T, vm *VM, w *Worker, p *Program, r Atom, err error) {
		var te *ThrownError
		if !errors.As(err, &te) {
			t.Fatalf("Expected a thrown value, got %v", err)
		}
		if got := vm.ToGoString(te.Value); got != "second" {
			t.Errorf("Expected second, got %s", got)
		}
	})
}

func TestHandlerClearsScopeStack(t *testing.T) {
	// The handler runs with an empty scope stack even though the try block
	// pushed two entries.
	build := func() *Program {
		p := newTestProgram()
		b := NewBuilder()
		b.GetLocal(0).Op(OpPushScope).GetLocal(0).Op(OpPushScope)
		b.Op(OpPushNull).Op(OpThrow)
		handler := b.Len()
		b.Op(OpPop).GetLocal(0).Op(OpPushScope).Byte(OpGetScopeObject, 0).Op(OpReturnValue)
		init := p.method("init", 0, 1, b.Bytes())
		init.Body.Exceptions = []ExceptionRange{{From: 0, To: handler, Target: handler}}
		init.Body.MaxScopeDepth = 2
		p.script(init)
		return p.Program
	}
	expectResult(t, build, "[object global]")
}
