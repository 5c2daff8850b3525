package vm

// ---------------------------------------------------------------------------
// CallContext: execution state for one method invocation
// ---------------------------------------------------------------------------

// CallContext is the frame of one active call. Locals and scope entries
// own their references; the operand window [base, sp) lives on the
// worker's shared stack.
type CallContext struct {
	Method *MethodInfo

	worker   *Worker
	locals   []Atom
	base     int          // start of this frame's operand window
	scope    []ScopeEntry // local scope stack, innermost last
	maxScope int
	closure  *ScopeChain // captured scope of the running function, borrowed
	callee   Atom        // function value being run, borrowed

	pc    int // canonical offset or translated index of the next instruction
	fault int // position of the instruction that raised the pending error
}

// This returns the receiver, borrowed.
func (cx *CallContext) This() Atom {
	return cx.locals[0]
}

// Local returns local i, borrowed.
func (cx *CallContext) Local(i int) Atom {
	return cx.locals[i]
}

// Depth returns the current operand-stack height of the frame.
func (cx *CallContext) Depth() int {
	return cx.worker.sp - cx.base
}

// ScopeDepth returns the number of entries on the local scope stack.
func (cx *CallContext) ScopeDepth() int {
	return len(cx.scope)
}

func (cx *CallContext) hasLocal(i int) bool {
	return i >= 0 && i < len(cx.locals)
}

// setLocal stores v (ownership transferred) into local i.
func (cx *CallContext) setLocal(i int, v Atom) {
	old := cx.locals[i]
	cx.locals[i] = v
	cx.worker.vm.Heap.Release(old)
}

// pushScope adds an entry (ownership transferred) to the scope stack.
func (cx *CallContext) pushScope(v Atom, with bool) error {
	if len(cx.scope) >= cx.maxScope {
		cx.worker.vm.Heap.Release(v)
		return cx.worker.vm.Raise(KindVerifyError, "scope stack overflow in %s", cx.Method)
	}
	cx.scope = append(cx.scope, ScopeEntry{Value: v, With: with})
	return nil
}

func (cx *CallContext) popScope() error {
	n := len(cx.scope)
	if n == 0 {
		return cx.worker.vm.Raise(KindVerifyError, "scope stack underflow in %s", cx.Method)
	}
	e := cx.scope[n-1]
	cx.scope = cx.scope[:n-1]
	cx.worker.vm.Heap.Release(e.Value)
	return nil
}

// clearScope releases every local scope entry.
func (cx *CallContext) clearScope() {
	h := cx.worker.vm.Heap
	for _, e := range cx.scope {
		h.Release(e.Value)
	}
	cx.scope = cx.scope[:0]
}

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

// push transfers ownership of a onto the stack.
func (w *Worker) push(a Atom) {
	if w.sp >= len(w.stack) {
		grown := make([]Atom, len(w.stack)*2+16)
		copy(grown, w.stack)
		w.stack = grown
	}
	w.stack[w.sp] = a
	w.sp++
}

// pop transfers ownership of the top value to the caller.
func (w *Worker) pop() Atom {
	if w.sp <= w.frameBase() {
		panic("stack underflow")
	}
	w.sp--
	a := w.stack[w.sp]
	w.stack[w.sp] = Undefined
	return a
}

// peek returns the top value, borrowed.
func (w *Worker) peek() Atom {
	if w.sp <= w.frameBase() {
		panic("stack underflow")
	}
	return w.stack[w.sp-1]
}

// drop releases the top value.
func (w *Worker) drop() {
	w.vm.Heap.Release(w.pop())
}

// popN removes the top n values, oldest first. The caller owns them.
func (w *Worker) popN(n int) []Atom {
	if w.sp-n < w.frameBase() {
		panic("stack underflow")
	}
	out := make([]Atom, n)
	copy(out, w.stack[w.sp-n:w.sp])
	for i := w.sp - n; i < w.sp; i++ {
		w.stack[i] = Undefined
	}
	w.sp -= n
	return out
}

// unwindTo releases every stack value above base.
func (w *Worker) unwindTo(base int) {
	h := w.vm.Heap
	for w.sp > base {
		w.sp--
		h.Release(w.stack[w.sp])
		w.stack[w.sp] = Undefined
	}
}

func (w *Worker) frameBase() int {
	if n := len(w.frames); n > 0 {
		return w.frames[n-1].base
	}
	return 0
}

// need checks that the current frame holds at least n operands.
func (w *Worker) need(cx *CallContext, n int) error {
	if w.sp-cx.base < n {
		return w.vm.Raise(KindVerifyError, "operand stack underflow in %s", cx.Method)
	}
	return nil
}
