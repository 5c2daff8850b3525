package vm

// ---------------------------------------------------------------------------
// Scope resolver: findproperty, findpropstrict, getlex
// ---------------------------------------------------------------------------

// Lookup order: the local scope stack innermost first, then the captured
// closure scope innermost first, then the domain. With entries expose
// their dynamic properties; other entries only their traits.

// scopeHit reports where a name was found.
type scopeHit struct {
	value  Atom // the scope object holding the name, borrowed
	local  int  // index on the local scope stack, -1 otherwise
	domain bool // found only through the domain
}

// locate searches the scope chain of cx for name.
func (w *Worker) locate(cx *CallContext, name string) (scopeHit, bool) {
	for i := len(cx.scope) - 1; i >= 0; i-- {
		e := cx.scope[i]
		if w.hasProperty(e.Value, name, e.With) {
			return scopeHit{value: e.Value, local: i}, true
		}
	}
	if c := cx.closure; c != nil {
		for i := len(c.entries) - 1; i >= 0; i-- {
			e := c.entries[i]
			if w.hasProperty(e.Value, name, e.With) {
				return scopeHit{value: e.Value, local: -1}, true
			}
		}
	}
	if _, ok := w.vm.Domain.Lookup(name); ok {
		return scopeHit{value: w.vm.Domain.Global(), local: -1, domain: true}, true
	}
	return scopeHit{local: -1}, false
}

// findProperty returns the object holding name, or the global object when
// nothing does. The result is owned.
func (w *Worker) findProperty(cx *CallContext, name string) Atom {
	if hit, ok := w.locate(cx, name); ok {
		return w.vm.Heap.Retain(hit.value)
	}
	return w.vm.Heap.Retain(w.globalScope(cx))
}

// findPropStrict returns the object holding name or raises ReferenceError.
func (w *Worker) findPropStrict(cx *CallContext, name string) (Atom, error) {
	hit, ok := w.locate(cx, name)
	if !ok {
		return Undefined, w.vm.Raise(KindReferenceError, "Variable %s is not defined", name)
	}
	return w.vm.Heap.Retain(hit.value), nil
}

// getLex is findPropStrict followed by a property read.
func (w *Worker) getLex(cx *CallContext, name string) (Atom, error) {
	hit, ok := w.locate(cx, name)
	if !ok {
		return Undefined, w.vm.Raise(KindReferenceError, "Variable %s is not defined", name)
	}
	if hit.domain {
		if v, ok := w.vm.Domain.Get(name); ok {
			return v, nil
		}
	}
	return w.getProperty(hit.value, name)
}

// globalScope returns the outermost scope object, borrowed.
func (w *Worker) globalScope(cx *CallContext) Atom {
	if cx.closure.Len() > 0 {
		return cx.closure.entries[0].Value
	}
	if len(cx.scope) > 0 {
		return cx.scope[0].Value
	}
	return w.vm.Domain.Global()
}

// scopeObject returns local scope entry i, borrowed.
func (w *Worker) scopeObject(cx *CallContext, i int) (Atom, error) {
	if i < 0 || i >= len(cx.scope) {
		return Undefined, w.vm.Raise(KindVerifyError, "scope index %d out of range in %s", i, cx.Method)
	}
	return cx.scope[i].Value, nil
}
