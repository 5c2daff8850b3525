package vm

// ---------------------------------------------------------------------------
// for-in enumeration: hasnext, hasnext2, nextname, nextvalue
// ---------------------------------------------------------------------------

// Enumeration indexes are 1-based; 0 means no property remains. The names
// behind an index come from ObjectModel.DynamicNames at each step, so
// properties added during a loop are visited when they land past the
// current index.

// nextIndex returns the index following i on obj, or 0 at the end.
func (w *Worker) nextIndex(obj Atom, i int32) int32 {
	if !obj.IsObject() || i < 0 {
		return 0
	}
	if int(i) < len(w.vm.Objects.DynamicNames(obj)) {
		return i + 1
	}
	return 0
}

// enumName returns the property name at index i of obj.
func (w *Worker) enumName(obj, index Atom) (string, bool, error) {
	i, err := w.ToInt32(index)
	if err != nil || !obj.IsObject() {
		return "", false, err
	}
	names := w.vm.Objects.DynamicNames(obj)
	if i < 1 || int(i) > len(names) {
		return "", false, nil
	}
	return names[i-1], true, nil
}

func (w *Worker) hasNext(obj, index Atom) (Atom, error) {
	i, err := w.ToInt32(index)
	if err != nil {
		return Undefined, err
	}
	return FromInt(w.nextIndex(obj, i)), nil
}

func (w *Worker) nextName(obj, index Atom) (Atom, error) {
	name, ok, err := w.enumName(obj, index)
	if err != nil || !ok {
		return Undefined, err
	}
	if n, isIndex := arrayIndex(name); isIndex {
		if _, isArray := w.vm.Heap.Object(obj).(*ArrayObject); isArray {
			return FromInt(int32(n)), nil
		}
	}
	return w.vm.Heap.NewString(name), nil
}

func (w *Worker) nextValue(obj, index Atom) (Atom, error) {
	name, ok, err := w.enumName(obj, index)
	if err != nil || !ok {
		return Undefined, err
	}
	v, _, err := w.vm.Objects.GetDynamic(obj, name)
	return v, err
}

// hasNext2 advances the enumeration held in locals objReg and idxReg. At
// the end the object local is cleared to null and the index local to 0.
func (w *Worker) hasNext2(cx *CallContext, objReg, idxReg int) (bool, error) {
	obj := cx.locals[objReg]
	if obj.IsNullish() {
		return false, nil
	}
	i, err := w.ToInt32(cx.locals[idxReg])
	if err != nil {
		return false, err
	}
	next := w.nextIndex(obj, i)
	cx.setLocal(idxReg, FromInt(next))
	if next == 0 {
		cx.setLocal(objReg, Null)
		return false, nil
	}
	return true, nil
}
