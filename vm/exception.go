package vm

import (
	"errors"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Exception dispatcher
// ---------------------------------------------------------------------------

// Both interpreter tiers report a failing instruction by its position:
// the canonical offset for the baseline tier, the instruction index for
// translated code. The ranges passed in use the same unit.

// catchable returns the scripted exception carried by err. Aborts and Go
// errors are never catchable.
func catchable(err error) (*ThrownError, bool) {
	var te *ThrownError
	if !errors.As(err, &te) || te.heap == nil {
		return nil, false
	}
	return te, true
}

// findHandler selects the first range covering pos whose type accepts the
// thrown value. It returns the index of the range.
func (w *Worker) findHandler(p *Program, ranges []ExceptionRange, pos int, te *ThrownError) (int, bool) {
	for i := range ranges {
		r := &ranges[i]
		if pos < r.From || pos >= r.To {
			continue
		}
		if r.Type == 0 {
			return i, true
		}
		cls, _, err := w.vm.resolveType(p, r.Type)
		if err != nil {
			if te2, ok := catchable(err); ok {
				te2.Release()
			}
			log.Warningf("worker %s: handler type of range %d unresolved: %v", w.ID, i, err)
			continue
		}
		if w.vm.Objects.IsInstanceOf(te.Value, cls) {
			return i, true
		}
	}
	return -1, false
}

// dispatch tries to route err to a handler of cx. On a match the operand
// and scope stacks are cleared, the thrown value becomes the only operand
// and the handler target is returned.
func (w *Worker) dispatch(cx *CallContext, ranges []ExceptionRange, err error) (int, bool) {
	te, ok := catchable(err)
	if !ok {
		return 0, false
	}
	i, ok := w.findHandler(cx.Method.program, ranges, cx.fault, te)
	if !ok {
		return 0, false
	}
	w.unwindTo(cx.base)
	cx.clearScope()
	w.push(te.take())
	if log.AllowLevel(commonlog.Debug) {
		log.Debugf("worker %s: %s caught at %d by range %d", w.ID, cx.Method, cx.fault, i)
	}
	return ranges[i].Target, true
}
