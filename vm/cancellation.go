package vm

import (
	"context"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Cooperative cancellation: script timeout and abort
// ---------------------------------------------------------------------------

// interruptInterval is how many backward branches and calls pass between
// two checks of the clock and the worker context.
const interruptInterval = 256

// SetTimeout changes the per-run script timeout; 0 disables it. It takes
// effect on the next outermost call.
func (w *Worker) SetTimeout(d time.Duration) {
	w.timeout = d
}

// SetContext replaces the context whose cancellation aborts execution.
func (w *Worker) SetContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	w.ctx = ctx
}

// startRun arms the timeout for an outermost call.
func (w *Worker) startRun() {
	w.ticks = 0
	if w.timeout > 0 {
		w.deadline = time.Now().Add(w.timeout)
	} else {
		w.deadline = time.Time{}
	}
}

// checkInterrupt is called on backward branches and call boundaries.
// Abort is reported as ErrAborted, which no script handler can catch.
// An expired deadline raises a catchable ScriptTimeoutError.
func (w *Worker) checkInterrupt() error {
	w.ticks++
	if w.ticks%interruptInterval != 0 {
		return nil
	}
	return w.pollInterrupt()
}

func (w *Worker) pollInterrupt() error {
	if err := w.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrAborted, err)
	}
	if !w.deadline.IsZero() && time.Now().After(w.deadline) {
		log.Warningf("worker %s: script timeout after %s", w.ID, w.timeout)
		return w.vm.Raise(KindScriptTimeoutError, "Script execution exceeded %s", w.timeout)
	}
	return nil
}
