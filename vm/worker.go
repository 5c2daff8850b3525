package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// Worker: one execution thread
// ---------------------------------------------------------------------------

// Worker runs scripts on its own operand stack and call-context stack.
// A Worker is not safe for concurrent use; run independent workers in
// parallel instead. Workers of one VM share its heap, domain and
// translated methods.
type Worker struct {
	ID uuid.UUID

	// MaxRecursion bounds the number of active calls.
	MaxRecursion int

	vm     *VM
	stack  []Atom
	sp     int
	frames []*CallContext
	depth  int

	ctx      context.Context
	timeout  time.Duration
	deadline time.Time
	ticks    uint32
}

// NewWorker creates a worker whose execution is aborted when ctx is done.
func (vm *VM) NewWorker(ctx context.Context) *Worker {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Worker{
		ID:           uuid.New(),
		MaxRecursion: vm.Options.MaxRecursion,
		vm:           vm,
		stack:        make([]Atom, vm.Options.StackSize),
		frames:       make([]*CallContext, 0, 16),
		ctx:          ctx,
		timeout:      vm.Options.Timeout,
	}
}

// VM returns the VM the worker runs on.
func (w *Worker) VM() *VM { return w.vm }

// Depth returns the number of active calls.
func (w *Worker) Depth() int { return w.depth }

// StackDepth returns the number of values on the operand stack.
func (w *Worker) StackDepth() int { return w.sp }

// Current returns the innermost active call context, or nil.
func (w *Worker) Current() *CallContext {
	if n := len(w.frames); n > 0 {
		return w.frames[n-1]
	}
	return nil
}

// Call invokes fn with receiver this. Arguments are borrowed; the result
// is owned by the caller. A script exception is returned as *ThrownError.
func (w *Worker) Call(fn, this Atom, args []Atom) (Atom, error) {
	if w.depth == 0 {
		w.startRun()
	}
	return w.invoke(fn, this, args)
}

// Construct creates an instance of the class or function ctor.
func (w *Worker) Construct(ctor Atom, args []Atom) (Atom, error) {
	if w.depth == 0 {
		w.startRun()
	}
	return w.construct(ctor, args)
}

// RunScript executes the initializer of script i of p with the global
// object as receiver, after defining the script's traits in the domain.
func (w *Worker) RunScript(p *Program, i int) (Atom, error) {
	if p.vm != w.vm {
		return Undefined, fmt.Errorf("%w: program not loaded into this VM", ErrInvalidProgram)
	}
	if i < 0 || i >= len(p.Scripts) {
		return Undefined, fmt.Errorf("%w: no script %d", ErrInvalidProgram, i)
	}
	s := p.Scripts[i]
	if err := w.vm.declareScriptTraits(p, s); err != nil {
		return Undefined, err
	}
	init := p.Methods[s.Init]
	if w.depth == 0 {
		w.startRun()
	}
	log.Debugf("worker %s: running script %d (%s)", w.ID, i, init)
	return w.execute(init, w.vm.Domain.Global(), nil, nil, Undefined)
}

// Close releases anything left on the operand stack.
func (w *Worker) Close() {
	w.unwindTo(0)
}

// ---------------------------------------------------------------------------
// Parallel workers
// ---------------------------------------------------------------------------

// RunWorkers runs fn on n fresh workers in parallel and waits for all of
// them. The first error cancels the remaining workers' context.
func (vm *VM) RunWorkers(ctx context.Context, n int, fn func(w *Worker, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			w := vm.NewWorker(gctx)
			defer w.Close()
			if err := fn(w, i); err != nil {
				log.Errorf("worker %s failed: %v", w.ID, err)
				return fmt.Errorf("worker %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}
