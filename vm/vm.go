package vm

import (
	"sync"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("avm2.vm")

// ---------------------------------------------------------------------------
// VM: heap, domain, object model and execution options
// ---------------------------------------------------------------------------

// OptimizerOptions control the translation tier.
type OptimizerOptions struct {
	Enabled      bool // translate methods before their first run
	Required     bool // fail calls whose method cannot be translated
	EarlyBinding bool // bind names to scope depths and constants
	InlineCaches bool // emit cached property, call and lookup sites
}

// Options are the execution limits and switches of a VM.
type Options struct {
	MaxRecursion int           // maximum number of active calls per worker
	StackSize    int           // initial operand stack capacity per worker
	Timeout      time.Duration // per-run script timeout, 0 for none
	DomainMemory int           // bytes of domain memory for li*/si*, 0 for none
	Optimizer    OptimizerOptions
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		MaxRecursion: 256,
		StackSize:    1024,
		Timeout:      15 * time.Second,
		Optimizer: OptimizerOptions{
			Enabled:      true,
			EarlyBinding: true,
			InlineCaches: true,
		},
	}
}

const numErrorKinds = int(KindScriptTimeoutError) + 1

// VM owns everything shared between workers: the heap, the global domain,
// loaded programs and the built-in classes.
type VM struct {
	Heap    *Heap
	Domain  *Domain
	Objects ObjectModel
	Options Options

	mu       sync.Mutex
	programs []*Program

	objectClass   *ClassObject
	functionClass *ClassObject
	arrayClass    *ClassObject
	globalClass   *ClassObject
	intClass      *ClassObject
	uintClass     *ClassObject
	numberClass   *ClassObject
	stringClass   *ClassObject
	booleanClass  *ClassObject
	errorClasses  [numErrorKinds]*ClassObject
}

// NewVM creates a VM with the built-in classes defined in its domain.
func NewVM(opts Options) *VM {
	if opts.MaxRecursion <= 0 {
		opts.MaxRecursion = DefaultOptions().MaxRecursion
	}
	if opts.StackSize <= 0 {
		opts.StackSize = DefaultOptions().StackSize
	}
	h := NewHeap()
	vm := &VM{
		Heap:    h,
		Domain:  newDomain(h),
		Options: opts,
	}
	vm.Objects = &BasicObjectModel{vm: vm}
	vm.Domain.SetMemory(opts.DomainMemory)
	vm.bootstrap()
	return vm
}

// Close releases the domain and every loaded program.
func (vm *VM) Close() {
	vm.mu.Lock()
	programs := vm.programs
	vm.programs = nil
	vm.mu.Unlock()
	for _, p := range programs {
		p.Unload()
	}
	vm.Domain.Close()
}

// ---------------------------------------------------------------------------
// Bootstrap: built-in classes
// ---------------------------------------------------------------------------

func (vm *VM) bootstrap() {
	vm.objectClass = vm.defineBuiltin(newClassObject("Object", nil, false))
	vm.functionClass = vm.defineBuiltin(newClassObject("Function", vm.objectClass, true))
	vm.arrayClass = vm.defineBuiltin(newClassObject("Array", vm.objectClass, false))
	vm.globalClass = newClassObject("global", vm.objectClass, false)

	vm.intClass = vm.definePrimitive("int", KindInt)
	vm.uintClass = vm.definePrimitive("uint", KindUint)
	vm.numberClass = vm.definePrimitive("Number", KindNumber)
	vm.stringClass = vm.definePrimitive("String", KindString)
	vm.booleanClass = vm.definePrimitive("Boolean", KindBoolean)

	vm.stringClass.addMethod(vm.Heap, "length", TraitGetter, vm.NewNativeFunction("length", func(w *Worker, this Atom, args []Atom) (Atom, error) {
		s, err := w.ToGoString(this)
		if err != nil {
			return Undefined, err
		}
		return FromInt(int32(len(utf16Units(s)))), nil
	}))

	base := newClassObject("Error", vm.objectClass, false)
	base.errorClass = true
	base.errorKind = KindError
	if _, err := base.addSlot("message", TraitSlot, 1, nil, OptionalValue{}, nil); err != nil {
		panic(err)
	}
	base.nativeInit = errorInit
	vm.errorClasses[KindError] = vm.defineBuiltin(base)
	for k := KindTypeError; int(k) < numErrorKinds; k++ {
		c := newClassObject(k.String(), base, false)
		c.errorKind = k
		vm.errorClasses[k] = vm.defineBuiltin(c)
	}
}

func errorInit(w *Worker, this Atom, args []Atom) (Atom, error) {
	msg := w.vm.Heap.NewString("")
	if len(args) > 0 && !args[0].IsUndefined() {
		w.vm.Heap.Release(msg)
		var err error
		if msg, err = w.ToString(args[0]); err != nil {
			return Undefined, err
		}
	}
	defer w.vm.Heap.Release(msg)
	return Undefined, w.vm.Objects.SetSlot(this, errorMessageSlot, msg)
}

func (vm *VM) definePrimitive(name string, kind Kind) *ClassObject {
	c := newClassObject(name, vm.objectClass, true)
	c.primitive = true
	c.primKind = kind
	return vm.defineBuiltin(c)
}

// defineBuiltin allocates c on the heap and binds it read-only in the
// domain, which keeps the only reference.
func (vm *VM) defineBuiltin(c *ClassObject) *ClassObject {
	a := vm.Heap.Alloc(c)
	c.self = a
	vm.Domain.Define(c.name, a, true)
	vm.Heap.Release(a)
	return c
}

// ErrorClass returns the built-in class for kind.
func (vm *VM) ErrorClass(kind ErrorKind) *ClassObject {
	return vm.errorClasses[kind]
}

// newError allocates an error object of the given kind. The result is owned.
func (vm *VM) newError(kind ErrorKind, msg string) Atom {
	cls := vm.errorClasses[kind]
	obj := vm.newScriptObject(cls)
	o := vm.Heap.Object(obj).(*ScriptObject)
	o.slots[errorMessageSlot] = vm.Heap.NewString(msg)
	o.constructed = true
	return obj
}

// NewNativeFunction wraps fn as a function value. The result is owned.
func (vm *VM) NewNativeFunction(name string, fn NativeFunc) Atom {
	return vm.Heap.Alloc(&FunctionObject{name: name, native: fn, bound: Undefined})
}

// NewArray allocates an array holding elems (retained). The result is owned.
func (vm *VM) NewArray(elems []Atom) Atom {
	cp := make([]Atom, len(elems))
	for i, e := range elems {
		cp[i] = vm.Heap.Retain(e)
	}
	return vm.Heap.Alloc(&ArrayObject{elems: cp})
}

// newScriptObject allocates an instance of cls with default slot values.
func (vm *VM) newScriptObject(cls *ClassObject) Atom {
	o := &ScriptObject{
		class:    cls,
		classRef: vm.Heap.Retain(cls.self),
		slots:    vm.initialSlots(cls.slots),
	}
	if !cls.sealed {
		o.dynamic = make(map[string]Atom)
	}
	return vm.Heap.Alloc(o)
}

// NewObject allocates a plain dynamic object. The result is owned.
func (vm *VM) NewObject() Atom {
	return vm.newScriptObject(vm.objectClass)
}
