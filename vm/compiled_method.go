package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Program metadata: methods, bodies, classes, scripts
// ---------------------------------------------------------------------------

// MethodFlags mirror the ABC method_info flags the core interprets.
type MethodFlags uint8

const (
	NeedArguments  MethodFlags = 1 << iota // synthesize an arguments array
	NeedActivation                         // body creates an activation object
	NeedRest                               // extra arguments collected into an array
	HasOptional                            // trailing parameters have defaults
)

// ConstKind identifies a constant-pool value.
type ConstKind uint8

const (
	ConstUndefined ConstKind = iota
	ConstNull
	ConstTrue
	ConstFalse
	ConstInt
	ConstUint
	ConstDouble
	ConstString
)

// OptionalValue is a constant referenced by kind and pool index, used for
// parameter defaults and slot initial values.
type OptionalValue struct {
	Kind  ConstKind
	Index int
}

// ExceptionRange guards the half-open instruction range [From, To).
// Type is a multiname index; 0 catches everything.
type ExceptionRange struct {
	From    int
	To      int
	Target  int
	Type    int
	VarName int
}

// MethodBody is the executable part of a method.
type MethodBody struct {
	MaxStack       int
	LocalCount     int
	InitScopeDepth int
	MaxScopeDepth  int
	Code           []byte
	Exceptions     []ExceptionRange
	Traits         []TraitDef // activation traits
}

// MethodInfo describes one method of a program. The translated form and
// the inline caches are created lazily and shared by every worker.
type MethodInfo struct {
	Name       string
	ParamTypes []int // multiname indexes, 0 for "*"
	Optional   []OptionalValue
	ReturnType int
	Flags      MethodFlags
	Body       *MethodBody

	program *Program
	index   int
	owner   atomic.Pointer[ClassObject]

	params atomic.Pointer[[]*ClassObject]
	ret    atomic.Pointer[typeRef]

	translateOnce sync.Once
	translation   *Translation
	translateErr  error
	caches        atomic.Pointer[CacheTable]

	synthMu      sync.Mutex
	activation   *ClassObject
	catchClasses map[int]*ClassObject
}

// ParamCount returns the number of declared parameters.
func (m *MethodInfo) ParamCount() int {
	return len(m.ParamTypes)
}

// RequiredParams returns the number of parameters without defaults.
func (m *MethodInfo) RequiredParams() int {
	return len(m.ParamTypes) - len(m.Optional)
}

// Owner returns the class whose instance methods include m, or nil.
func (m *MethodInfo) Owner() *ClassObject {
	return m.owner.Load()
}

// Program returns the program m belongs to.
func (m *MethodInfo) Program() *Program {
	return m.program
}

func (m *MethodInfo) String() string {
	if m.Name != "" {
		return m.Name
	}
	return fmt.Sprintf("method#%d", m.index)
}

// TraitKind identifies the kind of a trait.
type TraitKind uint8

const (
	TraitSlot TraitKind = iota
	TraitConst
	TraitMethod
	TraitGetter
	TraitSetter
	TraitClass
	TraitFunction
)

var traitKindNames = [...]string{"slot", "const", "method", "getter", "setter", "class", "function"}

func (k TraitKind) String() string {
	if int(k) < len(traitKindNames) {
		return traitKindNames[k]
	}
	return "trait?"
}

// TraitDef declares a trait of a class, script or activation.
type TraitDef struct {
	Name   string
	Kind   TraitKind
	SlotID int // 1-based; 0 assigns the next free slot
	Type   int // multiname index of the slot type
	Value  OptionalValue
	Method int // method index for method/getter/setter/function traits
	Class  int // class index for class traits
}

// ClassDef describes a class created by newclass.
type ClassDef struct {
	Name           string
	Super          int // multiname index of the base class, 0 for none
	Sealed         bool
	InstanceInit   int
	ClassInit      int
	InstanceTraits []TraitDef
	StaticTraits   []TraitDef
}

// ScriptDef describes a script entry point.
type ScriptDef struct {
	Init   int
	Traits []TraitDef
}

// Program is a loaded unit of bytecode: constant pools plus the methods,
// classes and scripts referencing them. Index 0 of each pool is reserved.
type Program struct {
	Ints       []int32
	Uints      []uint32
	Doubles    []float64
	Strings    []string
	Multinames []Multiname
	Methods    []*MethodInfo
	Classes    []*ClassDef
	Scripts    []*ScriptDef

	vm       *VM
	strAtoms []Atom
}

// Multiname returns the multiname at index i, or nil for index 0.
func (p *Program) Multiname(i int) *Multiname {
	if i <= 0 || i >= len(p.Multinames) {
		return nil
	}
	return &p.Multinames[i]
}

// Constant returns the pool constant described by v. The result is owned.
func (p *Program) Constant(v OptionalValue) Atom {
	switch v.Kind {
	case ConstNull:
		return Null
	case ConstTrue:
		return True
	case ConstFalse:
		return False
	case ConstInt:
		return FromInt(p.Ints[v.Index])
	case ConstUint:
		return FromUint(p.Uints[v.Index])
	case ConstDouble:
		return NumberAtom(p.Doubles[v.Index])
	case ConstString:
		return p.vm.Heap.Retain(p.strAtoms[v.Index])
	}
	return Undefined
}

// stringAtom returns the pooled string at index i, borrowed.
func (p *Program) stringAtom(i int) Atom {
	return p.strAtoms[i]
}

// Load binds p to the VM: pooled strings become heap atoms owned by the
// program and every method learns its index.
func (vm *VM) Load(p *Program) error {
	if p.vm != nil {
		return fmt.Errorf("%w: program already loaded", ErrInvalidProgram)
	}
	if err := p.validate(); err != nil {
		return err
	}
	p.vm = vm
	p.strAtoms = make([]Atom, len(p.Strings))
	for i, s := range p.Strings {
		p.strAtoms[i] = vm.Heap.NewString(s)
	}
	for i, m := range p.Methods {
		m.program = p
		m.index = i
	}
	for _, s := range p.Scripts {
		p.Methods[s.Init].owner.Store(vm.globalClass)
	}
	vm.mu.Lock()
	vm.programs = append(vm.programs, p)
	vm.mu.Unlock()
	log.Debugf("loaded program: %d methods, %d classes, %d scripts", len(p.Methods), len(p.Classes), len(p.Scripts))
	return nil
}

// TranslateAll translates every method of p with a body ahead of its
// first call and returns the first failure.
func (vm *VM) TranslateAll(p *Program) error {
	for _, m := range p.Methods {
		if m.Body == nil {
			continue
		}
		if vm.translationFor(m) == nil {
			return m.translateErr
		}
	}
	return nil
}

// Unload releases the pooled strings of p.
func (p *Program) Unload() {
	if p.vm == nil {
		return
	}
	p.vm.Heap.ReleaseAll(p.strAtoms)
	p.strAtoms = nil
}

func (p *Program) validate() error {
	checkMethod := func(i int, what string) error {
		if i < 0 || i >= len(p.Methods) {
			return fmt.Errorf("%w: %s refers to method %d", ErrInvalidProgram, what, i)
		}
		return nil
	}
	for i, m := range p.Methods {
		if m == nil {
			return fmt.Errorf("%w: method %d is nil", ErrInvalidProgram, i)
		}
		if m.Body != nil && m.Body.MaxScopeDepth < m.Body.InitScopeDepth {
			return fmt.Errorf("%w: method %d has max scope depth below init depth", ErrInvalidProgram, i)
		}
		if m.Flags&NeedRest != 0 && m.Flags&NeedArguments != 0 {
			return fmt.Errorf("%w: method %d needs both rest and arguments", ErrInvalidProgram, i)
		}
		if len(m.Optional) > len(m.ParamTypes) {
			return fmt.Errorf("%w: method %d has more defaults than parameters", ErrInvalidProgram, i)
		}
	}
	for i, c := range p.Classes {
		if err := checkMethod(c.InstanceInit, fmt.Sprintf("class %d instance init", i)); err != nil {
			return err
		}
		if err := checkMethod(c.ClassInit, fmt.Sprintf("class %d class init", i)); err != nil {
			return err
		}
	}
	for i, s := range p.Scripts {
		if err := checkMethod(s.Init, fmt.Sprintf("script %d init", i)); err != nil {
			return err
		}
	}
	return nil
}
