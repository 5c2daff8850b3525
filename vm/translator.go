package vm

import (
	"errors"
	"fmt"
	"math"

	"github.com/tliron/commonlog"
)

var tlog = commonlog.GetLogger("avm2.translator")

// ---------------------------------------------------------------------------
// Optimizing translator: canonical bytecode to []Instr
// ---------------------------------------------------------------------------

// translationFor returns the translated form of m, translating it on first
// use. It returns nil when m runs on the baseline interpreter.
func (vm *VM) translationFor(m *MethodInfo) *Translation {
	if !vm.Options.Optimizer.Enabled {
		return nil
	}
	m.translateOnce.Do(func() {
		m.translation, m.translateErr = vm.translate(m)
		if m.translateErr != nil {
			tlog.Warningf("%s stays on the baseline interpreter: %v", m, m.translateErr)
		} else if tlog.AllowLevel(commonlog.Debug) {
			tlog.Debugf("translated %s: %d bytes into %d instructions, %d blocks, %d cache sites",
				m, len(m.Body.Code), len(m.translation.Code), m.translation.Blocks, len(m.translation.Sites))
		}
	})
	return m.translation
}

// Translate translates m without publishing the result.
func (vm *VM) Translate(m *MethodInfo) (*Translation, error) {
	return vm.translate(m)
}

type blockID int

const noBlock blockID = -1

type basicBlock struct {
	start   int // canonical offset of the first instruction
	end     int // offset after the last translated instruction
	entry   frameState
	handler bool
	done    bool
	queued  bool
	out     []Instr
	claimed []int
	fall    blockID // fallthrough successor
}

// pendingRead is a getlocal or constant push whose emission is deferred so
// the consumer can take it as an operand.
type pendingRead struct {
	op     Operand
	origin int
}

type translator struct {
	vm   *VM
	m    *MethodInfo
	p    *Program
	opts OptimizerOptions

	insns   []Instruction
	index   map[int]int // canonical offset to position in insns
	leaders map[int]bool

	blocks  []*basicBlock
	byStart map[int]blockID
	owner   map[int]blockID // canonical offset to the block that translated it
	work    []blockID

	nlocals int
	locals  []InferenceData // types of locals never written by the body
	sites   []SiteInfo
	siteAt  map[int]int

	cur     blockID
	state   frameState
	pending []pendingRead
	restart bool
}

func (vm *VM) translate(m *MethodInfo) (*Translation, error) {
	if m.Body == nil {
		return nil, &TranslateError{Method: m.String(), Reason: "method has no body"}
	}
	t := &translator{
		vm:      vm,
		m:       m,
		p:       m.program,
		opts:    vm.Options.Optimizer,
		index:   make(map[int]int),
		leaders: make(map[int]bool),
		byStart: make(map[int]blockID),
		owner:   make(map[int]blockID),
		siteAt:  make(map[int]int),
	}
	if err := t.run(); err != nil {
		return nil, err
	}
	return t.layout(), nil
}

func (t *translator) fail(offset int, reason string, err error) error {
	return &TranslateError{Method: t.m.String(), Offset: offset, Reason: reason, Err: err}
}

func (t *translator) run() error {
	body := t.m.Body
	insns, err := Decode(body.Code)
	if err != nil {
		off := 0
		var de *DecodeError
		if errors.As(err, &de) {
			off = de.Offset
		}
		return t.fail(off, "malformed bytecode", err)
	}
	if len(insns) == 0 {
		return t.fail(0, "empty method body", nil)
	}
	t.insns = insns
	for i := range insns {
		t.index[insns[i].Offset] = i
	}

	for i, r := range body.Exceptions {
		_, from := t.index[r.From]
		_, to := t.index[r.To]
		_, target := t.index[r.Target]
		if !from || !(to || r.To == len(body.Code)) || r.From >= r.To || !target {
			return t.fail(r.From, fmt.Sprintf("exception range %d is malformed", i), nil)
		}
		t.leaders[r.From] = true
		t.leaders[r.To] = true
	}
	t.analyzeLocals()

	t.enqueue(t.newBlock(0, frameState{}))
	for _, r := range body.Exceptions {
		entry := frameState{stack: []InferenceData{unknownType}}
		if id, ok := t.byStart[r.Target]; ok {
			if _, err := t.vm.merge(&t.blocks[id].entry, &entry); err != nil {
				return t.fail(r.Target, "handler target reached with a non-empty state", err)
			}
			t.blocks[id].handler = true
			continue
		}
		id := t.newBlock(r.Target, entry)
		t.blocks[id].handler = true
		t.enqueue(id)
	}

	for len(t.work) > 0 {
		id := t.work[len(t.work)-1]
		t.work = t.work[:len(t.work)-1]
		t.blocks[id].queued = false
		if err := t.translateBlock(id); err != nil {
			return err
		}
		if t.restart {
			tlog.Debugf("%s: block at %d split while translating it, restarting", t.m, t.blocks[id].start)
			t.enqueue(id)
		}
	}
	return nil
}

// analyzeLocals finds the locals the body never writes and gives them
// their entry types: the receiver class for local 0 and the declared
// class of each parameter.
func (t *translator) analyzeLocals() {
	m, vm := t.m, t.vm
	nparams := m.ParamCount()
	extra := m.Flags&(NeedRest|NeedArguments) != 0
	n := nparams + 1
	if extra {
		n++
	}
	if m.Body.LocalCount > n {
		n = m.Body.LocalCount
	}
	t.nlocals = n
	invariant := make([]bool, n)
	for i := range invariant {
		invariant[i] = true
	}
	for i := range t.insns {
		ins := &t.insns[i]
		switch ins.Op {
		case OpSetLocal, OpSetLocal0, OpSetLocal1, OpSetLocal2, OpSetLocal3,
			OpKill, OpIncLocal, OpDecLocal, OpIncLocalI, OpDecLocalI:
			if l := localIndex(ins); l >= 0 && l < n {
				invariant[l] = false
			}
		case OpHasNext2:
			for _, l := range []int{ins.A, ins.B} {
				if l >= 0 && l < n {
					invariant[l] = false
				}
			}
		}
	}

	t.locals = make([]InferenceData, n)
	if invariant[0] {
		switch owner := m.Owner(); {
		case owner == nil:
		case owner == vm.globalClass:
			t.locals[0] = constantType(owner, vm.Domain.Global())
		default:
			t.locals[0] = typeOf(owner)
		}
	}
	for i := 0; i < nparams; i++ {
		if !invariant[i+1] {
			continue
		}
		if c, ok := t.frozenType(m.ParamTypes[i]); ok && c != nil && c != vm.stringClass {
			t.locals[i+1] = typeOf(c)
		}
	}
	if extra && invariant[nparams+1] {
		t.locals[nparams+1] = typeOf(vm.arrayClass)
	}
}

// frozenType resolves a type name that can never be rebound. "*" yields
// a nil class.
func (t *translator) frozenType(idx int) (*ClassObject, bool) {
	c, frozen, err := t.vm.resolveType(t.p, idx)
	if err != nil {
		if te, ok := catchable(err); ok {
			te.Release()
		}
		return nil, false
	}
	return c, frozen
}

// ---------------------------------------------------------------------------
// Blocks and edges
// ---------------------------------------------------------------------------

func (t *translator) newBlock(start int, entry frameState) blockID {
	id := blockID(len(t.blocks))
	t.blocks = append(t.blocks, &basicBlock{start: start, entry: entry, fall: noBlock})
	t.byStart[start] = id
	return id
}

func (t *translator) enqueue(id blockID) {
	b := t.blocks[id]
	if !b.queued {
		b.queued = true
		t.work = append(t.work, id)
	}
}

// discard drops the translated code of a block and its offset claims.
func (t *translator) discard(id blockID) {
	b := t.blocks[id]
	for _, off := range b.claimed {
		if t.owner[off] == id {
			delete(t.owner, off)
		}
	}
	b.claimed = b.claimed[:0]
	b.out = nil
	b.done = false
	b.fall = noBlock
}

// invalidate discards a stale block and queues it for translation.
func (t *translator) invalidate(id blockID) {
	tlog.Debugf("%s: invalidating block at %d", t.m, t.blocks[id].start)
	t.discard(id)
	t.enqueue(id)
	if id == t.cur {
		t.restart = true
	}
}

// edge records control flow from the current point to target with the
// current abstract state and returns the successor block.
func (t *translator) edge(from, target int) (blockID, error) {
	if id, ok := t.byStart[target]; ok {
		b := t.blocks[id]
		changed, err := t.vm.merge(&b.entry, &t.state)
		if err != nil {
			return noBlock, t.fail(from, fmt.Sprintf("join at %d", target), err)
		}
		if changed && (b.done || id == t.cur) {
			t.enqueue(id)
		}
		return id, nil
	}
	if victim, ok := t.owner[target]; ok {
		t.invalidate(victim)
	}
	id := t.newBlock(target, t.state.clone())
	t.enqueue(id)
	return id, nil
}

// claim marks a canonical instruction as translated by the current block.
// A previous owner is a stale copy and is invalidated.
func (t *translator) claim(off int) {
	if prev, ok := t.owner[off]; ok && prev != t.cur {
		t.invalidate(prev)
	}
	t.owner[off] = t.cur
	b := t.blocks[t.cur]
	b.claimed = append(b.claimed, off)
}

func (t *translator) startsBlock(off int) bool {
	_, ok := t.byStart[off]
	return ok || t.leaders[off]
}

// ---------------------------------------------------------------------------
// Block translation
// ---------------------------------------------------------------------------

func (t *translator) translateBlock(id blockID) error {
	t.discard(id)
	b := t.blocks[id]
	t.cur = id
	t.state = b.entry.clone()
	t.pending = t.pending[:0]
	t.restart = false

	pos := t.index[b.start]
	for {
		last, ended, err := t.step(pos)
		if err != nil {
			return err
		}
		if t.restart {
			t.discard(id)
			return nil
		}
		end := t.insns[last].Next()
		if ended {
			b.end = end
			break
		}
		if end >= len(t.m.Body.Code) {
			return t.fail(t.insns[last].Offset, "control flows off the end of the code", nil)
		}
		if t.startsBlock(end) {
			t.flush()
			next, err := t.edge(t.insns[last].Offset, end)
			if err != nil {
				return err
			}
			if t.restart {
				t.discard(id)
				return nil
			}
			b.fall = next
			b.end = end
			break
		}
		pos = last + 1
	}
	b.done = true
	return nil
}

func (t *translator) instr(op XOp, origin int) Instr {
	return Instr{Op: op, Dest: -1, Origin: origin}
}

func (t *translator) emit(in Instr) {
	b := t.blocks[t.cur]
	b.out = append(b.out, in)
}

func (t *translator) canonical(ins *Instruction) {
	in := t.instr(XCanonical, ins.Offset)
	in.Ins = *ins
	t.emit(in)
}

// flush materializes every pending read.
func (t *translator) flush() {
	t.flushTo(len(t.pending))
}

func (t *translator) flushTo(n int) {
	for _, r := range t.pending[:n] {
		switch r.op.Kind {
		case OperandLocal:
			in := t.instr(XGetLocal, r.origin)
			in.Arg = r.op.Local
			t.emit(in)
		case OperandConst:
			in := t.instr(XPush, r.origin)
			in.Value = r.op.Const
			t.emit(in)
		}
	}
	t.pending = append(t.pending[:0], t.pending[n:]...)
}

// operands takes the k topmost values as instruction inputs, oldest
// first. Pending reads on top are folded in; the rest are materialized.
func (t *translator) operands(k int) []Operand {
	folded := min(k, len(t.pending))
	t.flushTo(len(t.pending) - folded)
	ops := make([]Operand, k)
	for i := 0; i < k-folded; i++ {
		ops[i] = Operand{Kind: OperandStack}
	}
	for i := 0; i < folded; i++ {
		ops[k-folded+i] = t.pending[i].op
	}
	t.pending = t.pending[:0]
	return ops
}

func (t *translator) pushConst(v Atom, d InferenceData, origin int) {
	t.pending = append(t.pending, pendingRead{op: Operand{Kind: OperandConst, Const: v}, origin: origin})
	t.state.push(d)
}

func (t *translator) validLocal(i int) bool {
	return i >= 0 && i < t.nlocals
}

func (t *translator) site(op XOp, name string, origin int) int {
	if i, ok := t.siteAt[origin]; ok {
		t.sites[i].Op = op
		return i
	}
	i := len(t.sites)
	t.sites = append(t.sites, SiteInfo{Op: op, Name: name, Origin: origin})
	t.siteAt[origin] = i
	return i
}

// produce emits in, whose result has type d. A directly following setlocal
// inside the same block becomes the destination of in.
func (t *translator) produce(in Instr, d InferenceData, pos int) int {
	if pos+1 < len(t.insns) {
		nx := &t.insns[pos+1]
		switch nx.Op {
		case OpSetLocal, OpSetLocal0, OpSetLocal1, OpSetLocal2, OpSetLocal3:
			if l := localIndex(nx); t.validLocal(l) && !t.startsBlock(nx.Offset) {
				t.claim(nx.Offset)
				in.Dest = l
				t.emit(in)
				return pos + 1
			}
		}
	}
	t.emit(in)
	t.state.push(d)
	return pos
}

// constType describes a constant value.
func (t *translator) constType(v Atom) InferenceData {
	vm := t.vm
	switch v.Kind() {
	case KindInt:
		return typeOf(vm.intClass)
	case KindUint:
		return typeOf(vm.uintClass)
	case KindNumber:
		return typeOf(vm.numberClass)
	case KindString:
		return typeOf(vm.stringClass)
	case KindBoolean:
		return typeOf(vm.booleanClass)
	}
	if v.IsObject() {
		return constantType(vm.Objects.ClassOf(v), v)
	}
	return unknownType
}

// step translates the instruction at pos. It returns the position of the
// last instruction consumed and whether the block ended.
func (t *translator) step(pos int) (last int, ended bool, err error) {
	ins := &t.insns[pos]
	vm := t.vm
	off := ins.Offset
	t.claim(off)

	pop, push := ins.StackEffect(t.p)
	if len(t.state.stack) < pop {
		return pos, false, t.fail(off, fmt.Sprintf("%s: operand stack underflow", ins.Op.Name()), nil)
	}

	switch op := ins.Op; op {
	case OpNop, OpLabel, OpDebug, OpDebugLine, OpDebugFile:

	// --- Control transfer ---
	case OpJump:
		t.flush()
		id, err := t.edge(off, ins.Target)
		if err != nil {
			return pos, true, err
		}
		in := t.instr(XJump, off)
		in.Target = int(id)
		t.emit(in)
		return pos, true, nil

	case OpIfTrue, OpIfFalse, OpIfEq, OpIfNe, OpIfLt, OpIfLe, OpIfGt, OpIfGe,
		OpIfStrictEq, OpIfStrictNe, OpIfNLt, OpIfNLe, OpIfNGt, OpIfNGe:
		var in Instr
		if op == OpIfTrue || op == OpIfFalse {
			xop := XIfTrue
			if op == OpIfFalse {
				xop = XIfFalse
			}
			in = t.instr(xop, off)
			in.A = t.operands(1)[0]
			t.state.pop()
		} else {
			b, a := t.state.top(0), t.state.top(1)
			xop := XIfCmp
			if a.is(vm.intClass) && b.is(vm.intClass) {
				xop = XIfCmpInts
			}
			in = t.instr(xop, off)
			in.Arg = int(op)
			ops := t.operands(2)
			in.A, in.B = ops[0], ops[1]
			t.state.pop()
			t.state.pop()
		}
		id, err := t.edge(off, ins.Target)
		if err != nil || t.restart {
			return pos, true, err
		}
		in.Target = int(id)
		t.emit(in)
		next := ins.Next()
		if next >= len(t.m.Body.Code) {
			return pos, true, t.fail(off, "conditional branch falls off the end of the code", nil)
		}
		fall, err := t.edge(off, next)
		if err != nil {
			return pos, true, err
		}
		t.blocks[t.cur].fall = fall
		return pos, true, nil

	case OpLookupSwitch:
		in := t.instr(XSwitch, off)
		in.A = t.operands(1)[0]
		t.state.pop()
		in.Targets = make([]int, len(ins.Targets))
		for i, target := range ins.Targets {
			id, err := t.edge(off, target)
			if err != nil || t.restart {
				return pos, true, err
			}
			in.Targets[i] = int(id)
		}
		t.emit(in)
		return pos, true, nil

	case OpReturnVoid:
		t.flush()
		t.emit(t.instr(XReturnVoid, off))
		return pos, true, nil

	case OpReturnValue:
		in := t.instr(XReturnValue, off)
		in.A = t.operands(1)[0]
		t.state.pop()
		t.emit(in)
		return pos, true, nil

	case OpThrow:
		t.flush()
		t.canonical(ins)
		t.state.pop()
		return pos, true, nil

	// --- Stack shape, constants and locals ---
	case OpPushByte, OpPushShort:
		t.pushConst(FromInt(int32(ins.A)), typeOf(vm.intClass), off)
	case OpPushTrue:
		t.pushConst(True, typeOf(vm.booleanClass), off)
	case OpPushFalse:
		t.pushConst(False, typeOf(vm.booleanClass), off)
	case OpPushNull:
		t.pushConst(Null, unknownType, off)
	case OpPushUndefined:
		t.pushConst(Undefined, unknownType, off)
	case OpPushNaN:
		t.pushConst(FromNumber(math.NaN()), typeOf(vm.numberClass), off)
	case OpPushInt, OpPushUint, OpPushDouble, OpPushString:
		v, ok := t.poolConstant(op, ins.A)
		if !ok {
			t.flush()
			t.canonical(ins)
			t.state.push(unknownType)
			break
		}
		t.pushConst(v, vm.resultType(op, nil), off)

	case OpGetLocal, OpGetLocal0, OpGetLocal1, OpGetLocal2, OpGetLocal3:
		l := localIndex(ins)
		if !t.validLocal(l) {
			return pos, false, t.fail(off, fmt.Sprintf("local %d out of range", l), nil)
		}
		t.pending = append(t.pending, pendingRead{op: Operand{Kind: OperandLocal, Local: l}, origin: off})
		t.state.push(t.locals[l])

	case OpSetLocal, OpSetLocal0, OpSetLocal1, OpSetLocal2, OpSetLocal3:
		l := localIndex(ins)
		if !t.validLocal(l) {
			return pos, false, t.fail(off, fmt.Sprintf("local %d out of range", l), nil)
		}
		in := t.instr(XSetLocal, off)
		in.Arg = l
		in.A = t.operands(1)[0]
		t.state.pop()
		t.emit(in)

	case OpPop:
		if n := len(t.pending); n > 0 {
			t.pending = t.pending[:n-1]
		} else {
			t.canonical(ins)
		}
		t.state.pop()

	case OpDup:
		d := t.state.top(0)
		if n := len(t.pending); n > 0 {
			t.pending = append(t.pending, t.pending[n-1])
		} else {
			t.canonical(ins)
		}
		t.state.push(d)

	case OpSwap:
		b, a := t.state.pop(), t.state.pop()
		if n := len(t.pending); n >= 2 {
			t.pending[n-1], t.pending[n-2] = t.pending[n-2], t.pending[n-1]
		} else {
			t.flush()
			t.canonical(ins)
		}
		t.state.push(b)
		t.state.push(a)

	// --- Scope stack ---
	case OpPushScope, OpPushWith:
		t.flush()
		t.canonical(ins)
		d := t.state.pop()
		t.state.scope = append(t.state.scope, scopeType{InferenceData: d, With: op == OpPushWith})
	case OpPopScope:
		if len(t.state.scope) == 0 {
			return pos, false, t.fail(off, "scope stack underflow", nil)
		}
		t.flush()
		t.canonical(ins)
		t.state.scope = t.state.scope[:len(t.state.scope)-1]
	case OpGetScopeObject:
		if ins.A >= len(t.state.scope) {
			return pos, false, t.fail(off, fmt.Sprintf("scope index %d out of range", ins.A), nil)
		}
		t.flush()
		in := t.instr(XGetScopeObject, off)
		in.Arg = ins.A
		t.emit(in)
		t.state.push(t.state.scope[ins.A].InferenceData)

	// --- Names and properties ---
	case OpFindPropStrict, OpFindProperty, OpGetLex:
		t.flush()
		t.bindName(ins)
	case OpGetProperty:
		t.flush()
		t.getProperty(ins)
	case OpSetProperty, OpInitProperty:
		t.flush()
		mn := t.p.Multiname(ins.A)
		if mn == nil || mn.RTCount() > 0 || !t.opts.InlineCaches {
			t.generic(ins, pop, push)
			break
		}
		xop := XSetProperty
		if op == OpInitProperty {
			xop = XInitProperty
		}
		in := t.instr(xop, off)
		in.Name = mn.Name
		in.Site = t.site(xop, mn.Name, off)
		t.emit(in)
		t.state.pop()
		t.state.pop()
	case OpCallProperty, OpCallPropVoid:
		t.flush()
		mn := t.p.Multiname(ins.A)
		if mn == nil || mn.RTCount() > 0 || !t.opts.InlineCaches {
			t.generic(ins, pop, push)
			break
		}
		xop := XCallProperty
		if op == OpCallPropVoid {
			xop = XCallPropVoid
		}
		in := t.instr(xop, off)
		in.Name = mn.Name
		in.Arg = ins.B
		in.Site = t.site(xop, mn.Name, off)
		t.emit(in)
		t.state.stack = t.state.stack[:len(t.state.stack)-pop]
		if push > 0 {
			t.state.push(unknownType)
		}

	// --- Coercions ---
	case OpCoerce:
		target, ok := t.frozenType(ins.A)
		top := t.state.top(0)
		switch {
		case ok && vm.coercionElided(op, top, target):
		case ok && t.opts.EarlyBinding:
			t.flush()
			in := t.instr(XCoerceClass, off)
			in.Class = target
			t.emit(in)
			t.state.pop()
			t.state.push(vm.coerceType(target))
		default:
			t.flush()
			t.canonical(ins)
			t.state.pop()
			if ok {
				t.state.push(vm.coerceType(target))
			} else {
				t.state.push(unknownType)
			}
		}
	case OpAsType:
		t.flush()
		t.canonical(ins)
		t.state.pop()
		if c, ok := t.frozenType(ins.A); ok && c != nil && !c.primitive {
			t.state.push(typeOf(c))
		} else {
			t.state.push(unknownType)
		}

	default:
		info := opcodeTable[op]
		switch {
		case info.Format == FmtNone && info.Pop == 2 && info.Push == 1:
			b, a := t.state.top(0), t.state.top(1)
			xop := XBinary
			switch {
			case op == OpAdd && a.is(vm.intClass) && b.is(vm.intClass):
				xop = XAddInts
			case op == OpSubtract && a.is(vm.intClass) && b.is(vm.intClass):
				xop = XSubInts
			}
			in := t.instr(xop, off)
			in.Arg = int(op)
			ops := t.operands(2)
			in.A, in.B = ops[0], ops[1]
			t.state.pop()
			t.state.pop()
			return t.produce(in, vm.resultType(op, []InferenceData{a, b}), pos), false, nil
		case info.Format == FmtNone && info.Pop == 1 && info.Push == 1:
			a := t.state.top(0)
			if vm.coercionElided(op, a, nil) {
				break
			}
			in := t.instr(XUnary, off)
			in.Arg = int(op)
			in.A = t.operands(1)[0]
			t.state.pop()
			return t.produce(in, vm.resultType(op, []InferenceData{a}), pos), false, nil
		default:
			t.flush()
			t.generic(ins, pop, push)
		}
	}
	return pos, false, nil
}

// generic emits ins unchanged and applies its stack effect to the state.
func (t *translator) generic(ins *Instruction, pop, push int) {
	t.canonical(ins)
	in := append([]InferenceData(nil), t.state.stack[len(t.state.stack)-pop:]...)
	t.state.stack = t.state.stack[:len(t.state.stack)-pop]
	for i := 0; i < push; i++ {
		t.state.push(t.vm.resultType(ins.Op, in))
	}
}

func (t *translator) poolConstant(op Opcode, idx int) (Atom, bool) {
	p := t.p
	switch op {
	case OpPushInt:
		if idx > 0 && idx < len(p.Ints) {
			return FromInt(p.Ints[idx]), true
		}
	case OpPushUint:
		if idx > 0 && idx < len(p.Uints) {
			return FromUint(p.Uints[idx]), true
		}
	case OpPushDouble:
		if idx > 0 && idx < len(p.Doubles) {
			return NumberAtom(p.Doubles[idx]), true
		}
	case OpPushString:
		if idx > 0 && idx < len(p.Strings) {
			return p.stringAtom(idx), true
		}
	}
	return Undefined, false
}

// ---------------------------------------------------------------------------
// Early binding
// ---------------------------------------------------------------------------

type binding uint8

const (
	bindNone   binding = iota
	bindTrait          // trait of the scope entry at depth
	bindGlobal         // frozen definition seen through the global entry at depth
)

// bindScope resolves name against the abstract scope stack, innermost
// first. With entries and entries of unknown type stop the search, as do
// entries whose exact traits are not known.
func (t *translator) bindScope(name string) (b binding, depth int, tr *Trait, def *Definition) {
	if !t.opts.EarlyBinding {
		return bindNone, 0, nil, nil
	}
	vm := t.vm
	for i := len(t.state.scope) - 1; i >= 0; i-- {
		e := t.state.scope[i]
		if e.With || e.Class == nil {
			break
		}
		if e.Class == vm.globalClass {
			if d, ok := vm.Domain.Lookup(name); ok && d.Frozen() {
				return bindGlobal, i, nil, d
			}
			break
		}
		if tr := e.Class.FindTrait(name); tr != nil {
			return bindTrait, i, tr, nil
		}
		if !vm.exact(e.InferenceData) {
			break
		}
	}
	return bindNone, 0, nil, nil
}

// bindName translates findpropstrict, findproperty and getlex.
func (t *translator) bindName(ins *Instruction) {
	off := ins.Offset
	mn := t.p.Multiname(ins.A)
	if mn == nil || mn.RTCount() > 0 {
		pop, push := ins.StackEffect(t.p)
		t.generic(ins, pop, push)
		return
	}
	b, depth, tr, def := t.bindScope(mn.Name)
	if ins.Op != OpGetLex {
		if b == bindNone {
			t.generic(ins, 0, 1)
			return
		}
		in := t.instr(XGetScopeObject, off)
		in.Arg = depth
		t.emit(in)
		t.state.push(t.state.scope[depth].InferenceData)
		return
	}
	switch b {
	case bindTrait:
		var in Instr
		if tr.Kind == TraitSlot || tr.Kind == TraitConst {
			in = t.instr(XGetScopeSlot, off)
			in.Arg2 = tr.Slot
		} else {
			in = t.instr(XGetScopeProperty, off)
		}
		in.Arg = depth
		in.Name = mn.Name
		t.emit(in)
		t.state.push(unknownType)
	case bindGlobal:
		v := def.peek()
		t.pushConst(v, t.constType(v), off)
	default:
		if !t.opts.InlineCaches {
			t.generic(ins, 0, 1)
			return
		}
		in := t.instr(XGetLex, off)
		in.Name = mn.Name
		in.Site = t.site(XGetLex, mn.Name, off)
		t.emit(in)
		t.state.push(unknownType)
	}
}

// getProperty translates getproperty: a slot read when the receiver's
// class declares the name as a slot, otherwise a cached lookup.
func (t *translator) getProperty(ins *Instruction) {
	off := ins.Offset
	mn := t.p.Multiname(ins.A)
	if mn == nil || mn.RTCount() > 0 {
		pop, push := ins.StackEffect(t.p)
		t.generic(ins, pop, push)
		return
	}
	recv := t.state.top(0)
	if t.opts.EarlyBinding && recv.Class != nil && !recv.Class.primitive {
		if tr := recv.Class.FindTrait(mn.Name); tr != nil && (tr.Kind == TraitSlot || tr.Kind == TraitConst) {
			in := t.instr(XGetSlot, off)
			in.Arg = tr.Slot
			in.Name = mn.Name
			t.emit(in)
			t.state.pop()
			t.state.push(unknownType)
			return
		}
	}
	if !t.opts.InlineCaches {
		t.generic(ins, 1, 1)
		return
	}
	in := t.instr(XGetProperty, off)
	in.Name = mn.Name
	in.Site = t.site(XGetProperty, mn.Name, off)
	t.emit(in)
	t.state.pop()
	t.state.push(unknownType)
}
