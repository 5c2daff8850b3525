package vm

import "sort"

// ---------------------------------------------------------------------------
// Layout: block placement, branch back-patching, exception ranges
// ---------------------------------------------------------------------------

// placement orders the translated blocks as traces. A trace follows
// fallthrough edges and unconditional jumps to unplaced blocks; the next
// trace starts at the lowest unplaced offset.
func (t *translator) placement() []blockID {
	var live []blockID
	for id, b := range t.blocks {
		if b.done {
			live = append(live, blockID(id))
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return t.blocks[live[i]].start < t.blocks[live[j]].start
	})

	placed := make(map[blockID]bool, len(live))
	order := make([]blockID, 0, len(live))
	for _, head := range live {
		for id := head; id != noBlock && !placed[id]; {
			placed[id] = true
			order = append(order, id)
			b := t.blocks[id]
			switch {
			case b.fall != noBlock:
				id = b.fall
			case len(b.out) > 0 && b.out[len(b.out)-1].Op == XJump:
				id = blockID(b.out[len(b.out)-1].Target)
			default:
				id = noBlock
			}
		}
	}
	return order
}

func (t *translator) layout() *Translation {
	order := t.placement()
	start := make(map[blockID]int, len(order))
	var code []Instr
	for i, id := range order {
		b := t.blocks[id]
		start[id] = len(code)
		var next blockID = noBlock
		if i+1 < len(order) {
			next = order[i+1]
		}
		out := b.out
		if n := len(out); n > 0 && out[n-1].Op == XJump && blockID(out[n-1].Target) == next {
			out = out[:n-1]
		}
		code = append(code, out...)
		if b.fall != noBlock && b.fall != next {
			origin := b.start
			if n := len(b.out); n > 0 {
				origin = b.out[n-1].Origin
			}
			j := t.instr(XJump, origin)
			j.Target = int(b.fall)
			code = append(code, j)
		}
	}

	offsets := make(map[int]int, len(code))
	for i := range code {
		in := &code[i]
		switch in.Op {
		case XJump, XIfTrue, XIfFalse, XIfCmp, XIfCmpInts:
			in.Target = start[blockID(in.Target)]
		case XSwitch:
			targets := make([]int, len(in.Targets))
			for k, id := range in.Targets {
				targets[k] = start[blockID(id)]
			}
			in.Targets = targets
		}
		if _, ok := offsets[in.Origin]; !ok {
			offsets[in.Origin] = i
		}
	}

	return &Translation{
		Method:     t.m,
		Code:       code,
		Exceptions: t.translateRanges(code, start),
		Sites:      t.sites,
		OffsetMap:  offsets,
		Blocks:     len(order),
	}
}

// translateRanges maps every canonical exception range onto the translated
// code. A range whose instructions are no longer contiguous is split into
// one range per run, keeping the original table order.
func (t *translator) translateRanges(code []Instr, start map[blockID]int) []ExceptionRange {
	var out []ExceptionRange
	for _, r := range t.m.Body.Exceptions {
		target := start[t.byStart[r.Target]]
		for i := 0; i < len(code); {
			if o := code[i].Origin; o < r.From || o >= r.To {
				i++
				continue
			}
			j := i + 1
			for j < len(code) && code[j].Origin >= r.From && code[j].Origin < r.To {
				j++
			}
			out = append(out, ExceptionRange{From: i, To: j, Target: target, Type: r.Type, VarName: r.VarName})
			i = j
		}
	}
	return out
}
