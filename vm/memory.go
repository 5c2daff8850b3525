package vm

import (
	"encoding/binary"
	"math"
)

// ---------------------------------------------------------------------------
// Domain memory: the flat little-endian byte store behind li*/si*
// ---------------------------------------------------------------------------

// SetMemory replaces the domain memory with size zero bytes.
func (d *Domain) SetMemory(size int) {
	d.memMu.Lock()
	d.mem = make([]byte, max(size, 0))
	d.memMu.Unlock()
}

// MemorySize returns the domain memory length in bytes.
func (d *Domain) MemorySize() int {
	d.memMu.RLock()
	defer d.memMu.RUnlock()
	return len(d.mem)
}

// ReadMemory copies len(buf) bytes at addr into buf. It reports false when
// the range is not inside the memory.
func (d *Domain) ReadMemory(addr int, buf []byte) bool {
	d.memMu.RLock()
	defer d.memMu.RUnlock()
	if addr < 0 || addr > len(d.mem)-len(buf) {
		return false
	}
	copy(buf, d.mem[addr:])
	return true
}

// WriteMemory copies b into the memory at addr. It reports false when the
// range is not inside the memory.
func (d *Domain) WriteMemory(addr int, b []byte) bool {
	d.memMu.Lock()
	defer d.memMu.Unlock()
	if addr < 0 || addr > len(d.mem)-len(b) {
		return false
	}
	copy(d.mem[addr:], b)
	return true
}

func memoryWidth(op Opcode) int {
	switch op {
	case OpLi8, OpSi8:
		return 1
	case OpLi16, OpSi16:
		return 2
	case OpLi32, OpSi32, OpLf32, OpSf32:
		return 4
	}
	return 8
}

func (w *Worker) memoryRange(addr int32, n int) error {
	return w.vm.Raise(KindRangeError, "The specified range is invalid (%d bytes at %d, memory size %d)", n, addr, w.vm.Domain.MemorySize())
}

// loadMemory implements li8, li16, li32, lf32 and lf64. The address is
// borrowed.
func (w *Worker) loadMemory(op Opcode, addr Atom) (Atom, error) {
	a, err := w.ToInt32(addr)
	if err != nil {
		return Undefined, err
	}
	var buf [8]byte
	b := buf[:memoryWidth(op)]
	if !w.vm.Domain.ReadMemory(int(a), b) {
		return Undefined, w.memoryRange(a, len(b))
	}
	le := binary.LittleEndian
	switch op {
	case OpLi8:
		return FromInt(int32(b[0])), nil
	case OpLi16:
		return FromInt(int32(le.Uint16(b))), nil
	case OpLi32:
		return FromInt(int32(le.Uint32(b))), nil
	case OpLf32:
		return NumberAtom(float64(math.Float32frombits(le.Uint32(b)))), nil
	}
	return NumberAtom(math.Float64frombits(le.Uint64(b))), nil
}

// storeMemory implements si8, si16, si32, sf32 and sf64. Integer stores
// truncate the value to the access width. Both operands are borrowed.
func (w *Worker) storeMemory(op Opcode, v, addr Atom) error {
	a, err := w.ToInt32(addr)
	if err != nil {
		return err
	}
	var buf [8]byte
	b := buf[:memoryWidth(op)]
	le := binary.LittleEndian
	switch op {
	case OpSf32, OpSf64:
		f, err := w.ToNumber(v)
		if err != nil {
			return err
		}
		if op == OpSf32 {
			le.PutUint32(b, math.Float32bits(float32(f)))
		} else {
			le.PutUint64(b, math.Float64bits(f))
		}
	default:
		n, err := w.ToInt32(v)
		if err != nil {
			return err
		}
		switch len(b) {
		case 1:
			b[0] = byte(n)
		case 2:
			le.PutUint16(b, uint16(n))
		default:
			le.PutUint32(b, uint32(n))
		}
	}
	if !w.vm.Domain.WriteMemory(int(a), b) {
		return w.memoryRange(a, len(b))
	}
	return nil
}
