package vm

import (
	"strconv"
	"strings"
)

// Multiname is a property name as referenced by bytecode. Namespace sets
// collapse to a single namespace; lookups match on Name.
type Multiname struct {
	Name        string
	Namespace   string
	RuntimeName bool // name is popped from the operand stack
	RuntimeNS   bool // namespace is popped from the operand stack
	Attribute   bool
}

// RTCount returns how many operand-stack values a lookup through m pops
// in addition to the receiver.
func (m *Multiname) RTCount() int {
	n := 0
	if m.RuntimeName {
		n++
	}
	if m.RuntimeNS {
		n++
	}
	return n
}

// IsAny reports whether m is the "*" type name.
func (m *Multiname) IsAny() bool {
	return m == nil || (m.Name == "*" && !m.RuntimeName)
}

func (m *Multiname) String() string {
	if m == nil {
		return "*"
	}
	var b strings.Builder
	if m.Attribute {
		b.WriteByte('@')
	}
	if m.RuntimeNS {
		b.WriteString("[ns]::")
	} else if m.Namespace != "" {
		b.WriteString(m.Namespace)
		b.WriteString("::")
	}
	if m.RuntimeName {
		b.WriteString("[name]")
	} else {
		b.WriteString(m.Name)
	}
	return b.String()
}

// runtimeName converts a popped name atom to a property name.
func (vm *VM) runtimeName(a Atom) string {
	switch a.Kind() {
	case KindInt:
		return strconv.FormatInt(int64(a.Int()), 10)
	case KindUint:
		return strconv.FormatUint(uint64(a.Uint()), 10)
	case KindString:
		return vm.Heap.StringOf(a)
	}
	return vm.ToGoString(a)
}
