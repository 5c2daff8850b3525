package image

import (
	"fmt"

	"fortio.org/safecast"
	"github.com/chazu/avm2/vm"
)

// converter narrows or widens integer fields, keeping the first failure.
type converter struct {
	err error
}

func (c *converter) u32(v int, what string) uint32 {
	u, err := safecast.Convert[uint32](v)
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("image: %s %d: %w", what, v, err)
	}
	return u
}

func (c *converter) toInt(v uint32, what string) int {
	n, err := safecast.Convert[int](v)
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("image: %s %d: %w", what, v, err)
	}
	return n
}

// FromProgram captures p as an image.
func FromProgram(p *vm.Program) (*Image, error) {
	c := &converter{}
	img := &Image{
		Version: Version,
		Ints:    p.Ints,
		Uints:   p.Uints,
		Doubles: p.Doubles,
		Strings: p.Strings,
	}
	for _, mn := range p.Multinames {
		img.Multinames = append(img.Multinames, Multiname{
			Name:      mn.Name,
			Namespace: mn.Namespace,
			RTName:    mn.RuntimeName,
			RTNS:      mn.RuntimeNS,
			Attribute: mn.Attribute,
		})
	}
	for _, m := range p.Methods {
		img.Methods = append(img.Methods, c.method(m))
	}
	for _, cd := range p.Classes {
		img.Classes = append(img.Classes, Class{
			Name:           cd.Name,
			Super:          c.u32(cd.Super, "class super"),
			Sealed:         cd.Sealed,
			InstanceInit:   c.u32(cd.InstanceInit, "instance init"),
			ClassInit:      c.u32(cd.ClassInit, "class init"),
			InstanceTraits: c.traits(cd.InstanceTraits),
			StaticTraits:   c.traits(cd.StaticTraits),
		})
	}
	for _, s := range p.Scripts {
		img.Scripts = append(img.Scripts, Script{Init: c.u32(s.Init, "script init"), Traits: c.traits(s.Traits)})
	}
	if c.err != nil {
		return nil, c.err
	}
	return img, nil
}

func (c *converter) value(v vm.OptionalValue) Value {
	return Value{Kind: uint8(v.Kind), Index: c.u32(v.Index, "constant index")}
}

func (c *converter) method(m *vm.MethodInfo) Method {
	out := Method{
		Name:       m.Name,
		ReturnType: c.u32(m.ReturnType, "return type"),
		Flags:      uint8(m.Flags),
	}
	for _, t := range m.ParamTypes {
		out.ParamTypes = append(out.ParamTypes, c.u32(t, "param type"))
	}
	for _, v := range m.Optional {
		out.Optional = append(out.Optional, c.value(v))
	}
	if b := m.Body; b != nil {
		out.Body = &Body{
			MaxStack:       c.u32(b.MaxStack, "max stack"),
			LocalCount:     c.u32(b.LocalCount, "local count"),
			InitScopeDepth: c.u32(b.InitScopeDepth, "init scope depth"),
			MaxScopeDepth:  c.u32(b.MaxScopeDepth, "max scope depth"),
			Code:           b.Code,
			Traits:         c.traits(b.Traits),
		}
		for _, r := range b.Exceptions {
			out.Body.Exceptions = append(out.Body.Exceptions, Exception{
				From:    c.u32(r.From, "exception from"),
				To:      c.u32(r.To, "exception to"),
				Target:  c.u32(r.Target, "exception target"),
				Type:    c.u32(r.Type, "exception type"),
				VarName: c.u32(r.VarName, "exception name"),
			})
		}
	}
	return out
}

func (c *converter) traits(ts []vm.TraitDef) []Trait {
	var out []Trait
	for _, t := range ts {
		out = append(out, Trait{
			Name:   t.Name,
			Kind:   uint8(t.Kind),
			SlotID: c.u32(t.SlotID, "slot id"),
			Type:   c.u32(t.Type, "slot type"),
			Value:  c.value(t.Value),
			Method: c.u32(t.Method, "trait method"),
			Class:  c.u32(t.Class, "trait class"),
		})
	}
	return out
}

// Program rebuilds the program described by img. The result is not yet
// loaded into a VM.
func (img *Image) Program() (*vm.Program, error) {
	c := &converter{}
	p := &vm.Program{
		Ints:    img.Ints,
		Uints:   img.Uints,
		Doubles: img.Doubles,
		Strings: img.Strings,
	}
	for _, mn := range img.Multinames {
		p.Multinames = append(p.Multinames, vm.Multiname{
			Name:        mn.Name,
			Namespace:   mn.Namespace,
			RuntimeName: mn.RTName,
			RuntimeNS:   mn.RTNS,
			Attribute:   mn.Attribute,
		})
	}
	for _, m := range img.Methods {
		p.Methods = append(p.Methods, c.methodInfo(m))
	}
	for _, cl := range img.Classes {
		p.Classes = append(p.Classes, &vm.ClassDef{
			Name:           cl.Name,
			Super:          c.toInt(cl.Super, "class super"),
			Sealed:         cl.Sealed,
			InstanceInit:   c.toInt(cl.InstanceInit, "instance init"),
			ClassInit:      c.toInt(cl.ClassInit, "class init"),
			InstanceTraits: c.traitDefs(cl.InstanceTraits),
			StaticTraits:   c.traitDefs(cl.StaticTraits),
		})
	}
	for _, s := range img.Scripts {
		p.Scripts = append(p.Scripts, &vm.ScriptDef{Init: c.toInt(s.Init, "script init"), Traits: c.traitDefs(s.Traits)})
	}
	if c.err != nil {
		return nil, c.err
	}
	return p, nil
}

func (c *converter) optional(v Value) vm.OptionalValue {
	return vm.OptionalValue{Kind: vm.ConstKind(v.Kind), Index: c.toInt(v.Index, "constant index")}
}

func (c *converter) methodInfo(m Method) *vm.MethodInfo {
	out := &vm.MethodInfo{
		Name:       m.Name,
		ReturnType: c.toInt(m.ReturnType, "return type"),
		Flags:      vm.MethodFlags(m.Flags),
	}
	for _, t := range m.ParamTypes {
		out.ParamTypes = append(out.ParamTypes, c.toInt(t, "param type"))
	}
	for _, v := range m.Optional {
		out.Optional = append(out.Optional, c.optional(v))
	}
	if b := m.Body; b != nil {
		out.Body = &vm.MethodBody{
			MaxStack:       c.toInt(b.MaxStack, "max stack"),
			LocalCount:     c.toInt(b.LocalCount, "local count"),
			InitScopeDepth: c.toInt(b.InitScopeDepth, "init scope depth"),
			MaxScopeDepth:  c.toInt(b.MaxScopeDepth, "max scope depth"),
			Code:           b.Code,
			Traits:         c.traitDefs(b.Traits),
		}
		for _, r := range b.Exceptions {
			out.Body.Exceptions = append(out.Body.Exceptions, vm.ExceptionRange{
				From:    c.toInt(r.From, "exception from"),
				To:      c.toInt(r.To, "exception to"),
				Target:  c.toInt(r.Target, "exception target"),
				Type:    c.toInt(r.Type, "exception type"),
				VarName: c.toInt(r.VarName, "exception name"),
			})
		}
	}
	return out
}

func (c *converter) traitDefs(ts []Trait) []vm.TraitDef {
	var out []vm.TraitDef
	for _, t := range ts {
		out = append(out, vm.TraitDef{
			Name:   t.Name,
			Kind:   vm.TraitKind(t.Kind),
			SlotID: c.toInt(t.SlotID, "slot id"),
			Type:   c.toInt(t.Type, "slot type"),
			Value:  c.optional(t.Value),
			Method: c.toInt(t.Method, "trait method"),
			Class:  c.toInt(t.Class, "trait class"),
		})
	}
	return out
}
