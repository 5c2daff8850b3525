package image

import (
	"fmt"

	"github.com/chazu/avm2/vm"
	"github.com/fxamacker/cbor/v2"
)

// TranslationDump is a diagnostic snapshot of a translated method.
type TranslationDump struct {
	Method     string      `cbor:"1,keyasint"`
	Blocks     int         `cbor:"2,keyasint"`
	Code       []DumpInstr `cbor:"3,keyasint"`
	Exceptions []Exception `cbor:"4,keyasint,omitempty"`
	Sites      []DumpSite  `cbor:"5,keyasint,omitempty"`
}

// DumpInstr is one rendered translated instruction.
type DumpInstr struct {
	Origin uint32 `cbor:"1,keyasint"`
	Op     string `cbor:"2,keyasint"`
	Text   string `cbor:"3,keyasint"`
}

// DumpSite describes one inline cache site and its state at dump time.
type DumpSite struct {
	Op     string `cbor:"1,keyasint"`
	Name   string `cbor:"2,keyasint"`
	Origin uint32 `cbor:"3,keyasint"`
	State  string `cbor:"4,keyasint,omitempty"`
	Hits   uint64 `cbor:"5,keyasint,omitempty"`
	Misses uint64 `cbor:"6,keyasint,omitempty"`
}

// DumpTranslation snapshots tr, including the cache state of its method.
func DumpTranslation(tr *vm.Translation) (*TranslationDump, error) {
	c := &converter{}
	d := &TranslationDump{Method: tr.Method.String(), Blocks: tr.Blocks}
	for i := range tr.Code {
		in := &tr.Code[i]
		d.Code = append(d.Code, DumpInstr{
			Origin: c.u32(in.Origin, "origin"),
			Op:     in.Op.String(),
			Text:   vm.FormatInstr(in),
		})
	}
	for _, r := range tr.Exceptions {
		d.Exceptions = append(d.Exceptions, Exception{
			From:    c.u32(r.From, "exception from"),
			To:      c.u32(r.To, "exception to"),
			Target:  c.u32(r.Target, "exception target"),
			Type:    c.u32(r.Type, "exception type"),
			VarName: c.u32(r.VarName, "exception name"),
		})
	}
	caches := tr.Method.Caches()
	for i, s := range tr.Sites {
		site := DumpSite{Op: s.Op.String(), Name: s.Name, Origin: c.u32(s.Origin, "site origin")}
		if caches != nil && i < caches.Len() {
			ic := caches.Get(i)
			site.State = ic.State().String()
			site.Hits = ic.Hits()
			site.Misses = ic.Misses()
		}
		d.Sites = append(d.Sites, site)
	}
	if c.err != nil {
		return nil, c.err
	}
	return d, nil
}

// MarshalDump serializes a translation dump to canonical CBOR.
func MarshalDump(d *TranslationDump) ([]byte, error) {
	return encMode.Marshal(d)
}

// UnmarshalDump deserializes a translation dump.
func UnmarshalDump(data []byte) (*TranslationDump, error) {
	var d TranslationDump
	if err := cbor.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("image: unmarshal dump: %w", err)
	}
	return &d, nil
}
