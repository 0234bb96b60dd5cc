package asm

import (
	"fmt"
)

// Section names the output section a symbol lives in.
type Section string

const (
	SectionText   Section = ".text"
	SectionData   Section = ".rodata"
	SectionStubs  Section = ".rt"
	SectionImport Section = ".idata"
)

type Symbol struct {
	Name    string
	Section Section
	Offset  int
	Size    int
	// Unit is the compilation unit that defined the symbol. Empty for data,
	// stubs and imports, which are visible everywhere.
	Unit     string
	Exported bool
}

// SymbolTable maps unique names to their location. Iteration order is the
// definition order.
type SymbolTable struct {
	syms  []Symbol
	index map[string]int
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{index: make(map[string]int)}
}

// Define adds sym, failing if the name is already taken.
func (t *SymbolTable) Define(sym Symbol) error {
	if sym.Name == "" {
		return fmt.Errorf("asm: symbol name must be non-empty")
	}
	if _, exists := t.index[sym.Name]; exists {
		return fmt.Errorf("asm: symbol %q already defined", sym.Name)
	}
	t.index[sym.Name] = len(t.syms)
	t.syms = append(t.syms, sym)
	return nil
}

func (t *SymbolTable) Lookup(name string) (Symbol, bool) {
	if t == nil {
		return Symbol{}, false
	}
	idx, ok := t.index[name]
	if !ok {
		return Symbol{}, false
	}
	return t.syms[idx], true
}

func (t *SymbolTable) Symbols() []Symbol {
	if t == nil {
		return nil
	}
	return append([]Symbol(nil), t.syms...)
}

func (t *SymbolTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.syms)
}

func (t *SymbolTable) Clone() *SymbolTable {
	out := NewSymbolTable()
	if t == nil {
		return out
	}
	out.syms = append(out.syms, t.syms...)
	for name, idx := range t.index {
		out.index[name] = idx
	}
	return out
}

type RelocKind int

const (
	// RelocPC32 stores S + A - (P + 4) as a signed 32-bit value, the form
	// used by call rel32 and RIP-relative addressing.
	RelocPC32 RelocKind = iota
	// RelocAbs64 stores S + A as a 64-bit absolute address.
	RelocAbs64
)

func (k RelocKind) String() string {
	switch k {
	case RelocPC32:
		return "pc32"
	case RelocAbs64:
		return "abs64"
	default:
		return fmt.Sprintf("reloc(%d)", int(k))
	}
}

// Width returns how many bytes the relocated field occupies.
func (k RelocKind) Width() int {
	if k == RelocAbs64 {
		return 8
	}
	return 4
}

type Relocation struct {
	Offset int
	Symbol string
	Kind   RelocKind
	Addend int64
	// Unit is the compilation unit the referencing code belongs to.
	Unit string
}
