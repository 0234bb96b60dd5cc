package asm

import (
	"fmt"
)

// Variable identifies a machine register on the architecture being emitted.
type Variable int

type Context interface {
	EmitBytes(data []byte)
	// Offset returns the current position in the code being emitted.
	Offset() int
	// Relocate records a relocation against symbol for the field starting at
	// offset.
	Relocate(offset int, kind RelocKind, symbol string, addend int64)

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// Code is the output of assembling a single fragment: position independent
// bytes plus the relocations that still reference symbols outside of it.
type Code struct {
	Bytes       []byte
	Relocations []Relocation
}

// Program is the machine code buffer handed from the emitter to the linker.
// Code and data are separate sections; symbols locate functions and
// constants inside them and relocations (all applied to the code section)
// reference symbols whose addresses are only known after layout.
type Program struct {
	code        []byte
	data        []byte
	symbols     *SymbolTable
	relocations []Relocation
	entry       string
}

func NewProgram(code, data []byte, symbols *SymbolTable, relocations []Relocation, entry string) Program {
	if symbols == nil {
		symbols = NewSymbolTable()
	}
	return Program{
		code:        append([]byte(nil), code...),
		data:        append([]byte(nil), data...),
		symbols:     symbols.Clone(),
		relocations: append([]Relocation(nil), relocations...),
		entry:       entry,
	}
}

func (p Program) Code() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Data() []byte {
	return append([]byte(nil), p.data...)
}

// CodeSize reports the exact size of the code buffer.
func (p Program) CodeSize() int {
	return len(p.code)
}

func (p Program) Symbols() *SymbolTable {
	if p.symbols == nil {
		return NewSymbolTable()
	}
	return p.symbols.Clone()
}

func (p Program) Relocations() []Relocation {
	return append([]Relocation(nil), p.relocations...)
}

// Entry names the symbol execution starts at.
func (p Program) Entry() string {
	return p.entry
}

func (p Program) Clone() Program {
	return NewProgram(p.code, p.data, p.symbols, p.relocations, p.entry)
}
