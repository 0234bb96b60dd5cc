// Package link turns a machine code buffer into an executable image: it
// pulls in runtime stubs, lays out sections for the target format, resolves
// relocations and serializes the headers.
package link

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/tinyrange/nativec/internal/asm"
	"github.com/tinyrange/nativec/internal/rt"
	"github.com/tinyrange/nativec/internal/target"
)

var ErrUnresolvedSymbol = errors.New("unresolved symbol")

type UnresolvedSymbolError struct {
	Name string
	// Unit is the compilation unit holding the reference.
	Unit string
	// Hidden is set when the symbol exists but is private to another unit.
	Hidden bool
}

func (e *UnresolvedSymbolError) Error() string {
	msg := fmt.Sprintf("link: unresolved symbol %q", e.Name)
	if e.Unit != "" {
		msg += " referenced from unit " + e.Unit
	}
	if e.Hidden {
		msg += " (defined but not exported; enable LTO or export it)"
	}
	return msg
}

func (e *UnresolvedSymbolError) Is(target error) bool {
	return target == ErrUnresolvedSymbol
}

type Options struct {
	// Arch defaults to x86_64.
	Arch target.Arch
	// LTO merges every compilation unit into one namespace so private
	// functions are visible across units.
	LTO bool
}

// Perm is the access a section is mapped with.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

type Section struct {
	Name   string
	Perm   Perm
	Data   []byte
	VA     uint64
	Offset uint64
}

type ImageSymbol struct {
	Name     string
	Section  asm.Section
	VA       uint64
	Size     int
	Exported bool
}

// Image is a fully linked executable held in memory.
type Image struct {
	Format   target.Format
	Arch     target.Arch
	Base     uint64
	Entry    uint64
	Sections []*Section
	Symbols  []ImageSymbol
	Imports  []rt.Import

	raw []byte
}

// Bytes returns the serialized file contents.
func (img *Image) Bytes() []byte {
	return append([]byte(nil), img.raw...)
}

func (img *Image) Size() int {
	return len(img.raw)
}

func (img *Image) Section(name string) *Section {
	for _, sec := range img.Sections {
		if sec.Name == name {
			return sec
		}
	}
	return nil
}

// Lookup returns the final virtual address of a symbol.
func (img *Image) Lookup(name string) (uint64, bool) {
	for _, sym := range img.Symbols {
		if sym.Name == name {
			return sym.VA, true
		}
	}
	return 0, false
}

// Link lays out prog for format. The program's own symbols take precedence
// over runtime stubs of the same name.
func Link(prog asm.Program, format target.Format, opts Options) (*Image, error) {
	if opts.Arch == "" {
		opts.Arch = target.ArchX86_64
	}
	f, err := formatFor(format)
	if err != nil {
		return nil, err
	}
	if err := f.CheckArch(opts.Arch); err != nil {
		return nil, err
	}

	progSyms := prog.Symbols()
	stubs := AddRuntimeStubs(prog, opts.Arch, format)
	stubCode, stubSyms, stubRelocs := packStubs(stubs)
	imports := collectImports(stubs)

	text := &Section{Name: string(asm.SectionText), Perm: PermRead | PermExec, Data: prog.Code()}
	stubSec := &Section{Name: string(asm.SectionStubs), Perm: PermRead | PermExec, Data: stubCode}
	data := &Section{Name: string(asm.SectionData), Perm: PermRead, Data: prog.Data()}
	var idata *Section
	if len(imports) > 0 {
		// Sized first, rebuilt once its address is known.
		raw, _, err := f.ImportSection(imports, 0)
		if err != nil {
			return nil, err
		}
		idata = &Section{Name: string(asm.SectionImport), Perm: PermRead | PermWrite, Data: raw}
	}

	var sections []*Section
	for _, sec := range []*Section{text, stubSec, data, idata} {
		if sec != nil && len(sec.Data) > 0 {
			sections = append(sections, sec)
		}
	}
	end := layout(f, sections)

	syms := newNamespace(opts.LTO)
	for _, sym := range progSyms.Symbols() {
		sec := sectionFor(sym.Section, text, data)
		if sec == nil {
			return nil, fmt.Errorf("link: symbol %s in unknown section %s", sym.Name, sym.Section)
		}
		if err := syms.define(sym, sec.VA+uint64(sym.Offset)); err != nil {
			return nil, err
		}
	}
	for _, sym := range stubSyms {
		if err := syms.define(sym, stubSec.VA+uint64(sym.Offset)); err != nil {
			return nil, err
		}
	}
	if idata != nil {
		raw, slots, err := f.ImportSection(imports, idata.VA)
		if err != nil {
			return nil, err
		}
		idata.Data = raw
		for _, imp := range imports {
			sym := asm.Symbol{Name: imp.Symbol(), Section: asm.SectionImport, Offset: int(slots[imp.Symbol()]), Size: 8}
			if err := syms.define(sym, idata.VA+slots[imp.Symbol()]); err != nil {
				return nil, err
			}
		}
	}

	if err := applyRelocations(text, prog.Relocations(), syms); err != nil {
		return nil, err
	}
	if err := applyRelocations(stubSec, stubRelocs, syms); err != nil {
		return nil, err
	}

	entry, err := syms.resolve(prog.Entry(), "")
	if err != nil {
		return nil, err
	}
	if entry.sym.Section != asm.SectionText {
		return nil, fmt.Errorf("link: entry symbol %s is not code", prog.Entry())
	}

	img := &Image{
		Format:   format,
		Arch:     opts.Arch,
		Base:     f.BaseAddress(),
		Entry:    entry.va,
		Sections: sections,
		Symbols:  syms.list(),
		Imports:  imports,
	}
	raw, err := f.Serialize(img, end)
	if err != nil {
		return nil, err
	}
	img.raw = raw
	return img, nil
}

func sectionFor(name asm.Section, text, data *Section) *Section {
	switch name {
	case asm.SectionText:
		return text
	case asm.SectionData:
		return data
	}
	return nil
}

// layout assigns file offsets and addresses to sections in order and
// returns the end of the last section in the file.
func layout(f Format, sections []*Section) uint64 {
	header := f.HeaderSize(len(sections))
	off := alignUp(header, f.FileAlignment())
	va := f.BaseAddress() + alignUp(header, f.SectionAlignment())
	for _, sec := range sections {
		sec.Offset = off
		sec.VA = va
		off = alignUp(off+uint64(len(sec.Data)), f.FileAlignment())
		va = alignUp(va+uint64(len(sec.Data)), f.SectionAlignment())
	}
	return off
}

func applyRelocations(sec *Section, relocs []asm.Relocation, syms *namespace) error {
	for _, rel := range relocs {
		target, err := syms.resolve(rel.Symbol, rel.Unit)
		if err != nil {
			return err
		}
		if rel.Offset < 0 || rel.Offset+rel.Kind.Width() > len(sec.Data) {
			return fmt.Errorf("link: relocation against %s at %#x outside %s", rel.Symbol, rel.Offset, sec.Name)
		}
		s := int64(target.va) + rel.Addend
		p := int64(sec.VA) + int64(rel.Offset)
		switch rel.Kind {
		case asm.RelocPC32:
			v := s - (p + 4)
			if v < math.MinInt32 || v > math.MaxInt32 {
				return fmt.Errorf("link: relocation against %s at %#x out of rel32 range", rel.Symbol, p)
			}
			binary.LittleEndian.PutUint32(sec.Data[rel.Offset:], uint32(int32(v)))
		case asm.RelocAbs64:
			binary.LittleEndian.PutUint64(sec.Data[rel.Offset:], uint64(s))
		default:
			return fmt.Errorf("link: unknown relocation kind %s", rel.Kind)
		}
	}
	return nil
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
