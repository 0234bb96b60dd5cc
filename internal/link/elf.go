package link

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/nativec/internal/asm"
	"github.com/tinyrange/nativec/internal/rt"
	"github.com/tinyrange/nativec/internal/target"
)

const (
	elfBaseAddress       = 0x400000
	elfPageSize          = 0x1000
	elfHeaderSize        = 64
	elfProgramHeaderSize = 56
	elfSectionHeaderSize = 64
	elfSymbolSize        = 24
)

// elfFormat writes static ET_EXEC images: one PT_LOAD per section plus a
// PT_GNU_STACK marking the stack non-executable, followed by a section
// table with a symbol table for debuggers.
type elfFormat struct{}

func (elfFormat) Tag() target.Format { return target.FormatELF }

func (elfFormat) CheckArch(arch target.Arch) error {
	if arch != target.ArchX86_64 {
		return fmt.Errorf("link: elf: unsupported architecture %s", arch)
	}
	return nil
}

func (elfFormat) BaseAddress() uint64 { return elfBaseAddress }

func (elfFormat) HeaderSize(sections int) uint64 {
	return elfHeaderSize + elfProgramHeaderSize*uint64(sections+1)
}

func (elfFormat) FileAlignment() uint64    { return elfPageSize }
func (elfFormat) SectionAlignment() uint64 { return elfPageSize }

func (elfFormat) ImportSection(imports []rt.Import, _ uint64) ([]byte, map[string]uint64, error) {
	if len(imports) > 0 {
		return nil, nil, fmt.Errorf("link: elf: dynamic import %s from %s is not supported", imports[0].Name, imports[0].Library)
	}
	return nil, nil, nil
}

type stringTable struct {
	buf []byte
}

func newStringTable() *stringTable {
	return &stringTable{buf: []byte{0}}
}

func (s *stringTable) add(name string) uint32 {
	off := uint32(len(s.buf))
	s.buf = append(s.buf, name...)
	s.buf = append(s.buf, 0)
	return off
}

func progFlags(p Perm) elf.ProgFlag {
	var f elf.ProgFlag
	if p&PermRead != 0 {
		f |= elf.PF_R
	}
	if p&PermWrite != 0 {
		f |= elf.PF_W
	}
	if p&PermExec != 0 {
		f |= elf.PF_X
	}
	return f
}

func sectionFlags(p Perm) elf.SectionFlag {
	f := elf.SHF_ALLOC
	if p&PermWrite != 0 {
		f |= elf.SHF_WRITE
	}
	if p&PermExec != 0 {
		f |= elf.SHF_EXECINSTR
	}
	return f
}

func (f elfFormat) Serialize(img *Image, end uint64) ([]byte, error) {
	out := make([]byte, end)
	for _, sec := range img.Sections {
		copy(out[sec.Offset:], sec.Data)
	}

	index := make(map[string]int, len(img.Sections))
	for i, sec := range img.Sections {
		index[sec.Name] = i + 1
	}

	// Locals must precede globals in the symbol table.
	names := newStringTable()
	syms := []elf.Sym64{{}}
	var globals []elf.Sym64
	for _, sym := range img.Symbols {
		shndx, ok := index[string(sym.Section)]
		if !ok {
			continue
		}
		typ := elf.STT_FUNC
		if sym.Section == asm.SectionData {
			typ = elf.STT_OBJECT
		}
		bind := elf.STB_LOCAL
		if sym.Exported {
			bind = elf.STB_GLOBAL
		}
		entry := elf.Sym64{
			Name:  names.add(sym.Name),
			Info:  elf.ST_INFO(bind, typ),
			Shndx: uint16(shndx),
			Value: sym.VA,
			Size:  uint64(sym.Size),
		}
		if bind == elf.STB_GLOBAL {
			globals = append(globals, entry)
		} else {
			syms = append(syms, entry)
		}
	}
	firstGlobal := len(syms)
	syms = append(syms, globals...)

	shnames := newStringTable()
	headers := []elf.Section64{{}}
	for _, sec := range img.Sections {
		headers = append(headers, elf.Section64{
			Name:      shnames.add(sec.Name),
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(sectionFlags(sec.Perm)),
			Addr:      sec.VA,
			Off:       sec.Offset,
			Size:      uint64(len(sec.Data)),
			Addralign: 16,
		})
	}

	var tail bytes.Buffer
	symtabOff := end
	if err := binary.Write(&tail, binary.LittleEndian, syms); err != nil {
		return nil, fmt.Errorf("link: elf: %w", err)
	}
	strtabOff := end + uint64(tail.Len())
	tail.Write(names.buf)

	symtabIndex := len(headers)
	headers = append(headers,
		elf.Section64{
			Name:      shnames.add(".symtab"),
			Type:      uint32(elf.SHT_SYMTAB),
			Off:       symtabOff,
			Size:      uint64(len(syms) * elfSymbolSize),
			Link:      uint32(symtabIndex + 1),
			Info:      uint32(firstGlobal),
			Addralign: 8,
			Entsize:   elfSymbolSize,
		},
		elf.Section64{
			Name:      shnames.add(".strtab"),
			Type:      uint32(elf.SHT_STRTAB),
			Off:       strtabOff,
			Size:      uint64(len(names.buf)),
			Addralign: 1,
		},
	)
	shstrIndex := len(headers)
	shstrName := shnames.add(".shstrtab")
	shstrOff := end + uint64(tail.Len())
	headers = append(headers, elf.Section64{
		Name:      shstrName,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       shstrOff,
		Size:      uint64(len(shnames.buf)),
		Addralign: 1,
	})
	tail.Write(shnames.buf)
	for (end+uint64(tail.Len()))%8 != 0 {
		tail.WriteByte(0)
	}
	shoff := end + uint64(tail.Len())
	if err := binary.Write(&tail, binary.LittleEndian, headers); err != nil {
		return nil, fmt.Errorf("link: elf: %w", err)
	}

	progs := make([]elf.Prog64, 0, len(img.Sections)+1)
	for _, sec := range img.Sections {
		progs = append(progs, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(progFlags(sec.Perm)),
			Off:    sec.Offset,
			Vaddr:  sec.VA,
			Paddr:  sec.VA,
			Filesz: uint64(len(sec.Data)),
			Memsz:  uint64(len(sec.Data)),
			Align:  elfPageSize,
		})
	}
	progs = append(progs, elf.Prog64{
		Type:  uint32(elf.PT_GNU_STACK),
		Flags: uint32(elf.PF_R | elf.PF_W),
		Align: 16,
	})

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     elfHeaderSize,
		Shoff:     shoff,
		Ehsize:    elfHeaderSize,
		Phentsize: elfProgramHeaderSize,
		Phnum:     uint16(len(progs)),
		Shentsize: elfSectionHeaderSize,
		Shnum:     uint16(len(headers)),
		Shstrndx:  uint16(shstrIndex),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	var head bytes.Buffer
	if err := binary.Write(&head, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("link: elf: %w", err)
	}
	if err := binary.Write(&head, binary.LittleEndian, progs); err != nil {
		return nil, fmt.Errorf("link: elf: %w", err)
	}
	if uint64(head.Len()) > f.HeaderSize(len(img.Sections)) {
		return nil, fmt.Errorf("link: elf: headers overflow reserved space")
	}
	copy(out, head.Bytes())

	return append(out, tail.Bytes()...), nil
}
