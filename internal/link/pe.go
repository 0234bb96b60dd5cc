package link

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/nativec/internal/rt"
	"github.com/tinyrange/nativec/internal/target"
)

const (
	peImageBase        = 0x140000000
	peFileAlignment    = 0x200
	peSectionAlignment = 0x1000
	peSignatureOffset  = 0x80
	peFileHeaderSize   = 20
	peOptionalSize     = 240
	peSectionSize      = 40
	peImportDescSize   = 20
	peThunkSize        = 8
)

// dosStub prints "This program cannot be run in DOS mode." when started
// under DOS.
var dosStub = []byte{
	0x0e, 0x1f, 0xba, 0x0e, 0x00, 0xb4, 0x09, 0xcd,
	0x21, 0xb8, 0x01, 0x4c, 0xcd, 0x21, 0x54, 0x68,
	0x69, 0x73, 0x20, 0x70, 0x72, 0x6f, 0x67, 0x72,
	0x61, 0x6d, 0x20, 0x63, 0x61, 0x6e, 0x6e, 0x6f,
	0x74, 0x20, 0x62, 0x65, 0x20, 0x72, 0x75, 0x6e,
	0x20, 0x69, 0x6e, 0x20, 0x44, 0x4f, 0x53, 0x20,
	0x6d, 0x6f, 0x64, 0x65, 0x2e, 0x0d, 0x0d, 0x0a,
	0x24, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// peFormat writes PE32+ console images for x64 Windows. Images carry no
// base relocations and load at their preferred base.
type peFormat struct{}

func (peFormat) Tag() target.Format { return target.FormatPE }

func (peFormat) CheckArch(arch target.Arch) error {
	if arch != target.ArchX86_64 {
		return fmt.Errorf("link: pe: unsupported architecture %s", arch)
	}
	return nil
}

func (peFormat) BaseAddress() uint64 { return peImageBase }

func (peFormat) HeaderSize(sections int) uint64 {
	return peSignatureOffset + 4 + peFileHeaderSize + peOptionalSize + peSectionSize*uint64(sections)
}

func (peFormat) FileAlignment() uint64    { return peFileAlignment }
func (peFormat) SectionAlignment() uint64 { return peSectionAlignment }

type dllImports struct {
	name  string
	funcs []rt.Import
}

// importPlan places the import directory, lookup tables, address tables,
// hint/name entries and library names, in that order.
type importPlan struct {
	dlls     []dllImports
	iltStart []uint32
	iatStart []uint32
	nameOff  []uint32
	hintOff  map[string]uint32
	iatOff   uint32
	iatSize  uint32
	size     uint32
	dirSize  uint32
}

func planImports(imports []rt.Import) importPlan {
	var p importPlan
	byLib := make(map[string]int)
	for _, imp := range imports {
		i, ok := byLib[imp.Library]
		if !ok {
			i = len(p.dlls)
			byLib[imp.Library] = i
			p.dlls = append(p.dlls, dllImports{name: imp.Library})
		}
		p.dlls[i].funcs = append(p.dlls[i].funcs, imp)
	}

	p.dirSize = uint32(len(p.dlls)+1) * peImportDescSize
	off := p.dirSize
	for _, dll := range p.dlls {
		p.iltStart = append(p.iltStart, off)
		off += uint32(len(dll.funcs)+1) * peThunkSize
	}
	p.iatOff = off
	for _, dll := range p.dlls {
		p.iatStart = append(p.iatStart, off)
		off += uint32(len(dll.funcs)+1) * peThunkSize
	}
	p.iatSize = off - p.iatOff

	p.hintOff = make(map[string]uint32)
	for _, dll := range p.dlls {
		for _, fn := range dll.funcs {
			p.hintOff[fn.Symbol()] = off
			off += 2 + uint32(len(fn.Name)) + 1
			off += off % 2
		}
	}
	for _, dll := range p.dlls {
		p.nameOff = append(p.nameOff, off)
		off += uint32(len(dll.name)) + 1
	}
	p.size = off
	return p
}

func (peFormat) ImportSection(imports []rt.Import, va uint64) ([]byte, map[string]uint64, error) {
	var rva uint32
	if va >= peImageBase {
		rva = uint32(va - peImageBase)
	}
	p := planImports(imports)
	buf := make([]byte, p.size)
	le := binary.LittleEndian
	slots := make(map[string]uint64, len(imports))

	for i, dll := range p.dlls {
		desc := buf[uint32(i)*peImportDescSize:]
		le.PutUint32(desc[0:], rva+p.iltStart[i])  // OriginalFirstThunk
		le.PutUint32(desc[12:], rva+p.nameOff[i])  // Name
		le.PutUint32(desc[16:], rva+p.iatStart[i]) // FirstThunk
		for j, fn := range dll.funcs {
			hint := uint64(rva + p.hintOff[fn.Symbol()])
			le.PutUint64(buf[p.iltStart[i]+uint32(j)*peThunkSize:], hint)
			le.PutUint64(buf[p.iatStart[i]+uint32(j)*peThunkSize:], hint)
			slots[fn.Symbol()] = uint64(p.iatStart[i] + uint32(j)*peThunkSize)
			copy(buf[p.hintOff[fn.Symbol()]+2:], fn.Name)
		}
		copy(buf[p.nameOff[i]:], dll.name)
	}
	return buf, slots, nil
}

func peCharacteristics(p Perm) uint32 {
	var c uint32 = pe.IMAGE_SCN_MEM_READ
	if p&PermExec != 0 {
		c |= pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE
	} else {
		c |= pe.IMAGE_SCN_CNT_INITIALIZED_DATA
	}
	if p&PermWrite != 0 {
		c |= pe.IMAGE_SCN_MEM_WRITE
	}
	return c
}

func (f peFormat) Serialize(img *Image, end uint64) ([]byte, error) {
	out := make([]byte, end)
	for _, sec := range img.Sections {
		copy(out[sec.Offset:], sec.Data)
	}

	out[0], out[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(out[0x3C:], peSignatureOffset)
	copy(out[0x40:], dosStub)

	opt := pe.OptionalHeader64{
		Magic:                       0x20B,
		MajorLinkerVersion:          1,
		AddressOfEntryPoint:         uint32(img.Entry - peImageBase),
		ImageBase:                   peImageBase,
		SectionAlignment:            peSectionAlignment,
		FileAlignment:               peFileAlignment,
		MajorOperatingSystemVersion: 6,
		MajorSubsystemVersion:       6,
		SizeOfHeaders:               uint32(alignUp(f.HeaderSize(len(img.Sections)), peFileAlignment)),
		Subsystem:                   pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
		DllCharacteristics:          pe.IMAGE_DLLCHARACTERISTICS_NX_COMPAT | pe.IMAGE_DLLCHARACTERISTICS_TERMINAL_SERVER_AWARE,
		SizeOfStackReserve:          0x100000,
		SizeOfStackCommit:           0x1000,
		SizeOfHeapReserve:           0x100000,
		SizeOfHeapCommit:            0x1000,
		NumberOfRvaAndSizes:         16,
	}

	var headers []pe.SectionHeader32
	for _, sec := range img.Sections {
		rva := uint32(sec.VA - peImageBase)
		raw := uint32(alignUp(uint64(len(sec.Data)), peFileAlignment))
		h := pe.SectionHeader32{
			VirtualSize:      uint32(len(sec.Data)),
			VirtualAddress:   rva,
			SizeOfRawData:    raw,
			PointerToRawData: uint32(sec.Offset),
			Characteristics:  peCharacteristics(sec.Perm),
		}
		copy(h.Name[:], sec.Name)
		headers = append(headers, h)

		if sec.Perm&PermExec != 0 {
			if opt.BaseOfCode == 0 {
				opt.BaseOfCode = rva
			}
			opt.SizeOfCode += raw
		} else {
			opt.SizeOfInitializedData += raw
		}
		opt.SizeOfImage = uint32(alignUp(uint64(rva)+uint64(len(sec.Data)), peSectionAlignment))
	}
	if idata := img.Section(".idata"); idata != nil {
		p := planImports(img.Imports)
		rva := uint32(idata.VA - peImageBase)
		opt.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_IMPORT] = pe.DataDirectory{VirtualAddress: rva, Size: p.dirSize}
		opt.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_IAT] = pe.DataDirectory{VirtualAddress: rva + p.iatOff, Size: p.iatSize}
	}

	file := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     uint16(len(img.Sections)),
		SizeOfOptionalHeader: peOptionalSize,
		Characteristics:      pe.IMAGE_FILE_RELOCS_STRIPPED | pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_LARGE_ADDRESS_AWARE,
	}

	var head bytes.Buffer
	head.WriteString("PE\x00\x00")
	for _, v := range []any{&file, &opt, headers} {
		if err := binary.Write(&head, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("link: pe: %w", err)
		}
	}
	if uint64(peSignatureOffset+head.Len()) > f.HeaderSize(len(img.Sections)) {
		return nil, fmt.Errorf("link: pe: headers overflow reserved space")
	}
	copy(out[peSignatureOffset:], head.Bytes())
	return out, nil
}
