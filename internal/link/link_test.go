package link

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"errors"
	"reflect"
	"slices"
	"testing"

	"github.com/tinyrange/nativec/internal/asm"
	"github.com/tinyrange/nativec/internal/codegen"
	_ "github.com/tinyrange/nativec/internal/codegen/amd64"
	"github.com/tinyrange/nativec/internal/rt"
	"github.com/tinyrange/nativec/internal/target"
	"github.com/tinyrange/nativec/internal/tree"
)

func helloTree() *tree.Tree {
	b := tree.NewBuilder()
	b.Func("main", "main", nil, b.Print(b.Str("Hello, World!")), b.Return(tree.InvalidNode))
	return b.Build()
}

func emit(t *testing.T, tr *tree.Tree, format target.Format) asm.Program {
	t.Helper()
	prog, err := codegen.Emit(tr, target.ArchX86_64, format)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	return prog
}

func linkTree(t *testing.T, tr *tree.Tree, format target.Format, opts Options) *Image {
	t.Helper()
	img, err := Link(emit(t, tr, format), format, opts)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	return img
}

func TestLinkELF(t *testing.T) {
	img := linkTree(t, helloTree(), target.FormatELF, Options{})
	f, err := elf.NewFile(bytes.NewReader(img.Bytes()))
	if err != nil {
		t.Fatalf("elf.NewFile: %v", err)
	}
	defer f.Close()

	if f.Type != elf.ET_EXEC || f.Machine != elf.EM_X86_64 || f.Class != elf.ELFCLASS64 {
		t.Fatalf("header=%+v", f.FileHeader)
	}
	mainVA, ok := img.Lookup("main.main")
	if !ok || f.Entry != mainVA {
		t.Fatalf("entry=%#x, want main.main at %#x", f.Entry, mainVA)
	}

	var loads int
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		loads++
		if p.Off%p.Align != p.Vaddr%p.Align {
			t.Fatalf("segment %+v misaligned", p.ProgHeader)
		}
	}
	if loads != len(img.Sections) {
		t.Fatalf("PT_LOAD=%d, want %d", loads, len(img.Sections))
	}

	text := f.Section(".text")
	if text == nil || text.Flags&elf.SHF_EXECINSTR == 0 || text.Addr != img.Section(".text").VA {
		t.Fatalf(".text=%+v", text)
	}
	rodata := f.Section(".rodata")
	if rodata == nil || rodata.Flags&(elf.SHF_EXECINSTR|elf.SHF_WRITE) != 0 {
		t.Fatalf(".rodata=%+v", rodata)
	}
	data, err := rodata.Data()
	if err != nil || !bytes.HasPrefix(data, []byte("Hello, World!")) {
		t.Fatalf(".rodata=%q err=%v", data, err)
	}

	syms, err := f.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	var names []string
	for _, s := range syms {
		names = append(names, s.Name)
		if s.Name == "main.main" && (elf.ST_BIND(s.Info) != elf.STB_GLOBAL || s.Value != mainVA) {
			t.Fatalf("main.main=%+v", s)
		}
	}
	for _, want := range []string{"main.main", "rt.write", "rt.exit", ".str.0"} {
		if !slices.Contains(names, want) {
			t.Fatalf("symbols=%v, missing %s", names, want)
		}
	}
}

func TestLinkPE(t *testing.T) {
	img := linkTree(t, helloTree(), target.FormatPE, Options{})
	f, err := pe.NewFile(bytes.NewReader(img.Bytes()))
	if err != nil {
		t.Fatalf("pe.NewFile: %v", err)
	}
	defer f.Close()

	if f.Machine != pe.IMAGE_FILE_MACHINE_AMD64 {
		t.Fatalf("machine=%#x", f.Machine)
	}
	opt, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		t.Fatalf("optional header %T, want PE32+", f.OptionalHeader)
	}
	if opt.Subsystem != pe.IMAGE_SUBSYSTEM_WINDOWS_CUI {
		t.Fatalf("subsystem=%d, want console", opt.Subsystem)
	}
	mainVA, _ := img.Lookup("main.main")
	if opt.ImageBase+uint64(opt.AddressOfEntryPoint) != mainVA {
		t.Fatalf("entry=%#x, want %#x", opt.ImageBase+uint64(opt.AddressOfEntryPoint), mainVA)
	}
	if opt.SizeOfImage%opt.SectionAlignment != 0 || opt.SizeOfHeaders%opt.FileAlignment != 0 {
		t.Fatalf("sizes image=%#x headers=%#x", opt.SizeOfImage, opt.SizeOfHeaders)
	}

	imports, err := f.ImportedSymbols()
	if err != nil {
		t.Fatalf("ImportedSymbols: %v", err)
	}
	slices.Sort(imports)
	want := []string{"ExitProcess:kernel32.dll", "GetStdHandle:kernel32.dll", "WriteFile:kernel32.dll"}
	if !reflect.DeepEqual(imports, want) {
		t.Fatalf("imports=%v, want %v", imports, want)
	}
	if text := f.Section(".text"); text == nil || text.Characteristics&pe.IMAGE_SCN_MEM_EXECUTE == 0 {
		t.Fatalf(".text=%+v", text)
	}
}

func TestRelocationsPointAtTargets(t *testing.T) {
	for _, format := range []target.Format{target.FormatELF, target.FormatPE} {
		prog := emit(t, helloTree(), format)
		img, err := Link(prog, format, Options{})
		if err != nil {
			t.Fatalf("%s: Link: %v", format, err)
		}
		text := img.Section(".text")
		for _, rel := range prog.Relocations() {
			want, ok := img.Lookup(rel.Symbol)
			if !ok {
				t.Fatalf("%s: %s not in image", format, rel.Symbol)
			}
			disp := int32(binary.LittleEndian.Uint32(text.Data[rel.Offset:]))
			got := uint64(int64(text.VA) + int64(rel.Offset) + 4 + int64(disp))
			if got != want {
				t.Fatalf("%s: %s resolved to %#x, want %#x", format, rel.Symbol, got, want)
			}
		}
	}
}

func TestUnresolvedRuntimeHelper(t *testing.T) {
	b := tree.NewBuilder()
	b.Func("main", "main", nil, b.Runtime("rt.missing", b.Int(1)))
	_, err := Link(emit(t, b.Build(), target.FormatELF), target.FormatELF, Options{})
	if !errors.Is(err, ErrUnresolvedSymbol) {
		t.Fatalf("err=%v, want ErrUnresolvedSymbol", err)
	}
	var us *UnresolvedSymbolError
	if !errors.As(err, &us) || us.Name != "rt.missing" || us.Unit != "main" {
		t.Fatalf("err=%+v", err)
	}
}

func crossUnitTree(export bool) *tree.Tree {
	b := tree.NewBuilder()
	b.Func("app", "main", nil, b.Return(b.Call("lib.seven")))
	fn := b.Func("lib", "seven", nil, b.Return(b.Int(7)))
	if export {
		b.Export(fn)
	}
	b.SetEntry("app.main")
	return b.Build()
}

func TestCrossUnitVisibility(t *testing.T) {
	_, err := Link(emit(t, crossUnitTree(false), target.FormatELF), target.FormatELF, Options{})
	var us *UnresolvedSymbolError
	if !errors.As(err, &us) || !us.Hidden || us.Name != "lib.seven" {
		t.Fatalf("err=%v, want hidden lib.seven", err)
	}
	linkTree(t, crossUnitTree(false), target.FormatELF, Options{LTO: true})
	linkTree(t, crossUnitTree(true), target.FormatELF, Options{})
}

func TestAddRuntimeStubsClosure(t *testing.T) {
	b := tree.NewBuilder()
	b.Func("main", "main", nil, b.Print(b.Int(5)))
	stubs := AddRuntimeStubs(emit(t, b.Build(), target.FormatELF), target.ArchX86_64, target.FormatELF)
	var names []string
	for _, s := range stubs {
		names = append(names, s.Name)
	}
	want := []string{tree.RuntimePrintInt, tree.RuntimeExit, tree.RuntimeWrite}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("stubs=%v, want %v", names, want)
	}
}

func TestProgramSymbolShadowsStub(t *testing.T) {
	syms := asm.NewSymbolTable()
	syms.Define(asm.Symbol{Name: "start", Section: asm.SectionText, Offset: 0, Size: 5, Exported: true})
	syms.Define(asm.Symbol{Name: tree.RuntimeExit, Section: asm.SectionText, Offset: 5, Size: 1})
	code := []byte{0xE8, 0, 0, 0, 0, 0xC3}
	relocs := []asm.Relocation{{Offset: 1, Symbol: tree.RuntimeExit, Kind: asm.RelocPC32}}
	prog := asm.NewProgram(code, nil, syms, relocs, "start")

	if stubs := AddRuntimeStubs(prog, target.ArchX86_64, target.FormatELF); len(stubs) != 0 {
		t.Fatalf("stubs=%v, want none", stubs)
	}
	img, err := Link(prog, target.FormatELF, Options{})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if img.Section(".rt") != nil {
		t.Fatalf("empty stub section emitted")
	}
	if disp := binary.LittleEndian.Uint32(img.Section(".text").Data[1:]); disp != 0 {
		t.Fatalf("disp=%d, want 0", disp)
	}
}

func TestRelocationOutsideSection(t *testing.T) {
	syms := asm.NewSymbolTable()
	syms.Define(asm.Symbol{Name: "start", Section: asm.SectionText, Size: 2})
	relocs := []asm.Relocation{{Offset: 1, Symbol: "start", Kind: asm.RelocAbs64}}
	prog := asm.NewProgram([]byte{0x90, 0xC3}, nil, syms, relocs, "start")
	if _, err := Link(prog, target.FormatELF, Options{}); err == nil {
		t.Fatalf("Link accepted a relocation past the end of .text")
	}
}

func TestAbs64Relocation(t *testing.T) {
	syms := asm.NewSymbolTable()
	syms.Define(asm.Symbol{Name: "start", Section: asm.SectionText, Size: 10})
	code := []byte{0x48, 0xB8, 0, 0, 0, 0, 0, 0, 0, 0}
	relocs := []asm.Relocation{{Offset: 2, Symbol: "start", Kind: asm.RelocAbs64, Addend: 3}}
	img, err := Link(asm.NewProgram(code, nil, syms, relocs, "start"), target.FormatELF, Options{})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	text := img.Section(".text")
	if got := binary.LittleEndian.Uint64(text.Data[2:]); got != text.VA+3 {
		t.Fatalf("abs64=%#x, want %#x", got, text.VA+3)
	}
}

func TestLinkIsDeterministic(t *testing.T) {
	for _, format := range []target.Format{target.FormatELF, target.FormatPE} {
		a := linkTree(t, helloTree(), format, Options{})
		b := linkTree(t, helloTree(), format, Options{})
		if !bytes.Equal(a.Bytes(), b.Bytes()) {
			t.Fatalf("%s images differ", format)
		}
	}
}

func TestUnsupportedFormatAndArch(t *testing.T) {
	prog := emit(t, helloTree(), target.FormatELF)
	if _, err := Link(prog, target.Format("macho"), Options{}); err == nil {
		t.Fatalf("Link accepted an unknown format")
	}
	if _, err := Link(prog, target.FormatELF, Options{Arch: target.ArchARM64}); err == nil {
		t.Fatalf("Link accepted arm64")
	}
}

func TestImportPlanGroupsLibraries(t *testing.T) {
	f := peFormat{}
	imports := []rt.Import{
		{Library: "kernel32.dll", Name: "ExitProcess"},
		{Library: "user32.dll", Name: "MessageBoxA"},
		{Library: "kernel32.dll", Name: "WriteFile"},
	}
	sized, _, err := f.ImportSection(imports, 0)
	if err != nil {
		t.Fatalf("ImportSection: %v", err)
	}
	raw, slots, err := f.ImportSection(imports, peImageBase+0x3000)
	if err != nil {
		t.Fatalf("ImportSection: %v", err)
	}
	if len(raw) != len(sized) {
		t.Fatalf("size depends on address: %d vs %d", len(raw), len(sized))
	}
	p := planImports(imports)
	if len(p.dlls) != 2 || len(p.dlls[0].funcs) != 2 {
		t.Fatalf("plan=%+v", p.dlls)
	}
	// kernel32 IAT: ExitProcess, WriteFile, null; then user32.
	if slots["__imp_WriteFile"] != slots["__imp_ExitProcess"]+8 || slots["__imp_MessageBoxA"] != slots["__imp_ExitProcess"]+24 {
		t.Fatalf("slots=%v", slots)
	}
	thunk := binary.LittleEndian.Uint64(raw[slots["__imp_WriteFile"]:])
	if name := raw[thunk-0x3000+2:]; !bytes.HasPrefix(name, []byte("WriteFile\x00")) {
		t.Fatalf("hint/name=%q", name[:10])
	}
}
