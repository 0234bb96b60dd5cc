package rt

import (
	"reflect"
	"testing"

	"github.com/tinyrange/nativec/internal/asm"
	"github.com/tinyrange/nativec/internal/asm/testutil"
	"github.com/tinyrange/nativec/internal/target"
	"github.com/tinyrange/nativec/internal/tree"
)

func TestStubsRegistered(t *testing.T) {
	want := []string{tree.RuntimeExit, tree.RuntimePrintInt, tree.RuntimeWrite}
	for _, format := range []target.Format{target.FormatELF, target.FormatPE} {
		if got := Names(target.ArchX86_64, format); !reflect.DeepEqual(got, want) {
			t.Fatalf("%s stubs=%v, want %v", format, got, want)
		}
	}
	if got := Names(target.ArchARM64, target.FormatELF); len(got) != 0 {
		t.Fatalf("arm64 stubs=%v, want none", got)
	}
	if _, ok := Lookup(target.ArchX86_64, target.FormatELF, "rt.missing"); ok {
		t.Fatalf("Lookup found rt.missing")
	}
}

func TestPrintIntDependsOnWrite(t *testing.T) {
	for _, format := range []target.Format{target.FormatELF, target.FormatPE} {
		stub, ok := Lookup(target.ArchX86_64, format, tree.RuntimePrintInt)
		if !ok {
			t.Fatalf("%s: print_int missing", format)
		}
		if deps := stub.Deps(); !reflect.DeepEqual(deps, []string{tree.RuntimeWrite}) {
			t.Fatalf("%s: deps=%v", format, deps)
		}
		rel := stub.Code.Relocations[0]
		if rel.Kind != asm.RelocPC32 || stub.Code.Bytes[rel.Offset-1] != 0xE8 {
			t.Fatalf("%s: reloc=%+v", format, rel)
		}
	}
}

func TestWindowsStubsCallThroughImports(t *testing.T) {
	write, _ := Lookup(target.ArchX86_64, target.FormatPE, tree.RuntimeWrite)
	if deps := write.Deps(); !reflect.DeepEqual(deps, []string{"__imp_GetStdHandle", "__imp_WriteFile"}) {
		t.Fatalf("deps=%v", deps)
	}
	if len(write.Imports) != 2 || write.Imports[1].Library != "kernel32.dll" {
		t.Fatalf("imports=%+v", write.Imports)
	}
	for _, rel := range write.Code.Relocations {
		// call qword ptr [rip+disp32]
		if b := write.Code.Bytes[rel.Offset-2 : rel.Offset]; b[0] != 0xFF || b[1] != 0x15 {
			t.Fatalf("%s referenced by % x", rel.Symbol, b)
		}
	}
	exit, _ := Lookup(target.ArchX86_64, target.FormatPE, tree.RuntimeExit)
	if len(exit.Imports) != 1 || exit.Imports[0].Symbol() != "__imp_ExitProcess" {
		t.Fatalf("imports=%+v", exit.Imports)
	}
}

func TestLinuxStubsUseSyscalls(t *testing.T) {
	for _, name := range []string{tree.RuntimeWrite, tree.RuntimeExit} {
		stub, _ := Lookup(target.ArchX86_64, target.FormatELF, name)
		if len(stub.Code.Relocations) != 0 || len(stub.Imports) != 0 {
			t.Fatalf("%s has external references: %+v", name, stub.Code.Relocations)
		}
		lines := testutil.DisassembleWithObjdump(t, stub.Code.Bytes, testutil.MachineX86_64, "-M", "att")
		if _, ok := testutil.FindMnemonic(lines, "syscall"); !ok {
			t.Fatalf("%s has no syscall:\n%v", name, lines)
		}
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	stub := Stub{Name: "rt.test", Code: asm.Code{Bytes: []byte{0xC3}}}
	Register(target.Arch("test"), target.FormatELF, stub)
	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate Register did not panic")
		}
	}()
	Register(target.Arch("test"), target.FormatELF, stub)
}
