package codegen

import (
	"errors"
	"testing"

	"github.com/tinyrange/nativec/internal/asm"
	"github.com/tinyrange/nativec/internal/target"
	"github.com/tinyrange/nativec/internal/tree"
)

func helloTree() *tree.Tree {
	b := tree.NewBuilder()
	b.Func("main", "main", nil, b.Print(b.Str("Hello, World!")), b.Return(tree.InvalidNode))
	return b.Build()
}

type stubBackend struct {
	calls []string
}

func (s *stubBackend) EmitFunction(fn *Function) (asm.Code, error) {
	s.calls = append(s.calls, fn.Ref.Symbol())
	fn.Data.String("shared")
	return asm.Code{
		Bytes:       []byte{0x90, 0xC3},
		Relocations: []asm.Relocation{{Offset: 0, Symbol: "rt.exit", Kind: asm.RelocPC32}},
	}, nil
}

func (s *stubBackend) Padding() byte { return 0xCC }

func TestEmitWithoutBackendIsUnsupported(t *testing.T) {
	tr := helloTree()
	_, err := Emit(tr, target.Arch("sparc64"), target.FormatELF)
	if !errors.Is(err, ErrUnsupportedConstruct) {
		t.Fatalf("err=%v, want ErrUnsupportedConstruct", err)
	}
	var uc *UnsupportedConstructError
	if !errors.As(err, &uc) {
		t.Fatalf("err=%T, want *UnsupportedConstructError", err)
	}
	if uc.Node != tr.Root || uc.Kind != tree.KindModule {
		t.Fatalf("node=%d kind=%s, want %d module", uc.Node, uc.Kind, tr.Root)
	}
}

func TestEmitRejectsMalformedTree(t *testing.T) {
	b := tree.NewBuilder()
	fn := b.Func("main", "main", nil, b.Return(tree.InvalidNode))
	b.Node(fn).Kids = []tree.NodeID{999}
	_, err := Emit(b.Build(), target.ArchX86_64, target.FormatELF)
	if !errors.Is(err, tree.ErrMalformedTree) {
		t.Fatalf("err=%v, want ErrMalformedTree", err)
	}
}

func TestEmitLaysOutFunctionsInSourceOrder(t *testing.T) {
	arch := target.Arch("test-layout")
	stub := &stubBackend{}
	RegisterBackend(arch, stub)

	b := tree.NewBuilder()
	b.Func("main", "main", nil, b.Return(tree.InvalidNode))
	b.Export(b.Func("lib", "f", nil, b.Return(b.Int(1))))
	b.Func("lib", "g", nil, b.Return(b.Int(2)))
	prog, err := Emit(b.Build(), arch, target.FormatELF)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	want := []string{"main.main", "lib.f", "lib.g"}
	if len(stub.calls) != len(want) {
		t.Fatalf("calls=%v, want %v", stub.calls, want)
	}
	for i, name := range want {
		if stub.calls[i] != name {
			t.Fatalf("calls=%v, want %v", stub.calls, want)
		}
		sym, ok := prog.Symbols().Lookup(name)
		if !ok {
			t.Fatalf("symbol %s missing", name)
		}
		if sym.Offset != i*FunctionAlignment || sym.Size != 2 || sym.Section != asm.SectionText {
			t.Fatalf("%s=%+v, want offset %d size 2", name, sym, i*FunctionAlignment)
		}
	}
	if f, _ := prog.Symbols().Lookup("lib.f"); !f.Exported || f.Unit != "lib" {
		t.Fatalf("lib.f=%+v, want exported in unit lib", f)
	}
	if g, _ := prog.Symbols().Lookup("lib.g"); g.Exported {
		t.Fatalf("lib.g exported")
	}
	if m, _ := prog.Symbols().Lookup("main.main"); !m.Exported {
		t.Fatalf("entry not exported")
	}

	code := prog.Code()
	if prog.CodeSize() != len(code) || len(code) != 2*FunctionAlignment+2 {
		t.Fatalf("code size=%d len=%d", prog.CodeSize(), len(code))
	}
	if code[2] != 0xCC || code[FunctionAlignment-1] != 0xCC {
		t.Fatalf("padding=%x, want int3", code[2:FunctionAlignment])
	}

	relocs := prog.Relocations()
	if len(relocs) != 3 {
		t.Fatalf("relocs=%d, want 3", len(relocs))
	}
	if relocs[1].Offset != FunctionAlignment || relocs[1].Unit != "lib" || relocs[0].Unit != "main" {
		t.Fatalf("relocs=%+v", relocs)
	}

	if string(prog.Data()) != "shared\x00" {
		t.Fatalf("data=%q", prog.Data())
	}
	if sym, ok := prog.Symbols().Lookup(".str.0"); !ok || sym.Section != asm.SectionData || sym.Size != 6 {
		t.Fatalf(".str.0=%+v ok=%v", sym, ok)
	}
	if prog.Entry() != "main.main" {
		t.Fatalf("entry=%q", prog.Entry())
	}
}

func TestRegisterBackendTwicePanics(t *testing.T) {
	arch := target.Arch("test-dup")
	RegisterBackend(arch, &stubBackend{})
	defer func() {
		if recover() == nil {
			t.Fatalf("second registration did not panic")
		}
	}()
	RegisterBackend(arch, &stubBackend{})
}

func TestUnsupportedReportsOrigin(t *testing.T) {
	tr := tree.New()
	id := tr.Add(tree.Node{Kind: tree.KindIntrinsic, Str: "cpuid", Origin: 42})
	fn := &Function{Tree: tr, Arch: target.ArchX86_64}
	err := fn.Unsupported(id, "no lowering")
	var uc *UnsupportedConstructError
	if !errors.As(err, &uc) {
		t.Fatalf("err=%T", err)
	}
	if uc.Node != 42 || uc.Name != "cpuid" || uc.Kind != tree.KindIntrinsic {
		t.Fatalf("err=%+v", uc)
	}
	want := "codegen: unsupported construct: node 42 (intrinsic cpuid) on x86_64: no lowering"
	if err.Error() != want {
		t.Fatalf("Error()=%q, want %q", err.Error(), want)
	}
}

func TestDataDeduplicatesStrings(t *testing.T) {
	d := NewData()
	a := d.String("hi")
	b := d.String("there")
	c := d.String("hi")
	if a != ".str.0" || b != ".str.1" || c != a {
		t.Fatalf("symbols=%s %s %s", a, b, c)
	}
	if string(d.Bytes()) != "hi\x00there\x00" {
		t.Fatalf("bytes=%q", d.Bytes())
	}
	if syms := d.Symbols(); len(syms) != 2 || syms[1].Offset != 3 || syms[1].Size != 5 {
		t.Fatalf("symbols=%+v", syms)
	}
}
