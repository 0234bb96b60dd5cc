package link

import (
	"github.com/tinyrange/nativec/internal/asm"
	"github.com/tinyrange/nativec/internal/rt"
	"github.com/tinyrange/nativec/internal/target"
)

// stubAlignment matches the code generator's function alignment.
const stubAlignment = 16

// AddRuntimeStubs returns the runtime stubs prog needs: every stub named by
// one of its relocations and not defined by the program itself, plus the
// stubs those depend on. The order is breadth-first from the program's
// references, so it is deterministic.
func AddRuntimeStubs(prog asm.Program, arch target.Arch, format target.Format) []rt.Stub {
	defined := prog.Symbols()
	var (
		queue []string
		out   []rt.Stub
		seen  = make(map[string]bool)
	)
	for _, rel := range prog.Relocations() {
		queue = append(queue, rel.Symbol)
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := defined.Lookup(name); ok {
			continue
		}
		stub, ok := rt.Lookup(arch, format, name)
		if !ok {
			continue
		}
		out = append(out, stub)
		queue = append(queue, stub.Deps()...)
	}
	return out
}

// packStubs concatenates stubs into the contents of the stub section.
func packStubs(stubs []rt.Stub) ([]byte, []asm.Symbol, []asm.Relocation) {
	var (
		code   []byte
		syms   []asm.Symbol
		relocs []asm.Relocation
	)
	for _, stub := range stubs {
		for len(code)%stubAlignment != 0 {
			code = append(code, 0xCC)
		}
		start := len(code)
		code = append(code, stub.Code.Bytes...)
		syms = append(syms, asm.Symbol{
			Name:    stub.Name,
			Section: asm.SectionStubs,
			Offset:  start,
			Size:    len(stub.Code.Bytes),
		})
		for _, rel := range stub.Code.Relocations {
			rel.Offset += start
			relocs = append(relocs, rel)
		}
	}
	return code, syms, relocs
}

// collectImports lists the imports of stubs once each, in first-use order.
func collectImports(stubs []rt.Stub) []rt.Import {
	var out []rt.Import
	seen := make(map[string]bool)
	for _, stub := range stubs {
		for _, imp := range stub.Imports {
			if !seen[imp.Symbol()] {
				seen[imp.Symbol()] = true
				out = append(out, imp)
			}
		}
	}
	return out
}
