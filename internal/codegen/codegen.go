// Package codegen lowers an optimized program tree into a machine code
// buffer. Architecture specific lowering lives in subpackages that register
// themselves with RegisterBackend.
package codegen

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/nativec/internal/asm"
	"github.com/tinyrange/nativec/internal/target"
	"github.com/tinyrange/nativec/internal/tree"
)

// FunctionAlignment is the boundary every function symbol starts on. Gaps
// are filled with the backend's padding byte.
const FunctionAlignment = 16

var ErrUnsupportedConstruct = errors.New("unsupported construct")

// UnsupportedConstructError identifies the node that has no lowering on the
// configured architecture.
type UnsupportedConstructError struct {
	Node   tree.NodeID
	Kind   tree.Kind
	Name   string
	Arch   target.Arch
	Reason string
}

func (e *UnsupportedConstructError) Error() string {
	what := e.Kind.String()
	if e.Name != "" {
		what += " " + e.Name
	}
	msg := fmt.Sprintf("codegen: unsupported construct: node %d (%s) on %s", e.Node, what, e.Arch)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *UnsupportedConstructError) Is(target error) bool {
	return target == ErrUnsupportedConstruct
}

// Backend lowers one function at a time.
type Backend interface {
	// EmitFunction returns position independent code for fn. References to
	// other functions, runtime helpers and data are left as relocations with
	// offsets relative to the start of the returned bytes.
	EmitFunction(fn *Function) (asm.Code, error)
	// Padding is the byte used between functions.
	Padding() byte
}

// Function is the unit of work handed to a Backend.
type Function struct {
	Tree   *tree.Tree
	Ref    tree.FuncRef
	Entry  bool
	Arch   target.Arch
	Format target.Format
	Data   *Data
}

// Unsupported builds the error a backend returns for node id.
func (f *Function) Unsupported(id tree.NodeID, reason string) error {
	n := f.Tree.At(id)
	err := &UnsupportedConstructError{Node: id, Arch: f.Arch, Reason: reason}
	if n != nil {
		err.Kind = n.Kind
		err.Name = n.Str
		if n.Origin != tree.InvalidNode {
			err.Node = n.Origin
		}
	}
	return err
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[target.Arch]Backend)
)

// RegisterBackend wires an architecture-specific backend into Emit. It
// panics when attempting to register the same architecture more than once
// so mistakes are caught during init.
func RegisterBackend(arch target.Arch, backend Backend) {
	if arch == "" {
		panic("codegen: cannot register backend for empty architecture")
	}
	if backend == nil {
		panic("codegen: backend must be non-nil")
	}

	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, exists := backends[arch]; exists {
		panic(fmt.Sprintf("codegen: backend for %s already registered", arch))
	}
	backends[arch] = backend
}

func lookupBackend(arch target.Arch) (Backend, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	backend, ok := backends[arch]
	return backend, ok
}

// Emit lowers every function of t in source order into a single code
// buffer. The result is all or nothing: on error no program is returned.
func Emit(t *tree.Tree, arch target.Arch, format target.Format) (asm.Program, error) {
	if t == nil {
		return asm.Program{}, fmt.Errorf("codegen: tree must be non-nil")
	}
	if err := tree.Validate(t); err != nil {
		return asm.Program{}, fmt.Errorf("codegen: %w", err)
	}
	backend, ok := lookupBackend(arch)
	if !ok {
		node := t.Root
		if n := t.At(node); n != nil && n.Origin != tree.InvalidNode {
			node = n.Origin
		}
		return asm.Program{}, &UnsupportedConstructError{
			Node:   node,
			Kind:   tree.KindModule,
			Arch:   arch,
			Reason: "no code generator for architecture",
		}
	}

	var (
		code    []byte
		relocs  []asm.Relocation
		symbols = asm.NewSymbolTable()
		data    = NewData()
		entry   = t.EntryName()
	)
	for _, ref := range t.Funcs() {
		fn := &Function{
			Tree:   t,
			Ref:    ref,
			Entry:  ref.Symbol() == entry,
			Arch:   arch,
			Format: format,
			Data:   data,
		}
		out, err := backend.EmitFunction(fn)
		if err != nil {
			return asm.Program{}, err
		}

		for len(code)%FunctionAlignment != 0 {
			code = append(code, backend.Padding())
		}
		start := len(code)
		code = append(code, out.Bytes...)

		if err := symbols.Define(asm.Symbol{
			Name:     ref.Symbol(),
			Section:  asm.SectionText,
			Offset:   start,
			Size:     len(out.Bytes),
			Unit:     ref.Unit,
			Exported: fn.Entry || t.At(ref.ID).Has(tree.FlagExported),
		}); err != nil {
			return asm.Program{}, fmt.Errorf("codegen: %w", err)
		}
		for _, rel := range out.Relocations {
			rel.Offset += start
			rel.Unit = ref.Unit
			relocs = append(relocs, rel)
		}
	}

	for _, sym := range data.Symbols() {
		if err := symbols.Define(sym); err != nil {
			return asm.Program{}, fmt.Errorf("codegen: %w", err)
		}
	}

	return asm.NewProgram(code, data.Bytes(), symbols, relocs, entry), nil
}
