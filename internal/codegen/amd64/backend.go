package amd64

import (
	"github.com/tinyrange/nativec/internal/asm"
	"github.com/tinyrange/nativec/internal/asm/amd64"
	"github.com/tinyrange/nativec/internal/codegen"
	"github.com/tinyrange/nativec/internal/target"
)

func init() {
	codegen.RegisterBackend(target.ArchX86_64, backend{})
}

type backend struct{}

var _ codegen.Backend = backend{}

func (backend) EmitFunction(fn *codegen.Function) (asm.Code, error) {
	c, err := newCompiler(fn)
	if err != nil {
		return asm.Code{}, err
	}
	if err := c.compileFunction(); err != nil {
		return asm.Code{}, err
	}
	return amd64.EmitCode(c.fragments)
}

// Padding is int3 so a stray jump into the gap faults.
func (backend) Padding() byte { return 0xCC }

// Convention describes how arguments reach a callee.
type Convention struct {
	Params []asm.Variable
	// Shadow is the caller-reserved space above the return address.
	Shadow int32
}

var (
	SysV  = Convention{Params: []asm.Variable{amd64.RDI, amd64.RSI, amd64.RDX, amd64.RCX, amd64.R8, amd64.R9}}
	Win64 = Convention{Params: []asm.Variable{amd64.RCX, amd64.RDX, amd64.R8, amd64.R9}, Shadow: 32}
)

// ConventionFor returns the calling convention native to format.
func ConventionFor(format target.Format) Convention {
	if format == target.FormatPE {
		return Win64
	}
	return SysV
}
