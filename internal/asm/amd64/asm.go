package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/nativec/internal/asm"
)

const (
	RAX asm.Variable = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

type jump struct {
	label  asm.Label
	cond   Condition
	always bool
}

type callSymbol struct {
	symbol   string
	indirect bool
}

type leaSymbol struct {
	dst    Reg
	symbol string
	addend int64
}

type testZero struct {
	reg asm.Variable
}

type ret struct {
}

func Ret() asm.Fragment {
	return &ret{}
}

func Jump(label asm.Label) asm.Fragment {
	return &jump{label: label, always: true}
}

// JumpIf emits a rel32 conditional jump taken when cond holds.
func JumpIf(cond Condition, label asm.Label) asm.Fragment {
	return &jump{label: label, cond: cond}
}

func JumpIfZero(label asm.Label) asm.Fragment {
	return JumpIf(CondEqual, label)
}

func JumpIfNotZero(label asm.Label) asm.Fragment {
	return JumpIf(CondNotEqual, label)
}

// CallSymbol emits call rel32 against symbol. The displacement is left for
// the linker.
func CallSymbol(symbol string) asm.Fragment {
	return &callSymbol{symbol: symbol}
}

// CallIndirectSymbol emits call [rip+disp32] where the memory slot is the
// symbol, the form used to call through an import address table.
func CallIndirectSymbol(symbol string) asm.Fragment {
	return &callSymbol{symbol: symbol, indirect: true}
}

// LeaSymbol loads the address of symbol+addend using RIP-relative
// addressing.
func LeaSymbol(dst Reg, symbol string, addend int64) asm.Fragment {
	return &leaSymbol{dst: dst, symbol: symbol, addend: addend}
}

func TestZero(reg asm.Variable) asm.Fragment {
	return &testZero{reg: reg}
}

func (t *testZero) Emit(ctx asm.Context) error {
	bytes, err := encodeTestRegReg(Reg64(t.reg), Reg64(t.reg))
	if err != nil {
		return err
	}
	ctx.EmitBytes(bytes)
	return nil
}

func (r *ret) Emit(ctx asm.Context) error {
	ctx.EmitBytes(encodeRet())
	return nil
}

func (j *jump) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("amd64 asm: jump requires an amd64 context, got %T", _ctx)
	}
	pos := ctx.emitJump(j)
	ctx.jumps = append(ctx.jumps, jumpPatch{label: j.label, pos: pos})
	return nil
}

func (c *callSymbol) Emit(ctx asm.Context) error {
	if c.symbol == "" {
		return fmt.Errorf("amd64 asm: call target symbol must be non-empty")
	}
	if c.indirect {
		ctx.EmitBytes([]byte{0xFF, 0x15, 0, 0, 0, 0})
	} else {
		ctx.EmitBytes([]byte{0xE8, 0, 0, 0, 0})
	}
	ctx.Relocate(ctx.Offset()-4, asm.RelocPC32, c.symbol, 0)
	return nil
}

func (l *leaSymbol) Emit(ctx asm.Context) error {
	if l.symbol == "" {
		return fmt.Errorf("amd64 asm: lea target symbol must be non-empty")
	}
	bytes, err := encodeLeaRIP(l.dst)
	if err != nil {
		return err
	}
	ctx.EmitBytes(bytes)
	ctx.Relocate(ctx.Offset()-4, asm.RelocPC32, l.symbol, l.addend)
	return nil
}

// EmitCode assembles fragment into position independent bytes. Local labels
// are resolved; references to symbols are returned as relocations relative
// to the start of the returned bytes.
func EmitCode(fragment asm.Fragment) (asm.Code, error) {
	ctx := newContext()
	if err := fragment.Emit(ctx); err != nil {
		return asm.Code{}, err
	}
	return ctx.finalize()
}

type Context struct {
	text   []byte
	labels map[asm.Label]int
	jumps  []jumpPatch
	relocs []asm.Relocation
}

var _ asm.Context = (*Context)(nil)

type jumpPatch struct {
	label asm.Label
	pos   int
}

func newContext() *Context {
	return &Context{
		labels: make(map[asm.Label]int),
	}
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) EmitBytes(code []byte) {
	c.text = append(c.text, code...)
}

func (c *Context) Offset() int {
	return len(c.text)
}

func (c *Context) Relocate(offset int, kind asm.RelocKind, symbol string, addend int64) {
	c.relocs = append(c.relocs, asm.Relocation{
		Offset: offset,
		Symbol: symbol,
		Kind:   kind,
		Addend: addend,
	})
}

func (c *Context) finalize() (asm.Code, error) {
	for _, j := range c.jumps {
		target, ok := c.labels[j.label]
		if !ok {
			return asm.Code{}, fmt.Errorf("undefined label %q", j.label)
		}
		rel := target - (j.pos + 4)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return asm.Code{}, fmt.Errorf("jump to label %q out of range", j.label)
		}
		binary.LittleEndian.PutUint32(c.text[j.pos:j.pos+4], uint32(int32(rel)))
	}
	for _, r := range c.relocs {
		if r.Offset < 0 || r.Offset+r.Kind.Width() > len(c.text) {
			return asm.Code{}, fmt.Errorf("relocation against %q at %d outside code (len %d)", r.Symbol, r.Offset, len(c.text))
		}
	}
	return asm.Code{
		Bytes:       append([]byte(nil), c.text...),
		Relocations: append([]asm.Relocation(nil), c.relocs...),
	}, nil
}

func (c *Context) emitJump(j *jump) int {
	if j.always {
		c.text = append(c.text, 0xE9)
	} else {
		c.text = append(c.text, 0x0F, 0x80|byte(j.cond))
	}
	pos := len(c.text)
	c.text = append(c.text, 0, 0, 0, 0)
	return pos
}

type registerCode struct {
	code     byte
	high     bool
	needsRex bool
}

func regInfo(v asm.Variable) (registerCode, error) {
	switch v {
	case RAX:
		return registerCode{code: 0, high: false}, nil
	case RBX:
		return registerCode{code: 3, high: false}, nil
	case RCX:
		return registerCode{code: 1, high: false}, nil
	case RDX:
		return registerCode{code: 2, high: false}, nil
	case RSI:
		return registerCode{code: 6, high: false, needsRex: true}, nil
	case RDI:
		return registerCode{code: 7, high: false, needsRex: true}, nil
	case RSP:
		return registerCode{code: 4, high: false, needsRex: true}, nil
	case RBP:
		return registerCode{code: 5, high: false, needsRex: true}, nil
	case R8:
		return registerCode{code: 0, high: true, needsRex: true}, nil
	case R9:
		return registerCode{code: 1, high: true, needsRex: true}, nil
	case R10:
		return registerCode{code: 2, high: true, needsRex: true}, nil
	case R11:
		return registerCode{code: 3, high: true, needsRex: true}, nil
	case R12:
		return registerCode{code: 4, high: true, needsRex: true}, nil
	case R13:
		return registerCode{code: 5, high: true, needsRex: true}, nil
	case R14:
		return registerCode{code: 6, high: true, needsRex: true}, nil
	case R15:
		return registerCode{code: 7, high: true, needsRex: true}, nil
	default:
		return registerCode{}, fmt.Errorf("unsupported register %d", v)
	}
}

func encodeRet() []byte {
	return []byte{0xC3}
}

func encodeSyscall() []byte {
	return []byte{0x0F, 0x05}
}
