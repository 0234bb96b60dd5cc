package amd64

import (
	"fmt"
	"math"

	"github.com/tinyrange/nativec/internal/asm"
	"github.com/tinyrange/nativec/internal/asm/amd64"
	"github.com/tinyrange/nativec/internal/codegen"
	"github.com/tinyrange/nativec/internal/tree"
)

const stackAlignment = 16

var (
	rax = amd64.Reg64(amd64.RAX)
	rcx = amd64.Reg64(amd64.RCX)
	rdx = amd64.Reg64(amd64.RDX)
	rsp = amd64.Reg64(amd64.RSP)
	rbp = amd64.Reg64(amd64.RBP)
	al  = amd64.Reg8(amd64.RAX)
	eax = amd64.Reg32(amd64.RAX)
)

var comparisons = map[tree.Op]amd64.Condition{
	tree.OpEq: amd64.CondEqual,
	tree.OpNe: amd64.CondNotEqual,
	tree.OpLt: amd64.CondLess,
	tree.OpLe: amd64.CondLessEqual,
	tree.OpGt: amd64.CondGreater,
	tree.OpGe: amd64.CondGreaterEqual,
}

// compiler lowers one function with rax as the accumulator. Intermediate
// values live on the machine stack; depth counts how many are pushed so
// calls can keep rsp 16-byte aligned.
type compiler struct {
	fn           *codegen.Function
	t            *tree.Tree
	conv         Convention
	fragments    asm.Group
	slots        map[string]int32
	params       []string
	locals       []string
	frameSize    int32
	depth        int
	labelCounter int
	retLabel     asm.Label
}

func newCompiler(fn *codegen.Function) (*compiler, error) {
	decl := fn.Tree.At(fn.Ref.ID)
	c := &compiler{
		fn:       fn,
		t:        fn.Tree,
		conv:     ConventionFor(fn.Format),
		slots:    make(map[string]int32),
		params:   decl.Params,
		retLabel: asm.Label(".Lret"),
	}
	if len(decl.Params) > len(c.conv.Params) {
		return nil, fn.Unsupported(fn.Ref.ID, fmt.Sprintf("%d parameters exceed the %d argument registers", len(decl.Params), len(c.conv.Params)))
	}

	for _, name := range decl.Params {
		c.addSlot(name)
	}
	c.t.Walk(c.t.Body(fn.Ref.ID), func(_ tree.NodeID, n *tree.Node) bool {
		if n.Kind == tree.KindLet || n.Kind == tree.KindVar {
			if _, ok := c.slots[n.Str]; !ok {
				c.addSlot(n.Str)
				c.locals = append(c.locals, n.Str)
			}
		}
		return true
	})
	c.frameSize = alignTo(int32(len(c.slots))*8, stackAlignment)
	return c, nil
}

func (c *compiler) addSlot(name string) {
	c.slots[name] = -8 * int32(len(c.slots)+1)
}

func (c *compiler) slot(name string) (amd64.Memory, error) {
	disp, ok := c.slots[name]
	if !ok {
		return amd64.Memory{}, fmt.Errorf("codegen: %s: no stack slot for %q", c.fn.Ref.Symbol(), name)
	}
	return amd64.Mem(rbp).WithDisp(disp), nil
}

func (c *compiler) emit(frags ...asm.Fragment) {
	c.fragments = append(c.fragments, frags...)
}

func (c *compiler) newLabel(prefix string) asm.Label {
	c.labelCounter++
	return asm.Label(fmt.Sprintf(".L%s%d", prefix, c.labelCounter))
}

func (c *compiler) compileFunction() error {
	c.emit(amd64.Push(rbp), amd64.MovReg(rbp, rsp))
	if c.fn.Entry {
		// The loader makes no promise about rsp parity at the entry point.
		c.emit(amd64.AndRegImm(rsp, -stackAlignment))
	}
	if c.frameSize > 0 {
		c.emit(amd64.SubRegImm(rsp, c.frameSize))
	}
	for i, name := range c.params {
		mem, err := c.slot(name)
		if err != nil {
			return err
		}
		c.emit(amd64.MovToMemory(mem, amd64.Reg64(c.conv.Params[i])))
	}
	if len(c.locals) > 0 {
		c.emit(amd64.XorRegReg(eax, eax))
		for _, name := range c.locals {
			mem, err := c.slot(name)
			if err != nil {
				return err
			}
			c.emit(amd64.MovToMemory(mem, rax))
		}
	}

	if err := c.compileStmt(c.t.Body(c.fn.Ref.ID)); err != nil {
		return err
	}

	c.emit(amd64.XorRegReg(eax, eax))
	if c.fn.Entry {
		c.emitExit()
	} else {
		c.emit(
			asm.MarkLabel(c.retLabel),
			amd64.MovReg(rsp, rbp),
			amd64.Pop(rbp),
			amd64.Ret(),
		)
	}
	if c.depth != 0 {
		return fmt.Errorf("codegen: %s: unbalanced stack depth %d", c.fn.Ref.Symbol(), c.depth)
	}
	return nil
}

// emitExit passes rax to rt.exit. Used for every return out of the entry
// function.
func (c *compiler) emitExit() {
	c.emit(amd64.MovReg(amd64.Reg64(c.conv.Params[0]), rax))
	c.emitCall(tree.RuntimeExit, 0)
	c.emit(amd64.Int3())
}

func (c *compiler) compileStmt(id tree.NodeID) error {
	n := c.t.At(id)
	switch n.Kind {
	case tree.KindBlock:
		for _, kid := range n.Kids {
			if err := c.compileStmt(kid); err != nil {
				return err
			}
		}
		return nil
	case tree.KindLet:
		if err := c.compileExpr(n.Kids[0]); err != nil {
			return err
		}
		mem, err := c.slot(n.Str)
		if err != nil {
			return err
		}
		c.emit(amd64.MovToMemory(mem, rax))
		return nil
	case tree.KindIf:
		return c.compileIf(n)
	case tree.KindWhile:
		top := c.newLabel("loop")
		end := c.newLabel("done")
		c.emit(asm.MarkLabel(top))
		if err := c.compileBranch(n.Kids[0], end); err != nil {
			return err
		}
		if err := c.compileStmt(n.Kids[1]); err != nil {
			return err
		}
		c.emit(amd64.Jump(top), asm.MarkLabel(end))
		return nil
	case tree.KindReturn:
		if len(n.Kids) == 0 {
			c.emit(amd64.XorRegReg(eax, eax))
		} else if err := c.compileExpr(n.Kids[0]); err != nil {
			return err
		}
		if c.fn.Entry {
			c.emitExit()
		} else {
			c.emit(amd64.Jump(c.retLabel))
		}
		return nil
	case tree.KindPrint:
		return c.compilePrint(id, n)
	}
	if n.Kind.IsExpr() {
		return c.compileExpr(id)
	}
	return c.fn.Unsupported(id, "not a statement")
}

func (c *compiler) compileIf(n *tree.Node) error {
	end := c.newLabel("endif")
	if len(n.Kids) == 2 {
		if err := c.compileBranch(n.Kids[0], end); err != nil {
			return err
		}
		if err := c.compileStmt(n.Kids[1]); err != nil {
			return err
		}
		c.emit(asm.MarkLabel(end))
		return nil
	}

	els := c.newLabel("else")
	if err := c.compileBranch(n.Kids[0], els); err != nil {
		return err
	}
	if err := c.compileStmt(n.Kids[1]); err != nil {
		return err
	}
	c.emit(amd64.Jump(end), asm.MarkLabel(els))
	if err := c.compileStmt(n.Kids[2]); err != nil {
		return err
	}
	c.emit(asm.MarkLabel(end))
	return nil
}

// compileBranch jumps to ifFalse when cond evaluates to zero and falls
// through otherwise. Comparisons jump on flags directly.
func (c *compiler) compileBranch(cond tree.NodeID, ifFalse asm.Label) error {
	n := c.t.At(cond)
	if n.Kind == tree.KindBinary {
		if cc, ok := comparisons[n.Op]; ok {
			if imm, ok := c.immediate(n.Kids[1]); ok {
				if err := c.compileExpr(n.Kids[0]); err != nil {
					return err
				}
				c.emit(amd64.CmpRegImm(rax, imm), amd64.JumpIf(cc.Invert(), ifFalse))
				return nil
			}
			if err := c.compileOperands(n.Kids[0], n.Kids[1]); err != nil {
				return err
			}
			c.emit(amd64.CmpRegReg(rax, rcx), amd64.JumpIf(cc.Invert(), ifFalse))
			return nil
		}
	}
	if n.Kind == tree.KindUnary && n.Op == tree.OpNot {
		if err := c.compileExpr(n.Kids[0]); err != nil {
			return err
		}
		c.emit(amd64.TestZero(amd64.RAX), amd64.JumpIfNotZero(ifFalse))
		return nil
	}
	if err := c.compileExpr(cond); err != nil {
		return err
	}
	c.emit(amd64.TestZero(amd64.RAX), amd64.JumpIfZero(ifFalse))
	return nil
}

func (c *compiler) compilePrint(id tree.NodeID, n *tree.Node) error {
	if len(c.conv.Params) < 2 {
		return c.fn.Unsupported(id, "print needs two argument registers")
	}
	arg := c.t.At(n.Kids[0])
	if arg.Kind == tree.KindStr {
		sym := c.fn.Data.String(arg.Str)
		c.emit(
			amd64.LeaSymbol(amd64.Reg64(c.conv.Params[0]), sym, 0),
			amd64.LoadImmediate(amd64.Reg64(c.conv.Params[1]), int64(len(arg.Str))),
		)
		c.emitCall(tree.RuntimeWrite, 0)
		return nil
	}
	if err := c.compileExpr(n.Kids[0]); err != nil {
		return err
	}
	c.emit(amd64.MovReg(amd64.Reg64(c.conv.Params[0]), rax))
	c.emitCall(tree.RuntimePrintInt, 0)
	return nil
}

// emitCall pops argc pushed arguments into the argument registers and
// calls symbol with rsp aligned.
func (c *compiler) emitCall(symbol string, argc int) {
	for i := argc - 1; i >= 0; i-- {
		c.emit(amd64.Pop(amd64.Reg64(c.conv.Params[i])))
		c.depth--
	}
	adjust := c.conv.Shadow
	if c.depth%2 != 0 {
		adjust += 8
	}
	if adjust > 0 {
		c.emit(amd64.SubRegImm(rsp, adjust))
	}
	c.emit(amd64.CallSymbol(symbol))
	if adjust > 0 {
		c.emit(amd64.AddRegImm(rsp, adjust))
	}
}

func (c *compiler) push() {
	c.emit(amd64.Push(rax))
	c.depth++
}

func (c *compiler) pop(dst amd64.Reg) {
	c.emit(amd64.Pop(dst))
	c.depth--
}

func (c *compiler) compileExpr(id tree.NodeID) error {
	n := c.t.At(id)
	switch n.Kind {
	case tree.KindInt:
		c.emit(amd64.LoadImmediate(rax, n.Int))
		return nil
	case tree.KindVar:
		mem, err := c.slot(n.Str)
		if err != nil {
			return err
		}
		c.emit(amd64.MovFromMemory(rax, mem))
		return nil
	case tree.KindBinary:
		return c.compileBinary(id, n)
	case tree.KindUnary:
		if err := c.compileExpr(n.Kids[0]); err != nil {
			return err
		}
		switch n.Op {
		case tree.OpNeg:
			c.emit(amd64.Neg(rax))
		case tree.OpNot:
			c.emit(amd64.TestZero(amd64.RAX), amd64.SetCC(amd64.CondEqual, al), amd64.MovZX8Reg(rax, al))
		default:
			return c.fn.Unsupported(id, "unknown unary operator "+n.Op.String())
		}
		return nil
	case tree.KindCall:
		if err := c.compileArgs(id, n.Kids); err != nil {
			return err
		}
		c.emitCall(tree.ResolveCall(c.fn.Ref.Unit, n.Str), c.argSlots(n.Kids))
		return nil
	case tree.KindRuntime:
		if err := c.compileArgs(id, n.Kids); err != nil {
			return err
		}
		c.emitCall(n.Str, c.argSlots(n.Kids))
		return nil
	case tree.KindIntrinsic:
		return c.compileIntrinsic(id, n)
	}
	return c.fn.Unsupported(id, "not an expression")
}

func (c *compiler) compileBinary(id tree.NodeID, n *tree.Node) error {
	if imm, ok := c.immediate(n.Kids[1]); ok {
		if frags, ok := immediateForm(n.Op, imm); ok {
			if err := c.compileExpr(n.Kids[0]); err != nil {
				return err
			}
			c.emit(frags...)
			return nil
		}
	}
	if err := c.compileOperands(n.Kids[0], n.Kids[1]); err != nil {
		return err
	}
	if cc, ok := comparisons[n.Op]; ok {
		c.emit(amd64.CmpRegReg(rax, rcx), amd64.SetCC(cc, al), amd64.MovZX8Reg(rax, al))
		return nil
	}
	switch n.Op {
	case tree.OpAdd:
		c.emit(amd64.AddRegReg(rax, rcx))
	case tree.OpSub:
		c.emit(amd64.SubRegReg(rax, rcx))
	case tree.OpMul:
		c.emit(amd64.ImulRegReg(rax, rcx))
	case tree.OpAnd:
		c.emit(amd64.AndRegReg(rax, rcx))
	case tree.OpOr:
		c.emit(amd64.OrRegReg(rax, rcx))
	case tree.OpXor:
		c.emit(amd64.XorRegReg(rax, rcx))
	case tree.OpShl:
		c.emit(amd64.ShlRegCL(rax))
	case tree.OpShr:
		c.emit(amd64.SarRegCL(rax))
	case tree.OpDiv:
		// idiv raises #DE for a zero divisor and for MinInt64 / -1.
		c.emit(amd64.Cqo(), amd64.Idiv(rcx))
	case tree.OpMod:
		c.emit(amd64.Cqo(), amd64.Idiv(rcx), amd64.MovReg(rax, rdx))
	default:
		return c.fn.Unsupported(id, "unknown binary operator "+n.Op.String())
	}
	return nil
}

// immediate reports whether id is a literal that encodes as a
// sign-extended imm32.
func (c *compiler) immediate(id tree.NodeID) (int32, bool) {
	n := c.t.At(id)
	if n.Kind != tree.KindInt || n.Int < math.MinInt32 || n.Int > math.MaxInt32 {
		return 0, false
	}
	return int32(n.Int), true
}

// immediateForm lowers rax op imm in place. Division keeps the register
// path since idiv has no immediate operand.
func immediateForm(op tree.Op, imm int32) ([]asm.Fragment, bool) {
	if cc, ok := comparisons[op]; ok {
		return []asm.Fragment{amd64.CmpRegImm(rax, imm), amd64.SetCC(cc, al), amd64.MovZX8Reg(rax, al)}, true
	}
	switch op {
	case tree.OpAdd:
		return []asm.Fragment{amd64.AddRegImm(rax, imm)}, true
	case tree.OpSub:
		return []asm.Fragment{amd64.SubRegImm(rax, imm)}, true
	case tree.OpMul:
		return []asm.Fragment{amd64.ImulRegImm(rax, rax, imm)}, true
	case tree.OpAnd:
		return []asm.Fragment{amd64.AndRegImm(rax, imm)}, true
	case tree.OpOr:
		return []asm.Fragment{amd64.OrRegImm(rax, imm)}, true
	case tree.OpXor:
		return []asm.Fragment{amd64.XorRegImm(rax, imm)}, true
	case tree.OpShl, tree.OpShr:
		count := uint8(imm & 63)
		if count == 0 {
			return nil, true
		}
		if op == tree.OpShl {
			return []asm.Fragment{amd64.ShlRegImm(rax, count)}, true
		}
		return []asm.Fragment{amd64.SarRegImm(rax, count)}, true
	}
	return nil, false
}

// compileOperands leaves the left operand in rax and the right in rcx,
// evaluating left first.
func (c *compiler) compileOperands(l, r tree.NodeID) error {
	if err := c.compileExpr(l); err != nil {
		return err
	}
	switch rn := c.t.At(r); rn.Kind {
	case tree.KindInt:
		c.emit(amd64.LoadImmediate(rcx, rn.Int))
		return nil
	case tree.KindVar:
		mem, err := c.slot(rn.Str)
		if err != nil {
			return err
		}
		c.emit(amd64.MovFromMemory(rcx, mem))
		return nil
	}
	c.push()
	if err := c.compileExpr(r); err != nil {
		return err
	}
	c.emit(amd64.MovReg(rcx, rax))
	c.pop(rax)
	return nil
}

// argSlots counts argument registers; a string literal takes two, pointer
// then length.
func (c *compiler) argSlots(kids []tree.NodeID) int {
	slots := 0
	for _, kid := range kids {
		if c.t.At(kid).Kind == tree.KindStr {
			slots += 2
		} else {
			slots++
		}
	}
	return slots
}

func (c *compiler) compileArgs(id tree.NodeID, kids []tree.NodeID) error {
	if slots := c.argSlots(kids); slots > len(c.conv.Params) {
		return c.fn.Unsupported(id, fmt.Sprintf("%d arguments exceed the %d argument registers", slots, len(c.conv.Params)))
	}
	for _, kid := range kids {
		if s := c.t.At(kid); s.Kind == tree.KindStr {
			c.emit(amd64.LeaSymbol(rax, c.fn.Data.String(s.Str), 0))
			c.push()
			c.emit(amd64.LoadImmediate(rax, int64(len(s.Str))))
			c.push()
			continue
		}
		if err := c.compileExpr(kid); err != nil {
			return err
		}
		c.push()
	}
	return nil
}

func (c *compiler) compileIntrinsic(id tree.NodeID, n *tree.Node) error {
	switch {
	case (n.Str == "nop" || n.Str == "pause") && len(n.Kids) == 0:
		if n.Str == "nop" {
			c.emit(amd64.Nop())
		} else {
			c.emit(amd64.Pause())
		}
		c.emit(amd64.XorRegReg(eax, eax))
		return nil
	case (n.Str == "bswap" || n.Str == "popcnt") && len(n.Kids) == 1:
		if err := c.compileExpr(n.Kids[0]); err != nil {
			return err
		}
		if n.Str == "bswap" {
			c.emit(amd64.Bswap(rax))
		} else {
			c.emit(amd64.Popcnt(rax, rax))
		}
		return nil
	}
	return c.fn.Unsupported(id, fmt.Sprintf("no lowering for intrinsic %s/%d", n.Str, len(n.Kids)))
}

func alignTo(value, boundary int32) int32 {
	if boundary <= 1 {
		return value
	}
	rem := value % boundary
	if rem == 0 {
		return value
	}
	return value + (boundary - rem)
}
