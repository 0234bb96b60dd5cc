package tree

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
)

// Runtime helper symbols understood by every target. Each returns zero.
const (
	RuntimeWrite    = "rt.write"
	RuntimePrintInt = "rt.print_int"
	RuntimeExit     = "rt.exit"
)

var ErrStepLimit = errors.New("tree: step limit exceeded")

// EvalBinary applies a binary operator with the program's run-time
// semantics. ok is false when the operation traps.
func EvalBinary(op Op, a, b int64) (v int64, ok bool) {
	switch op {
	case OpAdd:
		return a + b, true
	case OpSub:
		return a - b, true
	case OpMul:
		return a * b, true
	case OpDiv, OpMod:
		if b == 0 || (a == math.MinInt64 && b == -1) {
			return 0, false
		}
		if op == OpDiv {
			return a / b, true
		}
		return a % b, true
	case OpAnd:
		return a & b, true
	case OpOr:
		return a | b, true
	case OpXor:
		return a ^ b, true
	case OpShl:
		return a << (uint64(b) & 63), true
	case OpShr:
		return a >> (uint64(b) & 63), true
	case OpEq:
		return bool64(a == b), true
	case OpNe:
		return bool64(a != b), true
	case OpLt:
		return bool64(a < b), true
	case OpLe:
		return bool64(a <= b), true
	case OpGt:
		return bool64(a > b), true
	case OpGe:
		return bool64(a >= b), true
	}
	return 0, false
}

func EvalUnary(op Op, a int64) int64 {
	switch op {
	case OpNeg:
		return -a
	case OpNot:
		return bool64(a == 0)
	}
	return 0
}

// EvalIntrinsic computes the pure intrinsics. ok is false for unknown names
// or a wrong argument count.
func EvalIntrinsic(name string, args []int64) (v int64, ok bool) {
	switch name {
	case "nop", "pause":
		return 0, len(args) == 0
	case "bswap":
		if len(args) != 1 {
			return 0, false
		}
		return int64(bits.ReverseBytes64(uint64(args[0]))), true
	case "popcnt":
		if len(args) != 1 {
			return 0, false
		}
		return int64(bits.OnesCount64(uint64(args[0]))), true
	}
	return 0, false
}

func bool64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Outcome is the observable behaviour of running a program.
type Outcome struct {
	Stdout  []byte
	Exit    int64
	Trapped bool
}

type exitSignal struct{ code int64 }

func (exitSignal) Error() string { return "exit" }

var errTrap = errors.New("trap")

type flow uint8

const (
	flowNext flow = iota
	flowReturn
)

type interp struct {
	t     *Tree
	funcs map[string]FuncRef
	entry string
	out   []byte
	steps int
	limit int
	depth int
}

// Eval runs t on the reference interpreter. maxSteps bounds the number of
// nodes evaluated; zero means no limit.
func Eval(t *Tree, maxSteps int) (*Outcome, error) {
	if err := Validate(t); err != nil {
		return nil, err
	}
	in := &interp{
		t:     t,
		funcs: make(map[string]FuncRef),
		entry: t.EntryName(),
		limit: maxSteps,
	}
	for _, f := range t.Funcs() {
		in.funcs[f.Symbol()] = f
	}

	_, err := in.call(in.entry, nil)
	var exit exitSignal
	switch {
	case err == nil:
		return &Outcome{Stdout: in.out}, nil
	case errors.As(err, &exit):
		return &Outcome{Stdout: in.out, Exit: exit.code}, nil
	case errors.Is(err, errTrap):
		return &Outcome{Stdout: in.out, Trapped: true}, nil
	}
	return nil, err
}

func (in *interp) step() error {
	in.steps++
	if in.limit > 0 && in.steps > in.limit {
		return ErrStepLimit
	}
	return nil
}

func (in *interp) call(symbol string, args []int64) (int64, error) {
	f, ok := in.funcs[symbol]
	if !ok {
		return 0, fmt.Errorf("tree: eval: call to undefined function %s", symbol)
	}
	in.depth++
	defer func() { in.depth-- }()
	if in.depth > 10000 {
		return 0, ErrStepLimit
	}

	fn := in.t.At(f.ID)
	frame := make(map[string]int64, len(fn.Params))
	for i, p := range fn.Params {
		frame[p] = args[i]
	}
	_, v, err := in.exec(f, in.t.Body(f.ID), frame)
	if err != nil {
		return 0, err
	}
	if symbol == in.entry {
		return 0, exitSignal{code: v}
	}
	return v, nil
}

func (in *interp) exec(f FuncRef, id NodeID, frame map[string]int64) (flow, int64, error) {
	if err := in.step(); err != nil {
		return flowNext, 0, err
	}
	n := in.t.At(id)
	switch n.Kind {
	case KindBlock:
		for _, kid := range n.Kids {
			fl, v, err := in.exec(f, kid, frame)
			if err != nil || fl == flowReturn {
				return fl, v, err
			}
		}
		return flowNext, 0, nil
	case KindLet:
		v, err := in.eval(f, n.Kids[0], frame)
		if err != nil {
			return flowNext, 0, err
		}
		frame[n.Str] = v
		return flowNext, 0, nil
	case KindIf:
		c, err := in.eval(f, n.Kids[0], frame)
		if err != nil {
			return flowNext, 0, err
		}
		if c != 0 {
			return in.exec(f, n.Kids[1], frame)
		}
		if len(n.Kids) == 3 {
			return in.exec(f, n.Kids[2], frame)
		}
		return flowNext, 0, nil
	case KindWhile:
		for {
			c, err := in.eval(f, n.Kids[0], frame)
			if err != nil || c == 0 {
				return flowNext, 0, err
			}
			fl, v, err := in.exec(f, n.Kids[1], frame)
			if err != nil || fl == flowReturn {
				return fl, v, err
			}
		}
	case KindReturn:
		if len(n.Kids) == 0 {
			return flowReturn, 0, nil
		}
		v, err := in.eval(f, n.Kids[0], frame)
		return flowReturn, v, err
	case KindPrint:
		arg := in.t.At(n.Kids[0])
		if arg.Kind == KindStr {
			in.out = append(in.out, arg.Str...)
			return flowNext, 0, nil
		}
		v, err := in.eval(f, n.Kids[0], frame)
		if err != nil {
			return flowNext, 0, err
		}
		in.out = strconv.AppendInt(in.out, v, 10)
		return flowNext, 0, nil
	}
	_, err := in.eval(f, id, frame)
	return flowNext, 0, err
}

func (in *interp) eval(f FuncRef, id NodeID, frame map[string]int64) (int64, error) {
	if err := in.step(); err != nil {
		return 0, err
	}
	n := in.t.At(id)
	switch n.Kind {
	case KindInt:
		return n.Int, nil
	case KindVar:
		return frame[n.Str], nil
	case KindBinary:
		a, err := in.eval(f, n.Kids[0], frame)
		if err != nil {
			return 0, err
		}
		b, err := in.eval(f, n.Kids[1], frame)
		if err != nil {
			return 0, err
		}
		v, ok := EvalBinary(n.Op, a, b)
		if !ok {
			return 0, errTrap
		}
		return v, nil
	case KindUnary:
		a, err := in.eval(f, n.Kids[0], frame)
		if err != nil {
			return 0, err
		}
		return EvalUnary(n.Op, a), nil
	case KindCall:
		args, err := in.args(f, n.Kids, frame)
		if err != nil {
			return 0, err
		}
		return in.call(ResolveCall(f.Unit, n.Str), args)
	case KindIntrinsic:
		args, err := in.args(f, n.Kids, frame)
		if err != nil {
			return 0, err
		}
		v, ok := EvalIntrinsic(n.Str, args)
		if !ok {
			return 0, fmt.Errorf("tree: eval: node %d: unknown intrinsic %s/%d", id, n.Str, len(args))
		}
		return v, nil
	case KindRuntime:
		return in.runtime(f, id, n, frame)
	}
	return 0, fmt.Errorf("tree: eval: node %d: cannot evaluate %s", id, n.Kind)
}

func (in *interp) args(f FuncRef, kids []NodeID, frame map[string]int64) ([]int64, error) {
	args := make([]int64, len(kids))
	for i, kid := range kids {
		v, err := in.eval(f, kid, frame)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func (in *interp) runtime(f FuncRef, id NodeID, n *Node, frame map[string]int64) (int64, error) {
	switch n.Str {
	case RuntimeWrite:
		if len(n.Kids) == 1 && in.t.At(n.Kids[0]).Kind == KindStr {
			s := in.t.At(n.Kids[0]).Str
			in.out = append(in.out, s...)
			return 0, nil
		}
	case RuntimePrintInt:
		if len(n.Kids) == 1 {
			v, err := in.eval(f, n.Kids[0], frame)
			if err != nil {
				return 0, err
			}
			in.out = strconv.AppendInt(in.out, v, 10)
			return 0, nil
		}
	case RuntimeExit:
		if len(n.Kids) == 1 {
			v, err := in.eval(f, n.Kids[0], frame)
			if err != nil {
				return 0, err
			}
			return 0, exitSignal{code: v}
		}
	}
	return 0, fmt.Errorf("tree: eval: node %d: unsupported runtime call %s/%d", id, n.Str, len(n.Kids))
}
