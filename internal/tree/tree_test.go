package tree

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func helloTree() *Tree {
	b := NewBuilder()
	b.Func("main", "main", nil,
		b.Print(b.Str("Hello, World!")),
		b.Return(InvalidNode),
	)
	return b.Build()
}

func TestBuilderHello(t *testing.T) {
	tr := helloTree()
	if err := Validate(tr); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	// module, unit, func, block, print, str, return
	if got := tr.Size(); got != 7 {
		t.Fatalf("Size()=%d, want 7", got)
	}
	funcs := tr.Funcs()
	if len(funcs) != 1 || funcs[0].Symbol() != "main.main" {
		t.Fatalf("Funcs()=%v, want [main.main]", funcs)
	}
}

func TestCompactDropsUnreachable(t *testing.T) {
	tr := helloTree()
	tr.Add(Node{Kind: KindInt, Int: 42})
	c := tr.Compact()
	if len(c.Nodes)-1 != tr.Size() {
		t.Fatalf("compact arena holds %d nodes, want %d", len(c.Nodes)-1, tr.Size())
	}
	if !Equal(tr, c) {
		t.Fatalf("compacted tree differs from source")
	}
	for id := 1; id < len(c.Nodes); id++ {
		if c.Nodes[id].Origin == InvalidNode {
			t.Fatalf("node %d has no origin", id)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	tr := helloTree()
	c := tr.Clone()
	c.Nodes[c.Root].Kids[0] = InvalidNode
	if tr.Nodes[tr.Root].Kids[0] == InvalidNode {
		t.Fatalf("mutating the clone changed the original")
	}
}

func TestEqualDetectsDifferences(t *testing.T) {
	build := func(v int64) *Tree {
		b := NewBuilder()
		b.Func("main", "main", nil, b.Return(b.Int(v)))
		return b.Build()
	}
	if !Equal(build(1), build(1)) {
		t.Fatalf("identical trees compare unequal")
	}
	if Equal(build(1), build(2)) {
		t.Fatalf("different literals compare equal")
	}
}

func TestValidateCollectsAllViolations(t *testing.T) {
	b := NewBuilder()
	bad := b.Binary(OpAdd, b.Var("missing"), b.Str("x"))
	b.Func("main", "main", nil, b.Return(bad))
	b.Func("main", "main", nil, b.Return(InvalidNode))
	tr := b.Build()

	err := Validate(tr)
	if !errors.Is(err, ErrMalformedTree) {
		t.Fatalf("err=%v, want ErrMalformedTree", err)
	}
	var mte *MalformedTreeError
	if !errors.As(err, &mte) {
		t.Fatalf("err=%T, want *MalformedTreeError", err)
	}
	// undefined variable, string operand, duplicate function
	if got := mte.Violations.Len(); got != 3 {
		t.Fatalf("violations=%d, want 3: %v", got, err)
	}
	if !strings.Contains(err.Error(), "undefined variable") {
		t.Fatalf("error %q does not mention the undefined variable", err)
	}
}

func TestValidateMissingNode(t *testing.T) {
	b := NewBuilder()
	ret := b.Return(InvalidNode)
	b.Func("main", "main", nil, ret)
	b.Node(ret).Kids = []NodeID{999}
	tr := b.Build()

	err := Validate(tr)
	var mte *MalformedTreeError
	if !errors.As(err, &mte) {
		t.Fatalf("err=%v, want *MalformedTreeError", err)
	}
	if v := mte.First(); v == nil || v.Node != ret {
		t.Fatalf("first violation=%v, want node %d", v, ret)
	}
}

func TestValidateCycle(t *testing.T) {
	b := NewBuilder()
	blk := b.Block()
	fn := b.Func("main", "main", nil)
	b.Node(fn).Kids = []NodeID{blk}
	b.Node(blk).Kids = []NodeID{blk}
	tr := b.Build()
	if err := Validate(tr); !errors.Is(err, ErrMalformedTree) {
		t.Fatalf("err=%v, want ErrMalformedTree", err)
	}
}

func TestValidateEntryAndArity(t *testing.T) {
	b := NewBuilder()
	b.Func("lib", "add", []string{"a", "b"}, b.Return(b.Binary(OpAdd, b.Var("a"), b.Var("b"))))
	b.Func("main", "start", nil, b.Call("lib.add", b.Int(1)))
	tr := b.Build()

	err := Validate(tr)
	if err == nil {
		t.Fatalf("expected violations")
	}
	msg := err.Error()
	for _, want := range []string{`entry function "main.main" not defined`, "passes 1 argument(s), want 2"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q missing %q", msg, want)
		}
	}

	tr.Entry = "main.start"
	if err := Validate(tr); err == nil || strings.Contains(err.Error(), "entry") {
		t.Fatalf("err=%v, want only the arity violation", err)
	}
}

func TestValidateUnknownCallIsLeftToLinker(t *testing.T) {
	b := NewBuilder()
	b.Func("main", "main", nil, b.Call("other.f"), b.Return(InvalidNode))
	if err := Validate(b.Build()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

const helloYAML = `
entry: main.main
root: 1
nodes:
  - {id: 1, kind: module, kids: [2]}
  - {id: 2, kind: unit, str: main, kids: [3]}
  - {id: 3, kind: func, str: main, exported: true, kids: [4]}
  - {id: 4, kind: block, kids: [5, 7]}
  - {id: 5, kind: print, kids: [6]}
  - {id: 6, kind: str, str: "Hello, World!"}
  - {id: 7, kind: return}
`

func TestDecodeYAML(t *testing.T) {
	tr, err := Decode([]byte(helloYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := Validate(tr); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	want := helloTree()
	want.Nodes[want.Funcs()[0].ID].Flags |= FlagExported
	if !Equal(tr, want) {
		t.Fatalf("decoded tree differs from builder tree")
	}
}

func TestDecodeJSON(t *testing.T) {
	const doc = `{"root": 1, "nodes": [
  {"id": 1, "kind": "module", "kids": [2]},
  {"id": 2, "kind": "unit", "str": "main", "kids": [3]},
  {"id": 3, "kind": "func", "str": "main", "kids": [4]},
  {"id": 4, "kind": "block", "kids": [5]},
  {"id": 5, "kind": "return", "kids": [6]},
  {"id": 6, "kind": "binary", "op": "mul", "kids": [7, 7]},
  {"id": 7, "kind": "int", "int": 6}
]}`
	tr, err := Decode([]byte(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := Validate(tr); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := tr.Nodes[6].Op; got != OpMul {
		t.Fatalf("op=%v, want mul", got)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := map[string]string{
		"unknown kind": `{root: 1, nodes: [{id: 1, kind: lambda}]}`,
		"unknown op":   `{root: 1, nodes: [{id: 1, kind: binary, op: pow}]}`,
		"duplicate id": `{root: 1, nodes: [{id: 1, kind: module}, {id: 1, kind: module}]}`,
		"zero id":      `{root: 1, nodes: [{id: 0, kind: module}]}`,
		"syntax":       `{root: [`,
	}
	for name, doc := range tests {
		if _, err := Decode([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	tr := helloTree()
	data, err := Encode(tr)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v\n%s", err, data)
	}
	if !Equal(tr, back) {
		t.Fatalf("tree changed across encode/decode:\n%s", data)
	}
}

func TestQualifiedNames(t *testing.T) {
	if got := ResolveCall("main", "f"); got != "main.f" {
		t.Fatalf("ResolveCall=%q", got)
	}
	if got := ResolveCall("main", "lib.f"); got != "lib.f" {
		t.Fatalf("ResolveCall=%q", got)
	}
	unit, fn, ok := SplitQualified("lib.f")
	if !ok || unit != "lib" || fn != "f" {
		t.Fatalf("SplitQualified=(%q,%q,%v)", unit, fn, ok)
	}
	if _, _, ok := SplitQualified("f"); ok {
		t.Fatalf("SplitQualified(f) should not report a unit")
	}
}

func TestOpNegate(t *testing.T) {
	for _, op := range []Op{OpEq, OpNe, OpLt, OpLe, OpGt, OpGe} {
		if op.Negate().Negate() != op {
			t.Fatalf("%v negated twice is %v", op, op.Negate().Negate())
		}
	}
}

func TestEvalHello(t *testing.T) {
	out, err := Eval(helloTree(), 0)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if string(out.Stdout) != "Hello, World!" || out.Exit != 0 || out.Trapped {
		t.Fatalf("outcome=%+v", out)
	}
}

func TestEvalLoopAndCalls(t *testing.T) {
	b := NewBuilder()
	b.Func("main", "sq", []string{"x"}, b.Return(b.Binary(OpMul, b.Var("x"), b.Var("x"))))
	b.Func("main", "main", nil,
		b.Let("i", b.Int(0)),
		b.Let("acc", b.Int(0)),
		b.While(b.Binary(OpLt, b.Var("i"), b.Int(4)), b.Block(
			b.Let("acc", b.Binary(OpAdd, b.Var("acc"), b.Call("sq", b.Var("i")))),
			b.Let("i", b.Binary(OpAdd, b.Var("i"), b.Int(1))),
		)),
		b.Print(b.Var("acc")),
		b.Return(b.Int(3)),
	)
	out, err := Eval(b.Build(), 0)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if string(out.Stdout) != "14" || out.Exit != 3 {
		t.Fatalf("outcome=%+v, want stdout 14 exit 3", out)
	}
}

func TestEvalTrapAndExitDepth(t *testing.T) {
	b := NewBuilder()
	b.Func("main", "main", nil,
		b.If(b.Int(1), b.Block(b.While(b.Int(1), b.Block(b.Return(b.Int(7))))), InvalidNode),
		b.Print(b.Str("unreachable")),
	)
	out, err := Eval(b.Build(), 0)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if out.Exit != 7 || len(out.Stdout) != 0 {
		t.Fatalf("outcome=%+v, want exit 7 and no output", out)
	}

	b = NewBuilder()
	b.Func("main", "main", nil,
		b.Print(b.Str("a")),
		b.Print(b.Binary(OpDiv, b.Int(1), b.Int(0))),
	)
	out, err = Eval(b.Build(), 0)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !out.Trapped || string(out.Stdout) != "a" {
		t.Fatalf("outcome=%+v, want trap after printing a", out)
	}
}

func TestEvalStepLimit(t *testing.T) {
	b := NewBuilder()
	b.Func("main", "main", nil, b.While(b.Int(1), b.Block()))
	if _, err := Eval(b.Build(), 1000); !errors.Is(err, ErrStepLimit) {
		t.Fatalf("err=%v, want ErrStepLimit", err)
	}
}

func TestEvalBinarySemantics(t *testing.T) {
	tests := []struct {
		op   Op
		a, b int64
		want int64
		ok   bool
	}{
		{OpAdd, math.MaxInt64, 1, math.MinInt64, true},
		{OpShl, 1, 65, 2, true},
		{OpShr, -8, 1, -4, true},
		{OpDiv, -7, 2, -3, true},
		{OpMod, -7, 2, -1, true},
		{OpDiv, math.MinInt64, -1, 0, false},
		{OpMod, 5, 0, 0, false},
		{OpLe, 2, 2, 1, true},
	}
	for _, tc := range tests {
		got, ok := EvalBinary(tc.op, tc.a, tc.b)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("%v(%d,%d)=(%d,%v), want (%d,%v)", tc.op, tc.a, tc.b, got, ok, tc.want, tc.ok)
		}
	}
	if EvalUnary(OpNot, 5) != 0 || EvalUnary(OpNot, 0) != 1 {
		t.Fatalf("not is not logical")
	}
}
