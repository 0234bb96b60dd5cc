// Package treetest generates random well-formed programs for property
// tests.
package treetest

import (
	"fmt"
	"math"

	"pgregory.net/rapid"

	"github.com/tinyrange/nativec/internal/tree"
)

var literals = []int64{0, 1, -1, 2, 3, 7, 8, 63, 64, 100, -100, math.MaxInt64, math.MinInt64}

var binaryOps = []tree.Op{
	tree.OpAdd, tree.OpSub, tree.OpMul, tree.OpDiv, tree.OpMod,
	tree.OpAnd, tree.OpOr, tree.OpXor, tree.OpShl, tree.OpShr,
	tree.OpEq, tree.OpNe, tree.OpLt, tree.OpLe, tree.OpGt, tree.OpGe,
}

// locals every generated main assigns before anything else.
var locals = []string{"x", "y", "z"}

type helper struct {
	name   string
	params []string
}

type gen struct {
	t       *rapid.T
	b       *tree.Builder
	helpers []helper
	// callable is how many helpers the function being built may call.
	callable int
	scope    []string
	loops    int
	// Traps toggles division and modulo, which can fault at run time.
	traps bool
}

// Options tune Program.
type Options struct {
	// NoTraps keeps division and modulo out of generated programs.
	NoTraps bool
}

// Program generates a validated tree with a main.main entry point, a few
// helper functions and bounded loops, so every program terminates.
func Program(opts Options) *rapid.Generator[*tree.Tree] {
	return rapid.Custom(func(t *rapid.T) *tree.Tree {
		g := &gen{t: t, b: tree.NewBuilder(), traps: !opts.NoTraps}
		return g.program()
	})
}

func (g *gen) program() *tree.Tree {
	n := rapid.IntRange(0, 3).Draw(g.t, "helpers")
	for i := 0; i < n; i++ {
		arity := rapid.IntRange(0, 2).Draw(g.t, "arity")
		h := helper{name: fmt.Sprintf("h%d", i)}
		for p := 0; p < arity; p++ {
			h.params = append(h.params, fmt.Sprintf("p%d", p))
		}
		g.callable = i
		g.scope = h.params
		var body []tree.NodeID
		if rapid.Bool().Draw(g.t, "trivial") {
			body = []tree.NodeID{g.b.Return(g.expr(2))}
		} else {
			g.scope = append(append([]string(nil), h.params...), "t0")
			body = append(body, g.b.Let("t0", g.expr(1)))
			body = append(body, g.stmts(1, 3)...)
			body = append(body, g.b.Return(g.expr(2)))
		}
		g.b.Func("main", h.name, h.params, body...)
		g.helpers = append(g.helpers, h)
	}

	g.callable = len(g.helpers)
	g.scope = locals
	var body []tree.NodeID
	for _, v := range locals {
		body = append(body, g.b.Let(v, g.b.Int(g.literal())))
	}
	body = append(body, g.stmts(2, 6)...)
	if rapid.Bool().Draw(g.t, "explicit return") {
		body = append(body, g.b.Return(g.expr(2)))
	}
	g.b.Func("main", "main", nil, body...)
	return g.b.Build()
}

func (g *gen) literal() int64 {
	if rapid.Bool().Draw(g.t, "small literal") {
		return rapid.Int64Range(-20, 20).Draw(g.t, "int")
	}
	return rapid.SampledFrom(literals).Draw(g.t, "literal")
}

func (g *gen) expr(depth int) tree.NodeID {
	choice := rapid.IntRange(0, 9).Draw(g.t, "expr")
	if depth <= 0 {
		choice %= 2
	}
	switch choice {
	case 0:
		return g.b.Int(g.literal())
	case 1:
		if len(g.scope) == 0 {
			return g.b.Int(g.literal())
		}
		return g.b.Var(rapid.SampledFrom(g.scope).Draw(g.t, "var"))
	case 2, 3, 4, 5:
		op := rapid.SampledFrom(binaryOps).Draw(g.t, "op")
		if !g.traps && op.Traps() {
			op = tree.OpAdd
		}
		return g.b.Binary(op, g.expr(depth-1), g.expr(depth-1))
	case 6:
		op := rapid.SampledFrom([]tree.Op{tree.OpNeg, tree.OpNot}).Draw(g.t, "unary")
		return g.b.Unary(op, g.expr(depth-1))
	case 7:
		// Repeat a subexpression so common subexpression elimination has
		// something to find.
		a, b := g.expr(depth-1), g.expr(0)
		return g.b.Binary(tree.OpAdd, g.b.Binary(tree.OpMul, a, b), g.b.Binary(tree.OpMul, g.clone(a), g.clone(b)))
	case 8:
		if g.callable == 0 {
			return g.b.Int(g.literal())
		}
		h := g.helpers[rapid.IntRange(0, g.callable-1).Draw(g.t, "callee")]
		args := make([]tree.NodeID, len(h.params))
		for i := range args {
			args[i] = g.expr(depth - 1)
		}
		return g.b.Call(h.name, args...)
	default:
		name := rapid.SampledFrom([]string{"bswap", "popcnt"}).Draw(g.t, "intrinsic")
		return g.b.Intrinsic(name, g.expr(depth-1))
	}
}

// clone rebuilds the expression at id so the tree stays free of sharing.
func (g *gen) clone(id tree.NodeID) tree.NodeID {
	n := *g.b.Node(id)
	switch n.Kind {
	case tree.KindInt:
		return g.b.Int(n.Int)
	case tree.KindVar:
		return g.b.Var(n.Str)
	case tree.KindBinary:
		return g.b.Binary(n.Op, g.clone(n.Kids[0]), g.clone(n.Kids[1]))
	case tree.KindUnary:
		return g.b.Unary(n.Op, g.clone(n.Kids[0]))
	case tree.KindCall:
		args := make([]tree.NodeID, len(n.Kids))
		for i, kid := range n.Kids {
			args[i] = g.clone(kid)
		}
		return g.b.Call(n.Str, args...)
	case tree.KindIntrinsic:
		return g.b.Intrinsic(n.Str, g.clone(n.Kids[0]))
	}
	panic(fmt.Sprintf("treetest: cannot clone %s", n.Kind))
}

func (g *gen) stmts(min, max int) []tree.NodeID {
	n := rapid.IntRange(min, max).Draw(g.t, "statements")
	out := make([]tree.NodeID, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, g.stmt(2)...)
	}
	return out
}

func (g *gen) assignable() []string {
	var out []string
	for _, v := range g.scope {
		if len(v) > 0 && v[0] != 'c' {
			out = append(out, v)
		}
	}
	return out
}

func (g *gen) stmt(depth int) []tree.NodeID {
	choice := rapid.IntRange(0, 7).Draw(g.t, "stmt")
	if depth <= 0 && choice >= 4 {
		choice %= 4
	}
	switch choice {
	case 0:
		vars := g.assignable()
		if len(vars) == 0 {
			return []tree.NodeID{g.b.Print(g.expr(2))}
		}
		v := rapid.SampledFrom(vars).Draw(g.t, "assign")
		return []tree.NodeID{g.b.Let(v, g.expr(3))}
	case 1:
		return []tree.NodeID{g.b.Print(g.expr(3))}
	case 2:
		s := rapid.SampledFrom([]string{"a", "Hello, World!", "\n", " "}).Draw(g.t, "str")
		return []tree.NodeID{g.b.Print(g.b.Str(s))}
	case 3:
		if rapid.IntRange(0, 9).Draw(g.t, "early return") == 0 {
			return []tree.NodeID{g.b.Return(g.expr(1))}
		}
		return []tree.NodeID{g.expr(2)}
	case 4, 5:
		cond := g.expr(2)
		then := g.b.Block(g.block(depth - 1)...)
		els := tree.InvalidNode
		if rapid.Bool().Draw(g.t, "else") {
			els = g.b.Block(g.block(depth - 1)...)
		}
		return []tree.NodeID{g.b.If(cond, then, els)}
	default:
		counter := fmt.Sprintf("c%d", g.loops)
		g.loops++
		limit := rapid.Int64Range(0, 4).Draw(g.t, "iterations")
		saved := g.scope
		g.scope = append(append([]string(nil), g.scope...), counter)
		body := g.block(depth - 1)
		g.scope = saved
		body = append(body, g.b.Let(counter, g.b.Binary(tree.OpAdd, g.b.Var(counter), g.b.Int(1))))
		return []tree.NodeID{
			g.b.Let(counter, g.b.Int(0)),
			g.b.While(g.b.Binary(tree.OpLt, g.b.Var(counter), g.b.Int(limit)), g.b.Block(body...)),
		}
	}
}

func (g *gen) block(depth int) []tree.NodeID {
	n := rapid.IntRange(0, 3).Draw(g.t, "block")
	var out []tree.NodeID
	for i := 0; i < n; i++ {
		out = append(out, g.stmt(depth)...)
	}
	return out
}
