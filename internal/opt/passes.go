package opt

import (
	"github.com/tinyrange/nativec/internal/tree"
)

// foldConstants evaluates literal arithmetic, applies algebraic identities
// and turns the negation of a comparison into the inverted comparison.
func foldConstants(fc *funcCtx) bool {
	return foldNode(fc.t, fc.t.Root)
}

func foldNode(t *tree.Tree, id tree.NodeID) bool {
	changed := false
	for _, kid := range t.At(id).Kids {
		if foldNode(t, kid) {
			changed = true
		}
	}
	switch t.At(id).Kind {
	case tree.KindBinary:
		if foldBinary(t, id) {
			changed = true
		}
	case tree.KindUnary:
		if foldUnary(t, id) {
			changed = true
		}
	case tree.KindIntrinsic:
		if foldIntrinsic(t, id) {
			changed = true
		}
	}
	return changed
}

func isLit(n *tree.Node, v int64) bool {
	return n.Kind == tree.KindInt && n.Int == v
}

func foldBinary(t *tree.Tree, id tree.NodeID) bool {
	n := t.At(id)
	l, r := t.At(n.Kids[0]), t.At(n.Kids[1])

	if l.Kind == tree.KindInt && r.Kind == tree.KindInt {
		v, ok := tree.EvalBinary(n.Op, l.Int, r.Int)
		if !ok {
			// Leave the trap for run time.
			return false
		}
		replace(t, id, tree.Node{Kind: tree.KindInt, Int: v})
		return true
	}

	// keep replaces the node with one of its operands.
	keep := func(i int) bool {
		replace(t, id, *t.At(n.Kids[i]))
		return true
	}
	zero := func(other int) bool {
		if !movable(t, n.Kids[other]) {
			return false
		}
		replace(t, id, tree.Node{Kind: tree.KindInt, Int: 0})
		return true
	}

	switch n.Op {
	case tree.OpAdd, tree.OpOr, tree.OpXor:
		if isLit(r, 0) {
			return keep(0)
		}
		if isLit(l, 0) {
			return keep(1)
		}
	case tree.OpSub, tree.OpShl, tree.OpShr:
		if isLit(r, 0) {
			return keep(0)
		}
	case tree.OpMul:
		if isLit(r, 1) {
			return keep(0)
		}
		if isLit(l, 1) {
			return keep(1)
		}
		if isLit(r, 0) {
			return zero(0)
		}
		if isLit(l, 0) {
			return zero(1)
		}
	case tree.OpDiv:
		if isLit(r, 1) {
			return keep(0)
		}
	case tree.OpAnd:
		if isLit(r, -1) {
			return keep(0)
		}
		if isLit(l, -1) {
			return keep(1)
		}
		if isLit(r, 0) {
			return zero(0)
		}
		if isLit(l, 0) {
			return zero(1)
		}
	}
	return false
}

func foldUnary(t *tree.Tree, id tree.NodeID) bool {
	n := t.At(id)
	x := t.At(n.Kids[0])
	switch {
	case x.Kind == tree.KindInt:
		replace(t, id, tree.Node{Kind: tree.KindInt, Int: tree.EvalUnary(n.Op, x.Int)})
		return true
	case n.Op == tree.OpNot && x.Kind == tree.KindBinary && x.Op.IsComparison():
		inv := *x
		inv.Op = x.Op.Negate()
		replace(t, id, inv)
		return true
	case n.Op == tree.OpNeg && x.Kind == tree.KindUnary && x.Op == tree.OpNeg:
		replace(t, id, *t.At(x.Kids[0]))
		return true
	}
	return false
}

func foldIntrinsic(t *tree.Tree, id tree.NodeID) bool {
	n := t.At(id)
	if !pureIntrinsic[n.Str] {
		return false
	}
	args := make([]int64, len(n.Kids))
	for i, kid := range n.Kids {
		k := t.At(kid)
		if k.Kind != tree.KindInt {
			return false
		}
		args[i] = k.Int
	}
	v, ok := tree.EvalIntrinsic(n.Str, args)
	if !ok {
		return false
	}
	replace(t, id, tree.Node{Kind: tree.KindInt, Int: v})
	return true
}

// eliminateDead removes branches and loops whose condition is a literal,
// statements after a return, and expression statements without effects.
func eliminateDead(fc *funcCtx) bool {
	t := fc.t
	body := t.Body(t.Root)
	changed := pruneBlock(t, body)
	if changed {
		declareOrphans(t, t.Root)
	}
	return changed
}

func pruneBlock(t *tree.Tree, blk tree.NodeID) bool {
	changed := false
	kids := t.At(blk).Kids
	out := make([]tree.NodeID, 0, len(kids))

	for i, s := range kids {
		n := t.At(s)
		switch n.Kind {
		case tree.KindIf:
			for _, b := range n.Kids[1:] {
				if pruneBlock(t, b) {
					changed = true
				}
			}
		case tree.KindWhile:
			if pruneBlock(t, n.Kids[1]) {
				changed = true
			}
		case tree.KindBlock:
			pruneBlock(t, s)
		}

		cond := tree.InvalidNode
		if n.Kind == tree.KindIf || n.Kind == tree.KindWhile {
			cond = n.Kids[0]
		}

		switch {
		case n.Kind == tree.KindIf && t.At(cond).Kind == tree.KindInt:
			changed = true
			switch {
			case t.At(cond).Int != 0:
				out = append(out, t.At(n.Kids[1]).Kids...)
			case len(n.Kids) == 3:
				out = append(out, t.At(n.Kids[2]).Kids...)
			}
		case n.Kind == tree.KindIf && len(n.Kids) == 3 && len(t.At(n.Kids[2]).Kids) == 0:
			changed = true
			n.Kids = n.Kids[:2]
			out = append(out, s)
		case n.Kind == tree.KindIf && len(n.Kids) == 2 && len(t.At(n.Kids[1]).Kids) == 0 && movable(t, cond):
			changed = true
		case n.Kind == tree.KindWhile && isLit(t.At(cond), 0):
			changed = true
		case n.Kind == tree.KindBlock:
			changed = true
			out = append(out, n.Kids...)
		case n.Kind.IsExpr() && movable(t, s):
			changed = true
		default:
			out = append(out, s)
		}

		if len(out) > 0 && t.At(out[len(out)-1]).Kind == tree.KindReturn {
			if i < len(kids)-1 {
				changed = true
			}
			break
		}
	}
	t.Nodes[blk].Kids = out
	return changed
}

// declareOrphans keeps variables whose every assignment was removed
// defined. Locals start at zero, so assigning zero on entry is a no-op.
func declareOrphans(t *tree.Tree, fn tree.NodeID) {
	defined := make(map[string]bool)
	writes(t, fn, defined)
	for _, p := range t.At(fn).Params {
		defined[p] = true
	}
	used := make(map[string]bool)
	reads(t, fn, used)

	origin := t.At(fn).Origin
	var decls []tree.NodeID
	for _, name := range sortedKeys(used) {
		if defined[name] {
			continue
		}
		zero := t.Add(tree.Node{Kind: tree.KindInt, Origin: origin})
		decls = append(decls, t.Add(tree.Node{Kind: tree.KindLet, Str: name, Kids: []tree.NodeID{zero}, Origin: origin}))
	}
	if len(decls) == 0 {
		return
	}
	body := t.Body(fn)
	t.Nodes[body].Kids = append(decls, t.Nodes[body].Kids...)
}
