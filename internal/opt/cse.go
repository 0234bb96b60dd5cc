package opt

import (
	"sort"

	"github.com/tinyrange/nativec/internal/tree"
)

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// candidates lists the movable operator nodes under id in preorder.
func candidates(t *tree.Tree, id tree.NodeID, out []tree.NodeID) []tree.NodeID {
	n := t.At(id)
	if (n.Kind == tree.KindBinary || n.Kind == tree.KindUnary) && movable(t, id) {
		out = append(out, id)
	}
	for _, kid := range n.Kids {
		out = candidates(t, kid, out)
	}
	return out
}

// rewrite replaces every occurrence of the expression with key k under id
// by a read of name. It reports how many nodes were replaced.
func rewrite(t *tree.Tree, id tree.NodeID, k string, name string) int {
	n := t.At(id)
	if (n.Kind == tree.KindBinary || n.Kind == tree.KindUnary) && key(t, id) == k {
		replace(t, id, tree.Node{Kind: tree.KindVar, Str: name})
		return 1
	}
	c := 0
	for _, kid := range n.Kids {
		c += rewrite(t, kid, k, name)
	}
	return c
}

// eliminateCommon computes expressions repeated within one block once.
// Only statements evaluated unconditionally by the block take part, and an
// assignment to any variable an expression reads ends its window.
func eliminateCommon(fc *funcCtx) bool {
	t := fc.t
	var blocks []tree.NodeID
	t.Walk(t.Root, func(id tree.NodeID, n *tree.Node) bool {
		if n.Kind == tree.KindBlock {
			blocks = append(blocks, id)
		}
		return true
	})

	changed := false
	for _, blk := range blocks {
		for cseOnce(fc, blk) {
			changed = true
		}
	}
	return changed
}

func cseOnce(fc *funcCtx, blk tree.NodeID) bool {
	t := fc.t
	stmts := t.At(blk).Kids

	for first, s := range stmts {
		for _, expr := range evaluated(t, s) {
			for _, cand := range candidates(t, expr, nil) {
				k := key(t, cand)
				used := make(map[string]bool)
				reads(t, cand, used)

				last, hits := window(t, stmts, first, k, used)
				if hits < 2 {
					continue
				}

				name := tempName(t, t.Root, "cse")
				origin := t.At(cand).Origin
				value := copyExpr(t, cand)
				let := t.Add(tree.Node{Kind: tree.KindLet, Str: name, Kids: []tree.NodeID{value}, Origin: origin})
				for _, s := range stmts[first : last+1] {
					for _, e := range evaluated(t, s) {
						rewrite(t, e, k, name)
					}
				}
				out := make([]tree.NodeID, 0, len(stmts)+1)
				out = append(out, stmts[:first]...)
				out = append(out, let)
				out = append(out, stmts[first:]...)
				t.Nodes[blk].Kids = out
				return true
			}
		}
	}
	return false
}

// window counts occurrences of k starting at statement first and returns
// the index of the last statement in which the value is still valid.
func window(t *tree.Tree, stmts []tree.NodeID, first int, k string, used map[string]bool) (last, hits int) {
	last = first
	for i := first; i < len(stmts); i++ {
		n := 0
		for _, e := range evaluated(t, stmts[i]) {
			n += occurrences(t, e, k)
		}
		if n > 0 {
			hits += n
			last = i
		}
		killed := make(map[string]bool)
		writes(t, stmts[i], killed)
		for v := range killed {
			if used[v] {
				return last, hits
			}
		}
	}
	return last, hits
}

func occurrences(t *tree.Tree, id tree.NodeID, k string) int {
	n := t.At(id)
	if (n.Kind == tree.KindBinary || n.Kind == tree.KindUnary) && key(t, id) == k {
		return 1
	}
	c := 0
	for _, kid := range n.Kids {
		c += occurrences(t, kid, k)
	}
	return c
}

// hoistInvariants moves movable expressions out of loops when nothing in
// the loop assigns the variables they read. The value is computed once
// before the loop even if the loop never runs, which is only safe because
// the expression cannot trap.
func hoistInvariants(fc *funcCtx) bool {
	t := fc.t
	changed := false
	for hoistOnce(fc, t.Body(t.Root)) {
		changed = true
	}
	return changed
}

func hoistOnce(fc *funcCtx, blk tree.NodeID) bool {
	t := fc.t
	stmts := t.At(blk).Kids
	for i, s := range stmts {
		n := t.At(s)
		switch n.Kind {
		case tree.KindIf:
			for _, b := range n.Kids[1:] {
				if hoistOnce(fc, b) {
					return true
				}
			}
			continue
		case tree.KindBlock:
			if hoistOnce(fc, s) {
				return true
			}
			continue
		case tree.KindWhile:
		default:
			continue
		}

		// Inner loops first so invariants bubble outwards one level per
		// round.
		if hoistOnce(fc, n.Kids[1]) {
			return true
		}

		assigned := make(map[string]bool)
		writes(t, s, assigned)
		for _, cand := range candidates(t, s, nil) {
			used := make(map[string]bool)
			reads(t, cand, used)
			invariant := len(used) > 0
			for v := range used {
				if assigned[v] {
					invariant = false
					break
				}
			}
			if !invariant {
				continue
			}

			k := key(t, cand)
			name := tempName(t, t.Root, "licm")
			origin := t.At(cand).Origin
			value := copyExpr(t, cand)
			let := t.Add(tree.Node{Kind: tree.KindLet, Str: name, Kids: []tree.NodeID{value}, Origin: origin})
			rewrite(t, s, k, name)

			out := make([]tree.NodeID, 0, len(stmts)+1)
			out = append(out, stmts[:i]...)
			out = append(out, let)
			out = append(out, stmts[i:]...)
			t.Nodes[blk].Kids = out
			return true
		}
	}
	return false
}
