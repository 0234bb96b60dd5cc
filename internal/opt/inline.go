package opt

import (
	"github.com/tinyrange/nativec/internal/tree"
)

// InlineThreshold is the largest callee expression, in nodes, that is
// substituted at call sites.
const InlineThreshold = 8

type inlinee struct {
	unit   string
	params []string
	expr   tree.NodeID
}

// snapshot is the read-only view of the whole program taken at the start of
// a round. Workers share it without locking.
type snapshot struct {
	t        *tree.Tree
	inlinees map[string]*inlinee
}

func newSnapshot(t *tree.Tree) *snapshot {
	s := &snapshot{t: t, inlinees: make(map[string]*inlinee)}
	for _, f := range t.Funcs() {
		if f.Symbol() == t.EntryName() {
			// Returning from the entry function exits the program.
			continue
		}
		body := t.At(t.Body(f.ID))
		if len(body.Kids) != 1 {
			continue
		}
		ret := t.At(body.Kids[0])
		if ret.Kind != tree.KindReturn || len(ret.Kids) != 1 {
			continue
		}
		if count(t, ret.Kids[0]) > InlineThreshold {
			continue
		}
		s.inlinees[f.Symbol()] = &inlinee{
			unit:   f.Unit,
			params: t.At(f.ID).Params,
			expr:   ret.Kids[0],
		}
	}

	// Drop recursive candidates, otherwise inlining never settles.
	var recursive []string
	for sym := range s.inlinees {
		if s.reaches(sym, sym, make(map[string]bool)) {
			recursive = append(recursive, sym)
		}
	}
	for _, sym := range recursive {
		delete(s.inlinees, sym)
	}
	return s
}

func (s *snapshot) reaches(from, target string, seen map[string]bool) bool {
	in, ok := s.inlinees[from]
	if !ok || seen[from] {
		return false
	}
	seen[from] = true
	found := false
	s.t.Walk(in.expr, func(_ tree.NodeID, n *tree.Node) bool {
		if found || n.Kind != tree.KindCall {
			return !found
		}
		callee := tree.ResolveCall(in.unit, n.Str)
		if callee == target || s.reaches(callee, target, seen) {
			found = true
		}
		return !found
	})
	return found
}

// inlineCalls substitutes trivial same-unit callees at call sites whose
// arguments can be duplicated or dropped freely.
func inlineCalls(fc *funcCtx) bool {
	t := fc.t
	var calls []tree.NodeID
	t.Walk(t.Root, func(id tree.NodeID, n *tree.Node) bool {
		if n.Kind == tree.KindCall {
			calls = append(calls, id)
		}
		return true
	})

	changed := false
	for _, id := range calls {
		n := t.At(id)
		target := tree.ResolveCall(fc.unit, n.Str)
		in, ok := fc.snap.inlinees[target]
		if !ok || target == fc.symbol || in.unit != fc.unit || len(in.params) != len(n.Kids) {
			continue
		}
		args := make(map[string]tree.NodeID, len(n.Kids))
		safe := true
		for i, arg := range n.Kids {
			if !movable(t, arg) {
				safe = false
				break
			}
			args[in.params[i]] = arg
		}
		if !safe {
			continue
		}
		body := fc.importExpr(fc.snap.t, in.expr, args)
		replace(t, id, *t.At(body))
		changed = true
	}
	return changed
}

// importExpr copies an expression from src into the function arena,
// substituting a fresh copy of the bound argument for each parameter read.
func (fc *funcCtx) importExpr(src *tree.Tree, id tree.NodeID, args map[string]tree.NodeID) tree.NodeID {
	n := *src.At(id)
	if n.Kind == tree.KindVar {
		if arg, ok := args[n.Str]; ok {
			return copyExpr(fc.t, arg)
		}
	}
	kids := n.Kids
	n.Kids = nil
	if n.Origin == tree.InvalidNode {
		n.Origin = id
	}
	out := fc.t.Add(n)
	for _, kid := range kids {
		k := fc.importExpr(src, kid, args)
		fc.t.Nodes[out].Kids = append(fc.t.Nodes[out].Kids, k)
	}
	return out
}
