package opt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/nativec/internal/tree"
)

// key renders an expression canonically so structurally equal expressions
// share a key.
func key(t *tree.Tree, id tree.NodeID) string {
	var sb strings.Builder
	writeKey(&sb, t, id)
	return sb.String()
}

func writeKey(sb *strings.Builder, t *tree.Tree, id tree.NodeID) {
	n := t.At(id)
	switch n.Kind {
	case tree.KindInt:
		sb.WriteString(strconv.FormatInt(n.Int, 10))
		return
	case tree.KindVar:
		sb.WriteString("$" + n.Str)
		return
	case tree.KindStr:
		sb.WriteString(strconv.Quote(n.Str))
		return
	}
	fmt.Fprintf(sb, "(%s", n.Kind)
	if n.Op != tree.OpNone {
		sb.WriteString(" " + n.Op.String())
	}
	if n.Str != "" {
		sb.WriteString(" " + n.Str)
	}
	for _, kid := range n.Kids {
		sb.WriteByte(' ')
		writeKey(sb, t, kid)
	}
	sb.WriteByte(')')
}

// pureIntrinsic lists intrinsics without side effects.
var pureIntrinsic = map[string]bool{
	"bswap":  true,
	"popcnt": true,
}

// pure reports whether evaluating id has no effect besides its value and a
// possible trap.
func pure(t *tree.Tree, id tree.NodeID) bool {
	n := t.At(id)
	switch n.Kind {
	case tree.KindInt, tree.KindVar:
		return true
	case tree.KindBinary, tree.KindUnary:
	case tree.KindIntrinsic:
		if !pureIntrinsic[n.Str] {
			return false
		}
	default:
		return false
	}
	for _, kid := range n.Kids {
		if !pure(t, kid) {
			return false
		}
	}
	return true
}

// mayTrap reports whether id contains a division whose divisor is not a
// literal known to be safe.
func mayTrap(t *tree.Tree, id tree.NodeID) bool {
	n := t.At(id)
	if n.Kind == tree.KindBinary && n.Op.Traps() {
		d := t.At(n.Kids[1])
		if d.Kind != tree.KindInt || d.Int == 0 || d.Int == -1 {
			return true
		}
	}
	for _, kid := range n.Kids {
		if mayTrap(t, kid) {
			return true
		}
	}
	return false
}

// movable expressions can be evaluated earlier, later or not at all
// without a visible difference.
func movable(t *tree.Tree, id tree.NodeID) bool {
	return pure(t, id) && !mayTrap(t, id)
}

// reads collects the variables read by an expression.
func reads(t *tree.Tree, id tree.NodeID, into map[string]bool) {
	n := t.At(id)
	if n.Kind == tree.KindVar {
		into[n.Str] = true
	}
	for _, kid := range n.Kids {
		reads(t, kid, into)
	}
}

// writes collects the variables assigned anywhere under a statement.
func writes(t *tree.Tree, id tree.NodeID, into map[string]bool) {
	n := t.At(id)
	if n.Kind == tree.KindLet {
		into[n.Str] = true
	}
	for _, kid := range n.Kids {
		writes(t, kid, into)
	}
}

func count(t *tree.Tree, id tree.NodeID) int {
	c := 1
	for _, kid := range t.At(id).Kids {
		c += count(t, kid)
	}
	return c
}

// copyExpr deep copies id within t.
func copyExpr(t *tree.Tree, id tree.NodeID) tree.NodeID {
	n := *t.At(id)
	kids := n.Kids
	n.Kids = nil
	n.Params = append([]string(nil), n.Params...)
	out := t.Add(n)
	for _, kid := range kids {
		k := copyExpr(t, kid)
		t.Nodes[out].Kids = append(t.Nodes[out].Kids, k)
	}
	return out
}

// replace overwrites the node at id, keeping its origin so profile data
// still applies.
func replace(t *tree.Tree, id tree.NodeID, n tree.Node) {
	origin := t.Nodes[id].Origin
	t.Nodes[id] = n
	if origin != tree.InvalidNode {
		t.Nodes[id].Origin = origin
	}
}

// evaluated lists the unconditionally evaluated expressions of a statement:
// everything a Let, Print, Return or expression statement computes and the
// condition of an If. Loop conditions and nested blocks are excluded.
func evaluated(t *tree.Tree, stmt tree.NodeID) []tree.NodeID {
	n := t.At(stmt)
	switch n.Kind {
	case tree.KindLet, tree.KindIf:
		return n.Kids[:1]
	case tree.KindReturn, tree.KindPrint:
		if len(n.Kids) == 1 && t.At(n.Kids[0]).Kind != tree.KindStr {
			return n.Kids[:1]
		}
		return nil
	case tree.KindBlock, tree.KindWhile:
		return nil
	}
	return []tree.NodeID{stmt}
}

// tempName returns a local name prefix.N unused in the function.
func tempName(t *tree.Tree, fn tree.NodeID, prefix string) string {
	used := make(map[string]bool)
	writes(t, fn, used)
	for _, p := range t.At(fn).Params {
		used[p] = true
	}
	for i := 0; ; i++ {
		name := prefix + "." + strconv.Itoa(i)
		if !used[name] {
			return name
		}
	}
}
