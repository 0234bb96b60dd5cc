// Package tree holds the program tree handed to the backend by the front-end.
//
// Nodes live in a single arena and refer to each other by NodeID. Passes
// never rewrite an arena they did not allocate: they build a new one and
// record in Node.Origin which input node each output node came from.
package tree

import (
	"fmt"
	"strings"
)

// NodeID indexes Tree.Nodes. Zero is never a valid node.
type NodeID int32

const InvalidNode NodeID = 0

// DefaultEntry is used when Tree.Entry is empty.
const DefaultEntry = "main.main"

type Kind uint8

const (
	KindInvalid Kind = iota
	KindModule
	KindUnit
	KindFunc
	KindBlock
	KindLet
	KindIf
	KindWhile
	KindReturn
	KindPrint
	KindInt
	KindStr
	KindVar
	KindBinary
	KindUnary
	KindCall
	KindRuntime
	KindIntrinsic
)

var kindNames = [...]string{
	KindInvalid:   "invalid",
	KindModule:    "module",
	KindUnit:      "unit",
	KindFunc:      "func",
	KindBlock:     "block",
	KindLet:       "let",
	KindIf:        "if",
	KindWhile:     "while",
	KindReturn:    "return",
	KindPrint:     "print",
	KindInt:       "int",
	KindStr:       "str",
	KindVar:       "var",
	KindBinary:    "binary",
	KindUnary:     "unary",
	KindCall:      "call",
	KindRuntime:   "runtime",
	KindIntrinsic: "intrinsic",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps the interchange name of a kind back to its value.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if k != int(KindInvalid) && name == s {
			return Kind(k), nil
		}
	}
	return KindInvalid, fmt.Errorf("tree: unknown node kind %q", s)
}

// IsExpr reports whether nodes of this kind produce a value.
func (k Kind) IsExpr() bool {
	switch k {
	case KindInt, KindVar, KindBinary, KindUnary, KindCall, KindRuntime, KindIntrinsic:
		return true
	}
	return false
}

// IsStmt reports whether the kind may appear directly inside a block.
func (k Kind) IsStmt() bool {
	switch k {
	case KindBlock, KindLet, KindIf, KindWhile, KindReturn, KindPrint:
		return true
	}
	return k.IsExpr()
}

type Op uint8

const (
	OpNone Op = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpNeg
	OpNot
)

var opNames = [...]string{
	OpNone: "",
	OpAdd:  "add",
	OpSub:  "sub",
	OpMul:  "mul",
	OpDiv:  "div",
	OpMod:  "mod",
	OpAnd:  "and",
	OpOr:   "or",
	OpXor:  "xor",
	OpShl:  "shl",
	OpShr:  "shr",
	OpEq:   "eq",
	OpNe:   "ne",
	OpLt:   "lt",
	OpLe:   "le",
	OpGt:   "gt",
	OpGe:   "ge",
	OpNeg:  "neg",
	OpNot:  "not",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

func ParseOp(s string) (Op, error) {
	for o, name := range opNames {
		if o != int(OpNone) && name == s {
			return Op(o), nil
		}
	}
	return OpNone, fmt.Errorf("tree: unknown operator %q", s)
}

func (o Op) IsBinary() bool { return o >= OpAdd && o <= OpGe }

func (o Op) IsUnary() bool { return o == OpNeg || o == OpNot }

func (o Op) IsComparison() bool { return o >= OpEq && o <= OpGe }

// Traps reports whether evaluating the operator can fault at run time.
func (o Op) Traps() bool { return o == OpDiv || o == OpMod }

// Commutative operators may have their operands swapped freely.
func (o Op) Commutative() bool {
	switch o {
	case OpAdd, OpMul, OpAnd, OpOr, OpXor, OpEq, OpNe:
		return true
	}
	return false
}

// Negate returns the comparison that holds exactly when o does not.
func (o Op) Negate() Op {
	switch o {
	case OpEq:
		return OpNe
	case OpNe:
		return OpEq
	case OpLt:
		return OpGe
	case OpGe:
		return OpLt
	case OpGt:
		return OpLe
	case OpLe:
		return OpGt
	}
	return OpNone
}

type Flags uint8

const (
	// FlagExported makes a function visible to other units without LTO.
	FlagExported Flags = 1 << iota
	// FlagHotSwapped marks an If whose branches were swapped by profile
	// guided layout.
	FlagHotSwapped
)

type Node struct {
	Kind   Kind
	Op     Op
	Int    int64
	Str    string
	Params []string
	Kids   []NodeID
	Flags  Flags
	Origin NodeID
}

func (n *Node) Has(f Flags) bool { return n.Flags&f != 0 }

type Tree struct {
	// Nodes[0] is reserved so the zero NodeID never resolves.
	Nodes []Node
	Root  NodeID
	Entry string
}

func New() *Tree {
	return &Tree{Nodes: make([]Node, 1)}
}

func (t *Tree) Add(n Node) NodeID {
	if len(t.Nodes) == 0 {
		t.Nodes = make([]Node, 1)
	}
	t.Nodes = append(t.Nodes, n)
	return NodeID(len(t.Nodes) - 1)
}

func (t *Tree) Has(id NodeID) bool {
	return id > 0 && int(id) < len(t.Nodes)
}

// At returns the node for id or nil when id is out of range.
func (t *Tree) At(id NodeID) *Node {
	if !t.Has(id) {
		return nil
	}
	return &t.Nodes[id]
}

func (t *Tree) EntryName() string {
	if t.Entry == "" {
		return DefaultEntry
	}
	return t.Entry
}

// Walk visits id and its descendants in preorder. Returning false from fn
// skips the children of that node. Each node is visited once.
func (t *Tree) Walk(id NodeID, fn func(id NodeID, n *Node) bool) {
	seen := make(map[NodeID]bool)
	var visit func(NodeID)
	visit = func(id NodeID) {
		if !t.Has(id) || seen[id] {
			return
		}
		seen[id] = true
		n := &t.Nodes[id]
		if !fn(id, n) {
			return
		}
		for _, kid := range n.Kids {
			visit(kid)
		}
	}
	visit(id)
}

// Size counts the nodes reachable from the root.
func (t *Tree) Size() int {
	count := 0
	t.Walk(t.Root, func(NodeID, *Node) bool {
		count++
		return true
	})
	return count
}

// Clone returns a deep copy of the whole arena, unreachable nodes included.
func (t *Tree) Clone() *Tree {
	out := &Tree{
		Nodes: make([]Node, len(t.Nodes)),
		Root:  t.Root,
		Entry: t.Entry,
	}
	for i, n := range t.Nodes {
		out.Nodes[i] = cloneNode(n)
	}
	return out
}

func cloneNode(n Node) Node {
	n.Params = append([]string(nil), n.Params...)
	n.Kids = append([]NodeID(nil), n.Kids...)
	return n
}

// Import copies the subtree at id in src into t and returns its new ID. The
// copies keep the Origin of the source node, or the source ID itself when
// the source node has none.
func (t *Tree) Import(src *Tree, id NodeID) NodeID {
	if !src.Has(id) {
		return InvalidNode
	}
	n := cloneNode(src.Nodes[id])
	if n.Origin == InvalidNode {
		n.Origin = id
	}
	kids := n.Kids
	n.Kids = nil
	newID := t.Add(n)
	for _, kid := range kids {
		k := t.Import(src, kid)
		t.Nodes[newID].Kids = append(t.Nodes[newID].Kids, k)
	}
	return newID
}

// Compact returns a fresh arena holding only the nodes reachable from the
// root, numbered in preorder.
func (t *Tree) Compact() *Tree {
	out := New()
	out.Entry = t.Entry
	out.Root = out.Import(t, t.Root)
	return out
}

// Extract returns a compacted tree rooted at id.
func (t *Tree) Extract(id NodeID) *Tree {
	out := New()
	out.Entry = t.Entry
	out.Root = out.Import(t, id)
	return out
}

// Equal reports whether a and b describe the same program. Node IDs and
// origins are ignored.
func Equal(a, b *Tree) bool {
	if a.EntryName() != b.EntryName() {
		return false
	}
	return equalNode(a, a.Root, b, b.Root)
}

func equalNode(a *Tree, ai NodeID, b *Tree, bi NodeID) bool {
	an, bn := a.At(ai), b.At(bi)
	if an == nil || bn == nil {
		return an == nil && bn == nil
	}
	if an.Kind != bn.Kind || an.Op != bn.Op || an.Int != bn.Int ||
		an.Str != bn.Str || an.Flags != bn.Flags ||
		len(an.Params) != len(bn.Params) || len(an.Kids) != len(bn.Kids) {
		return false
	}
	for i := range an.Params {
		if an.Params[i] != bn.Params[i] {
			return false
		}
	}
	for i := range an.Kids {
		if !equalNode(a, an.Kids[i], b, bn.Kids[i]) {
			return false
		}
	}
	return true
}

// Qualify joins a unit and function name into a symbol name.
func Qualify(unit, name string) string {
	return unit + "." + name
}

// ResolveCall returns the qualified name a Call in unit refers to.
func ResolveCall(unit, target string) string {
	if strings.Contains(target, ".") {
		return target
	}
	return Qualify(unit, target)
}

// SplitQualified splits "unit.func". ok is false when name has no unit.
func SplitQualified(name string) (unit, fn string, ok bool) {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 || idx == len(name)-1 {
		return "", name, false
	}
	return name[:idx], name[idx+1:], true
}

// FuncRef locates a function in the tree.
type FuncRef struct {
	Unit string
	Name string
	ID   NodeID
	// UnitID is the Unit node holding the function.
	UnitID NodeID
}

func (f FuncRef) Symbol() string { return Qualify(f.Unit, f.Name) }

// Funcs lists every function in source order.
func (t *Tree) Funcs() []FuncRef {
	root := t.At(t.Root)
	if root == nil {
		return nil
	}
	var out []FuncRef
	for _, uid := range root.Kids {
		unit := t.At(uid)
		if unit == nil || unit.Kind != KindUnit {
			continue
		}
		for _, fid := range unit.Kids {
			fn := t.At(fid)
			if fn == nil || fn.Kind != KindFunc {
				continue
			}
			out = append(out, FuncRef{Unit: unit.Str, Name: fn.Str, ID: fid, UnitID: uid})
		}
	}
	return out
}

// LookupFunc finds a function by qualified name.
func (t *Tree) LookupFunc(symbol string) (FuncRef, bool) {
	for _, f := range t.Funcs() {
		if f.Symbol() == symbol {
			return f, true
		}
	}
	return FuncRef{}, false
}

// Body returns the block of a function node.
func (t *Tree) Body(fn NodeID) NodeID {
	n := t.At(fn)
	if n == nil || len(n.Kids) == 0 {
		return InvalidNode
	}
	return n.Kids[0]
}

func (n *Node) String() string {
	var sb strings.Builder
	sb.WriteString(n.Kind.String())
	switch n.Kind {
	case KindInt:
		fmt.Fprintf(&sb, " %d", n.Int)
	case KindBinary, KindUnary:
		fmt.Fprintf(&sb, " %s", n.Op)
	case KindStr:
		fmt.Fprintf(&sb, " %q", n.Str)
	default:
		if n.Str != "" {
			fmt.Fprintf(&sb, " %s", n.Str)
		}
	}
	return sb.String()
}
