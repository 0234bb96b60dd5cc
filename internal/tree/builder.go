package tree

// Builder assembles a tree bottom-up. Functions are grouped into units in
// the order the units are first mentioned.
type Builder struct {
	t      *Tree
	units  []NodeID
	byName map[string]NodeID
}

func NewBuilder() *Builder {
	return &Builder{t: New(), byName: make(map[string]NodeID)}
}

func (b *Builder) add(n Node) NodeID { return b.t.Add(n) }

func (b *Builder) Int(v int64) NodeID { return b.add(Node{Kind: KindInt, Int: v}) }

func (b *Builder) Str(s string) NodeID { return b.add(Node{Kind: KindStr, Str: s}) }

func (b *Builder) Var(name string) NodeID { return b.add(Node{Kind: KindVar, Str: name}) }

func (b *Builder) Binary(op Op, l, r NodeID) NodeID {
	return b.add(Node{Kind: KindBinary, Op: op, Kids: []NodeID{l, r}})
}

func (b *Builder) Unary(op Op, x NodeID) NodeID {
	return b.add(Node{Kind: KindUnary, Op: op, Kids: []NodeID{x}})
}

func (b *Builder) Call(target string, args ...NodeID) NodeID {
	return b.add(Node{Kind: KindCall, Str: target, Kids: args})
}

func (b *Builder) Runtime(symbol string, args ...NodeID) NodeID {
	return b.add(Node{Kind: KindRuntime, Str: symbol, Kids: args})
}

func (b *Builder) Intrinsic(name string, args ...NodeID) NodeID {
	return b.add(Node{Kind: KindIntrinsic, Str: name, Kids: args})
}

func (b *Builder) Let(name string, value NodeID) NodeID {
	return b.add(Node{Kind: KindLet, Str: name, Kids: []NodeID{value}})
}

// If builds a conditional. Pass InvalidNode for els to omit the else branch.
func (b *Builder) If(cond, then, els NodeID) NodeID {
	kids := []NodeID{cond, then}
	if els != InvalidNode {
		kids = append(kids, els)
	}
	return b.add(Node{Kind: KindIf, Kids: kids})
}

func (b *Builder) While(cond, body NodeID) NodeID {
	return b.add(Node{Kind: KindWhile, Kids: []NodeID{cond, body}})
}

// Return builds a return statement; InvalidNode returns no value.
func (b *Builder) Return(value NodeID) NodeID {
	var kids []NodeID
	if value != InvalidNode {
		kids = []NodeID{value}
	}
	return b.add(Node{Kind: KindReturn, Kids: kids})
}

func (b *Builder) Print(value NodeID) NodeID {
	return b.add(Node{Kind: KindPrint, Kids: []NodeID{value}})
}

func (b *Builder) Block(stmts ...NodeID) NodeID {
	return b.add(Node{Kind: KindBlock, Kids: stmts})
}

// Func defines unit.name with the given parameters and body statements.
func (b *Builder) Func(unit, name string, params []string, body ...NodeID) NodeID {
	block := b.Block(body...)
	fn := b.add(Node{Kind: KindFunc, Str: name, Params: params, Kids: []NodeID{block}})
	uid, ok := b.byName[unit]
	if !ok {
		uid = b.add(Node{Kind: KindUnit, Str: unit})
		b.byName[unit] = uid
		b.units = append(b.units, uid)
	}
	b.t.Nodes[uid].Kids = append(b.t.Nodes[uid].Kids, fn)
	return fn
}

// Export marks fn visible to other units.
func (b *Builder) Export(fn NodeID) NodeID {
	b.t.Nodes[fn].Flags |= FlagExported
	return fn
}

func (b *Builder) SetEntry(symbol string) { b.t.Entry = symbol }

// Node gives access to a node that was already added, for tests that need
// to corrupt a tree on purpose.
func (b *Builder) Node(id NodeID) *Node { return b.t.At(id) }

// Build adds the module node and returns the tree. The builder must not be
// used afterwards.
func (b *Builder) Build() *Tree {
	b.t.Root = b.add(Node{Kind: KindModule, Kids: append([]NodeID(nil), b.units...)})
	t := b.t
	b.t = nil
	return t
}
