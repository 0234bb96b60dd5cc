package tree

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// document is the interchange form written by front-ends: the arena with
// explicit IDs. JSON input is accepted since it parses as YAML.
type document struct {
	Entry string    `yaml:"entry,omitempty"`
	Root  NodeID    `yaml:"root"`
	Nodes []nodeDoc `yaml:"nodes"`
}

type nodeDoc struct {
	ID       NodeID   `yaml:"id"`
	Kind     string   `yaml:"kind"`
	Op       string   `yaml:"op,omitempty"`
	Int      int64    `yaml:"int,omitempty"`
	Str      string   `yaml:"str,omitempty"`
	Params   []string `yaml:"params,omitempty,flow"`
	Kids     []NodeID `yaml:"kids,omitempty,flow"`
	Exported bool     `yaml:"exported,omitempty"`
	Hot      bool     `yaml:"hot_swapped,omitempty"`
	Origin   NodeID   `yaml:"origin,omitempty"`
}

// Decode parses a tree from its YAML or JSON interchange form. Only the
// encoding is checked here; call Validate for the structural invariants.
func Decode(data []byte) (*Tree, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("tree: decode: %w", err)
	}

	max := NodeID(0)
	for _, nd := range doc.Nodes {
		if nd.ID <= 0 {
			return nil, fmt.Errorf("tree: decode: node id %d must be positive", nd.ID)
		}
		if nd.ID > max {
			max = nd.ID
		}
	}
	if int(max) > 4*len(doc.Nodes)+16 {
		return nil, fmt.Errorf("tree: decode: node ids too sparse (max %d for %d nodes)", max, len(doc.Nodes))
	}

	t := &Tree{
		Nodes: make([]Node, max+1),
		Root:  doc.Root,
		Entry: doc.Entry,
	}
	seen := make(map[NodeID]bool, len(doc.Nodes))
	for _, nd := range doc.Nodes {
		if seen[nd.ID] {
			return nil, fmt.Errorf("tree: decode: duplicate node id %d", nd.ID)
		}
		seen[nd.ID] = true

		kind, err := ParseKind(nd.Kind)
		if err != nil {
			return nil, fmt.Errorf("tree: decode: node %d: %w", nd.ID, err)
		}
		n := Node{
			Kind:   kind,
			Int:    nd.Int,
			Str:    nd.Str,
			Params: nd.Params,
			Kids:   nd.Kids,
			Origin: nd.Origin,
		}
		if nd.Op != "" {
			if n.Op, err = ParseOp(nd.Op); err != nil {
				return nil, fmt.Errorf("tree: decode: node %d: %w", nd.ID, err)
			}
		}
		if nd.Exported {
			n.Flags |= FlagExported
		}
		if nd.Hot {
			n.Flags |= FlagHotSwapped
		}
		t.Nodes[nd.ID] = n
	}
	return t, nil
}

// Encode writes the reachable part of t in the interchange form.
func Encode(t *Tree) ([]byte, error) {
	c := t.Compact()
	doc := document{Entry: c.Entry, Root: c.Root}
	for id := 1; id < len(c.Nodes); id++ {
		n := c.Nodes[id]
		nd := nodeDoc{
			ID:       NodeID(id),
			Kind:     n.Kind.String(),
			Int:      n.Int,
			Str:      n.Str,
			Params:   n.Params,
			Kids:     n.Kids,
			Exported: n.Has(FlagExported),
			Hot:      n.Has(FlagHotSwapped),
			Origin:   n.Origin,
		}
		if n.Op != OpNone {
			nd.Op = n.Op.String()
		}
		doc.Nodes = append(doc.Nodes, nd)
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("tree: encode: %w", err)
	}
	return out, nil
}
