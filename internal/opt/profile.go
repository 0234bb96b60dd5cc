package opt

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/nativec/internal/tree"
)

// BranchCount records how often an If condition held.
type BranchCount struct {
	Taken    uint64 `yaml:"taken"`
	NotTaken uint64 `yaml:"not_taken"`
}

// Profile is execution-frequency data keyed by the ID of the If node in the
// tree as handed over by the front-end.
type Profile struct {
	Branches map[tree.NodeID]BranchCount `yaml:"branches"`
}

// ParseProfile decodes a YAML profile. An empty blob yields a nil profile.
func ParseProfile(data []byte) (*Profile, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("opt: parse profile: %w", err)
	}
	for id := range p.Branches {
		if id <= 0 {
			return nil, fmt.Errorf("opt: parse profile: invalid node id %d", id)
		}
	}
	return &p, nil
}

func (p *Profile) lookup(id tree.NodeID) (BranchCount, bool) {
	if p == nil {
		return BranchCount{}, false
	}
	c, ok := p.Branches[id]
	return c, ok
}

// layoutHotPaths swaps the branches of an If whose else side ran more often
// so the hot path becomes the fall-through. Each If is swapped at most once.
func layoutHotPaths(fc *funcCtx) bool {
	if fc.profile == nil {
		return false
	}
	t := fc.t
	var ifs []tree.NodeID
	t.Walk(t.Root, func(id tree.NodeID, n *tree.Node) bool {
		if n.Kind == tree.KindIf && len(n.Kids) == 3 && !n.Has(tree.FlagHotSwapped) {
			ifs = append(ifs, id)
		}
		return true
	})

	changed := false
	for _, id := range ifs {
		c, ok := fc.profile.lookup(t.At(id).Origin)
		if !ok || c.NotTaken <= c.Taken {
			continue
		}
		old := t.At(id).Kids[0]
		cond := t.Add(tree.Node{Kind: tree.KindUnary, Op: tree.OpNot, Kids: []tree.NodeID{old}, Origin: t.At(old).Origin})
		n := t.At(id)
		n.Kids = []tree.NodeID{cond, n.Kids[2], n.Kids[1]}
		n.Flags |= tree.FlagHotSwapped
		changed = true
	}
	return changed
}
