package opt

import (
	"bytes"
	"errors"
	"testing"

	"pgregory.net/rapid"

	"github.com/tinyrange/nativec/internal/tree"
	"github.com/tinyrange/nativec/internal/tree/treetest"
)

const evalSteps = 200000

func drawProfile(t *rapid.T, tr *tree.Tree) *Profile {
	p := &Profile{Branches: make(map[tree.NodeID]BranchCount)}
	tr.Walk(tr.Root, func(id tree.NodeID, n *tree.Node) bool {
		if n.Kind == tree.KindIf && rapid.Bool().Draw(t, "profiled") {
			p.Branches[id] = BranchCount{
				Taken:    rapid.Uint64Range(0, 100).Draw(t, "taken"),
				NotTaken: rapid.Uint64Range(0, 100).Draw(t, "not taken"),
			}
		}
		return true
	})
	return p
}

func TestOptimizePreservesSemantics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := treetest.Program(treetest.Options{}).Draw(t, "program")
		level := rapid.IntRange(1, MaxLevel).Draw(t, "level")
		profile := drawProfile(t, in)

		want, err := tree.Eval(in, evalSteps)
		if errors.Is(err, tree.ErrStepLimit) {
			return
		}
		if err != nil {
			t.Fatalf("Eval(input): %v", err)
		}

		out, _, err := Optimize(in, level, profile)
		if err != nil {
			t.Fatalf("Optimize: %v", err)
		}
		got, err := tree.Eval(out, 4*evalSteps)
		if err != nil {
			t.Fatalf("Eval(optimized): %v", err)
		}
		if !bytes.Equal(got.Stdout, want.Stdout) || got.Exit != want.Exit || got.Trapped != want.Trapped {
			t.Fatalf("level %d changed behaviour: got %+v, want %+v", level, got, want)
		}
	})
}

func TestOptimizeIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := treetest.Program(treetest.Options{}).Draw(t, "program")
		level := rapid.IntRange(0, MaxLevel).Draw(t, "level")
		profile := drawProfile(t, in)

		once, _, err := Optimize(in, level, profile)
		if err != nil {
			t.Fatalf("Optimize: %v", err)
		}
		twice, res, err := Optimize(once, level, profile)
		if err != nil {
			t.Fatalf("Optimize(again): %v", err)
		}
		if !tree.Equal(once, twice) {
			t.Fatalf("second optimization at level %d changed the tree", level)
		}
		if res.Passes != 0 {
			t.Fatalf("second optimization applied %d passes: %v", res.Passes, res.Applied)
		}
	})
}

func TestOptimizeIsDeterministicAcrossWorkers(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := treetest.Program(treetest.Options{}).Draw(t, "program")
		serial := Optimizer{Workers: 1}
		parallel := Optimizer{Workers: 8}
		a, ra, err := serial.Run(in, MaxLevel, nil)
		if err != nil {
			t.Fatalf("serial: %v", err)
		}
		b, rb, err := parallel.Run(in, MaxLevel, nil)
		if err != nil {
			t.Fatalf("parallel: %v", err)
		}
		if !tree.Equal(a, b) || ra.Passes != rb.Passes {
			t.Fatalf("worker count changed the result")
		}
	})
}
