// Package opt rewrites program trees to make them cheaper to run.
//
// Optimize never modifies its input. It validates the tree, copies the
// reachable part into a fresh arena and then runs rounds of passes over
// per-function arenas until a round changes nothing.
package opt

import (
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/nativec/internal/tree"
)

const MaxLevel = 3

// maxRounds bounds the fixpoint loop in case two passes keep undoing each
// other.
const maxRounds = 64

type pass struct {
	name  string
	level int
	run   func(fc *funcCtx) bool
}

// passes run in this order within every round.
var passes = []pass{
	{"fold", 1, foldConstants},
	{"dead-code", 1, eliminateDead},
	{"inline", 2, inlineCalls},
	{"cse", 2, eliminateCommon},
	{"licm", 3, hoistInvariants},
	{"pgo-layout", 3, layoutHotPaths},
}

// PassNames lists the passes enabled at level, in order.
func PassNames(level int) []string {
	var names []string
	for _, p := range passes {
		if p.level <= level {
			names = append(names, p.name)
		}
	}
	return names
}

type Result struct {
	// Passes counts pass invocations that changed the tree.
	Passes int
	Rounds int
	// Applied breaks Passes down by pass name.
	Applied map[string]int
}

type Optimizer struct {
	// Workers bounds how many functions are optimized at once. Zero uses
	// GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
}

// Optimize runs the default optimizer.
func Optimize(t *tree.Tree, level int, profile *Profile) (*tree.Tree, Result, error) {
	var o Optimizer
	return o.Run(t, level, profile)
}

type funcCtx struct {
	t       *tree.Tree
	unit    string
	symbol  string
	snap    *snapshot
	profile *Profile
}

type funcResult struct {
	t       *tree.Tree
	applied []string
}

func (o *Optimizer) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Run optimizes t at level. The returned tree is always a new arena; t is
// left untouched even when an error is returned.
func (o *Optimizer) Run(t *tree.Tree, level int, profile *Profile) (*tree.Tree, Result, error) {
	res := Result{Applied: make(map[string]int)}
	if level < 0 || level > MaxLevel {
		return nil, res, fmt.Errorf("opt: invalid optimization level %d", level)
	}
	if err := tree.Validate(t); err != nil {
		return nil, res, fmt.Errorf("opt: %w", err)
	}

	work := t.Compact()
	if level == 0 {
		return work, res, nil
	}

	workers := o.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	log := o.logger()

	for res.Rounds < maxRounds {
		res.Rounds++
		snap := newSnapshot(work)
		funcs := work.Funcs()
		results := make([]funcResult, len(funcs))

		var g errgroup.Group
		g.SetLimit(workers)
		for i, f := range funcs {
			g.Go(func() error {
				fc := &funcCtx{
					t:       work.Extract(f.ID),
					unit:    f.Unit,
					symbol:  f.Symbol(),
					snap:    snap,
					profile: profile,
				}
				for _, p := range passes {
					if p.level > level {
						continue
					}
					if p.run(fc) {
						results[i].applied = append(results[i].applied, p.name)
					}
				}
				results[i].t = fc.t
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, res, fmt.Errorf("opt: %w", err)
		}

		changed := 0
		for _, r := range results {
			for _, name := range r.applied {
				res.Applied[name]++
				changed++
			}
		}
		res.Passes += changed
		log.Debug("optimization round", "round", res.Rounds, "level", level, "functions", len(funcs), "changes", changed)
		if changed == 0 {
			break
		}
		work = merge(work, results)
	}
	if res.Rounds == maxRounds {
		log.Warn("optimizer did not reach a fixpoint", "rounds", res.Rounds)
	}

	if err := tree.Validate(work); err != nil {
		// A pass produced an invalid tree. Report it rather than hand it to
		// code generation.
		return nil, res, fmt.Errorf("opt: internal error after %d rounds: %w", res.Rounds, err)
	}
	return work.Compact(), res, nil
}

// merge rebuilds the module from the per-function results in source order.
func merge(old *tree.Tree, results []funcResult) *tree.Tree {
	out := tree.New()
	out.Entry = old.Entry

	root := old.At(old.Root)
	module := tree.Node{Kind: tree.KindModule, Origin: root.Origin}
	var units []tree.NodeID
	i := 0
	for _, uid := range root.Kids {
		u := old.At(uid)
		unit := tree.Node{Kind: tree.KindUnit, Str: u.Str, Origin: u.Origin}
		for range u.Kids {
			r := results[i]
			unit.Kids = append(unit.Kids, out.Import(r.t, r.t.Root))
			i++
		}
		units = append(units, out.Add(unit))
	}
	module.Kids = units
	out.Root = out.Add(module)
	return out
}
