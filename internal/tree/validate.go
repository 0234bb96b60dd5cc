package tree

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ErrMalformedTree matches every *MalformedTreeError with errors.Is.
var ErrMalformedTree = errors.New("malformed tree")

// Violation is a single structural problem found by Validate.
type Violation struct {
	Node NodeID
	Msg  string
}

func (v *Violation) Error() string {
	if v.Node == InvalidNode {
		return v.Msg
	}
	return fmt.Sprintf("node %d: %s", v.Node, v.Msg)
}

// MalformedTreeError carries every violation found in one validation run.
type MalformedTreeError struct {
	Violations *multierror.Error
}

func (e *MalformedTreeError) Error() string {
	return "tree: malformed tree: " + e.Violations.Error()
}

func (e *MalformedTreeError) Is(target error) bool { return target == ErrMalformedTree }

func (e *MalformedTreeError) Unwrap() error { return e.Violations }

// First returns the first violation, useful for error messages that only
// name one node.
func (e *MalformedTreeError) First() *Violation {
	for _, err := range e.Violations.Errors {
		var v *Violation
		if errors.As(err, &v) {
			return v
		}
	}
	return nil
}

func formatViolations(errs []error) string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("%d violations: %s", len(errs), strings.Join(parts, "; "))
}

type validator struct {
	t    *Tree
	errs *multierror.Error
	// color implements cycle detection: 1 on the stack, 2 done.
	color map[NodeID]uint8
}

func (v *validator) fail(id NodeID, format string, args ...any) {
	v.errs = multierror.Append(v.errs, &Violation{Node: id, Msg: fmt.Sprintf(format, args...)})
}

// Validate checks the structural invariants of t and returns a
// *MalformedTreeError describing all violations, or nil.
func Validate(t *Tree) error {
	v := &validator{t: t, color: make(map[NodeID]uint8)}
	if t == nil {
		v.fail(InvalidNode, "nil tree")
		return v.result()
	}

	if !t.Has(t.Root) {
		v.fail(InvalidNode, "root %d does not exist", t.Root)
		return v.result()
	}
	if !v.acyclic(t.Root) {
		// The shape checks below recurse and need a DAG.
		return v.result()
	}
	v.module(t.Root)
	return v.result()
}

func (v *validator) result() error {
	if v.errs == nil {
		return nil
	}
	v.errs.ErrorFormat = formatViolations
	return &MalformedTreeError{Violations: v.errs}
}

func (v *validator) acyclic(id NodeID) bool {
	ok := true
	var visit func(parent, id NodeID)
	visit = func(parent, id NodeID) {
		if !v.t.Has(id) {
			v.fail(parent, "references missing node %d", id)
			ok = false
			return
		}
		switch v.color[id] {
		case 1:
			v.fail(id, "cycle through node")
			ok = false
			return
		case 2:
			return
		}
		v.color[id] = 1
		for _, kid := range v.t.Nodes[id].Kids {
			visit(id, kid)
		}
		v.color[id] = 2
	}
	visit(InvalidNode, id)
	return ok
}

func validName(s string) bool {
	return s != "" && !strings.ContainsAny(s, ". \t\n")
}

// validVar also accepts the dotted names the optimizer gives its
// temporaries.
func validVar(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t\n")
}

func (v *validator) module(id NodeID) {
	n := v.t.At(id)
	if n.Kind != KindModule {
		v.fail(id, "root must be a module, got %s", n.Kind)
		return
	}
	units := make(map[string]bool)
	for _, uid := range n.Kids {
		u := v.t.At(uid)
		if u.Kind != KindUnit {
			v.fail(uid, "module child must be a unit, got %s", u.Kind)
			continue
		}
		if !validName(u.Str) {
			v.fail(uid, "invalid unit name %q", u.Str)
		}
		if units[u.Str] {
			v.fail(uid, "duplicate unit %q", u.Str)
		}
		units[u.Str] = true
		v.unit(uid)
	}

	funcs := make(map[string]FuncRef)
	for _, f := range v.t.Funcs() {
		funcs[f.Symbol()] = f
	}
	entry, ok := funcs[v.t.EntryName()]
	if !ok {
		v.fail(id, "entry function %q not defined", v.t.EntryName())
	} else if len(v.t.At(entry.ID).Params) != 0 {
		v.fail(entry.ID, "entry function %q must not take parameters", v.t.EntryName())
	}
	for _, f := range v.t.Funcs() {
		v.calls(f, funcs)
	}
}

func (v *validator) unit(id NodeID) {
	names := make(map[string]bool)
	for _, fid := range v.t.Nodes[id].Kids {
		fn := v.t.At(fid)
		if fn.Kind != KindFunc {
			v.fail(fid, "unit child must be a func, got %s", fn.Kind)
			continue
		}
		if !validName(fn.Str) {
			v.fail(fid, "invalid function name %q", fn.Str)
		}
		if names[fn.Str] {
			v.fail(fid, "duplicate function %q in unit %q", fn.Str, v.t.Nodes[id].Str)
		}
		names[fn.Str] = true
		v.function(fid)
	}
}

func (v *validator) function(id NodeID) {
	fn := v.t.At(id)
	vars := make(map[string]bool)
	for _, p := range fn.Params {
		if !validVar(p) {
			v.fail(id, "invalid parameter name %q", p)
		}
		if vars[p] {
			v.fail(id, "duplicate parameter %q", p)
		}
		vars[p] = true
	}
	if len(fn.Kids) != 1 || v.t.At(fn.Kids[0]).Kind != KindBlock {
		v.fail(id, "function must have exactly one block child")
		return
	}
	// Locals are function scoped, so collect every assignment first.
	v.t.Walk(fn.Kids[0], func(_ NodeID, n *Node) bool {
		if n.Kind == KindLet {
			vars[n.Str] = true
		}
		return true
	})
	v.stmt(fn.Kids[0], vars)
}

func (v *validator) arity(id NodeID, min, max int) bool {
	n := v.t.At(id)
	if len(n.Kids) < min || (max >= 0 && len(n.Kids) > max) {
		if min == max {
			v.fail(id, "%s needs %d operand(s), has %d", n.Kind, min, len(n.Kids))
		} else {
			v.fail(id, "%s has %d operand(s)", n.Kind, len(n.Kids))
		}
		return false
	}
	return true
}

func (v *validator) stmt(id NodeID, vars map[string]bool) {
	n := v.t.At(id)
	switch n.Kind {
	case KindBlock:
		for _, kid := range n.Kids {
			v.stmt(kid, vars)
		}
	case KindLet:
		if !validVar(n.Str) {
			v.fail(id, "invalid variable name %q", n.Str)
		}
		if v.arity(id, 1, 1) {
			v.expr(n.Kids[0], vars)
		}
	case KindIf:
		if !v.arity(id, 2, 3) {
			return
		}
		v.expr(n.Kids[0], vars)
		for _, kid := range n.Kids[1:] {
			v.block(kid, vars)
		}
	case KindWhile:
		if !v.arity(id, 2, 2) {
			return
		}
		v.expr(n.Kids[0], vars)
		v.block(n.Kids[1], vars)
	case KindReturn:
		if v.arity(id, 0, 1) && len(n.Kids) == 1 {
			v.expr(n.Kids[0], vars)
		}
	case KindPrint:
		if !v.arity(id, 1, 1) {
			return
		}
		if v.t.At(n.Kids[0]).Kind == KindStr {
			v.leaf(n.Kids[0])
		} else {
			v.expr(n.Kids[0], vars)
		}
	default:
		if !n.Kind.IsExpr() {
			v.fail(id, "%s is not a statement", n.Kind)
			return
		}
		v.expr(id, vars)
	}
}

func (v *validator) block(id NodeID, vars map[string]bool) {
	if v.t.At(id).Kind != KindBlock {
		v.fail(id, "expected block, got %s", v.t.At(id).Kind)
		return
	}
	v.stmt(id, vars)
}

func (v *validator) leaf(id NodeID) {
	if len(v.t.At(id).Kids) != 0 {
		v.fail(id, "%s must not have children", v.t.At(id).Kind)
	}
}

func (v *validator) expr(id NodeID, vars map[string]bool) {
	n := v.t.At(id)
	switch n.Kind {
	case KindInt:
		v.leaf(id)
	case KindVar:
		v.leaf(id)
		if !vars[n.Str] {
			v.fail(id, "undefined variable %q", n.Str)
		}
	case KindBinary:
		if !n.Op.IsBinary() {
			v.fail(id, "invalid binary operator %s", n.Op)
		}
		if v.arity(id, 2, 2) {
			v.expr(n.Kids[0], vars)
			v.expr(n.Kids[1], vars)
		}
	case KindUnary:
		if !n.Op.IsUnary() {
			v.fail(id, "invalid unary operator %s", n.Op)
		}
		if v.arity(id, 1, 1) {
			v.expr(n.Kids[0], vars)
		}
	case KindCall, KindIntrinsic:
		if n.Str == "" {
			v.fail(id, "%s without a target", n.Kind)
		}
		for _, kid := range n.Kids {
			v.expr(kid, vars)
		}
	case KindRuntime:
		if n.Str == "" {
			v.fail(id, "runtime call without a symbol")
		}
		for _, kid := range n.Kids {
			if v.t.At(kid).Kind == KindStr {
				v.leaf(kid)
				continue
			}
			v.expr(kid, vars)
		}
	case KindStr:
		v.fail(id, "string literal is only valid as a print or runtime argument")
	default:
		v.fail(id, "%s is not an expression", n.Kind)
	}
}

// calls checks that calls to functions defined in this tree pass the right
// number of arguments. Calls to unknown symbols are left for the linker.
func (v *validator) calls(f FuncRef, funcs map[string]FuncRef) {
	v.t.Walk(f.ID, func(id NodeID, n *Node) bool {
		if n.Kind != KindCall {
			return true
		}
		target, ok := funcs[ResolveCall(f.Unit, n.Str)]
		if !ok {
			return true
		}
		if want := len(v.t.At(target.ID).Params); want != len(n.Kids) {
			v.fail(id, "call to %s passes %d argument(s), want %d", target.Symbol(), len(n.Kids), want)
		}
		return true
	})
}
