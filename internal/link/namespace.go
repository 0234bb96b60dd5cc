package link

import (
	"fmt"

	"github.com/tinyrange/nativec/internal/asm"
)

type resolved struct {
	sym asm.Symbol
	va  uint64
}

// namespace holds every symbol with its final address. Without LTO a
// function is visible only inside its own unit unless exported; symbols
// with no unit (data, stubs, imports) are visible everywhere.
type namespace struct {
	lto    bool
	byName map[string]resolved
	order  []string
}

func newNamespace(lto bool) *namespace {
	return &namespace{lto: lto, byName: make(map[string]resolved)}
}

func (ns *namespace) define(sym asm.Symbol, va uint64) error {
	if _, exists := ns.byName[sym.Name]; exists {
		return fmt.Errorf("link: symbol %q defined twice", sym.Name)
	}
	ns.byName[sym.Name] = resolved{sym: sym, va: va}
	ns.order = append(ns.order, sym.Name)
	return nil
}

// resolve looks name up on behalf of code in unit. An empty unit sees
// everything.
func (ns *namespace) resolve(name, unit string) (resolved, error) {
	r, ok := ns.byName[name]
	if !ok {
		return resolved{}, &UnresolvedSymbolError{Name: name, Unit: unit}
	}
	if ns.lto || unit == "" || r.sym.Unit == "" || r.sym.Unit == unit || r.sym.Exported {
		return r, nil
	}
	return resolved{}, &UnresolvedSymbolError{Name: name, Unit: unit, Hidden: true}
}

func (ns *namespace) list() []ImageSymbol {
	out := make([]ImageSymbol, 0, len(ns.order))
	for _, name := range ns.order {
		r := ns.byName[name]
		out = append(out, ImageSymbol{
			Name:     name,
			Section:  r.sym.Section,
			VA:       r.va,
			Size:     r.sym.Size,
			Exported: r.sym.Exported,
		})
	}
	return out
}
