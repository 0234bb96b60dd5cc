// Package rt holds the runtime stubs linked into every image: small
// pre-assembled helpers that programs reach through relocations against
// well-known symbols, exactly like calls to their own functions.
package rt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/nativec/internal/asm"
	"github.com/tinyrange/nativec/internal/target"
)

// Import is a function resolved by the OS loader from a shared library.
type Import struct {
	Library string
	Name    string
}

// Symbol names the import address table slot holding the function pointer.
func (i Import) Symbol() string { return "__imp_" + i.Name }

type Stub struct {
	Name string
	// Code is position independent; its relocations reference other stubs
	// or import slots.
	Code    asm.Code
	Imports []Import
}

// Deps returns the symbols the stub references, in first-use order.
func (s Stub) Deps() []string {
	var out []string
	seen := make(map[string]bool)
	for _, rel := range s.Code.Relocations {
		if !seen[rel.Symbol] {
			seen[rel.Symbol] = true
			out = append(out, rel.Symbol)
		}
	}
	return out
}

type key struct {
	arch   target.Arch
	format target.Format
}

var (
	registryMu sync.RWMutex
	registry   = make(map[key]map[string]Stub)
)

// Register adds stubs for one (arch, format) pair. It panics on duplicate
// names so mistakes are caught during init.
func Register(arch target.Arch, format target.Format, stubs ...Stub) {
	registryMu.Lock()
	defer registryMu.Unlock()

	k := key{arch, format}
	set, ok := registry[k]
	if !ok {
		set = make(map[string]Stub)
		registry[k] = set
	}
	for _, stub := range stubs {
		if _, exists := set[stub.Name]; exists {
			panic(fmt.Sprintf("rt: stub %s already registered for %s/%s", stub.Name, arch, format))
		}
		set[stub.Name] = stub
	}
}

func Lookup(arch target.Arch, format target.Format, name string) (Stub, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	stub, ok := registry[key{arch, format}][name]
	return stub, ok
}

// Names lists the stubs available for arch and format, sorted.
func Names(arch target.Arch, format target.Format) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	set := registry[key{arch, format}]
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
