package codegen

import (
	"fmt"

	"github.com/tinyrange/nativec/internal/asm"
)

// Data accumulates the read-only data section. String literals are
// deduplicated and named .str.N in order of first use.
type Data struct {
	buf     []byte
	strings map[string]string
	syms    []asm.Symbol
}

func NewData() *Data {
	return &Data{strings: make(map[string]string)}
}

// String returns the symbol holding s, adding it on first use. The bytes
// are followed by a NUL so the constant is also usable as a C string.
func (d *Data) String(s string) string {
	if name, ok := d.strings[s]; ok {
		return name
	}
	name := fmt.Sprintf(".str.%d", len(d.syms))
	d.syms = append(d.syms, asm.Symbol{
		Name:    name,
		Section: asm.SectionData,
		Offset:  len(d.buf),
		Size:    len(s),
	})
	d.buf = append(d.buf, s...)
	d.buf = append(d.buf, 0)
	d.strings[s] = name
	return name
}

func (d *Data) Bytes() []byte {
	return append([]byte(nil), d.buf...)
}

func (d *Data) Symbols() []asm.Symbol {
	return append([]asm.Symbol(nil), d.syms...)
}
