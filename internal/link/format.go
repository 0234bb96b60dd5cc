package link

import (
	"fmt"

	"github.com/tinyrange/nativec/internal/rt"
	"github.com/tinyrange/nativec/internal/target"
)

// Format is the target-specific half of linking. The layout core asks it
// for header size and alignments, then hands it the laid out image to
// serialize.
type Format interface {
	Tag() target.Format
	CheckArch(arch target.Arch) error
	BaseAddress() uint64
	// HeaderSize is the number of bytes before the first section for an
	// image with the given number of sections.
	HeaderSize(sections int) uint64
	FileAlignment() uint64
	SectionAlignment() uint64
	// ImportSection builds the loader's import table for imports placed at
	// va, returning the offset of each import's address slot keyed by
	// symbol. Its size must not depend on va.
	ImportSection(imports []rt.Import, va uint64) ([]byte, map[string]uint64, error)
	// Serialize writes headers and sections. end is the file offset just
	// past the last section.
	Serialize(img *Image, end uint64) ([]byte, error)
}

func formatFor(format target.Format) (Format, error) {
	switch format {
	case target.FormatELF:
		return elfFormat{}, nil
	case target.FormatPE:
		return peFormat{}, nil
	}
	return nil, fmt.Errorf("link: unsupported output format %q", format)
}
