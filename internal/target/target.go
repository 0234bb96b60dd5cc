// Package target names the CPU architectures and executable formats the
// backend can be asked to produce.
package target

import (
	"fmt"
	"runtime"
	"strings"
)

type Arch string

const (
	ArchInvalid Arch = "invalid"
	ArchX86_64  Arch = "x86_64"
	ArchARM64   Arch = "arm64"
)

// ParseArch accepts both the GOARCH spelling and the canonical tag.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x86_64", "amd64", "x64":
		return ArchX86_64, nil
	case "arm64", "aarch64":
		return ArchARM64, nil
	default:
		return ArchInvalid, fmt.Errorf("target: unknown architecture %q", s)
	}
}

func (a Arch) String() string { return string(a) }

// PointerSize returns the width of an address on the architecture in bytes.
func (a Arch) PointerSize() int {
	switch a {
	case ArchX86_64, ArchARM64:
		return 8
	default:
		return 0
	}
}

type Format string

const (
	FormatInvalid Format = "invalid"
	// FormatELF is the Unix ELF-style executable.
	FormatELF Format = "elf"
	// FormatPE is the Windows PE-style executable.
	FormatPE Format = "pe"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "elf", "linux", "unix":
		return FormatELF, nil
	case "pe", "windows", "exe":
		return FormatPE, nil
	default:
		return FormatInvalid, fmt.Errorf("target: unknown executable format %q", s)
	}
}

func (f Format) String() string { return string(f) }

// Host returns the architecture and format matching the running process.
func Host() (Arch, Format) {
	arch, err := ParseArch(runtime.GOARCH)
	if err != nil {
		arch = ArchInvalid
	}
	format := FormatELF
	if runtime.GOOS == "windows" {
		format = FormatPE
	}
	return arch, format
}
