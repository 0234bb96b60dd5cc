package amd64

import (
	"fmt"

	"github.com/tinyrange/nativec/internal/asm"
)

type operandSize uint8

const (
	size8  operandSize = 1
	size32 operandSize = 4
	size64 operandSize = 8
)

// Reg represents a general-purpose register with an explicit operand size.
type Reg struct {
	id   asm.Variable
	size operandSize
}

func (r Reg) checkWidth(expected operandSize) error {
	if r.size != expected {
		return fmt.Errorf("expected %d-bit register, got %d-bit width", expected*8, r.size*8)
	}
	return nil
}

// Reg64 constructs a 64-bit register operand backed by the provided register id.
func Reg64(id asm.Variable) Reg { return Reg{id: id, size: size64} }

// Reg32 constructs a 32-bit register operand backed by the provided register id.
func Reg32(id asm.Variable) Reg { return Reg{id: id, size: size32} }

// Reg8 constructs an 8-bit register operand backed by the provided register id.
func Reg8(id asm.Variable) Reg { return Reg{id: id, size: size8} }

// Memory is a [base+disp] operand.
type Memory struct {
	base    Reg
	disp    int32
	hasBase bool
}

// Condition is the low nibble shared by the Jcc and SETcc opcodes.
type Condition byte

const (
	CondBelow        Condition = 0x2
	CondAboveOrEqual Condition = 0x3
	CondEqual        Condition = 0x4
	CondNotEqual     Condition = 0x5
	CondBelowOrEqual Condition = 0x6
	CondAbove        Condition = 0x7
	CondSign         Condition = 0x8
	CondLess         Condition = 0xC
	CondGreaterEqual Condition = 0xD
	CondLessEqual    Condition = 0xE
	CondGreater      Condition = 0xF
)

// Invert returns the condition that holds exactly when c does not.
func (c Condition) Invert() Condition {
	return c ^ 1
}

// Mem constructs a memory operand referencing [base].
func Mem(base Reg) Memory {
	return Memory{base: base, hasBase: true}
}

// WithDisp returns a copy of the memory operand with the supplied displacement added.
func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

func (m Memory) validate() error {
	if !m.hasBase {
		return fmt.Errorf("memory operand requires base register")
	}
	if m.base.size != size64 {
		return fmt.Errorf("base register must be 64-bit")
	}
	return nil
}

type fragmentFunc func(asm.Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error { return f(ctx) }
