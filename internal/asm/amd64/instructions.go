package amd64

import (
	"github.com/tinyrange/nativec/internal/asm"
)

// encoded wraps an encoder so it can be used as a fragment.
func encoded(enc func() ([]byte, error)) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := enc()
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func fixed(bytes []byte) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes(bytes)
		return nil
	})
}

// LoadImmediate moves value into a 64-bit register using the shortest
// encoding that preserves it.
func LoadImmediate(dst Reg, value int64) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeLoadImm(dst, value) })
}

func MovReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegReg(dst, src) })
}

func MovToMemory(mem Memory, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovMemReg(mem, src) })
}

func MovFromMemory(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegMem(dst, mem) })
}

// MovZX8Reg zero extends the low byte of src, typically after a SetCC.
func MovZX8Reg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovZXRegReg8(dst, src) })
}

func MovStoreImm8(mem Memory, value byte) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovMemImm8(mem, value) })
}

func Lea(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeLeaRegMem(dst, mem) })
}

func AddRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluAdd, reg, value) })
}

func SubRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluSub, reg, value) })
}

func AddRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(aluAdd, dst, src) })
}

func SubRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(aluSub, dst, src) })
}

func OrRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(aluOr, dst, src) })
}

func CmpRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluCmp, reg, value) })
}

func CmpRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(aluCmp, dst, src) })
}

func AndRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(aluAnd, dst, src) })
}

func AndRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluAnd, reg, value) })
}

func OrRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluOr, reg, value) })
}

func XorRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluXor, reg, value) })
}

func XorRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(aluXor, dst, src) })
}

func ImulRegImm(dst, src Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeImulRegImm(dst, src, value) })
}

func ImulRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeImulRegReg(dst, src) })
}

func Neg(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeGroup3(reg, 3) })
}

// Div divides rdx:rax by divisor as unsigned values.
func Div(divisor Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeGroup3(divisor, 6) })
}

// Idiv divides rdx:rax by divisor as signed values.
func Idiv(divisor Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeGroup3(divisor, 7) })
}

// Cqo sign extends rax into rdx.
func Cqo() asm.Fragment {
	return fixed(encodeCqo())
}

// ShlRegImm shifts reg left by count, which must be in 1..63.
func ShlRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegImm(reg, shiftLeft, count) })
}

func SarRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegImm(reg, shiftArith, count) })
}

// ShlRegCL shifts reg left by cl. The hardware masks the count to six bits.
func ShlRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, shiftLeft) })
}

func SarRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, shiftArith) })
}

func SetCC(cond Condition, dst Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSetcc(cond, dst) })
}

func Push(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePushPop(0x50, reg) })
}

func Pop(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePushPop(0x58, reg) })
}

func Bswap(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeBswap(reg) })
}

func Popcnt(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePopcnt(dst, src) })
}

func Syscall() asm.Fragment {
	return fixed(encodeSyscall())
}

func Nop() asm.Fragment {
	return fixed(encodeNop())
}

func Pause() asm.Fragment {
	return fixed(encodePause())
}

// Int3 traps into the debugger, or kills the process when none is attached.
func Int3() asm.Fragment {
	return fixed(encodeInt3())
}
