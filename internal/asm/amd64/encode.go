package amd64

import (
	"encoding/binary"
	"fmt"
	"math"
)

// rex holds the REX prefix bits. force emits a bare 0x40 so byte operands
// address spl, bpl, sil and dil instead of ah, ch, dh and bh.
type rex struct {
	w, r, b, force bool
}

func (p rex) bytes() []byte {
	if !p.w && !p.r && !p.b && !p.force {
		return nil
	}
	v := byte(0x40)
	if p.w {
		v |= 0x08
	}
	if p.r {
		v |= 0x04
	}
	if p.b {
		v |= 0x01
	}
	return []byte{v}
}

func le32(v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return buf[:]
}

func le64(v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return buf[:]
}

func fitsInt8(v int32) bool {
	return v >= math.MinInt8 && v <= math.MaxInt8
}

// aluSize accepts the widths the general-purpose forms are used with.
func aluSize(regs ...Reg) error {
	size := regs[0].size
	for _, r := range regs {
		if r.size != size {
			return fmt.Errorf("operand size mismatch: %d-bit and %d-bit", size*8, r.size*8)
		}
	}
	switch size {
	case size32, size64:
		return nil
	}
	return fmt.Errorf("unsupported operand width %d-bit", size*8)
}

// encodeRR emits op with reg in the ModRM reg field and rm as a direct
// register operand. w selects a 64-bit operation.
func encodeRR(op []byte, reg, rm Reg, w bool) ([]byte, error) {
	ri, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	mi, err := regInfo(rm.id)
	if err != nil {
		return nil, err
	}
	p := rex{
		w:     w,
		r:     ri.high,
		b:     mi.high,
		force: (reg.size == size8 && ri.needsRex) || (rm.size == size8 && mi.needsRex),
	}
	out := append(p.bytes(), op...)
	return append(out, 0xC0|ri.code<<3|mi.code), nil
}

// encodeDigit emits op with an opcode extension in the ModRM reg field.
func encodeDigit(op []byte, digit byte, rm Reg, w bool) ([]byte, error) {
	mi, err := regInfo(rm.id)
	if err != nil {
		return nil, err
	}
	p := rex{w: w, b: mi.high, force: rm.size == size8 && mi.needsRex}
	out := append(p.bytes(), op...)
	return append(out, 0xC0|digit<<3|mi.code), nil
}

// encodeRM emits op against a [base+disp] operand. reg fills the ModRM reg
// field; a zero registerCode encodes digit 0. byteReg marks reg as an 8-bit
// register.
func encodeRM(op []byte, reg registerCode, byteReg, w bool, mem Memory) ([]byte, error) {
	if err := mem.validate(); err != nil {
		return nil, err
	}
	base, err := regInfo(mem.base.id)
	if err != nil {
		return nil, err
	}
	p := rex{w: w, r: reg.high, b: base.high, force: byteReg && reg.needsRex}
	out := append(p.bytes(), op...)

	var mod byte
	var disp []byte
	switch {
	case mem.disp == 0 && base.code != 5:
	case fitsInt8(mem.disp):
		mod = 0x40
		disp = []byte{byte(int8(mem.disp))}
	default:
		mod = 0x80
		disp = le32(uint32(mem.disp))
	}
	out = append(out, mod|reg.code<<3|base.code)
	if base.code == 4 {
		// rsp and r12 bases need a SIB byte with no index.
		out = append(out, 0x24)
	}
	return append(out, disp...), nil
}

func encodeMovRegReg(dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("mov operand size mismatch: %d-bit and %d-bit", dst.size*8, src.size*8)
	}
	switch dst.size {
	case size8:
		return encodeRR([]byte{0x88}, src, dst, false)
	case size32, size64:
		return encodeRR([]byte{0x89}, src, dst, dst.size == size64)
	}
	return nil, fmt.Errorf("unsupported mov width %d-bit", dst.size*8)
}

func movMemOpcode(reg Reg, byteOp, wordOp byte) (byte, error) {
	switch reg.size {
	case size8:
		return byteOp, nil
	case size32, size64:
		return wordOp, nil
	}
	return 0, fmt.Errorf("unsupported mov width %d-bit", reg.size*8)
}

func encodeMovMemReg(mem Memory, src Reg) ([]byte, error) {
	op, err := movMemOpcode(src, 0x88, 0x89)
	if err != nil {
		return nil, err
	}
	info, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}
	return encodeRM([]byte{op}, info, src.size == size8, src.size == size64, mem)
}

func encodeMovRegMem(dst Reg, mem Memory) ([]byte, error) {
	op, err := movMemOpcode(dst, 0x8A, 0x8B)
	if err != nil {
		return nil, err
	}
	info, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	return encodeRM([]byte{op}, info, dst.size == size8, dst.size == size64, mem)
}

func encodeMovMemImm8(mem Memory, value byte) ([]byte, error) {
	out, err := encodeRM([]byte{0xC6}, registerCode{}, false, false, mem)
	if err != nil {
		return nil, err
	}
	return append(out, value), nil
}

func encodeLeaRegMem(dst Reg, mem Memory) ([]byte, error) {
	if err := dst.checkWidth(size64); err != nil {
		return nil, err
	}
	info, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	return encodeRM([]byte{0x8D}, info, false, true, mem)
}

// encodeLeaRIP emits lea dst, [rip+0]; the displacement is the last four bytes.
func encodeLeaRIP(dst Reg) ([]byte, error) {
	if err := dst.checkWidth(size64); err != nil {
		return nil, err
	}
	info, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	out := rex{w: true, r: info.high}.bytes()
	out = append(out, 0x8D, 0x05|info.code<<3)
	return append(out, 0, 0, 0, 0), nil
}

// encodeLoadImm picks the shortest of the three ways to set a 64-bit
// register: a zero-extending 32-bit mov, a sign-extended imm32 or a full
// imm64.
func encodeLoadImm(dst Reg, value int64) ([]byte, error) {
	if err := dst.checkWidth(size64); err != nil {
		return nil, err
	}
	info, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	switch {
	case value >= 0 && value <= math.MaxUint32:
		out := rex{b: info.high}.bytes()
		out = append(out, 0xB8+info.code)
		return append(out, le32(uint32(value))...), nil
	case value >= math.MinInt32 && value <= math.MaxInt32:
		out, err := encodeDigit([]byte{0xC7}, 0, dst, true)
		if err != nil {
			return nil, err
		}
		return append(out, le32(uint32(int32(value)))...), nil
	}
	out := rex{w: true, b: info.high}.bytes()
	out = append(out, 0xB8+info.code)
	return append(out, le64(uint64(value))...), nil
}

// ALU operations share one opcode layout: the reg,reg form is base+1 and the
// immediate form is group 1 with the digit base>>3.
const (
	aluAdd byte = 0x00
	aluOr  byte = 0x08
	aluAnd byte = 0x20
	aluSub byte = 0x28
	aluXor byte = 0x30
	aluCmp byte = 0x38
)

func encodeALURegReg(base byte, dst, src Reg) ([]byte, error) {
	if err := aluSize(dst, src); err != nil {
		return nil, err
	}
	return encodeRR([]byte{base + 1}, src, dst, dst.size == size64)
}

func encodeALURegImm(base byte, dst Reg, value int32) ([]byte, error) {
	if err := aluSize(dst); err != nil {
		return nil, err
	}
	digit := base >> 3
	w := dst.size == size64
	if fitsInt8(value) {
		out, err := encodeDigit([]byte{0x83}, digit, dst, w)
		if err != nil {
			return nil, err
		}
		return append(out, byte(int8(value))), nil
	}
	out, err := encodeDigit([]byte{0x81}, digit, dst, w)
	if err != nil {
		return nil, err
	}
	return append(out, le32(uint32(value))...), nil
}

func encodeTestRegReg(dst, src Reg) ([]byte, error) {
	if err := aluSize(dst, src); err != nil {
		return nil, err
	}
	return encodeRR([]byte{0x85}, src, dst, dst.size == size64)
}

func encodeImulRegReg(dst, src Reg) ([]byte, error) {
	if err := aluSize(dst, src); err != nil {
		return nil, err
	}
	return encodeRR([]byte{0x0F, 0xAF}, dst, src, dst.size == size64)
}

func encodeImulRegImm(dst, src Reg, value int32) ([]byte, error) {
	if err := aluSize(dst, src); err != nil {
		return nil, err
	}
	w := dst.size == size64
	if fitsInt8(value) {
		out, err := encodeRR([]byte{0x6B}, dst, src, w)
		if err != nil {
			return nil, err
		}
		return append(out, byte(int8(value))), nil
	}
	out, err := encodeRR([]byte{0x69}, dst, src, w)
	if err != nil {
		return nil, err
	}
	return append(out, le32(uint32(value))...), nil
}

// encodeGroup3 covers neg, div and idiv on a 64-bit register.
func encodeGroup3(reg Reg, digit byte) ([]byte, error) {
	if err := reg.checkWidth(size64); err != nil {
		return nil, err
	}
	return encodeDigit([]byte{0xF7}, digit, reg, true)
}

const (
	shiftLeft  byte = 4
	shiftArith byte = 7
)

func encodeShiftRegImm(reg Reg, digit, count byte) ([]byte, error) {
	if err := reg.checkWidth(size64); err != nil {
		return nil, err
	}
	if count == 0 || count > 63 {
		return nil, fmt.Errorf("shift count %d out of range 1..63", count)
	}
	out, err := encodeDigit([]byte{0xC1}, digit, reg, true)
	if err != nil {
		return nil, err
	}
	return append(out, count), nil
}

func encodeShiftRegCL(reg Reg, digit byte) ([]byte, error) {
	if err := reg.checkWidth(size64); err != nil {
		return nil, err
	}
	return encodeDigit([]byte{0xD3}, digit, reg, true)
}

func encodeSetcc(cond Condition, dst Reg) ([]byte, error) {
	if err := dst.checkWidth(size8); err != nil {
		return nil, err
	}
	return encodeDigit([]byte{0x0F, 0x90 | byte(cond)}, 0, dst, false)
}

func encodeMovZXRegReg8(dst, src Reg) ([]byte, error) {
	if err := src.checkWidth(size8); err != nil {
		return nil, err
	}
	if dst.size != size32 && dst.size != size64 {
		return nil, fmt.Errorf("movzx destination must be 32 or 64-bit")
	}
	return encodeRR([]byte{0x0F, 0xB6}, dst, src, dst.size == size64)
}

func encodePopcnt(dst, src Reg) ([]byte, error) {
	if err := aluSize(dst, src); err != nil {
		return nil, err
	}
	out, err := encodeRR([]byte{0x0F, 0xB8}, dst, src, dst.size == size64)
	if err != nil {
		return nil, err
	}
	// The mandatory F3 prefix goes before REX.
	return append([]byte{0xF3}, out...), nil
}

func encodeBswap(reg Reg) ([]byte, error) {
	if err := aluSize(reg); err != nil {
		return nil, err
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	out := rex{w: reg.size == size64, b: info.high}.bytes()
	return append(out, 0x0F, 0xC8+info.code), nil
}

// encodePushPop emits push (0x50) or pop (0x58) of a 64-bit register.
func encodePushPop(op byte, reg Reg) ([]byte, error) {
	if err := reg.checkWidth(size64); err != nil {
		return nil, err
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	return append(rex{b: info.high}.bytes(), op+info.code), nil
}

func encodeCqo() []byte { return []byte{0x48, 0x99} }

func encodeNop() []byte { return []byte{0x90} }

func encodePause() []byte { return []byte{0xF3, 0x90} }

func encodeInt3() []byte { return []byte{0xCC} }
