package amd64

import (
	"bytes"
	"testing"

	"github.com/tinyrange/nativec/internal/asm"
)

func TestEncodings(t *testing.T) {
	tests := []struct {
		name string
		frag asm.Fragment
		want []byte
	}{
		{"push rax", Push(Reg64(RAX)), []byte{0x50}},
		{"push r12", Push(Reg64(R12)), []byte{0x41, 0x54}},
		{"pop rbp", Pop(Reg64(RBP)), []byte{0x5D}},
		{"load imm zero-extended", LoadImmediate(Reg64(RAX), 1), []byte{0xB8, 0x01, 0x00, 0x00, 0x00}},
		{"load imm r9", LoadImmediate(Reg64(R9), 1), []byte{0x41, 0xB9, 0x01, 0x00, 0x00, 0x00}},
		{"load imm negative", LoadImmediate(Reg64(RAX), -1), []byte{0x48, 0xC7, 0xC0, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"load imm wide", LoadImmediate(Reg64(RAX), 1<<40), []byte{0x48, 0xB8, 0, 0, 0, 0, 0, 0x01, 0, 0}},
		{"cqo", Cqo(), []byte{0x48, 0x99}},
		{"idiv rcx", Idiv(Reg64(RCX)), []byte{0x48, 0xF7, 0xF9}},
		{"neg rax", Neg(Reg64(RAX)), []byte{0x48, 0xF7, 0xD8}},
		{"imul rax, rcx", ImulRegReg(Reg64(RAX), Reg64(RCX)), []byte{0x48, 0x0F, 0xAF, 0xC1}},
		{"sete al", SetCC(CondEqual, Reg8(RAX)), []byte{0x0F, 0x94, 0xC0}},
		{"movzx rax, al", MovZX8Reg(Reg64(RAX), Reg8(RAX)), []byte{0x48, 0x0F, 0xB6, 0xC0}},
		{"shl rax, cl", ShlRegCL(Reg64(RAX)), []byte{0x48, 0xD3, 0xE0}},
		{"sar rax, cl", SarRegCL(Reg64(RAX)), []byte{0x48, 0xD3, 0xF8}},
		{"popcnt rax, rax", Popcnt(Reg64(RAX), Reg64(RAX)), []byte{0xF3, 0x48, 0x0F, 0xB8, 0xC0}},
		{"bswap rax", Bswap(Reg64(RAX)), []byte{0x48, 0x0F, 0xC8}},
		{"lea rdx, [rsp+40]", Lea(Reg64(RDX), Mem(Reg64(RSP)).WithDisp(40)), []byte{0x48, 0x8D, 0x54, 0x24, 0x28}},
		{"sub rsp, 40", SubRegImm(Reg64(RSP), 40), []byte{0x48, 0x83, 0xEC, 0x28}},
		{"and rsp, -16", AndRegImm(Reg64(RSP), -16), []byte{0x48, 0x83, 0xE4, 0xF0}},
		{"syscall", Syscall(), []byte{0x0F, 0x05}},
		{"pause", Pause(), []byte{0xF3, 0x90}},
		{"backward jump", asm.Group{asm.MarkLabel("top"), Jump("top")}, []byte{0xE9, 0xFB, 0xFF, 0xFF, 0xFF}},
		{"forward je", asm.Group{JumpIf(CondEqual, "end"), Nop(), asm.MarkLabel("end")}, []byte{0x0F, 0x84, 0x01, 0x00, 0x00, 0x00, 0x90}},
		{"cmp rax, 7", CmpRegImm(Reg64(RAX), 7), []byte{0x48, 0x83, 0xF8, 0x07}},
		{"cmp rax, imm32", CmpRegImm(Reg64(RAX), 0x1000), []byte{0x48, 0x81, 0xF8, 0x00, 0x10, 0x00, 0x00}},
		{"add rax, -1", AddRegImm(Reg64(RAX), -1), []byte{0x48, 0x83, 0xC0, 0xFF}},
		{"or rax, 3", OrRegImm(Reg64(RAX), 3), []byte{0x48, 0x83, 0xC8, 0x03}},
		{"xor rax, 0x80", XorRegImm(Reg64(RAX), 0x80), []byte{0x48, 0x81, 0xF0, 0x80, 0x00, 0x00, 0x00}},
		{"imul rax, rax, 10", ImulRegImm(Reg64(RAX), Reg64(RAX), 10), []byte{0x48, 0x6B, 0xC0, 0x0A}},
		{"imul r9, rcx, 300", ImulRegImm(Reg64(R9), Reg64(RCX), 300), []byte{0x4C, 0x69, 0xC9, 0x2C, 0x01, 0x00, 0x00}},
		{"shl rax, 3", ShlRegImm(Reg64(RAX), 3), []byte{0x48, 0xC1, 0xE0, 0x03}},
		{"sar r8, 63", SarRegImm(Reg64(R8), 63), []byte{0x49, 0xC1, 0xF8, 0x3F}},
		{"xor eax, eax", XorRegReg(Reg32(RAX), Reg32(RAX)), []byte{0x31, 0xC0}},
		{"mov r9, r10", MovReg(Reg64(R9), Reg64(R10)), []byte{0x4D, 0x89, 0xD1}},
		{"mov [r9], dl", MovToMemory(Mem(Reg64(R9)), Reg8(RDX)), []byte{0x41, 0x88, 0x11}},
		{"mov [rbp], rax", MovToMemory(Mem(Reg64(RBP)), Reg64(RAX)), []byte{0x48, 0x89, 0x45, 0x00}},
		{"mov rax, [rbp-0x200]", MovFromMemory(Reg64(RAX), Mem(Reg64(RBP)).WithDisp(-0x200)), []byte{0x48, 0x8B, 0x85, 0x00, 0xFE, 0xFF, 0xFF}},
		{"mov byte [rdx+5], 0x7f", MovStoreImm8(Mem(Reg64(RDX)).WithDisp(5), 0x7f), []byte{0xC6, 0x42, 0x05, 0x7F}},
		{"test r10, r10", TestZero(R10), []byte{0x4D, 0x85, 0xD2}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := emitBytes(tc.frag)
			if err != nil {
				t.Fatalf("emit: %v", err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("bytes=% x, want % x", got, tc.want)
			}
		})
	}
}

func emitBytes(frag asm.Fragment) ([]byte, error) {
	code, err := EmitCode(frag)
	if err != nil {
		return nil, err
	}
	return code.Bytes, nil
}

func TestSymbolReferencesProduceRelocations(t *testing.T) {
	code, err := EmitCode(asm.Group{
		LeaSymbol(Reg64(RSI), "str.0", 3),
		CallSymbol("main.f"),
		CallIndirectSymbol("kernel32.ExitProcess"),
	})
	if err != nil {
		t.Fatalf("EmitCode: %v", err)
	}
	want := []asm.Relocation{
		{Offset: 3, Symbol: "str.0", Kind: asm.RelocPC32, Addend: 3},
		{Offset: 8, Symbol: "main.f", Kind: asm.RelocPC32},
		{Offset: 14, Symbol: "kernel32.ExitProcess", Kind: asm.RelocPC32},
	}
	if len(code.Relocations) != len(want) {
		t.Fatalf("relocations=%v, want %v", code.Relocations, want)
	}
	for i := range want {
		if code.Relocations[i] != want[i] {
			t.Fatalf("relocation %d=%+v, want %+v", i, code.Relocations[i], want[i])
		}
	}
	if len(code.Bytes) != 18 {
		t.Fatalf("len(code)=%d, want 18", len(code.Bytes))
	}
	if !bytes.Equal(code.Bytes[3:7], []byte{0, 0, 0, 0}) {
		t.Fatalf("relocated field should be left zero, got % x", code.Bytes[3:7])
	}
}

func TestUndefinedLabel(t *testing.T) {
	if _, err := emitBytes(Jump("missing")); err == nil {
		t.Fatalf("expected error for undefined label")
	}
}

func TestDuplicateLabel(t *testing.T) {
	frag := asm.Group{asm.MarkLabel("x"), asm.MarkLabel("x")}
	if _, err := emitBytes(frag); err == nil {
		t.Fatalf("expected error for duplicate label")
	}
}

func TestWidthChecks(t *testing.T) {
	if _, err := emitBytes(Push(Reg32(RAX))); err == nil {
		t.Fatalf("push of 32-bit register should fail")
	}
	if _, err := emitBytes(SetCC(CondEqual, Reg64(RAX))); err == nil {
		t.Fatalf("setcc of 64-bit register should fail")
	}
	if _, err := emitBytes(AddRegReg(Reg64(RAX), Reg32(RCX))); err == nil {
		t.Fatalf("mixed-width add should fail")
	}
	if _, err := emitBytes(CmpRegImm(Reg8(RAX), 1)); err == nil {
		t.Fatalf("8-bit cmp should fail")
	}
}

func TestShiftCountRange(t *testing.T) {
	for _, count := range []uint8{0, 64} {
		if _, err := emitBytes(ShlRegImm(Reg64(RAX), count)); err == nil {
			t.Fatalf("shl by %d should fail", count)
		}
	}
}

func TestConditionInvert(t *testing.T) {
	pairs := [][2]Condition{
		{CondEqual, CondNotEqual},
		{CondLess, CondGreaterEqual},
		{CondGreater, CondLessEqual},
		{CondBelow, CondAboveOrEqual},
	}
	for _, p := range pairs {
		if got := p[0].Invert(); got != p[1] {
			t.Fatalf("Invert(%#x)=%#x, want %#x", p[0], got, p[1])
		}
		if got := p[1].Invert(); got != p[0] {
			t.Fatalf("Invert(%#x)=%#x, want %#x", p[1], got, p[0])
		}
	}
}
