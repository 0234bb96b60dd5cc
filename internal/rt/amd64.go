package rt

import (
	"fmt"

	"github.com/tinyrange/nativec/internal/asm"
	"github.com/tinyrange/nativec/internal/asm/amd64"
	"github.com/tinyrange/nativec/internal/target"
	"github.com/tinyrange/nativec/internal/tree"
)

// Linux x86-64 system call numbers.
const (
	sysWrite     = 1
	sysExitGroup = 231
)

var (
	rax = amd64.Reg64(amd64.RAX)
	rcx = amd64.Reg64(amd64.RCX)
	rdx = amd64.Reg64(amd64.RDX)
	rsi = amd64.Reg64(amd64.RSI)
	rdi = amd64.Reg64(amd64.RDI)
	rsp = amd64.Reg64(amd64.RSP)
	rbp = amd64.Reg64(amd64.RBP)
	r8  = amd64.Reg64(amd64.R8)
	r9  = amd64.Reg64(amd64.R9)
	r10 = amd64.Reg64(amd64.R10)
	eax = amd64.Reg32(amd64.RAX)
	edx = amd64.Reg32(amd64.RDX)
)

var (
	importGetStdHandle = Import{Library: "kernel32.dll", Name: "GetStdHandle"}
	importWriteFile    = Import{Library: "kernel32.dll", Name: "WriteFile"}
	importExitProcess  = Import{Library: "kernel32.dll", Name: "ExitProcess"}
)

func init() {
	Register(target.ArchX86_64, target.FormatELF,
		mustAssemble(tree.RuntimeWrite, linuxWrite()),
		mustAssemble(tree.RuntimePrintInt, printInt(amd64.RDI, amd64.RSI, 32)),
		mustAssemble(tree.RuntimeExit, linuxExit()),
	)
	Register(target.ArchX86_64, target.FormatPE,
		mustAssemble(tree.RuntimeWrite, windowsWrite(), importGetStdHandle, importWriteFile),
		mustAssemble(tree.RuntimePrintInt, printInt(amd64.RCX, amd64.RDX, 64)),
		mustAssemble(tree.RuntimeExit, windowsExit(), importExitProcess),
	)
}

func mustAssemble(name string, frag asm.Fragment, imports ...Import) Stub {
	code, err := amd64.EmitCode(frag)
	if err != nil {
		panic(fmt.Sprintf("rt: assemble %s: %v", name, err))
	}
	return Stub{Name: name, Code: code, Imports: imports}
}

// linuxWrite(ptr rdi, len rsi) writes to fd 1, retrying short writes and
// giving up on error.
func linuxWrite() asm.Fragment {
	return asm.Group{
		amd64.MovReg(rdx, rsi),
		amd64.MovReg(rsi, rdi),
		asm.MarkLabel("loop"),
		amd64.TestZero(amd64.RDX),
		amd64.JumpIfZero("done"),
		amd64.LoadImmediate(rdi, 1),
		amd64.LoadImmediate(rax, sysWrite),
		amd64.Syscall(),
		amd64.TestZero(amd64.RAX),
		amd64.JumpIf(amd64.CondLessEqual, "done"),
		amd64.AddRegReg(rsi, rax),
		amd64.SubRegReg(rdx, rax),
		amd64.Jump("loop"),
		asm.MarkLabel("done"),
		amd64.XorRegReg(eax, eax),
		amd64.Ret(),
	}
}

// linuxExit(code rdi) terminates every thread of the process.
func linuxExit() asm.Fragment {
	return asm.Group{
		amd64.LoadImmediate(rax, sysExitGroup),
		amd64.Syscall(),
		amd64.Int3(),
	}
}

// printInt formats the signed value in arg0 as decimal into a stack buffer
// and hands it to rt.write. Only volatile registers of both conventions are
// touched. frame must cover the 32 byte buffer plus any shadow space.
func printInt(arg0, arg1 asm.Variable, frame int32) asm.Fragment {
	a0, a1 := amd64.Reg64(arg0), amd64.Reg64(arg1)
	return asm.Group{
		amd64.Push(rbp),
		amd64.MovReg(rbp, rsp),
		amd64.SubRegImm(rsp, frame),
		amd64.MovReg(rax, a0),
		amd64.MovReg(r8, a0),
		amd64.TestZero(amd64.RAX),
		amd64.JumpIf(amd64.CondSign.Invert(), "magnitude"),
		// MinInt64 negates to itself, which is the right unsigned magnitude.
		amd64.Neg(rax),
		asm.MarkLabel("magnitude"),
		amd64.MovReg(r9, rbp),
		amd64.LoadImmediate(r10, 10),
		asm.MarkLabel("digit"),
		amd64.XorRegReg(edx, edx),
		amd64.Div(r10),
		amd64.AddRegImm(rdx, '0'),
		amd64.SubRegImm(r9, 1),
		amd64.MovToMemory(amd64.Mem(r9), amd64.Reg8(amd64.RDX)),
		amd64.TestZero(amd64.RAX),
		amd64.JumpIfNotZero("digit"),
		amd64.TestZero(amd64.R8),
		amd64.JumpIf(amd64.CondSign.Invert(), "emit"),
		amd64.SubRegImm(r9, 1),
		amd64.MovStoreImm8(amd64.Mem(r9), '-'),
		asm.MarkLabel("emit"),
		amd64.MovReg(a1, rbp),
		amd64.SubRegReg(a1, r9),
		amd64.MovReg(a0, r9),
		amd64.CallSymbol(tree.RuntimeWrite),
		amd64.MovReg(rsp, rbp),
		amd64.Pop(rbp),
		amd64.XorRegReg(eax, eax),
		amd64.Ret(),
	}
}

// windowsWrite(ptr rcx, len rdx) calls WriteFile on the console handle.
//
//	[rbp-8]  bytes written
//	[rbp-16] ptr
//	[rbp-24] len
//	[rsp+32] lpOverlapped
func windowsWrite() asm.Fragment {
	slot := func(disp int32) amd64.Memory { return amd64.Mem(rbp).WithDisp(disp) }
	return asm.Group{
		amd64.Push(rbp),
		amd64.MovReg(rbp, rsp),
		amd64.SubRegImm(rsp, 64),
		amd64.MovToMemory(slot(-16), rcx),
		amd64.MovToMemory(slot(-24), rdx),
		// STD_OUTPUT_HANDLE
		amd64.LoadImmediate(rcx, -11),
		amd64.CallIndirectSymbol(importGetStdHandle.Symbol()),
		amd64.MovReg(rcx, rax),
		amd64.MovFromMemory(rdx, slot(-16)),
		amd64.MovFromMemory(r8, slot(-24)),
		amd64.Lea(r9, slot(-8)),
		amd64.XorRegReg(eax, eax),
		amd64.MovToMemory(amd64.Mem(rsp).WithDisp(32), rax),
		amd64.CallIndirectSymbol(importWriteFile.Symbol()),
		amd64.XorRegReg(eax, eax),
		amd64.MovReg(rsp, rbp),
		amd64.Pop(rbp),
		amd64.Ret(),
	}
}

// windowsExit(code rcx) never returns.
func windowsExit() asm.Fragment {
	return asm.Group{
		amd64.SubRegImm(rsp, 40),
		amd64.CallIndirectSymbol(importExitProcess.Symbol()),
		amd64.Int3(),
	}
}
