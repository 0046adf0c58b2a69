package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Stencils
// ---------------------------------------------------------------------------
//
// A stencil is a pre-assembled x86-64 byte template for one instruction,
// with named 32-bit patch sites the compiler fills in. Generated code
// runs with RDI holding a *jitContext; guest registers are addressed as
// [rdi + reg*8] disp32 operands.
//
// Every template ends in straight-line fallthrough to the next
// instruction's template, or in `mov eax, status; ret` when it leaves
// native code. Exit statuses:
//
//	0 halt     result in ctx regs[0]
//	1 trap     ctx.trap and ctx.pc set
//	2 fuel     instruction budget exhausted, ctx.pc set
//	3 runtime  runtime-coupled opcode, execute ctx.pc in Go and re-enter

// jitContext field offsets. jit_amd64.go declares the matching struct;
// the two must agree.
const (
	ctxRegsOff    = 0   // [32]uint64
	ctxMemBaseOff = 256 // uintptr to Memory[0]
	ctxMemLenOff  = 264 // uint64
	ctxFuelOff    = 272 // uint64, decremented at control flow
	ctxTrapOff    = 280 // uint64, TrapCode on trap exit
	ctxPCOff      = 288 // uint64, IR index on any early exit
	ctxDiscardOff = 296 // uint64, write target for unwritable rd
	ctxSize       = 304
)

// Native exit statuses.
const (
	exitHalt    = 0
	exitTrap    = 1
	exitFuel    = 2
	exitRuntime = 3
)

// PatchKind names what a 32-bit patch site receives.
type PatchKind uint8

const (
	PatchDstReg       PatchKind = iota // rd slot offset (or discard)
	PatchSrc1Reg                       // rs1 slot offset
	PatchSrc2Reg                       // rs2 slot offset
	PatchImm32                         // instruction immediate
	PatchPCIndex                       // IR index of this instruction
	PatchBranchTarget                  // rel32 to target's native offset
	PatchTrapCode                      // TrapCode delivered by a trap exit
)

// PatchSite is one 32-bit hole in a template.
type PatchSite struct {
	Kind   PatchKind
	Offset int // byte offset of the hole within the template
}

// Stencil is an immutable native code template.
type Stencil struct {
	Code  []byte
	Sites []PatchSite

	// RuntimeExit marks the shared template that hands the
	// instruction to the Go runtime.
	RuntimeExit bool
}

// ---------------------------------------------------------------------------
// Template assembler
// ---------------------------------------------------------------------------

// asm accumulates template bytes. Forward short jumps go through named
// labels; patch sites record their hole offsets as they are emitted.
type asm struct {
	code   []byte
	sites  []PatchSite
	labels map[string]int
	fixups []fixup8
}

type fixup8 struct {
	at    int // offset of the rel8 byte
	label string
}

func newAsm() *asm {
	return &asm{labels: make(map[string]int)}
}

func (a *asm) emit(bs ...byte) { a.code = append(a.code, bs...) }

// hole emits a 32-bit patch site.
func (a *asm) hole(kind PatchKind) {
	a.sites = append(a.sites, PatchSite{Kind: kind, Offset: len(a.code)})
	a.emit(0, 0, 0, 0)
}

// u32 emits a literal 32-bit field.
func (a *asm) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	a.emit(b[:]...)
}

// jmp8 emits a short jump (opcode given) to a forward label.
func (a *asm) jmp8(opcode byte, label string) {
	a.emit(opcode, 0)
	a.fixups = append(a.fixups, fixup8{at: len(a.code) - 1, label: label})
}

func (a *asm) label(name string) {
	a.labels[name] = len(a.code)
}

func (a *asm) build() Stencil {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			panic("stencil: unresolved label " + f.label)
		}
		rel := target - (f.at + 1)
		if rel < -128 || rel > 127 {
			panic("stencil: rel8 out of range to " + f.label)
		}
		a.code[f.at] = byte(int8(rel))
	}
	return Stencil{Code: a.code, Sites: a.sites}
}

// ---- register/slot helpers ----

// movRaxSlot: mov rax, [rdi + slot]
func (a *asm) movRaxSlot(kind PatchKind) { a.emit(0x48, 0x8B, 0x87); a.hole(kind) }

// movSlotRax: mov [rdi + slot], rax
func (a *asm) movSlotRax(kind PatchKind) { a.emit(0x48, 0x89, 0x87); a.hole(kind) }

// movRcxSlot: mov rcx, [rdi + slot]
func (a *asm) movRcxSlot(kind PatchKind) { a.emit(0x48, 0x8B, 0x8F); a.hole(kind) }

// movSlotRcx: mov [rdi + slot], rcx
func (a *asm) movSlotRcx(kind PatchKind) { a.emit(0x48, 0x89, 0x8F); a.hole(kind) }

// movCtxImm: mov qword [rdi + off], imm32 with a patched immediate
func (a *asm) movCtxImm(off uint32, kind PatchKind) {
	a.emit(0x48, 0xC7, 0x87)
	a.u32(off)
	a.hole(kind)
}

// exit: mov eax, status; ret
func (a *asm) exit(status uint32) {
	a.emit(0xB8)
	a.u32(status)
	a.emit(0xC3)
}

// trapExit stores a patched trap code and the IR pc, then returns.
func (a *asm) trapExit() {
	a.movCtxImm(ctxTrapOff, PatchTrapCode)
	a.movCtxImm(ctxPCOff, PatchPCIndex)
	a.exit(exitTrap)
}

// fuelCheck decrements the fuel counter and exits when it hits zero.
func (a *asm) fuelCheck() {
	a.emit(0x48, 0xFF, 0x8F) // dec qword [rdi + fuel]
	a.u32(ctxFuelOff)
	a.jmp8(0x75, "fuel_ok") // jnz
	a.movCtxImm(ctxPCOff, PatchPCIndex)
	a.exit(exitFuel)
	a.label("fuel_ok")
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

// runtimeExitStencil hands one instruction to the Go runtime.
func runtimeExitStencil() Stencil {
	a := newAsm()
	a.movCtxImm(ctxPCOff, PatchPCIndex)
	a.exit(exitRuntime)
	s := a.build()
	s.RuntimeExit = true
	return s
}

func haltStencil() Stencil {
	a := newAsm()
	a.exit(exitHalt)
	return a.build()
}

func trapStencil() Stencil {
	a := newAsm()
	a.trapExit()
	return a.build()
}

// aluStencil: rd = rs1 op rs2, wrapping.
func aluStencil(op AluOp) Stencil {
	a := newAsm()
	a.movRaxSlot(PatchSrc1Reg)
	switch op {
	case AluAdd:
		a.emit(0x48, 0x03, 0x87) // add rax, [rdi+s2]
		a.hole(PatchSrc2Reg)
	case AluSub:
		a.emit(0x48, 0x2B, 0x87)
		a.hole(PatchSrc2Reg)
	case AluAnd:
		a.emit(0x48, 0x23, 0x87)
		a.hole(PatchSrc2Reg)
	case AluOr:
		a.emit(0x48, 0x0B, 0x87)
		a.hole(PatchSrc2Reg)
	case AluXor:
		a.emit(0x48, 0x33, 0x87)
		a.hole(PatchSrc2Reg)
	default:
		// Shift count in cl; the hardware masks to 6 bits, matching
		// the interpreter's &63.
		a.movRcxSlot(PatchSrc2Reg)
		a.emit(0x48, 0xD3, shiftModRM(op)) // shl/shr/sar rax, cl
	}
	a.movSlotRax(PatchDstReg)
	return a.build()
}

// aluImmStencil: rd = rs1 op sign-extended imm32.
func aluImmStencil(op AluOp) Stencil {
	a := newAsm()
	a.movRaxSlot(PatchSrc1Reg)
	switch op {
	case AluAdd:
		a.emit(0x48, 0x05) // add rax, imm32
		a.hole(PatchImm32)
	case AluSub:
		a.emit(0x48, 0x2D)
		a.hole(PatchImm32)
	case AluAnd:
		a.emit(0x48, 0x25)
		a.hole(PatchImm32)
	case AluOr:
		a.emit(0x48, 0x0D)
		a.hole(PatchImm32)
	case AluXor:
		a.emit(0x48, 0x35)
		a.hole(PatchImm32)
	default:
		a.emit(0x48, 0xC7, 0xC1) // mov rcx, imm32
		a.hole(PatchImm32)
		a.emit(0x48, 0xD3, shiftModRM(op))
	}
	a.movSlotRax(PatchDstReg)
	return a.build()
}

func shiftModRM(op AluOp) byte {
	switch op {
	case AluShl:
		return 0xE0 // /4 rax
	case AluShr:
		return 0xE8 // /5 rax
	default:
		return 0xF8 // /7 rax
	}
}

func mulDivStencil(op MulDivOp) Stencil {
	a := newAsm()
	switch op {
	case MulDivMul:
		a.movRaxSlot(PatchSrc1Reg)
		a.emit(0x48, 0x0F, 0xAF, 0x87) // imul rax, [rdi+s2]
		a.hole(PatchSrc2Reg)
		a.movSlotRax(PatchDstReg)

	case MulDivMulH:
		a.movRaxSlot(PatchSrc1Reg)
		a.emit(0x48, 0xF7, 0xA7) // mul qword [rdi+s2], rdx:rax
		a.hole(PatchSrc2Reg)
		a.emit(0x48, 0x89, 0x97) // mov [rdi+dst], rdx
		a.hole(PatchDstReg)

	default: // div, mod
		a.movRaxSlot(PatchSrc1Reg)
		a.movRcxSlot(PatchSrc2Reg)
		a.emit(0x48, 0x85, 0xC9) // test rcx, rcx
		a.jmp8(0x75, "ok")       // jnz
		a.trapExit()
		a.label("ok")
		a.emit(0x31, 0xD2)             // xor edx, edx
		a.emit(0x48, 0xF7, 0xF1)       // div rcx
		if op == MulDivDiv {
			a.movSlotRax(PatchDstReg)
		} else {
			a.emit(0x48, 0x89, 0x97) // mov [rdi+dst], rdx
			a.hole(PatchDstReg)
		}
	}
	return a.build()
}

// memFastPath emits the shared front of load/store templates: take the
// capability handle from rs2, fall back to the runtime for any derived
// capability, then bounds-check offset rs1+imm against the default
// whole-memory capability and leave the host address in rax.
func memFastPath(a *asm, width uint64) {
	a.emit(0x48, 0x8B, 0x87) // mov rax, [rdi + handle]
	a.hole(PatchSrc2Reg)
	a.emit(0x48, 0x85, 0xC0) // test rax, rax
	a.jmp8(0x75, "slow")     // jnz

	a.movRaxSlot(PatchSrc1Reg)
	a.emit(0x48, 0x05) // add rax, imm32 (wrapping, as the interpreter)
	a.hole(PatchImm32)
	a.emit(0x48, 0x8B, 0x8F) // mov rcx, [rdi + memLen]
	a.u32(ctxMemLenOff)
	a.emit(0x48, 0x83, 0xE9, byte(width)) // sub rcx, width
	a.jmp8(0x72, "oob")                   // jb: memLen < width
	a.emit(0x48, 0x39, 0xC8)              // cmp rax, rcx
	a.jmp8(0x77, "oob")                   // ja: offset > memLen-width
	a.emit(0x48, 0x03, 0x87)              // add rax, [rdi + memBase]
	a.u32(ctxMemBaseOff)
	a.jmp8(0xEB, "hit")

	a.label("slow")
	a.movCtxImm(ctxPCOff, PatchPCIndex)
	a.exit(exitRuntime)

	a.label("oob")
	a.trapExit() // patched with OutOfBounds

	a.label("hit")
}

func loadStencil(width MemWidth) Stencil {
	a := newAsm()
	memFastPath(a, width.ByteSize())
	switch width {
	case MemByte:
		a.emit(0x48, 0x0F, 0xB6, 0x00) // movzx rax, byte [rax]
	case MemHalf:
		a.emit(0x48, 0x0F, 0xB7, 0x00) // movzx rax, word [rax]
	case MemWord:
		a.emit(0x8B, 0x00) // mov eax, [rax] (zero-extends)
	default:
		a.emit(0x48, 0x8B, 0x00) // mov rax, [rax]
	}
	a.movSlotRax(PatchDstReg)
	return a.build()
}

func storeStencil(width MemWidth) Stencil {
	a := newAsm()
	memFastPath(a, width.ByteSize())
	a.movRcxSlot(PatchDstReg) // store value comes from rd
	switch width {
	case MemByte:
		a.emit(0x88, 0x08) // mov [rax], cl
	case MemHalf:
		a.emit(0x66, 0x89, 0x08) // mov [rax], cx
	case MemWord:
		a.emit(0x89, 0x08) // mov [rax], ecx
	default:
		a.emit(0x48, 0x89, 0x08) // mov [rax], rcx
	}
	return a.build()
}

// condJcc maps a branch condition to its rel32 jcc opcode pair.
func condJcc(cond BranchCond) [2]byte {
	switch cond {
	case BranchEq:
		return [2]byte{0x0F, 0x84}
	case BranchNe:
		return [2]byte{0x0F, 0x85}
	case BranchLt:
		return [2]byte{0x0F, 0x8C} // jl
	case BranchLe:
		return [2]byte{0x0F, 0x8E} // jle
	case BranchGt:
		return [2]byte{0x0F, 0x8F} // jg
	case BranchGe:
		return [2]byte{0x0F, 0x8D} // jge
	default:
		return [2]byte{0x0F, 0x82} // jb (unsigned)
	}
}

// branchStencil charges fuel, compares rs1 with rs2 and conditionally
// transfers to the patched native target.
func branchStencil(cond BranchCond) Stencil {
	a := newAsm()
	a.fuelCheck()
	if cond == BranchAlways {
		a.emit(0xE9) // jmp rel32
		a.hole(PatchBranchTarget)
		return a.build()
	}
	a.movRaxSlot(PatchSrc1Reg)
	a.emit(0x48, 0x3B, 0x87) // cmp rax, [rdi+s2]
	a.hole(PatchSrc2Reg)
	jcc := condJcc(cond)
	a.emit(jcc[0], jcc[1])
	a.hole(PatchBranchTarget)
	return a.build()
}

// jumpStencil is the direct form of jump (mode 0). The indirect form is
// a runtime exit.
func jumpStencil() Stencil {
	a := newAsm()
	a.fuelCheck()
	a.emit(0xE9)
	a.hole(PatchBranchTarget)
	return a.build()
}

func movImmStencil() Stencil {
	a := newAsm()
	a.emit(0x48, 0xC7, 0xC0) // mov rax, imm32 (sign-extended)
	a.hole(PatchImm32)
	a.movSlotRax(PatchDstReg)
	return a.build()
}

func movRegStencil() Stencil {
	a := newAsm()
	a.movRaxSlot(PatchSrc1Reg)
	a.movSlotRax(PatchDstReg)
	return a.build()
}

func bitsStencil(op BitsOp, hw bool) Stencil {
	a := newAsm()
	a.movRaxSlot(PatchSrc1Reg)
	switch op {
	case BitsPopcount:
		if hw {
			a.emit(0xF3, 0x48, 0x0F, 0xB8, 0xC0) // popcnt rax, rax
			a.movSlotRax(PatchDstReg)
			break
		}
		// Kernighan loop: clear the lowest set bit until empty.
		a.emit(0x31, 0xC9)       // xor ecx, ecx
		a.emit(0x48, 0x85, 0xC0) // test rax, rax
		a.jmp8(0x74, "done")     // jz
		a.label("loop")
		a.emit(0x48, 0x8D, 0x50, 0xFF) // lea rdx, [rax-1]
		a.emit(0x48, 0x21, 0xD0)       // and rax, rdx
		a.emit(0xFF, 0xC1)             // inc ecx
		a.emit(0x48, 0x85, 0xC0)       // test rax, rax
		a.jmp8(0x75, "loop")           // jnz
		a.label("done")
		a.movSlotRcx(PatchDstReg)

	case BitsClz:
		if hw {
			a.emit(0xF3, 0x48, 0x0F, 0xBD, 0xC0) // lzcnt rax, rax
			a.movSlotRax(PatchDstReg)
			break
		}
		a.emit(0xB9)             // mov ecx, 64
		a.u32(64)
		a.emit(0x48, 0x85, 0xC0) // test rax, rax
		a.jmp8(0x74, "store")
		a.emit(0x48, 0x0F, 0xBD, 0xD0) // bsr rdx, rax
		a.emit(0xB9)                   // mov ecx, 63
		a.u32(63)
		a.emit(0x29, 0xD1) // sub ecx, edx
		a.label("store")
		a.movSlotRcx(PatchDstReg)

	case BitsCtz:
		if hw {
			a.emit(0xF3, 0x48, 0x0F, 0xBC, 0xC0) // tzcnt rax, rax
			a.movSlotRax(PatchDstReg)
			break
		}
		a.emit(0xB9) // mov ecx, 64
		a.u32(64)
		a.emit(0x48, 0x85, 0xC0) // test rax, rax
		a.jmp8(0x74, "store")
		a.emit(0x48, 0x0F, 0xBC, 0xC8) // bsf rcx, rax
		a.label("store")
		a.movSlotRcx(PatchDstReg)

	default: // bswap
		a.emit(0x48, 0x0F, 0xC8) // bswap rax
		a.movSlotRax(PatchDstReg)
	}
	return a.build()
}

func fpuStencil(op FpuOp) Stencil {
	a := newAsm()
	switch op {
	case FpuAdd, FpuSub, FpuMul, FpuDiv:
		var sub byte
		switch op {
		case FpuAdd:
			sub = 0x58
		case FpuSub:
			sub = 0x5C
		case FpuMul:
			sub = 0x59
		default:
			sub = 0x5E
		}
		a.emit(0xF2, 0x0F, 0x10, 0x87) // movsd xmm0, [rdi+s1]
		a.hole(PatchSrc1Reg)
		a.emit(0xF2, 0x0F, sub, 0x87) // op xmm0, [rdi+s2]
		a.hole(PatchSrc2Reg)
		a.emit(0xF2, 0x0F, 0x11, 0x87) // movsd [rdi+dst], xmm0
		a.hole(PatchDstReg)

	case FpuSqrt:
		a.emit(0xF2, 0x0F, 0x51, 0x87) // sqrtsd xmm0, [rdi+s1]
		a.hole(PatchSrc1Reg)
		a.emit(0xF2, 0x0F, 0x11, 0x87)
		a.hole(PatchDstReg)

	case FpuAbs:
		// Clearing bit 63 of the pattern is IEEE abs, NaN included.
		a.movRaxSlot(PatchSrc1Reg)
		a.emit(0x48, 0x0F, 0xBA, 0xF0, 0x3F) // btr rax, 63
		a.movSlotRax(PatchDstReg)

	case FpuFloor, FpuCeil:
		mode := byte(1) // round toward -inf
		if op == FpuCeil {
			mode = 2 // round toward +inf
		}
		a.emit(0xF2, 0x0F, 0x10, 0x87) // movsd xmm0, [rdi+s1]
		a.hole(PatchSrc1Reg)
		a.emit(0x66, 0x0F, 0x3A, 0x0B, 0xC0, mode) // roundsd xmm0, xmm0, mode
		a.emit(0xF2, 0x0F, 0x11, 0x87)
		a.hole(PatchDstReg)

	default:
		fpuCompare(a, op)
	}
	return a.build()
}

// fpuCompare emits a NaN-correct ordered comparison yielding 0 or 1.
// Less-than forms swap the ucomisd operands so the unordered flags
// (CF=ZF=PF=1) make seta/setae come out false for NaN.
func fpuCompare(a *asm, op FpuOp) {
	first, second := PatchSrc1Reg, PatchSrc2Reg
	if op == FpuCmpLt || op == FpuCmpLe {
		first, second = second, first
	}
	a.emit(0xF2, 0x0F, 0x10, 0x87) // movsd xmm0, [rdi+first]
	a.hole(first)
	a.emit(0x66, 0x0F, 0x2E, 0x87) // ucomisd xmm0, [rdi+second]
	a.hole(second)

	switch op {
	case FpuCmpEq:
		a.emit(0x0F, 0x94, 0xC0) // sete al
		a.emit(0x0F, 0x9B, 0xC1) // setnp cl
		a.emit(0x20, 0xC8)       // and al, cl
	case FpuCmpNe:
		a.emit(0x0F, 0x95, 0xC0) // setne al
		a.emit(0x0F, 0x9A, 0xC1) // setp cl
		a.emit(0x08, 0xC8)       // or al, cl
	case FpuCmpLt, FpuCmpGt:
		a.emit(0x0F, 0x97, 0xC0) // seta al
	default: // le, ge
		a.emit(0x0F, 0x93, 0xC0) // setae al
	}
	a.emit(0x0F, 0xB6, 0xC0) // movzx eax, al
	a.movSlotRax(PatchDstReg)
}

// atomicAddr emits the shared address computation for atomics: take the
// address from rs1, bounds-check 8 bytes against the default capability,
// require 8-byte alignment and leave the host address in r8.
func atomicAddr(a *asm) {
	a.emit(0x4C, 0x8B, 0x87) // mov r8, [rdi+s1]
	a.hole(PatchSrc1Reg)
	a.emit(0x48, 0x8B, 0x8F) // mov rcx, [rdi+memLen]
	a.u32(ctxMemLenOff)
	a.emit(0x48, 0x83, 0xE9, 0x08) // sub rcx, 8
	a.jmp8(0x72, "oob")
	a.emit(0x4C, 0x39, 0xC1) // cmp rcx, r8
	a.jmp8(0x72, "oob")      // jb: r8 > memLen-8
	a.emit(0x41, 0xF6, 0xC0, 0x07) // test r8b, 7
	a.jmp8(0x75, "oob")
	a.emit(0x4C, 0x03, 0x87) // add r8, [rdi+memBase]
	a.u32(ctxMemBaseOff)
	a.jmp8(0xEB, "go")
	a.label("oob")
	a.trapExit()
	a.label("go")
}

func atomicStencil(op AtomicOp) Stencil {
	a := newAsm()
	atomicAddr(a)
	switch op {
	case AtomicCas:
		a.movRaxSlot(PatchDstReg) // expected
		a.movRcxSlot(PatchSrc2Reg)
		a.emit(0xF0, 0x49, 0x0F, 0xB1, 0x08) // lock cmpxchg [r8], rcx
		a.emit(0x0F, 0x94, 0xC0)             // sete al
		a.emit(0x0F, 0xB6, 0xC0)             // movzx eax, al
		a.movSlotRax(PatchDstReg)

	case AtomicXchg:
		a.movRcxSlot(PatchSrc2Reg)
		a.emit(0x49, 0x87, 0x08) // xchg [r8], rcx (implicitly locked)
		a.movSlotRcx(PatchDstReg)

	case AtomicAdd:
		a.movRcxSlot(PatchSrc2Reg)
		a.emit(0xF0, 0x49, 0x0F, 0xC1, 0x08) // lock xadd [r8], rcx
		a.movSlotRcx(PatchDstReg)            // old value

	default:
		// and/or/xor/min/max: compare-and-swap retry loop, old value
		// lands in rd.
		a.label("retry")
		a.emit(0x49, 0x8B, 0x00) // mov rax, [r8]
		a.emit(0x48, 0x89, 0xC1) // mov rcx, rax
		switch op {
		case AtomicAnd:
			a.emit(0x48, 0x23, 0x8F) // and rcx, [rdi+s2]
			a.hole(PatchSrc2Reg)
		case AtomicOr:
			a.emit(0x48, 0x0B, 0x8F)
			a.hole(PatchSrc2Reg)
		case AtomicXor:
			a.emit(0x48, 0x33, 0x8F)
			a.hole(PatchSrc2Reg)
		case AtomicMin, AtomicMax:
			a.emit(0x48, 0x8B, 0x97) // mov rdx, [rdi+s2]
			a.hole(PatchSrc2Reg)
			a.emit(0x48, 0x39, 0xC2) // cmp rdx, rax
			if op == AtomicMin {
				a.emit(0x48, 0x0F, 0x42, 0xCA) // cmovb rcx, rdx
			} else {
				a.emit(0x48, 0x0F, 0x47, 0xCA) // cmova rcx, rdx
			}
		}
		a.emit(0xF0, 0x49, 0x0F, 0xB1, 0x08) // lock cmpxchg [r8], rcx
		a.jmp8back(0x75, "retry")            // jnz retry
		a.movSlotRax(PatchDstReg)
	}
	return a.build()
}

// jmp8back emits a short jump to an already-bound label.
func (a *asm) jmp8back(opcode byte, label string) {
	target, ok := a.labels[label]
	if !ok {
		panic("stencil: backward label " + label + " not bound")
	}
	rel := target - (len(a.code) + 2)
	if rel < -128 || rel > 127 {
		panic("stencil: rel8 out of range to " + label)
	}
	a.emit(opcode, byte(int8(rel)))
}

// ---------------------------------------------------------------------------
// Stencil table
// ---------------------------------------------------------------------------

// StencilTable maps (opcode, mode) to the template selected for one
// feature set. Tables are immutable after construction.
type StencilTable struct {
	features Features
	entries  map[uint16]*Stencil
}

// NewStencilTable builds the table for a feature set, preferring
// hardware templates where the feature bit is present.
func NewStencilTable(f Features) *StencilTable {
	t := &StencilTable{features: f, entries: make(map[uint16]*Stencil)}
	put := func(op Opcode, mode byte, s Stencil) {
		t.entries[DispatchKey(op, mode)] = &s
	}
	runtimeExit := func(op Opcode, mode byte) {
		put(op, mode, runtimeExitStencil())
	}

	for op := AluAdd; op <= AluSar; op++ {
		put(OpAlu, byte(op), aluStencil(op))
		put(OpAluI, byte(op), aluImmStencil(op))
	}
	for op := MulDivMul; op <= MulDivMod; op++ {
		put(OpMulDiv, byte(op), mulDivStencil(op))
	}
	for w := MemByte; w <= MemDouble; w++ {
		put(OpLoad, byte(w), loadStencil(w))
		put(OpStore, byte(w), storeStencil(w))
	}
	for op := AtomicCas; op <= AtomicMax; op++ {
		put(OpAtomic, byte(op), atomicStencil(op))
	}
	for cond := BranchAlways; cond <= BranchLtu; cond++ {
		put(OpBranch, byte(cond), branchStencil(cond))
	}
	put(OpJump, 0, jumpStencil())
	runtimeExit(OpJump, 1)

	put(OpMov, 0, movImmStencil())
	put(OpMov, 1, movRegStencil())
	put(OpNop, 0, Stencil{}) // expands to nothing
	put(OpHalt, 0, haltStencil())
	for mode := byte(0); mode <= TrapModeUser; mode++ {
		put(OpTrap, mode, trapStencil())
	}

	put(OpBits, byte(BitsPopcount), bitsStencil(BitsPopcount, f.Popcnt))
	put(OpBits, byte(BitsClz), bitsStencil(BitsClz, f.Lzcnt))
	put(OpBits, byte(BitsCtz), bitsStencil(BitsCtz, f.Bmi1))
	put(OpBits, byte(BitsBswap), bitsStencil(BitsBswap, true))

	for op := FpuAdd; op <= FpuCmpGe; op++ {
		if (op == FpuFloor || op == FpuCeil) && !f.Sse41 {
			continue // no software template; Lookup reports MissingStencil
		}
		put(OpFpu, byte(op), fpuStencil(op))
	}

	// Everything touching the Go runtime shares the exit template, so
	// the generated code and the interpreter agree by construction.
	runtimeExit(OpCall, 0)
	runtimeExit(OpRet, 0)
	for mode := byte(0); mode <= byte(CapQueryPerms); mode++ {
		runtimeExit(OpCapQuery, mode)
	}
	runtimeExit(OpCapNew, 0)
	runtimeExit(OpCapRestrict, 0)
	runtimeExit(OpSpawn, 0)
	runtimeExit(OpJoin, 0)
	for mode := byte(0); mode <= byte(ChanClose); mode++ {
		runtimeExit(OpChan, mode)
	}
	for mode := byte(0); mode <= byte(FenceSeqCst); mode++ {
		runtimeExit(OpFence, mode)
	}
	runtimeExit(OpYield, 0)
	runtimeExit(OpTaint, 0)
	runtimeExit(OpSanitize, 0)
	for mode := byte(0); mode <= byte(FileDelete); mode++ {
		runtimeExit(OpFile, mode)
	}
	for mode := byte(0); mode <= byte(NetClose); mode++ {
		runtimeExit(OpNet, mode)
	}
	for mode := byte(0); mode <= byte(NetOptLinger); mode++ {
		runtimeExit(OpNetSetopt, mode)
	}
	for mode := byte(0); mode <= byte(IoGetEnv); mode++ {
		runtimeExit(OpIo, mode)
	}
	for mode := byte(0); mode <= byte(TimeMonotonic); mode++ {
		runtimeExit(OpTime, mode)
	}
	for mode := byte(0); mode <= byte(RandU64); mode++ {
		runtimeExit(OpRand, mode)
	}
	runtimeExit(OpExtCall, 0)

	return t
}

// Features returns the feature set the table was built for.
func (t *StencilTable) Features() Features { return t.features }

// Lookup returns the template for an (opcode, mode) pair.
func (t *StencilTable) Lookup(op Opcode, mode byte) (*Stencil, error) {
	s, ok := t.entries[DispatchKey(op, mode)]
	if !ok {
		return nil, fmt.Errorf("%w: %s mode %d", ErrMissingStencil, op, mode)
	}
	return s, nil
}
