package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Copy-and-patch emission
// ---------------------------------------------------------------------------

// Reloc records one resolved branch site in emitted code, for
// inspection and for the displacement round-trip tests.
type Reloc struct {
	Site   uint32 `cbor:"1,keyasint"` // byte offset of the rel32 field
	Target uint32 `cbor:"2,keyasint"` // IR instruction index it lands on
}

// emitResult is a fully patched native rendition of a program.
type emitResult struct {
	code    []byte
	offsets []uint32 // per-instruction native offsets; one extra entry
	relocs  []Reloc  // for the epilogue
}

// emitProgram lowers a program by copying each instruction's stencil and
// patching its operand slots. Branch displacements are resolved in a
// second pass once every instruction's native offset is known. The
// emitted code is position-independent: all state lives behind the
// context register and branches are internal rel32s.
func emitProgram(p *Program, table *StencilTable, maxSize int) (*emitResult, error) {
	if err := p.Validate(); err != nil {
		return nil, &CompileError{Err: err}
	}

	type branchSite struct {
		site   int // byte offset of the rel32 hole
		target int // IR target index
	}

	var (
		code     []byte
		offsets  = make([]uint32, len(p.Code)+1)
		branches []branchSite
	)

	for pc, in := range p.Code {
		offsets[pc] = uint32(len(code))

		stencil, err := table.Lookup(in.Op, in.Mode)
		if err != nil {
			return nil, &CompileError{PC: pc, Err: err}
		}
		if !stencil.RuntimeExit && needsRuntime(in) {
			// Register 19 reads the live pc, which only the runtime
			// tracks; same for compare-and-swap against a hardwired
			// destination.
			stencil = &deoptStencil
		}

		base := len(code)
		code = append(code, stencil.Code...)
		for _, site := range stencil.Sites {
			at := base + site.Offset
			switch site.Kind {
			case PatchDstReg:
				binary.LittleEndian.PutUint32(code[at:], dstSlot(in))
			case PatchSrc1Reg:
				binary.LittleEndian.PutUint32(code[at:], regSlot(in.Rs1))
			case PatchSrc2Reg:
				binary.LittleEndian.PutUint32(code[at:], regSlot(in.Rs2))
			case PatchImm32:
				binary.LittleEndian.PutUint32(code[at:], uint32(in.Imm))
			case PatchPCIndex:
				binary.LittleEndian.PutUint32(code[at:], uint32(pc))
			case PatchTrapCode:
				binary.LittleEndian.PutUint32(code[at:], uint32(trapValue(in)))
			case PatchBranchTarget:
				branches = append(branches, branchSite{site: at, target: pc + int(in.Imm)})
			}
		}
	}

	// Epilogue: running off the end halts with r0, and branches to the
	// one-past-the-end index land here.
	offsets[len(p.Code)] = uint32(len(code))
	code = append(code, epilogue.Code...)

	if maxSize > 0 && len(code) > maxSize {
		return nil, &CompileError{Err: fmt.Errorf("%w: %d bytes, buffer holds %d", ErrProgramTooLarge, len(code), maxSize)}
	}

	res := &emitResult{code: code, offsets: offsets}
	for _, b := range branches {
		rel := int64(offsets[b.target]) - int64(b.site+4)
		binary.LittleEndian.PutUint32(code[b.site:], uint32(int32(rel)))
		res.relocs = append(res.relocs, Reloc{Site: uint32(b.site), Target: uint32(b.target)})
	}
	return res, nil
}

var (
	deoptStencil = runtimeExitStencil()
	epilogue     = haltStencil()
)

// regSlot maps a source register to its context disp32. Slot 31 is
// never written (writes are redirected to the discard slot), so reading
// it always yields the hardwired zero.
func regSlot(r Register) uint32 {
	return uint32(r) * 8
}

// dstSlot maps the rd field. For stores rd is a source; everywhere else
// it is a write target, and unwritable registers write to the discard
// slot.
func dstSlot(in Instruction) uint32 {
	if in.Op == OpStore {
		return regSlot(in.Rd)
	}
	if !in.Rd.Writable() {
		return ctxDiscardOff
	}
	return regSlot(in.Rd)
}

// needsRuntime flags natively-compilable instructions whose operands the
// generated code cannot observe correctly.
func needsRuntime(in Instruction) bool {
	if readsPC(in) {
		return true
	}
	if in.Op == OpAtomic && AtomicOp(in.Mode) == AtomicCas && !in.Rd.Writable() {
		return true
	}
	return false
}

func readsPC(in Instruction) bool {
	switch in.Op {
	case OpAlu, OpMulDiv, OpLoad, OpBranch, OpFpu:
		return in.Rs1 == Pc || in.Rs2 == Pc
	case OpAluI, OpBits:
		return in.Rs1 == Pc
	case OpMov:
		return in.Mode == 1 && in.Rs1 == Pc
	case OpStore, OpAtomic:
		return in.Rs1 == Pc || in.Rs2 == Pc || in.Rd == Pc
	default:
		return false
	}
}

// trapValue picks the trap code a stencil's trap exit delivers.
func trapValue(in Instruction) TrapCode {
	switch in.Op {
	case OpTrap:
		return trapForMode(in.Mode)
	case OpMulDiv:
		return TrapDivideByZero
	default:
		return TrapOutOfBounds
	}
}
