//go:build unix && amd64

package vm

import (
	"fmt"
	"unsafe"
)

// ---------------------------------------------------------------------------
// Copy-and-patch compiler
// ---------------------------------------------------------------------------

// Compiler lowers programs to native code by copying pre-assembled
// stencils into pooled executable buffers and patching their operand
// slots. One compiler can serve many programs; compiled handles own
// their buffer until dropped.
type Compiler struct {
	table *StencilTable
	pool  *BufferPool
}

// NewCompiler builds a compiler selecting stencils for the given
// feature set, drawing buffers from pool.
func NewCompiler(f Features, pool *BufferPool) (*Compiler, error) {
	return &Compiler{table: NewStencilTable(f), pool: pool}, nil
}

// Table exposes the stencil table, chiefly for tests.
func (c *Compiler) Table() *StencilTable { return c.table }

// Compile lowers a program into an executable buffer.
func (c *Compiler) Compile(p *Program) (*CompiledCode, error) {
	res, err := emitProgram(p, c.table, c.pool.BufferSize())
	if err != nil {
		return nil, err
	}
	buf, index, err := c.pool.Acquire()
	if err != nil {
		return nil, &CompileError{Err: err}
	}
	copy(buf, res.code)
	return &CompiledCode{
		pool:    c.pool,
		index:   index,
		buf:     buf,
		size:    len(res.code),
		offsets: res.offsets,
		prog:    p,
	}, nil
}

// CompiledCode is a patched, executable rendition of one program. It
// exclusively owns its pool buffer until Drop.
type CompiledCode struct {
	pool    *BufferPool
	index   int
	buf     []byte
	size    int
	offsets []uint32
	prog    *Program
	dropped bool
}

// Size returns the emitted code size in bytes.
func (cc *CompiledCode) Size() int { return cc.size }

// Offsets returns the per-instruction native byte offsets. The final
// entry is the epilogue.
func (cc *CompiledCode) Offsets() []uint32 { return cc.offsets }

// Code returns the emitted bytes, for disassembly-level tests.
func (cc *CompiledCode) Code() []byte { return cc.buf[:cc.size] }

// Drop returns the buffer to the pool, which re-poisons it. The handle
// must not run afterwards.
func (cc *CompiledCode) Drop() {
	if cc.dropped {
		return
	}
	cc.dropped = true
	cc.pool.Release(cc.index)
}

// Load installs an artifact's code into a pooled executable buffer,
// yielding a runnable handle for the program the artifact was compiled
// from. The program must match the artifact's recorded hash.
func (a *Artifact) Load(p *Program, pool *BufferPool) (*CompiledCode, error) {
	if err := a.verify(p); err != nil {
		return nil, err
	}
	buf, index, err := pool.Acquire()
	if err != nil {
		return nil, err
	}
	if len(a.Code) > len(buf) {
		pool.Release(index)
		return nil, fmt.Errorf("%w: %d bytes, buffer holds %d", ErrProgramTooLarge, len(a.Code), len(buf))
	}
	copy(buf, a.Code)
	return &CompiledCode{
		pool:    pool,
		index:   index,
		buf:     buf,
		size:    len(a.Code),
		offsets: a.Offsets,
		prog:    p,
	}, nil
}

// jitContext is the in-memory layout generated code addresses through
// RDI. Field offsets must match the ctx*Off constants in stencil.go.
type jitContext struct {
	regs    [NumRegisters]uint64
	memBase uintptr
	memLen  uint64
	fuel    uint64
	trap    uint64
	pc      uint64
	discard uint64
}

// jitEnter transfers control to generated code with ctx in RDI and
// returns its exit status. Implemented in assembly.
func jitEnter(entry uintptr, ctx unsafe.Pointer) uint64

// Run executes the compiled program on a machine. Runtime-coupled
// opcodes exit native code, run through the same handler the
// interpreter uses, and re-enter at the following instruction's native
// offset, so both engines observe identical semantics.
func (cc *CompiledCode) Run(m *Machine) RunResult {
	ctx := new(jitContext)
	base := uintptr(unsafe.Pointer(&cc.buf[0]))

	for {
		if m.PC > uint64(len(cc.prog.Code)) {
			return RunResult{Status: StatusTrapped, Trap: TrapOutOfBounds, PC: m.PC}
		}
		budget := ^uint64(0) >> 1
		if m.cfg.MaxInstructions != 0 {
			if m.retired >= m.cfg.MaxInstructions {
				return RunResult{Status: StatusFuelOut, PC: m.PC}
			}
			budget = m.cfg.MaxInstructions - m.retired
		}

		ctx.regs = m.Regs
		ctx.regs[Zero] = 0
		ctx.memBase = uintptr(unsafe.Pointer(&m.Memory[0]))
		ctx.memLen = uint64(len(m.Memory))
		ctx.fuel = budget
		ctx.pc = m.PC

		status := jitEnter(base+uintptr(cc.offsets[m.PC]), unsafe.Pointer(ctx))

		m.Regs = ctx.regs
		m.retired += budget - ctx.fuel

		switch status {
		case exitHalt:
			return RunResult{Status: StatusHalted, Value: m.Regs[R0]}

		case exitTrap:
			return RunResult{Status: StatusTrapped, Trap: TrapCode(ctx.trap), PC: ctx.pc}

		case exitFuel:
			return RunResult{Status: StatusFuelOut, PC: ctx.pc}

		default: // exitRuntime
			pc := ctx.pc
			in := cc.prog.Code[pc]
			m.PC = pc + 1
			m.retired++
			if res := m.step(pc, in); res != nil {
				return *res
			}
		}
	}
}
