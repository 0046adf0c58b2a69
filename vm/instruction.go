package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies an instruction family. Each family selects a concrete
// operation through the 8-bit mode field.
type Opcode byte

// Arithmetic / logic
const (
	OpAlu    Opcode = 0x00 // register ALU op, mode = AluOp
	OpAluI   Opcode = 0x01 // ALU op with sign-extended immediate
	OpMulDiv Opcode = 0x02 // multiply/divide, mode = MulDivOp
)

// Memory
const (
	OpLoad   Opcode = 0x03 // load, mode = MemWidth
	OpStore  Opcode = 0x04 // store, mode = MemWidth
	OpAtomic Opcode = 0x05 // atomic RMW, mode = AtomicOp
)

// Control flow
const (
	OpBranch Opcode = 0x06 // conditional branch, mode = BranchCond
	OpCall   Opcode = 0x07 // call, immediate = relative offset
	OpRet    Opcode = 0x08 // return
	OpJump   Opcode = 0x09 // jump; mode 0 = relative imm, mode 1 = indirect
)

// Capabilities
const (
	OpCapNew      Opcode = 0x0A // create capability: rd = handle
	OpCapRestrict Opcode = 0x0B // derive narrower capability
	OpCapQuery    Opcode = 0x0C // query capability field, mode = CapQueryField
)

// Concurrency
const (
	OpSpawn Opcode = 0x0D // spawn task: rd = task id, rs1 = entry, rs2 = arg
	OpJoin  Opcode = 0x0E // join task: rd = result, rs1 = task id
	OpChan  Opcode = 0x0F // channel op, mode = ChanOp
	OpFence Opcode = 0x10 // memory fence, mode = FenceMode
	OpYield Opcode = 0x11 // cooperative yield
)

// Taint tracking
const (
	OpTaint    Opcode = 0x12 // mark register rd tainted
	OpSanitize Opcode = 0x13 // clear taint on register rd
)

// I/O
const (
	OpFile      Opcode = 0x14 // file op, mode = FileOp
	OpNet       Opcode = 0x15 // network op, mode = NetOp
	OpNetSetopt Opcode = 0x16 // socket option, mode = NetOption
	OpIo        Opcode = 0x17 // console op, mode = IoOp
	OpTime      Opcode = 0x18 // time op, mode = TimeOp
)

// Math extensions
const (
	OpFpu  Opcode = 0x19 // f64 op over register bit patterns, mode = FpuOp
	OpRand Opcode = 0x1A // random, mode = RandOp
	OpBits Opcode = 0x1B // bit manipulation, mode = BitsOp
)

// System
const (
	OpMov  Opcode = 0x1C // mode 0: rd = sign-extended immediate, mode 1: rd = rs1
	OpTrap Opcode = 0x1D // raise trap, mode = trap selector
	OpNop  Opcode = 0x1E
	OpHalt Opcode = 0x1F
)

// Extensions
const (
	OpExtCall Opcode = 0x20 // call registered extension: immediate = id
)

// maxOpcode is the highest valid opcode value.
const maxOpcode = OpExtCall

// ---------------------------------------------------------------------------
// Mode sub-selectors
// ---------------------------------------------------------------------------

// AluOp selects the ALU operation.
type AluOp byte

const (
	AluAdd AluOp = iota
	AluSub
	AluAnd
	AluOr
	AluXor
	AluShl
	AluShr // logical shift right
	AluSar // arithmetic shift right
)

// MulDivOp selects the multiply/divide operation.
type MulDivOp byte

const (
	MulDivMul  MulDivOp = iota // low 64 bits of product
	MulDivMulH                 // high 64 bits of unsigned product
	MulDivDiv                  // unsigned division
	MulDivMod                  // unsigned remainder
)

// MemWidth selects the access width for loads and stores.
type MemWidth byte

const (
	MemByte MemWidth = iota
	MemHalf
	MemWord
	MemDouble
)

// ByteSize returns the width in bytes.
func (w MemWidth) ByteSize() uint64 {
	switch w {
	case MemByte:
		return 1
	case MemHalf:
		return 2
	case MemWord:
		return 4
	default:
		return 8
	}
}

// AtomicOp selects the atomic read-modify-write operation.
type AtomicOp byte

const (
	AtomicCas AtomicOp = iota
	AtomicXchg
	AtomicAdd
	AtomicAnd
	AtomicOr
	AtomicXor
	AtomicMin
	AtomicMax
)

// BranchCond selects the branch condition. Comparisons are signed 64-bit
// except Ltu.
type BranchCond byte

const (
	BranchAlways BranchCond = iota
	BranchEq
	BranchNe
	BranchLt
	BranchLe
	BranchGt
	BranchGe
	BranchLtu // unsigned less-than
)

// CapQueryField selects the capability field returned by cap.query.
type CapQueryField byte

const (
	CapQueryBase CapQueryField = iota
	CapQueryLength
	CapQueryPerms
)

// ChanOp selects the channel operation.
type ChanOp byte

const (
	ChanCreate ChanOp = iota
	ChanSend
	ChanRecv
	ChanClose
)

// FenceMode selects memory fence semantics.
type FenceMode byte

const (
	FenceAcquire FenceMode = iota
	FenceRelease
	FenceAcqRel
	FenceSeqCst
)

// FileOp selects the file operation.
type FileOp byte

const (
	FileOpen FileOp = iota
	FileRead
	FileWrite
	FileClose
	FileSeek
	FileStat
	FileMkdir
	FileDelete
)

// NetOp selects the network operation.
type NetOp byte

const (
	NetSocket NetOp = iota
	NetConnect
	NetBind
	NetListen
	NetAccept
	NetSend
	NetRecv
	NetClose
)

// NetOption selects the socket option for net.setopt.
type NetOption byte

const (
	NetOptNonblock NetOption = iota
	NetOptTimeoutMs
	NetOptKeepalive
	NetOptReuseAddr
	NetOptNoDelay
	NetOptRecvBufSize
	NetOptSendBufSize
	NetOptLinger
)

// IoOp selects the console operation.
type IoOp byte

const (
	IoPrint IoOp = iota
	IoReadLine
	IoGetArgs
	IoGetEnv
)

// TimeOp selects the time operation.
type TimeOp byte

const (
	TimeNow TimeOp = iota
	TimeSleep
	TimeMonotonic
)

// FpuOp selects the floating-point operation. Registers hold raw IEEE-754
// f64 bit patterns; comparison modes produce integer 0 or 1.
type FpuOp byte

const (
	FpuAdd FpuOp = iota
	FpuSub
	FpuMul
	FpuDiv
	FpuSqrt
	FpuAbs
	FpuFloor
	FpuCeil
	FpuCmpEq
	FpuCmpNe
	FpuCmpLt
	FpuCmpLe
	FpuCmpGt
	FpuCmpGe
)

// RandOp selects the random operation.
type RandOp byte

const (
	RandBytes RandOp = iota
	RandU64
)

// BitsOp selects the bit-manipulation operation.
type BitsOp byte

const (
	BitsPopcount BitsOp = iota
	BitsClz
	BitsCtz
	BitsBswap
)

// Trap opcode mode selectors.
const (
	TrapModeSyscall    byte = 0
	TrapModeBreakpoint byte = 1
	TrapModeBounds     byte = 2
	TrapModeCapability byte = 3
	TrapModeTaint      byte = 4
	TrapModeDivZero    byte = 5
	TrapModeInvalidOp  byte = 6
	TrapModeUser       byte = 7
)

// ---------------------------------------------------------------------------
// Registers
// ---------------------------------------------------------------------------

// Register indexes one of the 32 machine registers.
type Register byte

const (
	R0 Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	Sp  // stack pointer
	Fp  // frame pointer
	Lr  // link register
	Pc  // program counter (read-only)
	Csp // capability stack pointer
	Cfp // capability frame pointer
)

// Zero always reads as 0; writes to it are discarded.
const Zero Register = 31

// NumRegisters is the size of the register file.
const NumRegisters = 32

var registerNames = [NumRegisters]string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"sp", "fp", "lr", "pc", "csp", "cfp",
	"r22", "r23", "r24", "r25", "r26", "r27", "r28", "r29", "r30",
	"zero",
}

// Name returns the assembly name of the register.
func (r Register) Name() string {
	if int(r) < len(registerNames) {
		return registerNames[r]
	}
	return fmt.Sprintf("r%d", byte(r))
}

// Writable reports whether the register accepts writes.
func (r Register) Writable() bool {
	return r != Pc && r != Zero
}

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds decode metadata for an opcode family.
type OpcodeInfo struct {
	Name     string // mnemonic
	Extended bool   // carries an 8-byte encoding with immediate
	MaxMode  byte   // highest valid mode selector
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpAlu:         {"alu", false, byte(AluSar)},
	OpAluI:        {"alui", true, byte(AluSar)},
	OpMulDiv:      {"muldiv", false, byte(MulDivMod)},
	OpLoad:        {"load", true, byte(MemDouble)},
	OpStore:       {"store", true, byte(MemDouble)},
	OpAtomic:      {"atomic", false, byte(AtomicMax)},
	OpBranch:      {"branch", true, byte(BranchLtu)},
	OpCall:        {"call", true, 0},
	OpRet:         {"ret", false, 0},
	OpJump:        {"jump", true, 1},
	OpCapNew:      {"cap.new", true, 0},
	OpCapRestrict: {"cap.restrict", true, 0},
	OpCapQuery:    {"cap.query", false, byte(CapQueryPerms)},
	OpSpawn:       {"spawn", true, 0},
	OpJoin:        {"join", false, 0},
	OpChan:        {"chan", false, byte(ChanClose)},
	OpFence:       {"fence", false, byte(FenceSeqCst)},
	OpYield:       {"yield", false, 0},
	OpTaint:       {"taint", false, 0},
	OpSanitize:    {"sanitize", false, 0},
	OpFile:        {"file", true, byte(FileDelete)},
	OpNet:         {"net", true, byte(NetClose)},
	OpNetSetopt:   {"net.setopt", true, byte(NetOptLinger)},
	OpIo:          {"io", true, byte(IoGetEnv)},
	OpTime:        {"time", true, byte(TimeMonotonic)},
	OpFpu:         {"fpu", false, byte(FpuCmpGe)},
	OpRand:        {"rand", false, byte(RandU64)},
	OpBits:        {"bits", false, byte(BitsBswap)},
	OpMov:         {"mov", true, 1},
	OpTrap:        {"trap", false, TrapModeUser},
	OpNop:         {"nop", false, 0},
	OpHalt:        {"halt", false, 0},
	OpExtCall:     {"ext.call", true, 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Valid reports whether the opcode is part of the instruction set.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Extended reports whether the opcode uses the 8-byte encoding.
func (op Opcode) Extended() bool {
	return op.Info().Extended
}

// String implements fmt.Stringer.
func (op Opcode) String() string {
	return op.Info().Name
}

// DispatchKey returns the dense (opcode, mode) key shared by the
// interpreter's handler table and the stencil table. Keeping both keyed
// off one function prevents the two execution paths from drifting.
func DispatchKey(op Opcode, mode byte) uint16 {
	return uint16(op)<<8 | uint16(mode)
}

// ---------------------------------------------------------------------------
// Instruction
// ---------------------------------------------------------------------------

// Instruction is one decoded IR instruction. Instructions are immutable
// once decoded.
//
// Base encoding (4 bytes, little-endian word):
//
//	opcode(6) | rd(5) | rs1(5) | rs2(5) | pad(3) | mode(8)
//
// Extended opcodes append a second little-endian word holding a signed
// 32-bit immediate. Branch and call immediates are relative to the
// instruction's own index.
type Instruction struct {
	Op   Opcode
	Rd   Register
	Rs1  Register
	Rs2  Register
	Mode byte
	Imm  int32
}

// InstructionSize is the encoded size in bytes.
func (in Instruction) Size() int {
	if in.Op.Extended() {
		return 8
	}
	return 4
}

// Encode appends the binary encoding of the instruction to dst.
func (in Instruction) Encode(dst []byte) []byte {
	word := uint32(in.Op)<<26 |
		uint32(in.Rd&0x1F)<<21 |
		uint32(in.Rs1&0x1F)<<16 |
		uint32(in.Rs2&0x1F)<<11 |
		uint32(in.Mode)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)
	dst = append(dst, buf[:]...)
	if in.Op.Extended() {
		binary.LittleEndian.PutUint32(buf[:], uint32(in.Imm))
		dst = append(dst, buf[:]...)
	}
	return dst
}

// DecodeInstruction decodes one instruction from the front of b and
// returns it together with the number of bytes consumed.
func DecodeInstruction(b []byte) (Instruction, int, error) {
	if len(b) < 4 {
		return Instruction{}, 0, fmt.Errorf("%w: truncated instruction word", ErrInvalidInstruction)
	}
	word := binary.LittleEndian.Uint32(b)

	op := Opcode(word >> 26)
	info, ok := opcodeTable[op]
	if !ok {
		return Instruction{}, 0, fmt.Errorf("%w: opcode 0x%02X", ErrInvalidInstruction, byte(op))
	}

	in := Instruction{
		Op:   op,
		Rd:   Register(word >> 21 & 0x1F),
		Rs1:  Register(word >> 16 & 0x1F),
		Rs2:  Register(word >> 11 & 0x1F),
		Mode: byte(word),
	}
	if in.Mode > info.MaxMode {
		return Instruction{}, 0, fmt.Errorf("%w: %s mode %d", ErrInvalidInstruction, op, in.Mode)
	}

	size := 4
	if info.Extended {
		if len(b) < 8 {
			return Instruction{}, 0, fmt.Errorf("%w: truncated immediate for %s", ErrInvalidInstruction, op)
		}
		in.Imm = int32(binary.LittleEndian.Uint32(b[4:]))
		size = 8
	}
	return in, size, nil
}

// String disassembles the instruction.
func (in Instruction) String() string {
	switch in.Op {
	case OpAlu:
		return fmt.Sprintf("%s.%d %s, %s, %s", in.Op, in.Mode, in.Rd.Name(), in.Rs1.Name(), in.Rs2.Name())
	case OpAluI:
		return fmt.Sprintf("%s.%d %s, %s, %d", in.Op, in.Mode, in.Rd.Name(), in.Rs1.Name(), in.Imm)
	case OpLoad:
		return fmt.Sprintf("%s.%d %s, [%s%+d]", in.Op, in.Mode, in.Rd.Name(), in.Rs1.Name(), in.Imm)
	case OpStore:
		return fmt.Sprintf("%s.%d [%s%+d], %s", in.Op, in.Mode, in.Rs1.Name(), in.Imm, in.Rd.Name())
	case OpBranch:
		if BranchCond(in.Mode) == BranchAlways {
			return fmt.Sprintf("%s %+d", in.Op, in.Imm)
		}
		return fmt.Sprintf("%s.%d %s, %s, %+d", in.Op, in.Mode, in.Rs1.Name(), in.Rs2.Name(), in.Imm)
	case OpMov:
		if in.Mode == 1 {
			return fmt.Sprintf("%s %s, %s", in.Op, in.Rd.Name(), in.Rs1.Name())
		}
		return fmt.Sprintf("%s %s, %d", in.Op, in.Rd.Name(), in.Imm)
	case OpRet, OpNop, OpHalt, OpYield:
		return in.Op.String()
	case OpExtCall:
		return fmt.Sprintf("%s %s, %d, %s, %s", in.Op, in.Rd.Name(), in.Imm, in.Rs1.Name(), in.Rs2.Name())
	default:
		if in.Op.Extended() {
			return fmt.Sprintf("%s.%d %s, %s, %s, %d", in.Op, in.Mode, in.Rd.Name(), in.Rs1.Name(), in.Rs2.Name(), in.Imm)
		}
		return fmt.Sprintf("%s.%d %s, %s, %s", in.Op, in.Mode, in.Rd.Name(), in.Rs1.Name(), in.Rs2.Name())
	}
}

// ---------------------------------------------------------------------------
// Instruction constructors
// ---------------------------------------------------------------------------

// NewInstruction builds a three-register instruction.
func NewInstruction(op Opcode, rd, rs1, rs2 Register, mode byte) Instruction {
	return Instruction{Op: op, Rd: rd, Rs1: rs1, Rs2: rs2, Mode: mode}
}

// NewImmInstruction builds an instruction carrying an immediate.
func NewImmInstruction(op Opcode, rd, rs1 Register, mode byte, imm int32) Instruction {
	return Instruction{Op: op, Rd: rd, Rs1: rs1, Rs2: Zero, Mode: mode, Imm: imm}
}

// NewBranch builds a conditional branch comparing rs1 against rs2 with a
// PC-relative target offset in instruction indices.
func NewBranch(cond BranchCond, rs1, rs2 Register, offset int32) Instruction {
	return Instruction{Op: OpBranch, Rd: Zero, Rs1: rs1, Rs2: rs2, Mode: byte(cond), Imm: offset}
}

// MovImm builds an immediate load into rd.
func MovImm(rd Register, imm int32) Instruction {
	return NewImmInstruction(OpMov, rd, Zero, 0, imm)
}

// MovReg builds a register-to-register move.
func MovReg(rd, rs Register) Instruction {
	return NewInstruction(OpMov, rd, rs, Zero, 1)
}

// Halt builds a halt instruction.
func Halt() Instruction {
	return NewInstruction(OpHalt, Zero, Zero, Zero, 0)
}
