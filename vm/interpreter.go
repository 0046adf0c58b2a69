package vm

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"math/bits"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

// Interpreter executes a program by direct dispatch over decoded
// instructions. It shares every opcode handler with the compiled
// engines' runtime-exit path, so both raise identical traps for
// identical faults.
type Interpreter struct {
	m *Machine
}

// NewInterpreter validates the program and prepares execution state.
func NewInterpreter(p *Program, cfg Config) (*Interpreter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Interpreter{m: NewMachine(p, cfg)}, nil
}

// Machine exposes the execution state, chiefly for seeding input
// registers and inspecting results.
func (it *Interpreter) Machine() *Machine { return it.m }

// Run executes until the program halts, traps, or exhausts its
// instruction budget.
func (it *Interpreter) Run() RunResult { return it.m.run() }

// run is the dispatch loop. It is also the body of every spawned task.
func (m *Machine) run() RunResult {
	code := m.prog.Code
	for {
		if m.PC >= uint64(len(code)) {
			return RunResult{Status: StatusHalted, Value: m.Regs[R0]}
		}
		if m.cfg.MaxInstructions != 0 && m.retired >= m.cfg.MaxInstructions {
			return RunResult{Status: StatusFuelOut, PC: m.PC}
		}
		m.retired++

		pc := m.PC
		in := code[pc]
		m.PC = pc + 1
		if m.cfg.Trace {
			m.cfg.Logger.Printf("task %d pc=%d %s", m.taskID, pc, in)
		}
		if res := m.step(pc, in); res != nil {
			return *res
		}
	}
}

// step executes one already-fetched instruction. m.PC has been advanced
// past it; control-flow handlers overwrite m.PC. A non-nil result
// terminates the run. The compiled engines call step directly when
// native code exits for a runtime-coupled opcode.
func (m *Machine) step(pc uint64, in Instruction) *RunResult {
	switch in.Op {

	// ---- arithmetic ----

	case OpAlu:
		v := aluEval(AluOp(in.Mode), m.Reg(in.Rs1), m.Reg(in.Rs2))
		m.setRegTainted(in.Rd, v, m.Tainted(in.Rs1) || m.Tainted(in.Rs2))

	case OpAluI:
		v := aluEval(AluOp(in.Mode), m.Reg(in.Rs1), uint64(int64(in.Imm)))
		m.setRegTainted(in.Rd, v, m.Tainted(in.Rs1))

	case OpMulDiv:
		a, b := m.Reg(in.Rs1), m.Reg(in.Rs2)
		var v uint64
		switch MulDivOp(in.Mode) {
		case MulDivMul:
			v = a * b
		case MulDivMulH:
			v, _ = bits.Mul64(a, b)
		case MulDivDiv:
			if b == 0 {
				return m.trap(TrapDivideByZero, pc)
			}
			v = a / b
		case MulDivMod:
			if b == 0 {
				return m.trap(TrapDivideByZero, pc)
			}
			v = a % b
		}
		m.setRegTainted(in.Rd, v, m.Tainted(in.Rs1) || m.Tainted(in.Rs2))

	// ---- memory ----

	case OpLoad:
		width := MemWidth(in.Mode).ByteSize()
		addr, tc, ok := m.resolve(in.Rs2, in.Rs1, in.Imm, width, PermRead)
		if !ok {
			return m.trap(tc, pc)
		}
		var v uint64
		switch width {
		case 1:
			v = uint64(m.Memory[addr])
		case 2:
			v = uint64(binary.LittleEndian.Uint16(m.Memory[addr:]))
		case 4:
			v = uint64(binary.LittleEndian.Uint32(m.Memory[addr:]))
		default:
			v = binary.LittleEndian.Uint64(m.Memory[addr:])
		}
		m.SetReg(in.Rd, v)

	case OpStore:
		width := MemWidth(in.Mode).ByteSize()
		addr, tc, ok := m.resolve(in.Rs2, in.Rs1, in.Imm, width, PermWrite)
		if !ok {
			return m.trap(tc, pc)
		}
		v := m.Reg(in.Rd)
		switch width {
		case 1:
			m.Memory[addr] = byte(v)
		case 2:
			binary.LittleEndian.PutUint16(m.Memory[addr:], uint16(v))
		case 4:
			binary.LittleEndian.PutUint32(m.Memory[addr:], uint32(v))
		default:
			binary.LittleEndian.PutUint64(m.Memory[addr:], v)
		}

	case OpAtomic:
		return m.stepAtomic(pc, in)

	// ---- control flow ----

	case OpBranch:
		if branchTaken(BranchCond(in.Mode), m.Reg(in.Rs1), m.Reg(in.Rs2)) {
			m.PC = pc + uint64(int64(in.Imm))
		}

	case OpCall:
		if len(m.callStack) >= m.cfg.MaxCallDepth {
			return m.trap(TrapStackOverflow, pc)
		}
		m.callStack = append(m.callStack, pc+1)
		m.PC = pc + uint64(int64(in.Imm))

	case OpRet:
		if n := len(m.callStack); n > 0 {
			m.PC = m.callStack[n-1]
			m.callStack = m.callStack[:n-1]
		} else {
			// Return from the entry frame ends the program.
			return &RunResult{Status: StatusHalted, Value: m.Regs[R0]}
		}

	case OpJump:
		if in.Mode == 0 {
			m.PC = pc + uint64(int64(in.Imm))
		} else {
			target := m.Reg(in.Rs1)
			if target > uint64(len(m.prog.Code)) {
				return m.trap(TrapOutOfBounds, pc)
			}
			m.PC = target
		}

	// ---- capabilities ----

	case OpCapNew:
		derived, tc, ok := m.Caps.caps[0].Restrict(m.Reg(in.Rs1), m.Reg(in.Rs2), byte(in.Imm))
		if !ok {
			return m.trap(tc, pc)
		}
		h, tc, ok := m.Caps.Insert(derived)
		if !ok {
			return m.trap(tc, pc)
		}
		m.SetReg(in.Rd, h)

	case OpCapRestrict:
		parent, tc, ok := m.Caps.Get(m.Reg(in.Rs1))
		if !ok {
			return m.trap(tc, pc)
		}
		derived, tc, ok := parent.Restrict(m.Reg(in.Rs2), m.Reg(R3), byte(in.Imm))
		if !ok {
			return m.trap(tc, pc)
		}
		h, tc, ok := m.Caps.Insert(derived)
		if !ok {
			return m.trap(tc, pc)
		}
		m.SetReg(in.Rd, h)

	case OpCapQuery:
		c, tc, ok := m.Caps.Get(m.Reg(in.Rs1))
		if !ok {
			return m.trap(tc, pc)
		}
		switch CapQueryField(in.Mode) {
		case CapQueryBase:
			m.SetReg(in.Rd, c.Base)
		case CapQueryLength:
			m.SetReg(in.Rd, c.Length)
		default:
			m.SetReg(in.Rd, uint64(c.Perms))
		}

	// ---- concurrency ----

	case OpSpawn:
		entry := m.Reg(in.Rs1)
		if entry >= uint64(len(m.prog.Code)) {
			return m.trap(TrapOutOfBounds, pc)
		}
		id, err := m.rt.Spawn(entry, m.Reg(in.Rs2))
		if err != nil {
			m.SetReg(in.Rd, ^uint64(0))
		} else {
			m.SetReg(in.Rd, id)
		}

	case OpJoin:
		res, ok := m.rt.Join(m.Reg(in.Rs1))
		if !ok {
			m.SetReg(in.Rd, ^uint64(0))
			break
		}
		if res.Status == StatusTrapped {
			// A child's safety violation surfaces in the joiner.
			return &res
		}
		m.SetReg(in.Rd, res.Value)

	case OpChan:
		switch ChanOp(in.Mode) {
		case ChanCreate:
			m.SetReg(in.Rd, m.rt.CreateChannel(int(m.Reg(in.Rs1))))
		case ChanSend:
			if m.rt.Send(m.Reg(in.Rs1), m.Reg(in.Rs2)) {
				m.SetReg(in.Rd, 1)
			} else {
				m.SetReg(in.Rd, 0)
			}
		case ChanRecv:
			v, ok := m.rt.Recv(m.Reg(in.Rs1))
			m.SetReg(in.Rd, v)
			if ok {
				m.SetReg(in.Rs2, 1)
			} else {
				m.SetReg(in.Rs2, 0)
			}
		case ChanClose:
			m.rt.CloseChannel(m.Reg(in.Rs1))
		}

	case OpFence:
		memFence()

	case OpYield:
		runtime.Gosched()

	// ---- taint ----

	case OpTaint:
		if in.Rd.Writable() {
			m.taint |= 1 << in.Rd
		}

	case OpSanitize:
		m.taint &^= 1 << in.Rd

	// ---- I/O ----

	case OpFile:
		return m.stepFile(pc, in)

	case OpNet:
		return m.stepNet(pc, in)

	case OpNetSetopt:
		if err := m.cfg.Hooks.NetSetopt(m.Reg(in.Rs1), NetOption(in.Mode), m.Reg(in.Rs2)); err != nil {
			m.SetReg(in.Rd, ^uint64(0))
		} else {
			m.SetReg(in.Rd, 0)
		}

	case OpIo:
		return m.stepIo(pc, in)

	case OpTime:
		switch TimeOp(in.Mode) {
		case TimeNow:
			m.SetReg(in.Rd, uint64(time.Now().UnixNano()))
		case TimeSleep:
			time.Sleep(time.Duration(m.Reg(in.Rs1)) * time.Millisecond)
		default:
			m.SetReg(in.Rd, uint64(time.Since(bootTime)))
		}

	// ---- math extensions ----

	case OpFpu:
		return m.stepFpu(pc, in)

	case OpRand:
		switch RandOp(in.Mode) {
		case RandBytes:
			buf, tc, ok := m.memWindow(m.Reg(in.Rs1), m.Reg(in.Rs2), PermWrite)
			if !ok {
				return m.trap(tc, pc)
			}
			rand.Read(buf)
		default:
			var b [8]byte
			rand.Read(b[:])
			m.SetReg(in.Rd, binary.LittleEndian.Uint64(b[:]))
		}

	case OpBits:
		v := m.Reg(in.Rs1)
		switch BitsOp(in.Mode) {
		case BitsPopcount:
			v = uint64(bits.OnesCount64(v))
		case BitsClz:
			v = uint64(bits.LeadingZeros64(v))
		case BitsCtz:
			v = uint64(bits.TrailingZeros64(v))
		default:
			v = bits.ReverseBytes64(v)
		}
		m.setRegTainted(in.Rd, v, m.Tainted(in.Rs1))

	// ---- system ----

	case OpMov:
		if in.Mode == 0 {
			m.SetReg(in.Rd, uint64(int64(in.Imm)))
		} else {
			m.setRegTainted(in.Rd, m.Reg(in.Rs1), m.Tainted(in.Rs1))
		}

	case OpTrap:
		return m.trap(trapForMode(in.Mode), pc)

	case OpNop:

	case OpHalt:
		return &RunResult{Status: StatusHalted, Value: m.Regs[R0]}

	// ---- extensions ----

	case OpExtCall:
		args := [4]uint64{m.Reg(in.Rs1), m.Reg(in.Rs2), m.Reg(R3), m.Reg(R4)}
		v, err := m.ext.Call(uint32(in.Imm), args)
		if err != nil {
			m.SetReg(in.Rd, ^uint64(0))
		} else {
			m.SetReg(in.Rd, v)
		}

	default:
		return m.trap(TrapInvalidOpcode, pc)
	}
	return nil
}

func (m *Machine) trap(code TrapCode, pc uint64) *RunResult {
	return &RunResult{Status: StatusTrapped, Trap: code, PC: pc}
}

// resolve runs a memory access through the capability whose handle is in
// the handle register. Effective offset is base register plus immediate.
func (m *Machine) resolve(handleReg, baseReg Register, imm int32, width uint64, access byte) (uint64, TrapCode, bool) {
	c, tc, ok := m.Caps.Get(m.Reg(handleReg))
	if !ok {
		return 0, tc, false
	}
	offset := m.Reg(baseReg) + uint64(int64(imm))
	return c.Check(offset, width, access)
}

// memWindow bounds-checks [addr, addr+length) against the default
// capability and returns the memory slice.
func (m *Machine) memWindow(addr, length uint64, access byte) ([]byte, TrapCode, bool) {
	if length == 0 {
		return nil, 0, true
	}
	base, tc, ok := m.Caps.caps[0].Check(addr, length, access)
	if !ok {
		return nil, tc, false
	}
	return m.Memory[base : base+length], 0, true
}

// ---------------------------------------------------------------------------
// ALU and branch evaluation
// ---------------------------------------------------------------------------

// aluEval computes one ALU operation with wrapping semantics. Shift
// counts are masked to 6 bits.
func aluEval(op AluOp, a, b uint64) uint64 {
	switch op {
	case AluAdd:
		return a + b
	case AluSub:
		return a - b
	case AluAnd:
		return a & b
	case AluOr:
		return a | b
	case AluXor:
		return a ^ b
	case AluShl:
		return a << (b & 63)
	case AluShr:
		return a >> (b & 63)
	default:
		return uint64(int64(a) >> (b & 63))
	}
}

// branchTaken evaluates a branch condition. Comparisons are signed
// except Ltu.
func branchTaken(cond BranchCond, a, b uint64) bool {
	switch cond {
	case BranchAlways:
		return true
	case BranchEq:
		return a == b
	case BranchNe:
		return a != b
	case BranchLt:
		return int64(a) < int64(b)
	case BranchLe:
		return int64(a) <= int64(b)
	case BranchGt:
		return int64(a) > int64(b)
	case BranchGe:
		return int64(a) >= int64(b)
	default:
		return a < b
	}
}

func trapForMode(mode byte) TrapCode {
	switch mode {
	case TrapModeBounds:
		return TrapOutOfBounds
	case TrapModeCapability:
		return TrapPermissionDenied
	case TrapModeTaint:
		return TrapTaintedData
	case TrapModeDivZero:
		return TrapDivideByZero
	case TrapModeInvalidOp:
		return TrapInvalidOpcode
	default:
		return TrapUser
	}
}

// ---------------------------------------------------------------------------
// Atomic handlers
// ---------------------------------------------------------------------------

var fenceMu sync.Mutex

// memFence issues a full memory barrier. All four guest fence modes map
// to it; weaker orderings are correct under a stronger fence.
func memFence() {
	fenceMu.Lock()
	//lint:ignore SA2001 the paired lock/unlock is the barrier
	fenceMu.Unlock()
}

// stepAtomic executes a 64-bit atomic read-modify-write. The address in
// rs1 goes through the default capability and must be 8-byte aligned.
// Operand convention: rs1 = address, rs2 = operand, rd = result (and the
// expected value, for compare-and-swap).
func (m *Machine) stepAtomic(pc uint64, in Instruction) *RunResult {
	addr := m.Reg(in.Rs1)
	eff, tc, ok := m.Caps.caps[0].Check(addr, 8, PermRead|PermWrite)
	if !ok {
		return m.trap(tc, pc)
	}
	if eff%8 != 0 {
		return m.trap(TrapOutOfBounds, pc)
	}
	p := (*uint64)(unsafe.Pointer(&m.Memory[eff]))
	operand := m.Reg(in.Rs2)

	switch AtomicOp(in.Mode) {
	case AtomicCas:
		if atomic.CompareAndSwapUint64(p, m.Reg(in.Rd), operand) {
			m.SetReg(in.Rd, 1)
		} else {
			m.SetReg(in.Rd, 0)
		}
	case AtomicXchg:
		m.SetReg(in.Rd, atomic.SwapUint64(p, operand))
	case AtomicAdd:
		m.SetReg(in.Rd, atomic.AddUint64(p, operand)-operand)
	case AtomicAnd:
		m.SetReg(in.Rd, atomic.AndUint64(p, operand))
	case AtomicOr:
		m.SetReg(in.Rd, atomic.OrUint64(p, operand))
	case AtomicXor:
		for {
			old := atomic.LoadUint64(p)
			if atomic.CompareAndSwapUint64(p, old, old^operand) {
				m.SetReg(in.Rd, old)
				break
			}
		}
	case AtomicMin:
		for {
			old := atomic.LoadUint64(p)
			next := old
			if operand < old {
				next = operand
			}
			if atomic.CompareAndSwapUint64(p, old, next) {
				m.SetReg(in.Rd, old)
				break
			}
		}
	case AtomicMax:
		for {
			old := atomic.LoadUint64(p)
			next := old
			if operand > old {
				next = operand
			}
			if atomic.CompareAndSwapUint64(p, old, next) {
				m.SetReg(in.Rd, old)
				break
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// I/O handlers
// ---------------------------------------------------------------------------

var bootTime = time.Now()

// ioResult writes either the hook's value or the all-ones failure
// sentinel. Hook failures are coordination outcomes, not traps.
func (m *Machine) ioResult(rd Register, v uint64, err error) {
	if err != nil {
		m.SetReg(rd, ^uint64(0))
		return
	}
	m.SetReg(rd, v)
}

func (m *Machine) stepFile(pc uint64, in Instruction) *RunResult {
	args := [3]uint64{m.Reg(in.Rs1), m.Reg(in.Rs2), uint64(int64(in.Imm))}
	var buf []byte
	switch FileOp(in.Mode) {
	case FileOpen, FileStat, FileMkdir, FileDelete:
		// rs1 = path address, rs2 = path length, imm = flags.
		w, tc, ok := m.memWindow(args[0], args[1], PermRead)
		if !ok {
			return m.trap(tc, pc)
		}
		buf = w
	case FileRead:
		// rs1 = handle, rs2 = buffer address, imm = length.
		w, tc, ok := m.memWindow(args[1], uint64(int64(in.Imm)), PermWrite)
		if !ok {
			return m.trap(tc, pc)
		}
		buf = w
	case FileWrite:
		w, tc, ok := m.memWindow(args[1], uint64(int64(in.Imm)), PermRead)
		if !ok {
			return m.trap(tc, pc)
		}
		buf = w
	}
	v, err := m.cfg.Hooks.File(FileOp(in.Mode), args, buf)
	m.ioResult(in.Rd, v, err)
	return nil
}

func (m *Machine) stepNet(pc uint64, in Instruction) *RunResult {
	args := [3]uint64{m.Reg(in.Rs1), m.Reg(in.Rs2), uint64(int64(in.Imm))}
	var buf []byte
	switch NetOp(in.Mode) {
	case NetConnect, NetBind, NetListen:
		// rs1 = socket, rs2 = address string pointer, imm = length.
		w, tc, ok := m.memWindow(args[1], uint64(int64(in.Imm)), PermRead)
		if !ok {
			return m.trap(tc, pc)
		}
		buf = w
	case NetRecv:
		w, tc, ok := m.memWindow(args[1], uint64(int64(in.Imm)), PermWrite)
		if !ok {
			return m.trap(tc, pc)
		}
		buf = w
	case NetSend:
		w, tc, ok := m.memWindow(args[1], uint64(int64(in.Imm)), PermRead)
		if !ok {
			return m.trap(tc, pc)
		}
		buf = w
	}
	v, err := m.cfg.Hooks.Net(NetOp(in.Mode), args, buf)
	m.ioResult(in.Rd, v, err)
	return nil
}

func (m *Machine) stepIo(pc uint64, in Instruction) *RunResult {
	switch IoOp(in.Mode) {
	case IoPrint:
		// rs1 = address, rs2 = length.
		buf, tc, ok := m.memWindow(m.Reg(in.Rs1), m.Reg(in.Rs2), PermRead)
		if !ok {
			return m.trap(tc, pc)
		}
		n, err := m.cfg.Stdout.Write(buf)
		m.ioResult(in.Rd, uint64(n), err)

	case IoReadLine:
		// rs1 = address, imm = capacity. The newline is not stored.
		buf, tc, ok := m.memWindow(m.Reg(in.Rs1), uint64(int64(in.Imm)), PermWrite)
		if !ok {
			return m.trap(tc, pc)
		}
		line, err := m.stdin.ReadString('\n')
		if err != nil && line == "" {
			m.SetReg(in.Rd, ^uint64(0))
			break
		}
		line = strings.TrimRight(line, "\r\n")
		m.SetReg(in.Rd, uint64(copy(buf, line)))

	case IoGetArgs:
		// rs1 = address, imm = capacity; args are newline-joined.
		buf, tc, ok := m.memWindow(m.Reg(in.Rs1), uint64(int64(in.Imm)), PermWrite)
		if !ok {
			return m.trap(tc, pc)
		}
		m.SetReg(in.Rd, uint64(copy(buf, strings.Join(m.cfg.Args, "\n"))))

	case IoGetEnv:
		// rs1 = name address, rs2 = name length, r3 = destination
		// address, imm = destination capacity.
		name, tc, ok := m.memWindow(m.Reg(in.Rs1), m.Reg(in.Rs2), PermRead)
		if !ok {
			return m.trap(tc, pc)
		}
		dst, tc, ok := m.memWindow(m.Reg(R3), uint64(int64(in.Imm)), PermWrite)
		if !ok {
			return m.trap(tc, pc)
		}
		v, present := m.cfg.Env[string(name)]
		if !present {
			m.SetReg(in.Rd, ^uint64(0))
			break
		}
		m.SetReg(in.Rd, uint64(copy(dst, v)))
	}
	return nil
}

// ---------------------------------------------------------------------------
// FPU handler
// ---------------------------------------------------------------------------

// stepFpu operates on IEEE-754 f64 bit patterns held in integer
// registers. Comparison modes yield integer 0 or 1 and are false for
// NaN operands, except not-equal.
func (m *Machine) stepFpu(pc uint64, in Instruction) *RunResult {
	a := math.Float64frombits(m.Reg(in.Rs1))
	b := math.Float64frombits(m.Reg(in.Rs2))
	var v uint64
	switch FpuOp(in.Mode) {
	case FpuAdd:
		v = math.Float64bits(a + b)
	case FpuSub:
		v = math.Float64bits(a - b)
	case FpuMul:
		v = math.Float64bits(a * b)
	case FpuDiv:
		v = math.Float64bits(a / b)
	case FpuSqrt:
		v = math.Float64bits(math.Sqrt(a))
	case FpuAbs:
		v = math.Float64bits(math.Abs(a))
	case FpuFloor:
		v = math.Float64bits(math.Floor(a))
	case FpuCeil:
		v = math.Float64bits(math.Ceil(a))
	case FpuCmpEq:
		v = boolBit(a == b)
	case FpuCmpNe:
		v = boolBit(a != b)
	case FpuCmpLt:
		v = boolBit(a < b)
	case FpuCmpLe:
		v = boolBit(a <= b)
	case FpuCmpGt:
		v = boolBit(a > b)
	default:
		v = boolBit(a >= b)
	}
	m.setRegTainted(in.Rd, v, m.Tainted(in.Rs1) || m.Tainted(in.Rs2))
	return nil
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
