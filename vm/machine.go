package vm

import (
	"bufio"
	"io"
	"log"
	"os"
	"sync"
)

// ---------------------------------------------------------------------------
// Machine: shared execution state
// ---------------------------------------------------------------------------

// DefaultMaxCallDepth bounds the call stack.
const DefaultMaxCallDepth = 256

// Config carries execution options shared by the interpreter and the
// compiled engines.
type Config struct {
	// MaxInstructions stops execution after that many instructions.
	// Zero means unlimited. The interpreter counts every instruction;
	// compiled code charges the budget at branches and jumps only, so a
	// straight-line program can run to completion past the limit.
	MaxInstructions uint64

	// MaxCallDepth bounds nested calls. Zero selects the default.
	MaxCallDepth int

	// MaxTasks bounds concurrently live tasks, counting the root.
	// Zero selects the default.
	MaxTasks int

	// Stdin, Stdout back the console opcodes. Nil selects the process
	// streams.
	Stdin  io.Reader
	Stdout io.Writer

	// Args and Env are exposed to the guest through io.getargs and
	// io.getenv.
	Args []string
	Env  map[string]string

	// Hooks backs the file and network opcodes. Nil selects StubIO,
	// which fails every operation without touching the host.
	Hooks IOHooks

	// Logger receives diagnostics. Nil selects the stdlib default
	// logger.
	Logger *log.Logger

	// Trace logs every retired instruction. Interpreter only.
	Trace bool
}

func (c Config) withDefaults() Config {
	if c.MaxCallDepth == 0 {
		c.MaxCallDepth = DefaultMaxCallDepth
	}
	if c.MaxTasks == 0 {
		c.MaxTasks = DefaultMaxTasks
	}
	if c.Stdin == nil {
		c.Stdin = os.Stdin
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Hooks == nil {
		c.Hooks = StubIO{}
	}
	return c
}

// Machine is one task's execution state: registers, capability table,
// taint bits and call stack, plus a view of the linear memory and the
// runtime shared by all tasks of a program.
type Machine struct {
	Regs [NumRegisters]uint64
	PC   uint64

	Memory []byte  // shared across tasks
	Caps   *CapTable

	taint     uint32 // bit i set: register i is tainted
	callStack []uint64

	prog *Program
	cfg  Config
	rt   *Runtime // shared concurrency runtime, owns channels and tasks
	ext  *ExtensionRegistry

	stdin  *bufio.Reader
	taskID uint64

	// retired counts instructions executed by this task, checked
	// against cfg.MaxInstructions.
	retired uint64
}

// NewMachine prepares execution state for a validated program.
func NewMachine(p *Program, cfg Config) *Machine {
	cfg = cfg.withDefaults()
	mem := make([]byte, p.MemorySize)
	copy(mem, p.Data)

	m := &Machine{
		PC:     uint64(p.Entry),
		Memory: mem,
		Caps:   NewCapTable(p.MemorySize),
		prog:   p,
		cfg:    cfg,
		ext:    defaultExtensions,
		stdin:  bufio.NewReader(cfg.Stdin),
	}
	m.rt = newRuntime(m, cfg.MaxTasks)
	m.Regs[Sp] = p.MemorySize
	return m
}

// fork builds a child machine for a spawned task. The child shares
// memory, the runtime and I/O handle tables, and gets fresh registers,
// capabilities and call stack.
func (m *Machine) fork(entry, arg, id uint64) *Machine {
	c := &Machine{
		PC:     entry,
		Memory: m.Memory,
		Caps:   NewCapTable(m.prog.MemorySize),
		prog:   m.prog,
		cfg:    m.cfg,
		rt:     m.rt,
		ext:    m.ext,
		stdin:  m.stdin,
		taskID: id,
	}
	c.Regs[R1] = arg
	c.Regs[Sp] = m.prog.MemorySize
	return c
}

// Program returns the program this machine executes.
func (m *Machine) Program() *Program { return m.prog }

// Runtime returns the shared concurrency runtime.
func (m *Machine) Runtime() *Runtime { return m.rt }

// SetExtensions installs an extension registry. Must be called before
// execution starts.
func (m *Machine) SetExtensions(r *ExtensionRegistry) { m.ext = r }

// Reg reads a register. Register 31 always reads zero; Pc reads the
// instruction counter, already advanced past the executing instruction.
func (m *Machine) Reg(r Register) uint64 {
	switch r {
	case Zero:
		return 0
	case Pc:
		return m.PC
	default:
		return m.Regs[r]
	}
}

// SetReg writes a register. Writes to Zero and Pc are discarded;
// writing clears the destination's taint.
func (m *Machine) SetReg(r Register, v uint64) {
	if !r.Writable() {
		return
	}
	m.Regs[r] = v
	m.taint &^= 1 << r
}

// setRegTainted writes a register and propagates taint from sources.
func (m *Machine) setRegTainted(r Register, v uint64, tainted bool) {
	if !r.Writable() {
		return
	}
	m.Regs[r] = v
	if tainted {
		m.taint |= 1 << r
	} else {
		m.taint &^= 1 << r
	}
}

// Tainted reports whether a register carries the taint mark.
func (m *Machine) Tainted(r Register) bool {
	return m.taint&(1<<r) != 0
}

// ---------------------------------------------------------------------------
// Handle tables
// ---------------------------------------------------------------------------

// handleTable maps small integer guest handles to host resources. Handle
// 0 is never issued so the guest can use it as a null value. Tables are
// shared between tasks, so access is locked.
type handleTable[T any] struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]T
}

func newHandleTable[T any]() *handleTable[T] {
	return &handleTable[T]{next: 1, entries: make(map[uint64]T)}
}

func (t *handleTable[T]) put(v T) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.next
	t.next++
	t.entries[h] = v
	return h
}

func (t *handleTable[T]) get(h uint64) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[h]
	return v, ok
}

func (t *handleTable[T]) drop(h uint64) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[h]
	if ok {
		delete(t.entries, h)
	}
	return v, ok
}
