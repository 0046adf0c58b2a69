//go:build unix && amd64

package vm

import (
	"math/rand"
	"testing"
)

func newTestCompiler(t *testing.T, f Features) *Compiler {
	t.Helper()
	pool, err := NewBufferPool(4, 64<<10)
	if err != nil {
		t.Fatalf("NewBufferPool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	c, err := NewCompiler(f, pool)
	if err != nil {
		t.Fatalf("NewCompiler: %v", err)
	}
	return c
}

func runCompiled(t *testing.T, c *Compiler, p *Program, cfg Config, seed func(*Machine)) RunResult {
	t.Helper()
	cc, err := c.Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer cc.Drop()
	m := NewMachine(p, cfg)
	if seed != nil {
		seed(m)
	}
	return cc.Run(m)
}

func TestCompiledMatchesInterpreterScenarios(t *testing.T) {
	c := newTestCompiler(t, HostFeatures())

	scenarios := []struct {
		name string
		prog func() *Program
		seed func(*Machine)
	}{
		{"factorial", factorialProgram, func(m *Machine) { m.SetReg(R0, 10) }},
		{"bitcount", bitCountProgram, func(m *Machine) { m.SetReg(R0, 0xF0F0F0F0F0F0) }},
		{"cap violation", capViolationProgram, nil},
		{"read-only store", readOnlyStoreProgram, nil},
		{"concurrent sum", concurrentSumProgram, nil},
	}
	for _, sc := range scenarios {
		want := interpret(t, sc.prog(), sc.seed)
		got := runCompiled(t, c, sc.prog(), Config{}, sc.seed)
		if got != want {
			t.Errorf("%s: compiled = %v, interpreted = %v", sc.name, got, want)
		}
	}
}

func TestCompiledTrapReportsFaultingPC(t *testing.T) {
	c := newTestCompiler(t, HostFeatures())
	res := runCompiled(t, c, capViolationProgram(), Config{}, nil)
	if res.Status != StatusTrapped || res.Trap != TrapOutOfBounds || res.PC != 4 {
		t.Errorf("result = %v, want OutOfBounds at pc 4", res)
	}
}

func TestCompiledFuelExhaustion(t *testing.T) {
	c := newTestCompiler(t, HostFeatures())
	loop := NewProgram(
		NewBranch(BranchAlways, Zero, Zero, 0),
		Halt(),
	)
	res := runCompiled(t, c, loop, Config{MaxInstructions: 1000}, nil)
	if res.Status != StatusFuelOut {
		t.Errorf("result = %v, want fuel exhaustion", res)
	}
}

func TestCompiledMemoryOps(t *testing.T) {
	c := newTestCompiler(t, HostFeatures())
	// Store a doubleword at address 64, read it back byte by byte.
	p := NewProgram(
		MovImm(R1, 0x1234),
		NewImmInstruction(OpAluI, R1, R1, byte(AluShl), 16),
		NewImmInstruction(OpAluI, R1, R1, byte(AluOr), 0x5678),
		MovImm(R2, 64),
		Instruction{Op: OpStore, Rd: R1, Rs1: R2, Mode: byte(MemDouble)},
		Instruction{Op: OpLoad, Rd: R3, Rs1: R2, Mode: byte(MemByte)},
		Instruction{Op: OpLoad, Rd: R4, Rs1: R2, Imm: 1, Mode: byte(MemByte)},
		NewInstruction(OpAlu, R0, R3, R4, byte(AluAdd)),
		Halt(),
	)
	want := interpret(t, p, nil)
	got := runCompiled(t, c, p, Config{}, nil)
	if got != want || want.Value != 0x78+0x56 {
		t.Errorf("compiled = %v, interpreted = %v, want Halted(%d)", got, want, 0x78+0x56)
	}
}

func TestCompiledOutOfBoundsStore(t *testing.T) {
	c := newTestCompiler(t, HostFeatures())
	p := NewProgram(
		MovImm(R1, 7),
		Instruction{Op: OpStore, Rd: R2, Rs1: R1, Imm: -8, Mode: byte(MemDouble)},
		Halt(),
	)
	got := runCompiled(t, c, p, Config{}, nil)
	want := interpret(t, p, nil)
	if got != want || got.Status != StatusTrapped || got.Trap != TrapOutOfBounds {
		t.Errorf("compiled = %v, interpreted = %v, want OutOfBounds", got, want)
	}
}

func TestCompiledZeroRegisterStaysZero(t *testing.T) {
	c := newTestCompiler(t, HostFeatures())
	p := NewProgram(
		MovImm(Zero, 99),
		NewImmInstruction(OpAluI, Zero, Zero, byte(AluAdd), 1),
		MovReg(R0, Zero),
		Halt(),
	)
	res := runCompiled(t, c, p, Config{}, nil)
	if !res.Halted() || res.Value != 0 {
		t.Errorf("result = %v, want Halted(0)", res)
	}
}

func TestCompiledPcReaderDeoptimizes(t *testing.T) {
	c := newTestCompiler(t, HostFeatures())
	// pc reads route through the runtime, so r0 sees the live counter.
	p := NewProgram(
		NewInstruction(OpNop, Zero, Zero, Zero, 0),
		MovReg(R0, Pc),
		Halt(),
	)
	got := runCompiled(t, c, p, Config{}, nil)
	want := interpret(t, p, nil)
	if got != want || got.Value != 2 {
		t.Errorf("pc read: compiled = %v, interpreted = %v, want Halted(2)", got, want)
	}
}

// randomAluProgram builds a straight-line program over r0..r7 from a
// deterministic source, ending in a halt. Division is included; both
// engines must agree on divide-by-zero traps too.
func randomAluProgram(rng *rand.Rand, n int) *Program {
	code := make([]Instruction, 0, n+1)
	reg := func() Register { return Register(rng.Intn(8)) }
	for i := 0; i < n; i++ {
		switch rng.Intn(5) {
		case 0:
			code = append(code, NewInstruction(OpAlu, reg(), reg(), reg(), byte(rng.Intn(int(AluSar)+1))))
		case 1:
			code = append(code, NewImmInstruction(OpAluI, reg(), reg(), byte(rng.Intn(int(AluSar)+1)), rng.Int31()))
		case 2:
			code = append(code, NewInstruction(OpMulDiv, reg(), reg(), reg(), byte(rng.Intn(int(MulDivMod)+1))))
		case 3:
			code = append(code, MovImm(reg(), rng.Int31()-rng.Int31()))
		case 4:
			code = append(code, NewInstruction(OpBits, reg(), reg(), Zero, byte(rng.Intn(int(BitsBswap)+1))))
		}
	}
	return NewProgram(append(code, Halt())...)
}

// runRegs executes p and returns the low register file. A nil compiler
// selects the interpreter.
func runRegs(t *testing.T, p *Program, seed func(*Machine), c *Compiler) ([8]uint64, RunResult) {
	t.Helper()
	m := NewMachine(p, Config{})
	if seed != nil {
		seed(m)
	}
	var res RunResult
	if c == nil {
		res = m.run()
	} else {
		cc, err := c.Compile(p)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		defer cc.Drop()
		res = cc.Run(m)
	}
	var regs [8]uint64
	for i := range regs {
		regs[i] = m.Reg(Register(i))
	}
	return regs, res
}

func TestCompiledRandomizedEquivalence(t *testing.T) {
	c := newTestCompiler(t, HostFeatures())
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		p := randomAluProgram(rng, 40)
		var vals [8]uint64
		for i := range vals {
			vals[i] = rng.Uint64()
		}
		seed := func(m *Machine) {
			for i, v := range vals {
				m.SetReg(Register(i), v)
			}
		}

		wantRegs, want := runRegs(t, p, seed, nil)
		gotRegs, got := runRegs(t, p, seed, c)
		if got != want {
			t.Fatalf("trial %d: compiled = %v, interpreted = %v\n%v", trial, got, want, p.Code)
		}
		if gotRegs != wantRegs {
			t.Fatalf("trial %d: register files diverge\ncompiled:    %v\ninterpreted: %v", trial, gotRegs, wantRegs)
		}
	}
}

func TestSoftwareStencilsMatchHardware(t *testing.T) {
	sw := newTestCompiler(t, NoFeatures())
	hw := newTestCompiler(t, HostFeatures())

	corpus := []uint64{0, 1, 2, 0xFF, 0xFF00FF, 1 << 31, 1 << 63, ^uint64(0), 0x0123456789ABCDEF}
	for _, op := range []BitsOp{BitsPopcount, BitsClz, BitsCtz, BitsBswap} {
		p := NewProgram(
			NewInstruction(OpBits, R0, R0, Zero, byte(op)),
			Halt(),
		)
		for _, v := range corpus {
			seed := func(m *Machine) { m.SetReg(R0, v) }
			want := runCompiled(t, hw, p, Config{}, seed)
			got := runCompiled(t, sw, p, Config{}, seed)
			ref := interpret(t, p, seed)
			if got != want || got != ref {
				t.Errorf("bits op %d input %#x: software = %v, hardware = %v, interpreter = %v",
					op, v, got, want, ref)
			}
		}
	}
}

func TestCompiledAtomics(t *testing.T) {
	c := newTestCompiler(t, HostFeatures())
	p := NewProgram(
		MovImm(R1, 128), // aligned address
		MovImm(R2, 5),
		Instruction{Op: OpAtomic, Rd: R3, Rs1: R1, Rs2: R2, Mode: byte(AtomicAdd)}, // old = 0
		Instruction{Op: OpAtomic, Rd: R4, Rs1: R1, Rs2: R2, Mode: byte(AtomicAdd)}, // old = 5
		Instruction{Op: OpAtomic, Rd: R0, Rs1: R1, Rs2: Zero, Mode: byte(AtomicAdd)}, // add 0 reads 10
		Halt(),
	)
	want := interpret(t, p, nil)
	got := runCompiled(t, c, p, Config{}, nil)
	if got != want || want.Value != 10 {
		t.Errorf("compiled = %v, interpreted = %v, want Halted(10)", got, want)
	}

	misaligned := NewProgram(
		MovImm(R1, 129),
		Instruction{Op: OpAtomic, Rd: R0, Rs1: R1, Rs2: Zero, Mode: byte(AtomicAdd)},
		Halt(),
	)
	got = runCompiled(t, c, misaligned, Config{}, nil)
	want = interpret(t, misaligned, nil)
	if got != want || got.Trap != TrapOutOfBounds {
		t.Errorf("misaligned atomic: compiled = %v, interpreted = %v", got, want)
	}
}

func TestCompiledCodeDropReturnsBuffer(t *testing.T) {
	pool, err := NewBufferPool(1, 64<<10)
	if err != nil {
		t.Fatalf("NewBufferPool: %v", err)
	}
	defer pool.Close()
	c, err := NewCompiler(HostFeatures(), pool)
	if err != nil {
		t.Fatalf("NewCompiler: %v", err)
	}

	p := NewProgram(Halt())
	cc, err := c.Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := c.Compile(p); err == nil {
		t.Fatal("second compile succeeded with the only buffer held")
	}
	cc.Drop()
	cc.Drop() // idempotent
	cc2, err := c.Compile(p)
	if err != nil {
		t.Fatalf("compile after drop: %v", err)
	}
	cc2.Drop()
}

func TestArtifactLoadAndRun(t *testing.T) {
	pool, err := NewBufferPool(2, 64<<10)
	if err != nil {
		t.Fatalf("NewBufferPool: %v", err)
	}
	defer pool.Close()

	p := factorialProgram()
	art, err := NewAotCompiler(HostFeatures()).Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	blob, err := art.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	loaded, err := UnmarshalArtifact(blob)
	if err != nil {
		t.Fatalf("UnmarshalArtifact: %v", err)
	}

	cc, err := loaded.Load(p, pool)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer cc.Drop()

	m := NewMachine(p, Config{})
	m.SetReg(R0, 6)
	if res := cc.Run(m); !res.Halted() || res.Value != 720 {
		t.Errorf("artifact run = %v, want Halted(720)", res)
	}

	// A different program must be rejected by the hash check.
	if _, err := loaded.Load(bitCountProgram(), pool); err == nil {
		t.Error("Load accepted a mismatched program")
	}
}

func TestExecutorPrefersCompilation(t *testing.T) {
	e := NewExecutor(Config{})
	defer e.Close()
	if !e.JITAvailable() {
		t.Skip("no native execution on this host")
	}
	e.Threshold = 1

	res, err := e.Run(factorialProgram(), func(m *Machine) { m.SetReg(R0, 5) })
	if err != nil {
		t.Fatal(err)
	}
	if !res.Halted() || res.Value != 120 {
		t.Errorf("result = %v, want Halted(120)", res)
	}
}
