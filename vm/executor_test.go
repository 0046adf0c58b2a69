package vm

import "testing"

func TestExecutorRunsShortProgramsDirectly(t *testing.T) {
	e := NewExecutor(Config{})
	defer e.Close()

	// Below the threshold both engines give the same answer, so this
	// exercises the interpreter path regardless of host support.
	res, err := e.Run(bitCountProgram(), func(m *Machine) { m.SetReg(R0, 0xFF) })
	if err != nil {
		t.Fatal(err)
	}
	if !res.Halted() || res.Value != 8 {
		t.Errorf("result = %v, want Halted(8)", res)
	}
}

func TestExecutorRejectsInvalidPrograms(t *testing.T) {
	e := NewExecutor(Config{})
	defer e.Close()

	bad := NewProgram(NewBranch(BranchAlways, Zero, Zero, 100), Halt())
	if _, err := e.Run(bad, nil); err == nil {
		t.Error("Run accepted a branch past the end of the program")
	}
}

func TestExecutorReuseAcrossRuns(t *testing.T) {
	e := NewExecutor(Config{})
	defer e.Close()
	e.Threshold = 1

	for n := uint64(0); n < 8; n++ {
		n := n
		res, err := e.Run(factorialProgram(), func(m *Machine) { m.SetReg(R0, n) })
		if err != nil {
			t.Fatalf("run %d: %v", n, err)
		}
		want := uint64(1)
		for i := uint64(2); i <= n; i++ {
			want *= i
		}
		if !res.Halted() || res.Value != want {
			t.Errorf("factorial(%d) = %v, want Halted(%d)", n, res, want)
		}
	}
}

func TestInterpretValidates(t *testing.T) {
	bad := NewProgram(NewBranch(BranchAlways, Zero, Zero, -5), Halt())
	if _, err := Interpret(bad, Config{}, nil); err == nil {
		t.Error("Interpret accepted a branch before the start of the program")
	}
}
