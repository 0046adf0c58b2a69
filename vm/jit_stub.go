//go:build !unix || !amd64

package vm

// Native code generation requires an amd64 unix host. Other platforms
// compile against the same surface and get ErrJITUnavailable, so
// callers fall back to the interpreter.

// Compiler is unavailable on this platform.
type Compiler struct{}

// NewCompiler reports that native code generation is unsupported here.
func NewCompiler(Features, *BufferPool) (*Compiler, error) {
	return nil, ErrJITUnavailable
}

// Table panics; no compiler can be constructed on this platform.
func (c *Compiler) Table() *StencilTable { panic("jit unavailable") }

// Compile always fails on this platform.
func (c *Compiler) Compile(*Program) (*CompiledCode, error) {
	return nil, ErrJITUnavailable
}

// CompiledCode is unavailable on this platform.
type CompiledCode struct{}

func (cc *CompiledCode) Size() int         { return 0 }
func (cc *CompiledCode) Offsets() []uint32 { return nil }
func (cc *CompiledCode) Code() []byte      { return nil }
func (cc *CompiledCode) Drop()             {}

// Run always reports the unavailable trap path is unreachable; no
// CompiledCode can exist on this platform.
func (cc *CompiledCode) Run(*Machine) RunResult {
	return RunResult{Status: StatusTrapped, Trap: TrapInvalidOpcode}
}

// Load always fails on this platform.
func (a *Artifact) Load(*Program, *BufferPool) (*CompiledCode, error) {
	return nil, ErrJITUnavailable
}
