package vm

import "errors"

// ---------------------------------------------------------------------------
// Executor
// ---------------------------------------------------------------------------

// DefaultJITThreshold is the instruction count above which ExecuteAuto
// prefers compiled execution. Short programs finish before compilation
// pays for itself.
const DefaultJITThreshold = 64

// DefaultBufferSize is the capacity of one executable buffer.
const DefaultBufferSize = 256 << 10

// DefaultPoolBuffers is the number of buffers a pool pre-allocates.
const DefaultPoolBuffers = 16

// Executor runs programs, choosing between the interpreter and the
// copy-and-patch compiler. It owns a buffer pool and compiler shared
// across runs; on hosts without native code support every run
// interprets.
type Executor struct {
	cfg  Config
	pool *BufferPool
	comp *Compiler

	// Threshold is the minimum instruction count for compiled
	// execution. Zero selects DefaultJITThreshold.
	Threshold int
}

// NewExecutor builds an executor. Failure to set up native execution is
// not an error; the executor degrades to interpretation.
func NewExecutor(cfg Config) *Executor {
	e := &Executor{cfg: cfg, Threshold: DefaultJITThreshold}
	pool, err := NewBufferPool(DefaultPoolBuffers, DefaultBufferSize)
	if err != nil {
		return e
	}
	comp, err := NewCompiler(HostFeatures(), pool)
	if err != nil {
		pool.Close()
		return e
	}
	e.pool = pool
	e.comp = comp
	return e
}

// JITAvailable reports whether compiled execution can be used.
func (e *Executor) JITAvailable() bool { return e.comp != nil }

// Run executes the program. seed, when non-nil, initializes machine
// state (typically input registers) before execution.
func (e *Executor) Run(p *Program, seed func(*Machine)) (RunResult, error) {
	if err := p.Validate(); err != nil {
		return RunResult{}, err
	}
	m := NewMachine(p, e.cfg)
	if seed != nil {
		seed(m)
	}

	if e.comp != nil && len(p.Code) >= e.threshold() {
		cc, err := e.comp.Compile(p)
		switch {
		case err == nil:
			defer cc.Drop()
			return cc.Run(m), nil
		case errors.Is(err, ErrMissingStencil),
			errors.Is(err, ErrBufferAllocation),
			errors.Is(err, ErrProgramTooLarge):
			// Expected compiler outcomes; interpret instead.
		default:
			return RunResult{}, err
		}
	}
	return m.run(), nil
}

func (e *Executor) threshold() int {
	if e.Threshold > 0 {
		return e.Threshold
	}
	return DefaultJITThreshold
}

// Close releases the executor's buffer pool.
func (e *Executor) Close() error {
	if e.pool != nil {
		return e.pool.Close()
	}
	return nil
}

// Interpret is the plain interpreter entry point: build a machine, run,
// return the result.
func Interpret(p *Program, cfg Config, seed func(*Machine)) (RunResult, error) {
	it, err := NewInterpreter(p, cfg)
	if err != nil {
		return RunResult{}, err
	}
	if seed != nil {
		seed(it.Machine())
	}
	return it.Run(), nil
}

// NewBufferPoolDefault maps a pool with the default geometry.
func NewBufferPoolDefault() (*BufferPool, error) {
	return NewBufferPool(DefaultPoolBuffers, DefaultBufferSize)
}
