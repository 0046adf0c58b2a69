//go:build !unix

package vm

// BufferPool requires mmap; on non-unix hosts allocation always fails
// and callers use the interpreter.
type BufferPool struct{}

func NewBufferPool(count, size int) (*BufferPool, error) {
	return nil, ErrBufferAllocation
}

func (p *BufferPool) BufferSize() int                 { return 0 }
func (p *BufferPool) Acquire() ([]byte, int, error)   { return nil, 0, ErrBufferAllocation }
func (p *BufferPool) Release(int)                     {}
func (p *BufferPool) Close() error                    { return nil }
