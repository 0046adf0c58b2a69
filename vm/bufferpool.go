//go:build unix

package vm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ---------------------------------------------------------------------------
// Executable buffer pool
// ---------------------------------------------------------------------------

// BufferPool hands out fixed-size read-write-execute buffers. All pages
// are mapped up front; acquire and release move buffer indices through a
// channel, so the pool needs no further locking. Idle buffers are filled
// with INT3 so a stray jump into one faults immediately instead of
// executing stale code.
type BufferPool struct {
	bufSize int
	region  []byte
	free    chan int
}

// NewBufferPool maps count RWX buffers of size bytes each.
func NewBufferPool(count, size int) (*BufferPool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("%w: pool %d x %d", ErrBufferAllocation, count, size)
	}
	region, err := unix.Mmap(-1, 0, count*size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap: %v", ErrBufferAllocation, err)
	}
	poison(region)

	p := &BufferPool{bufSize: size, region: region, free: make(chan int, count)}
	for i := 0; i < count; i++ {
		p.free <- i
	}
	return p, nil
}

// BufferSize returns the capacity of each buffer.
func (p *BufferPool) BufferSize() int { return p.bufSize }

// Acquire pops a free buffer. It fails rather than blocks when the pool
// is exhausted; callers fall back to the interpreter.
func (p *BufferPool) Acquire() ([]byte, int, error) {
	select {
	case i := <-p.free:
		return p.region[i*p.bufSize : (i+1)*p.bufSize], i, nil
	default:
		return nil, 0, fmt.Errorf("%w: pool exhausted", ErrBufferAllocation)
	}
}

// Release re-poisons a buffer and returns it to the free list.
func (p *BufferPool) Release(index int) {
	poison(p.region[index*p.bufSize : (index+1)*p.bufSize])
	p.free <- index
}

// Close unmaps the pool's pages. Outstanding buffers must have been
// released; running code in one after Close faults.
func (p *BufferPool) Close() error {
	return unix.Munmap(p.region)
}

func poison(b []byte) {
	for i := range b {
		b[i] = 0xCC // INT3
	}
}
