//go:build unix

package vm

import (
	"errors"
	"testing"
)

func TestBufferPoolAcquireRelease(t *testing.T) {
	pool, err := NewBufferPool(2, 4096)
	if err != nil {
		t.Fatalf("NewBufferPool: %v", err)
	}
	defer pool.Close()

	if pool.BufferSize() != 4096 {
		t.Errorf("BufferSize = %d, want 4096", pool.BufferSize())
	}

	a, ai, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, bi, err := pool.Acquire()
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if ai == bi {
		t.Errorf("both acquisitions returned buffer %d", ai)
	}
	if len(a) != 4096 || len(b) != 4096 {
		t.Errorf("buffer sizes %d, %d, want 4096", len(a), len(b))
	}

	if _, _, err := pool.Acquire(); !errors.Is(err, ErrBufferAllocation) {
		t.Errorf("exhausted pool: err = %v, want ErrBufferAllocation", err)
	}

	pool.Release(ai)
	if _, i, err := pool.Acquire(); err != nil || i != ai {
		t.Errorf("reacquire = (%d, %v), want buffer %d", i, err, ai)
	}
	pool.Release(bi)
}

func TestBufferPoolPoisonsIdleBuffers(t *testing.T) {
	pool, err := NewBufferPool(1, 4096)
	if err != nil {
		t.Fatalf("NewBufferPool: %v", err)
	}
	defer pool.Close()

	buf, i, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Fresh buffers arrive poisoned so stale jumps fault.
	for off, v := range buf {
		if v != 0xCC {
			t.Fatalf("buf[%d] = %#x, want int3 fill", off, v)
		}
	}

	copy(buf, []byte{0x90, 0x90, 0x90})
	pool.Release(i)
	buf, _, err = pool.Acquire()
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if buf[0] != 0xCC || buf[1] != 0xCC || buf[2] != 0xCC {
		t.Error("release did not re-poison the buffer")
	}
}

func TestBufferPoolRejectsBadGeometry(t *testing.T) {
	for _, tc := range [][2]int{{0, 4096}, {4, 0}, {-1, 4096}} {
		if _, err := NewBufferPool(tc[0], tc[1]); !errors.Is(err, ErrBufferAllocation) {
			t.Errorf("NewBufferPool(%d, %d): err = %v, want ErrBufferAllocation", tc[0], tc[1], err)
		}
	}
}
