package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Concurrency runtime
// ---------------------------------------------------------------------------

// DefaultMaxTasks bounds concurrently live tasks per program, counting
// the root task.
const DefaultMaxTasks = 64

// MaxChannelCapacity bounds the buffer a guest may request through
// chan.create. Capacity is a performance hint, so oversized requests are
// clamped rather than refused; without the clamp a guest could force the
// host to allocate the whole requested buffer up front.
const MaxChannelCapacity = 1 << 16

// TaskState tracks a spawned task through its lifetime.
type TaskState int32

const (
	TaskReady TaskState = iota
	TaskRunning
	TaskCompleted
)

// Task is one spawned unit of execution. Each task owns its register
// file, capability table and call stack; only linear memory and
// channels are shared.
type Task struct {
	id     uint64
	state  atomic.Int32
	done   chan struct{}
	result RunResult
}

// ID returns the task's identifier.
func (t *Task) ID() uint64 { return t.id }

// State returns the task's current state.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// channel is a bounded FIFO of u64 values. Send order is preserved per
// sender; no order is defined across senders.
type channel struct {
	ch     chan uint64
	mu     sync.Mutex
	closed bool
}

// Runtime owns the task and channel tables shared by every task of one
// program. Both execution engines reach it through the same opcode
// handlers.
type Runtime struct {
	root     *Machine
	maxTasks int

	mu       sync.RWMutex
	tasks    map[uint64]*Task
	channels map[uint64]*channel
	live     int

	nextTask atomic.Uint64
	nextChan atomic.Uint64
}

func newRuntime(root *Machine, maxTasks int) *Runtime {
	return &Runtime{
		root:     root,
		maxTasks: maxTasks,
		tasks:    make(map[uint64]*Task),
		channels: make(map[uint64]*channel),
		live:     1, // the root task
	}
}

// Spawn starts a task at the given entry instruction with arg in its
// r1, on its own goroutine. The task limit counts live tasks; completed
// tasks free their slot at exit but stay joinable.
func (rt *Runtime) Spawn(entry, arg uint64) (uint64, error) {
	rt.mu.Lock()
	if rt.live >= rt.maxTasks {
		rt.mu.Unlock()
		return 0, ErrTooManyTasks
	}
	rt.live++
	id := rt.nextTask.Add(1)
	t := &Task{id: id, done: make(chan struct{})}
	rt.tasks[id] = t
	rt.mu.Unlock()

	child := rt.root.fork(entry, arg, id)
	go func() {
		t.state.Store(int32(TaskRunning))
		res := child.run()

		rt.mu.Lock()
		rt.live--
		rt.mu.Unlock()

		t.result = res
		t.state.Store(int32(TaskCompleted))
		close(t.done)
	}()
	return id, nil
}

// Join blocks until the task completes and returns its result. Joining
// an unknown task returns ok=false. Joining a completed task returns
// immediately; results stay available for repeated joins.
func (rt *Runtime) Join(id uint64) (RunResult, bool) {
	rt.mu.RLock()
	t, ok := rt.tasks[id]
	rt.mu.RUnlock()
	if !ok {
		return RunResult{}, false
	}
	<-t.done
	return t.result, true
}

// CreateChannel allocates a channel with the given buffer capacity.
// Capacity 0 makes sends rendezvous with receives; capacities above
// MaxChannelCapacity are clamped.
func (rt *Runtime) CreateChannel(capacity int) uint64 {
	if capacity < 0 {
		capacity = 0
	}
	if capacity > MaxChannelCapacity {
		capacity = MaxChannelCapacity
	}
	id := rt.nextChan.Add(1)
	rt.mu.Lock()
	rt.channels[id] = &channel{ch: make(chan uint64, capacity)}
	rt.mu.Unlock()
	return id
}

func (rt *Runtime) channel(id uint64) *channel {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.channels[id]
}

// Send delivers v on the channel, blocking while the buffer is full.
// It reports false if the channel is closed or unknown.
func (rt *Runtime) Send(id, v uint64) (ok bool) {
	c := rt.channel(id)
	if c == nil {
		return false
	}
	// A send racing a close is an expected coordination outcome, not a
	// crash.
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	c.ch <- v
	return true
}

// Recv takes the next value, blocking while the channel is empty and
// open. Once closed and drained it reports ok=false.
func (rt *Runtime) Recv(id uint64) (uint64, bool) {
	c := rt.channel(id)
	if c == nil {
		return 0, false
	}
	v, ok := <-c.ch
	return v, ok
}

// CloseChannel closes the channel, waking all blocked senders and
// receivers. Closing twice or closing an unknown channel is a no-op.
func (rt *Runtime) CloseChannel(id uint64) {
	c := rt.channel(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
