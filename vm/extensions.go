package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Extension registry
// ---------------------------------------------------------------------------

// Extension ID ranges by category. The machine treats the registry as
// an opaque function table and never validates behavior behind an ID.
const (
	ExtCrypto      uint32 = 1
	ExtCollections uint32 = 100
	ExtStrings     uint32 = 140
	ExtJSON        uint32 = 170
	ExtHTTP        uint32 = 190
	ExtCompression uint32 = 400
	ExtEncoding    uint32 = 420
	ExtDatetime    uint32 = 440
	ExtRegex       uint32 = 460
	ExtFilesystem  uint32 = 480
	ExtTLS         uint32 = 500
)

// ExtensionFunc handles one extension ID. Arguments come from registers
// rs1, rs2, r3, r4 of the calling instruction; the return value lands
// in rd. An error surfaces to the guest as the all-ones sentinel.
type ExtensionFunc func(args [4]uint64) (uint64, error)

// ExtensionRegistry maps numeric extension IDs to host functions.
type ExtensionRegistry struct {
	mu    sync.RWMutex
	funcs map[uint32]ExtensionFunc
}

// NewExtensionRegistry builds an empty registry.
func NewExtensionRegistry() *ExtensionRegistry {
	return &ExtensionRegistry{funcs: make(map[uint32]ExtensionFunc)}
}

// Register installs fn for id, replacing any previous binding.
func (r *ExtensionRegistry) Register(id uint32, fn ExtensionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[id] = fn
}

// Call dispatches an extension call. Unknown IDs fail without trapping.
func (r *ExtensionRegistry) Call(id uint32, args [4]uint64) (uint64, error) {
	r.mu.RLock()
	fn := r.funcs[id]
	r.mu.RUnlock()
	if fn == nil {
		return 0, fmt.Errorf("extension %d not registered", id)
	}
	return fn(args)
}

// defaultExtensions is the registry machines start with. It is empty;
// embedders install their own table via SetExtensions.
var defaultExtensions = NewExtensionRegistry()

// ---------------------------------------------------------------------------
// Mock extensions
// ---------------------------------------------------------------------------

// MockExtensions records calls and replays scripted return values, for
// tests that exercise the extension boundary without real host
// functions.
type MockExtensions struct {
	mu      sync.Mutex
	fixed   map[uint32]uint64
	queued  map[uint32][]uint64
	History []MockCall
}

// MockCall is one recorded extension invocation.
type MockCall struct {
	ID   uint32
	Args [4]uint64
}

// NewMockExtensions builds an empty mock.
func NewMockExtensions() *MockExtensions {
	return &MockExtensions{
		fixed:  make(map[uint32]uint64),
		queued: make(map[uint32][]uint64),
	}
}

// Return fixes the value returned for every call to id.
func (m *MockExtensions) Return(id uint32, v uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixed[id] = v
}

// Queue appends values returned by successive calls to id. Queued
// values take precedence over a fixed return until drained.
func (m *MockExtensions) Queue(id uint32, vs ...uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[id] = append(m.queued[id], vs...)
}

// Registry adapts the mock into an ExtensionRegistry wired to every ID
// it has returns for.
func (m *MockExtensions) Registry() *ExtensionRegistry {
	r := NewExtensionRegistry()
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[uint32]struct{})
	for id := range m.fixed {
		ids[id] = struct{}{}
	}
	for id := range m.queued {
		ids[id] = struct{}{}
	}
	for id := range ids {
		id := id
		r.Register(id, func(args [4]uint64) (uint64, error) {
			return m.call(id, args)
		})
	}
	return r
}

func (m *MockExtensions) call(id uint32, args [4]uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.History = append(m.History, MockCall{ID: id, Args: args})
	if q := m.queued[id]; len(q) > 0 {
		m.queued[id] = q[1:]
		return q[0], nil
	}
	if v, ok := m.fixed[id]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("mock extension %d exhausted", id)
}
