package vm

import "fmt"

// ---------------------------------------------------------------------------
// Capabilities
// ---------------------------------------------------------------------------

// Permission bits on a capability.
const (
	PermRead  byte = 1 << 0
	PermWrite byte = 1 << 1
	PermExec  byte = 1 << 2
)

// CapTableSize is the fixed number of capability slots per execution.
// Slot 0 is reserved for the default whole-memory capability.
const CapTableSize = 64

// Capability grants access to [Base, Base+Length) within linear memory
// with the given permissions. A zero-valued Capability is untagged and
// denies all access.
type Capability struct {
	Base   uint64
	Length uint64
	Perms  byte
}

// Tagged reports whether the capability is live. Length zero marks an
// empty or revoked slot.
func (c Capability) Tagged() bool { return c.Perms != 0 || c.Length != 0 }

// Check validates an access of width bytes at offset within the
// capability and returns the effective linear-memory address. The check
// order is fixed: tag, then bounds, then permissions.
func (c Capability) Check(offset, width uint64, access byte) (uint64, TrapCode, bool) {
	if !c.Tagged() {
		return 0, TrapInvalidTag, false
	}
	if width == 0 || offset > c.Length || c.Length-offset < width {
		return 0, TrapOutOfBounds, false
	}
	if c.Perms&access != access {
		return 0, TrapPermissionDenied, false
	}
	return c.Base + offset, 0, true
}

// Restrict derives a narrower capability. The derived bounds must lie
// inside the parent and the derived permissions must be a subset;
// capability rights never grow.
func (c Capability) Restrict(base, length uint64, perms byte) (Capability, TrapCode, bool) {
	if !c.Tagged() {
		return Capability{}, TrapInvalidTag, false
	}
	if base < c.Base || length > c.Length || base-c.Base > c.Length-length {
		return Capability{}, TrapOutOfBounds, false
	}
	if perms&^c.Perms != 0 {
		return Capability{}, TrapPermissionDenied, false
	}
	return Capability{Base: base, Length: length, Perms: perms}, 0, true
}

// String implements fmt.Stringer.
func (c Capability) String() string {
	perms := [3]byte{'-', '-', '-'}
	if c.Perms&PermRead != 0 {
		perms[0] = 'r'
	}
	if c.Perms&PermWrite != 0 {
		perms[1] = 'w'
	}
	if c.Perms&PermExec != 0 {
		perms[2] = 'x'
	}
	return fmt.Sprintf("cap[%#x+%#x %s]", c.Base, c.Length, perms)
}

// ---------------------------------------------------------------------------
// Capability table
// ---------------------------------------------------------------------------

// CapTable is the per-execution capability register file. Handles are
// indices into the table; handle 0 always holds the default capability
// covering all of linear memory with read/write permission.
type CapTable struct {
	caps [CapTableSize]Capability
	used int
}

// NewCapTable builds a table whose slot 0 spans memSize bytes.
func NewCapTable(memSize uint64) *CapTable {
	t := &CapTable{used: 1}
	t.caps[0] = Capability{Base: 0, Length: memSize, Perms: PermRead | PermWrite}
	return t
}

// Get returns the capability for a handle. Handles past the table raise
// InvalidTag, matching a load through a revoked slot.
func (t *CapTable) Get(handle uint64) (Capability, TrapCode, bool) {
	if handle >= CapTableSize {
		return Capability{}, TrapInvalidTag, false
	}
	c := t.caps[handle]
	if !c.Tagged() {
		return Capability{}, TrapInvalidTag, false
	}
	return c, 0, true
}

// Insert allocates the next free slot for c and returns its handle. A
// full table raises InvalidTag.
func (t *CapTable) Insert(c Capability) (uint64, TrapCode, bool) {
	if t.used >= CapTableSize {
		return 0, TrapInvalidTag, false
	}
	h := uint64(t.used)
	t.caps[t.used] = c
	t.used++
	return h, 0, true
}

// Reset clears all derived capabilities, keeping slot 0.
func (t *CapTable) Reset() {
	for i := 1; i < t.used; i++ {
		t.caps[i] = Capability{}
	}
	t.used = 1
}
