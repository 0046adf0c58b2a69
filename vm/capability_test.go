package vm

import (
	"math/rand"
	"testing"
)

func TestCapabilityCheck(t *testing.T) {
	c := Capability{Base: 64, Length: 32, Perms: PermRead | PermWrite}

	tests := []struct {
		name   string
		offset uint64
		width  uint64
		access byte
		addr   uint64
		trap   TrapCode
		ok     bool
	}{
		{"first byte", 0, 1, PermRead, 64, 0, true},
		{"last full word", 24, 8, PermWrite, 88, 0, true},
		{"one past end", 25, 8, PermRead, 0, TrapOutOfBounds, false},
		{"offset past length", 33, 1, PermRead, 0, TrapOutOfBounds, false},
		{"zero width", 4, 0, PermRead, 0, TrapOutOfBounds, false},
		{"execute denied", 0, 1, PermExec, 0, TrapPermissionDenied, false},
		{"huge offset wraps nothing", ^uint64(0), 1, PermRead, 0, TrapOutOfBounds, false},
	}
	for _, tt := range tests {
		addr, trap, ok := c.Check(tt.offset, tt.width, tt.access)
		if ok != tt.ok || addr != tt.addr || trap != tt.trap {
			t.Errorf("%s: Check = (%d, %v, %v), want (%d, %v, %v)",
				tt.name, addr, trap, ok, tt.addr, tt.trap, tt.ok)
		}
	}
}

func TestCapabilityCheckOrder(t *testing.T) {
	// Tag is checked before bounds, bounds before permissions.
	var untagged Capability
	if _, trap, _ := untagged.Check(1000, 8, PermExec); trap != TrapInvalidTag {
		t.Errorf("untagged: trap = %v, want InvalidTag", trap)
	}
	readOnly := Capability{Base: 0, Length: 8, Perms: PermRead}
	if _, trap, _ := readOnly.Check(100, 8, PermWrite); trap != TrapOutOfBounds {
		t.Errorf("oob+perm: trap = %v, want OutOfBounds", trap)
	}
	if _, trap, _ := readOnly.Check(0, 8, PermWrite); trap != TrapPermissionDenied {
		t.Errorf("perm: trap = %v, want PermissionDenied", trap)
	}
}

func TestRestrictMonotonic(t *testing.T) {
	parent := Capability{Base: 100, Length: 100, Perms: PermRead | PermWrite}

	if _, trap, ok := parent.Restrict(90, 10, PermRead); ok || trap != TrapOutOfBounds {
		t.Errorf("base below parent: (%v, %v), want OutOfBounds", trap, ok)
	}
	if _, trap, ok := parent.Restrict(150, 60, PermRead); ok || trap != TrapOutOfBounds {
		t.Errorf("end above parent: (%v, %v), want OutOfBounds", trap, ok)
	}
	if _, trap, ok := parent.Restrict(100, 100, PermRead|PermExec); ok || trap != TrapPermissionDenied {
		t.Errorf("grown perms: (%v, %v), want PermissionDenied", trap, ok)
	}

	child, trap, ok := parent.Restrict(120, 50, PermRead)
	if !ok {
		t.Fatalf("valid restrict failed: %v", trap)
	}
	if child.Base != 120 || child.Length != 50 || child.Perms != PermRead {
		t.Errorf("child = %v", child)
	}
}

// TestRestrictChains derives random chains and checks rights never grow
// at any depth.
func TestRestrictChains(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		cur := Capability{Base: 0, Length: 1 << 16, Perms: PermRead | PermWrite | PermExec}
		for depth := 0; depth < 8; depth++ {
			base := cur.Base + uint64(rng.Int63n(int64(cur.Length+1)))
			maxLen := cur.Length - (base - cur.Base)
			length := uint64(0)
			if maxLen > 0 {
				length = uint64(rng.Int63n(int64(maxLen + 1)))
			}
			perms := cur.Perms & byte(rng.Intn(8))

			child, _, ok := cur.Restrict(base, length, perms)
			if !ok {
				t.Fatalf("trial %d depth %d: in-bounds restrict rejected", trial, depth)
			}
			if child.Base < cur.Base || child.Base+child.Length > cur.Base+cur.Length {
				t.Fatalf("trial %d: child %v escapes parent %v", trial, child, cur)
			}
			if child.Perms&^cur.Perms != 0 {
				t.Fatalf("trial %d: child perms %b exceed parent %b", trial, child.Perms, cur.Perms)
			}
			if !child.Tagged() {
				break // empty or permissionless, chain ends
			}
			cur = child
		}
	}
}

func TestCapTable(t *testing.T) {
	tbl := NewCapTable(4096)

	def, trap, ok := tbl.Get(0)
	if !ok {
		t.Fatalf("default capability missing: %v", trap)
	}
	if def.Base != 0 || def.Length != 4096 || def.Perms != PermRead|PermWrite {
		t.Errorf("default capability = %v", def)
	}

	if _, trap, ok := tbl.Get(1); ok || trap != TrapInvalidTag {
		t.Errorf("empty slot: (%v, %v), want InvalidTag", trap, ok)
	}
	if _, trap, ok := tbl.Get(CapTableSize); ok || trap != TrapInvalidTag {
		t.Errorf("out of table: (%v, %v), want InvalidTag", trap, ok)
	}

	for i := 1; i < CapTableSize; i++ {
		h, trap, ok := tbl.Insert(Capability{Base: uint64(i), Length: 1, Perms: PermRead})
		if !ok {
			t.Fatalf("insert %d: %v", i, trap)
		}
		if h != uint64(i) {
			t.Errorf("insert %d: handle = %d", i, h)
		}
	}
	if _, trap, ok := tbl.Insert(Capability{Length: 1, Perms: PermRead}); ok || trap != TrapInvalidTag {
		t.Errorf("full table: (%v, %v), want InvalidTag", trap, ok)
	}

	tbl.Reset()
	if _, _, ok := tbl.Get(1); ok {
		t.Error("slot 1 survived Reset")
	}
	if _, _, ok := tbl.Get(0); !ok {
		t.Error("default capability lost by Reset")
	}
}
