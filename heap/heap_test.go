package heap

import "testing"

func TestAllocateFreeCoalesce(t *testing.T) {
	a, err := NewArena(0x10000, 4096)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}

	base, err := a.Allocate(256)
	if err != nil {
		t.Fatalf("alloc a: %v", err)
	}
	other, err := a.Allocate(256)
	if err != nil {
		t.Fatalf("alloc b: %v", err)
	}

	a.Free(base)
	a.Free(other)

	c, err := a.Allocate(512)
	if err != nil {
		t.Fatalf("alloc c: %v", err)
	}

	// Coalescing the two freed 256-byte siblings restores the original
	// 512-byte slab at the same offset.
	if c != base {
		t.Fatalf("expected coalesced allocation to reuse base %#x, got %#x", base, c)
	}
}

func TestConservationInvariant(t *testing.T) {
	a, err := NewArena(0, 4096)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	var live []uint64
	for i := 0; i < 4; i++ {
		addr, err := a.Allocate(256)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		live = append(live, addr)
	}

	used := a.Diagnostics().Allocated
	free := sumFreeFragments(a)
	if uint64(a.Capacity()) != used+free {
		t.Fatalf("conservation invariant violated: capacity=%d used=%d free=%d", a.Capacity(), used, free)
	}

	for _, addr := range live {
		a.Free(addr)
	}
	if a.Diagnostics().Allocated != 0 {
		t.Fatalf("expected zero allocated after freeing everything, got %d", a.Diagnostics().Allocated)
	}
}

func sumFreeFragments(a *Arena) uint64 {
	var total uint64
	for _, f := range a.fragments {
		if !f.used {
			total += uint64(f.size)
		}
	}
	return total
}

func TestNoAdjacentFreeFragmentsAfterFree(t *testing.T) {
	a, err := NewArena(0, 4096)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	x, _ := a.Allocate(256)
	y, _ := a.Allocate(256)
	z, _ := a.Allocate(256)
	a.Free(x)
	a.Free(y)
	a.Free(z)

	for _, f := range a.fragments {
		if f.used || f.next == undefinedOffset {
			continue
		}
		next, ok := a.fragments[f.next]
		if ok && !next.used {
			t.Fatalf("found two adjacent free fragments at offsets %d and %d", f.offset, next.offset)
		}
	}
}

func TestFreeZeroIsNoOp(t *testing.T) {
	a, err := NewArena(0x1000, 4096)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	a.Free(0) // must not panic or corrupt accounting
	if a.Diagnostics().Allocated != 0 {
		t.Fatalf("expected no accounting change from Free(0)")
	}
}

func TestOOM(t *testing.T) {
	a, err := NewArena(0, 1024)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	if _, err := a.Allocate(2048); err == nil {
		t.Fatalf("expected OOM for a request larger than capacity")
	}
	if a.Diagnostics().OOMCount == 0 {
		t.Fatalf("expected OOMCount to be incremented")
	}
}
