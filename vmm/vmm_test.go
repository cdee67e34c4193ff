package vmm

import (
	"testing"

	"anillo/errs"
	"anillo/paging"
	"anillo/pmm"
)

func newTestSpace(t *testing.T, arenaFrames, spacePages int) (*pmm.PMM, *AddressSpace) {
	t.Helper()
	arena, err := pmm.NewArena(arenaFrames)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	p := pmm.New(arena, 0)
	w := paging.NewWindow(arena)
	as, verr := New(p, w, nil, paging.VirtAddr(paging.UserMin), spacePages)
	if verr != errs.Ok {
		t.Fatalf("New address space: %v", verr)
	}
	return p, as
}

// TestAllocateFreeVirtualRoundTrip implements VMM invariant:
// after any sequence of allocate_virtual/free_virtual with matched
// counts, the free list is in strictly ascending address order, no two
// blocks are adjacent, and the sum of block sizes equals the initial
// capacity.
func TestAllocateFreeVirtualRoundTrip(t *testing.T) {
	_, as := newTestSpace(t, 64, 32)

	a, err := as.AllocateVirtual(4, 0)
	if err != errs.Ok {
		t.Fatalf("allocate 4: %v", err)
	}
	b, err := as.AllocateVirtual(8, 0)
	if err != errs.Ok {
		t.Fatalf("allocate 8: %v", err)
	}

	as.FreeVirtual(a, 4)
	as.FreeVirtual(b, 8)

	total := as.TotalFreePages()
	if total != 32 {
		t.Fatalf("expected 32 free pages, got %d", total)
	}
	summary := as.FreeListSummary()
	if len(summary) != 1 {
		t.Fatalf("expected a single coalesced free block, got %+v", summary)
	}
	if summary[0].PageCount != 32 {
		t.Fatalf("expected coalesced block to cover all 32 pages, got %+v", summary[0])
	}

	// ascending order and non-adjacency trivially hold for a single block;
	// exercise the general invariant with a second round that leaves two
	// blocks behind.
	c, err := as.AllocateVirtual(4, 0)
	if err != errs.Ok {
		t.Fatalf("allocate 4 (round 2): %v", err)
	}
	d, err := as.AllocateVirtual(4, 0)
	if err != errs.Ok {
		t.Fatalf("allocate 4 (round 2b): %v", err)
	}
	_ = d
	as.FreeVirtual(c, 4)
	// leave d allocated; there should now be a prefix free block and a
	// suffix free block with the still-allocated d range between them.
	summary = as.FreeListSummary()
	if len(summary) != 2 {
		t.Fatalf("expected two free blocks around the held allocation, got %+v", summary)
	}
	for i := 1; i < len(summary); i++ {
		if summary[i-1].Start >= summary[i].Start {
			t.Fatalf("free list not in ascending order: %+v", summary)
		}
	}
}

func TestAllocateBacksWithPhysicalFrames(t *testing.T) {
	p, as := newTestSpace(t, 64, 16)
	va, err := as.Allocate(2, 0, paging.PTE_P|paging.PTE_W|paging.PTE_U)
	if err != errs.Ok {
		t.Fatalf("Allocate: %v", err)
	}
	for i := 0; i < 2; i++ {
		pte, ok := as.Map.Translate(va + paging.VirtAddr(i)*4096)
		if !ok || !pte.Present() {
			t.Fatalf("expected page %d to be present after Allocate", i)
		}
	}
	_ = p
}

func TestAllocateFixedRejectsOverlap(t *testing.T) {
	_, as := newTestSpace(t, 64, 16)
	va, err := as.AllocateVirtual(4, 0)
	if err != errs.Ok {
		t.Fatalf("allocate 4: %v", err)
	}
	if err := as.AllocateFixed(va, 2, paging.PTE_P|paging.PTE_W); err != errs.AlreadyInProgress {
		t.Fatalf("expected AlreadyInProgress for a range no longer free, got %v", err)
	}
}

func TestReserveAnyLeavesRangeUnbacked(t *testing.T) {
	_, as := newTestSpace(t, 64, 16)
	va, err := as.ReserveAny(4, 0)
	if err != errs.Ok {
		t.Fatalf("ReserveAny: %v", err)
	}
	pte, ok := as.Map.Translate(va)
	if ok && pte.Present() {
		t.Fatalf("expected reserved range to remain unbacked")
	}
}

func TestAllocateVirtualAlignment(t *testing.T) {
	_, as := newTestSpace(t, 64, 64)
	// pre-allocate 1 page to force a misaligned remaining free block.
	_, err := as.AllocateVirtual(1, 0)
	if err != errs.Ok {
		t.Fatalf("allocate 1: %v", err)
	}
	va, err := as.AllocateVirtual(2, 14) // 16 KiB alignment
	if err != errs.Ok {
		t.Fatalf("allocate aligned: %v", err)
	}
	if uintptr(va)%(1<<14) != 0 {
		t.Fatalf("expected 16KiB-aligned address, got %x", va)
	}
}

func TestExhaustion(t *testing.T) {
	_, as := newTestSpace(t, 64, 8)
	if _, err := as.AllocateVirtual(8, 0); err != errs.Ok {
		t.Fatalf("allocate all 8: %v", err)
	}
	if _, err := as.AllocateVirtual(1, 0); err != errs.TemporaryOutage {
		t.Fatalf("expected TemporaryOutage, got %v", err)
	}
}
