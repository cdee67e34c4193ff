package pmm

import (
	"testing"

	"anillo/errs"
)

func newTestPMM(t *testing.T, frames int) *PMM {
	t.Helper()
	arena, err := NewArena(frames)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	return New(arena, 0)
}

// TestAllocateFreeRoundTrip implements scenario 1: initialize
// a 16-page region, allocate 4 then 8 pages, free both in the order
// allocated, and expect the region to have coalesced back into a single
// order-4 block.
func TestAllocateFreeRoundTrip(t *testing.T) {
	p := newTestPMM(t, 16)

	a, na, err := p.Allocate(4, AllocFlags{})
	if err != errs.Ok || na != 4 {
		t.Fatalf("allocate 4: addr=%v n=%v err=%v", a, na, err)
	}
	b, nb, err := p.Allocate(8, AllocFlags{})
	if err != errs.Ok || nb != 8 {
		t.Fatalf("allocate 8: addr=%v n=%v err=%v", b, nb, err)
	}

	p.Free(a, na)
	p.Free(b, nb)

	s := p.FreeSummary()
	if s.FreePages != 16 {
		t.Fatalf("expected 16 free pages, got %d", s.FreePages)
	}
	if s.ByOrder[4] != 1 {
		t.Fatalf("expected exactly one order-4 block, got %+v", s.ByOrder)
	}
	for o, n := range s.ByOrder {
		if o != 4 && n != 0 {
			t.Fatalf("unexpected free block at order %d: %+v", o, s.ByOrder)
		}
	}
}

func TestAllocateRoundsUpToPowerOfTwo(t *testing.T) {
	p := newTestPMM(t, 16)
	addr, n, err := p.Allocate(3, AllocFlags{})
	if err != errs.Ok {
		t.Fatalf("allocate: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected rounded-up count 4, got %d", n)
	}
	p.Free(addr, n)
}

func TestAllocateExhaustion(t *testing.T) {
	p := newTestPMM(t, 4)
	_, _, err := p.Allocate(4, AllocFlags{})
	if err != errs.Ok {
		t.Fatalf("first allocate should succeed: %v", err)
	}
	_, _, err = p.Allocate(1, AllocFlags{})
	if err != errs.TemporaryOutage {
		t.Fatalf("expected TemporaryOutage, got %v", err)
	}

	select {
	case ev := <-p.LowMemory:
		if ev.RequestedPages != 1 {
			t.Fatalf("unexpected low-mem event: %+v", ev)
		}
	default:
		t.Fatalf("expected a LowMemory notification")
	}
}

func TestNoOverlapAcrossAllocations(t *testing.T) {
	p := newTestPMM(t, 64)
	seen := map[PhysAddr]bool{}
	var blocks []PhysAddr
	for i := 0; i < 16; i++ {
		addr, n, err := p.Allocate(2, AllocFlags{})
		if err != errs.Ok {
			t.Fatalf("allocate %d: %v", i, err)
		}
		for f := 0; f < n; f++ {
			a := PhysAddr(int(addr) + f*4096)
			if seen[a] {
				t.Fatalf("frame %v double-allocated", a)
			}
			seen[a] = true
		}
		blocks = append(blocks, addr)
	}
	for _, addr := range blocks {
		p.Free(addr, 2)
	}
	s := p.FreeSummary()
	if s.FreePages != 64 {
		t.Fatalf("expected all 64 pages free after teardown, got %d", s.FreePages)
	}
}

func TestAllocateAligned(t *testing.T) {
	p := newTestPMM(t, 32)
	addr, n, err := p.AllocateAligned(2, 14 /* 16 KiB */, AllocFlags{})
	if err != errs.Ok {
		t.Fatalf("allocate aligned: %v", err)
	}
	if addr%PhysAddr(1<<14) != 0 {
		t.Fatalf("address %v not aligned to 16KiB", addr)
	}
	p.Free(addr, n)
	s := p.FreeSummary()
	if s.FreePages != 32 {
		t.Fatalf("expected all pages reclaimed, got %d", s.FreePages)
	}
}

func TestDMARegion(t *testing.T) {
	arena, err := NewArena(32)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	p := New(arena, 8)

	addr, _, err := p.Allocate(4, AllocFlags{DMA: true})
	if err != errs.Ok {
		t.Fatalf("dma allocate: %v", err)
	}
	if addr >= PhysAddr(8*4096) {
		t.Fatalf("dma allocation %v escaped the DMA region", addr)
	}
}
