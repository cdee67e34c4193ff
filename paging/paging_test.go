package paging

import (
	"testing"

	"anillo/errs"
	"anillo/pmm"
)

func newTestEnv(t *testing.T, frames int) (*pmm.PMM, *Window) {
	t.Helper()
	arena, err := pmm.NewArena(frames)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	return pmm.New(arena, 0), NewWindow(arena)
}

func TestNewTableIsZeroed(t *testing.T) {
	p, w := newTestEnv(t, 8)
	_, tbl, err := NewTable(p, w)
	if err != errs.Ok {
		t.Fatalf("NewTable: %v", err)
	}
	for i, e := range tbl.Entries {
		if e.Present() {
			t.Fatalf("entry %d unexpectedly present in fresh table", i)
		}
	}
}

func TestTableAliasesArena(t *testing.T) {
	p, w := newTestEnv(t, 8)
	addr, tbl, err := NewTable(p, w)
	if err != errs.Ok {
		t.Fatalf("NewTable: %v", err)
	}
	tbl.Entries[5] = MakePTE(pmm.PhysAddr(0x3000), PTE_P|PTE_W)

	again := w.Table(addr)
	if !again.Entries[5].Present() {
		t.Fatalf("expected entry 5 to be present via a second Table() view")
	}
	if again.Entries[5].Addr() != pmm.PhysAddr(0x3000) {
		t.Fatalf("unexpected address: %v", again.Entries[5].Addr())
	}
}

func TestIndicesRoundtrip(t *testing.T) {
	va := VirtAddr(uintptr(SlotUserFirst)<<39 | 7<<30 | 3<<21 | 1<<12 | 0x123)
	l4, l3, l2, l1 := indices(va)
	if l4 != SlotUserFirst || l3 != 7 || l2 != 3 || l1 != 1 {
		t.Fatalf("unexpected indices: %d %d %d %d", l4, l3, l2, l1)
	}
	if PageOffset(va) != 0x123 {
		t.Fatalf("unexpected page offset: %x", PageOffset(va))
	}
}

func TestSentinelDistinctFromPresent(t *testing.T) {
	e := PTE(SentinelBindOnDemand)
	if e.Present() {
		t.Fatalf("sentinel entry must not report Present")
	}
	if !e.IsSentinel() {
		t.Fatalf("expected IsSentinel true")
	}
	live := MakePTE(pmm.PhysAddr(0x1000), PTE_P|PTE_W)
	if live.IsSentinel() {
		t.Fatalf("present entry must not report IsSentinel")
	}
}
