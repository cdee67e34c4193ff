package paging

import (
	"testing"

	"anillo/errs"
	"anillo/pmm"
)

func TestMapFixedAndTranslate(t *testing.T) {
	p, w := newTestEnv(t, 64)
	m, err := NewMapper(p, w)
	if err != errs.Ok {
		t.Fatalf("NewMapper: %v", err)
	}
	va := VirtAddr(UserMin + 0x4000)
	pa, _, aerr := p.Allocate(1, pmm.AllocFlags{})
	if aerr != errs.Ok {
		t.Fatalf("allocate: %v", aerr)
	}
	if err := m.MapFixed(va, pa, PTE_P|PTE_W|PTE_U); err != errs.Ok {
		t.Fatalf("MapFixed: %v", err)
	}
	pte, ok := m.Translate(va)
	if !ok || !pte.Present() {
		t.Fatalf("expected present mapping, got %v ok=%v", pte, ok)
	}
	if pte.Addr() != pa {
		t.Fatalf("expected addr %v, got %v", pa, pte.Addr())
	}

	pa2, _, aerr := p.Allocate(1, pmm.AllocFlags{})
	if aerr != errs.Ok {
		t.Fatalf("allocate: %v", aerr)
	}
	if err := m.MapFixed(va, pa2, PTE_P); err != errs.Ok {
		t.Fatalf("expected re-map to overwrite, got %v", err)
	}
	pte, ok = m.Translate(va)
	if !ok || !pte.Present() || pte.Addr() != pa2 {
		t.Fatalf("expected overwritten mapping to addr %v, got %v ok=%v", pa2, pte, ok)
	}

	m.Unmap(va)
	pte, ok = m.Translate(va)
	if pte.Present() {
		t.Fatalf("expected unmapped after Unmap")
	}
	_ = ok
}

func TestMapSentinel(t *testing.T) {
	p, w := newTestEnv(t, 64)
	m, err := NewMapper(p, w)
	if err != errs.Ok {
		t.Fatalf("NewMapper: %v", err)
	}
	va := VirtAddr(UserMin + 0x8000)
	if err := m.MapSentinel(va); err != errs.Ok {
		t.Fatalf("MapSentinel: %v", err)
	}
	pte, ok := m.Translate(va)
	if !ok {
		t.Fatalf("expected a level-1 table to exist")
	}
	if pte.Present() {
		t.Fatalf("sentinel entry must not be present")
	}
	if !pte.IsSentinel() {
		t.Fatalf("expected IsSentinel true")
	}
}

func TestMirrorKernelSlots(t *testing.T) {
	p, w := newTestEnv(t, 64)
	kernel, err := NewMapper(p, w)
	if err != errs.Ok {
		t.Fatalf("NewMapper kernel: %v", err)
	}
	pa, _, aerr := p.Allocate(1, pmm.AllocFlags{})
	if aerr != errs.Ok {
		t.Fatalf("allocate: %v", aerr)
	}
	kva := VirtAddr(uintptr(SlotDirect) << 39)
	if err := kernel.MapFixed(kva, pa, PTE_P|PTE_W|PTE_G); err != errs.Ok {
		t.Fatalf("MapFixed kernel slot: %v", err)
	}

	user, err := NewMapper(p, w)
	if err != errs.Ok {
		t.Fatalf("NewMapper user: %v", err)
	}
	user.MirrorKernelSlots(kernel)

	pte, ok := user.Translate(kva)
	if !ok || !pte.Present() {
		t.Fatalf("expected mirrored kernel slot to be present in user space")
	}
	if pte.Addr() != pa {
		t.Fatalf("expected mirrored addr %v, got %v", pa, pte.Addr())
	}
}

func TestCanUseLargePage(t *testing.T) {
	if !CanUseLargePage(VirtAddr(1<<21), pmm.PhysAddr(1<<21), 512) {
		t.Fatalf("expected aligned, sufficiently long run to qualify")
	}
	if CanUseLargePage(VirtAddr(1<<21+4096), pmm.PhysAddr(1<<21), 512) {
		t.Fatalf("expected unaligned va to be rejected")
	}
	if CanUseLargePage(VirtAddr(1<<21), pmm.PhysAddr(1<<21), 10) {
		t.Fatalf("expected too-short run to be rejected")
	}
}

func TestMapRangeUpgradesToLargePage(t *testing.T) {
	p, w := newTestEnv(t, 4096)
	m, err := NewMapper(p, w)
	if err != errs.Ok {
		t.Fatalf("NewMapper: %v", err)
	}
	const largePages = (1 << 21) / 4096

	pa, n, aerr := p.AllocateAligned(largePages, 21, pmm.AllocFlags{})
	if aerr != errs.Ok || n != largePages {
		t.Fatalf("AllocateAligned: n=%d err=%v", n, aerr)
	}
	va := VirtAddr(UserMin) // UserMin is a PML4-slot boundary, so it's 2 MiB-aligned too.

	if err := m.MapRange(va, pa, largePages, PTE_P|PTE_W|PTE_U); err != errs.Ok {
		t.Fatalf("MapRange: %v", err)
	}

	pte, ok := m.Translate(va)
	if !ok || !pte.Present() {
		t.Fatalf("expected present mapping at range start, got %v ok=%v", pte, ok)
	}
	if uint64(pte)&PTE_PS == 0 {
		t.Fatalf("expected MapRange to install a large page, got flags %#x", pte.Flags())
	}
	if pte.Addr() != pa {
		t.Fatalf("expected large entry addr %v, got %v", pa, pte.Addr())
	}

	// Any address inside the 2 MiB region must resolve through the same
	// large entry, not report unmapped.
	mid := va + VirtAddr(1<<20)
	pte, ok = m.Translate(mid)
	if !ok || !pte.Present() || uint64(pte)&PTE_PS == 0 {
		t.Fatalf("expected mid-region address to resolve through the large entry, got %v ok=%v", pte, ok)
	}

	m.Unmap(mid)
	if pte, _ := m.Translate(va); pte.Present() {
		t.Fatalf("expected Unmap through any address in the region to clear the whole large entry")
	}
}

func TestMapRangeFallsBackToSmallPagesWhenNotContiguous(t *testing.T) {
	p, w := newTestEnv(t, 64)
	m, err := NewMapper(p, w)
	if err != errs.Ok {
		t.Fatalf("NewMapper: %v", err)
	}
	va := VirtAddr(UserMin)
	pa, _, aerr := p.Allocate(1, pmm.AllocFlags{})
	if aerr != errs.Ok {
		t.Fatalf("allocate: %v", aerr)
	}

	// A single page can never satisfy CanUseLargePage, so MapRange must
	// install it as an ordinary 4 KiB leaf.
	if err := m.MapRange(va, pa, 1, PTE_P|PTE_W|PTE_U); err != errs.Ok {
		t.Fatalf("MapRange: %v", err)
	}
	pte, ok := m.Translate(va)
	if !ok || !pte.Present() {
		t.Fatalf("expected present mapping, got %v ok=%v", pte, ok)
	}
	if uint64(pte)&PTE_PS != 0 {
		t.Fatalf("expected a 4 KiB leaf, not a large page, got flags %#x", pte.Flags())
	}
}

func TestMapFixedRejectsGranularityMismatchWithLargePage(t *testing.T) {
	p, w := newTestEnv(t, 4096)
	m, err := NewMapper(p, w)
	if err != errs.Ok {
		t.Fatalf("NewMapper: %v", err)
	}
	const largePages = (1 << 21) / 4096
	pa, _, aerr := p.AllocateAligned(largePages, 21, pmm.AllocFlags{})
	if aerr != errs.Ok {
		t.Fatalf("AllocateAligned: %v", aerr)
	}
	va := VirtAddr(UserMin)
	if err := m.MapFixedLarge(va, pa, PTE_P|PTE_W|PTE_U); err != errs.Ok {
		t.Fatalf("MapFixedLarge: %v", err)
	}

	small, _, aerr := p.Allocate(1, pmm.AllocFlags{})
	if aerr != errs.Ok {
		t.Fatalf("allocate: %v", aerr)
	}
	if err := m.MapFixed(va+0x1000, small, PTE_P); err != errs.AlreadyInProgress {
		t.Fatalf("expected AlreadyInProgress installing a 4 KiB leaf inside a large page, got %v", err)
	}
}
