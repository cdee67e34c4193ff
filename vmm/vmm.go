// Package vmm implements the per-address-space virtual memory manager: a
// self-hosted free-list allocator over virtual page ranges, layered on
// top of paging.Mapper for the page-table side and pmm.PMM for backing
// frames.
//
// "Self-hosted" means the {prev, next, page_count} free-block header
// lives inside the free block's own first page rather than in a side
// table — biscuit's vm.Vm_t instead keeps region bookkeeping in a
// Vmregion_t side structure (not present in this retrieval), so the
// free-list mechanics here are authored directly from the layout
// description, while AddressSpace's locking convention (one mutex
// guarding the free list, the mapper, and the registry together) is
// ported from vm.Vm_t's own Mutex/Lock_pmap/Unlock_pmap discipline.
package vmm

import (
	"sync"
	"unsafe"

	"anillo/config"
	"anillo/errs"
	"anillo/paging"
	"anillo/pmm"
)

// blockHeader is the self-hosted free-block record, stored at the start
// of a free block's first page. page_count is in units of pages.
type blockHeader struct {
	prev, next pmm.PhysAddr // physical addr of first page of prev/next free block, 0 if none
	start      paging.VirtAddr
	pageCount  int
}

// AddressSpace is one process's virtual memory manager: a free list over
// [base, base+size) expressed in virtual addresses, a page-table mapper,
// and the physical-frame source new allocations draw from.
//
// The zero value is not usable; construct with New.
type AddressSpace struct {
	mu sync.Mutex

	p   *pmm.PMM
	w   *paging.Window
	Map *paging.Mapper

	base paging.VirtAddr
	size int // total manageable pages

	// freeHead is the physical address of the first page of the
	// lowest-addressed free block, or 0 if the free list is empty.
	freeHead pmm.PhysAddr
}

// New creates an address space managing [base, base+pageCount*PageSize)
// as one large initial free block, with a fresh top-level page table
// mirroring the kernel's shared slots from kernelMapper.
func New(p *pmm.PMM, w *paging.Window, kernelMapper *paging.Mapper, base paging.VirtAddr, pageCount int) (*AddressSpace, errs.Err_t) {
	m, err := paging.NewMapper(p, w)
	if err != errs.Ok {
		return nil, err
	}
	if kernelMapper != nil {
		m.MirrorKernelSlots(kernelMapper)
	}
	as := &AddressSpace{p: p, w: w, Map: m, base: base, size: pageCount}
	if pageCount > 0 {
		as.seedFreeBlock(base, pageCount)
	}
	return as, errs.Ok
}

// PMM returns the physical-frame source this address space draws
// backing frames from, for callers (the syscall package's mapping_new)
// that need to construct a mapping.Mapping against the same arena.
func (as *AddressSpace) PMM() *pmm.PMM { return as.p }

// seedFreeBlock writes a blockHeader at va's backing storage and links it
// as the sole (or new) free block. va must already resolve to backing
// bytes through the identity window — callers always seed blocks over
// address ranges the AddressSpace itself owns, so this is only used for
// the space's initial capacity where base is required to already be
// backed by a frame the caller allocated for bookkeeping purposes, or for
// ranges freed back in after being allocated (and thus already backed).
func (as *AddressSpace) seedFreeBlock(va paging.VirtAddr, pageCount int) {
	pa := as.headerFrame(va)
	h := as.headerAt(pa)
	*h = blockHeader{start: va, pageCount: pageCount}
	as.freeHead = pa
}

// headerFrame resolves va to the physical frame backing it, allocating
// and mapping a fresh frame if none exists yet — free-block bookkeeping
// pages are materialized lazily the first time they are needed.
func (as *AddressSpace) headerFrame(va paging.VirtAddr) pmm.PhysAddr {
	pte, ok := as.Map.Translate(va)
	if ok && pte.Present() {
		return pte.Addr()
	}
	pa, _, err := as.p.Allocate(1, pmm.AllocFlags{Zero: true})
	if err != errs.Ok {
		panic("vmm: out of physical memory seeding free-list bookkeeping")
	}
	if merr := as.Map.MapFixed(va, pa, paging.PTE_P|paging.PTE_W); merr != errs.Ok {
		panic("vmm: unexpected mapping conflict seeding free-list bookkeeping")
	}
	return pa
}

func (as *AddressSpace) headerAt(pa pmm.PhysAddr) *blockHeader {
	b := as.p.Arena().At(pa, 1)
	return (*blockHeader)(unsafe.Pointer(&b[0]))
}

func (as *AddressSpace) headerAtVA(va paging.VirtAddr) *blockHeader {
	pte, ok := as.Map.Translate(va)
	if !ok || !pte.Present() {
		panic("vmm: free block header has no backing frame")
	}
	return as.headerAt(pte.Addr())
}

// walkFree calls f for every free block in ascending address order,
// stopping early if f returns false.
func (as *AddressSpace) walkFree(f func(pa pmm.PhysAddr, h *blockHeader) bool) {
	cur := as.freeHead
	for cur != 0 {
		h := as.headerAt(cur)
		if !f(cur, h) {
			return
		}
		cur = h.next
	}
}

func pagesFor(alignmentPower uint) int {
	if alignmentPower <= config.PageShift {
		return 1
	}
	return 1 << (alignmentPower - config.PageShift)
}

func alignUp(v paging.VirtAddr, alignPages int) paging.VirtAddr {
	step := paging.VirtAddr(alignPages) * config.PageSize
	rem := paging.VirtAddr(v) % step
	if rem == 0 {
		return v
	}
	return v + (step - rem)
}

// AllocateVirtual finds, splits off, and returns a page_count-page
// virtual range from the free list at the requested alignment, without
// touching the PMM or the page tables: linear scan for
// the first block whose start (or an aligned sub-address within it)
// admits page_count at the requested alignment, splitting into up to
// three pieces (unaligned prefix, returned range, trailing remainder).
func (as *AddressSpace) AllocateVirtual(pageCount int, alignmentPower uint) (paging.VirtAddr, errs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if pageCount <= 0 {
		return 0, errs.InvalidArgument
	}
	alignPages := pagesFor(alignmentPower)

	var prevPA pmm.PhysAddr
	cur := as.freeHead
	for cur != 0 {
		h := as.headerAt(cur)
		alignedStart := alignUp(h.start, alignPages)
		blockEnd := h.start + paging.VirtAddr(h.pageCount)*config.PageSize
		if alignedStart+paging.VirtAddr(pageCount)*config.PageSize <= blockEnd {
			return as.splitOut(prevPA, cur, h, alignedStart, pageCount), errs.Ok
		}
		prevPA = cur
		cur = h.next
	}
	return 0, errs.TemporaryOutage
}

// splitOut removes the found block from the free list and re-inserts any
// unaligned prefix and trailing remainder as their own free blocks,
// returning the aligned, exactly-sized range to the caller. If the
// returned range starts exactly where the block's own self-hosted header
// lived, that bookkeeping frame is released rather than left as a stale
// mapping inside what is now allocated (or reserved, unbacked) space.
func (as *AddressSpace) splitOut(prevPA, curPA pmm.PhysAddr, h *blockHeader, alignedStart paging.VirtAddr, pageCount int) paging.VirtAddr {
	origStart := h.start
	blockEnd := h.start + paging.VirtAddr(h.pageCount)*config.PageSize
	prefixPages := int(alignedStart-h.start) / config.PageSize
	takenEnd := alignedStart + paging.VirtAddr(pageCount)*config.PageSize
	suffixPages := int(blockEnd-takenEnd) / config.PageSize

	as.unlink(prevPA, curPA, h.next)

	if prefixPages > 0 {
		as.insertFree(origStart, prefixPages)
	} else {
		as.releaseHeaderFrame(origStart)
	}
	if suffixPages > 0 {
		as.insertFree(takenEnd, suffixPages)
	}
	return alignedStart
}

// releaseHeaderFrame unmaps and frees the physical frame backing va, if
// any. Used to tear down a free block's self-hosted header once the
// block is no longer free.
func (as *AddressSpace) releaseHeaderFrame(va paging.VirtAddr) {
	pte, ok := as.Map.Translate(va)
	if ok && pte.Present() {
		as.Map.Unmap(va)
		as.p.Free(pte.Addr(), 1)
	}
}

func (as *AddressSpace) unlink(prevPA, curPA, nextPA pmm.PhysAddr) {
	if prevPA == 0 {
		as.freeHead = nextPA
	} else {
		as.headerAt(prevPA).next = nextPA
	}
}

// insertFree adds a new free block at [start, start+pageCount) in
// address order, coalescing with its immediate predecessor and successor
// if they are adjacent, per free_virtual invariant.
func (as *AddressSpace) insertFree(start paging.VirtAddr, pageCount int) {
	end := start + paging.VirtAddr(pageCount)*config.PageSize

	var prevPA pmm.PhysAddr
	cur := as.freeHead
	for cur != 0 {
		h := as.headerAt(cur)
		if h.start >= start {
			break
		}
		prevPA = cur
		cur = h.next
	}

	// Coalesce with predecessor if adjacent.
	if prevPA != 0 {
		ph := as.headerAt(prevPA)
		if ph.start+paging.VirtAddr(ph.pageCount)*config.PageSize == start {
			start = ph.start
			pageCount = ph.pageCount + pageCount
			// drop prev out of the list; it is absorbed into the merged block
			grandPrev := as.prevOf(prevPA)
			as.unlink(grandPrev, prevPA, cur)
			prevPA = grandPrev
		}
	}
	// Coalesce with successor if adjacent.
	if cur != 0 {
		ch := as.headerAt(cur)
		if end == ch.start {
			pageCount = pageCount + ch.pageCount
			as.unlink(prevPA, cur, ch.next)
			if ch.start != start {
				as.releaseHeaderFrame(ch.start)
			}
			cur = ch.next
		}
	}

	pa := as.headerFrame(start)
	h := as.headerAt(pa)
	*h = blockHeader{start: start, pageCount: pageCount, next: cur}
	if prevPA == 0 {
		as.freeHead = pa
	} else {
		as.headerAt(prevPA).next = pa
	}
}

func (as *AddressSpace) prevOf(target pmm.PhysAddr) pmm.PhysAddr {
	var prevPA pmm.PhysAddr
	cur := as.freeHead
	for cur != 0 && cur != target {
		prevPA = cur
		cur = as.headerAt(cur).next
	}
	return prevPA
}

// FreeVirtual returns [virt, virt+pageCount) to the free list, merging
// with adjacent blocks. It does not unmap page-table entries or free
// backing frames — callers that own backing frames must release them
// first (see proc.MappingRegistry / mapping.Mapping).
func (as *AddressSpace) FreeVirtual(virt paging.VirtAddr, pageCount int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.insertFree(virt, pageCount)
}

// ReserveAny allocates a virtual range without any physical backing,
// per reserve_any.
func (as *AddressSpace) ReserveAny(pageCount int, alignmentPower uint) (paging.VirtAddr, errs.Err_t) {
	return as.AllocateVirtual(pageCount, alignmentPower)
}

// Allocate reserves a virtual range, backs every page with a freshly
// allocated physical frame, and installs present page-table entries.
func (as *AddressSpace) Allocate(pageCount int, alignmentPower uint, flags uint64) (paging.VirtAddr, errs.Err_t) {
	va, err := as.AllocateVirtual(pageCount, alignmentPower)
	if err != errs.Ok {
		return 0, err
	}
	if err := as.backRange(va, pageCount, flags); err != errs.Ok {
		as.FreeVirtual(va, pageCount)
		return 0, err
	}
	return va, errs.Ok
}

// FreeBacked is Allocate's inverse: it unmaps and frees the physical
// frame backing each page of [virt, virt+pageCount) back to the PMM,
// then returns the virtual range itself to the free list.
func (as *AddressSpace) FreeBacked(virt paging.VirtAddr, pageCount int) {
	for i := 0; i < pageCount; i++ {
		pv := virt + paging.VirtAddr(i)*config.PageSize
		if pte, ok := as.Map.Translate(pv); ok {
			as.Map.Unmap(pv)
			as.p.Free(pte.Addr(), 1)
		}
	}
	as.FreeVirtual(virt, pageCount)
}

// AllocateFixed is like Allocate but at a caller-chosen virtual address,
// which must currently be entirely free.
func (as *AddressSpace) AllocateFixed(virt paging.VirtAddr, pageCount int, flags uint64) errs.Err_t {
	as.mu.Lock()
	taken, ok := as.takeFixed(virt, pageCount)
	as.mu.Unlock()
	if !ok {
		return errs.AlreadyInProgress
	}
	_ = taken
	if err := as.backRange(virt, pageCount, flags); err != errs.Ok {
		as.FreeVirtual(virt, pageCount)
		return err
	}
	return errs.Ok
}

// takeFixed removes exactly [virt, virt+pageCount) from the free list if
// it is wholly contained within a single free block.
func (as *AddressSpace) takeFixed(virt paging.VirtAddr, pageCount int) (paging.VirtAddr, bool) {
	end := virt + paging.VirtAddr(pageCount)*config.PageSize
	var prevPA pmm.PhysAddr
	cur := as.freeHead
	for cur != 0 {
		h := as.headerAt(cur)
		blockEnd := h.start + paging.VirtAddr(h.pageCount)*config.PageSize
		if h.start <= virt && end <= blockEnd {
			as.splitOut(prevPA, cur, h, virt, pageCount)
			return virt, true
		}
		prevPA = cur
		cur = h.next
	}
	return 0, false
}

func (as *AddressSpace) backRange(va paging.VirtAddr, pageCount int, flags uint64) errs.Err_t {
	for i := 0; i < pageCount; i++ {
		pa, _, err := as.p.Allocate(1, pmm.AllocFlags{Zero: true})
		if err != errs.Ok {
			for j := 0; j < i; j++ {
				pv := va + paging.VirtAddr(j)*config.PageSize
				pte, _ := as.Map.Translate(pv)
				as.Map.Unmap(pv)
				as.p.Free(pte.Addr(), 1)
			}
			return err
		}
		pv := va + paging.VirtAddr(i)*config.PageSize
		if merr := as.Map.MapFixed(pv, pa, flags); merr != errs.Ok {
			as.p.Free(pa, 1)
			return merr
		}
	}
	return errs.Ok
}

// FreeListSummary reports each free block's start and page count, in
// ascending order, for tests and introspection.
type FreeListSummary struct {
	Start     paging.VirtAddr
	PageCount int
}

func (as *AddressSpace) FreeListSummary() []FreeListSummary {
	as.mu.Lock()
	defer as.mu.Unlock()
	var out []FreeListSummary
	as.walkFree(func(pa pmm.PhysAddr, h *blockHeader) bool {
		out = append(out, FreeListSummary{Start: h.start, PageCount: h.pageCount})
		return true
	})
	return out
}

// TotalFreePages sums every free block's page count.
func (as *AddressSpace) TotalFreePages() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	total := 0
	as.walkFree(func(pa pmm.PhysAddr, h *blockHeader) bool {
		total += h.pageCount
		return true
	})
	return total
}
