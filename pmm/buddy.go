package pmm

import (
	"anillo/config"
	"anillo/errs"
	"anillo/klog"
	"anillo/stats"
	"anillo/util"
)

// AllocFlags requests allocator policy.
type AllocFlags struct {
	// DMA restricts the allocation to a region tagged usable below the
	// classic 32-bit ISA DMA boundary, if such a region exists.
	DMA bool
	// Zero requests the returned frames be zero-filled before return.
	Zero bool
}

// LowMemEvent is sent on PMM.LowMemory when an Allocate call cannot be
// satisfied. Adapted from biscuit's oommsg.Oommsg_t: biscuit sends
// Oommsg_t to ask a userspace pager to free pages and waits on Resume;
// there is no pager here (disk-backed paging is a declared Non-goal), so
// this is a non-blocking, best-effort observability signal instead of a
// synchronous handshake.
type LowMemEvent struct {
	// RequestedPages is the page count the failing Allocate call wanted.
	RequestedPages int
}

// PMM is the physical memory manager: one or more regions, each an
// independent buddy allocator, mirroring one entry in a firmware memory
// map.
type PMM struct {
	arena   *Arena
	regions []*region
	// dmaRegion indexes into regions the region usable for AllocFlags.DMA
	// requests, or -1 if none is tagged as such.
	dmaRegion int

	// LowMemory receives a LowMemEvent whenever an Allocate call fails
	// for lack of a satisfying region. Buffered so a full channel never
	// blocks an allocation failure path; sends are best-effort (dropped
	// if the buffer is full).
	LowMemory chan LowMemEvent

	allocs stats.Counter_t
	frees  stats.Counter_t
}

// New builds a PMM with a single region spanning the whole arena. Pass
// dmaPages > 0 to additionally tag the first dmaPages frames as a
// separate DMA-eligible region, mirroring the classic "32-bit ISA
// boundary" DMA split.
func New(arena *Arena, dmaPages int) *PMM {
	p := &PMM{arena: arena, dmaRegion: -1, LowMemory: make(chan LowMemEvent, 8)}
	if dmaPages > 0 && dmaPages < arena.Frames() {
		dma := newRegion(0, dmaPages)
		addFreeRun(dma, 0, dmaPages)
		p.regions = append(p.regions, dma)
		p.dmaRegion = 0

		rest := newRegion(dmaPages, arena.Frames()-dmaPages)
		addFreeRun(rest, 0, arena.Frames()-dmaPages)
		p.regions = append(p.regions, rest)
	} else {
		r := newRegion(0, arena.Frames())
		addFreeRun(r, 0, arena.Frames())
		p.regions = append(p.regions, r)
	}
	klog.Boot("pmm: reserved %d pages (%d KiB) across %d region(s)",
		arena.Frames(), arena.Frames()*config.PageSize/1024, len(p.regions))
	return p
}

// addFreeRun seeds a freshly created region's free lists by greedily
// covering [start, start+n) with the largest aligned power-of-two blocks
// that fit, exactly as Free's merge step would converge to if frames were
// inserted one at a time — done once, in bulk, at boot.
func addFreeRun(r *region, start, n int) {
	for n > 0 {
		order := 0
		for order < config.MaxOrder {
			blk := 1 << uint(order+1)
			if start%blk != 0 || blk > n {
				break
			}
			order++
		}
		size := 1 << uint(order)
		r.free[order][start] = struct{}{}
		r.freeCount += int64(size)
		start += size
		n -= size
	}
}

// Arena returns the backing arena, used by paging to obtain byte views of
// allocated frames.
func (p *PMM) Arena() *Arena { return p.arena }

func orderFor(pageCount int) int {
	n := util.NextPow2(pageCount)
	return int(util.Log2(n))
}

// Allocate rounds pageCount up to a power of two and returns a block of
// that size from the smallest non-empty bucket able to satisfy it,
// splitting downward as needed.
func (p *PMM) Allocate(pageCount int, flags AllocFlags) (PhysAddr, int, errs.Err_t) {
	if pageCount <= 0 {
		return 0, 0, errs.InvalidArgument
	}
	order := orderFor(pageCount)
	if order > config.MaxOrder {
		return 0, 0, errs.TooBig
	}
	regions := p.candidateRegions(flags)
	for _, r := range regions {
		if startn, ok := allocateFromRegion(r, order); ok {
			addr := PhysAddr((r.startn + startn) * config.PageSize)
			n := 1 << uint(order)
			p.allocs.Inc()
			if flags.Zero {
				zero(p.arena, addr, n)
			}
			return addr, n, errs.Ok
		}
	}
	p.notifyLowMemory(pageCount)
	return 0, 0, errs.TemporaryOutage
}

// AllocateAligned is like Allocate but additionally requires the
// returned physical address be aligned to 2^alignmentPower bytes. If a
// candidate region has a suitably aligned sub-block within a larger free
// block, the unaligned prefix is trimmed back onto the free list rather
// than the whole candidate being rejected.
func (p *PMM) AllocateAligned(pageCount int, alignmentPower uint, flags AllocFlags) (PhysAddr, int, errs.Err_t) {
	if pageCount <= 0 {
		return 0, 0, errs.InvalidArgument
	}
	order := orderFor(pageCount)
	if order > config.MaxOrder {
		return 0, 0, errs.TooBig
	}
	alignPages := 1 << alignmentPower / config.PageSize
	if alignPages < 1 {
		alignPages = 1
	}
	needed := 1 << uint(order)

	for _, r := range p.candidateRegions(flags) {
		r.mu.Lock()
		if startn, blockOrder, ok := findAligned(r, order, alignPages); ok {
			trimAndTake(r, startn, blockOrder, order, alignPages)
			r.mu.Unlock()
			addr := PhysAddr((r.startn + startn) * config.PageSize)
			p.allocs.Inc()
			if flags.Zero {
				zero(p.arena, addr, needed)
			}
			return addr, needed, errs.Ok
		}
		r.mu.Unlock()
	}
	p.notifyLowMemory(pageCount)
	return 0, 0, errs.TemporaryOutage
}

// Free returns a previously allocated block to its region's free lists,
// merging with its buddy repeatedly while the buddy is free and of equal
// order. The caller must pass the same pageCount given
// to (or returned by) the matching Allocate/AllocateAligned call.
func (p *PMM) Free(addr PhysAddr, pageCount int) {
	order := orderFor(pageCount)
	frame := int(addr) / config.PageSize
	r := p.regionContaining(frame)
	if r == nil {
		panic("pmm.Free: address not owned by any region")
	}
	local := frame - r.startn
	freeToRegion(r, local, order)
	p.frees.Inc()
}

// FreeSummary reports, summed across every region, the total free-frame
// count and the number of free blocks at each order — an introspection aid matching the
// role of biscuit's Physmem_t.Pgcount.
type FreeSummary struct {
	FreePages  int64
	ByOrder    [config.MaxOrder + 1]int
}

// FreeSummary returns free-space accounting across all regions combined.
func (p *PMM) FreeSummary() FreeSummary {
	var s FreeSummary
	for _, r := range p.regions {
		r.mu.Lock()
		s.FreePages += r.freeCount
		for o := range r.free {
			s.ByOrder[o] += len(r.free[o])
		}
		r.mu.Unlock()
	}
	return s
}

func (p *PMM) candidateRegions(flags AllocFlags) []*region {
	if flags.DMA && p.dmaRegion >= 0 {
		return []*region{p.regions[p.dmaRegion]}
	}
	return p.regions
}

func (p *PMM) regionContaining(frame int) *region {
	for _, r := range p.regions {
		if frame >= r.startn && frame < r.startn+r.frames {
			return r
		}
	}
	return nil
}

func (p *PMM) notifyLowMemory(requested int) {
	select {
	case p.LowMemory <- LowMemEvent{RequestedPages: requested}:
	default:
		klog.WarnOnce("pmm: LowMemory listener not keeping up, dropping event (requested %d pages)", requested)
	}
}

func zero(a *Arena, addr PhysAddr, pages int) {
	b := a.At(addr, pages)
	for i := range b {
		b[i] = 0
	}
}

// allocateFromRegion pops a block of exactly `order` from r, splitting a
// larger block downward if necessary. Returns the region-local start
// frame index.
func allocateFromRegion(r *region, order int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src := -1
	for o := order; o <= config.MaxOrder; o++ {
		if len(r.free[o]) > 0 {
			src = o
			break
		}
	}
	if src == -1 {
		return 0, false
	}
	var start int
	for k := range r.free[src] {
		start = k
		break
	}
	delete(r.free[src], start)

	// split downward: each split peels off the upper half at the current
	// order and pushes it onto the next-smaller bucket, keeping the lower
	// half to split again until we reach the requested order.
	for o := src; o > order; o-- {
		half := 1 << uint(o-1)
		buddy := start + half
		r.free[o-1][buddy] = struct{}{}
	}
	markInUse(r, start, order, true)
	r.freeCount -= int64(1 << uint(order))
	return start, true
}

// findAligned scans for a free block (at any order >= the requested one)
// that contains an aligned sub-address able to hold `order` pages.
func findAligned(r *region, order, alignPages int) (start, blockOrder int, ok bool) {
	for o := order; o <= config.MaxOrder; o++ {
		for s := range r.free[o] {
			size := 1 << uint(o)
			alignedStart := util.Roundup(s, alignPages)
			if alignedStart+ (1<<uint(order)) <= s+size {
				return s, o, true
			}
		}
	}
	return 0, 0, false
}

// trimAndTake removes the block at (start, blockOrder) from its bucket,
// then gives back any unaligned prefix/aligned-suffix remainder to the
// free lists, keeping exactly the aligned, order-sized block.
func trimAndTake(r *region, start, blockOrder, order, alignPages int) {
	delete(r.free[blockOrder], start)
	size := 1 << uint(blockOrder)
	aligned := util.Roundup(start, alignPages)
	needed := 1 << uint(order)

	if aligned > start {
		addFreeRun(r, start, aligned-start)
	}
	tailStart := aligned + needed
	tailLen := start + size - tailStart
	if tailLen > 0 {
		addFreeRun(r, tailStart, tailLen)
	}
	markInUse(r, aligned, order, true)
	r.freeCount -= int64(needed)
}

func markInUse(r *region, start, order int, used bool) {
	n := 1 << uint(order)
	for i := start; i < start+n; i++ {
		r.inUse[i] = used
	}
}

func freeToRegion(r *region, start, order int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	markInUse(r, start, order, false)
	r.freeCount += int64(1 << uint(order))

	for order < config.MaxOrder {
		buddy := start ^ (1 << uint(order))
		if buddy+ (1<<uint(order)) > r.frames {
			break
		}
		if _, free := r.free[order][buddy]; !free {
			break
		}
		delete(r.free[order], buddy)
		if buddy < start {
			start = buddy
		}
		order++
	}
	r.free[order][start] = struct{}{}
}
