// Package slab implements a fixed-size-element allocator over
// page_size-sized regions. Each region's unused
// element slots are threaded into a singly linked free list, the same
// technique biscuit's own physical-page allocator uses for its free
// list (mem.Physpg_t.nexti chains free pages by index rather than by a
// side structure) — generalized here from "index into a fixed Pgs
// array" to "byte offset into an mmap'd region", since a slab region is
// allocated from the PMM rather than being the PMM's own bookkeeping
// array.
package slab

import (
	"anillo/config"
	"anillo/errs"
	"anillo/pmm"
	"anillo/stats"
)

// region is one page_size-sized backing allocation, threaded into a free
// list of element_size-sized slots.
type region struct {
	addr     pmm.PhysAddr
	bytes    []byte
	freeHead int32 // byte offset of first free slot within bytes, or -1
	next     *region
}

// Cache is a slab allocator for fixed-size, fixed-alignment elements.
type Cache struct {
	p             *pmm.PMM
	elementSize   int
	elementAlign  int
	regions       *region // head of the region list; first region is checked first
	allocs, frees stats.Counter_t
}

// New creates a Cache for elements of the given size and alignment. Both
// must be positive and elementSize must not exceed one page, matching
// "list of page_size-sized regions" design (an element
// larger than a page has nowhere to live).
func New(p *pmm.PMM, elementSize, elementAlignment int) (*Cache, errs.Err_t) {
	if elementSize <= 0 || elementAlignment <= 0 {
		return nil, errs.InvalidArgument
	}
	aligned := roundUp(elementSize, elementAlignment)
	if aligned > config.PageSize {
		return nil, errs.TooBig
	}
	if aligned < 4 {
		// the free-list "next" pointer is embedded in the slot itself, so
		// every slot must have room for it.
		aligned = roundUp(4, elementAlignment)
	}
	return &Cache{p: p, elementSize: aligned, elementAlign: elementAlignment}, errs.Ok
}

func roundUp(v, align int) int {
	return (v + align - 1) / align * align
}

// Allocate pops an element from the first region with a non-empty free
// list, growing the cache by one fresh region if every existing region
// is full.
func (c *Cache) Allocate() (pmm.PhysAddr, int, errs.Err_t) {
	for r := c.regions; r != nil; r = r.next {
		if r.freeHead >= 0 {
			off := r.freeHead
			r.freeHead = readNext(r.bytes, int(off))
			c.allocs.Inc()
			return r.addr, int(off), errs.Ok
		}
	}
	r, err := c.growRegion()
	if err != errs.Ok {
		return 0, 0, err
	}
	off := r.freeHead
	r.freeHead = readNext(r.bytes, int(off))
	c.allocs.Inc()
	return r.addr, int(off), errs.Ok
}

// Free returns the element at (region addr, offset) to its region's free
// list. The caller must pass values previously returned by Allocate for
// the same region's addr.
func (c *Cache) Free(addr pmm.PhysAddr, offset int) {
	for r := c.regions; r != nil; r = r.next {
		if r.addr == addr {
			writeNext(r.bytes, offset, r.freeHead)
			r.freeHead = int32(offset)
			c.frees.Inc()
			return
		}
	}
	panic("slab.Free: offset does not belong to any region in this cache")
}

// growRegion allocates a fresh page from the PMM, threads its slots into
// a free list, and prepends it to the region chain so it is checked
// first by subsequent Allocate calls (matching biscuit's
// most-recently-freed-first bias on its own per-CPU free lists).
func (c *Cache) growRegion() (*region, errs.Err_t) {
	addr, _, err := c.p.Allocate(1, pmm.AllocFlags{})
	if err != errs.Ok {
		return nil, err
	}
	bytes := c.p.Arena().At(addr, 1)
	n := config.PageSize / c.elementSize
	for i := 0; i < n; i++ {
		off := i * c.elementSize
		var next int32 = -1
		if i+1 < n {
			next = int32((i + 1) * c.elementSize)
		}
		writeNext(bytes, off, next)
	}
	r := &region{addr: addr, bytes: bytes, freeHead: 0, next: c.regions}
	c.regions = r
	return r, errs.Ok
}

// readNext/writeNext store the free-list "next" pointer as a little-endian
// int32 in the first four bytes of a free slot, exactly the role
// mem.Physpg_t.nexti plays for the physical-page free list (there, an
// index field; here, a value embedded directly in the otherwise-unused
// slot storage, since slab elements are not backed by a side array).
func readNext(b []byte, off int) int32 {
	return int32(uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24)
}

func writeNext(b []byte, off int, v int32) {
	u := uint32(v)
	b[off] = byte(u)
	b[off+1] = byte(u >> 8)
	b[off+2] = byte(u >> 16)
	b[off+3] = byte(u >> 24)
}

// RegionCount reports how many backing pages the cache currently holds,
// for tests and introspection.
func (c *Cache) RegionCount() int {
	n := 0
	for r := c.regions; r != nil; r = r.next {
		n++
	}
	return n
}
