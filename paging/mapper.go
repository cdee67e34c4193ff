package paging

import (
	"anillo/config"
	"anillo/errs"
	"anillo/pmm"
)

// Mapper walks and edits one address space's four-level page table,
// rooted at Root. It plays the role mem.Pmap_t's walk helpers
// (pmap_walk, pmap_mappages) play in biscuit, generalized into a
// value type so multiple address spaces can be manipulated concurrently
// through one shared Window.
type Mapper struct {
	w    *Window
	pmm  *pmm.PMM
	Root pmm.PhysAddr
}

// NewMapper allocates a fresh, zeroed top-level table and returns a
// Mapper rooted at it.
func NewMapper(p *pmm.PMM, w *Window) (*Mapper, errs.Err_t) {
	addr, _, err := NewTable(p, w)
	if err != errs.Ok {
		return nil, err
	}
	return &Mapper{w: w, pmm: p, Root: addr}, errs.Ok
}

// MirrorKernelSlots copies the kernel's shared top-level entries (every
// slot from SlotDirect through SlotKernelEnd inclusive) from src into m's
// root table, establishing the "every address space sees the same kernel
// mappings above UserMin" invariant a fresh AddressSpace needs. Grounded
// on dmap.Dmap_init installing the direct map once into the boot pmap and
// every subsequent Proc_new copying that slot range into its own pmap.
func (m *Mapper) MirrorKernelSlots(src *Mapper) {
	dst := m.w.Table(m.Root)
	srcTbl := src.w.Table(src.Root)
	for i := SlotDirect; i <= SlotKernelEnd; i++ {
		dst.Entries[i] = srcTbl.Entries[i]
	}
}

// walkL2 descends the top two levels (L4, L3) toward va, allocating
// intermediate tables as needed when create is true, and returns the
// level-2 table itself plus va's index within it. Both the level-1 walk
// and the large-page install path share this descent, since a 2 MiB
// entry lives directly in the level-2 table rather than one level below.
func (m *Mapper) walkL2(va VirtAddr, create bool) (tbl *Table, idx int, ok bool, err errs.Err_t) {
	l4, l3, l2, _ := indices(va)
	cur := m.w.Table(m.Root)
	for _, lvlIdx := range []int{l4, l3} {
		e := cur.Entries[lvlIdx]
		if e.Present() && uint64(e)&PTE_PS != 0 {
			// biscuit's tables never nest a large page above level 2, so
			// seeing PTE_PS this high means a caller mixed up granularities.
			return nil, 0, false, errs.AlreadyInProgress
		}
		if !e.Present() {
			if !create {
				return nil, 0, false, errs.Ok
			}
			addr, _, aerr := NewTable(m.pmm, m.w)
			if aerr != errs.Ok {
				return nil, 0, false, aerr
			}
			cur.Entries[lvlIdx] = MakePTE(addr, PTE_P|PTE_W|PTE_U)
			cur = m.w.Table(addr)
		} else {
			cur = m.w.Table(e.Addr())
		}
	}
	return cur, l2, true, errs.Ok
}

// walk descends toward va's level-1 PTE, allocating intermediate tables
// (including the level-1 table itself) as needed when create is true.
// If a 2 MiB entry already occupies va's level-2 slot, walk reports it
// via large=true rather than continuing on to a level-1 table that
// doesn't exist for a large mapping, so callers can tell "no level-1
// table" apart from "level-1 granularity doesn't apply here."
func (m *Mapper) walk(va VirtAddr, create bool) (tbl *Table, idx int, large, ok bool, err errs.Err_t) {
	_, _, l2idx, l1idx := indices(va)
	l2tbl, _, ok, err := m.walkL2(va, create)
	if err != errs.Ok || !ok {
		return nil, 0, false, ok, err
	}
	l2e := l2tbl.Entries[l2idx]
	if l2e.Present() && uint64(l2e)&PTE_PS != 0 {
		return l2tbl, l2idx, true, true, errs.Ok
	}
	if !l2e.Present() {
		if !create {
			return nil, 0, false, false, errs.Ok
		}
		addr, _, aerr := NewTable(m.pmm, m.w)
		if aerr != errs.Ok {
			return nil, 0, false, false, aerr
		}
		l2tbl.Entries[l2idx] = MakePTE(addr, PTE_P|PTE_W|PTE_U)
		return m.w.Table(addr), l1idx, false, true, errs.Ok
	}
	return m.w.Table(l2e.Addr()), l1idx, false, true, errs.Ok
}

// MapFixed installs a present mapping from va to pa with the given
// flags, allocating any missing intermediate tables. Installing over an
// already-present leaf overwrites it outright, per spec: Mapper tracks
// no frame ownership or refcounts, so whatever physical frame the old
// entry pointed at is the caller's concern (mapping.Mapping already
// drops a slot's prior binding before rebinding it, so by the time
// MapFixed runs the old frame has already been accounted for). A 2 MiB
// entry already covering va is a genuine granularity mismatch rather
// than an ordinary remap, and is rejected instead.
func (m *Mapper) MapFixed(va VirtAddr, pa pmm.PhysAddr, flags uint64) errs.Err_t {
	tbl, idx, large, _, err := m.walk(va, true)
	if err != errs.Ok {
		return err
	}
	if large {
		return errs.AlreadyInProgress
	}
	tbl.Entries[idx] = MakePTE(pa, flags|PTE_P)
	return errs.Ok
}

// MapFixedLarge installs a single 2 MiB entry at va (which must be
// 2 MiB-aligned) mapping the physically contiguous run starting at pa,
// setting PTE_PS. Callers are expected to have already checked
// CanUseLargePage for at least this one 2 MiB chunk; MapRange does this
// automatically when walking a longer run. Like MapFixed, an existing
// entry at va's level-2 slot is overwritten rather than rejected.
func (m *Mapper) MapFixedLarge(va VirtAddr, pa pmm.PhysAddr, flags uint64) errs.Err_t {
	tbl, idx, _, err := m.walkL2(va, true)
	if err != errs.Ok {
		return err
	}
	tbl.Entries[idx] = MakePTE(pa, flags|PTE_P|PTE_PS)
	return errs.Ok
}

// MapRange installs pageCount 4 KiB pages starting at (va, pa), upgrading
// to 2 MiB entries wherever CanUseLargePage says the remaining run is
// aligned and long enough, and falling back to one MapFixed call per page
// otherwise. pa..pa+pageCount*PageSize is assumed physically contiguous,
// the same precondition CanUseLargePage already documents; it is the
// caller's job to only present a contiguous run (a single
// pmm.PMM.Allocate(pageCount, ...) call yields one, since the buddy
// allocator returns one contiguous block per allocation).
//
// This is the only production call site that actually installs a large
// page: a single 1 GiB (level-3) entry is never installed anywhere, since
// nothing in this module allocates or guarantees 1 GiB-aligned contiguous
// runs to upgrade into one — a documented gap, not an oversight.
func (m *Mapper) MapRange(va VirtAddr, pa pmm.PhysAddr, pageCount int, flags uint64) errs.Err_t {
	for pageCount > 0 {
		if CanUseLargePage(va, pa, pageCount) {
			if err := m.MapFixedLarge(va, pa, flags); err != errs.Ok {
				return err
			}
			const largePages = (1 << 21) / config.PageSize
			va += VirtAddr(largePages * config.PageSize)
			pa += pmm.PhysAddr(largePages * config.PageSize)
			pageCount -= largePages
			continue
		}
		if err := m.MapFixed(va, pa, flags); err != errs.Ok {
			return err
		}
		va += VirtAddr(config.PageSize)
		pa += pmm.PhysAddr(config.PageSize)
		pageCount--
	}
	return errs.Ok
}

// MapSentinel installs a non-present, bind-on-demand placeholder at va,
// so a later fault can tell "unmapped" from "allocate lazily" apart.
// Unlike MapFixed, an already-present entry (of either granularity)
// blocks the sentinel rather than being overwritten: a sentinel only
// ever makes sense where nothing real is mapped yet.
func (m *Mapper) MapSentinel(va VirtAddr) errs.Err_t {
	tbl, idx, large, _, err := m.walk(va, true)
	if err != errs.Ok {
		return err
	}
	if large || tbl.Entries[idx].Present() {
		return errs.AlreadyInProgress
	}
	tbl.Entries[idx] = PTE(SentinelBindOnDemand)
	return errs.Ok
}

// Unmap clears any mapping (present, sentinel, or a 2 MiB large-page
// entry) at va. It is a no-op if nothing was mapped there. Clearing a
// large entry through a small-granularity va unmaps the whole 2 MiB
// region it covers, matching the entry actually found rather than
// silently treating it as unmapped.
func (m *Mapper) Unmap(va VirtAddr) {
	tbl, idx, _, ok, _ := m.walk(va, false)
	if !ok || tbl == nil {
		return
	}
	tbl.Entries[idx] = 0
}

// Translate returns the PTE currently installed at va along with whether
// an entry covering it exists at all (level-1 leaf or a covering 2 MiB
// large-page entry).
func (m *Mapper) Translate(va VirtAddr) (PTE, bool) {
	tbl, idx, _, ok, _ := m.walk(va, false)
	if !ok || tbl == nil {
		return 0, false
	}
	return tbl.Entries[idx], true
}

// CanUseLargePage reports whether a run of pageCount pages starting at
// (va, pa) is aligned and long enough to be installed as a single
// 2 MiB entry, generalized from dmap.Dmap_init's one-shot CPUID-gated
// (gbpages) large-page selection at boot into a reusable predicate
// MapRange consults one 2 MiB chunk at a time.
func CanUseLargePage(va VirtAddr, pa pmm.PhysAddr, pageCount int) bool {
	const largePages = (1 << 21) / config.PageSize // 2 MiB / 4 KiB = 512
	return uintptr(va)%(1<<21) == 0 && uintptr(pa)%(1<<21) == 0 && pageCount >= largePages
}
