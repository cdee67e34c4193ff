// Package mapping implements the shareable Mapping object: a refcounted
// description of N logical pages, each slot either
// unbound, a direct physical frame (optionally owned), or an indirect
// reference into another Mapping.
//
// Grounded on biscuit/src/mem/mem.go's per-page Refcnt (an atomic int32
// bumped by Refup/Refdown, the last Refdown returning the frame to the
// allocator) for the refcounting discipline, generalized from "one
// refcount per physical page" to "one refcount per Mapping object plus a
// per-slot owned bit" since a Mapping can describe frames it does not
// itself own (the indirect case).
package mapping

import (
	"sync"
	"sync/atomic"

	"anillo/config"
	"anillo/errs"
	"anillo/pmm"
)

// slotKind tags which variant a Mapping's slot currently holds.
type slotKind uint8

const (
	unbound slotKind = iota
	direct
	indirect
)

// slot_t describes one logical page's current backing.
type slot_t struct {
	kind  slotKind
	phys  pmm.PhysAddr // valid when kind == direct
	owned bool         // valid when kind == direct: do we own (and must free) phys?
	other *Mapping      // valid when kind == indirect
	oOff  int           // offset into other, valid when kind == indirect
}

// Flags controls Mapping creation and binding behavior.
type Flags struct {
	// Zero requests lazily allocated frames be zero-filled.
	Zero bool
}

// Mapping is a refcounted description of page_count logical pages, each
// independently unbound, direct, or indirect.
type Mapping struct {
	mu    sync.Mutex
	slots []slot_t
	flags Flags
	refs  int32 // atomic; starts at 1, mirrors mem.Physpg_t.Refcnt's convention

	p *pmm.PMM
}

// New creates a Mapping of page_count logical pages, all initially
// unbound, with an initial refcount of 1.
func New(p *pmm.PMM, pageCount int, flags Flags) (*Mapping, errs.Err_t) {
	if pageCount <= 0 {
		return nil, errs.InvalidArgument
	}
	return &Mapping{
		slots: make([]slot_t, pageCount),
		flags: flags,
		refs:  1,
		p:     p,
	}, errs.Ok
}

// PageCount returns the number of logical pages this Mapping describes.
func (m *Mapping) PageCount() int { return len(m.slots) }

// Refs reports the current refcount, for introspection and tests.
func (m *Mapping) Refs() int32 { return atomic.LoadInt32(&m.refs) }

// Retain increments the refcount, mirroring mem.Physmem_t.Refup.
func (m *Mapping) Retain() {
	atomic.AddInt32(&m.refs, 1)
}

// Release decrements the refcount. On the final release it walks every
// slot, freeing owned direct frames and releasing indirect references,
// mirroring mem.Physmem_t.Refdown's "last ref frees the frame" contract
// generalized to a whole Mapping's slot table.
func (m *Mapping) Release() {
	if atomic.AddInt32(&m.refs, -1) != 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.slots {
		s := &m.slots[i]
		switch s.kind {
		case direct:
			if s.owned {
				m.p.Free(s.phys, 1)
			}
		case indirect:
			s.other.Release()
		}
		*s = slot_t{}
	}
}

// Bind marks [offset, offset+count) as direct. If phys is 0 (NONE),
// Bind allocates a fresh frame per page in the range (owned); otherwise
// every page in the range shares the single caller-supplied frame,
// unowned (the caller retains responsibility for it), matching the
// `phys | NONE` duality used throughout this package.
func (m *Mapping) Bind(offset, count int, phys pmm.PhysAddr) errs.Err_t {
	if offset < 0 || count <= 0 || offset+count > len(m.slots) {
		return errs.InvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	allocated := make([]pmm.PhysAddr, 0, count)
	for i := 0; i < count; i++ {
		if phys != 0 {
			continue
		}
		pa, _, err := m.p.Allocate(1, pmm.AllocFlags{Zero: m.flags.Zero})
		if err != errs.Ok {
			for _, a := range allocated {
				m.p.Free(a, 1)
			}
			return err
		}
		allocated = append(allocated, pa)
	}

	for i := 0; i < count; i++ {
		s := &m.slots[offset+i]
		m.releaseSlotLocked(s)
		if phys != 0 {
			*s = slot_t{kind: direct, phys: phys, owned: false}
		} else {
			*s = slot_t{kind: direct, phys: allocated[i], owned: true}
		}
	}
	return errs.Ok
}

// BindIndirect marks [offset, offset+count) as indirect references into
// other starting at otherOffset, retaining other once per slot (each
// reference is released when its slot is rebound or this Mapping is
// destroyed).
func (m *Mapping) BindIndirect(offset, count int, other *Mapping, otherOffset int) errs.Err_t {
	if offset < 0 || count <= 0 || offset+count > len(m.slots) {
		return errs.InvalidArgument
	}
	if otherOffset < 0 || otherOffset+count > len(other.slots) {
		return errs.InvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < count; i++ {
		other.Retain()
		s := &m.slots[offset+i]
		m.releaseSlotLocked(s)
		*s = slot_t{kind: indirect, other: other, oOff: otherOffset + i}
	}
	return errs.Ok
}

// releaseSlotLocked tears down whatever the slot currently holds before
// it is overwritten. Caller must hold m.mu.
func (m *Mapping) releaseSlotLocked(s *slot_t) {
	switch s.kind {
	case direct:
		if s.owned {
			m.p.Free(s.phys, 1)
		}
	case indirect:
		s.other.Release()
	}
}

// Resolve returns the physical frame backing logical page index i,
// following indirect slots through up to 8 further mappings, or ok=false
// if the slot is unbound or the chain is longer than that.
func (m *Mapping) Resolve(i int) (pmm.PhysAddr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(i, 0)
}

func (m *Mapping) resolveLocked(i, depth int) (pmm.PhysAddr, bool) {
	if depth > 8 {
		// indirect chains are expected to be shallow (one level in
		// practice); this bounds a pathological cycle instead of
		// looping forever.
		return 0, false
	}
	if i < 0 || i >= len(m.slots) {
		return 0, false
	}
	s := &m.slots[i]
	switch s.kind {
	case direct:
		return s.phys, true
	case indirect:
		return s.other.resolveLocked(s.oOff, depth+1)
	default:
		return 0, false
	}
}

// EnsureBound resolves logical page i, lazily allocating and binding a
// fresh owned frame if the slot is currently unbound. syscall.Map calls
// it for every page of a mapping when it installs the page-table
// entries; no page-fault path calls it.
func (m *Mapping) EnsureBound(i int) (pmm.PhysAddr, errs.Err_t) {
	if pa, ok := m.Resolve(i); ok {
		return pa, errs.Ok
	}
	if err := m.Bind(i, 1, 0); err != errs.Ok {
		return 0, err
	}
	pa, _ := m.Resolve(i)
	return pa, errs.Ok
}

// PageShift exposes config.PageShift so callers translating logical page
// indices to byte offsets do not need to import config directly.
const PageShift = config.PageShift
