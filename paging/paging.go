// Package paging implements four-level page tables and the fixed
// identity-map / recursive-mapping conventions, ported from biscuit's
// mem.go/dmap.go PTE bit layout and slot
// numbering. Where biscuit walks tables through a CPU's own recursive
// PML4 slot (a trick to reach arbitrary table pages via the MMU itself,
// since biscuit runs on real hardware), this package instead reaches
// table pages through paging.Window, a direct view over the PMM's
// simulated arena — the same role mem.Dmap plays, generalized from "one
// global direct map" to an explicit value so tests can construct
// independent arenas.
package paging

import (
	"unsafe"

	"anillo/config"
	"anillo/errs"
	"anillo/pmm"
)

// PTE bit layout, ported directly from mem.go.
const (
	PTE_P      uint64 = 1 << 0 // present
	PTE_W      uint64 = 1 << 1 // writable
	PTE_U      uint64 = 1 << 2 // user-accessible
	PTE_PCD    uint64 = 1 << 4 // cache disable
	PTE_A      uint64 = 1 << 5 // accessed
	PTE_D      uint64 = 1 << 6 // dirty
	PTE_PS     uint64 = 1 << 7 // large page
	PTE_G      uint64 = 1 << 8 // global
	PTE_COW    uint64 = 1 << 9 // copy-on-write (software-defined bit)
	PTE_WASCOW uint64 = 1 << 10
)

// PTE_ADDR masks the address bits of a page-table entry.
const PTE_ADDR uint64 = 0x000ffffffffff000

// SentinelBindOnDemand is stored in an otherwise-inactive entry's address
// field to tell the fault handler "allocate or fetch a frame for this
// slot before resuming" on bind-on-demand slots.
// It is chosen distinct from any value PTE_ADDR could hold for a present
// mapping, since the sentinel entry always has PTE_P clear.
const SentinelBindOnDemand uint64 = 1 << 11

// Reserved top-level (PML4) slot numbers, ported from mem/dmap.go. Each
// slot covers 1<<39 bytes (512 GiB).
const (
	SlotRecursive = 0x42
	SlotDirect    = 0x44
	SlotKernelEnd = 0x50
	SlotUserFirst = 0x59
)

// UserMin is the lowest user-space virtual address.
const UserMin = uintptr(SlotUserFirst) << 39

// VirtAddr is a virtual address within one address space.
type VirtAddr uintptr

// PTE is one page-table entry: physical address bits plus flag bits, the
// same packing biscuit's Pa_t-typed entries use.
type PTE uint64

func (e PTE) Present() bool { return uint64(e)&PTE_P != 0 }
func (e PTE) Addr() pmm.PhysAddr {
	return pmm.PhysAddr(uint64(e) & PTE_ADDR)
}
func (e PTE) Flags() uint64 { return uint64(e) &^ PTE_ADDR }
func (e PTE) IsSentinel() bool {
	return !e.Present() && uint64(e)&SentinelBindOnDemand != 0
}

// MakePTE packs a physical address and flag bits into a PTE.
func MakePTE(addr pmm.PhysAddr, flags uint64) PTE {
	return PTE(uint64(addr)&PTE_ADDR | (flags &^ PTE_ADDR))
}

// Table is one level of a four-level page table: 512 nine-bit-indexed
// entries, matching mem.Pmap_t.
type Table struct {
	Entries [512]PTE
}

// Window provides direct byte-level access to table (and data) pages
// backed by a pmm.Arena, standing in for the fixed identity-map window
// mem.Dmap exposes on real hardware.
type Window struct {
	arena *pmm.Arena
}

// NewWindow wraps arena for table access.
func NewWindow(arena *pmm.Arena) *Window { return &Window{arena: arena} }

// Table returns a pointer to the Table stored at the given physical
// frame address. The pointer aliases the arena's backing bytes directly,
// exactly as mem.Dmap returns a *Pg_t alias rather than a copy.
func (w *Window) Table(addr pmm.PhysAddr) *Table {
	b := w.arena.At(addr, 1)
	return (*Table)(unsafe.Pointer(&b[0]))
}

// NewTable allocates a zero-filled frame from p and returns it as a
// table, for use as a new page-table level.
func NewTable(p *pmm.PMM, w *Window) (pmm.PhysAddr, *Table, errs.Err_t) {
	addr, _, err := p.Allocate(1, pmm.AllocFlags{Zero: true})
	if err != errs.Ok {
		return 0, nil, err
	}
	return addr, w.Table(addr), errs.Ok
}

// indices returns the four 9-bit page-table indices encoded in va, from
// the most to the least significant, matching mem.pgbits.
func indices(va VirtAddr) (l4, l3, l2, l1 int) {
	v := uint(va)
	idx := func(level uint) int {
		return int((v >> (12 + 9*level)) & 0x1ff)
	}
	return idx(3), idx(2), idx(1), idx(0)
}

// PageOffset masks the byte offset within a page out of a virtual
// address.
func PageOffset(va VirtAddr) uintptr {
	return uintptr(va) & uintptr(config.PageSize-1)
}
