// Package pmm implements the physical memory manager: a buddy allocator
// over frames carved out of a simulated physical arena.
//
// biscuit runs on bare metal, where "physical memory" is
// whatever the firmware memory map says it is; mem.Phys_init instead
// harvests pages one at a time from the Go runtime via runtime.Get_phys().
// Outside a freestanding build there is no runtime.Get_phys, so this
// package backs the arena with a single large anonymous mmap (via
// golang.org/x/sys/unix, the one dependency biscuit's own go.mod
// requires that kernel-shaped code can actually use) and reports it to the
// allocator as one firmware-style region. cmd/anillosim mlocks the arena
// so demonstration allocations are never paged out from under the
// allocator.
package pmm

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"anillo/config"
)

// PhysAddr is a byte offset into the simulated physical arena. It plays
// the role of biscuit's mem.Pa_t.
type PhysAddr uintptr

// Arena owns the raw backing bytes for the simulated physical address
// space. Frame 0 of the arena is PhysAddr(0).
type Arena struct {
	bytes  []byte
	frames int
}

// NewArena mmaps an anonymous, zero-filled region of the given number of
// page-size frames and returns an Arena backed by it.
func NewArena(frames int) (*Arena, error) {
	if frames <= 0 {
		return nil, fmt.Errorf("pmm: frame count must be positive")
	}
	size := frames * config.PageSize
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pmm: mmap %d bytes: %w", size, err)
	}
	return &Arena{bytes: b, frames: frames}, nil
}

// Close unmaps the arena's backing memory. Arenas created for tests
// should always Close; cmd/anillosim leaves its arena mapped for the
// process lifetime.
func (a *Arena) Close() error {
	if a.bytes == nil {
		return nil
	}
	err := unix.Munmap(a.bytes)
	a.bytes = nil
	return err
}

// Frames reports the arena's total frame count.
func (a *Arena) Frames() int { return a.frames }

// Bytes returns the full backing slice, a []byte view over the whole
// physical range without a virtual alias, much as mem.Dmap gives via the
// fixed identity-map window. paging.Window reaches frames through At
// instead.
func (a *Arena) Bytes() []byte { return a.bytes }

// At returns a byte slice view of the page-aligned frame at addr spanning
// pageCount pages. It panics if the range falls outside the arena, which
// indicates a PMM invariant violation rather than a recoverable error.
func (a *Arena) At(addr PhysAddr, pageCount int) []byte {
	start := int(addr)
	end := start + pageCount*config.PageSize
	if start < 0 || end > len(a.bytes) || start%config.PageSize != 0 {
		panic("pmm: frame range out of bounds")
	}
	return a.bytes[start:end]
}

// Mlock pins the arena's pages in physical memory so a host OS won't swap
// out the simulated kernel's "physical" pages, mirroring the invariant a
// real PMM gets for free (actual physical memory never gets swapped out
// from under it).
func (a *Arena) Mlock() error {
	if a.bytes == nil {
		return nil
	}
	return unix.Mlock(a.bytes)
}

// region describes one contiguous range of frames under buddy management,
// analogous to one entry in a firmware memory map. Guarded by mu, matching
// biscuit's per-region Physmem_t.Mutex.
type region struct {
	mu        sync.Mutex
	startn    int // first frame index this region owns, in arena-frame units
	frames    int
	inUse     []bool      // per-frame allocated bit
	free      [config.MaxOrder + 1]map[int]struct{}
	freeCount int64
}

func newRegion(startn, frames int) *region {
	r := &region{startn: startn, frames: frames, inUse: make([]bool, frames)}
	for i := range r.free {
		r.free[i] = make(map[int]struct{})
	}
	return r
}
