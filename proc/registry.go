package proc

import (
	"sync"

	"anillo/errs"
	"anillo/mapping"
	"anillo/paging"
)

// RegistryEntry records one installed mapping's placement in an address
// space.
type RegistryEntry struct {
	VirtStart      paging.VirtAddr
	PageCount      int
	Flags          uint64
	BackingMapping *mapping.Mapping // nil for anonymous, unmanaged ranges
}

func (e *RegistryEntry) contains(addr paging.VirtAddr) bool {
	end := e.VirtStart + paging.VirtAddr(e.PageCount)*4096
	return addr >= e.VirtStart && addr < end
}

func (e *RegistryEntry) overlaps(other RegistryEntry) bool {
	aEnd := e.VirtStart + paging.VirtAddr(e.PageCount)*4096
	bEnd := other.VirtStart + paging.VirtAddr(other.PageCount)*4096
	return e.VirtStart < bEnd && other.VirtStart < aEnd
}

// MappingRegistry is a process's flat list of installed-mapping records,
// : register/lookup/unregister operate by
// containing-range match; register on an overlapping range fails.
type MappingRegistry struct {
	mu      sync.Mutex
	entries []RegistryEntry
}

// NewMappingRegistry creates an empty registry.
func NewMappingRegistry() *MappingRegistry {
	return &MappingRegistry{}
}

// Register records a new entry, failing with AlreadyInProgress if it
// overlaps any existing entry.
func (r *MappingRegistry) Register(e RegistryEntry) errs.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entries {
		if existing.overlaps(e) {
			return errs.AlreadyInProgress
		}
	}
	r.entries = append(r.entries, e)
	return errs.Ok
}

// Lookup returns the entry containing addr, if any.
func (r *MappingRegistry) Lookup(addr paging.VirtAddr) (RegistryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.contains(addr) {
			return e, true
		}
	}
	return RegistryEntry{}, false
}

// Unregister removes the entry containing addr, returning it.
func (r *MappingRegistry) Unregister(addr paging.VirtAddr) (RegistryEntry, errs.Err_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.contains(addr) {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return e, errs.Ok
		}
	}
	return RegistryEntry{}, errs.NoSuchResource
}

// Destroy releases every backing mapping still registered, as part of
// the process destruction protocol.
func (r *MappingRegistry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.BackingMapping != nil {
			e.BackingMapping.Release()
		}
	}
	r.entries = nil
}
