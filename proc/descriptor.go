package proc

import (
	"sync"

	"anillo/config"
	"anillo/errs"
)

// VTable describes how a descriptor's opaque object participates in
// refcounting: Retain is called when the object is installed, Release
// when the descriptor holding it is uninstalled. Grounded on
// biscuit/src/fd's Fd_t/Fdops_i pattern (a descriptor stores an opaque
// handle plus an interface describing operations on it), generalized
// from "file descriptor + file ops" to "any retainable
// kernel object + its vtable" so the same table serves channel
// endpoints, mappings, and monitors alike.
type VTable interface {
	Retain(obj interface{})
	Release(obj interface{})
}

type descEntry struct {
	obj   interface{}
	vt    VTable
	inUse bool
}

// DescriptorTable is a process's small-integer-keyed table of installed
// objects.
type DescriptorTable struct {
	mu           sync.Mutex
	entries      []descEntry
	nextLowest   errs.Did_t
}

// NewDescriptorTable creates an empty table that grows on demand up to
// config.MaxDescriptors entries.
func NewDescriptorTable() *DescriptorTable {
	return &DescriptorTable{entries: make([]descEntry, 0, 64)}
}

// Install chooses the cached next-lowest free did, retains obj through
// vt, stores the pair, and recomputes the next-lowest hint.
func (t *DescriptorTable) Install(obj interface{}, vt VTable) (errs.Did_t, errs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	did := t.nextLowest
	if int(did) >= config.MaxDescriptors {
		return 0, errs.ResourceUnavailable
	}
	for int(did) >= len(t.entries) {
		t.entries = append(t.entries, descEntry{})
	}
	vt.Retain(obj)
	t.entries[did] = descEntry{obj: obj, vt: vt, inUse: true}
	t.nextLowest = t.computeNextLowest(did + 1)
	return did, errs.Ok
}

// Attach installs obj at a fresh did like Install, but without calling
// vt.Retain — for moving a reference produced by Detach (elsewhere, or
// in another process's table) into a new slot without double-counting
// it.
func (t *DescriptorTable) Attach(obj interface{}, vt VTable) (errs.Did_t, errs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	did := t.nextLowest
	if int(did) >= config.MaxDescriptors {
		return 0, errs.ResourceUnavailable
	}
	for int(did) >= len(t.entries) {
		t.entries = append(t.entries, descEntry{})
	}
	t.entries[did] = descEntry{obj: obj, vt: vt, inUse: true}
	t.nextLowest = t.computeNextLowest(did + 1)
	return did, errs.Ok
}

// computeNextLowest scans forward from hint for the first free slot,
// matching biscuit-style "recompute hint" convention used for the
// physical-page and pmap free-list indices in mem.go.
func (t *DescriptorTable) computeNextLowest(hint errs.Did_t) errs.Did_t {
	for int(hint) < len(t.entries) && t.entries[hint].inUse {
		hint++
	}
	return hint
}

// Uninstall releases did's stored object through its vtable and frees
// the slot. It lowers the next-lowest hint if did is smaller.
func (t *DescriptorTable) Uninstall(did errs.Did_t) errs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()

	if did < 0 || int(did) >= len(t.entries) || !t.entries[did].inUse {
		return errs.NoSuchResource
	}
	e := t.entries[did]
	t.entries[did] = descEntry{}
	e.vt.Release(e.obj)
	if did < t.nextLowest {
		t.nextLowest = did
	}
	return errs.Ok
}

// Detach frees did's slot and returns its stored object and vtable
// without calling Release — for the handle-transfer path, where
// ownership of the object moves into a message attachment instead of
// being destroyed.
func (t *DescriptorTable) Detach(did errs.Did_t) (interface{}, VTable, errs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if did < 0 || int(did) >= len(t.entries) || !t.entries[did].inUse {
		return nil, nil, errs.NoSuchResource
	}
	e := t.entries[did]
	t.entries[did] = descEntry{}
	if did < t.nextLowest {
		t.nextLowest = did
	}
	return e.obj, e.vt, errs.Ok
}

// Lookup returns did's stored object and vtable. If retain is true, the
// object is retained again before being returned (an additional
// reference the caller is responsible for releasing).
func (t *DescriptorTable) Lookup(did errs.Did_t, retain bool) (interface{}, VTable, errs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if did < 0 || int(did) >= len(t.entries) || !t.entries[did].inUse {
		return nil, nil, errs.NoSuchResource
	}
	e := t.entries[did]
	if retain {
		e.vt.Retain(e.obj)
	}
	return e.obj, e.vt, errs.Ok
}

// CloseAll uninstalls every live descriptor, releasing each through its
// vtable, as part of the process destruction protocol.
func (t *DescriptorTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for did := range t.entries {
		if t.entries[did].inUse {
			e := t.entries[did]
			t.entries[did] = descEntry{}
			e.vt.Release(e.obj)
		}
	}
	t.nextLowest = 0
}
