// Package proc implements the process model: a refcounted Process
// owning an address space, a thread list, a descriptor table, a mapping
// registry, a per-process keyed table, a private futex table, and the
// destruction protocol that tears all of these down when the last
// thread dies.
package proc

import (
	"sync"
	"sync/atomic"
	"time"

	"anillo/errs"
	"anillo/locks"
	"anillo/vmm"
)

// nextPid dispenses system-wide-unique process ids.
var nextPid uint64

func allocPid() errs.Pid_t {
	return errs.Pid_t(atomic.AddUint64(&nextPid, 1))
}

// Process owns one address space and everything that hangs off it,
// mirroring biscuit's Proc_t record:
// {refcount, address_space, thread_list, descriptor_table,
// mapping_registry, per_proc_keyed_table, futex_table, parent,
// children_death_waiters, id}.
type Process struct {
	ID     errs.Pid_t
	Parent *Process

	AddressSpace *vmm.AddressSpace
	Descriptors  *DescriptorTable
	Mappings     *MappingRegistry
	Keyed        *KeyedTable
	Futexes      *FutexTable
	Accounting   Accounting

	mu            sync.Mutex
	threads       map[errs.Tid_t]*ThreadNote
	destroyedFlag bool

	refs int32 // one ref per thread, plus one for "the user"

	deathWaiters locks.WaitQ
}

// New creates a process with no threads and a refcount of 1 (the
// user's reference — callers adding the first thread should call AddThread
// separately, which adds the thread's own reference on top).
func New(parent *Process, as *vmm.AddressSpace) *Process {
	return &Process{
		ID:           allocPid(),
		Parent:       parent,
		AddressSpace: as,
		Descriptors:  NewDescriptorTable(),
		Mappings:     NewMappingRegistry(),
		Keyed:        NewKeyedTable(),
		Futexes:      NewFutexTable(),
		threads:      make(map[errs.Tid_t]*ThreadNote),
		refs:         1,
	}
}

// Retain adds a reference to the process (the user, or a new thread,
// taking a reference).
func (p *Process) Retain() {
	atomic.AddInt32(&p.refs, 1)
}

// Release drops a reference, destroying the process on the last one.
func (p *Process) Release() {
	if atomic.AddInt32(&p.refs, -1) == 0 {
		p.destroy()
	}
}

// AddThread registers a new thread note under the process and retains
// the process on its behalf (each thread holds one reference).
func (p *Process) AddThread(n *ThreadNote) {
	p.mu.Lock()
	p.threads[n.Tid] = n
	p.mu.Unlock()
	p.Retain()
}

// ThreadExit marks tid's thread note no longer alive, removes it from
// the thread list, charges the time it was resident against the
// process's Accounting, and releases the process's per-thread reference.
// If this was the last thread, Release's refcount drop triggers
// destroy(). This hosted simulator has no real ring 0/ring 3 split to
// separate user from system time, so a thread's whole resident lifetime
// is charged as user time, mirroring the coarsest case of biscuit's
// Accnt_t bookkeeping rather than its Sys_pgfault-style per-trap split.
func (p *Process) ThreadExit(tid errs.Tid_t) {
	p.mu.Lock()
	if n, ok := p.threads[tid]; ok {
		n.Exit()
		delete(p.threads, tid)
		p.Accounting.AddUser(time.Since(n.Started).Nanoseconds())
	}
	p.mu.Unlock()
	p.Release()
}

// Usage takes a consistent snapshot of this process's accumulated CPU
// time.
func (p *Process) Usage() Usage {
	return p.Accounting.Fetch()
}

// ThreadCount reports the number of live threads.
func (p *Process) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// WaitDeath blocks the caller until the process has fully destroyed
// itself (its last thread died and the destruction protocol ran).
// Implemented with a WaitQ rather than a channel close so an arbitrary
// number of waiters can register concurrently with destroy() racing in,
// matching the "children_death_waiters" field in biscuit's Process
// record.
func (p *Process) WaitDeath() {
	p.deathWaiters.Mu.Lock()
	if atomic.LoadInt32(&p.refs) == 0 && p.destroyed() {
		p.deathWaiters.Mu.Unlock()
		return
	}
	done := make(chan struct{})
	p.deathWaiters.Wait(&locks.Waiter{Callback: func(interface{}) { close(done) }})
	p.deathWaiters.Mu.Unlock()
	<-done
}

func (p *Process) destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyedFlag
}

// destroy runs the process destruction protocol in a fixed order:
// wake death-waiters, destroy per-process keyed
// entries (calling destructors), tear down the futex table, close every
// descriptor, destroy the mapping registry, destroy the address space,
// merge accumulated CPU accounting into the parent, drop the parent
// reference, and release the last internal reference on itself (here:
// there is nothing further to release in this Go reimplementation,
// since the Process struct itself is reclaimed by the garbage collector
// rather than by an explicit final free).
func (p *Process) destroy() {
	p.mu.Lock()
	p.destroyedFlag = true
	p.mu.Unlock()

	p.deathWaiters.Mu.Lock()
	p.deathWaiters.WakeMany(p.deathWaiters.Len())
	p.deathWaiters.Mu.Unlock()

	p.Keyed.DestroyAll()
	p.Futexes.Destroy()
	p.Descriptors.CloseAll()
	p.Mappings.Destroy()

	p.mu.Lock()
	defer p.mu.Unlock()
	// A dying process folds its accumulated CPU time into its parent's
	// Accounting, mirroring Accnt_t.Add's role in biscuit's wait4/rusage
	// reaping path, so a parent's reported usage includes time spent by
	// children that have already exited.
	if p.Parent != nil {
		p.Parent.Accounting.Merge(&p.Accounting)
	}
	// AddressSpace teardown: vmm.AddressSpace does not itself own a
	// Destroy method (its lifetime is the arena's), so nothing further
	// runs here beyond dropping this process's reference to it.
	p.AddressSpace = nil
	p.Descriptors = nil
	p.Mappings = nil
	p.Keyed = nil
	p.Futexes = nil
	p.Parent = nil
}
