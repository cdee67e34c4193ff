package proc

import (
	"context"

	"anillo/config"
	"anillo/errs"
	"anillo/hashtable"
	"anillo/locks"
	"anillo/paging"
)

// FutexTable is a process's private table of futex waitqueues, keyed by
// process-virtual address: futex identity is
// (process-or-shared-scope, address). Grounded on the waitq-based
// "lock, check condition, add waiter, unlock" pattern mandated for
// futex-style waits: Wait atomically (under the per-address
// WaitQ's own lock) compares the value at addr to expected before
// linking a waiter, so a concurrent Wake between the caller's read and
// its wait can never be missed.
type FutexTable struct {
	t *hashtable.Table_t[uint64, *locks.WaitQ]
}

// NewFutexTable creates an empty table sized per config.FutexTableBuckets.
func NewFutexTable() *FutexTable {
	return &FutexTable{t: hashtable.New[uint64, *locks.WaitQ](config.FutexTableBuckets, hashtable.HashUint64)}
}

// QueueFor exposes the per-address waitqueue backing addr, creating it
// on first use. Callers that install their own waiters directly (the
// monitor package's futex item binding, in particular) must follow the
// same "lock Mu, check the condition, Wait, unlock" discipline Wait
// itself uses below.
func (f *FutexTable) QueueFor(addr paging.VirtAddr) *locks.WaitQ {
	return f.queueFor(addr)
}

func (f *FutexTable) queueFor(addr paging.VirtAddr) *locks.WaitQ {
	key := uint64(addr)
	if q, ok := f.t.Get(key); ok {
		return q
	}
	q := &locks.WaitQ{}
	if !f.t.Set(key, q) {
		// lost the race to create it; use whichever one won.
		q, _ = f.t.Get(key)
	}
	return q
}

// Wait blocks the calling goroutine until Wake is called on addr, unless
// the value currently read through load differs from expected (in which
// case Wait returns immediately, matching a classic futex's atomic
// compare-before-block), or ctx is cancelled.
func (f *FutexTable) Wait(ctx context.Context, addr paging.VirtAddr, expected uint32, load func() uint32) errs.Err_t {
	q := f.queueFor(addr)

	q.Mu.Lock()
	if load() != expected {
		q.Mu.Unlock()
		return errs.TemporaryOutage
	}
	done := make(chan struct{})
	w := &locks.Waiter{Callback: func(interface{}) { close(done) }}
	q.Wait(w)
	q.Mu.Unlock()

	select {
	case <-done:
		return errs.Ok
	case <-ctx.Done():
		q.Mu.Lock()
		q.Unwait(w)
		q.Mu.Unlock()
		select {
		case <-done:
			// woken concurrently with our own cancellation; prefer the wake.
			return errs.Ok
		default:
		}
		return errs.Signaled
	}
}

// Wake wakes up to count waiters blocked on addr, returning the number
// actually woken.
func (f *FutexTable) Wake(addr paging.VirtAddr, count int) int {
	key := uint64(addr)
	q, ok := f.t.Get(key)
	if !ok {
		return 0
	}
	q.Mu.Lock()
	defer q.Mu.Unlock()
	return q.WakeMany(count)
}

// Destroy tears down the futex table, per process
// destruction protocol: every still-queued waiter is woken (its Wait
// returns Ok, as after an ordinary Wake) so no thread is left
// permanently blocked on a futex owned by a dying process.
func (f *FutexTable) Destroy() {
	for _, p := range f.t.Elems() {
		p.Value.Mu.Lock()
		for p.Value.Len() > 0 {
			p.Value.WakeMany(p.Value.Len())
		}
		p.Value.Mu.Unlock()
	}
}
