package locks

import "sync"

// Waiter is one entry on a WaitQ: a callback invoked (with its context)
// when woken, mirroring the `waiter = {callback, context}` record.
type Waiter struct {
	Callback func(ctx interface{})
	Context  interface{}

	next, prev *Waiter
	queued     bool
}

// WaitQ is a list of waiters with an exposed lock, so callers can
// implement the "lock, check condition, add waiter, unlock" pattern
// required to avoid lost wakeups between a condition check
// and a blocking wait: the same Mu guards both the caller's condition
// state and the queue itself, so a wake_many call racing with a
// wait/unwait call is always observed consistently by one or the other.
type WaitQ struct {
	Mu sync.Mutex

	head, tail *Waiter
	len        int
}

// Wait links w onto the end of the queue. Caller must hold Mu.
func (q *WaitQ) Wait(w *Waiter) {
	if w.queued {
		panic("locks.WaitQ: waiter already queued")
	}
	w.queued = true
	w.next, w.prev = nil, q.tail
	if q.tail != nil {
		q.tail.next = w
	} else {
		q.head = w
	}
	q.tail = w
	q.len++
}

// Unwait removes w from the queue if it is still linked. Caller must
// hold Mu. It is a no-op if w was already woken (and thus already
// unlinked) by WakeMany.
func (q *WaitQ) Unwait(w *Waiter) {
	if !w.queued {
		return
	}
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		q.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		q.tail = w.prev
	}
	w.next, w.prev = nil, nil
	w.queued = false
	q.len--
}

// WakeMany unlinks and invokes up to n waiters' callbacks, in FIFO
// order, returning the number actually woken. Caller must hold Mu; each
// callback runs synchronously while Mu is held, matching biscuit's
// convention elsewhere of running short wakeup hooks under the owning
// lock rather than deferring them.
func (q *WaitQ) WakeMany(n int) int {
	woken := 0
	for woken < n && q.head != nil {
		w := q.head
		q.Unwait(w)
		w.Callback(w.Context)
		woken++
	}
	return woken
}

// Len reports the number of currently queued waiters. Caller must hold
// Mu for a consistent read with respect to concurrent Wait/Unwait calls.
func (q *WaitQ) Len() int {
	return q.len
}
