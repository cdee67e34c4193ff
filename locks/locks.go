// Package locks implements the core substrate's synchronization
// primitives: an interrupt-safe spinlock, a counting
// semaphore with try/interruptible variants, a recursive mutex, a
// reader/writer lock, and the waitqueue building block every blocking
// operation in proc/channel/monitor is built from.
//
// There is no lock package among the retained biscuit files — biscuit's
// real scheduler, spinlocks, and waitqueue live in its forked Go runtime
// (excluded as toolchain-fork code, not kernel code). The owner-tracking
// Mutex and RWMutex shapes are instead grounded on the reader/writer and
// owner-tagged mutex idioms the rest of the retrieval pack uses for
// hosted concurrency primitives (notably the Orizon runtime's io.Mutex/
// io.RWMutex, which wrap sync.Mutex/sync.RWMutex with an explicit owner
// field); the counting semaphore is grounded on
// golang.org/x/sync/semaphore.Weighted, the one semaphore implementation
// anywhere in the pack's go.mod dependency surface.
package locks

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"anillo/errs"
)

// IRQSpinlock is an interrupt-safe spinlock: acquiring it disables
// interrupts on the calling CPU and bumps an outstanding-disable count;
// releasing decrements the count and restores interrupts once it hits
// zero. In a hosted reimplementation there is no real
// interrupt controller, so the disable count is a plain counter that
// Lock and Unlock adjust and that has no other effect, while the
// spinlock itself is a standard mutex. The count is kept per lock, not
// per goroutine or CPU.
type IRQSpinlock struct {
	mu       sync.Mutex
	disabled int32 // atomic, outstanding disable count taken through this lock
}

// Lock disables interrupts (incrementing the outstanding count) and
// acquires the lock.
func (l *IRQSpinlock) Lock() {
	atomic.AddInt32(&l.disabled, 1)
	l.mu.Lock()
}

// Unlock releases the lock and decrements the outstanding-disable count,
// restoring interrupts when it reaches zero.
func (l *IRQSpinlock) Unlock() {
	l.mu.Unlock()
	atomic.AddInt32(&l.disabled, -1)
}

// InterruptsDisabled reports whether this spinlock currently holds at
// least one outstanding disable, for assertions.
func (l *IRQSpinlock) InterruptsDisabled() bool {
	return atomic.LoadInt32(&l.disabled) > 0
}

// Semaphore is a counting semaphore with up/down, try_down (never
// blocks), and down_interruptible (returns early on context
// cancellation).
type Semaphore struct {
	w *semaphore.Weighted
}

// semaphoreCapacity bounds how far a Semaphore's count can rise above
// its initial value. golang.org/x/sync/semaphore.Weighted models a fixed
// capacity consumed by Acquire and given back by Release (each Release
// must correspond to capacity previously Acquired, or it panics); to get
// an independent Up/Down counter out of that, NewSemaphore pre-acquires
// (capacity - initial) units so the remaining headroom equals initial,
// and Up/Down simply Release/Acquire one unit. The substrate's
// semaphores are bounded counters in practice (ring slot counts,
// descriptor limits), so a generous fixed capacity is sufficient rather
// than unbounded.
const semaphoreCapacity = 1 << 30

// NewSemaphore creates a Semaphore whose count starts at initial.
func NewSemaphore(initial int64) *Semaphore {
	w := semaphore.NewWeighted(semaphoreCapacity)
	if initial < semaphoreCapacity {
		if !w.TryAcquire(semaphoreCapacity - initial) {
			panic("locks.NewSemaphore: unreachable, fresh semaphore has full capacity")
		}
	}
	return &Semaphore{w: w}
}

// Up increments the semaphore's count, waking one blocked waiter if any.
func (s *Semaphore) Up() {
	s.w.Release(1)
}

// Down blocks until the count is positive, then decrements it.
func (s *Semaphore) Down() {
	_ = s.w.Acquire(context.Background(), 1)
}

// TryDown decrements the count without blocking, returning
// TemporaryOutage ("would block") if the count is currently zero.
func (s *Semaphore) TryDown() errs.Err_t {
	if s.w.TryAcquire(1) {
		return errs.Ok
	}
	return errs.TemporaryOutage
}

// DownInterruptible blocks until the count is positive or ctx is
// cancelled, returning Signaled in the latter case.
func (s *Semaphore) DownInterruptible(ctx context.Context) errs.Err_t {
	if err := s.w.Acquire(ctx, 1); err != nil {
		return errs.Signaled
	}
	return errs.Ok
}

// Mutex is recursive by definition: the same goroutine (identified by a
// caller-supplied holder token, since goroutines have no stable OS
// thread id) may re-acquire without deadlocking, and only the holder may
// unlock. The blocking path parks on a capacity-1
// token channel rather than spinning, so a Lock call that must wait
// yields the CPU like a real thread blocking in the scheduler.
type Mutex struct {
	initOnce sync.Once
	token    chan struct{} // holds one token when unlocked, empty when locked

	state  sync.Mutex // protects held/holder/depth below
	held   bool
	holder errs.Tid_t
	depth  int
}

func (m *Mutex) init() {
	m.initOnce.Do(func() {
		m.token = make(chan struct{}, 1)
		m.token <- struct{}{}
	})
}

// Lock acquires the mutex for holder, recursing if holder already owns
// it, blocking otherwise until the current holder fully unwinds.
func (m *Mutex) Lock(holder errs.Tid_t) {
	m.init()
	m.state.Lock()
	if m.held && m.holder == holder {
		m.depth++
		m.state.Unlock()
		return
	}
	m.state.Unlock()

	<-m.token
	m.state.Lock()
	m.held, m.holder, m.depth = true, holder, 1
	m.state.Unlock()
}

// Unlock releases one level of recursion for holder. Unlocking from a
// non-holder is a caller bug — only the holder may
// unlock — so it panics rather than silently corrupting lock state.
func (m *Mutex) Unlock(holder errs.Tid_t) {
	m.init()
	m.state.Lock()
	if !m.held || m.holder != holder {
		m.state.Unlock()
		panic("locks.Mutex: unlock by non-holder")
	}
	m.depth--
	done := m.depth == 0
	if done {
		m.held = false
		m.holder = 0
	}
	m.state.Unlock()
	if done {
		m.token <- struct{}{}
	}
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock(holder errs.Tid_t) errs.Err_t {
	m.init()
	m.state.Lock()
	if m.held && m.holder == holder {
		m.depth++
		m.state.Unlock()
		return errs.Ok
	}
	m.state.Unlock()

	select {
	case <-m.token:
		m.state.Lock()
		m.held, m.holder, m.depth = true, holder, 1
		m.state.Unlock()
		return errs.Ok
	default:
		return errs.TemporaryOutage
	}
}

// RWLock allows many concurrent readers or one writer, with try_ and
// _interruptible variants for both the read and write side.
//
// It is built as the classic readers-writer construction over a single
// binary Semaphore (resource) rather than sync.RWMutex: the first
// concurrent reader acquires resource on every reader's behalf, the
// last one releases it, and a writer acquires resource directly.
// Layering on Semaphore — rather than wrapping sync.RWMutex, which has
// no cancellable acquire — means RLock/Lock's try_ and _interruptible
// siblings fall out of Semaphore's own TryDown/DownInterruptible for
// free instead of needing a second, parallel locking mechanism.
type RWLock struct {
	initOnce sync.Once
	resource *Semaphore

	readCountMu sync.Mutex
	readCount   int
}

func (l *RWLock) init() {
	l.initOnce.Do(func() {
		l.resource = NewSemaphore(1)
	})
}

// RLock acquires a read lock, blocking only while a writer (or the
// first-reader transition itself) holds resource.
func (l *RWLock) RLock() {
	l.init()
	l.readCountMu.Lock()
	l.readCount++
	if l.readCount == 1 {
		l.resource.Down()
	}
	l.readCountMu.Unlock()
}

// RUnlock releases a read lock, releasing resource once the last reader
// leaves.
func (l *RWLock) RUnlock() {
	l.init()
	l.readCountMu.Lock()
	l.readCount--
	if l.readCount == 0 {
		l.resource.Up()
	}
	l.readCountMu.Unlock()
}

// Lock acquires the write lock, excluding every reader and any other
// writer.
func (l *RWLock) Lock() {
	l.init()
	l.resource.Down()
}

// Unlock releases the write lock.
func (l *RWLock) Unlock() {
	l.init()
	l.resource.Up()
}

// TryRLock attempts to acquire the read lock without blocking.
func (l *RWLock) TryRLock() errs.Err_t {
	l.init()
	l.readCountMu.Lock()
	defer l.readCountMu.Unlock()
	if l.readCount > 0 {
		l.readCount++
		return errs.Ok
	}
	if err := l.resource.TryDown(); err != errs.Ok {
		return err
	}
	l.readCount = 1
	return errs.Ok
}

// TryLock attempts to acquire the write lock without blocking.
func (l *RWLock) TryLock() errs.Err_t {
	l.init()
	return l.resource.TryDown()
}

// RLockInterruptible acquires a read lock like RLock, but returns
// Signaled early if ctx is cancelled before the lock is held. Only the
// first-reader transition actually waits on resource, mirroring RLock;
// a concurrent second reader completes immediately once a successful
// first acquire releases readCountMu. If the first acquire fails,
// readCount drops back to zero and the next reader waits on resource
// itself.
func (l *RWLock) RLockInterruptible(ctx context.Context) errs.Err_t {
	l.init()
	l.readCountMu.Lock()
	l.readCount++
	if l.readCount > 1 {
		l.readCountMu.Unlock()
		return errs.Ok
	}
	err := l.resource.DownInterruptible(ctx)
	if err != errs.Ok {
		l.readCount--
	}
	l.readCountMu.Unlock()
	return err
}

// LockInterruptible acquires the write lock like Lock, but returns
// Signaled early if ctx is cancelled before the lock is held.
func (l *RWLock) LockInterruptible(ctx context.Context) errs.Err_t {
	l.init()
	return l.resource.DownInterruptible(ctx)
}
