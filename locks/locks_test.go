package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"anillo/errs"
)

func TestSemaphoreUpDown(t *testing.T) {
	s := NewSemaphore(1)
	s.Down()
	if err := s.TryDown(); err != errs.TemporaryOutage {
		t.Fatalf("expected TemporaryOutage on empty semaphore, got %v", err)
	}
	s.Up()
	if err := s.TryDown(); err != errs.Ok {
		t.Fatalf("expected Ok after Up, got %v", err)
	}
}

func TestSemaphoreDownInterruptible(t *testing.T) {
	s := NewSemaphore(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.DownInterruptible(ctx); err != errs.Signaled {
		t.Fatalf("expected Signaled on cancelled context, got %v", err)
	}
}

func TestMutexRecursiveAcquire(t *testing.T) {
	var m Mutex
	const me = errs.Tid_t(1)
	m.Lock(me)
	m.Lock(me) // must not deadlock
	m.Unlock(me)
	m.Unlock(me)

	if err := m.TryLock(errs.Tid_t(2)); err != errs.Ok {
		t.Fatalf("expected a fresh TryLock to succeed, got %v", err)
	}
	m.Unlock(errs.Tid_t(2))
}

func TestMutexOnlyHolderUnlocks(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic when a non-holder unlocks")
		}
	}()
	var m Mutex
	m.Lock(errs.Tid_t(1))
	m.Unlock(errs.Tid_t(2))
}

func TestMutexBlocksOtherHolder(t *testing.T) {
	var m Mutex
	m.Lock(errs.Tid_t(1))
	if err := m.TryLock(errs.Tid_t(2)); err != errs.TemporaryOutage {
		t.Fatalf("expected TemporaryOutage while another holder owns the lock, got %v", err)
	}

	done := make(chan struct{})
	go func() {
		m.Lock(errs.Tid_t(2))
		close(done)
		m.Unlock(errs.Tid_t(2))
	}()

	select {
	case <-done:
		t.Fatalf("second Lock should not have succeeded yet")
	case <-time.After(20 * time.Millisecond):
	}

	m.Unlock(errs.Tid_t(1))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("second Lock never acquired after first holder released")
	}
}

func TestRWLockManyReadersOneWriter(t *testing.T) {
	var l RWLock
	l.RLock()
	l.RLock()
	if err := l.TryLock(); err != errs.TemporaryOutage {
		t.Fatalf("expected writer to be blocked by active readers, got %v", err)
	}
	l.RUnlock()
	l.RUnlock()
	if err := l.TryLock(); err != errs.Ok {
		t.Fatalf("expected writer to acquire once readers release, got %v", err)
	}
	l.Unlock()
}

func TestWaitQWakeMany(t *testing.T) {
	var q WaitQ
	var mu sync.Mutex
	woken := []int{}

	q.Mu.Lock()
	for i := 0; i < 3; i++ {
		i := i
		q.Wait(&Waiter{Callback: func(interface{}) {
			mu.Lock()
			woken = append(woken, i)
			mu.Unlock()
		}})
	}
	n := q.WakeMany(2)
	q.Mu.Unlock()

	if n != 2 {
		t.Fatalf("expected 2 woken, got %d", n)
	}
	if len(woken) != 2 || woken[0] != 0 || woken[1] != 1 {
		t.Fatalf("expected FIFO wake order [0 1], got %v", woken)
	}
	q.Mu.Lock()
	if q.Len() != 1 {
		t.Fatalf("expected 1 waiter left queued, got %d", q.Len())
	}
	q.Mu.Unlock()
}

func TestWaitQUnwait(t *testing.T) {
	var q WaitQ
	q.Mu.Lock()
	defer q.Mu.Unlock()
	w1 := &Waiter{Callback: func(interface{}) {}}
	w2 := &Waiter{Callback: func(interface{}) {}}
	q.Wait(w1)
	q.Wait(w2)
	q.Unwait(w1)
	if q.Len() != 1 {
		t.Fatalf("expected 1 waiter after Unwait, got %d", q.Len())
	}
	if q.head != w2 {
		t.Fatalf("expected w2 to be the sole remaining head")
	}
}

func TestIRQSpinlock(t *testing.T) {
	var l IRQSpinlock
	if l.InterruptsDisabled() {
		t.Fatalf("expected interrupts enabled before Lock")
	}
	l.Lock()
	if !l.InterruptsDisabled() {
		t.Fatalf("expected interrupts disabled while held")
	}
	l.Unlock()
	if l.InterruptsDisabled() {
		t.Fatalf("expected interrupts restored after Unlock")
	}
}
