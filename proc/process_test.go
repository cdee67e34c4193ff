package proc

import (
	"context"
	"testing"
	"time"

	"anillo/errs"
)

func TestProcessRetainReleaseLifecycle(t *testing.T) {
	p := New(nil, nil)
	if p.ThreadCount() != 0 {
		t.Fatalf("expected no threads yet, got %d", p.ThreadCount())
	}

	n := NewThreadNote(errs.Tid_t(1))
	p.AddThread(n)
	if p.ThreadCount() != 1 {
		t.Fatalf("expected 1 thread, got %d", p.ThreadCount())
	}

	destroyed := make(chan struct{})
	go func() {
		p.WaitDeath()
		close(destroyed)
	}()

	// The user's own reference (held since New) plus the thread's
	// reference must both drop before destroy() runs.
	select {
	case <-destroyed:
		t.Fatal("process destroyed before any reference was dropped")
	case <-time.After(20 * time.Millisecond):
	}

	p.ThreadExit(n.Tid)
	select {
	case <-destroyed:
		t.Fatal("process destroyed while the user's reference is still held")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release()
	select {
	case <-destroyed:
	case <-time.After(time.Second):
		t.Fatal("WaitDeath never returned after the last reference dropped")
	}

	if p.Descriptors != nil {
		t.Fatal("expected descriptor table cleared after destroy")
	}
}

func TestProcessKeyedEntriesDestroyedOnDeath(t *testing.T) {
	p := New(nil, nil)
	var destroyedValue interface{}
	p.Keyed.Put("payload", func(v interface{}) { destroyedValue = v })

	n := NewThreadNote(errs.Tid_t(1))
	p.AddThread(n)
	p.ThreadExit(n.Tid)
	p.Release()

	if destroyedValue != "payload" {
		t.Fatalf("expected keyed destructor to run with \"payload\", got %v", destroyedValue)
	}
}

func TestProcessFutexWaitersWokenOnDeath(t *testing.T) {
	p := New(nil, nil)
	futexes := p.Futexes
	word := uint32(0)
	load := func() uint32 { return word }

	result := make(chan errs.Err_t, 1)
	go func() {
		result <- futexes.Wait(context.Background(), 0x1000, 0, load)
	}()

	time.Sleep(20 * time.Millisecond)

	n := NewThreadNote(errs.Tid_t(1))
	p.AddThread(n)
	p.ThreadExit(n.Tid)
	p.Release()

	select {
	case got := <-result:
		if got != errs.Ok {
			t.Fatalf("expected the woken futex wait to report Ok, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("futex waiter never woke up on process death")
	}
}

func TestProcessMultipleThreadsKeepItAlive(t *testing.T) {
	p := New(nil, nil)
	a := NewThreadNote(errs.Tid_t(1))
	b := NewThreadNote(errs.Tid_t(2))
	p.AddThread(a)
	p.AddThread(b)

	p.ThreadExit(a.Tid)
	if p.ThreadCount() != 1 {
		t.Fatalf("expected 1 remaining thread, got %d", p.ThreadCount())
	}
	if p.Descriptors == nil {
		t.Fatal("process should not be destroyed while a thread and the user ref remain")
	}

	p.ThreadExit(b.Tid)
	p.Release()
	if p.Descriptors != nil {
		t.Fatal("expected descriptor table cleared after final destroy")
	}
}

func TestProcessAccountingChargesThreadLifetime(t *testing.T) {
	p := New(nil, nil)
	n := NewThreadNote(errs.Tid_t(1))
	p.AddThread(n)

	time.Sleep(10 * time.Millisecond)
	p.ThreadExit(n.Tid)

	usage := p.Usage()
	if usage.UserNanos <= 0 {
		t.Fatalf("expected nonzero user time charged after thread exit, got %+v", usage)
	}

	p.Release()
}

func TestProcessAccountingMergesIntoParentOnDeath(t *testing.T) {
	parent := New(nil, nil)
	child := New(parent, nil)

	n := NewThreadNote(errs.Tid_t(1))
	child.AddThread(n)
	time.Sleep(10 * time.Millisecond)
	child.ThreadExit(n.Tid)

	childUsage := child.Usage()
	if childUsage.UserNanos <= 0 {
		t.Fatalf("expected the child to have accumulated usage before dying, got %+v", childUsage)
	}

	child.Release()

	parentUsage := parent.Usage()
	if parentUsage.UserNanos < childUsage.UserNanos {
		t.Fatalf("expected parent usage to absorb the dead child's usage, parent=%+v child=%+v", parentUsage, childUsage)
	}
}
