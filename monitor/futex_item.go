package monitor

import (
	"anillo/locks"
	"anillo/paging"
	"anillo/proc"
)

// futexSource hooks a KindFutex item to a process's futex waitqueue:
// when enabled, it must atomically (under the futex waitq's lock)
// compare the current value at the futex address to expected_value,
// firing immediately if unequal. Futex items are
// required to be edge-triggered and active-high: Load reads the
// word live each time, so an already-stale value fires on enable
// instead of waiting for some future Wake that may never come.
type futexSource struct {
	Futexes  *proc.FutexTable
	Addr     paging.VirtAddr
	Expected uint32
	Load     func() uint32

	waiter *locks.Waiter
}

// NewFutexSource builds the KindFutex binding for addr within futexes,
// for use as an ItemSpec's Futex field. load must read the current
// value at addr the same way the matching futex wait/wake calls do.
func NewFutexSource(futexes *proc.FutexTable, addr paging.VirtAddr, expected uint32, load func() uint32) *futexSource {
	return &futexSource{Futexes: futexes, Addr: addr, Expected: expected, Load: load}
}

func (s *futexSource) enable(m *Monitor, it *item) {
	q := s.Futexes.QueueFor(s.Addr)

	w := &locks.Waiter{}
	w.Callback = func(interface{}) {
		if m.fire(it, EvFutexSignaled) {
			q.Wait(w)
		}
	}

	q.Mu.Lock()
	mismatched := s.Load() != s.Expected
	q.Wait(w)
	q.Mu.Unlock()

	s.waiter = w
	if mismatched {
		m.fire(it, EvFutexSignaled)
	}
}

func (s *futexSource) disable(m *Monitor, it *item) {
	if s.waiter == nil {
		return
	}
	q := s.Futexes.QueueFor(s.Addr)
	q.Mu.Lock()
	q.Unwait(s.waiter)
	q.Mu.Unlock()
	s.waiter = nil
}

func (s *futexSource) matches(other hookSource) bool {
	o, ok := other.(*futexSource)
	return ok && o.Futexes == s.Futexes && o.Addr == s.Addr && o.Expected == s.Expected
}
