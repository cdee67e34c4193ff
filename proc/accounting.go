package proc

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accounting accumulates per-process CPU usage, ported from
// biscuit/src/accnt's Accnt_t: atomic counters for the hot add path, a
// mutex only for consistent multi-field snapshots (Fetch/Merge).
type Accounting struct {
	// UserNanos is nanoseconds of user-mode time consumed.
	UserNanos int64
	// SysNanos is nanoseconds of system-mode time consumed.
	SysNanos int64
	mu        sync.Mutex
}

// AddUser adds delta nanoseconds to the user-time counter.
func (a *Accounting) AddUser(delta int64) {
	atomic.AddInt64(&a.UserNanos, delta)
}

// AddSys adds delta nanoseconds to the system-time counter.
func (a *Accounting) AddSys(delta int64) {
	atomic.AddInt64(&a.SysNanos, delta)
}

// Now returns the current time in nanoseconds, the same clock basis
// AddUser/AddSys deltas are computed against.
func (a *Accounting) Now() int64 {
	return time.Now().UnixNano()
}

// Merge adds another Accounting's totals into this one, taking a's lock
// for a consistent combined snapshot, mirroring Accnt_t.Add.
func (a *Accounting) Merge(n *Accounting) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.UserNanos += atomic.LoadInt64(&n.UserNanos)
	a.SysNanos += atomic.LoadInt64(&n.SysNanos)
}

// Usage is a consistent snapshot of accumulated CPU time, mirroring the
// biscuit's rusage export (Accnt_t.To_rusage), without the userspace
// wire-format encoding step — callers needing that format call
// util.Writen themselves against Usage's fields.
type Usage struct {
	UserNanos int64
	SysNanos  int64
}

// Fetch takes a consistent snapshot of the accounting totals.
func (a *Accounting) Fetch() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Usage{UserNanos: a.UserNanos, SysNanos: a.SysNanos}
}
