package proc

import (
	"sync"
	"time"

	"anillo/errs"
)

// ThreadNote tracks per-thread state, ported from biscuit/src/tinfo's
// Tnote_t. biscuit keeps the current thread's Tnote_t reachable
// through a dedicated Go-runtime-fork field (runtime.Gptr/Setgptr) since
// real goroutines have no per-goroutine user data slot; that field does
// not exist in an unmodified runtime, so ThreadNote is instead looked up
// through an explicit *ThreadNote argument threaded through call sites
// (proc.Process.threads), generalizing biscuit's implicit
// thread-local access into an explicit token.
type ThreadNote struct {
	Tid    errs.Tid_t
	Alive  bool
	Killed bool

	// Started records when this thread began running, so Process.
	// ThreadExit can charge its resident wall-clock time to the owning
	// process's Accounting the way biscuit finalizes a dying thread's
	// Accnt_t bracket.
	Started time.Time

	mu       sync.Mutex
	killCh   chan struct{}
	killOnce sync.Once
}

// NewThreadNote creates a live ThreadNote for tid.
func NewThreadNote(tid errs.Tid_t) *ThreadNote {
	return &ThreadNote{Tid: tid, Alive: true, Started: time.Now(), killCh: make(chan struct{})}
}

// Kill marks the thread doomed and closes its kill channel, waking any
// interruptible wait that selects on KillChan.
func (n *ThreadNote) Kill() {
	n.mu.Lock()
	n.Killed = true
	n.mu.Unlock()
	n.killOnce.Do(func() { close(n.killCh) })
}

// IsKilled reports whether Kill has been called.
func (n *ThreadNote) IsKilled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Killed
}

// KillChan returns a channel closed once Kill is called, for use in a
// select alongside a blocking wait (e.g. locks.Semaphore.DownInterruptible
// takes a context.Context; callers derive one that is cancelled when this
// channel closes).
func (n *ThreadNote) KillChan() <-chan struct{} {
	return n.killCh
}

// Exit marks the thread no longer alive.
func (n *ThreadNote) Exit() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Alive = false
}
