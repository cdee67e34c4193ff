// Package channel implements the bidirectional peer-pair IPC primitive
// and the server-channel acceptance object. An
// Endpoint pair is always created together (new_pair) and torn down
// together once both halves are closed and the last reference to c0 is
// released — the split discipline documented on Pair below.
package channel

import (
	"sync"
	"sync/atomic"

	"anillo/errs"
)

// Pair is the shared state a c0/c1 Endpoint pair cooperates through:
// the monotonic conversation/message id counters (conceptually owned by
// c1's side, but reachable from either endpoint) and
// the two refcounts that gate teardown.
//
// closureRefcount starts at 2 (one per endpoint) and is decremented each
// time either half is closed; destructionRefcount is c0-only (it models
// "how many descriptor-table/attachment references point at c0") and
// starts at 1. The pair's backing state is torn down only once both
// have reached zero: the pair is torn down
// after the destruction refcount on c0 also reaches zero — closure
// alone (both ends hung up) is not sufficient while someone still holds
// a live reference to c0.
type Pair struct {
	C0, C1 *Endpoint

	nextConversationID uint64
	nextMessageID      uint64

	teardownMu          sync.Mutex
	closureRefcount     int32
	destructionRefcount int32
	torndown            bool
}

// NewPair creates a fresh c0/c1 pair, each side backed by a ring of the
// given message capacity.
func NewPair(capacity int) (*Pair, errs.Err_t) {
	if capacity <= 0 {
		return nil, errs.InvalidArgument
	}
	p := &Pair{closureRefcount: 2, destructionRefcount: 1}
	p.C0 = newEndpoint(p, true, capacity)
	p.C1 = newEndpoint(p, false, capacity)
	p.C0.peer = p.C1
	p.C1.peer = p.C0
	return p, errs.Ok
}

// NextConversationID returns a fresh, pair-unique conversation id.
func (p *Pair) NextConversationID() uint64 {
	return atomic.AddUint64(&p.nextConversationID, 1)
}

func (p *Pair) nextMessageIDFor() uint64 {
	return atomic.AddUint64(&p.nextMessageID, 1)
}

// RetainC0 adds a destruction reference on c0 (taken by the descriptor
// table on install, or by an attachment transferring c0 into a message).
func (p *Pair) RetainC0() {
	atomic.AddInt32(&p.destructionRefcount, 1)
}

// ReleaseC0 drops a destruction reference on c0, tearing the pair down
// once it reaches zero and both halves are already closed.
func (p *Pair) ReleaseC0() {
	if atomic.AddInt32(&p.destructionRefcount, -1) == 0 {
		p.maybeTeardown()
	}
}

func (p *Pair) closureDropped() {
	if atomic.AddInt32(&p.closureRefcount, -1) == 0 {
		p.maybeTeardown()
	}
}

func (p *Pair) maybeTeardown() {
	if atomic.LoadInt32(&p.closureRefcount) != 0 || atomic.LoadInt32(&p.destructionRefcount) != 0 {
		return
	}
	p.teardownMu.Lock()
	defer p.teardownMu.Unlock()
	if p.torndown {
		return
	}
	p.torndown = true
	for _, msg := range p.C0.ring.Drain() {
		release(msg)
	}
	for _, msg := range p.C1.ring.Drain() {
		release(msg)
	}
}
