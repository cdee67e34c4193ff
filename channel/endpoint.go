package channel

import (
	"context"
	"sync"

	"anillo/config"
	"anillo/errs"
	"anillo/locks"
)

// Flags controls Send/Receive blocking behavior.
type Flags struct {
	NoWait        bool // fail with TemporaryOutage instead of blocking
	Interruptible bool // return Signaled instead of blocking uninterruptibly
	Peek          bool // Receive only: index but do not dequeue
}

// Endpoint is one half of a channel pair: its own ring, mutex, and pair
// of semaphores, plus the waitqs monitor item types hook
// into (message-arrival, queue-empty, queue-removal, queue-full, and
// close).
type Endpoint struct {
	pair *Pair
	peer *Endpoint
	isC0 bool

	mu            sync.Mutex
	ring          *ring[Message]
	insertSem     *locks.Semaphore // signals a freed ring slot
	removeSem     *locks.Semaphore // signals an available message
	closedReceive bool

	MessageArrivalWaitQ locks.WaitQ
	QueueEmptyWaitQ     locks.WaitQ
	QueueRemovalWaitQ   locks.WaitQ
	QueueFullWaitQ      locks.WaitQ
	CloseWaitQ          locks.WaitQ
}

func newEndpoint(pair *Pair, isC0 bool, capacity int) *Endpoint {
	return &Endpoint{
		pair:      pair,
		isC0:      isC0,
		ring:      newRing[Message](capacity),
		insertSem: locks.NewSemaphore(0),
		removeSem: locks.NewSemaphore(0),
	}
}

// Peer returns the other half of this endpoint's pair.
func (e *Endpoint) Peer() *Endpoint { return e.peer }

// Pair returns the Pair this endpoint belongs to.
func (e *Endpoint) Pair() *Pair { return e.pair }

// IsC0 reports whether this endpoint is the c0 side of its pair — the
// side destruction refcounting is tracked against.
func (e *Endpoint) IsC0() bool { return e.isC0 }

func wake(q *locks.WaitQ) {
	q.Mu.Lock()
	q.WakeMany(q.Len())
	q.Mu.Unlock()
}

// Send implements the five-step send algorithm against the
// peer's ring, mutex, and semaphores: lock the peer, check
// closed_receive, handle a full ring per flags, assign a message id,
// move attachments in, and push with the appropriate wakeups.
func (e *Endpoint) Send(ctx context.Context, flags Flags, msg Message) errs.Err_t {
	if len(msg.Body) > config.MaxMessageBody {
		return errs.TooBig
	}
	peer := e.peer
	msg.ConversationID = e.resolveConversationID(msg.ConversationID)

	for {
		peer.mu.Lock()
		if peer.closedReceive {
			peer.mu.Unlock()
			return errs.PermanentOutage
		}
		if peer.ring.Full() {
			peer.mu.Unlock()
			if flags.NoWait {
				return errs.TemporaryOutage
			}
			if flags.Interruptible {
				if err := peer.insertSem.DownInterruptible(ctx); err != errs.Ok {
					return errs.Signaled
				}
			} else {
				peer.insertSem.Down()
			}
			continue
		}

		msg.MessageID = e.pair.nextMessageIDFor()
		moveIn(&msg)

		wasEmpty := peer.ring.Empty()
		peer.ring.Push(msg)
		peer.removeSem.Up()
		nowFull := peer.ring.Full()
		peer.mu.Unlock()

		wake(&peer.MessageArrivalWaitQ)
		if wasEmpty {
			wake(&peer.QueueRemovalWaitQ)
		}
		if nowFull {
			wake(&peer.QueueFullWaitQ)
		}
		return errs.Ok
	}
}

// resolveConversationID assigns a fresh conversation id when the caller
// passed zero (starting a new conversation); otherwise it preserves the
// caller-supplied correlation id for a reply within an existing one.
func (e *Endpoint) resolveConversationID(requested uint64) uint64 {
	if requested != 0 {
		return requested
	}
	return e.pair.NextConversationID()
}

// Receive implements the symmetric receive operation, operating on this
// endpoint's own ring/mutex/semaphores. With flags.Peek set, the message
// is returned without being dequeued.
func (e *Endpoint) Receive(ctx context.Context, flags Flags) (Message, errs.Err_t) {
	e.mu.Lock()
	msg, err := e.receiveLockedLoop(ctx, flags)
	e.mu.Unlock()
	return msg, err
}

// LockReceive acquires the endpoint's mutex for a caller that wants to
// peek and conditionally commit atomically across multiple calls,
// matching this package's split lock/peek/unlock surface.
func (e *Endpoint) LockReceive() {
	e.mu.Lock()
}

// ReceiveLocked performs one receive attempt assuming the caller already
// holds the lock via LockReceive. It does not block or retry; a would-
// block condition is reported as TemporaryOutage regardless of flags.
func (e *Endpoint) ReceiveLocked(flags Flags) (Message, errs.Err_t) {
	if e.ring.Empty() {
		return Message{}, errs.TemporaryOutage
	}
	return e.dequeueLocked(flags)
}

// UnlockReceive releases the lock taken by LockReceive.
func (e *Endpoint) UnlockReceive() {
	e.mu.Unlock()
}

func (e *Endpoint) receiveLockedLoop(ctx context.Context, flags Flags) (Message, errs.Err_t) {
	for {
		if !e.ring.Empty() {
			return e.dequeueLocked(flags)
		}
		if flags.NoWait {
			return Message{}, errs.TemporaryOutage
		}
		e.mu.Unlock()
		var err errs.Err_t
		if flags.Interruptible {
			err = e.removeSem.DownInterruptible(ctx)
		} else {
			e.removeSem.Down()
			err = errs.Ok
		}
		e.mu.Lock()
		if err != errs.Ok {
			return Message{}, errs.Signaled
		}
	}
}

// dequeueLocked assumes e.mu is held and e.ring is non-empty.
func (e *Endpoint) dequeueLocked(flags Flags) (Message, errs.Err_t) {
	if flags.Peek {
		return e.ring.Peek(), errs.Ok
	}
	msg := e.ring.Pop()
	e.insertSem.Up()
	nowEmpty := e.ring.Empty()
	if nowEmpty {
		wake(&e.QueueEmptyWaitQ)
	}
	return msg, errs.Ok
}

// Close implements the closure protocol: set closed_receive
// on the peer, notify its close waitq, then drop the pair's closure
// refcount (teardown happens once both sides are closed and c0's
// destruction refcount has also reached zero).
func (e *Endpoint) Close() errs.Err_t {
	peer := e.peer
	peer.mu.Lock()
	alreadyClosed := peer.closedReceive
	peer.closedReceive = true
	peer.mu.Unlock()

	if alreadyClosed {
		return errs.Ok
	}
	wake(&peer.CloseWaitQ)
	// Wake a sender from this endpoint parked on the peer's insert
	// semaphore, so it re-checks closed_receive and returns
	// PermanentOutage. A receiver parked on this endpoint's remove
	// semaphore is woken too; it re-checks its own ring and waits again
	// if that is still empty.
	peer.insertSem.Up()
	e.removeSem.Up()
	e.pair.closureDropped()
	return errs.Ok
}
