package channel

import (
	"context"
	"sync"

	"anillo/errs"
	"anillo/locks"
)

// ServerChannel accepts incoming client-channel attachments. It has no
// direct biscuit analogue — biscuit has no peer-symmetric IPC — so it
// is built from the same
// Endpoint/ring primitives used for ordinary pairs: a bounded ring of
// pending *Pair values, a mutex, and a clientArrivalWaitQ that fires
// per offered client, matching the uniform "ring + mutex + waitq" shape the
// rest of this package already establishes.
type ServerChannel struct {
	mu     sync.Mutex
	ring   *ring[*Pair]
	closed bool

	acceptSem *locks.Semaphore // signals an available pending client

	ClientArrivalWaitQ locks.WaitQ
	QueueEmptyWaitQ    locks.WaitQ
	CloseWaitQ         locks.WaitQ
}

// NewServerChannel creates a server channel with room for backlog
// pending client pairs.
func NewServerChannel(backlog int) (*ServerChannel, errs.Err_t) {
	if backlog <= 0 {
		return nil, errs.InvalidArgument
	}
	return &ServerChannel{
		ring:      newRing[*Pair](backlog),
		acceptSem: locks.NewSemaphore(0),
	}, errs.Ok
}

// Offer enqueues a freshly connected client pair for a future Accept,
// signaling the client-arrival event. It fails with TemporaryOutage
// if the backlog is full and flags.NoWait is set, or PermanentOutage if
// the server channel has been closed.
func (s *ServerChannel) Offer(ctx context.Context, flags Flags, client *Pair) errs.Err_t {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return errs.PermanentOutage
		}
		if s.ring.Full() {
			s.mu.Unlock()
			if flags.NoWait {
				return errs.TemporaryOutage
			}
			if flags.Interruptible {
				if err := s.acceptSem.DownInterruptible(ctx); err != errs.Ok {
					return errs.Signaled
				}
			} else {
				s.acceptSem.Down()
			}
			continue
		}
		s.ring.Push(client)
		s.mu.Unlock()
		wake(&s.ClientArrivalWaitQ)
		s.acceptSem.Up()
		return errs.Ok
	}
}

// Accept dequeues the next pending client pair, blocking per flags until
// one arrives.
func (s *ServerChannel) Accept(ctx context.Context, flags Flags) (*Pair, errs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if !s.ring.Empty() {
			client := s.ring.Pop()
			if s.ring.Empty() {
				wake(&s.QueueEmptyWaitQ)
			}
			return client, errs.Ok
		}
		if s.closed {
			return nil, errs.PermanentOutage
		}
		if flags.NoWait {
			return nil, errs.TemporaryOutage
		}
		s.mu.Unlock()
		var err errs.Err_t
		if flags.Interruptible {
			err = s.acceptSem.DownInterruptible(ctx)
		} else {
			s.acceptSem.Down()
			err = errs.Ok
		}
		s.mu.Lock()
		if err != errs.Ok {
			return nil, errs.Signaled
		}
	}
}

// Close marks the server channel closed, wakes every waiter, and drops
// every still-pending client pair's c0 destruction reference (no one
// will ever accept them).
func (s *ServerChannel) Close() errs.Err_t {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.Ok
	}
	s.closed = true
	pending := s.ring.Drain()
	s.mu.Unlock()

	for _, client := range pending {
		client.ReleaseC0()
	}
	wake(&s.CloseWaitQ)
	s.acceptSem.Up()
	return errs.Ok
}
