package monitor

import (
	"anillo/channel"
	"anillo/locks"
)

// channelSource hooks a KindChannel item to its channel.Endpoint: it
// installs waiters on the channel's message-arrival, queue-empty,
// peer-message-arrival, peer-queue-empty, peer-close, peer-queue-removal,
// peer-queue-full, and close waitqs.
type channelSource struct {
	endpoint *channel.Endpoint
	waiters  []*locks.Waiter
}

// NewChannelSource builds the KindChannel binding for e, for use as an
// ItemSpec's Channel field.
func NewChannelSource(e *channel.Endpoint) *channelSource {
	return &channelSource{endpoint: e}
}

type channelBinding struct {
	q   *locks.WaitQ
	bit EventMask
}

func (s *channelSource) bindings() []channelBinding {
	e, peer := s.endpoint, s.endpoint.Peer()
	return []channelBinding{
		{&e.MessageArrivalWaitQ, EvMessageArrival},
		{&e.QueueEmptyWaitQ, EvQueueEmpty},
		{&e.CloseWaitQ, EvClose},
		{&peer.MessageArrivalWaitQ, EvPeerMessageArrival},
		{&peer.QueueEmptyWaitQ, EvPeerQueueEmpty},
		{&peer.CloseWaitQ, EvPeerClose},
		{&peer.QueueRemovalWaitQ, EvPeerQueueRemoval},
		{&peer.QueueFullWaitQ, EvPeerQueueFull},
	}
}

// armOne links a fresh waiter for one binding onto its waitq, whose
// callback re-links itself (directly, without relocking) as long as the
// item stays enabled — the waitq's own WakeMany already holds its lock
// while invoking the callback, so Wait can be called straight through.
func armOne(m *Monitor, it *item, q *locks.WaitQ, bit EventMask) *locks.Waiter {
	w := &locks.Waiter{}
	w.Callback = func(interface{}) {
		if m.fire(it, bit) {
			q.Wait(w)
		}
	}
	q.Mu.Lock()
	q.Wait(w)
	q.Mu.Unlock()
	return w
}

func disarmOne(q *locks.WaitQ, w *locks.Waiter) {
	q.Mu.Lock()
	q.Unwait(w)
	q.Mu.Unlock()
}

func (s *channelSource) enable(m *Monitor, it *item) {
	s.waiters = s.waiters[:0]
	for _, b := range s.bindings() {
		s.waiters = append(s.waiters, armOne(m, it, b.q, b.bit))
	}
}

func (s *channelSource) disable(m *Monitor, it *item) {
	bindings := s.bindings()
	for i, w := range s.waiters {
		if i < len(bindings) {
			disarmOne(bindings[i].q, w)
		}
	}
	s.waiters = nil
}

func (s *channelSource) matches(other hookSource) bool {
	o, ok := other.(*channelSource)
	return ok && o.endpoint == s.endpoint
}

// serverChannelSource hooks a KindServerChannel item to its
// channel.ServerChannel: client-arrival, queue-empty, close.
type serverChannelSource struct {
	server  *channel.ServerChannel
	waiters []*locks.Waiter
}

// NewServerChannelSource builds the KindServerChannel binding for sc,
// for use as an ItemSpec's ServerChannel field.
func NewServerChannelSource(sc *channel.ServerChannel) *serverChannelSource {
	return &serverChannelSource{server: sc}
}

func (s *serverChannelSource) bindings() []channelBinding {
	return []channelBinding{
		{&s.server.ClientArrivalWaitQ, EvClientArrival},
		{&s.server.QueueEmptyWaitQ, EvQueueEmpty},
		{&s.server.CloseWaitQ, EvClose},
	}
}

func (s *serverChannelSource) enable(m *Monitor, it *item) {
	s.waiters = s.waiters[:0]
	for _, b := range s.bindings() {
		s.waiters = append(s.waiters, armOne(m, it, b.q, b.bit))
	}
}

func (s *serverChannelSource) disable(m *Monitor, it *item) {
	bindings := s.bindings()
	for i, w := range s.waiters {
		if i < len(bindings) {
			disarmOne(bindings[i].q, w)
		}
	}
	s.waiters = nil
}

func (s *serverChannelSource) matches(other hookSource) bool {
	o, ok := other.(*serverChannelSource)
	return ok && o.server == s.server
}
