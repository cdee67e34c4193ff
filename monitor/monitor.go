// Package monitor implements the multiplexed poll primitive: a vector
// of items split into a live region and a not-yet-polled
// dead region, batch create/update/delete semantics, edge/level
// triggering, and four item kinds (channel, server-channel, futex,
// timeout) that each hook into the event sources channel.Endpoint,
// proc.FutexTable, and a deferred timer expose.
package monitor

import (
	"sync"
	"sync/atomic"

	"anillo/errs"
	"anillo/locks"
)

// Kind selects which event source an Item watches.
type Kind uint8

const (
	KindChannel Kind = iota
	KindServerChannel
	KindFutex
	KindTimeout
)

// EventMask is a bitset of event bits; which bits are meaningful depends
// on the item's Kind.
type EventMask uint32

const (
	EvMessageArrival EventMask = 1 << iota
	EvQueueEmpty
	EvPeerMessageArrival
	EvPeerQueueEmpty
	EvPeerClose
	EvPeerQueueRemoval
	EvPeerQueueFull
	EvClose
	EvClientArrival
	EvFutexSignaled
	EvTimeoutFired
	// EvItemDeleted is the synthetic event emitted for a deferred-delete
	// item once it is drained from the dead region.
	EvItemDeleted
)

// UpdateFlags selects which batch operation applies to one ItemSpec:
// create, update, delete, strict_match, disable, and so on.
type UpdateFlags struct {
	Create          bool
	Update          bool
	Delete          bool
	StrictMatch     bool
	Disable         bool // explicit request to leave/make the item disabled
	WantDeleteEvent bool // request a deferred-delete synthetic event on Delete
}

// ItemSpec describes one request in an Update batch.
type ItemSpec struct {
	ID    uint32 // existing item for Update/Delete; Flags, not ID, select the operation
	Kind  Kind
	Flags UpdateFlags

	Monitored        EventMask
	EdgeTriggered    bool
	SetUserFlag      bool
	DisableOnTrigger bool
	DeleteOnTrigger  bool
	Context          interface{}

	Channel       *channelSource
	ServerChannel *serverChannelSource
	Futex         *futexSource
	Timeout       *timeoutSource
}

// UpdateResult reports the outcome of one ItemSpec.
type UpdateResult struct {
	ID  uint32
	Err errs.Err_t
}

// Event is one entry Poll hands back to the caller.
type Event struct {
	ID        uint32
	Context   interface{}
	UserFlag  bool
	Events    EventMask
}

// item is a monitor's internal record. Live items occupy indices
// [0, itemCount) of Monitor.items;
// dead-but-not-yet-polled items occupy [itemCount, len(items)).
type item struct {
	id   uint32
	kind Kind

	monitored        EventMask
	edgeTriggered    bool
	setUserFlag      bool
	disableOnTrigger bool
	deleteOnTrigger  bool
	wantDeleteEvent  bool
	context          interface{}

	enabled bool
	dead    bool // moved to the dead region awaiting poll drain
	pendingDeleteEvent bool

	triggeredEvents EventMask
	highState       EventMask // previous "active" bits, for edge detection

	hook hookSource
}

// hookSource is implemented by each item kind's source binding
// (channelSource, serverChannelSource, futexSource, timeoutSource); it
// installs/removes the waiters that drive Monitor.fire on enable/disable
// transitions by calling the per-type enable/disable
// hook that installs/removes waiters on the underlying event sources.
type hookSource interface {
	enable(m *Monitor, it *item)
	disable(m *Monitor, it *item)
	matches(other hookSource) bool
}

// Monitor holds a vector of items and the semaphore Poll blocks on:
// mu, triggeredSem, items split into
// live/dead regions, nextItemID, outstandingPolls, closed, refcount.
type Monitor struct {
	mu           sync.Mutex
	triggeredSem *locks.Semaphore

	items     []*item
	itemCount int // items[0:itemCount) are live

	nextItemID       uint32
	outstandingPolls int
	closed           bool
	refs             int32
}

// New creates an empty, open monitor.
func New() *Monitor {
	return &Monitor{triggeredSem: locks.NewSemaphore(0), refs: 1}
}

func (m *Monitor) allocID() uint32 {
	for {
		id := atomic.AddUint32(&m.nextItemID, 1)
		if id != 0 {
			return id
		}
	}
}

// Retain adds a reference to the monitor (held by descriptor-table
// installation). Waiter callbacks take no reference on the monitor or
// on their item.
func (m *Monitor) Retain() {
	atomic.AddInt32(&m.refs, 1)
}

// Release drops a reference.
func (m *Monitor) Release() {
	atomic.AddInt32(&m.refs, -1)
}

func (m *Monitor) liveItems() []*item   { return m.items[:m.itemCount] }
func (m *Monitor) deadItems() []*item   { return m.items[m.itemCount:] }

// insertItemAt inserts v at idx without aliasing the tail it displaces,
// since idx always sits at the live/dead boundary here and the dead
// region must keep its original contents.
func insertItemAt(s []*item, idx int, v *item) []*item {
	s = append(s, nil)
	copy(s[idx+1:], s[idx:len(s)-1])
	s[idx] = v
	return s
}

func (m *Monitor) findLiveIndex(id uint32) int {
	for i, it := range m.liveItems() {
		if it.id == id {
			return i
		}
	}
	return -1
}

// hookAction is a deferred enable/disable call, collected while
// Monitor.mu is held and executed only after it is released. Hook
// enable/disable methods lock the item's underlying source waitq(s);
// fire (invoked from inside one of those same waitqs' WakeMany) locks
// Monitor.mu in turn, so installing/removing a waiter while Monitor.mu
// is held would establish the opposite lock order and risk deadlock
// against a concurrent event. Collecting actions and running them
// outside the critical section keeps the order strictly
// "source waitq, then Monitor.mu" everywhere.
type hookAction struct {
	it     *item
	enable bool
}

func runActions(m *Monitor, actions []hookAction) {
	for _, a := range actions {
		if a.enable {
			a.it.hook.enable(m, a.it)
		} else {
			a.it.hook.disable(m, a.it)
		}
	}
}

// Update applies a batch of create/update/delete requests under the
// monitor mutex.
func (m *Monitor) Update(specs []ItemSpec) ([]UpdateResult, errs.Err_t) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errs.PermanentOutage
	}

	results := make([]UpdateResult, len(specs))
	var actions []hookAction
	for i, spec := range specs {
		res, acts := m.applyOneLocked(spec)
		results[i] = res
		actions = append(actions, acts...)
	}
	m.mu.Unlock()

	runActions(m, actions)
	return results, errs.Ok
}

func (m *Monitor) applyOneLocked(spec ItemSpec) (UpdateResult, []hookAction) {
	switch {
	case spec.Flags.Delete:
		return m.deleteLocked(spec)
	case spec.Flags.Create && !spec.Flags.Update:
		return m.createLocked(spec)
	case spec.Flags.Create && spec.Flags.Update:
		if spec.ID != 0 {
			if idx := m.findLiveIndex(spec.ID); idx >= 0 {
				return m.updateLocked(idx, spec)
			}
		}
		return m.createLocked(spec)
	case spec.Flags.Update:
		idx := m.findLiveIndex(spec.ID)
		if idx < 0 {
			return UpdateResult{ID: spec.ID, Err: errs.NoSuchResource}, nil
		}
		return m.updateLocked(idx, spec)
	default:
		return UpdateResult{ID: spec.ID, Err: errs.InvalidArgument}, nil
	}
}

func (m *Monitor) createLocked(spec ItemSpec) (UpdateResult, []hookAction) {
	hook, err := makeHook(spec)
	if err != errs.Ok {
		return UpdateResult{Err: err}, nil
	}
	it := &item{
		id:               m.allocID(),
		kind:             spec.Kind,
		monitored:        spec.Monitored,
		edgeTriggered:    spec.EdgeTriggered,
		setUserFlag:      spec.SetUserFlag,
		disableOnTrigger: spec.DisableOnTrigger,
		deleteOnTrigger:  spec.DeleteOnTrigger,
		wantDeleteEvent:  spec.Flags.WantDeleteEvent,
		context:          spec.Context,
		hook:             hook,
	}
	m.items = insertItemAt(m.items, m.itemCount, it)
	m.itemCount++
	actions := m.setEnabledLocked(it, !spec.Flags.Disable)
	return UpdateResult{ID: it.id, Err: errs.Ok}, actions
}

func (m *Monitor) updateLocked(idx int, spec ItemSpec) (UpdateResult, []hookAction) {
	it := m.items[idx]
	if spec.Flags.StrictMatch {
		hook, err := makeHook(spec)
		if err != errs.Ok {
			return UpdateResult{ID: it.id, Err: err}, nil
		}
		if it.kind != spec.Kind || !it.hook.matches(hook) || it.context != spec.Context {
			return UpdateResult{ID: it.id, Err: errs.InvalidArgument}, nil
		}
	}
	it.monitored = spec.Monitored
	it.edgeTriggered = spec.EdgeTriggered
	it.setUserFlag = spec.SetUserFlag
	it.disableOnTrigger = spec.DisableOnTrigger
	it.deleteOnTrigger = spec.DeleteOnTrigger
	it.wantDeleteEvent = spec.Flags.WantDeleteEvent
	it.context = spec.Context
	actions := m.setEnabledLocked(it, !spec.Flags.Disable)
	return UpdateResult{ID: it.id, Err: errs.Ok}, actions
}

func (m *Monitor) deleteLocked(spec ItemSpec) (UpdateResult, []hookAction) {
	idx := m.findLiveIndex(spec.ID)
	if idx < 0 {
		return UpdateResult{ID: spec.ID, Err: errs.NoSuchResource}, nil
	}
	it := m.items[idx]
	actions := m.setEnabledLocked(it, false)

	// remove from the live region
	m.items = append(m.items[:idx], m.items[idx+1:]...)
	m.itemCount--

	wantsDeferred := spec.Flags.WantDeleteEvent || it.wantDeleteEvent
	if wantsDeferred && (m.outstandingPolls > 0 || spec.Flags.WantDeleteEvent) {
		it.dead = true
		it.pendingDeleteEvent = true
		it.triggeredEvents |= EvItemDeleted
		m.items = append(m.items, it)
	}
	return UpdateResult{ID: spec.ID, Err: errs.Ok}, actions
}

// setEnabledLocked flips it.enabled under Monitor.mu and returns the
// deferred hook action to run once the lock is released (see
// hookAction).
func (m *Monitor) setEnabledLocked(it *item, enabled bool) []hookAction {
	if it.enabled == enabled {
		return nil
	}
	it.enabled = enabled
	return []hookAction{{it: it, enable: enabled}}
}

func makeHook(spec ItemSpec) (hookSource, errs.Err_t) {
	switch spec.Kind {
	case KindChannel:
		if spec.Channel == nil {
			return nil, errs.InvalidArgument
		}
		return spec.Channel, errs.Ok
	case KindServerChannel:
		if spec.ServerChannel == nil {
			return nil, errs.InvalidArgument
		}
		return spec.ServerChannel, errs.Ok
	case KindFutex:
		if spec.Futex == nil {
			return nil, errs.InvalidArgument
		}
		return spec.Futex, errs.Ok
	case KindTimeout:
		if spec.Timeout == nil {
			return nil, errs.InvalidArgument
		}
		return spec.Timeout, errs.Ok
	default:
		return nil, errs.InvalidArgument
	}
}

// fire is invoked by a source hook's per-waitq waiter callback when one
// event bit transitions, per triggering algorithm: locks
// the monitor, updates high state and triggered_events (edge vs level
// semantics), and ups the triggered-items semaphore if anything was
// newly set. It reports whether the item is still enabled, so the
// caller — still running inside the waitq's own WakeMany, which holds
// that waitq's lock — can decide whether to re-link itself directly
// (a fresh Lock of that same waitq here would deadlock, since WakeMany
// invokes callbacks with its lock held; only the single waitq that just
// fired needs re-arming, never the item's other bindings, since those
// were never unlinked).
func (m *Monitor) fire(it *item, active EventMask) (stillEnabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it.dead || !it.enabled {
		return false
	}

	var newly EventMask
	if it.edgeTriggered {
		newly = active &^ it.highState
	} else {
		newly = active
	}
	it.highState = active
	newly &= it.monitored

	if newly != 0 {
		it.triggeredEvents |= newly
	}
	shouldSignal := newly != 0
	stillEnabled = it.enabled

	if shouldSignal {
		m.triggeredSem.Up()
	}
	return stillEnabled
}

// Close implements monitor closure: remove every live
// item (dispatching delete on each), release dead items, mark closed,
// and flush every outstanding poller.
func (m *Monitor) Close() errs.Err_t {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.Ok
	}
	m.closed = true
	var actions []hookAction
	for _, it := range m.liveItems() {
		actions = append(actions, m.setEnabledLocked(it, false)...)
	}
	m.items = nil
	m.itemCount = 0
	outstanding := m.outstandingPolls
	m.mu.Unlock()

	runActions(m, actions)
	for i := 0; i < outstanding; i++ {
		m.triggeredSem.Up()
	}
	return errs.Ok
}
