package monitor

import (
	"context"
	"time"

	"anillo/errs"
)

// PollTimeout selects how long Poll waits for at least one event: "none"
// blocks indefinitely, a zero relative duration tries once without
// blocking, and a positive relative duration blocks up to that long.
// Wall-clock/deadline timeouts are not a thing this primitive knows
// about. The syscall package's MonitorPoll passes only "none" and a zero
// duration through to Poll and rejects every other timeout with
// errs.Unsupported.
type PollTimeout struct {
	None     bool
	Duration time.Duration
}

// down blocks on the triggered-items semaphore according to t, honoring
// ctx cancellation when the wait is bounded or indefinite.
func (t PollTimeout) down(ctx context.Context, sem interface {
	Down()
	TryDown() errs.Err_t
	DownInterruptible(context.Context) errs.Err_t
}) errs.Err_t {
	switch {
	case t.None:
		return sem.DownInterruptible(ctx)
	case t.Duration <= 0:
		return sem.TryDown()
	default:
		tctx, cancel := context.WithTimeout(ctx, t.Duration)
		defer cancel()
		err := sem.DownInterruptible(tctx)
		if err != errs.Ok && ctx.Err() == nil && tctx.Err() != nil {
			return errs.TemporaryOutage
		}
		return err
	}
}

// Poll implements wait-for-events algorithm: mark an
// outstanding poll, block on the triggered-items semaphore per timeout,
// then under the monitor mutex drain the dead region (emitting any
// deferred-delete synthetic events) and walk the live region collecting
// events for items whose triggered bits intersect what they monitor.
// It appends produced events to out and returns the extended slice.
func (m *Monitor) Poll(ctx context.Context, out []Event, timeout PollTimeout) ([]Event, errs.Err_t) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return out, errs.PermanentOutage
	}
	m.outstandingPolls++
	m.mu.Unlock()

	downErr := timeout.down(ctx, m.triggeredSem)

	m.mu.Lock()
	m.outstandingPolls--
	if downErr != errs.Ok {
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return out, errs.PermanentOutage
		}
		return out, downErr
	}

	if m.closed {
		m.mu.Unlock()
		return out, errs.PermanentOutage
	}

	out = m.drainDeadLocked(out)
	out, actions := m.collectLiveLocked(out)
	m.mu.Unlock()

	runActions(m, actions)
	return out, errs.Ok
}

// drainDeadLocked emits the deferred-delete synthetic event for every
// item in the dead region, then empties it — each dead item was already
// unlinked from the live region and had its hook disabled at delete
// time, so nothing here touches a source waitq.
func (m *Monitor) drainDeadLocked(out []Event) []Event {
	dead := m.deadItems()
	for _, it := range dead {
		if it.pendingDeleteEvent {
			out = append(out, Event{
				ID:      it.id,
				Context: it.context,
				Events:  EvItemDeleted,
			})
		}
	}
	m.items = m.items[:m.itemCount]
	return out
}

// collectLiveLocked walks the live region emitting one Event per item
// whose triggered bits intersect what it monitors, then applies
// edge/level clear semantics and disable_on_trigger/delete_on_trigger.
func (m *Monitor) collectLiveLocked(out []Event) ([]Event, []hookAction) {
	var toDisable, toDelete []*item
	var rearmLevel bool
	for _, it := range m.liveItems() {
		if !it.enabled {
			continue
		}
		matched := it.triggeredEvents & it.monitored
		if matched == 0 {
			continue
		}
		out = append(out, Event{
			ID:       it.id,
			Context:  it.context,
			UserFlag: it.setUserFlag,
			Events:   matched,
		})

		// Level-triggered items re-derive their triggered bits from
		// highState next time fire runs, so clearing here just avoids
		// re-reporting a bit that is no longer actually active; edge-
		// triggered items must clear unconditionally since a bit only
		// ever gets set again on a fresh transition.
		it.triggeredEvents &^= matched
		if !it.edgeTriggered {
			it.triggeredEvents |= it.highState & it.monitored
			if it.triggeredEvents != 0 {
				// The condition this item monitors is still active after
				// being collected: up the semaphore again so the next
				// Poll re-checks it immediately instead of blocking on a
				// condition that never goes away until someone drains it.
				rearmLevel = true
			}
		}

		if it.deleteOnTrigger {
			toDelete = append(toDelete, it)
		} else if it.disableOnTrigger {
			toDisable = append(toDisable, it)
		}
	}
	if rearmLevel {
		m.triggeredSem.Up()
	}

	var actions []hookAction
	for _, it := range toDisable {
		actions = append(actions, m.setEnabledLocked(it, false)...)
	}
	for _, it := range toDelete {
		actions = append(actions, m.deleteItemLocked(it)...)
	}
	return out, actions
}

// deleteItemLocked removes it from the live region, matching
// deleteLocked's bookkeeping for a caller that already holds a pointer
// to the item rather than its id.
func (m *Monitor) deleteItemLocked(it *item) []hookAction {
	idx := -1
	for i, v := range m.liveItems() {
		if v == it {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	actions := m.setEnabledLocked(it, false)
	m.items = append(m.items[:idx], m.items[idx+1:]...)
	m.itemCount--
	return actions
}
