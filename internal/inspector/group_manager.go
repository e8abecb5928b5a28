package inspector

import (
	"context"
	"sync"
)

// SlotState is the occupancy of one GroupManager slot.
type SlotState int

const (
	SlotEmpty SlotState = iota
	SlotLive
)

func (s SlotState) String() string {
	if s == SlotLive {
		return "live"
	}
	return "empty"
}

// SettleOutcome is how a pending next group was resolved.
type SettleOutcome int

const (
	// SettleNone means nothing was pending when the settlement was requested.
	SettleNone SettleOutcome = iota
	SettlePromoted
	SettleCancelled
)

func (o SettleOutcome) String() string {
	switch o {
	case SettlePromoted:
		return "promoted"
	case SettleCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// Settlement resolves exactly once, when the next group it was issued for is
// promoted or cancelled.
type Settlement struct {
	done    chan struct{}
	once    sync.Once
	outcome SettleOutcome
}

func newSettlement() *Settlement {
	return &Settlement{done: make(chan struct{})}
}

func resolvedSettlement(outcome SettleOutcome) *Settlement {
	s := newSettlement()
	s.resolve(outcome)
	return s
}

func (s *Settlement) resolve(outcome SettleOutcome) {
	s.once.Do(func() {
		s.outcome = outcome
		close(s.done)
	})
}

func (s *Settlement) Done() <-chan struct{} {
	return s.done
}

func (s *Settlement) Resolved() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Outcome is only meaningful once Done is closed; before that it reports
// SettleNone.
func (s *Settlement) Outcome() SettleOutcome {
	select {
	case <-s.done:
		return s.outcome
	default:
		return SettleNone
	}
}

// Wait blocks until the settlement resolves or ctx ends.
func (s *Settlement) Wait(ctx context.Context) (SettleOutcome, error) {
	select {
	case <-s.done:
		return s.outcome, nil
	case <-ctx.Done():
		return SettleNone, ctx.Err()
	}
}

// GroupManager double-buffers object groups: current backs what is on
// screen, next collects a speculative query until it is promoted or
// cancelled. Both slots are created on first access and, when live, never
// hold the same group.
//
// Lock order: GroupManager.mu before Session.mu.
type GroupManager struct {
	session   *Session
	debugName string

	mu      sync.Mutex
	current *ObjectGroup
	next    *ObjectGroup
	pending *Settlement
}

func newGroupManager(debugName string, s *Session) *GroupManager {
	return &GroupManager{session: s, debugName: debugName}
}

func (m *GroupManager) Current() *ObjectGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		m.current = newObjectGroup(m.debugName, m.session)
	}
	return m.current
}

func (m *GroupManager) Next() *ObjectGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next == nil {
		m.next = newObjectGroup(m.debugName, m.session)
	}
	return m.next
}

// PromoteNext releases current, moves next into its place and resolves any
// pending settlement as promoted. With no live next, current is left empty.
func (m *GroupManager) PromoteNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promoteLocked()
}

// PromoteIfNext promotes only if g is still the next group. It reports
// whether the promotion happened.
func (m *GroupManager) PromoteIfNext(g *ObjectGroup) bool {
	return m.promoteIfNext(g, nil)
}

// promoteIfNext runs commit under the manager lock right after a successful
// promotion, so callers can publish results tied to g atomically with it.
func (m *GroupManager) promoteIfNext(g *ObjectGroup, commit func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g == nil || m.next != g || g.Disposed() {
		return false
	}
	m.promoteLocked()
	if commit != nil {
		commit()
	}
	return true
}

func (m *GroupManager) promoteLocked() {
	if m.current != nil {
		m.current.release()
	}
	m.current = m.next
	m.next = nil
	m.settleLocked(SettlePromoted)
}

// CancelNext releases next and resolves any pending settlement as cancelled.
// current is untouched.
func (m *GroupManager) CancelNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
}

// cancelIfNext cancels only if g is still the next group.
func (m *GroupManager) cancelIfNext(g *ObjectGroup) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g == nil || m.next != g {
		return false
	}
	m.cancelLocked()
	return true
}

func (m *GroupManager) cancelLocked() {
	if m.next != nil {
		m.next.release()
		m.next = nil
	}
	m.settleLocked(SettleCancelled)
}

func (m *GroupManager) ClearCurrent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.release()
		m.current = nil
	}
}

// Clear empties both slots. When isolateStopped is set the remote arenas are
// already gone: the groups are marked disposed locally and no release call
// is sent.
func (m *GroupManager) Clear(isolateStopped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !isolateStopped {
		if m.current != nil {
			m.current.release()
			m.current = nil
		}
		m.cancelLocked()
		return
	}
	if m.current != nil {
		m.current.abandon()
		m.current = nil
	}
	if m.next != nil {
		m.next.abandon()
		m.next = nil
	}
	m.settleLocked(SettleCancelled)
}

// drain empties both slots and hands back the groups that still hold remote
// arenas, leaving their release to the caller.
func (m *GroupManager) drain() []*ObjectGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	var live []*ObjectGroup
	for _, g := range []*ObjectGroup{m.current, m.next} {
		if g != nil && !g.Disposed() {
			live = append(live, g)
		}
	}
	m.current, m.next = nil, nil
	m.settleLocked(SettleCancelled)
	return live
}

// AwaitSettlement returns the pending settlement for next, creating it on the
// first call. With no live next it returns an already resolved settlement.
func (m *GroupManager) AwaitSettlement() *Settlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		return m.pending
	}
	if m.next == nil {
		return resolvedSettlement(SettleNone)
	}
	m.pending = newSettlement()
	return m.pending
}

func (m *GroupManager) settleLocked(outcome SettleOutcome) {
	if m.pending == nil {
		return
	}
	m.pending.resolve(outcome)
	m.pending = nil
}

func (m *GroupManager) State() (current, next SlotState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		current = SlotLive
	}
	if m.next != nil {
		next = SlotLive
	}
	return current, next
}
