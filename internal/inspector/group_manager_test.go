package inspector

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/inspectctl/internal/testutil/testlog"
)

func TestManagerSlotsAreLazy(t *testing.T) {
	testlog.Start(t)

	s, _, _ := newTestSession()
	defer s.Close()
	m := s.NewGroupManager("tree")

	if cur, next := m.State(); cur != SlotEmpty || next != SlotEmpty {
		t.Fatalf("expected empty slots, got %s/%s", cur, next)
	}
	a := m.Current()
	if m.Current() != a {
		t.Fatalf("current should be stable")
	}
	b := m.Next()
	if b == a {
		t.Fatalf("current and next must be distinct")
	}
	if cur, next := m.State(); cur != SlotLive || next != SlotLive {
		t.Fatalf("expected live slots, got %s/%s", cur, next)
	}
}

func TestPromoteNextReleasesPreviousCurrent(t *testing.T) {
	testlog.Start(t)

	s, tr, _ := newTestSession()
	m := s.NewGroupManager("tree")
	a := m.Current()
	b := m.Next()

	m.PromoteNext()
	if m.Current() != b {
		t.Fatalf("expected next to become current")
	}
	if _, next := m.State(); next != SlotEmpty {
		t.Fatalf("expected next slot empty after promote")
	}
	if !a.Disposed() {
		t.Fatalf("expected previous current disposed")
	}
	if b.Disposed() {
		t.Fatalf("promoted group must stay live")
	}

	s.Close()
	if n := tr.disposeCountFor(a.Name()); n != 1 {
		t.Fatalf("expected one disposeGroup for previous current, got %d", n)
	}
	if n := tr.disposeCountFor(b.Name()); n != 0 {
		t.Fatalf("promoted group released on the wire: %d", n)
	}
}

func TestCancelNextKeepsCurrent(t *testing.T) {
	testlog.Start(t)

	s, tr, _ := newTestSession()
	m := s.NewGroupManager("tree")
	a := m.Current()
	b := m.Next()

	m.CancelNext()
	if m.Current() != a || a.Disposed() {
		t.Fatalf("current must be untouched by cancel")
	}
	if !b.Disposed() {
		t.Fatalf("expected cancelled next disposed")
	}
	if _, next := m.State(); next != SlotEmpty {
		t.Fatalf("expected next slot empty after cancel")
	}

	s.Close()
	if n := tr.disposeCountFor(b.Name()); n != 1 {
		t.Fatalf("expected one disposeGroup for cancelled next, got %d", n)
	}
	if n := tr.disposeCountFor(a.Name()); n != 0 {
		t.Fatalf("current released on the wire: %d", n)
	}
}

func TestAwaitSettlementIsShared(t *testing.T) {
	testlog.Start(t)

	s, _, _ := newTestSession()
	defer s.Close()
	m := s.NewGroupManager("tree")

	idle := m.AwaitSettlement()
	if !idle.Resolved() || idle.Outcome() != SettleNone {
		t.Fatalf("expected resolved settlement with nothing pending")
	}

	m.Next()
	first := m.AwaitSettlement()
	second := m.AwaitSettlement()
	if first != second {
		t.Fatalf("expected the same pending settlement")
	}
	if first.Resolved() {
		t.Fatalf("settlement resolved early")
	}

	m.PromoteNext()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome, err := first.Wait(ctx)
	if err != nil || outcome != SettlePromoted {
		t.Fatalf("expected promoted, got %s err=%v", outcome, err)
	}

	m.Next()
	third := m.AwaitSettlement()
	if third == first {
		t.Fatalf("expected a fresh settlement after resolution")
	}
	m.CancelNext()
	m.CancelNext()
	select {
	case <-third.Done():
	default:
		t.Fatalf("expected cancelled settlement resolved")
	}
	if third.Outcome() != SettleCancelled {
		t.Fatalf("expected cancelled, got %s", third.Outcome())
	}
}

func TestPromoteIfNextRejectsStaleGroup(t *testing.T) {
	testlog.Start(t)

	s, _, _ := newTestSession()
	defer s.Close()
	m := s.NewGroupManager("tree")

	stale := m.Next()
	m.CancelNext()
	fresh := m.Next()

	if m.PromoteIfNext(stale) {
		t.Fatalf("stale group promoted")
	}
	if !m.PromoteIfNext(fresh) {
		t.Fatalf("expected fresh group promoted")
	}
	if m.Current() != fresh {
		t.Fatalf("expected fresh group current")
	}
}

func TestClearAfterIsolateStopSkipsWire(t *testing.T) {
	testlog.Start(t)

	s, tr, _ := newTestSession()
	m := s.NewGroupManager("tree")
	a := m.Current()
	b := m.Next()
	pending := m.AwaitSettlement()

	m.Clear(true)
	if cur, next := m.State(); cur != SlotEmpty || next != SlotEmpty {
		t.Fatalf("expected empty slots, got %s/%s", cur, next)
	}
	if !a.Disposed() || !b.Disposed() {
		t.Fatalf("expected dropped groups marked disposed")
	}
	if pending.Outcome() != SettleCancelled {
		t.Fatalf("expected pending settlement cancelled, got %s", pending.Outcome())
	}

	s.Close()
	if n := len(tr.callsTo(methodDisposeGroup)); n != 0 {
		t.Fatalf("expected no disposeGroup calls, got %d", n)
	}
}

func TestClearReleasesBothSlots(t *testing.T) {
	testlog.Start(t)

	s, tr, _ := newTestSession()
	m := s.NewGroupManager("tree")
	a := m.Current()
	b := m.Next()

	m.Clear(false)
	s.Close()
	if tr.disposeCountFor(a.Name()) != 1 || tr.disposeCountFor(b.Name()) != 1 {
		t.Fatalf("expected both groups released once: calls=%+v", tr.callsTo(methodDisposeGroup))
	}
}
