package inspector

import (
	"sync"
	"time"
)

// SelectionEchoWindow is how long a locally requested selection counts as
// self-triggered when the target reports it back.
const SelectionEchoWindow = 5000 * time.Millisecond

// selectionEcho remembers selections this client asked for so the matching
// Inspect events from the target can be told apart from foreign ones.
//
// It tolerates one foreign change to the same handle per window being taken
// for an echo; that only delays a refresh by one event.
type selectionEcho struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	pending map[Handle][]time.Time
}

func newSelectionEcho(window time.Duration, now func() time.Time) *selectionEcho {
	if now == nil {
		now = time.Now
	}
	return &selectionEcho{
		window:  window,
		now:     now,
		pending: make(map[Handle][]time.Time),
	}
}

// Track records a local selection request for h.
func (e *selectionEcho) Track(h Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[h] = append(e.pending[h], e.now())
}

// Consume reports whether an incoming selection of h was self-triggered.
// The entry for h is removed and drained oldest-first; expired timestamps are
// skipped.
func (e *selectionEcho) Consume(h Handle) bool {
	if h.IsZero() {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	stamps, ok := e.pending[h]
	if !ok {
		return false
	}
	delete(e.pending, h)
	now := e.now()
	for _, t := range stamps {
		if now.Sub(t) <= e.window {
			return true
		}
	}
	return false
}

func (e *selectionEcho) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.pending)
}

func (e *selectionEcho) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
