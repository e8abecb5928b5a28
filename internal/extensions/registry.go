package extensions

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/inspectctl/internal/inspector"
	"github.com/rs/zerolog/log"
)

// DefaultWaitTimeout bounds WaitUntilAvailable when the caller's context
// carries no deadline of its own.
const DefaultWaitTimeout = 10 * time.Second

// Registry tracks the service extensions the current isolate has registered.
// It implements inspector.Capabilities and is fed by the same event stream as
// the session.
type Registry struct {
	mu          sync.Mutex
	available   map[string]struct{}
	waiters     map[string][]chan struct{}
	waitTimeout time.Duration
}

func NewRegistry(waitTimeout time.Duration) *Registry {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &Registry{
		available:   make(map[string]struct{}),
		waiters:     make(map[string][]chan struct{}),
		waitTimeout: waitTimeout,
	}
}

// Add marks names as available and wakes anyone waiting on them.
func (r *Registry) Add(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if name == "" {
			continue
		}
		r.available[name] = struct{}{}
		for _, ch := range r.waiters[name] {
			close(ch)
		}
		delete(r.waiters, name)
	}
}

// Reset forgets every extension; a restarted isolate registers them again.
// Pending waiters keep waiting.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.available)
}

func (r *Registry) IsAvailable(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.available[name]
	return ok
}

// WaitUntilAvailable blocks until name is registered, ctx ends or the wait
// timeout passes.
func (r *Registry) WaitUntilAvailable(ctx context.Context, name string) bool {
	r.mu.Lock()
	if _, ok := r.available[name]; ok {
		r.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	r.waiters[name] = append(r.waiters[name], ch)
	r.mu.Unlock()

	timer := time.NewTimer(r.waitTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
	case <-timer.C:
		log.Debug().Str("extension", name).Dur("waited", r.waitTimeout).Msg("extensions.Registry wait timed out")
	}
	r.dropWaiter(name, ch)
	return false
}

func (r *Registry) dropWaiter(name string, ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.waiters[name]
	for i, w := range waiters {
		if w == ch {
			waiters = slices.Delete(waiters, i, i+1)
			break
		}
	}
	if len(waiters) == 0 {
		delete(r.waiters, name)
		return
	}
	r.waiters[name] = waiters
}

// List returns the registered extensions, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.available))
	for name := range r.available {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// HandleEvent keeps the registry in step with the target.
func (r *Registry) HandleEvent(ev inspector.Event) {
	switch ev.Kind {
	case inspector.KindServiceExtensionAdded:
		r.Add(ev.ExtensionName)
	case inspector.KindIsolateStart, inspector.KindIsolateExit:
		r.Reset()
	}
}

// Attach subscribes the registry to src and returns the unsubscribe func.
func (r *Registry) Attach(src inspector.EventSource) func() {
	return src.Subscribe(r.HandleEvent)
}
