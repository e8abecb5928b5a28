package inspector

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

type wireCall struct {
	method string
	args   map[string]any
}

type extensionHandler func(ctx context.Context, args map[string]any) (json.RawMessage, error)

// fakeTransport answers extension calls from per-method handlers; methods
// without a handler answer null.
type fakeTransport struct {
	mu       sync.Mutex
	calls    []wireCall
	evals    []string
	handlers map[string]extensionHandler
	evalFn   func(expr string) (RemoteValue, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]extensionHandler)}
}

func (f *fakeTransport) handle(method string, h extensionHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeTransport) reply(method, payload string) {
	f.handle(method, func(context.Context, map[string]any) (json.RawMessage, error) {
		return json.RawMessage(payload), nil
	})
}

func (f *fakeTransport) CallServiceExtension(ctx context.Context, method string, args map[string]any) (json.RawMessage, error) {
	name := strings.TrimPrefix(method, extensionPrefix)
	f.mu.Lock()
	f.calls = append(f.calls, wireCall{method: name, args: args})
	h := f.handlers[name]
	f.mu.Unlock()
	if h == nil {
		return json.RawMessage("null"), nil
	}
	return h(ctx, args)
}

func (f *fakeTransport) Evaluate(_ context.Context, expr string, _ map[string]string) (RemoteValue, error) {
	f.mu.Lock()
	f.evals = append(f.evals, expr)
	fn := f.evalFn
	f.mu.Unlock()
	if fn == nil {
		return RemoteValue{Kind: "Null"}, nil
	}
	return fn(expr)
}

func (f *fakeTransport) callsTo(method string) []wireCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wireCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) evaluations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.evals...)
}

// disposeCountFor counts disposeGroup calls naming group.
func (f *fakeTransport) disposeCountFor(group string) int {
	n := 0
	for _, c := range f.callsTo(methodDisposeGroup) {
		if c.args["objectGroup"] == group {
			n++
		}
	}
	return n
}

// fakeCaps treats every extension as available unless listed as missing.
type fakeCaps struct {
	mu      sync.Mutex
	missing map[string]bool
}

func newFakeCaps(missing ...string) *fakeCaps {
	c := &fakeCaps{missing: make(map[string]bool)}
	for _, name := range missing {
		c.missing[extensionPrefix+name] = true
	}
	return c
}

func (c *fakeCaps) IsAvailable(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.missing[name]
}

func (c *fakeCaps) WaitUntilAvailable(_ context.Context, name string) bool {
	return c.IsAvailable(name)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingListener struct {
	mu         sync.Mutex
	selections int
	frames     int
	refreshes  int
	selected   chan struct{}
	refreshErr error
	panics     bool
}

func newRecordingListener() *recordingListener {
	return &recordingListener{selected: make(chan struct{}, 16)}
}

func (l *recordingListener) OnSelectionChanged() {
	l.mu.Lock()
	l.selections++
	l.mu.Unlock()
	if l.panics {
		panic("selection listener exploded")
	}
	l.selected <- struct{}{}
}

func (l *recordingListener) OnFrameRendered() {
	l.mu.Lock()
	l.frames++
	l.mu.Unlock()
	if l.panics {
		panic("frame listener exploded")
	}
}

func (l *recordingListener) OnForceRefresh(context.Context) error {
	l.mu.Lock()
	l.refreshes++
	l.mu.Unlock()
	if l.panics {
		panic("refresh listener exploded")
	}
	return l.refreshErr
}

func (l *recordingListener) counts() (selections, frames, refreshes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.selections, l.frames, l.refreshes
}

func nodeJSON(id string) string {
	return `{"valueId":"` + id + `","description":"` + id + `"}`
}

func newTestSession(opts ...Option) (*Session, *fakeTransport, *fakeCaps) {
	tr := newFakeTransport()
	caps := newFakeCaps()
	return NewSession(tr, caps, opts...), tr, caps
}
