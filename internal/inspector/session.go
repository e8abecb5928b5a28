package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/inspectctl/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	pathExtension = "extension"
	pathEvaluate  = "evaluate"

	methodIsWidgetTreeReady       = "isWidgetTreeReady"
	methodIsWidgetCreationTracked = "isWidgetCreationTracked"
	methodSetPubRootDirectories   = "setPubRootDirectories"

	defaultDisposeTimeout = 5 * time.Second
)

func pathLabel(extension bool) string {
	if extension {
		return pathExtension
	}
	return pathEvaluate
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces the wall clock used for selection echo bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDisposeTimeout bounds each background disposeGroup call.
func WithDisposeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.disposeTimeout = d
		}
	}
}

// WithTreeKind selects which tree selection refreshes read from.
func WithTreeKind(kind TreeKind) Option {
	return func(s *Session) {
		s.treeKind = kind
	}
}

// Session is the client side of one connection to a target's inspector. It
// routes target events to listeners, keeps the current selection and owns
// the selection GroupManager.
type Session struct {
	id        uuid.UUID
	transport Transport
	caps      Capabilities

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now            func() time.Time
	disposeTimeout time.Duration
	treeKind       TreeKind

	echo            *selectionEcho
	selectionGroups *GroupManager

	mu          sync.Mutex
	listeners   map[uint64]Listener
	nextListen  uint64
	selection   *Node
	roots       *RootSet
	paused      bool
	closed      bool
	unsubscribe []func()
}

func NewSession(transport Transport, caps Capabilities, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:             uuid.New(),
		transport:      transport,
		caps:           caps,
		ctx:            ctx,
		cancel:         cancel,
		now:            time.Now,
		disposeTimeout: defaultDisposeTimeout,
		treeKind:       TreeWidget,
		listeners:      make(map[uint64]Listener),
		roots:          NewRootSet(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.echo = newSelectionEcho(SelectionEchoWindow, s.now)
	s.selectionGroups = newGroupManager("selection", s)
	return s
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

// NewGroup creates an object group named after debugName.
func (s *Session) NewGroup(debugName string) *ObjectGroup {
	return newObjectGroup(debugName, s)
}

func (s *Session) NewGroupManager(debugName string) *GroupManager {
	return newGroupManager(debugName, s)
}

// SelectionGroups is the manager backing CurrentSelection.
func (s *Session) SelectionGroups() *GroupManager {
	return s.selectionGroups
}

// Attach subscribes the session to src until Close.
func (s *Session) Attach(src EventSource) {
	cancel := src.Subscribe(s.HandleEvent)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.unsubscribe = append(s.unsubscribe, cancel)
	s.mu.Unlock()
}

// AddListener registers l and returns the func that removes it. Each call is
// its own registration, so l needs no particular identity.
func (s *Session) AddListener(l Listener) (remove func()) {
	s.mu.Lock()
	id := s.nextListen
	s.nextListen++
	s.listeners[id] = l
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) CurrentSelection() *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection
}

// Paused reports whether the target is stopped at a pause event, in which
// case calls go through expression evaluation.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// PendingEchoes is the number of handles with recorded local selections.
func (s *Session) PendingEchoes() int {
	return s.echo.Len()
}

// HandleEvent routes one target notification. It never blocks on the wire;
// follow-up calls run on session goroutines.
func (s *Session) HandleEvent(ev Event) {
	switch ev.Kind {
	case KindExtension:
		if ev.ExtensionKind == ExtensionKindFrame {
			s.notify("frame", Listener.OnFrameRendered)
		}
	case KindInspect:
		s.track(func(ctx context.Context) {
			s.refreshSelection(ctx, true)
		})
	case KindPauseBreakpoint, KindPauseException, KindPauseInterrupted:
		s.setPaused(true)
	case KindResume:
		s.setPaused(false)
	case KindIsolateStart, KindIsolateExit:
		s.onIsolateStopped()
	}
}

func (s *Session) setPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

// refreshSelection replaces the pending selection query with a new one and
// publishes its result if it is still the newest when it lands. Selections
// reported by the target that this client asked for itself are dropped.
func (s *Session) refreshSelection(ctx context.Context, fromRemote bool) {
	m := s.selectionGroups
	m.CancelNext()
	group := m.Next()

	node, err := group.GetSelection(ctx, s.CurrentSelection(), s.treeKind)
	if err != nil {
		log.Warn().Str("session", s.id.String()).Err(err).Msg("inspector.Session selection refresh failed")
		m.cancelIfNext(group)
		return
	}
	if group.Disposed() {
		return
	}
	if fromRemote {
		var ref Handle
		if node != nil {
			ref = node.ValueRef
		}
		suppressed := s.echo.Consume(ref)
		observability.RecordSelectionNotification(suppressed)
		if suppressed {
			log.Debug().Str("session", s.id.String()).Str("ref", ref.ID).Msg("inspector.Session selection echo suppressed")
			m.cancelIfNext(group)
			return
		}
	}

	promoted := m.promoteIfNext(group, func() {
		s.mu.Lock()
		s.selection = node
		s.mu.Unlock()
	})
	if promoted {
		s.notify("selection", Listener.OnSelectionChanged)
	}
}

// onIsolateStopped drops everything tied to the old isolate. Its arenas died
// with it, so no release calls are sent.
func (s *Session) onIsolateStopped() {
	s.mu.Lock()
	s.selection = nil
	s.paused = false
	s.mu.Unlock()

	s.selectionGroups.Clear(true)
	s.echo.Clear()
	log.Info().Str("session", s.id.String()).Msg("inspector.Session isolate restarted")
}

func (s *Session) snapshotListeners() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

// notify calls fn on every listener; a panicking listener is logged and the
// rest still run.
func (s *Session) notify(event string, fn func(Listener)) {
	for _, l := range s.snapshotListeners() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("session", s.id.String()).Str("event", event).
						Interface("panic", r).Msg("inspector.Session listener panicked")
				}
			}()
			fn(l)
		}()
	}
}

// ForceRefresh asks every listener to reload and returns their joined errors.
// Listeners run concurrently; one failing does not stop the others.
func (s *Session) ForceRefresh(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, l := range s.snapshotListeners() {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrListenerPanic, r)
				}
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}()
			return l.OnForceRefresh(ctx)
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// IsWidgetTreeReady reports whether the target has a tree to show. When it
// is not, the next Flutter.Frame event signals that one exists.
func (s *Session) IsWidgetTreeReady(ctx context.Context) (bool, error) {
	raw, err := s.callNoGroup(ctx, methodIsWidgetTreeReady, map[string]any{})
	return decodeBool(raw), err
}

// IsWidgetCreationTracked reports whether the target records creation
// locations, which root directory inference depends on.
func (s *Session) IsWidgetCreationTracked(ctx context.Context) (bool, error) {
	raw, err := s.callNoGroup(ctx, methodIsWidgetCreationTracked, map[string]any{})
	return decodeBool(raw), err
}

// SetRootDirectories pushes dirs to the target and reclassifies local
// sources against them.
func (s *Session) SetRootDirectories(ctx context.Context, dirs []string) error {
	args := make(map[string]any, len(dirs))
	quoted := make([]string, 0, len(dirs))
	for i, dir := range dirs {
		args[fmt.Sprintf("arg%d", i)] = dir
		quoted = append(quoted, quoteExpr(dir))
	}
	var err error
	if s.useExtensions() {
		_, err = s.callNoGroup(ctx, methodSetPubRootDirectories, args)
	} else {
		expr := fmt.Sprintf("%s.%s([%s])", serviceInstance, methodSetPubRootDirectories, strings.Join(quoted, ", "))
		_, err = s.evaluate(ctx, methodSetPubRootDirectories, expr)
	}
	if err != nil {
		return err
	}
	s.setRoots(dirs)
	return nil
}

func (s *Session) setRoots(dirs []string) {
	rs := NewRootSet(dirs)
	s.mu.Lock()
	s.roots = rs
	s.mu.Unlock()
}

func (s *Session) Roots() *RootSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roots
}

func (s *Session) RootDirectories() []string {
	return s.Roots().Directories()
}

func (s *Session) IsLocalURI(uri string) bool {
	return s.Roots().IsLocalURI(uri)
}

// InferRootDirectories asks the target for its root directories. If it has
// none, the root is guessed from where the first widget under the tree root
// was created and pushed back to the target.
func (s *Session) InferRootDirectories(ctx context.Context) ([]string, error) {
	group := s.NewGroup("temp")
	defer group.release()

	dirs, err := group.GetPubRootDirectories(ctx)
	if err != nil {
		return nil, err
	}
	if len(dirs) > 0 {
		s.setRoots(dirs)
		return dirs, nil
	}

	dir, err := inferRootFromTree(ctx, group)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		s.setRoots(nil)
		return []string{}, nil
	}
	dirs = []string{dir}
	if err := s.SetRootDirectories(ctx, dirs); err != nil {
		return nil, err
	}
	log.Info().Str("session", s.id.String()).Str("root", dir).Msg("inspector.Session inferred root directory")
	return dirs, nil
}

func inferRootFromTree(ctx context.Context, group *ObjectGroup) (string, error) {
	root, err := group.GetRoot(ctx, TreeWidget)
	if err != nil || root == nil {
		return "", err
	}
	children := root.InlineChildren()
	if len(children) == 0 {
		children, err = group.GetChildren(ctx, root.ValueRef, false)
		if err != nil {
			return "", err
		}
	}
	if len(children) == 0 {
		return "", nil
	}
	file := strings.TrimPrefix(children[0].CreationFile(), "file://")
	return RootDirectoryFromPath(file), nil
}

// Close stops event delivery and waits for in-flight follow-up work. The
// selection groups still alive are then released on the target, each call
// bounded by the dispose timeout. Failures are returned joined.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	for _, cancel := range unsubscribe {
		cancel()
	}
	s.cancel()
	s.wg.Wait()

	var errs []error
	for _, g := range s.selectionGroups.drain() {
		if !g.disposed.CompareAndSwap(false, true) {
			continue
		}
		observability.RecordGroupReleased("disposed")
		if err := g.sendDispose(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", g.name, err))
		}
	}
	return errors.Join(errs...)
}

// track runs fn on a goroutine bound to the session lifetime. It reports
// false, without running fn, once the session is closed.
func (s *Session) track(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
	return true
}

func (s *Session) useExtensions() bool {
	return !s.Paused()
}

func (s *Session) waitExtension(ctx context.Context, name string) bool {
	if s.caps.IsAvailable(name) {
		return true
	}
	return s.caps.WaitUntilAvailable(ctx, name)
}

// callNoGroup invokes a method that does not allocate references.
func (s *Session) callNoGroup(ctx context.Context, method string, args map[string]any) (json.RawMessage, error) {
	if !s.useExtensions() {
		return s.evaluate(ctx, method, fmt.Sprintf("%s.%s()", serviceInstance, method))
	}
	if !s.waitExtension(ctx, extensionPrefix+method) {
		observability.RecordWireCall(pathExtension, method, observability.OutcomeUnavailable, 0)
		return nil, nil
	}
	return s.callExtension(ctx, method, args)
}

func (s *Session) callExtension(ctx context.Context, method string, args map[string]any) (json.RawMessage, error) {
	start := time.Now()
	raw, err := s.transport.CallServiceExtension(ctx, extensionPrefix+method, args)
	if err == nil {
		raw, err = unwrapExtensionResult(method, raw)
	}
	observability.RecordWireCall(pathExtension, method, wireOutcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *Session) evaluate(ctx context.Context, method, expr string) (json.RawMessage, error) {
	start := time.Now()
	rv, err := s.transport.Evaluate(ctx, expr, nil)
	observability.RecordWireCall(pathEvaluate, method, wireOutcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return evaluatedJSON(rv)
}

func wireOutcome(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case IsRemoteError(err):
		return observability.OutcomeRemoteError
	default:
		return observability.OutcomeTransportError
	}
}

// unwrapExtensionResult strips the {"result": ...} envelope inspector
// extensions answer with and turns an errorMessage field into a RemoteError.
func unwrapExtensionResult(method string, raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return raw, nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %s response: %v", ErrMalformedPayload, method, err)
	}
	if msg, ok := envelope["errorMessage"]; ok && !isNull(msg) {
		var text string
		if err := json.Unmarshal(msg, &text); err != nil {
			text = string(msg)
		}
		return nil, &RemoteError{Method: method, Message: text}
	}
	if result, ok := envelope["result"]; ok {
		return result, nil
	}
	return raw, nil
}

// evaluatedJSON reads the result of an evaluated call. The inspector service
// answers with JSON text; anything else is kept as a JSON string.
func evaluatedJSON(rv RemoteValue) (json.RawMessage, error) {
	if rv.Kind == "Null" {
		return nil, nil
	}
	text := strings.TrimSpace(rv.ValueAsString)
	if text == "" {
		return nil, nil
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	out, err := json.Marshal(rv.ValueAsString)
	if err != nil {
		return nil, err
	}
	return out, nil
}
