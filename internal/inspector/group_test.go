package inspector

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/inspectctl/internal/testutil/testlog"
)

func TestGroupNamesAreUnique(t *testing.T) {
	testlog.Start(t)

	s, _, _ := newTestSession()
	defer s.Close()

	a := s.NewGroup("tree")
	b := s.NewGroup("tree")
	if a.Name() == b.Name() {
		t.Fatalf("group names collide: %q", a.Name())
	}
	if !strings.HasPrefix(a.Name(), "tree_") || !strings.HasPrefix(b.Name(), "tree_") {
		t.Fatalf("unexpected names: %q %q", a.Name(), b.Name())
	}
}

func TestDisposeIsIdempotentAndSilencesGroup(t *testing.T) {
	testlog.Start(t)

	s, tr, _ := newTestSession()
	defer s.Close()
	ctx := context.Background()

	g := s.NewGroup("tree")
	if err := g.Dispose(ctx); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if err := g.Dispose(ctx); err != nil {
		t.Fatalf("second dispose: %v", err)
	}
	if n := tr.disposeCountFor(g.Name()); n != 1 {
		t.Fatalf("expected one disposeGroup call, got %d", n)
	}
	before := tr.callCount()

	children, err := g.GetChildren(ctx, Handle{ID: "inspector-1"}, true)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if children == nil || len(children) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", children)
	}
	node, err := g.CallNode(ctx, methodSelectedWidget, g.refArgs(Handle{}))
	if err != nil || node != nil {
		t.Fatalf("expected nil node, got %v err=%v", node, err)
	}
	raw, err := g.CallValue(ctx, methodIsWidgetTreeReady, nil)
	if err != nil || raw != nil {
		t.Fatalf("expected nil value, got %s err=%v", raw, err)
	}
	if after := tr.callCount(); after != before {
		t.Fatalf("disposed group issued wire calls: before=%d after=%d", before, after)
	}
}

func TestDisposeDuringCallDiscardsResult(t *testing.T) {
	testlog.Start(t)

	s, tr, _ := newTestSession()
	defer s.Close()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	tr.handle(methodChildrenSummary, func(context.Context, map[string]any) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage("[" + nodeJSON("inspector-2") + "," + nodeJSON("inspector-3") + "]"), nil
	})

	g := s.NewGroup("tree")
	type result struct {
		nodes []*Node
		err   error
	}
	done := make(chan result, 1)
	go func() {
		nodes, err := g.GetChildren(ctx, Handle{ID: "inspector-1"}, true)
		done <- result{nodes, err}
	}()

	<-started
	if err := g.Dispose(ctx); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	close(release)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("children err: %v", res.err)
		}
		if res.nodes == nil || len(res.nodes) != 0 {
			t.Fatalf("expected stale result to be discarded, got %d nodes", len(res.nodes))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for children call")
	}
}

func TestGetSelectionKeepsPreviousIdentity(t *testing.T) {
	testlog.Start(t)

	s, tr, _ := newTestSession()
	defer s.Close()
	ctx := context.Background()
	g := s.NewGroup("selection")

	prev := &Node{ValueRef: Handle{ID: "inspector-7"}}
	tr.reply(methodSelectedWidget, nodeJSON("inspector-7"))
	got, err := g.GetSelection(ctx, prev, TreeWidget)
	if err != nil {
		t.Fatalf("selection: %v", err)
	}
	if got != prev {
		t.Fatalf("expected previous node pointer back")
	}
	calls := tr.callsTo(methodSelectedWidget)
	if len(calls) != 1 || calls[0].args["arg"] != "inspector-7" {
		t.Fatalf("unexpected selection calls: %+v", calls)
	}

	tr.reply(methodSelectedRender, nodeJSON("inspector-8"))
	got, err = g.GetSelection(ctx, prev, TreeRenderObject)
	if err != nil {
		t.Fatalf("render selection: %v", err)
	}
	if got == prev || got.ValueRef.ID != "inspector-8" {
		t.Fatalf("expected new node, got %+v", got)
	}
}

func TestRemoteErrorsSurface(t *testing.T) {
	testlog.Start(t)

	s, tr, _ := newTestSession()
	defer s.Close()
	ctx := context.Background()
	g := s.NewGroup("props")

	tr.handle(methodProperties, func(context.Context, map[string]any) (json.RawMessage, error) {
		return nil, &RemoteError{Method: methodProperties, Code: -32000, Message: "boom"}
	})
	if _, err := g.GetProperties(ctx, Handle{ID: "inspector-1"}); !IsRemoteError(err) {
		t.Fatalf("expected remote error, got %v", err)
	}

	tr.reply(methodChildrenDetails, `{"errorMessage":"bad ref"}`)
	_, err := g.GetChildren(ctx, Handle{ID: "inspector-1"}, false)
	if !IsRemoteError(err) || !strings.Contains(err.Error(), "bad ref") {
		t.Fatalf("expected errorMessage as remote error, got %v", err)
	}
}

func TestExtensionEnvelopeIsUnwrapped(t *testing.T) {
	testlog.Start(t)

	s, tr, _ := newTestSession()
	defer s.Close()
	g := s.NewGroup("props")

	tr.reply(methodProperties, `{"result":[`+nodeJSON("inspector-4")+`],"type":"_extensionType"}`)
	nodes, err := g.GetProperties(context.Background(), Handle{ID: "inspector-1"})
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ValueRef.ID != "inspector-4" {
		t.Fatalf("unexpected nodes: %+v", nodes)
	}
}

func TestUnavailableExtensionIsNeutral(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport()
	s := NewSession(tr, newFakeCaps(methodChildrenSummary))
	defer s.Close()

	nodes, err := s.NewGroup("tree").GetChildren(context.Background(), Handle{ID: "inspector-1"}, true)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if nodes == nil || len(nodes) != 0 {
		t.Fatalf("expected empty list, got %#v", nodes)
	}
	if n := len(tr.callsTo(methodChildrenSummary)); n != 0 {
		t.Fatalf("unexpected wire calls: %d", n)
	}
}

func TestPausedSessionEvaluates(t *testing.T) {
	testlog.Start(t)

	s, tr, _ := newTestSession()
	defer s.Close()
	tr.evalFn = func(string) (RemoteValue, error) {
		return RemoteValue{Kind: "String", ValueAsString: "[" + nodeJSON("inspector-5") + "]"}, nil
	}

	s.HandleEvent(Event{Stream: StreamDebug, Kind: KindPauseBreakpoint})
	if !s.Paused() {
		t.Fatalf("expected paused session")
	}
	g := s.NewGroup("tree")
	nodes, err := g.GetChildren(context.Background(), Handle{ID: "inspector-1"}, true)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ValueRef.ID != "inspector-5" {
		t.Fatalf("unexpected nodes: %+v", nodes)
	}
	evals := tr.evaluations()
	want := "WidgetInspectorService.instance.getChildrenSummaryTree('inspector-1', '" + g.Name() + "')"
	if len(evals) != 1 || evals[0] != want {
		t.Fatalf("unexpected expressions: %q want %q", evals, want)
	}
	if n := tr.callCount(); n != 0 {
		t.Fatalf("paused session used extensions: %d calls", n)
	}

	s.HandleEvent(Event{Stream: StreamDebug, Kind: KindResume})
	if s.Paused() {
		t.Fatalf("expected resumed session")
	}
}

func TestSetSelectionRefreshesUnlessUIUpdated(t *testing.T) {
	testlog.Start(t)

	s, tr, _ := newTestSession()
	defer s.Close()
	ctx := context.Background()
	l := newRecordingListener()
	s.AddListener(l)

	tr.reply(methodSetSelectionByID, "true")
	tr.reply(methodSelectedWidget, nodeJSON("inspector-9"))

	g := s.NewGroup("ui")
	changed, err := g.SetSelection(ctx, Handle{ID: "inspector-9"}, false)
	if err != nil || !changed {
		t.Fatalf("set selection: changed=%v err=%v", changed, err)
	}
	if sel := s.CurrentSelection(); sel == nil || sel.ValueRef.ID != "inspector-9" {
		t.Fatalf("unexpected selection: %+v", sel)
	}
	if selections, _, _ := l.counts(); selections != 1 {
		t.Fatalf("expected one selection notification, got %d", selections)
	}
	if n := s.PendingEchoes(); n != 1 {
		t.Fatalf("expected echo entry to remain for the inspect event, got %d", n)
	}

	changed, err = g.SetSelection(ctx, Handle{ID: "inspector-9"}, true)
	if err != nil || !changed {
		t.Fatalf("set selection: changed=%v err=%v", changed, err)
	}
	if selections, _, _ := l.counts(); selections != 1 {
		t.Fatalf("ui-updated selection notified listeners: %d", selections)
	}
	if n := len(tr.callsTo(methodSelectedWidget)); n != 1 {
		t.Fatalf("expected one selection fetch, got %d", n)
	}
}

func TestDeclaredExtensionsWaitForSentinel(t *testing.T) {
	testlog.Start(t)

	ctx := context.Background()
	node := &Node{ValueRef: Handle{ID: "inspector-1"}}

	tr := newFakeTransport()
	s := NewSession(tr, newFakeCaps(readinessSentinel))
	g := s.NewGroup("layout")
	got, err := g.GetLayoutExplorerNode(ctx, node, 1)
	if err != nil || got != nil {
		t.Fatalf("expected nil without sentinel, got %+v err=%v", got, err)
	}
	if n := tr.callCount(); n != 0 {
		t.Fatalf("unexpected calls without sentinel: %d", n)
	}
	s.Close()

	tr = newFakeTransport()
	s = NewSession(tr, newFakeCaps(string(ExtSetFlexFit)))
	ok, err := s.NewGroup("layout").SetFlexFit(ctx, node.ValueRef, "tight")
	if err != nil || ok {
		t.Fatalf("expected false for missing declared extension, got %v err=%v", ok, err)
	}
	if n := tr.callCount(); n != 0 {
		t.Fatalf("unexpected calls for missing extension: %d", n)
	}
	s.Close()

	tr = newFakeTransport()
	s = NewSession(tr, newFakeCaps())
	defer s.Close()
	tr.reply(string(ExtLayoutExplorerNode), nodeJSON("inspector-1"))
	tr.reply(string(ExtSetFlexFactor), "true")
	g = s.NewGroup("layout")

	got, err = g.GetLayoutExplorerNode(ctx, node, 2)
	if err != nil || got == nil || got.ValueRef.ID != "inspector-1" {
		t.Fatalf("layout node: %+v err=%v", got, err)
	}
	calls := tr.callsTo(string(ExtLayoutExplorerNode))
	if len(calls) != 1 || calls[0].args["groupName"] != g.Name() || calls[0].args["subtreeDepth"] != "2" {
		t.Fatalf("unexpected layout args: %+v", calls)
	}

	ok, err = g.SetFlexFactor(ctx, node.ValueRef, 3)
	if err != nil || !ok {
		t.Fatalf("flex factor: %v err=%v", ok, err)
	}
	if calls := tr.callsTo(string(ExtSetFlexFactor)); len(calls) != 1 || calls[0].args["flexFactor"] != "3" {
		t.Fatalf("unexpected flex factor args: %+v", calls)
	}
}

func TestEvalExpressionQuotesArguments(t *testing.T) {
	testlog.Start(t)

	got := evalExpression("getProperties", map[string]any{"arg": "it's", "objectGroup": `g\1`})
	want := `WidgetInspectorService.instance.getProperties('it\'s', 'g\\1')`
	if got != want {
		t.Fatalf("expression mismatch: got %q want %q", got, want)
	}
}

func TestDecodeBool(t *testing.T) {
	testlog.Start(t)

	cases := map[string]bool{
		"true":     true,
		"false":    false,
		`"true"`:   true,
		`"TRUE"`:   true,
		`"nope"`:   false,
		"null":     false,
		`{"a":1}`:  false,
		"":         false,
	}
	for raw, want := range cases {
		if got := decodeBool(json.RawMessage(raw)); got != want {
			t.Fatalf("decodeBool(%q)=%v want %v", raw, got, want)
		}
	}
}

// listedCaps offers exactly the named extensions.
type listedCaps map[string]bool

func (c listedCaps) IsAvailable(name string) bool { return c[name] }

func (c listedCaps) WaitUntilAvailable(_ context.Context, name string) bool { return c[name] }

func TestCallsUseFlutterInspectorExtensions(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport()
	s := NewSession(tr, listedCaps{
		"ext.flutter.inspector.getSelectedWidget":       true,
		"ext.flutter.inspector.isWidgetCreationTracked": true,
	})
	defer s.Close()
	tr.reply(methodSelectedWidget, nodeJSON("inspector-3"))

	node, err := s.NewGroup("wire").GetSelection(context.Background(), nil, TreeWidget)
	if err != nil || node == nil || node.ValueRef.ID != "inspector-3" {
		t.Fatalf("selection: node=%+v err=%v", node, err)
	}
	if n := len(tr.callsTo(methodSelectedWidget)); n != 1 {
		t.Fatalf("expected one getSelectedWidget call, got %d", n)
	}
}

func TestPausedSelectionWithoutPreviousSendsNullSlot(t *testing.T) {
	testlog.Start(t)

	s, tr, _ := newTestSession()
	defer s.Close()
	s.HandleEvent(Event{Stream: StreamDebug, Kind: KindPauseBreakpoint})

	g := s.NewGroup("selection")
	if _, err := g.GetSelection(context.Background(), nil, TreeWidget); err != nil {
		t.Fatalf("selection: %v", err)
	}
	if _, err := g.GetChildren(context.Background(), Handle{}, true); err != nil {
		t.Fatalf("children: %v", err)
	}
	if _, err := g.GetRoot(context.Background(), TreeWidget); err != nil {
		t.Fatalf("root: %v", err)
	}
	want := []string{
		"WidgetInspectorService.instance.getSelectedWidget(null, '" + g.Name() + "')",
		"WidgetInspectorService.instance.getChildrenSummaryTree(null, '" + g.Name() + "')",
		"WidgetInspectorService.instance.getRootWidgetSummaryTree('" + g.Name() + "')",
	}
	if got := tr.evaluations(); !slices.Equal(got, want) {
		t.Fatalf("expressions:\n got %q\nwant %q", got, want)
	}
}

func TestSetSelectionWithZeroHandleTracksNoEcho(t *testing.T) {
	testlog.Start(t)

	s, tr, _ := newTestSession()
	defer s.Close()
	tr.reply(methodSetSelectionByID, "false")

	if _, err := s.NewGroup("ui").SetSelection(context.Background(), Handle{}, true); err != nil {
		t.Fatalf("set selection: %v", err)
	}
	if n := s.PendingEchoes(); n != 0 {
		t.Fatalf("zero handle left %d echo entries", n)
	}
}
