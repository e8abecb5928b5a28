package inspector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/inspectctl/internal/observability"
)

// Remote inspector methods reached through ObjectGroup.
const (
	methodChildrenSummary  = "getChildrenSummaryTree"
	methodChildrenDetails  = "getChildrenDetailsSubtree"
	methodProperties       = "getProperties"
	methodSelectedWidget   = "getSelectedWidget"
	methodSelectedRender   = "getSelectedRenderObject"
	methodSetSelectionByID = "setSelectionById"
	methodRootSummary      = "getRootWidgetSummaryTree"
	methodRootRender       = "getRootRenderObject"
	methodRootFull         = "getRootWidget"
	methodDetailsSubtree   = "getDetailsSubtree"
)

// DeclaredExtension names an extension the target registers after its
// creation-tracking sentinel, rather than at startup.
type DeclaredExtension string

const (
	ExtLayoutExplorerNode    DeclaredExtension = "getLayoutExplorerNode"
	ExtSetFlexFit            DeclaredExtension = "setFlexFit"
	ExtSetFlexFactor         DeclaredExtension = "setFlexFactor"
	ExtSetFlexProperties     DeclaredExtension = "setFlexProperties"
	ExtGetPubRootDirectories DeclaredExtension = "getPubRootDirectories"

	// readinessSentinel is registered last by the target; once it is present
	// the declared extensions are either registered too or missing for good.
	readinessSentinel = "isWidgetCreationTracked"
)

// GetChildren lists the children of h, as a summary tree or with details.
func (g *ObjectGroup) GetChildren(ctx context.Context, h Handle, summary bool) ([]*Node, error) {
	method := methodChildrenDetails
	if summary {
		method = methodChildrenSummary
	}
	return g.CallNodeList(ctx, method, g.refArgs(h))
}

func (g *ObjectGroup) GetProperties(ctx context.Context, h Handle) ([]*Node, error) {
	return g.CallNodeList(ctx, methodProperties, g.refArgs(h))
}

// GetSelection fetches the selected node of the given tree. When the target
// reports the same object as prev, prev itself is returned so callers can
// compare by pointer.
func (g *ObjectGroup) GetSelection(ctx context.Context, prev *Node, kind TreeKind) (*Node, error) {
	var method string
	switch kind {
	case TreeWidget:
		method = methodSelectedWidget
	case TreeRenderObject:
		method = methodSelectedRender
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTreeKind, int(kind))
	}
	var prevRef Handle
	if prev != nil {
		prevRef = prev.ValueRef
	}
	node, err := g.CallNode(ctx, method, g.refArgs(prevRef))
	if err != nil || node == nil {
		return node, err
	}
	if prev != nil && !prev.ValueRef.IsZero() && node.ValueRef == prev.ValueRef {
		return prev, nil
	}
	return node, nil
}

// SetSelection asks the target to select h. The change is recorded as
// self-triggered before the call goes out, so the Inspect event the target
// echoes back is not treated as a foreign selection. When the target reports
// a change and uiAlreadyUpdated is false, the session refreshes its selection
// and notifies listeners.
func (g *ObjectGroup) SetSelection(ctx context.Context, h Handle, uiAlreadyUpdated bool) (bool, error) {
	if g.Disposed() {
		return false, nil
	}
	if !h.IsZero() {
		g.session.echo.Track(h)
	}
	raw, err := g.invoke(ctx, methodSetSelectionByID, g.refArgs(h))
	if err != nil {
		return false, err
	}
	changed := decodeBool(raw)
	if changed && !uiAlreadyUpdated {
		g.session.refreshSelection(ctx, false)
	}
	return changed, nil
}

// GetRoot fetches the root of the given tree; the widget tree comes back as
// a summary tree.
func (g *ObjectGroup) GetRoot(ctx context.Context, kind TreeKind) (*Node, error) {
	switch kind {
	case TreeWidget:
		return g.CallNode(ctx, methodRootSummary, g.groupArgs())
	case TreeRenderObject:
		return g.CallNode(ctx, methodRootRender, g.groupArgs())
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTreeKind, int(kind))
	}
}

// GetRootFullTree fetches the complete widget tree, not just its summary.
func (g *ObjectGroup) GetRootFullTree(ctx context.Context) (*Node, error) {
	return g.CallNode(ctx, methodRootFull, g.groupArgs())
}

func (g *ObjectGroup) GetDetailsSubtree(ctx context.Context, node *Node, depth int) (*Node, error) {
	if node == nil {
		return nil, nil
	}
	args := g.refArgs(node.ValueRef)
	args["subtreeDepth"] = strconv.Itoa(depth)
	return g.CallNode(ctx, methodDetailsSubtree, args)
}

// InvokeDeclared calls a declared extension. It waits for the readiness
// sentinel first, then requires ext itself to be registered; anything else
// resolves to a nil result.
func (g *ObjectGroup) InvokeDeclared(ctx context.Context, ext DeclaredExtension, args map[string]any) (json.RawMessage, error) {
	if g.Disposed() {
		return nil, nil
	}
	s := g.session
	if !s.waitExtension(ctx, extensionPrefix+readinessSentinel) {
		return nil, nil
	}
	if g.Disposed() {
		return nil, nil
	}
	method := string(ext)
	if !s.caps.IsAvailable(extensionPrefix + method) {
		observability.RecordWireCall(pathExtension, method, observability.OutcomeUnavailable, 0)
		return nil, nil
	}
	raw, err := s.callExtension(ctx, method, args)
	raw, err = g.settle(method, raw, err)
	if err != nil || isNull(raw) {
		return nil, err
	}
	return raw, nil
}

// GetLayoutExplorerNode fetches the flex layout view of node, depth levels
// deep.
func (g *ObjectGroup) GetLayoutExplorerNode(ctx context.Context, node *Node, depth int) (*Node, error) {
	if node == nil {
		return nil, nil
	}
	raw, err := g.InvokeDeclared(ctx, ExtLayoutExplorerNode, map[string]any{
		"id":           node.ValueRef.ID,
		"groupName":    g.name,
		"subtreeDepth": strconv.Itoa(depth),
	})
	if err != nil {
		return nil, err
	}
	return g.parseNode(raw)
}

func (g *ObjectGroup) SetFlexFit(ctx context.Context, h Handle, fit string) (bool, error) {
	raw, err := g.InvokeDeclared(ctx, ExtSetFlexFit, map[string]any{
		"id":      h.ID,
		"flexFit": fit,
	})
	return decodeBool(raw), err
}

func (g *ObjectGroup) SetFlexFactor(ctx context.Context, h Handle, factor int) (bool, error) {
	raw, err := g.InvokeDeclared(ctx, ExtSetFlexFactor, map[string]any{
		"id":         h.ID,
		"flexFactor": strconv.Itoa(factor),
	})
	return decodeBool(raw), err
}

func (g *ObjectGroup) SetFlexProperties(ctx context.Context, h Handle, mainAxis, crossAxis string) (bool, error) {
	raw, err := g.InvokeDeclared(ctx, ExtSetFlexProperties, map[string]any{
		"id":                 h.ID,
		"mainAxisAlignment":  mainAxis,
		"crossAxisAlignment": crossAxis,
	})
	return decodeBool(raw), err
}

// GetPubRootDirectories asks the target which directories it currently
// treats as application code.
func (g *ObjectGroup) GetPubRootDirectories(ctx context.Context) ([]string, error) {
	raw, err := g.InvokeDeclared(ctx, ExtGetPubRootDirectories, map[string]any{})
	if err != nil || raw == nil {
		return nil, err
	}
	var dirs []string
	if err := json.Unmarshal(raw, &dirs); err != nil {
		return nil, fmt.Errorf("%w: root directories: %v", ErrMalformedPayload, err)
	}
	return dirs, nil
}

// decodeBool accepts a JSON boolean or its string form; anything else is
// false.
func decodeBool(raw json.RawMessage) bool {
	if isNull(raw) {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.EqualFold(strings.TrimSpace(s), "true")
	}
	return false
}
