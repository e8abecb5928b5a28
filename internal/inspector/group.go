package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/danmuck/inspectctl/internal/observability"
	"github.com/rs/zerolog/log"
)

const (
	extensionPrefix = "ext.flutter.inspector."
	serviceInstance = "WidgetInspectorService.instance"

	methodDisposeGroup = "disposeGroup"
)

// groupSeq makes group names unique across every session in the process.
var groupSeq atomic.Uint64

// ObjectGroup is a named arena of remote references that is released with a
// single disposeGroup call.
//
// Once disposed, every query returns its neutral value (nil, nil node, empty
// list) without touching the wire, and queries that were already in flight
// drop their results when they come back.
type ObjectGroup struct {
	name     string
	session  *Session
	disposed atomic.Bool
}

func newObjectGroup(debugName string, s *Session) *ObjectGroup {
	debugName = strings.TrimSpace(debugName)
	if debugName == "" {
		debugName = "group"
	}
	n := groupSeq.Add(1) - 1
	observability.RecordGroupCreated()
	return &ObjectGroup{
		name:    fmt.Sprintf("%s_%d", debugName, n),
		session: s,
	}
}

func (g *ObjectGroup) Name() string {
	return g.name
}

func (g *ObjectGroup) Disposed() bool {
	return g.disposed.Load()
}

func (g *ObjectGroup) Session() *Session {
	return g.session
}

// Dispose releases the group on the target and waits for the release call or
// ctx. The group counts as disposed as soon as Dispose is entered; calling it
// again is a no-op.
func (g *ObjectGroup) Dispose(ctx context.Context) error {
	done := g.release()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release flips the disposed flag and starts the disposeGroup call in the
// background. The returned channel yields the call's outcome; it yields nil
// immediately when the group was already released.
func (g *ObjectGroup) release() <-chan error {
	done := make(chan error, 1)
	if !g.disposed.CompareAndSwap(false, true) {
		done <- nil
		return done
	}
	observability.RecordGroupReleased("disposed")

	started := g.session.track(func(ctx context.Context) {
		done <- g.sendDispose(ctx)
	})
	if !started {
		done <- nil
	}
	return done
}

// sendDispose issues the disposeGroup call, bounded by the session's dispose
// timeout. A target without the extension counts as released.
func (g *ObjectGroup) sendDispose(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, g.session.disposeTimeout)
	defer cancel()
	_, err := g.dispatch(callCtx, methodDisposeGroup, g.groupArgs(), false)
	if errors.Is(err, errUnavailable) {
		err = nil
	}
	if err != nil {
		log.Debug().Str("group", g.name).Err(err).Msg("inspector.ObjectGroup dispose failed")
	}
	return err
}

// abandon marks the group disposed without telling the target, for arenas
// that died with their isolate.
func (g *ObjectGroup) abandon() {
	if g.disposed.CompareAndSwap(false, true) {
		observability.RecordGroupReleased("abandoned")
	}
}

// CallValue invokes method and returns its raw result.
func (g *ObjectGroup) CallValue(ctx context.Context, method string, args map[string]any) (json.RawMessage, error) {
	raw, err := g.invoke(ctx, method, args)
	if err != nil || isNull(raw) {
		return nil, err
	}
	return raw, nil
}

// CallNode invokes method and parses the result as a single node.
func (g *ObjectGroup) CallNode(ctx context.Context, method string, args map[string]any) (*Node, error) {
	raw, err := g.invoke(ctx, method, args)
	if err != nil {
		return nil, err
	}
	return g.parseNode(raw)
}

// CallNodeList invokes method and parses the result as a node list. The
// result is never nil.
func (g *ObjectGroup) CallNodeList(ctx context.Context, method string, args map[string]any) ([]*Node, error) {
	raw, err := g.invoke(ctx, method, args)
	if err != nil {
		return []*Node{}, err
	}
	if g.Disposed() {
		return []*Node{}, nil
	}
	return ParseNodeList(raw)
}

func (g *ObjectGroup) parseNode(raw json.RawMessage) (*Node, error) {
	if g.Disposed() {
		return nil, nil
	}
	return ParseNode(raw)
}

// invoke is the guarded entry point for every query: no wire call once
// disposed, and anything that comes back after disposal is dropped.
func (g *ObjectGroup) invoke(ctx context.Context, method string, args map[string]any) (json.RawMessage, error) {
	if g.Disposed() {
		return nil, nil
	}
	raw, err := g.dispatch(ctx, method, args, true)
	return g.settle(method, raw, err)
}

func (g *ObjectGroup) settle(method string, raw json.RawMessage, err error) (json.RawMessage, error) {
	if g.Disposed() {
		if err == nil && raw != nil {
			observability.RecordWireCall(pathLabel(g.session.useExtensions()), method, observability.OutcomeStale, 0)
		}
		return nil, nil
	}
	if errors.Is(err, errUnavailable) {
		return nil, nil
	}
	return raw, err
}

// dispatch routes method through the service extension path, or through
// expression evaluation while the target is paused and cannot run
// extensions. guarded re-checks disposal after waiting for the extension.
func (g *ObjectGroup) dispatch(ctx context.Context, method string, args map[string]any, guarded bool) (json.RawMessage, error) {
	s := g.session
	if !s.useExtensions() {
		return s.evaluate(ctx, method, evalExpression(method, args))
	}
	if !s.waitExtension(ctx, extensionPrefix+method) {
		observability.RecordWireCall(pathExtension, method, observability.OutcomeUnavailable, 0)
		return nil, errUnavailable
	}
	if guarded && g.Disposed() {
		return nil, nil
	}
	return s.callExtension(ctx, method, args)
}

// groupArgs is the argument set of methods that only take the group.
func (g *ObjectGroup) groupArgs() map[string]any {
	return map[string]any{"objectGroup": g.name}
}

// refArgs is the argument set of methods that take an object reference and
// the group. The reference slot is always present; a zero handle fills it
// with nil.
func (g *ObjectGroup) refArgs(h Handle) map[string]any {
	args := g.groupArgs()
	args["arg"] = nil
	if !h.IsZero() {
		args["arg"] = h.ID
	}
	return args
}

// evalExpression renders a call on the inspector service instance with the
// positional arguments the evaluate path supports: the object id when the
// method has a reference slot (null when empty), then the group name.
func evalExpression(method string, args map[string]any) string {
	params := make([]string, 0, 2)
	if arg, ok := args["arg"]; ok {
		if arg == nil {
			params = append(params, "null")
		} else {
			params = append(params, quoteExpr(fmt.Sprint(arg)))
		}
	}
	if group, ok := args["objectGroup"]; ok {
		params = append(params, quoteExpr(fmt.Sprint(group)))
	}
	return fmt.Sprintf("%s.%s(%s)", serviceInstance, method, strings.Join(params, ", "))
}

func quoteExpr(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
